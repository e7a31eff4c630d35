package discovery

import (
	"context"
	"errors"
	"fmt"

	"github.com/danmuck/stepwise/internal/engine"
	"github.com/danmuck/stepwise/internal/protocol/codec"
	"github.com/danmuck/stepwise/internal/protocol/message"
	"github.com/danmuck/stepwise/internal/protocol/schema"
	"github.com/google/uuid"
)

const ID message.ProtocolID = 1

// Query names the server query sent by Initiate.
const Query = "device-discovery"

const (
	KindInitiate             message.Kind = 0
	KindRequestFromInitiator message.Kind = 1
	KindResponseFromRemote   message.Kind = 2
	KindServerQueryResult    message.Kind = 3
	KindDeviceQuery          message.Kind = 4
)

const (
	StateWaitingForServerQueryResult engine.StateID = 1
	StateWaitingForRemoteResponse    engine.StateID = 2
)

var ErrServerQueryFailed = errors.New("discovery: server query failed")

// accepted lists, per state, the kinds some step still takes. Anything else
// reaching that state is obsolete.
var accepted = map[engine.StateID][]message.Kind{
	engine.StateInitial:              {KindInitiate, KindRequestFromInitiator},
	StateWaitingForServerQueryResult: {KindServerQueryResult},
	StateWaitingForRemoteResponse:    {KindResponseFromRemote},
}

// Protocol returns the discovery protocol definition.
func Protocol() engine.Protocol {
	devices := []codec.Tag{codec.TagList, codec.TagBytes}
	return engine.Protocol{
		ID:   ID,
		Name: "device-discovery",
		States: map[engine.StateID]string{
			engine.StateInitial:              "initial",
			StateWaitingForServerQueryResult: "waiting-for-server-query-result",
			StateWaitingForRemoteResponse:    "waiting-for-remote-response",
		},
		Kinds: map[message.Kind]string{
			KindInitiate:             "initiate",
			KindRequestFromInitiator: "request-from-initiator",
			KindResponseFromRemote:   "response-from-remote",
			KindServerQueryResult:    "server-query-result",
			KindDeviceQuery:          "device-query",
		},
		Schema: schema.Schema{
			KindInitiate:             {schema.Require("remote", codec.TagBytes)},
			KindRequestFromInitiator: {schema.Require("remote", codec.TagBytes), schema.Require("device", codec.TagBytes)},
			KindResponseFromRemote:   {schema.Require("devices", devices...)},
			KindServerQueryResult:    {schema.Require("success", codec.TagBool), schema.Require("devices", devices...)},
			KindDeviceQuery:          {schema.Require("remote", codec.TagBytes)},
		},
		Steps: []engine.Step{
			{
				Name:    "initiate",
				From:    []engine.StateID{engine.StateInitial},
				Accepts: []message.Kind{KindInitiate},
				Shape:   message.LocalOnly(),
				Run:     initiate,
			},
			{
				Name:    "server-query-result",
				From:    []engine.StateID{StateWaitingForServerQueryResult},
				Accepts: []message.Kind{KindServerQueryResult},
				Shape:   message.ServerResponse(),
				Run:     serverQueryResult,
			},
			{
				Name:     "response-from-remote",
				From:     []engine.StateID{StateWaitingForRemoteResponse},
				Accepts:  []message.Kind{KindResponseFromRemote},
				ShapeFor: fromRecordedRemote,
				Run:      responseFromRemote,
			},
			{
				Name:    "request-from-initiator",
				From:    []engine.StateID{engine.StateInitial},
				Accepts: []message.Kind{KindRequestFromInitiator},
				Shape:   message.AsymmetricChannel(),
				Run:     requestFromInitiator,
			},
		},
		Obsolete: Obsolete,
	}
}

// Obsolete reports whether msg can no longer be taken by any step from state.
func Obsolete(state engine.State, msg message.Message) bool {
	for _, k := range accepted[state.ID] {
		if k == msg.Kind {
			return false
		}
	}
	return true
}

// Initiate builds the local message that starts discovery of remote.
func Initiate(owner message.Identity, remote message.Identity) message.Message {
	key := message.InstanceKey{Owner: owner, Protocol: ID, Instance: uuid.New()}
	return message.New(owner, key, KindInitiate, codec.NewBytes(remote.Bytes()))
}

// Finished decodes the data of a finished instance.
func Finished(s engine.State) (message.Identity, []uuid.UUID, error) {
	if s.ID != engine.StateFinished {
		return "", nil, fmt.Errorf("discovery: instance is %s, not finished", s)
	}
	remote, devs, err := codec.Unpack2[message.Identity, codec.Value](s.Data)
	if err != nil {
		return "", nil, err
	}
	uids, err := DecodeDevices(devs)
	return remote, uids, err
}

func finished(remote message.Identity, devs []uuid.UUID) engine.Outcome {
	return engine.Finish(codec.List(codec.NewBytes(remote.Bytes()), codec.NewUIDs(devs)))
}

func remoteState(id engine.StateID, remote message.Identity) engine.State {
	return engine.State{ID: id, Data: codec.NewBytes(remote.Bytes())}
}

func fromRecordedRemote(s engine.State) (message.Shape, error) {
	remote, err := engine.StateData[message.Identity](s)
	if err != nil {
		return message.Shape{}, err
	}
	return message.AsymmetricFrom(remote), nil
}

func initiate(ctx context.Context, sc *engine.StepContext) (engine.Outcome, error) {
	remote, err := engine.Input[message.Identity](sc, 0)
	if err != nil {
		return engine.Outcome{}, err
	}
	if remote.IsZero() {
		return engine.Cancel("empty remote identity"), nil
	}
	if err := sc.Send(ctx, message.ToServer(Query), KindDeviceQuery, codec.NewBytes(remote.Bytes())); err != nil {
		return engine.Outcome{}, err
	}
	sc.Log.Debug().Str("remote", remote.Short()).Msg("device discovery started")
	return engine.Next(remoteState(StateWaitingForServerQueryResult, remote)), nil
}

func serverQueryResult(ctx context.Context, sc *engine.StepContext) (engine.Outcome, error) {
	remote, err := engine.StateData[message.Identity](sc.State)
	if err != nil {
		return engine.Outcome{}, err
	}
	ok, err := engine.Input[bool](sc, 0)
	if err != nil {
		return engine.Outcome{}, err
	}
	if !ok {
		return engine.Cancel(ErrServerQueryFailed.Error()), nil
	}
	raw, err := sc.Message.Input(1)
	if err != nil {
		return engine.Outcome{}, err
	}
	devs, err := DecodeDevices(raw)
	if err != nil {
		return engine.Outcome{}, err
	}
	if len(devs) > 0 {
		return finished(remote, devs), nil
	}

	device, err := sc.Identity.CurrentDevice(ctx, sc.Owner)
	if err != nil {
		return engine.Outcome{}, err
	}
	err = sc.Send(ctx, message.ToAsymmetricBroadcast(remote), KindRequestFromInitiator,
		codec.NewBytes(sc.Owner.Bytes()), codec.NewUID(device))
	if err != nil {
		return engine.Outcome{}, err
	}
	return engine.Next(remoteState(StateWaitingForRemoteResponse, remote)), nil
}

func responseFromRemote(_ context.Context, sc *engine.StepContext) (engine.Outcome, error) {
	remote, err := engine.StateData[message.Identity](sc.State)
	if err != nil {
		return engine.Outcome{}, err
	}
	raw, err := sc.Message.Input(0)
	if err != nil {
		return engine.Outcome{}, err
	}
	devs, err := DecodeDevices(raw)
	if err != nil {
		return engine.Outcome{}, err
	}
	return finished(remote, devs), nil
}

// requestFromInitiator runs on the remote's side: it answers with the
// owner's devices and finishes immediately.
func requestFromInitiator(ctx context.Context, sc *engine.StepContext) (engine.Outcome, error) {
	requester, err := engine.Input[message.Identity](sc, 0)
	if err != nil {
		return engine.Outcome{}, err
	}
	if sender := sc.Message.Routing.Provenance.RemoteIdentity; sender != requester {
		return engine.Cancel(fmt.Sprintf("request names %s but was signed by %s", requester.Short(), sender.Short())), nil
	}
	devs, err := sc.Identity.OwnedDevices(ctx, sc.Owner)
	if err != nil {
		return engine.Outcome{}, err
	}
	if err := sc.Send(ctx, message.ToAsymmetricBroadcast(requester), KindResponseFromRemote, codec.NewUIDs(devs)); err != nil {
		return engine.Outcome{}, err
	}
	return finished(requester, devs), nil
}
