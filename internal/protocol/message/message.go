package message

import (
	"fmt"
	"time"

	"github.com/danmuck/stepwise/internal/protocol/codec"
	"github.com/google/uuid"
	"golang.org/x/crypto/sha3"
)

// Routing is the metadata that travels alongside a message's inputs.
type Routing struct {
	UID        uuid.UUID
	Owner      Identity
	Protocol   ProtocolID
	Instance   uuid.UUID
	Provenance Provenance
	ReceivedAt time.Time
}

// Message is one protocol message: a kind, its routing and encoded inputs.
type Message struct {
	Kind    Kind
	Routing Routing
	Inputs  []codec.Value
}

// Envelope is what the relay attests about a received payload. None of it
// is read from the payload itself.
type Envelope struct {
	UID        uuid.UUID
	Owner      Identity
	Provenance Provenance
	ReceivedAt time.Time
}

// New builds a message for sending. A fresh UID is assigned. The message is
// routed to owner; key.Owner is not consulted.
func New(owner Identity, key InstanceKey, kind Kind, inputs ...codec.Value) Message {
	return Message{
		Kind: kind,
		Routing: Routing{
			UID:        uuid.New(),
			Owner:      owner,
			Protocol:   key.Protocol,
			Instance:   key.Instance,
			Provenance: Local(),
		},
		Inputs: inputs,
	}
}

func (m Message) Key() InstanceKey {
	return InstanceKey{Owner: m.Routing.Owner, Protocol: m.Routing.Protocol, Instance: m.Routing.Instance}
}

var receiptSpace = uuid.MustParse("5b0e7c1a-3f7d-4c52-9a61-0d2f8e4b7c93")

// ReceiptID identifies a received message for dedup and the pending inbox.
// The wire UID is chosen by the sender, so it is scoped by the receiving
// owner and by what the channel attests about the sender. Two senders that
// pick the same UID never collide.
func (m Message) ReceiptID() uuid.UUID {
	scope := codec.List(
		codec.NewBytes(m.Routing.Owner.Bytes()),
		codec.NewInt(int64(m.Routing.Provenance.Channel)),
		codec.NewBytes(m.Routing.Provenance.RemoteIdentity.Bytes()),
		codec.NewUID(m.Routing.UID),
	)
	return uuid.NewHash(sha3.New256(), receiptSpace, scope.Encode(), 8)
}

// Input returns input i or a codec arity error.
func (m Message) Input(i int) (codec.Value, error) {
	if i < 0 || i >= len(m.Inputs) {
		return codec.Value{}, fmt.Errorf("%w: input %d of %d", codec.ErrArity, i, len(m.Inputs))
	}
	return m.Inputs[i], nil
}

func (m Message) wireValue() codec.Value {
	return codec.List(
		codec.NewInt(int64(m.Routing.Protocol)),
		codec.NewUID(m.Routing.Instance),
		codec.NewInt(int64(m.Kind)),
		codec.List(m.Inputs...),
	)
}

// MarshalWire encodes the part of the message carried by a channel.
func (m Message) MarshalWire() []byte {
	return m.wireValue().Encode()
}

// Unmarshal parses wire bytes and binds them to the relay envelope.
func Unmarshal(raw []byte, env Envelope) (Message, error) {
	v, err := codec.DecodePadded(raw)
	if err != nil {
		return Message{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	m, err := fromWire(v)
	if err != nil {
		return Message{}, err
	}
	m.Routing.UID = env.UID
	m.Routing.Owner = env.Owner
	m.Routing.Provenance = env.Provenance
	m.Routing.ReceivedAt = env.ReceivedAt
	return m, nil
}

func fromWire(v codec.Value) (Message, error) {
	proto, instance, kind, inputs, err := codec.Unpack4[int64, uuid.UUID, int64, []codec.Value](v)
	if err != nil {
		return Message{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	return Message{
		Kind: Kind(kind),
		Routing: Routing{
			Protocol: ProtocolID(proto),
			Instance: instance,
		},
		Inputs: inputs,
	}, nil
}

// MarshalValue encodes the message with its full routing, for persistence.
func (m Message) MarshalValue() (codec.Value, error) {
	return codec.PackOf(
		m.Routing.UID,
		m.Routing.Owner,
		m.Routing.Provenance,
		unixNano(m.Routing.ReceivedAt),
		m.wireValue(),
	)
}

func (m *Message) UnmarshalValue(v codec.Value) error {
	uid, owner, prov, received, wire, err := codec.Unpack5[uuid.UUID, Identity, Provenance, int64, codec.Value](v)
	if err != nil {
		return err
	}
	out, err := fromWire(wire)
	if err != nil {
		return err
	}
	out.Routing.UID = uid
	out.Routing.Owner = owner
	out.Routing.Provenance = prov
	if received != 0 {
		out.Routing.ReceivedAt = time.Unix(0, received).UTC()
	}
	*m = out
	return nil
}

// Outgoing is a message handed to the channel provider with its target.
type Outgoing struct {
	Message Message
	Target  Target
}

func (o Outgoing) MarshalValue() (codec.Value, error) {
	return codec.PackOf(o.Target, o.Message)
}

func (o *Outgoing) UnmarshalValue(v codec.Value) error {
	target, msg, err := codec.Unpack2[Target, Message](v)
	if err != nil {
		return err
	}
	*o = Outgoing{Message: msg, Target: target}
	return nil
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}
