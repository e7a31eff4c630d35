package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/danmuck/stepwise/internal/protocol/codec"
	"github.com/danmuck/stepwise/internal/protocol/message"
	"github.com/danmuck/stepwise/internal/store"
	"github.com/rs/zerolog"
)

type outcomeKind int

const (
	outcomeNext outcomeKind = iota + 1
	outcomeCancel
)

// Outcome is a step's successful return: a next state or a cancellation.
type Outcome struct {
	kind   outcomeKind
	state  State
	reason string
}

func Next(s State) Outcome {
	return Outcome{kind: outcomeNext, state: s}
}

// Finish moves the instance to Finished with final state data.
func Finish(data codec.Value) Outcome {
	return Outcome{kind: outcomeNext, state: State{ID: StateFinished, Data: data}}
}

// Cancel moves the instance to Cancelled. It is a normal outcome.
func Cancel(reason string) Outcome {
	return Outcome{kind: outcomeCancel, state: State{ID: StateCancelled, Data: codec.NewString(reason)}, reason: reason}
}

// StepContext is everything a running step may touch. Persistence is only
// reachable through Send and LinkChild.
type StepContext struct {
	Key      message.InstanceKey
	Owner    message.Identity
	State    State
	Message  message.Message
	Identity IdentityProvider
	Log      zerolog.Logger
	Now      time.Time

	tx        store.Tx
	channel   ChannelProvider
	protocols *Registry
	sent      []message.Outgoing
}

// Send posts a message of this protocol instance to target.
func (sc *StepContext) Send(ctx context.Context, target message.Target, kind message.Kind, inputs ...codec.Value) error {
	return sc.SendMessage(ctx, message.Outgoing{
		Message: message.New(sc.Owner, sc.Key, kind, inputs...),
		Target:  target,
	})
}

// SendMessage posts an arbitrary outgoing message, e.g. to a child
// protocol instance.
func (sc *StepContext) SendMessage(ctx context.Context, out message.Outgoing) error {
	if sc.channel == nil {
		return fmt.Errorf("engine: no channel provider for %s", out.Target.Kind)
	}
	out.Message.Routing.Owner = sc.Owner
	if err := sc.channel.Post(ctx, sc.tx, out); err != nil {
		return fmt.Errorf("post %s: %w", out.Target.Kind, err)
	}
	sc.sent = append(sc.sent, out)
	return nil
}

// LinkChild registers child as a sub-protocol of this instance. When a step
// of child commits trigger as its next state, the engine posts a local kind
// message to this instance in the same unit of work. Its inputs are the
// child instance id, the reached state id and the child's state data. The
// link fires at most once.
func (sc *StepContext) LinkChild(child message.InstanceKey, trigger StateID, kind message.Kind) error {
	if child.Owner.IsZero() {
		child.Owner = sc.Owner
	}
	switch {
	case child.Owner != sc.Owner:
		return fmt.Errorf("%w: child %s runs for another owner", ErrInvalidLink, child)
	case child == sc.Key:
		return fmt.Errorf("%w: instance %s linked to itself", ErrInvalidLink, child)
	}
	if sc.protocols != nil {
		if _, ok := sc.protocols.Resolve(child.Protocol); !ok {
			return fmt.Errorf("%w: %w: %d", ErrInvalidLink, ErrUnknownProtocol, child.Protocol)
		}
		if def, ok := sc.protocols.Resolve(sc.Key.Protocol); ok {
			if _, ok := def.Kinds[kind]; !ok {
				return fmt.Errorf("%w: %w: %s kind %d", ErrInvalidLink, ErrUnknownKind, def.Name, kind)
			}
		}
	}
	return sc.tx.PutLink(store.Link{Child: child, Parent: sc.Key, Trigger: int(trigger), Kind: kind})
}

// Input decodes message input i with the codec typed registry.
func Input[T any](sc *StepContext, i int) (T, error) {
	v, err := sc.Message.Input(i)
	if err != nil {
		var zero T
		return zero, err
	}
	out, err := codec.As[T](v)
	if err != nil {
		var zero T
		return zero, fmt.Errorf("input %d: %w", i, err)
	}
	return out, nil
}
