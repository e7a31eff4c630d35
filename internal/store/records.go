package store

import (
	"fmt"
	"time"

	"github.com/danmuck/stepwise/internal/protocol/codec"
	"github.com/danmuck/stepwise/internal/protocol/message"
	"github.com/google/uuid"
)

// Instance is the registry record for one protocol instance. Key.Owner is
// the owned identity the instance runs for.
type Instance struct {
	Key       message.InstanceKey
	StateID   int
	StateData codec.Value
	Terminal  bool
	Created   time.Time
	Updated   time.Time
}

// Pending is an inbound message not yet consumed by a step.
type Pending struct {
	Message  message.Message
	StoredAt time.Time
	Attempts int
}

func (p Pending) Key() message.InstanceKey {
	return p.Message.Key()
}

// Link ties a child instance to a parent. When a step moves the child into
// Trigger, the engine posts a Kind message to the parent and drops the link.
type Link struct {
	Child   message.InstanceKey
	Parent  message.InstanceKey
	Trigger int
	Kind    message.Kind
}

// OutboxEntry is an outgoing message committed with a step and awaiting
// delivery by the channel layer.
type OutboxEntry struct {
	ID          uuid.UUID
	Outgoing    message.Outgoing
	Created     time.Time
	Attempts    int
	NextAttempt time.Time
	LastError   string
}

func nanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func keyValue(k message.InstanceKey) codec.Value {
	return codec.List(codec.NewBytes(k.Owner.Bytes()), codec.NewInt(int64(k.Protocol)), codec.NewUID(k.Instance))
}

func keyFromValue(v codec.Value) (message.InstanceKey, error) {
	owner, proto, id, err := codec.Unpack3[message.Identity, int64, uuid.UUID](v)
	if err != nil {
		return message.InstanceKey{}, err
	}
	return message.InstanceKey{Owner: owner, Protocol: message.ProtocolID(proto), Instance: id}, nil
}

func (inst Instance) MarshalValue() (codec.Value, error) {
	return codec.PackOf(
		keyValue(inst.Key),
		int64(inst.StateID),
		inst.StateData,
		inst.Terminal,
		nanos(inst.Created),
		nanos(inst.Updated),
	)
}

func (inst *Instance) UnmarshalValue(v codec.Value) error {
	kv, stateID, data, terminal, created, updated, err := codec.Unpack6[codec.Value, int, codec.Value, bool, int64, int64](v)
	if err != nil {
		return err
	}
	key, err := keyFromValue(kv)
	if err != nil {
		return err
	}
	*inst = Instance{
		Key:       key,
		StateID:   stateID,
		StateData: data,
		Terminal:  terminal,
		Created:   fromNanos(created),
		Updated:   fromNanos(updated),
	}
	return nil
}

func (p Pending) MarshalValue() (codec.Value, error) {
	return codec.PackOf(p.Message, nanos(p.StoredAt), p.Attempts)
}

func (p *Pending) UnmarshalValue(v codec.Value) error {
	msg, stored, attempts, err := codec.Unpack3[message.Message, int64, int](v)
	if err != nil {
		return err
	}
	*p = Pending{Message: msg, StoredAt: fromNanos(stored), Attempts: attempts}
	return nil
}

func (l Link) MarshalValue() (codec.Value, error) {
	return codec.PackOf(keyValue(l.Child), keyValue(l.Parent), int64(l.Trigger), int64(l.Kind))
}

func (l *Link) UnmarshalValue(v codec.Value) error {
	cv, pv, trigger, kind, err := codec.Unpack4[codec.Value, codec.Value, int, int64](v)
	if err != nil {
		return err
	}
	child, err := keyFromValue(cv)
	if err != nil {
		return err
	}
	parent, err := keyFromValue(pv)
	if err != nil {
		return err
	}
	*l = Link{Child: child, Parent: parent, Trigger: trigger, Kind: message.Kind(kind)}
	return nil
}

func (e OutboxEntry) MarshalValue() (codec.Value, error) {
	return codec.PackOf(e.ID, e.Outgoing, nanos(e.Created), e.Attempts, nanos(e.NextAttempt), e.LastError)
}

func (e *OutboxEntry) UnmarshalValue(v codec.Value) error {
	id, out, created, attempts, next, lastErr, err := codec.Unpack6[uuid.UUID, message.Outgoing, int64, int, int64, string](v)
	if err != nil {
		return err
	}
	*e = OutboxEntry{
		ID:          id,
		Outgoing:    out,
		Created:     fromNanos(created),
		Attempts:    attempts,
		NextAttempt: fromNanos(next),
		LastError:   lastErr,
	}
	return nil
}

func encodeRecord(r codec.Marshaler) ([]byte, error) {
	v, err := r.MarshalValue()
	if err != nil {
		return nil, err
	}
	return v.Encode(), nil
}

func decodeRecord(raw []byte, dst codec.Unmarshaler) error {
	v, err := codec.Decode(raw)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	if err := dst.UnmarshalValue(v); err != nil {
		return fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	return nil
}
