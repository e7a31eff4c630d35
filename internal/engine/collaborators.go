package engine

import (
	"context"
	"time"

	"github.com/danmuck/stepwise/internal/protocol/codec"
	"github.com/danmuck/stepwise/internal/protocol/message"
	"github.com/danmuck/stepwise/internal/store"
	"github.com/google/uuid"
)

// IdentityProvider answers identity questions and performs the crypto a
// step needs. Implementations must not block on the network.
type IdentityProvider interface {
	IsActiveOwnedIdentity(ctx context.Context, id message.Identity) (bool, error)
	CurrentDevice(ctx context.Context, owner message.Identity) (uuid.UUID, error)
	OwnedDevices(ctx context.Context, owner message.Identity) ([]uuid.UUID, error)
	Sign(ctx context.Context, owner message.Identity, payload []byte) ([]byte, error)
	Verify(ctx context.Context, signer message.Identity, payload, sig []byte) error
	DeriveKey(ctx context.Context, owner, remote message.Identity, info []byte) (codec.Key, error)
}

// ChannelProvider accepts outgoing messages inside a unit of work and
// vouches for reception shapes. Post must not wait for delivery.
type ChannelProvider interface {
	Post(ctx context.Context, tx store.Tx, out message.Outgoing) error
	Validate(shape message.Shape, p message.Provenance) bool
}

// Flusher is implemented by channel providers that deliver committed
// messages asynchronously. Flush is called after every commit that posted.
type Flusher interface {
	Flush()
}

// EventType names a coordinator notification.
type EventType string

const (
	EventProcessed EventType = "processed"
	EventCancelled EventType = "cancel_requested"
	EventPruned    EventType = "pruned"
)

// Event is a fire-and-forget observability notification.
type Event struct {
	Type     EventType
	Protocol string
	Owner    message.Identity
	Result   Result
	Duration time.Duration
	At       time.Time
}

// Notifier receives engine events. Nothing in the engine depends on it.
type Notifier interface {
	Notify(Event)
}

type nopNotifier struct{}

func (nopNotifier) Notify(Event) {}
