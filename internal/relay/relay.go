package relay

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/danmuck/stepwise/internal/engine"
	"github.com/danmuck/stepwise/internal/protocol/message"
	"github.com/danmuck/stepwise/internal/store"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrInvalidTarget = errors.New("relay: invalid target")
	ErrNotAttached   = errors.New("relay: no inbound coordinator attached")
	ErrNoTransport   = errors.New("relay: no transport for remote target")
	ErrBadSignature  = errors.New("relay: frame signature invalid")
)

// Inbound is where received and looped-back messages are submitted.
type Inbound interface {
	SubmitWire(ctx context.Context, raw []byte, env message.Envelope) (engine.Result, error)
}

// Observer is told about every delivery attempt.
type Observer interface {
	Delivered(target message.TargetKind, err error)
}

type Option func(*Relay)

func WithTransport(t Transport) Option    { return func(r *Relay) { r.transport = t } }
func WithServerQuery(q ServerQuery) Option { return func(r *Relay) { r.queries = q } }
func WithObserver(o Observer) Option       { return func(r *Relay) { r.observer = o } }
func WithClock(now func() time.Time) Option {
	return func(r *Relay) { r.now = now }
}

// Relay implements engine.ChannelProvider over the store outbox.
type Relay struct {
	cfg       Config
	store     store.Store
	identity  engine.IdentityProvider
	transport Transport
	queries   ServerQuery
	observer  Observer
	now       func() time.Time
	log       zerolog.Logger
	wake      chan struct{}

	mu      sync.Mutex
	inbound Inbound
	rng     *rand.Rand
}

func New(cfg Config, st store.Store, id engine.IdentityProvider, opts ...Option) *Relay {
	r := &Relay{
		cfg:      cfg,
		store:    st,
		identity: id,
		now:      func() time.Time { return time.Now().UTC() },
		log:      log.With().Str("component", "relay").Logger(),
		wake:     make(chan struct{}, 1),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.cfg.BatchSize <= 0 {
		r.cfg.BatchSize = DefaultConfig().BatchSize
	}
	return r
}

// Attach sets the coordinator that receives inbound messages.
func (r *Relay) Attach(in Inbound) {
	r.mu.Lock()
	r.inbound = in
	r.mu.Unlock()
}

func (r *Relay) target() (Inbound, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.inbound == nil {
		return nil, ErrNotAttached
	}
	return r.inbound, nil
}

func checkTarget(t message.Target) error {
	switch t.Kind {
	case message.TargetLocal, message.TargetOwnedDevices:
		return nil
	case message.TargetSecureChannel, message.TargetAsymmetricBroadcast:
		if t.Remote.IsZero() {
			return fmt.Errorf("%w: %s without remote identity", ErrInvalidTarget, t.Kind)
		}
		return nil
	case message.TargetServerQuery:
		if t.Query == "" {
			return fmt.Errorf("%w: server query without name", ErrInvalidTarget)
		}
		return nil
	default:
		return fmt.Errorf("%w: kind %d", ErrInvalidTarget, t.Kind)
	}
}

// Post writes out to the outbox inside tx. Nothing is sent before commit.
func (r *Relay) Post(_ context.Context, tx store.Tx, out message.Outgoing) error {
	if err := checkTarget(out.Target); err != nil {
		return err
	}
	if out.Message.Routing.UID == uuid.Nil {
		out.Message.Routing.UID = uuid.New()
	}
	now := r.now()
	return tx.PutOutbox(store.OutboxEntry{ID: uuid.New(), Outgoing: out, Created: now, NextAttempt: now})
}

// Validate accepts p for shape. Secure channel provenance must name the
// sending device.
func (r *Relay) Validate(shape message.Shape, p message.Provenance) bool {
	if p.Channel == message.ChannelSecure && p.RemoteDevice == uuid.Nil {
		return false
	}
	return shape.Accepts(p)
}

// Flush wakes the dispatcher.
func (r *Relay) Flush() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Run dispatches the outbox until ctx is done.
func (r *Relay) Run(ctx context.Context) error {
	interval := r.cfg.PollInterval
	if interval <= 0 {
		interval = DefaultConfig().PollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	r.log.Info().Dur("poll", interval).Msg("relay dispatcher started")
	for {
		select {
		case <-ctx.Done():
			r.log.Info().Msg("relay dispatcher stopped")
			return nil
		case <-r.wake:
		case <-ticker.C:
		}
		if _, err := r.Drain(ctx); err != nil && ctx.Err() == nil {
			r.log.Warn().Err(err).Msg("drain outbox")
		}
	}
}

// Drain attempts up to BatchSize due outbox entries once and returns how
// many were delivered.
func (r *Relay) Drain(ctx context.Context) (int, error) {
	var entries []store.OutboxEntry
	err := store.View(ctx, r.store, func(tx store.Tx) error {
		var err error
		entries, err = tx.ListOutbox(0)
		return err
	})
	if err != nil {
		return 0, err
	}
	delivered, attempted := 0, 0
	for _, e := range entries {
		if ctx.Err() != nil {
			return delivered, ctx.Err()
		}
		if attempted >= r.cfg.BatchSize {
			r.Flush()
			break
		}
		if r.now().Before(e.NextAttempt) {
			continue
		}
		attempted++
		derr := r.deliver(ctx, e.Outgoing)
		if r.observer != nil {
			r.observer.Delivered(e.Outgoing.Target.Kind, derr)
		}
		if err := r.settle(ctx, e, derr); err != nil {
			return delivered, err
		}
		if derr == nil {
			delivered++
		}
	}
	return delivered, nil
}

func (r *Relay) settle(ctx context.Context, e store.OutboxEntry, derr error) error {
	elog := r.log.With().
		Str("entry", e.ID.String()).
		Str("instance", e.Outgoing.Message.Key().String()).
		Stringer("target", e.Outgoing.Target.Kind).
		Logger()
	return store.Update(ctx, r.store, func(tx store.Tx) error {
		if derr == nil {
			elog.Debug().Msg("delivered")
			return tx.DeleteOutbox(e)
		}
		e.Attempts++
		e.LastError = derr.Error()
		if r.cfg.MaxAttempts > 0 && e.Attempts >= r.cfg.MaxAttempts {
			elog.Error().Err(derr).Int("attempts", e.Attempts).Msg("dropping undeliverable message")
			return tx.DeleteOutbox(e)
		}
		r.mu.Lock()
		delay := NextBackoffDelay(r.cfg.Backoff, e.Attempts, r.rng)
		r.mu.Unlock()
		e.NextAttempt = r.now().Add(delay)
		elog.Warn().Err(derr).Int("attempts", e.Attempts).Dur("retry_in", delay).Msg("delivery failed")
		return tx.PutOutbox(e)
	})
}

func (r *Relay) deliver(ctx context.Context, out message.Outgoing) error {
	msg := out.Message
	switch out.Target.Kind {
	case message.TargetLocal:
		return r.loopback(ctx, msg, message.Local())
	case message.TargetServerQuery:
		if r.queries == nil {
			return fmt.Errorf("%w: no server for %q", ErrUnknownQuery, out.Target.Query)
		}
		resp, err := r.queries.Query(ctx, out.Target.Query, msg)
		if err != nil {
			return err
		}
		resp.Routing.Owner = msg.Routing.Owner
		resp.Routing.UID = uuid.New()
		return r.loopback(ctx, resp, message.FromServer())
	case message.TargetAsymmetricBroadcast:
		return r.send(ctx, msg, out.Target.Remote, nil, message.ChannelAsymmetric)
	case message.TargetSecureChannel:
		return r.send(ctx, msg, out.Target.Remote, out.Target.Devices, message.ChannelSecure)
	case message.TargetOwnedDevices:
		return r.send(ctx, msg, msg.Routing.Owner, nil, message.ChannelSecure)
	default:
		return fmt.Errorf("%w: kind %d", ErrInvalidTarget, out.Target.Kind)
	}
}

func (r *Relay) loopback(ctx context.Context, msg message.Message, prov message.Provenance) error {
	in, err := r.target()
	if err != nil {
		return err
	}
	res, err := in.SubmitWire(ctx, msg.MarshalWire(), message.Envelope{
		UID:        msg.Routing.UID,
		Owner:      msg.Routing.Owner,
		Provenance: prov,
		ReceivedAt: r.now(),
	})
	if err != nil {
		return err
	}
	if res.Disposition == engine.Discarded && errors.Is(res.Reason, engine.ErrDecode) {
		r.log.Warn().Err(res.Reason).Msg("looped back message was rejected")
	}
	return nil
}
