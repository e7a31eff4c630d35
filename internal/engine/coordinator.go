package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/danmuck/stepwise/internal/protocol/codec"
	"github.com/danmuck/stepwise/internal/protocol/message"
	"github.com/danmuck/stepwise/internal/store"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spaolacci/murmur3"
	"golang.org/x/sync/errgroup"
)

type Config struct {
	Workers            int
	QueueDepth         int
	DedupCacheSize     int
	MaxConflictRetries int
	PendingTTL         time.Duration
	TombstoneTTL       time.Duration
	ProcessedTTL       time.Duration
	PruneInterval      time.Duration
}

func DefaultConfig() Config {
	return Config{
		Workers:            8,
		QueueDepth:         256,
		DedupCacheSize:     4096,
		MaxConflictRetries: 3,
		PendingTTL:         7 * 24 * time.Hour,
		TombstoneTTL:       24 * time.Hour,
		ProcessedTTL:       7 * 24 * time.Hour,
		PruneInterval:      10 * time.Minute,
	}
}

func (c Config) normalized() Config {
	def := DefaultConfig()
	if c.Workers <= 0 {
		c.Workers = def.Workers
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = def.QueueDepth
	}
	if c.DedupCacheSize <= 0 {
		c.DedupCacheSize = def.DedupCacheSize
	}
	if c.MaxConflictRetries < 0 {
		c.MaxConflictRetries = 0
	}
	return c
}

// Deps are the collaborators injected into the coordinator.
type Deps struct {
	Store     store.Store
	Protocols *Registry
	Identity  IdentityProvider
	Channel   ChannelProvider
	Notifier  Notifier
	Clock     func() time.Time
}

type eventKind int

const (
	evMessage eventKind = iota
	evCancel
	evPrune
)

type event struct {
	kind    eventKind
	key     message.InstanceKey
	receipt uuid.UUID
	reason  string
	reply   chan reply
}

type reply struct {
	res   Result
	stats PruneStats
	err   error
}

// Coordinator is the single inbound entry point of the engine. Events for
// one owner are processed in order on one worker queue.
type Coordinator struct {
	cfg  Config
	deps Deps
	log  zerolog.Logger
	seen *lru.Cache[uuid.UUID, struct{}]

	mu          sync.RWMutex
	queues      []chan event
	started     bool
	closed      bool
	group       *errgroup.Group
	cancel      context.CancelFunc
	stopJanitor context.CancelFunc
}

func New(cfg Config, deps Deps) (*Coordinator, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.New("engine: store is required")
	case deps.Protocols == nil:
		return nil, errors.New("engine: protocol registry is required")
	case deps.Identity == nil:
		return nil, errors.New("engine: identity provider is required")
	case deps.Channel == nil:
		return nil, errors.New("engine: channel provider is required")
	}
	if deps.Notifier == nil {
		deps.Notifier = nopNotifier{}
	}
	if deps.Clock == nil {
		deps.Clock = func() time.Time { return time.Now().UTC() }
	}
	cfg = cfg.normalized()
	seen, err := lru.New[uuid.UUID, struct{}](cfg.DedupCacheSize)
	if err != nil {
		return nil, fmt.Errorf("engine: dedup cache: %w", err)
	}
	return &Coordinator{
		cfg:  cfg,
		deps: deps,
		log:  log.With().Str("component", "coordinator").Logger(),
		seen: seen,
	}, nil
}

// Start launches the workers and the retention janitor, then re-enqueues
// every durable pending message.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.started {
		c.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	g, gctx := errgroup.WithContext(runCtx)
	c.queues = make([]chan event, c.cfg.Workers)
	for i := range c.queues {
		i := i
		q := make(chan event, c.cfg.QueueDepth)
		c.queues[i] = q
		g.Go(func() error {
			c.work(gctx, i, q)
			return nil
		})
	}
	janitorCtx, stopJanitor := context.WithCancel(gctx)
	if c.cfg.PruneInterval > 0 {
		g.Go(func() error {
			c.janitor(janitorCtx)
			return nil
		})
	}
	c.group = g
	c.cancel = cancel
	c.stopJanitor = stopJanitor
	c.started = true
	c.mu.Unlock()

	c.log.Info().Int("workers", c.cfg.Workers).Int("queue_depth", c.cfg.QueueDepth).Msg("coordinator started")
	return c.Recover(ctx)
}

// Close stops accepting events and waits for the workers to drain what is
// already queued. Steps still run with a live context while draining.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	for _, q := range c.queues {
		close(q)
	}
	started := c.started
	c.mu.Unlock()
	if !started {
		return nil
	}
	c.stopJanitor()
	err := c.group.Wait()
	c.cancel()
	c.log.Info().Msg("coordinator stopped")
	return err
}

// QueueDepth reports how many events wait on worker queues.
func (c *Coordinator) QueueDepth() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := 0
	for _, q := range c.queues {
		n += len(q)
	}
	return n
}

func (c *Coordinator) now() time.Time {
	return c.deps.Clock()
}

func (c *Coordinator) shard(owner message.Identity) int {
	return int(murmur3.Sum32([]byte(owner)) % uint32(c.cfg.Workers))
}

func (c *Coordinator) enqueue(ctx context.Context, owner message.Identity, ev event) error {
	return c.enqueueShard(ctx, c.shard(owner), ev)
}

func (c *Coordinator) enqueueShard(ctx context.Context, shard int, ev event) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrClosed
	}
	if !c.started {
		return ErrNotStarted
	}
	select {
	case c.queues[shard] <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func await(ctx context.Context, ch chan reply) (reply, error) {
	select {
	case r := <-ch:
		return r, r.err
	case <-ctx.Done():
		return reply{}, ctx.Err()
	}
}

func (c *Coordinator) work(ctx context.Context, shard int, q <-chan event) {
	wlog := c.log.With().Int("shard", shard).Logger()
	for ev := range q {
		var r reply
		switch ev.kind {
		case evMessage:
			r.res, r.err = c.consume(ctx, ev.key, ev.receipt)
		case evCancel:
			r.res, r.err = c.cancelInstance(ctx, ev.key, ev.reason)
		case evPrune:
			r.stats, r.err = c.pruneShard(ctx, shard)
		}
		if r.err != nil && !IsFault(r.err) {
			wlog.Warn().Err(r.err).Str("instance", ev.key.String()).Msg("event failed")
		}
		if ev.reply != nil {
			ev.reply <- r
		}
	}
}

func (c *Coordinator) janitor(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.PruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.Prune(ctx); err != nil && !errors.Is(err, ErrClosed) && !errors.Is(err, context.Canceled) {
				c.log.Warn().Err(err).Msg("prune failed")
			}
		}
	}
}

// Submit stores msg durably and queues it without waiting for its step.
func (c *Coordinator) Submit(ctx context.Context, msg message.Message) (Result, error) {
	return c.submit(ctx, msg, false)
}

// Process stores msg durably, queues it and waits for its result.
func (c *Coordinator) Process(ctx context.Context, msg message.Message) (Result, error) {
	return c.submit(ctx, msg, true)
}

// SubmitWire decodes relay bytes bound to env and submits the message.
// Undecodable input is discarded with ErrDecode and no error.
func (c *Coordinator) SubmitWire(ctx context.Context, raw []byte, env message.Envelope) (Result, error) {
	msg, err := message.Unmarshal(raw, env)
	if err != nil {
		res := Result{Disposition: Discarded, Reason: fmt.Errorf("%w: %w", ErrDecode, err)}
		res.Message.Routing.UID = env.UID
		res.Message.Routing.Owner = env.Owner
		c.report(EventProcessed, "", res, 0)
		return res, nil
	}
	return c.Submit(ctx, msg)
}

func (c *Coordinator) submit(ctx context.Context, msg message.Message, wait bool) (Result, error) {
	now := c.now()
	if msg.Routing.UID == uuid.Nil {
		msg.Routing.UID = uuid.New()
	}
	if msg.Routing.ReceivedAt.IsZero() {
		msg.Routing.ReceivedAt = now
	}
	res := Result{Key: msg.Key(), Message: msg}

	def, ok := c.deps.Protocols.Resolve(msg.Routing.Protocol)
	if !ok {
		res.Disposition = Discarded
		res.Reason = fmt.Errorf("%w: %w: %d", ErrDecode, ErrUnknownProtocol, msg.Routing.Protocol)
		c.report(EventProcessed, "", res, 0)
		return res, nil
	}
	if err := def.Validate(msg); err != nil {
		res.Disposition, res.Reason = Discarded, err
		c.report(EventProcessed, def.Name, res, 0)
		return res, nil
	}
	receipt := msg.ReceiptID()
	if c.seen.Contains(receipt) {
		res.Disposition, res.Reason = Discarded, ErrDuplicate
		c.report(EventProcessed, def.Name, res, 0)
		return res, nil
	}

	duplicate := false
	err := store.Update(ctx, c.deps.Store, func(tx store.Tx) error {
		done, err := tx.Processed(receipt)
		if err != nil || done {
			duplicate = done
			return err
		}
		if _, stored, err := tx.GetPending(res.Key, receipt); err != nil || stored {
			return err
		}
		return tx.PutPending(store.Pending{Message: msg, StoredAt: now})
	})
	if err != nil {
		return res, fmt.Errorf("engine: store inbound message: %w", err)
	}
	if duplicate {
		c.seen.Add(receipt, struct{}{})
		res.Disposition, res.Reason = Discarded, ErrDuplicate
		c.report(EventProcessed, def.Name, res, 0)
		return res, nil
	}

	ev := event{kind: evMessage, key: res.Key, receipt: receipt}
	if wait {
		ev.reply = make(chan reply, 1)
	}
	if err := c.enqueue(ctx, msg.Routing.Owner, ev); err != nil {
		return res, err
	}
	if !wait {
		res.Disposition = Queued
		return res, nil
	}
	r, err := await(ctx, ev.reply)
	return r.res, err
}

// Initiate begins a fresh instance of protocol with a local initiating message.
func (c *Coordinator) Initiate(ctx context.Context, owner message.Identity, protocol message.ProtocolID, kind message.Kind, inputs ...codec.Value) (Result, error) {
	key := message.InstanceKey{Owner: owner, Protocol: protocol, Instance: uuid.New()}
	return c.Process(ctx, message.New(owner, key, kind, inputs...))
}

// Post hands a generator-produced message of any declared protocol to the
// channel provider in its own unit of work.
func (c *Coordinator) Post(ctx context.Context, out message.Outgoing) error {
	def, ok := c.deps.Protocols.Resolve(out.Message.Routing.Protocol)
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownProtocol, out.Message.Routing.Protocol)
	}
	if _, ok := def.Kinds[out.Message.Kind]; !ok {
		return fmt.Errorf("%w: %s kind %d", ErrUnknownKind, def.Name, out.Message.Kind)
	}
	if out.Message.Routing.UID == uuid.Nil {
		out.Message.Routing.UID = uuid.New()
	}
	err := store.Update(ctx, c.deps.Store, func(tx store.Tx) error {
		return c.deps.Channel.Post(ctx, tx, out)
	})
	if err != nil {
		return err
	}
	c.flush()
	return nil
}

// Cancel queues a cancellation behind any in-flight events of the owner.
func (c *Coordinator) Cancel(ctx context.Context, key message.InstanceKey, reason string) (Result, error) {
	err := store.View(ctx, c.deps.Store, func(tx store.Tx) error {
		_, ok, err := tx.GetInstance(key)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s", ErrInstanceNotFound, key)
		}
		return nil
	})
	if err != nil {
		return Result{Key: key}, err
	}
	ev := event{kind: evCancel, key: key, reason: reason, reply: make(chan reply, 1)}
	if err := c.enqueue(ctx, key.Owner, ev); err != nil {
		return Result{Key: key}, err
	}
	r, err := await(ctx, ev.reply)
	return r.res, err
}

// Snapshot is a diagnostic view of one instance.
type Snapshot struct {
	Key       message.InstanceKey
	Protocol  string
	Owner     message.Identity
	State     State
	StateName string
	Pending   int
	Created   time.Time
	Updated   time.Time
}

func (c *Coordinator) snapshot(tx store.Tx, inst store.Instance) (Snapshot, error) {
	pend, err := tx.ListPending(inst.Key)
	if err != nil {
		return Snapshot{}, err
	}
	s := Snapshot{
		Key:     inst.Key,
		Owner:   inst.Key.Owner,
		State:   State{ID: StateID(inst.StateID), Data: inst.StateData},
		Pending: len(pend),
		Created: inst.Created,
		Updated: inst.Updated,
	}
	s.StateName = s.State.String()
	if def, ok := c.deps.Protocols.Resolve(inst.Key.Protocol); ok {
		s.Protocol = def.Name
		s.StateName = def.StateName(s.State.ID)
	}
	return s, nil
}

// State returns the current state of an instance for diagnostics.
func (c *Coordinator) State(ctx context.Context, key message.InstanceKey) (Snapshot, error) {
	var out Snapshot
	err := store.View(ctx, c.deps.Store, func(tx store.Tx) error {
		inst, ok, err := tx.GetInstance(key)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s", ErrInstanceNotFound, key)
		}
		out, err = c.snapshot(tx, inst)
		return err
	})
	return out, err
}

// Instances lists every registered instance.
func (c *Coordinator) Instances(ctx context.Context) ([]Snapshot, error) {
	var out []Snapshot
	err := store.View(ctx, c.deps.Store, func(tx store.Tx) error {
		insts, err := tx.ListInstances()
		if err != nil {
			return err
		}
		out = make([]Snapshot, 0, len(insts))
		for _, inst := range insts {
			s, err := c.snapshot(tx, inst)
			if err != nil {
				return err
			}
			out = append(out, s)
		}
		return nil
	})
	return out, err
}

// Recover re-enqueues every durable pending message in reception order.
func (c *Coordinator) Recover(ctx context.Context) error {
	var pend []store.Pending
	err := store.View(ctx, c.deps.Store, func(tx store.Tx) error {
		var err error
		pend, err = tx.ListAllPending()
		return err
	})
	if err != nil {
		return fmt.Errorf("engine: recover: %w", err)
	}
	for _, p := range pend {
		ev := event{kind: evMessage, key: p.Key(), receipt: p.Message.ReceiptID()}
		if err := c.enqueue(ctx, p.Message.Routing.Owner, ev); err != nil {
			return fmt.Errorf("engine: recover: %w", err)
		}
	}
	if len(pend) > 0 {
		c.log.Info().Int("pending", len(pend)).Msg("recovered pending messages")
	}
	return nil
}

// PruneStats counts records removed by retention.
type PruneStats struct {
	Tombstones int
	Pending    int
	Processed  int
}

// Prune applies retention on every worker queue and waits for completion.
func (c *Coordinator) Prune(ctx context.Context) (PruneStats, error) {
	c.mu.RLock()
	n := len(c.queues)
	c.mu.RUnlock()

	replies := make([]chan reply, n)
	for i := 0; i < n; i++ {
		replies[i] = make(chan reply, 1)
		if err := c.enqueueShard(ctx, i, event{kind: evPrune, reply: replies[i]}); err != nil {
			return PruneStats{}, err
		}
	}
	var total PruneStats
	for _, ch := range replies {
		r, err := await(ctx, ch)
		if err != nil {
			return total, err
		}
		total.Tombstones += r.stats.Tombstones
		total.Pending += r.stats.Pending
		total.Processed += r.stats.Processed
	}
	return total, nil
}

func (c *Coordinator) flush() {
	if f, ok := c.deps.Channel.(Flusher); ok {
		f.Flush()
	}
}

func (c *Coordinator) report(typ EventType, protocol string, res Result, d time.Duration) {
	ev := Event{
		Type:     typ,
		Protocol: protocol,
		Owner:    res.Message.Routing.Owner,
		Result:   res,
		Duration: d,
		At:       c.now(),
	}
	entry := c.log.Debug()
	if res.Disposition == Faulted {
		entry = c.log.Error()
	}
	entry.
		Str("event", string(typ)).
		Str("protocol", protocol).
		Str("instance", res.Key.String()).
		Str("owner", res.Message.Routing.Owner.Short()).
		Str("step", res.Step).
		Int("from", int(res.From)).
		Int("to", int(res.To)).
		Stringer("disposition", res.Disposition).
		AnErr("reason", res.Reason).
		Dur("duration", d).
		Msg("engine event")
	c.deps.Notifier.Notify(ev)
}
