package engine_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/stepwise/internal/engine"
	"github.com/danmuck/stepwise/internal/protocol/codec"
	"github.com/danmuck/stepwise/internal/protocol/message"
	"github.com/danmuck/stepwise/internal/protocol/schema"
	"github.com/danmuck/stepwise/internal/store"
	"github.com/google/uuid"
)

const (
	alice message.Identity = "alice"
	bob   message.Identity = "bob"
	carol message.Identity = "carol"
)

var errUnsupported = errors.New("unsupported in tests")

type fakeIdentity struct {
	mu     sync.Mutex
	active map[message.Identity]bool
}

func newFakeIdentity(active ...message.Identity) *fakeIdentity {
	f := &fakeIdentity{active: make(map[message.Identity]bool)}
	for _, id := range active {
		f.active[id] = true
	}
	return f
}

func (f *fakeIdentity) IsActiveOwnedIdentity(_ context.Context, id message.Identity) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active[id], nil
}

func (f *fakeIdentity) setActive(id message.Identity, active bool) {
	f.mu.Lock()
	f.active[id] = active
	f.mu.Unlock()
}

func (*fakeIdentity) CurrentDevice(context.Context, message.Identity) (uuid.UUID, error) {
	return uuid.Nil, errUnsupported
}

func (*fakeIdentity) OwnedDevices(context.Context, message.Identity) ([]uuid.UUID, error) {
	return nil, errUnsupported
}

func (*fakeIdentity) Sign(context.Context, message.Identity, []byte) ([]byte, error) {
	return nil, errUnsupported
}

func (*fakeIdentity) Verify(context.Context, message.Identity, []byte, []byte) error {
	return errUnsupported
}

func (*fakeIdentity) DeriveKey(context.Context, message.Identity, message.Identity, []byte) (codec.Key, error) {
	return codec.Key{}, errUnsupported
}

type fakeChannel struct {
	flushes atomic.Int32
}

func (f *fakeChannel) Post(_ context.Context, tx store.Tx, out message.Outgoing) error {
	return tx.PutOutbox(store.OutboxEntry{ID: uuid.New(), Outgoing: out, Created: time.Now()})
}

func (f *fakeChannel) Validate(shape message.Shape, p message.Provenance) bool {
	return shape.Accepts(p)
}

func (f *fakeChannel) Flush() {
	f.flushes.Add(1)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recorder struct {
	mu     sync.Mutex
	events []engine.Event
}

func (r *recorder) Notify(ev engine.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) count(d engine.Disposition) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Type == engine.EventProcessed && ev.Result.Disposition == d {
			n++
		}
	}
	return n
}

// handshake: a local Begin names a remote, the instance waits for that
// remote's Reply over a secure channel, and Note is droppable noise.
const (
	handshakeID message.ProtocolID = 7

	stateWaiting engine.StateID = 1

	kindBegin message.Kind = 0
	kindReply message.Kind = 1
	kindNote  message.Kind = 2
)

func handshakeProtocol() engine.Protocol {
	return engine.Protocol{
		ID:     handshakeID,
		Name:   "handshake",
		States: map[engine.StateID]string{engine.StateInitial: "initial", stateWaiting: "waiting"},
		Kinds:  map[message.Kind]string{kindBegin: "begin", kindReply: "reply", kindNote: "note"},
		Schema: schema.Schema{
			kindBegin: {schema.Require("remote", codec.TagBytes)},
			kindReply: {schema.Require("answer", codec.TagInt)},
		},
		Steps: []engine.Step{
			{
				Name:    "begin",
				From:    []engine.StateID{engine.StateInitial},
				Accepts: []message.Kind{kindBegin},
				Shape:   message.LocalOnly(),
				Run: func(ctx context.Context, sc *engine.StepContext) (engine.Outcome, error) {
					remote, err := engine.Input[message.Identity](sc, 0)
					if err != nil {
						return engine.Outcome{}, err
					}
					if err := sc.Send(ctx, message.ToAsymmetricBroadcast(remote), kindNote); err != nil {
						return engine.Outcome{}, err
					}
					return engine.Next(engine.State{ID: stateWaiting, Data: codec.NewBytes(remote.Bytes())}), nil
				},
			},
			{
				Name:    "reply",
				From:    []engine.StateID{stateWaiting},
				Accepts: []message.Kind{kindReply},
				ShapeFor: func(s engine.State) (message.Shape, error) {
					remote, err := engine.StateData[message.Identity](s)
					if err != nil {
						return message.Shape{}, err
					}
					return message.SecureChannelWith(remote), nil
				},
				Run: func(ctx context.Context, sc *engine.StepContext) (engine.Outcome, error) {
					n, err := engine.Input[int64](sc, 0)
					if err != nil {
						return engine.Outcome{}, err
					}
					return engine.Finish(codec.NewInt(n)), nil
				},
			},
		},
		Obsolete: func(_ engine.State, msg message.Message) bool {
			return msg.Kind == kindNote
		},
	}
}

// counter increments its state on every Incr and tracks step overlap.
const (
	counterID message.ProtocolID = 9

	stateCounting engine.StateID = 1

	kindIncr  message.Kind = 0
	kindBoom  message.Kind = 1
	kindStop  message.Kind = 2
	kindFinal message.Kind = 3
)

type counterProbe struct {
	active  atomic.Int32
	overlap atomic.Bool
}

func counterProtocol(probe *counterProbe) engine.Protocol {
	from := []engine.StateID{engine.StateInitial, stateCounting}
	count := func(s engine.State) int64 {
		if s.ID == engine.StateInitial {
			return 0
		}
		n, _ := s.Data.Int()
		return n
	}
	return engine.Protocol{
		ID:     counterID,
		Name:   "counter",
		States: map[engine.StateID]string{engine.StateInitial: "initial", stateCounting: "counting"},
		Kinds:  map[message.Kind]string{kindIncr: "incr", kindBoom: "boom", kindStop: "stop", kindFinal: "final"},
		Schema: schema.Schema{
			kindBoom: {schema.Require("panic", codec.TagBool)},
		},
		Steps: []engine.Step{
			{
				Name:    "incr",
				From:    from,
				Accepts: []message.Kind{kindIncr},
				Shape:   message.LocalOnly(),
				Run: func(ctx context.Context, sc *engine.StepContext) (engine.Outcome, error) {
					if probe.active.Add(1) > 1 {
						probe.overlap.Store(true)
					}
					defer probe.active.Add(-1)
					time.Sleep(100 * time.Microsecond)
					return engine.Next(engine.State{ID: stateCounting, Data: codec.NewInt(count(sc.State) + 1)}), nil
				},
			},
			{
				Name:    "boom",
				From:    from,
				Accepts: []message.Kind{kindBoom},
				Shape:   message.LocalOnly(),
				Run: func(ctx context.Context, sc *engine.StepContext) (engine.Outcome, error) {
					if err := sc.Send(ctx, message.ToLocal(), kindIncr); err != nil {
						return engine.Outcome{}, err
					}
					doPanic, err := engine.Input[bool](sc, 0)
					if err != nil {
						return engine.Outcome{}, err
					}
					if doPanic {
						panic("boom")
					}
					return engine.Outcome{}, errors.New("boom")
				},
			},
			{
				Name:    "stop",
				From:    from,
				Accepts: []message.Kind{kindStop},
				Shape:   message.LocalOnly(),
				Run: func(context.Context, *engine.StepContext) (engine.Outcome, error) {
					return engine.Cancel("stopped"), nil
				},
			},
			{
				Name:    "final",
				From:    []engine.StateID{stateCounting},
				Accepts: []message.Kind{kindFinal},
				Shape:   message.LocalOnly(),
				Run: func(_ context.Context, sc *engine.StepContext) (engine.Outcome, error) {
					return engine.Finish(sc.State.Data), nil
				},
			},
		},
	}
}

// parent spawns a counter child, links to it and finishes when the child
// reports that it finished.
const (
	parentID message.ProtocolID = 11

	stateAwaitingChild engine.StateID = 1

	kindSpawn     message.Kind = 0
	kindChildDone message.Kind = 1
)

func parentProtocol() engine.Protocol {
	return engine.Protocol{
		ID:     parentID,
		Name:   "parent",
		States: map[engine.StateID]string{engine.StateInitial: "initial", stateAwaitingChild: "awaiting-child"},
		Kinds:  map[message.Kind]string{kindSpawn: "spawn", kindChildDone: "child-done"},
		Steps: []engine.Step{
			{
				Name:    "spawn",
				From:    []engine.StateID{engine.StateInitial},
				Accepts: []message.Kind{kindSpawn},
				Shape:   message.LocalOnly(),
				Run: func(ctx context.Context, sc *engine.StepContext) (engine.Outcome, error) {
					child := message.InstanceKey{Owner: sc.Owner, Protocol: counterID, Instance: uuid.New()}
					if err := sc.LinkChild(child, engine.StateFinished, kindChildDone); err != nil {
						return engine.Outcome{}, err
					}
					out := message.Outgoing{Message: message.New(sc.Owner, child, kindIncr), Target: message.ToLocal()}
					if err := sc.SendMessage(ctx, out); err != nil {
						return engine.Outcome{}, err
					}
					return engine.Next(engine.State{ID: stateAwaitingChild, Data: codec.NewUID(child.Instance)}), nil
				},
			},
			{
				Name:    "child-done",
				From:    []engine.StateID{stateAwaitingChild},
				Accepts: []message.Kind{kindChildDone},
				Shape:   message.LocalOnly(),
				Run: func(_ context.Context, sc *engine.StepContext) (engine.Outcome, error) {
					data, err := sc.Message.Input(2)
					if err != nil {
						return engine.Outcome{}, err
					}
					return engine.Finish(data), nil
				},
			},
		},
	}
}

type harness struct {
	coord    *engine.Coordinator
	store    store.Store
	cfg      engine.Config
	registry *engine.Registry
	identity *fakeIdentity
	channel  *fakeChannel
	clock    *fakeClock
	recorder *recorder
	probe    *counterProbe
}

func newHarness(t *testing.T, cfg engine.Config) *harness {
	return newHarnessOn(t, cfg, store.NewMemory())
}

func newHarnessOn(t *testing.T, cfg engine.Config, s store.Store) *harness {
	t.Helper()
	h := &harness{
		store:    s,
		cfg:      cfg,
		registry: engine.NewRegistry(),
		identity: newFakeIdentity(alice, bob),
		channel:  &fakeChannel{},
		clock:    &fakeClock{now: time.Unix(1700000000, 0).UTC()},
		recorder: &recorder{},
		probe:    &counterProbe{},
	}
	for _, p := range []engine.Protocol{handshakeProtocol(), counterProtocol(h.probe), parentProtocol()} {
		if err := h.registry.Register(p); err != nil {
			t.Fatalf("register %s: %v", p.Name, err)
		}
	}
	h.start(t)
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	coord, err := engine.New(h.cfg, engine.Deps{
		Store:     h.store,
		Protocols: h.registry,
		Identity:  h.identity,
		Channel:   h.channel,
		Notifier:  h.recorder,
		Clock:     h.clock.Now,
	})
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	h.coord = coord
	if err := coord.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { _ = coord.Close() })
}

// restart replaces the coordinator with a fresh one on the same store, as
// after a process restart. The dedup cache starts empty.
func (h *harness) restart(t *testing.T) {
	t.Helper()
	if err := h.coord.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	h.start(t)
}

// flakyStore fails the next failures writable commits with a conflict.
type flakyStore struct {
	store.Store
	failures atomic.Int32
}

func (s *flakyStore) Begin(ctx context.Context, writable bool) (store.Tx, error) {
	tx, err := s.Store.Begin(ctx, writable)
	if err != nil || !writable {
		return tx, err
	}
	return &flakyTx{Tx: tx, s: s}, nil
}

type flakyTx struct {
	store.Tx
	s *flakyStore
}

func (t *flakyTx) Commit() error {
	if t.s.failures.Add(-1) >= 0 {
		_ = t.Tx.Rollback()
		return store.ErrConflict
	}
	return t.Tx.Commit()
}

func testConfig() engine.Config {
	cfg := engine.DefaultConfig()
	cfg.Workers = 4
	cfg.PruneInterval = 0
	return cfg
}

func handshakeKey() message.InstanceKey {
	return message.InstanceKey{Owner: alice, Protocol: handshakeID, Instance: uuid.New()}
}

func counterKey() message.InstanceKey {
	return message.InstanceKey{Owner: alice, Protocol: counterID, Instance: uuid.New()}
}

func beginMsg(key message.InstanceKey, remote message.Identity) message.Message {
	return message.New(key.Owner, key, kindBegin, codec.NewBytes(remote.Bytes()))
}

func replyFrom(key message.InstanceKey, remote message.Identity, answer int64) message.Message {
	msg := message.New(key.Owner, key, kindReply, codec.NewInt(answer))
	msg.Routing.Provenance = message.FromSecureChannel(remote, uuid.New(), false)
	return msg
}

func (h *harness) process(t *testing.T, msg message.Message) engine.Result {
	t.Helper()
	res, err := h.coord.Process(context.Background(), msg)
	if err != nil && !engine.IsFault(err) {
		t.Fatalf("process: %v", err)
	}
	return res
}

func (h *harness) state(t *testing.T, key message.InstanceKey) engine.Snapshot {
	t.Helper()
	snap, err := h.coord.State(context.Background(), key)
	if err != nil {
		t.Fatalf("state %s: %v", key, err)
	}
	return snap
}

func (h *harness) outbox(t *testing.T) []store.OutboxEntry {
	t.Helper()
	var out []store.OutboxEntry
	err := store.View(context.Background(), h.store, func(tx store.Tx) error {
		var err error
		out, err = tx.ListOutbox(0)
		return err
	})
	if err != nil {
		t.Fatalf("list outbox: %v", err)
	}
	return out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
