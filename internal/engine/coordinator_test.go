package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/stepwise/internal/engine"
	"github.com/danmuck/stepwise/internal/protocol/codec"
	"github.com/danmuck/stepwise/internal/protocol/message"
	"github.com/danmuck/stepwise/internal/store"
	"github.com/danmuck/stepwise/internal/testutil/testlog"
	"github.com/google/uuid"
)

func TestFirstMessageCreatesInstance(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, testConfig())
	key := handshakeKey()

	res := h.process(t, beginMsg(key, bob))
	if res.Disposition != engine.Transitioned || res.Step != "begin" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.From != engine.StateInitial || res.To != stateWaiting {
		t.Fatalf("transition %d -> %d", res.From, res.To)
	}
	if len(res.Sent) != 1 || res.Sent[0].Target.Kind != message.TargetAsymmetricBroadcast {
		t.Fatalf("unexpected sent messages: %+v", res.Sent)
	}

	snap := h.state(t, key)
	if snap.State.ID != stateWaiting || snap.StateName != "waiting" || snap.Owner != alice {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	if got := len(h.outbox(t)); got != 1 {
		t.Fatalf("expected 1 outbox entry, got %d", got)
	}
	if h.channel.flushes.Load() == 0 {
		t.Fatalf("expected channel flush after commit")
	}
}

func TestOutOfOrderMessageIsReplayed(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, testConfig())
	key := handshakeKey()

	early := h.process(t, replyFrom(key, bob, 42))
	if early.Disposition != engine.Pending || !errors.Is(early.Reason, engine.ErrNoMatchingStep) {
		t.Fatalf("expected pending reply, got %+v", early)
	}

	res := h.process(t, beginMsg(key, bob))
	if res.Disposition != engine.Transitioned {
		t.Fatalf("begin: %+v", res)
	}
	snap := h.state(t, key)
	if snap.State.ID != engine.StateFinished || snap.Pending != 0 {
		t.Fatalf("expected finished instance after replay, got %+v", snap)
	}
	if n, err := snap.State.Data.Int(); err != nil || n != 42 {
		t.Fatalf("final data = %d, %v", n, err)
	}
}

func TestDuplicateAfterFinishIsDiscarded(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, testConfig())
	key := handshakeKey()
	h.process(t, beginMsg(key, bob))

	reply := replyFrom(key, bob, 1)
	reply.Routing.UID = uuid.New()
	if res := h.process(t, reply); res.To != engine.StateFinished {
		t.Fatalf("reply: %+v", res)
	}

	again := h.process(t, reply)
	if again.Disposition != engine.Discarded || !errors.Is(again.Reason, engine.ErrDuplicate) {
		t.Fatalf("same uid: %+v", again)
	}
	late := h.process(t, replyFrom(key, bob, 2))
	if late.Disposition != engine.Discarded || !errors.Is(late.Reason, engine.ErrNoMatchingStep) {
		t.Fatalf("late reply: %+v", late)
	}
	if n, _ := h.state(t, key).State.Data.Int(); n != 1 {
		t.Fatalf("finished data changed to %d", n)
	}
}

func TestChannelMismatchStaysPending(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, testConfig())
	key := handshakeKey()
	h.process(t, beginMsg(key, bob))

	wrong := h.process(t, replyFrom(key, carol, 7))
	if wrong.Disposition != engine.Pending || !errors.Is(wrong.Reason, engine.ErrChannelMismatch) {
		t.Fatalf("expected channel mismatch, got %+v", wrong)
	}
	if snap := h.state(t, key); snap.State.ID != stateWaiting || snap.Pending != 1 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}

	right := h.process(t, replyFrom(key, bob, 8))
	if right.Disposition != engine.Transitioned || right.To != engine.StateFinished {
		t.Fatalf("expected finish, got %+v", right)
	}
	if snap := h.state(t, key); snap.Pending != 0 {
		t.Fatalf("terminal instance kept %d pending messages", snap.Pending)
	}
}

func TestOwnersHaveIndependentInstances(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, testConfig())
	aliceKey := handshakeKey()
	bobKey := aliceKey
	bobKey.Owner = bob

	if res := h.process(t, beginMsg(aliceKey, bob)); res.Disposition != engine.Transitioned {
		t.Fatalf("alice begin: %+v", res)
	}
	if res := h.process(t, beginMsg(bobKey, alice)); res.Disposition != engine.Transitioned {
		t.Fatalf("bob begin on the same instance id: %+v", res)
	}

	res := h.process(t, replyFrom(bobKey, alice, 5))
	if res.Disposition != engine.Transitioned || res.To != engine.StateFinished {
		t.Fatalf("bob reply: %+v", res)
	}
	if snap := h.state(t, aliceKey); snap.State.ID != stateWaiting || snap.Owner != alice {
		t.Fatalf("alice instance changed: %+v", snap)
	}
	if snap := h.state(t, bobKey); snap.Owner != bob {
		t.Fatalf("bob snapshot owner %s", snap.Owner.Short())
	}
	insts, err := h.coord.Instances(context.Background())
	if err != nil || len(insts) != 2 {
		t.Fatalf("instances: %d %v", len(insts), err)
	}
}

func TestDeactivatedOwnerIsRejected(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, testConfig())
	key := handshakeKey()
	h.process(t, beginMsg(key, bob))

	h.identity.setActive(alice, false)
	res := h.process(t, replyFrom(key, bob, 1))
	if res.Disposition != engine.Rejected || !errors.Is(res.Reason, engine.ErrInactiveOwner) {
		t.Fatalf("expected rejection, got %+v", res)
	}
	if snap := h.state(t, key); snap.State.ID != stateWaiting || snap.Pending != 0 {
		t.Fatalf("instance changed: %+v", snap)
	}
}

func TestForeignUIDDoesNotShadowGenuineReply(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, testConfig())
	key := handshakeKey()
	h.process(t, beginMsg(key, bob))

	forged := replyFrom(key, carol, 7)
	genuine := replyFrom(key, bob, 8)
	genuine.Routing.UID = forged.Routing.UID

	if res := h.process(t, forged); res.Disposition != engine.Pending || !errors.Is(res.Reason, engine.ErrChannelMismatch) {
		t.Fatalf("forged reply: %+v", res)
	}
	res := h.process(t, genuine)
	if res.Disposition != engine.Transitioned || res.To != engine.StateFinished {
		t.Fatalf("genuine reply with a reused uid: %+v", res)
	}
	if got := res.Message.Routing.Provenance.RemoteIdentity; got != bob {
		t.Fatalf("processed provenance of %q", got)
	}
	if n, _ := h.state(t, key).State.Data.Int(); n != 8 {
		t.Fatalf("finished with %d, want the genuine answer", n)
	}
}

func TestInactiveOwnerCannotCreateInstances(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, testConfig())
	key := handshakeKey()
	msg := beginMsg(key, bob)
	msg.Routing.Owner = carol

	res := h.process(t, msg)
	if res.Disposition != engine.Discarded || !errors.Is(res.Reason, engine.ErrInactiveOwner) {
		t.Fatalf("expected inactive owner, got %+v", res)
	}
	if _, err := h.coord.State(context.Background(), key); !errors.Is(err, engine.ErrInstanceNotFound) {
		t.Fatalf("instance was created: %v", err)
	}
}

func TestInvalidMessagesPersistNothing(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, testConfig())

	cases := []struct {
		name string
		msg  message.Message
	}{
		{"unknown protocol", message.New(alice, message.InstanceKey{Protocol: 99, Instance: uuid.New()}, 0)},
		{"unknown kind", message.New(alice, handshakeKey(), 17)},
		{"schema mismatch", message.New(alice, handshakeKey(), kindBegin, codec.NewInt(1))},
		{"missing input", message.New(alice, handshakeKey(), kindReply)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := h.process(t, tc.msg)
			if res.Disposition != engine.Discarded || !errors.Is(res.Reason, engine.ErrDecode) {
				t.Fatalf("expected decode discard, got %+v", res)
			}
		})
	}
	insts, err := h.coord.Instances(context.Background())
	if err != nil {
		t.Fatalf("instances: %v", err)
	}
	if len(insts) != 0 {
		t.Fatalf("invalid input created %d instances", len(insts))
	}
}

func TestSubmitWireRejectsGarbage(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, testConfig())
	res, err := h.coord.SubmitWire(context.Background(), []byte{0x03, 0, 0, 0, 9, 1}, message.Envelope{UID: uuid.New(), Owner: alice})
	if err != nil {
		t.Fatalf("submit wire: %v", err)
	}
	if res.Disposition != engine.Discarded || !errors.Is(res.Reason, engine.ErrDecode) {
		t.Fatalf("expected decode discard, got %+v", res)
	}
}

func TestSubmitWireQueuesDecodedMessage(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, testConfig())
	key := handshakeKey()
	raw := beginMsg(key, bob).MarshalWire()

	res, err := h.coord.SubmitWire(context.Background(), raw, message.Envelope{
		UID:        uuid.New(),
		Owner:      alice,
		Provenance: message.Local(),
	})
	if err != nil || res.Disposition != engine.Queued {
		t.Fatalf("submit wire: %+v %v", res, err)
	}
	waitFor(t, "wire message processed", func() bool {
		snap, err := h.coord.State(context.Background(), key)
		return err == nil && snap.State.ID == stateWaiting
	})
}

func TestStepFaultKeepsStateAndMessage(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, testConfig())
	key := counterKey()
	h.process(t, message.New(alice, key, kindIncr))

	for _, doPanic := range []bool{false, true} {
		res, err := h.coord.Process(context.Background(), message.New(alice, key, kindBoom, codec.NewBool(doPanic)))
		var fault *engine.StepFault
		if !errors.As(err, &fault) || fault.Step != "boom" {
			t.Fatalf("panic=%v: expected step fault, got %v", doPanic, err)
		}
		if res.Disposition != engine.Faulted {
			t.Fatalf("panic=%v: disposition %s", doPanic, res.Disposition)
		}
	}

	snap := h.state(t, key)
	if n, _ := snap.State.Data.Int(); snap.State.ID != stateCounting || n != 1 {
		t.Fatalf("fault changed state: %+v", snap)
	}
	if snap.Pending != 2 {
		t.Fatalf("faulted messages should stay pending, got %d", snap.Pending)
	}
	if got := len(h.outbox(t)); got != 0 {
		t.Fatalf("faulted step leaked %d outbox entries", got)
	}
	if h.recorder.count(engine.Faulted) != 2 {
		t.Fatalf("expected 2 fault notifications")
	}
}

func TestStepsRunOneAtATimePerInstance(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, testConfig())
	key := counterKey()

	const n = 50
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := h.coord.Process(context.Background(), message.New(alice, key, kindIncr))
			if err == nil && res.Disposition != engine.Transitioned {
				err = errors.New(res.Disposition.String())
			}
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("incr: %v", err)
		}
	}
	if h.probe.overlap.Load() {
		t.Fatalf("two steps ran concurrently for one instance")
	}
	if got, _ := h.state(t, key).State.Data.Int(); got != n {
		t.Fatalf("count = %d, want %d", got, n)
	}
}

func TestIndependentInstancesProgress(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, testConfig())
	keys := []message.InstanceKey{counterKey(), counterKey(), counterKey()}
	for round := 0; round < 3; round++ {
		for _, key := range keys {
			h.process(t, message.New(alice, key, kindIncr))
		}
	}
	for _, key := range keys {
		if got, _ := h.state(t, key).State.Data.Int(); got != 3 {
			t.Fatalf("%s count = %d", key, got)
		}
	}
}

func TestCancelOutcomeIsNotAFault(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, testConfig())
	key := counterKey()
	h.process(t, message.New(alice, key, kindIncr))

	res := h.process(t, message.New(alice, key, kindStop))
	if res.Disposition != engine.Cancelled || !errors.Is(res.Reason, engine.ErrCancelledByStep) {
		t.Fatalf("expected cancellation, got %+v", res)
	}
	if snap := h.state(t, key); snap.State.ID != engine.StateCancelled {
		t.Fatalf("state %s", snap.StateName)
	}
}

func TestHostCancelPurgesPending(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, testConfig())
	key := handshakeKey()
	h.process(t, beginMsg(key, bob))
	h.process(t, replyFrom(key, carol, 1))

	res, err := h.coord.Cancel(context.Background(), key, "user request")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if res.Disposition != engine.Cancelled || res.From != stateWaiting || res.To != engine.StateCancelled {
		t.Fatalf("unexpected cancel result: %+v", res)
	}
	snap := h.state(t, key)
	if snap.Pending != 0 {
		t.Fatalf("cancel left %d pending", snap.Pending)
	}
	if reason, _ := snap.State.Data.Text(); reason != "user request" {
		t.Fatalf("cancel reason %q", reason)
	}

	again, err := h.coord.Cancel(context.Background(), key, "twice")
	if err != nil || !errors.Is(again.Reason, engine.ErrInstanceTerminal) {
		t.Fatalf("second cancel: %+v %v", again, err)
	}
	if _, err := h.coord.Cancel(context.Background(), handshakeKey(), "missing"); !errors.Is(err, engine.ErrInstanceNotFound) {
		t.Fatalf("cancel unknown: %v", err)
	}
}

func TestObsoleteMessageIsDropped(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, testConfig())
	key := handshakeKey()
	h.process(t, beginMsg(key, bob))

	note := message.New(alice, key, kindNote)
	note.Routing.Provenance = message.FromAsymmetric(bob)
	res := h.process(t, note)
	if res.Disposition != engine.Discarded || !errors.Is(res.Reason, engine.ErrObsolete) {
		t.Fatalf("expected obsolete drop, got %+v", res)
	}
	if snap := h.state(t, key); snap.Pending != 0 {
		t.Fatalf("obsolete message stayed pending")
	}
}

func TestRecoverProcessesDurablePending(t *testing.T) {
	testlog.Start(t)
	mem := store.NewMemory()
	key := handshakeKey()
	msg := beginMsg(key, bob)
	msg.Routing.ReceivedAt = time.Now()
	err := store.Update(context.Background(), mem, func(tx store.Tx) error {
		return tx.PutPending(store.Pending{Message: msg, StoredAt: time.Now()})
	})
	if err != nil {
		t.Fatalf("seed pending: %v", err)
	}

	reg := engine.NewRegistry()
	if err := reg.Register(handshakeProtocol()); err != nil {
		t.Fatalf("register: %v", err)
	}
	coord, err := engine.New(testConfig(), engine.Deps{
		Store:     mem,
		Protocols: reg,
		Identity:  newFakeIdentity(alice),
		Channel:   &fakeChannel{},
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := coord.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer coord.Close()

	waitFor(t, "recovered message", func() bool {
		snap, err := coord.State(context.Background(), key)
		return err == nil && snap.State.ID == stateWaiting && snap.Pending == 0
	})
}

func TestPruneRemovesExpiredRecords(t *testing.T) {
	testlog.Start(t)
	cfg := testConfig()
	cfg.TombstoneTTL = time.Hour
	cfg.PendingTTL = 2 * time.Hour
	h := newHarness(t, cfg)
	ctx := context.Background()

	done := handshakeKey()
	h.process(t, beginMsg(done, bob))
	h.process(t, replyFrom(done, bob, 1))
	orphan := handshakeKey()
	h.process(t, replyFrom(orphan, bob, 1))

	stats, err := h.coord.Prune(ctx)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if stats != (engine.PruneStats{}) {
		t.Fatalf("nothing should expire yet: %+v", stats)
	}

	h.clock.Advance(3 * time.Hour)
	stats, err = h.coord.Prune(ctx)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if stats.Tombstones != 1 || stats.Pending != 1 {
		t.Fatalf("unexpected prune stats: %+v", stats)
	}
	if _, err := h.coord.State(ctx, done); !errors.Is(err, engine.ErrInstanceNotFound) {
		t.Fatalf("tombstone survived prune: %v", err)
	}
}

func TestPostRequiresDeclaredKind(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, testConfig())
	ctx := context.Background()

	out := message.Outgoing{Message: message.New(alice, handshakeKey(), kindNote), Target: message.ToAsymmetricBroadcast(bob)}
	if err := h.coord.Post(ctx, out); err != nil {
		t.Fatalf("post: %v", err)
	}
	bad := message.Outgoing{Message: message.New(alice, handshakeKey(), 40), Target: message.ToLocal()}
	if err := h.coord.Post(ctx, bad); !errors.Is(err, engine.ErrUnknownKind) {
		t.Fatalf("expected unknown kind, got %v", err)
	}
	if got := len(h.outbox(t)); got != 1 {
		t.Fatalf("outbox has %d entries", got)
	}
}

func TestClosedCoordinatorRejectsWork(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, testConfig())
	if d := h.coord.QueueDepth(); d != 0 {
		t.Fatalf("idle queue depth = %d", d)
	}
	if err := h.coord.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	_, err := h.coord.Process(context.Background(), beginMsg(handshakeKey(), bob))
	if !errors.Is(err, engine.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestRedeliveryToLiveInstanceSendsNothing(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, testConfig())
	key := handshakeKey()
	begin := beginMsg(key, bob)
	h.process(t, begin)
	if got := len(h.outbox(t)); got != 1 {
		t.Fatalf("expected 1 outbox entry, got %d", got)
	}

	again := h.process(t, begin)
	if again.Disposition != engine.Discarded || !errors.Is(again.Reason, engine.ErrDuplicate) {
		t.Fatalf("redelivery: %+v", again)
	}
	if got := len(h.outbox(t)); got != 1 {
		t.Fatalf("redelivery posted again: %d outbox entries", got)
	}
	if snap := h.state(t, key); snap.State.ID != stateWaiting || snap.Pending != 0 {
		t.Fatalf("redelivery changed the instance: %+v", snap)
	}
}

func TestProcessedMarkerSurvivesRestart(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, testConfig())
	key := handshakeKey()
	begin := beginMsg(key, bob)
	h.process(t, begin)

	h.restart(t)
	again := h.process(t, begin)
	if again.Disposition != engine.Discarded || !errors.Is(again.Reason, engine.ErrDuplicate) {
		t.Fatalf("redelivery after restart: %+v", again)
	}
	if got := len(h.outbox(t)); got != 1 {
		t.Fatalf("redelivery after restart posted again: %d outbox entries", got)
	}
	if snap := h.state(t, key); snap.State.ID != stateWaiting {
		t.Fatalf("state %s", snap.StateName)
	}
}

func TestCloseDrainsQueuedEvents(t *testing.T) {
	testlog.Start(t)
	cfg := testConfig()
	cfg.Workers = 1
	h := newHarness(t, cfg)
	ctx := context.Background()
	key := counterKey()

	const n = 20
	for i := 0; i < n; i++ {
		res, err := h.coord.Submit(ctx, message.New(alice, key, kindIncr))
		if err != nil || res.Disposition != engine.Queued {
			t.Fatalf("submit %d: %+v %v", i, res, err)
		}
	}
	if err := h.coord.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if got := h.recorder.count(engine.Faulted); got != 0 {
		t.Fatalf("close faulted %d queued events", got)
	}
	if got := h.recorder.count(engine.Transitioned); got != n {
		t.Fatalf("close drained %d of %d events", got, n)
	}
	var inst store.Instance
	err := store.View(ctx, h.store, func(tx store.Tx) error {
		var err error
		inst, _, err = tx.GetInstance(key)
		return err
	})
	if err != nil {
		t.Fatalf("read instance: %v", err)
	}
	if got, _ := inst.StateData.Int(); got != n {
		t.Fatalf("count = %d, want %d", got, n)
	}
}

func TestPruneRetriesConflicts(t *testing.T) {
	testlog.Start(t)
	cfg := testConfig()
	cfg.Workers = 1
	cfg.TombstoneTTL = time.Hour
	flaky := &flakyStore{Store: store.NewMemory()}
	h := newHarnessOn(t, cfg, flaky)
	ctx := context.Background()

	key := handshakeKey()
	h.process(t, beginMsg(key, bob))
	h.process(t, replyFrom(key, bob, 1))
	h.clock.Advance(2 * time.Hour)

	flaky.failures.Store(int32(cfg.MaxConflictRetries))
	stats, err := h.coord.Prune(ctx)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if stats.Tombstones != 1 {
		t.Fatalf("unexpected prune stats: %+v", stats)
	}
	if _, err := h.coord.State(ctx, key); !errors.Is(err, engine.ErrInstanceNotFound) {
		t.Fatalf("tombstone survived prune: %v", err)
	}
}

func TestLinkedChildNotifiesParent(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, testConfig())
	ctx := context.Background()
	parent := message.InstanceKey{Owner: alice, Protocol: parentID, Instance: uuid.New()}

	if res := h.process(t, message.New(alice, parent, kindSpawn)); res.Disposition != engine.Transitioned {
		t.Fatalf("spawn: %+v", res)
	}
	childID, err := h.state(t, parent).State.Data.UID()
	if err != nil {
		t.Fatalf("child id: %v", err)
	}
	child := message.InstanceKey{Owner: alice, Protocol: counterID, Instance: childID}

	h.process(t, message.New(alice, child, kindIncr))
	if got := len(h.outbox(t)); got != 1 {
		t.Fatalf("link fired before the trigger state: %d outbox entries", got)
	}
	res := h.process(t, message.New(alice, child, kindFinal))
	if res.To != engine.StateFinished || len(res.Sent) != 1 {
		t.Fatalf("child final: %+v", res)
	}
	notice := res.Sent[0]
	if notice.Target.Kind != message.TargetLocal || notice.Message.Key() != parent || notice.Message.Kind != kindChildDone {
		t.Fatalf("unexpected parent notice: %+v", notice)
	}
	if got := len(h.outbox(t)); got != 2 {
		t.Fatalf("expected the notice in the outbox, got %d entries", got)
	}

	err = store.View(ctx, h.store, func(tx store.Tx) error {
		_, ok, err := tx.GetLink(child)
		if err == nil && ok {
			err = errors.New("link survived firing")
		}
		return err
	})
	if err != nil {
		t.Fatalf("link: %v", err)
	}

	done := h.process(t, notice.Message)
	if done.Disposition != engine.Transitioned || done.To != engine.StateFinished {
		t.Fatalf("parent: %+v", done)
	}
	if n, _ := h.state(t, parent).State.Data.Int(); n != 1 {
		t.Fatalf("parent finished with child data %d", n)
	}
}

func TestLinkIsDroppedWhenChildEndsElsewhere(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, testConfig())
	ctx := context.Background()
	parent := message.InstanceKey{Owner: alice, Protocol: parentID, Instance: uuid.New()}
	h.process(t, message.New(alice, parent, kindSpawn))
	childID, err := h.state(t, parent).State.Data.UID()
	if err != nil {
		t.Fatalf("child id: %v", err)
	}
	child := message.InstanceKey{Owner: alice, Protocol: counterID, Instance: childID}

	h.process(t, message.New(alice, child, kindIncr))
	if res := h.process(t, message.New(alice, child, kindStop)); res.Disposition != engine.Cancelled || len(res.Sent) != 0 {
		t.Fatalf("child stop: %+v", res)
	}
	err = store.View(ctx, h.store, func(tx store.Tx) error {
		_, ok, err := tx.GetLink(child)
		if err == nil && ok {
			err = errors.New("link survived a cancelled child")
		}
		return err
	})
	if err != nil {
		t.Fatalf("link: %v", err)
	}
	if snap := h.state(t, parent); snap.State.ID != stateAwaitingChild {
		t.Fatalf("parent moved: %s", snap.StateName)
	}
}
