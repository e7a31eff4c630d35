// Package storetest is the conformance suite every store backend passes.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/danmuck/stepwise/internal/protocol/codec"
	"github.com/danmuck/stepwise/internal/protocol/message"
	"github.com/danmuck/stepwise/internal/store"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// Opener returns a fresh, empty store. The suite closes it.
type Opener func(t *testing.T) store.Store

func Run(t *testing.T, open Opener) {
	t.Run("InstanceRoundTrip", func(t *testing.T) { testInstanceRoundTrip(t, open(t)) })
	t.Run("RollbackDiscardsWrites", func(t *testing.T) { testRollback(t, open(t)) })
	t.Run("PendingOrderAndPurge", func(t *testing.T) { testPending(t, open(t)) })
	t.Run("ProcessedMarkers", func(t *testing.T) { testProcessed(t, open(t)) })
	t.Run("OutboxOrderAndLimit", func(t *testing.T) { testOutbox(t, open(t)) })
	t.Run("ReadOnlyAndFinishedTx", func(t *testing.T) { testTxGuards(t, open(t)) })
	t.Run("InstancesScopedByOwner", func(t *testing.T) { testOwnerScope(t, open(t)) })
	t.Run("ReceiptScopedPending", func(t *testing.T) { testReceiptScope(t, open(t)) })
	t.Run("LinkRoundTrip", func(t *testing.T) { testLink(t, open(t)) })
}

func sampleInstance() store.Instance {
	now := time.Unix(1700000000, 0).UTC()
	return store.Instance{
		Key:       message.InstanceKey{Owner: "alice", Protocol: 1, Instance: uuid.New()},
		StateID:   2,
		StateData: codec.List(codec.NewString("bob")),
		Created:   now,
		Updated:   now,
	}
}

func pendingAt(key message.InstanceKey, at time.Time) store.Pending {
	m := message.New(key.Owner, key, 3, codec.NewBool(true))
	m.Routing.ReceivedAt = at
	return store.Pending{Message: m, StoredAt: at}
}

func testInstanceRoundTrip(t *testing.T, s store.Store) {
	defer s.Close()
	ctx := context.Background()
	inst := sampleInstance()

	require.NoError(t, store.Update(ctx, s, func(tx store.Tx) error {
		return tx.PutInstance(inst)
	}))
	require.NoError(t, store.View(ctx, s, func(tx store.Tx) error {
		got, ok, err := tx.GetInstance(inst.Key)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, inst.Key, got.Key)
		require.Equal(t, inst.StateID, got.StateID)
		require.True(t, inst.StateData.Equal(got.StateData))
		require.True(t, inst.Created.Equal(got.Created))

		all, err := tx.ListInstances()
		require.NoError(t, err)
		require.Len(t, all, 1)
		return nil
	}))
	require.NoError(t, store.Update(ctx, s, func(tx store.Tx) error {
		return tx.DeleteInstance(inst.Key)
	}))
	require.NoError(t, store.View(ctx, s, func(tx store.Tx) error {
		_, ok, err := tx.GetInstance(inst.Key)
		require.NoError(t, err)
		require.False(t, ok)
		return nil
	}))
}

func testRollback(t *testing.T, s store.Store) {
	defer s.Close()
	ctx := context.Background()
	inst := sampleInstance()

	tx, err := s.Begin(ctx, true)
	require.NoError(t, err)
	require.NoError(t, tx.PutInstance(inst))
	_, ok, err := tx.GetInstance(inst.Key)
	require.NoError(t, err)
	require.True(t, ok, "transaction must see its own writes")
	require.NoError(t, tx.Rollback())

	require.NoError(t, store.View(ctx, s, func(tx store.Tx) error {
		_, ok, err := tx.GetInstance(inst.Key)
		require.NoError(t, err)
		require.False(t, ok)
		return nil
	}))
}

func testPending(t *testing.T, s store.Store) {
	defer s.Close()
	ctx := context.Background()
	key := message.InstanceKey{Owner: "alice", Protocol: 1, Instance: uuid.New()}
	other := message.InstanceKey{Owner: "alice", Protocol: 1, Instance: uuid.New()}
	base := time.Unix(1700000000, 0).UTC()
	late := pendingAt(key, base.Add(2*time.Second))
	early := pendingAt(key, base)
	foreign := pendingAt(other, base.Add(time.Second))

	require.NoError(t, store.Update(ctx, s, func(tx store.Tx) error {
		require.NoError(t, tx.PutPending(late))
		require.NoError(t, tx.PutPending(early))
		return tx.PutPending(foreign)
	}))
	require.NoError(t, store.View(ctx, s, func(tx store.Tx) error {
		ps, err := tx.ListPending(key)
		require.NoError(t, err)
		require.Len(t, ps, 2)
		require.Equal(t, early.Message.Routing.UID, ps[0].Message.Routing.UID)
		require.Equal(t, late.Message.Routing.UID, ps[1].Message.Routing.UID)

		all, err := tx.ListAllPending()
		require.NoError(t, err)
		require.Len(t, all, 3)
		require.Equal(t, foreign.Message.Routing.UID, all[1].Message.Routing.UID)

		got, ok, err := tx.GetPending(key, late.Message.ReceiptID())
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, message.Kind(3), got.Message.Kind)
		return nil
	}))
	require.NoError(t, store.Update(ctx, s, func(tx store.Tx) error {
		n, err := tx.PurgePending(key)
		require.NoError(t, err)
		require.Equal(t, 2, n)
		return tx.DeletePending(other, foreign.Message.ReceiptID())
	}))
	require.NoError(t, store.View(ctx, s, func(tx store.Tx) error {
		all, err := tx.ListAllPending()
		require.NoError(t, err)
		require.Empty(t, all)
		return nil
	}))
}

func testProcessed(t *testing.T, s store.Store) {
	defer s.Close()
	ctx := context.Background()
	old, fresh := uuid.New(), uuid.New()
	base := time.Unix(1700000000, 0).UTC()

	require.NoError(t, store.Update(ctx, s, func(tx store.Tx) error {
		require.NoError(t, tx.MarkProcessed(old, base))
		return tx.MarkProcessed(fresh, base.Add(time.Hour))
	}))
	require.NoError(t, store.Update(ctx, s, func(tx store.Tx) error {
		ok, err := tx.Processed(old)
		require.NoError(t, err)
		require.True(t, ok)
		n, err := tx.PruneProcessed(base.Add(time.Minute))
		require.NoError(t, err)
		require.Equal(t, 1, n)
		return nil
	}))
	require.NoError(t, store.View(ctx, s, func(tx store.Tx) error {
		ok, err := tx.Processed(old)
		require.NoError(t, err)
		require.False(t, ok)
		ok, err = tx.Processed(fresh)
		require.NoError(t, err)
		require.True(t, ok)
		return nil
	}))
}

func testOutbox(t *testing.T, s store.Store) {
	defer s.Close()
	ctx := context.Background()
	base := time.Unix(1700000000, 0).UTC()
	entries := make([]store.OutboxEntry, 3)
	for i := range entries {
		entries[i] = store.OutboxEntry{
			ID: uuid.New(),
			Outgoing: message.Outgoing{
				Message: message.New("alice", message.InstanceKey{Protocol: 1, Instance: uuid.New()}, 0),
				Target:  message.ToServer("device-discovery"),
			},
			Created: base.Add(time.Duration(2-i) * time.Second),
		}
	}
	require.NoError(t, store.Update(ctx, s, func(tx store.Tx) error {
		for _, e := range entries {
			require.NoError(t, tx.PutOutbox(e))
		}
		return nil
	}))
	require.NoError(t, store.View(ctx, s, func(tx store.Tx) error {
		got, err := tx.ListOutbox(2)
		require.NoError(t, err)
		require.Len(t, got, 2)
		require.Equal(t, entries[2].ID, got[0].ID)
		require.Equal(t, entries[1].ID, got[1].ID)
		require.Equal(t, "device-discovery", got[0].Outgoing.Target.Query)
		return nil
	}))
	require.NoError(t, store.Update(ctx, s, func(tx store.Tx) error {
		return tx.DeleteOutbox(entries[2])
	}))
	require.NoError(t, store.View(ctx, s, func(tx store.Tx) error {
		got, err := tx.ListOutbox(0)
		require.NoError(t, err)
		require.Len(t, got, 2)
		return nil
	}))
}

func testTxGuards(t *testing.T, s store.Store) {
	defer s.Close()
	ctx := context.Background()

	ro, err := s.Begin(ctx, false)
	require.NoError(t, err)
	require.ErrorIs(t, ro.PutInstance(sampleInstance()), store.ErrReadOnly)
	require.NoError(t, ro.Rollback())

	tx, err := s.Begin(ctx, true)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	require.ErrorIs(t, tx.Commit(), store.ErrTxDone)
	_, _, err = tx.GetInstance(sampleInstance().Key)
	require.ErrorIs(t, err, store.ErrTxDone)
	require.NoError(t, tx.Rollback())
}

func testOwnerScope(t *testing.T, s store.Store) {
	defer s.Close()
	ctx := context.Background()
	alice := sampleInstance()
	bob := alice
	bob.Key.Owner = "bob"
	bob.StateID = 5

	require.NoError(t, store.Update(ctx, s, func(tx store.Tx) error {
		require.NoError(t, tx.PutInstance(alice))
		require.NoError(t, tx.PutInstance(bob))
		require.NoError(t, tx.PutPending(pendingAt(alice.Key, alice.Created)))
		return tx.PutPending(pendingAt(bob.Key, bob.Created))
	}))
	require.NoError(t, store.Update(ctx, s, func(tx store.Tx) error {
		got, ok, err := tx.GetInstance(alice.Key)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, 2, got.StateID)
		got, ok, err = tx.GetInstance(bob.Key)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, 5, got.StateID)
		require.Equal(t, message.Identity("bob"), got.Key.Owner)

		ps, err := tx.ListPending(alice.Key)
		require.NoError(t, err)
		require.Len(t, ps, 1)
		require.Equal(t, message.Identity("alice"), ps[0].Message.Routing.Owner)

		n, err := tx.PurgePending(bob.Key)
		require.NoError(t, err)
		require.Equal(t, 1, n)
		return tx.DeleteInstance(bob.Key)
	}))
	require.NoError(t, store.View(ctx, s, func(tx store.Tx) error {
		all, err := tx.ListInstances()
		require.NoError(t, err)
		require.Len(t, all, 1)
		require.Equal(t, alice.Key, all[0].Key)
		ps, err := tx.ListAllPending()
		require.NoError(t, err)
		require.Len(t, ps, 1)
		return nil
	}))
}

func testReceiptScope(t *testing.T, s store.Store) {
	defer s.Close()
	ctx := context.Background()
	key := message.InstanceKey{Owner: "alice", Protocol: 1, Instance: uuid.New()}
	at := time.Unix(1700000000, 0).UTC()

	forged := pendingAt(key, at)
	forged.Message.Routing.Provenance = message.FromAsymmetric("carol")
	genuine := forged
	genuine.Message.Routing.Provenance = message.FromAsymmetric("bob")
	require.Equal(t, forged.Message.Routing.UID, genuine.Message.Routing.UID)
	require.NotEqual(t, forged.Message.ReceiptID(), genuine.Message.ReceiptID())

	require.NoError(t, store.Update(ctx, s, func(tx store.Tx) error {
		require.NoError(t, tx.PutPending(forged))
		require.NoError(t, tx.PutPending(genuine))
		return tx.MarkProcessed(forged.Message.ReceiptID(), at)
	}))
	require.NoError(t, store.View(ctx, s, func(tx store.Tx) error {
		ps, err := tx.ListPending(key)
		require.NoError(t, err)
		require.Len(t, ps, 2)
		got, ok, err := tx.GetPending(key, genuine.Message.ReceiptID())
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, message.Identity("bob"), got.Message.Routing.Provenance.RemoteIdentity)
		done, err := tx.Processed(genuine.Message.ReceiptID())
		require.NoError(t, err)
		require.False(t, done)
		return nil
	}))
}

func testLink(t *testing.T, s store.Store) {
	defer s.Close()
	ctx := context.Background()
	link := store.Link{
		Child:   message.InstanceKey{Owner: "alice", Protocol: 2, Instance: uuid.New()},
		Parent:  message.InstanceKey{Owner: "alice", Protocol: 1, Instance: uuid.New()},
		Trigger: 3,
		Kind:    7,
	}
	require.NoError(t, store.Update(ctx, s, func(tx store.Tx) error {
		return tx.PutLink(link)
	}))
	require.NoError(t, store.Update(ctx, s, func(tx store.Tx) error {
		got, ok, err := tx.GetLink(link.Child)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, link, got)

		other := link.Child
		other.Owner = "bob"
		_, ok, err = tx.GetLink(other)
		require.NoError(t, err)
		require.False(t, ok)
		return tx.DeleteLink(link.Child)
	}))
	require.NoError(t, store.View(ctx, s, func(tx store.Tx) error {
		_, ok, err := tx.GetLink(link.Child)
		require.NoError(t, err)
		require.False(t, ok)
		return nil
	}))
}
