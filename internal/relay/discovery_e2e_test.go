package relay_test

import (
	"context"
	"crypto/rand"
	"testing"
	"time"

	"github.com/danmuck/stepwise/internal/engine"
	"github.com/danmuck/stepwise/internal/identity"
	"github.com/danmuck/stepwise/internal/protocol/message"
	"github.com/danmuck/stepwise/internal/protocols/discovery"
	"github.com/danmuck/stepwise/internal/relay"
	"github.com/danmuck/stepwise/internal/store"
	"github.com/danmuck/stepwise/internal/testutil/testlog"
	"github.com/stretchr/testify/require"
)

type node struct {
	id    *identity.Owned
	ids   []*identity.Owned
	coord *engine.Coordinator
}

func startNode(t *testing.T, net *relay.Network, queries relay.ServerQuery) *node {
	t.Helper()
	return startSharedNode(t, net, queries, 1)
}

// startSharedNode runs one store, relay and coordinator for n owned
// identities, each joined to net through the same relay.
func startSharedNode(t *testing.T, net *relay.Network, queries relay.ServerQuery, n int) *node {
	t.Helper()
	ids := make([]*identity.Owned, n)
	for i := range ids {
		owned, err := identity.Generate(rand.Reader, "relay.test", identity.AlgEd25519)
		require.NoError(t, err)
		ids[i] = owned
	}
	ring := identity.NewKeyring(ids...)
	st := store.NewMemory()

	cfg := relay.DefaultConfig()
	cfg.PollInterval = 10 * time.Millisecond
	rl := relay.New(cfg, st, ring, relay.WithTransport(net), relay.WithServerQuery(queries))

	reg := engine.NewRegistry()
	require.NoError(t, reg.Register(discovery.Protocol()))
	ecfg := engine.DefaultConfig()
	ecfg.Workers = 2
	ecfg.PruneInterval = 0
	coord, err := engine.New(ecfg, engine.Deps{Store: st, Protocols: reg, Identity: ring, Channel: rl})
	require.NoError(t, err)
	rl.Attach(coord)
	for _, owned := range ids {
		net.Join(owned.ID, rl)
	}

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, coord.Start(ctx))
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = rl.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		_ = coord.Close()
	})
	return &node{id: ids[0], ids: ids, coord: coord}
}

func waitFinished(t *testing.T, n *node, key message.InstanceKey) engine.State {
	t.Helper()
	var state engine.State
	require.Eventually(t, func() bool {
		snap, err := n.coord.State(context.Background(), key)
		if err != nil {
			return false
		}
		state = snap.State
		return state.Terminal()
	}, 5*time.Second, 10*time.Millisecond)
	return state
}

func TestDiscoveryAnsweredByServer(t *testing.T) {
	testlog.Start(t)
	net := relay.NewNetwork()
	dir := discovery.NewDirectory()
	mux := relay.NewQueryMux()
	mux.Handle(discovery.Query, dir.Answer)

	alice := startNode(t, net, mux)
	bob := startNode(t, net, mux)
	dir.Publish(bob.id.ID, bob.id.Devices...)

	msg := discovery.Initiate(alice.id.ID, bob.id.ID)
	res, err := alice.coord.Process(context.Background(), msg)
	require.NoError(t, err)
	require.Equal(t, engine.Transitioned, res.Disposition)

	state := waitFinished(t, alice, msg.Key())
	remote, devs, err := discovery.Finished(state)
	require.NoError(t, err)
	require.Equal(t, bob.id.ID, remote)
	require.Equal(t, bob.id.Devices, devs)

	_, err = bob.coord.State(context.Background(), msg.Key())
	require.ErrorIs(t, err, engine.ErrInstanceNotFound, "server answer must not involve the remote")
}

func TestDiscoveryFallsBackToRemote(t *testing.T) {
	testlog.Start(t)
	net := relay.NewNetwork()
	dir := discovery.NewDirectory()
	mux := relay.NewQueryMux()
	mux.Handle(discovery.Query, dir.Answer)

	alice := startNode(t, net, mux)
	bob := startNode(t, net, mux)

	msg := discovery.Initiate(alice.id.ID, bob.id.ID)
	_, err := alice.coord.Process(context.Background(), msg)
	require.NoError(t, err)

	state := waitFinished(t, alice, msg.Key())
	remote, devs, err := discovery.Finished(state)
	require.NoError(t, err)
	require.Equal(t, bob.id.ID, remote)
	require.Equal(t, bob.id.Devices, devs)

	bobKey := msg.Key()
	bobKey.Owner = bob.id.ID
	bobState := waitFinished(t, bob, bobKey)
	requester, _, err := discovery.Finished(bobState)
	require.NoError(t, err)
	require.Equal(t, alice.id.ID, requester)
}

func TestDiscoveryBetweenIdentitiesOfOneNode(t *testing.T) {
	testlog.Start(t)
	net := relay.NewNetwork()
	mux := relay.NewQueryMux()
	mux.Handle(discovery.Query, discovery.NewDirectory().Answer)

	shared := startSharedNode(t, net, mux, 2)
	alice, bob := shared.ids[0], shared.ids[1]

	msg := discovery.Initiate(alice.ID, bob.ID)
	_, err := shared.coord.Process(context.Background(), msg)
	require.NoError(t, err)

	aliceState := waitFinished(t, shared, msg.Key())
	require.Equal(t, engine.StateFinished, aliceState.ID)
	remote, devs, err := discovery.Finished(aliceState)
	require.NoError(t, err)
	require.Equal(t, bob.ID, remote)
	require.Equal(t, bob.Devices, devs)

	bobKey := msg.Key()
	bobKey.Owner = bob.ID
	bobState := waitFinished(t, shared, bobKey)
	require.Equal(t, engine.StateFinished, bobState.ID)
	requester, _, err := discovery.Finished(bobState)
	require.NoError(t, err)
	require.Equal(t, alice.ID, requester)

	insts, err := shared.coord.Instances(context.Background())
	require.NoError(t, err)
	require.Len(t, insts, 2)
}
