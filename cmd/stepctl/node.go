package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/danmuck/stepwise/internal/config"
	"github.com/danmuck/stepwise/internal/engine"
	"github.com/danmuck/stepwise/internal/identity"
	"github.com/danmuck/stepwise/internal/observability"
	"github.com/danmuck/stepwise/internal/protocol/message"
	"github.com/danmuck/stepwise/internal/protocols/discovery"
	"github.com/danmuck/stepwise/internal/relay"
	"github.com/danmuck/stepwise/internal/server"
	"github.com/danmuck/stepwise/internal/store/badgerstore"
	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

type node struct {
	cfg       config.NodeConfig
	store     *badgerstore.Store
	keyring   *identity.Keyring
	network   *relay.Network
	directory *discovery.Directory
	relay     *relay.Relay
	coord     *engine.Coordinator
	admin     *server.Server
}

func registerProtocols() (*engine.Registry, error) {
	reg := engine.NewRegistry()
	if err := reg.Register(discovery.Protocol()); err != nil {
		return nil, err
	}
	return reg, nil
}

// newNode opens the store and identity file and wires the relay,
// coordinator and admin API. Nothing runs until run is called.
func newNode(cfg config.NodeConfig) (*node, error) {
	alg, err := config.ParseAlgorithm(cfg.Identity.Algorithm)
	if err != nil {
		return nil, err
	}
	st, err := badgerstore.Open(cfg.Store.Badger(cfg.Engine.ProcessedTTL))
	if err != nil {
		return nil, err
	}
	ring, err := identity.LoadOrCreate(cfg.Identity.Path, cfg.Identity.Server, alg)
	if err != nil {
		return nil, multierr.Append(err, st.Close())
	}
	reg, err := registerProtocols()
	if err != nil {
		return nil, multierr.Append(err, st.Close())
	}

	n := &node{
		cfg:       cfg,
		store:     st,
		keyring:   ring,
		network:   relay.NewNetwork(),
		directory: discovery.NewDirectory(),
	}
	recorder := observability.Recorder{Node: cfg.Name}
	queries := relay.NewQueryMux()
	if cfg.Relay.ServeDirectory {
		queries.Handle(discovery.Query, n.directory.Answer)
	}
	n.relay = relay.New(cfg.Relay.Relay(), st, ring,
		relay.WithTransport(n.network),
		relay.WithServerQuery(queries),
		relay.WithObserver(recorder),
	)
	n.coord, err = engine.New(cfg.Engine.Engine(), engine.Deps{
		Store:     st,
		Protocols: reg,
		Identity:  ring,
		Channel:   n.relay,
		Notifier:  recorder,
	})
	if err != nil {
		return nil, multierr.Append(err, st.Close())
	}
	n.relay.Attach(n.coord)

	var owner message.Identity
	for _, o := range ring.Identities() {
		n.network.Join(o.ID, n.relay)
		if o.Active {
			n.directory.Publish(o.ID, o.Devices...)
			if owner.IsZero() {
				owner = o.ID
			}
		}
	}
	n.admin = server.New(server.Config{
		Name:        cfg.Name,
		Addr:        cfg.Admin.Addr,
		Token:       cfg.Admin.Token,
		CorsOrigins: cfg.Admin.CorsOrigins,
		Owner:       owner,
	}, n.coord, reg)
	n.admin.Handle(discovery.ID, startDiscovery)
	observability.RegisterQueueDepth(cfg.Name, n.coord.QueueDepth)
	return n, nil
}

type discoveryParams struct {
	// Remote is the hex form of the identity whose devices are wanted.
	Remote string `json:"remote"`
}

func startDiscovery(owner message.Identity, params json.RawMessage) (message.Message, error) {
	var p discoveryParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return message.Message{}, fmt.Errorf("discovery params: %w", err)
		}
	}
	if p.Remote == "" {
		return message.Message{}, errors.New("discovery params: remote is required")
	}
	raw, err := hex.DecodeString(p.Remote)
	if err != nil {
		return message.Message{}, fmt.Errorf("discovery params: remote must be hex: %w", err)
	}
	remote := message.IdentityFromBytes(raw)
	if _, err := identity.Parse(remote); err != nil {
		return message.Message{}, fmt.Errorf("discovery params: %w", err)
	}
	return discovery.Initiate(owner, remote), nil
}

// run serves until ctx is cancelled. Pending messages and undelivered
// outbox entries stay in the store for the next start.
func (n *node) run(ctx context.Context) (err error) {
	defer func() {
		err = multierr.Append(err, n.store.Close())
	}()
	if err := n.coord.Start(ctx); err != nil {
		return multierr.Append(err, n.coord.Close())
	}
	for _, o := range n.keyring.Identities() {
		log.Info().
			Str("identity", identity.Fingerprint(o.ID)).
			Bool("active", o.Active).
			Int("devices", len(o.Devices)).
			Msg("hosting identity")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return n.relay.Run(gctx)
	})
	g.Go(func() error {
		return n.admin.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		n.admin.SetReady(false)
		return nil
	})
	n.admin.SetReady(true)

	runErr := g.Wait()
	if errors.Is(runErr, context.Canceled) {
		runErr = nil
	}
	return multierr.Append(runErr, n.coord.Close())
}

var _ engine.ChannelProvider = (*relay.Relay)(nil)
