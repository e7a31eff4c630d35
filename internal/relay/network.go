package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/danmuck/stepwise/internal/protocol/message"
	"github.com/google/uuid"
)

var ErrUnreachable = errors.New("relay: identity unreachable")

// Delivery is one frame in flight between identities.
type Delivery struct {
	From       message.Identity
	FromDevice uuid.UUID
	To         message.Identity
	Devices    []uuid.UUID
	Channel    message.Channel
	Frame      []byte
}

// Transport carries deliveries to remote identities.
type Transport interface {
	Send(ctx context.Context, d Delivery) error
}

// Receiver accepts deliveries addressed to identities it hosts.
type Receiver interface {
	Receive(ctx context.Context, d Delivery) error
}

// Network is an in-process transport connecting relays by identity.
type Network struct {
	mu    sync.RWMutex
	hosts map[message.Identity]Receiver
}

func NewNetwork() *Network {
	return &Network{hosts: make(map[message.Identity]Receiver)}
}

// Join routes deliveries for id to r.
func (n *Network) Join(id message.Identity, r Receiver) {
	n.mu.Lock()
	n.hosts[id] = r
	n.mu.Unlock()
}

func (n *Network) Leave(id message.Identity) {
	n.mu.Lock()
	delete(n.hosts, id)
	n.mu.Unlock()
}

func (n *Network) Send(ctx context.Context, d Delivery) error {
	n.mu.RLock()
	r, ok := n.hosts[d.To]
	n.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnreachable, d.To.Short())
	}
	return r.Receive(ctx, d)
}
