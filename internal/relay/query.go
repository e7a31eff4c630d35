package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/danmuck/stepwise/internal/protocol/message"
)

var ErrUnknownQuery = errors.New("relay: unknown server query")

// ServerQuery answers a server query message with the response message for
// the same protocol instance.
type ServerQuery interface {
	Query(ctx context.Context, name string, msg message.Message) (message.Message, error)
}

// QueryFunc adapts a function into a ServerQuery.
type QueryFunc func(ctx context.Context, msg message.Message) (message.Message, error)

// QueryMux dispatches server queries by name.
type QueryMux struct {
	mu       sync.RWMutex
	handlers map[string]QueryFunc
}

func NewQueryMux() *QueryMux {
	return &QueryMux{handlers: make(map[string]QueryFunc)}
}

func (m *QueryMux) Handle(name string, fn QueryFunc) {
	m.mu.Lock()
	m.handlers[name] = fn
	m.mu.Unlock()
}

func (m *QueryMux) Query(ctx context.Context, name string, msg message.Message) (message.Message, error) {
	m.mu.RLock()
	fn, ok := m.handlers[name]
	m.mu.RUnlock()
	if !ok {
		return message.Message{}, fmt.Errorf("%w: %q", ErrUnknownQuery, name)
	}
	return fn(ctx, msg)
}
