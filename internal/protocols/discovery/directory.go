package discovery

import (
	"context"
	"slices"
	"sync"

	"github.com/danmuck/stepwise/internal/protocol/codec"
	"github.com/danmuck/stepwise/internal/protocol/message"
	"github.com/google/uuid"
)

// Directory is the server side of the device-discovery query: the devices
// it has been told about, per identity.
type Directory struct {
	mu      sync.RWMutex
	devices map[message.Identity][]uuid.UUID
}

func NewDirectory() *Directory {
	return &Directory{devices: make(map[message.Identity][]uuid.UUID)}
}

func (d *Directory) Publish(id message.Identity, devs ...uuid.UUID) {
	d.mu.Lock()
	d.devices[id] = slices.Clone(devs)
	d.mu.Unlock()
}

// Answer turns a device query into its ServerQueryResult. Unknown
// identities get a successful empty answer; a malformed query fails.
func (d *Directory) Answer(_ context.Context, q message.Message) (message.Message, error) {
	reply := func(ok bool, devs []uuid.UUID) message.Message {
		return message.New(q.Routing.Owner, q.Key(), KindServerQueryResult, codec.NewBool(ok), codec.NewUIDs(devs))
	}
	if q.Kind != KindDeviceQuery || len(q.Inputs) == 0 {
		return reply(false, nil), nil
	}
	raw, err := q.Inputs[0].Bytes()
	if err != nil {
		return reply(false, nil), nil
	}
	d.mu.RLock()
	devs := slices.Clone(d.devices[message.IdentityFromBytes(raw)])
	d.mu.RUnlock()
	return reply(true, devs), nil
}
