package message

import (
	"fmt"

	"github.com/danmuck/stepwise/internal/protocol/codec"
	"github.com/google/uuid"
)

// TargetKind is where an outgoing message should be delivered.
type TargetKind uint8

const (
	TargetLocal TargetKind = iota
	TargetSecureChannel
	TargetAsymmetricBroadcast
	TargetOwnedDevices
	TargetServerQuery
)

func (k TargetKind) String() string {
	switch k {
	case TargetLocal:
		return "local"
	case TargetSecureChannel:
		return "secure-channel"
	case TargetAsymmetricBroadcast:
		return "asymmetric-broadcast"
	case TargetOwnedDevices:
		return "owned-devices"
	case TargetServerQuery:
		return "server-query"
	default:
		return fmt.Sprintf("target(%d)", uint8(k))
	}
}

// Target describes the channel an outgoing message is handed to.
type Target struct {
	Kind    TargetKind
	Remote  Identity
	Devices []uuid.UUID
	Query   string
}

func ToLocal() Target {
	return Target{Kind: TargetLocal}
}

func ToSecureChannel(remote Identity, devices ...uuid.UUID) Target {
	return Target{Kind: TargetSecureChannel, Remote: remote, Devices: devices}
}

func ToAsymmetricBroadcast(remote Identity) Target {
	return Target{Kind: TargetAsymmetricBroadcast, Remote: remote}
}

func ToOwnedDevices() Target {
	return Target{Kind: TargetOwnedDevices}
}

func ToServer(query string) Target {
	return Target{Kind: TargetServerQuery, Query: query}
}

func (t Target) MarshalValue() (codec.Value, error) {
	devices := t.Devices
	if devices == nil {
		devices = []uuid.UUID{}
	}
	return codec.PackOf(int64(t.Kind), t.Remote, devices, t.Query)
}

func (t *Target) UnmarshalValue(v codec.Value) error {
	kind, remote, devices, query, err := codec.Unpack4[int64, Identity, []uuid.UUID, string](v)
	if err != nil {
		return err
	}
	if kind < 0 || kind > int64(TargetServerQuery) {
		return fmt.Errorf("%w: target %d", ErrUnknownValue, kind)
	}
	if len(devices) == 0 {
		devices = nil
	}
	*t = Target{Kind: TargetKind(kind), Remote: remote, Devices: devices, Query: query}
	return nil
}
