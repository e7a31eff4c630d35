package message

import (
	"fmt"
	"strings"

	"github.com/danmuck/stepwise/internal/protocol/codec"
	"github.com/google/uuid"
)

// Channel is the kind of channel a message was received on.
type Channel uint8

const (
	ChannelLocal Channel = iota
	ChannelServerResponse
	ChannelAsymmetric
	ChannelSecure
	ChannelUserInterface
)

func (c Channel) String() string {
	switch c {
	case ChannelLocal:
		return "local"
	case ChannelServerResponse:
		return "server-response"
	case ChannelAsymmetric:
		return "asymmetric"
	case ChannelSecure:
		return "secure"
	case ChannelUserInterface:
		return "user-interface"
	default:
		return fmt.Sprintf("channel(%d)", uint8(c))
	}
}

// Provenance is what the channel layer attests about a received message.
type Provenance struct {
	Channel         Channel
	RemoteIdentity  Identity
	RemoteDevice    uuid.UUID
	FromOwnedDevice bool
}

func Local() Provenance {
	return Provenance{Channel: ChannelLocal}
}

func FromServer() Provenance {
	return Provenance{Channel: ChannelServerResponse}
}

func FromAsymmetric(remote Identity) Provenance {
	return Provenance{Channel: ChannelAsymmetric, RemoteIdentity: remote}
}

func FromSecureChannel(remote Identity, device uuid.UUID, ownedDevice bool) Provenance {
	return Provenance{Channel: ChannelSecure, RemoteIdentity: remote, RemoteDevice: device, FromOwnedDevice: ownedDevice}
}

func (p Provenance) MarshalValue() (codec.Value, error) {
	return codec.PackOf(int64(p.Channel), p.RemoteIdentity, p.RemoteDevice, p.FromOwnedDevice)
}

func (p *Provenance) UnmarshalValue(v codec.Value) error {
	ch, remote, device, owned, err := codec.Unpack4[int64, Identity, uuid.UUID, bool](v)
	if err != nil {
		return err
	}
	if ch < 0 || ch > int64(ChannelUserInterface) {
		return fmt.Errorf("%w: channel %d", ErrUnknownValue, ch)
	}
	*p = Provenance{Channel: Channel(ch), RemoteIdentity: remote, RemoteDevice: device, FromOwnedDevice: owned}
	return nil
}

type shapeKind uint8

const (
	shapeLocal shapeKind = iota + 1
	shapeServerResponse
	shapeAsymmetric
	shapeAnySecure
	shapeSecureWith
	shapeOwnedDevice
	shapeUserInterface
	shapeAsymmetricFrom
)

// Shape is a predicate over provenance that a step requires before it runs.
// The zero Shape accepts nothing.
type Shape struct {
	kind   shapeKind
	remote Identity
	anyOf  []Shape
}

func LocalOnly() Shape         { return Shape{kind: shapeLocal} }
func ServerResponse() Shape    { return Shape{kind: shapeServerResponse} }
func AsymmetricChannel() Shape { return Shape{kind: shapeAsymmetric} }
func AnySecureChannel() Shape  { return Shape{kind: shapeAnySecure} }
func AnyOwnedDevice() Shape    { return Shape{kind: shapeOwnedDevice} }
func UserInterface() Shape     { return Shape{kind: shapeUserInterface} }

// SecureChannelWith accepts only secure channels authenticated as remote.
func SecureChannelWith(remote Identity) Shape {
	return Shape{kind: shapeSecureWith, remote: remote}
}

// AsymmetricFrom accepts asymmetric-channel messages signed by remote.
func AsymmetricFrom(remote Identity) Shape {
	return Shape{kind: shapeAsymmetricFrom, remote: remote}
}

// AnyOf accepts provenance satisfying at least one of shapes.
func AnyOf(shapes ...Shape) Shape {
	return Shape{anyOf: append([]Shape(nil), shapes...)}
}

func (s Shape) Accepts(p Provenance) bool {
	if len(s.anyOf) > 0 {
		for _, sub := range s.anyOf {
			if sub.Accepts(p) {
				return true
			}
		}
		return false
	}
	switch s.kind {
	case shapeLocal:
		return p.Channel == ChannelLocal
	case shapeServerResponse:
		return p.Channel == ChannelServerResponse
	case shapeAsymmetric:
		return p.Channel == ChannelAsymmetric
	case shapeAnySecure:
		return p.Channel == ChannelSecure
	case shapeSecureWith:
		return p.Channel == ChannelSecure && !s.remote.IsZero() && p.RemoteIdentity == s.remote
	case shapeAsymmetricFrom:
		return p.Channel == ChannelAsymmetric && !s.remote.IsZero() && p.RemoteIdentity == s.remote
	case shapeOwnedDevice:
		return p.Channel == ChannelSecure && p.FromOwnedDevice
	case shapeUserInterface:
		return p.Channel == ChannelUserInterface
	default:
		return false
	}
}

func (s Shape) String() string {
	if len(s.anyOf) > 0 {
		parts := make([]string, len(s.anyOf))
		for i, sub := range s.anyOf {
			parts[i] = sub.String()
		}
		return "any(" + strings.Join(parts, "|") + ")"
	}
	switch s.kind {
	case shapeLocal:
		return "local"
	case shapeServerResponse:
		return "server-response"
	case shapeAsymmetric:
		return "asymmetric"
	case shapeAnySecure:
		return "secure"
	case shapeSecureWith:
		return "secure-with:" + s.remote.Short()
	case shapeAsymmetricFrom:
		return "asymmetric-from:" + s.remote.Short()
	case shapeOwnedDevice:
		return "owned-device"
	case shapeUserInterface:
		return "user-interface"
	default:
		return "none"
	}
}
