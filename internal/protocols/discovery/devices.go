package discovery

import (
	"fmt"

	"github.com/danmuck/stepwise/internal/protocol/codec"
	"github.com/google/uuid"
)

// DecodeDevices reads a device list input. The current form is a list of
// uids; older peers send one bytes value of concatenated 16-byte uids.
func DecodeDevices(v codec.Value) ([]uuid.UUID, error) {
	switch v.Tag() {
	case codec.TagList:
		return v.UIDs()
	case codec.TagBytes:
		raw, _ := v.Bytes()
		if len(raw)%16 != 0 {
			return nil, fmt.Errorf("%w: legacy device list of %d bytes", codec.ErrLengthMismatch, len(raw))
		}
		out := make([]uuid.UUID, 0, len(raw)/16)
		for off := 0; off < len(raw); off += 16 {
			var u uuid.UUID
			copy(u[:], raw[off:off+16])
			out = append(out, u)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: device list tagged %s", codec.ErrTypeMismatch, v.Tag())
	}
}

// EncodeLegacyDevices produces the concatenated form still accepted from
// older peers.
func EncodeLegacyDevices(devs []uuid.UUID) codec.Value {
	raw := make([]byte, 0, 16*len(devs))
	for _, d := range devs {
		raw = append(raw, d[:]...)
	}
	return codec.NewBytes(raw)
}
