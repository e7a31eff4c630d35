package relay

import (
	"bytes"
	"context"
	"fmt"

	"github.com/danmuck/stepwise/internal/identity"
	"github.com/danmuck/stepwise/internal/protocol/codec"
	"github.com/danmuck/stepwise/internal/protocol/frame"
	"github.com/danmuck/stepwise/internal/protocol/message"
	"github.com/google/uuid"
)

var secureInfo = []byte("stepwise/secure-channel/v1")

// signed is the byte string a frame's Auth signs.
func signed(uid uuid.UUID, payload []byte) []byte {
	out := make([]byte, 0, len(uid)+len(payload))
	out = append(out, uid[:]...)
	return append(out, payload...)
}

func (r *Relay) send(ctx context.Context, msg message.Message, to message.Identity, devices []uuid.UUID, ch message.Channel) error {
	if r.transport == nil {
		return ErrNoTransport
	}
	from := msg.Routing.Owner
	payload := msg.MarshalWire()
	var device uuid.UUID
	if ch == message.ChannelSecure {
		key, err := r.identity.DeriveKey(ctx, from, to, secureInfo)
		if err != nil {
			return err
		}
		sealed, err := identity.Seal(key, payload, msg.Routing.UID[:])
		if err != nil {
			return err
		}
		payload = codec.NewBytes(sealed).Encode()
		if device, err = r.identity.CurrentDevice(ctx, from); err != nil {
			return err
		}
	}

	f := frame.New(msg.Routing.UID, payload, r.cfg.PadBlock)
	sig, err := r.identity.Sign(ctx, from, signed(f.Header.MessageUID, f.Payload))
	if err != nil {
		return err
	}
	f.Auth = sig
	var buf bytes.Buffer
	if err := frame.WriteFrame(&buf, f, r.cfg.Limits); err != nil {
		return err
	}
	return r.transport.Send(ctx, Delivery{
		From:       from,
		FromDevice: device,
		To:         to,
		Devices:    devices,
		Channel:    ch,
		Frame:      buf.Bytes(),
	})
}

// Receive verifies and opens a delivery and submits it to the coordinator.
func (r *Relay) Receive(ctx context.Context, d Delivery) error {
	in, err := r.target()
	if err != nil {
		return err
	}
	f, err := frame.ReadFrame(bytes.NewReader(d.Frame), r.cfg.Limits)
	if err != nil {
		return err
	}
	if err := r.identity.Verify(ctx, d.From, signed(f.Header.MessageUID, f.Payload), f.Auth); err != nil {
		r.log.Warn().Err(err).Str("from", d.From.Short()).Msg("dropping frame with bad signature")
		return fmt.Errorf("%w: %w", ErrBadSignature, err)
	}

	raw := f.Payload
	var prov message.Provenance
	switch d.Channel {
	case message.ChannelAsymmetric:
		prov = message.FromAsymmetric(d.From)
	case message.ChannelSecure:
		v, err := codec.DecodePadded(f.Payload)
		if err != nil {
			return err
		}
		sealed, err := v.Bytes()
		if err != nil {
			return err
		}
		key, err := r.identity.DeriveKey(ctx, d.To, d.From, secureInfo)
		if err != nil {
			return err
		}
		if raw, err = identity.Open(key, sealed, f.Header.MessageUID[:]); err != nil {
			return err
		}
		prov = message.FromSecureChannel(d.From, d.FromDevice, d.From == d.To)
	default:
		return fmt.Errorf("%w: channel %s", ErrInvalidTarget, d.Channel)
	}

	_, err = in.SubmitWire(ctx, raw, message.Envelope{
		UID:        f.Header.MessageUID,
		Owner:      d.To,
		Provenance: prov,
		ReceivedAt: r.now(),
	})
	return err
}
