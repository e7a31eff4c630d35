package frame

import (
	"bytes"
	"errors"
	"testing"

	"github.com/danmuck/stepwise/internal/protocol/codec"
	"github.com/danmuck/stepwise/internal/testutil/testlog"
	"github.com/google/uuid"
)

func TestReadWriteFrameRoundTrip(t *testing.T) {
	testlog.Start(t)
	payload := codec.List(codec.NewString("intent-1")).Encode()
	in := New(uuid.New(), payload, 0)
	in.Auth = []byte("sig")

	var buf bytes.Buffer
	if err := WriteFrame(&buf, in, DefaultLimits()); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	out, err := ReadFrame(&buf, DefaultLimits())
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if out.Header.MessageUID != in.Header.MessageUID || out.Header.Flags&FlagHasAuth == 0 {
		t.Fatalf("header mismatch: got=%+v want=%+v", out.Header, in.Header)
	}
	if string(out.Auth) != "sig" {
		t.Fatalf("auth mismatch: %q", string(out.Auth))
	}
	if !bytes.Equal(out.Payload, payload) {
		t.Fatalf("payload mismatch")
	}
}

func TestPaddedPayloadDecodesWithPaddedCodec(t *testing.T) {
	testlog.Start(t)
	payload := codec.NewInt(42).Encode()
	f := New(uuid.New(), payload, 64)
	if len(f.Payload) != 64 || f.Header.Flags&FlagPadded == 0 {
		t.Fatalf("expected 64-byte padded payload, got %d flags=%x", len(f.Payload), f.Header.Flags)
	}
	v, err := codec.DecodePadded(f.Payload)
	if err != nil {
		t.Fatalf("decode padded: %v", err)
	}
	if n, _ := v.Int(); n != 42 {
		t.Fatalf("expected 42, got %d", n)
	}
}

func TestReadFrameMalformedHeaderIsDeterministic(t *testing.T) {
	testlog.Start(t)
	_, err := ReadFrame(bytes.NewReader([]byte{1, 2, 3}), DefaultLimits())
	if !errors.Is(err, ErrShortHeader) {
		t.Fatalf("expected ErrShortHeader, got %v", err)
	}
}

func TestReadFrameRejectsForeignMagic(t *testing.T) {
	testlog.Start(t)
	buf := EncodeHeader(Header{Magic: 1, Version: Version, HeaderLen: FixedHeaderLen})
	if _, err := ReadFrame(bytes.NewReader(buf), DefaultLimits()); !errors.Is(err, ErrInvalidMagic) {
		t.Fatalf("expected ErrInvalidMagic, got %v", err)
	}
}

func TestReadFrameHeaderLenTooSmall(t *testing.T) {
	testlog.Start(t)
	buf := EncodeHeader(Header{Magic: Magic, Version: Version, HeaderLen: 8})
	if _, err := ReadFrame(bytes.NewReader(buf), DefaultLimits()); !errors.Is(err, ErrHeaderLenTooSmall) {
		t.Fatalf("expected ErrHeaderLenTooSmall, got %v", err)
	}
}

func TestReadFrameAuthFlagWithoutAuthBytes(t *testing.T) {
	testlog.Start(t)
	buf := EncodeHeader(Header{Magic: Magic, Version: Version, HeaderLen: FixedHeaderLen, Flags: FlagHasAuth})
	if _, err := ReadFrame(bytes.NewReader(buf), DefaultLimits()); !errors.Is(err, ErrHeaderLenMismatch) {
		t.Fatalf("expected ErrHeaderLenMismatch, got %v", err)
	}
}

func TestReadFrameEnforcesPayloadLimit(t *testing.T) {
	testlog.Start(t)
	limits := Limits{MaxAuthBytes: 16, MaxPayloadBytes: 4}
	buf := EncodeHeader(Header{Magic: Magic, Version: Version, HeaderLen: FixedHeaderLen, PayloadLen: 5})
	if _, err := ReadFrame(bytes.NewReader(buf), limits); !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
	}
	if err := WriteFrame(&bytes.Buffer{}, Frame{Payload: make([]byte, 5)}, limits); !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge on write, got %v", err)
	}
}
