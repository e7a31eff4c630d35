package codec

import (
	"bytes"
	"testing"
)

func FuzzDecode(f *testing.F) {
	f.Add([]byte{0x01, 0x00, 0x00, 0x00, 0x01, 0x2A})
	f.Add([]byte{0x03, 0x00, 0x00, 0x00, 0x09, 0x00, 0x00, 0x00, 0x00, 0x04, 1, 2, 3, 4})
	f.Add([]byte{0x04, 0x00, 0x00, 0x00, 0x00})
	f.Add([]byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF})
	f.Add([]byte{})

	f.Fuzz(func(t *testing.T, data []byte) {
		v, err := Decode(data)
		if err != nil {
			return
		}
		// Invariant 1: accepted input re-encodes byte for byte
		if !bytes.Equal(v.Encode(), data) {
			t.Fatalf("re-encode mismatch: %x vs %x", v.Encode(), data)
		}
		// Invariant 2: every strict prefix is rejected
		for i := 0; i < len(data); i++ {
			if _, err := Decode(data[:i]); err == nil {
				t.Fatalf("prefix %d accepted", i)
			}
		}
		// Invariant 3: typed accessors never panic on hostile payloads
		_, _ = v.Int()
		_, _ = v.Bool()
		_, _ = v.BigUint()
		_, _ = v.Key()
		_, _ = v.UID()
		_, _ = v.Dict()
		if vals, err := v.List(); err == nil {
			if !bytes.Equal(PackBytes(vals...), v.Payload()) {
				t.Fatalf("repack mismatch")
			}
		}
	})
}

func FuzzUnpackBytes(f *testing.F) {
	f.Add(PackBytes(NewInt(1), NewString("a"), NewBool(true)))
	f.Add([]byte{0x00, 0x00, 0x00, 0x00})

	f.Fuzz(func(t *testing.T, data []byte) {
		vals, err := UnpackBytes(data)
		if err != nil {
			return
		}
		if !bytes.Equal(PackBytes(vals...), data) {
			t.Fatalf("pack(unpack(b)) != b")
		}
	})
}
