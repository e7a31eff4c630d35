package codec

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Decode parses exactly one element. The declared length must cover the
// remaining bytes exactly.
func Decode(b []byte) (Value, error) {
	v, rest, err := Split(b)
	if err != nil {
		return Value{}, err
	}
	if len(rest) != 0 {
		return Value{}, fmt.Errorf("%w: declared %d, remaining %d", ErrLengthMismatch, v.Len(), len(b)-HeaderLen)
	}
	return v, nil
}

// DecodePadded parses one element followed by optional zero padding.
func DecodePadded(b []byte) (Value, error) {
	v, rest, err := Split(b)
	if err != nil {
		return Value{}, err
	}
	for _, c := range rest {
		if c != 0 {
			return Value{}, ErrTrailingData
		}
	}
	return v, nil
}

// Split consumes one element from the front of b and returns the remainder.
// The returned Value does not alias b.
func Split(b []byte) (Value, []byte, error) {
	if len(b) < HeaderLen {
		return Value{}, nil, ErrTruncated
	}
	tag := Tag(b[0])
	if !tag.Valid() {
		return Value{}, nil, fmt.Errorf("%w: 0x%02x", ErrUnknownTag, b[0])
	}
	n := binary.BigEndian.Uint32(b[1:HeaderLen])
	if uint64(n) > uint64(len(b)-HeaderLen) {
		return Value{}, nil, fmt.Errorf("%w: declared %d, available %d", ErrTruncated, n, len(b)-HeaderLen)
	}
	end := HeaderLen + int(n)
	return mustNew(tag, bytes.Clone(b[HeaderLen:end])), b[end:], nil
}

// UnpackBytes splits a concatenation of full encodings into its elements.
func UnpackBytes(b []byte) ([]Value, error) {
	out := make([]Value, 0)
	for len(b) > 0 {
		v, rest, err := Split(b)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
		b = rest
	}
	return out, nil
}

// PackBytes concatenates the full encodings of vals.
func PackBytes(vals ...Value) []byte {
	size := 0
	for _, v := range vals {
		size += v.Size()
	}
	out := make([]byte, 0, size)
	for _, v := range vals {
		out = v.AppendTo(out)
	}
	return out
}
