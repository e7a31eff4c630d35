package codec

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math/big"
	"unicode/utf8"
)

// IntLen is the width used when encoding integers.
const IntLen = 8

func NewBytes(b []byte) Value {
	return mustNew(TagBytes, bytes.Clone(b))
}

func NewString(s string) Value {
	return mustNew(TagBytes, []byte(s))
}

func NewInt(n int64) Value {
	buf := make([]byte, IntLen)
	binary.BigEndian.PutUint64(buf, uint64(n))
	return mustNew(TagInt, buf)
}

func NewBool(b bool) Value {
	if b {
		return mustNew(TagBool, []byte{1})
	}
	return mustNew(TagBool, []byte{0})
}

// NewBigUint encodes x with its minimal big-endian width (at least one byte).
func NewBigUint(x *big.Int) (Value, error) {
	if x == nil || x.Sign() < 0 {
		return Value{}, fmt.Errorf("%w: negative or nil big integer", ErrOverflow)
	}
	n := len(x.Bytes())
	if n == 0 {
		n = 1
	}
	return NewBigUintSized(x, n)
}

// NewBigUintSized encodes x on exactly n bytes.
func NewBigUintSized(x *big.Int, n int) (Value, error) {
	if x == nil || x.Sign() < 0 {
		return Value{}, fmt.Errorf("%w: negative or nil big integer", ErrOverflow)
	}
	if n <= 0 || len(x.Bytes()) > n {
		return Value{}, fmt.Errorf("%w: %d bytes required, width %d", ErrOverflow, len(x.Bytes()), n)
	}
	buf := make([]byte, n)
	x.FillBytes(buf)
	return mustNew(TagBigUint, buf), nil
}

func (v Value) expect(tag Tag) error {
	if v.tag != tag {
		return fmt.Errorf("%w: got %s want %s", ErrTypeMismatch, v.tag, tag)
	}
	return nil
}

// Bytes returns the payload of a raw byte string.
func (v Value) Bytes() ([]byte, error) {
	if err := v.expect(TagBytes); err != nil {
		return nil, err
	}
	return bytes.Clone(v.payload), nil
}

// Text returns the payload of a raw byte string as UTF-8 text.
func (v Value) Text() (string, error) {
	if err := v.expect(TagBytes); err != nil {
		return "", err
	}
	if !utf8.Valid(v.payload) {
		return "", fmt.Errorf("%w: invalid utf-8", ErrTypeMismatch)
	}
	return string(v.payload), nil
}

// Int decodes a signed integer. Payloads of 1 to 8 bytes are accepted and
// sign-extended.
func (v Value) Int() (int64, error) {
	if err := v.expect(TagInt); err != nil {
		return 0, err
	}
	if len(v.payload) == 0 || len(v.payload) > IntLen {
		return 0, fmt.Errorf("%w: int width %d", ErrLengthMismatch, len(v.payload))
	}
	var buf [IntLen]byte
	if v.payload[0]&0x80 != 0 {
		for i := range buf {
			buf[i] = 0xff
		}
	}
	copy(buf[IntLen-len(v.payload):], v.payload)
	return int64(binary.BigEndian.Uint64(buf[:])), nil
}

// Uint64 decodes a non-negative integer from an int or biguint element.
func (v Value) Uint64() (uint64, error) {
	switch v.tag {
	case TagInt:
		n, err := v.Int()
		if err != nil {
			return 0, err
		}
		if n < 0 {
			return 0, fmt.Errorf("%w: negative integer", ErrOverflow)
		}
		return uint64(n), nil
	case TagBigUint:
		x, err := v.BigUint()
		if err != nil {
			return 0, err
		}
		if !x.IsUint64() {
			return 0, fmt.Errorf("%w: biguint exceeds 64 bits", ErrOverflow)
		}
		return x.Uint64(), nil
	default:
		return 0, fmt.Errorf("%w: got %s want int", ErrTypeMismatch, v.tag)
	}
}

func (v Value) Bool() (bool, error) {
	if err := v.expect(TagBool); err != nil {
		return false, err
	}
	if len(v.payload) != 1 {
		return false, fmt.Errorf("%w: bool width %d", ErrLengthMismatch, len(v.payload))
	}
	switch v.payload[0] {
	case 0:
		return false, nil
	case 1:
		return true, nil
	default:
		return false, fmt.Errorf("%w: bool byte 0x%02x", ErrTypeMismatch, v.payload[0])
	}
}

func (v Value) BigUint() (*big.Int, error) {
	if err := v.expect(TagBigUint); err != nil {
		return nil, err
	}
	if len(v.payload) == 0 {
		return nil, fmt.Errorf("%w: empty biguint", ErrLengthMismatch)
	}
	return new(big.Int).SetBytes(v.payload), nil
}

// Key is a cryptographic key element: an algorithm id and raw material.
type Key struct {
	Kind      Tag
	Algorithm uint8
	Material  []byte
}

func isKeyTag(t Tag) bool {
	return t == TagSymmetricKey || t == TagPublicKey || t == TagPrivateKey
}

func NewKey(kind Tag, alg uint8, material []byte) (Value, error) {
	if !isKeyTag(kind) {
		return Value{}, fmt.Errorf("%w: %s is not a key tag", ErrTypeMismatch, kind)
	}
	buf := make([]byte, 1+len(material))
	buf[0] = alg
	copy(buf[1:], material)
	return mustNew(kind, buf), nil
}

func (k Key) Value() (Value, error) {
	return NewKey(k.Kind, k.Algorithm, k.Material)
}

func (v Value) Key() (Key, error) {
	if !isKeyTag(v.tag) {
		return Key{}, fmt.Errorf("%w: got %s want key", ErrTypeMismatch, v.tag)
	}
	if len(v.payload) == 0 {
		return Key{}, fmt.Errorf("%w: key without algorithm", ErrTruncated)
	}
	return Key{Kind: v.tag, Algorithm: v.payload[0], Material: bytes.Clone(v.payload[1:])}, nil
}
