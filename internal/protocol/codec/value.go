package codec

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
)

// HeaderLen is the per-element overhead: tag plus big-endian u32 length.
const HeaderLen = 5

// Tag identifies the kind of an encoded element.
type Tag uint8

const (
	TagBytes        Tag = 0x00
	TagInt          Tag = 0x01
	TagBool         Tag = 0x02
	TagList         Tag = 0x03
	TagDict         Tag = 0x04
	TagBigUint      Tag = 0x80
	TagSymmetricKey Tag = 0x90
	TagPublicKey    Tag = 0x91
	TagPrivateKey   Tag = 0x92
)

func (t Tag) Valid() bool {
	switch t {
	case TagBytes, TagInt, TagBool, TagList, TagDict, TagBigUint,
		TagSymmetricKey, TagPublicKey, TagPrivateKey:
		return true
	default:
		return false
	}
}

func (t Tag) String() string {
	switch t {
	case TagBytes:
		return "bytes"
	case TagInt:
		return "int"
	case TagBool:
		return "bool"
	case TagList:
		return "list"
	case TagDict:
		return "dict"
	case TagBigUint:
		return "biguint"
	case TagSymmetricKey:
		return "symmetric-key"
	case TagPublicKey:
		return "public-key"
	case TagPrivateKey:
		return "private-key"
	default:
		return fmt.Sprintf("tag(0x%02x)", uint8(t))
	}
}

// Value is one immutable encoded element. The zero Value is an empty raw
// byte string.
type Value struct {
	tag     Tag
	payload []byte
}

// New builds a Value from a tag and payload. The payload is copied.
func New(tag Tag, payload []byte) (Value, error) {
	if !tag.Valid() {
		return Value{}, fmt.Errorf("%w: 0x%02x", ErrUnknownTag, uint8(tag))
	}
	if uint64(len(payload)) > math.MaxUint32 {
		return Value{}, ErrPayloadTooLarge
	}
	return Value{tag: tag, payload: bytes.Clone(payload)}, nil
}

func mustNew(tag Tag, payload []byte) Value {
	return Value{tag: tag, payload: payload}
}

func (v Value) Tag() Tag {
	return v.tag
}

// Payload returns a copy of the element payload.
func (v Value) Payload() []byte {
	return bytes.Clone(v.payload)
}

// Len is the payload length.
func (v Value) Len() int {
	return len(v.payload)
}

// Size is the full encoded size, HeaderLen + Len.
func (v Value) Size() int {
	return HeaderLen + len(v.payload)
}

// Encode returns the bit-exact wire encoding.
func (v Value) Encode() []byte {
	return v.AppendTo(make([]byte, 0, v.Size()))
}

// AppendTo appends the wire encoding to dst.
func (v Value) AppendTo(dst []byte) []byte {
	var head [HeaderLen]byte
	head[0] = byte(v.tag)
	binary.BigEndian.PutUint32(head[1:], uint32(len(v.payload)))
	dst = append(dst, head[:]...)
	return append(dst, v.payload...)
}

// Equal reports byte-exact encoding equality.
func (v Value) Equal(o Value) bool {
	return v.tag == o.tag && bytes.Equal(v.payload, o.payload)
}

func (v Value) String() string {
	const max = 16
	if len(v.payload) > max {
		return fmt.Sprintf("%s[%d]%s..", v.tag, len(v.payload), hex.EncodeToString(v.payload[:max]))
	}
	return fmt.Sprintf("%s[%d]%s", v.tag, len(v.payload), hex.EncodeToString(v.payload))
}
