package message

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/danmuck/stepwise/internal/protocol/codec"
	"github.com/google/uuid"
)

var (
	ErrMalformed    = errors.New("message: malformed wire message")
	ErrUnknownValue = errors.New("message: unknown enumeration value")
)

// ProtocolID names a protocol family.
type ProtocolID int

// Kind identifies a message within its protocol.
type Kind int

// Identity is the opaque byte form of an owned or remote identity. It is a
// string so identities can key maps.
type Identity string

func IdentityFromBytes(b []byte) Identity {
	return Identity(b)
}

func (id Identity) Bytes() []byte {
	return []byte(id)
}

func (id Identity) IsZero() bool {
	return id == ""
}

// Short is a log-friendly prefix of the identity bytes.
func (id Identity) Short() string {
	b := []byte(id)
	if len(b) > 8 {
		b = b[:8]
	}
	return hex.EncodeToString(b)
}

func (id Identity) MarshalValue() (codec.Value, error) {
	return codec.NewBytes([]byte(id)), nil
}

func (id *Identity) UnmarshalValue(v codec.Value) error {
	b, err := v.Bytes()
	if err != nil {
		return err
	}
	*id = Identity(b)
	return nil
}

// InstanceKey addresses one protocol instance in the registry. Instance ids
// are chosen by whoever initiates, so the same id may exist once per owned
// identity on a node that hosts several.
type InstanceKey struct {
	Owner    Identity
	Protocol ProtocolID
	Instance uuid.UUID
}

func (k InstanceKey) String() string {
	return fmt.Sprintf("%d/%s@%s", k.Protocol, k.Instance, k.Owner.Short())
}
