package identity

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/cloudflare/circl/sign/dilithium/mode3"
	"github.com/danmuck/stepwise/internal/protocol/codec"
	"github.com/danmuck/stepwise/internal/protocol/message"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/sha3"
)

// Algorithm identifies the scheme behind a codec.Key.
type Algorithm = uint8

const (
	AlgEd25519          Algorithm = 1
	AlgDilithium3       Algorithm = 2
	AlgX25519           Algorithm = 3
	AlgChaCha20Poly1305 Algorithm = 4
)

var (
	ErrUnknownIdentity  = errors.New("identity: unknown identity")
	ErrInactive         = errors.New("identity: identity is not active")
	ErrUnsupportedAlg   = errors.New("identity: unsupported algorithm")
	ErrInvalidKey       = errors.New("identity: invalid key")
	ErrInvalidSignature = errors.New("identity: signature invalid")
	ErrNoDevice         = errors.New("identity: no current device")
)

// Public is the public record an identity encodes.
type Public struct {
	Server   string
	Signing  codec.Key
	Exchange codec.Key
}

func (p Public) MarshalValue() (codec.Value, error) {
	sign, err := p.Signing.Value()
	if err != nil {
		return codec.Value{}, err
	}
	kem, err := p.Exchange.Value()
	if err != nil {
		return codec.Value{}, err
	}
	return codec.List(codec.NewString(p.Server), sign, kem), nil
}

func (p *Public) UnmarshalValue(v codec.Value) error {
	server, sign, kem, err := codec.Unpack3[string, codec.Key, codec.Key](v)
	if err != nil {
		return err
	}
	out := Public{Server: server, Signing: sign, Exchange: kem}
	if err := out.check(); err != nil {
		return err
	}
	*p = out
	return nil
}

func (p Public) check() error {
	if p.Signing.Kind != codec.TagPublicKey || p.Exchange.Kind != codec.TagPublicKey {
		return fmt.Errorf("%w: identity keys must be public keys", ErrInvalidKey)
	}
	switch p.Signing.Algorithm {
	case AlgEd25519:
		if len(p.Signing.Material) != ed25519.PublicKeySize {
			return fmt.Errorf("%w: ed25519 public key of %d bytes", ErrInvalidKey, len(p.Signing.Material))
		}
	case AlgDilithium3:
		var pk mode3.PublicKey
		if err := pk.UnmarshalBinary(p.Signing.Material); err != nil {
			return fmt.Errorf("%w: dilithium3: %w", ErrInvalidKey, err)
		}
	default:
		return fmt.Errorf("%w: signing algorithm %d", ErrUnsupportedAlg, p.Signing.Algorithm)
	}
	if p.Exchange.Algorithm != AlgX25519 || len(p.Exchange.Material) != curve25519.PointSize {
		return fmt.Errorf("%w: exchange key must be x25519", ErrInvalidKey)
	}
	return nil
}

// Identity returns the identity bytes for p.
func (p Public) Identity() (message.Identity, error) {
	v, err := p.MarshalValue()
	if err != nil {
		return "", err
	}
	return message.IdentityFromBytes(v.Encode()), nil
}

// Parse decodes the public record behind id.
func Parse(id message.Identity) (Public, error) {
	v, err := codec.Decode(id.Bytes())
	if err != nil {
		return Public{}, fmt.Errorf("%w: %w", ErrInvalidKey, err)
	}
	var p Public
	if err := p.UnmarshalValue(v); err != nil {
		return Public{}, fmt.Errorf("%w: %w", ErrInvalidKey, err)
	}
	return p, nil
}

// Fingerprint is a short stable name for id.
func Fingerprint(id message.Identity) string {
	sum := sha3.Sum256(id.Bytes())
	return hex.EncodeToString(sum[:8])
}

func digest(payload []byte) []byte {
	sum := sha3.Sum256(payload)
	return sum[:]
}

// Verify checks sig over payload against the signing key inside signer.
func Verify(signer message.Identity, payload, sig []byte) error {
	pub, err := Parse(signer)
	if err != nil {
		return err
	}
	d := digest(payload)
	switch pub.Signing.Algorithm {
	case AlgEd25519:
		if !ed25519.Verify(ed25519.PublicKey(pub.Signing.Material), d, sig) {
			return ErrInvalidSignature
		}
	case AlgDilithium3:
		var pk mode3.PublicKey
		if err := pk.UnmarshalBinary(pub.Signing.Material); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidKey, err)
		}
		if len(sig) != mode3.SignatureSize || !mode3.Verify(&pk, d, sig) {
			return ErrInvalidSignature
		}
	default:
		return fmt.Errorf("%w: %d", ErrUnsupportedAlg, pub.Signing.Algorithm)
	}
	return nil
}
