package identity

import (
	"crypto/ed25519"
	"fmt"
	"io"

	"github.com/cloudflare/circl/sign/dilithium/mode3"
	"github.com/danmuck/stepwise/internal/protocol/codec"
	"github.com/danmuck/stepwise/internal/protocol/message"
	"github.com/google/uuid"
	"golang.org/x/crypto/curve25519"
)

// Owned is an identity this node holds private keys for.
type Owned struct {
	ID      message.Identity
	Public  Public
	Devices []uuid.UUID
	Current uuid.UUID
	Active  bool

	signing  codec.Key
	exchange codec.Key
}

// Generate creates a fresh identity on server with one device. alg selects
// the signing scheme.
func Generate(rand io.Reader, server string, alg Algorithm) (*Owned, error) {
	var signPub, signPriv codec.Key
	switch alg {
	case AlgEd25519:
		pub, priv, err := ed25519.GenerateKey(rand)
		if err != nil {
			return nil, fmt.Errorf("identity: ed25519 key: %w", err)
		}
		signPub = codec.Key{Kind: codec.TagPublicKey, Algorithm: alg, Material: pub}
		signPriv = codec.Key{Kind: codec.TagPrivateKey, Algorithm: alg, Material: priv.Seed()}
	case AlgDilithium3:
		pub, priv, err := mode3.GenerateKey(rand)
		if err != nil {
			return nil, fmt.Errorf("identity: dilithium3 key: %w", err)
		}
		pubRaw, _ := pub.MarshalBinary()
		privRaw, _ := priv.MarshalBinary()
		signPub = codec.Key{Kind: codec.TagPublicKey, Algorithm: alg, Material: pubRaw}
		signPriv = codec.Key{Kind: codec.TagPrivateKey, Algorithm: alg, Material: privRaw}
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedAlg, alg)
	}

	kemPriv := make([]byte, curve25519.ScalarSize)
	if _, err := io.ReadFull(rand, kemPriv); err != nil {
		return nil, fmt.Errorf("identity: x25519 key: %w", err)
	}
	kemPub, err := curve25519.X25519(kemPriv, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("identity: x25519 key: %w", err)
	}
	pub := Public{
		Server:   server,
		Signing:  signPub,
		Exchange: codec.Key{Kind: codec.TagPublicKey, Algorithm: AlgX25519, Material: kemPub},
	}
	return assemble(pub, signPriv, codec.Key{Kind: codec.TagPrivateKey, Algorithm: AlgX25519, Material: kemPriv},
		[]uuid.UUID{uuid.New()}, true)
}

func assemble(pub Public, signing, exchange codec.Key, devices []uuid.UUID, active bool) (*Owned, error) {
	if err := pub.check(); err != nil {
		return nil, err
	}
	if signing.Kind != codec.TagPrivateKey || signing.Algorithm != pub.Signing.Algorithm {
		return nil, fmt.Errorf("%w: signing key does not match public record", ErrInvalidKey)
	}
	if exchange.Kind != codec.TagPrivateKey || exchange.Algorithm != AlgX25519 || len(exchange.Material) != curve25519.ScalarSize {
		return nil, fmt.Errorf("%w: exchange key must be an x25519 scalar", ErrInvalidKey)
	}
	id, err := pub.Identity()
	if err != nil {
		return nil, err
	}
	o := &Owned{ID: id, Public: pub, Devices: devices, Active: active, signing: signing, exchange: exchange}
	if len(devices) > 0 {
		o.Current = devices[0]
	}
	return o, nil
}

func (o *Owned) sign(payload []byte) ([]byte, error) {
	d := digest(payload)
	switch o.signing.Algorithm {
	case AlgEd25519:
		if len(o.signing.Material) != ed25519.SeedSize {
			return nil, fmt.Errorf("%w: ed25519 seed of %d bytes", ErrInvalidKey, len(o.signing.Material))
		}
		return ed25519.Sign(ed25519.NewKeyFromSeed(o.signing.Material), d), nil
	case AlgDilithium3:
		var sk mode3.PrivateKey
		if err := sk.UnmarshalBinary(o.signing.Material); err != nil {
			return nil, fmt.Errorf("%w: dilithium3: %w", ErrInvalidKey, err)
		}
		sig := make([]byte, mode3.SignatureSize)
		mode3.SignTo(&sk, d, sig)
		return sig, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedAlg, o.signing.Algorithm)
	}
}

// MarshalValue encodes the full private record, for key files only.
func (o *Owned) MarshalValue() (codec.Value, error) {
	pub, err := o.Public.MarshalValue()
	if err != nil {
		return codec.Value{}, err
	}
	sign, err := o.signing.Value()
	if err != nil {
		return codec.Value{}, err
	}
	kem, err := o.exchange.Value()
	if err != nil {
		return codec.Value{}, err
	}
	return codec.List(pub, sign, kem, codec.NewUIDs(o.Devices), codec.NewBool(o.Active)), nil
}

func (o *Owned) UnmarshalValue(v codec.Value) error {
	pub, sign, kem, devs, active, err := codec.Unpack5[Public, codec.Key, codec.Key, []uuid.UUID, bool](v)
	if err != nil {
		return err
	}
	out, err := assemble(pub, sign, kem, devs, active)
	if err != nil {
		return err
	}
	*o = *out
	return nil
}
