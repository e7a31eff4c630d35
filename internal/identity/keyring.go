package identity

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"slices"
	"sync"

	"github.com/danmuck/stepwise/internal/protocol/codec"
	"github.com/danmuck/stepwise/internal/protocol/message"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// Keyring is the set of identities owned by this node. It implements the
// engine's identity provider.
type Keyring struct {
	mu    sync.RWMutex
	owned map[message.Identity]*Owned
}

func NewKeyring(ids ...*Owned) *Keyring {
	k := &Keyring{owned: make(map[message.Identity]*Owned)}
	for _, o := range ids {
		k.Add(o)
	}
	return k
}

func (k *Keyring) Add(o *Owned) {
	k.mu.Lock()
	k.owned[o.ID] = o
	k.mu.Unlock()
	log.Debug().Str("identity", Fingerprint(o.ID)).Bool("active", o.Active).Msg("identity added")
}

func (k *Keyring) get(id message.Identity) (*Owned, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	o, ok := k.owned[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownIdentity, Fingerprint(id))
	}
	return o, nil
}

func (k *Keyring) active(id message.Identity) (*Owned, error) {
	o, err := k.get(id)
	if err != nil {
		return nil, err
	}
	if !o.Active {
		return nil, fmt.Errorf("%w: %s", ErrInactive, Fingerprint(id))
	}
	return o, nil
}

// SetActive marks id active or retired. Retired identities keep their keys
// but accept no new protocol instances.
func (k *Keyring) SetActive(id message.Identity, active bool) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	o, ok := k.owned[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownIdentity, Fingerprint(id))
	}
	o.Active = active
	return nil
}

// AddDevice registers another device of owner.
func (k *Keyring) AddDevice(owner message.Identity, dev uuid.UUID) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	o, ok := k.owned[owner]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownIdentity, Fingerprint(owner))
	}
	if !slices.Contains(o.Devices, dev) {
		o.Devices = append(o.Devices, dev)
	}
	if o.Current == uuid.Nil {
		o.Current = dev
	}
	return nil
}

// Identities lists owned identities, active first.
func (k *Keyring) Identities() []*Owned {
	k.mu.RLock()
	defer k.mu.RUnlock()
	out := make([]*Owned, 0, len(k.owned))
	for _, o := range k.owned {
		out = append(out, o)
	}
	slices.SortFunc(out, func(a, b *Owned) int {
		if a.Active != b.Active {
			if a.Active {
				return -1
			}
			return 1
		}
		return compareIDs(a.ID, b.ID)
	})
	return out
}

func compareIDs(a, b message.Identity) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func (k *Keyring) IsActiveOwnedIdentity(_ context.Context, id message.Identity) (bool, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	o, ok := k.owned[id]
	return ok && o.Active, nil
}

func (k *Keyring) CurrentDevice(_ context.Context, owner message.Identity) (uuid.UUID, error) {
	o, err := k.get(owner)
	if err != nil {
		return uuid.Nil, err
	}
	k.mu.RLock()
	defer k.mu.RUnlock()
	if o.Current == uuid.Nil {
		return uuid.Nil, ErrNoDevice
	}
	return o.Current, nil
}

func (k *Keyring) OwnedDevices(_ context.Context, owner message.Identity) ([]uuid.UUID, error) {
	o, err := k.get(owner)
	if err != nil {
		return nil, err
	}
	k.mu.RLock()
	defer k.mu.RUnlock()
	return slices.Clone(o.Devices), nil
}

func (k *Keyring) Sign(_ context.Context, owner message.Identity, payload []byte) ([]byte, error) {
	o, err := k.get(owner)
	if err != nil {
		return nil, err
	}
	return o.sign(payload)
}

func (k *Keyring) Verify(_ context.Context, signer message.Identity, payload, sig []byte) error {
	return Verify(signer, payload, sig)
}

// DeriveKey agrees a symmetric key between owner and remote: x25519 over
// the exchange keys, expanded with HKDF-SHA256 bound to info.
func (k *Keyring) DeriveKey(_ context.Context, owner, remote message.Identity, info []byte) (codec.Key, error) {
	o, err := k.active(owner)
	if err != nil {
		return codec.Key{}, err
	}
	peer, err := Parse(remote)
	if err != nil {
		return codec.Key{}, err
	}
	shared, err := curve25519.X25519(o.exchange.Material, peer.Exchange.Material)
	if err != nil {
		return codec.Key{}, fmt.Errorf("identity: key agreement: %w", err)
	}
	secret := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, shared, nil, info), secret); err != nil {
		return codec.Key{}, fmt.Errorf("identity: hkdf: %w", err)
	}
	return codec.Key{Kind: codec.TagSymmetricKey, Algorithm: AlgChaCha20Poly1305, Material: secret}, nil
}
