package identity

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/danmuck/stepwise/internal/protocol/codec"
	"github.com/rs/zerolog/log"
)

// SaveFile writes every identity in k, private keys included, to path.
func (k *Keyring) SaveFile(path string) error {
	ids := k.Identities()
	vals := make([]codec.Value, 0, len(ids))
	for _, o := range ids {
		v, err := o.MarshalValue()
		if err != nil {
			return err
		}
		vals = append(vals, v)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, codec.List(vals...).Encode(), 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// LoadFile reads a keyring written by SaveFile.
func LoadFile(path string) (*Keyring, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	v, err := codec.Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("identity: %s: %w", path, err)
	}
	vals, err := v.List()
	if err != nil {
		return nil, fmt.Errorf("identity: %s: %w", path, err)
	}
	k := NewKeyring()
	for i, item := range vals {
		var o Owned
		if err := o.UnmarshalValue(item); err != nil {
			return nil, fmt.Errorf("identity: %s entry %d: %w", path, i, err)
		}
		k.Add(&o)
	}
	return k, nil
}

// LoadOrCreate loads path, or generates one identity on server and saves
// it when the file does not exist yet.
func LoadOrCreate(path, server string, alg Algorithm) (*Keyring, error) {
	k, err := LoadFile(path)
	if err == nil {
		return k, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	o, err := Generate(rand.Reader, server, alg)
	if err != nil {
		return nil, err
	}
	k = NewKeyring(o)
	if err := k.SaveFile(path); err != nil {
		return nil, err
	}
	log.Info().Str("path", path).Str("identity", Fingerprint(o.ID)).Msg("generated identity")
	return k, nil
}
