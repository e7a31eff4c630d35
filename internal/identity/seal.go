package identity

import (
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/danmuck/stepwise/internal/protocol/codec"
	"golang.org/x/crypto/chacha20poly1305"
)

var ErrOpen = errors.New("identity: cannot open sealed payload")

func aead(key codec.Key) (cipher.AEAD, error) {
	if key.Kind != codec.TagSymmetricKey || key.Algorithm != AlgChaCha20Poly1305 {
		return nil, fmt.Errorf("%w: want chacha20poly1305 symmetric key", ErrInvalidKey)
	}
	return chacha20poly1305.NewX(key.Material)
}

// Seal encrypts plaintext under key. The output is nonce || ciphertext.
func Seal(key codec.Key, plaintext, ad []byte) ([]byte, error) {
	c, err := aead(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, c.NonceSize(), c.NonceSize()+len(plaintext)+c.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return c.Seal(nonce, nonce, plaintext, ad), nil
}

// Open reverses Seal.
func Open(key codec.Key, sealed, ad []byte) ([]byte, error) {
	c, err := aead(key)
	if err != nil {
		return nil, err
	}
	if len(sealed) < c.NonceSize()+c.Overhead() {
		return nil, ErrOpen
	}
	out, err := c.Open(nil, sealed[:c.NonceSize()], sealed[c.NonceSize():], ad)
	if err != nil {
		return nil, ErrOpen
	}
	return out, nil
}
