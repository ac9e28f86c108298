// Package crypto collects the symmetric, key agreement and signing helpers used across the machine.
package crypto

import (
	"fmt"

	"github.com/kevinburke/nacl"
	"github.com/kevinburke/nacl/box"
	"golang.org/x/crypto/chacha20poly1305"
)

// Every key passed to EncryptWithKey is single-use, so a fixed nonce is safe.
var zeroNonce12 = []byte{0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0}

func SliceToKey(b []byte) nacl.Key {
	return nacl.Key(b)
}

// SharedKey returns the precomputed X25519 shared key for the pair.
func SharedKey(pub, priv []byte) ([]byte, error) {
	if len(pub) != 32 || len(priv) != 32 {
		return nil, fmt.Errorf("crypto: expected 32 byte keys, got %d and %d", len(pub), len(priv))
	}
	key := box.Precompute(SliceToKey(pub), SliceToKey(priv))
	return key[:], nil
}

func EncryptWithKey(key, msg, ad []byte) ([]byte, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("crypto: key is wrong length %d", len(key))
	}
	cipher, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	return cipher.Seal(nil, zeroNonce12, msg, ad), nil
}

func DecryptWithKey(key, enc, ad []byte) ([]byte, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("crypto: key is wrong length %d", len(key))
	}
	cipher, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	return cipher.Open(nil, zeroNonce12, enc, ad)
}
