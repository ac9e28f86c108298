package crypto

import (
	"crypto/ed25519"
	crypto_rand "crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"strings"

	"github.com/kevinburke/nacl/box"
	"github.com/kevinburke/nacl/scalarmult"
	"golang.org/x/crypto/hkdf"
)

type KeyPair struct {
	Private []byte
	Public  []byte
}

// NewDHKeyPair returns a fresh X25519 key pair.
func NewDHKeyPair() (*KeyPair, error) {
	pub, priv, err := box.GenerateKey(crypto_rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("crypto: error generating dh key: %w", err)
	}
	return &KeyPair{Private: priv[:], Public: pub[:]}, nil
}

// NewSigningKeyPair returns a fresh ed25519 key pair.
func NewSigningKeyPair() (*KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(crypto_rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("crypto: error generating signing key: %w", err)
	}
	return &KeyPair{Private: priv, Public: pub}, nil
}

// DHPublic derives the X25519 public key from a private key.
func DHPublic(priv []byte) []byte {
	pub := scalarmult.Base(SliceToKey(priv))
	return pub[:]
}

// DeriveKeys expands secret into n keys of 32 bytes using HKDF-SHA256.
func DeriveKeys(secret, salt []byte, info string, n int) ([][]byte, error) {
	r := hkdf.New(sha256.New, secret, salt, []byte(info))
	out := make([][]byte, n)
	for i := range out {
		out[i] = make([]byte, 32)
		if _, err := io.ReadFull(r, out[i]); err != nil {
			return nil, fmt.Errorf("crypto: error deriving keys: %w", err)
		}
	}
	return out, nil
}

// RandomBytes returns n bytes from the system random source.
func RandomBytes(n int) []byte {
	b := make([]byte, n)
	if _, err := io.ReadFull(crypto_rand.Reader, b); err != nil {
		panic("short read from random source")
	}
	return b
}

// Fingerprint renders a public key as upper-case hex grouped in fours for comparison by humans.
func Fingerprint(pub []byte) string {
	h := strings.ToUpper(fmt.Sprintf("%x", pub))
	groups := make([]string, 0, len(h)/4+1)
	for len(h) > 4 {
		groups = append(groups, h[:4])
		h = h[4:]
	}
	groups = append(groups, h)
	return strings.Join(groups, " ")
}
