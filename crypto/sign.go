package crypto

import (
	"crypto/ed25519"
	"encoding/binary"
	"fmt"

	"github.com/meow-io/go-e2ee/bencode"
)

// SignObject signs the canonical bencode encoding of obj, prefixed by a domain label.
func SignObject(priv ed25519.PrivateKey, label string, obj interface{}) ([]byte, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("crypto: expected signing key of length %d, got %d", ed25519.PrivateKeySize, len(priv))
	}
	msg, err := signedMessage(label, obj)
	if err != nil {
		return nil, err
	}
	return ed25519.Sign(priv, msg), nil
}

func VerifyObject(pub ed25519.PublicKey, sig []byte, label string, obj interface{}) (bool, error) {
	if len(pub) != ed25519.PublicKeySize {
		return false, fmt.Errorf("crypto: expected public key of length %d, got %d", ed25519.PublicKeySize, len(pub))
	}
	msg, err := signedMessage(label, obj)
	if err != nil {
		return false, err
	}
	return ed25519.Verify(pub, msg, sig), nil
}

func signedMessage(label string, obj interface{}) ([]byte, error) {
	b, err := bencode.Serialize(obj)
	if err != nil {
		return nil, fmt.Errorf("crypto: error encoding signed object: %w", err)
	}
	return Concat([]byte(label), b), nil
}

// Concat joins parts, each prefixed with its big-endian length, so that no two distinct
// sequences share an encoding.
func Concat(parts ...[]byte) []byte {
	msg := []byte{}
	for _, m := range parts {
		msg = binary.BigEndian.AppendUint64(msg, uint64(len(m)))
		msg = append(msg, m...)
	}
	return msg
}
