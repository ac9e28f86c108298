package ratchet

import (
	"bytes"
	"crypto/ed25519"
	"encoding/binary"
	"fmt"

	"github.com/meow-io/go-e2ee/bencode"
	"github.com/meow-io/go-e2ee/crypto"
	"github.com/status-im/doubleratchet"
)

// MaxGroupAdvance bounds how many chain steps one decrypt or ratchet may take.
const MaxGroupAdvance = 1 << 17

var chainKDF = doubleratchet.DefaultCrypto{}

type outboundGroupState struct {
	SessionID   []byte `bencode:"s"`
	Index       uint32 `bencode:"i"`
	ChainKey    []byte `bencode:"c"`
	SigningPriv []byte `bencode:"kp"`
	SigningPub  []byte `bencode:"k"`
}

func decodeOutboundGroup(state []byte) (*outboundGroupState, error) {
	s := &outboundGroupState{}
	if err := bencode.Deserialize(state, s); err != nil {
		return nil, fmt.Errorf("ratchet: error decoding outbound group state: %w", err)
	}
	if len(s.ChainKey) != 32 || len(s.SigningPriv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("ratchet: malformed outbound group state %x", s.SessionID)
	}
	return s, nil
}

func decodeGroupKey(state []byte) (*GroupSessionKey, error) {
	k := &GroupSessionKey{}
	if err := bencode.Deserialize(state, k); err != nil {
		return nil, fmt.Errorf("ratchet: error decoding inbound group state: %w", err)
	}
	if err := validateGroupKey(k); err != nil {
		return nil, err
	}
	return k, nil
}

func validateGroupKey(k *GroupSessionKey) error {
	if len(k.ChainKey) != 32 || len(k.SigningKey) != ed25519.PublicKeySize || len(k.SessionID) == 0 {
		return ErrMalformedSeed
	}
	return nil
}

func encode(o interface{}) ([]byte, error) {
	b, err := bencode.Serialize(o)
	if err != nil {
		return nil, fmt.Errorf("ratchet: error encoding state: %w", err)
	}
	return b, nil
}

func groupAD(sessionID []byte, index uint32) []byte {
	return crypto.Concat([]byte("e2ee group"), sessionID, binary.BigEndian.AppendUint32(nil, index))
}

func signedGroupPayload(sessionID []byte, index uint32, ciphertext []byte) []byte {
	return crypto.Concat(groupAD(sessionID, index), ciphertext)
}

// advance steps a chain key forward, returning the chain and message keys at the target index.
func advance(chainKey []byte, from, to uint32) (doubleratchet.Key, doubleratchet.Key, error) {
	if to < from {
		return nil, nil, ErrIndexTooOld
	}
	if to-from > MaxGroupAdvance {
		return nil, nil, ErrIndexTooFar
	}
	ck := doubleratchet.Key(chainKey)
	for i := from; i < to; i++ {
		ck, _ = chainKDF.KdfCK(ck)
	}
	_, mk := chainKDF.KdfCK(ck)
	return ck, mk, nil
}

func (p *defaultPrimitives) CreateOutboundGroup() ([]byte, error) {
	signing, err := crypto.NewSigningKeyPair()
	if err != nil {
		return nil, err
	}
	return encode(&outboundGroupState{
		SessionID:   signing.Public,
		Index:       0,
		ChainKey:    crypto.RandomBytes(32),
		SigningPriv: signing.Private,
		SigningPub:  signing.Public,
	})
}

func (p *defaultPrimitives) OutboundGroupKey(state []byte) (*GroupSessionKey, error) {
	s, err := decodeOutboundGroup(state)
	if err != nil {
		return nil, err
	}
	return &GroupSessionKey{SessionID: s.SessionID, Index: s.Index, ChainKey: s.ChainKey, SigningKey: s.SigningPub}, nil
}

func (p *defaultPrimitives) GroupEncrypt(state, plaintext []byte) ([]byte, *GroupMessage, error) {
	s, err := decodeOutboundGroup(state)
	if err != nil {
		return nil, nil, err
	}
	if s.Index == ^uint32(0) {
		return nil, nil, fmt.Errorf("ratchet: group session %x exhausted", s.SessionID)
	}
	nextCK, mk := chainKDF.KdfCK(s.ChainKey)
	ct, err := crypto.EncryptWithKey(mk, plaintext, groupAD(s.SessionID, s.Index))
	if err != nil {
		return nil, nil, err
	}
	msg := &GroupMessage{
		SessionID:  s.SessionID,
		Index:      s.Index,
		Ciphertext: ct,
		Signature:  ed25519.Sign(s.SigningPriv, signedGroupPayload(s.SessionID, s.Index, ct)),
	}
	s.ChainKey = nextCK
	s.Index++
	next, err := encode(s)
	if err != nil {
		return nil, nil, err
	}
	return next, msg, nil
}

func (p *defaultPrimitives) CreateInboundGroup(key *GroupSessionKey) ([]byte, error) {
	if err := validateGroupKey(key); err != nil {
		return nil, err
	}
	return encode(key)
}

func (p *defaultPrimitives) InboundGroupKey(state []byte) (*GroupSessionKey, error) {
	return decodeGroupKey(state)
}

func (p *defaultPrimitives) GroupDecrypt(state []byte, msg *GroupMessage) ([]byte, error) {
	k, err := decodeGroupKey(state)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(k.SessionID, msg.SessionID) {
		return nil, ErrWrongSession
	}
	if !ed25519.Verify(k.SigningKey, signedGroupPayload(msg.SessionID, msg.Index, msg.Ciphertext), msg.Signature) {
		return nil, ErrBadSignature
	}
	_, mk, err := advance(k.ChainKey, k.Index, msg.Index)
	if err != nil {
		return nil, err
	}
	plaintext, err := crypto.DecryptWithKey(mk, msg.Ciphertext, groupAD(msg.SessionID, msg.Index))
	if err != nil {
		return nil, fmt.Errorf("ratchet: error decrypting group message: %w", err)
	}
	return plaintext, nil
}

// GroupRatchetTo discards the ability to decrypt anything before index.
func (p *defaultPrimitives) GroupRatchetTo(state []byte, index uint32) ([]byte, error) {
	k, err := decodeGroupKey(state)
	if err != nil {
		return nil, err
	}
	if index <= k.Index {
		return state, nil
	}
	ck, _, err := advance(k.ChainKey, k.Index, index)
	if err != nil {
		return nil, err
	}
	k.ChainKey = ck
	k.Index = index
	return encode(k)
}
