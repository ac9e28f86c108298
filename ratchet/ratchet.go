// Package ratchet supplies the primitive ratchet operations the encryption machine builds on. Every
// operation is a pure function over an explicit state blob: callers own persistence and locking.
package ratchet

import (
	"errors"

	"github.com/meow-io/go-e2ee/crypto"
)

var (
	ErrIndexTooOld   = errors.New("ratchet: message index is before the first known index")
	ErrIndexTooFar   = errors.New("ratchet: message index is too far ahead")
	ErrBadSignature  = errors.New("ratchet: bad message signature")
	ErrWrongSession  = errors.New("ratchet: message belongs to another session")
	ErrMalformedSeed = errors.New("ratchet: malformed session key")
)

// PreKeyHeader accompanies messages on an outbound session until the peer has replied, letting the
// peer build the matching inbound session.
type PreKeyHeader struct {
	IdentityKey []byte `bencode:"i"`
	BaseKey     []byte `bencode:"b"`
	OneTimeKey  []byte `bencode:"o"`
}

type Message struct {
	DH         []byte `bencode:"d"`
	N          uint32 `bencode:"n"`
	PN         uint32 `bencode:"p"`
	Ciphertext []byte `bencode:"c"`
}

type PreKeyMessage struct {
	Header  PreKeyHeader `bencode:"h"`
	Message Message      `bencode:"m"`
}

type GroupMessage struct {
	SessionID  []byte `bencode:"s"`
	Index      uint32 `bencode:"i"`
	Ciphertext []byte `bencode:"c"`
	Signature  []byte `bencode:"g"`
}

// GroupSessionKey is everything a recipient needs to decrypt a group session from Index onwards.
type GroupSessionKey struct {
	SessionID  []byte `bencode:"s"`
	Index      uint32 `bencode:"i"`
	ChainKey   []byte `bencode:"c"`
	SigningKey []byte `bencode:"k"`
}

type Primitives interface {
	// CreateOutbound agrees a pairwise session with a remote device using one of its one-time keys.
	CreateOutbound(ourIdentity *crypto.KeyPair, theirIdentityKey, theirOneTimeKey []byte) (sessionID, state []byte, header *PreKeyHeader, err error)
	// CreateInbound builds the receiving side of a session from the first pre-key message.
	CreateInbound(ourIdentity, oneTimeKey *crypto.KeyPair, msg *PreKeyMessage, ad []byte) (sessionID, state, plaintext []byte, err error)
	Encrypt(state, plaintext, ad []byte) ([]byte, *Message, error)
	Decrypt(state []byte, msg *Message, ad []byte) ([]byte, []byte, error)

	CreateOutboundGroup() ([]byte, error)
	OutboundGroupKey(state []byte) (*GroupSessionKey, error)
	GroupEncrypt(state, plaintext []byte) ([]byte, *GroupMessage, error)
	CreateInboundGroup(key *GroupSessionKey) ([]byte, error)
	InboundGroupKey(state []byte) (*GroupSessionKey, error)
	GroupDecrypt(state []byte, msg *GroupMessage) ([]byte, error)
	GroupRatchetTo(state []byte, index uint32) ([]byte, error)
}

type defaultPrimitives struct {
	maxSkip       uint
	maxKeep       uint
	maxStoredKeys int
}

// Default is backed by the double ratchet for pairwise sessions and a signed hash chain for groups.
var Default Primitives = NewPrimitives(1000, 2000, 2000)

// NewPrimitives configures how many skipped message keys a pairwise session tolerates and retains.
func NewPrimitives(maxSkip, maxKeep uint, maxStoredKeys int) Primitives {
	return &defaultPrimitives{maxSkip: maxSkip, maxKeep: maxKeep, maxStoredKeys: maxStoredKeys}
}
