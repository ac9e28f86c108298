package ratchet

import (
	"bytes"
	crypto_rand "crypto/rand"
	"crypto/sha256"
	"fmt"
	"sort"

	"github.com/kevinburke/nacl/box"
	"github.com/meow-io/go-e2ee/bencode"
	"github.com/meow-io/go-e2ee/crypto"
	"github.com/status-im/doubleratchet"
)

const agreementInfo = "e2ee pairwise agreement"

type dhPairImpl struct {
	privateKey [32]byte
	publicKey  [32]byte
}

func (pair dhPairImpl) PrivateKey() doubleratchet.Key {
	return pair.privateKey[:]
}

func (pair dhPairImpl) PublicKey() doubleratchet.Key {
	return pair.publicKey[:]
}

type cryptoImpl struct {
	defaultCrypto doubleratchet.DefaultCrypto
}

func (c *cryptoImpl) GenerateDH() (doubleratchet.DHPair, error) {
	pubk, privk, err := box.GenerateKey(crypto_rand.Reader)
	if err != nil {
		return nil, err
	}
	return dhPairImpl{privateKey: *privk, publicKey: *pubk}, nil
}

func (c *cryptoImpl) DH(dhPair doubleratchet.DHPair, dhPub doubleratchet.Key) (doubleratchet.Key, error) {
	return crypto.SharedKey(dhPub, dhPair.PrivateKey())
}

func (c *cryptoImpl) Encrypt(mk doubleratchet.Key, plaintext, ad []byte) ([]byte, error) {
	return crypto.EncryptWithKey(mk, plaintext, ad)
}

func (c *cryptoImpl) Decrypt(mk doubleratchet.Key, ciphertext, ad []byte) ([]byte, error) {
	return crypto.DecryptWithKey(mk, ciphertext, ad)
}

func (c *cryptoImpl) KdfRK(rk, dhOut doubleratchet.Key) (doubleratchet.Key, doubleratchet.Key, doubleratchet.Key) {
	return c.defaultCrypto.KdfRK(rk, dhOut)
}

func (c *cryptoImpl) KdfCK(ck doubleratchet.Key) (doubleratchet.Key, doubleratchet.Key) {
	return c.defaultCrypto.KdfCK(ck)
}

var drCrypto = &cryptoImpl{}

// memorySessionStorage holds the single state of one session while an operation runs over it.
type memorySessionStorage struct {
	state *doubleratchet.State
}

func (ss *memorySessionStorage) Load(id []byte) (*doubleratchet.State, error) {
	if ss.state == nil {
		return nil, fmt.Errorf("ratchet: no state for %x", id)
	}
	s := *ss.state
	return &s, nil
}

func (ss *memorySessionStorage) Save(id []byte, state *doubleratchet.State) error {
	s := *state
	ss.state = &s
	return nil
}

type storedKey struct {
	mk  doubleratchet.Key
	seq uint
}

// memoryKeysStorage keeps skipped message keys for one session, keyed by ratchet public key.
type memoryKeysStorage struct {
	keys map[string]map[uint]storedKey
}

func newMemoryKeysStorage() *memoryKeysStorage {
	return &memoryKeysStorage{keys: make(map[string]map[uint]storedKey)}
}

func (ks *memoryKeysStorage) Get(k doubleratchet.Key, msgNum uint) (doubleratchet.Key, bool, error) {
	if m, ok := ks.keys[string(k)]; ok {
		if sk, ok := m[msgNum]; ok {
			return sk.mk, true, nil
		}
	}
	return doubleratchet.Key{}, false, nil
}

func (ks *memoryKeysStorage) Put(sessionID []byte, k doubleratchet.Key, msgNum uint, mk doubleratchet.Key, keySeqNum uint) error {
	m, ok := ks.keys[string(k)]
	if !ok {
		m = make(map[uint]storedKey)
		ks.keys[string(k)] = m
	}
	m[msgNum] = storedKey{mk: mk, seq: keySeqNum}
	return nil
}

func (ks *memoryKeysStorage) DeleteMk(k doubleratchet.Key, msgNum uint) error {
	if m, ok := ks.keys[string(k)]; ok {
		delete(m, msgNum)
		if len(m) == 0 {
			delete(ks.keys, string(k))
		}
	}
	return nil
}

func (ks *memoryKeysStorage) DeleteOldMks(sessionID []byte, deleteUntilSeqKey uint) error {
	for pub, m := range ks.keys {
		for n, sk := range m {
			if sk.seq < deleteUntilSeqKey {
				delete(m, n)
			}
		}
		if len(m) == 0 {
			delete(ks.keys, pub)
		}
	}
	return nil
}

func (ks *memoryKeysStorage) TruncateMks(sessionID []byte, maxKeys int) error {
	all := ks.sorted()
	if len(all) <= maxKeys {
		return nil
	}
	for _, sk := range all[:len(all)-maxKeys] {
		if err := ks.DeleteMk(sk.PubKey, sk.MsgNum); err != nil {
			return err
		}
	}
	return nil
}

func (ks *memoryKeysStorage) Count(k doubleratchet.Key) (uint, error) {
	return uint(len(ks.keys[string(k)])), nil
}

func (ks *memoryKeysStorage) All() (map[string]map[uint]doubleratchet.Key, error) {
	out := make(map[string]map[uint]doubleratchet.Key, len(ks.keys))
	for pub, m := range ks.keys {
		out[pub] = make(map[uint]doubleratchet.Key, len(m))
		for n, sk := range m {
			out[pub][n] = sk.mk
		}
	}
	return out, nil
}

// sorted lists stored keys oldest first.
func (ks *memoryKeysStorage) sorted() []skippedKey {
	out := []skippedKey{}
	for pub, m := range ks.keys {
		for n, sk := range m {
			out = append(out, skippedKey{PubKey: []byte(pub), MsgNum: n, MK: sk.mk, Seq: sk.seq})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Seq != out[j].Seq {
			return out[i].Seq < out[j].Seq
		}
		if c := bytes.Compare(out[i].PubKey, out[j].PubKey); c != 0 {
			return c < 0
		}
		return out[i].MsgNum < out[j].MsgNum
	})
	return out
}

type skippedKey struct {
	PubKey []byte `bencode:"p"`
	MsgNum uint   `bencode:"n"`
	MK     []byte `bencode:"k"`
	Seq    uint   `bencode:"s"`
}

type pairwiseState struct {
	ID                       []byte       `bencode:"id"`
	DHr                      []byte       `bencode:"dhr"`
	DHsPub                   []byte       `bencode:"dhs_pub"`
	DHsPriv                  []byte       `bencode:"dhs_priv"`
	RootCK                   []byte       `bencode:"root_ck"`
	SendCK                   []byte       `bencode:"send_ck"`
	SendN                    uint32       `bencode:"send_n"`
	RecvCK                   []byte       `bencode:"recv_ck"`
	RecvN                    uint32       `bencode:"recv_n"`
	PN                       uint32       `bencode:"pn"`
	MaxSkip                  uint         `bencode:"max_skip"`
	MaxKeep                  uint         `bencode:"max_keep"`
	MaxMessageKeysPerSession int          `bencode:"max_mks"`
	Step                     uint         `bencode:"step"`
	KeysCount                uint         `bencode:"keys_count"`
	HKr                      []byte       `bencode:"hkr"`
	NHKr                     []byte       `bencode:"nhkr"`
	HKs                      []byte       `bencode:"hks"`
	NHKs                     []byte       `bencode:"nhks"`
	Skipped                  []skippedKey `bencode:"skipped"`
}

func orNil(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return b
}

// pairwiseSession is a decoded state blob, ready to be driven by the double ratchet.
type pairwiseSession struct {
	id      []byte
	storage *memorySessionStorage
	keys    *memoryKeysStorage
}

func (p *defaultPrimitives) newSession(id []byte) *pairwiseSession {
	return &pairwiseSession{id: id, storage: &memorySessionStorage{}, keys: newMemoryKeysStorage()}
}

func (p *defaultPrimitives) unmarshalSession(blob []byte) (*pairwiseSession, error) {
	s := &pairwiseState{}
	if err := bencode.Deserialize(blob, s); err != nil {
		return nil, fmt.Errorf("ratchet: error decoding pairwise state: %w", err)
	}
	if len(s.DHsPriv) != 32 || len(s.DHsPub) != 32 {
		return nil, fmt.Errorf("ratchet: malformed pairwise state for %x", s.ID)
	}
	ps := p.newSession(s.ID)
	for _, sk := range s.Skipped {
		if err := ps.keys.Put(s.ID, sk.PubKey, sk.MsgNum, sk.MK, sk.Seq); err != nil {
			return nil, err
		}
	}
	ps.storage.state = &doubleratchet.State{
		Crypto: drCrypto,
		DHr:    orNil(s.DHr),
		DHs:    dhPairImpl{privateKey: *crypto.SliceToKey(s.DHsPriv), publicKey: *crypto.SliceToKey(s.DHsPub)},
		RootCh: struct {
			Crypto doubleratchet.KDFer
			CK     doubleratchet.Key
		}{Crypto: drCrypto, CK: orNil(s.RootCK)},
		SendCh: struct {
			Crypto doubleratchet.KDFer
			CK     doubleratchet.Key
			N      uint32
		}{Crypto: drCrypto, CK: orNil(s.SendCK), N: s.SendN},
		RecvCh: struct {
			Crypto doubleratchet.KDFer
			CK     doubleratchet.Key
			N      uint32
		}{Crypto: drCrypto, CK: orNil(s.RecvCK), N: s.RecvN},
		PN:                       s.PN,
		MkSkipped:                ps.keys,
		MaxSkip:                  s.MaxSkip,
		HKr:                      orNil(s.HKr),
		NHKr:                     orNil(s.NHKr),
		HKs:                      orNil(s.HKs),
		NHKs:                     orNil(s.NHKs),
		MaxKeep:                  s.MaxKeep,
		MaxMessageKeysPerSession: s.MaxMessageKeysPerSession,
		Step:                     s.Step,
		KeysCount:                s.KeysCount,
	}
	return ps, nil
}

func (p *defaultPrimitives) marshalSession(ps *pairwiseSession) ([]byte, error) {
	state := ps.storage.state
	if state == nil {
		return nil, fmt.Errorf("ratchet: session %x was never saved", ps.id)
	}
	s := &pairwiseState{
		ID:                       ps.id,
		DHr:                      state.DHr,
		DHsPub:                   state.DHs.PublicKey(),
		DHsPriv:                  state.DHs.PrivateKey(),
		RootCK:                   state.RootCh.CK,
		SendCK:                   state.SendCh.CK,
		SendN:                    state.SendCh.N,
		RecvCK:                   state.RecvCh.CK,
		RecvN:                    state.RecvCh.N,
		PN:                       state.PN,
		MaxSkip:                  p.maxSkip,
		MaxKeep:                  p.maxKeep,
		MaxMessageKeysPerSession: p.maxStoredKeys,
		Step:                     state.Step,
		KeysCount:                state.KeysCount,
		HKr:                      state.HKr,
		NHKr:                     state.NHKr,
		HKs:                      state.HKs,
		NHKs:                     state.NHKs,
		Skipped:                  ps.keys.sorted(),
	}
	b, err := bencode.Serialize(s)
	if err != nil {
		return nil, fmt.Errorf("ratchet: error encoding pairwise state: %w", err)
	}
	return b, nil
}

func (ps *pairwiseSession) load() (doubleratchet.Session, error) {
	return doubleratchet.Load(ps.id, ps.storage, doubleratchet.WithCrypto(drCrypto), doubleratchet.WithKeysStorage(ps.keys))
}

// SessionIDFor derives the id both ends of a pairwise session compute from its agreement inputs.
func SessionIDFor(h *PreKeyHeader) []byte {
	sum := sha256.Sum256(crypto.Concat(h.IdentityKey, h.BaseKey, h.OneTimeKey))
	return sum[:]
}

func agree(dhs ...[]byte) ([]byte, error) {
	keys, err := crypto.DeriveKeys(crypto.Concat(dhs...), nil, agreementInfo, 1)
	if err != nil {
		return nil, err
	}
	return keys[0], nil
}

func (p *defaultPrimitives) CreateOutbound(ourIdentity *crypto.KeyPair, theirIdentityKey, theirOneTimeKey []byte) ([]byte, []byte, *PreKeyHeader, error) {
	base, err := crypto.NewDHKeyPair()
	if err != nil {
		return nil, nil, nil, err
	}
	dh1, err := crypto.SharedKey(theirOneTimeKey, ourIdentity.Private)
	if err != nil {
		return nil, nil, nil, err
	}
	dh2, err := crypto.SharedKey(theirIdentityKey, base.Private)
	if err != nil {
		return nil, nil, nil, err
	}
	dh3, err := crypto.SharedKey(theirOneTimeKey, base.Private)
	if err != nil {
		return nil, nil, nil, err
	}
	secret, err := agree(dh1, dh2, dh3)
	if err != nil {
		return nil, nil, nil, err
	}
	header := &PreKeyHeader{IdentityKey: ourIdentity.Public, BaseKey: base.Public, OneTimeKey: theirOneTimeKey}
	id := SessionIDFor(header)
	ps := p.newSession(id)
	if _, err := doubleratchet.NewWithRemoteKey(id, secret, theirOneTimeKey, ps.storage, doubleratchet.WithCrypto(drCrypto), doubleratchet.WithKeysStorage(ps.keys)); err != nil {
		return nil, nil, nil, fmt.Errorf("ratchet: error creating outbound session: %w", err)
	}
	state, err := p.marshalSession(ps)
	if err != nil {
		return nil, nil, nil, err
	}
	return id, state, header, nil
}

func (p *defaultPrimitives) CreateInbound(ourIdentity, oneTimeKey *crypto.KeyPair, msg *PreKeyMessage, ad []byte) ([]byte, []byte, []byte, error) {
	if !bytes.Equal(oneTimeKey.Public, msg.Header.OneTimeKey) {
		return nil, nil, nil, fmt.Errorf("ratchet: pre-key message is for one-time key %x", msg.Header.OneTimeKey)
	}
	dh1, err := crypto.SharedKey(msg.Header.IdentityKey, oneTimeKey.Private)
	if err != nil {
		return nil, nil, nil, err
	}
	dh2, err := crypto.SharedKey(msg.Header.BaseKey, ourIdentity.Private)
	if err != nil {
		return nil, nil, nil, err
	}
	dh3, err := crypto.SharedKey(msg.Header.BaseKey, oneTimeKey.Private)
	if err != nil {
		return nil, nil, nil, err
	}
	secret, err := agree(dh1, dh2, dh3)
	if err != nil {
		return nil, nil, nil, err
	}
	id := SessionIDFor(&msg.Header)
	ps := p.newSession(id)
	pair := dhPairImpl{privateKey: *crypto.SliceToKey(oneTimeKey.Private), publicKey: *crypto.SliceToKey(oneTimeKey.Public)}
	sess, err := doubleratchet.New(id, secret, pair, ps.storage, doubleratchet.WithCrypto(drCrypto), doubleratchet.WithKeysStorage(ps.keys))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("ratchet: error creating inbound session: %w", err)
	}
	plaintext, err := sess.RatchetDecrypt(toDR(&msg.Message), ad)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("ratchet: error decrypting pre-key message: %w", err)
	}
	state, err := p.marshalSession(ps)
	if err != nil {
		return nil, nil, nil, err
	}
	return id, state, plaintext, nil
}

func (p *defaultPrimitives) Encrypt(state, plaintext, ad []byte) ([]byte, *Message, error) {
	ps, err := p.unmarshalSession(state)
	if err != nil {
		return nil, nil, err
	}
	sess, err := ps.load()
	if err != nil {
		return nil, nil, fmt.Errorf("ratchet: error loading session: %w", err)
	}
	m, err := sess.RatchetEncrypt(plaintext, ad)
	if err != nil {
		return nil, nil, fmt.Errorf("ratchet: error encrypting: %w", err)
	}
	next, err := p.marshalSession(ps)
	if err != nil {
		return nil, nil, err
	}
	return next, fromDR(m), nil
}

func (p *defaultPrimitives) Decrypt(state []byte, msg *Message, ad []byte) ([]byte, []byte, error) {
	ps, err := p.unmarshalSession(state)
	if err != nil {
		return nil, nil, err
	}
	sess, err := ps.load()
	if err != nil {
		return nil, nil, fmt.Errorf("ratchet: error loading session: %w", err)
	}
	plaintext, err := sess.RatchetDecrypt(toDR(msg), ad)
	if err != nil {
		return nil, nil, fmt.Errorf("ratchet: error decrypting: %w", err)
	}
	next, err := p.marshalSession(ps)
	if err != nil {
		return nil, nil, err
	}
	return next, plaintext, nil
}

func toDR(m *Message) doubleratchet.Message {
	return doubleratchet.Message{
		Header: doubleratchet.MessageHeader{
			DH: m.DH,
			N:  m.N,
			PN: m.PN,
		},
		Ciphertext: m.Ciphertext,
	}
}

func fromDR(m doubleratchet.Message) *Message {
	return &Message{
		DH:         m.Header.DH,
		N:          m.Header.N,
		PN:         m.Header.PN,
		Ciphertext: m.Ciphertext,
	}
}
