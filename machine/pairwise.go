package machine

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/meow-io/go-e2ee/crypto"
	"github.com/meow-io/go-e2ee/ratchet"
	"github.com/meow-io/go-e2ee/store"
	"golang.org/x/exp/slices"
)

// pairwiseAD binds a pairwise message to both identity keys and to the sender's send index, which
// is what replay detection compares against.
func pairwiseAD(senderKey, recipientKey []byte, index uint64) []byte {
	idx := make([]byte, 8)
	binary.BigEndian.PutUint64(idx, index)
	return crypto.Concat([]byte(pairwiseADLabel), senderKey, recipientKey, idx)
}

func creationLockKey(identityKey []byte) string {
	return fmt.Sprintf("create:%x", identityKey)
}

// errSessionExists means another message created the inbound session first.
var errSessionExists = errors.New("machine: inbound pairwise session exists")

// skippedIndices returns the indices between from and to, exclusive of both, keeping only the
// newest maxMissedIndices of them.
func skippedIndices(missed []uint64, from, to uint64) []uint64 {
	if to > from+maxMissedIndices {
		from = to - maxMissedIndices
	}
	for i := from + 1; i < to; i++ {
		missed = append(missed, i)
	}
	if len(missed) > maxMissedIndices {
		missed = missed[len(missed)-maxMissedIndices:]
	}
	return missed
}

// pairwiseMissed decodes the late indices a session still accepts. Sessions stored before
// these were tracked have none.
func pairwiseMissed(ps *store.PairwiseSession) ([]uint64, error) {
	if len(ps.MissedIndices) == 0 {
		return nil, nil
	}
	return decodeIndices(ps.MissedIndices)
}

// activeSession is the session new messages to a device go out on: the one most recently
// decrypted on, then the newest.
func (m *Machine) activeSession(identityKey []byte) ([]byte, error) {
	var id []byte
	err := m.store.RunReadOnly("active pairwise session", func() error {
		sessions, err := m.store.PairwiseSessions(identityKey)
		if err != nil {
			return err
		}
		if len(sessions) != 0 {
			id = sessions[0].SessionID
		}
		return nil
	})
	return id, err
}

// GetOrCreateSession returns the active session with the device, claiming one of its one-time keys
// to create one when none exists.
func (m *Machine) GetOrCreateSession(ctx context.Context, device *store.Device) ([]byte, error) {
	id, err := m.activeSession(device.IdentityKey)
	if err != nil || id != nil {
		return id, err
	}
	unlock := m.creating.Lock(creationLockKey(device.IdentityKey))
	defer unlock()
	if id, err := m.activeSession(device.IdentityKey); err != nil || id != nil {
		return id, err
	}
	return m.createSession(ctx, device)
}

func (m *Machine) createSession(ctx context.Context, device *store.Device) ([]byte, error) {
	identity, err := m.identity()
	if err != nil {
		return nil, err
	}
	otk, err := m.transport.ClaimOneTimeKey(ctx, device.UserID, device.DeviceID)
	if err != nil {
		return nil, transportError("claim one-time key", err)
	}
	if otk == nil {
		return nil, ErrNoOneTimeKeyAvailable
	}
	ok, err := crypto.VerifyObject(device.SigningKey, otk.Signature, oneTimeKeyLabel, otk.signedPart())
	if err != nil || !ok {
		return nil, integrityError("one-time key %d of %s/%s has a bad signature", otk.KeyID, device.UserID, device.DeviceID)
	}
	id, state, header, err := m.primitives.CreateOutbound(identity, device.IdentityKey, otk.Key)
	if err != nil {
		return nil, err
	}
	prekey, err := encodeWire(header)
	if err != nil {
		return nil, err
	}
	now := m.now()
	if err := m.store.Run("create pairwise session", func() error {
		return m.store.UpsertPairwiseSession(&store.PairwiseSession{
			SenderKey: device.IdentityKey,
			SessionID: id,
			State:     state,
			CtimeMs:   now,
			Prekey:    prekey,
		})
	}); err != nil {
		return nil, err
	}
	m.log.Debugf("created pairwise session %x with %s/%s", id, device.UserID, device.DeviceID)
	return id, nil
}

// EncryptPairwise encrypts plaintext for the device, creating a session first when needed.
func (m *Machine) EncryptPairwise(ctx context.Context, device *store.Device, plaintext []byte) (*PairwiseEnvelope, error) {
	id, err := m.GetOrCreateSession(ctx, device)
	if err != nil {
		return nil, err
	}
	return m.encryptWithSession(device.IdentityKey, id, plaintext)
}

func (m *Machine) encryptWithSession(identityKey, sessionID, plaintext []byte) (*PairwiseEnvelope, error) {
	a, err := m.acct()
	if err != nil {
		return nil, err
	}
	var env *PairwiseEnvelope
	if err := m.store.WithPairwiseSession("pairwise encrypt", identityKey, sessionID, func(ps *store.PairwiseSession) (*store.PairwiseSession, error) {
		if ps == nil {
			return nil, ErrNoMatchingSession
		}
		index := ps.SendIndex + 1
		state, msg, err := m.primitives.Encrypt(ps.State, plaintext, pairwiseAD(a.IdentityPub, identityKey, index))
		if err != nil {
			return nil, err
		}
		env = &PairwiseEnvelope{SenderKey: a.IdentityPub, SessionID: ps.SessionID, Index: index, Message: *msg}
		if len(ps.Prekey) != 0 {
			h := &ratchet.PreKeyHeader{}
			if err := decodeWire(ps.Prekey, h); err != nil {
				return nil, err
			}
			env.PreKey = h
		}
		ps.State = state
		ps.SendIndex = index
		ps.LastEncryptedMs = m.now()
		return ps, nil
	}); err != nil {
		return nil, err
	}
	return env, nil
}

// DecryptPairwise decrypts an envelope from the device holding senderKey. The indicated session
// is tried when known, otherwise every session with the sender, newest first. A pre-key message
// for an unknown session creates the inbound session and consumes the one-time key it names.
func (m *Machine) DecryptPairwise(senderKey []byte, env *PairwiseEnvelope) ([]byte, error) {
	if !bytes.Equal(senderKey, env.SenderKey) {
		return nil, integrityError("envelope sender key does not match")
	}
	identity, err := m.identity()
	if err != nil {
		return nil, err
	}
	ad := pairwiseAD(senderKey, identity.Public, env.Index)

	var sessions []*store.PairwiseSession
	if err := m.store.RunReadOnly("pairwise sessions", func() error {
		var err error
		sessions, err = m.store.PairwiseSessions(senderKey)
		return err
	}); err != nil {
		return nil, err
	}
	candidates := sessions
	indicated := false
	for _, s := range sessions {
		if bytes.Equal(s.SessionID, env.SessionID) {
			candidates = []*store.PairwiseSession{s}
			indicated = true
			break
		}
	}
	for _, c := range candidates {
		pt, err := m.tryPairwiseSession(c.SessionID, env, ad, indicated)
		if err == nil {
			return pt, nil
		}
		if errors.Is(err, ErrReplayDetected) {
			return nil, ErrReplayDetected
		}
		m.log.Debugf("session %x failed to decrypt: %s", c.SessionID, err)
	}
	if !indicated && env.PreKey != nil {
		return m.createInboundSession(identity, env, ad)
	}
	return nil, ErrNoMatchingSession
}

func (m *Machine) tryPairwiseSession(sessionID []byte, env *PairwiseEnvelope, ad []byte, checkReplay bool) ([]byte, error) {
	var plaintext []byte
	err := m.store.WithPairwiseSession("pairwise decrypt", env.SenderKey, sessionID, func(ps *store.PairwiseSession) (*store.PairwiseSession, error) {
		if ps == nil {
			return nil, ErrNoMatchingSession
		}
		missed, err := pairwiseMissed(ps)
		if err != nil {
			return nil, err
		}
		late := slices.Index(missed, env.Index)
		if checkReplay && env.Index <= ps.RecvIndex && late == -1 {
			return nil, ErrReplayDetected
		}
		state, pt, err := m.primitives.Decrypt(ps.State, &env.Message, ad)
		if err != nil {
			return nil, err
		}
		ps.State = state
		switch {
		case env.Index > ps.RecvIndex:
			missed = skippedIndices(missed, ps.RecvIndex, env.Index)
			ps.RecvIndex = env.Index
		case late != -1:
			missed = slices.Delete(missed, late, late+1)
		}
		if ps.MissedIndices, err = encodeIndices(missed); err != nil {
			return nil, err
		}
		ps.LastDecryptedMs = m.now()
		// the peer has the session, stop sending the pre-key header
		ps.Prekey = nil
		plaintext = pt
		return ps, nil
	})
	return plaintext, err
}

func (m *Machine) createInboundSession(identity *crypto.KeyPair, env *PairwiseEnvelope, ad []byte) ([]byte, error) {
	if !bytes.Equal(env.PreKey.IdentityKey, env.SenderKey) {
		return nil, integrityError("pre-key header identity does not match sender")
	}
	if !bytes.Equal(ratchet.SessionIDFor(env.PreKey), env.SessionID) {
		return nil, integrityError("pre-key header does not match session id")
	}
	unlock := m.creating.Lock(creationLockKey(env.SenderKey))
	defer unlock()

	var plaintext []byte
	usedFallback := false
	if err := m.store.Run("create inbound pairwise session", func() error {
		existing, err := m.store.PairwiseSession(env.SenderKey, env.SessionID)
		if err != nil {
			return err
		}
		if existing != nil {
			return errSessionExists
		}
		otk, err := m.store.OneTimeKeyByPub(env.PreKey.OneTimeKey)
		if err != nil {
			return err
		}
		if otk == nil {
			return ErrNoMatchingSession
		}
		msg := &ratchet.PreKeyMessage{Header: *env.PreKey, Message: env.Message}
		id, state, pt, err := m.primitives.CreateInbound(identity, &crypto.KeyPair{Private: otk.Priv, Public: otk.Pub}, msg, ad)
		if err != nil {
			return fmt.Errorf("%w: %s", ErrNoMatchingSession, err)
		}
		// send indices start at 1
		missed, err := encodeIndices(skippedIndices(nil, 0, env.Index))
		if err != nil {
			return err
		}
		now := m.now()
		if err := m.store.UpsertPairwiseSession(&store.PairwiseSession{
			SenderKey:       env.SenderKey,
			SessionID:       id,
			State:           state,
			CtimeMs:         now,
			LastDecryptedMs: now,
			RecvIndex:       env.Index,
			MissedIndices:   missed,
		}); err != nil {
			return err
		}
		if otk.Fallback {
			usedFallback = true
		} else if err := m.store.DeleteOneTimeKey(otk.KeyID); err != nil {
			return err
		}
		plaintext = pt
		return nil
	}); err != nil {
		switch {
		case errors.Is(err, errSessionExists):
			pt, err := m.tryPairwiseSession(env.SessionID, env, ad, true)
			if errors.Is(err, ErrReplayDetected) {
				return nil, ErrReplayDetected
			}
			return pt, err
		case errors.Is(err, ErrNoMatchingSession):
			return nil, ErrNoMatchingSession
		}
		return nil, err
	}
	if usedFallback {
		m.accountMu.Lock()
		m.fallbackUsed = true
		m.accountMu.Unlock()
	}
	m.log.Debugf("created inbound pairwise session %x", env.SessionID)
	return plaintext, nil
}

// unwedge replaces a broken session with the sender by creating a fresh one and sending a dummy
// message on it. It runs at most once per sender within the configured interval.
func (m *Machine) unwedge(ctx context.Context, senderKey []byte) (bool, error) {
	key := fmt.Sprintf("%x", senderKey)
	m.unwedgeMu.Lock()
	last, ok := m.lastUnwedge[key]
	if elapsed := m.elapsedMs(last); ok && elapsed < m.config.MinUnwedgeIntervalMs {
		m.unwedgeMu.Unlock()
		m.log.Debugf("not unwedging %s, last attempt %dms ago", key, elapsed)
		return false, nil
	}
	m.lastUnwedge[key] = m.now()
	m.unwedgeMu.Unlock()

	var device *store.Device
	if err := m.store.RunReadOnly("unwedge device", func() error {
		var err error
		device, err = m.store.DeviceByIdentityKey(senderKey)
		return err
	}); err != nil {
		return false, err
	}
	if device == nil || device.Deleted {
		m.log.Debugf("not unwedging unknown device %s", key)
		return false, nil
	}

	unlock := m.creating.Lock(creationLockKey(senderKey))
	id, err := m.createSession(ctx, device)
	unlock()
	if err != nil {
		return false, err
	}
	m.log.Infof("unwedging session with %s/%s", device.UserID, device.DeviceID)
	dummy, err := encodeWire(&Dummy{Nonce: crypto.RandomBytes(8)})
	if err != nil {
		return false, err
	}
	if err := m.sendWithSession(ctx, device, id, TypeDummy, dummy); err != nil {
		return false, err
	}
	return true, nil
}

func (m *Machine) wrapPayload(device *store.Device, typ string, content []byte) ([]byte, error) {
	a, err := m.acct()
	if err != nil {
		return nil, err
	}
	return encodeWire(&Payload{
		Type:             typ,
		Sender:           a.UserID,
		SenderDevice:     a.DeviceID,
		SenderSigningKey: a.SigningPub,
		Recipient:        device.UserID,
		RecipientKey:     device.IdentityKey,
		Content:          content,
	})
}

// sendEncrypted wraps content in a payload bound to the device and sends it over the active
// pairwise session.
func (m *Machine) sendEncrypted(ctx context.Context, device *store.Device, typ string, content []byte) error {
	id, err := m.GetOrCreateSession(ctx, device)
	if err != nil {
		return err
	}
	return m.sendWithSession(ctx, device, id, typ, content)
}

func (m *Machine) sendWithSession(ctx context.Context, device *store.Device, sessionID []byte, typ string, content []byte) error {
	pt, err := m.wrapPayload(device, typ, content)
	if err != nil {
		return err
	}
	env, err := m.encryptWithSession(device.IdentityKey, sessionID, pt)
	if err != nil {
		return err
	}
	b, err := encodeWire(env)
	if err != nil {
		return err
	}
	if err := m.transport.SendToDevice(ctx, device.UserID, device.DeviceID, &ToDeviceMessage{Type: TypeEncrypted, Content: b}); err != nil {
		return transportError("send to device", err)
	}
	return nil
}

// sendPreferEncrypted uses an existing session with the device when there is one and falls back
// to plaintext rather than claiming a one-time key.
func (m *Machine) sendPreferEncrypted(ctx context.Context, device *store.Device, typ string, content []byte) error {
	id, err := m.activeSession(device.IdentityKey)
	if err != nil {
		return err
	}
	if id != nil {
		return m.sendWithSession(ctx, device, id, typ, content)
	}
	if err := m.transport.SendToDevice(ctx, device.UserID, device.DeviceID, &ToDeviceMessage{Type: typ, Content: content}); err != nil {
		return transportError("send to device", err)
	}
	return nil
}
