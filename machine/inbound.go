package machine

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/meow-io/go-e2ee/ratchet"
	"github.com/meow-io/go-e2ee/store"
	"github.com/meow-io/go-e2ee/trust"
	"golang.org/x/exp/slices"
)

// maxMissedIndices bounds the ratchet safety bookkeeping of one inbound session.
const maxMissedIndices = 1000

type ReceiveResult int

const (
	ReceiveCreated ReceiveResult = iota
	ReceiveDuplicate
	ReceiveUntrusted
)

func (r ReceiveResult) String() string {
	switch r {
	case ReceiveCreated:
		return "created"
	case ReceiveDuplicate:
		return "duplicate"
	case ReceiveUntrusted:
		return "untrusted"
	}
	return fmt.Sprintf("ReceiveResult(%d)", int(r))
}

// ReceivedKey is a group session key as delivered by its owner or forwarded by another device.
type ReceivedKey struct {
	RoomID           string
	SenderKey        []byte
	SenderSigningKey []byte
	Key              *ratchet.GroupSessionKey
	Forwarded        bool
	ForwardingChain  [][]byte
	MaxMessages      uint64
	MaxAgeMs         uint64
}

type DecryptResult struct {
	Plaintext       []byte
	RoomID          string
	SenderKey       []byte
	SenderUser      string
	SenderDevice    string
	Trust           trust.State
	Forwarded       bool
	ForwardingChain [][]byte
	MessageIndex    uint32
}

// Event is an encrypted room event as delivered by the server.
type Event struct {
	RoomID      string
	EventID     string
	Sender      string
	TimestampMs uint64
	Content     *GroupEnvelope
}

type indexList struct {
	Indices []uint64 `bencode:"i"`
}

type keyChain struct {
	Keys [][]byte `bencode:"k"`
}

func encodeIndices(indices []uint64) ([]byte, error) {
	return encodeWire(&indexList{Indices: indices})
}

func decodeIndices(b []byte) ([]uint64, error) {
	l := &indexList{}
	if err := decodeWire(b, l); err != nil {
		return nil, err
	}
	return l.Indices, nil
}

func decodeChain(b []byte) ([][]byte, error) {
	c := &keyChain{}
	if err := decodeWire(b, c); err != nil {
		return nil, err
	}
	return c.Keys, nil
}

func orEmpty(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}

func groupWaitKey(roomID string, senderKey, sessionID []byte) string {
	return fmt.Sprintf("%s|%x|%x", roomID, senderKey, sessionID)
}

func (m *Machine) newInboundGroupSession(roomID string, senderKey, signingKey []byte, key *ratchet.GroupSessionKey, forwarded bool, chain [][]byte) (*store.InboundGroupSession, error) {
	state, err := m.primitives.CreateInboundGroup(key)
	if err != nil {
		return nil, err
	}
	chainBytes, err := encodeWire(&keyChain{Keys: chain})
	if err != nil {
		return nil, err
	}
	missed, err := encodeIndices(nil)
	if err != nil {
		return nil, err
	}
	return &store.InboundGroupSession{
		RoomID:          roomID,
		SenderKey:       senderKey,
		SessionID:       key.SessionID,
		State:           state,
		SigningKey:      orEmpty(signingKey),
		ReceivedMs:      m.now(),
		Forwarded:       forwarded,
		ForwardingChain: chainBytes,
		FirstIndex:      uint64(key.Index),
		NextIndex:       uint64(key.Index),
		MissedIndices:   missed,
	}, nil
}

// ReceiveSessionKey stores a group session key. Receiving the same session twice leaves the
// stored one untouched. A key whose claimed signing key contradicts the device list is refused, as
// is one from an unknown device unless unverified senders are allowed.
func (m *Machine) ReceiveSessionKey(k *ReceivedKey) (ReceiveResult, error) {
	var device *store.Device
	if err := m.store.RunReadOnly("session key sender", func() error {
		var err error
		device, err = m.store.DeviceByIdentityKey(k.SenderKey)
		return err
	}); err != nil {
		return 0, err
	}
	switch {
	case device == nil && !m.config.AllowUnverifiedSenders:
		m.log.Infof("refusing session %x from unknown device %x", k.Key.SessionID, k.SenderKey)
		return ReceiveUntrusted, nil
	case device != nil && !bytes.Equal(device.SigningKey, k.SenderSigningKey):
		m.log.Warnf("refusing session %x: signing key does not match %s/%s", k.Key.SessionID, device.UserID, device.DeviceID)
		return ReceiveUntrusted, nil
	case device != nil && device.TrustState() == trust.Blacklisted:
		m.log.Infof("refusing session %x from blacklisted %s/%s", k.Key.SessionID, device.UserID, device.DeviceID)
		return ReceiveUntrusted, nil
	}

	igs, err := m.newInboundGroupSession(k.RoomID, k.SenderKey, k.SenderSigningKey, k.Key, k.Forwarded, k.ForwardingChain)
	if err != nil {
		return 0, err
	}
	igs.MaxMessages = k.MaxMessages
	igs.MaxAgeMs = k.MaxAgeMs

	created := false
	var pending *store.PendingKeyRequest
	if err := m.store.Run("receive session key", func() error {
		var err error
		if created, err = m.store.InsertInboundGroupSession(igs); err != nil {
			return err
		}
		if pending, err = m.store.PendingKeyRequest(k.RoomID, k.SenderKey, k.Key.SessionID); err != nil || pending == nil {
			return err
		}
		return m.store.DeletePendingKeyRequest(pending.RequestID)
	}); err != nil {
		return 0, err
	}
	m.waits.Resolve(groupWaitKey(k.RoomID, k.SenderKey, k.Key.SessionID), nil)
	if pending != nil && pending.Sent {
		m.background(func(ctx context.Context) {
			m.cancelKeyRequest(ctx, pending)
		})
	}
	if !created {
		return ReceiveDuplicate, nil
	}
	m.log.Debugf("received session %x for %s at index %d", k.Key.SessionID, k.RoomID, k.Key.Index)
	return ReceiveCreated, nil
}

// DecryptGroup decrypts a room event without waiting for missing keys.
func (m *Machine) DecryptGroup(ev *Event) (*DecryptResult, error) {
	a, err := m.acct()
	if err != nil {
		return nil, err
	}
	if ev.Content == nil {
		return nil, integrityError("event %s has no encrypted content", ev.EventID)
	}
	msg := &ev.Content.Message
	senderKey := ev.Content.SenderKey
	var res *DecryptResult
	err = m.store.Run("group decrypt", func() error {
		igs, err := m.store.InboundGroupSession(ev.RoomID, senderKey, msg.SessionID)
		if err != nil {
			return err
		}
		if igs == nil {
			return ErrUnknownSession
		}
		index := uint64(msg.Index)
		if index < igs.FirstIndex {
			return ErrRatchetIndexTooOld
		}
		plaintext, err := m.primitives.GroupDecrypt(igs.State, msg)
		switch {
		case errors.Is(err, ratchet.ErrIndexTooOld):
			return ErrRatchetIndexTooOld
		case err != nil:
			return integrityError("event %s failed to decrypt: %s", ev.EventID, err)
		}

		seen, err := m.store.MessageIndex(senderKey, msg.SessionID, index)
		if err != nil {
			return err
		}
		if seen != nil && (seen.EventID != ev.EventID || seen.TimestampMs != ev.TimestampMs) {
			return ErrReplayDetected
		}
		if seen == nil {
			if err := m.store.InsertMessageIndex(&store.MessageIndex{SenderKey: senderKey, SessionID: msg.SessionID, MessageIndex: index, EventID: ev.EventID, TimestampMs: ev.TimestampMs}); err != nil {
				return err
			}
		}

		chain, err := decodeChain(igs.ForwardingChain)
		if err != nil {
			return err
		}
		res = &DecryptResult{
			Plaintext:       plaintext,
			RoomID:          ev.RoomID,
			SenderKey:       senderKey,
			SenderUser:      ev.Sender,
			SenderDevice:    ev.Content.SenderDevice,
			Forwarded:       igs.Forwarded,
			ForwardingChain: chain,
			MessageIndex:    msg.Index,
		}
		if res.Trust, err = m.senderTrust(a, ev, igs); err != nil {
			return err
		}
		return m.afterGroupDecrypt(igs, index)
	})
	if err != nil {
		for _, sentinel := range []error{ErrUnknownSession, ErrRatchetIndexTooOld, ErrReplayDetected} {
			if errors.Is(err, sentinel) {
				return nil, sentinel
			}
		}
		var ie *IntegrityError
		if errors.As(err, &ie) {
			return nil, ie
		}
		return nil, err
	}
	return res, nil
}

// senderTrust must run inside a transaction.
func (m *Machine) senderTrust(a *store.Account, ev *Event, igs *store.InboundGroupSession) (trust.State, error) {
	if bytes.Equal(igs.SenderKey, a.IdentityPub) {
		return trust.Verified, nil
	}
	device, err := m.store.DeviceByIdentityKey(igs.SenderKey)
	if err != nil {
		return trust.Unknown, err
	}
	if device != nil && device.UserID != ev.Sender {
		return trust.Unknown, integrityError("event %s sent by %s from a device of %s", ev.EventID, ev.Sender, device.UserID)
	}
	if igs.Forwarded {
		return trust.Forwarded, nil
	}
	if device == nil || device.Deleted || !bytes.Equal(device.SigningKey, igs.SigningKey) {
		return trust.UnknownDevice, nil
	}
	return m.resolveTrust(a, device)
}

// afterGroupDecrypt updates ratchet safety and applies the decrypt-time hygiene options. It must
// run inside a transaction.
func (m *Machine) afterGroupDecrypt(igs *store.InboundGroupSession, index uint64) error {
	missed, err := decodeIndices(igs.MissedIndices)
	if err != nil {
		return err
	}
	if index >= igs.NextIndex {
		for i := igs.NextIndex; i < index; i++ {
			missed = append(missed, i)
		}
		igs.NextIndex = index + 1
	} else if i := slices.Index(missed, index); i != -1 {
		missed = slices.Delete(missed, i, i+1)
	}
	if len(missed) > maxMissedIndices {
		missed = missed[len(missed)-maxMissedIndices:]
	}

	if m.config.RatchetOnDecrypt {
		target := igs.NextIndex
		if len(missed) != 0 {
			target = missed[0]
		}
		if target > igs.FirstIndex {
			state, err := m.primitives.GroupRatchetTo(igs.State, uint32(target))
			if err != nil {
				return err
			}
			igs.State = state
			igs.FirstIndex = target
		}
	}
	if m.config.DeleteFullyUsedOnDecrypt && igs.MaxMessages > 0 && igs.NextIndex >= igs.MaxMessages && len(missed) == 0 {
		m.log.Debugf("deleting fully used session %x", igs.SessionID)
		return m.store.DeleteInboundGroupSession(igs.RoomID, igs.SenderKey, igs.SessionID)
	}
	if igs.MissedIndices, err = encodeIndices(missed); err != nil {
		return err
	}
	return m.store.UpdateInboundGroupSession(igs)
}

// Sweep deletes inbound sessions older than the configured maximum age and ratchets forward those
// holding more than the configured number of messages behind their newest one.
func (m *Machine) Sweep() (deleted, ratcheted int, err error) {
	err = m.store.Run("sweep inbound sessions", func() error {
		sessions, err := m.store.InboundGroupSessions()
		if err != nil {
			return err
		}
		for _, igs := range sessions {
			if m.config.InboundMaxAgeMs > 0 && m.elapsedMs(igs.ReceivedMs) > m.config.InboundMaxAgeMs {
				if err := m.store.DeleteInboundGroupSession(igs.RoomID, igs.SenderKey, igs.SessionID); err != nil {
					return err
				}
				deleted++
				continue
			}
			if m.config.InboundMaxMessages == 0 || igs.NextIndex <= igs.FirstIndex+m.config.InboundMaxMessages {
				continue
			}
			target := igs.NextIndex - m.config.InboundMaxMessages
			state, err := m.primitives.GroupRatchetTo(igs.State, uint32(target))
			if err != nil {
				return err
			}
			missed, err := decodeIndices(igs.MissedIndices)
			if err != nil {
				return err
			}
			kept := missed[:0]
			for _, i := range missed {
				if i >= target {
					kept = append(kept, i)
				}
			}
			missed = kept
			if igs.MissedIndices, err = encodeIndices(missed); err != nil {
				return err
			}
			igs.State = state
			igs.FirstIndex = target
			if err := m.store.UpdateInboundGroupSession(igs); err != nil {
				return err
			}
			ratcheted++
		}
		return nil
	})
	if deleted+ratcheted > 0 {
		m.log.Infof("sweep deleted %d and ratcheted %d inbound sessions", deleted, ratcheted)
	}
	return deleted, ratcheted, err
}

// ExportSessionKey returns the key of an inbound session at the first index this device holds.
func (m *Machine) ExportSessionKey(roomID string, senderKey, sessionID []byte) (*ratchet.GroupSessionKey, error) {
	var key *ratchet.GroupSessionKey
	err := m.store.RunReadOnly("export session key", func() error {
		igs, err := m.store.InboundGroupSession(roomID, senderKey, sessionID)
		if err != nil {
			return err
		}
		if igs == nil {
			return ErrUnknownSession
		}
		key, err = m.primitives.InboundGroupKey(igs.State)
		return err
	})
	if errors.Is(err, ErrUnknownSession) {
		return nil, ErrUnknownSession
	}
	return key, err
}
