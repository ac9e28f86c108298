package machine

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/meow-io/go-e2ee/ids"
	"github.com/meow-io/go-e2ee/store"
	"github.com/meow-io/go-e2ee/trust"
)

// HandleToDevice processes one to-device message addressed to this device.
func (m *Machine) HandleToDevice(ctx context.Context, msg *ToDeviceMessage) error {
	switch msg.Type {
	case TypeEncrypted:
		return m.handleEncrypted(ctx, msg)
	case TypeKeyRequest:
		req := &KeyRequest{}
		if err := decodeWire(msg.Content, req); err != nil {
			return err
		}
		return m.handleKeyRequest(ctx, msg.Sender, req, nil)
	case TypeKeyRequestCancel:
		c := &KeyRequestCancel{}
		if err := decodeWire(msg.Content, c); err != nil {
			return err
		}
		m.log.Debugf("key request %x from %s/%s cancelled", c.RequestID, msg.Sender, c.RequestingDevice)
		return nil
	case TypeKeyWithheld:
		w := &KeyWithheld{}
		if err := decodeWire(msg.Content, w); err != nil {
			return err
		}
		// nothing authenticates a plaintext notice, so waiters keep waiting
		m.log.Infof("%s says session %x in %s is withheld: %s", msg.Sender, w.SessionID, w.RoomID, w.Code)
		return nil
	}
	m.log.Debugf("ignoring to-device message of type %s from %s", msg.Type, msg.Sender)
	return nil
}

func (m *Machine) handleEncrypted(ctx context.Context, msg *ToDeviceMessage) error {
	a, err := m.acct()
	if err != nil {
		return err
	}
	env := &PairwiseEnvelope{}
	if err := decodeWire(msg.Content, env); err != nil {
		return err
	}
	pt, err := m.DecryptPairwise(env.SenderKey, env)
	if err != nil {
		if errors.Is(err, ErrNoMatchingSession) && env.PreKey == nil {
			senderKey := env.SenderKey
			m.background(func(ctx context.Context) {
				if _, err := m.unwedge(ctx, senderKey); err != nil {
					m.log.Warnf("error unwedging session with %x: %s", senderKey, err)
				}
			})
		}
		return err
	}
	payload := &Payload{}
	if err := decodeWire(pt, payload); err != nil {
		return err
	}
	if payload.Recipient != a.UserID || !bytes.Equal(payload.RecipientKey, a.IdentityPub) {
		return integrityError("message from %s/%s was meant for another device", payload.Sender, payload.SenderDevice)
	}
	if msg.Sender != "" && payload.Sender != msg.Sender {
		return integrityError("message delivered from %s claims to be from %s", msg.Sender, payload.Sender)
	}

	device, err := m.Device(payload.Sender, payload.SenderDevice)
	if err != nil {
		return err
	}
	if device != nil && (!bytes.Equal(device.IdentityKey, env.SenderKey) || !bytes.Equal(device.SigningKey, payload.SenderSigningKey)) {
		return integrityError("keys of %s/%s do not match the device list", payload.Sender, payload.SenderDevice)
	}
	if device == nil {
		// the device list is probably stale
		if err := m.MarkOutdated(payload.Sender); err != nil {
			return err
		}
	}

	switch payload.Type {
	case TypeRoomKey:
		rk := &RoomKey{}
		if err := decodeWire(payload.Content, rk); err != nil {
			return err
		}
		res, err := m.ReceiveSessionKey(&ReceivedKey{
			RoomID:           rk.RoomID,
			SenderKey:        env.SenderKey,
			SenderSigningKey: payload.SenderSigningKey,
			Key:              &rk.Key,
			MaxMessages:      rk.MaxMessages,
			MaxAgeMs:         rk.MaxAgeMs,
		})
		if err != nil {
			return err
		}
		if res == ReceiveUntrusted {
			return fmt.Errorf("%w: room key %x from %s/%s", ErrUntrustedSender, rk.Key.SessionID, payload.Sender, payload.SenderDevice)
		}
		m.log.Debugf("room key %x from %s/%s: %s", rk.Key.SessionID, payload.Sender, payload.SenderDevice, res)
	case TypeForwardedRoomKey:
		fwd := &ForwardedRoomKey{}
		if err := decodeWire(payload.Content, fwd); err != nil {
			return err
		}
		return m.handleForward(device, env.SenderKey, fwd)
	case TypeKeyRequest:
		req := &KeyRequest{}
		if err := decodeWire(payload.Content, req); err != nil {
			return err
		}
		return m.handleKeyRequest(ctx, payload.Sender, req, device)
	case TypeKeyWithheld:
		w := &KeyWithheld{}
		if err := decodeWire(payload.Content, w); err != nil {
			return err
		}
		return m.handleWithheld(w, env.SenderKey)
	case TypeCrossSigningTrust:
		cst := &CrossSigningTrust{}
		if err := decodeWire(payload.Content, cst); err != nil {
			return err
		}
		return m.handleCrossSigningTrust(device, cst)
	case TypeDummy:
	default:
		m.log.Debugf("ignoring encrypted payload of type %s", payload.Type)
	}
	return nil
}

// shareDecision returns the withheld code for a request, or "" when the key may be shared. It
// must run inside a transaction.
func (m *Machine) shareDecision(a *store.Account, d *store.Device, st trust.State, igs *store.InboundGroupSession) WithheldCode {
	switch {
	case st == trust.Blacklisted:
		return WithheldBlacklisted
	case igs == nil:
		return WithheldUnavailable
	case d.UserID != a.UserID && (m.config.ShareKeysSameUserOnly || !bytes.Equal(igs.SenderKey, a.IdentityPub)):
		return WithheldUnauthorised
	case !st.Satisfies(m.config.ShareKeysMinTrust):
		return WithheldUnverified
	}
	return ""
}

// handleKeyRequest answers a request for a group session key. from is the device the request was
// authenticated as, nil when it arrived in plaintext. Refusals are only answered for
// authenticated requests.
func (m *Machine) handleKeyRequest(ctx context.Context, senderUser string, req *KeyRequest, from *store.Device) error {
	a, err := m.acct()
	if err != nil {
		return err
	}
	if senderUser == a.UserID && req.RequestingDevice == a.DeviceID {
		return nil
	}
	if _, err := ids.IDFromBytes(req.RequestID); err != nil {
		return fmt.Errorf("machine: key request from %s/%s: %w", senderUser, req.RequestingDevice, err)
	}
	if from != nil && (from.UserID != senderUser || from.DeviceID != req.RequestingDevice) {
		m.log.Warnf("ignoring key request from %s/%s on behalf of %s", from.UserID, from.DeviceID, req.RequestingDevice)
		return nil
	}

	var device *store.Device
	var igs *store.InboundGroupSession
	st := trust.Unknown
	if err := m.store.RunReadOnly("key request", func() error {
		var err error
		if device, err = m.store.Device(senderUser, req.RequestingDevice); err != nil || device == nil {
			return err
		}
		if st, err = m.resolveTrust(a, device); err != nil {
			return err
		}
		igs, err = m.store.InboundGroupSession(req.RoomID, req.SenderKey, req.SessionID)
		return err
	}); err != nil {
		return err
	}
	if device == nil || device.Deleted {
		m.log.Debugf("ignoring key request from unknown device %s/%s", senderUser, req.RequestingDevice)
		return nil
	}

	if code := m.shareDecision(a, device, st, igs); code != "" {
		m.log.Infof("refusing key request for %x from %s/%s: %s", req.SessionID, senderUser, req.RequestingDevice, code)
		if from == nil {
			return nil
		}
		content, err := encodeWire(&KeyWithheld{
			Code:       string(code),
			Reason:     withheldReasons[code],
			RoomID:     req.RoomID,
			SenderKey:  req.SenderKey,
			SessionID:  req.SessionID,
			FromDevice: a.DeviceID,
			FromKey:    a.IdentityPub,
		})
		if err != nil {
			return err
		}
		return m.sendEncrypted(ctx, device, TypeKeyWithheld, content)
	}

	key, err := m.primitives.InboundGroupKey(igs.State)
	if err != nil {
		return err
	}
	chain, err := decodeChain(igs.ForwardingChain)
	if err != nil {
		return err
	}
	content, err := encodeWire(&ForwardedRoomKey{
		RoomID:           igs.RoomID,
		SenderKey:        igs.SenderKey,
		SenderSigningKey: igs.SigningKey,
		Key:              *key,
		ForwardingChain:  chain,
	})
	if err != nil {
		return err
	}
	m.log.Infof("forwarding %x to %s/%s from index %d", igs.SessionID, device.UserID, device.DeviceID, key.Index)
	return m.sendEncrypted(ctx, device, TypeForwardedRoomKey, content)
}

func (m *Machine) handleForward(from *store.Device, forwarderKey []byte, fwd *ForwardedRoomKey) error {
	if from == nil {
		m.log.Infof("ignoring forwarded key %x from unknown device", fwd.Key.SessionID)
		return nil
	}
	st, err := m.ResolveTrust(from)
	if err != nil {
		return err
	}
	if !st.Satisfies(m.config.AcceptForwardMinTrust) {
		m.log.Infof("ignoring forwarded key %x from %s/%s with trust %s", fwd.Key.SessionID, from.UserID, from.DeviceID, st)
		return nil
	}
	if !m.config.AcceptUnsolicitedForwards {
		var pending *store.PendingKeyRequest
		if err := m.store.RunReadOnly("forward request", func() error {
			var err error
			pending, err = m.store.PendingKeyRequest(fwd.RoomID, fwd.SenderKey, fwd.Key.SessionID)
			return err
		}); err != nil {
			return err
		}
		if pending == nil {
			m.log.Infof("ignoring unsolicited forwarded key %x from %s/%s", fwd.Key.SessionID, from.UserID, from.DeviceID)
			return nil
		}
	}
	chain := append(append([][]byte{}, fwd.ForwardingChain...), forwarderKey)
	res, err := m.ReceiveSessionKey(&ReceivedKey{
		RoomID:           fwd.RoomID,
		SenderKey:        fwd.SenderKey,
		SenderSigningKey: fwd.SenderSigningKey,
		Key:              &fwd.Key,
		Forwarded:        true,
		ForwardingChain:  chain,
	})
	if err != nil {
		return err
	}
	m.log.Debugf("forwarded key %x from %s/%s: %s", fwd.Key.SessionID, from.UserID, from.DeviceID, res)
	return nil
}

// handleWithheld fails pending decrypts of the session, but only when the refusal comes from the
// device that owns it. Other devices refusing says nothing about whether the key will arrive.
func (m *Machine) handleWithheld(w *KeyWithheld, fromKey []byte) error {
	if !bytes.Equal(fromKey, w.SenderKey) {
		m.log.Debugf("ignoring withheld %s for %x from a device other than its owner", w.Code, w.SessionID)
		return nil
	}
	if err := m.store.Run("withheld", func() error {
		pending, err := m.store.PendingKeyRequest(w.RoomID, w.SenderKey, w.SessionID)
		if err != nil || pending == nil {
			return err
		}
		return m.store.DeletePendingKeyRequest(pending.RequestID)
	}); err != nil {
		return err
	}
	m.waits.Resolve(groupWaitKey(w.RoomID, w.SenderKey, w.SessionID), &WithheldError{Code: WithheldCode(w.Code), Reason: w.Reason})
	return nil
}

// handleCrossSigningTrust accepts a master key verification made on another of our own devices.
func (m *Machine) handleCrossSigningTrust(from *store.Device, cst *CrossSigningTrust) error {
	a, err := m.acct()
	if err != nil {
		return err
	}
	if from == nil || from.UserID != a.UserID {
		return nil
	}
	st, err := m.ResolveTrust(from)
	if err != nil {
		return err
	}
	if !st.Satisfies(trust.CrossSignedVerified) {
		m.log.Infof("ignoring verification of %s from %s with trust %s", cst.UserID, from.DeviceID, st)
		return nil
	}
	return m.store.Run("cross-signing trust", func() error {
		k, err := m.store.CrossSigningKey(cst.UserID, usageMaster)
		if err != nil {
			return err
		}
		if k == nil || !bytes.Equal(k.Key, cst.MasterKey) {
			m.log.Infof("verified master key of %s is not the current one", cst.UserID)
			return nil
		}
		return m.store.SetTrustedMasterKey(cst.UserID, k.Key)
	})
}
