package machine

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/meow-io/go-e2ee/store"
	"github.com/meow-io/go-e2ee/trust"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

var withheldReasons = map[WithheldCode]string{
	WithheldBlacklisted:  "The sender has blocked you.",
	WithheldUnverified:   "The sender has not verified your device.",
	WithheldUnauthorised: "You are not authorised to read the message.",
	WithheldUnavailable:  "The requested key was not found.",
	WithheldNoOlm:        "Unable to establish a secure channel.",
}

func shareKey(userID, deviceID string, identityKey []byte) string {
	return fmt.Sprintf("%s|%s|%x", userID, deviceID, identityKey)
}

func (m *Machine) expired(ogs *store.OutboundGroupSession) bool {
	if ogs.MaxMessages > 0 && ogs.MessageCount >= ogs.MaxMessages {
		return true
	}
	return ogs.MaxAgeMs > 0 && m.elapsedMs(ogs.CtimeMs) >= ogs.MaxAgeMs
}

// GetOrRotate makes sure the room has an outbound session shared with exactly the given devices.
// The session is replaced when it has expired or when the device set differs from the one it was
// shared with; a session whose sharing was interrupted is completed instead. Devices below the
// send trust threshold, and devices without a one-time key, are sent a withheld notice rather
// than the key.
func (m *Machine) GetOrRotate(ctx context.Context, roomID string, devices []*store.Device) ([]byte, error) {
	a, err := m.acct()
	if err != nil {
		return nil, err
	}
	unlock := m.store.LockRoomRotation(roomID)
	defer unlock()

	targets := make(map[string]*store.Device)
	for _, d := range devices {
		if d.Deleted || (d.UserID == a.UserID && d.DeviceID == a.DeviceID) {
			continue
		}
		targets[shareKey(d.UserID, d.DeviceID, d.IdentityKey)] = d
	}

	var ogs *store.OutboundGroupSession
	var shares []*store.OutboundGroupShare
	if err := m.store.RunReadOnly("outbound session", func() error {
		var err error
		if ogs, err = m.store.OutboundGroupSession(roomID); err != nil || ogs == nil {
			return err
		}
		shares, err = m.store.OutboundGroupShares(roomID, ogs.SessionID)
		return err
	}); err != nil {
		return nil, err
	}

	shared := make(map[string]struct{})
	for _, s := range shares {
		shared[shareKey(s.UserID, s.DeviceID, s.IdentityKey)] = struct{}{}
	}
	targetKeys := maps.Keys(targets)
	sharedKeys := maps.Keys(shared)
	slices.Sort(targetKeys)
	slices.Sort(sharedKeys)

	rotate := false
	switch {
	case ogs == nil:
		rotate = true
	case m.expired(ogs):
		m.log.Debugf("outbound session %x for %s expired after %d messages", ogs.SessionID, roomID, ogs.MessageCount)
		rotate = true
	case ogs.Shared && !slices.Equal(targetKeys, sharedKeys):
		m.log.Debugf("members of %s changed, rotating", roomID)
		rotate = true
	case !ogs.Shared:
		for _, k := range sharedKeys {
			if _, ok := targets[k]; !ok {
				rotate = true
				break
			}
		}
	}
	if rotate {
		if ogs, err = m.createOutboundGroupSession(roomID); err != nil {
			return nil, err
		}
		shared = map[string]struct{}{}
	}

	missing := make([]*store.Device, 0, len(targets))
	for _, k := range targetKeys {
		if _, ok := shared[k]; !ok {
			missing = append(missing, targets[k])
		}
	}
	if err := m.shareGroupSession(ctx, ogs, missing); err != nil {
		return nil, err
	}
	if !ogs.Shared {
		if err := m.store.WithOutboundGroupSession("mark outbound shared", roomID, func(current *store.OutboundGroupSession) (*store.OutboundGroupSession, error) {
			if current == nil || !bytes.Equal(current.SessionID, ogs.SessionID) {
				return nil, nil
			}
			current.Shared = true
			return current, nil
		}); err != nil {
			return nil, err
		}
	}
	return ogs.SessionID, nil
}

// createOutboundGroupSession replaces the room's outbound session. The new session is also
// stored as an inbound session so this device can read its own messages.
func (m *Machine) createOutboundGroupSession(roomID string) (*store.OutboundGroupSession, error) {
	a, err := m.acct()
	if err != nil {
		return nil, err
	}
	state, err := m.primitives.CreateOutboundGroup()
	if err != nil {
		return nil, err
	}
	key, err := m.primitives.OutboundGroupKey(state)
	if err != nil {
		return nil, err
	}
	inbound, err := m.newInboundGroupSession(roomID, a.IdentityPub, a.SigningPub, key, false, nil)
	if err != nil {
		return nil, err
	}
	inbound.MaxMessages = m.config.OutboundMaxMessages
	inbound.MaxAgeMs = m.config.OutboundMaxAgeMs
	now := m.now()
	ogs := &store.OutboundGroupSession{
		RoomID:      roomID,
		SessionID:   key.SessionID,
		State:       state,
		CtimeMs:     now,
		MaxMessages: m.config.OutboundMaxMessages,
		MaxAgeMs:    m.config.OutboundMaxAgeMs,
	}
	if err := m.store.WithOutboundGroupSession("create outbound session", roomID, func(*store.OutboundGroupSession) (*store.OutboundGroupSession, error) {
		if _, err := m.store.InsertInboundGroupSession(inbound); err != nil {
			return nil, err
		}
		return ogs, nil
	}); err != nil {
		return nil, err
	}
	m.log.Infof("created outbound session %x for %s", ogs.SessionID, roomID)
	return ogs, nil
}

func (m *Machine) shareGroupSession(ctx context.Context, ogs *store.OutboundGroupSession, devices []*store.Device) error {
	if len(devices) == 0 {
		return nil
	}
	a, err := m.acct()
	if err != nil {
		return err
	}
	key, err := m.primitives.OutboundGroupKey(ogs.State)
	if err != nil {
		return err
	}
	content, err := encodeWire(&RoomKey{RoomID: ogs.RoomID, Key: *key, MaxMessages: ogs.MaxMessages, MaxAgeMs: ogs.MaxAgeMs})
	if err != nil {
		return err
	}
	for _, d := range devices {
		var code WithheldCode
		st, err := m.ResolveTrust(d)
		if err != nil {
			return err
		}
		switch {
		case st == trust.Blacklisted:
			code = WithheldBlacklisted
		case !st.Satisfies(m.config.SendKeysMinTrust):
			code = WithheldUnverified
		}
		if code == "" {
			err := m.sendEncrypted(ctx, d, TypeRoomKey, content)
			var ie *IntegrityError
			switch {
			case errors.Is(err, ErrNoOneTimeKeyAvailable):
				code = WithheldNoOlm
			case errors.As(err, &ie):
				m.log.Errorf("not sharing %x with %s/%s: %s", ogs.SessionID, d.UserID, d.DeviceID, err)
				code = WithheldNoOlm
			case err != nil:
				return err
			}
		}
		if code != "" {
			if err := m.sendWithheld(ctx, d, code, ogs.RoomID, a.IdentityPub, ogs.SessionID); err != nil {
				m.log.Warnf("error sending withheld notice to %s/%s: %s", d.UserID, d.DeviceID, err)
			}
		}
		if err := m.store.Run("record share", func() error {
			return m.store.UpsertOutboundGroupShare(&store.OutboundGroupShare{
				RoomID:      ogs.RoomID,
				SessionID:   ogs.SessionID,
				UserID:      d.UserID,
				DeviceID:    d.DeviceID,
				IdentityKey: d.IdentityKey,
				Withheld:    string(code),
			})
		}); err != nil {
			return err
		}
	}
	return nil
}

// sendWithheld is always plaintext: the usual reason for it is that no pairwise channel exists.
// Recipients only log it.
func (m *Machine) sendWithheld(ctx context.Context, d *store.Device, code WithheldCode, roomID string, senderKey, sessionID []byte) error {
	a, err := m.acct()
	if err != nil {
		return err
	}
	content, err := encodeWire(&KeyWithheld{
		Code:       string(code),
		Reason:     withheldReasons[code],
		RoomID:     roomID,
		SenderKey:  senderKey,
		SessionID:  sessionID,
		FromDevice: a.DeviceID,
		FromKey:    a.IdentityPub,
	})
	if err != nil {
		return err
	}
	if err := m.transport.SendToDevice(ctx, d.UserID, d.DeviceID, &ToDeviceMessage{Type: TypeKeyWithheld, Content: content}); err != nil {
		return transportError("send withheld", err)
	}
	return nil
}

// EncryptGroup encrypts plaintext with the room's outbound session. It fails with
// ErrSessionRotationRequired unless GetOrRotate has produced a shared, unexpired session.
func (m *Machine) EncryptGroup(roomID string, plaintext []byte) (*GroupEnvelope, error) {
	a, err := m.acct()
	if err != nil {
		return nil, err
	}
	var env *GroupEnvelope
	if err := m.store.WithOutboundGroupSession("group encrypt", roomID, func(ogs *store.OutboundGroupSession) (*store.OutboundGroupSession, error) {
		if ogs == nil || !ogs.Shared || m.expired(ogs) {
			return nil, ErrSessionRotationRequired
		}
		state, msg, err := m.primitives.GroupEncrypt(ogs.State, plaintext)
		if err != nil {
			return nil, err
		}
		ogs.State = state
		ogs.MessageCount++
		env = &GroupEnvelope{SenderKey: a.IdentityPub, SenderDevice: a.DeviceID, Message: *msg}
		return ogs, nil
	}); err != nil {
		if errors.Is(err, ErrSessionRotationRequired) {
			return nil, ErrSessionRotationRequired
		}
		return nil, err
	}
	return env, nil
}

// DiscardGroupSession drops the room's outbound session so the next GetOrRotate creates a new one.
func (m *Machine) DiscardGroupSession(roomID string) error {
	unlock := m.store.LockRoomRotation(roomID)
	defer unlock()
	return m.store.Run("discard outbound session", func() error {
		return m.store.DeleteOutboundGroupSession(roomID)
	})
}
