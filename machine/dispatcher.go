package machine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/meow-io/go-e2ee/ids"
	"github.com/meow-io/go-e2ee/store"
	"go.uber.org/multierr"
)

// Decrypt decrypts a room event. When the session is unknown it requests the key and waits for it
// up to the configured timeout; every caller waiting on the same session shares one request.
// Giving up, by timeout or by ctx, yields an error matching ErrDecryptionPending while the request
// stays in place.
func (m *Machine) Decrypt(ctx context.Context, ev *Event) (*DecryptResult, error) {
	res, err := m.DecryptGroup(ev)
	if !errors.Is(err, ErrUnknownSession) {
		return res, err
	}
	key := groupWaitKey(ev.RoomID, ev.Content.SenderKey, ev.Content.Message.SessionID)
	w, created := m.waits.Join(key)
	if created {
		if err := m.requestKey(ev); err != nil {
			// later callers start over with a fresh request
			m.waits.Resolve(key, err)
			return nil, err
		}
	}
	// the key may have landed between the first attempt and joining the wait
	if res, err := m.DecryptGroup(ev); !errors.Is(err, ErrUnknownSession) {
		m.waits.Resolve(key, nil)
		return res, err
	}

	wctx, cancel := context.WithTimeout(ctx, time.Duration(m.config.DecryptWaitTimeoutMs)*time.Millisecond)
	defer cancel()
	werr := w.WaitContext(wctx)
	select {
	case <-w.Done():
		if w.Err() != nil {
			return nil, w.Err()
		}
		return m.DecryptGroup(ev)
	default:
		return nil, fmt.Errorf("%w: %w", ErrDecryptionPending, werr)
	}
}

// requestKey records a pending request for the event's session. Without a configured delay it
// is sent straight away, otherwise EscalatePendingRequests sends it once due.
func (m *Machine) requestKey(ev *Event) error {
	a, err := m.acct()
	if err != nil {
		return err
	}
	delay := uint64(0)
	if m.config.KeyRequestDelayMs > 0 {
		delay = uint64(m.config.KeyRequestDelayMs)
	}
	id := ids.NewID()
	pkr := &store.PendingKeyRequest{
		RequestID:        id[:],
		RoomID:           ev.RoomID,
		SenderUser:       ev.Sender,
		SenderKey:        ev.Content.SenderKey,
		SessionID:        ev.Content.Message.SessionID,
		RequestingDevice: a.DeviceID,
		DeadlineMs:       m.now() + delay,
	}
	created := false
	if err := m.store.Run("request key", func() error {
		var err error
		pkr, created, err = m.store.InsertPendingKeyRequest(pkr)
		return err
	}); err != nil {
		return err
	}
	if created && delay == 0 {
		m.background(func(ctx context.Context) {
			if err := m.sendKeyRequest(ctx, pkr); err != nil {
				m.log.Warnf("error sending key request %x: %s", pkr.RequestID, err)
			}
		})
	}
	return nil
}

// EscalatePendingRequests sends every pending key request whose delay has passed.
func (m *Machine) EscalatePendingRequests(ctx context.Context) error {
	var due []*store.PendingKeyRequest
	if err := m.store.RunReadOnly("due key requests", func() error {
		var err error
		due, err = m.store.DuePendingKeyRequests(m.now())
		return err
	}); err != nil {
		return err
	}
	var errs error
	for _, pkr := range due {
		errs = multierr.Append(errs, m.sendKeyRequest(ctx, pkr))
	}
	return errs
}

// keyRequestTargets is every live device of the session owner plus our own other devices.
func (m *Machine) keyRequestTargets(pkr *store.PendingKeyRequest) ([]*store.Device, error) {
	a, err := m.acct()
	if err != nil {
		return nil, err
	}
	var targets []*store.Device
	err = m.store.RunReadOnly("key request targets", func() error {
		users := []string{pkr.SenderUser}
		if pkr.SenderUser != a.UserID {
			users = append(users, a.UserID)
		}
		for _, u := range users {
			devices, err := m.store.Devices(u)
			if err != nil {
				return err
			}
			for _, d := range devices {
				if d.Deleted || (d.UserID == a.UserID && d.DeviceID == a.DeviceID) {
					continue
				}
				targets = append(targets, d)
			}
		}
		return nil
	})
	return targets, err
}

func (m *Machine) sendKeyRequest(ctx context.Context, pkr *store.PendingKeyRequest) error {
	targets, err := m.keyRequestTargets(pkr)
	if err != nil {
		return err
	}
	content, err := encodeWire(&KeyRequest{
		RequestID:        pkr.RequestID,
		RoomID:           pkr.RoomID,
		SenderKey:        pkr.SenderKey,
		SessionID:        pkr.SessionID,
		RequestingDevice: pkr.RequestingDevice,
	})
	if err != nil {
		return err
	}
	var errs error
	sent := 0
	for _, d := range targets {
		if err := m.sendPreferEncrypted(ctx, d, TypeKeyRequest, content); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		sent++
	}
	if sent == 0 && errs != nil {
		return errs
	}
	m.log.Debugf("sent key request %x to %d devices", pkr.RequestID, sent)
	if err := m.store.Run("key request sent", func() error {
		existing, err := m.store.PendingKeyRequestByID(pkr.RequestID)
		if err != nil || existing == nil {
			return err
		}
		return m.store.MarkKeyRequestSent(pkr.RequestID)
	}); err != nil {
		return multierr.Append(errs, err)
	}
	return errs
}

func (m *Machine) cancelKeyRequest(ctx context.Context, pkr *store.PendingKeyRequest) {
	targets, err := m.keyRequestTargets(pkr)
	if err != nil {
		m.log.Warnf("error cancelling key request %x: %s", pkr.RequestID, err)
		return
	}
	content, err := encodeWire(&KeyRequestCancel{RequestID: pkr.RequestID, RequestingDevice: pkr.RequestingDevice})
	if err != nil {
		m.log.Warnf("error cancelling key request %x: %s", pkr.RequestID, err)
		return
	}
	for _, d := range targets {
		if err := m.transport.SendToDevice(ctx, d.UserID, d.DeviceID, &ToDeviceMessage{Type: TypeKeyRequestCancel, Content: content}); err != nil {
			m.log.Debugf("error cancelling key request at %s/%s: %s", d.UserID, d.DeviceID, err)
		}
	}
}
