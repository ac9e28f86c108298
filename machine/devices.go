package machine

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"fmt"

	"github.com/meow-io/go-e2ee/crypto"
	"github.com/meow-io/go-e2ee/store"
	"github.com/meow-io/go-e2ee/trust"
	"go.uber.org/multierr"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

const (
	usageMaster      = "master"
	usageSelfSigning = "self_signing"
)

// Track starts following the device lists of users. Newly tracked users are outdated until the
// next resync.
func (m *Machine) Track(userIDs ...string) error {
	return m.store.Run("track users", func() error {
		for _, id := range userIDs {
			u, err := m.store.TrackedUser(id)
			if err != nil {
				return err
			}
			if u == nil {
				u = &store.TrackedUser{UserID: id}
			} else if u.Tracked {
				continue
			}
			u.Tracked = true
			u.Outdated = true
			u.Version++
			if err := m.store.UpsertTrackedUser(u); err != nil {
				return err
			}
		}
		return nil
	})
}

func (m *Machine) Untrack(userID string) error {
	return m.store.Run("untrack user", func() error {
		u, err := m.store.TrackedUser(userID)
		if err != nil || u == nil {
			return err
		}
		u.Tracked = false
		u.Outdated = false
		return m.store.UpsertTrackedUser(u)
	})
}

// MarkOutdated flags tracked users whose device lists the server says changed. Untracked users
// are ignored.
func (m *Machine) MarkOutdated(userIDs ...string) error {
	return m.store.Run("mark outdated", func() error {
		for _, id := range userIDs {
			if _, err := m.store.MarkOutdated(id); err != nil {
				return err
			}
		}
		return nil
	})
}

func (m *Machine) OutdatedUsers() ([]string, error) {
	var ids []string
	err := m.store.RunReadOnly("outdated users", func() error {
		users, err := m.store.OutdatedUsers()
		if err != nil {
			return err
		}
		for _, u := range users {
			ids = append(ids, u.UserID)
		}
		return nil
	})
	return ids, err
}

// IsTracked reports whether the user is tracked and their device list is current.
func (m *Machine) IsTracked(userID string) (tracked, current bool, err error) {
	err = m.store.RunReadOnly("tracked user", func() error {
		u, err := m.store.TrackedUser(userID)
		if err != nil || u == nil {
			return err
		}
		tracked = u.Tracked
		current = u.Tracked && !u.Outdated
		return nil
	})
	return
}

// Devices lists the live devices of a user.
func (m *Machine) Devices(userID string) ([]*store.Device, error) {
	var devices []*store.Device
	err := m.store.RunReadOnly("devices", func() error {
		all, err := m.store.Devices(userID)
		if err != nil {
			return err
		}
		for _, d := range all {
			if !d.Deleted {
				devices = append(devices, d)
			}
		}
		return nil
	})
	return devices, err
}

func (m *Machine) Device(userID, deviceID string) (*store.Device, error) {
	var d *store.Device
	err := m.store.RunReadOnly("device", func() error {
		var err error
		d, err = m.store.Device(userID, deviceID)
		return err
	})
	return d, err
}

// ResyncOutdated refreshes every outdated tracked user.
func (m *Machine) ResyncOutdated(ctx context.Context) error {
	ids, err := m.OutdatedUsers()
	if err != nil || len(ids) == 0 {
		return err
	}
	return m.Resync(ctx, ids)
}

// Resync fetches the device lists of users and applies each one in full or not at all. A user
// stays outdated when their answer is missing or fails verification, or when they were marked
// outdated again while the fetch was in flight.
func (m *Machine) Resync(ctx context.Context, userIDs []string) error {
	versions := make(map[string]uint64)
	if err := m.store.RunReadOnly("resync versions", func() error {
		for _, id := range userIDs {
			u, err := m.store.TrackedUser(id)
			if err != nil {
				return err
			}
			if u != nil && u.Tracked {
				versions[id] = u.Version
			}
		}
		return nil
	}); err != nil {
		return err
	}
	if len(versions) == 0 {
		return nil
	}
	ids := maps.Keys(versions)
	slices.Sort(ids)
	result, err := m.transport.FetchDeviceKeys(ctx, ids)
	if err != nil {
		return transportError("fetch device keys", err)
	}
	var errs error
	for _, id := range ids {
		uk, ok := result[id]
		if !ok || uk == nil {
			m.log.Warnf("no device keys returned for %s", id)
			continue
		}
		if err := m.applyUserKeys(id, uk, versions[id]); err != nil {
			m.log.Errorf("error applying device keys for %s: %s", id, err)
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

func verifyUserKeys(userID string, uk *UserKeys) error {
	if uk.UserID != userID {
		return integrityError("keys for %s returned as %s", userID, uk.UserID)
	}
	if uk.MasterKey != nil {
		if len(uk.MasterKey) != ed25519.PublicKeySize || len(uk.SelfSigningKey) != ed25519.PublicKeySize {
			return integrityError("malformed cross-signing keys for %s", userID)
		}
		ok, err := crypto.VerifyObject(uk.MasterKey, uk.SelfSigningSignature, crossSigningLabel, &crossSigningBinding{UserID: userID, Usage: usageSelfSigning, Key: uk.SelfSigningKey})
		if err != nil || !ok {
			return integrityError("self-signing key of %s is not signed by the master key", userID)
		}
	}
	seen := make(map[string]struct{})
	for _, dk := range uk.Devices {
		if dk.UserID != userID {
			return integrityError("device %s listed for %s belongs to %s", dk.DeviceID, userID, dk.UserID)
		}
		if _, ok := seen[dk.DeviceID]; ok {
			return integrityError("device %s of %s listed twice", dk.DeviceID, userID)
		}
		seen[dk.DeviceID] = struct{}{}
		if len(dk.IdentityKey) != 32 || len(dk.SigningKey) != ed25519.PublicKeySize {
			return integrityError("malformed keys for %s/%s", userID, dk.DeviceID)
		}
		ok, err := crypto.VerifyObject(dk.SigningKey, dk.Signature, deviceKeysLabel, dk.signedPart())
		if err != nil || !ok {
			return integrityError("bad self-signature on %s/%s", userID, dk.DeviceID)
		}
		if dk.CrossSignature == nil {
			continue
		}
		if uk.SelfSigningKey == nil {
			return integrityError("%s/%s is cross-signed but %s has no self-signing key", userID, dk.DeviceID, userID)
		}
		ok, err = crypto.VerifyObject(uk.SelfSigningKey, dk.CrossSignature, deviceKeysLabel, dk.signedPart())
		if err != nil || !ok {
			return integrityError("bad cross-signature on %s/%s", userID, dk.DeviceID)
		}
	}
	return nil
}

func (m *Machine) applyUserKeys(userID string, uk *UserKeys, version uint64) error {
	if err := verifyUserKeys(userID, uk); err != nil {
		return err
	}
	return m.store.Run("apply device keys", func() error {
		existing, err := m.store.Devices(userID)
		if err != nil {
			return err
		}
		known := make(map[string]*store.Device)
		for _, d := range existing {
			known[d.DeviceID] = d
		}
		listed := make(map[string]struct{})
		for _, dk := range uk.Devices {
			listed[dk.DeviceID] = struct{}{}
			d, ok := known[dk.DeviceID]
			if ok && !bytes.Equal(d.IdentityKey, dk.IdentityKey) {
				return integrityError("identity key of %s/%s changed", userID, dk.DeviceID)
			}
			if !ok {
				d = &store.Device{UserID: userID, DeviceID: dk.DeviceID, Trust: int(trust.Unset)}
				m.log.Debugf("new device %s/%s", userID, dk.DeviceID)
			}
			d.IdentityKey = dk.IdentityKey
			d.SigningKey = dk.SigningKey
			d.Name = dk.Name
			d.Deleted = false
			if err := m.store.UpsertDevice(d); err != nil {
				return err
			}
		}
		for _, id := range maps.Keys(known) {
			d := known[id]
			if _, ok := listed[id]; ok || d.Deleted {
				continue
			}
			m.log.Debugf("device %s/%s removed", userID, id)
			d.Deleted = true
			if err := m.store.UpsertDevice(d); err != nil {
				return err
			}
		}

		if uk.MasterKey != nil {
			if err := m.storeCrossSigning(userID, uk); err != nil {
				return err
			}
		}
		cleared, err := m.store.ClearOutdatedIfVersion(userID, version)
		if err != nil {
			return err
		}
		if !cleared {
			m.log.Debugf("%s changed during resync, leaving outdated", userID)
		}
		return nil
	})
}

// storeCrossSigning must run inside a transaction.
func (m *Machine) storeCrossSigning(userID string, uk *UserKeys) error {
	if err := m.store.PutCrossSigningKey(userID, usageMaster, uk.MasterKey); err != nil {
		return err
	}
	if err := m.store.PutCrossSigningKey(userID, usageSelfSigning, uk.SelfSigningKey); err != nil {
		return err
	}
	if err := m.store.PutCrossSigningSignature(&store.CrossSigningSignature{
		SignerUser: userID,
		SignerKey:  uk.MasterKey,
		TargetUser: userID,
		TargetKey:  uk.SelfSigningKey,
		Signature:  uk.SelfSigningSignature,
	}); err != nil {
		return err
	}
	for _, dk := range uk.Devices {
		if dk.CrossSignature == nil {
			continue
		}
		if err := m.store.PutCrossSigningSignature(&store.CrossSigningSignature{
			SignerUser: userID,
			SignerKey:  uk.SelfSigningKey,
			TargetUser: userID,
			TargetKey:  dk.SigningKey,
			Signature:  dk.CrossSignature,
		}); err != nil {
			return err
		}
	}
	return nil
}

// ResolveTrust combines the manual trust of a device with what cross-signing says about it.
func (m *Machine) ResolveTrust(d *store.Device) (trust.State, error) {
	a, err := m.acct()
	if err != nil {
		return trust.Unknown, err
	}
	st := trust.Unknown
	err = m.store.RunReadOnly("resolve trust", func() error {
		var err error
		st, err = m.resolveTrust(a, d)
		return err
	})
	return st, err
}

// resolveTrust must run inside a transaction.
func (m *Machine) resolveTrust(a *store.Account, d *store.Device) (trust.State, error) {
	if d.UserID == a.UserID && d.DeviceID == a.DeviceID {
		return trust.Verified, nil
	}
	manual := d.TrustState()
	switch manual {
	case trust.Blacklisted, trust.Verified, trust.Unknown:
		return manual, nil
	}
	master, err := m.store.CrossSigningKey(d.UserID, usageMaster)
	if err != nil {
		return trust.Unknown, err
	}
	ssk, err := m.store.CrossSigningKey(d.UserID, usageSelfSigning)
	if err != nil {
		return trust.Unknown, err
	}
	if master == nil || ssk == nil {
		return manual, nil
	}
	if ok, err := m.store.HasCrossSigningSignature(master.Key, ssk.Key); err != nil || !ok {
		return manual, err
	}
	if ok, err := m.store.HasCrossSigningSignature(ssk.Key, d.SigningKey); err != nil || !ok {
		return manual, err
	}
	trusted, err := m.store.TrustedMasterKey(d.UserID)
	if err != nil {
		return trust.Unknown, err
	}
	switch {
	case trusted != nil && bytes.Equal(trusted, master.Key):
		return trust.CrossSignedVerified, nil
	case bytes.Equal(master.Key, master.FirstKey):
		return trust.CrossSignedTOFU, nil
	}
	return trust.CrossSignedUntrusted, nil
}

func (m *Machine) setDeviceTrust(userID, deviceID string, st trust.State) error {
	return m.store.Run("set device trust", func() error {
		d, err := m.store.Device(userID, deviceID)
		if err != nil {
			return err
		}
		if d == nil {
			return fmt.Errorf("%w: %s/%s", ErrUnknownDevice, userID, deviceID)
		}
		d.Trust = int(st)
		return m.store.UpsertDevice(d)
	})
}

func (m *Machine) VerifyDevice(userID, deviceID string) error {
	return m.setDeviceTrust(userID, deviceID, trust.Verified)
}

func (m *Machine) BlacklistDevice(userID, deviceID string) error {
	return m.setDeviceTrust(userID, deviceID, trust.Blacklisted)
}

// ResetDeviceTrust drops any manual decision about the device.
func (m *Machine) ResetDeviceTrust(userID, deviceID string) error {
	return m.setDeviceTrust(userID, deviceID, trust.Unset)
}

// VerifyUser trusts the current master key of the user, upgrading every device it cross-signs,
// and tells our other devices about it.
func (m *Machine) VerifyUser(ctx context.Context, userID string) error {
	a, err := m.acct()
	if err != nil {
		return err
	}
	var master []byte
	if err := m.store.Run("verify user", func() error {
		k, err := m.store.CrossSigningKey(userID, usageMaster)
		if err != nil {
			return err
		}
		if k == nil {
			return fmt.Errorf("machine: %s has no master key", userID)
		}
		master = k.Key
		return m.store.SetTrustedMasterKey(userID, k.Key)
	}); err != nil {
		return err
	}
	content, err := encodeWire(&CrossSigningTrust{UserID: userID, MasterKey: master})
	if err != nil {
		return err
	}
	own, err := m.Devices(a.UserID)
	if err != nil {
		return err
	}
	var errs error
	for _, d := range own {
		if d.DeviceID == a.DeviceID {
			continue
		}
		if err := m.sendEncrypted(ctx, d, TypeCrossSigningTrust, content); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}
