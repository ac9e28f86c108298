package store

import (
	"fmt"

	"github.com/meow-io/go-e2ee/trust"
)

type Device struct {
	UserID      string `db:"user_id"`
	DeviceID    string `db:"device_id"`
	IdentityKey []byte `db:"identity_key"`
	SigningKey  []byte `db:"signing_key"`
	Name        string `db:"name"`
	Trust       int    `db:"trust"`
	Deleted     bool   `db:"deleted"`
}

func (d *Device) TrustState() trust.State {
	return trust.FromInt(d.Trust)
}

type CrossSigningKey struct {
	UserID   string `db:"user_id"`
	Usage    string `db:"usage"`
	Key      []byte `db:"key"`
	FirstKey []byte `db:"first_key"`
}

type CrossSigningSignature struct {
	SignerUser string `db:"signer_user"`
	SignerKey  []byte `db:"signer_key"`
	TargetUser string `db:"target_user"`
	TargetKey  []byte `db:"target_key"`
	Signature  []byte `db:"signature"`
}

type TrackedUser struct {
	UserID   string `db:"user_id"`
	Version  uint64 `db:"version"`
	Tracked  bool   `db:"tracked"`
	Outdated bool   `db:"outdated"`
}

func (s *Store) Device(userID, deviceID string) (*Device, error) {
	d := &Device{}
	if err := s.Tx.Get(d, "SELECT * FROM _devices WHERE user_id = ? AND device_id = ?", userID, deviceID); err != nil {
		if noRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: error getting device: %w", err)
	}
	return d, nil
}

// DeviceByIdentityKey returns the live device holding the identity key, falling back to a removed one.
func (s *Store) DeviceByIdentityKey(identityKey []byte) (*Device, error) {
	d := &Device{}
	if err := s.Tx.Get(d, "SELECT * FROM _devices WHERE identity_key = ? ORDER BY deleted ASC LIMIT 1", identityKey); err != nil {
		if noRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: error getting device by key: %w", err)
	}
	return d, nil
}

// Devices lists every device of the user, including removed ones.
func (s *Store) Devices(userID string) ([]*Device, error) {
	devices := []*Device{}
	if err := s.Tx.Select(&devices, "SELECT * FROM _devices WHERE user_id = ? ORDER BY device_id", userID); err != nil {
		return nil, fmt.Errorf("store: error getting devices: %w", err)
	}
	return devices, nil
}

func (s *Store) UpsertDevice(d *Device) error {
	if _, err := s.Tx.NamedExec("INSERT INTO _devices (user_id, device_id, identity_key, signing_key, name, trust, deleted) VALUES (:user_id, :device_id, :identity_key, :signing_key, :name, :trust, :deleted) ON CONFLICT(user_id, device_id) DO UPDATE SET identity_key = :identity_key, signing_key = :signing_key, name = :name, trust = :trust, deleted = :deleted", d); err != nil {
		return fmt.Errorf("store: error upserting device: %w", err)
	}
	return nil
}

func (s *Store) CrossSigningKey(userID, usage string) (*CrossSigningKey, error) {
	k := &CrossSigningKey{}
	if err := s.Tx.Get(k, "SELECT * FROM _cross_signing_keys WHERE user_id = ? AND usage = ?", userID, usage); err != nil {
		if noRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: error getting cross-signing key: %w", err)
	}
	return k, nil
}

// PutCrossSigningKey records the key for a usage. The first key ever seen is kept in first_key for
// trust-on-first-use decisions.
func (s *Store) PutCrossSigningKey(userID, usage string, key []byte) error {
	if _, err := s.Tx.Exec("INSERT INTO _cross_signing_keys (user_id, usage, key, first_key) VALUES (?, ?, ?, ?) ON CONFLICT(user_id, usage) DO UPDATE SET key = excluded.key", userID, usage, key, key); err != nil {
		return fmt.Errorf("store: error putting cross-signing key: %w", err)
	}
	return nil
}

func (s *Store) PutCrossSigningSignature(sig *CrossSigningSignature) error {
	if _, err := s.Tx.NamedExec("INSERT INTO _cross_signing_signatures (signer_user, signer_key, target_user, target_key, signature) VALUES (:signer_user, :signer_key, :target_user, :target_key, :signature) ON CONFLICT(signer_key, target_key) DO UPDATE SET signature = :signature", sig); err != nil {
		return fmt.Errorf("store: error putting signature: %w", err)
	}
	return nil
}

func (s *Store) HasCrossSigningSignature(signerKey, targetKey []byte) (bool, error) {
	var n int
	if err := s.Tx.Get(&n, "SELECT count(*) FROM _cross_signing_signatures WHERE signer_key = ? AND target_key = ?", signerKey, targetKey); err != nil {
		return false, fmt.Errorf("store: error checking signature: %w", err)
	}
	return n != 0, nil
}

func (s *Store) TrustedMasterKey(userID string) ([]byte, error) {
	var key []byte
	if err := s.Tx.Get(&key, "SELECT key FROM _trusted_master_keys WHERE user_id = ?", userID); err != nil {
		if noRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: error getting trusted master key: %w", err)
	}
	return key, nil
}

func (s *Store) SetTrustedMasterKey(userID string, key []byte) error {
	if _, err := s.Tx.Exec("INSERT INTO _trusted_master_keys (user_id, key) VALUES (?, ?) ON CONFLICT(user_id) DO UPDATE SET key = excluded.key", userID, key); err != nil {
		return fmt.Errorf("store: error setting trusted master key: %w", err)
	}
	return nil
}

func (s *Store) TrackedUser(userID string) (*TrackedUser, error) {
	u := &TrackedUser{}
	if err := s.Tx.Get(u, "SELECT * FROM _tracked_users WHERE user_id = ?", userID); err != nil {
		if noRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: error getting tracked user: %w", err)
	}
	return u, nil
}

func (s *Store) UpsertTrackedUser(u *TrackedUser) error {
	if _, err := s.Tx.NamedExec("INSERT INTO _tracked_users (user_id, version, tracked, outdated) VALUES (:user_id, :version, :tracked, :outdated) ON CONFLICT(user_id) DO UPDATE SET version = :version, tracked = :tracked, outdated = :outdated", u); err != nil {
		return fmt.Errorf("store: error upserting tracked user: %w", err)
	}
	return nil
}

// MarkOutdated flags tracked users as outdated and bumps their version so a resync already in
// flight cannot clear the new flag.
func (s *Store) MarkOutdated(userID string) (bool, error) {
	res, err := s.Tx.Exec("UPDATE _tracked_users SET outdated = 1, version = version + 1 WHERE user_id = ? AND tracked = 1", userID)
	if err != nil {
		return false, fmt.Errorf("store: error marking outdated: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n != 0, nil
}

func (s *Store) OutdatedUsers() ([]*TrackedUser, error) {
	users := []*TrackedUser{}
	if err := s.Tx.Select(&users, "SELECT * FROM _tracked_users WHERE tracked = 1 AND outdated = 1 ORDER BY user_id"); err != nil {
		return nil, fmt.Errorf("store: error getting outdated users: %w", err)
	}
	return users, nil
}

// ClearOutdatedIfVersion clears the outdated flag only when nothing marked the user outdated
// since version was read.
func (s *Store) ClearOutdatedIfVersion(userID string, version uint64) (bool, error) {
	res, err := s.Tx.Exec("UPDATE _tracked_users SET outdated = 0 WHERE user_id = ? AND version = ? AND tracked = 1", userID, version)
	if err != nil {
		return false, fmt.Errorf("store: error clearing outdated: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n != 0, nil
}
