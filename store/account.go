package store

import (
	"fmt"
)

type Account struct {
	ID           int    `db:"id"`
	UserID       string `db:"user_id"`
	DeviceID     string `db:"device_id"`
	IdentityPriv []byte `db:"identity_priv"`
	IdentityPub  []byte `db:"identity_pub"`
	SigningPriv  []byte `db:"signing_priv"`
	SigningPub   []byte `db:"signing_pub"`
	Shared       bool   `db:"shared"`
	NextKeyID    uint64 `db:"next_key_id"`
}

type OneTimeKey struct {
	KeyID     uint64 `db:"key_id"`
	Priv      []byte `db:"priv"`
	Pub       []byte `db:"pub"`
	Fallback  bool   `db:"fallback"`
	Published bool   `db:"published"`
	CtimeMs   uint64 `db:"ctime_ms"`
}

// Account returns the single account row, or nil when none has been generated.
func (s *Store) Account() (*Account, error) {
	a := &Account{}
	if err := s.Tx.Get(a, "SELECT * FROM _account WHERE id = 1"); err != nil {
		if noRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: error getting account: %w", err)
	}
	return a, nil
}

func (s *Store) UpsertAccount(a *Account) error {
	a.ID = 1
	if _, err := s.Tx.NamedExec("INSERT INTO _account (id, user_id, device_id, identity_priv, identity_pub, signing_priv, signing_pub, shared, next_key_id) VALUES (:id, :user_id, :device_id, :identity_priv, :identity_pub, :signing_priv, :signing_pub, :shared, :next_key_id) ON CONFLICT(id) DO UPDATE SET shared = :shared, next_key_id = :next_key_id", a); err != nil {
		return fmt.Errorf("store: error upserting account: %w", err)
	}
	return nil
}

func (s *Store) InsertOneTimeKey(k *OneTimeKey) error {
	if _, err := s.Tx.NamedExec("INSERT INTO _one_time_keys (key_id, priv, pub, fallback, published, ctime_ms) VALUES (:key_id, :priv, :pub, :fallback, :published, :ctime_ms)", k); err != nil {
		return fmt.Errorf("store: error inserting one-time key: %w", err)
	}
	return nil
}

// OneTimeKeyByPub finds a one-time or fallback key by its public half.
func (s *Store) OneTimeKeyByPub(pub []byte) (*OneTimeKey, error) {
	k := &OneTimeKey{}
	if err := s.Tx.Get(k, "SELECT * FROM _one_time_keys WHERE pub = ?", pub); err != nil {
		if noRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: error getting one-time key: %w", err)
	}
	return k, nil
}

func (s *Store) DeleteOneTimeKey(keyID uint64) error {
	if _, err := s.Tx.Exec("DELETE FROM _one_time_keys WHERE key_id = ?", keyID); err != nil {
		return fmt.Errorf("store: error deleting one-time key: %w", err)
	}
	return nil
}

func (s *Store) UnpublishedOneTimeKeys() ([]*OneTimeKey, error) {
	keys := []*OneTimeKey{}
	if err := s.Tx.Select(&keys, "SELECT * FROM _one_time_keys WHERE published = 0 ORDER BY key_id"); err != nil {
		return nil, fmt.Errorf("store: error getting unpublished keys: %w", err)
	}
	return keys, nil
}

func (s *Store) CountOneTimeKeys() (int, error) {
	var n int
	if err := s.Tx.Get(&n, "SELECT count(*) FROM _one_time_keys WHERE fallback = 0"); err != nil {
		return 0, fmt.Errorf("store: error counting one-time keys: %w", err)
	}
	return n, nil
}

// FallbackKeys lists fallback keys newest first.
func (s *Store) FallbackKeys() ([]*OneTimeKey, error) {
	keys := []*OneTimeKey{}
	if err := s.Tx.Select(&keys, "SELECT * FROM _one_time_keys WHERE fallback = 1 ORDER BY key_id DESC"); err != nil {
		return nil, fmt.Errorf("store: error getting fallback keys: %w", err)
	}
	return keys, nil
}

func (s *Store) MarkOneTimeKeysPublished() error {
	if _, err := s.Tx.Exec("UPDATE _one_time_keys SET published = 1 WHERE published = 0"); err != nil {
		return fmt.Errorf("store: error marking keys published: %w", err)
	}
	return nil
}
