package machine

import (
	"context"
	"fmt"

	"github.com/meow-io/go-e2ee/crypto"
	"github.com/meow-io/go-e2ee/store"
)

// GenerateAccount creates the long-term keys of this device along with its first batch of
// one-time keys. Nothing is uploaded until EnsureKeys runs.
func (m *Machine) GenerateAccount(userID, deviceID string) error {
	identity, err := crypto.NewDHKeyPair()
	if err != nil {
		return err
	}
	signing, err := crypto.NewSigningKeyPair()
	if err != nil {
		return err
	}
	a := &store.Account{
		UserID:       userID,
		DeviceID:     deviceID,
		IdentityPriv: identity.Private,
		IdentityPub:  identity.Public,
		SigningPriv:  signing.Private,
		SigningPub:   signing.Public,
	}
	if err := m.store.Run("generate account", func() error {
		existing, err := m.store.Account()
		if err != nil {
			return err
		}
		if existing != nil {
			return ErrAccountExists
		}
		if err := m.generateKeys(a, m.config.OneTimeKeyTarget, true); err != nil {
			return err
		}
		return m.store.UpsertAccount(a)
	}); err != nil {
		return err
	}
	m.log.Infof("generated account for %s/%s", userID, deviceID)
	m.setAccount(a)
	return nil
}

// Load reads the account of a previously initialized device.
func (m *Machine) Load() error {
	var a *store.Account
	if err := m.store.RunReadOnly("load account", func() error {
		var err error
		a, err = m.store.Account()
		return err
	}); err != nil {
		return err
	}
	if a == nil {
		return ErrNoAccount
	}
	m.setAccount(a)
	return nil
}

func (m *Machine) setAccount(a *store.Account) {
	m.accountMu.Lock()
	defer m.accountMu.Unlock()
	m.account = a
}

func (m *Machine) UserID() string {
	a, err := m.acct()
	if err != nil {
		return ""
	}
	return a.UserID
}

func (m *Machine) DeviceID() string {
	a, err := m.acct()
	if err != nil {
		return ""
	}
	return a.DeviceID
}

func (m *Machine) IdentityKey() []byte {
	a, err := m.acct()
	if err != nil {
		return nil
	}
	return a.IdentityPub
}

// Fingerprint is the signing key of this device in a form people can compare.
func (m *Machine) Fingerprint() (string, error) {
	a, err := m.acct()
	if err != nil {
		return "", err
	}
	return crypto.Fingerprint(a.SigningPub), nil
}

// DeviceKeys returns the self-signed keys of this device.
func (m *Machine) DeviceKeys() (*DeviceKeys, error) {
	a, err := m.acct()
	if err != nil {
		return nil, err
	}
	dk := &DeviceKeys{
		UserID:      a.UserID,
		DeviceID:    a.DeviceID,
		IdentityKey: a.IdentityPub,
		SigningKey:  a.SigningPub,
	}
	sig, err := crypto.SignObject(a.SigningPriv, deviceKeysLabel, dk.signedPart())
	if err != nil {
		return nil, err
	}
	dk.Signature = sig
	return dk, nil
}

// generateKeys must run inside a transaction. It advances a.NextKeyID but leaves persisting the
// account to the caller.
func (m *Machine) generateKeys(a *store.Account, n int, fallback bool) error {
	now := m.now()
	for i := 0; i < n; i++ {
		kp, err := crypto.NewDHKeyPair()
		if err != nil {
			return err
		}
		a.NextKeyID++
		if err := m.store.InsertOneTimeKey(&store.OneTimeKey{KeyID: a.NextKeyID, Priv: kp.Private, Pub: kp.Public, CtimeMs: now}); err != nil {
			return err
		}
	}
	if !fallback {
		return nil
	}
	kp, err := crypto.NewDHKeyPair()
	if err != nil {
		return err
	}
	a.NextKeyID++
	if err := m.store.InsertOneTimeKey(&store.OneTimeKey{KeyID: a.NextKeyID, Priv: kp.Private, Pub: kp.Public, Fallback: true, CtimeMs: now}); err != nil {
		return err
	}
	// the previous fallback key stays usable for messages still in flight
	fallbacks, err := m.store.FallbackKeys()
	if err != nil {
		return err
	}
	for i := 2; i < len(fallbacks); i++ {
		if err := m.store.DeleteOneTimeKey(fallbacks[i].KeyID); err != nil {
			return err
		}
	}
	return nil
}

func (m *Machine) signOneTimeKey(a *store.Account, k *store.OneTimeKey) (*SignedOneTimeKey, error) {
	sk := &SignedOneTimeKey{KeyID: k.KeyID, Key: k.Pub, Fallback: k.Fallback}
	sig, err := crypto.SignObject(a.SigningPriv, oneTimeKeyLabel, sk.signedPart())
	if err != nil {
		return nil, err
	}
	sk.Signature = sig
	return sk, nil
}

// EnsureKeys tops the server's one-time key pool back up to the configured target once it falls
// below the minimum, and uploads anything the server does not have yet. Generated keys are
// persisted before the upload is attempted, so a failed upload is retried with the same keys.
func (m *Machine) EnsureKeys(ctx context.Context, serverCount int) error {
	unlock := m.creating.Lock("ensure-keys")
	defer unlock()

	upload, err := m.prepareUpload(serverCount)
	if err != nil {
		return err
	}
	if upload == nil {
		return nil
	}
	if err := m.transport.UploadKeys(ctx, upload); err != nil {
		return &KeyUploadError{Err: transportError("upload keys", err)}
	}
	m.log.Debugf("uploaded %d one-time keys", len(upload.OneTimeKeys))
	return m.MarkKeysAsPublished()
}

func (m *Machine) prepareUpload(serverCount int) (*KeyUpload, error) {
	m.accountMu.Lock()
	rotateFallback := m.fallbackUsed
	m.accountMu.Unlock()

	var upload *KeyUpload
	var account *store.Account
	if err := m.store.Run("prepare key upload", func() error {
		a, err := m.store.Account()
		if err != nil {
			return err
		}
		if a == nil {
			return ErrNoAccount
		}
		unpublished, err := m.store.UnpublishedOneTimeKeys()
		if err != nil {
			return err
		}
		pending := 0
		for _, k := range unpublished {
			if !k.Fallback {
				pending++
			}
		}
		need := 0
		if serverCount < m.config.OneTimeKeyMinimum {
			need = m.config.OneTimeKeyTarget - serverCount - pending
		}
		fallbacks, err := m.store.FallbackKeys()
		if err != nil {
			return err
		}
		newFallback := len(fallbacks) == 0 || rotateFallback
		if need > 0 || newFallback {
			if need < 0 {
				need = 0
			}
			if err := m.generateKeys(a, need, newFallback); err != nil {
				return err
			}
			if err := m.store.UpsertAccount(a); err != nil {
				return err
			}
			if unpublished, err = m.store.UnpublishedOneTimeKeys(); err != nil {
				return err
			}
		}
		account = a
		if len(unpublished) == 0 && a.Shared {
			return nil
		}
		upload = &KeyUpload{}
		for _, k := range unpublished {
			sk, err := m.signOneTimeKey(a, k)
			if err != nil {
				return err
			}
			if k.Fallback {
				upload.FallbackKey = sk
			} else {
				upload.OneTimeKeys = append(upload.OneTimeKeys, sk)
			}
		}
		return nil
	}); err != nil {
		return nil, fmt.Errorf("machine: error preparing key upload: %w", err)
	}
	m.setAccount(account)
	if rotateFallback {
		m.accountMu.Lock()
		m.fallbackUsed = false
		m.accountMu.Unlock()
	}
	if upload != nil && !account.Shared {
		dk, err := m.DeviceKeys()
		if err != nil {
			return nil, err
		}
		upload.Device = dk
	}
	return upload, nil
}

// MarkKeysAsPublished records that the server accepted every key generated so far.
func (m *Machine) MarkKeysAsPublished() error {
	var account *store.Account
	if err := m.store.Run("mark keys published", func() error {
		a, err := m.store.Account()
		if err != nil {
			return err
		}
		if a == nil {
			return ErrNoAccount
		}
		if err := m.store.MarkOneTimeKeysPublished(); err != nil {
			return err
		}
		a.Shared = true
		account = a
		return m.store.UpsertAccount(a)
	}); err != nil {
		return err
	}
	m.setAccount(account)
	return nil
}
