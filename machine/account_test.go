package machine

import (
	"context"
	"errors"
	"testing"

	"github.com/meow-io/go-e2ee/crypto"
	"github.com/stretchr/testify/require"
)

func TestGenerateAccountOnce(t *testing.T) {
	require := require.New(t)
	alice := newTestDevice(t, newFakeServer(), "@alice:x", "A1")
	require.ErrorIs(alice.m.GenerateAccount("@alice:x", "A1"), ErrAccountExists)
	require.Equal("@alice:x", alice.m.UserID())
	require.Equal("A1", alice.m.DeviceID())
	require.Len(alice.m.IdentityKey(), 32)
}

func TestDeviceKeysAreSelfSigned(t *testing.T) {
	require := require.New(t)
	alice := newTestDevice(t, newFakeServer(), "@alice:x", "A1")
	dk, err := alice.m.DeviceKeys()
	require.Nil(err)
	ok, err := crypto.VerifyObject(dk.SigningKey, dk.Signature, deviceKeysLabel, dk.signedPart())
	require.Nil(err)
	require.True(ok)

	fp, err := alice.m.Fingerprint()
	require.Nil(err)
	require.Equal(crypto.Fingerprint(dk.SigningKey), fp)
}

func TestInitialUploadPublishesEverything(t *testing.T) {
	require := require.New(t)
	server := newFakeServer()
	alice := newTestDevice(t, server, "@alice:x", "A1")
	require.Equal(50, server.oneTimeKeyCount("@alice:x", "A1"))
	require.NotNil(server.fallbacks[addr("@alice:x", "A1")])
	require.NotNil(server.devices["@alice:x"]["A1"])

	for _, k := range server.otks[addr("@alice:x", "A1")] {
		ok, err := crypto.VerifyObject(server.devices["@alice:x"]["A1"].SigningKey, k.Signature, oneTimeKeyLabel, k.signedPart())
		require.Nil(err)
		require.True(ok)
	}
	require.Nil(alice.store.RunReadOnly("check", func() error {
		keys, err := alice.store.UnpublishedOneTimeKeys()
		require.Nil(err)
		require.Len(keys, 0)
		return nil
	}))
}

func TestEnsureKeysTopsUpBelowMinimum(t *testing.T) {
	require := require.New(t)
	server := newFakeServer()
	alice := newTestDevice(t, server, "@alice:x", "A1")
	ctx := context.Background()

	// at or above the minimum nothing is generated
	require.Nil(alice.m.EnsureKeys(ctx, 30))
	require.Equal(50, server.oneTimeKeyCount("@alice:x", "A1"))

	require.Nil(alice.m.EnsureKeys(ctx, 10))
	require.Equal(90, server.oneTimeKeyCount("@alice:x", "A1"))
}

func TestFailedUploadIsRetriedWithSameKeys(t *testing.T) {
	require := require.New(t)
	server := newFakeServer()
	alice := newTestDevice(t, server, "@alice:x", "A1")
	ctx := context.Background()

	server.failUpload = true
	err := alice.m.EnsureKeys(ctx, 0)
	var kue *KeyUploadError
	require.True(errors.As(err, &kue))
	var te *TransportError
	require.True(errors.As(err, &te))
	require.Equal(TransportNetwork, te.Kind)

	var pending []uint64
	require.Nil(alice.store.RunReadOnly("check", func() error {
		keys, err := alice.store.UnpublishedOneTimeKeys()
		require.Nil(err)
		for _, k := range keys {
			pending = append(pending, k.KeyID)
		}
		return nil
	}))
	require.Len(pending, 50)

	server.failUpload = false
	require.Nil(alice.m.EnsureKeys(ctx, 0))
	require.Equal(100, server.oneTimeKeyCount("@alice:x", "A1"))
	uploaded := server.otks[addr("@alice:x", "A1")][50:]
	for i, k := range uploaded {
		require.Equal(pending[i], k.KeyID)
	}
}

func TestFallbackRotatesAfterUse(t *testing.T) {
	require := require.New(t)
	server := newFakeServer()
	alice := newTestDevice(t, server, "@alice:x", "A1")
	bob := newTestDevice(t, server, "@bob:x", "B1")
	bob.sync(t, "@alice:x")
	first := server.fallbacks[addr("@alice:x", "A1")]

	server.mu.Lock()
	delete(server.otks, addr("@alice:x", "A1"))
	server.mu.Unlock()
	env, err := bob.m.EncryptPairwise(context.Background(), bob.device(t, "@alice:x", "A1"), []byte("hi"))
	require.Nil(err)
	require.Equal(first.Key, env.PreKey.OneTimeKey)
	pt, err := alice.m.DecryptPairwise(env.SenderKey, env)
	require.Nil(err)
	require.Equal([]byte("hi"), pt)

	require.Nil(alice.m.EnsureKeys(context.Background(), 50))
	second := server.fallbacks[addr("@alice:x", "A1")]
	require.NotEqual(first.Key, second.Key)
	require.Nil(alice.store.RunReadOnly("check", func() error {
		keys, err := alice.store.FallbackKeys()
		require.Nil(err)
		require.Len(keys, 2)
		return nil
	}))
}
