package machine

import (
	"context"
	"errors"
	"testing"

	"github.com/meow-io/go-e2ee/crypto"
	"github.com/meow-io/go-e2ee/trust"
	"github.com/stretchr/testify/require"
)

// crossSign publishes a fresh master and self-signing key for the user and cross-signs every
// device it currently has on the server.
func (s *fakeServer) crossSign(t *testing.T, userID string) []byte {
	require := require.New(t)
	master, err := crypto.NewSigningKeyPair()
	require.Nil(err)
	ssk, err := crypto.NewSigningKeyPair()
	require.Nil(err)
	sig, err := crypto.SignObject(master.Private, crossSigningLabel, &crossSigningBinding{UserID: userID, Usage: usageSelfSigning, Key: ssk.Public})
	require.Nil(err)

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, dk := range s.devices[userID] {
		dk.CrossSignature, err = crypto.SignObject(ssk.Private, deviceKeysLabel, dk.signedPart())
		require.Nil(err)
	}
	s.cross[userID] = &UserKeys{MasterKey: master.Public, SelfSigningKey: ssk.Public, SelfSigningSignature: sig}
	return master.Public
}

func (td *testDevice) resync(t *testing.T, userIDs ...string) error {
	require.Nil(t, td.m.MarkOutdated(userIDs...))
	return td.m.ResyncOutdated(context.Background())
}

func TestDeviceListChanges(t *testing.T) {
	require := require.New(t)
	server := newFakeServer()
	alice := newTestDevice(t, server, "@alice:x", "A1")
	newTestDevice(t, server, "@bob:x", "B1")
	alice.sync(t, "@bob:x")

	devices, err := alice.m.Devices("@bob:x")
	require.Nil(err)
	require.Len(devices, 1)
	require.Equal(trust.Unset, devices[0].TrustState())
	tracked, current, err := alice.m.IsTracked("@bob:x")
	require.Nil(err)
	require.True(tracked)
	require.True(current)

	newTestDevice(t, server, "@bob:x", "B2")
	require.Nil(alice.resync(t, "@bob:x"))
	devices, err = alice.m.Devices("@bob:x")
	require.Nil(err)
	require.Len(devices, 2)

	server.removeDevice("@bob:x", "B1")
	require.Nil(alice.resync(t, "@bob:x"))
	devices, err = alice.m.Devices("@bob:x")
	require.Nil(err)
	require.Len(devices, 1)
	require.Equal("B2", devices[0].DeviceID)
	require.True(alice.device(t, "@bob:x", "B1").Deleted)
}

func TestUntrackedUsersAreNotFetched(t *testing.T) {
	require := require.New(t)
	server := newFakeServer()
	alice := newTestDevice(t, server, "@alice:x", "A1")
	newTestDevice(t, server, "@bob:x", "B1")

	require.Nil(alice.resync(t, "@bob:x"))
	d, err := alice.m.Device("@bob:x", "B1")
	require.Nil(err)
	require.Nil(d)

	alice.sync(t, "@bob:x")
	require.Nil(alice.m.Untrack("@bob:x"))
	tracked, _, err := alice.m.IsTracked("@bob:x")
	require.Nil(err)
	require.False(tracked)
	outdated, err := alice.m.OutdatedUsers()
	require.Nil(err)
	require.Len(outdated, 0)
}

func TestResyncIsAllOrNothing(t *testing.T) {
	require := require.New(t)
	server := newFakeServer()
	alice := newTestDevice(t, server, "@alice:x", "A1")
	newTestDevice(t, server, "@bob:x", "B1")
	alice.sync(t, "@bob:x")

	newTestDevice(t, server, "@bob:x", "B2")
	server.mu.Lock()
	server.devices["@bob:x"]["B2"].Signature[0] ^= 1
	server.mu.Unlock()

	err := alice.resync(t, "@bob:x")
	var ie *IntegrityError
	require.True(errors.As(err, &ie))
	devices, err := alice.m.Devices("@bob:x")
	require.Nil(err)
	require.Len(devices, 1)
	outdated, err := alice.m.OutdatedUsers()
	require.Nil(err)
	require.Equal([]string{"@bob:x"}, outdated)
}

func TestIdentityKeyChangeIsRejected(t *testing.T) {
	require := require.New(t)
	server := newFakeServer()
	alice := newTestDevice(t, server, "@alice:x", "A1")
	newTestDevice(t, server, "@bob:x", "B1")
	alice.sync(t, "@bob:x")
	before := alice.device(t, "@bob:x", "B1")

	// a second install reusing the device id
	newTestDevice(t, server, "@bob:x", "B1")
	err := alice.resync(t, "@bob:x")
	var ie *IntegrityError
	require.True(errors.As(err, &ie))
	require.Equal(before.IdentityKey, alice.device(t, "@bob:x", "B1").IdentityKey)
}

func TestChangeDuringFetchLeavesUserOutdated(t *testing.T) {
	require := require.New(t)
	server := newFakeServer()
	alice := newTestDevice(t, server, "@alice:x", "A1")
	newTestDevice(t, server, "@bob:x", "B1")
	require.Nil(alice.m.Track("@bob:x"))

	server.onFetch = func() {
		require.Nil(alice.m.MarkOutdated("@bob:x"))
	}
	require.Nil(alice.m.ResyncOutdated(context.Background()))
	alice.device(t, "@bob:x", "B1")
	outdated, err := alice.m.OutdatedUsers()
	require.Nil(err)
	require.Equal([]string{"@bob:x"}, outdated)

	server.onFetch = nil
	require.Nil(alice.m.ResyncOutdated(context.Background()))
	outdated, err = alice.m.OutdatedUsers()
	require.Nil(err)
	require.Len(outdated, 0)
}

func TestFetchFailureKeepsUserOutdated(t *testing.T) {
	require := require.New(t)
	server := newFakeServer()
	alice := newTestDevice(t, server, "@alice:x", "A1")
	newTestDevice(t, server, "@bob:x", "B1")
	require.Nil(alice.m.Track("@bob:x"))

	server.failFetch = true
	err := alice.m.ResyncOutdated(context.Background())
	var te *TransportError
	require.True(errors.As(err, &te))
	require.Equal(TransportNetwork, te.Kind)
	outdated, err := alice.m.OutdatedUsers()
	require.Nil(err)
	require.Equal([]string{"@bob:x"}, outdated)
}

func TestCrossSigningTrust(t *testing.T) {
	require := require.New(t)
	server := newFakeServer()
	alice := newTestDevice(t, server, "@alice:x", "A1")
	newTestDevice(t, server, "@bob:x", "B1")
	server.crossSign(t, "@bob:x")
	alice.sync(t, "@alice:x", "@bob:x")

	st, err := alice.m.ResolveTrust(alice.device(t, "@bob:x", "B1"))
	require.Nil(err)
	require.Equal(trust.CrossSignedTOFU, st)
	st, err = alice.m.ResolveTrust(alice.device(t, "@alice:x", "A1"))
	require.Nil(err)
	require.Equal(trust.Verified, st)

	require.Nil(alice.m.VerifyUser(context.Background(), "@bob:x"))
	st, err = alice.m.ResolveTrust(alice.device(t, "@bob:x", "B1"))
	require.Nil(err)
	require.Equal(trust.CrossSignedVerified, st)

	server.crossSign(t, "@bob:x")
	require.Nil(alice.resync(t, "@bob:x"))
	st, err = alice.m.ResolveTrust(alice.device(t, "@bob:x", "B1"))
	require.Nil(err)
	require.Equal(trust.CrossSignedUntrusted, st)
}

func TestUncrossSignedDeviceFallsBackToManualTrust(t *testing.T) {
	require := require.New(t)
	server := newFakeServer()
	alice := newTestDevice(t, server, "@alice:x", "A1")
	newTestDevice(t, server, "@bob:x", "B1")
	server.crossSign(t, "@bob:x")
	// joins after the cross-signing
	newTestDevice(t, server, "@bob:x", "B2")
	alice.sync(t, "@bob:x")

	st, err := alice.m.ResolveTrust(alice.device(t, "@bob:x", "B2"))
	require.Nil(err)
	require.Equal(trust.Unset, st)
}

func TestManualTrust(t *testing.T) {
	require := require.New(t)
	server := newFakeServer()
	alice := newTestDevice(t, server, "@alice:x", "A1")
	newTestDevice(t, server, "@bob:x", "B1")
	server.crossSign(t, "@bob:x")
	alice.sync(t, "@bob:x")

	require.Nil(alice.m.VerifyDevice("@bob:x", "B1"))
	st, err := alice.m.ResolveTrust(alice.device(t, "@bob:x", "B1"))
	require.Nil(err)
	require.Equal(trust.Verified, st)

	require.Nil(alice.m.BlacklistDevice("@bob:x", "B1"))
	st, err = alice.m.ResolveTrust(alice.device(t, "@bob:x", "B1"))
	require.Nil(err)
	require.Equal(trust.Blacklisted, st)

	require.Nil(alice.m.ResetDeviceTrust("@bob:x", "B1"))
	st, err = alice.m.ResolveTrust(alice.device(t, "@bob:x", "B1"))
	require.Nil(err)
	require.Equal(trust.CrossSignedTOFU, st)

	require.ErrorIs(alice.m.VerifyDevice("@bob:x", "B9"), ErrUnknownDevice)
}

func TestVerificationSpreadsToOwnDevices(t *testing.T) {
	require := require.New(t)
	server := newFakeServer()
	a1 := newTestDevice(t, server, "@alice:x", "A1")
	a2 := newTestDevice(t, server, "@alice:x", "A2")
	newTestDevice(t, server, "@bob:x", "B1")
	server.crossSign(t, "@bob:x")
	a1.sync(t, "@alice:x", "@bob:x")
	a2.sync(t, "@alice:x", "@bob:x")

	// only honoured once A2 trusts A1
	require.Nil(a1.m.VerifyUser(context.Background(), "@bob:x"))
	require.Len(a2.deliver(t), 0)
	st, err := a2.m.ResolveTrust(a2.device(t, "@bob:x", "B1"))
	require.Nil(err)
	require.Equal(trust.CrossSignedTOFU, st)

	require.Nil(a2.m.VerifyDevice("@alice:x", "A1"))
	require.Nil(a1.m.VerifyUser(context.Background(), "@bob:x"))
	require.Len(a2.deliver(t), 0)
	st, err = a2.m.ResolveTrust(a2.device(t, "@bob:x", "B1"))
	require.Nil(err)
	require.Equal(trust.CrossSignedVerified, st)
}
