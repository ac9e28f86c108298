package store

import (
	"errors"
	"os"
	"testing"

	"github.com/meow-io/go-e2ee/config"
	"github.com/meow-io/go-e2ee/internal/test"
	"github.com/meow-io/go-e2ee/trust"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	os.Exit(test.DBCleanup(m.Run))
}

func newTestStore(t *testing.T) *Store {
	c := config.NewConfig(config.WithLoggingPrefix("store"))
	d := test.NewTestDatabase(c)
	s, err := New(c, d)
	require.Nil(t, err)
	t.Cleanup(func() {
		_ = d.Shutdown()
	})
	return s
}

func TestNewIsRepeatable(t *testing.T) {
	require := require.New(t)
	s := newTestStore(t)
	_, err := New(config.NewConfig(), s.Database)
	require.Nil(err)
	require.Equal(2, SchemaVersion)
}

func TestAccountAndKeys(t *testing.T) {
	require := require.New(t)
	s := newTestStore(t)

	require.Nil(s.Run("account", func() error {
		a, err := s.Account()
		require.Nil(err)
		require.Nil(a)

		require.Nil(s.UpsertAccount(&Account{UserID: "@a:x", DeviceID: "A", IdentityPriv: []byte{1}, IdentityPub: []byte{2}, SigningPriv: []byte{3}, SigningPub: []byte{4}, NextKeyID: 3}))
		require.Nil(s.InsertOneTimeKey(&OneTimeKey{KeyID: 1, Priv: []byte{1}, Pub: []byte{11}}))
		require.Nil(s.InsertOneTimeKey(&OneTimeKey{KeyID: 2, Priv: []byte{2}, Pub: []byte{12}, Fallback: true}))
		return nil
	}))

	require.Nil(s.Run("keys", func() error {
		a, err := s.Account()
		require.Nil(err)
		require.Equal("@a:x", a.UserID)
		require.Equal(uint64(3), a.NextKeyID)

		n, err := s.CountOneTimeKeys()
		require.Nil(err)
		require.Equal(1, n)

		unpublished, err := s.UnpublishedOneTimeKeys()
		require.Nil(err)
		require.Len(unpublished, 2)
		require.Nil(s.MarkOneTimeKeysPublished())
		require.Nil(s.MarkOneTimeKeysPublished())
		unpublished, err = s.UnpublishedOneTimeKeys()
		require.Nil(err)
		require.Len(unpublished, 0)

		k, err := s.OneTimeKeyByPub([]byte{11})
		require.Nil(err)
		require.Equal(uint64(1), k.KeyID)
		require.Nil(s.DeleteOneTimeKey(1))
		k, err = s.OneTimeKeyByPub([]byte{11})
		require.Nil(err)
		require.Nil(k)

		fallbacks, err := s.FallbackKeys()
		require.Nil(err)
		require.Len(fallbacks, 1)
		return nil
	}))
}

func TestPairwiseSelectionOrder(t *testing.T) {
	require := require.New(t)
	s := newTestStore(t)
	sender := []byte("sender")

	require.Nil(s.Run("insert", func() error {
		require.Nil(s.UpsertPairwiseSession(&PairwiseSession{SenderKey: sender, SessionID: []byte("old"), State: []byte{1}, CtimeMs: 1}))
		require.Nil(s.UpsertPairwiseSession(&PairwiseSession{SenderKey: sender, SessionID: []byte("new"), State: []byte{1}, CtimeMs: 2}))
		return nil
	}))
	require.Nil(s.RunReadOnly("read", func() error {
		sessions, err := s.PairwiseSessions(sender)
		require.Nil(err)
		require.Equal([]byte("new"), sessions[0].SessionID)
		return nil
	}))

	require.Nil(s.WithPairwiseSession("decrypted", sender, []byte("old"), func(ps *PairwiseSession) (*PairwiseSession, error) {
		ps.LastDecryptedMs = 10
		ps.RecvIndex = 4
		ps.MissedIndices = []byte("li2ee")
		return ps, nil
	}))
	require.Nil(s.RunReadOnly("read", func() error {
		sessions, err := s.PairwiseSessions(sender)
		require.Nil(err)
		require.Equal([]byte("old"), sessions[0].SessionID)
		require.Equal(uint64(4), sessions[0].RecvIndex)
		require.Equal([]byte("li2ee"), sessions[0].MissedIndices)
		return nil
	}))
}

func TestWithPairwiseSessionRollsBack(t *testing.T) {
	require := require.New(t)
	s := newTestStore(t)
	boom := errors.New("boom")
	err := s.WithPairwiseSession("fail", []byte("s"), []byte("id"), func(ps *PairwiseSession) (*PairwiseSession, error) {
		require.Nil(ps)
		require.Nil(s.UpsertPairwiseSession(&PairwiseSession{SenderKey: []byte("s"), SessionID: []byte("id"), State: []byte{1}}))
		return nil, boom
	})
	require.ErrorIs(err, boom)
	require.Nil(s.RunReadOnly("read", func() error {
		ps, err := s.PairwiseSession([]byte("s"), []byte("id"))
		require.Nil(err)
		require.Nil(ps)
		return nil
	}))
}

func TestInboundGroupSessionInsertIsIdempotent(t *testing.T) {
	require := require.New(t)
	s := newTestStore(t)
	igs := &InboundGroupSession{RoomID: "!r", SenderKey: []byte("k"), SessionID: []byte("s"), State: []byte("first"), SigningKey: []byte("sig"), ForwardingChain: []byte("le"), MissedIndices: []byte("le")}
	require.Nil(s.Run("insert", func() error {
		created, err := s.InsertInboundGroupSession(igs)
		require.Nil(err)
		require.True(created)
		again := *igs
		again.State = []byte("second")
		created, err = s.InsertInboundGroupSession(&again)
		require.Nil(err)
		require.False(created)
		stored, err := s.InboundGroupSession("!r", []byte("k"), []byte("s"))
		require.Nil(err)
		require.Equal([]byte("first"), stored.State)
		return nil
	}))
}

func TestClearOutdatedIfVersion(t *testing.T) {
	require := require.New(t)
	s := newTestStore(t)
	require.Nil(s.Run("track", func() error {
		require.Nil(s.UpsertTrackedUser(&TrackedUser{UserID: "@b:x", Tracked: true}))
		marked, err := s.MarkOutdated("@b:x")
		require.Nil(err)
		require.True(marked)
		marked, err = s.MarkOutdated("@untracked:x")
		require.Nil(err)
		require.False(marked)
		return nil
	}))
	require.Nil(s.Run("clear", func() error {
		u, err := s.TrackedUser("@b:x")
		require.Nil(err)
		require.True(u.Outdated)
		_, err = s.MarkOutdated("@b:x")
		require.Nil(err)
		cleared, err := s.ClearOutdatedIfVersion("@b:x", u.Version)
		require.Nil(err)
		require.False(cleared)
		cleared, err = s.ClearOutdatedIfVersion("@b:x", u.Version+1)
		require.Nil(err)
		require.True(cleared)
		outdated, err := s.OutdatedUsers()
		require.Nil(err)
		require.Len(outdated, 0)
		return nil
	}))
}

func TestDevicesKeepRemoved(t *testing.T) {
	require := require.New(t)
	s := newTestStore(t)
	require.Nil(s.Run("devices", func() error {
		require.Nil(s.UpsertDevice(&Device{UserID: "@b:x", DeviceID: "A", IdentityKey: []byte("ka"), SigningKey: []byte("sa"), Trust: int(trust.Verified)}))
		require.Nil(s.UpsertDevice(&Device{UserID: "@b:x", DeviceID: "B", IdentityKey: []byte("kb"), SigningKey: []byte("sb"), Deleted: true, Trust: 7}))
		devices, err := s.Devices("@b:x")
		require.Nil(err)
		require.Len(devices, 2)
		require.Equal(trust.Verified, devices[0].TrustState())
		require.Equal(trust.Unknown, devices[1].TrustState())
		d, err := s.DeviceByIdentityKey([]byte("kb"))
		require.Nil(err)
		require.True(d.Deleted)

		require.Nil(s.PutCrossSigningKey("@b:x", "master", []byte("m1")))
		require.Nil(s.PutCrossSigningKey("@b:x", "master", []byte("m2")))
		k, err := s.CrossSigningKey("@b:x", "master")
		require.Nil(err)
		require.Equal([]byte("m2"), k.Key)
		require.Equal([]byte("m1"), k.FirstKey)
		return nil
	}))
}

func TestPendingKeyRequests(t *testing.T) {
	require := require.New(t)
	s := newTestStore(t)
	require.Nil(s.Run("requests", func() error {
		first, created, err := s.InsertPendingKeyRequest(&PendingKeyRequest{RequestID: []byte("r1"), RoomID: "!r", SenderKey: []byte("k"), SessionID: []byte("s"), DeadlineMs: 10})
		require.Nil(err)
		require.True(created)
		second, created, err := s.InsertPendingKeyRequest(&PendingKeyRequest{RequestID: []byte("r2"), RoomID: "!r", SenderKey: []byte("k"), SessionID: []byte("s"), DeadlineMs: 10})
		require.Nil(err)
		require.False(created)
		require.Equal(first.RequestID, second.RequestID)

		due, err := s.DuePendingKeyRequests(5)
		require.Nil(err)
		require.Len(due, 0)
		due, err = s.DuePendingKeyRequests(10)
		require.Nil(err)
		require.Len(due, 1)
		require.Nil(s.MarkKeyRequestSent([]byte("r1")))
		due, err = s.DuePendingKeyRequests(10)
		require.Nil(err)
		require.Len(due, 0)
		require.Nil(s.DeletePendingKeyRequest([]byte("r1")))
		pkr, err := s.PendingKeyRequestByID([]byte("r1"))
		require.Nil(err)
		require.Nil(pkr)
		return nil
	}))
}
