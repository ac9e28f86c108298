package e2ee

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/meow-io/go-e2ee/config"
	"github.com/meow-io/go-e2ee/machine"
	"github.com/stretchr/testify/require"
)

type homeserver struct {
	mu         sync.Mutex
	devices    map[string]map[string]*machine.DeviceKeys
	otks       map[string][]*machine.SignedOneTimeKey
	fallbacks  map[string]*machine.SignedOneTimeKey
	inbox      map[string][]*machine.ToDeviceMessage
	uploads    int
	failUpload bool
}

func newHomeserver() *homeserver {
	return &homeserver{
		devices:   make(map[string]map[string]*machine.DeviceKeys),
		otks:      make(map[string][]*machine.SignedOneTimeKey),
		fallbacks: make(map[string]*machine.SignedOneTimeKey),
		inbox:     make(map[string][]*machine.ToDeviceMessage),
	}
}

func (h *homeserver) published(userID, deviceID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.devices[userID][deviceID]
	return ok
}

func (h *homeserver) take(userID, deviceID string) []*machine.ToDeviceMessage {
	h.mu.Lock()
	defer h.mu.Unlock()
	a := userID + "|" + deviceID
	msgs := h.inbox[a]
	delete(h.inbox, a)
	return msgs
}

func (h *homeserver) setFailUpload(b bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failUpload = b
}

type connection struct {
	server   *homeserver
	userID   string
	deviceID string
}

func (c *connection) ClaimOneTimeKey(ctx context.Context, userID, deviceID string) (*machine.SignedOneTimeKey, error) {
	c.server.mu.Lock()
	defer c.server.mu.Unlock()
	a := userID + "|" + deviceID
	if keys := c.server.otks[a]; len(keys) != 0 {
		c.server.otks[a] = keys[1:]
		return keys[0], nil
	}
	return c.server.fallbacks[a], nil
}

func (c *connection) UploadKeys(ctx context.Context, upload *machine.KeyUpload) error {
	c.server.mu.Lock()
	defer c.server.mu.Unlock()
	c.server.uploads++
	if c.server.failUpload {
		return &machine.TransportError{Kind: machine.TransportNetwork, Op: "upload", Err: errors.New("unreachable")}
	}
	if upload.Device != nil {
		if c.server.devices[c.userID] == nil {
			c.server.devices[c.userID] = make(map[string]*machine.DeviceKeys)
		}
		c.server.devices[c.userID][c.deviceID] = upload.Device
	}
	a := c.userID + "|" + c.deviceID
	c.server.otks[a] = append(c.server.otks[a], upload.OneTimeKeys...)
	if upload.FallbackKey != nil {
		c.server.fallbacks[a] = upload.FallbackKey
	}
	return nil
}

func (c *connection) SendToDevice(ctx context.Context, userID, deviceID string, msg *machine.ToDeviceMessage) error {
	c.server.mu.Lock()
	defer c.server.mu.Unlock()
	a := userID + "|" + deviceID
	c.server.inbox[a] = append(c.server.inbox[a], &machine.ToDeviceMessage{Sender: c.userID, Type: msg.Type, Content: msg.Content})
	return nil
}

func (c *connection) FetchDeviceKeys(ctx context.Context, userIDs []string) (map[string]*machine.UserKeys, error) {
	c.server.mu.Lock()
	defer c.server.mu.Unlock()
	out := make(map[string]*machine.UserKeys)
	for _, id := range userIDs {
		devices, ok := c.server.devices[id]
		if !ok {
			continue
		}
		uk := &machine.UserKeys{UserID: id}
		for _, dk := range devices {
			uk.Devices = append(uk.Devices, dk)
		}
		out[id] = uk
	}
	return out, nil
}

func newTestInstance(t *testing.T, server *homeserver, userID, deviceID string, opts ...config.Option) *E2EE {
	require := require.New(t)
	c := config.NewConfig(append([]config.Option{
		config.WithRootDir(t.TempDir()),
		config.WithLoggingPrefix(fmt.Sprintf("%s/%s", userID, deviceID)),
	}, opts...)...)
	e, err := New(c, &connection{server: server, userID: userID, deviceID: deviceID})
	require.Nil(err)
	require.True(e.New())
	key, err := e.NewKey("password")
	require.Nil(err)
	require.Nil(e.Initialize(key, userID, deviceID))
	require.Nil(e.Start(context.Background()))
	t.Cleanup(func() {
		_ = e.Shutdown()
	})
	return e
}

func (e *E2EE) deliver(t *testing.T, server *homeserver) {
	m := e.Machine()
	for _, msg := range server.take(m.UserID(), m.DeviceID()) {
		require.Nil(t, e.OnToDeviceMessage(context.Background(), msg))
	}
}

func TestLifecycle(t *testing.T) {
	require := require.New(t)
	server := newHomeserver()
	c := config.NewConfig(config.WithRootDir(t.TempDir()), config.WithLoggingPrefix("lifecycle"))
	e, err := New(c, &connection{server: server, userID: "@alice:x", deviceID: "A1"})
	require.Nil(err)
	key, err := e.NewKey("password")
	require.Nil(err)

	_, err = e.EncryptForRoom(context.Background(), "!r:x", nil, []byte("early"))
	require.ErrorIs(err, ErrWrongState)
	require.ErrorIs(e.Open(key), ErrWrongState)

	require.Nil(e.Initialize(key, "@alice:x", "A1"))
	require.Equal(StateOpen, e.State())
	require.Nil(e.Start(context.Background()))
	require.True(e.Running())
	require.Eventually(func() bool { return server.published("@alice:x", "A1") }, 5*time.Second, 10*time.Millisecond)
	identity := e.Machine().IdentityKey()

	require.Nil(e.Shutdown())
	require.True(e.Initialized())
	require.ErrorIs(e.Initialize(key, "@alice:x", "A1"), ErrWrongState)

	require.Nil(e.Open(key))
	require.Equal("@alice:x", e.Machine().UserID())
	require.Equal(identity, e.Machine().IdentityKey())
	require.Nil(e.Shutdown())
}

func TestKeyUploadRetriesWithBackoff(t *testing.T) {
	server := newHomeserver()
	server.setFailUpload(true)
	newTestInstance(t, server, "@alice:x", "A1", config.WithKeyUploadBackoff(10, 20, 60000))

	require.Eventually(t, func() bool {
		server.mu.Lock()
		defer server.mu.Unlock()
		return server.uploads >= 2
	}, 5*time.Second, 10*time.Millisecond)
	require.False(t, server.published("@alice:x", "A1"))

	server.setFailUpload(false)
	require.Eventually(t, func() bool { return server.published("@alice:x", "A1") }, 5*time.Second, 10*time.Millisecond)
}

func TestOneTimeKeysToppedUpFromReportedCount(t *testing.T) {
	server := newHomeserver()
	alice := newTestInstance(t, server, "@alice:x", "A1", config.WithOneTimeKeys(10, 5))
	count := func() int {
		server.mu.Lock()
		defer server.mu.Unlock()
		return len(server.otks["@alice:x|A1"])
	}
	require.Eventually(t, func() bool { return count() == 10 }, 5*time.Second, 10*time.Millisecond)

	server.mu.Lock()
	server.otks["@alice:x|A1"] = server.otks["@alice:x|A1"][8:]
	server.mu.Unlock()
	alice.OnOneTimeKeyCount(2)
	require.Eventually(t, func() bool { return count() == 10 }, 5*time.Second, 10*time.Millisecond)
}

func TestRoomMessagesAcrossInstances(t *testing.T) {
	require := require.New(t)
	server := newHomeserver()
	alice := newTestInstance(t, server, "@alice:x", "A1")
	bob := newTestInstance(t, server, "@bob:x", "B1", config.WithDecryptWaitTimeoutMs(10000))
	require.Eventually(func() bool {
		return server.published("@alice:x", "A1") && server.published("@bob:x", "B1")
	}, 5*time.Second, 10*time.Millisecond)

	ctx := context.Background()
	members := []string{"@alice:x", "@bob:x"}
	var events []*machine.Event
	for i := 0; i < 6; i++ {
		env, err := alice.EncryptForRoom(ctx, "!r:x", members, []byte(fmt.Sprintf("message %d", i)))
		require.Nil(err)
		events = append(events, &machine.Event{RoomID: "!r:x", EventID: fmt.Sprintf("$%d", i), Sender: "@alice:x", TimestampMs: uint64(i), Content: env})
	}

	// the newest message arrives before the room key
	type outcome struct {
		res *machine.DecryptResult
		err error
	}
	outcomes := make(chan outcome, 2)
	for i := 0; i < 2; i++ {
		go func() {
			res, err := bob.DecryptEvent(ctx, events[5])
			outcomes <- outcome{res, err}
		}()
	}
	time.Sleep(50 * time.Millisecond)
	bob.deliver(t, server)
	for i := 0; i < 2; i++ {
		o := <-outcomes
		require.Nil(o.err)
		require.Equal([]byte("message 5"), o.res.Plaintext)
		require.Equal(uint32(5), o.res.MessageIndex)
	}

	res, err := bob.DecryptEvent(ctx, events[0])
	require.Nil(err)
	require.Equal([]byte("message 0"), res.Plaintext)
	require.Equal("A1", res.SenderDevice)
}

func TestDeviceListChangeTriggersResync(t *testing.T) {
	require := require.New(t)
	server := newHomeserver()
	alice := newTestInstance(t, server, "@alice:x", "A1")
	newTestInstance(t, server, "@bob:x", "B1")
	require.Eventually(func() bool { return server.published("@bob:x", "B1") }, 5*time.Second, 10*time.Millisecond)

	_, err := alice.EncryptForRoom(context.Background(), "!r:x", []string{"@bob:x"}, []byte("hi"))
	require.Nil(err)
	devices, err := alice.Machine().Devices("@bob:x")
	require.Nil(err)
	require.Len(devices, 1)

	newTestInstance(t, server, "@bob:x", "B2")
	require.Eventually(func() bool { return server.published("@bob:x", "B2") }, 5*time.Second, 10*time.Millisecond)
	require.Nil(alice.OnDeviceListChange("@bob:x"))
	require.Eventually(func() bool {
		devices, err := alice.Machine().Devices("@bob:x")
		return err == nil && len(devices) == 2
	}, 5*time.Second, 10*time.Millisecond)
}
