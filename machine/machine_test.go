package machine

import (
	"context"
	"errors"
	"os"
	"sort"
	"sync"
	"testing"

	"github.com/meow-io/go-e2ee/clock"
	"github.com/meow-io/go-e2ee/config"
	"github.com/meow-io/go-e2ee/internal/test"
	"github.com/meow-io/go-e2ee/store"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	os.Exit(test.DBCleanup(m.Run))
}

// fakeServer holds published keys and to-device queues for every device in a test.
type fakeServer struct {
	mu         sync.Mutex
	devices    map[string]map[string]*DeviceKeys
	cross      map[string]*UserKeys
	otks       map[string][]*SignedOneTimeKey
	fallbacks  map[string]*SignedOneTimeKey
	inbox      map[string][]*ToDeviceMessage
	failUpload bool
	failFetch  bool
	onFetch    func()
}

func newFakeServer() *fakeServer {
	return &fakeServer{
		devices:   make(map[string]map[string]*DeviceKeys),
		cross:     make(map[string]*UserKeys),
		otks:      make(map[string][]*SignedOneTimeKey),
		fallbacks: make(map[string]*SignedOneTimeKey),
		inbox:     make(map[string][]*ToDeviceMessage),
	}
}

func addr(userID, deviceID string) string {
	return userID + "|" + deviceID
}

func (s *fakeServer) take(userID, deviceID string) []*ToDeviceMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.inbox[addr(userID, deviceID)]
	delete(s.inbox, addr(userID, deviceID))
	return msgs
}

func (s *fakeServer) count(userID, deviceID, typ string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, msg := range s.inbox[addr(userID, deviceID)] {
		if msg.Type == typ {
			n++
		}
	}
	return n
}

func (s *fakeServer) oneTimeKeyCount(userID, deviceID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.otks[addr(userID, deviceID)])
}

// drain removes every claimable key of a device.
func (s *fakeServer) drain(userID, deviceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.otks, addr(userID, deviceID))
	delete(s.fallbacks, addr(userID, deviceID))
}

func (s *fakeServer) removeDevice(userID, deviceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.devices[userID], deviceID)
}

type fakeTransport struct {
	server   *fakeServer
	userID   string
	deviceID string
}

func (t *fakeTransport) ClaimOneTimeKey(ctx context.Context, userID, deviceID string) (*SignedOneTimeKey, error) {
	t.server.mu.Lock()
	defer t.server.mu.Unlock()
	a := addr(userID, deviceID)
	if keys := t.server.otks[a]; len(keys) != 0 {
		t.server.otks[a] = keys[1:]
		return keys[0], nil
	}
	return t.server.fallbacks[a], nil
}

func (t *fakeTransport) UploadKeys(ctx context.Context, upload *KeyUpload) error {
	t.server.mu.Lock()
	defer t.server.mu.Unlock()
	if t.server.failUpload {
		return &TransportError{Kind: TransportNetwork, Op: "upload", Err: errors.New("offline")}
	}
	if upload.Device != nil {
		if t.server.devices[t.userID] == nil {
			t.server.devices[t.userID] = make(map[string]*DeviceKeys)
		}
		dk := *upload.Device
		t.server.devices[t.userID][t.deviceID] = &dk
	}
	a := addr(t.userID, t.deviceID)
	t.server.otks[a] = append(t.server.otks[a], upload.OneTimeKeys...)
	if upload.FallbackKey != nil {
		t.server.fallbacks[a] = upload.FallbackKey
	}
	return nil
}

func (t *fakeTransport) SendToDevice(ctx context.Context, userID, deviceID string, msg *ToDeviceMessage) error {
	t.server.mu.Lock()
	defer t.server.mu.Unlock()
	a := addr(userID, deviceID)
	t.server.inbox[a] = append(t.server.inbox[a], &ToDeviceMessage{Sender: t.userID, Type: msg.Type, Content: msg.Content})
	return nil
}

func (t *fakeTransport) FetchDeviceKeys(ctx context.Context, userIDs []string) (map[string]*UserKeys, error) {
	t.server.mu.Lock()
	if t.server.failFetch {
		t.server.mu.Unlock()
		return nil, &TransportError{Kind: TransportNetwork, Op: "fetch", Err: errors.New("offline")}
	}
	out := make(map[string]*UserKeys)
	for _, id := range userIDs {
		devices, ok := t.server.devices[id]
		if !ok {
			continue
		}
		uk := &UserKeys{UserID: id}
		if cs, ok := t.server.cross[id]; ok {
			uk.MasterKey = cs.MasterKey
			uk.SelfSigningKey = cs.SelfSigningKey
			uk.SelfSigningSignature = cs.SelfSigningSignature
		}
		for _, dk := range devices {
			c := *dk
			uk.Devices = append(uk.Devices, &c)
		}
		sort.Slice(uk.Devices, func(i, j int) bool { return uk.Devices[i].DeviceID < uk.Devices[j].DeviceID })
		out[id] = uk
	}
	hook := t.server.onFetch
	t.server.mu.Unlock()
	if hook != nil {
		hook()
	}
	return out, nil
}

type testDevice struct {
	userID   string
	deviceID string
	m        *Machine
	store    *store.Store
	clock    *clock.OffsetClock
	server   *fakeServer
}

func newTestDevice(t *testing.T, server *fakeServer, userID, deviceID string, opts ...config.Option) *testDevice {
	require := require.New(t)
	c := config.NewConfig(append([]config.Option{config.WithLoggingPrefix(addr(userID, deviceID))}, opts...)...)
	d := test.NewTestDatabase(c)
	s, err := store.New(c, d)
	require.Nil(err)
	clk := clock.NewOffsetClock()
	m := New(c, s, &fakeTransport{server: server, userID: userID, deviceID: deviceID}, WithClock(clk))
	require.Nil(m.GenerateAccount(userID, deviceID))
	require.Nil(m.EnsureKeys(context.Background(), 0))
	t.Cleanup(func() {
		m.Shutdown()
		_ = d.Shutdown()
	})
	return &testDevice{userID: userID, deviceID: deviceID, m: m, store: s, clock: clk, server: server}
}

// sync tracks the users and brings their device lists up to date.
func (td *testDevice) sync(t *testing.T, userIDs ...string) {
	require.Nil(t, td.m.Track(userIDs...))
	require.Nil(t, td.m.MarkOutdated(userIDs...))
	require.Nil(t, td.m.ResyncOutdated(context.Background()))
}

func (td *testDevice) device(t *testing.T, userID, deviceID string) *store.Device {
	d, err := td.m.Device(userID, deviceID)
	require.Nil(t, err)
	require.NotNil(t, d)
	return d
}

func (td *testDevice) deliver(t *testing.T) []error {
	var errs []error
	for _, msg := range td.server.take(td.userID, td.deviceID) {
		if err := td.m.HandleToDevice(context.Background(), msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

func (td *testDevice) event(env *GroupEnvelope, roomID, eventID string) *Event {
	return &Event{RoomID: roomID, EventID: eventID, Sender: td.userID, TimestampMs: 1000, Content: env}
}
