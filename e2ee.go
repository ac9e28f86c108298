// Package e2ee provides the application-facing interface of the encryption machine. It owns the
// encrypted database, keeps the device's one-time keys topped up, tracks device lists and
// escalates key requests in the background, and exposes room encryption and event decryption.
package e2ee

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/meow-io/go-e2ee/clock"
	"github.com/meow-io/go-e2ee/config"
	"github.com/meow-io/go-e2ee/internal/db"
	"github.com/meow-io/go-e2ee/machine"
	"github.com/meow-io/go-e2ee/store"
	"go.uber.org/zap"
)

const (
	StateNew = iota
	StateInitialized
	StateOpen
	StateRunning
)

var ErrWrongState = errors.New("e2ee: wrong state")

type E2EE struct {
	DB        *db.Database
	config    *config.Config
	log       *zap.SugaredLogger
	state     int
	stateLock sync.Mutex
	clock     clock.Clock
	transport machine.Transport
	opts      []machine.Option
	store     *store.Store
	machine   *machine.Machine

	keyCounts  chan int
	resync     chan struct{}
	cancelFunc context.CancelFunc
	finished   sync.WaitGroup
}

// New prepares an instance rooted at the configured directory. Options are passed through to
// the machine.
func New(c *config.Config, t machine.Transport, opts ...machine.Option) (*E2EE, error) {
	log := c.Logger("")
	absRootPath, err := filepath.Abs(c.RootDir)
	if err != nil {
		return nil, err
	}
	c.RootDir = absRootPath
	log.Debugf("making e2ee, using root path of %s", c.RootDir)

	if err := os.MkdirAll(c.RootDir, 0o700); err != nil {
		return nil, err
	}
	d, err := db.NewDatabase(c, path.Join(c.RootDir, "e2ee.db"))
	if err != nil {
		return nil, err
	}

	state := StateNew
	if d.Initialized() {
		state = StateInitialized
	}

	return &E2EE{
		DB:        d,
		config:    c,
		log:       log,
		state:     state,
		clock:     clock.NewSystemClock(),
		transport: t,
		opts:      opts,
		keyCounts: make(chan int, 1),
		resync:    make(chan struct{}, 1),
	}, nil
}

// NewKey derives a database key from a password and the salt stored next to the database.
func (e *E2EE) NewKey(password string) ([]byte, error) {
	return newKey(password, e.config.RootDir, "salt")
}

func (e *E2EE) State() int {
	e.stateLock.Lock()
	defer e.stateLock.Unlock()
	return e.state
}

func (e *E2EE) setState(state int) {
	e.stateLock.Lock()
	defer e.stateLock.Unlock()
	e.state = state
}

func (e *E2EE) New() bool {
	return e.State() == StateNew
}

func (e *E2EE) Initialized() bool {
	return e.State() == StateInitialized
}

func (e *E2EE) Running() bool {
	return e.State() == StateRunning
}

// Machine gives access to the lower level operations, such as device verification.
func (e *E2EE) Machine() *machine.Machine {
	return e.machine
}

// Initialize creates the database and the device account, leaving the instance open.
func (e *E2EE) Initialize(key []byte, userID, deviceID string) error {
	if e.State() != StateNew {
		return fmt.Errorf("%w: cannot initialize unless in state new", ErrWrongState)
	}
	if err := e.DB.Initialize(key); err != nil {
		return err
	}
	e.setState(StateInitialized)
	if err := e.open(key); err != nil {
		return err
	}
	return e.machine.GenerateAccount(userID, deviceID)
}

// Open unlocks an existing database and loads the account.
func (e *E2EE) Open(key []byte) error {
	if err := e.open(key); err != nil {
		return err
	}
	return e.machine.Load()
}

func (e *E2EE) open(key []byte) error {
	if e.State() != StateInitialized {
		return fmt.Errorf("%w: cannot open unless in state initialized", ErrWrongState)
	}
	if err := e.DB.Open(key); err != nil {
		return err
	}
	s, err := store.New(e.config, e.DB)
	if err != nil {
		return err
	}
	e.store = s
	e.machine = machine.New(e.config, s, e.transport, append([]machine.Option{machine.WithClock(e.clock)}, e.opts...)...)
	e.setState(StateOpen)
	return nil
}

// Start runs the background loops until Shutdown or until ctx ends. Keys not yet known to the
// server are uploaded and due key requests are sent straight away.
func (e *E2EE) Start(ctx context.Context) error {
	if e.State() != StateOpen {
		return fmt.Errorf("%w: cannot start unless open", ErrWrongState)
	}
	ctx, cancelFunc := context.WithCancel(ctx)
	e.cancelFunc = cancelFunc

	e.startKeyMaintenance(ctx)
	e.startResync(ctx)
	e.startEscalation(ctx)
	e.startHygiene(ctx)

	// the server count is unknown until reported, so only publish what is pending
	e.OnOneTimeKeyCount(e.config.OneTimeKeyMinimum)
	e.triggerResync()
	e.setState(StateRunning)
	return nil
}

func (e *E2EE) Shutdown() error {
	state := e.State()
	if state != StateRunning && state != StateOpen {
		return nil
	}
	if e.cancelFunc != nil {
		e.cancelFunc()
		e.finished.Wait()
		e.cancelFunc = nil
	}
	e.machine.Shutdown()

	errs := make([]string, 0)
	if err := e.DB.Shutdown(); err != nil {
		errs = append(errs, err.Error())
	}
	if len(errs) != 0 {
		return fmt.Errorf("error during shutdown: %s", strings.Join(errs, ", "))
	}
	e.machine = nil
	e.store = nil
	e.setState(StateInitialized)
	return nil
}

func (e *E2EE) ready() error {
	switch e.State() {
	case StateOpen, StateRunning:
		return nil
	}
	return fmt.Errorf("%w: not open", ErrWrongState)
}

// EncryptForRoom encrypts plaintext for every live device of the room members, sharing a new
// group session first when membership or session age requires it. Members with stale device
// lists are refreshed before their devices are used.
func (e *E2EE) EncryptForRoom(ctx context.Context, roomID string, members []string, plaintext []byte) (*machine.GroupEnvelope, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if err := e.machine.Track(members...); err != nil {
		return nil, err
	}
	var stale []string
	for _, u := range members {
		_, current, err := e.machine.IsTracked(u)
		if err != nil {
			return nil, err
		}
		if !current {
			stale = append(stale, u)
		}
	}
	if len(stale) != 0 {
		if err := e.machine.Resync(ctx, stale); err != nil {
			// encrypting for the devices already known beats not sending at all
			e.log.Warnf("error refreshing devices of %v: %s", stale, err)
		}
	}

	var devices []*store.Device
	for _, u := range members {
		ds, err := e.machine.Devices(u)
		if err != nil {
			return nil, err
		}
		devices = append(devices, ds...)
	}

	for attempt := 0; ; attempt++ {
		if _, err := e.machine.GetOrRotate(ctx, roomID, devices); err != nil {
			return nil, err
		}
		env, err := e.machine.EncryptGroup(roomID, plaintext)
		// another caller may have used up the session in between
		if errors.Is(err, machine.ErrSessionRotationRequired) && attempt == 0 {
			continue
		}
		return env, err
	}
}

// DecryptEvent decrypts a room event, waiting a bounded time for a missing key. A result
// matching machine.IsPending may succeed when retried later.
func (e *E2EE) DecryptEvent(ctx context.Context, ev *machine.Event) (*machine.DecryptResult, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	return e.machine.Decrypt(ctx, ev)
}

// OnDeviceListChange records that the server reported new device lists for the users.
func (e *E2EE) OnDeviceListChange(userIDs ...string) error {
	if err := e.ready(); err != nil {
		return err
	}
	if err := e.machine.MarkOutdated(userIDs...); err != nil {
		return err
	}
	e.triggerResync()
	return nil
}

func (e *E2EE) OnToDeviceMessage(ctx context.Context, msg *machine.ToDeviceMessage) error {
	if err := e.ready(); err != nil {
		return err
	}
	return e.machine.HandleToDevice(ctx, msg)
}

// OnOneTimeKeyCount hands the server's count of unclaimed one-time keys to the key maintenance
// loop. Only the latest count is kept.
func (e *E2EE) OnOneTimeKeyCount(n int) {
	for {
		select {
		case e.keyCounts <- n:
			return
		default:
		}
		select {
		case <-e.keyCounts:
		default:
		}
	}
}

func (e *E2EE) triggerResync() {
	select {
	case e.resync <- struct{}{}:
	default:
	}
}

func millis(n int64) time.Duration {
	return time.Duration(n) * time.Millisecond
}

func (e *E2EE) newKeyBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = millis(e.config.KeyUploadInitialBackoffMs)
	b.MaxInterval = millis(e.config.KeyUploadMaxBackoffMs)
	b.MaxElapsedTime = millis(e.config.KeyUploadMaxElapsedMs)
	return b
}

// ensureKeys retries transient upload failures with exponential backoff. It gives up once the
// backoff is exhausted; the next reported count starts over.
func (e *E2EE) ensureKeys(ctx context.Context, count int) error {
	b := e.newKeyBackOff()
	b.Reset()
	for tries := 1; ; tries++ {
		err := e.machine.EnsureKeys(ctx, count)
		var kue *machine.KeyUploadError
		if err == nil || !errors.As(err, &kue) {
			return err
		}
		next := b.NextBackOff()
		if next == backoff.Stop {
			e.log.Warnf("giving up key upload after %d tries: %s", tries, err)
			return err
		}
		e.log.Debugf("key upload failed, retrying in %s: %s", next, err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(next):
		}
	}
}

func (e *E2EE) startKeyMaintenance(ctx context.Context) {
	e.finished.Add(1)
	go func() {
		defer e.finished.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case n := <-e.keyCounts:
				if err := e.ensureKeys(ctx, n); err != nil && ctx.Err() == nil {
					e.log.Errorf("error maintaining one-time keys: %s", err)
				}
			}
		}
	}()
}

func (e *E2EE) startResync(ctx context.Context) {
	e.finished.Add(1)
	go func() {
		defer e.finished.Done()
		ticker := time.NewTicker(millis(e.config.ResyncIntervalMs))
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			case <-e.resync:
			}
			if err := e.machine.ResyncOutdated(ctx); err != nil && ctx.Err() == nil {
				e.log.Warnf("error resyncing device lists: %s", err)
			}
		}
	}()
}

func (e *E2EE) startEscalation(ctx context.Context) {
	e.finished.Add(1)
	go func() {
		defer e.finished.Done()
		ticker := time.NewTicker(millis(e.config.EscalationIntervalMs))
		defer ticker.Stop()
		for {
			// requests left over from before a restart are due immediately
			if err := e.machine.EscalatePendingRequests(ctx); err != nil && ctx.Err() == nil {
				e.log.Warnf("error escalating key requests: %s", err)
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

func (e *E2EE) startHygiene(ctx context.Context) {
	e.finished.Add(1)
	go func() {
		defer e.finished.Done()
		ticker := time.NewTicker(millis(e.config.HygieneIntervalMs))
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, _, err := e.machine.Sweep(); err != nil {
					e.log.Errorf("error sweeping inbound sessions: %s", err)
				}
			}
		}
	}()
}
