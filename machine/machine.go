// Package machine implements the device side of end-to-end encryption: the account and its
// one-time keys, pairwise sessions, group sessions in both directions, device list tracking and
// key sharing between devices.
package machine

import (
	"context"
	"sync"

	"github.com/meow-io/go-e2ee/clock"
	"github.com/meow-io/go-e2ee/config"
	"github.com/meow-io/go-e2ee/crypto"
	"github.com/meow-io/go-e2ee/internal/keylock"
	"github.com/meow-io/go-e2ee/ratchet"
	"github.com/meow-io/go-e2ee/store"
	"go.uber.org/zap"
)

const (
	deviceKeysLabel   = "e2ee device keys"
	oneTimeKeyLabel   = "e2ee one-time key"
	crossSigningLabel = "e2ee cross-signing"
	pairwiseADLabel   = "e2ee pairwise"
)

type Machine struct {
	config     *config.Config
	log        *zap.SugaredLogger
	store      *store.Store
	transport  Transport
	primitives ratchet.Primitives
	clock      clock.Clock

	accountMu    sync.Mutex
	account      *store.Account
	fallbackUsed bool

	creating *keylock.Map
	waits    *keylock.WaitGroups

	unwedgeMu   sync.Mutex
	lastUnwedge map[string]uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type Option func(*Machine)

func WithClock(c clock.Clock) Option {
	return func(m *Machine) {
		m.clock = c
	}
}

func WithPrimitives(p ratchet.Primitives) Option {
	return func(m *Machine) {
		m.primitives = p
	}
}

func New(c *config.Config, s *store.Store, t Transport, opts ...Option) *Machine {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Machine{
		config:      c,
		log:         c.Logger("machine"),
		store:       s,
		transport:   t,
		primitives:  ratchet.NewPrimitives(c.PairwiseMaxSkip, c.PairwiseMaxKeep, c.PairwiseMaxStoredKeys),
		clock:       clock.NewSystemClock(),
		creating:    keylock.NewMap(),
		waits:       keylock.NewWaitGroups(),
		lastUnwedge: make(map[string]uint64),
		ctx:         ctx,
		cancel:      cancel,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Shutdown stops background sends and waits for those in flight.
func (m *Machine) Shutdown() {
	m.cancel()
	m.wg.Wait()
}

func (m *Machine) background(f func(ctx context.Context)) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		f(m.ctx)
	}()
}

func (m *Machine) now() uint64 {
	return m.clock.CurrentTimeMs()
}

// elapsedMs is the time since a stored timestamp, or zero when the clock has gone back past it.
func (m *Machine) elapsedMs(since uint64) uint64 {
	now := m.now()
	if now < since {
		return 0
	}
	return now - since
}

// acct returns the cached account. Keys never change once generated, only the mutable counters
// are re-read from the store where they matter.
func (m *Machine) acct() (*store.Account, error) {
	m.accountMu.Lock()
	defer m.accountMu.Unlock()
	if m.account == nil {
		return nil, ErrNoAccount
	}
	return m.account, nil
}

func (m *Machine) identity() (*crypto.KeyPair, error) {
	a, err := m.acct()
	if err != nil {
		return nil, err
	}
	return &crypto.KeyPair{Private: a.IdentityPriv, Public: a.IdentityPub}, nil
}
