// Package store owns every durable row of the encryption machine. Query methods run inside the
// transaction opened by Run or RunReadOnly; the With* accessors add the per-session locks which
// serialize ratchet mutation.
package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/meow-io/go-e2ee/config"
	"github.com/meow-io/go-e2ee/internal/db"
	"github.com/meow-io/go-e2ee/internal/keylock"
	"go.uber.org/zap"
)

type Store struct {
	*db.Database
	log   *zap.SugaredLogger
	locks *keylock.Map
}

func New(c *config.Config, d *db.Database) (*Store, error) {
	if err := d.Migrate("_e2ee", migrations); err != nil {
		return nil, fmt.Errorf("store: error migrating: %w", err)
	}
	return &Store{
		Database: d,
		log:      c.Logger("store"),
		locks:    keylock.NewMap(),
	}, nil
}

func pairwiseLockKey(senderKey, sessionID []byte) string {
	return fmt.Sprintf("pairwise:%x:%x", senderKey, sessionID)
}

func outboundLockKey(roomID string) string {
	return fmt.Sprintf("outbound:%s", roomID)
}

func rotationLockKey(roomID string) string {
	return fmt.Sprintf("rotate:%s", roomID)
}

// LockRoomRotation serializes outbound session creation for a room. It is held across the share
// round trip, so it is distinct from the outbound session lock.
func (s *Store) LockRoomRotation(roomID string) func() {
	return s.locks.Lock(rotationLockKey(roomID))
}

// WithPairwiseSession runs f over the stored session under its lock within one transaction. A
// non-nil session returned by f is persisted before the transaction commits.
func (s *Store) WithPairwiseSession(label string, senderKey, sessionID []byte, f func(*PairwiseSession) (*PairwiseSession, error)) error {
	unlock := s.locks.Lock(pairwiseLockKey(senderKey, sessionID))
	defer unlock()
	return s.Run(label, func() error {
		ps, err := s.PairwiseSession(senderKey, sessionID)
		if err != nil {
			return err
		}
		next, err := f(ps)
		if err != nil {
			return err
		}
		if next != nil {
			return s.UpsertPairwiseSession(next)
		}
		return nil
	})
}

// WithOutboundGroupSession does for the active outbound session of a room what WithPairwiseSession
// does for pairwise sessions.
func (s *Store) WithOutboundGroupSession(label, roomID string, f func(*OutboundGroupSession) (*OutboundGroupSession, error)) error {
	unlock := s.locks.Lock(outboundLockKey(roomID))
	defer unlock()
	return s.Run(label, func() error {
		ogs, err := s.OutboundGroupSession(roomID)
		if err != nil {
			return err
		}
		next, err := f(ogs)
		if err != nil {
			return err
		}
		if next != nil {
			return s.UpsertOutboundGroupSession(next)
		}
		return nil
	})
}

func noRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
