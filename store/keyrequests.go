package store

import (
	"fmt"
)

type PendingKeyRequest struct {
	RequestID        []byte `db:"request_id"`
	RoomID           string `db:"room_id"`
	SenderUser       string `db:"sender_user"`
	SenderKey        []byte `db:"sender_key"`
	SessionID        []byte `db:"session_id"`
	RequestingDevice string `db:"requesting_device"`
	DeadlineMs       uint64 `db:"deadline_ms"`
	Sent             bool   `db:"sent"`
}

// InsertPendingKeyRequest records the request unless one for the same session already exists,
// in which case the existing row is returned.
func (s *Store) InsertPendingKeyRequest(pkr *PendingKeyRequest) (*PendingKeyRequest, bool, error) {
	existing, err := s.PendingKeyRequest(pkr.RoomID, pkr.SenderKey, pkr.SessionID)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}
	if _, err := s.Tx.NamedExec("INSERT INTO _pending_key_requests (request_id, room_id, sender_user, sender_key, session_id, requesting_device, deadline_ms, sent) VALUES (:request_id, :room_id, :sender_user, :sender_key, :session_id, :requesting_device, :deadline_ms, :sent)", pkr); err != nil {
		return nil, false, fmt.Errorf("store: error inserting key request: %w", err)
	}
	return pkr, true, nil
}

func (s *Store) PendingKeyRequest(roomID string, senderKey, sessionID []byte) (*PendingKeyRequest, error) {
	pkr := &PendingKeyRequest{}
	if err := s.Tx.Get(pkr, "SELECT * FROM _pending_key_requests WHERE room_id = ? AND sender_key = ? AND session_id = ?", roomID, senderKey, sessionID); err != nil {
		if noRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: error getting key request: %w", err)
	}
	return pkr, nil
}

func (s *Store) PendingKeyRequestByID(requestID []byte) (*PendingKeyRequest, error) {
	pkr := &PendingKeyRequest{}
	if err := s.Tx.Get(pkr, "SELECT * FROM _pending_key_requests WHERE request_id = ?", requestID); err != nil {
		if noRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: error getting key request: %w", err)
	}
	return pkr, nil
}

// DuePendingKeyRequests lists unsent requests whose deadline has passed.
func (s *Store) DuePendingKeyRequests(nowMs uint64) ([]*PendingKeyRequest, error) {
	requests := []*PendingKeyRequest{}
	if err := s.Tx.Select(&requests, "SELECT * FROM _pending_key_requests WHERE sent = 0 AND deadline_ms <= ? ORDER BY deadline_ms", nowMs); err != nil {
		return nil, fmt.Errorf("store: error getting due key requests: %w", err)
	}
	return requests, nil
}

func (s *Store) MarkKeyRequestSent(requestID []byte) error {
	if _, err := s.Tx.Exec("UPDATE _pending_key_requests SET sent = 1 WHERE request_id = ?", requestID); err != nil {
		return fmt.Errorf("store: error marking key request sent: %w", err)
	}
	return nil
}

func (s *Store) DeletePendingKeyRequest(requestID []byte) error {
	if _, err := s.Tx.Exec("DELETE FROM _pending_key_requests WHERE request_id = ?", requestID); err != nil {
		return fmt.Errorf("store: error deleting key request: %w", err)
	}
	return nil
}
