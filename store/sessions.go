package store

import (
	"fmt"
)

type PairwiseSession struct {
	SenderKey       []byte `db:"sender_key"`
	SessionID       []byte `db:"session_id"`
	State           []byte `db:"state"`
	CtimeMs         uint64 `db:"ctime_ms"`
	LastEncryptedMs uint64 `db:"last_encrypted_ms"`
	LastDecryptedMs uint64 `db:"last_decrypted_ms"`
	SendIndex       uint64 `db:"send_index"`
	RecvIndex       uint64 `db:"recv_index"`
	Prekey          []byte `db:"prekey"`
	// MissedIndices lists receive indices skipped over that may still arrive late.
	MissedIndices []byte `db:"missed_indices"`
}

type OutboundGroupSession struct {
	RoomID       string `db:"room_id"`
	SessionID    []byte `db:"session_id"`
	State        []byte `db:"state"`
	CtimeMs      uint64 `db:"ctime_ms"`
	MessageCount uint64 `db:"message_count"`
	MaxMessages  uint64 `db:"max_messages"`
	MaxAgeMs     uint64 `db:"max_age_ms"`
	Shared       bool   `db:"shared"`
}

type OutboundGroupShare struct {
	RoomID      string `db:"room_id"`
	SessionID   []byte `db:"session_id"`
	UserID      string `db:"user_id"`
	DeviceID    string `db:"device_id"`
	IdentityKey []byte `db:"identity_key"`
	Withheld    string `db:"withheld"`
}

type InboundGroupSession struct {
	RoomID          string `db:"room_id"`
	SenderKey       []byte `db:"sender_key"`
	SessionID       []byte `db:"session_id"`
	State           []byte `db:"state"`
	SigningKey      []byte `db:"signing_key"`
	ReceivedMs      uint64 `db:"received_ms"`
	MaxAgeMs        uint64 `db:"max_age_ms"`
	MaxMessages     uint64 `db:"max_messages"`
	Forwarded       bool   `db:"forwarded"`
	ForwardingChain []byte `db:"forwarding_chain"`
	FirstIndex      uint64 `db:"first_index"`
	NextIndex       uint64 `db:"next_index"`
	MissedIndices   []byte `db:"missed_indices"`
}

type MessageIndex struct {
	SenderKey    []byte `db:"sender_key"`
	SessionID    []byte `db:"session_id"`
	MessageIndex uint64 `db:"message_index"`
	EventID      string `db:"event_id"`
	TimestampMs  uint64 `db:"timestamp_ms"`
}

func (s *Store) PairwiseSession(senderKey, sessionID []byte) (*PairwiseSession, error) {
	ps := &PairwiseSession{}
	if err := s.Tx.Get(ps, "SELECT * FROM _pairwise_sessions WHERE sender_key = ? AND session_id = ?", senderKey, sessionID); err != nil {
		if noRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: error getting pairwise session: %w", err)
	}
	return ps, nil
}

// PairwiseSessions lists the sessions with a device in selection order: most recently decrypted
// first, then newest created.
func (s *Store) PairwiseSessions(senderKey []byte) ([]*PairwiseSession, error) {
	sessions := []*PairwiseSession{}
	if err := s.Tx.Select(&sessions, "SELECT * FROM _pairwise_sessions WHERE sender_key = ? ORDER BY last_decrypted_ms DESC, ctime_ms DESC, rowid DESC", senderKey); err != nil {
		return nil, fmt.Errorf("store: error getting pairwise sessions: %w", err)
	}
	return sessions, nil
}

func (s *Store) UpsertPairwiseSession(ps *PairwiseSession) error {
	if _, err := s.Tx.NamedExec("INSERT INTO _pairwise_sessions (sender_key, session_id, state, ctime_ms, last_encrypted_ms, last_decrypted_ms, send_index, recv_index, prekey, missed_indices) VALUES (:sender_key, :session_id, :state, :ctime_ms, :last_encrypted_ms, :last_decrypted_ms, :send_index, :recv_index, :prekey, :missed_indices) ON CONFLICT(sender_key, session_id) DO UPDATE SET state = :state, last_encrypted_ms = :last_encrypted_ms, last_decrypted_ms = :last_decrypted_ms, send_index = :send_index, recv_index = :recv_index, prekey = :prekey, missed_indices = :missed_indices", ps); err != nil {
		return fmt.Errorf("store: error upserting pairwise session: %w", err)
	}
	return nil
}

func (s *Store) OutboundGroupSession(roomID string) (*OutboundGroupSession, error) {
	ogs := &OutboundGroupSession{}
	if err := s.Tx.Get(ogs, "SELECT * FROM _outbound_group_sessions WHERE room_id = ?", roomID); err != nil {
		if noRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: error getting outbound group session: %w", err)
	}
	return ogs, nil
}

// UpsertOutboundGroupSession stores the active session of a room, replacing any previous one along
// with its share list.
func (s *Store) UpsertOutboundGroupSession(ogs *OutboundGroupSession) error {
	if _, err := s.Tx.Exec("DELETE FROM _outbound_group_shares WHERE room_id = ? AND session_id != ?", ogs.RoomID, ogs.SessionID); err != nil {
		return fmt.Errorf("store: error clearing old shares: %w", err)
	}
	if _, err := s.Tx.NamedExec("INSERT INTO _outbound_group_sessions (room_id, session_id, state, ctime_ms, message_count, max_messages, max_age_ms, shared) VALUES (:room_id, :session_id, :state, :ctime_ms, :message_count, :max_messages, :max_age_ms, :shared) ON CONFLICT(room_id) DO UPDATE SET session_id = :session_id, state = :state, ctime_ms = :ctime_ms, message_count = :message_count, max_messages = :max_messages, max_age_ms = :max_age_ms, shared = :shared", ogs); err != nil {
		return fmt.Errorf("store: error upserting outbound group session: %w", err)
	}
	return nil
}

func (s *Store) DeleteOutboundGroupSession(roomID string) error {
	if _, err := s.Tx.Exec("DELETE FROM _outbound_group_shares WHERE room_id = ?", roomID); err != nil {
		return fmt.Errorf("store: error deleting shares: %w", err)
	}
	if _, err := s.Tx.Exec("DELETE FROM _outbound_group_sessions WHERE room_id = ?", roomID); err != nil {
		return fmt.Errorf("store: error deleting outbound group session: %w", err)
	}
	return nil
}

func (s *Store) OutboundGroupShares(roomID string, sessionID []byte) ([]*OutboundGroupShare, error) {
	shares := []*OutboundGroupShare{}
	if err := s.Tx.Select(&shares, "SELECT * FROM _outbound_group_shares WHERE room_id = ? AND session_id = ? ORDER BY user_id, device_id", roomID, sessionID); err != nil {
		return nil, fmt.Errorf("store: error getting shares: %w", err)
	}
	return shares, nil
}

func (s *Store) UpsertOutboundGroupShare(share *OutboundGroupShare) error {
	if _, err := s.Tx.NamedExec("INSERT INTO _outbound_group_shares (room_id, session_id, user_id, device_id, identity_key, withheld) VALUES (:room_id, :session_id, :user_id, :device_id, :identity_key, :withheld) ON CONFLICT(room_id, session_id, user_id, device_id) DO UPDATE SET identity_key = :identity_key, withheld = :withheld", share); err != nil {
		return fmt.Errorf("store: error upserting share: %w", err)
	}
	return nil
}

func (s *Store) InboundGroupSession(roomID string, senderKey, sessionID []byte) (*InboundGroupSession, error) {
	igs := &InboundGroupSession{}
	if err := s.Tx.Get(igs, "SELECT * FROM _inbound_group_sessions WHERE room_id = ? AND sender_key = ? AND session_id = ?", roomID, senderKey, sessionID); err != nil {
		if noRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: error getting inbound group session: %w", err)
	}
	return igs, nil
}

// InsertInboundGroupSession creates the session unless it exists. It reports whether a row was added.
func (s *Store) InsertInboundGroupSession(igs *InboundGroupSession) (bool, error) {
	res, err := s.Tx.NamedExec("INSERT INTO _inbound_group_sessions (room_id, sender_key, session_id, state, signing_key, received_ms, max_age_ms, max_messages, forwarded, forwarding_chain, first_index, next_index, missed_indices) VALUES (:room_id, :sender_key, :session_id, :state, :signing_key, :received_ms, :max_age_ms, :max_messages, :forwarded, :forwarding_chain, :first_index, :next_index, :missed_indices) ON CONFLICT(room_id, sender_key, session_id) DO NOTHING", igs)
	if err != nil {
		return false, fmt.Errorf("store: error inserting inbound group session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n != 0, nil
}

func (s *Store) UpdateInboundGroupSession(igs *InboundGroupSession) error {
	if _, err := s.Tx.NamedExec("UPDATE _inbound_group_sessions SET state = :state, signing_key = :signing_key, forwarded = :forwarded, forwarding_chain = :forwarding_chain, first_index = :first_index, next_index = :next_index, missed_indices = :missed_indices WHERE room_id = :room_id AND sender_key = :sender_key AND session_id = :session_id", igs); err != nil {
		return fmt.Errorf("store: error updating inbound group session: %w", err)
	}
	return nil
}

func (s *Store) DeleteInboundGroupSession(roomID string, senderKey, sessionID []byte) error {
	if _, err := s.Tx.Exec("DELETE FROM _inbound_group_sessions WHERE room_id = ? AND sender_key = ? AND session_id = ?", roomID, senderKey, sessionID); err != nil {
		return fmt.Errorf("store: error deleting inbound group session: %w", err)
	}
	return nil
}

func (s *Store) InboundGroupSessions() ([]*InboundGroupSession, error) {
	sessions := []*InboundGroupSession{}
	if err := s.Tx.Select(&sessions, "SELECT * FROM _inbound_group_sessions ORDER BY received_ms"); err != nil {
		return nil, fmt.Errorf("store: error getting inbound group sessions: %w", err)
	}
	return sessions, nil
}

func (s *Store) MessageIndex(senderKey, sessionID []byte, index uint64) (*MessageIndex, error) {
	mi := &MessageIndex{}
	if err := s.Tx.Get(mi, "SELECT * FROM _group_message_indices WHERE sender_key = ? AND session_id = ? AND message_index = ?", senderKey, sessionID, index); err != nil {
		if noRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: error getting message index: %w", err)
	}
	return mi, nil
}

func (s *Store) InsertMessageIndex(mi *MessageIndex) error {
	if _, err := s.Tx.NamedExec("INSERT INTO _group_message_indices (sender_key, session_id, message_index, event_id, timestamp_ms) VALUES (:sender_key, :session_id, :message_index, :event_id, :timestamp_ms)", mi); err != nil {
		return fmt.Errorf("store: error inserting message index: %w", err)
	}
	return nil
}
