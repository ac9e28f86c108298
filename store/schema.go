package store

import (
	"database/sql"

	"github.com/meow-io/go-e2ee/migration"
)

// SchemaVersion is the number of migrations in the "_e2ee" set. Migrations are only ever appended.
var SchemaVersion = len(migrations)

var migrations = []*migration.Migration{
	{
		Name: "Create initial tables",
		Func: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
				CREATE TABLE _account (
					id INTEGER PRIMARY KEY CHECK (id = 1),
					user_id TEXT NOT NULL,
					device_id TEXT NOT NULL,
					identity_priv BLOB NOT NULL,
					identity_pub BLOB NOT NULL,
					signing_priv BLOB NOT NULL,
					signing_pub BLOB NOT NULL,
					shared INTEGER NOT NULL,
					next_key_id INTEGER NOT NULL
				);

				CREATE TABLE _one_time_keys (
					key_id INTEGER PRIMARY KEY,
					priv BLOB NOT NULL,
					pub BLOB NOT NULL,
					fallback INTEGER NOT NULL,
					published INTEGER NOT NULL,
					ctime_ms INTEGER NOT NULL
				);
				CREATE UNIQUE INDEX one_time_keys_pub on _one_time_keys (pub);

				CREATE TABLE _devices (
					user_id TEXT NOT NULL,
					device_id TEXT NOT NULL,
					identity_key BLOB NOT NULL,
					signing_key BLOB NOT NULL,
					name TEXT NOT NULL,
					trust INTEGER NOT NULL,
					deleted INTEGER NOT NULL,
					PRIMARY KEY (user_id, device_id)
				);
				CREATE INDEX devices_identity_key on _devices (identity_key);

				CREATE TABLE _cross_signing_keys (
					user_id TEXT NOT NULL,
					usage TEXT NOT NULL,
					key BLOB NOT NULL,
					first_key BLOB NOT NULL,
					PRIMARY KEY (user_id, usage)
				);

				CREATE TABLE _cross_signing_signatures (
					signer_user TEXT NOT NULL,
					signer_key BLOB NOT NULL,
					target_user TEXT NOT NULL,
					target_key BLOB NOT NULL,
					signature BLOB NOT NULL,
					PRIMARY KEY (signer_key, target_key)
				);

				CREATE TABLE _trusted_master_keys (
					user_id TEXT PRIMARY KEY,
					key BLOB NOT NULL
				);

				CREATE TABLE _pairwise_sessions (
					sender_key BLOB NOT NULL,
					session_id BLOB NOT NULL,
					state BLOB NOT NULL,
					ctime_ms INTEGER NOT NULL,
					last_encrypted_ms INTEGER NOT NULL,
					last_decrypted_ms INTEGER NOT NULL,
					send_index INTEGER NOT NULL,
					recv_index INTEGER NOT NULL,
					prekey BLOB,
					PRIMARY KEY (sender_key, session_id)
				);

				CREATE TABLE _outbound_group_sessions (
					room_id TEXT PRIMARY KEY,
					session_id BLOB NOT NULL,
					state BLOB NOT NULL,
					ctime_ms INTEGER NOT NULL,
					message_count INTEGER NOT NULL,
					max_messages INTEGER NOT NULL,
					max_age_ms INTEGER NOT NULL,
					shared INTEGER NOT NULL
				);

				CREATE TABLE _outbound_group_shares (
					room_id TEXT NOT NULL,
					session_id BLOB NOT NULL,
					user_id TEXT NOT NULL,
					device_id TEXT NOT NULL,
					identity_key BLOB NOT NULL,
					withheld TEXT NOT NULL,
					PRIMARY KEY (room_id, session_id, user_id, device_id)
				);

				CREATE TABLE _inbound_group_sessions (
					room_id TEXT NOT NULL,
					sender_key BLOB NOT NULL,
					session_id BLOB NOT NULL,
					state BLOB NOT NULL,
					signing_key BLOB NOT NULL,
					received_ms INTEGER NOT NULL,
					max_age_ms INTEGER NOT NULL,
					max_messages INTEGER NOT NULL,
					forwarded INTEGER NOT NULL,
					forwarding_chain BLOB NOT NULL,
					first_index INTEGER NOT NULL,
					next_index INTEGER NOT NULL,
					missed_indices BLOB NOT NULL,
					PRIMARY KEY (room_id, sender_key, session_id)
				);
				CREATE INDEX inbound_group_sessions_session on _inbound_group_sessions (sender_key, session_id);

				CREATE TABLE _group_message_indices (
					sender_key BLOB NOT NULL,
					session_id BLOB NOT NULL,
					message_index INTEGER NOT NULL,
					event_id TEXT NOT NULL,
					timestamp_ms INTEGER NOT NULL,
					PRIMARY KEY (sender_key, session_id, message_index)
				);

				CREATE TABLE _tracked_users (
					user_id TEXT PRIMARY KEY,
					version INTEGER NOT NULL,
					tracked INTEGER NOT NULL,
					outdated INTEGER NOT NULL
				);

				CREATE TABLE _pending_key_requests (
					request_id BLOB PRIMARY KEY,
					room_id TEXT NOT NULL,
					sender_user TEXT NOT NULL,
					sender_key BLOB NOT NULL,
					session_id BLOB NOT NULL,
					requesting_device TEXT NOT NULL,
					deadline_ms INTEGER NOT NULL,
					sent INTEGER NOT NULL
				);
				CREATE UNIQUE INDEX pending_key_requests_session on _pending_key_requests (room_id, sender_key, session_id);
			`)
			return err
		},
	},
	{
		Name: "Track skipped pairwise indices",
		Func: func(tx *sql.Tx) error {
			_, err := tx.Exec(`ALTER TABLE _pairwise_sessions ADD COLUMN missed_indices BLOB`)
			return err
		},
	},
}
