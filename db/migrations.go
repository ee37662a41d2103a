package db

import (
	"database/sql"

	"github.com/charmbracelet/log"
)

const (
	sqlCreateNotesTable = `CREATE TABLE IF NOT EXISTS notes (
		id TEXT NOT NULL PRIMARY KEY,
		user_id TEXT NOT NULL,
		message TEXT,
		object_uri TEXT NOT NULL DEFAULT '',
		in_reply_to_uri TEXT NOT NULL DEFAULT '',
		renote_id TEXT,
		renote_count INTEGER NOT NULL DEFAULT 0,
		sensitive INTEGER NOT NULL DEFAULT 0,
		content_warning TEXT NOT NULL DEFAULT '',
		deleted INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		edited_at TIMESTAMP
	)`

	// A partial unique index keeps object_uri unique once set while
	// allowing many local rows that have not federated yet.
	sqlCreateNotesIndices = `
		CREATE INDEX IF NOT EXISTS idx_notes_user_id ON notes(user_id);
		CREATE INDEX IF NOT EXISTS idx_notes_created_at ON notes(created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_notes_renote_id ON notes(renote_id);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_notes_object_uri ON notes(object_uri) WHERE object_uri <> '';
	`

	sqlCreateRemoteAccountsTable = `CREATE TABLE IF NOT EXISTS remote_accounts (
		id TEXT NOT NULL PRIMARY KEY,
		username TEXT NOT NULL,
		domain TEXT NOT NULL,
		actor_uri TEXT UNIQUE NOT NULL,
		display_name TEXT NOT NULL DEFAULT '',
		summary TEXT NOT NULL DEFAULT '',
		inbox_uri TEXT NOT NULL,
		shared_inbox_uri TEXT NOT NULL DEFAULT '',
		outbox_uri TEXT NOT NULL DEFAULT '',
		public_key_pem TEXT NOT NULL,
		avatar_url TEXT NOT NULL DEFAULT '',
		also_known_as TEXT NOT NULL DEFAULT '[]',
		last_fetched_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(username, domain)
	)`

	sqlCreateRemoteAccountsIndices = `
		CREATE INDEX IF NOT EXISTS idx_remote_accounts_actor_uri ON remote_accounts(actor_uri);
		CREATE INDEX IF NOT EXISTS idx_remote_accounts_domain ON remote_accounts(domain);
	`

	sqlCreateFollowsTable = `CREATE TABLE IF NOT EXISTS follows (
		id TEXT NOT NULL PRIMARY KEY,
		account_id TEXT NOT NULL,
		target_account_id TEXT NOT NULL,
		uri TEXT NOT NULL DEFAULT '',
		accepted INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(account_id, target_account_id)
	)`

	sqlCreateFollowsIndices = `
		CREATE INDEX IF NOT EXISTS idx_follows_account_id ON follows(account_id);
		CREATE INDEX IF NOT EXISTS idx_follows_target_account_id ON follows(target_account_id);
		CREATE INDEX IF NOT EXISTS idx_follows_uri ON follows(uri);
	`

	sqlCreateReactionsTable = `CREATE TABLE IF NOT EXISTS reactions (
		id TEXT NOT NULL PRIMARY KEY,
		account_id TEXT NOT NULL,
		note_id TEXT NOT NULL,
		reaction TEXT NOT NULL,
		custom_emoji_url TEXT NOT NULL DEFAULT '',
		uri TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(account_id, note_id, reaction)
	)`

	sqlCreateReactionsIndices = `
		CREATE INDEX IF NOT EXISTS idx_reactions_note_id ON reactions(note_id);
		CREATE INDEX IF NOT EXISTS idx_reactions_account_id ON reactions(account_id);
	`

	// The unique activity_uri column is what makes the replay check a
	// single atomic insert.
	sqlCreateReceivedTable = `CREATE TABLE IF NOT EXISTS received_activities (
		id TEXT NOT NULL PRIMARY KEY,
		activity_uri TEXT UNIQUE NOT NULL,
		received_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	sqlCreateReceivedIndices = `
		CREATE INDEX IF NOT EXISTS idx_received_activities_received_at ON received_activities(received_at);
	`

	sqlCreateDeliveryQueueTable = `CREATE TABLE IF NOT EXISTS delivery_queue (
		id TEXT NOT NULL PRIMARY KEY,
		inbox_uri TEXT NOT NULL,
		activity_json TEXT NOT NULL,
		key_id TEXT NOT NULL DEFAULT '',
		attempts INTEGER NOT NULL DEFAULT 0,
		next_retry_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	sqlCreateDeliveryQueueIndices = `
		CREATE INDEX IF NOT EXISTS idx_delivery_queue_next_retry ON delivery_queue(next_retry_at);
	`
)

// RunMigrations creates all tables and indices. Everything is
// IF NOT EXISTS, so running on an existing database is a no-op.
func (db *DB) RunMigrations() error {
	tables := []struct {
		name string
		ddl  string
	}{
		{"accounts", sqlCreateAccountsTable},
		{"notes", sqlCreateNotesTable},
		{"remote_accounts", sqlCreateRemoteAccountsTable},
		{"follows", sqlCreateFollowsTable},
		{"reactions", sqlCreateReactionsTable},
		{"received_activities", sqlCreateReceivedTable},
		{"delivery_queue", sqlCreateDeliveryQueueTable},
	}
	indices := []string{
		sqlCreateNotesIndices,
		sqlCreateRemoteAccountsIndices,
		sqlCreateFollowsIndices,
		sqlCreateReactionsIndices,
		sqlCreateReceivedIndices,
		sqlCreateDeliveryQueueIndices,
	}

	return db.wrapTransaction(func(tx *sql.Tx) error {
		for _, table := range tables {
			if err := createTable(tx, table.ddl, table.name); err != nil {
				return err
			}
		}
		for _, idx := range indices {
			if _, err := tx.Exec(idx); err != nil {
				log.Warnf("Failed to create indices: %v", err)
			}
		}
		return nil
	})
}

func createTable(tx *sql.Tx, ddl, name string) error {
	if _, err := tx.Exec(ddl); err != nil {
		log.Errorf("Failed to create table %s: %v", name, err)
		return err
	}
	return nil
}
