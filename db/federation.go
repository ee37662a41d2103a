package db

import (
	"database/sql"
	"time"

	"github.com/anancus/anancus/domain"
	"github.com/google/uuid"
)

// Remote account queries
const (
	sqlInsertRemoteAccount = `INSERT INTO remote_accounts(id, username, domain, actor_uri, display_name, summary, inbox_uri, shared_inbox_uri, outbox_uri, public_key_pem, avatar_url, also_known_as, last_fetched_at)
                              VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	sqlUpdateRemoteAccount = `UPDATE remote_accounts SET actor_uri = ?, display_name = ?, summary = ?, inbox_uri = ?, shared_inbox_uri = ?, outbox_uri = ?, public_key_pem = ?, avatar_url = ?, also_known_as = ?, last_fetched_at = ?
                              WHERE id = ?`
	sqlSelectRemoteAccount = `SELECT id, username, domain, actor_uri, display_name, summary, inbox_uri, shared_inbox_uri, outbox_uri, public_key_pem, avatar_url, also_known_as, last_fetched_at FROM remote_accounts`
	sqlDeleteRemoteAccount = `DELETE FROM remote_accounts WHERE id = ?`
)

func (db *DB) CreateRemoteAccount(acc *domain.RemoteAccount) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertRemoteAccount,
			acc.Id.String(),
			acc.Username,
			acc.Domain,
			acc.ActorURI,
			acc.DisplayName,
			acc.Summary,
			acc.InboxURI,
			acc.SharedInboxURI,
			acc.OutboxURI,
			acc.PublicKeyPem,
			acc.AvatarURL,
			marshalAliases(acc.AlsoKnownAs),
			acc.LastFetchedAt,
		)
		return err
	})
}

// UpdateRemoteAccount overwrites the mutable fields of a cached actor,
// keyed by row id. The actor URI itself is mutable: a known
// (username, domain) can reappear under a new URI after a server
// rename, and the row must follow it.
func (db *DB) UpdateRemoteAccount(acc *domain.RemoteAccount) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpdateRemoteAccount,
			acc.ActorURI,
			acc.DisplayName,
			acc.Summary,
			acc.InboxURI,
			acc.SharedInboxURI,
			acc.OutboxURI,
			acc.PublicKeyPem,
			acc.AvatarURL,
			marshalAliases(acc.AlsoKnownAs),
			acc.LastFetchedAt,
			acc.Id.String(),
		)
		return err
	})
}

func (db *DB) ReadRemoteAccountByURI(uri string) (error, *domain.RemoteAccount) {
	return db.readRemoteAccount(sqlSelectRemoteAccount+` WHERE actor_uri = ?`, uri)
}

func (db *DB) ReadRemoteAccountById(id uuid.UUID) (error, *domain.RemoteAccount) {
	return db.readRemoteAccount(sqlSelectRemoteAccount+` WHERE id = ?`, id.String())
}

func (db *DB) ReadRemoteAccountByHandle(username, domainName string) (error, *domain.RemoteAccount) {
	row := db.db.QueryRow(sqlSelectRemoteAccount+` WHERE username = ? AND domain = ?`, username, domainName)
	return scanRemoteAccount(row)
}

func (db *DB) readRemoteAccount(query string, arg any) (error, *domain.RemoteAccount) {
	return scanRemoteAccount(db.db.QueryRow(query, arg))
}

func scanRemoteAccount(row *sql.Row) (error, *domain.RemoteAccount) {
	var acc domain.RemoteAccount
	var idStr, aliases string
	err := row.Scan(
		&idStr,
		&acc.Username,
		&acc.Domain,
		&acc.ActorURI,
		&acc.DisplayName,
		&acc.Summary,
		&acc.InboxURI,
		&acc.SharedInboxURI,
		&acc.OutboxURI,
		&acc.PublicKeyPem,
		&acc.AvatarURL,
		&aliases,
		&acc.LastFetchedAt,
	)
	if err == sql.ErrNoRows {
		return err, nil
	}
	if err != nil {
		return err, nil
	}
	acc.Id, _ = uuid.Parse(idStr)
	acc.AlsoKnownAs = unmarshalAliases(aliases)
	return nil, &acc
}

func (db *DB) DeleteRemoteAccount(id uuid.UUID) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlDeleteRemoteAccount, id.String())
		return err
	})
}

// Follow queries
const (
	sqlInsertFollow       = `INSERT INTO follows(id, account_id, target_account_id, uri, accepted, created_at) VALUES (?, ?, ?, ?, ?, ?)`
	sqlSelectFollow       = `SELECT id, account_id, target_account_id, uri, accepted, created_at FROM follows`
	sqlDeleteFollowByURI  = `DELETE FROM follows WHERE uri = ?`
	sqlDeleteFollowByPair = `DELETE FROM follows WHERE account_id = ? AND target_account_id = ?`
	sqlAcceptFollowByURI  = `UPDATE follows SET accepted = 1 WHERE uri = ?`
	sqlDeleteFollowsByAcc = `DELETE FROM follows WHERE account_id = ? OR target_account_id = ?`
)

func (db *DB) CreateFollow(follow *domain.Follow) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertFollow,
			follow.Id.String(),
			follow.AccountId.String(),
			follow.TargetAccountId.String(),
			follow.URI,
			follow.Accepted,
			follow.CreatedAt,
		)
		return err
	})
}

func (db *DB) ReadFollowByURI(uri string) (error, *domain.Follow) {
	return scanFollow(db.db.QueryRow(sqlSelectFollow+` WHERE uri = ?`, uri))
}

func (db *DB) ReadFollowByPair(accountId, targetId uuid.UUID) (error, *domain.Follow) {
	return scanFollow(db.db.QueryRow(sqlSelectFollow+` WHERE account_id = ? AND target_account_id = ?`, accountId.String(), targetId.String()))
}

func scanFollow(row *sql.Row) (error, *domain.Follow) {
	var follow domain.Follow
	var idStr, accountIdStr, targetIdStr string
	err := row.Scan(
		&idStr,
		&accountIdStr,
		&targetIdStr,
		&follow.URI,
		&follow.Accepted,
		&follow.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return err, nil
	}
	if err != nil {
		return err, nil
	}
	follow.Id, _ = uuid.Parse(idStr)
	follow.AccountId, _ = uuid.Parse(accountIdStr)
	follow.TargetAccountId, _ = uuid.Parse(targetIdStr)
	return nil, &follow
}

func (db *DB) DeleteFollowByURI(uri string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlDeleteFollowByURI, uri)
		return err
	})
}

func (db *DB) DeleteFollowByPair(accountId, targetId uuid.UUID) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlDeleteFollowByPair, accountId.String(), targetId.String())
		return err
	})
}

func (db *DB) AcceptFollowByURI(uri string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlAcceptFollowByURI, uri)
		return err
	})
}

// DeleteFollowsByAccountId removes every edge touching the account,
// in either direction. Used when a remote actor deletes itself.
func (db *DB) DeleteFollowsByAccountId(id uuid.UUID) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlDeleteFollowsByAcc, id.String(), id.String())
		return err
	})
}

// ReadFollowersOfAccount returns accepted follow edges pointing at the
// given account (its followers).
func (db *DB) ReadFollowersOfAccount(targetId uuid.UUID) (error, *[]domain.Follow) {
	rows, err := db.db.Query(sqlSelectFollow+` WHERE target_account_id = ? AND accepted = 1`, targetId.String())
	if err != nil {
		return err, nil
	}
	defer rows.Close()

	var followers []domain.Follow
	for rows.Next() {
		var follow domain.Follow
		var idStr, accountIdStr, targetIdStr string
		if err := rows.Scan(&idStr, &accountIdStr, &targetIdStr, &follow.URI, &follow.Accepted, &follow.CreatedAt); err != nil {
			return err, &followers
		}
		follow.Id, _ = uuid.Parse(idStr)
		follow.AccountId, _ = uuid.Parse(accountIdStr)
		follow.TargetAccountId, _ = uuid.Parse(targetIdStr)
		followers = append(followers, follow)
	}
	if err = rows.Err(); err != nil {
		return err, &followers
	}
	return nil, &followers
}

// Reaction queries
const (
	sqlInsertReaction     = `INSERT INTO reactions(id, account_id, note_id, reaction, custom_emoji_url, uri, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`
	sqlSelectReaction     = `SELECT id, account_id, note_id, reaction, custom_emoji_url, uri, created_at FROM reactions WHERE account_id = ? AND note_id = ? AND reaction = ?`
	sqlDeleteReaction     = `DELETE FROM reactions WHERE account_id = ? AND note_id = ? AND reaction = ?`
	sqlDeleteNoteReaction = `DELETE FROM reactions WHERE account_id = ? AND note_id = ?`
)

func (db *DB) CreateReaction(r *domain.Reaction) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertReaction,
			r.Id.String(),
			r.AccountId.String(),
			r.NoteId.String(),
			r.Reaction,
			r.CustomEmojiURL,
			r.URI,
			r.CreatedAt,
		)
		return err
	})
}

func (db *DB) ReadReaction(accountId, noteId uuid.UUID, reaction string) (error, *domain.Reaction) {
	row := db.db.QueryRow(sqlSelectReaction, accountId.String(), noteId.String(), reaction)
	var r domain.Reaction
	var idStr, accountIdStr, noteIdStr string
	err := row.Scan(&idStr, &accountIdStr, &noteIdStr, &r.Reaction, &r.CustomEmojiURL, &r.URI, &r.CreatedAt)
	if err == sql.ErrNoRows {
		return err, nil
	}
	if err != nil {
		return err, nil
	}
	r.Id, _ = uuid.Parse(idStr)
	r.AccountId, _ = uuid.Parse(accountIdStr)
	r.NoteId, _ = uuid.Parse(noteIdStr)
	return nil, &r
}

func (db *DB) DeleteReaction(accountId, noteId uuid.UUID, reaction string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlDeleteReaction, accountId.String(), noteId.String(), reaction)
		return err
	})
}

// DeleteReactionByNote removes whichever reaction the account has on
// the note. Used by Undo-Like when the original emoji is unrecoverable.
func (db *DB) DeleteReactionByNote(accountId, noteId uuid.UUID) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlDeleteNoteReaction, accountId.String(), noteId.String())
		return err
	})
}

// Received activity queries
const (
	sqlInsertReceived       = `INSERT INTO received_activities(id, activity_uri, received_at) VALUES (?, ?, ?)`
	sqlSelectReceivedByURI  = `SELECT id, activity_uri, received_at FROM received_activities WHERE activity_uri = ?`
	sqlDeleteReceivedBefore = `DELETE FROM received_activities WHERE received_at < ?`
)

// InsertReceivedActivity records an accepted inbound activity. The
// unique constraint on activity_uri makes this the atomic
// check-and-insert the replay guard relies on; a duplicate returns
// ErrDuplicate.
func (db *DB) InsertReceivedActivity(rec *domain.ReceivedActivity) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertReceived, rec.Id.String(), rec.ActivityURI, rec.ReceivedAt)
		return err
	})
}

func (db *DB) ReadReceivedActivity(uri string) (error, *domain.ReceivedActivity) {
	row := db.db.QueryRow(sqlSelectReceivedByURI, uri)
	var rec domain.ReceivedActivity
	var idStr string
	err := row.Scan(&idStr, &rec.ActivityURI, &rec.ReceivedAt)
	if err == sql.ErrNoRows {
		return err, nil
	}
	if err != nil {
		return err, nil
	}
	rec.Id, _ = uuid.Parse(idStr)
	return nil, &rec
}

// DeleteReceivedBefore prunes replay records older than cutoff and
// returns the number removed.
func (db *DB) DeleteReceivedBefore(cutoff time.Time) (int64, error) {
	var deleted int64
	err := db.wrapTransaction(func(tx *sql.Tx) error {
		res, err := tx.Exec(sqlDeleteReceivedBefore, cutoff)
		if err != nil {
			return err
		}
		deleted, err = res.RowsAffected()
		return err
	})
	return deleted, err
}

// Delivery queue queries
const (
	sqlInsertDeliveryQueue     = `INSERT INTO delivery_queue(id, inbox_uri, activity_json, key_id, attempts, next_retry_at, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`
	sqlSelectPendingDeliveries = `SELECT id, inbox_uri, activity_json, key_id, attempts, next_retry_at, created_at FROM delivery_queue WHERE next_retry_at <= ? ORDER BY created_at ASC LIMIT ?`
	sqlUpdateDeliveryAttempt   = `UPDATE delivery_queue SET attempts = ?, next_retry_at = ? WHERE id = ?`
	sqlDeleteDelivery          = `DELETE FROM delivery_queue WHERE id = ?`
)

func (db *DB) EnqueueDelivery(item *domain.DeliveryQueueItem) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertDeliveryQueue,
			item.Id.String(),
			item.InboxURI,
			item.ActivityJSON,
			item.KeyId,
			item.Attempts,
			item.NextRetryAt,
			item.CreatedAt,
		)
		return err
	})
}

func (db *DB) ReadPendingDeliveries(limit int) (error, *[]domain.DeliveryQueueItem) {
	rows, err := db.db.Query(sqlSelectPendingDeliveries, time.Now(), limit)
	if err != nil {
		return err, nil
	}
	defer rows.Close()

	var items []domain.DeliveryQueueItem
	for rows.Next() {
		var item domain.DeliveryQueueItem
		var idStr string
		if err := rows.Scan(&idStr, &item.InboxURI, &item.ActivityJSON, &item.KeyId, &item.Attempts, &item.NextRetryAt, &item.CreatedAt); err != nil {
			return err, &items
		}
		item.Id, _ = uuid.Parse(idStr)
		items = append(items, item)
	}
	if err = rows.Err(); err != nil {
		return err, &items
	}
	return nil, &items
}

func (db *DB) UpdateDeliveryAttempt(id uuid.UUID, attempts int, nextRetry time.Time) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpdateDeliveryAttempt, attempts, nextRetry, id.String())
		return err
	})
}

func (db *DB) DeleteDelivery(id uuid.UUID) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlDeleteDelivery, id.String())
		return err
	})
}
