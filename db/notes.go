package db

import (
	"database/sql"
	"time"

	"github.com/anancus/anancus/domain"
	"github.com/google/uuid"
)

const (
	sqlInsertNote = `INSERT INTO notes(id, user_id, message, object_uri, in_reply_to_uri, renote_id, renote_count, sensitive, content_warning, deleted, created_at, edited_at)
                     VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	sqlSelectNote        = `SELECT id, user_id, message, object_uri, in_reply_to_uri, renote_id, renote_count, sensitive, content_warning, deleted, created_at, edited_at FROM notes`
	sqlUpdateNoteContent = `UPDATE notes SET message = ?, sensitive = ?, content_warning = ?, edited_at = ? WHERE id = ?`
	sqlMarkNoteDeleted   = `UPDATE notes SET deleted = 1 WHERE id = ?`
	sqlDeleteNote        = `DELETE FROM notes WHERE id = ?`
	sqlIncRenoteCount    = `UPDATE notes SET renote_count = renote_count + 1 WHERE id = ?`
	sqlDecRenoteCount    = `UPDATE notes SET renote_count = renote_count - 1 WHERE id = ? AND renote_count > 0`
)

func (db *DB) CreateNote(note *domain.Note) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		var renoteId any
		if note.RenoteId != nil {
			renoteId = note.RenoteId.String()
		}
		_, err := tx.Exec(sqlInsertNote,
			note.Id.String(),
			note.UserId.String(),
			note.Message,
			note.ObjectURI,
			note.InReplyToURI,
			renoteId,
			note.RenoteCount,
			note.Sensitive,
			note.ContentWarning,
			note.Deleted,
			note.CreatedAt,
			note.EditedAt,
		)
		return err
	})
}

func (db *DB) ReadNoteById(id uuid.UUID) (error, *domain.Note) {
	return scanNote(db.db.QueryRow(sqlSelectNote+` WHERE id = ?`, id.String()))
}

// ReadNoteByURI is the join key between inbound Announce/Like/Undo
// targets and local rows.
func (db *DB) ReadNoteByURI(uri string) (error, *domain.Note) {
	return scanNote(db.db.QueryRow(sqlSelectNote+` WHERE object_uri = ?`, uri))
}

func scanNote(row *sql.Row) (error, *domain.Note) {
	var note domain.Note
	var idStr, userIdStr string
	var message sql.NullString
	var renoteId sql.NullString
	var editedAt sql.NullTime
	err := row.Scan(
		&idStr,
		&userIdStr,
		&message,
		&note.ObjectURI,
		&note.InReplyToURI,
		&renoteId,
		&note.RenoteCount,
		&note.Sensitive,
		&note.ContentWarning,
		&note.Deleted,
		&note.CreatedAt,
		&editedAt,
	)
	if err == sql.ErrNoRows {
		return err, nil
	}
	if err != nil {
		return err, nil
	}
	note.Id, _ = uuid.Parse(idStr)
	note.UserId, _ = uuid.Parse(userIdStr)
	if message.Valid {
		m := message.String
		note.Message = &m
	}
	if renoteId.Valid {
		rid, perr := uuid.Parse(renoteId.String)
		if perr == nil {
			note.RenoteId = &rid
		}
	}
	if editedAt.Valid {
		t := editedAt.Time
		note.EditedAt = &t
	}
	return nil, &note
}

func (db *DB) UpdateNoteContent(id uuid.UUID, message *string, sensitive bool, contentWarning string, editedAt time.Time) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpdateNoteContent, message, sensitive, contentWarning, editedAt, id.String())
		return err
	})
}

// MarkNoteDeleted tombstones a note. The row survives so references
// keep resolving.
func (db *DB) MarkNoteDeleted(id uuid.UUID) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlMarkNoteDeleted, id.String())
		return err
	})
}

// DeleteNote removes a note row entirely. Used for boost rows, which
// have no content of their own.
func (db *DB) DeleteNote(id uuid.UUID) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlDeleteNote, id.String())
		return err
	})
}

func (db *DB) IncrementRenoteCount(id uuid.UUID) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlIncRenoteCount, id.String())
		return err
	})
}

func (db *DB) DecrementRenoteCount(id uuid.UUID) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlDecRenoteCount, id.String())
		return err
	})
}
