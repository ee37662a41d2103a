package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/anancus/anancus/domain"
	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"modernc.org/sqlite"
	sqlitelib "modernc.org/sqlite/lib"
)

// DB is the database struct.
type DB struct {
	db *sql.DB
}

// ErrDuplicate is returned when an insert hits a unique constraint.
// The replay guard and the idempotent follow/reaction paths branch on it.
var ErrDuplicate = errors.New("db: duplicate row")

const (
	//Accounts
	sqlCreateAccountsTable = `CREATE TABLE IF NOT EXISTS accounts(
                        id TEXT NOT NULL PRIMARY KEY,
                        username TEXT UNIQUE NOT NULL,
                        created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
                        display_name TEXT DEFAULT '',
                        summary TEXT DEFAULT '',
                        avatar_url TEXT DEFAULT '',
                        web_public_key TEXT NOT NULL,
                        web_private_key TEXT NOT NULL,
                        also_known_as TEXT DEFAULT '[]',
                        moved_to TEXT DEFAULT '',
                        moved_at TIMESTAMP
                        )`
	sqlInsertAccount = `INSERT INTO accounts(id, username, created_at, display_name, summary, avatar_url, web_public_key, web_private_key, also_known_as, moved_to, moved_at)
                        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	sqlSelectAccount = `SELECT id, username, created_at, display_name, summary, avatar_url, web_public_key, web_private_key, also_known_as, moved_to, moved_at FROM accounts`
	sqlUpdateAliases = `UPDATE accounts SET also_known_as = ? WHERE id = ?`
	sqlUpdateMoved   = `UPDATE accounts SET moved_to = ?, moved_at = ? WHERE id = ? AND moved_to = ''`
)

// Open opens (and if necessary creates) the sqlite database at path.
func Open(path string) (*DB, error) {
	sqldb, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	// Connection pool sized for concurrent inbox traffic.
	sqldb.SetMaxOpenConns(25)
	sqldb.SetMaxIdleConns(5)
	sqldb.SetConnMaxLifetime(time.Hour)

	var journalMode string
	if err := sqldb.QueryRow("PRAGMA journal_mode=WAL").Scan(&journalMode); err != nil {
		log.Warnf("Failed to enable WAL mode: %v", err)
	} else {
		log.Infof("Database journal mode: %s", journalMode)
	}

	sqldb.Exec("PRAGMA synchronous = NORMAL")
	sqldb.Exec("PRAGMA cache_size = -64000")
	sqldb.Exec("PRAGMA temp_store = MEMORY")
	sqldb.Exec("PRAGMA busy_timeout = 5000")
	sqldb.Exec("PRAGMA foreign_keys = ON")

	database := &DB{db: sqldb}
	if err := database.RunMigrations(); err != nil {
		sqldb.Close()
		return nil, err
	}
	return database, nil
}

// Close closes the underlying connection pool.
func (db *DB) Close() error {
	return db.db.Close()
}

func (db *DB) CreateAccount(acc *domain.Account) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertAccount,
			acc.Id.String(),
			acc.Username,
			acc.CreatedAt,
			acc.DisplayName,
			acc.Summary,
			acc.AvatarURL,
			acc.WebPublicKey,
			acc.WebPrivateKey,
			marshalAliases(acc.AlsoKnownAs),
			acc.MovedTo,
			acc.MovedAt,
		)
		return err
	})
}

func (db *DB) ReadAccByUsername(username string) (error, *domain.Account) {
	return db.readAccount(sqlSelectAccount+` WHERE username = ?`, username)
}

func (db *DB) ReadAccById(id uuid.UUID) (error, *domain.Account) {
	return db.readAccount(sqlSelectAccount+` WHERE id = ?`, id.String())
}

func (db *DB) readAccount(query string, arg any) (error, *domain.Account) {
	row := db.db.QueryRow(query, arg)
	var acc domain.Account
	var idStr, aliases string
	var movedAt sql.NullTime
	err := row.Scan(
		&idStr,
		&acc.Username,
		&acc.CreatedAt,
		&acc.DisplayName,
		&acc.Summary,
		&acc.AvatarURL,
		&acc.WebPublicKey,
		&acc.WebPrivateKey,
		&aliases,
		&acc.MovedTo,
		&movedAt,
	)
	if err == sql.ErrNoRows {
		return err, nil
	}
	if err != nil {
		return err, nil
	}
	acc.Id, _ = uuid.Parse(idStr)
	acc.AlsoKnownAs = unmarshalAliases(aliases)
	if movedAt.Valid {
		t := movedAt.Time
		acc.MovedAt = &t
	}
	return nil, &acc
}

func (db *DB) UpdateAccountAliases(id uuid.UUID, aliases []string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpdateAliases, marshalAliases(aliases), id.String())
		return err
	})
}

// UpdateAccountMoved sets the migration target. The WHERE guard keeps
// moved_to write-once: a second call changes no rows.
func (db *DB) UpdateAccountMoved(id uuid.UUID, movedTo string, movedAt time.Time) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		res, err := tx.Exec(sqlUpdateMoved, movedTo, movedAt, id.String())
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return errors.New("account already moved")
		}
		return nil
	})
}

// wrapTransaction runs the given function within a transaction.
func (db *DB) wrapTransaction(f func(tx *sql.Tx) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()
	for {
		tx, err := db.db.BeginTx(ctx, nil)
		if err != nil {
			log.Errorf("error starting transaction: %s", err)
			return err
		}
		err = f(tx)
		if err != nil {
			tx.Rollback()
			serr, ok := err.(*sqlite.Error)
			if ok && serr.Code() == sqlitelib.SQLITE_BUSY {
				continue
			}
			if isUniqueViolation(err) {
				return ErrDuplicate
			}
			log.Errorf("error in transaction: %s", err)
			return err
		}
		err = tx.Commit()
		if err != nil {
			log.Errorf("error committing transaction: %s", err)
			return err
		}
		return nil
	}
}

func isUniqueViolation(err error) bool {
	var serr *sqlite.Error
	if !errors.As(err, &serr) {
		return false
	}
	switch serr.Code() {
	case sqlitelib.SQLITE_CONSTRAINT_UNIQUE, sqlitelib.SQLITE_CONSTRAINT_PRIMARYKEY:
		return true
	}
	return false
}

func marshalAliases(aliases []string) string {
	if aliases == nil {
		aliases = []string{}
	}
	b, _ := json.Marshal(aliases)
	return string(b)
}

func unmarshalAliases(s string) []string {
	var aliases []string
	if err := json.Unmarshal([]byte(s), &aliases); err != nil {
		return nil
	}
	return aliases
}
