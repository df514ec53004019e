// Package sqlitestore implements the UserStore on an embedded SQLite
// database. It keeps users and message bodies in two tables and serves the
// same contract as the directory-backed store, for deployments that prefer a
// single database file over a mail directory tree.
package sqlitestore

import (
	"bytes"
	"context"
	"crypto/subtle"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/bcrypt"
	_ "modernc.org/sqlite"

	"github.com/meridianmail/meridian/consts"
	"github.com/meridianmail/meridian/server/idgen"
	"github.com/meridianmail/meridian/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS users (
	username TEXT PRIMARY KEY,
	secret   TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS messages (
	id       TEXT PRIMARY KEY,
	username TEXT NOT NULL REFERENCES users(username),
	size     INTEGER NOT NULL,
	body     BLOB NOT NULL,
	seq      INTEGER
);
CREATE INDEX IF NOT EXISTS idx_messages_username ON messages(username, seq);
`

// Store is a SQLite-backed UserStore.
type Store struct {
	db *sql.DB
}

var _ store.UserStore = (*Store)(nil)

// New opens (and if necessary initializes) the database at path.
func New(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database '%s': %w", path, err)
	}
	// SQLite handles one writer at a time; a single connection avoids
	// SQLITE_BUSY churn under concurrent sessions.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return &Store{db: db}, nil
}

// AddUser inserts or replaces a user credential. A secret beginning with
// "$2" is stored as a bcrypt hash, anything else as plaintext.
func (s *Store) AddUser(ctx context.Context, username, secret string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (username, secret) VALUES (?, ?)
		 ON CONFLICT(username) DO UPDATE SET secret = excluded.secret`,
		username, secret)
	if err != nil {
		return fmt.Errorf("failed to add user %s: %w", username, err)
	}
	return nil
}

func (s *Store) secret(ctx context.Context, username string) (string, bool) {
	var secret string
	err := s.db.QueryRowContext(ctx,
		`SELECT secret FROM users WHERE username = ?`, username).Scan(&secret)
	if err != nil {
		return "", false
	}
	return secret, true
}

func (s *Store) Validate(ctx context.Context, username string) bool {
	_, ok := s.secret(ctx, username)
	return ok
}

func (s *Store) Authenticate(ctx context.Context, username, password string) bool {
	secret, ok := s.secret(ctx, username)
	if !ok {
		return false
	}
	if strings.HasPrefix(secret, "$2") {
		return bcrypt.CompareHashAndPassword([]byte(secret), []byte(password)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(secret), []byte(password)) == 1
}

func (s *Store) LoadMailbox(ctx context.Context, username string) (*store.Mailbox, error) {
	if !s.Validate(ctx, username) {
		return nil, consts.ErrUserNotFound
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, size FROM messages WHERE username = ? ORDER BY seq, id`, username)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages for %s: %w", username, err)
	}
	defer rows.Close()

	var items []*store.MailItem
	for rows.Next() {
		var id string
		var size int64
		if err := rows.Scan(&id, &size); err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		msgID := id
		items = append(items, store.NewMailItem(msgID, size, func() (io.ReadCloser, error) {
			return s.openMessage(msgID)
		}))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list messages for %s: %w", username, err)
	}

	return store.NewMailbox(username, items, func(ctx context.Context, deleted []*store.MailItem) error {
		return s.expunge(ctx, deleted)
	}), nil
}

func (s *Store) openMessage(id string) (io.ReadCloser, error) {
	var body []byte
	err := s.db.QueryRow(`SELECT body FROM messages WHERE id = ?`, id).Scan(&body)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, consts.ErrMessageNotFound
		}
		return nil, fmt.Errorf("failed to read message %s: %w", id, err)
	}
	return io.NopCloser(bytes.NewReader(body)), nil
}

func (s *Store) expunge(ctx context.Context, deleted []*store.MailItem) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin expunge transaction: %w", err)
	}
	for _, m := range deleted {
		if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, m.ID()); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to expunge message %s: %w", m.ID(), err)
		}
	}
	return tx.Commit()
}

// Deliver inserts the body once per recipient inside a single transaction,
// so a failed recipient rolls the whole delivery back.
func (s *Store) Deliver(ctx context.Context, body []byte, recipients []string) error {
	for _, rcpt := range recipients {
		if !s.Validate(ctx, rcpt) {
			return fmt.Errorf("deliver to %s: %w", rcpt, consts.ErrUserNotFound)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin delivery transaction: %w", err)
	}
	for _, rcpt := range recipients {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO messages (id, username, size, body, seq)
			 VALUES (?, ?, ?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE username = ?))`,
			idgen.New(), rcpt, int64(len(body)), body, rcpt)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to deliver to %s: %w", rcpt, err)
		}
	}
	return tx.Commit()
}

func (s *Store) Close() error {
	return s.db.Close()
}
