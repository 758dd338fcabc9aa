package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"dmchat/internal/domain"
)

// pragmas applied to every pooled connection. synchronous(FULL) makes a
// committed message survive power loss, not just a process crash.
var pragmas = []string{
	"foreign_keys(1)",
	"journal_mode(WAL)",
	"synchronous(FULL)",
	"busy_timeout(5000)",
}

// DSN appends the connection pragmas to a file path or ":memory:".
func DSN(path string) string {
	if strings.Contains(path, "_pragma=") {
		return path
	}
	parts := make([]string, len(pragmas))
	for i, p := range pragmas {
		parts[i] = "_pragma=" + p
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	if !strings.HasPrefix(path, "file:") {
		path = "file:" + path
	}
	return path + sep + strings.Join(parts, "&")
}

// Open opens a SQLite database at path.
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", DSN(path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single writer connection keeps write order equal to commit order and
	// avoids SQLITE_BUSY under concurrent sends.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	return db, nil
}

// Migrate runs idempotent DDL for the dmchat schema.
func Migrate(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id              TEXT PRIMARY KEY,
			username        TEXT UNIQUE NOT NULL,
			hashed_password TEXT NOT NULL,
			avatar          TEXT NOT NULL DEFAULT '',
			created_at      INTEGER NOT NULL
		);`,
		// Messages outlive their participants' accounts, hence no FKs.
		`CREATE TABLE IF NOT EXISTS messages (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			sender_id   TEXT NOT NULL,
			receiver_id TEXT NOT NULL,
			text        TEXT NOT NULL,
			created_at  INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS friend_requests (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			from_id    TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			to_id      TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			status     TEXT NOT NULL DEFAULT 'pending',
			created_at INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS friendships (
			user_id    TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			friend_id  TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			created_at INTEGER NOT NULL,
			PRIMARY KEY (user_id, friend_id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_pair ON messages(sender_id, receiver_id, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_receiver ON messages(receiver_id, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_friend_requests_to ON friend_requests(to_id, status);`,
		`CREATE INDEX IF NOT EXISTS idx_friendships_friend ON friendships(friend_id);`,
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func toNanos(t time.Time) int64 {
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrNotFound
	}
	return err
}
