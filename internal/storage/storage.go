// Package storage is the SQLite persistence layer.
//
// A single *DB owns the connection; typed services (Users, Rooms,
// Messages, Contacts, PasswordCache, Validations) hang off it so all SQL
// lives in this package. SQLite runs in WAL mode with a single writer;
// the driver serializes access, which is the only cross-session shared
// state besides the session manager.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// Sentinel errors for storage operations.
var (
	// ErrNotFound indicates the requested row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists indicates a uniqueness conflict.
	ErrAlreadyExists = errors.New("already exists")
)

// DB wraps the SQLite handle and exposes the typed services.
type DB struct {
	sql    *sql.DB
	logger *slog.Logger

	Users         *UserStore
	Rooms         *RoomStore
	Messages      *MessageStore
	Contacts      *ContactStore
	PasswordCache *PasswordCacheStore
	Validations   *ValidationStore
	Adverts       *AdvertStore
}

// Open opens (creating if needed) the database at path and runs schema
// migrations. Use ":memory:" for tests.
func Open(path string, logger *slog.Logger) (*DB, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	dsn := path + "?_foreign_keys=1&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL"
	handle, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", path, err)
	}

	// SQLite works best with a single writer.
	handle.SetMaxOpenConns(1)
	handle.SetMaxIdleConns(1)

	if err := handle.Ping(); err != nil {
		handle.Close()
		return nil, fmt.Errorf("ping database %s: %w", path, err)
	}

	db := &DB{
		sql:    handle,
		logger: logger.With(slog.String("component", "storage")),
	}
	db.Users = &UserStore{db: db}
	db.Rooms = &RoomStore{db: db}
	db.Messages = &MessageStore{db: db}
	db.Contacts = &ContactStore{db: db}
	db.PasswordCache = &PasswordCacheStore{db: db}
	db.Validations = &ValidationStore{db: db}
	db.Adverts = &AdvertStore{db: db}

	if err := db.migrate(context.Background()); err != nil {
		handle.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	db.logger.Info("database opened", slog.String("path", path))
	return db, nil
}

// Close closes the underlying handle.
func (db *DB) Close() error {
	return db.sql.Close()
}

// Execute runs an arbitrary statement and returns its rows, or nil for
// statements that produce none. It exists for the admin surface; internal
// callers use the typed services.
func (db *DB) Execute(ctx context.Context, query string, args ...any) ([]map[string]any, error) {
	rows, err := db.sql.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("execute: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("execute columns: %w", err)
	}

	var out []map[string]any
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("execute scan: %w", err)
		}
		row := make(map[string]any, len(cols))
		for i, c := range cols {
			row[c] = vals[i]
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// exec runs a statement without results.
func (db *DB) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return db.sql.ExecContext(ctx, query, args...)
}

// query runs a statement returning rows.
func (db *DB) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return db.sql.QueryContext(ctx, query, args...)
}

// queryRow runs a statement returning a single row.
func (db *DB) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return db.sql.QueryRowContext(ctx, query, args...)
}

// -------------------------------------------------------------------------
// Schema
// -------------------------------------------------------------------------

// schema is applied on every open; statements are idempotent.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		username         TEXT PRIMARY KEY,
		display_name     TEXT NOT NULL DEFAULT '',
		password_hash    BLOB NOT NULL,
		salt             BLOB NOT NULL,
		permission_level INTEGER NOT NULL DEFAULT 0,
		status           TEXT NOT NULL DEFAULT 'provisional',
		intro            TEXT NOT NULL DEFAULT '',
		created_at       INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS user_blocks (
		blocker TEXT NOT NULL,
		blocked TEXT NOT NULL,
		PRIMARY KEY (blocker, blocked)
	)`,
	`CREATE TABLE IF NOT EXISTS rooms (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		name        TEXT NOT NULL UNIQUE,
		description TEXT NOT NULL DEFAULT '',
		read_only   INTEGER NOT NULL DEFAULT 0,
		min_level   INTEGER NOT NULL DEFAULT 2,
		prev_id     INTEGER NOT NULL DEFAULT 0,
		next_id     INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS messages (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		sender     TEXT NOT NULL,
		recipient  TEXT,
		content    TEXT NOT NULL,
		created_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS room_messages (
		room_id    INTEGER NOT NULL,
		message_id INTEGER NOT NULL,
		PRIMARY KEY (room_id, message_id)
	)`,
	`CREATE TABLE IF NOT EXISTS user_room_state (
		username             TEXT NOT NULL,
		room_id              INTEGER NOT NULL,
		last_read_message_id INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (username, room_id)
	)`,
	`CREATE TABLE IF NOT EXISTS room_ignores (
		username TEXT NOT NULL,
		room_id  INTEGER NOT NULL,
		PRIMARY KEY (username, room_id)
	)`,
	`CREATE TABLE IF NOT EXISTS pending_validations (
		username   TEXT PRIMARY KEY,
		created_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS mc_chat_contacts (
		node_id         TEXT PRIMARY KEY,
		public_key      TEXT NOT NULL,
		name            TEXT NOT NULL DEFAULT '',
		node_type       TEXT NOT NULL DEFAULT '',
		latitude        REAL NOT NULL DEFAULT 0,
		longitude       REAL NOT NULL DEFAULT 0,
		first_seen      INTEGER NOT NULL,
		last_seen       INTEGER NOT NULL,
		raw_advert_data TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS mc_adverts (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		node_id     TEXT NOT NULL,
		received_at INTEGER NOT NULL,
		raw         TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS mc_passwd_cache (
		node_id     TEXT PRIMARY KEY,
		username    TEXT,
		last_pw_use INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_recipient ON messages(recipient)`,
	`CREATE INDEX IF NOT EXISTS idx_room_messages_msg ON room_messages(message_id)`,
	`CREATE INDEX IF NOT EXISTS idx_contacts_last_seen ON mc_chat_contacts(last_seen)`,
}

// migrate applies the schema.
func (db *DB) migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := db.exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}
