package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/meshcitadel/meshcitadel/internal/bbs"
)

// UserStore implements the user service over the users and user_blocks
// tables.
type UserStore struct {
	db *DB
}

// UsernameExists reports whether the username is taken, in any status.
// Provisional records count: the name is reserved from the moment the
// registration workflow creates it.
func (s *UserStore) UsernameExists(ctx context.Context, username string) (bool, error) {
	var n int
	err := s.db.queryRow(ctx,
		`SELECT COUNT(*) FROM users WHERE username = ?`, username).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("username exists %q: %w", username, err)
	}
	return n > 0, nil
}

// Create inserts a new user record.
func (s *UserStore) Create(ctx context.Context, username, displayName string, hash, salt []byte, level bbs.PermissionLevel, status bbs.UserStatus) error {
	_, err := s.db.exec(ctx,
		`INSERT INTO users (username, display_name, password_hash, salt, permission_level, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		username, displayName, hash, salt, int(level), string(status), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("create user %q: %w", username, err)
	}
	return nil
}

// Load returns the user view, or ErrNotFound.
func (s *UserStore) Load(ctx context.Context, username string) (*bbs.User, error) {
	var u bbs.User
	var level int
	var status string
	err := s.db.queryRow(ctx,
		`SELECT username, display_name, permission_level, status FROM users WHERE username = ?`,
		username).Scan(&u.Username, &u.DisplayName, &level, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("load user %q: %w", username, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load user %q: %w", username, err)
	}
	u.Level = bbs.PermissionLevel(level)
	u.Status = bbs.UserStatus(status)
	return &u, nil
}

// Credentials returns the stored password hash and salt, or ErrNotFound.
func (s *UserStore) Credentials(ctx context.Context, username string) (hash, salt []byte, err error) {
	err = s.db.queryRow(ctx,
		`SELECT password_hash, salt FROM users WHERE username = ?`, username).Scan(&hash, &salt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, fmt.Errorf("credentials %q: %w", username, ErrNotFound)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("credentials %q: %w", username, err)
	}
	return hash, salt, nil
}

// UpdatePassword replaces the stored salt and hash.
func (s *UserStore) UpdatePassword(ctx context.Context, username string, hash, salt []byte) error {
	res, err := s.db.exec(ctx,
		`UPDATE users SET password_hash = ?, salt = ? WHERE username = ?`,
		hash, salt, username)
	if err != nil {
		return fmt.Errorf("update password %q: %w", username, err)
	}
	return requireRow(res, username)
}

// SetPermissionLevel updates the user's permission level.
func (s *UserStore) SetPermissionLevel(ctx context.Context, username string, level bbs.PermissionLevel) error {
	res, err := s.db.exec(ctx,
		`UPDATE users SET permission_level = ? WHERE username = ?`, int(level), username)
	if err != nil {
		return fmt.Errorf("set permission level %q: %w", username, err)
	}
	return requireRow(res, username)
}

// SetStatus updates the user's lifecycle status.
func (s *UserStore) SetStatus(ctx context.Context, username string, status bbs.UserStatus) error {
	res, err := s.db.exec(ctx,
		`UPDATE users SET status = ? WHERE username = ?`, string(status), username)
	if err != nil {
		return fmt.Errorf("set status %q: %w", username, err)
	}
	return requireRow(res, username)
}

// SetDisplayName updates the user's display name.
func (s *UserStore) SetDisplayName(ctx context.Context, username, displayName string) error {
	res, err := s.db.exec(ctx,
		`UPDATE users SET display_name = ? WHERE username = ?`, displayName, username)
	if err != nil {
		return fmt.Errorf("set display name %q: %w", username, err)
	}
	return requireRow(res, username)
}

// SetIntro stores the registration intro text.
func (s *UserStore) SetIntro(ctx context.Context, username, intro string) error {
	res, err := s.db.exec(ctx,
		`UPDATE users SET intro = ? WHERE username = ?`, intro, username)
	if err != nil {
		return fmt.Errorf("set intro %q: %w", username, err)
	}
	return requireRow(res, username)
}

// Delete removes the user record and its block rows. Used when a pending
// registration is rejected.
func (s *UserStore) Delete(ctx context.Context, username string) error {
	if _, err := s.db.exec(ctx, `DELETE FROM user_blocks WHERE blocker = ? OR blocked = ?`, username, username); err != nil {
		return fmt.Errorf("delete user blocks %q: %w", username, err)
	}
	res, err := s.db.exec(ctx, `DELETE FROM users WHERE username = ?`, username)
	if err != nil {
		return fmt.Errorf("delete user %q: %w", username, err)
	}
	return requireRow(res, username)
}

// Count returns the number of registered users.
func (s *UserStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.queryRow(ctx, `SELECT COUNT(*) FROM users`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count users: %w", err)
	}
	return n, nil
}

// IsBlocked reports whether reader has blocked sender.
func (s *UserStore) IsBlocked(ctx context.Context, reader, sender string) (bool, error) {
	var n int
	err := s.db.queryRow(ctx,
		`SELECT COUNT(*) FROM user_blocks WHERE blocker = ? AND blocked = ?`,
		reader, sender).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("is blocked %q->%q: %w", reader, sender, err)
	}
	return n > 0, nil
}

// Block records that blocker no longer wants to see sender's messages.
// Blocking twice is a no-op.
func (s *UserStore) Block(ctx context.Context, blocker, blocked string) error {
	_, err := s.db.exec(ctx,
		`INSERT OR IGNORE INTO user_blocks (blocker, blocked) VALUES (?, ?)`,
		blocker, blocked)
	if err != nil {
		return fmt.Errorf("block %q->%q: %w", blocker, blocked, err)
	}
	return nil
}

// Unblock removes a block row.
func (s *UserStore) Unblock(ctx context.Context, blocker, blocked string) error {
	_, err := s.db.exec(ctx,
		`DELETE FROM user_blocks WHERE blocker = ? AND blocked = ?`, blocker, blocked)
	if err != nil {
		return fmt.Errorf("unblock %q->%q: %w", blocker, blocked, err)
	}
	return nil
}

// requireRow converts a zero-row update into ErrNotFound.
func requireRow(res sql.Result, username string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("user %q: %w", username, ErrNotFound)
	}
	return nil
}
