package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PasswordCacheRow is one mc_passwd_cache row: the last successful
// password use for a node, enabling automatic re-login inside the
// validity window.
type PasswordCacheRow struct {
	NodeID    string
	Username  string
	LastPwUse time.Time
}

// PasswordCacheStore persists the per-node password cache.
type PasswordCacheStore struct {
	db *DB
}

// Get returns the cache row for a node, or ErrNotFound. Rows with a null
// username are treated as absent.
func (s *PasswordCacheStore) Get(ctx context.Context, nodeID string) (*PasswordCacheRow, error) {
	var row PasswordCacheRow
	var username sql.NullString
	var lastUse int64
	err := s.db.queryRow(ctx,
		`SELECT node_id, username, last_pw_use FROM mc_passwd_cache WHERE node_id = ?`,
		nodeID).Scan(&row.NodeID, &username, &lastUse)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && !username.Valid) {
		return nil, fmt.Errorf("password cache %s: %w", nodeID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("password cache %s: %w", nodeID, err)
	}
	row.Username = username.String
	row.LastPwUse = time.Unix(lastUse, 0)
	return &row, nil
}

// Touch upserts the row with last_pw_use = now.
func (s *PasswordCacheStore) Touch(ctx context.Context, username, nodeID string) error {
	_, err := s.db.exec(ctx,
		`INSERT INTO mc_passwd_cache (node_id, username, last_pw_use) VALUES (?, ?, ?)
		 ON CONFLICT (node_id) DO UPDATE SET
		   username = excluded.username, last_pw_use = excluded.last_pw_use`,
		nodeID, username, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("touch password cache %s: %w", nodeID, err)
	}
	return nil
}

// Clear deletes the row. Called only on explicit logout, never on idle
// expiry: the cache is what lets a returning user skip the login dance.
func (s *PasswordCacheStore) Clear(ctx context.Context, nodeID string) error {
	_, err := s.db.exec(ctx, `DELETE FROM mc_passwd_cache WHERE node_id = ?`, nodeID)
	if err != nil {
		return fmt.Errorf("clear password cache %s: %w", nodeID, err)
	}
	return nil
}
