package storage

import (
	"context"
	"fmt"
	"time"
)

// ValidationStore persists the pending_validations queue: completed
// registrations awaiting Aide/Sysop review.
type ValidationStore struct {
	db *DB
}

// Add enqueues a completed registration for review.
func (s *ValidationStore) Add(ctx context.Context, username string) error {
	_, err := s.db.exec(ctx,
		`INSERT OR IGNORE INTO pending_validations (username, created_at) VALUES (?, ?)`,
		username, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("add pending validation %q: %w", username, err)
	}
	return nil
}

// List returns pending usernames oldest-first.
func (s *ValidationStore) List(ctx context.Context) ([]string, error) {
	rows, err := s.db.query(ctx,
		`SELECT username FROM pending_validations ORDER BY created_at, username`)
	if err != nil {
		return nil, fmt.Errorf("list pending validations: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, fmt.Errorf("list pending validations scan: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// Delete removes one entry; deleting an absent entry is a no-op.
func (s *ValidationStore) Delete(ctx context.Context, username string) error {
	_, err := s.db.exec(ctx,
		`DELETE FROM pending_validations WHERE username = ?`, username)
	if err != nil {
		return fmt.Errorf("delete pending validation %q: %w", username, err)
	}
	return nil
}

// Count returns the number of registrations awaiting review.
func (s *ValidationStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.queryRow(ctx, `SELECT COUNT(*) FROM pending_validations`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count pending validations: %w", err)
	}
	return n, nil
}
