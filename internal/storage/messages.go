package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/meshcitadel/meshcitadel/internal/bbs"
)

// MessageStore implements the message service.
type MessageStore struct {
	db *DB
}

// Get loads one message for display to recipientUser. The Blocked flag is
// set when the reader has blocked the sender; content is still stored,
// the transport renders a stub.
func (s *MessageStore) Get(ctx context.Context, id int64, recipientUser string) (*bbs.Message, error) {
	var m bbs.Message
	var recipient sql.NullString
	var createdAt int64
	err := s.db.queryRow(ctx,
		`SELECT m.id, m.sender, COALESCE(u.display_name, ''), m.recipient, m.content, m.created_at
		 FROM messages m LEFT JOIN users u ON u.username = m.sender
		 WHERE m.id = ?`, id).
		Scan(&m.ID, &m.Sender, &m.DisplayName, &recipient, &m.Content, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("message %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get message %d: %w", id, err)
	}
	m.Recipient = recipient.String
	m.Timestamp = time.Unix(createdAt, 0)

	if recipientUser != "" {
		blocked, err := s.db.Users.IsBlocked(ctx, recipientUser, m.Sender)
		if err != nil {
			return nil, err
		}
		m.Blocked = blocked
	}
	return &m, nil
}

// GetMany loads the given message ids for display, preserving order and
// skipping ids that no longer exist.
func (s *MessageStore) GetMany(ctx context.Context, ids []int64, recipientUser string) ([]*bbs.Message, error) {
	out := make([]*bbs.Message, 0, len(ids))
	for _, id := range ids {
		m, err := s.Get(ctx, id, recipientUser)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// Delete removes a message and its room links.
func (s *MessageStore) Delete(ctx context.Context, id int64) error {
	if _, err := s.db.exec(ctx, `DELETE FROM room_messages WHERE message_id = ?`, id); err != nil {
		return fmt.Errorf("delete message links %d: %w", id, err)
	}
	res, err := s.db.exec(ctx, `DELETE FROM messages WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete message %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete message %d: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("message %d: %w", id, ErrNotFound)
	}
	return nil
}

// Sender returns the author of a message, or ErrNotFound.
func (s *MessageStore) Sender(ctx context.Context, id int64) (string, error) {
	var sender string
	err := s.db.queryRow(ctx, `SELECT sender FROM messages WHERE id = ?`, id).Scan(&sender)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("message %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("message sender %d: %w", id, err)
	}
	return sender, nil
}

// SummaryEntry is one line of a room scan.
type SummaryEntry struct {
	ID      int64
	Sender  string
	Posted  time.Time
	Preview string
}

// Summary returns scan lines for the newest messages in a room, oldest
// first, previews truncated to previewLen runes.
func (s *MessageStore) Summary(ctx context.Context, roomID int64, limit, previewLen int) ([]SummaryEntry, error) {
	rows, err := s.db.query(ctx,
		`SELECT m.id, m.sender, m.created_at, m.content
		 FROM messages m JOIN room_messages rm ON rm.message_id = m.id
		 WHERE rm.room_id = ?
		 ORDER BY m.id DESC LIMIT ?`, roomID, limit)
	if err != nil {
		return nil, fmt.Errorf("summary room %d: %w", roomID, err)
	}
	defer rows.Close()

	var entries []SummaryEntry
	for rows.Next() {
		var e SummaryEntry
		var createdAt int64
		var content string
		if err := rows.Scan(&e.ID, &e.Sender, &createdAt, &content); err != nil {
			return nil, fmt.Errorf("summary scan: %w", err)
		}
		e.Posted = time.Unix(createdAt, 0)
		e.Preview = truncateRunes(content, previewLen)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("summary room %d: %w", roomID, err)
	}

	// Reverse into posting order.
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}

// truncateRunes cuts s to at most n runes, appending an ellipsis when cut.
func truncateRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "…"
}
