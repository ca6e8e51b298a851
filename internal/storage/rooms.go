package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/meshcitadel/meshcitadel/internal/bbs"
)

// RoomStore implements the room service. Rooms form a doubly linked
// chain (prev_id/next_id, zero-terminated) navigated by the G and C
// commands; new rooms are spliced in after the creator's current room.
type RoomStore struct {
	db *DB
}

// scanRoom reads one room row.
func scanRoom(row interface{ Scan(...any) error }) (*bbs.Room, error) {
	var r bbs.Room
	var readOnly, minLevel int
	err := row.Scan(&r.ID, &r.Name, &r.Description, &readOnly, &minLevel, &r.PrevID, &r.NextID)
	if err != nil {
		return nil, err
	}
	r.ReadOnly = readOnly != 0
	r.MinLevel = bbs.PermissionLevel(minLevel)
	return &r, nil
}

const roomCols = `id, name, description, read_only, min_level, prev_id, next_id`

// Load returns the room by id, or ErrNotFound.
func (s *RoomStore) Load(ctx context.Context, id int64) (*bbs.Room, error) {
	r, err := scanRoom(s.db.queryRow(ctx,
		`SELECT `+roomCols+` FROM rooms WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("load room %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load room %d: %w", id, err)
	}
	return r, nil
}

// GetIDByName returns the room id for a name, or ErrNotFound.
func (s *RoomStore) GetIDByName(ctx context.Context, name string) (int64, error) {
	var id int64
	err := s.db.queryRow(ctx, `SELECT id FROM rooms WHERE name = ?`, name).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("room %q: %w", name, ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("room id %q: %w", name, err)
	}
	return id, nil
}

// GoToRoom resolves an identifier that is either a room name or a
// numeric room id.
func (s *RoomStore) GoToRoom(ctx context.Context, identifier string) (*bbs.Room, error) {
	if id, err := strconv.ParseInt(identifier, 10, 64); err == nil {
		if r, err := s.Load(ctx, id); err == nil {
			return r, nil
		}
	}
	id, err := s.GetIDByName(ctx, identifier)
	if err != nil {
		return nil, err
	}
	return s.Load(ctx, id)
}

// Create inserts a new room spliced into the chain directly after
// afterID. When afterID is zero (or dangling) the room is appended at
// the tail. Returns the created room.
func (s *RoomStore) Create(ctx context.Context, name, description string, readOnly bool, minLevel bbs.PermissionLevel, afterID int64) (*bbs.Room, error) {
	if _, err := s.GetIDByName(ctx, name); err == nil {
		return nil, fmt.Errorf("create room %q: %w", name, ErrAlreadyExists)
	}

	var after *bbs.Room
	if afterID != 0 {
		var err error
		after, err = s.Load(ctx, afterID)
		if err != nil {
			after = nil
		}
	}
	if after == nil {
		if tail, err := s.tail(ctx); err == nil {
			after = tail
		}
	}

	ro := 0
	if readOnly {
		ro = 1
	}
	prevID, nextID := int64(0), int64(0)
	if after != nil {
		prevID, nextID = after.ID, after.NextID
	}

	res, err := s.db.exec(ctx,
		`INSERT INTO rooms (name, description, read_only, min_level, prev_id, next_id)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		name, description, ro, int(minLevel), prevID, nextID)
	if err != nil {
		return nil, fmt.Errorf("create room %q: %w", name, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("create room %q id: %w", name, err)
	}

	// Splice: predecessor points forward, successor points back.
	if after != nil {
		if _, err := s.db.exec(ctx, `UPDATE rooms SET next_id = ? WHERE id = ?`, id, after.ID); err != nil {
			return nil, fmt.Errorf("splice room %q after %d: %w", name, after.ID, err)
		}
		if nextID != 0 {
			if _, err := s.db.exec(ctx, `UPDATE rooms SET prev_id = ? WHERE id = ?`, id, nextID); err != nil {
				return nil, fmt.Errorf("splice room %q before %d: %w", name, nextID, err)
			}
		}
	}

	return s.Load(ctx, id)
}

// tail returns the last room of the chain, or ErrNotFound when the board
// has no rooms yet.
func (s *RoomStore) tail(ctx context.Context) (*bbs.Room, error) {
	r, err := scanRoom(s.db.queryRow(ctx,
		`SELECT `+roomCols+` FROM rooms WHERE next_id = 0 ORDER BY id DESC LIMIT 1`))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("room chain tail: %w", err)
	}
	return r, nil
}

// head returns the first room of the chain.
func (s *RoomStore) head(ctx context.Context) (*bbs.Room, error) {
	r, err := scanRoom(s.db.queryRow(ctx,
		`SELECT `+roomCols+` FROM rooms WHERE prev_id = 0 ORDER BY id LIMIT 1`))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("room chain head: %w", err)
	}
	return r, nil
}

// List returns all rooms in chain order. Rooms orphaned from the chain
// (bad pointers) are appended in id order so nothing is hidden.
func (s *RoomStore) List(ctx context.Context) ([]*bbs.Room, error) {
	rows, err := s.db.query(ctx, `SELECT `+roomCols+` FROM rooms ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	defer rows.Close()

	byID := make(map[int64]*bbs.Room)
	var ids []int64
	for rows.Next() {
		r, err := scanRoom(rows)
		if err != nil {
			return nil, fmt.Errorf("list rooms scan: %w", err)
		}
		byID[r.ID] = r
		ids = append(ids, r.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}

	var ordered []*bbs.Room
	seen := make(map[int64]bool)
	if h, err := s.head(ctx); err == nil {
		for cur := byID[h.ID]; cur != nil && !seen[cur.ID]; cur = byID[cur.NextID] {
			ordered = append(ordered, cur)
			seen[cur.ID] = true
		}
	}
	for _, id := range ids {
		if !seen[id] {
			ordered = append(ordered, byID[id])
		}
	}
	return ordered, nil
}

// GoToNextRoom returns the next room after currentID in chain order that
// the user has not ignored, wrapping past the tail. With withUnread set,
// only rooms holding unread messages qualify. Returns ErrNotFound when
// no room matches.
func (s *RoomStore) GoToNextRoom(ctx context.Context, username string, currentID int64, withUnread bool) (*bbs.Room, error) {
	rooms, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	if len(rooms) == 0 {
		return nil, fmt.Errorf("next room: %w", ErrNotFound)
	}

	start := 0
	for i, r := range rooms {
		if r.ID == currentID {
			start = i + 1
			break
		}
	}

	for off := 0; off < len(rooms); off++ {
		r := rooms[(start+off)%len(rooms)]
		if r.ID == currentID {
			continue
		}
		ignored, err := s.IsIgnored(ctx, username, r.ID)
		if err != nil {
			return nil, err
		}
		if ignored {
			continue
		}
		if withUnread {
			unread, err := s.HasUnreadMessages(ctx, username, r.ID)
			if err != nil {
				return nil, err
			}
			if !unread {
				continue
			}
		}
		return r, nil
	}
	return nil, fmt.Errorf("next room: %w", ErrNotFound)
}

// SetAttrs updates the mutable room attributes.
func (s *RoomStore) SetAttrs(ctx context.Context, id int64, description string, readOnly bool, minLevel bbs.PermissionLevel) error {
	ro := 0
	if readOnly {
		ro = 1
	}
	res, err := s.db.exec(ctx,
		`UPDATE rooms SET description = ?, read_only = ?, min_level = ? WHERE id = ?`,
		description, ro, int(minLevel), id)
	if err != nil {
		return fmt.Errorf("edit room %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("edit room %d: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("edit room %d: %w", id, ErrNotFound)
	}
	return nil
}

// -------------------------------------------------------------------------
// Read State & Ignores
// -------------------------------------------------------------------------

// GetUnreadMessageIDs returns the ids of messages in the room newer than
// the user's read pointer, in posting order. Mail-room rows addressed to
// someone else are excluded.
func (s *RoomStore) GetUnreadMessageIDs(ctx context.Context, username string, roomID int64) ([]int64, error) {
	rows, err := s.db.query(ctx,
		`SELECT m.id FROM messages m
		 JOIN room_messages rm ON rm.message_id = m.id
		 WHERE rm.room_id = ?
		   AND m.id > COALESCE(
		     (SELECT last_read_message_id FROM user_room_state
		      WHERE username = ? AND room_id = ?), 0)
		   AND (m.recipient IS NULL OR m.recipient = ?)
		 ORDER BY m.id`,
		roomID, username, roomID, username)
	if err != nil {
		return nil, fmt.Errorf("unread ids room %d: %w", roomID, err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("unread ids scan: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListMessageIDs returns the newest limit message ids in the room, in
// posting order, honoring Mail-room addressing for the user. limit <= 0
// returns all.
func (s *RoomStore) ListMessageIDs(ctx context.Context, username string, roomID int64, limit int) ([]int64, error) {
	q := `SELECT m.id FROM messages m
	 JOIN room_messages rm ON rm.message_id = m.id
	 WHERE rm.room_id = ?
	   AND (m.recipient IS NULL OR m.recipient = ?)
	 ORDER BY m.id DESC`
	args := []any{roomID, username}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("message ids room %d: %w", roomID, err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("message ids scan: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(ids)-1; i < j; i, j = i+1, j-1 {
		ids[i], ids[j] = ids[j], ids[i]
	}
	return ids, nil
}

// HasUnreadMessages reports whether the room holds unread content for
// the user.
func (s *RoomStore) HasUnreadMessages(ctx context.Context, username string, roomID int64) (bool, error) {
	ids, err := s.GetUnreadMessageIDs(ctx, username, roomID)
	if err != nil {
		return false, err
	}
	return len(ids) > 0, nil
}

// MarkRead advances the user's read pointer to messageID; it never moves
// backwards.
func (s *RoomStore) MarkRead(ctx context.Context, username string, roomID, messageID int64) error {
	_, err := s.db.exec(ctx,
		`INSERT INTO user_room_state (username, room_id, last_read_message_id)
		 VALUES (?, ?, ?)
		 ON CONFLICT (username, room_id)
		 DO UPDATE SET last_read_message_id = MAX(last_read_message_id, excluded.last_read_message_id)`,
		username, roomID, messageID)
	if err != nil {
		return fmt.Errorf("mark read room %d: %w", roomID, err)
	}
	return nil
}

// FastForward marks everything currently in the room as read.
func (s *RoomStore) FastForward(ctx context.Context, username string, roomID int64) error {
	var maxID sql.NullInt64
	err := s.db.queryRow(ctx,
		`SELECT MAX(message_id) FROM room_messages WHERE room_id = ?`, roomID).Scan(&maxID)
	if err != nil {
		return fmt.Errorf("fast forward room %d: %w", roomID, err)
	}
	if !maxID.Valid {
		return nil
	}
	return s.MarkRead(ctx, username, roomID, maxID.Int64)
}

// Ignore hides the room from the user's G navigation.
func (s *RoomStore) Ignore(ctx context.Context, username string, roomID int64) error {
	_, err := s.db.exec(ctx,
		`INSERT OR IGNORE INTO room_ignores (username, room_id) VALUES (?, ?)`,
		username, roomID)
	if err != nil {
		return fmt.Errorf("ignore room %d: %w", roomID, err)
	}
	return nil
}

// IsIgnored reports whether the user ignores the room.
func (s *RoomStore) IsIgnored(ctx context.Context, username string, roomID int64) (bool, error) {
	var n int
	err := s.db.queryRow(ctx,
		`SELECT COUNT(*) FROM room_ignores WHERE username = ? AND room_id = ?`,
		username, roomID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("is ignored room %d: %w", roomID, err)
	}
	return n > 0, nil
}

// -------------------------------------------------------------------------
// Posting
// -------------------------------------------------------------------------

// PostMessage inserts a message into the room and trims the room to
// maxMessages by dropping the oldest rows. recipient is empty outside
// the Mail room. Returns the new message id.
func (s *RoomStore) PostMessage(ctx context.Context, roomID int64, sender, recipient, content string, maxMessages int) (int64, error) {
	var rec any
	if recipient != "" {
		rec = recipient
	}
	res, err := s.db.exec(ctx,
		`INSERT INTO messages (sender, recipient, content, created_at) VALUES (?, ?, ?, ?)`,
		sender, rec, content, time.Now().Unix())
	if err != nil {
		return 0, fmt.Errorf("post message room %d: %w", roomID, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("post message id: %w", err)
	}
	if _, err := s.db.exec(ctx,
		`INSERT INTO room_messages (room_id, message_id) VALUES (?, ?)`, roomID, id); err != nil {
		return 0, fmt.Errorf("link message %d to room %d: %w", id, roomID, err)
	}

	if maxMessages > 0 {
		if err := s.trim(ctx, roomID, maxMessages); err != nil {
			return 0, err
		}
	}
	return id, nil
}

// trim deletes the oldest messages past the retention cap.
func (s *RoomStore) trim(ctx context.Context, roomID int64, maxMessages int) error {
	_, err := s.db.exec(ctx,
		`DELETE FROM messages WHERE id IN (
		   SELECT message_id FROM room_messages WHERE room_id = ?
		   ORDER BY message_id DESC LIMIT -1 OFFSET ?)`,
		roomID, maxMessages)
	if err != nil {
		return fmt.Errorf("trim room %d: %w", roomID, err)
	}
	_, err = s.db.exec(ctx,
		`DELETE FROM room_messages WHERE room_id = ? AND message_id NOT IN (
		   SELECT message_id FROM room_messages WHERE room_id = ?
		   ORDER BY message_id DESC LIMIT ?)`,
		roomID, roomID, maxMessages)
	if err != nil {
		return fmt.Errorf("trim room links %d: %w", roomID, err)
	}
	return nil
}
