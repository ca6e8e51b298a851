package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ContactRow mirrors one mc_chat_contacts row. NodeID is the 16-hex
// prefix of PublicKey; RawAdvertData is the opaque blob the device needs
// to re-add the contact.
type ContactRow struct {
	NodeID        string
	PublicKey     string
	Name          string
	NodeType      string
	Latitude      float64
	Longitude     float64
	FirstSeen     time.Time
	LastSeen      time.Time
	RawAdvertData string
}

// ContactStore persists the node-contact table.
type ContactStore struct {
	db *DB
}

const contactCols = `node_id, public_key, name, node_type, latitude, longitude, first_seen, last_seen, raw_advert_data`

func scanContact(row interface{ Scan(...any) error }) (*ContactRow, error) {
	var c ContactRow
	var first, last int64
	err := row.Scan(&c.NodeID, &c.PublicKey, &c.Name, &c.NodeType,
		&c.Latitude, &c.Longitude, &first, &last, &c.RawAdvertData)
	if err != nil {
		return nil, err
	}
	c.FirstSeen = time.Unix(first, 0)
	c.LastSeen = time.Unix(last, 0)
	return &c, nil
}

// Get returns the contact by node id, or ErrNotFound.
func (s *ContactStore) Get(ctx context.Context, nodeID string) (*ContactRow, error) {
	c, err := scanContact(s.db.queryRow(ctx,
		`SELECT `+contactCols+` FROM mc_chat_contacts WHERE node_id = ?`, nodeID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("contact %s: %w", nodeID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get contact %s: %w", nodeID, err)
	}
	return c, nil
}

// Upsert inserts or refreshes a contact. first_seen is preserved on
// update; last_seen always advances to the row's value.
func (s *ContactStore) Upsert(ctx context.Context, c *ContactRow) error {
	_, err := s.db.exec(ctx,
		`INSERT INTO mc_chat_contacts (`+contactCols+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (node_id) DO UPDATE SET
		   public_key = excluded.public_key,
		   name = excluded.name,
		   node_type = excluded.node_type,
		   latitude = excluded.latitude,
		   longitude = excluded.longitude,
		   last_seen = excluded.last_seen,
		   raw_advert_data = CASE WHEN excluded.raw_advert_data != ''
		     THEN excluded.raw_advert_data ELSE raw_advert_data END`,
		c.NodeID, c.PublicKey, c.Name, c.NodeType, c.Latitude, c.Longitude,
		c.FirstSeen.Unix(), c.LastSeen.Unix(), c.RawAdvertData)
	if err != nil {
		return fmt.Errorf("upsert contact %s: %w", c.NodeID, err)
	}
	return nil
}

// TouchLastSeen advances last_seen to now.
func (s *ContactStore) TouchLastSeen(ctx context.Context, nodeID string) error {
	_, err := s.db.exec(ctx,
		`UPDATE mc_chat_contacts SET last_seen = ? WHERE node_id = ?`,
		time.Now().Unix(), nodeID)
	if err != nil {
		return fmt.Errorf("touch contact %s: %w", nodeID, err)
	}
	return nil
}

// Delete removes the contact row.
func (s *ContactStore) Delete(ctx context.Context, nodeID string) error {
	_, err := s.db.exec(ctx, `DELETE FROM mc_chat_contacts WHERE node_id = ?`, nodeID)
	if err != nil {
		return fmt.Errorf("delete contact %s: %w", nodeID, err)
	}
	return nil
}

// Count returns the number of stored contacts.
func (s *ContactStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.queryRow(ctx, `SELECT COUNT(*) FROM mc_chat_contacts`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count contacts: %w", err)
	}
	return n, nil
}

// ListByLastSeenDesc returns contacts newest-seen first; limit <= 0
// returns all.
func (s *ContactStore) ListByLastSeenDesc(ctx context.Context, limit int) ([]*ContactRow, error) {
	q := `SELECT ` + contactCols + ` FROM mc_chat_contacts ORDER BY last_seen DESC`
	args := []any{}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list contacts: %w", err)
	}
	defer rows.Close()

	var out []*ContactRow
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, fmt.Errorf("list contacts scan: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Oldest returns the contact with the oldest last_seen, or ErrNotFound.
func (s *ContactStore) Oldest(ctx context.Context) (*ContactRow, error) {
	c, err := scanContact(s.db.queryRow(ctx,
		`SELECT `+contactCols+` FROM mc_chat_contacts ORDER BY last_seen ASC LIMIT 1`))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("oldest contact: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("oldest contact: %w", err)
	}
	return c, nil
}

// DeleteWhereNotIn removes rows whose node_id is absent from keep. Used
// by node-authoritative reconciliation; an empty keep list is refused so
// a misread device can never wipe the table.
func (s *ContactStore) DeleteWhereNotIn(ctx context.Context, keep []string) (int64, error) {
	if len(keep) == 0 {
		return 0, errors.New("refusing to delete all contacts: empty keep list")
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(keep)), ",")
	args := make([]any, len(keep))
	for i, id := range keep {
		args[i] = id
	}
	res, err := s.db.exec(ctx,
		`DELETE FROM mc_chat_contacts WHERE node_id NOT IN (`+placeholders+`)`, args...)
	if err != nil {
		return 0, fmt.Errorf("prune contacts: %w", err)
	}
	return res.RowsAffected()
}

// -------------------------------------------------------------------------
// Adverts
// -------------------------------------------------------------------------

// AdvertStore records raw advertisement sightings in mc_adverts.
type AdvertStore struct {
	db *DB
}

// Record appends one advert sighting.
func (s *AdvertStore) Record(ctx context.Context, nodeID, raw string) error {
	_, err := s.db.exec(ctx,
		`INSERT INTO mc_adverts (node_id, received_at, raw) VALUES (?, ?, ?)`,
		nodeID, time.Now().Unix(), raw)
	if err != nil {
		return fmt.Errorf("record advert %s: %w", nodeID, err)
	}
	return nil
}

// CountForNode returns how many adverts a node has sent.
func (s *AdvertStore) CountForNode(ctx context.Context, nodeID string) (int, error) {
	var n int
	err := s.db.queryRow(ctx,
		`SELECT COUNT(*) FROM mc_adverts WHERE node_id = ?`, nodeID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count adverts %s: %w", nodeID, err)
	}
	return n, nil
}
