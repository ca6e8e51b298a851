// Package contacts reconciles the persistent contact table with the
// radio's fixed-capacity on-device contact memory. One side is the
// authority at startup: the database when it fits the device, otherwise
// the device itself.
package contacts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/meshcitadel/meshcitadel/internal/config"
	"github.com/meshcitadel/meshcitadel/internal/radio"
	"github.com/meshcitadel/meshcitadel/internal/storage"
)

// Authority names which side drove the startup synchronization.
type Authority string

const (
	// AuthorityDB means the database was pushed onto the device.
	AuthorityDB Authority = "database"

	// AuthorityNode means the device contact memory was imported and the
	// database pruned to match.
	AuthorityNode Authority = "node"
)

// ErrDeviceRemoveFailed is returned when LRU eviction cannot proceed
// because the device refused to drop the victim contact.
var ErrDeviceRemoveFailed = errors.New("device contact removal failed")

// Manager keeps the DB contact table and the device contact memory
// consistent. The DB is the durable record: its rows are never deleted
// because of a radio failure.
type Manager struct {
	dev       radio.Device
	db        *storage.DB
	cfg       config.ContactManagerConfig
	logger    *slog.Logger
	authority Authority
}

// NewManager builds a contact manager. Sync must be called before the
// transport starts accepting traffic.
func NewManager(dev radio.Device, db *storage.DB, cfg config.ContactManagerConfig, logger *slog.Logger) *Manager {
	return &Manager{
		dev:    dev,
		db:     db,
		cfg:    cfg,
		logger: logger.With(slog.String("component", "contacts")),
	}
}

// Authority reports which side won the startup decision. Valid after
// Sync.
func (m *Manager) Authority() Authority {
	return m.authority
}

// Sync performs the startup reconciliation. The decision is made once:
// if the DB row count fits the device's effective capacity the DB is
// authoritative and is pushed onto the device; otherwise the device is
// authoritative and the DB is trimmed to match it. The manager stays in
// the chosen mode for its lifetime.
func (m *Manager) Sync(ctx context.Context) error {
	count, err := m.db.Contacts.Count(ctx)
	if err != nil {
		return fmt.Errorf("contact sync: %w", err)
	}
	capacity := m.cfg.EffectiveCapacity()

	if count <= capacity {
		m.authority = AuthorityDB
		m.logger.Info("database is contact authority",
			slog.Int("db_contacts", count),
			slog.Int("capacity", capacity),
		)
		return m.pushToDevice(ctx, capacity)
	}

	m.authority = AuthorityNode
	m.logger.Warn("contact table exceeds device capacity, device is authority",
		slog.Int("db_contacts", count),
		slog.Int("capacity", capacity),
	)
	return m.importFromDevice(ctx)
}

// pushToDevice loads every stored contact onto the device, newest-seen
// first, stopping at capacity. Device failures are logged and skipped;
// the DB row stays.
func (m *Manager) pushToDevice(ctx context.Context, capacity int) error {
	rows, err := m.db.Contacts.ListByLastSeenDesc(ctx, capacity)
	if err != nil {
		return fmt.Errorf("contact push: %w", err)
	}

	pushed := 0
	for _, row := range rows {
		if row.RawAdvertData == "" {
			m.logger.Warn("contact has no advert blob, cannot push",
				slog.String("node_id", row.NodeID),
				slog.String("name", row.Name),
			)
			continue
		}
		reply, err := m.dev.AddContact(ctx, row.RawAdvertData)
		if err != nil || reply.Failed() {
			m.logger.Warn("device rejected contact",
				slog.String("node_id", row.NodeID),
				slog.Any("error", err),
			)
			continue
		}
		pushed++
	}
	m.logger.Info("contact push complete",
		slog.Int("pushed", pushed),
		slog.Int("stored", len(rows)),
	)
	return nil
}

// importFromDevice enumerates the device contact memory, inserts minimal
// rows for contacts the DB does not know, and prunes DB rows absent from
// the device.
func (m *Manager) importFromDevice(ctx context.Context) error {
	prefixes, err := m.dev.GetContacts(ctx)
	if err != nil {
		return fmt.Errorf("contact import: %w", err)
	}

	keep := make([]string, 0, len(prefixes))
	for _, prefix := range prefixes {
		nodeID := radio.NodeIDFromKey(prefix)
		keep = append(keep, nodeID)

		if _, err := m.db.Contacts.Get(ctx, nodeID); err == nil {
			continue
		} else if !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("contact import %s: %w", nodeID, err)
		}

		info, err := m.dev.GetContactByKeyPrefix(ctx, prefix)
		if err != nil {
			m.logger.Warn("device contact unreadable, skipping",
				slog.String("prefix", prefix),
				slog.String("error", err.Error()),
			)
			continue
		}
		now := time.Now()
		row := &storage.ContactRow{
			NodeID:    nodeID,
			PublicKey: info.PublicKey,
			Name:      info.AdvName,
			NodeType:  info.Type,
			Latitude:  info.AdvLat,
			Longitude: info.AdvLon,
			FirstSeen: now,
			LastSeen:  now,
			// The device cannot export the original advert blob; the row
			// becomes pushable again on the contact's next advert.
			RawAdvertData: "",
		}
		if err := m.db.Contacts.Upsert(ctx, row); err != nil {
			return fmt.Errorf("contact import %s: %w", nodeID, err)
		}
		m.logger.Warn("imported device contact without advert blob",
			slog.String("node_id", nodeID),
			slog.String("name", info.AdvName),
		)
	}

	pruned, err := m.db.Contacts.DeleteWhereNotIn(ctx, keep)
	if err != nil {
		return fmt.Errorf("contact prune: %w", err)
	}
	m.logger.Info("contact import complete",
		slog.Int("device_contacts", len(prefixes)),
		slog.Int64("pruned", pruned),
	)
	return nil
}

// -------------------------------------------------------------------------
// Runtime paths
// -------------------------------------------------------------------------

// IngestAdvert records a peer advertisement: upsert the contact row
// (first_seen preserved), advance last_seen, and append the raw sighting.
func (m *Manager) IngestAdvert(ctx context.Context, ev radio.Event) error {
	nodeID := radio.NodeIDFromKey(ev.PublicKey)
	now := time.Now()

	row := &storage.ContactRow{
		NodeID:        nodeID,
		PublicKey:     ev.PublicKey,
		Name:          ev.Name,
		NodeType:      ev.NodeType,
		Latitude:      ev.Lat,
		Longitude:     ev.Lon,
		FirstSeen:     now,
		LastSeen:      now,
		RawAdvertData: ev.Raw,
	}
	if err := m.db.Contacts.Upsert(ctx, row); err != nil {
		return fmt.Errorf("ingest advert: %w", err)
	}
	if err := m.db.Adverts.Record(ctx, nodeID, ev.Raw); err != nil {
		m.logger.Warn("advert history write failed",
			slog.String("node_id", nodeID),
			slog.String("error", err.Error()),
		)
	}
	m.logger.Debug("advert ingested",
		slog.String("node_id", nodeID),
		slog.String("name", ev.Name),
	)
	return nil
}

// TouchLastSeen marks traffic from a node.
func (m *Manager) TouchLastSeen(ctx context.Context, nodeID string) error {
	return m.db.Contacts.TouchLastSeen(ctx, nodeID)
}

// AddNode stores a contact and loads it onto the device, evicting the
// least-recently-seen contact when the table would exceed capacity. The
// eviction victim leaves the DB only after the device confirmed its
// removal.
func (m *Manager) AddNode(ctx context.Context, row *storage.ContactRow) error {
	if err := m.db.Contacts.Upsert(ctx, row); err != nil {
		return fmt.Errorf("add node %s: %w", row.NodeID, err)
	}

	count, err := m.db.Contacts.Count(ctx)
	if err != nil {
		return fmt.Errorf("add node %s: %w", row.NodeID, err)
	}
	capacity := m.cfg.EffectiveCapacity()
	for count > capacity {
		evicted, err := m.evictOldest(ctx, row.NodeID)
		if err != nil {
			return err
		}
		if !evicted {
			// The new row is itself the eviction candidate; stay over
			// capacity rather than drop the newcomer.
			break
		}
		count--
	}

	if row.RawAdvertData != "" {
		reply, err := m.dev.AddContact(ctx, row.RawAdvertData)
		if err != nil || reply.Failed() {
			m.logger.Warn("device add_contact failed, row kept",
				slog.String("node_id", row.NodeID),
				slog.Any("error", err),
			)
		}
	}
	return nil
}

// evictOldest removes the oldest-seen contact. skip guards against
// evicting the row that triggered the eviction; evicted reports whether
// a row actually left the table so the caller can stop looping when no
// candidate remains.
func (m *Manager) evictOldest(ctx context.Context, skip string) (evicted bool, err error) {
	victim, err := m.db.Contacts.Oldest(ctx)
	if err != nil {
		return false, fmt.Errorf("evict contact: %w", err)
	}
	if victim.NodeID == skip {
		m.logger.Warn("newest contact is also the oldest, not evicting",
			slog.String("node_id", victim.NodeID))
		return false, nil
	}

	reply, err := m.dev.RemoveContact(ctx, victim.PublicKey)
	if err != nil || reply.Failed() {
		m.logger.Error("device refused contact removal, keeping row",
			slog.String("node_id", victim.NodeID),
			slog.Any("error", err),
		)
		return false, fmt.Errorf("evict %s: %w", victim.NodeID, ErrDeviceRemoveFailed)
	}
	if err := m.db.Contacts.Delete(ctx, victim.NodeID); err != nil {
		return false, fmt.Errorf("evict %s: %w", victim.NodeID, err)
	}
	m.logger.Info("evicted least-recently-seen contact",
		slog.String("node_id", victim.NodeID),
		slog.String("name", victim.Name),
	)
	return true, nil
}

// DeleteNode drops a contact. Device removal is best-effort; the DB row
// is deleted regardless.
func (m *Manager) DeleteNode(ctx context.Context, nodeID string) error {
	row, err := m.db.Contacts.Get(ctx, nodeID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("delete node %s: %w", nodeID, err)
	}
	if row != nil {
		if reply, err := m.dev.RemoveContact(ctx, row.PublicKey); err != nil || reply.Failed() {
			m.logger.Warn("device remove_contact failed, deleting row anyway",
				slog.String("node_id", nodeID),
				slog.Any("error", err),
			)
		}
	}
	return m.db.Contacts.Delete(ctx, nodeID)
}
