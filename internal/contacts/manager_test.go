package contacts_test

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/meshcitadel/meshcitadel/internal/config"
	"github.com/meshcitadel/meshcitadel/internal/contacts"
	"github.com/meshcitadel/meshcitadel/internal/radio"
	"github.com/meshcitadel/meshcitadel/internal/storage"
)

// fakeDevice keeps an in-memory contact set keyed by public key.
type fakeDevice struct {
	radio.Device

	contacts   map[string]*radio.ContactInfo
	added      []string
	removed    []string
	addErr     error
	removeErr  error
	failRemove bool
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{contacts: make(map[string]*radio.ContactInfo)}
}

func (d *fakeDevice) AddContact(_ context.Context, raw string) (*radio.Reply, error) {
	if d.addErr != nil {
		return nil, d.addErr
	}
	d.added = append(d.added, raw)
	// Advert blobs in these tests are "advert:<public_key>".
	key := strings.TrimPrefix(raw, "advert:")
	d.contacts[key] = &radio.ContactInfo{PublicKey: key}
	return &radio.Reply{Type: radio.ReplyOK}, nil
}

func (d *fakeDevice) RemoveContact(_ context.Context, publicKey string) (*radio.Reply, error) {
	if d.removeErr != nil {
		return nil, d.removeErr
	}
	if d.failRemove {
		return &radio.Reply{Type: radio.ReplyError}, nil
	}
	d.removed = append(d.removed, publicKey)
	delete(d.contacts, publicKey)
	return &radio.Reply{Type: radio.ReplyOK}, nil
}

func (d *fakeDevice) GetContacts(context.Context) ([]string, error) {
	var out []string
	for key := range d.contacts {
		out = append(out, key)
	}
	return out, nil
}

func (d *fakeDevice) GetContactByKeyPrefix(_ context.Context, prefix string) (*radio.ContactInfo, error) {
	for key, info := range d.contacts {
		if strings.HasPrefix(key, prefix) {
			return info, nil
		}
	}
	return nil, errors.New("no such contact")
}

func testKey(i int) string {
	return fmt.Sprintf("%016x%048x", i, i)
}

func contactRow(i int, lastSeen time.Time) *storage.ContactRow {
	key := testKey(i)
	return &storage.ContactRow{
		NodeID:        key[:16],
		PublicKey:     key,
		Name:          fmt.Sprintf("node-%d", i),
		NodeType:      "chat",
		FirstSeen:     lastSeen,
		LastSeen:      lastSeen,
		RawAdvertData: "advert:" + key,
	}
}

func newManager(t *testing.T, dev radio.Device, capacity, buffer int) (*contacts.Manager, *storage.DB) {
	t.Helper()
	db, err := storage.Open(":memory:", slog.Default())
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	cfg := config.ContactManagerConfig{
		MaxDeviceContacts:  capacity,
		ContactLimitBuffer: buffer,
		UpdateContacts:     true,
	}
	return contacts.NewManager(dev, db, cfg, slog.Default()), db
}

func TestSyncDBAuthoritative(t *testing.T) {
	dev := newFakeDevice()
	m, db := newManager(t, dev, 10, 2)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := db.Contacts.Upsert(ctx, contactRow(i, time.Now())); err != nil {
			t.Fatal(err)
		}
	}

	if err := m.Sync(ctx); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if m.Authority() != contacts.AuthorityDB {
		t.Errorf("authority = %q, want database", m.Authority())
	}
	if len(dev.added) != 3 {
		t.Errorf("device adds = %d, want 3", len(dev.added))
	}
}

func TestSyncPushSkipsBlanksAndDeviceErrors(t *testing.T) {
	dev := newFakeDevice()
	m, db := newManager(t, dev, 10, 2)
	ctx := context.Background()

	row := contactRow(0, time.Now())
	row.RawAdvertData = ""
	if err := db.Contacts.Upsert(ctx, row); err != nil {
		t.Fatal(err)
	}
	if err := db.Contacts.Upsert(ctx, contactRow(1, time.Now())); err != nil {
		t.Fatal(err)
	}

	if err := m.Sync(ctx); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if len(dev.added) != 1 {
		t.Errorf("device adds = %d, want 1 (blank blob skipped)", len(dev.added))
	}
	// The unpushable row survives: device trouble never deletes DB rows.
	if _, err := db.Contacts.Get(ctx, row.NodeID); err != nil {
		t.Errorf("blank-blob row deleted: %v", err)
	}
}

func TestSyncNodeAuthoritative(t *testing.T) {
	dev := newFakeDevice()
	// Device knows contacts 0 and 1; 1 is new to the DB.
	dev.contacts[testKey(0)] = &radio.ContactInfo{PublicKey: testKey(0), AdvName: "zero"}
	dev.contacts[testKey(1)] = &radio.ContactInfo{PublicKey: testKey(1), AdvName: "one"}

	// Capacity 2, buffer 1 → effective capacity 1; three DB rows force
	// node authority. Rows 0, 2, 3 stored; 2 and 3 are absent from the
	// device and must be pruned.
	m, db := newManager(t, dev, 2, 1)
	ctx := context.Background()
	for _, i := range []int{0, 2, 3} {
		if err := db.Contacts.Upsert(ctx, contactRow(i, time.Now())); err != nil {
			t.Fatal(err)
		}
	}

	if err := m.Sync(ctx); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if m.Authority() != contacts.AuthorityNode {
		t.Errorf("authority = %q, want node", m.Authority())
	}

	if _, err := db.Contacts.Get(ctx, testKey(2)[:16]); !errors.Is(err, storage.ErrNotFound) {
		t.Error("row 2 not pruned")
	}
	if _, err := db.Contacts.Get(ctx, testKey(3)[:16]); !errors.Is(err, storage.ErrNotFound) {
		t.Error("row 3 not pruned")
	}

	// Contact 1 was imported as a minimal row with an empty advert blob.
	imported, err := db.Contacts.Get(ctx, testKey(1)[:16])
	if err != nil {
		t.Fatalf("imported row missing: %v", err)
	}
	if imported.RawAdvertData != "" || imported.Name != "one" {
		t.Errorf("imported row = %+v", imported)
	}
}

func TestIngestAdvertPreservesFirstSeen(t *testing.T) {
	dev := newFakeDevice()
	m, db := newManager(t, dev, 10, 2)
	ctx := context.Background()

	key := testKey(7)
	ev := radio.Event{
		Kind:      radio.EventAdvertisement,
		PublicKey: key,
		Name:      "lucky",
		NodeType:  "chat",
		Raw:       "advert:" + key,
	}
	if err := m.IngestAdvert(ctx, ev); err != nil {
		t.Fatal(err)
	}
	first, err := db.Contacts.Get(ctx, key[:16])
	if err != nil {
		t.Fatal(err)
	}

	ev.Name = "lucky-renamed"
	if err := m.IngestAdvert(ctx, ev); err != nil {
		t.Fatal(err)
	}
	second, err := db.Contacts.Get(ctx, key[:16])
	if err != nil {
		t.Fatal(err)
	}
	if !second.FirstSeen.Equal(first.FirstSeen) {
		t.Error("first_seen moved on re-advert")
	}
	if second.Name != "lucky-renamed" {
		t.Errorf("name = %q, want lucky-renamed", second.Name)
	}
	if n, _ := db.Adverts.CountForNode(ctx, key[:16]); n != 2 {
		t.Errorf("advert sightings = %d, want 2", n)
	}
}

func TestAddNodeEvictsLRU(t *testing.T) {
	dev := newFakeDevice()
	// Effective capacity 2.
	m, db := newManager(t, dev, 3, 1)
	ctx := context.Background()

	old := time.Now().Add(-2 * time.Hour)
	if err := m.AddNode(ctx, contactRow(0, old)); err != nil {
		t.Fatal(err)
	}
	if err := m.AddNode(ctx, contactRow(1, time.Now().Add(-time.Hour))); err != nil {
		t.Fatal(err)
	}
	if err := m.AddNode(ctx, contactRow(2, time.Now())); err != nil {
		t.Fatal(err)
	}

	// Contact 0 was least recently seen and must be gone from both sides.
	if _, err := db.Contacts.Get(ctx, testKey(0)[:16]); !errors.Is(err, storage.ErrNotFound) {
		t.Error("LRU row not evicted")
	}
	if len(dev.removed) != 1 || dev.removed[0] != testKey(0) {
		t.Errorf("device removals = %v", dev.removed)
	}
	if n, _ := db.Contacts.Count(ctx); n != 2 {
		t.Errorf("contact count = %d, want 2", n)
	}
}

func TestAddNodeKeepsNewRowWhenItIsOldest(t *testing.T) {
	dev := newFakeDevice()
	// Effective capacity 1.
	m, db := newManager(t, dev, 2, 1)
	ctx := context.Background()

	if err := m.AddNode(ctx, contactRow(0, time.Now())); err != nil {
		t.Fatal(err)
	}
	// The new row's last_seen predates the existing one, so it is its
	// own eviction candidate. AddNode tolerates the overflow instead of
	// dropping the newcomer or evicting the fresher row.
	if err := m.AddNode(ctx, contactRow(1, time.Now().Add(-time.Hour))); err != nil {
		t.Fatalf("AddNode: %v", err)
	}

	if n, _ := db.Contacts.Count(ctx); n != 2 {
		t.Errorf("contact count = %d, want 2 (overflow tolerated)", n)
	}
	if _, err := db.Contacts.Get(ctx, testKey(1)[:16]); err != nil {
		t.Errorf("new row missing: %v", err)
	}
	if _, err := db.Contacts.Get(ctx, testKey(0)[:16]); err != nil {
		t.Errorf("fresher row evicted: %v", err)
	}
	if len(dev.removed) != 0 {
		t.Errorf("device removals = %v, want none", dev.removed)
	}
}

func TestAddNodeEvictionBlockedByDevice(t *testing.T) {
	dev := newFakeDevice()
	m, db := newManager(t, dev, 3, 1)
	ctx := context.Background()

	if err := m.AddNode(ctx, contactRow(0, time.Now().Add(-time.Hour))); err != nil {
		t.Fatal(err)
	}
	if err := m.AddNode(ctx, contactRow(1, time.Now().Add(-30*time.Minute))); err != nil {
		t.Fatal(err)
	}

	dev.failRemove = true
	err := m.AddNode(ctx, contactRow(2, time.Now()))
	if !errors.Is(err, contacts.ErrDeviceRemoveFailed) {
		t.Fatalf("err = %v, want ErrDeviceRemoveFailed", err)
	}
	// The victim row survives the failed device removal.
	if _, err := db.Contacts.Get(ctx, testKey(0)[:16]); err != nil {
		t.Errorf("victim row deleted despite device failure: %v", err)
	}
}

func TestDeleteNodeBestEffortDevice(t *testing.T) {
	dev := newFakeDevice()
	m, db := newManager(t, dev, 10, 2)
	ctx := context.Background()

	if err := m.AddNode(ctx, contactRow(0, time.Now())); err != nil {
		t.Fatal(err)
	}
	dev.removeErr = errors.New("serial gone")

	if err := m.DeleteNode(ctx, testKey(0)[:16]); err != nil {
		t.Fatalf("DeleteNode: %v", err)
	}
	// DB row is gone even though the device call failed.
	if _, err := db.Contacts.Get(ctx, testKey(0)[:16]); !errors.Is(err, storage.ErrNotFound) {
		t.Error("row survived explicit delete")
	}
}
