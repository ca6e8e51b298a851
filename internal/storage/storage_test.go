package storage_test

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/meshcitadel/meshcitadel/internal/bbs"
	"github.com/meshcitadel/meshcitadel/internal/storage"
)

// openTestDB opens an in-memory database that closes with the test.
func openTestDB(t *testing.T) *storage.DB {
	t.Helper()
	db, err := storage.Open(":memory:", slog.Default())
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func mustCreateUser(t *testing.T, db *storage.DB, username string, level bbs.PermissionLevel) {
	t.Helper()
	err := db.Users.Create(context.Background(), username, username,
		[]byte("hash"), []byte("salt"), level, bbs.StatusActive)
	if err != nil {
		t.Fatalf("create user %s: %v", username, err)
	}
}

func mustCreateRoom(t *testing.T, db *storage.DB, name string, after int64) *bbs.Room {
	t.Helper()
	r, err := db.Rooms.Create(context.Background(), name, "", false, bbs.PermUser, after)
	if err != nil {
		t.Fatalf("create room %s: %v", name, err)
	}
	return r
}

func TestUserLifecycle(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	exists, err := db.Users.UsernameExists(ctx, "alice")
	if err != nil || exists {
		t.Fatalf("UsernameExists before create = %v, %v", exists, err)
	}

	mustCreateUser(t, db, "alice", bbs.PermUser)

	exists, err = db.Users.UsernameExists(ctx, "alice")
	if err != nil || !exists {
		t.Fatalf("UsernameExists after create = %v, %v", exists, err)
	}

	u, err := db.Users.Load(ctx, "alice")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if u.Level != bbs.PermUser || u.Status != bbs.StatusActive {
		t.Errorf("loaded user = %+v", u)
	}

	if err := db.Users.SetPermissionLevel(ctx, "alice", bbs.PermAide); err != nil {
		t.Fatalf("SetPermissionLevel: %v", err)
	}
	if err := db.Users.SetStatus(ctx, "alice", bbs.StatusDisabled); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	u, _ = db.Users.Load(ctx, "alice")
	if u.Level != bbs.PermAide || u.Status != bbs.StatusDisabled {
		t.Errorf("after updates user = %+v", u)
	}

	if err := db.Users.Delete(ctx, "alice"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := db.Users.Load(ctx, "alice"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Load after delete = %v, want ErrNotFound", err)
	}
}

func TestUserBlocks(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	mustCreateUser(t, db, "alice", bbs.PermUser)
	mustCreateUser(t, db, "bob", bbs.PermUser)

	if err := db.Users.Block(ctx, "alice", "bob"); err != nil {
		t.Fatalf("Block: %v", err)
	}
	blocked, err := db.Users.IsBlocked(ctx, "alice", "bob")
	if err != nil || !blocked {
		t.Fatalf("IsBlocked = %v, %v", blocked, err)
	}
	// Asymmetric.
	blocked, _ = db.Users.IsBlocked(ctx, "bob", "alice")
	if blocked {
		t.Error("block should be one-directional")
	}
}

func TestRoomChainSplice(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	lobby := mustCreateRoom(t, db, "Lobby", 0)
	tech := mustCreateRoom(t, db, "Tech", lobby.ID)
	// Splice "Radio" between Lobby and Tech.
	radio := mustCreateRoom(t, db, "Radio", lobby.ID)

	rooms, err := db.Rooms.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	var names []string
	for _, r := range rooms {
		names = append(names, r.Name)
	}
	want := []string{"Lobby", "Radio", "Tech"}
	if len(names) != len(want) {
		t.Fatalf("rooms = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("rooms = %v, want %v", names, want)
		}
	}

	// Pointers are symmetric after the splice.
	lobby, _ = db.Rooms.Load(ctx, lobby.ID)
	radio, _ = db.Rooms.Load(ctx, radio.ID)
	tech, _ = db.Rooms.Load(ctx, tech.ID)
	if lobby.NextID != radio.ID || radio.PrevID != lobby.ID {
		t.Error("lobby<->radio pointers broken")
	}
	if radio.NextID != tech.ID || tech.PrevID != radio.ID {
		t.Error("radio<->tech pointers broken")
	}

	if _, err := db.Rooms.Create(ctx, "Lobby", "", false, bbs.PermUser, 0); !errors.Is(err, storage.ErrAlreadyExists) {
		t.Errorf("duplicate room create = %v, want ErrAlreadyExists", err)
	}
}

func TestUnreadAndNavigation(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	mustCreateUser(t, db, "alice", bbs.PermUser)
	lobby := mustCreateRoom(t, db, "Lobby", 0)
	tech := mustCreateRoom(t, db, "Tech", lobby.ID)
	misc := mustCreateRoom(t, db, "Misc", tech.ID)

	id1, err := db.Rooms.PostMessage(ctx, tech.ID, "alice", "", "first", 300)
	if err != nil {
		t.Fatalf("PostMessage: %v", err)
	}
	id2, _ := db.Rooms.PostMessage(ctx, tech.ID, "alice", "", "second", 300)

	ids, err := db.Rooms.GetUnreadMessageIDs(ctx, "alice", tech.ID)
	if err != nil {
		t.Fatalf("GetUnreadMessageIDs: %v", err)
	}
	if len(ids) != 2 || ids[0] != id1 || ids[1] != id2 {
		t.Errorf("unread ids = %v", ids)
	}

	// G from Lobby lands in Tech (the only room with unread).
	next, err := db.Rooms.GoToNextRoom(ctx, "alice", lobby.ID, true)
	if err != nil {
		t.Fatalf("GoToNextRoom: %v", err)
	}
	if next.ID != tech.ID {
		t.Errorf("next room = %s, want Tech", next.Name)
	}

	// Reading everything clears the unread flag.
	if err := db.Rooms.MarkRead(ctx, "alice", tech.ID, id2); err != nil {
		t.Fatalf("MarkRead: %v", err)
	}
	unread, _ := db.Rooms.HasUnreadMessages(ctx, "alice", tech.ID)
	if unread {
		t.Error("room still unread after MarkRead")
	}
	if _, err := db.Rooms.GoToNextRoom(ctx, "alice", lobby.ID, true); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("GoToNextRoom with nothing unread = %v, want ErrNotFound", err)
	}

	// Wrap-around: from Misc, unread in Lobby is still reachable.
	db.Rooms.PostMessage(ctx, lobby.ID, "alice", "", "hello", 300)
	next, err = db.Rooms.GoToNextRoom(ctx, "alice", misc.ID, true)
	if err != nil || next.ID != lobby.ID {
		t.Errorf("wrap-around next = %v, %v", next, err)
	}

	// Ignored rooms are skipped.
	if err := db.Rooms.Ignore(ctx, "alice", lobby.ID); err != nil {
		t.Fatalf("Ignore: %v", err)
	}
	if _, err := db.Rooms.GoToNextRoom(ctx, "alice", misc.ID, true); !errors.Is(err, storage.ErrNotFound) {
		t.Error("ignored room still offered by G")
	}
}

func TestMailRecipientFiltering(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	mustCreateUser(t, db, "alice", bbs.PermUser)
	mustCreateUser(t, db, "bob", bbs.PermUser)
	mail := mustCreateRoom(t, db, bbs.MailRoomName, 0)

	db.Rooms.PostMessage(ctx, mail.ID, "alice", "bob", "for bob", 50)
	db.Rooms.PostMessage(ctx, mail.ID, "bob", "alice", "for alice", 50)

	ids, _ := db.Rooms.GetUnreadMessageIDs(ctx, "bob", mail.ID)
	if len(ids) != 1 {
		t.Fatalf("bob sees %d mail messages, want 1", len(ids))
	}
	m, err := db.Messages.Get(ctx, ids[0], "bob")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if m.Content != "for bob" || m.Recipient != "bob" {
		t.Errorf("bob's mail = %+v", m)
	}
}

func TestMessageTrim(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	mustCreateUser(t, db, "alice", bbs.PermUser)
	room := mustCreateRoom(t, db, "Busy", 0)

	for i := 0; i < 10; i++ {
		if _, err := db.Rooms.PostMessage(ctx, room.ID, "alice", "", "msg", 5); err != nil {
			t.Fatalf("PostMessage %d: %v", i, err)
		}
	}
	ids, err := db.Rooms.GetUnreadMessageIDs(ctx, "alice", room.ID)
	if err != nil {
		t.Fatalf("GetUnreadMessageIDs: %v", err)
	}
	if len(ids) != 5 {
		t.Errorf("room holds %d messages after trim, want 5", len(ids))
	}
}

func TestBlockedMessageFlag(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	mustCreateUser(t, db, "alice", bbs.PermUser)
	mustCreateUser(t, db, "troll", bbs.PermUser)
	room := mustCreateRoom(t, db, "Lobby", 0)

	id, _ := db.Rooms.PostMessage(ctx, room.ID, "troll", "", "bait", 300)
	db.Users.Block(ctx, "alice", "troll")

	m, err := db.Messages.Get(ctx, id, "alice")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !m.Blocked {
		t.Error("message from blocked sender not flagged")
	}
}

func TestPasswordCacheRoundTrip(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if _, err := db.PasswordCache.Get(ctx, "abcd1234abcd1234"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("Get on empty cache = %v, want ErrNotFound", err)
	}

	if err := db.PasswordCache.Touch(ctx, "alice", "abcd1234abcd1234"); err != nil {
		t.Fatalf("Touch: %v", err)
	}
	row, err := db.PasswordCache.Get(ctx, "abcd1234abcd1234")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if row.Username != "alice" {
		t.Errorf("cached username = %q", row.Username)
	}
	if time.Since(row.LastPwUse) > time.Minute {
		t.Errorf("LastPwUse not recent: %v", row.LastPwUse)
	}

	if err := db.PasswordCache.Clear(ctx, "abcd1234abcd1234"); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if _, err := db.PasswordCache.Get(ctx, "abcd1234abcd1234"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Get after Clear = %v, want ErrNotFound", err)
	}
}

func TestContactStore(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	now := time.Now()

	row := &storage.ContactRow{
		NodeID:        "aabbccdd00112233",
		PublicKey:     "aabbccdd00112233" + "deadbeef",
		Name:          "node-one",
		FirstSeen:     now.Add(-time.Hour),
		LastSeen:      now.Add(-time.Hour),
		RawAdvertData: "blob1",
	}
	if err := db.Contacts.Upsert(ctx, row); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	// Re-upsert with a newer last_seen must preserve first_seen.
	row2 := *row
	row2.LastSeen = now
	row2.RawAdvertData = ""
	if err := db.Contacts.Upsert(ctx, &row2); err != nil {
		t.Fatalf("Upsert refresh: %v", err)
	}
	got, err := db.Contacts.Get(ctx, row.NodeID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.FirstSeen.Unix() != row.FirstSeen.Unix() {
		t.Errorf("first_seen not preserved: %v vs %v", got.FirstSeen, row.FirstSeen)
	}
	if got.LastSeen.Unix() != now.Unix() {
		t.Errorf("last_seen not advanced: %v", got.LastSeen)
	}
	if got.RawAdvertData != "blob1" {
		t.Errorf("empty raw_advert_data overwrote stored blob: %q", got.RawAdvertData)
	}

	// Eviction ordering.
	older := &storage.ContactRow{
		NodeID: "ffee000011223344", PublicKey: "ffee000011223344" + "cafe",
		FirstSeen: now.Add(-48 * time.Hour), LastSeen: now.Add(-48 * time.Hour),
	}
	db.Contacts.Upsert(ctx, older)
	oldest, err := db.Contacts.Oldest(ctx)
	if err != nil {
		t.Fatalf("Oldest: %v", err)
	}
	if oldest.NodeID != older.NodeID {
		t.Errorf("Oldest = %s, want %s", oldest.NodeID, older.NodeID)
	}

	// Prune keeps only the listed ids and refuses an empty keep list.
	if _, err := db.Contacts.DeleteWhereNotIn(ctx, nil); err == nil {
		t.Error("DeleteWhereNotIn(nil) should refuse")
	}
	n, err := db.Contacts.DeleteWhereNotIn(ctx, []string{row.NodeID})
	if err != nil || n != 1 {
		t.Fatalf("DeleteWhereNotIn = %d, %v", n, err)
	}
	count, _ := db.Contacts.Count(ctx)
	if count != 1 {
		t.Errorf("contact count after prune = %d", count)
	}
}

func TestPendingValidations(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	db.Validations.Add(ctx, "newbie")
	db.Validations.Add(ctx, "newbie") // idempotent
	db.Validations.Add(ctx, "second")

	n, err := db.Validations.Count(ctx)
	if err != nil || n != 2 {
		t.Fatalf("Count = %d, %v", n, err)
	}
	list, _ := db.Validations.List(ctx)
	if len(list) != 2 {
		t.Fatalf("List = %v", list)
	}
	db.Validations.Delete(ctx, "newbie")
	n, _ = db.Validations.Count(ctx)
	if n != 1 {
		t.Errorf("Count after delete = %d", n)
	}
}

func TestExecuteRawRows(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	mustCreateUser(t, db, "alice", bbs.PermUser)

	rows, err := db.Execute(ctx, `SELECT username, permission_level FROM users`)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("Execute rows = %d", len(rows))
	}
	if rows[0]["username"] != "alice" {
		t.Errorf("row = %v", rows[0])
	}
}
