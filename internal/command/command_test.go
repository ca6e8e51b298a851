package command_test

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/meshcitadel/meshcitadel/internal/auth"
	"github.com/meshcitadel/meshcitadel/internal/bbs"
	"github.com/meshcitadel/meshcitadel/internal/command"
	"github.com/meshcitadel/meshcitadel/internal/config"
	"github.com/meshcitadel/meshcitadel/internal/session"
	"github.com/meshcitadel/meshcitadel/internal/storage"
	"github.com/meshcitadel/meshcitadel/internal/workflow"
)

type fixture struct {
	db        *storage.DB
	sessions  *session.Manager
	processor *command.Processor
	registry  *command.Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := storage.Open(":memory:", slog.Default())
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	cfg := config.DefaultConfig()
	sessions := session.NewManager(time.Hour, slog.Default())
	engine := workflow.NewEngine(db, cfg, sessions, slog.Default())
	reg := command.NewBuiltinRegistry()
	env := &command.Env{
		DB:        db,
		Config:    cfg,
		Sessions:  sessions,
		Workflows: engine,
		Logger:    slog.Default(),
	}
	return &fixture{
		db:        db,
		sessions:  sessions,
		processor: command.NewProcessor(env, reg),
		registry:  reg,
	}
}

func (f *fixture) createUser(t *testing.T, username string, level bbs.PermissionLevel) {
	t.Helper()
	hash, salt, err := auth.HashPassword("secret")
	if err != nil {
		t.Fatal(err)
	}
	if err := f.db.Users.Create(context.Background(), username, username,
		hash, salt, level, bbs.StatusActive); err != nil {
		t.Fatal(err)
	}
}

func (f *fixture) login(t *testing.T, username string, roomID int64) session.Session {
	t.Helper()
	sess, err := f.sessions.Create(strings.Repeat("0", 16-len(username)) + username)
	if err != nil {
		t.Fatal(err)
	}
	f.sessions.MarkUsername(sess.ID, username)
	f.sessions.MarkLoggedIn(sess.ID)
	if roomID != 0 {
		f.sessions.SetCurrentRoom(sess.ID, roomID)
	}
	got, _ := f.sessions.Get(sess.ID)
	return got
}

func (f *fixture) run(t *testing.T, sessionID, line string) []bbs.ToUser {
	t.Helper()
	in := bbs.FromUser{SessionID: sessionID, Type: bbs.PayloadCommand, Raw: line}
	if parsed, ok := f.registry.Parse(line); ok {
		in.Command = parsed
	}
	return f.processor.Process(context.Background(), in)
}

// -------------------------------------------------------------------------
// Parser
// -------------------------------------------------------------------------

func TestParse(t *testing.T) {
	reg := command.NewBuiltinRegistry()

	cases := []struct {
		in       string
		wantCode string
		wantArgs string
		ok       bool
	}{
		{"G", "G", "", true},
		{"g", "G", "", true},
		{"  c   Lobby  ", "C", "Lobby", true},
		{".er Tech ro", ".ER", "Tech ro", true},
		{"h g", "H", "g", true},
		{"", "", "", false},
		{"   ", "", "", false},
		{"ZZZ", "", "", false},
	}
	for _, tc := range cases {
		parsed, ok := reg.Parse(tc.in)
		if ok != tc.ok {
			t.Errorf("Parse(%q) ok = %v, want %v", tc.in, ok, tc.ok)
			continue
		}
		if !ok {
			continue
		}
		if parsed.Code != tc.wantCode || parsed.Args != tc.wantArgs {
			t.Errorf("Parse(%q) = %q %q, want %q %q",
				tc.in, parsed.Code, parsed.Args, tc.wantCode, tc.wantArgs)
		}
	}
}

// -------------------------------------------------------------------------
// Processor pipeline
// -------------------------------------------------------------------------

func TestProcessInvalidSession(t *testing.T) {
	f := newFixture(t)
	out := f.run(t, "bogus-token", "G")
	if out[0].ErrorCode != bbs.ErrInvalidSession {
		t.Errorf("code = %q", out[0].ErrorCode)
	}
}

func TestProcessUnknownCommand(t *testing.T) {
	f := newFixture(t)
	f.createUser(t, "bob", bbs.PermUser)
	sess := f.login(t, "bob", 0)

	out := f.run(t, sess.ID, "XYZZY")
	if out[0].ErrorCode != bbs.ErrUnknownCommand {
		t.Errorf("code = %q", out[0].ErrorCode)
	}
}

func TestProcessPermissionGate(t *testing.T) {
	f := newFixture(t)
	f.createUser(t, "bob", bbs.PermUser)
	sess := f.login(t, "bob", 0)

	// V is Aide-only.
	out := f.run(t, sess.ID, "V")
	if out[0].ErrorCode != bbs.ErrPermissionDenied {
		t.Errorf("code = %q", out[0].ErrorCode)
	}
}

func TestProcessWorkflowTakesPrecedence(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createUser(t, "bob", bbs.PermUser)
	room, _ := f.db.Rooms.Create(ctx, "Lobby", "", false, bbs.PermUnverified, 0)
	sess := f.login(t, "bob", room.ID)

	// Start message entry, then send a line that parses as a command.
	f.run(t, sess.ID, "E")
	out := f.processor.Process(ctx, bbs.FromUser{
		SessionID: sess.ID, Type: bbs.PayloadWorkflowResponse, Raw: "G",
	})
	if len(out) != 0 {
		t.Fatalf("body line produced output: %v", out)
	}
	f.processor.Process(ctx, bbs.FromUser{
		SessionID: sess.ID, Type: bbs.PayloadWorkflowResponse, Raw: ".",
	})

	ids, _ := f.db.Rooms.ListMessageIDs(ctx, "bob", room.ID, 0)
	if len(ids) != 1 {
		t.Fatalf("messages = %d, want 1", len(ids))
	}
	msg, _ := f.db.Messages.Get(ctx, ids[0], "bob")
	if msg.Content != "G" {
		t.Errorf("content = %q; the command letter belongs to the body", msg.Content)
	}
}

// -------------------------------------------------------------------------
// Navigation & reading
// -------------------------------------------------------------------------

func TestGotoNextAndReadNew(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createUser(t, "bob", bbs.PermUser)
	f.createUser(t, "carol", bbs.PermUser)
	lobby, _ := f.db.Rooms.Create(ctx, "Lobby", "", false, bbs.PermUnverified, 0)
	tech, _ := f.db.Rooms.Create(ctx, "Tech", "", false, bbs.PermUnverified, lobby.ID)
	f.db.Rooms.PostMessage(ctx, tech.ID, "carol", "", "anyone here?", 100)
	sess := f.login(t, "bob", lobby.ID)

	out := f.run(t, sess.ID, "G")
	if !strings.Contains(out[0].Text, "Tech — 1 unread") {
		t.Fatalf("G = %q", out[0].Text)
	}

	out = f.run(t, sess.ID, "N")
	if len(out) != 1 || out[0].Message == nil || out[0].Message.Content != "anyone here?" {
		t.Fatalf("N = %+v", out)
	}

	out = f.run(t, sess.ID, "N")
	if out[0].Text != "No new messages." {
		t.Errorf("second N = %q", out[0].Text)
	}

	out = f.run(t, sess.ID, "G")
	if out[0].ErrorCode != bbs.ErrNoNextRoom {
		t.Errorf("G with nothing unread = %q", out[0].ErrorCode)
	}
}

func TestChangeRoomAndLevelGate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createUser(t, "bob", bbs.PermUser)
	f.db.Rooms.Create(ctx, "Lobby", "", false, bbs.PermUnverified, 0)
	f.db.Rooms.Create(ctx, "Backroom", "", false, bbs.PermAide, 0)
	sess := f.login(t, "bob", 0)

	out := f.run(t, sess.ID, "C Lobby")
	if out[0].Text != "Now in Lobby." {
		t.Fatalf("C = %q", out[0].Text)
	}
	out = f.run(t, sess.ID, "C Backroom")
	if out[0].ErrorCode != bbs.ErrPermissionDenied {
		t.Errorf("C into Aide room = %q", out[0].ErrorCode)
	}
	out = f.run(t, sess.ID, "C Nowhere")
	if out[0].ErrorCode != bbs.ErrInvalidRoomName {
		t.Errorf("C unknown = %q", out[0].ErrorCode)
	}
}

func TestDeleteMessageOwnership(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createUser(t, "bob", bbs.PermUser)
	f.createUser(t, "carol", bbs.PermUser)
	f.createUser(t, "aide", bbs.PermAide)
	room, _ := f.db.Rooms.Create(ctx, "Lobby", "", false, bbs.PermUnverified, 0)
	id, _ := f.db.Rooms.PostMessage(ctx, room.ID, "carol", "", "mine", 100)

	bob := f.login(t, "bob", room.ID)
	out := f.run(t, bob.ID, fmt.Sprintf("D %d", id))
	if out[0].ErrorCode != bbs.ErrPermissionDenied {
		t.Fatalf("bob deleting carol's message = %q", out[0].ErrorCode)
	}

	aide := f.login(t, "aide", room.ID)
	out = f.run(t, aide.ID, fmt.Sprintf("D %d", id))
	if !strings.Contains(out[0].Text, "deleted") {
		t.Fatalf("aide delete = %q", out[0].Text)
	}
	if _, err := f.db.Messages.Get(ctx, id, "aide"); err == nil {
		t.Error("message survived aide delete")
	}
}

func TestBlockToggle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createUser(t, "bob", bbs.PermUser)
	f.createUser(t, "carol", bbs.PermUser)
	sess := f.login(t, "bob", 0)

	out := f.run(t, sess.ID, "B carol")
	if out[0].Text != "carol blocked." {
		t.Fatalf("block = %q", out[0].Text)
	}
	if blocked, _ := f.db.Users.IsBlocked(ctx, "bob", "carol"); !blocked {
		t.Error("block not recorded")
	}
	out = f.run(t, sess.ID, "B carol")
	if out[0].Text != "carol unblocked." {
		t.Fatalf("unblock = %q", out[0].Text)
	}
}

func TestQuitClearsPasswordCache(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createUser(t, "bob", bbs.PermUser)
	sess := f.login(t, "bob", 0)
	f.db.PasswordCache.Touch(ctx, "bob", sess.NodeID)

	out := f.run(t, sess.ID, "Q")
	if !strings.Contains(out[0].Text, "Goodbye, bob") {
		t.Fatalf("Q = %q", out[0].Text)
	}
	if f.sessions.Validate(sess.ID) {
		t.Error("session survived Q")
	}
	if _, err := f.db.PasswordCache.Get(ctx, sess.NodeID); err == nil {
		t.Error("password cache survived explicit logout")
	}
}

// -------------------------------------------------------------------------
// Help
// -------------------------------------------------------------------------

func TestHelpMenuRespectsLevel(t *testing.T) {
	f := newFixture(t)
	f.createUser(t, "bob", bbs.PermUser)
	sess := f.login(t, "bob", 0)

	out := f.run(t, sess.ID, "H")
	menu := out[0].Text
	if !strings.Contains(menu, "Common:") {
		t.Errorf("menu missing category header: %q", menu)
	}
	if strings.Contains(menu, "Validate") || strings.Contains(menu, ".ER") {
		t.Errorf("menu leaks privileged commands to a User: %q", menu)
	}
}

func TestHelpDetail(t *testing.T) {
	f := newFixture(t)
	f.createUser(t, "bob", bbs.PermUser)
	sess := f.login(t, "bob", 0)

	out := f.run(t, sess.ID, "H G")
	if !strings.Contains(out[0].Text, "G — Goto next room") {
		t.Errorf("detail = %q", out[0].Text)
	}
	out = f.run(t, sess.ID, "H nope")
	if out[0].ErrorCode != bbs.ErrUnknownCommand {
		t.Errorf("detail unknown = %q", out[0].ErrorCode)
	}
}

// -------------------------------------------------------------------------
// Sysop surface
// -------------------------------------------------------------------------

func TestEditRoomAttrs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createUser(t, "sysop", bbs.PermSysop)
	room, _ := f.db.Rooms.Create(ctx, "News", "", false, bbs.PermUnverified, 0)
	sess := f.login(t, "sysop", 0)

	out := f.run(t, sess.ID, ".ER News ro level=user desc=Board announcements")
	if !strings.Contains(out[0].Text, "News updated") {
		t.Fatalf(".ER = %q", out[0].Text)
	}
	got, _ := f.db.Rooms.Load(ctx, room.ID)
	if !got.ReadOnly || got.MinLevel != bbs.PermUser || got.Description != "Board announcements" {
		t.Errorf("room after .ER = %+v", got)
	}
}

func TestCreateRoomWithInlineName(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createUser(t, "bob", bbs.PermUser)
	lobby, _ := f.db.Rooms.Create(ctx, "Lobby", "", false, bbs.PermUnverified, 0)
	sess := f.login(t, "bob", lobby.ID)

	out := f.run(t, sess.ID, ".C Radio")
	last := out[len(out)-1]
	if !strings.Contains(last.Text, "You are now in Radio") {
		t.Fatalf(".C = %q", last.Text)
	}
	if _, err := f.db.Rooms.GetIDByName(ctx, "Radio"); err != nil {
		t.Errorf("room not created: %v", err)
	}
}
