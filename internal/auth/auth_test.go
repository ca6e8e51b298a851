package auth_test

import (
	"bytes"
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/meshcitadel/meshcitadel/internal/auth"
	"github.com/meshcitadel/meshcitadel/internal/storage"
)

func TestHashAndVerify(t *testing.T) {
	hash, salt, err := auth.HashPassword("correct horse battery staple")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	if len(hash) != auth.KeyLen {
		t.Errorf("hash length = %d, want %d", len(hash), auth.KeyLen)
	}
	if len(salt) != auth.SaltLen {
		t.Errorf("salt length = %d, want %d", len(salt), auth.SaltLen)
	}

	if !auth.VerifyPassword("correct horse battery staple", hash, salt) {
		t.Error("correct password rejected")
	}
	if auth.VerifyPassword("wrong", hash, salt) {
		t.Error("wrong password accepted")
	}
	if auth.VerifyPassword("correct horse battery staple", hash[:10], salt) {
		t.Error("truncated hash accepted")
	}
}

func TestSaltsAreUnique(t *testing.T) {
	_, s1, err := auth.HashPassword("pw")
	if err != nil {
		t.Fatal(err)
	}
	_, s2, err := auth.HashPassword("pw")
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(s1, s2) {
		t.Error("two hashes share a salt")
	}
}

func newAuthenticator(t *testing.T, window time.Duration) (*auth.NodeAuthenticator, *storage.DB) {
	t.Helper()
	db, err := storage.Open(":memory:", slog.Default())
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return auth.NewNodeAuthenticator(db, window, slog.Default()), db
}

func TestHasCacheFreshAndMissing(t *testing.T) {
	na, _ := newAuthenticator(t, 14*24*time.Hour)
	ctx := context.Background()

	if _, ok := na.HasCache(ctx, "0011223344556677"); ok {
		t.Error("empty cache reported a hit")
	}

	if err := na.Touch(ctx, "alice", "0011223344556677"); err != nil {
		t.Fatalf("Touch: %v", err)
	}
	username, ok := na.HasCache(ctx, "0011223344556677")
	if !ok || username != "alice" {
		t.Errorf("HasCache = %q, %v", username, ok)
	}
}

func TestHasCacheExpired(t *testing.T) {
	// Zero-width window: any row is immediately stale.
	na, db := newAuthenticator(t, 0)
	ctx := context.Background()

	if err := db.PasswordCache.Touch(ctx, "alice", "0011223344556677"); err != nil {
		t.Fatalf("Touch: %v", err)
	}
	// The row exists but cannot validate.
	time.Sleep(10 * time.Millisecond)
	if _, ok := na.HasCache(ctx, "0011223344556677"); ok {
		t.Error("stale cache row validated")
	}
	// And it was not deleted: expiry never clears the row.
	if _, err := db.PasswordCache.Get(ctx, "0011223344556677"); err != nil {
		t.Errorf("stale row was removed: %v", err)
	}
}

func TestClear(t *testing.T) {
	na, _ := newAuthenticator(t, time.Hour)
	ctx := context.Background()

	na.Touch(ctx, "alice", "0011223344556677")
	if err := na.Clear(ctx, "0011223344556677"); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if _, ok := na.HasCache(ctx, "0011223344556677"); ok {
		t.Error("cache hit after Clear")
	}
}
