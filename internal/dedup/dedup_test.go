package dedup_test

import (
	"log/slog"
	"testing"
	"testing/synctest"
	"time"

	"github.com/meshcitadel/meshcitadel/internal/dedup"
)

func TestFirstSeenPasses(t *testing.T) {
	f := dedup.New(10*time.Second, slog.Default())
	defer f.Stop()

	if f.IsDuplicate("0011223344556677", "hello") {
		t.Error("first packet reported as duplicate")
	}
}

func TestRepeatInsideTTLDropped(t *testing.T) {
	f := dedup.New(10*time.Second, slog.Default())
	defer f.Stop()

	f.IsDuplicate("0011223344556677", "hello")
	if !f.IsDuplicate("0011223344556677", "hello") {
		t.Error("immediate repeat not dropped")
	}
}

func TestDistinctPacketsPass(t *testing.T) {
	f := dedup.New(10*time.Second, slog.Default())
	defer f.Stop()

	f.IsDuplicate("0011223344556677", "hello")
	if f.IsDuplicate("0011223344556677", "hello!") {
		t.Error("different text treated as duplicate")
	}
	if f.IsDuplicate("8899aabbccddeeff", "hello") {
		t.Error("different node treated as duplicate")
	}
}

func TestRepeatAfterTTLPasses(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		f := dedup.New(10*time.Second, slog.Default())
		defer f.Stop()

		f.IsDuplicate("0011223344556677", "hello")
		time.Sleep(11 * time.Second)
		if f.IsDuplicate("0011223344556677", "hello") {
			t.Error("repeat after TTL still dropped")
		}
	})
}

func TestPrunerEvictsStaleEntries(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		f := dedup.New(10*time.Second, slog.Default())
		defer f.Stop()

		f.IsDuplicate("0011223344556677", "one")
		f.IsDuplicate("0011223344556677", "two")
		if got := f.Len(); got != 2 {
			t.Fatalf("Len = %d, want 2", got)
		}

		// TTL plus one sweep interval guarantees eviction.
		time.Sleep(16 * time.Second)
		synctest.Wait()
		if got := f.Len(); got != 0 {
			t.Errorf("Len = %d after prune, want 0", got)
		}
	})
}

func TestStopIsIdempotent(t *testing.T) {
	f := dedup.New(0, slog.Default())
	f.Stop()
	f.Stop()
}
