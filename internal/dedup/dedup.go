// Package dedup suppresses duplicate inbound packets. Mesh retransmits
// can deliver the same frame more than once within a few seconds; the
// filter remembers recently seen (node, text) pairs and drops repeats.
package dedup

import (
	"crypto/sha256"
	"log/slog"
	"sync"
	"time"
)

// DefaultTTL is how long a packet fingerprint blocks repeats.
const DefaultTTL = 10 * time.Second

// pruneInterval is the background sweep cadence.
const pruneInterval = 5 * time.Second

// Filter is a TTL-bounded duplicate detector. Safe for concurrent use.
type Filter struct {
	mu     sync.Mutex
	seen   map[[sha256.Size]byte]time.Time
	ttl    time.Duration
	logger *slog.Logger

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// New builds a filter with the given TTL (DefaultTTL when zero) and
// starts its pruner goroutine. Call Stop when done.
func New(ttl time.Duration, logger *slog.Logger) *Filter {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	f := &Filter{
		seen:   make(map[[sha256.Size]byte]time.Time),
		ttl:    ttl,
		logger: logger.With(slog.String("component", "dedup")),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go f.pruneLoop()
	return f
}

// IsDuplicate reports whether the packet was already seen inside the
// TTL, recording it either way.
func (f *Filter) IsDuplicate(nodeID, text string) bool {
	key := fingerprint(nodeID, text)
	now := time.Now()

	f.mu.Lock()
	defer f.mu.Unlock()

	if at, ok := f.seen[key]; ok && now.Sub(at) < f.ttl {
		return true
	}
	f.seen[key] = now
	return false
}

// Len returns the current fingerprint count, for diagnostics.
func (f *Filter) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.seen)
}

// Stop halts the pruner goroutine. Idempotent.
func (f *Filter) Stop() {
	f.stopOnce.Do(func() { close(f.stop) })
	<-f.done
}

func (f *Filter) pruneLoop() {
	defer close(f.done)

	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-f.stop:
			return
		case <-ticker.C:
			f.prune(time.Now())
		}
	}
}

func (f *Filter) prune(now time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()

	removed := 0
	for key, at := range f.seen {
		if now.Sub(at) >= f.ttl {
			delete(f.seen, key)
			removed++
		}
	}
	if removed > 0 {
		f.logger.Debug("pruned stale fingerprints",
			slog.Int("removed", removed),
			slog.Int("remaining", len(f.seen)),
		)
	}
}

func fingerprint(nodeID, text string) [sha256.Size]byte {
	h := sha256.New()
	h.Write([]byte(nodeID))
	h.Write([]byte("::"))
	h.Write([]byte(text))
	var key [sha256.Size]byte
	copy(key[:], h.Sum(nil))
	return key
}
