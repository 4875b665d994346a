// Package cache provides the in-memory TTL store that serves repeated reads
// without re-hitting exchange APIs. Entries are replaced whole on every
// write and never merged; a background sweep evicts entries nothing has
// touched for ten times their TTL.
package cache

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/quantboard/marketdata/pkg/logging"
)

// StaleMultiplier defines how many TTLs an entry may sit idle before the
// sweeper evicts it.
const StaleMultiplier = 10

type entry[V any] struct {
	value      V
	lastUpdate time.Time
	ttl        time.Duration
}

// Store is a concurrency-safe TTL cache for one value type. A read hits only
// while the entry is younger than its TTL; a write unconditionally replaces
// whatever is stored. The zero value is not usable, construct with NewStore.
type Store[V any] struct {
	mu      sync.RWMutex
	entries map[string]entry[V]

	ttl    time.Duration
	clk    clock.Clock
	logger logging.Logger

	stopSweep chan struct{}
	stopOnce  sync.Once
}

// NewStore creates a store whose entries stay fresh for ttl. When
// sweepInterval is positive a background goroutine evicts idle entries every
// interval; Close stops it. A nil clk uses the wall clock.
func NewStore[V any](ttl, sweepInterval time.Duration, clk clock.Clock, logger logging.Logger) *Store[V] {
	if clk == nil {
		clk = clock.New()
	}
	s := &Store[V]{
		entries:   make(map[string]entry[V]),
		ttl:       ttl,
		clk:       clk,
		logger:    logging.OrNop(logger),
		stopSweep: make(chan struct{}),
	}
	if sweepInterval > 0 {
		go s.sweepLoop(sweepInterval)
	}
	return s
}

// Get returns the cached value for key when it is still fresh. Expired
// entries report a miss and are left for the sweeper.
func (s *Store[V]) Get(key string) (V, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[key]
	if !ok || s.clk.Now().Sub(e.lastUpdate) >= e.ttl {
		var zero V
		return zero, false
	}
	return e.value, true
}

// Set stores value under key with the store's default TTL, overwriting any
// existing entry regardless of its freshness.
func (s *Store[V]) Set(key string, value V) {
	s.SetWithTTL(key, value, s.ttl)
}

// SetWithTTL stores value under key with an entry-specific TTL.
func (s *Store[V]) SetWithTTL(key string, value V, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = entry[V]{
		value:      value,
		lastUpdate: s.clk.Now(),
		ttl:        ttl,
	}
}

// Len returns the number of entries currently held, fresh or not.
func (s *Store[V]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Close stops the sweep goroutine. Safe to call more than once.
func (s *Store[V]) Close() {
	s.stopOnce.Do(func() {
		close(s.stopSweep)
	})
}

func (s *Store[V]) sweepLoop(interval time.Duration) {
	ticker := s.clk.Ticker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sweep()
		case <-s.stopSweep:
			return
		}
	}
}

// sweep drops entries idle for more than StaleMultiplier times their TTL.
// Merely expired entries survive so a slightly stale value can still be
// refreshed in place by the next write.
func (s *Store[V]) sweep() {
	now := s.clk.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for key, e := range s.entries {
		if now.Sub(e.lastUpdate) > time.Duration(StaleMultiplier)*e.ttl {
			delete(s.entries, key)
			removed++
		}
	}
	if removed > 0 {
		s.logger.Debug("cache sweep evicted idle entries",
			logging.Int("removed", removed),
			logging.Int("remaining", len(s.entries)))
	}
}
