package cache

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreHitWithinTTL(t *testing.T) {
	clk := clock.NewMock()
	store := NewStore[string](10*time.Second, 0, clk, nil)
	defer store.Close()

	store.Set("ticker:BTC/USDT", "snapshot-1")

	got, ok := store.Get("ticker:BTC/USDT")
	require.True(t, ok)
	assert.Equal(t, "snapshot-1", got)

	// One nanosecond short of the TTL is still a hit.
	clk.Add(10*time.Second - time.Nanosecond)
	_, ok = store.Get("ticker:BTC/USDT")
	assert.True(t, ok)

	clk.Add(time.Nanosecond)
	_, ok = store.Get("ticker:BTC/USDT")
	assert.False(t, ok, "entry at exactly TTL age must miss")
}

func TestStoreMissUnknownKey(t *testing.T) {
	store := NewStore[int](time.Second, 0, clock.NewMock(), nil)
	defer store.Close()

	_, ok := store.Get("absent")
	assert.False(t, ok)
}

func TestStoreSetOverwritesUnconditionally(t *testing.T) {
	clk := clock.NewMock()
	store := NewStore[string](10*time.Second, 0, clk, nil)
	defer store.Close()

	store.Set("k", "old")
	clk.Add(3 * time.Second)
	store.Set("k", "new")

	got, ok := store.Get("k")
	require.True(t, ok)
	assert.Equal(t, "new", got)

	// Freshness window restarts at the second write.
	clk.Add(8 * time.Second)
	_, ok = store.Get("k")
	assert.True(t, ok)
}

func TestStoreExpiredEntryRefreshable(t *testing.T) {
	clk := clock.NewMock()
	store := NewStore[string](time.Second, 0, clk, nil)
	defer store.Close()

	store.Set("k", "stale")
	clk.Add(5 * time.Second)

	_, ok := store.Get("k")
	require.False(t, ok)

	store.Set("k", "fresh")
	got, ok := store.Get("k")
	require.True(t, ok)
	assert.Equal(t, "fresh", got)
}

func TestStoreSweepEvictsIdleEntries(t *testing.T) {
	clk := clock.NewMock()
	store := NewStore[string](time.Second, 30*time.Second, clk, nil)
	defer store.Close()

	store.Set("idle", "v")
	store.Set("touched", "v")

	// Past 10x TTL for "idle"; "touched" is rewritten shortly before the
	// sweep tick and stays within its idle window.
	clk.Add(25 * time.Second)
	store.Set("touched", "v2")
	clk.Add(5 * time.Second)

	assert.Eventually(t, func() bool {
		return store.Len() == 1
	}, time.Second, 5*time.Millisecond, "idle entry should be swept")

	_, ok := store.Get("touched")
	assert.False(t, ok, "rewritten entry expired but must survive the sweep")
	assert.Equal(t, 1, store.Len())
}

func TestStoreCloseIdempotent(t *testing.T) {
	store := NewStore[int](time.Second, time.Minute, clock.NewMock(), nil)
	store.Close()
	store.Close()
}
