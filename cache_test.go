package vitracka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestCache returns a cache with a controllable clock and no background
// sweep interference (interval far in the future).
func newTestCache(t *testing.T, opts *CacheOptions) (*Cache, *time.Time) {
	t.Helper()
	if opts == nil {
		opts = &CacheOptions{}
	}
	if opts.SweepInterval == 0 {
		opts.SweepInterval = time.Hour
	}
	c := NewCache(opts)
	t.Cleanup(c.Close)

	now := time.Now()
	c.now = func() time.Time { return now }
	return c, &now
}

func TestCacheGetReturnsValueBeforeExpiry(t *testing.T) {
	c, now := newTestCache(t, nil)

	require.NoError(t, c.Set("weight:recent", map[string]any{"kg": 81.4}, 60))

	*now = now.Add(59 * time.Second)
	v, ok := c.Get("weight:recent")
	require.True(t, ok)
	assert.JSONEq(t, `{"kg":81.4}`, string(v))
}

func TestCacheGetExpiresStrictlyAfterTTL(t *testing.T) {
	c, now := newTestCache(t, nil)

	require.NoError(t, c.Set("k", "v", 60))

	// Exactly at storedAt+ttl the entry is still valid; expiry is strict.
	*now = now.Add(60 * time.Second)
	_, ok := c.Get("k")
	assert.True(t, ok)

	*now = now.Add(1 * time.Second)
	v, ok := c.Get("k")
	assert.False(t, ok)
	assert.Nil(t, v)

	// The expired entry was deleted lazily on lookup.
	assert.Equal(t, 0, c.Len())
}

func TestCacheSetResetsExpiry(t *testing.T) {
	c, now := newTestCache(t, nil)

	require.NoError(t, c.Set("k", 1, 10))
	*now = now.Add(8 * time.Second)
	require.NoError(t, c.Set("k", 2, 10))
	*now = now.Add(8 * time.Second)

	v, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, "2", string(v))
}

func TestCacheSweepRemovesExpiredEntries(t *testing.T) {
	c, now := newTestCache(t, nil)

	require.NoError(t, c.Set("fresh", 1, 3600))
	require.NoError(t, c.Set("stale", 2, 1))

	*now = now.Add(2 * time.Second)
	c.Sweep()

	assert.Equal(t, 1, c.Len())
	_, ok := c.Get("fresh")
	assert.True(t, ok)
}

func TestCacheSweepEvictsOldestOverHighWater(t *testing.T) {
	c, now := newTestCache(t, &CacheOptions{HighWaterMark: 10, TargetCount: 5})

	for i := 0; i < 12; i++ {
		require.NoError(t, c.Set(fmt.Sprintf("k%02d", i), i, 3600))
		*now = now.Add(time.Second)
	}
	c.Sweep()

	assert.Equal(t, 5, c.Len())
	// Oldest entries went first; the newest survive.
	_, ok := c.Get("k00")
	assert.False(t, ok)
	_, ok = c.Get("k11")
	assert.True(t, ok)
}

func TestCacheGetOrFetchServesFreshWithoutOrigin(t *testing.T) {
	c, _ := newTestCache(t, nil)
	require.NoError(t, c.Set("k", "cached", 60))

	calls := 0
	v, stale, err := c.GetOrFetch(context.Background(), "k", 60, func(context.Context) (json.RawMessage, error) {
		calls++
		return json.RawMessage(`"origin"`), nil
	})
	require.NoError(t, err)
	assert.False(t, stale)
	assert.Equal(t, `"cached"`, string(v))
	assert.Equal(t, 0, calls)
}

func TestCacheGetOrFetchPopulatesOnMiss(t *testing.T) {
	c, _ := newTestCache(t, nil)

	v, stale, err := c.GetOrFetch(context.Background(), "k", 60, func(context.Context) (json.RawMessage, error) {
		return json.RawMessage(`"origin"`), nil
	})
	require.NoError(t, err)
	assert.False(t, stale)
	assert.Equal(t, `"origin"`, string(v))

	cached, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, `"origin"`, string(cached))
}

func TestCacheGetOrFetchFallsBackToStaleOnError(t *testing.T) {
	c, now := newTestCache(t, nil)
	require.NoError(t, c.Set("k", "stale", 1))
	*now = now.Add(5 * time.Second)

	v, stale, err := c.GetOrFetch(context.Background(), "k", 60, func(context.Context) (json.RawMessage, error) {
		return nil, errors.New("origin down")
	})
	require.NoError(t, err)
	assert.True(t, stale)
	assert.Equal(t, `"stale"`, string(v))
}

func TestCacheGetOrFetchPropagatesErrorWithoutCachedValue(t *testing.T) {
	c, _ := newTestCache(t, nil)

	origin := errors.New("origin down")
	_, _, err := c.GetOrFetch(context.Background(), "k", 60, func(context.Context) (json.RawMessage, error) {
		return nil, origin
	})
	assert.ErrorIs(t, err, origin)
}

func TestCacheSnapshotSurvivesRestart(t *testing.T) {
	store := NewMemoryStore()

	c1 := NewCache(&CacheOptions{Store: store, SweepInterval: time.Hour})
	require.NoError(t, c1.Set("k", "persisted", 3600))
	c1.Close()

	c2 := NewCache(&CacheOptions{Store: store, SweepInterval: time.Hour})
	t.Cleanup(c2.Close)

	v, ok := c2.Get("k")
	require.True(t, ok)
	assert.Equal(t, `"persisted"`, string(v))
}
