package cache_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/learnstack/fabric/pkg/cache"
	"github.com/learnstack/fabric/pkg/store"
	"github.com/learnstack/fabric/test/util"
)

func setupCache(t *testing.T) *cache.Cache {
	t.Helper()
	return cache.New(util.SetupTestGateway(t))
}

func TestSetAndGet(t *testing.T) {
	ctx := context.Background()
	c := setupCache(t)

	key := cache.BuildKey("search", "query-1")
	require.NoError(t, c.Set(ctx, key, "researcher", json.RawMessage(`{"answer": 42}`), "search_result", time.Hour))

	entry, err := c.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, key, entry.Key)
	assert.Equal(t, "researcher", entry.Agent)
	assert.Equal(t, "search_result", entry.Kind)
	assert.JSONEq(t, `{"answer": 42}`, string(entry.Value))
	assert.True(t, entry.ExpiresAt.After(time.Now()))
}

func TestEntriesByPattern(t *testing.T) {
	ctx := context.Background()
	c := setupCache(t)

	require.NoError(t, c.Set(ctx, "ns:a", "a", json.RawMessage(`1`), "k", time.Hour))
	require.NoError(t, c.Set(ctx, "ns:b", "a", json.RawMessage(`2`), "k", time.Hour))
	require.NoError(t, c.Set(ctx, "other:c", "a", json.RawMessage(`3`), "k", time.Hour))

	entries, err := c.EntriesByPattern(ctx, "ns:%", 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	// A hit refreshes last_accessed, so the listing leads with it.
	_, err = c.Get(ctx, "ns:b")
	require.NoError(t, err)

	entries, err = c.EntriesByPattern(ctx, "ns:%", 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "ns:b", entries[0].Key)
}

func TestWarmCache(t *testing.T) {
	ctx := context.Background()
	c := setupCache(t)

	warmed, err := c.WarmCache(ctx, "loader", []cache.WarmEntry{
		{Key: "warm:a", Value: json.RawMessage(`1`), Kind: "seed", TTL: time.Hour},
		{Key: "warm:b", Value: json.RawMessage(`2`), Kind: "seed"},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, warmed)

	entry, err := c.Get(ctx, "warm:b")
	require.NoError(t, err)
	assert.JSONEq(t, `2`, string(entry.Value))
	// The zero TTL falls back to the default.
	assert.True(t, entry.ExpiresAt.After(time.Now().Add(30*time.Minute)))
}

func TestGetMiss(t *testing.T) {
	ctx := context.Background()
	c := setupCache(t)

	_, err := c.Get(ctx, "missing:key")
	require.Error(t, err)
	assert.Equal(t, store.KindNotFound, store.KindOf(err))
}

func TestGetExpiredIsMiss(t *testing.T) {
	ctx := context.Background()
	c := setupCache(t)

	require.NoError(t, c.Set(ctx, "ns:ephemeral", "a", json.RawMessage(`1`), "k", 10*time.Millisecond))
	time.Sleep(50 * time.Millisecond)

	_, err := c.Get(ctx, "ns:ephemeral")
	require.Error(t, err)
	assert.Equal(t, store.KindNotFound, store.KindOf(err))
}

func TestSetUpsertReplacesWholesale(t *testing.T) {
	ctx := context.Background()
	c := setupCache(t)

	require.NoError(t, c.Set(ctx, "ns:k", "first", json.RawMessage(`"old"`), "kind-a", time.Hour))
	require.NoError(t, c.Set(ctx, "ns:k", "second", json.RawMessage(`"new"`), "kind-b", 2*time.Hour))

	entry, err := c.Get(ctx, "ns:k")
	require.NoError(t, err)
	assert.Equal(t, "second", entry.Agent)
	assert.Equal(t, "kind-b", entry.Kind)
	assert.JSONEq(t, `"new"`, string(entry.Value))
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	c := setupCache(t)

	require.NoError(t, c.Set(ctx, "ns:k", "a", json.RawMessage(`1`), "k", time.Hour))

	removed, err := c.Delete(ctx, "ns:k")
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = c.Delete(ctx, "ns:k")
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestInvalidatePattern(t *testing.T) {
	ctx := context.Background()
	c := setupCache(t)

	require.NoError(t, c.Set(ctx, "search:a", "x", json.RawMessage(`1`), "k", time.Hour))
	require.NoError(t, c.Set(ctx, "search:b", "x", json.RawMessage(`2`), "k", time.Hour))
	require.NoError(t, c.Set(ctx, "other:c", "x", json.RawMessage(`3`), "k", time.Hour))

	removed, err := c.Invalidate(ctx, "search:%")
	require.NoError(t, err)
	assert.Equal(t, int64(2), removed)

	_, err = c.Get(ctx, "other:c")
	assert.NoError(t, err)
}

func TestInvalidateByAgentAndKind(t *testing.T) {
	ctx := context.Background()
	c := setupCache(t)

	require.NoError(t, c.Set(ctx, "a:1", "alice", json.RawMessage(`1`), "summary", time.Hour))
	require.NoError(t, c.Set(ctx, "a:2", "alice", json.RawMessage(`2`), "search", time.Hour))
	require.NoError(t, c.Set(ctx, "b:1", "bob", json.RawMessage(`3`), "search", time.Hour))

	removed, err := c.InvalidateByAgent(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(2), removed)

	removed, err = c.InvalidateByKind(ctx, "search")
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)
}

func TestExtendTTL(t *testing.T) {
	ctx := context.Background()
	c := setupCache(t)

	require.NoError(t, c.Set(ctx, "ns:k", "a", json.RawMessage(`1`), "k", time.Hour))

	before, err := c.Get(ctx, "ns:k")
	require.NoError(t, err)

	extended, err := c.ExtendTTL(ctx, "ns:k", 30*time.Minute)
	require.NoError(t, err)
	assert.True(t, extended)

	after, err := c.Get(ctx, "ns:k")
	require.NoError(t, err)
	assert.True(t, after.ExpiresAt.After(before.ExpiresAt))

	extended, err = c.ExtendTTL(ctx, "ns:missing", 30*time.Minute)
	require.NoError(t, err)
	assert.False(t, extended)

	_, err = c.ExtendTTL(ctx, "ns:k", -time.Minute)
	require.Error(t, err)
}

func TestCleanupExpired(t *testing.T) {
	ctx := context.Background()
	c := setupCache(t)

	require.NoError(t, c.Set(ctx, "ns:old", "a", json.RawMessage(`1`), "k", 10*time.Millisecond))
	require.NoError(t, c.Set(ctx, "ns:live", "a", json.RawMessage(`2`), "k", time.Hour))
	time.Sleep(50 * time.Millisecond)

	removed, err := c.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	_, err = c.Get(ctx, "ns:live")
	assert.NoError(t, err)
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	c := setupCache(t)

	require.NoError(t, c.Set(ctx, "ns:k", "a", json.RawMessage(`1`), "search", time.Hour))
	require.NoError(t, c.Set(ctx, "ns:k2", "b", json.RawMessage(`2`), "search", time.Hour))

	_, err := c.Get(ctx, "ns:k")
	require.NoError(t, err)
	_, _ = c.Get(ctx, "ns:missing")

	stats, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TotalEntries)
	assert.Equal(t, 1, stats.ByAgent["a"])
	assert.Equal(t, 1, stats.ByAgent["b"])
	assert.Equal(t, 2, stats.ByKind["search"])
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.InDelta(t, 0.5, stats.HitRate, 0.001)
}

func TestSchedulerSweepsExpired(t *testing.T) {
	ctx := context.Background()
	c := setupCache(t)

	require.NoError(t, c.Set(ctx, "ns:old", "a", json.RawMessage(`1`), "k", 10*time.Millisecond))
	time.Sleep(50 * time.Millisecond)

	s := cache.NewScheduler(c, time.Hour)
	s.Start(ctx)
	defer s.Stop()

	// The scheduler sweeps once immediately on start.
	assert.Eventually(t, func() bool {
		stats, err := c.Stats(ctx)
		return err == nil && stats.TotalEntries == 0
	}, 5*time.Second, 50*time.Millisecond)
}

func TestNamespace(t *testing.T) {
	ns, ok := cache.Namespace("search:abc")
	assert.True(t, ok)
	assert.Equal(t, "search", ns)

	_, ok = cache.Namespace("plain")
	assert.False(t, ok)
}
