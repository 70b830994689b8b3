// Package cache implements the shared TTL'd result cache backed by the
// cache_entries table, plus the background expiry sweeper.
package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/learnstack/fabric/pkg/store"
)

// DefaultTTL applies when Set is called with a zero TTL.
const DefaultTTL = time.Hour

// Entry is one cache row as returned to callers.
type Entry struct {
	Key          string          `json:"cache_key"`
	Agent        string          `json:"agent"`
	Value        json.RawMessage `json:"value"`
	Kind         string          `json:"kind"`
	ExpiresAt    time.Time       `json:"expires_at"`
	CreatedAt    time.Time       `json:"created_at"`
	AccessCount  int64           `json:"access_count"`
	LastAccessed time.Time       `json:"last_accessed"`
}

// Stats is a point-in-time snapshot of cache shape and effectiveness. Hits
// and misses are counted in this process only.
type Stats struct {
	TotalEntries   int            `json:"total_entries"`
	ExpiredEntries int            `json:"expired_entries"`
	ByAgent        map[string]int `json:"by_agent"`
	ByKind         map[string]int `json:"by_kind"`
	Hits           int64          `json:"hits"`
	Misses         int64          `json:"misses"`
	HitRate        float64        `json:"hit_rate"`
}

// Cache reads and writes shared results through the store gateway.
type Cache struct {
	gw *store.Gateway

	hits   atomic.Int64
	misses atomic.Int64
}

// New creates a Cache on the shared gateway.
func New(gw *store.Gateway) *Cache {
	return &Cache{gw: gw}
}

// BuildKey joins a namespace and key into the canonical "ns:key" form used
// for pattern invalidation.
func BuildKey(namespace, key string) string {
	return namespace + ":" + key
}

// Set upserts an entry. The last writer wins wholesale: value, kind and
// expiry are replaced together. A zero ttl means DefaultTTL.
func (c *Cache) Set(ctx context.Context, key, agent string, value json.RawMessage, kind string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if value == nil {
		value = json.RawMessage("null")
	}
	_, err := c.gw.Exec(ctx, "cache.set",
		`INSERT INTO cache_entries (cache_key, agent, value, kind, expires_at)
		 VALUES ($1, $2, $3, $4, now() + $5 * interval '1 second')
		 ON CONFLICT (cache_key) DO UPDATE SET
		   agent = EXCLUDED.agent,
		   value = EXCLUDED.value,
		   kind = EXCLUDED.kind,
		   expires_at = EXCLUDED.expires_at,
		   access_count = cache_entries.access_count + 1,
		   last_accessed = now()`,
		key, agent, []byte(value), kind, ttl.Seconds())
	return err
}

// Get returns the live entry for key, or a not-found error when the key is
// absent or expired. Expired rows are left for the sweeper. Hits bump the
// row's access counters.
func (c *Cache) Get(ctx context.Context, key string) (*Entry, error) {
	var e Entry
	var value []byte
	err := c.gw.QueryRow(ctx,
		`UPDATE cache_entries
		 SET access_count = access_count + 1, last_accessed = now()
		 WHERE cache_key = $1 AND expires_at > now()
		 RETURNING cache_key, agent, value, kind, expires_at, created_at,
		           access_count, last_accessed`,
		key).Scan(&e.Key, &e.Agent, &value, &e.Kind, &e.ExpiresAt, &e.CreatedAt,
		&e.AccessCount, &e.LastAccessed)
	if err != nil {
		if err == sql.ErrNoRows {
			c.misses.Add(1)
			return nil, store.NewError(store.KindNotFound, "cache.get",
				fmt.Errorf("key %q: %w", key, store.ErrNotFound))
		}
		return nil, store.NewError(store.KindOf(err), "cache.get", err)
	}
	e.Value = value
	c.hits.Add(1)
	return &e, nil
}

// EntriesByPattern lists entries whose key matches a SQL LIKE pattern,
// most recently accessed first. Expired rows are included; callers wanting
// live entries only should check ExpiresAt. A non-positive limit defaults
// to 100.
func (c *Cache) EntriesByPattern(ctx context.Context, pattern string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := c.gw.Query(ctx, "cache.entries_by_pattern",
		`SELECT cache_key, agent, value, kind, expires_at, created_at,
		        access_count, last_accessed
		 FROM cache_entries
		 WHERE cache_key LIKE $1
		 ORDER BY last_accessed DESC
		 LIMIT $2`,
		pattern, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var value []byte
		if err := rows.Scan(&e.Key, &e.Agent, &value, &e.Kind, &e.ExpiresAt,
			&e.CreatedAt, &e.AccessCount, &e.LastAccessed); err != nil {
			return nil, store.NewError(store.KindFatal, "cache.entries_by_pattern", err)
		}
		e.Value = value
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, store.NewError(store.KindOf(err), "cache.entries_by_pattern", err)
	}
	return entries, nil
}

// WarmEntry is one entry for WarmCache.
type WarmEntry struct {
	Key   string
	Value json.RawMessage
	Kind  string
	TTL   time.Duration
}

// WarmCache bulk-sets entries on behalf of one agent and returns the number
// stored. Individual failures are logged and skipped rather than aborting
// the batch.
func (c *Cache) WarmCache(ctx context.Context, agent string, entries []WarmEntry) (int, error) {
	warmed := 0
	for _, e := range entries {
		if err := c.Set(ctx, e.Key, agent, e.Value, e.Kind, e.TTL); err != nil {
			slog.Warn("Cache warm entry failed", "key", e.Key, "agent", agent, "error", err)
			continue
		}
		warmed++
	}
	if warmed > 0 {
		slog.Info("Cache warmed", "agent", agent, "warmed", warmed, "requested", len(entries))
	}
	return warmed, nil
}

// Delete removes one entry. Returns true iff an entry existed.
func (c *Cache) Delete(ctx context.Context, key string) (bool, error) {
	affected, err := c.gw.Exec(ctx, "cache.delete",
		`DELETE FROM cache_entries WHERE cache_key = $1`, key)
	return affected == 1, err
}

// Invalidate deletes every entry whose key matches a SQL LIKE pattern, e.g.
// "search:%". Returns the number of entries removed.
func (c *Cache) Invalidate(ctx context.Context, pattern string) (int64, error) {
	affected, err := c.gw.Exec(ctx, "cache.invalidate",
		`DELETE FROM cache_entries WHERE cache_key LIKE $1`, pattern)
	if err == nil && affected > 0 {
		slog.Info("Cache invalidated", "pattern", pattern, "removed", affected)
	}
	return affected, err
}

// InvalidateByAgent deletes every entry written by agent.
func (c *Cache) InvalidateByAgent(ctx context.Context, agent string) (int64, error) {
	return c.gw.Exec(ctx, "cache.invalidate_agent",
		`DELETE FROM cache_entries WHERE agent = $1`, agent)
}

// InvalidateByKind deletes every entry of the given kind.
func (c *Cache) InvalidateByKind(ctx context.Context, kind string) (int64, error) {
	return c.gw.Exec(ctx, "cache.invalidate_kind",
		`DELETE FROM cache_entries WHERE kind = $1`, kind)
}

// ExtendTTL pushes an unexpired entry's expiry further out from its current
// value. Returns false when the key is absent or already expired.
func (c *Cache) ExtendTTL(ctx context.Context, key string, extra time.Duration) (bool, error) {
	if extra <= 0 {
		return false, store.NewError(store.KindFatal, "cache.extend_ttl",
			fmt.Errorf("non-positive extension %s", extra))
	}
	affected, err := c.gw.Exec(ctx, "cache.extend_ttl",
		`UPDATE cache_entries
		 SET expires_at = expires_at + $2 * interval '1 second'
		 WHERE cache_key = $1 AND expires_at > now()`,
		key, extra.Seconds())
	return affected == 1, err
}

// CleanupExpired removes every entry whose expiry has passed and returns
// the count removed.
func (c *Cache) CleanupExpired(ctx context.Context) (int64, error) {
	affected, err := c.gw.Exec(ctx, "cache.cleanup",
		`DELETE FROM cache_entries WHERE expires_at <= now()`)
	if err == nil && affected > 0 {
		slog.Info("Expired cache entries removed", "count", affected)
	}
	return affected, err
}

// Stats reports row counts from the table and hit/miss counters from this
// process. With zero lookups the hit rate is 0.
func (c *Cache) Stats(ctx context.Context) (*Stats, error) {
	s := &Stats{
		ByAgent: map[string]int{},
		ByKind:  map[string]int{},
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
	}
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	}
	err := c.gw.QueryRow(ctx,
		`SELECT COUNT(*),
		        COUNT(*) FILTER (WHERE expires_at <= now())
		 FROM cache_entries`).Scan(&s.TotalEntries, &s.ExpiredEntries)
	if err != nil {
		return nil, store.NewError(store.KindOf(err), "cache.stats", err)
	}
	rows, err := c.gw.Query(ctx, "cache.stats",
		`SELECT agent, COALESCE(kind, ''), COUNT(*)
		 FROM cache_entries
		 GROUP BY agent, kind`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var agent, kind string
		var n int
		if err := rows.Scan(&agent, &kind, &n); err != nil {
			return nil, store.NewError(store.KindOf(err), "cache.stats", err)
		}
		s.ByAgent[agent] += n
		if kind != "" {
			s.ByKind[kind] += n
		}
	}
	if err := rows.Err(); err != nil {
		return nil, store.NewError(store.KindOf(err), "cache.stats", err)
	}
	return s, nil
}

// Namespace splits a canonical "ns:key" back into its parts; the second
// return is false when the key carries no namespace.
func Namespace(key string) (string, bool) {
	ns, _, ok := strings.Cut(key, ":")
	return ns, ok
}
