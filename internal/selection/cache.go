package selection

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
)

// DefaultCacheKey is the Store key the last selection is persisted under.
const DefaultCacheKey = "node-selector:selection"

// CacheEntry is the persisted form of a successful selection.
type CacheEntry struct {
	Endpoint  string `json:"endpoint"`
	Timestamp int64  `json:"timestamp"` // unix milliseconds
}

// resultCache wraps a Store with the reselect TTL.
type resultCache struct {
	store Store
	key   string
	ttl   time.Duration
	clock clock.Clock
	log   *slog.Logger
}

// get returns the cached endpoint while it is younger than the TTL. Store
// failures and unreadable entries count as a miss.
func (c *resultCache) get(ctx context.Context) (string, bool) {
	raw, ok, err := c.store.GetItem(ctx, c.key)
	if err != nil {
		c.log.Warn("failed to read cached selection", slog.Any("err", err))
		return "", false
	}
	if !ok || raw == "" {
		return "", false
	}

	var entry CacheEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil || entry.Endpoint == "" {
		c.log.Warn("dropping unreadable cached selection", slog.String("value", raw))
		if err := c.remove(ctx); err != nil {
			c.log.Warn("failed to drop cached selection", slog.Any("err", err))
		}
		return "", false
	}

	age := c.clock.Now().Sub(time.UnixMilli(entry.Timestamp))
	if age >= c.ttl {
		return "", false
	}

	return entry.Endpoint, true
}

func (c *resultCache) set(ctx context.Context, endpoint string) {
	b, err := json.Marshal(CacheEntry{Endpoint: endpoint, Timestamp: c.clock.Now().UnixMilli()})
	if err != nil {
		c.log.Warn("failed to encode selection", slog.Any("err", err))
		return
	}
	if err := c.store.SetItem(ctx, c.key, string(b)); err != nil {
		c.log.Warn("failed to persist selection",
			slog.String("endpoint", endpoint),
			slog.Any("err", err))
	}
}

func (c *resultCache) remove(ctx context.Context) error {
	return c.store.RemoveItem(ctx, c.key)
}
