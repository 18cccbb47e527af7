package store

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"leadsearch/domain"
	"leadsearch/kv"
)

// HotCache is the short-TTL tier. It is authoritative for freshness while
// its entry lives; store outages degrade to a miss (logged), never to a
// failed request.
type HotCache struct {
	store  kv.Store
	prefix string
	ttl    time.Duration
	logger *slog.Logger
}

func NewHotCache(store kv.Store, ttl time.Duration, logger *slog.Logger) *HotCache {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HotCache{store: store, prefix: "hot:", ttl: ttl, logger: logger}
}

func (c *HotCache) TTL() time.Duration { return c.ttl }

func (c *HotCache) Get(ctx context.Context, key string) (*domain.CachedResult, bool) {
	val, err := c.store.Get(ctx, c.prefix+key)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, false
	}
	if err != nil {
		c.logger.Warn("hot cache unavailable, treating as miss", "key", key, "err", err)
		return nil, false
	}
	var res domain.CachedResult
	if err := json.Unmarshal([]byte(val), &res); err != nil {
		c.logger.Warn("hot cache entry corrupt, treating as miss", "key", key, "err", err)
		return nil, false
	}
	return &res, true
}

// Set writes the entry with the given ttl; ttl <= 0 uses the default. The
// durable-tier backfill path passes the remaining durable TTL here so the
// hot entry never outlives the durable one.
func (c *HotCache) Set(ctx context.Context, key string, res *domain.CachedResult, ttl time.Duration) {
	if res == nil {
		return
	}
	if ttl <= 0 {
		ttl = c.ttl
	}
	b, err := json.Marshal(res)
	if err != nil {
		c.logger.Warn("hot cache encode failed", "key", key, "err", err)
		return
	}
	if err := c.store.Set(ctx, c.prefix+key, string(b), ttl); err != nil {
		c.logger.Warn("hot cache write failed", "key", key, "err", err)
	}
}
