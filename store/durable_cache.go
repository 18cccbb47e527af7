package store

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"leadsearch/domain"
)

// SearchCache is the durable-tier row. Rows key off the cache-key string;
// that grammar must stay stable or stored rows orphan.
type SearchCache struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	CacheKey  string    `gorm:"size:500;not null;uniqueIndex" json:"cacheKey"`
	Payload   string    `gorm:"type:text;not null" json:"payload"`
	FetchedAt time.Time `gorm:"not null" json:"fetchedAt"`
	ExpiresAt time.Time `gorm:"not null;index" json:"expiresAt"`
}

func (SearchCache) TableName() string { return "search_cache" }

// DurableCache is the long-TTL tier in Postgres. It is authoritative beyond
// the hot TTL until its own longer expiry.
type DurableCache struct {
	db     *gorm.DB
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time
}

func NewDurableCache(db *gorm.DB, ttl time.Duration, logger *slog.Logger) *DurableCache {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DurableCache{db: db, ttl: ttl, logger: logger, now: time.Now}
}

func (c *DurableCache) TTL() time.Duration {
	if c == nil {
		return 0
	}
	return c.ttl
}

// Get returns the cached result and its remaining lifetime. Expired rows are
// a miss and get lazily purged. DB unavailability degrades to a miss.
func (c *DurableCache) Get(ctx context.Context, key string) (*domain.CachedResult, time.Duration, bool) {
	if c == nil || c.db == nil {
		return nil, 0, false
	}
	var row SearchCache
	err := c.db.WithContext(ctx).First(&row, "cache_key = ?", key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, 0, false
	}
	if err != nil {
		c.logger.Warn("durable cache unavailable, treating as miss", "key", key, "err", err)
		return nil, 0, false
	}
	remaining := row.ExpiresAt.Sub(c.now())
	if remaining <= 0 {
		if err := c.db.WithContext(ctx).Delete(&SearchCache{}, "cache_key = ?", key).Error; err != nil {
			c.logger.Warn("durable cache purge failed", "key", key, "err", err)
		}
		return nil, 0, false
	}
	var res domain.CachedResult
	if err := json.Unmarshal([]byte(row.Payload), &res); err != nil {
		c.logger.Warn("durable cache entry corrupt, treating as miss", "key", key, "err", err)
		return nil, 0, false
	}
	return &res, remaining, true
}

// Set upserts the row for key with the durable TTL.
func (c *DurableCache) Set(ctx context.Context, key string, res *domain.CachedResult) error {
	if c == nil || c.db == nil {
		return errors.New("durable cache not initialized")
	}
	if res == nil {
		return errors.New("result is nil")
	}
	b, err := json.Marshal(res)
	if err != nil {
		return err
	}
	// Row expiry follows the payload's stamp so the two never disagree;
	// payloads without one get the full durable TTL.
	expiresAt := res.ExpiresAt
	if expiresAt.IsZero() {
		expiresAt = c.now().Add(c.ttl)
	}
	row := SearchCache{
		CacheKey:  key,
		Payload:   string(b),
		FetchedAt: res.FetchedAt,
		ExpiresAt: expiresAt,
	}
	return c.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "cache_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"payload", "fetched_at", "expires_at"}),
	}).Create(&row).Error
}
