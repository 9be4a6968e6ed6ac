package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/justapithecus/spriteforge/log"
	"github.com/justapithecus/spriteforge/types"
)

// RedisTier is the fast volatile cache tier.
// Entries are stored as a single serialized record under the cache key
// with the configured TTL.
type RedisTier struct {
	client goredis.Cmdable
	ttl    time.Duration
	logger *log.Logger
	clock  func() time.Time
}

// NewRedisTier creates the volatile tier with the given entry TTL.
func NewRedisTier(client goredis.Cmdable, ttl time.Duration, logger *log.Logger) *RedisTier {
	return &RedisTier{client: client, ttl: ttl, logger: logger, clock: time.Now}
}

// Get fetches and decodes the entry under key.
// A malformed record is treated as a miss and logged.
func (t *RedisTier) Get(ctx context.Context, key string) (*types.CacheEntry, bool, error) {
	data, err := t.client.Get(ctx, key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache: volatile read %s: %w", key, err)
	}

	entry, err := decodeEntry(data)
	if err != nil {
		t.logger.Warn("cache_invalid_record", map[string]any{
			"tier":     TierVolatile,
			"cacheKey": key,
			"error":    err,
		})
		return nil, false, nil
	}
	return entry, true, nil
}

// Set serializes and stores the entry under key with the tier TTL.
func (t *RedisTier) Set(ctx context.Context, key string, entry *types.CacheEntry) error {
	data, err := encodeEntry(entry)
	if err != nil {
		return fmt.Errorf("cache: encode %s: %w", key, err)
	}
	if err := t.client.Set(ctx, key, data, t.ttl).Err(); err != nil {
		return fmt.Errorf("cache: volatile write %s: %w", key, err)
	}
	return nil
}

// Touch increments the entry's hit count and refreshes its last-accessed
// time while preserving the remaining TTL. A concurrent overwrite simply
// wins; the update is best-effort.
func (t *RedisTier) Touch(ctx context.Context, key string) error {
	data, err := t.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil
		}
		return fmt.Errorf("cache: touch read %s: %w", key, err)
	}

	entry, err := decodeEntry(data)
	if err != nil {
		return nil
	}
	entry.Hits++
	entry.LastAccessedAt = t.clock()

	updated, err := encodeEntry(entry)
	if err != nil {
		return fmt.Errorf("cache: touch encode %s: %w", key, err)
	}
	err = t.client.SetArgs(ctx, key, updated, goredis.SetArgs{KeepTTL: true}).Err()
	if err != nil {
		return fmt.Errorf("cache: touch write %s: %w", key, err)
	}
	return nil
}
