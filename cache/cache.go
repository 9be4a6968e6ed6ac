package cache

import (
	"context"
	"sync"

	"github.com/justapithecus/spriteforge/log"
	"github.com/justapithecus/spriteforge/types"
)

// Tier names, used as the source marker on hits and in log records.
const (
	// TierVolatile is the fast Redis tier.
	TierVolatile = "volatile"
	// TierDurable is the object-store tier.
	TierDurable = "durable"
)

// GetResult is the outcome of a two-tier read.
type GetResult struct {
	// Hit reports whether either tier held a live entry.
	Hit bool
	// Entry is the cached entry on a hit.
	Entry *types.CacheEntry
	// Source names the tier that served the hit.
	Source string
}

// TwoTier composes the volatile and durable tiers with read-through and
// parallel write-through. Reads never block on durable availability;
// writes offer at-most-once semantics per tier with no cross-tier
// coordination.
type TwoTier struct {
	fast    *RedisTier
	durable *ObjectTier
	logger  *log.Logger

	// background tracks best-effort async work (hit-count touches,
	// volatile re-population) so shutdown can wait for it.
	background sync.WaitGroup
}

// NewTwoTier composes the two tiers.
func NewTwoTier(fast *RedisTier, durable *ObjectTier, logger *log.Logger) *TwoTier {
	return &TwoTier{fast: fast, durable: durable, logger: logger}
}

// Get performs a read-through lookup.
// Volatile hits schedule a non-blocking hit-count touch; durable hits
// schedule a non-blocking re-population of the volatile tier. Tier
// errors on the read path are logged and swallowed.
func (c *TwoTier) Get(ctx context.Context, key string) GetResult {
	entry, ok, err := c.fast.Get(ctx, key)
	if err != nil {
		c.logger.Warn("cache_tier_error", map[string]any{
			"tier": TierVolatile, "op": "get", "cacheKey": key, "error": err,
		})
	}
	if ok {
		c.spawn(ctx, func(bg context.Context) {
			if err := c.fast.Touch(bg, key); err != nil {
				c.logger.Warn("cache_touch_failed", map[string]any{"cacheKey": key, "error": err})
			}
		})
		c.logger.Record(log.RecordCacheAccess, map[string]any{
			"cacheKey": key, "hit": true, "source": TierVolatile,
		})
		return GetResult{Hit: true, Entry: entry, Source: TierVolatile}
	}

	entry, ok, err = c.durable.Get(ctx, key)
	if err != nil {
		c.logger.Warn("cache_tier_error", map[string]any{
			"tier": TierDurable, "op": "get", "cacheKey": key, "error": err,
		})
	}
	if ok {
		repopulate := entry
		c.spawn(ctx, func(bg context.Context) {
			if err := c.fast.Set(bg, key, repopulate); err != nil {
				c.logger.Warn("cache_repopulate_failed", map[string]any{"cacheKey": key, "error": err})
			}
		})
		c.logger.Record(log.RecordCacheAccess, map[string]any{
			"cacheKey": key, "hit": true, "source": TierDurable,
		})
		return GetResult{Hit: true, Entry: entry, Source: TierDurable}
	}

	c.logger.Record(log.RecordCacheAccess, map[string]any{
		"cacheKey": key, "hit": false,
	})
	return GetResult{}
}

// Set writes the entry to both tiers in parallel and returns once both
// have settled. Per-tier outcomes are logged; Set never fails.
func (c *TwoTier) Set(ctx context.Context, key string, entry *types.CacheEntry) {
	var wg sync.WaitGroup
	var fastErr, durableErr error

	wg.Add(2)
	go func() {
		defer wg.Done()
		fastErr = c.fast.Set(ctx, key, entry)
	}()
	go func() {
		defer wg.Done()
		durableErr = c.durable.Set(ctx, key, entry)
	}()
	wg.Wait()

	switch {
	case fastErr == nil && durableErr == nil:
		c.logger.Record(log.RecordCacheAccess, map[string]any{
			"cacheKey": key, "op": "set", "outcome": "success",
		})
	case fastErr != nil && durableErr != nil:
		c.logger.ErrorRecord(log.RecordCacheAccess, map[string]any{
			"cacheKey": key, "op": "set", "outcome": "complete_failure",
			"volatileError": fastErr, "durableError": durableErr,
		})
	default:
		failed, tierErr := TierVolatile, fastErr
		if durableErr != nil {
			failed, tierErr = TierDurable, durableErr
		}
		c.logger.Warn("cache_partial_write", map[string]any{
			"cacheKey": key, "failedTier": failed, "error": tierErr,
		})
	}
}

// Wait blocks until all scheduled background work has settled.
// Used by tests and by graceful shutdown.
func (c *TwoTier) Wait() {
	c.background.Wait()
}

// spawn runs fn on a background goroutine detached from the caller's
// cancellation but tracked for shutdown.
func (c *TwoTier) spawn(ctx context.Context, fn func(context.Context)) {
	bg := context.WithoutCancel(ctx)
	c.background.Add(1)
	go func() {
		defer c.background.Done()
		fn(bg)
	}()
}
