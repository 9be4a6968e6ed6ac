// Package dedup suppresses duplicate generation submissions within a
// short window using Redis set-if-absent semantics.
//
// The first submission for a cache key claims the window; identical
// submissions inside the window are reported as duplicates of the
// claiming job. Entries expire on their own via TTL.
package dedup

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// KeyPrefix prefixes every dedup key derived from a cache key.
const KeyPrefix = "dedup:"

// DefaultWindow is the default deduplication window.
const DefaultWindow = 10 * time.Second

// Result is the outcome of a duplicate check.
type Result struct {
	// IsDuplicate reports whether an identical submission already holds
	// the window.
	IsDuplicate bool
	// ExistingJobID is the job holding the window, when IsDuplicate.
	ExistingJobID string
}

// Gate performs atomic duplicate suppression against Redis.
type Gate struct {
	client goredis.Cmdable
	window time.Duration
}

// NewGate creates a dedup gate with the given window.
// A non-positive window disables suppression: every check reports
// not-a-duplicate, matching expired-entry semantics.
func NewGate(client goredis.Cmdable, window time.Duration) *Gate {
	return &Gate{client: client, window: window}
}

// Check attempts to claim the dedup window for cacheKey on behalf of
// jobID. The vanish race between a failed claim and the follow-up read
// is retried exactly once. Store errors propagate to the caller.
func (g *Gate) Check(ctx context.Context, cacheKey, jobID string) (Result, error) {
	if g.window <= 0 {
		return Result{}, nil
	}

	dedupKey := KeyPrefix + cacheKey

	// One initial attempt plus one retry for the vanish race.
	for attempt := 0; attempt < 2; attempt++ {
		ok, err := g.client.SetNX(ctx, dedupKey, jobID, g.window).Result()
		if err != nil {
			return Result{}, fmt.Errorf("dedup: claim %s: %w", dedupKey, err)
		}
		if ok {
			return Result{}, nil
		}

		existing, err := g.client.Get(ctx, dedupKey).Result()
		if err == nil {
			return Result{IsDuplicate: true, ExistingJobID: existing}, nil
		}
		if !errors.Is(err, goredis.Nil) {
			return Result{}, fmt.Errorf("dedup: read %s: %w", dedupKey, err)
		}
		// Entry vanished between SETNX and GET; try to claim once more.
	}

	// Second GET still empty: treat as not a duplicate.
	return Result{}, nil
}

// Window returns the configured deduplication window.
func (g *Gate) Window() time.Duration {
	return g.window
}
