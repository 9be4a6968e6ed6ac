package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/justapithecus/spriteforge/log"
	"github.com/justapithecus/spriteforge/types"
)

// DocumentPrefix prefixes every durable-tier document key.
const DocumentPrefix = "sprite-cache/"

// DefaultSizeWarnBytes is the durable-tier document size warning
// threshold (800 KB against a typical 1 MB document limit).
const DefaultSizeWarnBytes = 800 * 1024

// ObjectTier is the durable cache tier over an ObjectStore.
// ExpiresAt is authoritative on read: entries at or past expiry are
// misses even if the document still exists.
type ObjectTier struct {
	store         ObjectStore
	logger        *log.Logger
	sizeWarnBytes int
	clock         func() time.Time
}

// ObjectTierOption configures the durable tier.
type ObjectTierOption func(*ObjectTier)

// WithSizeWarnBytes overrides the document size warning threshold.
// Non-positive values keep the default.
func WithSizeWarnBytes(n int) ObjectTierOption {
	return func(t *ObjectTier) {
		if n > 0 {
			t.sizeWarnBytes = n
		}
	}
}

// NewObjectTier creates the durable tier.
func NewObjectTier(store ObjectStore, logger *log.Logger, opts ...ObjectTierOption) *ObjectTier {
	t := &ObjectTier{
		store:         store,
		logger:        logger,
		sizeWarnBytes: DefaultSizeWarnBytes,
		clock:         time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Get fetches and decodes the document for key.
// Expired or malformed documents are misses; malformed ones are logged.
func (t *ObjectTier) Get(ctx context.Context, key string) (*types.CacheEntry, bool, error) {
	data, err := t.store.Get(ctx, DocumentPrefix+key)
	if errors.Is(err, ErrObjectNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache: durable read %s: %w", key, err)
	}

	entry, err := decodeEntry(data)
	if err != nil {
		t.logger.Warn("cache_invalid_record", map[string]any{
			"tier":     TierDurable,
			"cacheKey": key,
			"error":    err,
		})
		return nil, false, nil
	}

	if !entry.ExpiresAt.After(t.clock()) {
		return nil, false, nil
	}
	return entry, true, nil
}

// Set serializes and stores the entry's document.
// Documents past the size threshold emit one warning per call and are
// still written.
func (t *ObjectTier) Set(ctx context.Context, key string, entry *types.CacheEntry) error {
	data, err := encodeEntry(entry)
	if err != nil {
		return fmt.Errorf("cache: encode %s: %w", key, err)
	}

	if len(data) > t.sizeWarnBytes {
		t.logger.Warn("cache_document_size", map[string]any{
			"tier":      TierDurable,
			"cacheKey":  key,
			"sizeBytes": len(data),
			"threshold": t.sizeWarnBytes,
		})
	}

	if err := t.store.Put(ctx, DocumentPrefix+key, data); err != nil {
		return fmt.Errorf("cache: durable write %s: %w", key, err)
	}
	return nil
}
