// Package cache implements the two-tier sprite result cache: a fast
// volatile Redis tier in front of a durable object-store tier.
//
// Reads try the fast tier first and fall back to the durable tier;
// writes go to both tiers in parallel. The two tiers are intentionally
// uncoordinated and may briefly disagree.
package cache

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/justapithecus/spriteforge/types"
)

// errMalformedEntry wraps decode failures of stored cache records.
// Malformed records are treated as misses by both tiers.
var errMalformedEntry = errors.New("malformed cache entry")

// storedResult is the serialized form of a GenerationResult.
// Frame bytes are base64 text so the record survives text-safe stores;
// decoding restores the original bytes exactly.
type storedResult struct {
	JobID    string               `json:"jobId"`
	Frames   []string             `json:"frames"`
	Metadata types.ResultMetadata `json:"metadata"`
}

// storedEntry is the serialized form of a CacheEntry, shared by both tiers.
type storedEntry struct {
	CacheKey         string                  `json:"cacheKey"`
	UserID           string                  `json:"userId"`
	StructuredPrompt types.StructuredRequest `json:"structuredPrompt"`
	Result           *storedResult           `json:"result"`
	CreatedAt        time.Time               `json:"createdAt"`
	ExpiresAt        time.Time               `json:"expiresAt"`
	Hits             int64                   `json:"hits"`
	LastAccessedAt   time.Time               `json:"lastAccessedAt"`
}

// encodeEntry serializes a CacheEntry to its compact JSON storage form.
func encodeEntry(entry *types.CacheEntry) ([]byte, error) {
	stored := storedEntry{
		CacheKey:         entry.CacheKey,
		UserID:           entry.UserID,
		StructuredPrompt: entry.StructuredPrompt,
		CreatedAt:        entry.CreatedAt,
		ExpiresAt:        entry.ExpiresAt,
		Hits:             entry.Hits,
		LastAccessedAt:   entry.LastAccessedAt,
	}
	if entry.Result != nil {
		frames := make([]string, len(entry.Result.Frames))
		for i, frame := range entry.Result.Frames {
			frames[i] = base64.StdEncoding.EncodeToString(frame)
		}
		stored.Result = &storedResult{
			JobID:    entry.Result.JobID,
			Frames:   frames,
			Metadata: entry.Result.Metadata,
		}
	}
	return json.Marshal(stored)
}

// decodeEntry parses the storage form back into a CacheEntry.
// Records missing required fields or carrying undecodable frames are
// rejected as malformed.
func decodeEntry(data []byte) (*types.CacheEntry, error) {
	var stored storedEntry
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("%w: %v", errMalformedEntry, err)
	}
	if stored.CacheKey == "" || stored.Result == nil {
		return nil, fmt.Errorf("%w: missing required fields", errMalformedEntry)
	}

	frames := make([][]byte, len(stored.Result.Frames))
	for i, encoded := range stored.Result.Frames {
		frame, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("%w: frame %d: %v", errMalformedEntry, i, err)
		}
		frames[i] = frame
	}

	return &types.CacheEntry{
		CacheKey:         stored.CacheKey,
		UserID:           stored.UserID,
		StructuredPrompt: stored.StructuredPrompt,
		Result: &types.GenerationResult{
			JobID:    stored.Result.JobID,
			Frames:   frames,
			Metadata: stored.Result.Metadata,
		},
		CreatedAt:      stored.CreatedAt,
		ExpiresAt:      stored.ExpiresAt,
		Hits:           stored.Hits,
		LastAccessedAt: stored.LastAccessedAt,
	}, nil
}
