package types

import "time"

// ResultMetadata describes a generation result without its frame bytes.
// This is the only part of a result that travels over the push channel.
type ResultMetadata struct {
	// Dimensions is the sprite canvas size.
	Dimensions Size `json:"dimensions" msgpack:"dimensions"`
	// FrameCount is the number of frames. Always equals len(frames).
	FrameCount int `json:"frameCount" msgpack:"frame_count"`
	// GenerationTimeMs is the wall-clock generation duration.
	GenerationTimeMs int64 `json:"generationTimeMs" msgpack:"generation_time_ms"`
	// CacheHit reports whether the result was served from cache.
	CacheHit bool `json:"cacheHit" msgpack:"cache_hit"`
	// ExternalJobID is the provider-side job identifier, when known.
	ExternalJobID string `json:"externalJobId,omitempty" msgpack:"external_job_id,omitempty"`
}

// GenerationResult is a completed sprite generation: an ordered sequence
// of frame byte blobs plus metadata.
type GenerationResult struct {
	// JobID is the pipeline job that produced this result.
	JobID string `json:"jobId" msgpack:"job_id"`
	// Frames are the decoded image buffers, in provider order.
	Frames [][]byte `json:"frames" msgpack:"frames"`
	// Metadata describes the result.
	Metadata ResultMetadata `json:"metadata" msgpack:"metadata"`
}

// CacheEntry is the stored form of a generation result in both cache tiers.
// Invariants: ExpiresAt > CreatedAt, Hits >= 0, LastAccessedAt >= CreatedAt.
type CacheEntry struct {
	// CacheKey equals the key under which the entry is stored.
	CacheKey string `json:"cacheKey"`
	// UserID is the user whose job produced the entry.
	UserID string `json:"userId"`
	// StructuredPrompt is the original request, unmodified, for auditing.
	StructuredPrompt StructuredRequest `json:"structuredPrompt"`
	// Result is the cached generation result.
	Result *GenerationResult `json:"result"`
	// CreatedAt is the write time.
	CreatedAt time.Time `json:"createdAt"`
	// ExpiresAt is the authoritative expiry; entries at or past it are misses.
	ExpiresAt time.Time `json:"expiresAt"`
	// Hits counts cache reads served from this entry.
	Hits int64 `json:"hits"`
	// LastAccessedAt is the last read time.
	LastAccessedAt time.Time `json:"lastAccessedAt"`
}
