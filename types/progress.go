package types

import "time"

// Stage is a coarse lifecycle milestone mapped to a progress band.
type Stage string

const (
	// StageDedup is the submission/dedup phase (0-5%).
	StageDedup Stage = "dedup"
	// StageQueued is the queued-awaiting-worker phase (5-10%).
	StageQueued Stage = "queued"
	// StageGeneration is the external provider phase (10-90%).
	StageGeneration Stage = "external-generation"
	// StageCaching is the result-persistence phase (90-100%).
	StageCaching Stage = "caching"
	// StageCompleted is the terminal phase (100%).
	StageCompleted Stage = "completed"
)

// ProgressRecord is a single progress update delivered to clients over
// the push channel or assembled for pull status responses.
type ProgressRecord struct {
	// JobID is the job this update describes.
	JobID string `json:"jobId"`
	// UserID is the job owner.
	UserID string `json:"userId"`
	// Status is the job's lifecycle state at emission time.
	Status JobStatus `json:"status"`
	// Progress is the monotonic 0-100 percentage.
	Progress int `json:"progress"`
	// Message is a human-readable progress description.
	Message string `json:"message,omitempty"`
	// EstimatedTimeRemaining is the remaining time estimate in
	// milliseconds, omitted when no estimate is available.
	EstimatedTimeRemaining *int64 `json:"estimatedTimeRemaining,omitempty"`
	// Result carries result metadata on completion records. Frame bytes
	// never travel over the push channel.
	Result *ResultMetadata `json:"result,omitempty"`
	// Timestamp is the emission time.
	Timestamp time.Time `json:"timestamp"`
}
