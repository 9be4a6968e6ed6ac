package types

import "time"

// JobStatus is the lifecycle state of a generation job.
type JobStatus string

const (
	// JobPending indicates the job is queued and awaiting a worker.
	JobPending JobStatus = "pending"
	// JobProcessing indicates a worker currently holds the job.
	JobProcessing JobStatus = "processing"
	// JobCompleted indicates the job finished successfully. Terminal.
	JobCompleted JobStatus = "completed"
	// JobFailed indicates a non-retryable failure. Terminal.
	JobFailed JobStatus = "failed"
	// JobDead indicates retry exhaustion; the job sits in the
	// dead-letter partition awaiting triage. Terminal.
	JobDead JobStatus = "dead"
)

// IsTerminal reports whether the status admits no further transitions.
func (s JobStatus) IsTerminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobDead
}

// Job is a single generation request moving through the queue.
// A job is mutated only by the worker currently holding it or by the
// queue bookkeeper; everyone else sees snapshots.
type Job struct {
	// JobID is the pipeline-assigned job identifier.
	JobID string `json:"jobId" msgpack:"job_id"`
	// UserID is the submitting user.
	UserID string `json:"userId" msgpack:"user_id"`
	// StructuredPrompt is the original request, unmodified, for auditing.
	StructuredPrompt StructuredRequest `json:"structuredPrompt" msgpack:"structured_prompt"`
	// CacheKey is the deterministic cache key derived from the prompt.
	CacheKey string `json:"cacheKey" msgpack:"cache_key"`
	// Status is the current lifecycle state.
	Status JobStatus `json:"status" msgpack:"status"`
	// Progress is the last recorded progress percentage (0-100).
	Progress int `json:"progress" msgpack:"progress"`
	// CreatedAt is the submission time.
	CreatedAt time.Time `json:"createdAt" msgpack:"created_at"`
	// StartedAt is set when a worker first claims the job.
	StartedAt *time.Time `json:"startedAt,omitempty" msgpack:"started_at,omitempty"`
	// CompletedAt is set on terminal transition.
	CompletedAt *time.Time `json:"completedAt,omitempty" msgpack:"completed_at,omitempty"`
	// RetryCount is the number of retry attempts consumed. Monotonic.
	RetryCount int `json:"retryCount" msgpack:"retry_count"`
	// ErrorMessage is the user-facing failure message, if any.
	ErrorMessage string `json:"errorMessage,omitempty" msgpack:"error_message,omitempty"`
	// Result is the generation result, present once completed.
	Result *GenerationResult `json:"result,omitempty" msgpack:"result,omitempty"`
}

// EffectiveModTime is the job's modification time for conditional reads:
// completedAt, else startedAt, else createdAt.
func (j *Job) EffectiveModTime() time.Time {
	if j.CompletedAt != nil {
		return *j.CompletedAt
	}
	if j.StartedAt != nil {
		return *j.StartedAt
	}
	return j.CreatedAt
}
