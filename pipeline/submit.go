package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/justapithecus/spriteforge/dedup"
	"github.com/justapithecus/spriteforge/log"
	"github.com/justapithecus/spriteforge/normalize"
	"github.com/justapithecus/spriteforge/queue"
	"github.com/justapithecus/spriteforge/types"
)

// Rejection reasons surfaced to clients when admission fails.
const (
	RejectUserLimit   = "user_limit"
	RejectSystemLimit = "system_limit"
)

// DuplicateGate suppresses identical submissions inside the window.
type DuplicateGate interface {
	Check(ctx context.Context, cacheKey, jobID string) (dedup.Result, error)
}

// JobQueue admits jobs into the work queue.
type JobQueue interface {
	Submit(ctx context.Context, job *types.Job) error
}

// SubmitResult is the outcome of one generation request.
type SubmitResult struct {
	// Accepted reports whether the request was admitted in any form:
	// fresh job, duplicate collapse, or cache hit.
	Accepted bool `json:"accepted"`
	// JobID identifies the job serving this request.
	JobID string `json:"jobId"`
	// CacheHit reports a result served straight from the cache.
	CacheHit bool `json:"cacheHit"`
	// DuplicateOf names the earlier job this request collapsed into.
	DuplicateOf string `json:"duplicateOf,omitempty"`
	// Reason explains a rejection.
	Reason string `json:"reason,omitempty"`
	// Result is the cached generation result on a cache hit.
	Result *types.GenerationResult `json:"-"`
}

// Service is the submission front of the pipeline: normalize,
// deduplicate, consult the cache, then enqueue.
type Service struct {
	gate   DuplicateGate
	cache  ResultCache
	queue  JobQueue
	logger *log.Logger
	clock  func() time.Time
}

// NewService creates the submission service.
func NewService(gate DuplicateGate, resultCache ResultCache, jobQueue JobQueue, logger *log.Logger) *Service {
	return &Service{
		gate:   gate,
		cache:  resultCache,
		queue:  jobQueue,
		logger: logger,
		clock:  time.Now,
	}
}

// Submit admits one generation request for the user.
//
// Identical requests inside the dedup window collapse into the job
// already holding it. A live cached result short-circuits without
// enqueueing. Admission-limit rejections come back as an unaccepted
// result, not an error; store failures propagate.
func (s *Service) Submit(ctx context.Context, userID string, req *types.StructuredRequest) (*SubmitResult, error) {
	jobID := uuid.NewString()
	cacheKey := normalize.CacheKey(*req)

	check, err := s.gate.Check(ctx, cacheKey, jobID)
	if err != nil {
		return nil, err
	}
	if check.IsDuplicate {
		s.logger.Record(log.RecordJobSubmission, map[string]any{
			"jobId": jobID, "userId": userID,
			"accepted": true, "duplicateOf": check.ExistingJobID,
		})
		return &SubmitResult{
			Accepted:    true,
			JobID:       check.ExistingJobID,
			DuplicateOf: check.ExistingJobID,
		}, nil
	}

	if got := s.cache.Get(ctx, cacheKey); got.Hit {
		result := got.Entry.Result
		if result != nil {
			served := *result
			served.Metadata.CacheHit = true
			return &SubmitResult{
				Accepted: true,
				JobID:    jobID,
				CacheHit: true,
				Result:   &served,
			}, nil
		}
	}

	job := &types.Job{
		JobID:            jobID,
		UserID:           userID,
		StructuredPrompt: *req,
		CacheKey:         cacheKey,
		CreatedAt:        s.clock(),
	}
	switch err := s.queue.Submit(ctx, job); {
	case errors.Is(err, queue.ErrUserLimit):
		return &SubmitResult{JobID: jobID, Reason: RejectUserLimit}, nil
	case errors.Is(err, queue.ErrSystemLimit):
		return &SubmitResult{JobID: jobID, Reason: RejectSystemLimit}, nil
	case err != nil:
		return nil, err
	}

	return &SubmitResult{Accepted: true, JobID: jobID}, nil
}
