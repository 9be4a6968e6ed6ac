// Package pipeline ties the sprite-generation components together: the
// submission service that admits requests and the job processor that
// drives one job from claim to cached result.
package pipeline

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/justapithecus/spriteforge/cache"
	"github.com/justapithecus/spriteforge/generr"
	"github.com/justapithecus/spriteforge/log"
	"github.com/justapithecus/spriteforge/progress"
	"github.com/justapithecus/spriteforge/provider"
	"github.com/justapithecus/spriteforge/types"
)

// DefaultResultTTL is how long generated results stay cached.
const DefaultResultTTL = 30 * 24 * time.Hour

// Generator is the external provider surface the processor consumes.
type Generator interface {
	Submit(ctx context.Context, req *provider.GenerationRequest) (*provider.SubmitResponse, error)
	PollStatus(ctx context.Context, externalJobID string) (*provider.StatusResponse, error)
	FetchFrame(ctx context.Context, frameURL string) ([]byte, error)
}

// ResultCache persists finished generation results.
type ResultCache interface {
	Get(ctx context.Context, key string) cache.GetResult
	Set(ctx context.Context, key string, entry *types.CacheEntry)
}

// Processor executes one sprite-generation job end to end: translate
// the structured prompt, drive the provider through submit and poll,
// decode the returned frames, and cache the result.
type Processor struct {
	generator Generator
	cache     ResultCache
	tracker   *progress.Tracker
	logger    *log.Logger
	resultTTL time.Duration
	clock     func() time.Time
}

// ProcessorOption configures a Processor.
type ProcessorOption func(*Processor)

// WithResultTTL overrides the cached-result lifetime.
func WithResultTTL(d time.Duration) ProcessorOption {
	return func(p *Processor) {
		if d > 0 {
			p.resultTTL = d
		}
	}
}

// NewProcessor creates a job processor.
func NewProcessor(generator Generator, resultCache ResultCache, tracker *progress.Tracker, logger *log.Logger, opts ...ProcessorOption) *Processor {
	p := &Processor{
		generator: generator,
		cache:     resultCache,
		tracker:   tracker,
		logger:    logger,
		resultTTL: DefaultResultTTL,
		clock:     time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Process runs the full lifecycle for one claimed job. Errors from the
// submit/poll/decode path are logged with their stage and returned to
// the work queue for retry decisioning. A cache write failure never
// fails an otherwise successful job.
func (p *Processor) Process(ctx context.Context, job *types.Job) error {
	if err := validateJob(job); err != nil {
		return err
	}
	start := p.clock()

	p.tracker.BroadcastStateChange(job.JobID, job.UserID, types.JobPending, types.JobProcessing)

	submitted, err := p.generator.Submit(ctx, translateRequest(&job.StructuredPrompt))
	if err != nil {
		return p.stageError(job, "submission", err)
	}

	var final *provider.StatusResponse
	status, err := p.tracker.Track(ctx, job, func(ctx context.Context) (progress.PollResult, error) {
		res, err := p.generator.PollStatus(ctx, submitted.ExternalJobID)
		if err != nil {
			return progress.PollResult{}, err
		}
		final = res
		return progress.PollResult{Progress: res.Progress, Status: res.Status}, nil
	})
	if err != nil {
		return p.stageError(job, "polling", err)
	}
	if status.Status == "failed" {
		reason := "provider reported failure"
		if final != nil && final.Error != "" {
			reason = final.Error
		}
		return p.stageError(job, "polling", fmt.Errorf("generation failed: %s", reason))
	}

	frames, err := p.decodeFrames(ctx, final.CharacterData)
	if err != nil {
		return p.stageError(job, "decode", err)
	}

	now := p.clock()
	result := &types.GenerationResult{
		JobID:  job.JobID,
		Frames: frames,
		Metadata: types.ResultMetadata{
			Dimensions:       job.StructuredPrompt.Size,
			FrameCount:       len(frames),
			GenerationTimeMs: now.Sub(start).Milliseconds(),
			CacheHit:         false,
			ExternalJobID:    submitted.ExternalJobID,
		},
	}
	job.Result = result

	p.cache.Set(ctx, job.CacheKey, &types.CacheEntry{
		CacheKey:         job.CacheKey,
		UserID:           job.UserID,
		StructuredPrompt: job.StructuredPrompt,
		Result:           result,
		CreatedAt:        now,
		ExpiresAt:        now.Add(p.resultTTL),
		Hits:             0,
		LastAccessedAt:   now,
	})

	p.tracker.BroadcastCompletion(job.JobID, job.UserID, result)
	return nil
}

// stageError logs a lifecycle failure with its stage and returns the
// original error for classification upstream.
func (p *Processor) stageError(job *types.Job, stage string, err error) error {
	p.logger.ErrorRecord(log.RecordError, map[string]any{
		"jobId": job.JobID, "stage": stage, "error": err,
	})
	return fmt.Errorf("%s: %w", stage, err)
}

// validateJob rejects jobs missing required fields before any external
// call is made.
func validateJob(job *types.Job) error {
	switch {
	case job.JobID == "":
		return generr.NewValidation("job ID is required")
	case job.UserID == "":
		return generr.NewValidation("user ID is required")
	case job.CacheKey == "":
		return generr.NewValidation("cache key is required")
	case job.StructuredPrompt.Description == "" && job.StructuredPrompt.Raw == "":
		return generr.NewValidation("structured prompt is required")
	}
	return nil
}

// translateRequest maps the structured prompt onto the provider's
// request shape. The canvas is square; the provider takes one edge.
func translateRequest(prompt *types.StructuredRequest) *provider.GenerationRequest {
	req := &provider.GenerationRequest{
		Description: prompt.Description,
		Size:        prompt.Size.Width,
	}
	if req.Description == "" {
		req.Description = prompt.Raw
	}
	if prompt.Options != nil {
		req.TextGuidanceScale = prompt.Options.TextGuidanceScale
		req.InitImage = prompt.Options.PaletteImage
	}
	return req
}

// decodeFrames rehydrates the ordered frame list from the provider's
// completion payload. Inline base64 is preferred; hosted frames are
// fetched. An empty rotation is a malformed result.
func (p *Processor) decodeFrames(ctx context.Context, data *provider.CharacterData) ([][]byte, error) {
	if data == nil || len(data.Rotations) == 0 {
		return nil, generr.NewValidation("completed generation carries no frames")
	}

	frames := make([][]byte, 0, len(data.Rotations))
	for i, rot := range data.Rotations {
		switch {
		case rot.Base64 != "":
			decoded, err := base64.StdEncoding.DecodeString(rot.Base64)
			if err != nil {
				return nil, generr.NewValidation(fmt.Sprintf("frame %d (%s) is not valid base64", i, rot.Direction))
			}
			frames = append(frames, decoded)
		case rot.URL != "":
			fetched, err := p.generator.FetchFrame(ctx, rot.URL)
			if err != nil {
				return nil, fmt.Errorf("fetch frame %d (%s): %w", i, rot.Direction, err)
			}
			frames = append(frames, fetched)
		default:
			return nil, generr.NewValidation(fmt.Sprintf("frame %d (%s) has neither data nor URL", i, rot.Direction))
		}
	}
	return frames, nil
}
