package progress

import (
	"context"
	"time"

	"github.com/justapithecus/spriteforge/generr"
	"github.com/justapithecus/spriteforge/log"
	"github.com/justapithecus/spriteforge/types"
)

// Defaults for the poll loop.
const (
	DefaultPollInterval = 2500 * time.Millisecond
	DefaultMaxPolls     = 120
)

// Broadcaster delivers progress records to a user's push sessions.
type Broadcaster interface {
	Broadcast(userID string, record *types.ProgressRecord)
}

// ProgressStore persists per-job progress in the work queue.
type ProgressStore interface {
	UpdateProgress(ctx context.Context, jobID string, progress int) error
}

// PollResult is one observation of the external provider's job state.
type PollResult struct {
	// Progress is the provider-reported percentage, 0-100.
	Progress int
	// Status is the provider-reported state: pending, processing,
	// completed or failed.
	Status string
}

// Terminal reports whether the provider considers the job finished.
func (r PollResult) Terminal() bool {
	return r.Status == "completed" || r.Status == "failed"
}

// PollFunc fetches the current state of an external job.
type PollFunc func(ctx context.Context) (PollResult, error)

// Tracker follows an external generation job, folding each observation
// through a Calculator and fanning the result out to push sessions and
// the work queue.
type Tracker struct {
	store    ProgressStore
	push     Broadcaster
	logger   *log.Logger
	interval time.Duration
	maxPolls int
	clock    func() time.Time
}

// TrackerOption configures a Tracker.
type TrackerOption func(*Tracker)

// WithInterval overrides the poll interval.
func WithInterval(d time.Duration) TrackerOption {
	return func(t *Tracker) {
		if d > 0 {
			t.interval = d
		}
	}
}

// WithMaxPolls overrides the poll budget per tracked job.
func WithMaxPolls(n int) TrackerOption {
	return func(t *Tracker) {
		if n > 0 {
			t.maxPolls = n
		}
	}
}

// NewTracker creates a tracker with the default interval and budget.
func NewTracker(store ProgressStore, push Broadcaster, logger *log.Logger, opts ...TrackerOption) *Tracker {
	t := &Tracker{
		store:    store,
		push:     push,
		logger:   logger,
		interval: DefaultPollInterval,
		maxPolls: DefaultMaxPolls,
		clock:    time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Track polls the external job until it reaches a terminal state,
// broadcasting and persisting progress on every tick. A failing poll is
// logged and the last known progress carries the tick; the loop keeps
// going. Returns the final observation, or generr.ErrPollExhausted when
// the poll budget runs out first.
func (t *Tracker) Track(ctx context.Context, job *types.Job, pollFn PollFunc) (PollResult, error) {
	calc := NewCalculator()
	var last PollResult

	for polls := 0; polls < t.maxPolls; polls++ {
		if polls > 0 {
			select {
			case <-ctx.Done():
				return last, ctx.Err()
			case <-time.After(t.interval):
			}
		}

		res, err := pollFn(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return last, ctx.Err()
			}
			t.logger.Warn("poll_error", map[string]any{
				"jobId": job.JobID, "error": err, "lastProgress": last.Progress,
			})
			res = last
		} else {
			last = res
		}

		overall := calc.Calculate(types.StageGeneration, res.Progress)
		t.push.Broadcast(job.UserID, &types.ProgressRecord{
			JobID:                  job.JobID,
			UserID:                 job.UserID,
			Status:                 types.JobProcessing,
			Progress:               overall,
			Message:                "Generating sprite frames",
			EstimatedTimeRemaining: calc.EstimateRemainingMs(overall),
			Timestamp:              t.clock(),
		})

		if err := t.store.UpdateProgress(ctx, job.JobID, overall); err != nil {
			t.logger.Warn("progress_persist_failed", map[string]any{
				"jobId": job.JobID, "error": err,
			})
		}

		if res.Terminal() {
			return res, nil
		}
	}

	return last, generr.ErrPollExhausted
}

// BroadcastStateChange emits a progress record for a lifecycle
// transition: 10% on entering processing, 100% on completion.
func (t *Tracker) BroadcastStateChange(jobID, userID string, from, to types.JobStatus) {
	record := &types.ProgressRecord{
		JobID:     jobID,
		UserID:    userID,
		Status:    to,
		Timestamp: t.clock(),
	}
	switch to {
	case types.JobProcessing:
		record.Progress = 10
		record.Message = "Sprite generation started"
	case types.JobCompleted:
		record.Progress = 100
		record.Message = "Sprite generation complete"
	case types.JobFailed, types.JobDead:
		record.Message = "Sprite generation failed"
	default:
		record.Message = "Sprite request queued"
	}
	t.push.Broadcast(userID, record)
}

// BroadcastCompletion emits the final record for a finished job. The
// record carries result metadata only; frame bytes never travel over
// the push channel.
func (t *Tracker) BroadcastCompletion(jobID, userID string, result *types.GenerationResult) {
	record := &types.ProgressRecord{
		JobID:     jobID,
		UserID:    userID,
		Status:    types.JobCompleted,
		Progress:  100,
		Message:   "Sprite generation complete",
		Timestamp: t.clock(),
	}
	if result != nil {
		meta := result.Metadata
		record.Result = &meta
	}
	t.push.Broadcast(userID, record)
}
