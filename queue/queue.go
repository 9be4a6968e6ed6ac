// Package queue implements the durable sprite-generation work queue:
// a Redis-backed FIFO with per-user admission control, a bounded worker
// pool, classified retry with exponential backoff, and a dead-letter
// partition for exhausted jobs.
//
// All queue state lives in Redis (pending list, claimed list, job hash,
// active sets, dead list), so jobs survive a restart in their last
// persisted state. A job ID is always on a list: claims move it
// atomically from pending to claimed, and Start requeues whatever a
// previous run left claimed.
package queue

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/justapithecus/spriteforge/log"
	"github.com/justapithecus/spriteforge/types"
)

// Admission rejections. Use errors.Is for assertions.
var (
	// ErrUserLimit rejects a submission past the per-user active cap.
	ErrUserLimit = errors.New("user job limit reached")
	// ErrSystemLimit rejects a submission past the global active cap.
	ErrSystemLimit = errors.New("system queue limit reached")
	// ErrJobNotFound is returned for unknown job IDs on internal updates.
	ErrJobNotFound = errors.New("job not found")
)

// Defaults for queue configuration.
const (
	DefaultConcurrency       = 5
	DefaultMaxJobsPerUser    = 5
	DefaultSystemQueueLimit  = 500
	DefaultWarningThreshold  = 400
	DefaultMaxRetries        = 1
	DefaultBackoffDelay      = 5 * time.Second
	DefaultBackoffMultiplier = 2.0
	DefaultPollInterval      = 250 * time.Millisecond
)

// connectAttempts bounds reachability retries during Start.
const connectAttempts = 3

// Config configures the queue and its worker pool.
type Config struct {
	// Name is the queue key namespace (required).
	Name string
	// DB is the Redis logical database index, validated to [0, 15].
	DB int
	// Concurrency is the worker pool size.
	Concurrency int
	// MaxJobsPerUser caps concurrently active (non-terminal) jobs per user.
	MaxJobsPerUser int
	// SystemQueueLimit caps total active jobs.
	SystemQueueLimit int
	// WarningThreshold emits a depth warning when active jobs cross it.
	WarningThreshold int
	// MaxRetries is the number of retries per job on retryable failures.
	MaxRetries int
	// BackoffDelay is the base retry delay.
	BackoffDelay time.Duration
	// BackoffMultiplier grows the delay per attempt.
	BackoffMultiplier float64
	// PollInterval is the idle worker claim-poll interval.
	PollInterval time.Duration
}

// Validate checks required configuration.
func (c *Config) Validate() error {
	if c.Name == "" {
		return errors.New("queue name is required")
	}
	if c.DB < 0 || c.DB > 15 {
		return fmt.Errorf("queue DB must be in [0, 15], got %d", c.DB)
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
	if c.MaxJobsPerUser <= 0 {
		c.MaxJobsPerUser = DefaultMaxJobsPerUser
	}
	if c.SystemQueueLimit <= 0 {
		c.SystemQueueLimit = DefaultSystemQueueLimit
	}
	if c.WarningThreshold <= 0 {
		c.WarningThreshold = DefaultWarningThreshold
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.BackoffDelay <= 0 {
		c.BackoffDelay = DefaultBackoffDelay
	}
	if c.BackoffMultiplier <= 0 {
		c.BackoffMultiplier = DefaultBackoffMultiplier
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
}

// Handler executes the body of a claimed job.
// The handler may mutate the job (progress, result); the worker persists
// it after the handler returns.
type Handler interface {
	Process(ctx context.Context, job *types.Job) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, job *types.Job) error

// Process implements Handler.
func (f HandlerFunc) Process(ctx context.Context, job *types.Job) error {
	return f(ctx, job)
}

// StateNotifier observes terminal job failures so connected clients
// hear about jobs that fail or dead-letter, not just ones that finish.
type StateNotifier interface {
	BroadcastStateChange(jobID, userID string, from, to types.JobStatus)
}

// Queue is the durable work queue.
type Queue struct {
	config   Config
	client   goredis.Cmdable
	handler  Handler
	notifier StateNotifier
	logger   *log.Logger
	clock    func() time.Time

	wake   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup

	timersMu sync.Mutex
	timers   map[string]*time.Timer
	stopping bool
}

// New creates a queue. Start must be called before jobs are processed.
func New(client goredis.Cmdable, cfg Config, handler Handler, logger *log.Logger) (*Queue, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	return &Queue{
		config:  cfg,
		client:  client,
		handler: handler,
		logger:  logger,
		clock:   time.Now,
		wake:    make(chan struct{}, 1),
		timers:  make(map[string]*time.Timer),
	}, nil
}

// SetNotifier wires the push-side notifier for terminal failures.
// Call before Start; the queue works without one.
func (q *Queue) SetNotifier(n StateNotifier) {
	q.notifier = n
}

// --- key layout ---

func (q *Queue) keyPending() string { return q.config.Name + ":pending" }
func (q *Queue) keyClaimed() string { return q.config.Name + ":claimed" }
func (q *Queue) keyJobs() string    { return q.config.Name + ":jobs" }
func (q *Queue) keyActive() string  { return q.config.Name + ":active" }
func (q *Queue) keyDead() string    { return q.config.Name + ":dead" }
func (q *Queue) keyUser(userID string) string {
	return q.config.Name + ":user:" + userID
}

// --- admission ---

// Submit admits a job into the queue.
// Returns ErrUserLimit or ErrSystemLimit on admission rejection; store
// errors propagate. Admitted jobs enter the pending state.
func (q *Queue) Submit(ctx context.Context, job *types.Job) error {
	userActive, err := q.client.SCard(ctx, q.keyUser(job.UserID)).Result()
	if err != nil {
		return fmt.Errorf("queue: user count: %w", err)
	}
	if userActive >= int64(q.config.MaxJobsPerUser) {
		q.logger.Record(log.RecordJobSubmission, map[string]any{
			"jobId": job.JobID, "userId": job.UserID,
			"accepted": false, "reason": "user_limit",
		})
		return ErrUserLimit
	}

	systemActive, err := q.client.SCard(ctx, q.keyActive()).Result()
	if err != nil {
		return fmt.Errorf("queue: system count: %w", err)
	}
	if systemActive >= int64(q.config.SystemQueueLimit) {
		q.logger.Record(log.RecordJobSubmission, map[string]any{
			"jobId": job.JobID, "userId": job.UserID,
			"accepted": false, "reason": "system_limit",
		})
		return ErrSystemLimit
	}
	if systemActive+1 >= int64(q.config.WarningThreshold) {
		q.logger.Warn("queue_depth_warning", map[string]any{
			"active":    systemActive + 1,
			"threshold": q.config.WarningThreshold,
			"limit":     q.config.SystemQueueLimit,
		})
	}

	job.Status = types.JobPending
	if job.CreatedAt.IsZero() {
		job.CreatedAt = q.clock()
	}

	if err := q.persistJob(ctx, job); err != nil {
		return err
	}
	if err := q.client.SAdd(ctx, q.keyUser(job.UserID), job.JobID).Err(); err != nil {
		return fmt.Errorf("queue: track user job: %w", err)
	}
	if err := q.client.SAdd(ctx, q.keyActive(), job.JobID).Err(); err != nil {
		return fmt.Errorf("queue: track active job: %w", err)
	}
	if err := q.client.RPush(ctx, q.keyPending(), job.JobID).Err(); err != nil {
		return fmt.Errorf("queue: enqueue: %w", err)
	}

	q.logger.Record(log.RecordJobSubmission, map[string]any{
		"jobId": job.JobID, "userId": job.UserID, "accepted": true,
	})
	q.wakeWorkers()
	return nil
}

// JobStatus loads the persisted job record, or nil if unknown.
func (q *Queue) JobStatus(ctx context.Context, jobID string) (*types.Job, error) {
	data, err := q.client.HGet(ctx, q.keyJobs(), jobID).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("queue: load job %s: %w", jobID, err)
	}
	var job types.Job
	if err := msgpack.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("queue: decode job %s: %w", jobID, err)
	}
	return &job, nil
}

// UpdateProgress persists a new progress value for the job.
// Progress never moves backwards.
func (q *Queue) UpdateProgress(ctx context.Context, jobID string, progress int) error {
	job, err := q.JobStatus(ctx, jobID)
	if err != nil {
		return err
	}
	if job == nil {
		return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	if progress <= job.Progress {
		return nil
	}
	job.Progress = progress
	return q.persistJob(ctx, job)
}

// ActiveCount returns the number of non-terminal jobs.
func (q *Queue) ActiveCount(ctx context.Context) (int64, error) {
	return q.client.SCard(ctx, q.keyActive()).Result()
}

// DeadLetters returns the job IDs parked in the dead-letter partition,
// oldest first. Jobs there are immutable from the queue's perspective
// and await external triage.
func (q *Queue) DeadLetters(ctx context.Context) ([]string, error) {
	return q.client.LRange(ctx, q.keyDead(), 0, -1).Result()
}

// --- lifecycle ---

// Start validates store reachability, recovers orphaned jobs, and
// launches the worker pool. Transient connection errors are retried up
// to three times with exponential backoff.
func (q *Queue) Start(ctx context.Context) error {
	if err := q.connect(ctx); err != nil {
		return err
	}
	if err := q.recoverOrphans(ctx); err != nil {
		return err
	}

	q.timersMu.Lock()
	q.stopping = false
	q.timersMu.Unlock()

	workerCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	q.cancel = cancel

	for i := 0; i < q.config.Concurrency; i++ {
		q.wg.Add(1)
		go q.workerLoop(workerCtx, i)
	}

	q.logger.Info("queue_started", map[string]any{
		"queue":       q.config.Name,
		"concurrency": q.config.Concurrency,
	})
	return nil
}

// Stop halts intake of new claims, fires pending retry timers early so
// their jobs land back on the pending list, and waits for in-flight
// work to finish.
func (q *Queue) Stop() {
	if q.cancel != nil {
		q.cancel()
	}
	q.flushTimers()
	q.wg.Wait()
	q.logger.Info("queue_stopped", map[string]any{"queue": q.config.Name})
}

// connect pings the store, retrying transient failures with the
// configured backoff.
func (q *Queue) connect(ctx context.Context) error {
	var lastErr error
	for attempt := 1; attempt <= connectAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("queue: connect canceled: %w", ctx.Err())
			case <-time.After(q.backoffFor(attempt - 1)):
			}
		}
		if lastErr = q.client.Ping(ctx).Err(); lastErr == nil {
			return nil
		}
	}
	return fmt.Errorf("queue: store unreachable after %d attempts: %w", connectAttempts, lastErr)
}

// recoverOrphans requeues jobs stranded by a previous run: claims its
// workers never finished, and active jobs left off every list (for
// example a retry whose backoff timer died with the process). Their
// worker is gone; they resume from pending.
func (q *Queue) recoverOrphans(ctx context.Context) error {
	pending, err := q.client.LRange(ctx, q.keyPending(), 0, -1).Result()
	if err != nil {
		return fmt.Errorf("queue: scan pending: %w", err)
	}
	listed := make(map[string]bool, len(pending))
	for _, jobID := range pending {
		listed[jobID] = true
	}

	claimed, err := q.client.LRange(ctx, q.keyClaimed(), 0, -1).Result()
	if err != nil {
		return fmt.Errorf("queue: scan claimed: %w", err)
	}
	for _, jobID := range claimed {
		if listed[jobID] {
			continue
		}
		listed[jobID] = true
		if err := q.requeueOrphan(ctx, jobID); err != nil {
			return err
		}
	}
	if err := q.client.Del(ctx, q.keyClaimed()).Err(); err != nil {
		return fmt.Errorf("queue: clear claimed: %w", err)
	}

	active, err := q.client.SMembers(ctx, q.keyActive()).Result()
	if err != nil {
		return fmt.Errorf("queue: scan active: %w", err)
	}
	for _, jobID := range active {
		if listed[jobID] {
			continue
		}
		if err := q.requeueOrphan(ctx, jobID); err != nil {
			return err
		}
	}
	return nil
}

// requeueOrphan puts a stranded non-terminal job back on the pending
// list in the pending state.
func (q *Queue) requeueOrphan(ctx context.Context, jobID string) error {
	job, err := q.JobStatus(ctx, jobID)
	if err != nil {
		return err
	}
	if job == nil {
		return nil
	}
	if job.Status != types.JobProcessing && job.Status != types.JobPending {
		return nil
	}
	from := job.Status
	job.Status = types.JobPending
	if err := q.persistJob(ctx, job); err != nil {
		return err
	}
	if err := q.client.LPush(ctx, q.keyPending(), jobID).Err(); err != nil {
		return fmt.Errorf("queue: requeue orphan %s: %w", jobID, err)
	}
	q.logger.Record(log.RecordStateChange, map[string]any{
		"jobId": jobID, "from": from, "to": types.JobPending,
		"reason": "restart_recovery",
	})
	return nil
}

// backoffFor computes the exponential delay for the given attempt
// (attempt 1 waits the base delay).
func (q *Queue) backoffFor(attempt int) time.Duration {
	mult := math.Pow(q.config.BackoffMultiplier, float64(attempt-1))
	return time.Duration(float64(q.config.BackoffDelay) * mult)
}

func (q *Queue) persistJob(ctx context.Context, job *types.Job) error {
	data, err := msgpack.Marshal(job)
	if err != nil {
		return fmt.Errorf("queue: encode job %s: %w", job.JobID, err)
	}
	if err := q.client.HSet(ctx, q.keyJobs(), job.JobID, data).Err(); err != nil {
		return fmt.Errorf("queue: persist job %s: %w", job.JobID, err)
	}
	return nil
}

// retire removes a terminal job from the active bookkeeping sets.
func (q *Queue) retire(ctx context.Context, job *types.Job) {
	if err := q.client.SRem(ctx, q.keyUser(job.UserID), job.JobID).Err(); err != nil {
		q.logger.Warn("queue_retire_failed", map[string]any{"jobId": job.JobID, "error": err})
	}
	if err := q.client.SRem(ctx, q.keyActive(), job.JobID).Err(); err != nil {
		q.logger.Warn("queue_retire_failed", map[string]any{"jobId": job.JobID, "error": err})
	}
}

func (q *Queue) wakeWorkers() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}
