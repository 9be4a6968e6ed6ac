package queue

import (
	"context"
	"errors"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/justapithecus/spriteforge/generr"
	"github.com/justapithecus/spriteforge/log"
	"github.com/justapithecus/spriteforge/types"
)

// workerLoop claims pending jobs in FIFO order until the context is
// canceled. Idle workers wait on the poll ticker or a wake signal.
// A claim atomically moves the job ID from the pending list to the
// claimed list, so a claimed job is always on one list or the other.
func (q *Queue) workerLoop(ctx context.Context, id int) {
	defer q.wg.Done()

	ticker := time.NewTicker(q.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-q.wake:
		case <-ticker.C:
		}

		// Drain available work before going idle again.
		for {
			if ctx.Err() != nil {
				return
			}
			jobID, err := q.client.LMove(ctx, q.keyPending(), q.keyClaimed(), "LEFT", "RIGHT").Result()
			if errors.Is(err, goredis.Nil) {
				break
			}
			if err != nil {
				q.logger.Warn("queue_claim_failed", map[string]any{"worker": id, "error": err})
				break
			}
			q.runJob(ctx, jobID)
		}
	}
}

// runJob executes one claimed job to a terminal or requeued state.
// Claims that bail before the handler runs are released back to the
// pending list; finished claims are acknowledged off the claimed list.
func (q *Queue) runJob(ctx context.Context, jobID string) {
	job, err := q.JobStatus(ctx, jobID)
	if err != nil {
		q.logger.Warn("queue_load_failed", map[string]any{"jobId": jobID, "error": err})
		q.release(jobID)
		return
	}
	if job == nil {
		q.logger.Warn("queue_claim_unknown_job", map[string]any{"jobId": jobID})
		q.ack(jobID)
		return
	}

	now := q.clock()
	job.Status = types.JobProcessing
	if job.StartedAt == nil {
		job.StartedAt = &now
	}
	if err := q.persistJob(ctx, job); err != nil {
		q.logger.Warn("queue_persist_failed", map[string]any{"jobId": jobID, "error": err})
		q.release(jobID)
		return
	}
	q.logger.Record(log.RecordStateChange, map[string]any{
		"jobId": job.JobID, "from": types.JobPending, "to": types.JobProcessing,
	})

	procErr := q.handler.Process(ctx, job)
	if procErr == nil {
		q.complete(ctx, job)
	} else {
		q.fail(ctx, job, procErr)
	}
	q.ack(jobID)
}

// release returns an unstarted claim to the front of the pending list.
// Uses a detached context: releases must survive worker cancellation.
func (q *Queue) release(jobID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := q.client.LPush(ctx, q.keyPending(), jobID).Err(); err != nil {
		// Still on the claimed list; restart recovery will requeue it.
		q.logger.Warn("queue_release_failed", map[string]any{"jobId": jobID, "error": err})
		return
	}
	if err := q.client.LRem(ctx, q.keyClaimed(), 1, jobID).Err(); err != nil {
		q.logger.Warn("queue_release_failed", map[string]any{"jobId": jobID, "error": err})
	}
}

// ack drops a finished claim from the claimed list.
func (q *Queue) ack(jobID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := q.client.LRem(ctx, q.keyClaimed(), 1, jobID).Err(); err != nil {
		q.logger.Warn("queue_ack_failed", map[string]any{"jobId": jobID, "error": err})
	}
}

func (q *Queue) complete(ctx context.Context, job *types.Job) {
	now := q.clock()
	job.Status = types.JobCompleted
	job.CompletedAt = &now
	job.Progress = 100
	job.ErrorMessage = ""
	if err := q.persistJob(ctx, job); err != nil {
		q.logger.Warn("queue_persist_failed", map[string]any{"jobId": job.JobID, "error": err})
	}
	q.retire(ctx, job)
	q.logger.Record(log.RecordStateChange, map[string]any{
		"jobId": job.JobID, "from": types.JobProcessing, "to": types.JobCompleted,
	})
}

// fail applies the retry policy to a failed job: retryable failures
// requeue with backoff until retries are exhausted, exhausted jobs move
// to the dead-letter partition, and non-retryable failures terminate
// as failed.
func (q *Queue) fail(ctx context.Context, job *types.Job, procErr error) {
	classified := generr.Classify(procErr)
	job.ErrorMessage = classified.UserMessage

	q.logger.ErrorRecord(log.RecordError, map[string]any{
		"jobId":     job.JobID,
		"errorType": string(classified.Type),
		"retryable": classified.Retryable,
		"details":   classified.TechnicalDetails,
	})

	if classified.Retryable && job.RetryCount < q.config.MaxRetries {
		job.RetryCount++
		job.Status = types.JobPending
		if err := q.persistJob(ctx, job); err != nil {
			q.logger.Warn("queue_persist_failed", map[string]any{"jobId": job.JobID, "error": err})
			return
		}

		delay := q.backoffFor(job.RetryCount)
		if classified.RetryAfter > delay {
			delay = classified.RetryAfter
		}
		q.logger.Record(log.RecordRetry, map[string]any{
			"jobId": job.JobID, "retryCount": job.RetryCount, "delayMs": delay.Milliseconds(),
		})
		q.scheduleRequeue(job.JobID, delay)
		return
	}

	now := q.clock()
	job.CompletedAt = &now

	if classified.Retryable {
		// Retries exhausted: park in the dead-letter partition.
		job.Status = types.JobDead
		if err := q.persistJob(ctx, job); err != nil {
			q.logger.Warn("queue_persist_failed", map[string]any{"jobId": job.JobID, "error": err})
		}
		if err := q.client.RPush(ctx, q.keyDead(), job.JobID).Err(); err != nil {
			q.logger.Warn("queue_dlq_push_failed", map[string]any{"jobId": job.JobID, "error": err})
		}
		q.retire(ctx, job)
		q.logger.Record(log.RecordDLQMove, map[string]any{
			"jobId":      job.JobID,
			"retryCount": job.RetryCount,
			"reason":     classified.TechnicalDetails,
		})
		q.notifyStateChange(job, types.JobDead)
		return
	}

	job.Status = types.JobFailed
	if err := q.persistJob(ctx, job); err != nil {
		q.logger.Warn("queue_persist_failed", map[string]any{"jobId": job.JobID, "error": err})
	}
	q.retire(ctx, job)
	q.logger.Record(log.RecordStateChange, map[string]any{
		"jobId": job.JobID, "from": types.JobProcessing, "to": types.JobFailed,
		"errorType": string(classified.Type),
	})
	q.notifyStateChange(job, types.JobFailed)
}

// notifyStateChange fans a terminal failure out to connected clients.
func (q *Queue) notifyStateChange(job *types.Job, to types.JobStatus) {
	if q.notifier == nil {
		return
	}
	q.notifier.BroadcastStateChange(job.JobID, job.UserID, types.JobProcessing, to)
}

// scheduleRequeue puts the job back on the pending list after delay.
// Stop fires outstanding timers early so no requeue is lost; a requeue
// scheduled once shutdown has begun skips the delay entirely so Stop
// never waits out a backoff.
func (q *Queue) scheduleRequeue(jobID string, delay time.Duration) {
	q.timersMu.Lock()
	if q.stopping {
		q.timersMu.Unlock()
		q.requeue(jobID)
		return
	}
	q.wg.Add(1)
	q.timers[jobID] = time.AfterFunc(delay, func() {
		defer q.wg.Done()
		q.timersMu.Lock()
		delete(q.timers, jobID)
		q.timersMu.Unlock()
		q.requeue(jobID)
	})
	q.timersMu.Unlock()
}

// flushTimers marks the queue as stopping and fires all pending retry
// timers immediately.
func (q *Queue) flushTimers() {
	q.timersMu.Lock()
	q.stopping = true
	pending := make([]string, 0, len(q.timers))
	for jobID, timer := range q.timers {
		if timer.Stop() {
			pending = append(pending, jobID)
			delete(q.timers, jobID)
		}
	}
	q.timersMu.Unlock()

	for _, jobID := range pending {
		q.requeue(jobID)
		q.wg.Done()
	}
}

func (q *Queue) requeue(jobID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := q.client.RPush(ctx, q.keyPending(), jobID).Err(); err != nil {
		q.logger.Warn("queue_requeue_failed", map[string]any{"jobId": jobID, "error": err})
		return
	}
	q.wakeWorkers()
}

// Verify HandlerFunc satisfies Handler.
var _ Handler = (HandlerFunc)(nil)
