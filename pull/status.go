// Package pull serves point-in-time job status reads with a short
// snapshot cache, per-job store rate limiting, conditional-read
// support, and owner authorization.
package pull

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"github.com/justapithecus/spriteforge/log"
	"github.com/justapithecus/spriteforge/types"
)

// DefaultSnapshotTTL bounds both snapshot reuse and the per-job store
// lookup rate.
const DefaultSnapshotTTL = 2 * time.Second

// NullETag is the entity tag for a missing snapshot.
const NullETag = `"null"`

// JobStore reads persisted job records.
type JobStore interface {
	JobStatus(ctx context.Context, jobID string) (*types.Job, error)
}

// Result is the outcome of one status read.
type Result struct {
	// Snapshot is the job state, nil when unknown or unauthorized.
	Snapshot *types.Job
	// Modified reports whether the state changed relative to the
	// caller's lastModified, or the read was served fresh.
	Modified bool
	// ETag identifies the snapshot's observable state.
	ETag string
}

type cached struct {
	job       *types.Job
	etag      string
	fetchedAt time.Time
}

// Manager answers job status queries, consulting the store at most
// once per job per TTL window.
type Manager struct {
	store  JobStore
	ttl    time.Duration
	logger *log.Logger
	clock  func() time.Time

	mu         sync.Mutex
	cache      map[string]cached
	lastLookup map[string]time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithSnapshotTTL overrides the cache and rate-limit window.
func WithSnapshotTTL(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.ttl = d
		}
	}
}

// NewManager creates a status manager over the given store.
func NewManager(store JobStore, logger *log.Logger, opts ...Option) *Manager {
	m := &Manager{
		store:      store,
		ttl:        DefaultSnapshotTTL,
		logger:     logger,
		clock:      time.Now,
		cache:      make(map[string]cached),
		lastLookup: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// GetJobStatus returns the job snapshot for jobID.
//
// Reads within the TTL window reuse the cached snapshot. When the
// cache has expired but the store was already consulted for this job
// inside the rate-limit window, the stale snapshot is returned with
// Modified=false rather than issuing another lookup.
//
// A non-empty requestingUserID that does not own the job yields a nil
// snapshot with an empty ETag. A non-nil lastModified at or after the
// job's effective modification time yields Modified=false.
func (m *Manager) GetJobStatus(ctx context.Context, jobID string, lastModified *time.Time, requestingUserID string) (Result, error) {
	now := m.clock()

	m.mu.Lock()
	entry, haveEntry := m.cache[jobID]
	fresh := haveEntry && now.Sub(entry.fetchedAt) < m.ttl
	lookedUp, haveLookup := m.lastLookup[jobID]
	limited := haveLookup && now.Sub(lookedUp) < m.ttl
	m.mu.Unlock()

	switch {
	case fresh:
		m.logger.Record(log.RecordCacheAccess, map[string]any{
			"jobId": jobID, "hit": true, "source": "snapshot",
		})
		return m.respond(entry.job, entry.etag, jobID, lastModified, requestingUserID), nil

	case limited && haveEntry:
		// Stale but inside the rate-limit window: serve what we have
		// without touching the store.
		res := m.respond(entry.job, entry.etag, jobID, lastModified, requestingUserID)
		res.Modified = false
		return res, nil
	}

	m.mu.Lock()
	m.lastLookup[jobID] = now
	m.mu.Unlock()

	job, err := m.store.JobStatus(ctx, jobID)
	if err != nil {
		m.mu.Lock()
		delete(m.cache, jobID)
		m.mu.Unlock()
		return Result{}, err
	}

	etag := ComputeETag(job)
	m.mu.Lock()
	m.cache[jobID] = cached{job: job, etag: etag, fetchedAt: now}
	m.mu.Unlock()

	m.logger.Record(log.RecordCacheAccess, map[string]any{
		"jobId": jobID, "hit": false, "source": "snapshot",
	})
	return m.respond(job, etag, jobID, lastModified, requestingUserID), nil
}

// Invalidate drops any cached snapshot for the job. The rate-limit
// window is left intact.
func (m *Manager) Invalidate(jobID string) {
	m.mu.Lock()
	delete(m.cache, jobID)
	m.mu.Unlock()
}

// respond applies authorization and conditional-read policy to a
// snapshot.
func (m *Manager) respond(job *types.Job, etag, jobID string, lastModified *time.Time, requestingUserID string) Result {
	if job == nil {
		return Result{Snapshot: nil, Modified: true, ETag: NullETag}
	}

	if requestingUserID != "" && requestingUserID != job.UserID {
		m.logger.Warn("unauthorized_status_access", map[string]any{
			"jobId": jobID, "requestingUserId": requestingUserID,
		})
		return Result{Snapshot: nil, Modified: true, ETag: ""}
	}

	modified := true
	if lastModified != nil && !job.EffectiveModTime().After(*lastModified) {
		modified = false
	}
	return Result{Snapshot: job, Modified: modified, ETag: etag}
}

// etagState is the observable job state covered by the entity tag.
type etagState struct {
	JobID        string     `json:"jobId"`
	Status       string     `json:"status"`
	Progress     int        `json:"progress"`
	CompletedAt  *time.Time `json:"completedAt"`
	ErrorMessage string     `json:"errorMessage"`
	HasResult    bool       `json:"hasResult"`
}

// ComputeETag derives a deterministic entity tag for the snapshot:
// stable while the observable state holds, distinct once any covered
// field changes. A nil snapshot maps to NullETag.
func ComputeETag(job *types.Job) string {
	if job == nil {
		return NullETag
	}
	state := etagState{
		JobID:        job.JobID,
		Status:       string(job.Status),
		Progress:     job.Progress,
		CompletedAt:  job.CompletedAt,
		ErrorMessage: job.ErrorMessage,
		HasResult:    job.Result != nil,
	}
	data, err := json.Marshal(state)
	if err != nil {
		return NullETag
	}
	sum := sha256.Sum256(data)
	return `"` + hex.EncodeToString(sum[:]) + `"`
}
