// Package server exposes the pipeline over HTTP: job submission, the
// server-sent event stream, pull status with conditional reads, and a
// health probe.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/justapithecus/spriteforge/log"
	"github.com/justapithecus/spriteforge/pipeline"
	"github.com/justapithecus/spriteforge/pull"
	"github.com/justapithecus/spriteforge/push"
	"github.com/justapithecus/spriteforge/types"
)

// DefaultAddr is the default listen address.
const DefaultAddr = ":8080"

// userHeader carries the authenticated user identity, set by the
// fronting auth layer.
const userHeader = "X-User-ID"

// Submitter admits generation requests.
type Submitter interface {
	Submit(ctx context.Context, userID string, req *types.StructuredRequest) (*pipeline.SubmitResult, error)
}

// StatusReader answers pull status queries.
type StatusReader interface {
	GetJobStatus(ctx context.Context, jobID string, lastModified *time.Time, requestingUserID string) (pull.Result, error)
}

// Config configures the HTTP server.
type Config struct {
	// Addr is the listen address (default ":8080").
	Addr string
	// ReadTimeout bounds request reads. The write side stays unbounded
	// because event streams are long-lived.
	ReadTimeout time.Duration
}

// Server is the HTTP front of the pipeline.
type Server struct {
	submitter Submitter
	sessions  *push.Manager
	status    StatusReader
	logger    *log.Logger
	httpSrv   *http.Server

	// done releases long-lived event streams during shutdown.
	done chan struct{}
}

// New creates the server and wires its routes.
func New(cfg Config, submitter Submitter, sessions *push.Manager, status StatusReader, logger *log.Logger) *Server {
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 30 * time.Second
	}

	s := &Server{
		submitter: submitter,
		sessions:  sessions,
		status:    status,
		logger:    logger,
		done:      make(chan struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/generate", s.handleGenerate)
	mux.HandleFunc("GET /api/events", s.handleEvents)
	mux.HandleFunc("GET /api/status/{jobId}", s.handleStatus)
	mux.HandleFunc("GET /healthz", s.handleHealth)

	s.httpSrv = &http.Server{
		Addr:        cfg.Addr,
		Handler:     mux,
		ReadTimeout: cfg.ReadTimeout,
	}
	return s
}

// Handler returns the route table, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// ListenAndServe blocks serving requests until Shutdown.
func (s *Server) ListenAndServe() error {
	s.logger.Info("server_listening", map[string]any{"addr": s.httpSrv.Addr})
	err := s.httpSrv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown releases open event streams and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	close(s.done)
	return s.httpSrv.Shutdown(ctx)
}

// generateResponse is the submission reply. Result metadata rides
// along on cache hits; frame bytes are fetched via the status route.
type generateResponse struct {
	Accepted    bool                  `json:"accepted"`
	JobID       string                `json:"jobId"`
	CacheHit    bool                  `json:"cacheHit"`
	DuplicateOf string                `json:"duplicateOf,omitempty"`
	Reason      string                `json:"reason,omitempty"`
	Result      *types.ResultMetadata `json:"result,omitempty"`
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get(userHeader)
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "missing user identity")
		return
	}

	var req types.StructuredRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	res, err := s.submitter.Submit(r.Context(), userID, &req)
	if err != nil {
		s.logger.ErrorRecord(log.RecordError, map[string]any{
			"route": "generate", "userId": userID, "error": err,
		})
		writeError(w, http.StatusInternalServerError, "submission failed")
		return
	}

	resp := generateResponse{
		Accepted:    res.Accepted,
		JobID:       res.JobID,
		CacheHit:    res.CacheHit,
		DuplicateOf: res.DuplicateOf,
		Reason:      res.Reason,
	}
	if res.Result != nil {
		meta := res.Result.Metadata
		resp.Result = &meta
	}

	status := http.StatusAccepted
	switch {
	case !res.Accepted:
		status = http.StatusTooManyRequests
	case res.CacheHit:
		status = http.StatusOK
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		userID = r.Header.Get(userHeader)
	}
	if userID == "" {
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}

	sessionID, err := s.sessions.Register(userID, w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not open event stream")
		return
	}

	// Hold the connection until the client goes away or the server
	// shuts down.
	select {
	case <-r.Context().Done():
	case <-s.done:
	}
	s.sessions.CloseSession(userID, sessionID)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("jobId")
	requestingUser := r.Header.Get(userHeader)

	var lastModified *time.Time
	if ims := r.Header.Get("If-Modified-Since"); ims != "" {
		if at, err := http.ParseTime(ims); err == nil {
			lastModified = &at
		}
	}

	res, err := s.status.GetJobStatus(r.Context(), jobID, lastModified, requestingUser)
	if err != nil {
		s.logger.ErrorRecord(log.RecordError, map[string]any{
			"route": "status", "jobId": jobID, "error": err,
		})
		writeError(w, http.StatusInternalServerError, "status lookup failed")
		return
	}
	if res.Snapshot == nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}

	if res.ETag != "" {
		w.Header().Set("ETag", res.ETag)
	}
	w.Header().Set("Last-Modified", res.Snapshot.EffectiveModTime().UTC().Format(http.TimeFormat))

	inm := r.Header.Get("If-None-Match")
	if (inm != "" && inm == res.ETag) || !res.Modified {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	writeJSON(w, http.StatusOK, res.Snapshot)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
