package push

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/justapithecus/spriteforge/log"
	"github.com/justapithecus/spriteforge/types"
)

// brokenWriter fails every write, standing in for a client that went
// away mid-stream.
type brokenWriter struct {
	header http.Header
}

func newBrokenWriter() *brokenWriter {
	return &brokenWriter{header: make(http.Header)}
}

func (w *brokenWriter) Header() http.Header       { return w.header }
func (w *brokenWriter) Write([]byte) (int, error) { return 0, errors.New("connection closed") }
func (w *brokenWriter) WriteHeader(int)           {}

func managerFixture(t *testing.T, opts ...Option) (*Manager, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	m := NewManager(log.NewLogger().WithOutput(&buf), opts...)
	t.Cleanup(m.CloseAll)
	return m, &buf
}

func record(jobID string, progress int) *types.ProgressRecord {
	return &types.ProgressRecord{
		JobID:     jobID,
		UserID:    "user-1",
		Status:    types.JobProcessing,
		Progress:  progress,
		Timestamp: time.Unix(1700000000, 0).UTC(),
	}
}

// frames splits an event stream body into its individual messages.
func frames(body string) []string {
	parts := strings.Split(body, "\n\n")
	out := parts[:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func TestRegister_HeadersAndHello(t *testing.T) {
	m, _ := managerFixture(t)
	rec := httptest.NewRecorder()

	sessionID, err := m.Register("user-1", rec)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if sessionID == "" {
		t.Fatal("empty session id")
	}

	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content type = %q", ct)
	}
	if cc := rec.Header().Get("Cache-Control"); cc != "no-cache" {
		t.Errorf("cache control = %q", cc)
	}

	msgs := frames(rec.Body.String())
	if len(msgs) != 1 {
		t.Fatalf("frames = %d, want 1 hello", len(msgs))
	}
	if !strings.HasPrefix(msgs[0], "data: ") {
		t.Fatalf("hello frame = %q, want data: prefix", msgs[0])
	}

	var hello connectedHello
	if err := json.Unmarshal([]byte(strings.TrimPrefix(msgs[0], "data: ")), &hello); err != nil {
		t.Fatalf("decode hello: %v", err)
	}
	if hello.Type != "connected" || hello.SessionID != sessionID {
		t.Fatalf("hello = %+v", hello)
	}
}

func TestBroadcast_ReachesAllUserSessions(t *testing.T) {
	m, _ := managerFixture(t)

	tab1 := httptest.NewRecorder()
	tab2 := httptest.NewRecorder()
	other := httptest.NewRecorder()
	if _, err := m.Register("user-1", tab1); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := m.Register("user-1", tab2); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := m.Register("user-2", other); err != nil {
		t.Fatalf("register: %v", err)
	}

	m.Broadcast("user-1", record("job-1", 42))

	for i, rec := range []*httptest.ResponseRecorder{tab1, tab2} {
		if !strings.Contains(rec.Body.String(), `"progress":42`) {
			t.Errorf("session %d missing broadcast: %q", i, rec.Body.String())
		}
	}
	if strings.Contains(other.Body.String(), "job-1") {
		t.Error("broadcast leaked to another user's session")
	}
}

func TestBroadcast_FrameFormat(t *testing.T) {
	m, _ := managerFixture(t)
	rec := httptest.NewRecorder()
	if _, err := m.Register("user-1", rec); err != nil {
		t.Fatalf("register: %v", err)
	}

	m.Broadcast("user-1", record("job-1", 50))

	msgs := frames(rec.Body.String())
	if len(msgs) != 2 {
		t.Fatalf("frames = %d, want hello + broadcast", len(msgs))
	}
	payload := strings.TrimPrefix(msgs[1], "data: ")
	if strings.ContainsAny(payload, "\n") {
		t.Fatal("payload must be a single compact line")
	}

	var got types.ProgressRecord
	if err := json.Unmarshal([]byte(payload), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.JobID != "job-1" || got.Progress != 50 {
		t.Fatalf("decoded record = %+v", got)
	}
}

func TestBroadcast_FailedSinkRemovedOthersSurvive(t *testing.T) {
	m, buf := managerFixture(t)

	healthy := httptest.NewRecorder()
	if _, err := m.Register("user-1", healthy); err != nil {
		t.Fatalf("register healthy: %v", err)
	}

	// A broken sink fails its hello and is never tracked.
	if _, err := m.Register("user-1", newBrokenWriter()); err == nil {
		t.Fatal("expected register to surface the hello write failure")
	}

	// A sink that breaks after registration is dropped on broadcast.
	late := &flakyWriter{failAfter: 1}
	if _, err := m.Register("user-1", late); err != nil {
		t.Fatalf("register flaky: %v", err)
	}
	if m.SessionCount("user-1") != 2 {
		t.Fatalf("session count = %d, want 2", m.SessionCount("user-1"))
	}

	m.Broadcast("user-1", record("job-1", 10))

	if m.SessionCount("user-1") != 1 {
		t.Fatalf("session count after failure = %d, want 1", m.SessionCount("user-1"))
	}
	if !strings.Contains(healthy.Body.String(), "job-1") {
		t.Error("healthy session missed the broadcast")
	}
	if !strings.Contains(buf.String(), "push_write_failed") {
		t.Error("expected a push_write_failed log record")
	}

	// Later broadcasts still work for the survivor.
	m.Broadcast("user-1", record("job-1", 90))
	if !strings.Contains(healthy.Body.String(), `"progress":90`) {
		t.Error("survivor missed the follow-up broadcast")
	}
}

// flakyWriter succeeds failAfter writes, then fails.
type flakyWriter struct {
	header    http.Header
	writes    int
	failAfter int
}

func (w *flakyWriter) Header() http.Header {
	if w.header == nil {
		w.header = make(http.Header)
	}
	return w.header
}

func (w *flakyWriter) Write(p []byte) (int, error) {
	w.writes++
	if w.writes > w.failAfter {
		return 0, errors.New("broken pipe")
	}
	return len(p), nil
}

func (w *flakyWriter) WriteHeader(int) {}

func TestCloseSession_Idempotent(t *testing.T) {
	m, _ := managerFixture(t)
	rec := httptest.NewRecorder()
	sessionID, err := m.Register("user-1", rec)
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	m.CloseSession("user-1", sessionID)
	m.CloseSession("user-1", sessionID)
	m.CloseSession("user-1", "never-existed")

	if m.SessionCount("user-1") != 0 {
		t.Fatalf("session count = %d, want 0", m.SessionCount("user-1"))
	}

	// Closed sessions receive nothing further.
	before := rec.Body.Len()
	m.Broadcast("user-1", record("job-1", 99))
	if rec.Body.Len() != before {
		t.Error("closed session received a broadcast")
	}
}

func TestCloseAll(t *testing.T) {
	m, _ := managerFixture(t)
	for _, user := range []string{"user-1", "user-1", "user-2"} {
		if _, err := m.Register(user, httptest.NewRecorder()); err != nil {
			t.Fatalf("register: %v", err)
		}
	}

	m.CloseAll()

	if m.SessionCount("user-1") != 0 || m.SessionCount("user-2") != 0 {
		t.Fatal("sessions remain after CloseAll")
	}
}

// lockedWriter is a sink safe to inspect while the keep-alive
// goroutine writes to it.
type lockedWriter struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	header http.Header
}

func (w *lockedWriter) Header() http.Header {
	if w.header == nil {
		w.header = make(http.Header)
	}
	return w.header
}

func (w *lockedWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Write(p)
}

func (w *lockedWriter) WriteHeader(int) {}

func (w *lockedWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.String()
}

func TestKeepAlive_CommentFrames(t *testing.T) {
	m, _ := managerFixture(t, WithKeepAliveInterval(5*time.Millisecond))
	sink := &lockedWriter{}
	if _, err := m.Register("user-1", sink); err != nil {
		t.Fatalf("register: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if strings.Contains(sink.String(), ":keep-alive\n\n") {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("no keep-alive frame observed")
}
