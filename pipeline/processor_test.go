package pipeline

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/justapithecus/spriteforge/cache"
	"github.com/justapithecus/spriteforge/generr"
	"github.com/justapithecus/spriteforge/log"
	"github.com/justapithecus/spriteforge/progress"
	"github.com/justapithecus/spriteforge/provider"
	"github.com/justapithecus/spriteforge/types"
)

// fakeGenerator scripts the provider's submit/poll lifecycle.
type fakeGenerator struct {
	mu          sync.Mutex
	submitErr   error
	submitCalls int
	polls       []provider.StatusResponse
	pollErr     error
	pollCalls   int
	frames      map[string][]byte
}

func (g *fakeGenerator) Submit(ctx context.Context, req *provider.GenerationRequest) (*provider.SubmitResponse, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.submitCalls++
	if g.submitErr != nil {
		return nil, g.submitErr
	}
	return &provider.SubmitResponse{ExternalJobID: "ext-1"}, nil
}

func (g *fakeGenerator) PollStatus(ctx context.Context, externalJobID string) (*provider.StatusResponse, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.pollErr != nil {
		return nil, g.pollErr
	}
	idx := g.pollCalls
	if idx >= len(g.polls) {
		idx = len(g.polls) - 1
	}
	g.pollCalls++
	res := g.polls[idx]
	return &res, nil
}

func (g *fakeGenerator) FetchFrame(ctx context.Context, frameURL string) ([]byte, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	data, ok := g.frames[frameURL]
	if !ok {
		return nil, errors.New("frame not found")
	}
	return data, nil
}

// fakeCache records Set calls and serves scripted Get results.
type fakeCache struct {
	mu      sync.Mutex
	entries map[string]*types.CacheEntry
}

func newFakeCache() *fakeCache {
	return &fakeCache{entries: make(map[string]*types.CacheEntry)}
}

func (c *fakeCache) Get(ctx context.Context, key string) cache.GetResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	if entry, ok := c.entries[key]; ok {
		return cache.GetResult{Hit: true, Entry: entry, Source: cache.TierVolatile}
	}
	return cache.GetResult{}
}

func (c *fakeCache) Set(ctx context.Context, key string, entry *types.CacheEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = entry
}

// nullStore discards progress updates.
type nullStore struct{}

func (nullStore) UpdateProgress(ctx context.Context, jobID string, p int) error { return nil }

// recordingPush captures broadcast records.
type recordingPush struct {
	mu      sync.Mutex
	records []*types.ProgressRecord
}

func (p *recordingPush) Broadcast(userID string, record *types.ProgressRecord) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.records = append(p.records, record)
}

func (p *recordingPush) all() []*types.ProgressRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*types.ProgressRecord(nil), p.records...)
}

func processorFixture(t *testing.T, gen *fakeGenerator) (*Processor, *fakeCache, *recordingPush, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	logger := log.NewLogger().WithOutput(&buf)
	push := &recordingPush{}
	tracker := progress.NewTracker(nullStore{}, push, logger, progress.WithInterval(time.Millisecond))
	store := newFakeCache()
	return NewProcessor(gen, store, tracker, logger), store, push, &buf
}

func processorJob() *types.Job {
	return &types.Job{
		JobID:    "job-1",
		UserID:   "user-1",
		CacheKey: "cache:abc",
		StructuredPrompt: types.StructuredRequest{
			Type:        "creature",
			Description: "fire drake",
			Size:        types.Size{Width: 64, Height: 64},
		},
	}
}

func b64(data []byte) string { return base64.StdEncoding.EncodeToString(data) }

func TestProcess_HappyPath(t *testing.T) {
	south := []byte{0x89, 0x50, 0x4e, 0x47}
	west := []byte{0x01, 0x02, 0x03}
	gen := &fakeGenerator{
		polls: []provider.StatusResponse{
			{Progress: 40, Status: "processing"},
			{Progress: 100, Status: "completed", CharacterData: &provider.CharacterData{
				Width: 64, Height: 64,
				Rotations: []provider.Rotation{
					{Direction: "south", Base64: b64(south)},
					{Direction: "west", Base64: b64(west)},
				},
			}},
		},
	}
	p, store, push, _ := processorFixture(t, gen)
	job := processorJob()

	if err := p.Process(context.Background(), job); err != nil {
		t.Fatalf("process: %v", err)
	}

	if job.Result == nil {
		t.Fatal("result not attached to job")
	}
	if got := len(job.Result.Frames); got != 2 {
		t.Fatalf("frames = %d, want 2", got)
	}
	if !bytes.Equal(job.Result.Frames[0], south) || !bytes.Equal(job.Result.Frames[1], west) {
		t.Fatal("frames not decoded in order")
	}
	meta := job.Result.Metadata
	if meta.FrameCount != 2 || meta.ExternalJobID != "ext-1" || meta.CacheHit {
		t.Fatalf("metadata = %+v", meta)
	}
	if meta.Dimensions != (types.Size{Width: 64, Height: 64}) {
		t.Fatalf("dimensions = %+v", meta.Dimensions)
	}

	entry := store.entries["cache:abc"]
	if entry == nil {
		t.Fatal("result not cached")
	}
	if !entry.ExpiresAt.After(entry.CreatedAt) {
		t.Error("cache entry must expire after creation")
	}
	if entry.Hits != 0 {
		t.Errorf("fresh entry hits = %d, want 0", entry.Hits)
	}

	records := push.all()
	if len(records) < 2 {
		t.Fatalf("broadcasts = %d, want at least state change and completion", len(records))
	}
	first, last := records[0], records[len(records)-1]
	if first.Status != types.JobProcessing || first.Progress != 10 {
		t.Errorf("first broadcast = %d%% %s, want 10%% processing", first.Progress, first.Status)
	}
	if last.Status != types.JobCompleted || last.Progress != 100 {
		t.Errorf("last broadcast = %d%% %s, want 100%% completed", last.Progress, last.Status)
	}
	if last.Result == nil || last.Result.FrameCount != 2 {
		t.Error("completion broadcast missing result metadata")
	}
}

func TestProcess_ValidatesJob(t *testing.T) {
	gen := &fakeGenerator{}
	p, _, _, _ := processorFixture(t, gen)

	cases := []struct {
		name   string
		mutate func(*types.Job)
	}{
		{"missing job id", func(j *types.Job) { j.JobID = "" }},
		{"missing user id", func(j *types.Job) { j.UserID = "" }},
		{"missing cache key", func(j *types.Job) { j.CacheKey = "" }},
		{"missing prompt", func(j *types.Job) {
			j.StructuredPrompt.Description = ""
			j.StructuredPrompt.Raw = ""
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			job := processorJob()
			tc.mutate(job)
			err := p.Process(context.Background(), job)
			var v *generr.ValidationError
			if !errors.As(err, &v) {
				t.Fatalf("err = %v, want validation error", err)
			}
		})
	}
	if gen.submitCalls != 0 {
		t.Errorf("submit calls = %d, want 0 for invalid jobs", gen.submitCalls)
	}
}

func TestProcess_SubmissionErrorStaged(t *testing.T) {
	gen := &fakeGenerator{submitErr: &provider.StatusError{Code: 503}}
	p, _, _, buf := processorFixture(t, gen)

	err := p.Process(context.Background(), processorJob())
	if err == nil {
		t.Fatal("expected submission error")
	}
	if !strings.HasPrefix(err.Error(), "submission:") {
		t.Errorf("err = %v, want submission stage prefix", err)
	}
	// The wrapped transport error still classifies by status code.
	if c := generr.Classify(err); c.Type != generr.TypeNetwork || !c.Retryable {
		t.Errorf("classified as %s retryable=%v, want retryable network", c.Type, c.Retryable)
	}
	if !strings.Contains(buf.String(), `"stage":"submission"`) {
		t.Error("expected a staged error record")
	}
}

func TestProcess_ProviderFailure(t *testing.T) {
	gen := &fakeGenerator{
		polls: []provider.StatusResponse{
			{Progress: 20, Status: "failed", Error: "nsfw content rejected"},
		},
	}
	p, _, _, _ := processorFixture(t, gen)

	err := p.Process(context.Background(), processorJob())
	if err == nil || !strings.Contains(err.Error(), "nsfw content rejected") {
		t.Fatalf("err = %v, want provider failure reason", err)
	}
}

func TestProcess_MalformedFrames(t *testing.T) {
	gen := &fakeGenerator{
		polls: []provider.StatusResponse{
			{Progress: 100, Status: "completed", CharacterData: &provider.CharacterData{
				Rotations: []provider.Rotation{{Direction: "south", Base64: "%%%not-base64%%%"}},
			}},
		},
	}
	p, store, _, _ := processorFixture(t, gen)

	err := p.Process(context.Background(), processorJob())
	var v *generr.ValidationError
	if !errors.As(err, &v) {
		t.Fatalf("err = %v, want validation error", err)
	}
	if len(store.entries) != 0 {
		t.Error("malformed result must not be cached")
	}
}

func TestProcess_EmptyCompletion(t *testing.T) {
	gen := &fakeGenerator{
		polls: []provider.StatusResponse{{Progress: 100, Status: "completed"}},
	}
	p, _, _, _ := processorFixture(t, gen)

	err := p.Process(context.Background(), processorJob())
	var v *generr.ValidationError
	if !errors.As(err, &v) {
		t.Fatalf("err = %v, want validation error for frameless completion", err)
	}
}

func TestProcess_HostedFramesFetched(t *testing.T) {
	frame := []byte{0xCA, 0xFE}
	gen := &fakeGenerator{
		frames: map[string][]byte{"https://cdn.example/f1.png": frame},
		polls: []provider.StatusResponse{
			{Progress: 100, Status: "completed", CharacterData: &provider.CharacterData{
				Rotations: []provider.Rotation{{Direction: "south", URL: "https://cdn.example/f1.png"}},
			}},
		},
	}
	p, _, _, _ := processorFixture(t, gen)
	job := processorJob()

	if err := p.Process(context.Background(), job); err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(job.Result.Frames) != 1 || !bytes.Equal(job.Result.Frames[0], frame) {
		t.Fatal("hosted frame not fetched")
	}
}

func TestTranslateRequest(t *testing.T) {
	scale := 7.5
	prompt := &types.StructuredRequest{
		Description: "fire drake",
		Size:        types.Size{Width: 48, Height: 48},
		Options: &types.GenerationOptions{
			TextGuidanceScale: &scale,
			PaletteImage:      "UEFMRVRURQ==",
		},
	}
	req := translateRequest(prompt)
	if req.Description != "fire drake" || req.Size != 48 {
		t.Fatalf("request = %+v", req)
	}
	if req.TextGuidanceScale == nil || *req.TextGuidanceScale != 7.5 {
		t.Error("textGuidanceScale not mapped")
	}
	if req.InitImage != "UEFMRVRURQ==" {
		t.Error("paletteImage not mapped to initImage")
	}

	// Raw text backs an empty description.
	fallback := translateRequest(&types.StructuredRequest{Raw: "a knight", Size: types.Size{Width: 32}})
	if fallback.Description != "a knight" {
		t.Errorf("fallback description = %q", fallback.Description)
	}
}
