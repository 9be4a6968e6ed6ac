package cache

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/justapithecus/spriteforge/log"
	"github.com/justapithecus/spriteforge/types"
)

func testEntry(key string) *types.CacheEntry {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &types.CacheEntry{
		CacheKey: key,
		UserID:   "user-1",
		StructuredPrompt: types.StructuredRequest{
			Type: "creature", Style: "pixel-art", Action: "idle",
			Description: "a small red dragon", Raw: "tiny dragon",
			Size: types.Size{Width: 64, Height: 64},
		},
		Result: &types.GenerationResult{
			JobID:  "job-1",
			Frames: [][]byte{{0x89, 0x50, 0x4e, 0x47, 0x00}, {0xff, 0xd8, 0xff}},
			Metadata: types.ResultMetadata{
				Dimensions: types.Size{Width: 64, Height: 64},
				FrameCount: 2,
			},
		},
		CreatedAt:      now,
		ExpiresAt:      now.Add(30 * 24 * time.Hour),
		Hits:           0,
		LastAccessedAt: now,
	}
}

type fixture struct {
	cache   *TwoTier
	fast    *RedisTier
	durable *ObjectTier
	store   *MemoryStore
	redis   *miniredis.Miniredis
	client  *goredis.Client
	logBuf  *bytes.Buffer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	var buf bytes.Buffer
	logger := log.NewLogger().WithOutput(&buf)

	store := NewMemoryStore()
	fast := NewRedisTier(client, 30*24*time.Hour, logger)
	durable := NewObjectTier(store, logger)

	return &fixture{
		cache:   NewTwoTier(fast, durable, logger),
		fast:    fast,
		durable: durable,
		store:   store,
		redis:   mr,
		client:  client,
		logBuf:  &buf,
	}
}

func TestSetGet_RoundTripFromVolatile(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	entry := testEntry("cache:abc")

	f.cache.Set(ctx, "cache:abc", entry)

	res := f.cache.Get(ctx, "cache:abc")
	if !res.Hit {
		t.Fatal("expected hit after set")
	}
	if res.Source != TierVolatile {
		t.Fatalf("expected volatile source, got %s", res.Source)
	}
	if len(res.Entry.Result.Frames) != 2 {
		t.Fatalf("expected 2 frames, got %d", len(res.Entry.Result.Frames))
	}
	for i, frame := range res.Entry.Result.Frames {
		if !bytes.Equal(frame, entry.Result.Frames[i]) {
			t.Fatalf("frame %d not byte-exact: %x vs %x", i, frame, entry.Result.Frames[i])
		}
	}
	f.cache.Wait()
}

func TestSet_WritesBothTiers(t *testing.T) {
	f := newFixture(t)
	f.cache.Set(context.Background(), "cache:abc", testEntry("cache:abc"))

	if !f.redis.Exists("cache:abc") {
		t.Error("volatile tier missing entry")
	}
	if f.store.Len() != 1 {
		t.Errorf("durable tier has %d objects, want 1", f.store.Len())
	}
	if _, err := f.store.Get(context.Background(), DocumentPrefix+"cache:abc"); err != nil {
		t.Errorf("durable document missing: %v", err)
	}
}

func TestGet_TouchIncrementsHitsAndKeepsTTL(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.cache.Set(ctx, "cache:abc", testEntry("cache:abc"))

	ttlBefore := f.redis.TTL("cache:abc")

	res := f.cache.Get(ctx, "cache:abc")
	if !res.Hit {
		t.Fatal("expected hit")
	}
	// The caller-visible entry is pre-touch.
	if res.Entry.Hits != 0 {
		t.Fatalf("caller should see pre-touch hits, got %d", res.Entry.Hits)
	}
	f.cache.Wait()

	entry, ok, err := f.fast.Get(ctx, "cache:abc")
	if err != nil || !ok {
		t.Fatalf("re-read failed: %v", err)
	}
	if entry.Hits != 1 {
		t.Fatalf("expected hits=1 after touch, got %d", entry.Hits)
	}
	if ttlAfter := f.redis.TTL("cache:abc"); ttlAfter <= 0 || ttlAfter > ttlBefore {
		t.Fatalf("touch must preserve remaining TTL: before=%v after=%v", ttlBefore, ttlAfter)
	}
}

func TestGet_DurableFallbackRepopulatesVolatile(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	entry := testEntry("cache:abc")

	if err := f.durable.Set(ctx, "cache:abc", entry); err != nil {
		t.Fatalf("durable set: %v", err)
	}

	res := f.cache.Get(ctx, "cache:abc")
	if !res.Hit {
		t.Fatal("expected durable hit")
	}
	if res.Source != TierDurable {
		t.Fatalf("expected durable source, got %s", res.Source)
	}
	f.cache.Wait()

	if !f.redis.Exists("cache:abc") {
		t.Fatal("volatile tier should be re-populated after a durable hit")
	}
}

func TestGet_Miss(t *testing.T) {
	f := newFixture(t)
	res := f.cache.Get(context.Background(), "cache:nope")
	if res.Hit {
		t.Fatal("expected miss")
	}
}

func TestGet_ExpiredDurableEntryIsMiss(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	entry := testEntry("cache:abc")
	entry.ExpiresAt = time.Now().Add(-time.Minute)
	if err := f.durable.Set(ctx, "cache:abc", entry); err != nil {
		t.Fatalf("durable set: %v", err)
	}

	res := f.cache.Get(ctx, "cache:abc")
	if res.Hit {
		t.Fatal("expired durable entry must be a miss")
	}
}

func TestGet_MalformedVolatileRecordFallsThrough(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.redis.Set("cache:abc", "{not json"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := f.durable.Set(ctx, "cache:abc", testEntry("cache:abc")); err != nil {
		t.Fatalf("durable set: %v", err)
	}

	res := f.cache.Get(ctx, "cache:abc")
	if !res.Hit || res.Source != TierDurable {
		t.Fatalf("malformed volatile record should fall through to durable, got %+v", res)
	}
	if !strings.Contains(f.logBuf.String(), "cache_invalid_record") {
		t.Error("expected cache_invalid_record log")
	}
	f.cache.Wait()
}

func TestGet_MissingRequiredFieldsIsMiss(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Valid JSON, but no cacheKey/result.
	err := f.store.Put(ctx, DocumentPrefix+"cache:abc", []byte(`{"userId":"user-1"}`))
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	if res := f.cache.Get(ctx, "cache:abc"); res.Hit {
		t.Fatal("document missing required fields must be a miss")
	}
}

func TestSet_PartialFailureDoesNotRaise(t *testing.T) {
	f := newFixture(t)
	f.store.FailPuts = errors.New("durable down")

	f.cache.Set(context.Background(), "cache:abc", testEntry("cache:abc"))

	if !f.redis.Exists("cache:abc") {
		t.Fatal("volatile write should still land on durable failure")
	}
	if !strings.Contains(f.logBuf.String(), "cache_partial_write") {
		t.Error("expected cache_partial_write log")
	}
}

func TestSet_CompleteFailureDoesNotRaise(t *testing.T) {
	f := newFixture(t)
	f.store.FailPuts = errors.New("durable down")
	f.redis.Close()

	f.cache.Set(context.Background(), "cache:abc", testEntry("cache:abc"))

	if !strings.Contains(f.logBuf.String(), "complete_failure") {
		t.Error("expected complete_failure log")
	}
}

func TestObjectTier_SizeWarningOncePerSet(t *testing.T) {
	f := newFixture(t)
	f.durable.sizeWarnBytes = 16 // force the threshold

	if err := f.durable.Set(context.Background(), "cache:abc", testEntry("cache:abc")); err != nil {
		t.Fatalf("set: %v", err)
	}

	if got := strings.Count(f.logBuf.String(), "cache_document_size"); got != 1 {
		t.Fatalf("expected exactly one size warning, got %d", got)
	}
	// Write still attempted.
	if f.store.Len() != 1 {
		t.Fatal("oversized document should still be written")
	}
}

func TestNewObjectTier_SizeWarnOption(t *testing.T) {
	var buf bytes.Buffer
	logger := log.NewLogger().WithOutput(&buf)

	tier := NewObjectTier(NewMemoryStore(), logger, WithSizeWarnBytes(16))
	if err := tier.Set(context.Background(), "cache:abc", testEntry("cache:abc")); err != nil {
		t.Fatalf("set: %v", err)
	}
	if !strings.Contains(buf.String(), "cache_document_size") {
		t.Fatal("configured threshold did not trigger the size warning")
	}

	// Non-positive values keep the default.
	tier = NewObjectTier(NewMemoryStore(), logger, WithSizeWarnBytes(0))
	if tier.sizeWarnBytes != DefaultSizeWarnBytes {
		t.Fatalf("sizeWarnBytes = %d, want %d", tier.sizeWarnBytes, DefaultSizeWarnBytes)
	}
}

func TestEntryCodec_RoundTrip(t *testing.T) {
	entry := testEntry("cache:abc")
	data, err := encodeEntry(entry)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := decodeEntry(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.CacheKey != entry.CacheKey || decoded.Hits != entry.Hits {
		t.Fatalf("metadata mismatch: %+v", decoded)
	}
	for i := range entry.Result.Frames {
		if !bytes.Equal(decoded.Result.Frames[i], entry.Result.Frames[i]) {
			t.Fatalf("frame %d corrupted in codec round-trip", i)
		}
	}
}
