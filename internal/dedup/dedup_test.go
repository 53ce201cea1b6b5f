package dedup

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"postfilter/internal/cache"
	"postfilter/internal/model"
	"postfilter/internal/storage"
)

// spyCache wraps the in-process cache and records key accesses; it can also
// be forced to fail.
type spyCache struct {
	inner      *cache.Memory
	mu         sync.Mutex
	existsKeys []string
	setKeys    []string
	fail       bool
}

func newSpyCache() *spyCache {
	return &spyCache{inner: cache.NewMemory()}
}

func (c *spyCache) Exists(ctx context.Context, key string) (bool, error) {
	c.mu.Lock()
	c.existsKeys = append(c.existsKeys, key)
	c.mu.Unlock()
	if c.fail {
		return false, errors.New("cache down")
	}
	return c.inner.Exists(ctx, key)
}

func (c *spyCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	c.mu.Lock()
	c.setKeys = append(c.setKeys, key)
	c.mu.Unlock()
	if c.fail {
		return errors.New("cache down")
	}
	return c.inner.Set(ctx, key, value, ttl)
}

func (c *spyCache) Close() error { return nil }

func newTestStore(t *testing.T) (*Store, *spyCache, storage.Storage) {
	t.Helper()
	db, err := storage.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("new sqlite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	spy := newSpyCache()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(spy, db, log), spy, db
}

func testPost() model.Post {
	return model.Post{
		SourceType: model.SourceTelegram,
		SourceID:   "chan1",
		PostID:     "42",
		Text:       "New AI model released",
	}
}

func TestMarkThenIsDuplicate(t *testing.T) {
	ctx := context.Background()
	store, _, _ := newTestStore(t)
	post := testPost()

	dup, err := store.IsDuplicate(ctx, post.SourceID, post.PostID, post.Text)
	if err != nil {
		t.Fatalf("is duplicate: %v", err)
	}
	if dup {
		t.Fatal("fresh post reported as duplicate")
	}

	if err := store.MarkProcessed(ctx, post, nil, false); err != nil {
		t.Fatalf("mark processed: %v", err)
	}

	dup, err = store.IsDuplicate(ctx, post.SourceID, post.PostID, post.Text)
	if err != nil {
		t.Fatalf("is duplicate: %v", err)
	}
	if !dup {
		t.Fatal("expected duplicate after mark")
	}
}

func TestCrossSourceFingerprintDedup(t *testing.T) {
	ctx := context.Background()
	store, _, _ := newTestStore(t)

	post := testPost()
	if err := store.MarkProcessed(ctx, post, nil, true); err != nil {
		t.Fatalf("mark processed: %v", err)
	}

	// Same text arriving from a different source and with extra whitespace
	// is still a duplicate.
	dup, err := store.IsDuplicate(ctx, "-999", "7_1", "  New AI model released  ")
	if err != nil {
		t.Fatalf("is duplicate: %v", err)
	}
	if !dup {
		t.Fatal("expected cross-source duplicate by fingerprint")
	}
}

func TestDurableHitRepopulatesCache(t *testing.T) {
	ctx := context.Background()
	store, spy, db := newTestStore(t)
	post := testPost()

	// Write only to the durable tier, bypassing the cache.
	rec := model.ProcessedRecord{
		SourceType:      post.SourceType,
		SourceID:        post.SourceID,
		PostID:          post.PostID,
		TextFingerprint: "unrelated",
	}
	if err := db.InsertProcessed(ctx, &rec); err != nil {
		t.Fatalf("insert: %v", err)
	}

	dup, err := store.IsDuplicate(ctx, post.SourceID, post.PostID, post.Text)
	if err != nil {
		t.Fatalf("is duplicate: %v", err)
	}
	if !dup {
		t.Fatal("expected durable hit")
	}

	spy.mu.Lock()
	wrote := len(spy.setKeys)
	spy.mu.Unlock()
	if wrote != 1 {
		t.Fatalf("expected 1 cache repopulation write, got %d", wrote)
	}

	// Second check should now hit the cache without another durable read;
	// verify via the key order: id key is checked first and now exists.
	hit, err := spy.Exists(ctx, "processed:id:chan1:42")
	if err != nil {
		t.Fatalf("spy exists: %v", err)
	}
	if !hit {
		t.Fatal("expected id key in cache after repopulation")
	}
}

func TestCacheFailureDegradesToDurable(t *testing.T) {
	ctx := context.Background()
	store, spy, _ := newTestStore(t)
	post := testPost()

	spy.fail = true

	if err := store.MarkProcessed(ctx, post, nil, true); err != nil {
		t.Fatalf("mark processed with failing cache: %v", err)
	}

	dup, err := store.IsDuplicate(ctx, post.SourceID, post.PostID, post.Text)
	if err != nil {
		t.Fatalf("is duplicate with failing cache: %v", err)
	}
	if !dup {
		t.Fatal("expected duplicate via durable tier despite cache failure")
	}
}

func TestMarkProcessedRecordsOutcome(t *testing.T) {
	ctx := context.Background()
	store, _, db := newTestStore(t)
	post := testPost()

	outcome := &model.FilterOutcome{
		FilterID: "tech",
		Result: model.ClassificationResult{
			IsRelevant: true,
			Category:   "AI",
			Confidence: 0.85,
			Reason:     "mentions AI",
		},
	}
	if err := store.MarkProcessed(ctx, post, outcome, true); err != nil {
		t.Fatalf("mark processed: %v", err)
	}

	records, err := db.ListProcessed(ctx, 1)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	rec := records[0]
	if rec.FilterID != "tech" || rec.Category != "AI" || rec.Confidence != 0.85 || !rec.WasForwarded {
		t.Errorf("unexpected record %+v", rec)
	}
}

func TestConcurrentMarkOneWins(t *testing.T) {
	ctx := context.Background()
	store, _, _ := newTestStore(t)
	post := testPost()

	if err := store.MarkProcessed(ctx, post, nil, true); err != nil {
		t.Fatalf("first mark: %v", err)
	}
	err := store.MarkProcessed(ctx, post, nil, false)
	if !errors.Is(err, storage.ErrDuplicateRecord) {
		t.Fatalf("expected ErrDuplicateRecord for the losing run, got %v", err)
	}
}
