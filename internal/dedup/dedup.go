// Package dedup implements the two-tier duplicate store: a fast ephemeral
// existence cache in front of the durable processed-post log.
package dedup

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"postfilter/internal/cache"
	"postfilter/internal/fingerprint"
	"postfilter/internal/model"
	"postfilter/internal/storage"
)

// DefaultTTL bounds ephemeral-tier growth while still covering upstream
// duplicate-delivery windows.
const DefaultTTL = 24 * time.Hour

// Store answers "have we processed this post before" and records outcomes.
// The durable tier is the authority; the cache only saves round-trips.
type Store struct {
	cache cache.Cache
	db    storage.Storage
	ttl   time.Duration
	log   *slog.Logger
}

// New creates a Store over the given tiers with the default 24h cache expiry.
func New(c cache.Cache, db storage.Storage, log *slog.Logger) *Store {
	return &Store{cache: c, db: db, ttl: DefaultTTL, log: log}
}

// SetTTL overrides the ephemeral key expiry.
func (s *Store) SetTTL(ttl time.Duration) {
	s.ttl = ttl
}

func idKey(sourceID, postID string) string {
	return fmt.Sprintf("processed:id:%s:%s", sourceID, postID)
}

func hashKey(fp string) string {
	return fmt.Sprintf("processed:hash:%s", fp)
}

// IsDuplicate checks the post against both tiers: by (source_id, post_id)
// and by text fingerprint. Durable hits repopulate the cache so repeated
// deliveries of the same post stay cheap. Cache errors degrade silently to
// durable-only checks.
func (s *Store) IsDuplicate(ctx context.Context, sourceID, postID, text string) (bool, error) {
	keyID := idKey(sourceID, postID)
	if hit := s.cacheExists(ctx, keyID); hit {
		s.log.Debug("duplicate found in cache by id", "source_id", sourceID, "post_id", postID)
		return true, nil
	}

	fp := fingerprint.Hash(text)
	keyHash := hashKey(fp)
	if hit := s.cacheExists(ctx, keyHash); hit {
		s.log.Debug("duplicate found in cache by fingerprint", "fingerprint", fp)
		return true, nil
	}

	found, err := s.db.HasProcessedPost(ctx, sourceID, postID)
	if err != nil {
		return false, fmt.Errorf("durable lookup by id: %w", err)
	}
	if found {
		s.cacheSet(ctx, keyID)
		return true, nil
	}

	found, err = s.db.HasProcessedFingerprint(ctx, fp)
	if err != nil {
		return false, fmt.Errorf("durable lookup by fingerprint: %w", err)
	}
	if found {
		s.cacheSet(ctx, keyHash)
		return true, nil
	}

	return false, nil
}

// MarkProcessed durably appends one ProcessedRecord, then writes both
// ephemeral keys. The durable write is the one step that may not fail
// silently: losing the record risks double-forwarding. A
// storage.ErrDuplicateRecord return means a concurrent run recorded the
// same post first.
func (s *Store) MarkProcessed(ctx context.Context, post model.Post, outcome *model.FilterOutcome, wasForwarded bool) error {
	fp := fingerprint.Hash(post.Text)
	rec := model.ProcessedRecord{
		SourceType:      post.SourceType,
		SourceID:        post.SourceID,
		PostID:          post.PostID,
		TextFingerprint: fp,
		WasForwarded:    wasForwarded,
	}
	if outcome != nil {
		rec.FilterID = outcome.FilterID
		rec.Category = outcome.Result.Category
		rec.Confidence = outcome.Result.Confidence
		rec.Reason = outcome.Result.Reason
	}

	if err := s.db.InsertProcessed(ctx, &rec); err != nil {
		return err
	}

	s.cacheSet(ctx, idKey(post.SourceID, post.PostID))
	s.cacheSet(ctx, hashKey(fp))
	return nil
}

func (s *Store) cacheExists(ctx context.Context, key string) bool {
	hit, err := s.cache.Exists(ctx, key)
	if err != nil {
		s.log.Debug("cache check failed, falling back to durable store", "key", key, "error", err)
		return false
	}
	return hit
}

func (s *Store) cacheSet(ctx context.Context, key string) {
	if err := s.cache.Set(ctx, key, "1", s.ttl); err != nil {
		s.log.Debug("cache write failed", "key", key, "error", err)
	}
}
