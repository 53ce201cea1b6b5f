// Package storage defines the persistence interface and its implementations.
package storage

import (
	"context"
	"errors"

	"postfilter/internal/model"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// ErrDuplicateRecord is returned by InsertProcessed when a record for the
// same (source_id, post_id) already exists. The insert is the linearization
// point for concurrent duplicate detection, so callers must treat this as
// "another run won", not as a failure.
var ErrDuplicateRecord = errors.New("record already exists")

// Storage is the interface for all persistence operations.
type Storage interface {
	UpsertFilter(ctx context.Context, f *model.Filter) error
	GetFilter(ctx context.Context, id string) (*model.Filter, error)
	ListFilters(ctx context.Context) ([]model.Filter, error)
	DeleteFilter(ctx context.Context, id string) error

	UpsertSource(ctx context.Context, src *model.Source, filterIDs []string) error
	GetSourceBySourceID(ctx context.Context, sourceID string) (*model.Source, error)
	ListSources(ctx context.Context) ([]model.Source, error)
	DeleteSource(ctx context.Context, id int64) error
	SetSourceCursor(ctx context.Context, id int64, cursor string) error

	HasProcessedPost(ctx context.Context, sourceID, postID string) (bool, error)
	HasProcessedFingerprint(ctx context.Context, fp string) (bool, error)
	InsertProcessed(ctx context.Context, rec *model.ProcessedRecord) error
	ListProcessed(ctx context.Context, limit int) ([]model.ProcessedRecord, error)

	Close() error
}
