// Package pipeline orchestrates the per-post ingestion flow: dedup check,
// source resolution, filter evaluation, forwarding and the processed record.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"postfilter/internal/dedup"
	"postfilter/internal/model"
	"postfilter/internal/storage"
)

// SourceResolver looks up source configuration for incoming events.
// Satisfied by storage.Storage.
type SourceResolver interface {
	GetSourceBySourceID(ctx context.Context, sourceID string) (*model.Source, error)
}

// Evaluator applies the source's filters to one post.
type Evaluator interface {
	Evaluate(ctx context.Context, text string, filters []model.Filter) *model.FilterOutcome
}

// Forwarder delivers an accepted post to the output destinations.
type Forwarder interface {
	Forward(ctx context.Context, post model.Post, outcome model.FilterOutcome) bool
}

// Pipeline processes incoming post events. Runs for distinct posts are
// independent; the duplicate store provides the only cross-run coordination.
type Pipeline struct {
	dedup     *dedup.Store
	sources   SourceResolver
	evaluator Evaluator
	forwarder Forwarder
	log       *slog.Logger
	inFlight  int
}

// New creates a Pipeline allowing up to 8 posts in flight.
func New(d *dedup.Store, sources SourceResolver, eval Evaluator, fwd Forwarder, log *slog.Logger) *Pipeline {
	return &Pipeline{
		dedup:     d,
		sources:   sources,
		evaluator: eval,
		forwarder: fwd,
		log:       log,
		inFlight:  8,
	}
}

// SetMaxInFlight bounds the number of concurrently processed posts.
func (p *Pipeline) SetMaxInFlight(n int) {
	if n > 0 {
		p.inFlight = n
	}
}

// Run consumes events until ctx is cancelled or the channel closes. Each
// event gets its own pipeline run; a panic in one run is contained and
// leaves the post unrecorded, so a later redelivery can retry it.
func (p *Pipeline) Run(ctx context.Context, events <-chan model.Post) {
	var wg sync.WaitGroup
	sem := make(chan struct{}, p.inFlight)

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return
		case post, ok := <-events:
			if !ok {
				wg.Wait()
				return
			}
			sem <- struct{}{}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer func() { <-sem }()
				defer func() {
					if r := recover(); r != nil {
						p.log.Error("pipeline panic", "source_id", post.SourceID, "post_id", post.PostID, "panic", r)
					}
				}()
				if err := p.Process(ctx, post); err != nil {
					p.log.Error("process post", "source_id", post.SourceID, "post_id", post.PostID, "error", err)
				}
			}()
		}
	}
}

// Process runs one post through the pipeline. Duplicates and unconfigured or
// disabled sources are dropped silently without a record; everything else
// ends in exactly one ProcessedRecord, whether or not a filter won. An error
// return means no record was written and the post is safe to redeliver.
func (p *Pipeline) Process(ctx context.Context, post model.Post) error {
	isDup, err := p.dedup.IsDuplicate(ctx, post.SourceID, post.PostID, post.Text)
	if err != nil {
		return err
	}
	if isDup {
		p.log.Debug("skipping duplicate post", "source_id", post.SourceID, "post_id", post.PostID)
		return nil
	}

	src, err := p.sources.GetSourceBySourceID(ctx, post.SourceID)
	if errors.Is(err, storage.ErrNotFound) {
		p.log.Debug("source not configured", "source_id", post.SourceID)
		return nil
	}
	if err != nil {
		return err
	}
	if !src.Enabled {
		p.log.Debug("source disabled", "source_id", post.SourceID)
		return nil
	}
	if !hasEnabledFilter(src.Filters) {
		p.log.Debug("no enabled filters for source", "source_id", post.SourceID)
		return nil
	}

	p.log.Info("analyzing post", "source_id", post.SourceID, "post_id", post.PostID)

	outcome := p.evaluator.Evaluate(ctx, post.Text, src.Filters)

	wasForwarded := false
	if outcome != nil {
		p.log.Info("post accepted",
			"source_id", post.SourceID,
			"post_id", post.PostID,
			"filter_id", outcome.FilterID,
			"confidence", outcome.Result.Confidence,
		)
		wasForwarded = p.forwarder.Forward(ctx, post, *outcome)
	} else {
		p.log.Info("post rejected", "source_id", post.SourceID, "post_id", post.PostID)
	}

	// A run cancelled before it forwarded anything must leave no record:
	// its evaluation was cut short, and with no record the post stays
	// reprocessable on redelivery.
	if err := ctx.Err(); err != nil && !wasForwarded {
		return err
	}

	// A successful forward must always reach the record write, even when the
	// surrounding run is being cancelled.
	recordCtx := context.WithoutCancel(ctx)
	err = p.dedup.MarkProcessed(recordCtx, post, outcome, wasForwarded)
	if errors.Is(err, storage.ErrDuplicateRecord) {
		p.log.Debug("lost record race, treating as duplicate", "source_id", post.SourceID, "post_id", post.PostID)
		return nil
	}
	return err
}

func hasEnabledFilter(filters []model.Filter) bool {
	for _, f := range filters {
		if f.Enabled {
			return true
		}
	}
	return false
}
