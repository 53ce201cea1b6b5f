// Package filter implements the post evaluation engine.
package filter

import (
	"context"
	"log/slog"
	"time"

	"postfilter/internal/classifier"
	"postfilter/internal/model"
)

// Evaluator applies an ordered set of filters to one post, stopping at the
// first qualifying match. Order wins over confidence: a later filter is
// never consulted once an earlier one has matched.
type Evaluator struct {
	gateway classifier.Gateway
	log     *slog.Logger
	timeout time.Duration
}

// NewEvaluator creates an Evaluator with a 30s per-call classifier timeout.
func NewEvaluator(gw classifier.Gateway, log *slog.Logger) *Evaluator {
	return &Evaluator{
		gateway: gw,
		log:     log,
		timeout: 30 * time.Second,
	}
}

// SetCallTimeout overrides the per-classification-call timeout.
func (e *Evaluator) SetCallTimeout(d time.Duration) {
	e.timeout = d
}

// Evaluate classifies text against each enabled filter in configured order
// and returns the first winning outcome, or nil when no filter wins.
// Disabled filters are skipped without a classifier call; a failed or
// timed-out call counts as "no match" for that filter only.
func (e *Evaluator) Evaluate(ctx context.Context, text string, filters []model.Filter) *model.FilterOutcome {
	for _, f := range filters {
		if !f.Enabled {
			continue
		}
		if ctx.Err() != nil {
			return nil
		}

		result, err := e.classify(ctx, text, f)
		if err != nil {
			e.log.Error("classify", "filter_id", f.ID, "error", err)
			continue
		}

		e.log.Debug("filter result",
			"filter_id", f.ID,
			"is_relevant", result.IsRelevant,
			"category", result.Category,
			"confidence", result.Confidence,
		)

		if result.IsRelevant && result.Confidence >= f.Threshold {
			return &model.FilterOutcome{FilterID: f.ID, Result: result}
		}
	}
	return nil
}

func (e *Evaluator) classify(ctx context.Context, text string, f model.Filter) (model.ClassificationResult, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	return e.gateway.Classify(ctx, text, classifier.Config{
		Prompt:     f.Prompt,
		Categories: f.Categories,
	})
}
