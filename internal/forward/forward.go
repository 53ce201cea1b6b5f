// Package forward delivers accepted posts to the configured output
// destinations.
package forward

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"postfilter/internal/model"
)

// Destination is one configured delivery target. Implementations decide how
// a post is re-published there: native forward when the destination lives on
// the same network as the post, copied body plus origin link otherwise.
type Destination interface {
	Name() string
	Deliver(ctx context.Context, post model.Post, annotation string) error
}

// Dispatcher fans an accepted post out to every destination. Destination
// attempts are independent: one failure never prevents the others.
type Dispatcher struct {
	destinations []Destination
	log          *slog.Logger
	timeout      time.Duration
}

// NewDispatcher creates a Dispatcher with a 30s per-destination timeout.
func NewDispatcher(log *slog.Logger, destinations ...Destination) *Dispatcher {
	return &Dispatcher{
		destinations: destinations,
		log:          log,
		timeout:      30 * time.Second,
	}
}

// SetDeliveryTimeout overrides the per-destination delivery timeout.
func (d *Dispatcher) SetDeliveryTimeout(t time.Duration) {
	d.timeout = t
}

// Forward attempts delivery to every destination concurrently and reports
// whether at least one succeeded. Partial success counts as forwarded: the
// post was surfaced to some audience.
func (d *Dispatcher) Forward(ctx context.Context, post model.Post, outcome model.FilterOutcome) bool {
	if len(d.destinations) == 0 {
		return false
	}

	annotation := FormatAnnotation(post, outcome)

	var forwarded atomic.Bool
	g, ctx := errgroup.WithContext(ctx)
	for _, dest := range d.destinations {
		dest := dest
		g.Go(func() error {
			dctx, cancel := context.WithTimeout(ctx, d.timeout)
			defer cancel()
			if err := dest.Deliver(dctx, post, annotation); err != nil {
				d.log.Error("deliver", "destination", dest.Name(), "post_id", post.PostID, "error", err)
				return nil
			}
			forwarded.Store(true)
			return nil
		})
	}
	_ = g.Wait()

	return forwarded.Load()
}

// FormatAnnotation renders the annotation attached to a forwarded post:
// matched category, confidence, the classifier's rationale and the
// originating source.
func FormatAnnotation(post model.Post, outcome model.FilterOutcome) string {
	source := post.SourceName
	if source == "" {
		source = post.SourceID
	}
	var b strings.Builder
	fmt.Fprintf(&b, "📌 Category: %s\n", outcome.Result.Category)
	fmt.Fprintf(&b, "🔍 Confidence: %.0f%%\n", outcome.Result.Confidence*100)
	fmt.Fprintf(&b, "💭 %s\n", outcome.Result.Reason)
	fmt.Fprintf(&b, "📍 Source: %s", source)
	return b.String()
}
