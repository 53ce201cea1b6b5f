// Package classifier talks to the external text-classification backend.
package classifier

import (
	"context"

	"postfilter/internal/model"
)

// Config carries the per-filter classification parameters.
type Config struct {
	Prompt     string
	Categories []string
}

// Gateway is the capability interface to the classification backend. Calls
// are network-bound and fallible; the pipeline never retries them.
type Gateway interface {
	Classify(ctx context.Context, text string, cfg Config) (model.ClassificationResult, error)
}
