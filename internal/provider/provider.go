// Package provider contains the source connectors. Each connector monitors
// its network for new posts and can deliver forwarded posts back to it.
package provider

import (
	"context"
	"sync"

	"postfilter/internal/model"
)

// EmitFunc receives each new post a connector observes.
type EmitFunc func(ctx context.Context, post model.Post)

// Provider is the capability interface every connector implements. The
// orchestrator depends only on this interface; concrete connectors are
// selected through the Registry by source type.
type Provider interface {
	Start(ctx context.Context) error
	Stop() error
	Monitor(ctx context.Context, sources []model.Source, emit EmitFunc) error
	Forward(ctx context.Context, target string, post model.Post, annotation string) error
}

// CursorStore persists per-source monitoring cursors so a restart neither
// reprocesses nor skips posts arbitrarily.
type CursorStore interface {
	SetSourceCursor(ctx context.Context, id int64, cursor string) error
}

// Registry maps source types to their connectors.
type Registry struct {
	mu        sync.RWMutex
	providers map[model.SourceType]Provider
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[model.SourceType]Provider)}
}

// Register binds a connector to a source type.
func (r *Registry) Register(t model.SourceType, p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[t] = p
}

// Get returns the connector for a source type.
func (r *Registry) Get(t model.SourceType) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[t]
	return p, ok
}

// All returns every registered connector.
func (r *Registry) All() []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Provider, 0, len(r.providers))
	for _, p := range r.providers {
		out = append(out, p)
	}
	return out
}

// Destination adapts a (connector, target) pair to the forwarding
// dispatcher's Destination interface.
type Destination struct {
	provider Provider
	target   string
	name     string
}

// NewDestination wraps a connector and a target channel/group identifier.
func NewDestination(name string, p Provider, target string) *Destination {
	return &Destination{provider: p, target: target, name: name}
}

// Name identifies the destination in logs.
func (d *Destination) Name() string {
	return d.name
}

// Deliver forwards the post to the wrapped target.
func (d *Destination) Deliver(ctx context.Context, post model.Post, annotation string) error {
	return d.provider.Forward(ctx, d.target, post, annotation)
}
