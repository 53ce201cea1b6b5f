// Package cache provides the ephemeral existence tier used by dedup.
package cache

import (
	"context"
	"time"
)

// Cache is a fast, expiry-based key store. It is an optimization layer only:
// callers must tolerate failures and fall back to durable lookups.
type Cache interface {
	Exists(ctx context.Context, key string) (bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Close() error
}

// Options holds connection settings for the Redis-backed cache.
type Options struct {
	Address  string
	Password string
	DB       int
}

// DefaultOptions returns settings for a local Redis instance.
func DefaultOptions() Options {
	return Options{
		Address:  "localhost:6379",
		Password: "",
		DB:       0,
	}
}
