// Package store provides counter backends for per-IP view rate limiting.
package store

import (
	"context"
	"time"
)

// Store keeps fixed-window counters. Implementations are safe for concurrent
// use.
type Store interface {
	// Increment adds one to key and returns the new count together with the
	// time left in the window. The first hit on a missing or expired key
	// returns 1 and starts a window of the given length.
	Increment(ctx context.Context, key string, window time.Duration) (count int64, ttl time.Duration, err error)

	// Get returns the count of key, or 0 when it is missing or expired.
	Get(ctx context.Context, key string) (int64, error)

	// Reset deletes key.
	Reset(ctx context.Context, key string) error

	// Close releases resources owned by the store.
	Close() error
}
