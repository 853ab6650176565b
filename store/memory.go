package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
)

// Memory is an in-process implementation of Store backed by go-cache.
//
// Counters live in a single process, so limits are not shared between
// instances. Use Redis when more than one worker executes view jobs.
type Memory struct {
	mu    sync.Mutex
	cache *cache.Cache
}

// NewMemory creates an in-memory store. Expired counters are purged by the
// go-cache janitor once a minute.
func NewMemory() *Memory {
	return &Memory{
		cache: cache.New(cache.NoExpiration, time.Minute),
	}
}

// Increment increments the counter for key. The first increment in a window
// stores 1 with the window as expiry; later ones keep the original expiry.
// The mutex makes the lookup and the write a single step.
func (m *Memory) Increment(_ context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, expiration, found := m.cache.GetWithExpiration(key)
	if !found {
		return m.startWindow(key, window), max(0, window), nil
	}

	// The entry can expire between the lookup and the increment; go-cache
	// then reports it missing and a new window starts.
	count, err := m.cache.IncrementInt64(key, 1)
	if err != nil {
		return m.startWindow(key, window), max(0, window), nil
	}

	var ttl time.Duration
	if !expiration.IsZero() {
		ttl = max(0, time.Until(expiration))
	}
	return count, ttl, nil
}

func (m *Memory) startWindow(key string, window time.Duration) int64 {
	d := window
	if d <= 0 {
		d = cache.NoExpiration
	}
	m.cache.Set(key, int64(1), d)
	return 1
}

// Get retrieves the current count for the given key without incrementing.
func (m *Memory) Get(_ context.Context, key string) (int64, error) {
	v, found := m.cache.Get(key)
	if !found {
		return 0, nil
	}
	count, ok := v.(int64)
	if !ok {
		return 0, fmt.Errorf("unexpected type for count: %T", v)
	}
	return count, nil
}

// Reset removes the counter for the given key.
func (m *Memory) Reset(_ context.Context, key string) error {
	m.cache.Delete(key)
	return nil
}

// Close drops all counters.
func (m *Memory) Close() error {
	m.cache.Flush()
	return nil
}
