package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// windowScript bumps a counter and starts its window on the first hit.
// Returns {count, pttl}.
var windowScript = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if n == 1 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return {n, redis.call('PTTL', KEYS[1])}
`)

// DefaultPrefix namespaces the counters in Redis.
const DefaultPrefix = "apiviews:"

// Redis keeps counters in Redis so that every worker executing view jobs
// shares the same windows. The client belongs to the caller.
type Redis struct {
	client redis.UniversalClient
	prefix string
}

// NewRedis returns a store on client. An empty prefix means DefaultPrefix.
//
//	rdb := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	st := store.NewRedis(rdb, "forum1:")
func NewRedis(client redis.UniversalClient, prefix string) *Redis {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Redis{client: client, prefix: prefix}
}

// Increment implements Store. Windows have millisecond resolution.
func (r *Redis) Increment(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	res, err := windowScript.Run(ctx, r.client, []string{r.prefix + key}, window.Milliseconds()).Int64Slice()
	if err != nil {
		return 0, 0, fmt.Errorf("increment %s: %w", key, err)
	}
	if len(res) != 2 {
		return 0, 0, fmt.Errorf("increment %s: script returned %d values", key, len(res))
	}
	return res[0], time.Duration(max(0, res[1])) * time.Millisecond, nil
}

// Get implements Store.
func (r *Redis) Get(ctx context.Context, key string) (int64, error) {
	n, err := r.client.Get(ctx, r.prefix+key).Int64()
	switch {
	case errors.Is(err, redis.Nil):
		return 0, nil
	case err != nil:
		return 0, fmt.Errorf("get %s: %w", key, err)
	}
	return n, nil
}

// Reset implements Store.
func (r *Redis) Reset(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.prefix+key).Err(); err != nil {
		return fmt.Errorf("reset %s: %w", key, err)
	}
	return nil
}

// Close is a no-op; the client is closed by whoever created it.
func (r *Redis) Close() error {
	return nil
}
