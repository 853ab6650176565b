package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

// DefaultRedisPrefix is the key prefix used when RedisConfig.Prefix is empty.
const DefaultRedisPrefix = "apiviews:queue:"

// promoteScript moves due entries from the delayed set to the ready list.
// KEYS[1] = delayed set, KEYS[2] = ready list
// ARGV[1] = now (unix ms), ARGV[2] = batch size
var promoteScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, v in ipairs(due) do
	redis.call('ZREM', KEYS[1], v)
	redis.call('LPUSH', KEYS[2], v)
end
return #due
`)

// reapScript hands jobs whose lease ran out back to the ready list. Entries
// in the processing list without a lease (the worker died between the pop
// and the lease) get one first.
// KEYS[1] = lease set, KEYS[2] = processing list, KEYS[3] = ready list
// ARGV[1] = now (unix ms), ARGV[2] = lease deadline for unleased entries,
// ARGV[3] = batch size
var reapScript = redis.NewScript(`
for _, v in ipairs(redis.call('LRANGE', KEYS[2], 0, -1)) do
	if not redis.call('ZSCORE', KEYS[1], v) then
		redis.call('ZADD', KEYS[1], ARGV[2], v)
	end
end
local expired = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[3]))
local n = 0
for _, v in ipairs(expired) do
	redis.call('ZREM', KEYS[1], v)
	if redis.call('LREM', KEYS[2], 1, v) > 0 then
		redis.call('RPUSH', KEYS[3], v)
		n = n + 1
	end
end
return n
`)

// RedisConfig configures a Redis-backed queue.
type RedisConfig struct {
	// Client is the Redis client to use. It is not closed by Redis.Close.
	Client redis.UniversalClient

	// Prefix namespaces the queue keys (default: DefaultRedisPrefix).
	Prefix string

	// PollTimeout bounds each blocking pop so workers notice cancellation
	// (default: 1s).
	PollTimeout time.Duration

	// PromoteInterval is how often due retries are moved back to the ready
	// list and expired leases are reaped (default: 500ms).
	PromoteInterval time.Duration

	// VisibilityTimeout is how long a popped job may run before it is
	// considered lost and delivered again (default: 5m).
	VisibilityTimeout time.Duration
}

// Redis is a queue stored in Redis lists. Workers atomically move a job from
// the ready list to a processing list, lease it, run it and then remove it.
// Jobs whose lease expires, because their worker crashed, return to the ready
// list. Failed jobs wait in a sorted set scored by their retry time.
type Redis struct {
	registry
	opts   Options
	client redis.UniversalClient

	ready      string
	processing string
	delayed    string
	leases     string

	pollTimeout     time.Duration
	promoteInterval time.Duration
	visibility      time.Duration

	mu     sync.RWMutex
	closed bool
}

// NewRedis creates a Redis-backed queue.
func NewRedis(cfg RedisConfig, opts Options) (*Redis, error) {
	if cfg.Client == nil {
		return nil, errors.New("queue: redis client is required")
	}
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultRedisPrefix
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = time.Second
	}
	if cfg.PromoteInterval <= 0 {
		cfg.PromoteInterval = 500 * time.Millisecond
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = 5 * time.Minute
	}
	return &Redis{
		opts:            opts.withDefaults(),
		client:          cfg.Client,
		ready:           cfg.Prefix + "ready",
		processing:      cfg.Prefix + "processing",
		delayed:         cfg.Prefix + "delayed",
		leases:          cfg.Prefix + "leases",
		pollTimeout:     cfg.PollTimeout,
		promoteInterval: cfg.PromoteInterval,
		visibility:      cfg.VisibilityTimeout,
	}, nil
}

// Enqueue implements Queue.
func (q *Redis) Enqueue(ctx context.Context, name string, payload []byte) error {
	q.mu.RLock()
	closed := q.closed
	q.mu.RUnlock()
	if closed {
		return ErrClosed
	}

	raw, err := json.Marshal(NewJob(name, payload))
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	if err := q.client.LPush(ctx, q.ready, raw).Err(); err != nil {
		return fmt.Errorf("enqueue %s: %w", name, err)
	}
	return nil
}

// Len returns the number of jobs ready to run.
func (q *Redis) Len(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.ready).Result()
}

// Delayed returns the number of jobs waiting for a retry.
func (q *Redis) Delayed(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, q.delayed).Result()
}

// Run starts the workers, the retry promoter and the lease reaper and blocks
// until ctx is cancelled or the queue is closed.
func (q *Redis) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		ticker := time.NewTicker(q.promoteInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				if q.isClosed() {
					return nil
				}
				if _, err := q.promote(ctx); err != nil && ctx.Err() == nil {
					slog.ErrorContext(ctx, "queue: promote delayed jobs", "error", err)
				}
				if n, err := q.reap(ctx); err != nil && ctx.Err() == nil {
					slog.ErrorContext(ctx, "queue: reap expired leases", "error", err)
				} else if n > 0 {
					slog.WarnContext(ctx, "queue: redelivering jobs with expired leases", "count", n)
				}
			}
		}
	})

	for range q.opts.Workers {
		g.Go(func() error {
			for ctx.Err() == nil && !q.isClosed() {
				raw, err := q.client.BLMove(ctx, q.ready, q.processing, "RIGHT", "LEFT", q.pollTimeout).Result()
				if errors.Is(err, redis.Nil) {
					continue
				}
				if err != nil {
					if ctx.Err() != nil || errors.Is(err, redis.ErrClosed) {
						return nil
					}
					slog.ErrorContext(ctx, "queue: pop job", "error", err)
					if err := sleep(ctx, q.pollTimeout); err != nil {
						return nil
					}
					continue
				}
				lease := float64(time.Now().Add(q.visibility).UnixMilli())
				if err := q.client.ZAdd(ctx, q.leases, redis.Z{Score: lease, Member: raw}).Err(); err != nil {
					slog.ErrorContext(ctx, "queue: lease job", "error", err)
				}
				q.process(ctx, raw)
			}
			return nil
		})
	}

	return g.Wait()
}

// promote moves retries whose time has come to the ready list.
func (q *Redis) promote(ctx context.Context) (int64, error) {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	return promoteScript.Run(ctx, q.client, []string{q.delayed, q.ready}, now, 100).Int64()
}

// reap returns jobs with expired leases to the ready list.
func (q *Redis) reap(ctx context.Context) (int64, error) {
	now := time.Now()
	return reapScript.Run(ctx, q.client, []string{q.leases, q.processing, q.ready},
		now.UnixMilli(), now.Add(q.visibility).UnixMilli(), 100).Int64()
}

func (q *Redis) process(ctx context.Context, raw string) {
	job, err := decodeJob([]byte(raw))
	if err != nil {
		slog.ErrorContext(ctx, "queue: dropping undecodable job", "error", err)
		q.ack(ctx, raw)
		return
	}

	job.Attempt++
	err = q.dispatch(ctx, job)
	if err == nil {
		q.ack(ctx, raw)
		return
	}
	if !q.opts.retryable(job, err) {
		q.ack(ctx, raw)
		q.opts.fail(ctx, job, err)
		return
	}

	delay := q.opts.delay(job.Attempt)
	slog.WarnContext(ctx, "job failed, retrying",
		"job_id", job.ID,
		"job", job.Name,
		"attempt", job.Attempt,
		"retry_in", delay.String(),
		"error", err,
	)

	next, err := json.Marshal(job)
	if err != nil {
		q.ack(ctx, raw)
		q.opts.fail(ctx, job, fmt.Errorf("encode job: %w", err))
		return
	}
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, q.processing, 1, raw)
		pipe.ZRem(ctx, q.leases, raw)
		pipe.ZAdd(ctx, q.delayed, redis.Z{
			Score:  float64(time.Now().Add(delay).UnixMilli()),
			Member: next,
		})
		return nil
	})
	if err != nil {
		slog.ErrorContext(ctx, "queue: schedule retry", "job_id", job.ID, "error", err)
	}
}

// ack removes a finished job and its lease.
func (q *Redis) ack(ctx context.Context, raw string) {
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, q.processing, 1, raw)
		pipe.ZRem(ctx, q.leases, raw)
		return nil
	})
	if err != nil {
		slog.ErrorContext(ctx, "queue: ack job", "error", err)
	}
}

func (q *Redis) isClosed() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.closed
}

// Close stops accepting jobs; running workers exit after their current job.
// The Redis client is left open.
func (q *Redis) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}
