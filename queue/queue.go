// Package queue provides at-least-once job queues for view work items.
//
// Three backends share one contract: Memory (in-process channel workers),
// Redis (lists with a processing list and a delayed set for retries) and
// Kafka (a consumer group topic). Handlers are registered by job name and
// receive the raw payload. A handler that returns an error is retried with
// exponential backoff until Options.MaxAttempts, after which
// Options.OnFailure is called.
//
// Delivery is at least once: a job can run again after a crash or a lost
// acknowledgement, so handlers must tolerate redelivery.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrClosed is returned by Enqueue after Close.
	ErrClosed = errors.New("queue: closed")

	// ErrNoHandler is reported when a job has no registered handler.
	// Such jobs are not retried.
	ErrNoHandler = errors.New("queue: no handler registered")

	// ErrFull is returned by Memory.Enqueue when the buffer is full.
	ErrFull = errors.New("queue: full")
)

// HandlerFunc processes the payload of one job.
type HandlerFunc func(ctx context.Context, payload []byte) error

// Queue is implemented by every backend.
type Queue interface {
	// Enqueue schedules payload for the handler registered under name.
	Enqueue(ctx context.Context, name string, payload []byte) error

	// Handle registers h for jobs named name, replacing any previous handler.
	Handle(name string, h HandlerFunc)

	// Run processes jobs until ctx is cancelled or the queue is closed.
	Run(ctx context.Context) error

	// Close stops accepting jobs and releases resources.
	Close() error
}

// Job is the envelope stored by the queue backends.
type Job struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Payload    []byte    `json:"payload"`
	Attempt    int       `json:"attempt"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// NewJob wraps payload in an envelope with a fresh id.
func NewJob(name string, payload []byte) Job {
	return Job{
		ID:         uuid.NewString(),
		Name:       name,
		Payload:    payload,
		EnqueuedAt: time.Now().UTC(),
	}
}

func decodeJob(raw []byte) (Job, error) {
	var job Job
	if err := json.Unmarshal(raw, &job); err != nil {
		return Job{}, fmt.Errorf("decode job: %w", err)
	}
	if job.Name == "" {
		return Job{}, errors.New("decode job: missing name")
	}
	return job, nil
}

// FailureFunc is called once a job will not be retried again.
type FailureFunc func(ctx context.Context, job Job, err error)

// Options configures a queue.
type Options struct {
	// Workers is the number of concurrent handlers (default: 1).
	// The Kafka backend processes messages one at a time per consumer.
	Workers int

	// MaxAttempts is the total number of runs per job (default: 5).
	MaxAttempts int

	// Backoff is the delay before the first retry; it doubles for every
	// further attempt (default: 1s).
	Backoff time.Duration

	// MaxBackoff caps the retry delay (default: 5m).
	MaxBackoff time.Duration

	// Buffer is the capacity of the Memory backend (default: 1024).
	Buffer int

	// OnFailure is called for jobs that exhausted their attempts or have no
	// handler.
	OnFailure FailureFunc
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = 1
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.Backoff <= 0 {
		o.Backoff = time.Second
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 5 * time.Minute
	}
	if o.Buffer <= 0 {
		o.Buffer = 1024
	}
	return o
}

// delay returns the wait before retrying a job that failed its attempt-th run,
// with up to 50% jitter.
func (o Options) delay(attempt int) time.Duration {
	d := o.Backoff
	for i := 1; i < attempt && d < o.MaxBackoff; i++ {
		d *= 2
	}
	if d > o.MaxBackoff {
		d = o.MaxBackoff
	}
	if half := int64(d / 2); half > 0 {
		d += time.Duration(rand.Int64N(half))
	}
	return d
}

// retryable reports whether job, which just failed with err, runs again.
func (o Options) retryable(job Job, err error) bool {
	return !errors.Is(err, ErrNoHandler) && job.Attempt < o.MaxAttempts
}

func (o Options) fail(ctx context.Context, job Job, err error) {
	slog.ErrorContext(ctx, "job failed permanently",
		"job_id", job.ID,
		"job", job.Name,
		"attempt", job.Attempt,
		"error", err,
	)
	if o.OnFailure != nil {
		o.OnFailure(ctx, job, err)
	}
}

type registry struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

func (r *registry) Handle(name string, h HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.handlers == nil {
		r.handlers = make(map[string]HandlerFunc)
	}
	r.handlers[name] = h
}

// dispatch runs the handler for job. A panicking handler counts as a failed
// attempt.
func (r *registry) dispatch(ctx context.Context, job Job) (err error) {
	r.mu.RLock()
	h, ok := r.handlers[job.Name]
	r.mu.RUnlock()
	if !ok || h == nil {
		return fmt.Errorf("%w: %s", ErrNoHandler, job.Name)
	}

	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("queue: handler %s panicked: %v", job.Name, rec)
		}
	}()
	return h(ctx, job.Payload)
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
