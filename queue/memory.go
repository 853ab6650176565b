package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Memory is an in-process queue backed by a buffered channel. Jobs do not
// survive a restart. Enqueue never blocks: a full buffer returns ErrFull.
type Memory struct {
	registry
	opts Options

	mu     sync.RWMutex
	jobs   chan Job
	closed bool
}

// NewMemory creates an in-process queue.
func NewMemory(opts Options) *Memory {
	opts = opts.withDefaults()
	return &Memory{
		opts: opts,
		jobs: make(chan Job, opts.Buffer),
	}
}

// Enqueue implements Queue.
func (m *Memory) Enqueue(_ context.Context, name string, payload []byte) error {
	return m.push(NewJob(name, payload))
}

func (m *Memory) push(job Job) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	select {
	case m.jobs <- job:
		return nil
	default:
		return ErrFull
	}
}

// Len returns the number of jobs waiting in the buffer.
func (m *Memory) Len() int {
	return len(m.jobs)
}

// Run starts Options.Workers workers and blocks until ctx is cancelled or
// Close has been called and the buffer is drained.
func (m *Memory) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for range m.opts.Workers {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case job, ok := <-m.jobs:
					if !ok {
						return nil
					}
					m.process(ctx, job)
				}
			}
		})
	}
	return g.Wait()
}

func (m *Memory) process(ctx context.Context, job Job) {
	job.Attempt++
	err := m.dispatch(ctx, job)
	if err == nil {
		return
	}
	if !m.opts.retryable(job, err) {
		m.opts.fail(ctx, job, err)
		return
	}

	delay := m.opts.delay(job.Attempt)
	slog.WarnContext(ctx, "job failed, retrying",
		"job_id", job.ID,
		"job", job.Name,
		"attempt", job.Attempt,
		"retry_in", delay.String(),
		"error", err,
	)
	time.AfterFunc(delay, func() {
		if err := m.push(job); err != nil {
			m.opts.fail(context.Background(), job, err)
		}
	})
}

// Close stops accepting jobs. Workers finish the jobs already buffered and
// Run returns. Retries that come due after Close are reported as failures.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	close(m.jobs)
	return nil
}
