package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	kafka "github.com/segmentio/kafka-go"
)

// KafkaConfig configures a Kafka-backed queue.
type KafkaConfig struct {
	Brokers []string
	Topic   string

	// GroupID is the consumer group (default: "apiviews").
	GroupID string

	// CreateTopic lets the producer create a missing topic.
	CreateTopic bool
}

// Kafka is a queue on a Kafka topic. Messages are keyed by job id so jobs
// spread across partitions. Each consumer processes its messages in order and
// commits an offset only once the job succeeded or failed permanently, so
// retries happen in process and hold back the partition while they wait.
// Scale out with partitions and more consumers in the group.
type Kafka struct {
	registry
	opts   Options
	writer *kafka.Writer
	reader *kafka.Reader

	mu     sync.RWMutex
	closed bool
}

// NewKafka creates a Kafka-backed queue. No connection is made until the
// first Enqueue or Run.
func NewKafka(cfg KafkaConfig, opts Options) (*Kafka, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("queue: kafka brokers are required")
	}
	if cfg.Topic == "" {
		return nil, errors.New("queue: kafka topic is required")
	}
	if cfg.GroupID == "" {
		cfg.GroupID = "apiviews"
	}

	return &Kafka{
		opts: opts.withDefaults(),
		writer: &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        cfg.Topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			BatchTimeout: 10 * time.Millisecond,

			AllowAutoTopicCreation: cfg.CreateTopic,
		},
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:     cfg.Brokers,
			GroupID:     cfg.GroupID,
			Topic:       cfg.Topic,
			MinBytes:    1,
			MaxBytes:    10e6,
			StartOffset: kafka.FirstOffset,
		}),
	}, nil
}

// Enqueue implements Queue.
func (q *Kafka) Enqueue(ctx context.Context, name string, payload []byte) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrClosed
	}

	job := NewJob(name, payload)
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	err = q.writer.WriteMessages(ctx, kafka.Message{
		Key:     []byte(job.ID),
		Value:   raw,
		Headers: []kafka.Header{{Key: "job", Value: []byte(name)}},
	})
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", name, err)
	}
	return nil
}

// Run consumes the topic until ctx is cancelled or the queue is closed.
func (q *Kafka) Run(ctx context.Context) error {
	for {
		msg, err := q.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("fetch message: %w", err)
		}

		if err := q.process(ctx, msg.Value); err != nil {
			// Cancelled while retrying: leave the offset uncommitted so the
			// job is redelivered.
			return nil
		}
		if err := q.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("commit message: %w", err)
		}
	}
}

// process runs one message to completion. It only returns an error when ctx
// ends before the job does.
func (q *Kafka) process(ctx context.Context, raw []byte) error {
	job, err := decodeJob(raw)
	if err != nil {
		slog.ErrorContext(ctx, "queue: dropping undecodable job", "error", err)
		return nil
	}

	for {
		job.Attempt++
		err := q.dispatch(ctx, job)
		if err == nil {
			return nil
		}
		if !q.opts.retryable(job, err) {
			q.opts.fail(ctx, job, err)
			return nil
		}

		delay := q.opts.delay(job.Attempt)
		slog.WarnContext(ctx, "job failed, retrying",
			"job_id", job.ID,
			"job", job.Name,
			"attempt", job.Attempt,
			"retry_in", delay.String(),
			"error", err,
		)
		if err := sleep(ctx, delay); err != nil {
			return err
		}
	}
}

// Close stops accepting jobs and closes the Kafka writer and reader. A
// running Run returns.
func (q *Kafka) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	return errors.Join(q.writer.Close(), q.reader.Close())
}
