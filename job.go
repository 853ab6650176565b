package apiviews

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nhalm/canonlog"
)

// ErrNoLimiter is returned when rate limiting is configured but the job has
// no ViewLimiter.
var ErrNoLimiter = errors.New("apiviews: rate limit configured without a limiter")

// TopicRef is the part of a topic the job needs.
type TopicRef struct {
	ID      int64
	Deleted bool
}

// UserRef is the part of a user the job needs.
type UserRef struct {
	ID    int64
	Human bool
}

// Targets is the persistence the job needs for topics.
type Targets interface {
	FindTopic(ctx context.Context, id int64) (TopicRef, bool, error)
	// IncrementViews must add one to the stored counter in a single
	// statement, not by writing back a value read earlier.
	IncrementViews(ctx context.Context, id int64) error
}

// Visits is the persistence the job needs for visit markers.
type Visits interface {
	FindUser(ctx context.Context, id int64) (UserRef, bool, error)
	TrackVisit(ctx context.Context, userID, topicID int64, at time.Time) error
}

// Job executes TrackViewJob work items.
type Job struct {
	settings SettingsSource
	targets  Targets
	visits   Visits
	limiter  *ViewLimiter
	now      func() time.Time
}

// JobOption configures a Job.
type JobOption func(*Job)

// WithLimiter sets the limiter used when Settings.MaxPerMinutePerIP > 0.
func WithLimiter(l *ViewLimiter) JobOption {
	return func(j *Job) {
		j.limiter = l
	}
}

// WithVisits enables visit tracking for work items that name a user.
func WithVisits(v Visits) JobOption {
	return func(j *Job) {
		j.visits = v
	}
}

// WithClock overrides the clock used for visit timestamps.
func WithClock(now func() time.Time) JobOption {
	return func(j *Job) {
		j.now = now
	}
}

// NewJob creates a job over targets.
func NewJob(settings SettingsSource, targets Targets, opts ...JobOption) *Job {
	j := &Job{
		settings: settings,
		targets:  targets,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// Process is the queue handler for TrackViewJob. Payloads that do not decode
// are dropped, not retried.
func (j *Job) Process(ctx context.Context, payload []byte) error {
	var item WorkItem
	if err := json.Unmarshal(payload, &item); err != nil {
		slog.DebugContext(ctx, "api topic views: dropping malformed work item", "error", err)
		return nil
	}
	var s Settings
	if j.settings != nil {
		s = j.settings()
	}
	return j.Execute(ctx, s, item)
}

// Execute applies the rate limit, increments the topic's view counter and
// records the user's visit. Items without a topic id or IP are dropped.
// Errors are logged with the item's fields and returned for the queue to retry.
func (j *Job) Execute(ctx context.Context, s Settings, item WorkItem) error {
	if item.TopicID == 0 || item.IP == "" {
		return nil
	}

	ctx = canonlog.NewContext(ctx)
	defer canonlog.Flush(ctx)

	fields := map[string]any{
		"job":      TrackViewJob,
		"topic_id": item.TopicID,
		"ip":       item.IP,
	}
	if item.UserID != nil {
		fields["user_id"] = *item.UserID
	}
	canonlog.InfoAddMany(ctx, fields)

	outcome, err := j.execute(ctx, s, item)
	canonlog.InfoAdd(ctx, "outcome", outcome)
	if err != nil {
		canonlog.ErrorAdd(ctx, err)
		return fmt.Errorf("track view of topic %d from %s: %w", item.TopicID, item.IP, err)
	}
	return nil
}

func (j *Job) execute(ctx context.Context, s Settings, item WorkItem) (string, error) {
	if s.MaxPerMinutePerIP > 0 {
		if j.limiter == nil {
			return "failed", ErrNoLimiter
		}
		ok, err := j.limiter.Allow(ctx, item.IP, item.TopicID, s.MaxPerMinutePerIP)
		if err != nil {
			return "failed", fmt.Errorf("rate limit: %w", err)
		}
		if !ok {
			return "rate_limited", nil
		}
	}

	topic, found, err := j.targets.FindTopic(ctx, item.TopicID)
	if err != nil {
		return "failed", fmt.Errorf("find topic: %w", err)
	}
	if !found {
		return "topic_not_found", nil
	}
	if topic.Deleted {
		return "topic_deleted", nil
	}

	if err := j.targets.IncrementViews(ctx, item.TopicID); err != nil {
		return "failed", fmt.Errorf("increment views: %w", err)
	}

	if item.UserID == nil || j.visits == nil {
		return "counted", nil
	}

	user, found, err := j.visits.FindUser(ctx, *item.UserID)
	if err != nil {
		return "failed", fmt.Errorf("find user: %w", err)
	}
	if !found || !user.Human {
		return "counted", nil
	}
	if err := j.visits.TrackVisit(ctx, user.ID, item.TopicID, j.now()); err != nil {
		return "failed", fmt.Errorf("track visit: %w", err)
	}
	return "counted_with_visit", nil
}
