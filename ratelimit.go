package apiviews

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/nhalm/apiviews/store"
)

// RateLimitWindow is the fixed window for per-IP, per-topic view limits.
const RateLimitWindow = 60 * time.Second

// ViewLimiter is a fixed-window counter keyed by (ip, topic). A burst that
// straddles a window boundary can be admitted up to twice the ceiling.
type ViewLimiter struct {
	store  store.Store
	window time.Duration
	name   string
}

// LimiterOption configures a ViewLimiter.
type LimiterOption func(*ViewLimiter)

// LimiterWithName sets the key prefix (default: "api-topic-views").
func LimiterWithName(name string) LimiterOption {
	return func(l *ViewLimiter) {
		l.name = name
	}
}

// LimiterWithWindow overrides the window length (default: RateLimitWindow).
func LimiterWithWindow(window time.Duration) LimiterOption {
	return func(l *ViewLimiter) {
		l.window = window
	}
}

// NewViewLimiter creates a limiter over st. For more than one worker process
// st must be shared, e.g. store.Redis.
func NewViewLimiter(st store.Store, opts ...LimiterOption) *ViewLimiter {
	l := &ViewLimiter{
		store:  st,
		window: RateLimitWindow,
		name:   "api-topic-views",
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Key returns the counter key for ip and topicID.
func (l *ViewLimiter) Key(ip string, topicID int64) string {
	var sb strings.Builder
	sb.Grow(len(l.name) + len(ip) + 22)
	sb.WriteString(l.name)
	sb.WriteByte(':')
	sb.WriteString(ip)
	sb.WriteByte(':')
	sb.WriteString(strconv.FormatInt(topicID, 10))
	return sb.String()
}

// Allow reports whether another view from ip on topicID fits under ceiling in
// the current window, and counts it if so. A ceiling of zero or less admits
// everything without touching the store.
func (l *ViewLimiter) Allow(ctx context.Context, ip string, topicID int64, ceiling int) (bool, error) {
	if ceiling <= 0 {
		return true, nil
	}
	limit := int64(ceiling)
	key := l.Key(ip, topicID)

	current, err := l.store.Get(ctx, key)
	if err != nil {
		return false, err
	}
	if current >= limit {
		return false, nil
	}

	// Get and Increment are separate calls; the count returned by the atomic
	// increment is what keeps concurrent workers under the ceiling.
	count, _, err := l.store.Increment(ctx, key, l.window)
	if err != nil {
		return false, err
	}
	return count <= limit, nil
}
