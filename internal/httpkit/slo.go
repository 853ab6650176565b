package httpkit

import (
	"context"
	"net/http"
	"time"
)

// SLOTier names a latency objective.
type SLOTier string

const (
	// SLOHighFast is for interactive reads (100ms).
	SLOHighFast SLOTier = "high_fast"
	// SLOHighSlow is for interactive writes (1s).
	SLOHighSlow SLOTier = "high_slow"
	// SLOLow is for administrative requests (5s).
	SLOLow SLOTier = "low"
)

var sloTargets = map[SLOTier]time.Duration{
	SLOHighFast: 100 * time.Millisecond,
	SLOHighSlow: time.Second,
	SLOLow:      5 * time.Second,
}

type sloContextKey string

const sloKey sloContextKey = "httpkit_slo"

type slo struct {
	tier   SLOTier
	target time.Duration
}

// SLO tags the routes it wraps with tier. Unknown tiers are ignored.
func SLO(tier SLOTier) func(http.Handler) http.Handler {
	target, known := sloTargets[tier]
	return func(next http.Handler) http.Handler {
		if !known {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := context.WithValue(r.Context(), sloKey, slo{tier: tier, target: target})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetSLO returns the tier and target set by SLO.
func GetSLO(ctx context.Context) (SLOTier, time.Duration, bool) {
	s, ok := ctx.Value(sloKey).(slo)
	return s.tier, s.target, ok
}
