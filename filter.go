package apiviews

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
)

var errFilterNotConfigured = errors.New("apiviews: filter has no settings source or enqueuer")

// Filter decides per request whether it counts as a topic view and, if so,
// enqueues a WorkItem. It implements Observer.
type Filter struct {
	settings SettingsSource
	enqueuer Enqueuer
	actors   ActorResolver
	basePath string
}

// FilterOption configures a Filter.
type FilterOption func(*Filter)

// WithBasePath sets the subfolder the forum is served under (e.g. "/forum").
func WithBasePath(basePath string) FilterOption {
	return func(f *Filter) {
		f.basePath = basePath
	}
}

// WithActorResolver sets how request credentials map to a user id.
// Without one, work items carry no user.
func WithActorResolver(actors ActorResolver) FilterOption {
	return func(f *Filter) {
		f.actors = actors
	}
}

// NewFilter creates a filter that reads a settings snapshot from settings on
// every request and hands tracked views to enq.
func NewFilter(settings SettingsSource, enq Enqueuer, opts ...FilterOption) *Filter {
	f := &Filter{
		settings: settings,
		enqueuer: enq,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Register attaches the filter to hook. A nil hook, which is what hosts pass
// when instrumentation is unavailable, is a silent no-op and returns false.
func (f *Filter) Register(hook Hook) bool {
	if hook == nil {
		return false
	}
	if inst, ok := hook.(*Instrumentation); ok && inst == nil {
		return false
	}
	hook.Register(f)
	return true
}

// Handle evaluates rc against s. Predicates short-circuit in order; the first
// failing one yields NotTracked. Handle never panics: internal faults come back
// as InternalError.
func (f *Filter) Handle(ctx context.Context, s Settings, rc *RequestContext) (res Result) {
	defer func() {
		if rec := recover(); rec != nil {
			res = internalError(fmt.Errorf("apiviews: filter panic: %v", rec))
		}
	}()

	if rc == nil {
		return internalError(errors.New("apiviews: nil request context"))
	}

	switch {
	case !s.Enabled:
		return notTracked(ReasonDisabled)
	case !rc.IsAPI && !rc.IsUserAPI:
		return notTracked(ReasonNotAPI)
	case rc.Status != http.StatusOK:
		return notTracked(ReasonStatus)
	case rc.IsBackground:
		return notTracked(ReasonBackground)
	case rc.IsCrawler:
		return notTracked(ReasonCrawler)
	}

	if name := s.RequiredHeader(); name != "" {
		if strings.TrimSpace(headerValue(rc.Header, name)) == "" {
			return notTracked(ReasonMissingHeader)
		}
	}

	topicID, reason := targetID(rc.Path, f.basePath)
	if reason != "" {
		return notTracked(reason)
	}

	item := WorkItem{
		TopicID: topicID,
		IP:      clientIP(rc),
	}
	if userID, ok := f.resolveActor(ctx, rc.Credentials); ok {
		item.UserID = &userID
	}
	return tracked(item)
}

// headerValue looks name up in h. Keys that are not in canonical form, such
// as "x-count-as-view" or "HTTP_X_COUNT_AS_VIEW", are matched too.
func headerValue(h http.Header, name string) string {
	if v := h.Get(name); v != "" {
		return v
	}
	for k, vs := range h {
		if len(vs) > 0 && strings.EqualFold(normalizeHeaderName(k), name) {
			return vs[0]
		}
	}
	return ""
}

func clientIP(rc *RequestContext) string {
	if ip := strings.TrimSpace(rc.RemoteIP); ip != "" {
		return ip
	}
	return strings.TrimSpace(rc.ConnIP)
}

// resolveActor treats resolver errors and denials as "no actor".
func (f *Filter) resolveActor(ctx context.Context, creds Credentials) (int64, bool) {
	if f.actors == nil {
		return 0, false
	}
	userID, ok, err := f.actors.ResolveActor(ctx, creds)
	if err != nil {
		slog.DebugContext(ctx, "api topic views: actor lookup failed", "error", err)
		return 0, false
	}
	if !ok || userID == 0 {
		return 0, false
	}
	return userID, true
}

// Observe runs Handle with the current settings snapshot and enqueues the
// work item of a tracked request. Errors are logged, never returned.
func (f *Filter) Observe(ctx context.Context, rc *RequestContext) {
	if f.settings == nil || f.enqueuer == nil {
		logError(ctx, "api topic views: filter failed", errFilterNotConfigured, nil)
		return
	}

	res := f.Handle(ctx, f.settings(), rc)

	switch res.Outcome {
	case InternalError:
		logError(ctx, "api topic views: filter failed", res.Err, map[string]any{
			"api_topic_views": res.Outcome.String(),
		})
		return
	case NotTracked:
		path := ""
		if rc != nil {
			path = rc.Path
		}
		slog.DebugContext(ctx, "api topic views: not tracked", "reason", string(res.Reason), "path", path)
		return
	}

	payload, err := json.Marshal(res.Item)
	if err != nil {
		logError(ctx, "api topic views: encode work item", err, map[string]any{"topic_id": res.Item.TopicID})
		return
	}

	if err := f.enqueuer.Enqueue(ctx, TrackViewJob, payload); err != nil {
		logError(ctx, "api topic views: enqueue failed", err, map[string]any{
			"api_topic_views": "enqueue_failed",
			"topic_id":        res.Item.TopicID,
		})
		return
	}

	annotate(ctx, map[string]any{
		"api_topic_views": res.Outcome.String(),
		"topic_id":        res.Item.TopicID,
	})
}
