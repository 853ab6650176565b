package main

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	sentryhttp "github.com/getsentry/sentry-go/http"
	"github.com/go-chi/chi/v5"
	"github.com/nhalm/apiviews"
	"github.com/nhalm/apiviews/internal/httpkit"
	"github.com/nhalm/apiviews/queue"
	"github.com/nhalm/apiviews/store"
	"github.com/nhalm/apiviews/topics"
	"github.com/nhalm/canonlog"
)

const (
	settingsPath    = "/admin/plugins/api-topic-views/settings"
	maxSettingsBody = 4 << 10

	actorCacheSize = 4096
	actorCacheTTL  = 30 * time.Second
)

// deps is what newServer wires together.
type deps struct {
	Repo       *topics.Repository
	Counters   store.Store
	Queue      queue.Queue
	Settings   *apiviews.SettingsStore
	BasePath   string
	AdminToken string
	TrustProxy bool
}

type server struct {
	repo     *topics.Repository
	settings *apiviews.SettingsStore
	filter   *apiviews.Filter
	job      *apiviews.Job
	router   chi.Router
}

func newServer(d deps) *server {
	s := &server{
		repo:     d.Repo,
		settings: d.Settings,
	}

	s.filter = apiviews.NewFilter(d.Settings.Source(), d.Queue,
		apiviews.WithBasePath(d.BasePath),
		apiviews.WithActorResolver(apiviews.NewActorCache(d.Repo, actorCacheSize, actorCacheTTL)),
	)
	s.job = apiviews.NewJob(d.Settings.Source(), d.Repo,
		apiviews.WithVisits(d.Repo),
		apiviews.WithLimiter(apiviews.NewViewLimiter(d.Counters)),
	)
	d.Queue.Handle(apiviews.TrackViewJob, s.job.Process)

	var instOpts []apiviews.InstrumentOption
	if d.TrustProxy {
		instOpts = append(instOpts, apiviews.WithTrustedProxyHeaders())
	}
	inst := apiviews.NewInstrumentation(instOpts...)
	s.filter.Register(inst)

	r := chi.NewRouter()
	// Instrumentation observes the final status, so it wraps the response
	// layer.
	r.Use(inst.Handler)
	r.Use(httpkit.Handler(
		httpkit.WithCanonlog(),
		httpkit.WithSLOs(),
		httpkit.WithCanonlogFields(func(r *http.Request) map[string]any {
			return map[string]any{"user_agent": r.UserAgent()}
		}),
	))
	r.Use(sentryhttp.New(sentryhttp.Options{Repanic: true}).Handle)

	routes := func(r chi.Router) {
		r.Route("/t", func(r chi.Router) {
			r.Use(httpkit.SLO(httpkit.SLOHighFast))
			r.Get("/{id}", s.getTopic)
			r.Get("/{slug}/{id}", s.getTopic)
		})
		if d.AdminToken != "" {
			r.Route(settingsPath, func(r chi.Router) {
				r.Use(httpkit.SLO(httpkit.SLOLow))
				r.Use(httpkit.BearerToken(httpkit.StaticToken(d.AdminToken)))
				r.Get("/", s.getSettings)
				r.With(httpkit.MaxBodySize(maxSettingsBody)).Put("/", s.putSettings)
			})
		}
	}
	if d.BasePath == "" {
		routes(r)
	} else {
		r.Route(d.BasePath, routes)
	}
	r.NotFound(func(_ http.ResponseWriter, r *http.Request) {
		httpkit.SetError(r, httpkit.ErrNotFound)
	})

	s.router = r
	return s
}

func (s *server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type topicResponse struct {
	topics.Topic
	ViewsLabel string `json:"views_label"`
}

func (s *server) getTopic(_ http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httpkit.SetError(r, httpkit.ErrNotFound.With("Topic not found"))
		return
	}

	t, err := s.repo.Topic(r.Context(), id)
	if errors.Is(err, topics.ErrNotFound) {
		httpkit.SetError(r, httpkit.ErrNotFound.With("Topic not found"))
		return
	}
	if err != nil {
		canonlog.ErrorAdd(r.Context(), err)
		httpkit.SetError(r, httpkit.ErrInternal)
		return
	}

	canonlog.InfoAdd(r.Context(), "topic_id", t.ID)
	httpkit.SetResponse(r, http.StatusOK, topicResponse{Topic: t, ViewsLabel: humanize.Comma(t.Views)})
}

func (s *server) getSettings(_ http.ResponseWriter, r *http.Request) {
	httpkit.SetResponse(r, http.StatusOK, s.settings.Load())
}

// settingsRequest is a partial update; omitted fields keep their value.
type settingsRequest struct {
	Enabled           *bool   `json:"api_topic_views_enabled"`
	RequireHeader     *string `json:"api_topic_views_require_header" validate:"omitempty,max=128"`
	MaxPerMinutePerIP *int    `json:"api_topic_views_max_per_minute_per_ip" validate:"omitempty,gte=0"`
}

func (s *server) putSettings(_ http.ResponseWriter, r *http.Request) {
	var req settingsRequest
	if !httpkit.JSON(r, &req) {
		return
	}

	next := s.settings.Load()
	if req.Enabled != nil {
		next.Enabled = *req.Enabled
	}
	if req.RequireHeader != nil {
		next.RequireHeader = *req.RequireHeader
	}
	if req.MaxPerMinutePerIP != nil {
		next.MaxPerMinutePerIP = *req.MaxPerMinutePerIP
	}

	if err := s.settings.Store(next); err != nil {
		if errors.Is(err, apiviews.ErrInvalidSettings) {
			httpkit.SetError(r, httpkit.ErrBadRequest.With(err.Error()))
			return
		}
		canonlog.ErrorAdd(r.Context(), err)
		httpkit.SetError(r, httpkit.ErrInternal)
		return
	}
	canonlog.InfoAddMany(r.Context(), map[string]any{
		"settings_enabled":        next.Enabled,
		"settings_max_per_minute": next.MaxPerMinutePerIP,
	})
	httpkit.SetResponse(r, http.StatusOK, s.settings.Load())
}
