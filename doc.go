// Package apiviews counts selected API requests for forum topics as topic views.
//
// Two components run in sequence. The Filter observes every completed request
// through an Instrumentation hook and decides whether it is a trackable view:
// the plugin must be enabled, the request must carry an API or user API
// credential, the response must be 200, the request must not be a background
// or crawler request, an optional marker header must be present, and the path
// must name a topic (/t/<slug>/<id> or /t/<id>). A tracked request becomes a
// WorkItem handed to an asynchronous queue under the TrackViewJob name.
//
// The Job consumes work items. It applies an optional fixed-window per-IP,
// per-topic rate limit against a store.Store, revalidates the topic, increments
// its view counter in the database and records the user's visit.
//
// Basic wiring:
//
//	settings, _ := apiviews.NewSettingsStore(apiviews.Settings{Enabled: true})
//	q := queue.NewMemory(queue.Options{Workers: 4})
//
//	inst := apiviews.NewInstrumentation()
//	actors := apiviews.NewActorCache(repo, 4096, 30*time.Second)
//	filter := apiviews.NewFilter(settings.Source(), q, apiviews.WithActorResolver(actors))
//	filter.Register(inst)
//
//	job := apiviews.NewJob(settings.Source(), repo,
//	    apiviews.WithVisits(repo),
//	    apiviews.WithLimiter(apiviews.NewViewLimiter(store.NewMemory())),
//	)
//	q.Handle(apiviews.TrackViewJob, job.Process)
//	go q.Run(ctx)
//
//	r := chi.NewRouter()
//	r.Use(inst.Handler)
//
// Policy rejections are silent and only visible at slog debug level. Faults
// inside the filter are logged and suppressed so the request is never
// disturbed. Faults inside the job are logged and returned so the queue can
// retry.
package apiviews
