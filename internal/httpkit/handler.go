package httpkit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/nhalm/canonlog"
)

// HandlerOption configures Handler.
type HandlerOption func(*config)

type config struct {
	canonlog       bool
	canonlogFields func(*http.Request) map[string]any
	slos           bool
}

// WithCanonlog logs one line per request with method, path, route, status
// and duration_ms, plus anything handlers add through canonlog.
func WithCanonlog() HandlerOption {
	return func(c *config) {
		c.canonlog = true
	}
}

// WithCanonlogFields adds fields computed from the request at its start.
func WithCanonlogFields(fn func(*http.Request) map[string]any) HandlerOption {
	return func(c *config) {
		c.canonlogFields = fn
	}
}

// WithSLOs logs slo_class and slo_status for routes wrapped with SLO.
// Requires WithCanonlog.
func WithSLOs() HandlerOption {
	return func(c *config) {
		c.slos = true
	}
}

// Handler returns middleware that owns the response: it recovers panics,
// writes whatever SetResponse or SetError stored, and flushes the canonical
// log line.
func Handler(opts ...HandlerOption) func(http.Handler) http.Handler {
	cfg := &config{}
	for _, opt := range opts {
		opt(cfg)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			st := &state{}
			ctx := context.WithValue(r.Context(), stateKey, st)

			start := time.Now()
			if cfg.canonlog {
				ctx = canonlog.NewContext(ctx)
				canonlog.InfoAddMany(ctx, map[string]any{
					"method": r.Method,
					"path":   r.URL.Path,
				})
				if cfg.canonlogFields != nil {
					canonlog.InfoAddMany(ctx, cfg.canonlogFields(r))
				}
			}
			r = r.WithContext(ctx)

			defer func() {
				if rec := recover(); rec != nil {
					st.mu.Lock()
					st.err = ErrInternal
					st.mu.Unlock()
					if cfg.canonlog {
						canonlog.ErrorAdd(ctx, fmt.Errorf("panic: %v", rec))
					}
				}
				if cfg.canonlog {
					logRequest(ctx, cfg, st, time.Since(start))
				}
				st.write(w)
			}()

			next.ServeHTTP(w, r)
		})
	}
}

func logRequest(ctx context.Context, cfg *config, st *state, elapsed time.Duration) {
	st.mu.Lock()
	status := st.status
	if status == 0 {
		status = http.StatusOK
	}
	if st.err != nil {
		status = st.err.Status
		canonlog.ErrorAdd(ctx, st.err)
	}
	st.mu.Unlock()

	route := ""
	if rctx := chi.RouteContext(ctx); rctx != nil {
		route = rctx.RoutePattern()
	}
	canonlog.InfoAddMany(ctx, map[string]any{
		"route":       route,
		"status":      status,
		"duration_ms": elapsed.Milliseconds(),
	})

	if cfg.slos {
		if tier, target, ok := GetSLO(ctx); ok {
			result := "PASS"
			if elapsed > target {
				result = "FAIL"
			}
			canonlog.InfoAdd(ctx, "slo_class", string(tier))
			canonlog.InfoAdd(ctx, "slo_status", result)
		}
	}

	canonlog.Flush(ctx)
}

func (st *state) write(w http.ResponseWriter) {
	st.mu.Lock()
	defer st.mu.Unlock()

	switch {
	case st.err != nil:
		writeJSON(w, st.err.Status, errorResponse{Error: st.err})
	case st.body != nil:
		writeJSON(w, st.status, st.body)
	case st.status != 0:
		w.WriteHeader(st.status)
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	buf := new(bytes.Buffer)
	if err := json.NewEncoder(buf).Encode(body); err != nil {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("Internal server error"))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(buf.Bytes())
}
