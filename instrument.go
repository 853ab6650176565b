package apiviews

// Request instrumentation for Chi and standard http.Handler.
//
// Instrumentation is the registration point observers attach to. Its Handler
// middleware records the response status, builds a RequestContext once the
// wrapped handler returns and passes it to every registered observer.

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
)

// Observer receives a RequestContext for every completed request.
type Observer interface {
	Observe(ctx context.Context, rc *RequestContext)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, rc *RequestContext)

// Observe calls fn(ctx, rc).
func (fn ObserverFunc) Observe(ctx context.Context, rc *RequestContext) {
	fn(ctx, rc)
}

// Hook is a registration point for observers.
type Hook interface {
	Register(o Observer)
}

var defaultCrawlerTokens = []string{
	"bot", "crawler", "spider", "slurp", "crawl", "facebookexternalhit",
	"mediapartners-google", "ia_archiver",
}

// Instrumentation implements Hook and provides the middleware that feeds
// observers.
type Instrumentation struct {
	mu            sync.RWMutex
	observers     []Observer
	trustProxy    bool
	crawlerTokens []string
	credentials   credentialsConfig
}

// InstrumentOption configures an Instrumentation.
type InstrumentOption func(*Instrumentation)

// WithTrustedProxyHeaders resolves RequestContext.RemoteIP from
// X-Forwarded-For or X-Real-IP.
//
// SECURITY: Only use this behind a trusted reverse proxy that sets these headers.
// Without a proxy, clients can spoof X-Forwarded-For.
func WithTrustedProxyHeaders() InstrumentOption {
	return func(i *Instrumentation) {
		i.trustProxy = true
	}
}

// WithCrawlerTokens replaces the case-insensitive User-Agent substrings that
// mark a request as a crawler.
func WithCrawlerTokens(tokens ...string) InstrumentOption {
	return func(i *Instrumentation) {
		i.crawlerTokens = make([]string, len(tokens))
		for n, t := range tokens {
			i.crawlerTokens[n] = strings.ToLower(t)
		}
	}
}

// WithCredentialOptions configures how API credentials are detected when no
// ExtractCredentials middleware ran earlier in the chain.
func WithCredentialOptions(opts ...CredentialOption) InstrumentOption {
	return func(i *Instrumentation) {
		i.credentials = newCredentialsConfig(opts)
	}
}

// NewInstrumentation creates an Instrumentation with no observers.
func NewInstrumentation(opts ...InstrumentOption) *Instrumentation {
	i := &Instrumentation{
		crawlerTokens: defaultCrawlerTokens,
		credentials:   newCredentialsConfig(nil),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Register adds an observer. Safe to call on a nil Instrumentation, which
// ignores it.
func (i *Instrumentation) Register(o Observer) {
	if i == nil || o == nil {
		return
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	i.observers = append(i.observers, o)
}

// Observers returns the number of registered observers.
func (i *Instrumentation) Observers() int {
	if i == nil {
		return 0
	}
	i.mu.RLock()
	defer i.mu.RUnlock()
	return len(i.observers)
}

// Handler returns the instrumentation middleware. It must wrap any middleware
// that defers writing the response (such as a context-based response writer),
// otherwise the recorded status is not final when observers run.
func (i *Instrumentation) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w}
		next.ServeHTTP(sw, r)

		i.mu.RLock()
		observers := i.observers
		i.mu.RUnlock()
		if len(observers) == 0 {
			return
		}

		rc := i.requestContext(r, sw.status())
		for _, o := range observers {
			notify(r.Context(), o, rc)
		}
	})
}

// notify shields the request from a panicking observer.
func notify(ctx context.Context, o Observer, rc *RequestContext) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.ErrorContext(ctx, "request observer panicked", "error", fmt.Sprint(rec), "path", rc.Path)
		}
	}()
	o.Observe(ctx, rc)
}

func (i *Instrumentation) requestContext(r *http.Request, status int) *RequestContext {
	creds, ok := CredentialsFromContext(r.Context())
	if !ok {
		creds = i.credentials.parse(r)
	}

	rc := &RequestContext{
		IsAPI:        creds.IsAPI(),
		IsUserAPI:    creds.IsUserAPI(),
		Status:       status,
		IsBackground: isBackground(r),
		IsCrawler:    i.isCrawler(r.UserAgent()),
		Header:       r.Header,
		Path:         r.URL.Path,
		ConnIP:       connIP(r),
		Credentials:  creds,
	}
	if i.trustProxy {
		rc.RemoteIP = forwardedIP(r)
	}
	return rc
}

func isBackground(r *http.Request) bool {
	if strings.EqualFold(r.Header.Get("Discourse-Background"), "true") {
		return true
	}
	return strings.HasPrefix(r.URL.Path, "/message-bus/")
}

func (i *Instrumentation) isCrawler(userAgent string) bool {
	if userAgent == "" {
		return false
	}
	ua := strings.ToLower(userAgent)
	for _, token := range i.crawlerTokens {
		if strings.Contains(ua, token) {
			return true
		}
	}
	return false
}

func connIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

func forwardedIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.Index(xff, ","); idx != -1 {
			return strings.TrimSpace(xff[:idx])
		}
		return strings.TrimSpace(xff)
	}
	return strings.TrimSpace(r.Header.Get("X-Real-IP"))
}

// statusWriter records the status code written by the wrapped handler.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (sw *statusWriter) WriteHeader(code int) {
	if sw.code == 0 {
		sw.code = code
	}
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *statusWriter) Write(b []byte) (int, error) {
	if sw.code == 0 {
		sw.code = http.StatusOK
	}
	return sw.ResponseWriter.Write(b)
}

func (sw *statusWriter) Flush() {
	if f, ok := sw.ResponseWriter.(http.Flusher); ok {
		if sw.code == 0 {
			sw.code = http.StatusOK
		}
		f.Flush()
	}
}

func (sw *statusWriter) Unwrap() http.ResponseWriter {
	return sw.ResponseWriter
}

// status returns the recorded code; a handler that wrote nothing produced 200.
func (sw *statusWriter) status() int {
	if sw.code == 0 {
		return http.StatusOK
	}
	return sw.code
}
