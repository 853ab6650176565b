package apiviews

import (
	"context"
	"net/http"
)

type credentialsContextKey string

const credentialsKey credentialsContextKey = "api_credentials"

// Credentials are the API credentials presented by a request. They are only
// detected here; validating them is the job of an ActorResolver.
type Credentials struct {
	APIKey      string
	APIUsername string
	UserAPIKey  string
}

// IsAPI reports whether an admin API key or API username was presented.
func (c Credentials) IsAPI() bool {
	return c.APIKey != "" || c.APIUsername != ""
}

// IsUserAPI reports whether a user API key was presented.
func (c Credentials) IsUserAPI() bool {
	return c.UserAPIKey != ""
}

// credentialsConfig configures credential detection.
type credentialsConfig struct {
	// APIKeyHeader is the header carrying an admin API key (default: "Api-Key")
	APIKeyHeader string

	// APIUsernameHeader is the header naming the acting user (default: "Api-Username")
	APIUsernameHeader string

	// UserAPIKeyHeader is the header carrying a user API key (default: "User-Api-Key")
	UserAPIKeyHeader string

	// Query enables the legacy api_key / api_username query parameters (default: true)
	Query bool
}

// CredentialOption configures credential detection.
type CredentialOption func(*credentialsConfig)

// WithAPIKeyHeader sets the header to read the admin API key from.
func WithAPIKeyHeader(header string) CredentialOption {
	return func(c *credentialsConfig) {
		c.APIKeyHeader = header
	}
}

// WithAPIUsernameHeader sets the header to read the API username from.
func WithAPIUsernameHeader(header string) CredentialOption {
	return func(c *credentialsConfig) {
		c.APIUsernameHeader = header
	}
}

// WithUserAPIKeyHeader sets the header to read the user API key from.
func WithUserAPIKeyHeader(header string) CredentialOption {
	return func(c *credentialsConfig) {
		c.UserAPIKeyHeader = header
	}
}

// WithoutQueryCredentials ignores api_key and api_username query parameters.
func WithoutQueryCredentials() CredentialOption {
	return func(c *credentialsConfig) {
		c.Query = false
	}
}

func newCredentialsConfig(opts []CredentialOption) credentialsConfig {
	cfg := credentialsConfig{
		APIKeyHeader:      "Api-Key",
		APIUsernameHeader: "Api-Username",
		UserAPIKeyHeader:  "User-Api-Key",
		Query:             true,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

func (cfg credentialsConfig) parse(r *http.Request) Credentials {
	creds := Credentials{
		APIKey:      r.Header.Get(cfg.APIKeyHeader),
		APIUsername: r.Header.Get(cfg.APIUsernameHeader),
		UserAPIKey:  r.Header.Get(cfg.UserAPIKeyHeader),
	}
	if cfg.Query && (creds.APIKey == "" || creds.APIUsername == "") {
		q := r.URL.Query()
		if creds.APIKey == "" {
			creds.APIKey = q.Get("api_key")
		}
		if creds.APIUsername == "" {
			creds.APIUsername = q.Get("api_username")
		}
	}
	return creds
}

// ParseCredentials reads API credentials from r.
func ParseCredentials(r *http.Request, opts ...CredentialOption) Credentials {
	return newCredentialsConfig(opts).parse(r)
}

// ExtractCredentials returns middleware that detects API credentials and
// stores them in the request context for CredentialsFromContext. Requests are
// never rejected; authentication stays with the host.
func ExtractCredentials(opts ...CredentialOption) func(http.Handler) http.Handler {
	cfg := newCredentialsConfig(opts)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := context.WithValue(r.Context(), credentialsKey, cfg.parse(r))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// CredentialsFromContext retrieves credentials stored by ExtractCredentials.
func CredentialsFromContext(ctx context.Context) (Credentials, bool) {
	creds, ok := ctx.Value(credentialsKey).(Credentials)
	return creds, ok
}
