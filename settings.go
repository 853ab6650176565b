package apiviews

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/go-playground/validator/v10"
)

// ErrInvalidSettings is returned when a settings snapshot fails validation.
var ErrInvalidSettings = errors.New("apiviews: invalid settings")

// Settings is a snapshot of the plugin configuration. Both the filter and the
// job receive a snapshot per invocation instead of reading global state.
type Settings struct {
	// Enabled turns view tracking on.
	Enabled bool `json:"api_topic_views_enabled"`

	// RequireHeader, when non-empty, names a header that must be present on
	// the request for it to count. Either the canonical form (X-Count-As-View)
	// or the CGI form (HTTP_X_COUNT_AS_VIEW) is accepted.
	RequireHeader string `json:"api_topic_views_require_header" validate:"omitempty,max=128,header_name"`

	// MaxPerMinutePerIP caps counted views per IP and topic per minute.
	// Zero disables rate limiting.
	MaxPerMinutePerIP int `json:"api_topic_views_max_per_minute_per_ip" validate:"gte=0"`
}

var settingsValidator = newSettingsValidator()

func newSettingsValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.RegisterValidation("header_name", validateHeaderName); err != nil {
		panic(err)
	}
	return v
}

func validateHeaderName(fl validator.FieldLevel) bool {
	name := normalizeHeaderName(fl.Field().String())
	if name == "" {
		return true
	}
	for i := 0; i < len(name); i++ {
		if !isTokenChar(name[i]) {
			return false
		}
	}
	return true
}

// isTokenChar reports whether c may appear in an RFC 9110 field name.
func isTokenChar(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	}
	return strings.IndexByte("!#$%&'*+-.^_`|~", c) >= 0
}

// Validate checks the snapshot. The returned error wraps ErrInvalidSettings.
func (s Settings) Validate() error {
	if err := settingsValidator.Struct(s); err != nil {
		var errs validator.ValidationErrors
		if errors.As(err, &errs) && len(errs) > 0 {
			return fmt.Errorf("%w: %s failed %s", ErrInvalidSettings, errs[0].Field(), errs[0].Tag())
		}
		return fmt.Errorf("%w: %v", ErrInvalidSettings, err)
	}
	return nil
}

// RequiredHeader returns the configured marker header in canonical form, or
// "" when none is required.
func (s Settings) RequiredHeader() string {
	return normalizeHeaderName(s.RequireHeader)
}

// normalizeHeaderName maps " HTTP_X_COUNT_AS_VIEW " and "x-count-as-view"
// to the same lookup key.
func normalizeHeaderName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}
	if len(name) > 5 && strings.EqualFold(name[:5], "HTTP_") {
		name = name[5:]
	}
	if !strings.Contains(name, "-") {
		name = strings.ReplaceAll(name, "_", "-")
	}
	return name
}

// SettingsSource returns the current settings snapshot.
type SettingsSource func() Settings

// StaticSettings returns a source that always yields s.
func StaticSettings(s Settings) SettingsSource {
	return func() Settings { return s }
}

// SettingsStore holds the live settings and hands out immutable snapshots.
// Safe for concurrent use.
type SettingsStore struct {
	current atomic.Pointer[Settings]
}

// NewSettingsStore creates a store seeded with initial.
func NewSettingsStore(initial Settings) (*SettingsStore, error) {
	st := &SettingsStore{}
	if err := st.Store(initial); err != nil {
		return nil, err
	}
	return st, nil
}

// Load returns the current snapshot.
func (st *SettingsStore) Load() Settings {
	if s := st.current.Load(); s != nil {
		return *s
	}
	return Settings{}
}

// Store validates s and makes it the current snapshot.
func (st *SettingsStore) Store(s Settings) error {
	if err := s.Validate(); err != nil {
		return err
	}
	s.RequireHeader = strings.TrimSpace(s.RequireHeader)
	st.current.Store(&s)
	return nil
}

// Source returns a SettingsSource reading from the store.
func (st *SettingsStore) Source() SettingsSource {
	return st.Load
}
