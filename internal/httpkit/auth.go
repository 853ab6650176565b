package httpkit

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// TokenValidator reports whether a bearer token is accepted. It is called
// concurrently.
type TokenValidator func(token string) bool

// StaticToken accepts exactly want, compared in constant time. An empty want
// accepts nothing.
func StaticToken(want string) TokenValidator {
	return func(token string) bool {
		return want != "" && subtle.ConstantTimeCompare([]byte(token), []byte(want)) == 1
	}
}

// BearerToken returns middleware that requires "Authorization: Bearer <token>"
// accepted by validate. Rejections are 401.
func BearerToken(validate TokenValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			var msg string
			switch {
			case auth == "":
				msg = "Missing authorization header"
			// RFC 7235: the scheme is case-insensitive
			case len(auth) < 7 || !strings.EqualFold(auth[:7], "bearer "):
				msg = "Invalid authorization format"
			case !validate(auth[7:]):
				msg = "Invalid bearer token"
			}
			if msg == "" {
				next.ServeHTTP(w, r)
				return
			}
			if HasState(r.Context()) {
				SetError(r, ErrUnauthorized.With(msg))
			} else {
				http.Error(w, msg, http.StatusUnauthorized)
			}
		})
	}
}
