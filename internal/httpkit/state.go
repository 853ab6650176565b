package httpkit

import (
	"context"
	"net/http"
	"sync"
)

type stateContextKey string

const stateKey stateContextKey = "httpkit_state"

// state is the pending response of one request.
type state struct {
	mu     sync.Mutex
	err    *APIError
	status int
	body   any
}

func getState(ctx context.Context) *state {
	s, _ := ctx.Value(stateKey).(*state)
	return s
}

// HasState reports whether Handler is active for ctx.
func HasState(ctx context.Context) bool {
	return getState(ctx) != nil
}

// SetError sets the error response. Without Handler it is a no-op.
func SetError(r *http.Request, err *APIError) {
	s := getState(r.Context())
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// SetResponse sets the success response. Without Handler it is a no-op.
func SetResponse(r *http.Request, status int, body any) {
	s := getState(r.Context())
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = status
	s.body = body
}
