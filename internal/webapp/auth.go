package webapp

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
)

type contextKey string

const backendsKey contextKey = "backends"

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
		return token
	}
	return ""
}

// agentAuth admits only the agent holding the backend's job server token.
// Unknown backends 404 rather than 401, so probing for backend names with a
// stolen token reveals nothing.
func (s *Server) agentAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		backend := chi.URLParam(r, "backend")
		expected, ok := s.ctrl.Config().JobServerTokens[backend]
		if !ok {
			writeError(w, http.StatusNotFound, "unknown backend")
			return
		}
		token := bearerToken(r)
		if token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(expected)) != 1 {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientAuth admits holders of a client token and records the backends it
// grants in the request context.
func (s *Server) clientAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		backends, ok := s.ctrl.Config().BackendsForToken(bearerToken(r))
		if !ok {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		ctx := context.WithValue(r.Context(), backendsKey, backends)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// allowedBackends returns the backends the request's token grants.
func allowedBackends(r *http.Request) []string {
	backends, _ := r.Context().Value(backendsKey).([]string)
	return backends
}

func backendAllowed(r *http.Request, backend string) bool {
	for _, b := range allowedBackends(r) {
		if b == backend {
			return true
		}
	}
	return false
}
