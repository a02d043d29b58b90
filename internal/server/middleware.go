package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/k-okoli/type-of-faith/internal/auth"
)

type ctxKey int

const identityKey ctxKey = iota

// requireAuth validates the bearer credential and stashes the resolved
// identity in the request context.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ident, err := s.Auth.Validate(bearerToken(r))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid or expired credential")
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), identityKey, ident)))
	}
}

func identityFrom(r *http.Request) auth.Identity {
	ident, _ := r.Context().Value(identityKey).(auth.Identity)
	return ident
}

// bearerToken pulls the credential from the Authorization header, falling
// back to a token query parameter for WebSocket clients that cannot set
// headers.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}
