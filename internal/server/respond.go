package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/k-okoli/type-of-faith/internal/auth"
	"github.com/k-okoli/type-of-faith/internal/content"
	"github.com/k-okoli/type-of-faith/internal/lobby"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusFor maps component errors onto conventional HTTP codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, auth.ErrUnauthorized), errors.Is(err, auth.ErrInvalidCredentials):
		return http.StatusUnauthorized
	case errors.Is(err, auth.ErrUsernameTaken):
		return http.StatusConflict
	case errors.Is(err, lobby.ErrNotFound), errors.Is(err, content.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, lobby.ErrFull),
		errors.Is(err, lobby.ErrRaceInProgress),
		errors.Is(err, lobby.ErrAlreadyFinished):
		return http.StatusConflict
	case errors.Is(err, lobby.ErrNotHost), errors.Is(err, lobby.ErrNoParticipant):
		return http.StatusForbidden
	case errors.Is(err, lobby.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, content.ErrUnsupportedVersion):
		return http.StatusBadRequest
	case errors.Is(err, content.ErrUpstream):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
