package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/k-okoli/type-of-faith/internal/db"
	"github.com/k-okoli/type-of-faith/internal/lobby"
)

type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	AvatarID string `json:"avatar_id"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	ident, token, err := s.Auth.Register(req.Username, req.Password, req.AvatarID)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	s.Log.Info().Str("user", ident.UserID).Str("username", ident.Username).Msg("user registered")
	writeJSON(w, http.StatusCreated, map[string]any{"token": token, "user": ident})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	ident, token, err := s.Auth.Login(req.Username, req.Password)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"token": token, "user": ident})
}

func (s *Server) handleVerse(w http.ResponseWriter, r *http.Request) {
	ref := r.URL.Query().Get("ref")
	if ref == "" {
		writeError(w, http.StatusBadRequest, "ref is required")
		return
	}
	passage, err := s.Content.Fetch(r.Context(), ref, r.URL.Query().Get("version"))
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, passage)
}

type createLobbyRequest struct {
	Ref        string `json:"ref"`
	Version    string `json:"version"`
	MaxPlayers int    `json:"max_players"`
}

func (s *Server) handleCreateLobby(w http.ResponseWriter, r *http.Request) {
	ident := identityFrom(r)

	var req createLobbyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Ref == "" {
		writeError(w, http.StatusBadRequest, "ref is required")
		return
	}
	maxPlayers := req.MaxPlayers
	if maxPlayers < 2 || maxPlayers > s.Cfg.MaxPlayers {
		maxPlayers = s.Cfg.MaxPlayers
	}

	passage, err := s.Content.Fetch(r.Context(), req.Ref, req.Version)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	l, err := s.Lobbies.Create(ident.UserID, passage.Reference, passage.Version, passage.Text, maxPlayers)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create lobby")
		return
	}
	writeJSON(w, http.StatusCreated, l.Snapshot())
}

func (s *Server) handleListLobbies(w http.ResponseWriter, r *http.Request) {
	views := make([]lobby.View, 0)
	for _, l := range s.Lobbies.List() {
		views = append(views, l.Snapshot())
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleLobby(w http.ResponseWriter, r *http.Request) {
	view, err := s.Engine.Snapshot(lobbyID(r))
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleRematch(w http.ResponseWriter, r *http.Request) {
	ident := identityFrom(r)
	if err := s.Engine.Rematch(lobbyID(r), ident.UserID); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDailyLeaderboard(w http.ResponseWriter, r *http.Request) {
	if s.DB == nil {
		writeJSON(w, http.StatusOK, []db.DailyLeader{})
		return
	}
	leaders, err := s.DB.TopDailyScores(10)
	if err != nil {
		s.Log.Error().Err(err).Msg("querying daily leaderboard")
		writeError(w, http.StatusInternalServerError, "leaderboard unavailable")
		return
	}
	if leaders == nil {
		leaders = []db.DailyLeader{}
	}
	writeJSON(w, http.StatusOK, leaders)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	if s.DB != nil {
		if err := s.DB.Ping(); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprintf(w, `{"status":"db_error","error":"%s"}`, err.Error())
			return
		}
	}
	fmt.Fprintf(w, `{"status":"%s"}`, status)
}

func lobbyID(r *http.Request) string {
	return strings.ToUpper(mux.Vars(r)["id"])
}
