package server

import (
	"net/http"
	"os"

	"github.com/gorilla/mux"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/k-okoli/type-of-faith/internal/auth"
	"github.com/k-okoli/type-of-faith/internal/config"
	"github.com/k-okoli/type-of-faith/internal/content"
	"github.com/k-okoli/type-of-faith/internal/db"
	"github.com/k-okoli/type-of-faith/internal/lobby"
	"github.com/k-okoli/type-of-faith/internal/race"
	"github.com/k-okoli/type-of-faith/internal/results"
	"github.com/k-okoli/type-of-faith/internal/wshub"
)

type Server struct {
	Cfg     config.Config
	Lobbies *lobby.Store
	Hub     *wshub.Hub
	Engine  *race.Engine
	Auth    *auth.Service
	Content *content.Provider
	DB      *db.DB // nil if no database configured
	Log     zerolog.Logger
}

func Run() error {
	cfg := config.Load()
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	var (
		database *db.DB
		users    auth.UserStore = auth.NewMemoryStore()
		storage  results.Storage
	)
	if cfg.DatabaseURL != "" {
		d, err := db.Connect(cfg.DatabaseURL, logger)
		if err != nil {
			logger.Warn().Err(err).Msg("database unavailable, running without persistence")
		} else if err := d.Migrate(); err != nil {
			logger.Warn().Err(err).Msg("migration failed, running without persistence")
			d.Close()
		} else {
			database = d
			users = d
			storage = d
		}
	} else {
		logger.Info().Msg("DATABASE_URL not set, running without persistence")
	}

	clock := clockwork.NewRealClock()
	store := lobby.NewStore(cfg.LobbyTTL, logger)
	hub := wshub.NewHub(logger)
	resolver := results.New(storage, clock, logger)
	engine := race.NewEngine(store, hub, resolver, clock, race.Config{
		CountdownTicks:   cfg.CountdownTicks,
		TickInterval:     cfg.TickInterval,
		RaceTimeout:      cfg.RaceTimeout,
		WPMCeiling:       cfg.WPMCeiling,
		ProgressInterval: cfg.ProgressInterval,
	}, logger)

	srv := &Server{
		Cfg:     cfg,
		Lobbies: store,
		Hub:     hub,
		Engine:  engine,
		Auth:    auth.NewService(cfg.JWTSecret, cfg.TokenTTL, users),
		Content: content.NewProvider(cfg.APIBibleKey, logger),
		DB:      database,
		Log:     logger.With().Str("component", "server").Logger(),
	}

	addr := "0.0.0.0:" + cfg.Port
	logger.Info().Str("addr", addr).Msg("server listening")
	return http.ListenAndServe(addr, srv.Routes())
}

func (s *Server) Routes() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/register", s.handleRegister).Methods(http.MethodPost)
	api.HandleFunc("/login", s.handleLogin).Methods(http.MethodPost)
	api.HandleFunc("/verse", s.handleVerse).Methods(http.MethodGet)
	api.HandleFunc("/lobbies", s.handleListLobbies).Methods(http.MethodGet)
	api.HandleFunc("/lobbies", s.requireAuth(s.handleCreateLobby)).Methods(http.MethodPost)
	api.HandleFunc("/lobbies/{id}", s.handleLobby).Methods(http.MethodGet)
	api.HandleFunc("/lobbies/{id}/rematch", s.requireAuth(s.handleRematch)).Methods(http.MethodPost)
	api.HandleFunc("/leaderboard/daily", s.handleDailyLeaderboard).Methods(http.MethodGet)

	r.HandleFunc("/ws/lobbies/{id}", s.handleWS)
	return r
}
