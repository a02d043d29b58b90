package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port        string
	DatabaseURL string

	JWTSecret string
	TokenTTL  time.Duration

	APIBibleKey string

	CountdownTicks   int           // discrete countdown broadcasts before race start
	TickInterval     time.Duration // spacing between countdown broadcasts
	RaceTimeout      time.Duration // active -> finished deadline from race start
	WPMCeiling       int           // finish claims implying more than this are rejected
	ProgressInterval time.Duration // minimum gap between progress broadcasts per participant
	MaxPlayers       int           // default lobby capacity
	LobbyTTL         time.Duration // finished/abandoned lobbies swept after this
}

func Load() Config {
	// Missing .env is fine; real env vars still apply.
	_ = godotenv.Load()

	cfg := Config{
		Port:             getEnv("PORT", "8080"),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		JWTSecret:        getEnv("JWT_SECRET", "dev-secret-change-me"),
		TokenTTL:         getEnvDuration("TOKEN_TTL", 24*time.Hour),
		APIBibleKey:      os.Getenv("API_BIBLE_KEY"),
		CountdownTicks:   getEnvInt("COUNTDOWN_TICKS", 3),
		TickInterval:     getEnvDuration("TICK_INTERVAL", time.Second),
		RaceTimeout:      getEnvDuration("RACE_TIMEOUT", 120*time.Second),
		WPMCeiling:       getEnvInt("WPM_CEILING", 250),
		ProgressInterval: getEnvDuration("PROGRESS_INTERVAL", 500*time.Millisecond),
		MaxPlayers:       getEnvInt("MAX_PLAYERS", 5),
		LobbyTTL:         getEnvDuration("LOBBY_TTL", time.Hour),
	}
	return cfg
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
