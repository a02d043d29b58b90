package lobby

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Store is the in-memory authoritative table of lobbies. Individual lobbies
// carry their own lock, so different lobbies proceed fully in parallel.
type Store struct {
	mu      sync.Mutex
	lobbies map[string]*Lobby
	ttl     time.Duration
	log     zerolog.Logger
}

func NewStore(ttl time.Duration, log zerolog.Logger) *Store {
	s := &Store{
		lobbies: make(map[string]*Lobby),
		ttl:     ttl,
		log:     log.With().Str("component", "lobby").Logger(),
	}
	go s.sweepStale()
	return s
}

func (s *Store) Create(hostID, ref, version, text string, maxPlayers int) (*Lobby, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Try up to 10 times to generate a unique code
	for attempt := 0; attempt < 10; attempt++ {
		code, err := GenerateCode()
		if err != nil {
			return nil, fmt.Errorf("generating lobby code: %w", err)
		}
		if _, exists := s.lobbies[code]; exists {
			continue
		}
		l := newLobby(code, hostID, ref, version, text, maxPlayers)
		s.lobbies[code] = l
		s.log.Info().Str("lobby", code).Str("host", hostID).Str("ref", ref).Msg("lobby created")
		return l, nil
	}
	return nil, fmt.Errorf("failed to generate unique lobby code after 10 attempts")
}

func (s *Store) Get(id string) *Lobby {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lobbies[id]
}

func (s *Store) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.lobbies, id)
}

func (s *Store) List() []*Lobby {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := make([]*Lobby, 0, len(s.lobbies))
	for _, l := range s.lobbies {
		list = append(list, l)
	}
	return list
}

func (s *Store) sweepStale() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		now := time.Now()
		for _, l := range s.List() {
			if l.stale(now, s.ttl) {
				s.log.Info().Str("lobby", l.ID).Msg("sweeping stale lobby")
				s.Delete(l.ID)
			}
		}
	}
}
