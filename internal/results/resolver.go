// Package results hands final standings to the leaderboard collaborator.
// Persistence is fire-and-forget with retries; it runs after the race_end
// broadcast and its failures never surface to clients.
package results

import (
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/k-okoli/type-of-faith/internal/events"
)

// Storage is the external leaderboard/storage collaborator.
type Storage interface {
	RecordRaceResults(lobbyID, raceID string, results []events.Result) error
	RecordDailyScore(userID string, wpm, accuracy int, t float64) error
}

type Resolver struct {
	storage  Storage
	clock    clockwork.Clock
	log      zerolog.Logger
	attempts int
	backoff  time.Duration
}

func New(storage Storage, clock clockwork.Clock, log zerolog.Logger) *Resolver {
	return &Resolver{
		storage:  storage,
		clock:    clock,
		log:      log.With().Str("component", "results").Logger(),
		attempts: 3,
		backoff:  2 * time.Second,
	}
}

// Resolve persists the standings asynchronously. The slice is copied so the
// caller's snapshot stays untouched.
func (r *Resolver) Resolve(lobbyID, raceID string, results []events.Result) {
	if r.storage == nil {
		return
	}
	res := append([]events.Result(nil), results...)
	go r.persist(lobbyID, raceID, res)
}

func (r *Resolver) persist(lobbyID, raceID string, results []events.Result) {
	var err error
	for attempt := 1; attempt <= r.attempts; attempt++ {
		err = r.storage.RecordRaceResults(lobbyID, raceID, results)
		if err == nil {
			break
		}
		r.log.Warn().Err(err).Str("lobby", lobbyID).Str("race", raceID).Int("attempt", attempt).Msg("recording race results failed")
		if attempt < r.attempts {
			r.clock.Sleep(r.backoff)
		}
	}
	if err != nil {
		r.log.Error().Err(err).Str("lobby", lobbyID).Str("race", raceID).Msg("giving up on race results")
		return
	}

	for _, res := range results {
		if !res.Finished {
			continue
		}
		if err := r.storage.RecordDailyScore(res.UserID, res.WPM, res.Accuracy, res.Time); err != nil {
			r.log.Warn().Err(err).Str("user", res.UserID).Msg("recording daily score failed")
		}
	}
}
