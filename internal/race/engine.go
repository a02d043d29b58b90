// Package race drives the per-lobby state machine: waiting -> countdown ->
// active -> finished, with a host-triggered rematch back to waiting. All
// mutating operations for one lobby are serialized through a per-lobby
// operation lock, so events reach the broadcast sink in commit order.
package race

import (
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/k-okoli/type-of-faith/internal/events"
	"github.com/k-okoli/type-of-faith/internal/lobby"
)

// Sink receives committed events for fan-out to a lobby's connections.
// Implementations must not block.
type Sink interface {
	Broadcast(lobbyID string, ev events.ServerEvent)
}

// Resolver persists final standings. Called after the race_end broadcast is
// queued; failures must stay internal to the implementation.
type Resolver interface {
	Resolve(lobbyID, raceID string, results []events.Result)
}

type Config struct {
	CountdownTicks   int
	TickInterval     time.Duration
	RaceTimeout      time.Duration
	WPMCeiling       int
	ProgressInterval time.Duration
}

type Engine struct {
	store    *lobby.Store
	sink     Sink
	resolver Resolver
	clock    clockwork.Clock
	cfg      Config
	log      zerolog.Logger

	mu        sync.Mutex
	ops       map[string]*sync.Mutex
	countdown map[string]chan struct{}
}

func NewEngine(store *lobby.Store, sink Sink, resolver Resolver, clock clockwork.Clock, cfg Config, log zerolog.Logger) *Engine {
	return &Engine{
		store:     store,
		sink:      sink,
		resolver:  resolver,
		clock:     clock,
		cfg:       cfg,
		log:       log.With().Str("component", "race").Logger(),
		ops:       make(map[string]*sync.Mutex),
		countdown: make(map[string]chan struct{}),
	}
}

// opLock returns the serialization lock for one lobby. One logical writer per
// lobby; different lobbies run in parallel.
func (e *Engine) opLock(lobbyID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	m, ok := e.ops[lobbyID]
	if !ok {
		m = &sync.Mutex{}
		e.ops[lobbyID] = m
	}
	return m
}

// lookupOp returns the serialization lock only if the lobby is still live.
// Late timers use this so a torn-down lobby's entry is never re-created.
func (e *Engine) lookupOp(lobbyID string) (*sync.Mutex, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	m, ok := e.ops[lobbyID]
	return m, ok
}

func (e *Engine) forget(lobbyID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.ops, lobbyID)
	delete(e.countdown, lobbyID)
}

// Connect binds a user to a lobby: a fresh join creates a participant and
// announces it, a reconnect rebinds silently with prior state preserved.
// The returned flag reports a reconnect, so transport failures after a
// rejoin do not tear down a participant whose original connection is live.
func (e *Engine) Connect(lobbyID, userID, username, avatarID string) (bool, error) {
	op := e.opLock(lobbyID)
	op.Lock()
	defer op.Unlock()

	l := e.store.Get(lobbyID)
	if l == nil {
		return false, lobby.ErrNotFound
	}
	view, rejoined, err := l.Join(userID, username, avatarID)
	if err != nil {
		return false, err
	}
	if rejoined {
		e.log.Info().Str("lobby", lobbyID).Str("user", userID).Msg("participant reconnected")
	} else {
		e.sink.Broadcast(lobbyID, events.ServerEvent{
			Type:     events.PlayerJoined,
			UserID:   userID,
			Username: view.Username,
			AvatarID: view.AvatarID,
		})
	}
	return rejoined, nil
}

// Attach runs bind with a fresh snapshot under the lobby's serialization.
// Registering the delivery channel and queueing the snapshot inside bind
// means no event can commit between them, so the snapshot plus the event
// stream that follows is gap-free.
func (e *Engine) Attach(lobbyID string, bind func(lobby.View)) error {
	op := e.opLock(lobbyID)
	op.Lock()
	defer op.Unlock()

	l := e.store.Get(lobbyID)
	if l == nil {
		return lobby.ErrNotFound
	}
	bind(l.Snapshot())
	return nil
}

// Disconnect handles a closed connection. While waiting the participant is
// removed outright; during countdown the countdown is cancelled and the
// participant kept for reconnect; during a race the record stays so the
// timeout can rank them.
func (e *Engine) Disconnect(lobbyID, userID string) {
	op := e.opLock(lobbyID)
	op.Lock()
	defer op.Unlock()

	l := e.store.Get(lobbyID)
	if l == nil {
		return
	}

	switch l.State() {
	case lobby.StateWaiting:
		removed, remaining := l.Remove(userID)
		if removed {
			e.sink.Broadcast(lobbyID, events.ServerEvent{Type: events.PlayerLeft, UserID: userID})
		}
		if remaining == 0 {
			e.log.Info().Str("lobby", lobbyID).Msg("last participant left, tearing down lobby")
			e.store.Delete(lobbyID)
			e.forget(lobbyID)
		}
	case lobby.StateCountdown:
		l.Disconnect(userID)
		e.cancelCountdownLocked(l)
	default:
		l.Disconnect(userID)
	}
}

func (e *Engine) cancelCountdownLocked(l *lobby.Lobby) {
	if !l.CancelCountdown() {
		return
	}
	e.mu.Lock()
	if ch, ok := e.countdown[l.ID]; ok {
		close(ch)
		delete(e.countdown, l.ID)
	}
	e.mu.Unlock()
	e.log.Info().Str("lobby", l.ID).Msg("countdown cancelled")
	e.sink.Broadcast(l.ID, events.ServerEvent{Type: events.Snapshot, Lobby: l.Snapshot()})
}

// Ready applies a ready toggle and starts the countdown the moment every
// participant is ready and at least two are present.
func (e *Engine) Ready(lobbyID, userID string, ready bool) error {
	op := e.opLock(lobbyID)
	op.Lock()
	defer op.Unlock()

	l := e.store.Get(lobbyID)
	if l == nil {
		return lobby.ErrNotFound
	}
	eligible, err := l.SetReady(userID, ready)
	if err != nil {
		return err
	}
	e.sink.Broadcast(lobbyID, events.ServerEvent{Type: events.PlayerReady, UserID: userID, Ready: &ready})

	if eligible && l.BeginCountdown() == nil {
		cancel := make(chan struct{})
		e.mu.Lock()
		e.countdown[lobbyID] = cancel
		e.mu.Unlock()
		e.log.Info().Str("lobby", lobbyID).Msg("all ready, starting countdown")
		go e.runCountdown(l, l.RaceID(), cancel)
	}
	return nil
}

func (e *Engine) runCountdown(l *lobby.Lobby, raceID string, cancel chan struct{}) {
	for i := e.cfg.CountdownTicks; i > 0; i-- {
		e.sink.Broadcast(l.ID, events.ServerEvent{Type: events.Countdown, Seconds: i})
		select {
		case <-cancel:
			return
		case <-e.clock.After(e.cfg.TickInterval):
		}
	}
	e.startRace(l, raceID)
}

func (e *Engine) startRace(l *lobby.Lobby, raceID string) {
	op := e.opLock(l.ID)
	op.Lock()
	defer op.Unlock()

	now := e.clock.Now()
	if err := l.Start(now); err != nil {
		// Countdown was cancelled underneath us.
		return
	}
	e.mu.Lock()
	delete(e.countdown, l.ID)
	e.mu.Unlock()

	e.log.Info().Str("lobby", l.ID).Str("race", raceID).Msg("race started")
	e.sink.Broadcast(l.ID, events.ServerEvent{
		Type:      events.RaceStart,
		Text:      l.Text,
		Reference: l.Reference,
		StartTime: now.UnixMilli(),
	})

	go func() {
		<-e.clock.After(e.cfg.RaceTimeout)
		op, ok := e.lookupOp(l.ID)
		if !ok {
			// Lobby torn down before the timer expired.
			return
		}
		op.Lock()
		defer op.Unlock()
		e.finishLocked(l, raceID, "timeout")
	}()
}

// Progress applies a progress report and broadcasts the committed value
// unless coalesced away.
func (e *Engine) Progress(lobbyID, userID string, chars, wpm int) error {
	op := e.opLock(lobbyID)
	op.Lock()
	defer op.Unlock()

	l := e.store.Get(lobbyID)
	if l == nil {
		return lobby.ErrNotFound
	}
	applied, broadcast, err := l.RecordProgress(userID, chars, wpm, e.clock.Now(), e.cfg.ProgressInterval)
	if err != nil {
		return err
	}
	if broadcast {
		e.sink.Broadcast(lobbyID, events.ServerEvent{
			Type:   events.Progress,
			UserID: userID,
			Chars:  applied,
			WPM:    wpm,
		})
	}
	return nil
}

// Finish applies a finish claim. Rank is assigned in server arrival order;
// replays return the already-assigned rank without a second broadcast. When
// the last participant finishes, the race ends immediately.
func (e *Engine) Finish(lobbyID, userID string, t float64, wpm, accuracy int) error {
	op := e.opLock(lobbyID)
	op.Lock()
	defer op.Unlock()

	l := e.store.Get(lobbyID)
	if l == nil {
		return lobby.ErrNotFound
	}
	rank, already, allDone, err := l.RecordFinish(userID, t, wpm, accuracy, e.clock.Now(), e.cfg.WPMCeiling)
	if err != nil {
		if errors.Is(err, lobby.ErrAntiCheat) || errors.Is(err, lobby.ErrIncompleteFinish) {
			e.log.Warn().Str("lobby", lobbyID).Str("user", userID).Err(err).Msg("finish claim rejected")
		}
		return err
	}
	if already {
		return nil
	}
	e.sink.Broadcast(lobbyID, events.ServerEvent{
		Type:   events.PlayerFinished,
		UserID: userID,
		Place:  rank,
		Time:   t,
		WPM:    wpm,
	})
	if allDone {
		e.finishLocked(l, l.RaceID(), "all finished")
	}
	return nil
}

// finishLocked closes out the race instance if it is still active. Callers
// hold the lobby op lock. The race_end broadcast is queued before persistence
// is even attempted, so storage trouble never delays or fails the race.
func (e *Engine) finishLocked(l *lobby.Lobby, raceID, reason string) {
	results, ok := l.Finish(raceID, e.clock.Now())
	if !ok {
		return
	}
	e.log.Info().Str("lobby", l.ID).Str("race", raceID).Str("reason", reason).Int("participants", len(results)).Msg("race finished")
	e.sink.Broadcast(l.ID, events.ServerEvent{Type: events.RaceEnd, Results: results})
	if e.resolver != nil {
		e.resolver.Resolve(l.ID, raceID, results)
	}
}

// Rematch resets a finished lobby to waiting as a new race instance,
// keeping membership. Host only.
func (e *Engine) Rematch(lobbyID, userID string) error {
	op := e.opLock(lobbyID)
	op.Lock()
	defer op.Unlock()

	l := e.store.Get(lobbyID)
	if l == nil {
		return lobby.ErrNotFound
	}
	if err := l.ResetForRematch(userID); err != nil {
		return err
	}
	e.log.Info().Str("lobby", lobbyID).Msg("rematch, lobby reset to waiting")
	e.sink.Broadcast(lobbyID, events.ServerEvent{Type: events.Snapshot, Lobby: l.Snapshot()})
	return nil
}

// Snapshot returns the current lobby view without taking the op lock; reads
// see only fully committed state.
func (e *Engine) Snapshot(lobbyID string) (lobby.View, error) {
	l := e.store.Get(lobbyID)
	if l == nil {
		return lobby.View{}, lobby.ErrNotFound
	}
	return l.Snapshot(), nil
}
