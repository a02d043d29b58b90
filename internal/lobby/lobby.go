package lobby

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/k-okoli/type-of-faith/internal/events"
)

// Lobby is the authoritative record for one racing session. Every mutation
// goes through a method that holds the lobby mutex, so the invariants
// (capacity, one entry per user, monotonic progress, start-time set once,
// immutable ranks) are enforced in one place.
type Lobby struct {
	ID         string
	HostID     string
	Reference  string
	Version    string
	Text       string
	MaxPlayers int
	CreatedAt  time.Time

	mu           sync.Mutex
	state        State
	raceID       string // changes on rematch; one race instance per value
	startedAt    time.Time
	finishedAt   time.Time
	nextRank     int
	joinSeq      int
	participants map[string]*Participant
}

func newLobby(id, hostID, ref, version, text string, maxPlayers int) *Lobby {
	return &Lobby{
		ID:           id,
		HostID:       hostID,
		Reference:    ref,
		Version:      version,
		Text:         text,
		MaxPlayers:   maxPlayers,
		CreatedAt:    time.Now(),
		state:        StateWaiting,
		raceID:       uuid.New().String(),
		nextRank:     1,
		participants: make(map[string]*Participant),
	}
}

func (l *Lobby) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Lobby) RaceID() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.raceID
}

func (l *Lobby) StartedAt() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.startedAt
}

// Join adds a new participant, or rebinds an existing one on reconnect.
// New participants are only admitted while the lobby is waiting; a returning
// user is accepted in any state and keeps their progress and ready flag.
func (l *Lobby) Join(userID, username, avatarID string) (ParticipantView, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if p, ok := l.participants[userID]; ok {
		p.Connected = true
		return p.view(), true, nil
	}

	switch l.state {
	case StateWaiting:
	case StateFinished:
		return ParticipantView{}, false, ErrAlreadyFinished
	default:
		return ParticipantView{}, false, ErrRaceInProgress
	}
	if len(l.participants) >= l.MaxPlayers {
		return ParticipantView{}, false, ErrFull
	}

	l.joinSeq++
	p := &Participant{
		UserID:    userID,
		Username:  username,
		AvatarID:  avatarID,
		Connected: true,
		joinOrder: l.joinSeq,
	}
	l.participants[userID] = p
	return p.view(), false, nil
}

// Remove deletes a participant outright. Used for leaves while waiting;
// mid-race disconnects go through Disconnect instead so the record survives
// for reconnects. Returns whether anything was removed and how many
// participants remain.
func (l *Lobby) Remove(userID string) (bool, int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.participants[userID]; !ok {
		return false, len(l.participants)
	}
	delete(l.participants, userID)
	return true, len(l.participants)
}

// Disconnect marks a participant's channel as absent without dropping their
// record.
func (l *Lobby) Disconnect(userID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.participants[userID]
	if !ok {
		return false
	}
	p.Connected = false
	return true
}

// SetReady flips a participant's ready flag. Only meaningful while waiting.
// Reports whether the lobby is now eligible to start counting down (everyone
// ready and at least two participants).
func (l *Lobby) SetReady(userID string, ready bool) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != StateWaiting {
		return false, ErrInvalidState
	}
	p, ok := l.participants[userID]
	if !ok {
		return false, ErrNoParticipant
	}
	p.Ready = ready
	return l.allReadyLocked(), nil
}

func (l *Lobby) allReadyLocked() bool {
	if len(l.participants) < 2 {
		return false
	}
	for _, p := range l.participants {
		if !p.Ready {
			return false
		}
	}
	return true
}

// BeginCountdown moves waiting -> countdown, re-verifying eligibility.
func (l *Lobby) BeginCountdown() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != StateWaiting || !l.allReadyLocked() {
		return ErrInvalidState
	}
	l.state = StateCountdown
	return nil
}

// CancelCountdown reverts countdown -> waiting and clears every ready flag.
func (l *Lobby) CancelCountdown() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != StateCountdown {
		return false
	}
	l.state = StateWaiting
	for _, p := range l.participants {
		p.Ready = false
	}
	return true
}

// Start moves countdown -> active and fixes the race start timestamp. The
// timestamp is set at most once per race instance.
func (l *Lobby) Start(now time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != StateCountdown || !l.startedAt.IsZero() {
		return ErrInvalidState
	}
	l.state = StateActive
	l.startedAt = now
	return nil
}

// RecordProgress applies a progress report. Progress is monotonic within a
// race instance: a report at or below the recorded value is ignored. Returns
// the committed character count (clamped to the text length) so callers
// broadcast what was applied, never the raw claim, and a flag saying whether
// this update should be broadcast now; intermediate updates inside minGap of
// the previous broadcast are coalesced.
func (l *Lobby) RecordProgress(userID string, chars, wpm int, now time.Time, minGap time.Duration) (int, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != StateActive {
		return 0, false, ErrInvalidState
	}
	p, ok := l.participants[userID]
	if !ok {
		return 0, false, ErrNoParticipant
	}
	if chars > len(l.Text) {
		chars = len(l.Text)
	}
	if chars <= p.Progress {
		return p.Progress, false, nil
	}
	p.Progress = chars
	p.WPM = wpm

	if p.lastSent.IsZero() || now.Sub(p.lastSent) >= minGap || chars == len(l.Text) {
		p.lastSent = now
		return chars, true, nil
	}
	return chars, false, nil
}

// RecordFinish validates and applies a finish claim, assigning the next rank
// in arrival order. Client-reported time and wpm are stored for display only;
// plausibility is judged from server-observed elapsed time. Resubmitting an
// applied finish is a no-op that returns the existing rank.
func (l *Lobby) RecordFinish(userID string, t float64, wpm, accuracy int, now time.Time, ceiling int) (int, bool, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != StateActive {
		return 0, false, false, ErrInvalidState
	}
	p, ok := l.participants[userID]
	if !ok {
		return 0, false, false, ErrNoParticipant
	}
	if p.Finished {
		return p.Rank, true, l.allFinishedLocked(), nil
	}
	if p.Progress < len(l.Text) {
		return 0, false, false, ErrIncompleteFinish
	}

	minutes := now.Sub(l.startedAt).Minutes()
	if minutes <= 0 {
		return 0, false, false, ErrAntiCheat
	}
	implied := (float64(len(l.Text)) / 5.0) / minutes
	if implied > float64(ceiling) {
		return 0, false, false, ErrAntiCheat
	}

	p.Finished = true
	p.Time = t
	p.WPM = wpm
	p.Accuracy = accuracy
	p.Rank = l.nextRank
	l.nextRank++
	return p.Rank, false, l.allFinishedLocked(), nil
}

func (l *Lobby) allFinishedLocked() bool {
	for _, p := range l.participants {
		if !p.Finished {
			return false
		}
	}
	return true
}

// Finish moves active -> finished for the given race instance and returns the
// final standings. Participants who never finished are ranked after everyone
// who did, ordered by original join order, with no recorded time. The raceID
// guard keeps a stale timeout from closing a later instance after a rematch.
func (l *Lobby) Finish(raceID string, now time.Time) ([]events.Result, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != StateActive || l.raceID != raceID {
		return nil, false
	}
	l.state = StateFinished
	l.finishedAt = now

	var stragglers []*Participant
	for _, p := range l.participants {
		if !p.Finished {
			stragglers = append(stragglers, p)
		}
	}
	sort.Slice(stragglers, func(i, j int) bool {
		return stragglers[i].joinOrder < stragglers[j].joinOrder
	})
	for _, p := range stragglers {
		p.Rank = l.nextRank
		l.nextRank++
	}

	ranked := make([]*Participant, 0, len(l.participants))
	for _, p := range l.participants {
		ranked = append(ranked, p)
	}
	sort.Slice(ranked, func(i, j int) bool { return ranked[i].Rank < ranked[j].Rank })

	results := make([]events.Result, 0, len(ranked))
	for _, p := range ranked {
		r := events.Result{
			UserID:   p.UserID,
			Username: p.Username,
			Place:    p.Rank,
			WPM:      p.WPM,
			Accuracy: p.Accuracy,
			Finished: p.Finished,
		}
		if p.Finished {
			r.Time = p.Time
		}
		results = append(results, r)
	}
	return results, true
}

// ResetForRematch starts a logically new race instance on the same lobby:
// membership survives, everything else resets. Host only, from finished only.
func (l *Lobby) ResetForRematch(userID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if userID != l.HostID {
		return ErrNotHost
	}
	if l.state != StateFinished {
		return ErrInvalidState
	}
	l.state = StateWaiting
	l.raceID = uuid.New().String()
	l.startedAt = time.Time{}
	l.finishedAt = time.Time{}
	l.nextRank = 1
	for _, p := range l.participants {
		p.Ready = false
		p.Progress = 0
		p.WPM = 0
		p.Accuracy = 0
		p.Finished = false
		p.Time = 0
		p.Rank = 0
		p.lastSent = time.Time{}
	}
	return nil
}

// Snapshot returns a value copy of the full lobby state, ordered by join
// order, for (re)connecting clients to resynchronize from.
func (l *Lobby) Snapshot() View {
	l.mu.Lock()
	defer l.mu.Unlock()

	ps := make([]*Participant, 0, len(l.participants))
	for _, p := range l.participants {
		ps = append(ps, p)
	}
	sort.Slice(ps, func(i, j int) bool { return ps[i].joinOrder < ps[j].joinOrder })

	v := View{
		ID:           l.ID,
		HostID:       l.HostID,
		State:        l.state,
		Reference:    l.Reference,
		Version:      l.Version,
		Text:         l.Text,
		MaxPlayers:   l.MaxPlayers,
		Participants: make([]ParticipantView, 0, len(ps)),
	}
	if !l.startedAt.IsZero() {
		v.StartTime = l.startedAt.UnixMilli()
	}
	for _, p := range ps {
		v.Participants = append(v.Participants, p.view())
	}
	return v
}

func (l *Lobby) stale(now time.Time, ttl time.Duration) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == StateFinished {
		return now.Sub(l.finishedAt) > ttl
	}
	return len(l.participants) == 0 && now.Sub(l.CreatedAt) > ttl
}
