package lobby

import (
	"errors"
	"time"
)

type State string

const (
	StateWaiting   = State("waiting")
	StateCountdown = State("countdown")
	StateActive    = State("active")
	StateFinished  = State("finished")
)

var (
	ErrNotFound         = errors.New("lobby not found")
	ErrFull             = errors.New("lobby is full")
	ErrRaceInProgress   = errors.New("race already in progress")
	ErrAlreadyFinished  = errors.New("race already finished")
	ErrNoParticipant    = errors.New("not a participant of this lobby")
	ErrNotHost          = errors.New("only the host may do that")
	ErrInvalidState     = errors.New("event not valid in current state")
	ErrIncompleteFinish = errors.New("finish reported before full text was typed")
	ErrAntiCheat        = errors.New("finish rejected as implausible")
)

// Participant is a lobby member's live gameplay record. All fields are
// guarded by the owning Lobby's mutex.
type Participant struct {
	UserID    string
	Username  string
	AvatarID  string
	Connected bool
	Ready     bool
	Progress  int // characters correctly typed
	WPM       int
	Accuracy  int
	Finished  bool
	Time      float64 // client-reported finish time, advisory only
	Rank      int     // 0 until assigned, then immutable for the race instance
	joinOrder int
	lastSent  time.Time // last progress broadcast, for coalescing
}

// ParticipantView is the read-only projection of a Participant.
type ParticipantView struct {
	UserID   string  `json:"user_id"`
	Username string  `json:"username"`
	AvatarID string  `json:"avatar_id"`
	Ready    bool    `json:"ready"`
	Progress int     `json:"progress"`
	WPM      int     `json:"wpm"`
	Finished bool    `json:"finished"`
	Time     float64 `json:"time,omitempty"`
	Rank     int     `json:"rank,omitempty"`
}

// View is the read-only projection of a Lobby, used both for the REST
// surface and as the snapshot clients resynchronize from.
type View struct {
	ID           string            `json:"id"`
	HostID       string            `json:"host_id"`
	State        State             `json:"state"`
	Reference    string            `json:"reference"`
	Version      string            `json:"version"`
	Text         string            `json:"text"`
	MaxPlayers   int               `json:"max_players"`
	StartTime    int64             `json:"start_time,omitempty"` // epoch ms, zero before active
	Participants []ParticipantView `json:"participants"`
}

func (p *Participant) view() ParticipantView {
	return ParticipantView{
		UserID:   p.UserID,
		Username: p.Username,
		AvatarID: p.AvatarID,
		Ready:    p.Ready,
		Progress: p.Progress,
		WPM:      p.WPM,
		Finished: p.Finished,
		Time:     p.Time,
		Rank:     p.Rank,
	}
}
