// Package events defines the closed set of real-time protocol messages
// exchanged between the server and lobby clients. Any inbound message whose
// type is not listed here is rejected by the socket handler.
package events

// Inbound message types (client -> server).
const (
	ClientReady    = "ready"
	ClientProgress = "progress"
	ClientFinished = "finished"
)

// Outbound event types (server -> all connections of a lobby).
const (
	PlayerJoined   = "player_joined"
	PlayerLeft     = "player_left"
	PlayerReady    = "player_ready"
	Countdown      = "countdown"
	RaceStart      = "race_start"
	Progress       = "progress"
	PlayerFinished = "player_finished"
	RaceEnd        = "race_end"
	Snapshot       = "snapshot"
)

// ClientMessage is the JSON structure received from clients.
type ClientMessage struct {
	Type     string  `json:"type"`
	Ready    *bool   `json:"ready,omitempty"`
	Chars    int     `json:"chars,omitempty"`
	WPM      int     `json:"wpm,omitempty"`
	Time     float64 `json:"time,omitempty"`
	Accuracy int     `json:"accuracy,omitempty"`
}

// Known reports whether the message type is part of the protocol.
func (m ClientMessage) Known() bool {
	switch m.Type {
	case ClientReady, ClientProgress, ClientFinished:
		return true
	}
	return false
}

// Result is one row of the final standings broadcast in race_end and handed
// to the leaderboard collaborator. Finished is false for participants ranked
// last by the race timeout; their Time is zero and not meaningful.
type Result struct {
	UserID   string  `json:"user_id"`
	Username string  `json:"username"`
	Place    int     `json:"place"`
	WPM      int     `json:"wpm"`
	Accuracy int     `json:"accuracy"`
	Time     float64 `json:"time,omitempty"`
	Finished bool    `json:"finished"`
}

// ServerEvent is the JSON structure sent to clients. Fields are populated
// per event type; unused fields are omitted from the wire encoding.
type ServerEvent struct {
	Type      string   `json:"type"`
	UserID    string   `json:"user_id,omitempty"`
	Username  string   `json:"username,omitempty"`
	AvatarID  string   `json:"avatar_id,omitempty"`
	Ready     *bool    `json:"ready,omitempty"`
	Seconds   int      `json:"seconds,omitempty"`
	Text      string   `json:"text,omitempty"`
	Reference string   `json:"reference,omitempty"`
	StartTime int64    `json:"start_time,omitempty"`
	Chars     int      `json:"chars,omitempty"`
	WPM       int      `json:"wpm,omitempty"`
	Place     int      `json:"place,omitempty"`
	Time      float64  `json:"time,omitempty"`
	Results   []Result `json:"results,omitempty"`
	Lobby     any      `json:"lobby,omitempty"`
}
