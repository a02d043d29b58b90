package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/coder/websocket"

	"github.com/k-okoli/type-of-faith/internal/events"
	"github.com/k-okoli/type-of-faith/internal/lobby"
	"github.com/k-okoli/type-of-faith/internal/wshub"
)

// handleWS opens the persistent per-lobby channel. Join errors are rejected
// before the upgrade with a proper HTTP status; once upgraded, the client is
// registered and handed a snapshot under the lobby's serialization, then
// receives the lobby's ordered event stream.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id := lobbyID(r)

	ident, err := s.Auth.Validate(bearerToken(r))
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid or expired credential")
		return
	}

	rejoined, err := s.Engine.Connect(id, ident.UserID, ident.Username, ident.AvatarID)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		s.Log.Warn().Err(err).Str("lobby", id).Msg("websocket upgrade failed")
		// A failed reconnect must not tear down the participant backing
		// the user's still-registered original connection.
		if !rejoined {
			s.Engine.Disconnect(id, ident.UserID)
		}
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	client := wshub.NewClient(ident.UserID, id, conn, cancel)
	go client.WritePump(ctx)

	// Register and queue the snapshot atomically with respect to lobby
	// events, so nothing commits between the snapshot and the stream.
	err = s.Engine.Attach(id, func(view lobby.View) {
		s.Hub.Register(client)
		s.Hub.SendTo(client, events.ServerEvent{Type: events.Snapshot, Lobby: view})
	})
	if err != nil {
		client.Close()
		return
	}

	s.readLoop(ctx, conn, id, ident.UserID)

	// Only the connection still registered for this user may mutate lobby
	// state on the way out; a replaced connection just goes away.
	if s.Hub.Unregister(client) {
		s.Engine.Disconnect(id, ident.UserID)
	}
	client.Close()
}

func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn, lobbyID, userID string) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		var msg events.ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil || !msg.Known() {
			s.Log.Warn().Str("lobby", lobbyID).Str("user", userID).Msg("dropping malformed client message")
			continue
		}

		switch msg.Type {
		case events.ClientReady:
			ready := true
			if msg.Ready != nil {
				ready = *msg.Ready
			}
			err = s.Engine.Ready(lobbyID, userID, ready)
		case events.ClientProgress:
			err = s.Engine.Progress(lobbyID, userID, msg.Chars, msg.WPM)
		case events.ClientFinished:
			err = s.Engine.Finish(lobbyID, userID, msg.Time, msg.WPM, msg.Accuracy)
		}

		// Rejected events are ignored for scoring but never close the
		// connection.
		if err != nil && !errors.Is(err, lobby.ErrInvalidState) {
			s.Log.Debug().Err(err).Str("lobby", lobbyID).Str("user", userID).Str("type", msg.Type).Msg("client message rejected")
		}
	}
}
