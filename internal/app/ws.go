package app

import (
	"context"
	"net/http"
	"time"

	"cuesheet/internal/presence"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
)

// wsMessage is what a client may send over the socket: a selection update
// for presence.
type wsMessage struct {
	Type   string   `json:"type"`
	Single string   `json:"single,omitempty"`
	Multi  []string `json:"multi,omitempty"`
}

func (s *HTTPServer) upgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if s.corsOrigin == "*" {
				return true
			}
			origin := r.Header.Get("Origin")
			return origin == "" || origin == s.corsOrigin
		},
	}
}

// handleWS streams workspace events to the client until either side closes.
// Browsers cannot set headers on a websocket handshake, so the session id
// may also come from the session query parameter.
func (s *HTTPServer) handleWS(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get(sessionHeader)
	if sessionID == "" {
		sessionID = r.URL.Query().Get("session")
	}
	ws, err := s.service.Workspace(r.Context(), sessionID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	upgrader := s.upgrader()
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "session", sessionID, "err", err)
		return
	}
	events, cancel := ws.Watch()
	defer cancel()

	done := make(chan struct{})
	go s.readPump(r.Context(), conn, ws, done)
	s.writePump(conn, events, done)
}

func (s *HTTPServer) readPump(ctx context.Context, conn *websocket.Conn, ws *Workspace, done chan struct{}) {
	defer close(done)
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Info("websocket closed", "session", ws.Session().ID, "err", err)
			}
			return
		}
		if msg.Type != "select" {
			continue
		}
		if !s.limiter.Allow(ws.Session().ID) {
			continue
		}
		if err := ws.Announce(ctx, presence.Selection{Single: msg.Single, Multi: msg.Multi}); err != nil {
			s.logger.Warn("announce failed", "session", ws.Session().ID, "err", err)
		}
	}
}

func (s *HTTPServer) writePump(conn *websocket.Conn, events <-chan Event, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()
	for {
		select {
		case ev, ok := <-events:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "session closed"))
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
