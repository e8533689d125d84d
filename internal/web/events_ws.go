package web

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/jpalka/notimirror/internal/dispatch"
	"github.com/jpalka/notimirror/internal/mirror"
)

// eventEnvelope is one frame on the /ws/events stream.
type eventEnvelope struct {
	Type     string          `json:"type"` // hello, event, mirror, cancel, pong
	Event    *dispatch.Event `json:"event,omitempty"`
	Mirror   *mirror.Payload `json:"mirror,omitempty"`
	MirrorID int64           `json:"mirrorId,omitempty"`
	Time     time.Time       `json:"time,omitempty"`
}

// eventsClientMessage is one message from a projection client.
type eventsClientMessage struct {
	Type     string `json:"type"` // ping, dismissed, action
	MirrorID int64  `json:"mirrorId,omitempty"`
	Index    int    `json:"index,omitempty"`
	Reply    string `json:"reply,omitempty"`
}

// handleEventsWS streams dispatcher events and mirror payloads to a
// projection client, and accepts its dismiss/action interactions.
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	if !s.authorizeRequest(r) {
		writeAPIError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
		return
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	clientID := uuid.NewString()
	writer := newWSConnWriter(conn)
	events := s.subscribeEvents()
	defer s.unsubscribeEvents(events)

	_ = writer.WriteJSON(eventEnvelope{Type: "hello", Time: time.Now().UTC()})
	webLog.Debug("events_client_connected", slog.String("client", clientID))

	// Writer goroutine drains the broadcast channel; the read loop below owns
	// the connection lifetime.
	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			select {
			case <-done:
				return
			case <-s.baseCtx.Done():
				_ = conn.Close()
				return
			case raw, ok := <-events:
				if !ok {
					return
				}
				writer.mu.Lock()
				_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				err := conn.WriteMessage(websocket.TextMessage, raw)
				writer.mu.Unlock()
				if err != nil {
					_ = conn.Close()
					return
				}
			}
		}
	}()

	ctx := r.Context()
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			webLog.Debug("events_client_disconnected", slog.String("client", clientID))
			return
		}

		var msg eventsClientMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			continue
		}

		switch msg.Type {
		case "ping":
			_ = writer.WriteJSON(eventEnvelope{Type: "pong", Time: time.Now().UTC()})
		case "dismissed":
			if d := s.getDispatcher(); d != nil && msg.MirrorID > 0 {
				d.MirrorDismissed(ctx, msg.MirrorID)
			}
		case "action":
			if s.cfg.ReadOnly {
				continue
			}
			if d := s.getDispatcher(); d != nil && msg.MirrorID > 0 {
				if err := d.InvokeAction(ctx, msg.MirrorID, msg.Index, msg.Reply); err != nil {
					webLog.Warn("events_action_failed",
						slog.String("client", clientID),
						slog.Int64("mirror", msg.MirrorID),
						slog.String("error", err.Error()))
				}
			}
		}
	}
}
