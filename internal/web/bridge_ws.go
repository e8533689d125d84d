package web

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/jpalka/notimirror/internal/dispatch"
	"github.com/jpalka/notimirror/internal/notify"
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     allowWSOrigin,
}

func allowWSOrigin(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}

	originURL, err := url.Parse(origin)
	if err != nil || originURL.Host == "" {
		return false
	}

	return strings.EqualFold(originURL.Host, r.Host)
}

// bridgeClientMessage is one message from the phone-side listener.
type bridgeClientMessage struct {
	Type string `json:"type"` // connected, posted, removed, snapshot, pong

	// connected / snapshot
	ActiveKeys    []string `json:"activeKeys,omitempty"`
	ActiveMirrors []int64  `json:"activeMirrors,omitempty"`

	// posted
	Record       *notify.Record       `json:"record,omitempty"`
	Actions      []bridgeWireAction   `json:"actions,omitempty"`
	Conversation *notify.Conversation `json:"conversation,omitempty"`

	// removed
	Key string `json:"key,omitempty"`

	// snapshot correlates with a server snapshot request
	RequestID string `json:"requestId,omitempty"`
}

type bridgeWireAction struct {
	Title string             `json:"title"`
	Role  string             `json:"role"`
	Reply *notify.ReplyInput `json:"reply,omitempty"`
}

// bridgeServerMessage is one message to the phone-side listener.
type bridgeServerMessage struct {
	Type      string            `json:"type"` // hello, invoke, cancel_original, snapshot_request, error
	ID        string            `json:"id,omitempty"`
	Key       string            `json:"key,omitempty"`
	Index     int               `json:"index,omitempty"`
	Extras    map[string]string `json:"extras,omitempty"`
	RequestID string            `json:"requestId,omitempty"`
	Message   string            `json:"message,omitempty"`
	Time      time.Time         `json:"time,omitempty"`
}

// wsConnWriter serializes writes to one websocket connection.
type wsConnWriter struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func newWSConnWriter(conn *websocket.Conn) *wsConnWriter {
	return &wsConnWriter{conn: conn}
}

func (w *wsConnWriter) WriteJSON(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return w.conn.WriteJSON(v)
}

// bridgeConn is the server side of one listener connection. It cancels
// originals and fires action callbacks by writing command messages back down
// the socket.
type bridgeConn struct {
	id     string
	writer *wsConnWriter

	snapMu   sync.Mutex
	snapWait map[string]chan dispatch.Snapshot
}

func newBridgeConn(conn *websocket.Conn) *bridgeConn {
	return &bridgeConn{
		id:       uuid.NewString(),
		writer:   newWSConnWriter(conn),
		snapWait: make(map[string]chan dispatch.Snapshot),
	}
}

// CancelOriginal implements dispatch.OriginalCanceller.
func (b *bridgeConn) CancelOriginal(ctx context.Context, key string) error {
	_ = ctx
	return b.writer.WriteJSON(bridgeServerMessage{
		Type: "cancel_original",
		ID:   uuid.NewString(),
		Key:  key,
	})
}

// target builds a callback target for action index of the original under key.
func (b *bridgeConn) target(key string, index int) notify.Target {
	return notify.TargetFunc(func(ctx context.Context, extras map[string]string) error {
		_ = ctx
		return b.writer.WriteJSON(bridgeServerMessage{
			Type:   "invoke",
			ID:     uuid.NewString(),
			Key:    key,
			Index:  index,
			Extras: extras,
		})
	})
}

// RequestSnapshot asks the listener for its live notification set and waits
// for the matching reply. Used by the periodic reconciliation sweep.
func (b *bridgeConn) RequestSnapshot(ctx context.Context) (dispatch.Snapshot, error) {
	requestID := uuid.NewString()
	ch := make(chan dispatch.Snapshot, 1)

	b.snapMu.Lock()
	b.snapWait[requestID] = ch
	b.snapMu.Unlock()
	defer func() {
		b.snapMu.Lock()
		delete(b.snapWait, requestID)
		b.snapMu.Unlock()
	}()

	if err := b.writer.WriteJSON(bridgeServerMessage{
		Type:      "snapshot_request",
		RequestID: requestID,
	}); err != nil {
		return dispatch.Snapshot{}, err
	}

	select {
	case <-ctx.Done():
		return dispatch.Snapshot{}, ctx.Err()
	case snap := <-ch:
		return snap, nil
	case <-time.After(10 * time.Second):
		return dispatch.Snapshot{}, fmt.Errorf("snapshot request %s timed out", requestID)
	}
}

func (b *bridgeConn) deliverSnapshot(requestID string, snap dispatch.Snapshot) {
	b.snapMu.Lock()
	ch, ok := b.snapWait[requestID]
	b.snapMu.Unlock()
	if ok {
		select {
		case ch <- snap:
		default:
		}
	}
}

func (s *Server) handleBridgeWS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	if !s.authorizeRequest(r) {
		writeAPIError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
		return
	}
	d := s.getDispatcher()
	if d == nil {
		writeAPIError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "dispatcher is not attached")
		return
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	bridge := newBridgeConn(conn)
	webLog.Info("bridge_connected", slog.String("conn", bridge.id))

	_ = bridge.writer.WriteJSON(bridgeServerMessage{
		Type: "hello",
		ID:   bridge.id,
		Time: time.Now().UTC(),
	})

	s.mu.Lock()
	s.activeBridge = bridge
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		active := s.activeBridge == bridge
		if active {
			s.activeBridge = nil
		}
		s.mu.Unlock()
		// A replacement bridge may have connected before this read loop
		// noticed the drop. Its session must not be torn down.
		if active {
			d.Disconnected()
		}
		webLog.Info("bridge_disconnected", slog.String("conn", bridge.id))
	}()

	ctx := r.Context()
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(
				err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived,
			) {
				webLog.Warn("bridge_closed_unexpectedly",
					slog.String("conn", bridge.id),
					slog.String("error", err.Error()))
			}
			return
		}

		var msg bridgeClientMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			_ = bridge.writer.WriteJSON(bridgeServerMessage{
				Type:    "error",
				Message: "invalid json payload",
			})
			continue
		}

		switch msg.Type {
		case "connected":
			d.Connected(ctx, dispatch.Snapshot{
				ActiveKeys:    msg.ActiveKeys,
				ActiveMirrors: msg.ActiveMirrors,
			}, bridge)
		case "posted":
			if msg.Record == nil {
				continue
			}
			rec := *msg.Record
			s.resolveProfile(&rec)
			d.Posted(ctx, dispatch.PostedEvent{
				Record:       rec,
				Actions:      bridge.buildActions(rec.Key, msg.Actions),
				Conversation: msg.Conversation,
			})
		case "removed":
			d.Removed(ctx, msg.Key)
		case "snapshot":
			bridge.deliverSnapshot(msg.RequestID, dispatch.Snapshot{
				ActiveKeys:    msg.ActiveKeys,
				ActiveMirrors: msg.ActiveMirrors,
			})
		case "pong":
			// keepalive, nothing to do
		default:
			_ = bridge.writer.WriteJSON(bridgeServerMessage{
				Type:    "error",
				Message: "supported message types: connected,posted,removed,snapshot,pong",
			})
		}
	}
}

// buildActions attaches callback targets pointing back at this connection.
func (b *bridgeConn) buildActions(key string, wire []bridgeWireAction) []notify.Action {
	if len(wire) == 0 {
		return nil
	}
	actions := make([]notify.Action, 0, len(wire))
	for i, wa := range wire {
		actions = append(actions, notify.Action{
			Title:  wa.Title,
			Role:   notify.ParseActionRole(wa.Role),
			Reply:  wa.Reply,
			Target: b.target(key, i),
		})
	}
	return actions
}

// resolveProfile fills in the record's profile from its numeric user id when
// the listener did not name one explicitly.
func (s *Server) resolveProfile(rec *notify.Record) {
	if rec.Profile != "" {
		rec.Profile = notify.ParseProfile(string(rec.Profile))
		return
	}
	if s.profiles != nil && rec.UserID != notify.UserIDUnknown {
		rec.Profile = s.profiles.ProfileFor(rec.UserID)
		return
	}
	rec.Profile = notify.ProfilePersonal
}

// ActiveBridge returns the currently connected listener, nil when none.
func (s *Server) ActiveBridge() *bridgeConn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeBridge
}

// FetchSnapshot requests a live-set snapshot from the connected listener.
// It satisfies the dispatcher's sweep fetch signature.
func (s *Server) FetchSnapshot(ctx context.Context) (dispatch.Snapshot, error) {
	bridge := s.ActiveBridge()
	if bridge == nil {
		return dispatch.Snapshot{}, fmt.Errorf("no listener connected")
	}
	return bridge.RequestSnapshot(ctx)
}
