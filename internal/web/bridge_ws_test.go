package web

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jpalka/notimirror/internal/dispatch"
	"github.com/jpalka/notimirror/internal/filter"
	"github.com/jpalka/notimirror/internal/mirror"
	"github.com/jpalka/notimirror/internal/notify"
	"github.com/jpalka/notimirror/internal/store"
)

func TestAllowWSOrigin(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/ws/events", nil)
	req.Host = "127.0.0.1:8422"

	// Non-browser clients send no Origin.
	assert.True(t, allowWSOrigin(req))

	req.Header.Set("Origin", "http://127.0.0.1:8422")
	assert.True(t, allowWSOrigin(req))

	req.Header.Set("Origin", "http://evil.example")
	assert.False(t, allowWSOrigin(req))

	req.Header.Set("Origin", "::notaurl")
	assert.False(t, allowWSOrigin(req))
}

func TestBridgeWS_RequiresDispatcher(t *testing.T) {
	s, _ := newTestServer(t, Config{})
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/ws/bridge")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

type wsClient struct {
	t    *testing.T
	conn *websocket.Conn
}

func dialWS(t *testing.T, baseURL, path string) *wsClient {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(baseURL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return &wsClient{t: t, conn: conn}
}

func (c *wsClient) send(v any) {
	c.t.Helper()
	require.NoError(c.t, c.conn.WriteJSON(v))
}

func (c *wsClient) read(v any) {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, payload, err := c.conn.ReadMessage()
	require.NoError(c.t, err)
	require.NoError(c.t, json.Unmarshal(payload, v))
}

// readUntil drains frames until pred accepts one.
func readUntilEnvelope(c *wsClient, pred func(eventEnvelope) bool) eventEnvelope {
	c.t.Helper()
	for i := 0; i < 20; i++ {
		var env eventEnvelope
		c.read(&env)
		if pred(env) {
			return env
		}
	}
	c.t.Fatal("expected envelope never arrived")
	return eventEnvelope{}
}

func TestBridgeAndEventsEndToEnd(t *testing.T) {
	st := store.New(nil, 0)
	st.SetMirrorEnabled("com.chat", notify.ProfilePersonal, true)

	s := NewServer(Config{}, Deps{Store: st})
	d := dispatch.New(dispatch.Config{
		Store:   st,
		Filters: filter.NewEvaluator(st),
		Tracker: mirror.NewTracker(),
		Builder: mirror.NewBuilder(nil),
		Sink:    s.Sink(),
		OnEvent: s.BroadcastEvent,
	})
	s.AttachDispatcher(d)

	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	events := dialWS(t, ts.URL, "/ws/events")
	var hello eventEnvelope
	events.read(&hello)
	require.Equal(t, "hello", hello.Type)

	bridge := dialWS(t, ts.URL, "/ws/bridge")
	var bridgeHello bridgeServerMessage
	bridge.read(&bridgeHello)
	require.Equal(t, "hello", bridgeHello.Type)
	require.NotEmpty(t, bridgeHello.ID)

	bridge.send(map[string]any{"type": "connected"})
	require.Eventually(t, d.IsConnected, 5*time.Second, 10*time.Millisecond)

	bridge.send(map[string]any{
		"type": "posted",
		"record": map[string]any{
			"app":      "com.chat",
			"appLabel": "Chat",
			"title":    "Dana",
			"text":     "see you at 8",
			"key":      "key-1",
			"postedAt": 1700000000000,
			"profile":  "personal",
			"userId":   0,
		},
	})

	// The projection stream carries the record event and the mirror payload.
	env := readUntilEnvelope(events, func(e eventEnvelope) bool { return e.Type == "mirror" })
	require.NotNil(t, env.Mirror)
	assert.Equal(t, "com.chat", env.Mirror.App)
	assert.Equal(t, "Dana", env.Mirror.ConversationTitle)
	mirrorID := env.Mirror.MirrorID
	require.Greater(t, mirrorID, int64(0))

	// History was recorded along the way.
	require.Eventually(t, func() bool {
		return len(st.Records("com.chat", notify.ProfilePersonal)) == 1
	}, 5*time.Second, 10*time.Millisecond)

	// Dismissing on the projection side cascades to the original.
	events.send(map[string]any{"type": "dismissed", "mirrorId": mirrorID})

	var cancelMsg bridgeServerMessage
	for i := 0; i < 20; i++ {
		bridge.read(&cancelMsg)
		if cancelMsg.Type == "cancel_original" {
			break
		}
	}
	require.Equal(t, "cancel_original", cancelMsg.Type)
	assert.Equal(t, "key-1", cancelMsg.Key)

	env = readUntilEnvelope(events, func(e eventEnvelope) bool { return e.Type == "cancel" })
	assert.Equal(t, mirrorID, env.MirrorID)
}

func TestEventsWS_Ping(t *testing.T) {
	s, st := newTestServer(t, Config{})
	attachTestDispatcher(s, st)

	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	events := dialWS(t, ts.URL, "/ws/events")
	var hello eventEnvelope
	events.read(&hello)
	require.Equal(t, "hello", hello.Type)

	events.send(map[string]any{"type": "ping"})
	var pong eventEnvelope
	events.read(&pong)
	assert.Equal(t, "pong", pong.Type)
}

func TestBridgeWS_SnapshotRoundTrip(t *testing.T) {
	s, st := newTestServer(t, Config{})
	d := attachTestDispatcher(s, st)

	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	bridge := dialWS(t, ts.URL, "/ws/bridge")
	var hello bridgeServerMessage
	bridge.read(&hello)
	require.Equal(t, "hello", hello.Type)

	bridge.send(map[string]any{"type": "connected", "activeKeys": []string{"k1"}})
	require.Eventually(t, d.IsConnected, 5*time.Second, 10*time.Millisecond)

	// Answer the server's snapshot request from the client side.
	done := make(chan dispatch.Snapshot, 1)
	go func() {
		snap, err := s.FetchSnapshot(context.Background())
		if err == nil {
			done <- snap
		}
	}()

	var req bridgeServerMessage
	for i := 0; i < 10; i++ {
		bridge.read(&req)
		if req.Type == "snapshot_request" {
			break
		}
	}
	require.Equal(t, "snapshot_request", req.Type)
	require.NotEmpty(t, req.RequestID)

	bridge.send(map[string]any{
		"type":          "snapshot",
		"requestId":     req.RequestID,
		"activeKeys":    []string{"k1", "k2"},
		"activeMirrors": []int64{5},
	})

	select {
	case snap := <-done:
		assert.Equal(t, []string{"k1", "k2"}, snap.ActiveKeys)
		assert.Equal(t, []int64{5}, snap.ActiveMirrors)
	case <-time.After(5 * time.Second):
		t.Fatal("snapshot never resolved")
	}
}

func TestBridgeWS_ReconnectKeepsFreshSession(t *testing.T) {
	s, st := newTestServer(t, Config{})
	d := attachTestDispatcher(s, st)

	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	stale := dialWS(t, ts.URL, "/ws/bridge")
	var hello bridgeServerMessage
	stale.read(&hello)
	require.Equal(t, "hello", hello.Type)
	stale.send(map[string]any{"type": "connected"})
	require.Eventually(t, d.IsConnected, 5*time.Second, 10*time.Millisecond)

	// The phone reconnects before the old socket's read loop sees the drop.
	fresh := dialWS(t, ts.URL, "/ws/bridge")
	var freshHello bridgeServerMessage
	fresh.read(&freshHello)
	require.Equal(t, "hello", freshHello.Type)
	fresh.send(map[string]any{"type": "connected"})
	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.activeBridge != nil && s.activeBridge.id == freshHello.ID
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, stale.conn.Close())

	// The stale connection's teardown must not tear down the fresh session.
	require.Never(t, func() bool { return !d.IsConnected() }, 500*time.Millisecond, 25*time.Millisecond)

	// The normal close path still disconnects.
	require.NoError(t, fresh.conn.Close())
	require.Eventually(t, func() bool { return !d.IsConnected() }, 5*time.Second, 10*time.Millisecond)
}
