package web

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jpalka/notimirror/internal/config"
	"github.com/jpalka/notimirror/internal/connectivity"
	"github.com/jpalka/notimirror/internal/store"
)

func newGateTestServer(t *testing.T, cfg Config, carOnly bool) (*Server, *connectivity.Signal) {
	t.Helper()
	t.Setenv("NOTIMIRROR_DIR", t.TempDir())
	config.ClearUserConfigCache()
	t.Cleanup(config.ClearUserConfigCache)

	signal := connectivity.NewSignal()
	gate := connectivity.NewGate(signal, carOnly)
	s := NewServer(cfg, Deps{
		Store:  store.New(nil, 0),
		Gate:   gate,
		Signal: signal,
	})
	return s, signal
}

func TestGateEndpoint_NotConfigured(t *testing.T) {
	s, _ := newTestServer(t, Config{})
	rec := doJSON(t, s.Handler(), http.MethodGet, "/api/gate", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGateEndpoint_Status(t *testing.T) {
	s, signal := newGateTestServer(t, Config{}, true)

	rec := doJSON(t, s.Handler(), http.MethodGet, "/api/gate", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, true, body["carOnly"])
	assert.Equal(t, false, body["connected"])
	assert.Equal(t, "none", body["state"])
	assert.Equal(t, false, body["allowed"])

	signal.Set(connectivity.StateNative)
	rec = doJSON(t, s.Handler(), http.MethodGet, "/api/gate", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body = decodeBody(t, rec)
	assert.Equal(t, true, body["connected"])
	assert.Equal(t, "native", body["state"])
	assert.Equal(t, true, body["allowed"])
}

func TestGateEndpoint_Toggle(t *testing.T) {
	s, _ := newGateTestServer(t, Config{}, false)

	rec := doJSON(t, s.Handler(), http.MethodPut, "/api/gate", map[string]any{"carOnly": true})
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, true, body["carOnly"])
	assert.Equal(t, false, body["allowed"])

	cfg, err := config.LoadUserConfig()
	require.NoError(t, err)
	assert.True(t, cfg.Gate.CarOnly)

	rec = doJSON(t, s.Handler(), http.MethodPut, "/api/gate", map[string]any{"carOnly": false})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, decodeBody(t, rec)["carOnly"])
}

func TestGateEndpoint_ToggleLeavesCachedConfigAlone(t *testing.T) {
	s, _ := newGateTestServer(t, Config{}, false)

	// No config file yet, so this snapshot is the shared fallback value.
	before, err := config.LoadUserConfig()
	require.NoError(t, err)
	require.False(t, before.Gate.CarOnly)

	rec := doJSON(t, s.Handler(), http.MethodPut, "/api/gate", map[string]any{"carOnly": true})
	require.Equal(t, http.StatusOK, rec.Code)

	// The toggle persists through a fresh load but must not have written
	// through the previously handed-out snapshot.
	assert.False(t, before.Gate.CarOnly)
	after, err := config.LoadUserConfig()
	require.NoError(t, err)
	assert.True(t, after.Gate.CarOnly)
}

func TestGateEndpoint_BadRequestAndMethod(t *testing.T) {
	s, _ := newGateTestServer(t, Config{}, false)

	req := doJSON(t, s.Handler(), http.MethodDelete, "/api/gate", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, req.Code)
}

func TestGateEndpoint_ReadOnly(t *testing.T) {
	s, _ := newGateTestServer(t, Config{ReadOnly: true}, false)

	rec := doJSON(t, s.Handler(), http.MethodPut, "/api/gate", map[string]any{"carOnly": true})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "READ_ONLY", decodeBody(t, rec)["error"].(map[string]any)["code"])
}
