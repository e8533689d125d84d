package connectivity

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseState(t *testing.T) {
	assert.Equal(t, StateNative, ParseState("native"))
	assert.Equal(t, StateProjected, ParseState(" Projected\n"))
	assert.Equal(t, StateNone, ParseState("none"))
	assert.Equal(t, StateNone, ParseState(""))
	assert.Equal(t, StateNone, ParseState("bogus"))
}

func TestSignal_SetAndState(t *testing.T) {
	s := NewSignal()
	assert.Equal(t, StateNone, s.State())
	assert.False(t, s.Connected())

	s.Set(StateProjected)
	assert.Equal(t, StateProjected, s.State())
	assert.True(t, s.Connected())
}

func TestSignal_SubscribeReceivesChanges(t *testing.T) {
	s := NewSignal()
	ch, cancel := s.Subscribe()
	defer cancel()

	s.Set(StateNative)
	select {
	case got := <-ch:
		assert.Equal(t, StateNative, got)
	case <-time.After(time.Second):
		t.Fatal("no state change delivered")
	}

	// Setting the same state again does not re-notify.
	s.Set(StateNative)
	select {
	case got := <-ch:
		t.Fatalf("unexpected notification: %v", got)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSignal_UnsubscribeClosesChannel(t *testing.T) {
	s := NewSignal()
	ch, cancel := s.Subscribe()
	cancel()

	_, open := <-ch
	assert.False(t, open)

	// Double cancel is safe.
	cancel()
}

func TestGate_CarOnlyPolicy(t *testing.T) {
	signal := NewSignal()

	open := NewGate(signal, false)
	assert.True(t, open.Allowed())

	gated := NewGate(signal, true)
	assert.False(t, gated.Allowed())

	signal.Set(StateNative)
	assert.True(t, gated.Allowed())

	signal.Set(StateNone)
	assert.False(t, gated.Allowed())
}

func TestGate_SetCarOnly(t *testing.T) {
	signal := NewSignal()
	g := NewGate(signal, false)
	assert.False(t, g.CarOnly())

	g.SetCarOnly(true)
	assert.True(t, g.CarOnly())
	assert.False(t, g.Allowed())
}

func TestWatcher_TracksStateFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "car_state")

	signal := NewSignal()
	w, err := NewWatcher(path, signal)
	require.NoError(t, err)
	defer w.Stop()
	go w.Start()

	// Missing file reads as none at startup.
	assert.Equal(t, StateNone, signal.State())

	require.NoError(t, os.WriteFile(path, []byte("projected\n"), 0o644))
	require.Eventually(t, func() bool {
		return signal.State() == StateProjected
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, os.WriteFile(path, []byte("none"), 0o644))
	require.Eventually(t, func() bool {
		return signal.State() == StateNone
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWatcher_RemoveResetsToNone(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "car_state")
	require.NoError(t, os.WriteFile(path, []byte("native"), 0o644))

	signal := NewSignal()
	w, err := NewWatcher(path, signal)
	require.NoError(t, err)
	defer w.Stop()
	go w.Start()

	// Initial read picks up the pre-existing file.
	assert.Equal(t, StateNative, signal.State())

	require.NoError(t, os.Remove(path))
	require.Eventually(t, func() bool {
		return signal.State() == StateNone
	}, 2*time.Second, 10*time.Millisecond)
}
