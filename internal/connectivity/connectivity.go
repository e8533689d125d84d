package connectivity

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/jpalka/notimirror/internal/logging"
)

var connLog = logging.ForComponent(logging.CompConn)

// State is the tri-state car connection signal. The core only ever consumes
// it as a boolean gate.
type State string

const (
	StateNone      State = "none"
	StateNative    State = "native"
	StateProjected State = "projected"
)

// ParseState maps a state-file token to a State, defaulting to none.
func ParseState(s string) State {
	switch State(strings.ToLower(strings.TrimSpace(s))) {
	case StateNative:
		return StateNative
	case StateProjected:
		return StateProjected
	default:
		return StateNone
	}
}

// Signal holds the current connection state and notifies subscribers on
// change.
type Signal struct {
	mu    sync.RWMutex
	state State
	subs  map[chan State]struct{}
}

// NewSignal creates a signal starting at StateNone.
func NewSignal() *Signal {
	return &Signal{
		state: StateNone,
		subs:  make(map[chan State]struct{}),
	}
}

// Set updates the state and fans out to subscribers.
func (s *Signal) Set(state State) {
	s.mu.Lock()
	changed := s.state != state
	s.state = state
	var subs []chan State
	if changed {
		for ch := range s.subs {
			subs = append(subs, ch)
		}
	}
	s.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- state:
		default:
		}
	}
}

// State returns the current connection state.
func (s *Signal) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Connected reports whether any car connection is up.
func (s *Signal) Connected() bool {
	return s.State() != StateNone
}

// Subscribe returns a channel receiving state changes. Unsubscribe with the
// returned cancel func.
func (s *Signal) Subscribe() (<-chan State, func()) {
	ch := make(chan State, 1)
	s.mu.Lock()
	s.subs[ch] = struct{}{}
	s.mu.Unlock()
	return ch, func() {
		s.mu.Lock()
		if _, ok := s.subs[ch]; ok {
			delete(s.subs, ch)
			close(ch)
		}
		s.mu.Unlock()
	}
}

// Gate answers the single question the dispatcher asks: is mirroring allowed
// right now. With CarOnly unset mirroring is always allowed.
type Gate struct {
	signal *Signal

	mu      sync.RWMutex
	carOnly bool
}

// NewGate creates a gate over a signal.
func NewGate(signal *Signal, carOnly bool) *Gate {
	return &Gate{signal: signal, carOnly: carOnly}
}

// Allowed reports whether mirrors may be posted under the current policy.
func (g *Gate) Allowed() bool {
	g.mu.RLock()
	carOnly := g.carOnly
	g.mu.RUnlock()
	if !carOnly {
		return true
	}
	return g.signal.Connected()
}

// CarOnly reports the current policy.
func (g *Gate) CarOnly() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.carOnly
}

// SetCarOnly updates the policy (UI toggle).
func (g *Gate) SetCarOnly(carOnly bool) {
	g.mu.Lock()
	g.carOnly = carOnly
	g.mu.Unlock()
}

// Watcher feeds a Signal from a state file written by the head-unit
// integration. The file holds one token: none, native, or projected. A
// missing file reads as none.
type Watcher struct {
	path    string
	signal  *Signal
	watcher *fsnotify.Watcher

	ctx    context.Context
	cancel context.CancelFunc
}

// NewWatcher creates a watcher for the state file. Call Start to begin.
func NewWatcher(path string, signal *Signal) (*Watcher, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the directory: editors and integrations replace the file via
	// rename, which drops a watch on the file itself.
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		fsw.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &Watcher{
		path:    path,
		signal:  signal,
		watcher: fsw,
		ctx:     ctx,
		cancel:  cancel,
	}
	w.readState()
	return w, nil
}

// Start runs the watch loop until Stop is called.
func (w *Watcher) Start() {
	for {
		select {
		case <-w.ctx.Done():
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				w.readState()
			}
			if ev.Op&fsnotify.Remove != 0 {
				w.signal.Set(StateNone)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			connLog.Warn("watch_error", slog.String("error", err.Error()))
		}
	}
}

// Stop terminates the watch loop and releases the inotify handle.
func (w *Watcher) Stop() {
	w.cancel()
	_ = w.watcher.Close()
}

func (w *Watcher) readState() {
	data, err := os.ReadFile(w.path)
	if err != nil {
		w.signal.Set(StateNone)
		return
	}
	state := ParseState(string(data))
	connLog.Debug("state_changed", slog.String("state", string(state)))
	w.signal.Set(state)
}
