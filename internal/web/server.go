package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/jpalka/notimirror/internal/connectivity"
	"github.com/jpalka/notimirror/internal/dispatch"
	"github.com/jpalka/notimirror/internal/logging"
	"github.com/jpalka/notimirror/internal/shellexec"
	"github.com/jpalka/notimirror/internal/store"
)

var webLog = logging.ForComponent(logging.CompWeb)

// Config defines runtime options for the web server.
type Config struct {
	ListenAddr string
	ReadOnly   bool
	Token      string
	JWTSecret  string

	DataDir string

	PushEnabled         bool
	PushVAPIDPublicKey  string
	PushVAPIDPrivateKey string
	PushSubscriber      string
	PushRatePerSecond   float64
}

// Deps are the collaborating services the HTTP handlers drive.
type Deps struct {
	Store    *store.Store
	Profiles *shellexec.ProfileCache
	Gate     *connectivity.Gate
	Signal   *connectivity.Signal
}

// Server wraps the HTTP server carrying the control API, the bridge ingest
// socket, and the projection event stream.
type Server struct {
	cfg        Config
	httpServer *http.Server
	store      *store.Store
	profiles   *shellexec.ProfileCache
	gate       *connectivity.Gate
	signal     *connectivity.Signal
	tokens     *tokenService
	push       *pushService
	baseCtx    context.Context
	cancelBase context.CancelFunc

	mu           sync.Mutex
	dispatcher   *dispatch.Dispatcher
	activeBridge *bridgeConn

	eventSubscribersMu sync.Mutex
	eventSubscribers   map[chan []byte]struct{}
}

// NewServer creates a new web server with base routes and middleware.
func NewServer(cfg Config, deps Deps) *Server {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = "127.0.0.1:8422"
	}

	s := &Server{
		cfg:              cfg,
		store:            deps.Store,
		profiles:         deps.Profiles,
		gate:             deps.Gate,
		signal:           deps.Signal,
		eventSubscribers: make(map[chan []byte]struct{}),
	}
	s.baseCtx, s.cancelBase = context.WithCancel(context.Background())

	if cfg.JWTSecret != "" {
		s.tokens = newTokenService(cfg.JWTSecret)
	}
	if cfg.PushEnabled {
		push, err := newPushService(cfg)
		if err != nil {
			webLog.Warn("push_disabled", slog.String("error", err.Error()))
		} else {
			s.push = push
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		resp := map[string]any{
			"ok":        true,
			"readOnly":  cfg.ReadOnly,
			"connected": s.dispatcherConnected(),
			"time":      time.Now().UTC().Format(time.RFC3339),
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	})
	mux.HandleFunc("/api/auth/token", s.handleAuthToken)
	mux.HandleFunc("/api/apps", s.handleApps)
	mux.HandleFunc("/api/apps/", s.handleAppByID)
	mux.HandleFunc("/api/gate", s.handleGate)
	mux.HandleFunc("/api/mirror/dismiss", s.handleMirrorDismiss)
	mux.HandleFunc("/api/mirror/action", s.handleMirrorAction)
	mux.HandleFunc("/api/push/config", s.handlePushConfig)
	mux.HandleFunc("/api/push/subscribe", s.handlePushSubscribe)
	mux.HandleFunc("/api/push/unsubscribe", s.handlePushUnsubscribe)
	mux.HandleFunc("/ws/bridge", s.handleBridgeWS)
	mux.HandleFunc("/ws/events", s.handleEventsWS)

	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           withRecover(mux),
		BaseContext:       func(_ net.Listener) context.Context { return s.baseCtx },
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return s
}

// AttachDispatcher wires the event dispatcher. Must be called before Start.
func (s *Server) AttachDispatcher(d *dispatch.Dispatcher) {
	s.mu.Lock()
	s.dispatcher = d
	s.mu.Unlock()
}

func (s *Server) getDispatcher() *dispatch.Dispatcher {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dispatcher
}

func (s *Server) dispatcherConnected() bool {
	d := s.getDispatcher()
	return d != nil && d.IsConnected()
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// Handler returns the configured HTTP handler (used by tests).
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start starts the HTTP server and blocks until shutdown or error.
// Returns nil on graceful shutdown.
func (s *Server) Start() error {
	err := s.httpServer.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.cancelBase != nil {
		// Signal long-lived WS handlers to stop promptly.
		s.cancelBase()
	}

	err := s.httpServer.Shutdown(ctx)
	if err == nil {
		return nil
	}

	// Long-lived connections may still block graceful shutdown. Force close
	// as a fallback so Ctrl+C exits promptly.
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		if closeErr := s.httpServer.Close(); closeErr == nil {
			return nil
		} else {
			return fmt.Errorf("graceful shutdown timed out and force close failed: %w", closeErr)
		}
	}

	return err
}

func withRecover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				webLog.Error("panic",
					slog.String("recover", fmt.Sprintf("%v", rec)),
					slog.String("path", r.URL.Path))
				http.Error(w, "internal server error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) String() string {
	return fmt.Sprintf("web-server(addr=%s, readOnly=%t)", s.cfg.ListenAddr, s.cfg.ReadOnly)
}

// BroadcastEvent fans a dispatcher event out to every /ws/events subscriber.
func (s *Server) BroadcastEvent(ev dispatch.Event) {
	raw, err := json.Marshal(eventEnvelope{Type: "event", Event: &ev})
	if err != nil {
		return
	}
	s.broadcastRaw(raw)
}

func (s *Server) broadcastRaw(raw []byte) {
	s.eventSubscribersMu.Lock()
	for ch := range s.eventSubscribers {
		select {
		case ch <- raw:
		default:
		}
	}
	s.eventSubscribersMu.Unlock()
}

func (s *Server) subscribeEvents() chan []byte {
	ch := make(chan []byte, 32)
	s.eventSubscribersMu.Lock()
	s.eventSubscribers[ch] = struct{}{}
	s.eventSubscribersMu.Unlock()
	return ch
}

func (s *Server) unsubscribeEvents(ch chan []byte) {
	if ch == nil {
		return
	}
	s.eventSubscribersMu.Lock()
	if _, ok := s.eventSubscribers[ch]; ok {
		delete(s.eventSubscribers, ch)
		close(ch)
	}
	s.eventSubscribersMu.Unlock()
}
