package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jpalka/notimirror/internal/filter"
	"github.com/jpalka/notimirror/internal/logging"
	"github.com/jpalka/notimirror/internal/mirror"
	"github.com/jpalka/notimirror/internal/notify"
	"github.com/jpalka/notimirror/internal/store"
)

var dispatchLog = logging.ForComponent(logging.CompDispatch)

// Gate decides whether mirrors may be posted right now (the "only while
// connected to the car" policy).
type Gate interface {
	Allowed() bool
}

// OriginalCanceller cancels an original notification on the source device.
// The bridge connection implements this; it is nil while disconnected.
type OriginalCanceller interface {
	CancelOriginal(ctx context.Context, key string) error
}

// ProfileRefresher reloads cross-profile metadata. Refresh runs on a
// background goroutine at listener connect, never on the event path.
type ProfileRefresher interface {
	Refresh(ctx context.Context)
}

// Event is a UI-facing change notification emitted by the dispatcher.
type Event struct {
	Type     string         `json:"type"` // record_added, mirror_posted, mirror_cancelled
	App      string         `json:"app,omitempty"`
	Profile  notify.Profile `json:"profile,omitempty"`
	Key      string         `json:"key,omitempty"`
	MirrorID int64          `json:"mirrorId,omitempty"`
}

// PostedEvent is one normalized notification-posted delivery from the bridge.
type PostedEvent struct {
	Record       notify.Record
	Actions      []notify.Action
	Conversation *notify.Conversation
}

// Snapshot is the bridge's connect-time view of the host's live notification
// set, used to prune stale tracker entries.
type Snapshot struct {
	ActiveKeys    []string
	ActiveMirrors []int64
}

// Config wires a Dispatcher.
type Config struct {
	Store     *store.Store
	Filters   *filter.Evaluator
	Tracker   *mirror.Tracker
	Builder   *mirror.Builder
	Sink      mirror.Sink
	Gate      Gate
	Originals OriginalCanceller
	Profiles  ProfileRefresher

	// OnEvent receives UI change events; may be nil.
	OnEvent func(Event)
}

// Dispatcher is the entry point for bridge callbacks and UI-triggered mirror
// requests. No fault escapes a public entry point: every path catches and
// degrades locally.
type Dispatcher struct {
	store   *store.Store
	filters *filter.Evaluator
	tracker *mirror.Tracker
	builder *mirror.Builder
	sink    mirror.Sink
	gate    Gate

	profiles ProfileRefresher
	onEvent  func(Event)

	mu        sync.Mutex
	connected bool
	originals OriginalCanceller
}

// New creates a dispatcher.
func New(cfg Config) *Dispatcher {
	return &Dispatcher{
		store:     cfg.Store,
		filters:   cfg.Filters,
		tracker:   cfg.Tracker,
		builder:   cfg.Builder,
		sink:      cfg.Sink,
		gate:      cfg.Gate,
		originals: cfg.Originals,
		profiles:  cfg.Profiles,
		onEvent:   cfg.OnEvent,
	}
}

// Connected handles a listener (re)connection: reconcile the tracker against
// the host's live set, then start accepting events. Profile metadata loads on
// a background goroutine so connect never blocks on shell work.
func (d *Dispatcher) Connected(ctx context.Context, snap Snapshot, originals OriginalCanceller) {
	defer d.recovered("connected")

	for _, id := range d.tracker.PruneStale(snap.ActiveKeys, snap.ActiveMirrors) {
		d.cancelMirror(ctx, id)
	}

	d.mu.Lock()
	d.connected = true
	d.originals = originals
	d.mu.Unlock()

	if d.profiles != nil {
		go d.profiles.Refresh(context.WithoutCancel(ctx))
	}
	dispatchLog.Info("listener_connected",
		slog.Int("active_keys", len(snap.ActiveKeys)),
		slog.Int("active_mirrors", len(snap.ActiveMirrors)))
}

// Disconnected marks the listener down. Tracker state is kept; the next
// Connected call reconciles it.
func (d *Dispatcher) Disconnected() {
	d.mu.Lock()
	d.connected = false
	d.originals = nil
	d.mu.Unlock()
	dispatchLog.Info("listener_disconnected")
}

// IsConnected reports the listener lifecycle state.
func (d *Dispatcher) IsConnected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connected
}

// Posted handles one notification-posted event: store, filter, resolve,
// synthesize. Invalid records are dropped silently; synthesis failures roll
// back tracker registrations and never propagate.
func (d *Dispatcher) Posted(ctx context.Context, ev PostedEvent) {
	defer d.recovered("posted")

	rec := ev.Record
	rec.App = strings.TrimSpace(rec.App)
	rec.Key = strings.TrimSpace(rec.Key)

	if err := d.store.Add(&rec); err != nil {
		if errors.Is(err, notify.ErrBlankKey) || errors.Is(err, notify.ErrBadTimestamp) {
			dispatchLog.Debug("record_rejected", slog.String("app", rec.App), slog.String("error", err.Error()))
			return
		}
		dispatchLog.Warn("store_add_failed", slog.String("app", rec.App), slog.String("error", err.Error()))
		return
	}
	d.emit(Event{Type: "record_added", App: rec.App, Profile: rec.Profile, Key: rec.Key})

	if !d.store.MirrorEnabled(rec.App, rec.Profile) {
		return
	}
	if d.gate != nil && !d.gate.Allowed() {
		return
	}
	if !d.filters.Matches(&rec) {
		return
	}

	threaded := ev.Conversation.Threaded()
	res := d.tracker.Resolve(rec.App, rec.Profile, rec.Title, rec.Text, rec.Key, threaded)
	for _, id := range res.Orphaned {
		d.cancelMirror(ctx, id)
	}
	if !res.Created {
		return
	}

	d.tracker.SetActions(res.MirrorID, ev.Actions)
	d.synthesize(ctx, mirror.BuildInput{
		MirrorID:     res.MirrorID,
		App:          rec.App,
		Label:        rec.AppLabel,
		Title:        rec.Title,
		Text:         rec.Text,
		Profile:      rec.Profile,
		PostedAt:     rec.PostedAt,
		Icon:         rec.Icon,
		Actions:      ev.Actions,
		Conversation: ev.Conversation,
	})
}

// Removed handles a notification-removed event. History is retained; the
// tracker cascade runs unconditionally to keep mirrors honest.
func (d *Dispatcher) Removed(ctx context.Context, key string) {
	defer d.recovered("removed")

	if id, ok := d.tracker.OriginalRemoved(strings.TrimSpace(key)); ok {
		d.cancelMirror(ctx, id)
	}
}

// MirrorNow serves the UI's manual mirror request for an (app, profile)
// pair. It bypasses filter evaluation (the user explicitly asked) but still
// respects the global gate. Content comes from the most recent stored record
// when one exists.
func (d *Dispatcher) MirrorNow(ctx context.Context, app string, profile notify.Profile) error {
	defer d.recovered("mirror_now")

	if d.gate != nil && !d.gate.Allowed() {
		return fmt.Errorf("dispatch: mirroring not allowed by gate")
	}

	id, replaced := d.tracker.ResolveManual(app, profile)
	if replaced != 0 {
		d.cancelMirror(ctx, replaced)
	}

	in := mirror.BuildInput{
		MirrorID: id,
		App:      app,
		Profile:  profile,
		Manual:   true,
		Icon:     d.store.Icon(app, profile),
	}
	if records := d.store.Records(app, profile); len(records) > 0 {
		latest := records[0]
		in.Label = latest.AppLabel
		in.Title = latest.Title
		in.Text = latest.Text
		in.PostedAt = latest.PostedAt
	}

	if !d.synthesize(ctx, in) {
		return fmt.Errorf("dispatch: manual mirror synthesis failed")
	}
	return nil
}

// MirrorDismissed handles the user dismissing a mirror on the projection
// side: cancel every original still registered under it, then purge.
func (d *Dispatcher) MirrorDismissed(ctx context.Context, mirrorID int64) {
	defer d.recovered("mirror_dismissed")

	keys := d.tracker.MirrorDismissed(mirrorID)

	d.mu.Lock()
	originals := d.originals
	d.mu.Unlock()

	for _, key := range keys {
		if originals == nil {
			continue
		}
		if err := originals.CancelOriginal(ctx, key); err != nil {
			dispatchLog.Warn("cancel_original_failed",
				slog.String("key", key),
				slog.String("error", err.Error()))
		}
	}
	d.cancelMirror(ctx, mirrorID)
}

// InvokeAction bridges a user's interaction with a mirror action back to the
// original's callback target.
func (d *Dispatcher) InvokeAction(ctx context.Context, mirrorID int64, index int, replyText string) error {
	defer d.recovered("invoke_action")
	return mirror.BridgeAction(ctx, d.tracker, d.sink, mirrorID, index, replyText)
}

// RunSweeper periodically re-reconciles the tracker against a fresh host
// snapshot. Disabled when interval is zero; fetch failures (listener down,
// bridge timeout) skip the cycle.
func (d *Dispatcher) RunSweeper(ctx context.Context, interval time.Duration, fetch func(context.Context) (Snapshot, error)) {
	if interval <= 0 || fetch == nil {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !d.IsConnected() {
				continue
			}
			snap, err := fetch(ctx)
			if err != nil {
				dispatchLog.Debug("sweep_snapshot_failed", slog.String("error", err.Error()))
				continue
			}
			for _, id := range d.tracker.PruneStale(snap.ActiveKeys, snap.ActiveMirrors) {
				d.cancelMirror(ctx, id)
			}
		}
	}
}

// synthesize builds and posts one mirror, rolling back all tracker
// registrations when any part fails so the tracker never references a mirror
// that was never actually posted.
func (d *Dispatcher) synthesize(ctx context.Context, in mirror.BuildInput) bool {
	payload, err := d.builder.Build(in)
	if err == nil {
		err = d.sink.Post(ctx, payload)
	}
	if err != nil {
		d.tracker.Release(in.MirrorID)
		dispatchLog.Warn("synthesis_failed",
			slog.Int64("mirror", in.MirrorID),
			slog.String("app", in.App),
			slog.String("error", err.Error()))
		return false
	}
	d.emit(Event{Type: "mirror_posted", App: in.App, Profile: in.Profile, MirrorID: in.MirrorID})
	return true
}

func (d *Dispatcher) cancelMirror(ctx context.Context, id int64) {
	if err := d.sink.Cancel(ctx, id); err != nil {
		dispatchLog.Warn("mirror_cancel_failed",
			slog.Int64("mirror", id),
			slog.String("error", err.Error()))
	}
	d.emit(Event{Type: "mirror_cancelled", MirrorID: id})
}

func (d *Dispatcher) emit(ev Event) {
	if d.onEvent != nil {
		d.onEvent(ev)
	}
}

// recovered keeps host callbacks panic-free: a fault in one event must not
// take down the delivery loop.
func (d *Dispatcher) recovered(entry string) {
	if r := recover(); r != nil {
		dispatchLog.Error("panic",
			slog.String("entry", entry),
			slog.String("recover", fmt.Sprintf("%v", r)))
	}
}
