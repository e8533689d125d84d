package mirror

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"

	"github.com/jpalka/notimirror/internal/notify"
)

// Tracker maintains the live mapping between original notification keys and
// synthetic mirror ids for the current process lifetime. Nothing here is
// persisted: after a restart the bridge's connect-time snapshot is the source
// of truth and PruneStale rebuilds a consistent view.
//
// All maps are guarded by one mutex so that the check-and-create decision in
// Resolve is atomic: two concurrent posted events for the same threaded
// content must never create two mirrors.
type Tracker struct {
	mu     sync.Mutex
	nextID int64

	forward       map[string]int64              // original key -> mirror id
	reverse       map[int64]map[string]struct{} // mirror id -> original keys folded into it
	byFingerprint map[string]int64              // content fingerprint -> mirror id (threaded only)
	fingerprintOf map[int64]string              // inverse of byFingerprint, for purging
	manual        map[string]int64              // app|profile -> manual mirror id
	manualOf      map[int64]string              // inverse of manual, for purging
	actions       map[int64][]notify.Action     // mirror id -> original action targets
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		forward:       make(map[string]int64),
		reverse:       make(map[int64]map[string]struct{}),
		byFingerprint: make(map[string]int64),
		fingerprintOf: make(map[int64]string),
		manual:        make(map[string]int64),
		manualOf:      make(map[int64]string),
		actions:       make(map[int64][]notify.Action),
	}
}

// Fingerprint computes the coarse content fingerprint used to fold threaded
// duplicates onto one mirror: app, profile, and whitespace-normalized,
// case-folded title and text.
func Fingerprint(app string, profile notify.Profile, title, text string) string {
	h := sha256.New()
	h.Write([]byte(app))
	h.Write([]byte{0})
	h.Write([]byte(profile))
	h.Write([]byte{0})
	h.Write([]byte(normalize(title)))
	h.Write([]byte{0})
	h.Write([]byte(normalize(text)))
	return hex.EncodeToString(h.Sum(nil))
}

func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// Resolution is the outcome of Resolve.
type Resolution struct {
	// MirrorID is the mirror the original key now points to.
	MirrorID int64

	// Created is true when a new mirror id was allocated; the caller must
	// synthesize and post the mirror (and roll back on failure).
	Created bool

	// Folded is true when the key was registered against an existing
	// threaded mirror; no new notification is posted.
	Folded bool

	// Orphaned lists mirrors left without any original key or manual
	// registration by this resolution (key reuse); the caller cancels them.
	Orphaned []int64
}

// Resolve maps an incoming posted event to a mirror id, creating one when
// needed. Only threaded content participates in fingerprint deduplication;
// episodic content always gets a fresh identity per distinct original key,
// because collapsing distinct episodic messages by content would wrongly
// merge unrelated notifications that happen to share text.
func (t *Tracker) Resolve(app string, profile notify.Profile, title, text, key string, threaded bool) Resolution {
	t.mu.Lock()
	defer t.mu.Unlock()

	var res Resolution

	if threaded {
		fp := Fingerprint(app, profile, title, text)
		if id, ok := t.byFingerprint[fp]; ok {
			// Fold this key into the existing mirror so either original's
			// removal is tracked.
			res.Orphaned = t.registerKeyLocked(key, id)
			res.MirrorID = id
			res.Folded = true
			return res
		}
		id := t.allocateLocked()
		t.byFingerprint[fp] = id
		t.fingerprintOf[id] = fp
		res.Orphaned = t.registerKeyLocked(key, id)
		res.MirrorID = id
		res.Created = true
		return res
	}

	id := t.allocateLocked()
	res.Orphaned = t.registerKeyLocked(key, id)
	res.MirrorID = id
	res.Created = true
	return res
}

// ResolveManual allocates a mirror for an explicit user request. Manual
// mirrors are singletons per (app, profile): any previous manual mirror is
// purged and returned as replaced so the caller can cancel it.
func (t *Tracker) ResolveManual(app string, profile notify.Profile) (id int64, replaced int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := notify.AppProfile{App: app, Profile: profile}.Key()
	if prev, ok := t.manual[key]; ok {
		t.purgeLocked(prev)
		replaced = prev
	}
	id = t.allocateLocked()
	t.manual[key] = id
	t.manualOf[id] = key
	return id, replaced
}

// SetActions stores the original action targets for a mirror, in order.
func (t *Tracker) SetActions(id int64, actions []notify.Action) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(actions) == 0 {
		delete(t.actions, id)
		return
	}
	t.actions[id] = append([]notify.Action(nil), actions...)
}

// Actions returns the stored original action targets for a mirror.
func (t *Tracker) Actions(id int64) ([]notify.Action, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	actions, ok := t.actions[id]
	return actions, ok
}

// OriginalRemoved handles a removed event for an original key. When the last
// key folded into a mirror goes away the mirror id is returned for
// cancellation and all its entries are purged. Unknown keys are a no-op.
func (t *Tracker) OriginalRemoved(key string) (cancel int64, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	id, present := t.forward[key]
	if !present {
		return 0, false
	}
	delete(t.forward, key)
	if set := t.reverse[id]; set != nil {
		delete(set, key)
		if len(set) > 0 {
			// Other originals with identical folded content still exist;
			// leave the mirror posted.
			return 0, false
		}
	}
	t.purgeLocked(id)
	return id, true
}

// MirrorDismissed handles the user dismissing a synthetic mirror: every
// original key still registered under it is returned for cascade
// cancellation, and all tracker entries for the mirror are purged.
func (t *Tracker) MirrorDismissed(id int64) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var keys []string
	for key := range t.reverse[id] {
		keys = append(keys, key)
	}
	t.purgeLocked(id)
	return keys
}

// Release drops all entries for a mirror without cascading to originals.
// Used after action bridging (the bridged invocation settles the original)
// and as the rollback for a synthesis attempt that never posted.
func (t *Tracker) Release(id int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.purgeLocked(id)
}

// PruneStale drops entries referencing original keys or mirror ids that no
// longer exist in the host's live notification set. Run on every listener
// (re)connection so pure in-memory state self-heals after an unclean restart.
// Returned mirror ids are still live on the host but lost their last original
// here; the caller cancels them.
func (t *Tracker) PruneStale(activeKeys []string, activeMirrors []int64) []int64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	keySet := make(map[string]struct{}, len(activeKeys))
	for _, k := range activeKeys {
		keySet[k] = struct{}{}
	}
	mirrorSet := make(map[int64]struct{}, len(activeMirrors))
	for _, id := range activeMirrors {
		mirrorSet[id] = struct{}{}
	}

	// Mirrors the host no longer shows are gone wholesale.
	for id := range t.reverse {
		if _, live := mirrorSet[id]; !live {
			t.purgeLocked(id)
		}
	}
	for id := range t.manualOf {
		if _, live := mirrorSet[id]; !live {
			t.purgeLocked(id)
		}
	}

	// Keys the host no longer shows are dropped; mirrors emptied by that but
	// still live on the host get cancelled by the caller.
	var cancel []int64
	for key, id := range t.forward {
		if _, live := keySet[key]; live {
			continue
		}
		delete(t.forward, key)
		if set := t.reverse[id]; set != nil {
			delete(set, key)
			if len(set) == 0 {
				t.purgeLocked(id)
				cancel = append(cancel, id)
			}
		}
	}
	return cancel
}

// MirrorFor returns the mirror id an original key currently points to.
func (t *Tracker) MirrorFor(key string) (int64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id, ok := t.forward[key]
	return id, ok
}

// ManualMirror returns the manual mirror id for an (app, profile) pair.
func (t *Tracker) ManualMirror(app string, profile notify.Profile) (int64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id, ok := t.manual[notify.AppProfile{App: app, Profile: profile}.Key()]
	return id, ok
}

// Originals returns the original keys currently folded into a mirror.
func (t *Tracker) Originals(id int64) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var keys []string
	for key := range t.reverse[id] {
		keys = append(keys, key)
	}
	return keys
}

// HasFingerprint reports whether any mirror is registered for the fingerprint
// of the given content. Exposed for tests and diagnostics.
func (t *Tracker) HasFingerprint(app string, profile notify.Profile, title, text string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.byFingerprint[Fingerprint(app, profile, title, text)]
	return ok
}

func (t *Tracker) allocateLocked() int64 {
	t.nextID++
	return t.nextID
}

// registerKeyLocked points key at id in both directions, first releasing any
// previous mirror this exact key pointed to (key reuse for new content).
// Returns mirrors orphaned by the release.
func (t *Tracker) registerKeyLocked(key string, id int64) []int64 {
	var orphaned []int64
	if prev, ok := t.forward[key]; ok && prev != id {
		if set := t.reverse[prev]; set != nil {
			delete(set, key)
			if len(set) == 0 && t.manualOf[prev] == "" {
				t.purgeLocked(prev)
				orphaned = append(orphaned, prev)
			}
		}
	}
	t.forward[key] = id
	set := t.reverse[id]
	if set == nil {
		set = make(map[string]struct{})
		t.reverse[id] = set
	}
	set[key] = struct{}{}
	return orphaned
}

// purgeLocked removes every entry associated with a mirror id: forward keys,
// the reverse set, the fingerprint registration, the manual registration, and
// the action-target list.
func (t *Tracker) purgeLocked(id int64) {
	for key := range t.reverse[id] {
		delete(t.forward, key)
	}
	delete(t.reverse, id)
	if fp, ok := t.fingerprintOf[id]; ok {
		delete(t.byFingerprint, fp)
		delete(t.fingerprintOf, id)
	}
	if key, ok := t.manualOf[id]; ok {
		delete(t.manual, key)
		delete(t.manualOf, id)
	}
	delete(t.actions, id)
}
