package store

import (
	"encoding/json"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/jpalka/notimirror/internal/filter"
	"github.com/jpalka/notimirror/internal/logging"
	"github.com/jpalka/notimirror/internal/notify"
	"github.com/jpalka/notimirror/internal/statedb"
)

var storeLog = logging.ForComponent(logging.CompStore)

// DefaultMaxRecords caps each (app, profile) partition's history.
const DefaultMaxRecords = 25

// AppConfig is the per-(app, profile) behavior configuration. Absence of a
// config is equivalent to the zero value: mirror disabled, no filters, not
// disabled.
type AppConfig struct {
	MirrorEnabled bool             `json:"mirrorEnabled"`
	Include       []filter.Pattern `json:"include,omitempty"`
	Exclude       []filter.Pattern `json:"exclude,omitempty"`
	Disabled      bool             `json:"disabled"`
}

// AppView is one (app, profile) partition with its records, as returned by
// ListApps (most recent record first).
type AppView struct {
	ID            notify.AppProfile `json:"id"`
	Label         string            `json:"label"`
	MirrorEnabled bool              `json:"mirrorEnabled"`
	Disabled      bool              `json:"disabled"`
	Records       []*notify.Record  `json:"records"`
}

type partition struct {
	ID      notify.AppProfile `json:"id"`
	Label   string            `json:"label"`
	Records []*notify.Record  `json:"records"`
}

type filterConfig struct {
	Include []filter.Pattern `json:"include,omitempty"`
	Exclude []filter.Pattern `json:"exclude,omitempty"`
}

// Store is the persistent, profile-aware record store. It is shared between
// the bridge callback goroutine and web handler goroutines; all mutations are
// guarded by mu, and blob writes are serialized by persistMu.
type Store struct {
	db         *statedb.StateDB // nil in tests that skip persistence
	maxRecords int

	mu         sync.RWMutex
	partitions map[string]*partition
	icons      map[string][]byte
	enabled    map[string]bool
	filters    map[string]*filterConfig
	disabled   map[string]bool

	persistMu sync.Mutex
}

// New creates a store backed by db. maxRecords <= 0 selects the default cap.
func New(db *statedb.StateDB, maxRecords int) *Store {
	if maxRecords <= 0 {
		maxRecords = DefaultMaxRecords
	}
	return &Store{
		db:         db,
		maxRecords: maxRecords,
		partitions: make(map[string]*partition),
		icons:      make(map[string][]byte),
		enabled:    make(map[string]bool),
		filters:    make(map[string]*filterConfig),
		disabled:   make(map[string]bool),
	}
}

// Load reads all persisted categories. A corrupt or missing blob resets that
// category to empty rather than failing.
func (s *Store) Load() {
	if s.db == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	loadCategory(s.db, statedb.CategoryHistory, &s.partitions)
	loadCategory(s.db, statedb.CategoryIcons, &s.icons)
	loadCategory(s.db, statedb.CategoryEnabled, &s.enabled)
	loadCategory(s.db, statedb.CategoryFilters, &s.filters)
	loadCategory(s.db, statedb.CategoryDisabled, &s.disabled)

	// Older persisted filters may predate the field-flag invariant.
	for _, fc := range s.filters {
		fc.Include = filter.NormalizeAll(fc.Include)
		fc.Exclude = filter.NormalizeAll(fc.Exclude)
	}
}

// loadCategory deserializes one blob into dst, resetting dst to an empty map
// on any read or parse failure.
func loadCategory[M any](db *statedb.StateDB, category string, dst *M) {
	raw, err := db.LoadBlob(category)
	if err != nil || raw == "" {
		if err != nil {
			storeLog.Warn("blob_load_failed", slog.String("category", category), slog.String("error", err.Error()))
		}
		return
	}
	var parsed M
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		storeLog.Warn("blob_corrupt_reset", slog.String("category", category), slog.String("error", err.Error()))
		return
	}
	*dst = parsed
}

// Add ingests one record. Invalid records are rejected. Any existing record
// in the same partition sharing the key or the exact (title, text) pair is
// evicted first; the new record goes to the head and the partition is trimmed
// to the configured cap. The store persists synchronously after the mutation.
func (s *Store) Add(rec *notify.Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	key := notify.PartitionOf(rec).Key()
	part := s.partitions[key]
	if part == nil {
		part = &partition{ID: notify.PartitionOf(rec)}
		s.partitions[key] = part
	}
	if rec.AppLabel != "" {
		part.Label = rec.AppLabel
	}

	// Evict duplicates: same key (app reused it) or identical content resent
	// under a new key.
	kept := part.Records[:0]
	for _, existing := range part.Records {
		if existing.Key == rec.Key {
			continue
		}
		if existing.Title == rec.Title && existing.Text == rec.Text {
			continue
		}
		kept = append(kept, existing)
	}
	part.Records = append([]*notify.Record{rec}, kept...)
	if len(part.Records) > s.maxRecords {
		part.Records = part.Records[:s.maxRecords]
	}

	if len(rec.Icon) > 0 {
		s.icons[key] = rec.Icon
	}
	s.mu.Unlock()

	s.persist(statedb.CategoryHistory, statedb.CategoryIcons)
	return nil
}

// ListApps returns all partitions with their records, mirror-enabled apps
// first, then alphabetically by label. Disabled apps are excluded unless
// includeDisabled is set.
func (s *Store) ListApps(includeDisabled bool) []AppView {
	s.mu.RLock()
	views := make([]AppView, 0, len(s.partitions))
	for key, part := range s.partitions {
		disabled := s.disabled[key]
		if disabled && !includeDisabled {
			continue
		}
		records := make([]*notify.Record, len(part.Records))
		copy(records, part.Records)
		views = append(views, AppView{
			ID:            part.ID,
			Label:         part.Label,
			MirrorEnabled: s.enabled[key],
			Disabled:      disabled,
			Records:       records,
		})
	}
	s.mu.RUnlock()

	sort.Slice(views, func(i, j int) bool {
		if views[i].MirrorEnabled != views[j].MirrorEnabled {
			return views[i].MirrorEnabled
		}
		return strings.ToLower(views[i].Label) < strings.ToLower(views[j].Label)
	})
	return views
}

// Records returns a copy of one partition's records, newest first.
func (s *Store) Records(app string, profile notify.Profile) []*notify.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	part := s.partitions[notify.AppProfile{App: app, Profile: profile}.Key()]
	if part == nil {
		return nil
	}
	out := make([]*notify.Record, len(part.Records))
	copy(out, part.Records)
	return out
}

// Remove deletes one record by key; an emptied partition is dropped entirely.
func (s *Store) Remove(app string, profile notify.Profile, key string) {
	s.mu.Lock()
	pkey := notify.AppProfile{App: app, Profile: profile}.Key()
	part := s.partitions[pkey]
	if part != nil {
		kept := part.Records[:0]
		for _, rec := range part.Records {
			if rec.Key != key {
				kept = append(kept, rec)
			}
		}
		part.Records = kept
		if len(part.Records) == 0 {
			delete(s.partitions, pkey)
		}
	}
	s.mu.Unlock()

	s.persist(statedb.CategoryHistory)
}

// RemoveApp deletes an entire partition and its cached icon.
func (s *Store) RemoveApp(app string, profile notify.Profile) {
	s.mu.Lock()
	pkey := notify.AppProfile{App: app, Profile: profile}.Key()
	delete(s.partitions, pkey)
	delete(s.icons, pkey)
	s.mu.Unlock()

	s.persist(statedb.CategoryHistory, statedb.CategoryIcons)
}

// Config returns the effective AppConfig for an (app, profile) pair, applying
// defaults lazily when nothing is stored.
func (s *Store) Config(app string, profile notify.Profile) AppConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key := notify.AppProfile{App: app, Profile: profile}.Key()
	cfg := AppConfig{
		MirrorEnabled: s.enabled[key],
		Disabled:      s.disabled[key],
	}
	if fc := s.filters[key]; fc != nil {
		cfg.Include = append([]filter.Pattern(nil), fc.Include...)
		cfg.Exclude = append([]filter.Pattern(nil), fc.Exclude...)
	}
	return cfg
}

// SetFilters replaces the ordered include/exclude lists for a pair.
func (s *Store) SetFilters(app string, profile notify.Profile, include, exclude []filter.Pattern) {
	s.mu.Lock()
	key := notify.AppProfile{App: app, Profile: profile}.Key()
	if len(include) == 0 && len(exclude) == 0 {
		delete(s.filters, key)
	} else {
		s.filters[key] = &filterConfig{
			Include: filter.NormalizeAll(include),
			Exclude: filter.NormalizeAll(exclude),
		}
	}
	s.mu.Unlock()

	s.persist(statedb.CategoryFilters)
}

// SetMirrorEnabled flips the mirror flag for a pair.
func (s *Store) SetMirrorEnabled(app string, profile notify.Profile, enabled bool) {
	s.mu.Lock()
	key := notify.AppProfile{App: app, Profile: profile}.Key()
	if enabled {
		s.enabled[key] = true
	} else {
		delete(s.enabled, key)
	}
	s.mu.Unlock()

	s.persist(statedb.CategoryEnabled)
}

// MirrorEnabled reports the mirror flag for a pair.
func (s *Store) MirrorEnabled(app string, profile notify.Profile) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.enabled[notify.AppProfile{App: app, Profile: profile}.Key()]
}

// SetDisabled hides or un-hides an app from the default listing.
func (s *Store) SetDisabled(app string, profile notify.Profile, disabled bool) {
	s.mu.Lock()
	key := notify.AppProfile{App: app, Profile: profile}.Key()
	if disabled {
		s.disabled[key] = true
	} else {
		delete(s.disabled, key)
	}
	s.mu.Unlock()

	s.persist(statedb.CategoryDisabled)
}

// Icon returns the cached icon payload for a pair, nil when absent.
func (s *Store) Icon(app string, profile notify.Profile) []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.icons[notify.AppProfile{App: app, Profile: profile}.Key()]
}

// FiltersFor implements filter.ConfigSource.
func (s *Store) FiltersFor(app string, profile notify.Profile) (include, exclude []filter.Pattern) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fc := s.filters[notify.AppProfile{App: app, Profile: profile}.Key()]
	if fc == nil {
		return nil, nil
	}
	return fc.Include, fc.Exclude
}

// Reset drops all in-memory and persisted state (full storage reset).
func (s *Store) Reset() {
	s.mu.Lock()
	s.partitions = make(map[string]*partition)
	s.icons = make(map[string][]byte)
	s.enabled = make(map[string]bool)
	s.filters = make(map[string]*filterConfig)
	s.disabled = make(map[string]bool)
	s.mu.Unlock()

	if s.db != nil {
		s.persistMu.Lock()
		if err := s.db.Reset(); err != nil {
			storeLog.Warn("reset_failed", slog.String("error", err.Error()))
		}
		s.persistMu.Unlock()
	}
}

// persist serializes the named categories and writes them through statedb.
// Failures are logged and the in-memory state stays authoritative; the next
// successful mutation rewrites the blob.
func (s *Store) persist(categories ...string) {
	if s.db == nil {
		return
	}

	s.mu.RLock()
	blobs := make(map[string]string, len(categories))
	for _, category := range categories {
		var (
			data []byte
			err  error
		)
		switch category {
		case statedb.CategoryHistory:
			data, err = json.Marshal(s.partitions)
		case statedb.CategoryIcons:
			data, err = json.Marshal(s.icons)
		case statedb.CategoryEnabled:
			data, err = json.Marshal(s.enabled)
		case statedb.CategoryFilters:
			data, err = json.Marshal(s.filters)
		case statedb.CategoryDisabled:
			data, err = json.Marshal(s.disabled)
		}
		if err != nil {
			storeLog.Warn("blob_marshal_failed", slog.String("category", category), slog.String("error", err.Error()))
			continue
		}
		blobs[category] = string(data)
	}
	s.mu.RUnlock()

	s.persistMu.Lock()
	defer s.persistMu.Unlock()
	for category, blob := range blobs {
		if err := s.db.SaveBlob(category, blob); err != nil {
			storeLog.Warn("blob_save_failed", slog.String("category", category), slog.String("error", err.Error()))
		}
	}
}
