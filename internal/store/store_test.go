package store

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jpalka/notimirror/internal/filter"
	"github.com/jpalka/notimirror/internal/notify"
)

func testRecord(key, title, text string) *notify.Record {
	return &notify.Record{
		App:      "com.app",
		AppLabel: "App",
		Profile:  notify.ProfilePersonal,
		Key:      key,
		Title:    title,
		Text:     text,
		PostedAt: 1700000000000,
	}
}

func TestStore_AddValidation(t *testing.T) {
	s := New(nil, 0)

	err := s.Add(&notify.Record{App: "com.app", PostedAt: 1})
	assert.ErrorIs(t, err, notify.ErrBlankKey)

	err = s.Add(&notify.Record{App: "com.app", Key: "k"})
	assert.ErrorIs(t, err, notify.ErrBadTimestamp)
}

func TestStore_AddNewestFirst(t *testing.T) {
	s := New(nil, 0)

	require.NoError(t, s.Add(testRecord("k1", "first", "a")))
	require.NoError(t, s.Add(testRecord("k2", "second", "b")))

	records := s.Records("com.app", notify.ProfilePersonal)
	require.Len(t, records, 2)
	assert.Equal(t, "k2", records[0].Key)
	assert.Equal(t, "k1", records[1].Key)
}

func TestStore_AddEvictsSameKey(t *testing.T) {
	s := New(nil, 0)

	require.NoError(t, s.Add(testRecord("k1", "old", "old text")))
	require.NoError(t, s.Add(testRecord("k1", "new", "new text")))

	records := s.Records("com.app", notify.ProfilePersonal)
	require.Len(t, records, 1)
	assert.Equal(t, "new", records[0].Title)
}

func TestStore_AddEvictsIdenticalContent(t *testing.T) {
	s := New(nil, 0)

	require.NoError(t, s.Add(testRecord("k1", "Dana", "hello")))
	// Same content resent under a fresh key collapses to one entry.
	require.NoError(t, s.Add(testRecord("k2", "Dana", "hello")))

	records := s.Records("com.app", notify.ProfilePersonal)
	require.Len(t, records, 1)
	assert.Equal(t, "k2", records[0].Key)
}

func TestStore_AddTrimsToCap(t *testing.T) {
	s := New(nil, 3)

	for i := 0; i < 5; i++ {
		require.NoError(t, s.Add(testRecord(fmt.Sprintf("k%d", i), fmt.Sprintf("t%d", i), fmt.Sprintf("x%d", i))))
	}

	records := s.Records("com.app", notify.ProfilePersonal)
	require.Len(t, records, 3)
	assert.Equal(t, "k4", records[0].Key)
	assert.Equal(t, "k2", records[2].Key)
}

func TestStore_ProfilePartitionsAreSeparate(t *testing.T) {
	s := New(nil, 0)

	personal := testRecord("k1", "t", "x")
	work := testRecord("k1", "t", "x")
	work.Profile = notify.ProfileWork

	require.NoError(t, s.Add(personal))
	require.NoError(t, s.Add(work))

	assert.Len(t, s.Records("com.app", notify.ProfilePersonal), 1)
	assert.Len(t, s.Records("com.app", notify.ProfileWork), 1)

	s.Remove("com.app", notify.ProfileWork, "k1")
	assert.Empty(t, s.Records("com.app", notify.ProfileWork))
	assert.Len(t, s.Records("com.app", notify.ProfilePersonal), 1)
}

func TestStore_ListAppsOrdering(t *testing.T) {
	s := New(nil, 0)

	add := func(app, label string) {
		rec := testRecord("k", "t", "x")
		rec.App = app
		rec.AppLabel = label
		require.NoError(t, s.Add(rec))
	}
	add("com.zulu", "Zulu")
	add("com.alpha", "alpha")
	add("com.mike", "Mike")
	s.SetMirrorEnabled("com.mike", notify.ProfilePersonal, true)

	views := s.ListApps(false)
	require.Len(t, views, 3)
	// Mirror-enabled first, the rest case-insensitively by label.
	assert.Equal(t, "Mike", views[0].Label)
	assert.Equal(t, "alpha", views[1].Label)
	assert.Equal(t, "Zulu", views[2].Label)
}

func TestStore_ListAppsDisabledHidden(t *testing.T) {
	s := New(nil, 0)

	require.NoError(t, s.Add(testRecord("k1", "t", "x")))
	s.SetDisabled("com.app", notify.ProfilePersonal, true)

	assert.Empty(t, s.ListApps(false))

	views := s.ListApps(true)
	require.Len(t, views, 1)
	assert.True(t, views[0].Disabled)
}

func TestStore_RemoveDropsEmptyPartition(t *testing.T) {
	s := New(nil, 0)

	require.NoError(t, s.Add(testRecord("k1", "t", "x")))
	s.Remove("com.app", notify.ProfilePersonal, "k1")

	assert.Empty(t, s.Records("com.app", notify.ProfilePersonal))
	assert.Empty(t, s.ListApps(true))
}

func TestStore_RemoveApp(t *testing.T) {
	s := New(nil, 0)

	rec := testRecord("k1", "t", "x")
	rec.Icon = []byte{0x89, 0x50}
	require.NoError(t, s.Add(rec))
	require.NotNil(t, s.Icon("com.app", notify.ProfilePersonal))

	s.RemoveApp("com.app", notify.ProfilePersonal)
	assert.Empty(t, s.Records("com.app", notify.ProfilePersonal))
	assert.Nil(t, s.Icon("com.app", notify.ProfilePersonal))
}

func TestStore_ConfigRoundTrip(t *testing.T) {
	s := New(nil, 0)

	cfg := s.Config("com.app", notify.ProfilePersonal)
	assert.False(t, cfg.MirrorEnabled)
	assert.Empty(t, cfg.Include)

	include := []filter.Pattern{{Pattern: "urgent", MatchText: true}}
	exclude := []filter.Pattern{{Pattern: "spam", MatchTitle: true}}
	s.SetFilters("com.app", notify.ProfilePersonal, include, exclude)
	s.SetMirrorEnabled("com.app", notify.ProfilePersonal, true)

	cfg = s.Config("com.app", notify.ProfilePersonal)
	assert.True(t, cfg.MirrorEnabled)
	assert.Equal(t, include, cfg.Include)
	assert.Equal(t, exclude, cfg.Exclude)

	// Clearing both lists removes the stored config.
	s.SetFilters("com.app", notify.ProfilePersonal, nil, nil)
	inc, exc := s.FiltersFor("com.app", notify.ProfilePersonal)
	assert.Nil(t, inc)
	assert.Nil(t, exc)
}

func TestStore_SetFiltersNormalizesFieldFlags(t *testing.T) {
	s := New(nil, 0)

	// A pattern that names neither field must end up applying to the text,
	// otherwise an include list could silently reject everything.
	s.SetFilters("com.app", notify.ProfilePersonal,
		[]filter.Pattern{{Pattern: "urgent"}},
		[]filter.Pattern{{Pattern: "spam"}})

	inc, exc := s.FiltersFor("com.app", notify.ProfilePersonal)
	require.Len(t, inc, 1)
	require.Len(t, exc, 1)
	assert.True(t, inc[0].MatchText)
	assert.True(t, exc[0].MatchText)

	e := filter.NewEvaluator(s)
	assert.True(t, e.Matches(testRecord("k1", "t", "urgent callback")))
	assert.False(t, e.Matches(testRecord("k2", "t", "urgent spam offer")))
}

func TestStore_MirrorEnabledFlag(t *testing.T) {
	s := New(nil, 0)

	assert.False(t, s.MirrorEnabled("com.app", notify.ProfilePersonal))
	s.SetMirrorEnabled("com.app", notify.ProfilePersonal, true)
	assert.True(t, s.MirrorEnabled("com.app", notify.ProfilePersonal))
	s.SetMirrorEnabled("com.app", notify.ProfilePersonal, false)
	assert.False(t, s.MirrorEnabled("com.app", notify.ProfilePersonal))
}

func TestStore_Reset(t *testing.T) {
	s := New(nil, 0)

	require.NoError(t, s.Add(testRecord("k1", "t", "x")))
	s.SetMirrorEnabled("com.app", notify.ProfilePersonal, true)

	s.Reset()
	assert.Empty(t, s.ListApps(true))
	assert.False(t, s.MirrorEnabled("com.app", notify.ProfilePersonal))
}
