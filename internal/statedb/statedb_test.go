package statedb

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *StateDB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestStateDB_BlobRoundTrip(t *testing.T) {
	db := openTestDB(t)

	val, err := db.LoadBlob(CategoryHistory)
	require.NoError(t, err)
	assert.Equal(t, "", val)

	require.NoError(t, db.SaveBlob(CategoryHistory, `{"a":1}`))
	val, err = db.LoadBlob(CategoryHistory)
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, val)

	// Replace, not append.
	require.NoError(t, db.SaveBlob(CategoryHistory, `{"a":2}`))
	val, err = db.LoadBlob(CategoryHistory)
	require.NoError(t, err)
	assert.Equal(t, `{"a":2}`, val)
}

func TestStateDB_DeleteBlob(t *testing.T) {
	db := openTestDB(t)

	require.NoError(t, db.SaveBlob(CategoryIcons, "x"))
	require.NoError(t, db.DeleteBlob(CategoryIcons))

	val, err := db.LoadBlob(CategoryIcons)
	require.NoError(t, err)
	assert.Equal(t, "", val)
}

func TestStateDB_Reset(t *testing.T) {
	db := openTestDB(t)

	require.NoError(t, db.SaveBlob(CategoryHistory, "h"))
	require.NoError(t, db.SaveBlob(CategoryFilters, "f"))
	require.NoError(t, db.Reset())

	for _, category := range []string{CategoryHistory, CategoryFilters} {
		val, err := db.LoadBlob(category)
		require.NoError(t, err)
		assert.Equal(t, "", val)
	}
}

func TestStateDB_Meta(t *testing.T) {
	db := openTestDB(t)

	val, err := db.GetMeta("missing")
	require.NoError(t, err)
	assert.Equal(t, "", val)

	require.NoError(t, db.SetMeta("k", "v"))
	val, err = db.GetMeta("k")
	require.NoError(t, err)
	assert.Equal(t, "v", val)

	version, err := db.GetMeta("schema_version")
	require.NoError(t, err)
	assert.Equal(t, "1", version)
}

func TestStateDB_TouchUpdatesLastModified(t *testing.T) {
	db := openTestDB(t)

	before, err := db.LastModified()
	require.NoError(t, err)

	require.NoError(t, db.SaveBlob(CategoryHistory, "x"))
	after, err := db.LastModified()
	require.NoError(t, err)
	assert.Greater(t, after, before)
}

func TestStateDB_MigrateIdempotent(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.SaveBlob(CategoryHistory, "keep"))

	require.NoError(t, db.Migrate())
	val, err := db.LoadBlob(CategoryHistory)
	require.NoError(t, err)
	assert.Equal(t, "keep", val)
}
