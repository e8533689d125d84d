package web

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsurePushVAPIDKeys_GenerateThenLoad(t *testing.T) {
	dir := t.TempDir()

	pub1, priv1, generated, err := EnsurePushVAPIDKeys(dir, "mailto:a@b.test")
	require.NoError(t, err)
	assert.True(t, generated)
	assert.NotEmpty(t, pub1)
	assert.NotEmpty(t, priv1)
	assert.NotEqual(t, pub1, priv1)

	// Second call loads the persisted pair instead of regenerating.
	pub2, priv2, generated, err := EnsurePushVAPIDKeys(dir, "mailto:a@b.test")
	require.NoError(t, err)
	assert.False(t, generated)
	assert.Equal(t, pub1, pub2)
	assert.Equal(t, priv1, priv2)
}

func TestEnsurePushVAPIDKeys_SubjectUpdateKeepsKeys(t *testing.T) {
	dir := t.TempDir()

	pub1, priv1, _, err := EnsurePushVAPIDKeys(dir, "mailto:old@b.test")
	require.NoError(t, err)

	pub2, priv2, generated, err := EnsurePushVAPIDKeys(dir, "mailto:new@b.test")
	require.NoError(t, err)
	assert.False(t, generated)
	assert.Equal(t, pub1, pub2)
	assert.Equal(t, priv1, priv2)

	file, err := loadPushVAPIDKeysFile(filepath.Join(dir, pushVAPIDKeysFileName))
	require.NoError(t, err)
	assert.Equal(t, "mailto:new@b.test", file.Subject)
}

func TestEnsurePushVAPIDKeys_CorruptFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, pushVAPIDKeysFileName), []byte("{broken"), 0o600))

	_, _, _, err := EnsurePushVAPIDKeys(dir, "")
	assert.Error(t, err)
}
