package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func useTempDataDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("NOTIMIRROR_DIR", dir)
	ClearUserConfigCache()
	t.Cleanup(ClearUserConfigCache)
	return dir
}

func TestGetDataDir_EnvOverride(t *testing.T) {
	dir := useTempDataDir(t)

	got, err := GetDataDir()
	require.NoError(t, err)
	assert.Equal(t, dir, got)
}

func TestLoadUserConfig_MissingFileYieldsDefaults(t *testing.T) {
	useTempDataDir(t)

	cfg, err := LoadUserConfig()
	require.NoError(t, err)
	assert.Equal(t, StorageSettings{}, cfg.Storage)
	assert.False(t, cfg.Gate.CarOnly)
}

func TestLoadUserConfig_ParseErrorSurfacedOnce(t *testing.T) {
	dir := useTempDataDir(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, UserConfigFileName), []byte("not [valid toml"), 0o600))

	cfg, err := LoadUserConfig()
	assert.Error(t, err)
	require.NotNil(t, cfg)

	// Second load serves the cached default without re-parsing.
	cfg2, err := LoadUserConfig()
	assert.NoError(t, err)
	assert.Same(t, cfg, cfg2)
}

func TestSaveUserConfig_RoundTrip(t *testing.T) {
	dir := useTempDataDir(t)

	in := &UserConfig{}
	in.Storage.MaxRecords = 50
	in.Gate.CarOnly = true
	in.Web.Listen = "127.0.0.1:9000"
	in.Shell.ProfileListCommand = []string{"adb", "shell", "pm", "list", "users"}
	require.NoError(t, SaveUserConfig(in))

	data, err := os.ReadFile(filepath.Join(dir, UserConfigFileName))
	require.NoError(t, err)
	assert.Contains(t, string(data), "# notimirror configuration")

	out, err := LoadUserConfig()
	require.NoError(t, err)
	assert.Equal(t, 50, out.Storage.MaxRecords)
	assert.True(t, out.Gate.CarOnly)
	assert.Equal(t, "127.0.0.1:9000", out.Web.Listen)
	assert.Equal(t, in.Shell.ProfileListCommand, out.Shell.ProfileListCommand)
}

func TestGetStorageSettings_Defaults(t *testing.T) {
	dir := useTempDataDir(t)

	settings := GetStorageSettings()
	assert.Equal(t, 25, settings.MaxRecords)
	assert.Equal(t, filepath.Join(dir, "state.db"), settings.Path)
}

func TestGetWebSettings_DefaultListen(t *testing.T) {
	useTempDataDir(t)
	assert.Equal(t, "127.0.0.1:8422", GetWebSettings().Listen)
}

func TestGetPushSettings_DefaultRate(t *testing.T) {
	useTempDataDir(t)
	assert.Equal(t, float64(5), GetPushSettings().RatePerSecond)
}

func TestGetShellSettings_DefaultTimeout(t *testing.T) {
	useTempDataDir(t)
	assert.Equal(t, 10, GetShellSettings().TimeoutSecs)
}

func TestGetLogSettings_Defaults(t *testing.T) {
	useTempDataDir(t)

	settings := GetLogSettings()
	assert.Equal(t, "info", settings.Level)
	assert.Equal(t, "json", settings.Format)
	assert.Equal(t, 10, settings.MaxSizeMB)
	assert.Equal(t, 5, settings.Backups)
	assert.Equal(t, 10, settings.RetentionDays)
	assert.True(t, settings.GetCompress())
}

func TestLogSettingsGetCompress(t *testing.T) {
	var settings LogSettings
	assert.True(t, settings.GetCompress())

	off := false
	settings.Compress = &off
	assert.False(t, settings.GetCompress())
}
