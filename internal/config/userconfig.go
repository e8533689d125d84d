package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"
)

// UserConfigFileName is the TOML config file for user preferences
const UserConfigFileName = "config.toml"

// DataDirName is notimirror's dot-directory under the user's home.
const DataDirName = ".notimirror"

// UserConfig represents user-facing configuration in TOML format
type UserConfig struct {
	// Storage defines notification history storage settings
	Storage StorageSettings `toml:"storage"`

	// Gate defines when mirrors may be projected
	Gate GateSettings `toml:"gate"`

	// Tracker defines mirror relationship maintenance settings
	Tracker TrackerSettings `toml:"tracker"`

	// Web defines the local control API and projection endpoints
	Web WebSettings `toml:"web"`

	// Push defines Web Push delivery settings
	Push PushSettings `toml:"push"`

	// Shell defines host command integration
	Shell ShellSettings `toml:"shell"`

	// Logs defines log file management settings
	Logs LogSettings `toml:"logs"`
}

// StorageSettings defines notification history storage configuration
type StorageSettings struct {
	// Path overrides the state database location
	// Default: ~/.notimirror/state.db
	Path string `toml:"path"`

	// MaxRecords caps the history kept per app and profile (default: 25)
	MaxRecords int `toml:"max_records"`
}

// GateSettings controls when mirrors are projected
type GateSettings struct {
	// CarOnly suppresses mirrors unless a head unit is connected
	// Default: false (mirror whenever a projection client is subscribed)
	CarOnly bool `toml:"car_only"`

	// StateFile is the path watched for head-unit connectivity state
	// The file contains one of: none, native, projected
	StateFile string `toml:"state_file"`
}

// TrackerSettings controls mirror relationship maintenance
type TrackerSettings struct {
	// SweepIntervalSecs re-reconciles mirrors against the live notification
	// set every N seconds. 0 (default) disables the sweep; reconciliation
	// still runs on every listener reconnect.
	SweepIntervalSecs int `toml:"sweep_interval_secs"`
}

// WebSettings defines the control API server
type WebSettings struct {
	// Listen is the bind address (default: 127.0.0.1:8422)
	Listen string `toml:"listen"`

	// Token protects the API. Empty disables auth (localhost-only setups).
	Token string `toml:"token"`

	// JWTSecret enables JWT bearer auth for projection clients when set
	JWTSecret string `toml:"jwt_secret"`

	// ReadOnly rejects mutating API calls
	ReadOnly bool `toml:"read_only"`
}

// PushSettings defines Web Push delivery
type PushSettings struct {
	// Enabled turns on Web Push mirror delivery (default: false)
	Enabled bool `toml:"enabled"`

	// VAPIDPublicKey and VAPIDPrivateKey are the server's VAPID key pair
	VAPIDPublicKey  string `toml:"vapid_public_key"`
	VAPIDPrivateKey string `toml:"vapid_private_key"`

	// Subscriber is the VAPID contact (mailto: or https: URL)
	Subscriber string `toml:"subscriber"`

	// RatePerSecond caps outgoing pushes (default: 5)
	RatePerSecond float64 `toml:"rate_per_second"`
}

// ShellSettings defines host command integration
type ShellSettings struct {
	// ProfileListCommand lists host user profiles,
	// e.g. ["adb", "shell", "pm", "list", "users"]. Empty disables
	// profile discovery; every record maps to the personal profile.
	ProfileListCommand []string `toml:"profile_list_command"`

	// TimeoutSecs bounds one command invocation (default: 10)
	TimeoutSecs int `toml:"timeout_secs"`
}

// LogSettings defines log file management configuration
type LogSettings struct {
	// Level sets the minimum log level: "debug", "info", "warn", "error"
	// Default: "info"
	Level string `toml:"level"`

	// Format sets the log format: "json" (default) or "text"
	Format string `toml:"format"`

	// MaxSizeMB is the max size in MB for notimirror.log before rotation
	// Default: 10
	MaxSizeMB int `toml:"max_size_mb"`

	// Backups is the number of rotated log files to keep (default: 5)
	Backups int `toml:"backups"`

	// RetentionDays is the number of days to keep rotated logs (default: 10)
	RetentionDays int `toml:"retention_days"`

	// Compress enables gzip compression for rotated logs (default: true)
	Compress *bool `toml:"compress"`
}

// GetCompress returns whether rotated logs are compressed, defaulting to true
func (l *LogSettings) GetCompress() bool {
	if l.Compress == nil {
		return true
	}
	return *l.Compress
}

var defaultUserConfig = UserConfig{}

// Cache for user config (loaded once per process)
var (
	userConfigCache   *UserConfig
	userConfigCacheMu sync.RWMutex
)

// GetDataDir returns notimirror's data directory, creating it if needed
func GetDataDir() (string, error) {
	if dir := os.Getenv("NOTIMIRROR_DIR"); dir != "" {
		return dir, os.MkdirAll(dir, 0o700)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve home directory: %w", err)
	}
	dir := filepath.Join(home, DataDirName)
	return dir, os.MkdirAll(dir, 0o700)
}

// GetUserConfigPath returns the path to the user config file
func GetUserConfigPath() (string, error) {
	dir, err := GetDataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, UserConfigFileName), nil
}

// LoadUserConfig loads the user configuration from TOML file
// Returns cached config after first load
func LoadUserConfig() (*UserConfig, error) {
	userConfigCacheMu.RLock()
	if userConfigCache != nil {
		defer userConfigCacheMu.RUnlock()
		return userConfigCache, nil
	}
	userConfigCacheMu.RUnlock()

	userConfigCacheMu.Lock()
	defer userConfigCacheMu.Unlock()

	// Double-check after acquiring write lock
	if userConfigCache != nil {
		return userConfigCache, nil
	}

	configPath, err := GetUserConfigPath()
	if err != nil {
		userConfigCache = &defaultUserConfig
		return userConfigCache, nil
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		userConfigCache = &defaultUserConfig
		return userConfigCache, nil
	}

	var config UserConfig
	if _, err := toml.DecodeFile(configPath, &config); err != nil {
		// Cache default to prevent repeated parse attempts, but surface
		// the error so the caller can report it
		userConfigCache = &defaultUserConfig
		return userConfigCache, fmt.Errorf("config.toml parse error: %w", err)
	}

	userConfigCache = &config
	return userConfigCache, nil
}

// ClearUserConfigCache clears the cached user config, allowing tests to reset state
func ClearUserConfigCache() {
	userConfigCacheMu.Lock()
	userConfigCache = nil
	userConfigCacheMu.Unlock()
}

// SaveUserConfig writes the config to config.toml using atomic write pattern
// This clears the cache so next LoadUserConfig() reads fresh values
func SaveUserConfig(config *UserConfig) error {
	configPath, err := GetUserConfigPath()
	if err != nil {
		return fmt.Errorf("failed to get config path: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0o700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	var buf bytes.Buffer
	if _, err := buf.WriteString("# notimirror configuration\n\n"); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	if err := toml.NewEncoder(&buf).Encode(config); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	// Write temp, fsync, rename: a crash mid-save never corrupts the config
	tmpPath := configPath + ".tmp"
	if err := os.WriteFile(tmpPath, buf.Bytes(), 0o600); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := syncConfigFile(tmpPath); err != nil {
		_ = err
	}
	if err := os.Rename(tmpPath, configPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to finalize config save: %w", err)
	}

	ClearUserConfigCache()
	return nil
}

func syncConfigFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}

// GetStorageSettings returns storage settings with defaults applied
func GetStorageSettings() StorageSettings {
	config, err := LoadUserConfig()
	if err != nil || config == nil {
		config = &defaultUserConfig
	}

	settings := config.Storage
	if settings.MaxRecords <= 0 {
		settings.MaxRecords = 25
	}
	if settings.Path == "" {
		if dir, err := GetDataDir(); err == nil {
			settings.Path = filepath.Join(dir, "state.db")
		}
	} else {
		settings.Path = expandTilde(settings.Path)
	}
	return settings
}

// GetWebSettings returns web server settings with defaults applied
func GetWebSettings() WebSettings {
	config, err := LoadUserConfig()
	if err != nil || config == nil {
		config = &defaultUserConfig
	}

	settings := config.Web
	if settings.Listen == "" {
		settings.Listen = "127.0.0.1:8422"
	}
	return settings
}

// GetPushSettings returns push settings with defaults applied
func GetPushSettings() PushSettings {
	config, err := LoadUserConfig()
	if err != nil || config == nil {
		config = &defaultUserConfig
	}

	settings := config.Push
	if settings.RatePerSecond <= 0 {
		settings.RatePerSecond = 5
	}
	return settings
}

// GetGateSettings returns gate settings
func GetGateSettings() GateSettings {
	config, err := LoadUserConfig()
	if err != nil || config == nil {
		return GateSettings{}
	}
	settings := config.Gate
	settings.StateFile = expandTilde(settings.StateFile)
	return settings
}

// GetTrackerSettings returns tracker maintenance settings
func GetTrackerSettings() TrackerSettings {
	config, err := LoadUserConfig()
	if err != nil || config == nil {
		return TrackerSettings{}
	}
	return config.Tracker
}

// GetShellSettings returns shell integration settings with defaults applied
func GetShellSettings() ShellSettings {
	config, err := LoadUserConfig()
	if err != nil || config == nil {
		config = &defaultUserConfig
	}

	settings := config.Shell
	if settings.TimeoutSecs <= 0 {
		settings.TimeoutSecs = 10
	}
	return settings
}

// GetLogSettings returns log management settings with defaults applied
func GetLogSettings() LogSettings {
	config, err := LoadUserConfig()
	if err != nil || config == nil {
		config = &defaultUserConfig
	}

	settings := config.Logs
	if settings.Level == "" {
		settings.Level = "info"
	}
	if settings.Format == "" {
		settings.Format = "json"
	}
	if settings.MaxSizeMB <= 0 {
		settings.MaxSizeMB = 10
	}
	if settings.Backups <= 0 {
		settings.Backups = 5
	}
	if settings.RetentionDays <= 0 {
		settings.RetentionDays = 10
	}
	return settings
}

func expandTilde(path string) string {
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
