// Package config reads and writes the memofeed TOML configuration.
package config

import (
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	apperrors "github.com/kimhsiao/memofeed/internal/errors"
)

// Config is the main configuration for memofeed.
type Config struct {
	DataDir      string             `toml:"data_dir"`
	Remote       RemoteConfig       `toml:"remote"`
	Feed         FeedConfig         `toml:"feed"`
	Sync         SyncConfig         `toml:"sync"`
	Connectivity ConnectivityConfig `toml:"connectivity"`
	Server       ServerConfig       `toml:"server"`
}

// RemoteConfig points at the remote feed service.
type RemoteConfig struct {
	BaseURL        string `toml:"base_url"`
	Token          string `toml:"token"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// FeedConfig tunes the reconciliation engine.
type FeedConfig struct {
	BatchSize int `toml:"batch_size"`
}

// SyncConfig tunes the sync coordinator.
type SyncConfig struct {
	IntervalSeconds          int `toml:"interval_seconds"`
	PurgeCompletedAfterHours int `toml:"purge_completed_after_hours"`
}

// ConnectivityConfig tunes the health-probe monitor.
type ConnectivityConfig struct {
	ProbeSeconds int `toml:"probe_seconds"`
}

// ServerConfig configures the local API server.
type ServerConfig struct {
	ListenAddr string `toml:"listen_addr"`
}

const (
	defaultTimeoutSeconds  = 30
	defaultBatchSize       = 30
	defaultIntervalSeconds = 300
	defaultPurgeHours      = 24
	defaultProbeSeconds    = 30
	defaultListenAddr      = "127.0.0.1:8787"
)

// NewConfig creates a Config with the provided values and defaults for
// everything else.
func NewConfig(dataDir, baseURL string) *Config {
	cfg := &Config{
		DataDir: dataDir,
		Remote:  RemoteConfig{BaseURL: baseURL},
	}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills unset tunables with their defaults. Required fields
// (DataDir, Remote.BaseURL) are left alone; Validate reports those.
func (c *Config) ApplyDefaults() {
	if c.Remote.TimeoutSeconds <= 0 {
		c.Remote.TimeoutSeconds = defaultTimeoutSeconds
	}
	if c.Feed.BatchSize <= 0 {
		c.Feed.BatchSize = defaultBatchSize
	}
	if c.Sync.IntervalSeconds <= 0 {
		c.Sync.IntervalSeconds = defaultIntervalSeconds
	}
	if c.Sync.PurgeCompletedAfterHours <= 0 {
		c.Sync.PurgeCompletedAfterHours = defaultPurgeHours
	}
	if c.Connectivity.ProbeSeconds <= 0 {
		c.Connectivity.ProbeSeconds = defaultProbeSeconds
	}
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = defaultListenAddr
	}
}

// Validate checks the required fields.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return apperrors.New(apperrors.ErrValidation, "data_dir is required")
	}
	if c.Remote.BaseURL == "" {
		return apperrors.New(apperrors.ErrValidation, "remote.base_url is required")
	}
	u, err := url.Parse(c.Remote.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return apperrors.New(apperrors.ErrValidation,
			fmt.Sprintf("remote.base_url %q is not an http(s) URL", c.Remote.BaseURL))
	}
	return nil
}

// RemoteTimeout returns the remote client timeout.
func (c *Config) RemoteTimeout() time.Duration {
	return time.Duration(c.Remote.TimeoutSeconds) * time.Second
}

// SyncInterval returns the coordinator drain interval.
func (c *Config) SyncInterval() time.Duration {
	return time.Duration(c.Sync.IntervalSeconds) * time.Second
}

// PurgeCompletedAfter returns the janitor horizon for completed rows.
func (c *Config) PurgeCompletedAfter() time.Duration {
	return time.Duration(c.Sync.PurgeCompletedAfterHours) * time.Hour
}

// ProbeInterval returns the connectivity probe interval.
func (c *Config) ProbeInterval() time.Duration {
	return time.Duration(c.Connectivity.ProbeSeconds) * time.Second
}

// Manager handles reading and writing configuration.
type Manager struct{}

// Read decodes a Config from the provided reader, applying defaults.
func (m *Manager) Read(r io.Reader) (*Config, error) {
	var cfg Config
	if _, err := toml.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrValidation, "failed to decode config")
	}
	cfg.ApplyDefaults()
	return &cfg, nil
}

// Write encodes a Config to the provided writer.
func (m *Manager) Write(w io.Writer, cfg *Config) error {
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return apperrors.Wrap(err, apperrors.ErrStorage, "failed to encode config")
	}
	return nil
}

// DefaultPath returns the conventional config file location.
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.ErrInternal, "cannot resolve config directory")
	}
	return filepath.Join(dir, "memofeed", "config.toml"), nil
}

// DefaultDataDir returns the conventional data directory.
func DefaultDataDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.ErrInternal, "cannot resolve home directory")
	}
	return filepath.Join(home, ".local", "share", "memofeed"), nil
}

// ReadFromFile reads a Config from the specified file path.
func ReadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apperrors.Wrap(err, apperrors.ErrNotFound,
				fmt.Sprintf("no config file at %s", path))
		}
		return nil, apperrors.Wrap(err, apperrors.ErrStorage, "failed to open config file")
	}
	defer f.Close()

	m := &Manager{}
	cfg, err := m.Read(f)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

func writeToFile(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return apperrors.Wrap(err, apperrors.ErrStorage, "failed to create config directory")
	}

	// The file carries the remote token, so keep it owner-only.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrStorage, "failed to create config file")
	}
	defer f.Close()

	m := &Manager{}
	return m.Write(f, cfg)
}

// Init writes a new config file at the specified path. It refuses to
// overwrite an existing file.
func Init(path string, cfg *Config) error {
	if _, err := os.Stat(path); err == nil {
		return apperrors.New(apperrors.ErrValidation,
			fmt.Sprintf("config file already exists at %s", path))
	}
	return writeToFile(path, cfg)
}
