// Package config holds the download manager configuration and its
// XDG-based defaults.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/adrg/xdg"
)

const appName = "dlm"

// Config collects every recognized option. Durations are JSON-encoded in
// nanoseconds; the file is meant to be written by Save, not by hand.
type Config struct {
	// MaxConcurrentDownloads bounds the number of in-flight transfers.
	MaxConcurrentDownloads int `json:"max_concurrent_downloads"`
	// MaxQueueSize bounds the pending queue; enqueues beyond it are dropped.
	MaxQueueSize int `json:"max_queue_size"`
	// MaxRetryAttempts is declared for callers that resubmit failed tasks.
	// The manager itself does not retry automatically.
	MaxRetryAttempts     int  `json:"max_retry_attempts"`
	AllowsCellularAccess bool `json:"allows_cellular_access"`

	// DownloadDir receives completed files; TempDir holds partial ones.
	DownloadDir string `json:"download_dir"`
	TempDir     string `json:"temp_dir"`
	// StateDir holds the persisted task ledger.
	StateDir string `json:"state_dir"`

	// MinFreeDiskSpace is the free-space floor checked at submission time.
	MinFreeDiskSpace int64 `json:"min_free_disk_space"`

	// Timeout bounds the wait for response headers, not the whole transfer.
	Timeout time.Duration `json:"timeout"`
	// PollInterval is the admission loop tick.
	PollInterval time.Duration `json:"poll_interval"`
}

// Default returns the configuration with platform-standard directories.
func Default() *Config {
	downloadDir := xdg.UserDirs.Download
	if downloadDir == "" {
		downloadDir = filepath.Join(xdg.Home, "Downloads")
	}
	return &Config{
		MaxConcurrentDownloads: 3,
		MaxQueueSize:           100,
		MaxRetryAttempts:       3,
		AllowsCellularAccess:   true,
		DownloadDir:            downloadDir,
		TempDir:                filepath.Join(xdg.CacheHome, appName, "partial"),
		StateDir:               filepath.Join(xdg.StateHome, appName),
		MinFreeDiskSpace:       1 << 30, // 1 GiB
		Timeout:                60 * time.Second,
		PollInterval:           time.Second,
	}
}

// DefaultPath returns the standard location of the configuration file.
func DefaultPath() string {
	return filepath.Join(xdg.ConfigHome, appName, "config.json")
}

// LedgerPath returns the location of the persisted task ledger.
func (c *Config) LedgerPath() string {
	return filepath.Join(c.StateDir, "tasks.json")
}

// PartialPath returns the temp file used while downloading task id.
func (c *Config) PartialPath(id string) string {
	return filepath.Join(c.TempDir, id+".part")
}

// Load reads the file at path over the defaults. A missing file yields
// the defaults without error.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	return cfg, cfg.Validate()
}

// Save writes the configuration to path, creating parent directories.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// Validate rejects values the manager cannot run with.
func (c *Config) Validate() error {
	if c.MaxConcurrentDownloads < 1 {
		return fmt.Errorf("max_concurrent_downloads must be at least 1, got %d", c.MaxConcurrentDownloads)
	}
	if c.MaxQueueSize < 1 {
		return fmt.Errorf("max_queue_size must be at least 1, got %d", c.MaxQueueSize)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be positive, got %v", c.PollInterval)
	}
	if c.MinFreeDiskSpace < 0 {
		return fmt.Errorf("min_free_disk_space must not be negative, got %d", c.MinFreeDiskSpace)
	}
	return nil
}

// EnsureDirs creates the download, temp and state directories.
func (c *Config) EnsureDirs() error {
	for _, dir := range []string{c.DownloadDir, c.TempDir, c.StateDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return nil
}
