// Package config loads the gojostore configuration file.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/sushant-115/gojostore/pkg/logger"
	"github.com/sushant-115/gojostore/pkg/telemetry"
	"gopkg.in/yaml.v3"
)

// Config is the root of the YAML configuration file.
type Config struct {
	Storage   StorageConfig    `yaml:"storage"`
	Backup    BackupConfig     `yaml:"backup"`
	Logger    logger.Config    `yaml:"logger"`
	Telemetry telemetry.Config `yaml:"telemetry"`
}

// StorageConfig locates the engine files and sizes the page cache.
type StorageConfig struct {
	// BasePath is the common prefix of the .db, .log and .xid files.
	BasePath string `yaml:"base_path"`
	// PageCacheMemory is the page cache budget in bytes.
	PageCacheMemory int64 `yaml:"page_cache_memory"`
	// CreateIfMissing creates the engine files when none exist yet.
	CreateIfMissing bool `yaml:"create_if_missing"`
}

// BackupConfig controls snapshot copies of the engine files.
type BackupConfig struct {
	Dir string `yaml:"dir"`
	// RateBytesPerSec throttles the copy. Zero copies unthrottled.
	RateBytesPerSec int  `yaml:"rate_bytes_per_sec"`
	Compress        bool `yaml:"compress"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Storage: StorageConfig{
			BasePath:        "./data/gojostore",
			PageCacheMemory: 64 << 20,
			CreateIfMissing: true,
		},
		Backup: BackupConfig{
			Dir:             "./backups",
			RateBytesPerSec: 32 << 20,
		},
		Logger: logger.Config{
			Level:  "info",
			Format: "console",
		},
		Telemetry: telemetry.Config{
			ServiceName:    logger.DefaultService,
			PrometheusPort: 9464,
		},
	}
}

// Load reads path over the defaults. Unknown keys are rejected.
func Load(path string) (Config, error) {
	cfg := Default()
	f, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to open config %s: %w", path, err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Validate checks values that would otherwise fail deep inside a component.
func (c Config) Validate() error {
	var errs []error
	if c.Storage.BasePath == "" {
		errs = append(errs, errors.New("storage.base_path must be set"))
	}
	if c.Storage.PageCacheMemory <= 0 {
		errs = append(errs, errors.New("storage.page_cache_memory must be positive"))
	}
	if c.Backup.RateBytesPerSec < 0 {
		errs = append(errs, errors.New("backup.rate_bytes_per_sec must not be negative"))
	}
	if c.Telemetry.Enabled && (c.Telemetry.PrometheusPort < 0 || c.Telemetry.PrometheusPort > 65535) {
		errs = append(errs, fmt.Errorf("telemetry.prometheus_port %d out of range", c.Telemetry.PrometheusPort))
	}
	return errors.Join(errs...)
}
