// Package config loads and validates the orchestrator configuration from a
// TOML file, environment variables, and CLI flags, in increasing priority.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// Validation errors.
var (
	ErrBatchSizeRange  = errors.New("config: default_batch_size must be between 1 and 10000")
	ErrRetryCeiling    = errors.New("config: outbox.max_retries must be between 0 and 100")
	ErrIntervalTooLow  = errors.New("config: intervals must be at least 1s")
	ErrStalenessTooLow = errors.New("config: staleness thresholds must be at least 1m")
)

// Config is the full orchestrator configuration.
type Config struct {
	// StorePath is the SQLite database location.
	StorePath string `toml:"store_path"`
	// Listen is the broker gateway bind address ("" disables the gateway).
	Listen string `toml:"listen"`

	LogLevel string `toml:"log_level"`
	LogFile  string `toml:"log_file"`

	Scan      ScanConfig      `toml:"scan"`
	Outbox    OutboxConfig    `toml:"outbox"`
	Reconcile ReconcileConfig `toml:"reconcile"`
}

// ScanConfig tunes the watermark scanner.
type ScanConfig struct {
	// Interval between scan cycles over all targets.
	Interval Duration `toml:"interval"`
	// LeaseStaleness is the age past which another instance may reclaim a
	// scan lease (treats a crashed scanner as having released it).
	LeaseStaleness Duration `toml:"lease_staleness"`
	// MaxDocs bounds the documents pulled per target per cycle.
	MaxDocs int `toml:"max_docs"`
	// DefaultBatchSize applies when a transform does not set its own.
	DefaultBatchSize int `toml:"default_batch_size"`
}

// OutboxConfig tunes the dispatcher's retry behavior.
type OutboxConfig struct {
	// Interval between dispatch sweeps of due entries.
	Interval Duration `toml:"interval"`
	// BackoffBase is the first retry delay; it doubles per attempt.
	BackoffBase Duration `toml:"backoff_base"`
	// BackoffCap bounds the exponential backoff.
	BackoffCap Duration `toml:"backoff_cap"`
	// MaxRetries is the hard retry ceiling before an entry expires.
	MaxRetries int `toml:"max_retries"`
	// PublishWorkers is the concurrent publish pool size.
	PublishWorkers int `toml:"publish_workers"`
}

// ReconcileConfig tunes the reconciliation loop.
type ReconcileConfig struct {
	// Interval between sweeps.
	Interval Duration `toml:"interval"`
	// BatchStaleness is the age past which a pending/processing batch is an
	// orphan candidate.
	BatchStaleness Duration `toml:"batch_staleness"`
	// LeaseStaleness is the age past which a sweep lease may be reclaimed.
	LeaseStaleness Duration `toml:"lease_staleness"`
	// PublishedRetention is how long published outbox entries are kept for
	// audit before cleanup.
	PublishedRetention Duration `toml:"published_retention"`
}

// Duration wraps time.Duration for TOML string parsing ("90s", "10m").
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler for TOML.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("config: parsing duration %q: %w", text, err)
	}

	*d = Duration(parsed)

	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Load reads the config file at path (if it exists), layers environment
// overrides on top of defaults, and validates the result. A missing file is
// not an error — defaults apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyEnvOverrides layers VELLUM_* environment variables over the file.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("VELLUM_STORE_PATH"); v != "" {
		cfg.StorePath = v
	}

	if v := os.Getenv("VELLUM_LISTEN"); v != "" {
		cfg.Listen = v
	}

	if v := os.Getenv("VELLUM_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	if v := os.Getenv("VELLUM_LOG_FILE"); v != "" {
		cfg.LogFile = v
	}

	if v := os.Getenv("VELLUM_OUTBOX_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Outbox.MaxRetries = n
		}
	}
}

// Validate checks ranges that would otherwise fail in confusing ways deep
// inside the engine.
func (c *Config) Validate() error {
	if c.Scan.DefaultBatchSize < 1 || c.Scan.DefaultBatchSize > 10000 {
		return ErrBatchSizeRange
	}

	if c.Outbox.MaxRetries < 0 || c.Outbox.MaxRetries > 100 {
		return ErrRetryCeiling
	}

	intervals := []time.Duration{
		c.Scan.Interval.Std(), c.Outbox.Interval.Std(), c.Reconcile.Interval.Std(),
	}
	for _, iv := range intervals {
		if iv < time.Second {
			return ErrIntervalTooLow
		}
	}

	staleness := []time.Duration{
		c.Scan.LeaseStaleness.Std(),
		c.Reconcile.BatchStaleness.Std(),
		c.Reconcile.LeaseStaleness.Std(),
	}
	for _, st := range staleness {
		if st < time.Minute {
			return ErrStalenessTooLow
		}
	}

	return nil
}
