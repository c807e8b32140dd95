// Package appconfig loads the pgsync TOML configuration file and maps it
// onto the job configuration, applying environment overrides on top.
package appconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/jfoltran/pgsync/internal/config"
)

// duration accepts TOML strings like "2s" or "5m".
type duration time.Duration

func (d *duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = duration(v)
	return nil
}

type fileDatabase struct {
	URL string `toml:"url"`
}

type fileTable struct {
	Name             string `toml:"name"`
	Enabled          *bool  `toml:"enabled"`
	ConflictStrategy string `toml:"conflict_strategy"`
}

type fileSync struct {
	Direction          string   `toml:"direction"`
	BatchSize          int      `toml:"batch_size"`
	BulkInsertSize     int      `toml:"bulk_insert_size"`
	CheckpointInterval int      `toml:"checkpoint_interval"`
	MaxRetries         int      `toml:"max_retries"`
	RetryDelay         duration `toml:"retry_delay"`
	JobTimeout         duration `toml:"job_timeout"`
	BatchTimeout       duration `toml:"batch_timeout"`
}

type fileRateLimit struct {
	MaxOpsPerSecond   float64  `toml:"max_ops_per_second"`
	MaxBytesPerSecond float64  `toml:"max_bytes_per_second"`
	BurstMultiplier   float64  `toml:"burst_multiplier"`
	SlowResponse      duration `toml:"slow_response"`
	FastResponse      duration `toml:"fast_response"`
}

type fileLogging struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
	File   string `toml:"file"`
}

type fileConfig struct {
	Source    fileDatabase  `toml:"source"`
	Target    fileDatabase  `toml:"target"`
	Store     fileDatabase  `toml:"store"`
	Tables    []fileTable   `toml:"tables"`
	Sync      fileSync      `toml:"sync"`
	RateLimit fileRateLimit `toml:"rate_limit"`
	Logging   fileLogging   `toml:"logging"`
}

// Load reads the TOML file at path, or searches the default locations when
// path is empty. A missing file yields defaults plus environment overrides.
func Load(path string) (config.Config, error) {
	var fc fileConfig
	fc.Logging = fileLogging{Level: "info", Format: "console"}

	if path == "" {
		path = findConfigFile()
	}
	if path != "" {
		if _, err := toml.DecodeFile(path, &fc); err != nil {
			return config.Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnv(&fc)
	return translate(fc)
}

func findConfigFile() string {
	var candidates []string
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".pgsync", "config.toml"))
	}
	candidates = append(candidates, "/etc/pgsync/config.toml")

	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

func applyEnv(fc *fileConfig) {
	if v := os.Getenv("PGSYNC_SOURCE_URL"); v != "" {
		fc.Source.URL = v
	}
	if v := os.Getenv("PGSYNC_TARGET_URL"); v != "" {
		fc.Target.URL = v
	}
	if v := os.Getenv("PGSYNC_STORE_URL"); v != "" {
		fc.Store.URL = v
	}
	if v := os.Getenv("PGSYNC_LOG_LEVEL"); v != "" {
		fc.Logging.Level = v
	}
	if v := os.Getenv("PGSYNC_LOG_FORMAT"); v != "" {
		fc.Logging.Format = v
	}
	if v := os.Getenv("PGSYNC_LOG_FILE"); v != "" {
		fc.Logging.File = v
	}
}

func translate(fc fileConfig) (config.Config, error) {
	var cfg config.Config

	if fc.Source.URL != "" {
		if err := cfg.Source.ParseURI(fc.Source.URL); err != nil {
			return cfg, fmt.Errorf("source url: %w", err)
		}
	}
	if fc.Target.URL != "" {
		if err := cfg.Target.ParseURI(fc.Target.URL); err != nil {
			return cfg, fmt.Errorf("target url: %w", err)
		}
	}
	cfg.StoreURL = fc.Store.URL

	for _, t := range fc.Tables {
		enabled := true
		if t.Enabled != nil {
			enabled = *t.Enabled
		}
		cfg.Tables = append(cfg.Tables, config.TableConfig{
			TableName:        t.Name,
			Enabled:          enabled,
			ConflictStrategy: config.ConflictStrategy(t.ConflictStrategy),
		})
	}

	cfg.Direction = config.Direction(fc.Sync.Direction)
	cfg.Sync = config.SyncSettings{
		BatchSize:          fc.Sync.BatchSize,
		BulkInsertSize:     fc.Sync.BulkInsertSize,
		CheckpointInterval: fc.Sync.CheckpointInterval,
		MaxRetries:         fc.Sync.MaxRetries,
		RetryDelay:         time.Duration(fc.Sync.RetryDelay),
		JobTimeout:         time.Duration(fc.Sync.JobTimeout),
		BatchTimeout:       time.Duration(fc.Sync.BatchTimeout),
	}
	cfg.RateLimit = config.RateLimitSettings{
		MaxOpsPerSecond:   fc.RateLimit.MaxOpsPerSecond,
		MaxBytesPerSecond: fc.RateLimit.MaxBytesPerSecond,
		BurstMultiplier:   fc.RateLimit.BurstMultiplier,
		SlowResponse:      time.Duration(fc.RateLimit.SlowResponse),
		FastResponse:      time.Duration(fc.RateLimit.FastResponse),
	}
	cfg.Logging = config.LoggingConfig{
		Level:  fc.Logging.Level,
		Format: fc.Logging.Format,
		File:   fc.Logging.File,
	}
	return cfg, nil
}
