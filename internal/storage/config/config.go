// Package config defines the storage engine configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/xtxerr/meterflow/config"
)

// Config represents the complete engine configuration.
type Config struct {
	// DatabasePath is the DuckDB database file. Empty selects the in-memory
	// repository (useful for development and tests).
	DatabasePath string `yaml:"database_path"`

	// Resolver configures boundary sample resolution.
	Resolver ResolverConfig `yaml:"resolver"`

	// Worker configures the reprocessing worker pool.
	Worker WorkerConfig `yaml:"worker"`

	// Retention defines how long to keep raw and aggregate data.
	Retention RetentionConfig `yaml:"retention"`

	// Features configures optional features.
	Features FeaturesConfig `yaml:"features"`

	// Export configures bulk Parquet export.
	Export ExportConfig `yaml:"export"`

	// Logging configures log output.
	Logging LoggingConfig `yaml:"logging"`
}

// ResolverConfig configures boundary sample resolution.
type ResolverConfig struct {
	// Tolerance is how far beyond a bucket boundary to search for a
	// substitute boundary sample.
	Tolerance time.Duration `yaml:"tolerance"`

	// MaxGap bounds the extended backward search across trailing gaps.
	MaxGap time.Duration `yaml:"max_gap"`
}

// WorkerConfig configures the reprocessing worker pool.
type WorkerConfig struct {
	// Count is the number of parallel workers.
	Count int `yaml:"count"`

	// BatchSize is the number of stale markers claimed per drain pass.
	BatchSize int `yaml:"batch_size"`

	// DrainInterval is how often idle workers poll for markers.
	DrainInterval time.Duration `yaml:"drain_interval"`

	// ClaimLease is how long a claimed marker stays invisible to other
	// workers before becoming claimable again.
	ClaimLease time.Duration `yaml:"claim_lease"`
}

// RetentionConfig defines how long to keep data.
type RetentionConfig struct {
	// Enabled enables the retention sweep.
	Enabled bool `yaml:"enabled"`

	// Raw is the retention for raw datum.
	Raw time.Duration `yaml:"raw"`

	// Hour is the retention for hourly aggregates. Zero keeps forever.
	Hour time.Duration `yaml:"hour"`

	// Interval is how often the sweep runs.
	Interval time.Duration `yaml:"interval"`
}

// FeaturesConfig configures optional features.
type FeaturesConfig struct {
	// Percentile configures DDSketch percentile calculation.
	Percentile PercentileConfig `yaml:"percentile"`
}

// PercentileConfig configures DDSketch percentile calculation for
// instantaneous properties.
type PercentileConfig struct {
	// Enabled enables percentile calculation.
	Enabled bool `yaml:"enabled"`

	// Accuracy is the relative accuracy (0.01 = 1% error).
	Accuracy float64 `yaml:"accuracy"`
}

// ExportConfig configures bulk Parquet export.
type ExportConfig struct {
	// Compression is the algorithm: snappy, zstd, lz4, gzip, none.
	Compression string `yaml:"compression"`

	// RowGroupSize is the target number of rows per row group.
	RowGroupSize int `yaml:"row_group_size"`
}

// LoggingConfig configures log output.
type LoggingConfig struct {
	// Level is one of: debug, info, warn, error.
	Level string `yaml:"level"`

	// JSON switches output from text to JSON handlers.
	JSON bool `yaml:"json"`
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Resolver: ResolverConfig{
			Tolerance: config.DefaultTolerance,
			MaxGap:    config.DefaultMaxGap,
		},
		Worker: WorkerConfig{
			Count:         config.DefaultWorkers,
			BatchSize:     config.DefaultBatchSize,
			DrainInterval: config.DefaultDrainInterval,
			ClaimLease:    config.DefaultClaimLease,
		},
		Retention: RetentionConfig{
			Enabled:  true,
			Raw:      config.DefaultRawRetention,
			Hour:     config.DefaultHourRetention,
			Interval: config.DefaultRetentionInterval,
		},
		Features: FeaturesConfig{
			Percentile: PercentileConfig{
				Enabled:  true,
				Accuracy: config.DefaultPercentileAccuracy,
			},
		},
		Export: ExportConfig{
			Compression:  config.DefaultExportCompression,
			RowGroupSize: config.DefaultExportRowGroupSize,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}
