package config

import (
	"errors"
	"fmt"
)

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if err := c.Resolver.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("resolver: %w", err))
	}
	if err := c.Worker.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("worker: %w", err))
	}
	if err := c.Retention.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("retention: %w", err))
	}
	if err := c.Features.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("features: %w", err))
	}
	if err := c.Export.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("export: %w", err))
	}
	if err := c.Logging.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("logging: %w", err))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks the resolver configuration.
func (c *ResolverConfig) Validate() error {
	var errs []error

	if c.Tolerance <= 0 {
		errs = append(errs, errors.New("tolerance must be positive"))
	}
	if c.MaxGap <= 0 {
		errs = append(errs, errors.New("max_gap must be positive"))
	}
	if c.MaxGap < c.Tolerance {
		errs = append(errs, errors.New("max_gap must be >= tolerance"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks the worker configuration.
func (c *WorkerConfig) Validate() error {
	var errs []error

	if c.Count <= 0 {
		errs = append(errs, errors.New("count must be positive"))
	}
	if c.BatchSize <= 0 {
		errs = append(errs, errors.New("batch_size must be positive"))
	}
	if c.DrainInterval <= 0 {
		errs = append(errs, errors.New("drain_interval must be positive"))
	}
	if c.ClaimLease <= 0 {
		errs = append(errs, errors.New("claim_lease must be positive"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks the retention configuration.
func (c *RetentionConfig) Validate() error {
	if !c.Enabled {
		return nil
	}

	var errs []error

	if c.Raw <= 0 {
		errs = append(errs, errors.New("raw retention must be positive when enabled"))
	}
	if c.Hour < 0 {
		errs = append(errs, errors.New("hour retention must be non-negative"))
	}
	if c.Hour > 0 && c.Hour < c.Raw {
		errs = append(errs, errors.New("hour retention should be >= raw retention"))
	}
	if c.Interval <= 0 {
		errs = append(errs, errors.New("interval must be positive"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks the features configuration.
func (c *FeaturesConfig) Validate() error {
	if c.Percentile.Enabled {
		if c.Percentile.Accuracy <= 0 || c.Percentile.Accuracy > 1 {
			return errors.New("percentile.accuracy must be between 0 and 1")
		}
	}
	return nil
}

// Validate checks the export configuration.
func (c *ExportConfig) Validate() error {
	var errs []error

	validAlgorithms := map[string]bool{
		"snappy": true,
		"zstd":   true,
		"lz4":    true,
		"gzip":   true,
		"none":   true,
		"":       true, // Empty defaults to zstd
	}
	if !validAlgorithms[c.Compression] {
		errs = append(errs, errors.New("compression must be one of: snappy, zstd, lz4, gzip, none"))
	}
	if c.RowGroupSize <= 0 {
		errs = append(errs, errors.New("row_group_size must be positive"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks the logging configuration.
func (c *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
		"":      true, // Empty defaults to info
	}
	if !validLevels[c.Level] {
		return errors.New("level must be one of: debug, info, warn, error")
	}
	return nil
}
