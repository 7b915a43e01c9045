// Package config provides configuration defaults and utilities
// for the meterflow engine.
//
// This package defines all configurable constants with documented defaults.
// Users can override these values via config.yaml.
package config

import "time"

// =============================================================================
// Resolver Defaults
// =============================================================================

const (
	// DefaultTolerance is how far beyond a bucket boundary the resolver
	// searches for a substitute boundary sample.
	// Override via config: resolver.tolerance
	DefaultTolerance = time.Hour

	// DefaultMaxGap bounds the extended backward search used when a trailing
	// gap ends on a perfect boundary anchor. Accumulation across gaps longer
	// than this is dropped rather than attributed to a bucket.
	// Override via config: resolver.max_gap
	DefaultMaxGap = 7 * 24 * time.Hour
)

// =============================================================================
// Worker Defaults
// =============================================================================

const (
	// DefaultWorkers is the number of concurrent reprocessing workers.
	// Each worker recomputes one (stream, bucket, level) at a time.
	// Override via config: worker.count
	DefaultWorkers = 4

	// DefaultBatchSize is the number of stale markers claimed per drain pass.
	// Override via config: worker.batch_size
	DefaultBatchSize = 100

	// DefaultDrainInterval is how often idle workers poll for stale markers.
	// Override via config: worker.drain_interval
	DefaultDrainInterval = 5 * time.Second

	// DefaultClaimLease is how long a claimed stale marker stays invisible
	// to other workers. A crashed worker's markers become claimable again
	// after the lease expires.
	// Override via config: worker.claim_lease
	DefaultClaimLease = 2 * time.Minute
)

// =============================================================================
// Retention Defaults
// =============================================================================

const (
	// DefaultRawRetention is how long raw datum are kept.
	// Override via config: retention.raw
	DefaultRawRetention = 2 * 365 * 24 * time.Hour

	// DefaultHourRetention is how long hourly aggregates are kept.
	// Zero means keep forever.
	// Override via config: retention.hour
	DefaultHourRetention = 0

	// DefaultRetentionInterval is how often the retention sweep runs.
	// Override via config: retention.interval
	DefaultRetentionInterval = time.Hour
)

// =============================================================================
// Statistics Defaults
// =============================================================================

const (
	// DefaultPercentileAccuracy is the DDSketch relative accuracy used for
	// optional instantaneous percentiles (0.01 = 1% error).
	// Override via config: features.percentile.accuracy
	DefaultPercentileAccuracy = 0.01
)

// =============================================================================
// Export Defaults
// =============================================================================

const (
	// DefaultExportCompression is the Parquet compression algorithm for
	// bulk aggregate exports: snappy, zstd, lz4, gzip, none.
	// Override via config: export.compression
	DefaultExportCompression = "zstd"

	// DefaultExportRowGroupSize is the target number of rows per Parquet
	// row group.
	// Override via config: export.row_group_size
	DefaultExportRowGroupSize = 100000
)
