// Package datum defines the core data types used throughout the engine.
//
// Key types:
//   - Datum: one raw timestamped reading on a stream
//   - Properties: positional instantaneous/accumulating/status value arrays
//   - Aggregate: one rollup row for a (stream, bucket, level)
//   - Statistics: per-property rollup statistics
//   - Level: rollup granularity (Hour, Day, Month, Year, DayOfWeek, HourOfYear)
//   - StreamMetadata: property name lists and time zone for one stream
//   - Auxiliary: reset markers for accumulating counters
//   - StaleKey: pending-recomputation marker key
//   - AuditDatum: usage counters per stream and period
package datum
