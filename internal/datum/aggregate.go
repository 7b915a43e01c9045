package datum

import "time"

// Aggregate is one rollup row for a (stream, bucket, level). The properties
// hold the reduced values: instantaneous averages, accumulating diffs and
// last-seen status values. Rows are always fully replaced or deleted on
// recomputation, never patched.
type Aggregate struct {
	StreamID   string
	Start      time.Time
	Level      Level
	Properties Properties
	Stats      Statistics
}

// Key returns the identifying key of this aggregate.
func (a *Aggregate) Key() AggregateKey {
	return AggregateKey{StreamID: a.StreamID, Start: a.Start, Level: a.Level}
}

// IsEmpty returns true if the aggregate carries no values at all. Empty
// aggregates are never persisted; an empty recomputation result deletes any
// existing row instead.
func (a *Aggregate) IsEmpty() bool {
	return a.Properties.IsEmpty()
}

// AggregateKey identifies one aggregate row.
type AggregateKey struct {
	StreamID string
	Start    time.Time
	Level    Level
}

// InstantaneousStat holds per-property statistics for an instantaneous
// property within one bucket. Percentile fields are nil unless percentile
// statistics are enabled.
type InstantaneousStat struct {
	Count int64   `json:"count"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`

	P50 *float64 `json:"p50,omitempty"`
	P90 *float64 `json:"p90,omitempty"`
	P95 *float64 `json:"p95,omitempty"`
	P99 *float64 `json:"p99,omitempty"`
}

// AccumulatingStat holds per-property statistics for an accumulating
// property within one bucket. Start and End are the boundary meter readings;
// the diff reported in the aggregate's properties is End-derived, with reset
// segments already absorbed.
type AccumulatingStat struct {
	Count int64   `json:"count"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// Statistics holds positional per-property statistics for one aggregate.
// A nil entry means the property produced no output for the bucket.
type Statistics struct {
	Instantaneous []*InstantaneousStat `json:"i,omitempty"`
	Accumulating  []*AccumulatingStat  `json:"a,omitempty"`
}

// IsEmpty returns true if no property produced statistics.
func (s *Statistics) IsEmpty() bool {
	for _, st := range s.Instantaneous {
		if st != nil {
			return false
		}
	}
	for _, st := range s.Accumulating {
		if st != nil {
			return false
		}
	}
	return true
}
