// Package stale records which (stream, bucket, level) rollups need
// recomputation.
//
// Any raw datum or auxiliary mutation marks the containing hour bucket
// pending; recomputation at one level marks the covering bucket of the next
// coarser level. Marking is idempotent, so the write path can mark freely
// without coordinating with the workers that drain the markers.
package stale

import (
	"context"
	"time"

	"github.com/xtxerr/meterflow/internal/datum"
	"github.com/xtxerr/meterflow/internal/errors"
	"github.com/xtxerr/meterflow/internal/storage/repo"
)

// Tracker marks rollups stale through the stale repository.
type Tracker struct {
	stale     repo.StaleRepository
	tolerance time.Duration
}

// New creates a tracker. tolerance is the resolver's boundary tolerance: a
// mutation within the leading tolerance window of an hour could shift the
// previous bucket's trailing boundary sample, so that bucket is marked too.
func New(stale repo.StaleRepository, tolerance time.Duration) *Tracker {
	return &Tracker{stale: stale, tolerance: tolerance}
}

// MarkRaw marks the hour rollup(s) affected by a raw datum or auxiliary
// mutation at ts.
func (t *Tracker) MarkRaw(ctx context.Context, streamID string, ts time.Time) error {
	hour := datum.LevelHour.Truncate(ts, time.UTC)

	err := t.stale.InsertStale(ctx, datum.StaleKey{
		StreamID: streamID,
		Start:    hour,
		Level:    datum.LevelHour,
		Scope:    datum.ScopeAggregate,
	})
	if err != nil {
		return errors.Wrap(err, "mark hour stale")
	}

	if ts.Sub(hour) < t.tolerance {
		err = t.stale.InsertStale(ctx, datum.StaleKey{
			StreamID: streamID,
			Start:    hour.Add(-time.Hour),
			Level:    datum.LevelHour,
			Scope:    datum.ScopeAggregate,
		})
		if err != nil {
			return errors.Wrap(err, "mark previous hour stale")
		}
	}
	return nil
}

// Cascade marks the next coarser level covering the recomputed bucket.
// The cascade is performed even when recomputation produced an unchanged
// result: recomputation cost is bounded and correctness wins over
// micro-optimization.
func (t *Tracker) Cascade(ctx context.Context, streamID string, start time.Time, level datum.Level, loc *time.Location) error {
	parent, ok := level.Parent()
	if !ok {
		return nil
	}

	err := t.stale.InsertStale(ctx, datum.StaleKey{
		StreamID: streamID,
		Start:    parent.Truncate(start, loc),
		Level:    parent,
		Scope:    datum.ScopeAggregate,
	})
	return errors.Wrap(err, "cascade stale")
}

// MarkAudit marks the next coarser audit rollup covering an hour audit
// increment. Audit rollups stop at month granularity.
func (t *Tracker) MarkAudit(ctx context.Context, streamID string, ts time.Time, loc *time.Location) error {
	err := t.stale.InsertStale(ctx, datum.StaleKey{
		StreamID: streamID,
		Start:    datum.LevelDay.Truncate(ts, loc),
		Level:    datum.LevelDay,
		Scope:    datum.ScopeAudit,
	})
	return errors.Wrap(err, "mark audit stale")
}

// CascadeAudit marks the month audit rollup after a day audit rollup.
func (t *Tracker) CascadeAudit(ctx context.Context, streamID string, start time.Time, level datum.Level, loc *time.Location) error {
	if level != datum.LevelDay {
		return nil
	}
	err := t.stale.InsertStale(ctx, datum.StaleKey{
		StreamID: streamID,
		Start:    datum.LevelMonth.Truncate(start, loc),
		Level:    datum.LevelMonth,
		Scope:    datum.ScopeAudit,
	})
	return errors.Wrap(err, "cascade audit stale")
}
