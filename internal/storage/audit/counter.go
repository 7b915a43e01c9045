// Package audit maintains usage counters per stream and period.
//
// Counters are accumulated by atomic increment-or-insert on the write path
// and are never derived from raw datum after the fact: a lost increment is
// lost permanently. Hour rows are the source of truth; day and month rows
// are rollups maintained through the same staleness mechanism as the
// aggregate rollups, scoped to audit rows.
package audit

import (
	"context"
	"time"

	"github.com/xtxerr/meterflow/internal/datum"
	"github.com/xtxerr/meterflow/internal/errors"
	"github.com/xtxerr/meterflow/internal/storage/repo"
	"github.com/xtxerr/meterflow/internal/storage/stale"
)

// Counter increments audit counters and schedules their rollups.
type Counter struct {
	audits  repo.AuditRepository
	tracker *stale.Tracker
}

// New creates an audit counter.
func New(audits repo.AuditRepository, tracker *stale.Tracker) *Counter {
	return &Counter{audits: audits, tracker: tracker}
}

// RecordDatumWrite increments the datum and property counters of the hour
// bucket owning ts and marks the covering day audit rollup pending.
func (c *Counter) RecordDatumWrite(ctx context.Context, streamID string, ts time.Time, propertyCount int, loc *time.Location) error {
	key := datum.AuditKey{
		StreamID: streamID,
		Start:    datum.LevelHour.Truncate(ts, time.UTC),
		Level:    datum.LevelHour,
	}
	err := c.audits.IncrementAudit(ctx, key, datum.AuditDelta{
		DatumCount:    1,
		PropertyCount: int64(propertyCount),
	})
	if err != nil {
		return errors.Wrap(err, "record datum write")
	}
	return c.tracker.MarkAudit(ctx, streamID, ts, loc)
}

// Increment adds count bytes to the named publication channel's counter for
// the period containing periodStart.
func (c *Counter) Increment(ctx context.Context, streamID, channel string, periodStart time.Time, count int64) error {
	key := datum.AuditKey{
		StreamID: streamID,
		Start:    datum.LevelHour.Truncate(periodStart, time.UTC),
		Level:    datum.LevelHour,
	}
	err := c.audits.IncrementAudit(ctx, key, datum.AuditDelta{
		ByteCounts: map[string]int64{channel: count},
	})
	return errors.Wrap(err, "increment audit channel")
}

// Rollup replaces the audit row for (stream, start, level) with the sum of
// its child rows, deleting nothing: an empty child range produces an empty
// row, preserving the full-replace discipline.
func (c *Counter) Rollup(ctx context.Context, streamID string, start time.Time, level datum.Level, loc *time.Location) error {
	child := level.Child()
	end := level.Next(start, loc)

	children, err := c.audits.RangeAudit(ctx, streamID, child, start, end)
	if err != nil {
		return errors.Wrap(err, "range child audit rows")
	}

	row := datum.AuditDatum{StreamID: streamID, Start: start, Level: level}
	for i := range children {
		row.Merge(&children[i])
	}
	if err := c.audits.UpsertAudit(ctx, &row); err != nil {
		return errors.Wrap(err, "upsert audit rollup")
	}
	return c.tracker.CascadeAudit(ctx, streamID, start, level, loc)
}
