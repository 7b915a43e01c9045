package rollup

import (
	"context"
	"sort"
	"time"

	"github.com/xtxerr/meterflow/internal/datum"
	"github.com/xtxerr/meterflow/internal/errors"
)

// ComputeCalendar computes the calendar-normalized rollup rows for the
// caller-supplied range. Day-of-week rows group daily aggregates by weekday
// (1-7); hour-of-year rows group hourly aggregates by their hour index in a
// non-leap year (0-8759). Feb 29 source buckets are excluded. Rows anchor to
// the reference year and are not persisted or staleness-tracked.
func (c *Computer) ComputeCalendar(ctx context.Context, meta *datum.StreamMetadata, level datum.Level, from, to time.Time) ([]datum.Aggregate, error) {
	if !level.IsCalendar() {
		return nil, errors.Wrapf(errors.ErrInvalidLevel, "%s is not calendar-normalized", level)
	}

	loc, err := meta.Location()
	if err != nil {
		return nil, errors.Wrapf(errors.ErrInvalidTimeZone, "stream %s zone %q", meta.StreamID, meta.TimeZoneID)
	}

	children, err := c.aggs.RangeAggregates(ctx, meta.StreamID, level.Child(), from, to)
	if err != nil {
		return nil, errors.Wrap(errors.ErrStorage, err.Error())
	}

	groups := make(map[int][]datum.Aggregate)
	for _, ch := range children {
		local := ch.Start.In(loc)
		if local.Month() == time.February && local.Day() == 29 {
			continue
		}

		var key int
		switch level {
		case datum.LevelDayOfWeek:
			key = datum.NormalizedWeekday(local)
		case datum.LevelHourOfYear:
			key = datum.NormalizedHourOfYear(local)
		}
		if key < 0 {
			continue
		}
		groups[key] = append(groups[key], ch)
	}

	keys := make([]int, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Ints(keys)

	out := make([]datum.Aggregate, 0, len(keys))
	for _, k := range keys {
		var anchor time.Time
		switch level {
		case datum.LevelDayOfWeek:
			anchor = datum.DayOfWeekAnchor(k)
		case datum.LevelHourOfYear:
			anchor = datum.HourOfYearAnchor(k)
		}

		agg := combineChildren(meta.StreamID, anchor, level, groups[k],
			len(meta.Instantaneous), len(meta.Accumulating), len(meta.Status))
		if agg.IsEmpty() {
			continue
		}
		out = append(out, *agg)
	}
	return out, nil
}
