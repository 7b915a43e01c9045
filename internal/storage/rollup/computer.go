// Package rollup computes aggregate rows for (stream, bucket, level) keys.
//
// Hour rollups read raw datum and auxiliary reset markers; day, month and
// year rollups combine the aggregates of the next finer level. Calendar
// normalized rollups (day-of-week, hour-of-year) are computed on demand over
// a caller range rather than staleness-tracked.
//
// The computer is a faithful reducer: physically implausible results, such
// as a negative diff produced by reset-marker math, are computed and stored
// as-is. Data quality is the caller's concern.
package rollup

import (
	"context"
	"sort"
	"time"

	"github.com/DataDog/sketches-go/ddsketch"
	"github.com/xtxerr/meterflow/internal/datum"
	"github.com/xtxerr/meterflow/internal/errors"
	"github.com/xtxerr/meterflow/internal/storage/repo"
	"github.com/xtxerr/meterflow/internal/storage/resolver"
)

// Computer computes one aggregate row at a time from repository data.
type Computer struct {
	datums   repo.DatumRepository
	aggs     repo.AggregateRepository
	resolver *resolver.Resolver

	percentiles        bool
	percentileAccuracy float64
}

// Option configures a Computer.
type Option func(*Computer)

// WithPercentiles enables DDSketch percentile statistics on instantaneous
// properties during hour rollups.
func WithPercentiles(accuracy float64) Option {
	return func(c *Computer) {
		c.percentiles = true
		c.percentileAccuracy = accuracy
	}
}

// New creates a rollup computer.
func New(datums repo.DatumRepository, aggs repo.AggregateRepository, res *resolver.Resolver, opts ...Option) *Computer {
	c := &Computer{
		datums:   datums,
		aggs:     aggs,
		resolver: res,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Compute computes the aggregate for the bucket beginning at start.
// A nil aggregate with nil error means the bucket has no data; the caller
// must delete any existing row for the key rather than leave it stale.
func (c *Computer) Compute(ctx context.Context, meta *datum.StreamMetadata, start time.Time, level datum.Level) (*datum.Aggregate, error) {
	if level.IsCalendar() {
		return nil, errors.Wrapf(errors.ErrInvalidLevel, "%s is computed on demand", level)
	}

	loc, err := meta.Location()
	if err != nil {
		return nil, errors.Wrapf(errors.ErrInvalidTimeZone, "stream %s zone %q", meta.StreamID, meta.TimeZoneID)
	}

	if level == datum.LevelHour {
		return c.computeHour(ctx, meta, start)
	}
	return c.computeComposite(ctx, meta, start, level, loc)
}

// =============================================================================
// Hour rollup from raw datum
// =============================================================================

func (c *Computer) computeHour(ctx context.Context, meta *datum.StreamMetadata, start time.Time) (*datum.Aggregate, error) {
	end := start.Add(time.Hour)

	rows, err := c.datums.RangeRaw(ctx, meta.StreamID, start, end)
	if err != nil {
		return nil, errors.Wrap(errors.ErrStorage, err.Error())
	}

	agg := &datum.Aggregate{
		StreamID: meta.StreamID,
		Start:    start,
		Level:    datum.LevelHour,
	}
	agg.Properties.Instantaneous = make([]*float64, len(meta.Instantaneous))
	agg.Stats.Instantaneous = make([]*datum.InstantaneousStat, len(meta.Instantaneous))
	agg.Properties.Accumulating = make([]*float64, len(meta.Accumulating))
	agg.Stats.Accumulating = make([]*datum.AccumulatingStat, len(meta.Accumulating))
	agg.Properties.Status = make([]*string, len(meta.Status))

	c.reduceInstantaneous(agg, rows, len(meta.Instantaneous))
	c.reduceStatus(agg, rows, len(meta.Status))
	agg.Properties.Tags = collectTags(rows)

	if len(meta.Accumulating) > 0 {
		if err := c.reduceAccumulating(ctx, meta, agg, rows, start, end); err != nil {
			return nil, err
		}
	}

	if agg.IsEmpty() {
		return nil, nil
	}
	return agg, nil
}

// reduceInstantaneous fills per-property count/min/max and the average into
// the aggregate. Averages are computed over present values only.
func (c *Computer) reduceInstantaneous(agg *datum.Aggregate, rows []datum.Datum, n int) {
	for i := 0; i < n; i++ {
		var (
			count  int64
			sum    float64
			min    float64
			max    float64
			sketch *ddsketch.DDSketch
		)
		if c.percentiles {
			sketch, _ = ddsketch.NewDefaultDDSketch(c.percentileAccuracy)
		}

		for _, d := range rows {
			v := d.Properties.InstantaneousAt(i)
			if v == nil {
				continue
			}
			if count == 0 || *v < min {
				min = *v
			}
			if count == 0 || *v > max {
				max = *v
			}
			count++
			sum += *v
			if sketch != nil {
				sketch.Add(*v)
			}
		}

		if count == 0 {
			continue
		}
		agg.Properties.Instantaneous[i] = datum.Float(sum / float64(count))
		stat := &datum.InstantaneousStat{Count: count, Min: min, Max: max}
		if sketch != nil {
			if p50, err := sketch.GetValueAtQuantile(0.50); err == nil {
				stat.P50 = datum.Float(p50)
			}
			if p90, err := sketch.GetValueAtQuantile(0.90); err == nil {
				stat.P90 = datum.Float(p90)
			}
			if p95, err := sketch.GetValueAtQuantile(0.95); err == nil {
				stat.P95 = datum.Float(p95)
			}
			if p99, err := sketch.GetValueAtQuantile(0.99); err == nil {
				stat.P99 = datum.Float(p99)
			}
		}
		agg.Stats.Instantaneous[i] = stat
	}
}

// reduceStatus records the last non-null status value observed per property.
func (c *Computer) reduceStatus(agg *datum.Aggregate, rows []datum.Datum, n int) {
	for i := 0; i < n; i++ {
		for j := len(rows) - 1; j >= 0; j-- {
			if v := rows[j].Properties.StatusAt(i); v != nil {
				agg.Properties.Status[i] = datum.Str(*v)
				break
			}
		}
	}
}

// reduceAccumulating computes per-property diffs from the bucket's boundary
// samples, splitting at reset markers.
func (c *Computer) reduceAccumulating(ctx context.Context, meta *datum.StreamMetadata, agg *datum.Aggregate, rows []datum.Datum, start, end time.Time) error {
	boundary, err := c.resolver.BoundarySamples(ctx, meta.StreamID, start, end)
	if err != nil {
		return err
	}
	resets, err := c.datums.RangeAux(ctx, meta.StreamID, datum.KindReset, start, end)
	if err != nil {
		return errors.Wrap(errors.ErrStorage, err.Error())
	}
	sort.Slice(resets, func(i, j int) bool { return resets[i].Timestamp.Before(resets[j].Timestamp) })

	for i := range meta.Accumulating {
		diff, stat := reduceDiff(i, boundary, resets)
		if stat == nil {
			continue
		}
		stat.Count = countParticipants(i, rows, boundary, start)
		agg.Properties.Accumulating[i] = datum.Float(diff)
		agg.Stats.Accumulating[i] = stat
	}
	return nil
}

// reduceDiff computes the diff and boundary readings for one accumulating
// property index. With no reset, the diff is simply after minus before; a
// missing boundary omits the property. Each reset marker splits the bucket
// into segments summed in timestamp order:
//
//	(reset1.final - before) + (reset2.final - reset1.start) + ... +
//	(after - resetN.start)
//
// A segment whose endpoint reading is absent contributes nothing.
func reduceDiff(i int, boundary resolver.Boundary, resets []datum.Auxiliary) (float64, *datum.AccumulatingStat) {
	var before, after *float64
	if boundary.Before != nil {
		before = boundary.Before.Properties.AccumulatingAt(i)
	}
	if boundary.After != nil {
		after = boundary.After.Properties.AccumulatingAt(i)
	}

	if len(resets) == 0 {
		if before == nil || after == nil {
			return 0, nil
		}
		return *after - *before, &datum.AccumulatingStat{Start: *before, End: *after}
	}

	var (
		diff       float64
		hasSegment bool
		startRead  *float64
		endRead    *float64
		prev       = before
	)
	if before != nil {
		startRead = before
	}

	for _, rz := range resets {
		final := rz.Final.AccumulatingAt(i)
		if prev != nil && final != nil {
			diff += *final - *prev
			hasSegment = true
			if startRead == nil {
				startRead = prev
			}
			endRead = final
		}
		if s := rz.Start.AccumulatingAt(i); s != nil {
			prev = s
			if startRead == nil {
				startRead = s
			}
		} else {
			prev = nil
		}
	}

	if prev != nil && after != nil {
		diff += *after - *prev
		hasSegment = true
		if startRead == nil {
			startRead = prev
		}
		endRead = after
	}

	if !hasSegment {
		return 0, nil
	}
	return diff, &datum.AccumulatingStat{Start: *startRead, End: *endRead}
}

// countParticipants counts the raw samples contributing to the accumulation
// for property index i: samples with the property present, strictly after
// the starting boundary sample, through the trailing boundary sample.
func countParticipants(i int, rows []datum.Datum, boundary resolver.Boundary, start time.Time) int64 {
	lower := start
	if boundary.Before != nil {
		lower = boundary.Before.Timestamp
	}

	var n int64
	for _, d := range rows {
		if !d.Timestamp.After(lower) {
			continue
		}
		if d.Properties.AccumulatingAt(i) != nil {
			n++
		}
	}
	if boundary.After != nil && boundary.After.Timestamp.After(lower) {
		inBucket := false
		for _, d := range rows {
			if d.Timestamp.Equal(boundary.After.Timestamp) {
				inBucket = true
				break
			}
		}
		if !inBucket && boundary.After.Properties.AccumulatingAt(i) != nil {
			n++
		}
	}
	return n
}

func collectTags(rows []datum.Datum) []string {
	var out []string
	seen := make(map[string]struct{})
	for _, d := range rows {
		for _, tag := range d.Properties.Tags {
			if _, ok := seen[tag]; ok {
				continue
			}
			seen[tag] = struct{}{}
			out = append(out, tag)
		}
	}
	return out
}

// =============================================================================
// Composite rollups from child aggregates
// =============================================================================

func (c *Computer) computeComposite(ctx context.Context, meta *datum.StreamMetadata, start time.Time, level datum.Level, loc *time.Location) (*datum.Aggregate, error) {
	end := level.Next(start, loc)

	children, err := c.aggs.RangeAggregates(ctx, meta.StreamID, level.Child(), start, end)
	if err != nil {
		return nil, errors.Wrap(errors.ErrStorage, err.Error())
	}
	if len(children) == 0 {
		return nil, nil
	}

	agg := combineChildren(meta.StreamID, start, level, children,
		len(meta.Instantaneous), len(meta.Accumulating), len(meta.Status))
	if agg.IsEmpty() {
		return nil, nil
	}
	return agg, nil
}

// combineChildren merges child aggregates into one parent row. Instantaneous
// averages are sample-count-weighted; accumulating diffs sum across the
// children (resets are already absorbed at child level); min/max propagate.
func combineChildren(streamID string, start time.Time, level datum.Level, children []datum.Aggregate, ni, na, ns int) *datum.Aggregate {
	agg := &datum.Aggregate{
		StreamID: streamID,
		Start:    start,
		Level:    level,
	}
	agg.Properties.Instantaneous = make([]*float64, ni)
	agg.Stats.Instantaneous = make([]*datum.InstantaneousStat, ni)
	agg.Properties.Accumulating = make([]*float64, na)
	agg.Stats.Accumulating = make([]*datum.AccumulatingStat, na)
	agg.Properties.Status = make([]*string, ns)

	for i := 0; i < ni; i++ {
		var (
			count    int64
			weighted float64
			min      float64
			max      float64
			found    bool
		)
		for _, ch := range children {
			stat := statAt(ch.Stats.Instantaneous, i)
			avg := ch.Properties.InstantaneousAt(i)
			if stat == nil || avg == nil {
				continue
			}
			if !found || stat.Min < min {
				min = stat.Min
			}
			if !found || stat.Max > max {
				max = stat.Max
			}
			found = true
			count += stat.Count
			weighted += *avg * float64(stat.Count)
		}
		if !found || count == 0 {
			continue
		}
		agg.Properties.Instantaneous[i] = datum.Float(weighted / float64(count))
		agg.Stats.Instantaneous[i] = &datum.InstantaneousStat{Count: count, Min: min, Max: max}
	}

	for i := 0; i < na; i++ {
		var (
			count int64
			diff  float64
			first *datum.AccumulatingStat
			last  *datum.AccumulatingStat
			found bool
		)
		for _, ch := range children {
			stat := accStatAt(ch.Stats.Accumulating, i)
			d := ch.Properties.AccumulatingAt(i)
			if stat == nil || d == nil {
				continue
			}
			found = true
			diff += *d
			count += stat.Count
			if first == nil {
				first = stat
			}
			last = stat
		}
		if !found {
			continue
		}
		agg.Properties.Accumulating[i] = datum.Float(diff)
		agg.Stats.Accumulating[i] = &datum.AccumulatingStat{Count: count, Start: first.Start, End: last.End}
	}

	for i := 0; i < ns; i++ {
		for j := len(children) - 1; j >= 0; j-- {
			if v := children[j].Properties.StatusAt(i); v != nil {
				agg.Properties.Status[i] = datum.Str(*v)
				break
			}
		}
	}

	agg.Properties.Tags = mergeTags(children)
	return agg
}

func statAt(stats []*datum.InstantaneousStat, i int) *datum.InstantaneousStat {
	if i >= len(stats) {
		return nil
	}
	return stats[i]
}

func accStatAt(stats []*datum.AccumulatingStat, i int) *datum.AccumulatingStat {
	if i >= len(stats) {
		return nil
	}
	return stats[i]
}

func mergeTags(children []datum.Aggregate) []string {
	var out []string
	seen := make(map[string]struct{})
	for _, ch := range children {
		for _, tag := range ch.Properties.Tags {
			if _, ok := seen[tag]; ok {
				continue
			}
			seen[tag] = struct{}{}
			out = append(out, tag)
		}
	}
	return out
}
