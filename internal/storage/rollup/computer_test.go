package rollup

import (
	"context"
	"math"
	"reflect"
	"testing"
	"time"

	"github.com/xtxerr/meterflow/internal/datum"
	"github.com/xtxerr/meterflow/internal/storage/memrepo"
	"github.com/xtxerr/meterflow/internal/storage/resolver"
)

func ts(h, m int) time.Time {
	return time.Date(2024, 6, 15, h, m, 0, 0, time.UTC)
}

func meterMeta() *datum.StreamMetadata {
	return &datum.StreamMetadata{
		StreamID:      "s1",
		SourceID:      "meter/1",
		TimeZoneID:    "UTC",
		Instantaneous: []string{"watts"},
		Accumulating:  []string{"wattHours"},
		Status:        []string{"state"},
	}
}

func newComputer(mem *memrepo.Repo, opts ...Option) *Computer {
	res := resolver.New(mem, time.Hour, 7*24*time.Hour)
	return New(mem, mem, res, opts...)
}

func store(t *testing.T, mem *memrepo.Repo, at time.Time, watts, wattHours float64) {
	t.Helper()
	err := mem.UpsertRaw(context.Background(), &datum.Datum{
		StreamID:  "s1",
		Timestamp: at,
		Properties: datum.Properties{
			Instantaneous: []*float64{datum.Float(watts)},
			Accumulating:  []*float64{datum.Float(wattHours)},
			Status:        []*string{nil},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestCompute_DiffCorrectness(t *testing.T) {
	mem := memrepo.New()
	store(t, mem, ts(12, 0), 50, 100)
	store(t, mem, ts(13, 0), 60, 103)

	agg, err := newComputer(mem).Compute(context.Background(), meterMeta(), ts(12, 0), datum.LevelHour)
	if err != nil {
		t.Fatal(err)
	}
	if agg == nil {
		t.Fatal("expected aggregate")
	}

	if got := *agg.Properties.Accumulating[0]; got != 3 {
		t.Errorf("expected diff 3, got %v", got)
	}
	stat := agg.Stats.Accumulating[0]
	if stat == nil {
		t.Fatal("expected accumulating stats")
	}
	if stat.Start != 100 || stat.End != 103 {
		t.Errorf("expected stats (100, 103), got (%v, %v)", stat.Start, stat.End)
	}
	if stat.Count != 1 {
		t.Errorf("expected 1 participating sample, got %d", stat.Count)
	}
}

func TestCompute_InstantaneousStatistics(t *testing.T) {
	mem := memrepo.New()
	store(t, mem, ts(12, 0), 10, 100)
	store(t, mem, ts(12, 20), 30, 101)
	store(t, mem, ts(12, 40), 20, 102)

	agg, err := newComputer(mem).Compute(context.Background(), meterMeta(), ts(12, 0), datum.LevelHour)
	if err != nil {
		t.Fatal(err)
	}
	if agg == nil {
		t.Fatal("expected aggregate")
	}

	if got := *agg.Properties.Instantaneous[0]; got != 20 {
		t.Errorf("expected avg 20, got %v", got)
	}
	stat := agg.Stats.Instantaneous[0]
	if stat.Count != 3 || stat.Min != 10 || stat.Max != 30 {
		t.Errorf("unexpected stats: %+v", stat)
	}
}

func TestCompute_AbsentNotZero(t *testing.T) {
	mem := memrepo.New()
	ctx := context.Background()

	// A reading with a nil instantaneous value must not drag the average.
	err := mem.UpsertRaw(ctx, &datum.Datum{
		StreamID:  "s1",
		Timestamp: ts(12, 0),
		Properties: datum.Properties{
			Instantaneous: []*float64{nil},
			Accumulating:  []*float64{datum.Float(100)},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	store(t, mem, ts(12, 30), 40, 101)

	agg, err := newComputer(mem).Compute(ctx, meterMeta(), ts(12, 0), datum.LevelHour)
	if err != nil {
		t.Fatal(err)
	}
	if got := *agg.Properties.Instantaneous[0]; got != 40 {
		t.Errorf("expected avg 40 over present values only, got %v", got)
	}
	if agg.Stats.Instantaneous[0].Count != 1 {
		t.Errorf("expected count 1, got %d", agg.Stats.Instantaneous[0].Count)
	}
}

func TestCompute_ResetSplitting(t *testing.T) {
	mem := memrepo.New()
	ctx := context.Background()

	store(t, mem, ts(12, 0), 50, 100)
	store(t, mem, ts(13, 0), 60, 2)

	err := mem.UpsertAux(ctx, &datum.Auxiliary{
		StreamID:  "s1",
		Timestamp: ts(12, 30),
		Kind:      datum.KindReset,
		Final:     datum.Properties{Accumulating: []*float64{datum.Float(101)}},
		Start:     datum.Properties{Accumulating: []*float64{datum.Float(0)}},
	})
	if err != nil {
		t.Fatal(err)
	}

	agg, err := newComputer(mem).Compute(ctx, meterMeta(), ts(12, 0), datum.LevelHour)
	if err != nil {
		t.Fatal(err)
	}
	if agg == nil {
		t.Fatal("expected aggregate")
	}

	// (101 - 100) + (2 - 0) = 3
	if got := *agg.Properties.Accumulating[0]; got != 3 {
		t.Errorf("expected split diff 3, got %v", got)
	}
	stat := agg.Stats.Accumulating[0]
	if stat.Start != 100 || stat.End != 2 {
		t.Errorf("expected combined span (100, 2), got (%v, %v)", stat.Start, stat.End)
	}
}

func TestCompute_ResetWithMissingBoundary(t *testing.T) {
	mem := memrepo.New()
	ctx := context.Background()

	// No sample before the bucket at all, but a reset inside and a trailing
	// sample: only the post-reset segment contributes.
	store(t, mem, ts(13, 0), 60, 5)
	err := mem.UpsertAux(ctx, &datum.Auxiliary{
		StreamID:  "s1",
		Timestamp: ts(12, 30),
		Kind:      datum.KindReset,
		Final:     datum.Properties{Accumulating: []*float64{datum.Float(900)}},
		Start:     datum.Properties{Accumulating: []*float64{datum.Float(0)}},
	})
	if err != nil {
		t.Fatal(err)
	}

	agg, err := newComputer(mem).Compute(ctx, meterMeta(), ts(12, 0), datum.LevelHour)
	if err != nil {
		t.Fatal(err)
	}
	if agg == nil {
		t.Fatal("expected aggregate")
	}
	if got := *agg.Properties.Accumulating[0]; got != 5 {
		t.Errorf("expected post-reset diff 5, got %v", got)
	}
	stat := agg.Stats.Accumulating[0]
	if stat.Start != 0 || stat.End != 5 {
		t.Errorf("expected span (0, 5), got (%v, %v)", stat.Start, stat.End)
	}
}

func TestCompute_GapAbsorption(t *testing.T) {
	mem := memrepo.New()
	ctx := context.Background()

	// Raw samples at hour 12 and hour 16 only.
	store(t, mem, ts(12, 0), 50, 100)
	store(t, mem, ts(16, 0), 70, 140)

	c := newComputer(mem)
	meta := meterMeta()

	var made []int
	for h := 12; h <= 16; h++ {
		agg, err := c.Compute(ctx, meta, ts(h, 0), datum.LevelHour)
		if err != nil {
			t.Fatal(err)
		}
		if agg != nil {
			made = append(made, h)
		}

		switch h {
		case 15:
			// The gap-ending bucket before the perfect anchor absorbs the
			// full accumulated diff.
			if agg == nil {
				t.Fatal("expected hour 15 aggregate")
			}
			if agg.Properties.Instantaneous[0] != nil {
				t.Error("hour 15 should have no instantaneous data")
			}
			if agg.Properties.Accumulating[0] == nil {
				t.Fatal("hour 15 should carry the diff")
			}
			if got := *agg.Properties.Accumulating[0]; got != 40 {
				t.Errorf("expected absorbed diff 40, got %v", got)
			}
		case 13, 14:
			if agg != nil {
				t.Errorf("hour %d should produce no aggregate, got %+v", h, agg)
			}
		}
	}

	if !reflect.DeepEqual(made, []int{12, 15, 16}) {
		t.Errorf("expected aggregates for hours [12 15 16], got %v", made)
	}
}

func TestCompute_EmptyBucketAbsent(t *testing.T) {
	mem := memrepo.New()

	agg, err := newComputer(mem).Compute(context.Background(), meterMeta(), ts(3, 0), datum.LevelHour)
	if err != nil {
		t.Fatal(err)
	}
	if agg != nil {
		t.Errorf("expected absent result for empty bucket, got %+v", agg)
	}
}

func TestCompute_StatusLastValue(t *testing.T) {
	mem := memrepo.New()
	ctx := context.Background()

	for i, state := range []string{"Charging", "Full"} {
		err := mem.UpsertRaw(ctx, &datum.Datum{
			StreamID:  "s1",
			Timestamp: ts(12, i*20),
			Properties: datum.Properties{
				Status: []*string{datum.Str(state)},
			},
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	agg, err := newComputer(mem).Compute(ctx, meterMeta(), ts(12, 0), datum.LevelHour)
	if err != nil {
		t.Fatal(err)
	}
	if agg == nil {
		t.Fatal("expected aggregate")
	}
	if got := *agg.Properties.Status[0]; got != "Full" {
		t.Errorf("expected last status 'Full', got %q", got)
	}
}

func TestCompute_Idempotent(t *testing.T) {
	mem := memrepo.New()
	ctx := context.Background()

	store(t, mem, ts(12, 0), 50, 100)
	store(t, mem, ts(12, 30), 55, 101)
	store(t, mem, ts(13, 0), 60, 103)

	c := newComputer(mem)
	first, err := c.Compute(ctx, meterMeta(), ts(12, 0), datum.LevelHour)
	if err != nil {
		t.Fatal(err)
	}
	second, err := c.Compute(ctx, meterMeta(), ts(12, 0), datum.LevelHour)
	if err != nil {
		t.Fatal(err)
	}

	if !reflect.DeepEqual(first, second) {
		t.Errorf("recomputation not idempotent:\nfirst:  %+v\nsecond: %+v", first, second)
	}
}

func TestCompute_CompositeDay(t *testing.T) {
	mem := memrepo.New()
	ctx := context.Background()

	day := time.Date(2024, 6, 15, 0, 0, 0, 0, time.UTC)

	// Two hour children with different sample counts.
	children := []datum.Aggregate{
		{
			StreamID: "s1", Start: day, Level: datum.LevelHour,
			Properties: datum.Properties{
				Instantaneous: []*float64{datum.Float(10)},
				Accumulating:  []*float64{datum.Float(3)},
				Status:        []*string{datum.Str("on")},
			},
			Stats: datum.Statistics{
				Instantaneous: []*datum.InstantaneousStat{{Count: 1, Min: 10, Max: 10}},
				Accumulating:  []*datum.AccumulatingStat{{Count: 1, Start: 100, End: 103}},
			},
		},
		{
			StreamID: "s1", Start: day.Add(time.Hour), Level: datum.LevelHour,
			Properties: datum.Properties{
				Instantaneous: []*float64{datum.Float(40)},
				Accumulating:  []*float64{datum.Float(5)},
				Status:        []*string{datum.Str("off")},
			},
			Stats: datum.Statistics{
				Instantaneous: []*datum.InstantaneousStat{{Count: 3, Min: 20, Max: 60}},
				Accumulating:  []*datum.AccumulatingStat{{Count: 3, Start: 103, End: 108}},
			},
		},
	}
	for i := range children {
		if err := mem.UpsertAggregate(ctx, &children[i]); err != nil {
			t.Fatal(err)
		}
	}

	agg, err := newComputer(mem).Compute(ctx, meterMeta(), day, datum.LevelDay)
	if err != nil {
		t.Fatal(err)
	}
	if agg == nil {
		t.Fatal("expected day aggregate")
	}

	// Weighted average: (10*1 + 40*3) / 4 = 32.5
	if got := *agg.Properties.Instantaneous[0]; math.Abs(got-32.5) > 1e-9 {
		t.Errorf("expected weighted avg 32.5, got %v", got)
	}
	istat := agg.Stats.Instantaneous[0]
	if istat.Count != 4 || istat.Min != 10 || istat.Max != 60 {
		t.Errorf("unexpected instantaneous stats: %+v", istat)
	}

	// Summed diffs and spanned readings.
	if got := *agg.Properties.Accumulating[0]; got != 8 {
		t.Errorf("expected summed diff 8, got %v", got)
	}
	astat := agg.Stats.Accumulating[0]
	if astat.Count != 4 || astat.Start != 100 || astat.End != 108 {
		t.Errorf("unexpected accumulating stats: %+v", astat)
	}

	// Status propagates the last child's value.
	if got := *agg.Properties.Status[0]; got != "off" {
		t.Errorf("expected status 'off', got %q", got)
	}
}

func TestCompute_CompositeEmptyAbsent(t *testing.T) {
	mem := memrepo.New()

	agg, err := newComputer(mem).Compute(context.Background(), meterMeta(),
		time.Date(2024, 6, 15, 0, 0, 0, 0, time.UTC), datum.LevelDay)
	if err != nil {
		t.Fatal(err)
	}
	if agg != nil {
		t.Errorf("expected absent result with no children, got %+v", agg)
	}
}

func TestCompute_PercentilesEnabled(t *testing.T) {
	mem := memrepo.New()
	ctx := context.Background()

	for i := 1; i <= 100; i++ {
		err := mem.UpsertRaw(ctx, &datum.Datum{
			StreamID:  "s1",
			Timestamp: ts(12, 0).Add(time.Duration(i) * 30 * time.Second),
			Properties: datum.Properties{
				Instantaneous: []*float64{datum.Float(float64(i))},
			},
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	c := newComputer(mem, WithPercentiles(0.01))
	agg, err := c.Compute(ctx, meterMeta(), ts(12, 0), datum.LevelHour)
	if err != nil {
		t.Fatal(err)
	}
	stat := agg.Stats.Instantaneous[0]
	if stat.P50 == nil || stat.P95 == nil {
		t.Fatal("expected percentiles")
	}
	if math.Abs(*stat.P50-50) > 2 {
		t.Errorf("expected P50 near 50, got %v", *stat.P50)
	}
	if math.Abs(*stat.P95-95) > 2 {
		t.Errorf("expected P95 near 95, got %v", *stat.P95)
	}
}
