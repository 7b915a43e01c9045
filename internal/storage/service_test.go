package storage

import (
	"bytes"
	"context"
	"math"
	"testing"
	"time"

	"github.com/xtxerr/meterflow/internal/datum"
	"github.com/xtxerr/meterflow/internal/errors"
	"github.com/xtxerr/meterflow/internal/storage/config"
	"github.com/xtxerr/meterflow/internal/storage/memrepo"
)

func ts(h, m int) time.Time {
	return time.Date(2024, 6, 15, h, m, 0, 0, time.UTC)
}

func newService(t *testing.T) (*Service, *memrepo.Repo) {
	t.Helper()
	mem := memrepo.New()
	cfg := config.DefaultConfig()
	cfg.Retention.Enabled = false
	svc := New(cfg, mem)

	_, err := svc.EnsureStream(context.Background(), &datum.StreamMetadata{
		ObjectKind:    datum.ObjectDevice,
		ObjectID:      1,
		SourceID:      "meter/1",
		TimeZoneID:    "UTC",
		Instantaneous: []string{"watts"},
		Accumulating:  []string{"wattHours"},
		Status:        []string{"state"},
	})
	if err != nil {
		t.Fatal(err)
	}
	return svc, mem
}

func streamID(t *testing.T, svc *Service) string {
	t.Helper()
	m, err := svc.EnsureStream(context.Background(), &datum.StreamMetadata{
		ObjectKind: datum.ObjectDevice,
		ObjectID:   1,
		SourceID:   "meter/1",
		TimeZoneID: "UTC",
	})
	if err != nil {
		t.Fatal(err)
	}
	return m.StreamID
}

func storeDatum(t *testing.T, svc *Service, id string, at time.Time, watts, wattHours float64) {
	t.Helper()
	err := svc.StoreDatum(context.Background(), &datum.Datum{
		StreamID:  id,
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

func TestStoreDatum_EndToEnd(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	id := streamID(t, svc)

	storeDatum(t, svc, id, ts(12, 0), 50, 100)
	storeDatum(t, svc, id, ts(13, 0), 60, 103)

	if _, err := svc.Drain(ctx); err != nil {
		t.Fatal(err)
	}

	aggs, err := svc.Aggregates(ctx, id, datum.LevelHour, ts(12, 0), ts(14, 0))
	if err != nil {
		t.Fatal(err)
	}
	if len(aggs) != 2 {
		t.Fatalf("expected 2 hour aggregates, got %d", len(aggs))
	}
	if got := *aggs[0].Properties.Accumulating[0]; got != 3 {
		t.Errorf("expected hour 12 diff 3, got %v", got)
	}

	days, err := svc.Aggregates(ctx, id, datum.LevelDay,
		time.Date(2024, 6, 15, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 6, 16, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatal(err)
	}
	if len(days) != 1 {
		t.Fatalf("expected 1 day aggregate, got %d", len(days))
	}

	// Audit counters recorded both writes.
	audits, err := svc.AuditRows(ctx, id, datum.LevelHour, ts(12, 0), ts(14, 0))
	if err != nil {
		t.Fatal(err)
	}
	var count int64
	for _, a := range audits {
		count += a.DatumCount
	}
	if count != 2 {
		t.Errorf("expected 2 audited writes, got %d", count)
	}
}

// Storing the same datum twice and reprocessing reproduces the identical
// aggregate, not a doubled one.
func TestStoreDatum_Idempotent(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	id := streamID(t, svc)

	storeDatum(t, svc, id, ts(12, 0), 50, 100)
	storeDatum(t, svc, id, ts(13, 0), 60, 103)
	if _, err := svc.Drain(ctx); err != nil {
		t.Fatal(err)
	}

	storeDatum(t, svc, id, ts(12, 0), 50, 100)
	if _, err := svc.Drain(ctx); err != nil {
		t.Fatal(err)
	}

	aggs, err := svc.Aggregates(ctx, id, datum.LevelHour, ts(12, 0), ts(13, 0))
	if err != nil {
		t.Fatal(err)
	}
	if len(aggs) != 1 {
		t.Fatalf("expected 1 aggregate, got %d", len(aggs))
	}
	if got := *aggs[0].Properties.Accumulating[0]; got != 3 {
		t.Errorf("expected diff 3 after rewrite, got %v", got)
	}
	if got := aggs[0].Stats.Instantaneous[0].Count; got != 1 {
		t.Errorf("expected 1 instantaneous sample, got %d", got)
	}
}

func TestStoreDatum_NormalizesNonFinite(t *testing.T) {
	svc, mem := newService(t)
	ctx := context.Background()
	id := streamID(t, svc)

	nan := math.NaN()
	inf := math.Inf(1)
	err := svc.StoreDatum(ctx, &datum.Datum{
		StreamID:  id,
		Timestamp: ts(12, 0),
		Properties: datum.Properties{
			Instantaneous: []*float64{&nan},
			Accumulating:  []*float64{&inf},
			Status:        []*string{nil},
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	stored, err := mem.GetRaw(ctx, id, ts(12, 0))
	if err != nil {
		t.Fatal(err)
	}
	if stored.Properties.Instantaneous[0] != nil || stored.Properties.Accumulating[0] != nil {
		t.Error("expected non-finite values normalized to absent")
	}
}

func TestStoreDatum_Validation(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	id := streamID(t, svc)

	err := svc.StoreDatum(ctx, &datum.Datum{StreamID: id})
	if !errors.Is(err, errors.ErrInvalidTimestamp) {
		t.Errorf("expected ErrInvalidTimestamp, got %v", err)
	}

	err = svc.StoreDatum(ctx, &datum.Datum{
		StreamID:  id,
		Timestamp: ts(12, 0),
		Properties: datum.Properties{
			Instantaneous: []*float64{datum.Float(1), datum.Float(2)},
		},
	})
	if !errors.Is(err, errors.ErrMismatchedProperties) {
		t.Errorf("expected ErrMismatchedProperties, got %v", err)
	}

	err = svc.StoreDatum(ctx, &datum.Datum{StreamID: "ghost", Timestamp: ts(12, 0)})
	if !errors.IsNotFound(err) {
		t.Errorf("expected not-found for unknown stream, got %v", err)
	}
}

func TestDeleteDatum_Track(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	id := streamID(t, svc)

	storeDatum(t, svc, id, ts(12, 0), 50, 100)
	storeDatum(t, svc, id, ts(12, 30), 55, 101)
	if _, err := svc.Drain(ctx); err != nil {
		t.Fatal(err)
	}

	count, keys, err := svc.DeleteDatum(ctx, id, ts(12, 0), ts(13, 0), true)
	if err != nil {
		t.Fatal(err)
	}
	if count != 2 || len(keys) != 2 {
		t.Fatalf("expected 2 tracked deletions, got count=%d keys=%d", count, len(keys))
	}

	// Untracked deletion reports the count only.
	storeDatum(t, svc, id, ts(14, 0), 50, 100)
	count, keys, err = svc.DeleteDatum(ctx, id, ts(14, 0), ts(15, 0), false)
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 || keys != nil {
		t.Errorf("expected count without keys, got count=%d keys=%v", count, keys)
	}

	// Reprocessing after full deletion removes the aggregate rows.
	if _, err := svc.Drain(ctx); err != nil {
		t.Fatal(err)
	}
	aggs, err := svc.Aggregates(ctx, id, datum.LevelHour, ts(12, 0), ts(15, 0))
	if err != nil {
		t.Fatal(err)
	}
	if len(aggs) != 0 {
		t.Errorf("expected no aggregates after deletion, got %d", len(aggs))
	}
}

func TestStoreReset_SplitsDiff(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	id := streamID(t, svc)

	storeDatum(t, svc, id, ts(12, 0), 50, 100)
	storeDatum(t, svc, id, ts(12, 30), 55, 101)
	storeDatum(t, svc, id, ts(13, 0), 60, 2)

	err := svc.StoreReset(ctx, &datum.Auxiliary{
		StreamID:  id,
		Timestamp: ts(12, 45),
		Final:     datum.Properties{Accumulating: []*float64{datum.Float(101)}},
		Start:     datum.Properties{Accumulating: []*float64{datum.Float(0)}},
	})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := svc.Drain(ctx); err != nil {
		t.Fatal(err)
	}

	aggs, err := svc.Aggregates(ctx, id, datum.LevelHour, ts(12, 0), ts(13, 0))
	if err != nil {
		t.Fatal(err)
	}
	if len(aggs) != 1 {
		t.Fatalf("expected 1 aggregate, got %d", len(aggs))
	}
	// (101-100) + (2-0) across the reset.
	if got := *aggs[0].Properties.Accumulating[0]; got != 3 {
		t.Errorf("expected split diff 3, got %v", got)
	}
}

func TestAround(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	id := streamID(t, svc)

	storeDatum(t, svc, id, ts(12, 0), 50, 100)
	storeDatum(t, svc, id, ts(12, 30), 55, 101)

	rows, err := svc.Around(ctx, id, ts(12, 30))
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || !rows[0].Timestamp.Equal(ts(12, 30)) {
		t.Fatalf("expected exact match, got %d rows", len(rows))
	}

	rows, err = svc.Around(ctx, id, ts(12, 15))
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected earlier+later pair, got %d rows", len(rows))
	}

	rows, err = svc.Around(ctx, "ghost", ts(12, 0))
	if err != nil || rows != nil {
		t.Errorf("expected empty result for unknown stream, got %v, %v", rows, err)
	}
}

func TestCalendarThroughService(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	id := streamID(t, svc)

	// Two consecutive Saturdays.
	for _, day := range []int{15, 22} {
		at := time.Date(2024, 6, day, 12, 0, 0, 0, time.UTC)
		storeDatum(t, svc, id, at, 50, 100)
		storeDatum(t, svc, id, at.Add(time.Hour), 60, 103)
	}
	if _, err := svc.Drain(ctx); err != nil {
		t.Fatal(err)
	}

	rows, err := svc.Aggregates(ctx, id, datum.LevelDayOfWeek,
		time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 day-of-week row, got %d", len(rows))
	}
	// Anchored to the reference year: Saturday is day 6.
	want := time.Date(datum.ReferenceYear, 1, 6, 0, 0, 0, 0, time.UTC)
	if !rows[0].Start.Equal(want) {
		t.Errorf("expected anchor %v, got %v", want, rows[0].Start)
	}

	if _, err := svc.Calendar(ctx, id, datum.LevelHour, ts(0, 0), ts(23, 0)); !errors.Is(err, errors.ErrInvalidLevel) {
		t.Error("expected ErrInvalidLevel for non-calendar level")
	}
}

func TestExport(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	id := streamID(t, svc)

	storeDatum(t, svc, id, ts(12, 0), 50, 100)
	storeDatum(t, svc, id, ts(13, 0), 60, 103)
	if _, err := svc.Drain(ctx); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	n, err := svc.Export(ctx, &buf, id, datum.LevelHour, ts(12, 0), ts(14, 0))
	if err != nil {
		t.Fatal(err)
	}
	if n == 0 {
		t.Fatal("expected exported rows")
	}
	if buf.Len() == 0 {
		t.Fatal("expected parquet bytes")
	}
}
