package audit

import (
	"context"
	"testing"
	"time"

	"github.com/xtxerr/meterflow/internal/datum"
	"github.com/xtxerr/meterflow/internal/storage/memrepo"
	"github.com/xtxerr/meterflow/internal/storage/stale"
)

func TestRecordDatumWrite(t *testing.T) {
	mem := memrepo.New()
	c := New(mem, stale.New(mem, 15*time.Minute))
	ctx := context.Background()

	ts := time.Date(2024, 6, 15, 12, 30, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		if err := c.RecordDatumWrite(ctx, "s1", ts, 5, time.UTC); err != nil {
			t.Fatal(err)
		}
	}

	hour := time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)
	rows, err := mem.RangeAudit(ctx, "s1", datum.LevelHour, hour, hour.Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 hour audit row, got %d", len(rows))
	}
	if rows[0].DatumCount != 3 || rows[0].PropertyCount != 15 {
		t.Errorf("unexpected counters: %+v", rows[0])
	}

	// The covering day audit rollup is pending.
	day := time.Date(2024, 6, 15, 0, 0, 0, 0, time.UTC)
	key := datum.StaleKey{StreamID: "s1", Start: day, Level: datum.LevelDay, Scope: datum.ScopeAudit}
	if !mem.HasStale(key) {
		t.Error("expected pending day audit marker")
	}
}

func TestIncrementChannel(t *testing.T) {
	mem := memrepo.New()
	c := New(mem, stale.New(mem, 15*time.Minute))
	ctx := context.Background()

	ts := time.Date(2024, 6, 15, 12, 30, 0, 0, time.UTC)
	if err := c.Increment(ctx, "s1", datum.ChannelFlux, ts, 256); err != nil {
		t.Fatal(err)
	}
	if err := c.Increment(ctx, "s1", datum.ChannelFlux, ts, 128); err != nil {
		t.Fatal(err)
	}

	hour := time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)
	rows, err := mem.RangeAudit(ctx, "s1", datum.LevelHour, hour, hour.Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || rows[0].ByteCounts[datum.ChannelFlux] != 384 {
		t.Errorf("unexpected channel counters: %+v", rows)
	}
}

func TestRollup_SumsChildren(t *testing.T) {
	mem := memrepo.New()
	c := New(mem, stale.New(mem, 15*time.Minute))
	ctx := context.Background()

	day := time.Date(2024, 6, 15, 0, 0, 0, 0, time.UTC)
	for h := 0; h < 3; h++ {
		key := datum.AuditKey{StreamID: "s1", Start: day.Add(time.Duration(h) * time.Hour), Level: datum.LevelHour}
		err := mem.IncrementAudit(ctx, key, datum.AuditDelta{
			DatumCount:    10,
			PropertyCount: 40,
			ByteCounts:    map[string]int64{datum.ChannelFlux: 100},
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	if err := c.Rollup(ctx, "s1", day, datum.LevelDay, time.UTC); err != nil {
		t.Fatal(err)
	}

	rows, err := mem.RangeAudit(ctx, "s1", datum.LevelDay, day, day.AddDate(0, 0, 1))
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 day row, got %d", len(rows))
	}
	got := rows[0]
	if got.DatumCount != 30 || got.PropertyCount != 120 || got.ByteCounts[datum.ChannelFlux] != 300 {
		t.Errorf("unexpected rollup: %+v", got)
	}

	// Day rollup cascades to the month audit rollup.
	month := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	key := datum.StaleKey{StreamID: "s1", Start: month, Level: datum.LevelMonth, Scope: datum.ScopeAudit}
	if !mem.HasStale(key) {
		t.Error("expected pending month audit marker")
	}
}
