package datum

import (
	"testing"
	"time"
)

func TestLevel_TruncateHour(t *testing.T) {
	ts := time.Date(2024, 6, 15, 13, 45, 12, 0, time.UTC)
	got := LevelHour.Truncate(ts, time.UTC)
	want := time.Date(2024, 6, 15, 13, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestLevel_TruncateDayLocal(t *testing.T) {
	loc, err := time.LoadLocation("Pacific/Auckland")
	if err != nil {
		t.Fatal(err)
	}

	// 11:30 UTC is already the next day in Auckland.
	ts := time.Date(2024, 6, 15, 11, 30, 0, 0, time.UTC)
	got := LevelDay.Truncate(ts, loc)
	want := time.Date(2024, 6, 15, 0, 0, 0, 0, loc)
	if !got.Equal(want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestLevel_NextMonthLengths(t *testing.T) {
	tests := []struct {
		start time.Time
		want  time.Time
	}{
		{time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)},
		{time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC), time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)},
		{time.Date(2023, 2, 1, 0, 0, 0, 0, time.UTC), time.Date(2023, 3, 1, 0, 0, 0, 0, time.UTC)},
		{time.Date(2024, 12, 1, 0, 0, 0, 0, time.UTC), time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)},
	}

	for _, tt := range tests {
		got := LevelMonth.Next(tt.start, time.UTC)
		if !got.Equal(tt.want) {
			t.Errorf("Next(%v): expected %v, got %v", tt.start, tt.want, got)
		}
	}
}

func TestLevel_ParentChain(t *testing.T) {
	if p, ok := LevelHour.Parent(); !ok || p != LevelDay {
		t.Errorf("hour parent: expected day, got %v (%v)", p, ok)
	}
	if p, ok := LevelDay.Parent(); !ok || p != LevelMonth {
		t.Errorf("day parent: expected month, got %v (%v)", p, ok)
	}
	if p, ok := LevelMonth.Parent(); !ok || p != LevelYear {
		t.Errorf("month parent: expected year, got %v (%v)", p, ok)
	}
	if _, ok := LevelYear.Parent(); ok {
		t.Error("year should have no parent")
	}
}

func TestParseLevel_RoundTrip(t *testing.T) {
	for _, l := range []Level{LevelHour, LevelDay, LevelMonth, LevelYear, LevelDayOfWeek, LevelHourOfYear} {
		got, err := ParseLevel(l.String())
		if err != nil {
			t.Fatalf("parse %q: %v", l.String(), err)
		}
		if got != l {
			t.Errorf("round trip %v: got %v", l, got)
		}
	}

	if _, err := ParseLevel("fortnight"); err == nil {
		t.Error("expected error for unknown level")
	}
}

func TestNormalizedHourOfYear(t *testing.T) {
	// First hour of the year.
	if got := NormalizedHourOfYear(time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)); got != 0 {
		t.Errorf("expected 0, got %d", got)
	}

	// Last hour of a non-leap year.
	if got := NormalizedHourOfYear(time.Date(2023, 12, 31, 23, 0, 0, 0, time.UTC)); got != 8759 {
		t.Errorf("expected 8759, got %d", got)
	}

	// Feb 29 is excluded.
	if got := NormalizedHourOfYear(time.Date(2024, 2, 29, 12, 0, 0, 0, time.UTC)); got != -1 {
		t.Errorf("expected -1 for Feb 29, got %d", got)
	}

	// Mar 1 maps to the same index in leap and non-leap years.
	leap := NormalizedHourOfYear(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC))
	nonLeap := NormalizedHourOfYear(time.Date(2023, 3, 1, 0, 0, 0, 0, time.UTC))
	if leap != nonLeap {
		t.Errorf("Mar 1 mismatch: leap=%d non-leap=%d", leap, nonLeap)
	}

	// Last hour of a leap year still lands on 8759.
	if got := NormalizedHourOfYear(time.Date(2024, 12, 31, 23, 0, 0, 0, time.UTC)); got != 8759 {
		t.Errorf("expected 8759 in leap year, got %d", got)
	}
}

func TestNormalizedWeekday(t *testing.T) {
	// 2024-06-10 is a Monday.
	if got := NormalizedWeekday(time.Date(2024, 6, 10, 0, 0, 0, 0, time.UTC)); got != 1 {
		t.Errorf("expected 1 for Monday, got %d", got)
	}
	// 2024-06-16 is a Sunday.
	if got := NormalizedWeekday(time.Date(2024, 6, 16, 0, 0, 0, 0, time.UTC)); got != 7 {
		t.Errorf("expected 7 for Sunday, got %d", got)
	}
}

func TestDayOfWeekAnchor(t *testing.T) {
	// The reference year starts on a Monday, so anchors line up with weekdays.
	for wd := 1; wd <= 7; wd++ {
		anchor := DayOfWeekAnchor(wd)
		if NormalizedWeekday(anchor) != wd {
			t.Errorf("anchor for weekday %d lands on %d", wd, NormalizedWeekday(anchor))
		}
	}
}
