package datum

import (
	"fmt"
	"time"
)

// Level represents a rollup granularity.
type Level int

const (
	// LevelHour is the finest rollup, computed directly from raw datum.
	LevelHour Level = iota
	// LevelDay is computed from hourly aggregates, calendar-aligned in the
	// stream's time zone.
	LevelDay
	// LevelMonth is computed from daily aggregates.
	LevelMonth
	// LevelYear is computed from monthly aggregates.
	LevelYear
	// LevelDayOfWeek is a calendar-normalized rollup of daily aggregates
	// grouped by weekday, anchored to the reference year.
	LevelDayOfWeek
	// LevelHourOfYear is a calendar-normalized rollup of hourly aggregates
	// grouped by hour-of-(non-leap)-year, anchored to the reference year.
	LevelHourOfYear
)

// ReferenceYear anchors calendar-normalized rollup rows. 2001 is a non-leap
// year that starts on a Monday.
const ReferenceYear = 2001

// HoursPerNormalYear is the number of hours in a non-leap year.
const HoursPerNormalYear = 8760

// String returns the string representation of the level.
func (l Level) String() string {
	switch l {
	case LevelHour:
		return "hour"
	case LevelDay:
		return "day"
	case LevelMonth:
		return "month"
	case LevelYear:
		return "year"
	case LevelDayOfWeek:
		return "day-of-week"
	case LevelHourOfYear:
		return "hour-of-year"
	default:
		return fmt.Sprintf("unknown(%d)", l)
	}
}

// ParseLevel parses a string into a Level.
func ParseLevel(s string) (Level, error) {
	switch s {
	case "hour":
		return LevelHour, nil
	case "day":
		return LevelDay, nil
	case "month":
		return LevelMonth, nil
	case "year":
		return LevelYear, nil
	case "day-of-week":
		return LevelDayOfWeek, nil
	case "hour-of-year":
		return LevelHourOfYear, nil
	default:
		return LevelHour, fmt.Errorf("unknown level: %s", s)
	}
}

// IsCalendar returns true for the calendar-normalized levels, which are
// computed on demand rather than staleness-tracked.
func (l Level) IsCalendar() bool {
	return l == LevelDayOfWeek || l == LevelHourOfYear
}

// Child returns the level whose aggregates this level is computed from.
// LevelHour is computed from raw datum and returns itself.
func (l Level) Child() Level {
	switch l {
	case LevelDay:
		return LevelHour
	case LevelMonth:
		return LevelDay
	case LevelYear:
		return LevelMonth
	case LevelDayOfWeek:
		return LevelDay
	case LevelHourOfYear:
		return LevelHour
	default:
		return LevelHour
	}
}

// Parent returns the next coarser staleness-tracked level, if any.
func (l Level) Parent() (Level, bool) {
	switch l {
	case LevelHour:
		return LevelDay, true
	case LevelDay:
		return LevelMonth, true
	case LevelMonth:
		return LevelYear, true
	default:
		return l, false
	}
}

// TrackedLevels returns the staleness-tracked levels in draining order,
// finest first. Calendar-normalized levels are excluded; they are computed
// on demand.
func TrackedLevels() []Level {
	return []Level{LevelHour, LevelDay, LevelMonth, LevelYear}
}

// Truncate returns the start of the bucket containing ts at this level.
// Hour buckets are fixed-width; day, month and year buckets are
// calendar-aligned in the supplied location.
func (l Level) Truncate(ts time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	t := ts.In(loc)
	switch l {
	case LevelHour:
		return ts.Truncate(time.Hour)
	case LevelDay:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
	case LevelMonth:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, loc)
	case LevelYear:
		return time.Date(t.Year(), 1, 1, 0, 0, 0, 0, loc)
	default:
		return ts.Truncate(time.Hour)
	}
}

// Next returns the start of the bucket following the bucket that begins at
// start. Calendar arithmetic keeps month and year buckets correct across
// variable month lengths and DST transitions.
func (l Level) Next(start time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	switch l {
	case LevelHour:
		return start.Add(time.Hour)
	case LevelDay:
		return start.In(loc).AddDate(0, 0, 1)
	case LevelMonth:
		return start.In(loc).AddDate(0, 1, 0)
	case LevelYear:
		return start.In(loc).AddDate(1, 0, 0)
	default:
		return start.Add(time.Hour)
	}
}

// DayOfWeekAnchor returns the reference timestamp for a weekday rollup row.
// Weekday runs 1 (Monday) through 7 (Sunday); rows anchor to the first ISO
// week of the reference year.
func DayOfWeekAnchor(weekday int) time.Time {
	return time.Date(ReferenceYear, 1, weekday, 0, 0, 0, 0, time.UTC)
}

// HourOfYearAnchor returns the reference timestamp for an hour-of-year
// rollup row. Hour runs 0 through 8759.
func HourOfYearAnchor(hour int) time.Time {
	return time.Date(ReferenceYear, 1, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(hour) * time.Hour)
}

// NormalizedWeekday maps a time to its 1-7 (Monday-Sunday) weekday.
func NormalizedWeekday(t time.Time) int {
	wd := int(t.Weekday())
	if wd == 0 {
		wd = 7
	}
	return wd
}

// NormalizedHourOfYear maps a local time to its hour index within a
// non-leap year, or -1 for Feb 29 sources, which are excluded from
// normalization.
func NormalizedHourOfYear(t time.Time) int {
	if t.Month() == time.February && t.Day() == 29 {
		return -1
	}
	day := t.YearDay()
	// Collapse post-leap-day dates onto the non-leap calendar.
	if isLeap(t.Year()) && day > 59 {
		day--
	}
	return (day-1)*24 + t.Hour()
}

func isLeap(year int) bool {
	return year%4 == 0 && (year%100 != 0 || year%400 == 0)
}
