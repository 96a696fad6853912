package aggregate

import (
	"fmt"
	"time"
)

// Period type names as persisted in cost_aggregates.period_type.
const (
	PeriodHourly  = "hourly"
	PeriodDaily   = "daily"
	PeriodWeekly  = "weekly"
	PeriodMonthly = "monthly"
)

// AllPeriodTypes is the default set maintained for every append.
var AllPeriodTypes = []string{PeriodHourly, PeriodDaily, PeriodWeekly, PeriodMonthly}

// ValidPeriodType reports whether s names a known period type.
func ValidPeriodType(s string) bool {
	switch s {
	case PeriodHourly, PeriodDaily, PeriodWeekly, PeriodMonthly:
		return true
	}
	return false
}

// WindowFor returns the [start, end) aggregation window of the given
// period type containing ts. All windows are UTC; weeks start Monday.
func WindowFor(periodType string, ts time.Time) (time.Time, time.Time, error) {
	t := ts.UTC()
	switch periodType {
	case PeriodHourly:
		start := t.Truncate(time.Hour)
		return start, start.Add(time.Hour), nil
	case PeriodDaily:
		start := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
		return start, start.AddDate(0, 0, 1), nil
	case PeriodWeekly:
		day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
		// Monday-start: time.Weekday has Sunday == 0.
		offset := (int(day.Weekday()) + 6) % 7
		start := day.AddDate(0, 0, -offset)
		return start, start.AddDate(0, 0, 7), nil
	case PeriodMonthly:
		start := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
		return start, start.AddDate(0, 1, 0), nil
	default:
		return time.Time{}, time.Time{}, fmt.Errorf("unknown period type %q", periodType)
	}
}
