package appointment

import "time"

// Interval is a half-open time range [Start, End).
type Interval struct {
	Start time.Time
	End   time.Time
}

func NewInterval(start time.Time, durationMinutes int) Interval {
	return Interval{
		Start: start,
		End:   start.Add(time.Duration(durationMinutes) * time.Minute),
	}
}

// Empty reports whether the interval covers no time at all. Reversed
// intervals are empty too.
func (i Interval) Empty() bool {
	return !i.End.After(i.Start)
}

func (i Interval) Duration() time.Duration {
	if i.Empty() {
		return 0
	}
	return i.End.Sub(i.Start)
}

// Overlaps is the one overlap test used for every conflict decision.
// Adjacent intervals (a.End == b.Start) do not overlap and empty intervals
// never overlap anything.
func (i Interval) Overlaps(other Interval) bool {
	if i.Empty() || other.Empty() {
		return false
	}
	return i.Start.Before(other.End) && i.End.After(other.Start)
}

// DaySpan returns the first and last calendar day touched by the
// interval, in the location of Start. The end instant is exclusive, so an
// interval ending exactly at midnight does not touch the following day.
// ok is false for an empty interval.
func (i Interval) DaySpan() (first, last time.Time, ok bool) {
	if i.Empty() {
		return time.Time{}, time.Time{}, false
	}
	first = CalendarDay(i.Start)
	last = CalendarDay(i.End.Add(-time.Nanosecond).In(i.Start.Location()))
	return first, last, true
}

func (i Interval) String() string {
	return i.Start.Format("2006-01-02 15:04") + "-" + i.End.Format("15:04")
}

// CalendarDay returns the civil date of t, in t's own location, as
// midnight UTC. That is the form stored in the appointment_date column.
func CalendarDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// endOfDay is the first instant of the day following t, in t's location.
func endOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, t.Location())
}
