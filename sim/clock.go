/*
Package sim provides the simulation time primitives.

PURPOSE:
  The whole system runs on a single simulated clock: a month counter plus a
  day-granular date. Nothing in the engine reads wall-clock time; the clock
  is an explicit value threaded through every executor call, which keeps the
  engine deterministic and trivially testable with synthetic dates.

KEY CONCEPTS:
  - Date:  a calendar day (no time-of-day, no zone)
  - Clock: the global simulation position (month counter + date)

CALENDAR RULES:
  - Advancing the clock moves exactly one calendar month and clamps the day
    to the target month's length (Jan 31 -> Feb 28/29).
  - Holding-period boundaries are computed by adding whole calendar years,
    normalized by the standard library (a Feb 29 lot gets a Mar 1 boundary
    in non-leap years). Tax brackets depend on this exact behavior.

SEE ALSO:
  - tax/regressive.go: calendar-year bracket lookups built on Date
  - engine/evolve.go:  the only writer of the Clock
*/
package sim

import (
	"fmt"
	"time"
)

// =============================================================================
// DATE - Day-granular calendar date
// =============================================================================

// DateFormat is the ISO-8601 form used everywhere dates are serialized.
const DateFormat = "2006-01-02"

// Date represents a calendar day with no finer granularity.
type Date struct {
	y int
	m time.Month
	d int
}

// NewDate returns a normalized Date for the given year, month, and day.
func NewDate(year int, month time.Month, day int) Date {
	d := Date{year, month, day}
	d.y, d.m, d.d = d.time().Date()
	return d
}

// ParseDate parses an ISO-8601 (YYYY-MM-DD) date string.
func ParseDate(s string) (Date, error) {
	t, err := time.Parse(DateFormat, s)
	if err != nil {
		return Date{}, fmt.Errorf("invalid date %q: %w", s, err)
	}
	return NewDate(t.Date()), nil
}

// MustParseDate is ParseDate for trusted literals; it panics on error.
func MustParseDate(s string) Date {
	d, err := ParseDate(s)
	if err != nil {
		panic(err)
	}
	return d
}

func (d Date) time() time.Time {
	return time.Date(d.y, d.m, d.d, 0, 0, 0, 0, time.UTC)
}

func (d Date) Year() int         { return d.y }
func (d Date) Month() time.Month { return d.m }
func (d Date) Day() int          { return d.d }
func (d Date) IsZero() bool      { return d.y == 0 && d.d == 0 }

func (d Date) String() string { return d.time().Format(DateFormat) }

// Comparison
func (d Date) Before(x Date) bool { return d.time().Before(x.time()) }
func (d Date) After(x Date) bool  { return d.time().After(x.time()) }
func (d Date) Equal(x Date) bool  { return d == x }

// AddDays returns the date n days later (negative n for earlier).
func (d Date) AddDays(n int) Date { return NewDate(d.y, d.m, d.d+n) }

// AddYears returns the date n whole calendar years later, normalized by the
// standard library: Feb 29 + 1y lands on Mar 1. Bracket boundaries rely on
// this leap adjustment.
func (d Date) AddYears(n int) Date {
	return NewDate(d.time().AddDate(n, 0, 0).Date())
}

// AddMonthsClamped returns the date n months later with the day-of-month
// clamped to the target month's length, never spilling into the next month.
func (d Date) AddMonthsClamped(n int) Date {
	first := time.Date(d.y, d.m+time.Month(n), 1, 0, 0, 0, 0, time.UTC)
	lastDay := first.AddDate(0, 1, -1).Day()
	day := d.d
	if day > lastDay {
		day = lastDay
	}
	return NewDate(first.Year(), first.Month(), day)
}

// DaysBetween returns the whole days from a to b (negative if b is earlier).
func DaysBetween(a, b Date) int {
	return int(b.time().Sub(a.time()).Hours() / 24)
}

// MarshalJSON / UnmarshalJSON serialize as "YYYY-MM-DD".
func (d Date) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.String() + `"`), nil
}

func (d *Date) UnmarshalJSON(b []byte) error {
	s := string(b)
	if len(s) < 2 || s[0] != '"' || s[len(s)-1] != '"' {
		return fmt.Errorf("invalid date json: %s", s)
	}
	parsed, err := ParseDate(s[1 : len(s)-1])
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// =============================================================================
// CLOCK - Global simulation position
// =============================================================================

// Clock is the single global simulation clock: a monotonically increasing
// month counter and the corresponding calendar date. Only the time-evolution
// scheduler advances it.
type Clock struct {
	Month int  `json:"month"`
	Date  Date `json:"date"`
}

// Next returns the clock advanced by exactly one month.
func (c Clock) Next() Clock {
	return Clock{Month: c.Month + 1, Date: c.Date.AddMonthsClamped(1)}
}
