package sim_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antonragin/pgbl-vgbl-portal/sim"
)

func TestDate_ParseAndString_RoundTrip(t *testing.T) {
	d, err := sim.ParseDate("2026-02-28")
	require.NoError(t, err)
	assert.Equal(t, "2026-02-28", d.String())
	assert.Equal(t, 2026, d.Year())
	assert.Equal(t, time.February, d.Month())
	assert.Equal(t, 28, d.Day())
}

func TestDate_Parse_Invalid(t *testing.T) {
	_, err := sim.ParseDate("28/02/2026")
	assert.Error(t, err)
}

func TestDate_AddYears_LeapDayNormalizes(t *testing.T) {
	// A Feb 29 lot gets a Mar 1 boundary in non-leap years.
	leap := sim.MustParseDate("2024-02-29")
	assert.Equal(t, "2026-03-01", leap.AddYears(2).String())
	// But a leap-to-leap jump keeps Feb 29.
	assert.Equal(t, "2028-02-29", leap.AddYears(4).String())
}

func TestDate_AddMonthsClamped(t *testing.T) {
	// GIVEN: Jan 31
	// WHEN: advancing one month
	// THEN: day clamps to Feb 28 (or 29 in leap years), never Mar 2
	assert.Equal(t, "2026-02-28", sim.MustParseDate("2026-01-31").AddMonthsClamped(1).String())
	assert.Equal(t, "2024-02-29", sim.MustParseDate("2024-01-31").AddMonthsClamped(1).String())
	assert.Equal(t, "2026-04-30", sim.MustParseDate("2026-03-31").AddMonthsClamped(1).String())
	// December wraps the year.
	assert.Equal(t, "2027-01-15", sim.MustParseDate("2026-12-15").AddMonthsClamped(1).String())
}

func TestDaysBetween(t *testing.T) {
	a := sim.MustParseDate("2026-01-01")
	b := sim.MustParseDate("2026-01-31")
	assert.Equal(t, 30, sim.DaysBetween(a, b))
	assert.Equal(t, -30, sim.DaysBetween(b, a))
}

func TestClock_Next_StrictlyIncreasing(t *testing.T) {
	c := sim.Clock{Month: 0, Date: sim.MustParseDate("2026-01-31")}

	c = c.Next()
	assert.Equal(t, 1, c.Month)
	assert.Equal(t, "2026-02-28", c.Date.String())

	// Once clamped, the day stays clamped on later steps.
	c = c.Next()
	assert.Equal(t, 2, c.Month)
	assert.Equal(t, "2026-03-28", c.Date.String())
}

func TestDate_JSONRoundTrip(t *testing.T) {
	d := sim.MustParseDate("2026-06-15")
	b, err := d.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `"2026-06-15"`, string(b))

	var back sim.Date
	require.NoError(t, back.UnmarshalJSON(b))
	assert.True(t, back.Equal(d))
}
