package schedule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustPolicy(t *testing.T, cfg Config, at time.Time) *Policy {
	t.Helper()
	p, err := NewPolicy(cfg, &FixedClock{T: at})
	require.NoError(t, err)
	return p
}

func eastern(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	return loc
}

func TestInBusinessHours(t *testing.T) {
	loc := eastern(t)
	p := mustPolicy(t, DefaultConfig(), time.Time{})

	tests := []struct {
		name string
		t    time.Time
		want bool
	}{
		// 2026-08-26 is a Wednesday.
		{"mid window weekday", time.Date(2026, 8, 26, 14, 0, 0, 0, loc), true},
		{"at open", time.Date(2026, 8, 26, 11, 0, 0, 0, loc), true},
		{"minute before open", time.Date(2026, 8, 26, 10, 59, 0, 0, loc), false},
		{"at close", time.Date(2026, 8, 26, 20, 0, 0, 0, loc), false},
		{"minute before close", time.Date(2026, 8, 26, 19, 59, 0, 0, loc), true},
		{"saturday", time.Date(2026, 8, 29, 14, 0, 0, 0, loc), false},
		{"sunday", time.Date(2026, 8, 30, 14, 0, 0, 0, loc), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, p.InBusinessHours(tt.t))
		})
	}
}

func TestBlackoutDates(t *testing.T) {
	loc := eastern(t)
	cfg := DefaultConfig()
	cfg.BlackoutDates = []string{"2026-12-25"}
	p := mustPolicy(t, cfg, time.Time{})

	christmas := time.Date(2026, 12, 25, 12, 0, 0, 0, loc)
	assert.True(t, p.IsBlackoutDate(christmas))
	assert.False(t, p.DispatchAllowed(christmas))

	// 2026-12-28 is a Monday.
	after := time.Date(2026, 12, 28, 12, 0, 0, 0, loc)
	assert.False(t, p.IsBlackoutDate(after))
	assert.True(t, p.DispatchAllowed(after))
}

func TestInvalidConfigRejected(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Timezone = "Mars/Olympus"
	_, err := NewPolicy(cfg, nil)
	assert.Error(t, err)

	cfg = DefaultConfig()
	cfg.BusinessHoursEnd = "09:00" // before start
	_, err = NewPolicy(cfg, nil)
	assert.Error(t, err)

	cfg = DefaultConfig()
	cfg.BlackoutDates = []string{"december 25"}
	_, err = NewPolicy(cfg, nil)
	assert.Error(t, err)
}

func TestSameDayAndKeys(t *testing.T) {
	loc := eastern(t)
	p := mustPolicy(t, DefaultConfig(), time.Time{})

	a := time.Date(2026, 8, 26, 23, 30, 0, 0, loc)
	b := time.Date(2026, 8, 26, 0, 15, 0, 0, loc)
	c := time.Date(2026, 8, 27, 0, 15, 0, 0, loc)

	assert.True(t, p.SameDay(a, b))
	assert.False(t, p.SameDay(a, c))

	// A UTC instant late on the 26th UTC is still the 26th in Eastern.
	utc := time.Date(2026, 8, 27, 2, 0, 0, 0, time.UTC) // 22:00 on the 26th Eastern
	assert.True(t, p.SameDay(a, utc))

	assert.Equal(t, "2026-08-26", p.DayKey(a))
	assert.Equal(t, "2026-08", p.MonthKey(a))
}

func TestNextResetMidnight(t *testing.T) {
	loc := eastern(t)
	p := mustPolicy(t, DefaultConfig(), time.Time{})

	at := time.Date(2026, 8, 26, 19, 30, 0, 0, loc)
	want := time.Date(2026, 8, 27, 0, 0, 0, 0, loc)
	assert.True(t, p.NextReset(at).Equal(want))
}

func TestNextResetBusinessHours(t *testing.T) {
	loc := eastern(t)
	cfg := DefaultConfig()
	cfg.ResetTiming = ResetBusinessHours
	p := mustPolicy(t, cfg, time.Time{})

	// Before pre-open: next is 10:55 today.
	at := time.Date(2026, 8, 26, 8, 0, 0, 0, loc)
	assert.True(t, p.NextReset(at).Equal(time.Date(2026, 8, 26, 10, 55, 0, 0, loc)))

	// Mid-day: next is close at 20:00.
	at = time.Date(2026, 8, 26, 14, 0, 0, 0, loc)
	assert.True(t, p.NextReset(at).Equal(time.Date(2026, 8, 26, 20, 0, 0, 0, loc)))

	// After close: next is 10:55 tomorrow.
	at = time.Date(2026, 8, 26, 21, 0, 0, 0, loc)
	assert.True(t, p.NextReset(at).Equal(time.Date(2026, 8, 27, 10, 55, 0, 0, loc)))
}

func TestDayGapEligible(t *testing.T) {
	loc := eastern(t)
	p := mustPolicy(t, DefaultConfig(), time.Time{})

	start := time.Date(2026, 8, 26, 15, 30, 0, 0, loc)

	// Gap zero is immediate.
	assert.True(t, p.DayGapEligible(start, 0).Equal(start))

	// Gap one lands at open the next calendar day.
	assert.True(t, p.DayGapEligible(start, 1).Equal(time.Date(2026, 8, 27, 11, 0, 0, 0, loc)))

	// Gap three: measured from the enqueue day, not the prior send.
	assert.True(t, p.DayGapEligible(start, 3).Equal(time.Date(2026, 8, 29, 11, 0, 0, 0, loc)))
}

func TestLoadPolicyWritesDefaults(t *testing.T) {
	path := t.TempDir() + "/scheduler-config.json"
	p, err := LoadPolicy(path, &FixedClock{T: time.Now()})
	require.NoError(t, err)
	assert.Equal(t, DefaultTimezone, p.Config().Timezone)

	// The default file should now exist and reload cleanly.
	p2, err := LoadPolicy(path, nil)
	require.NoError(t, err)
	assert.Equal(t, p.Config(), p2.Config())
}
