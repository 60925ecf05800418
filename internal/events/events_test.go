package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sebas/outdial/internal/schedule"
)

var loc = func() *time.Location {
	l, err := time.LoadLocation("America/New_York")
	if err != nil {
		panic(err)
	}
	return l
}()

func testPolicy(t *testing.T, at time.Time) *schedule.Policy {
	t.Helper()
	p, err := schedule.NewPolicy(schedule.DefaultConfig(), &schedule.FixedClock{T: at})
	require.NoError(t, err)
	return p
}

func TestBuilderMasksPhone(t *testing.T) {
	b := NewBuilder("node-1")
	now := time.Date(2026, 8, 26, 11, 6, 0, 0, loc)

	e := b.CallCompleted("5551234567", "lead-1", "call-1", 1, "voicemail", "voicemail", "pending", "pending", now)
	assert.NotEmpty(t, e.ID)
	assert.Equal(t, CallCompleted, e.Type)
	assert.Equal(t, "******4567", e.Phone)
	assert.Equal(t, "node-1", e.NodeID)

	e2 := b.CallCompleted("5551234567", "lead-1", "call-2", 2, "busy", "busy", "pending", "pending", now)
	assert.NotEqual(t, e.ID, e2.ID)
}

func TestLogAppendAndDayRoll(t *testing.T) {
	day1 := time.Date(2026, 8, 26, 11, 0, 0, 0, loc)
	p := testPolicy(t, day1)
	l, err := NewLog(t.TempDir(), 0, p)
	require.NoError(t, err)

	b := NewBuilder("node-1")
	l.Append(b.SMSInbound("5551234567", "stop", day1))
	l.Append(b.SMSOptedOut("5551234567", "lead-1", day1))
	assert.Len(t, l.Today(day1), 2)

	// Next policy day starts a fresh shard.
	day2 := day1.AddDate(0, 0, 1)
	l.Append(b.DailyReset(3, day2))
	assert.Len(t, l.Today(day2), 1)
}

func TestLogBound(t *testing.T) {
	now := time.Date(2026, 8, 26, 11, 0, 0, 0, loc)
	p := testPolicy(t, now)
	l, err := NewLog(t.TempDir(), 2, p)
	require.NoError(t, err)

	b := NewBuilder("")
	for i := 0; i < 5; i++ {
		l.Append(b.SMSInbound("5551234567", "other", now))
	}
	assert.Len(t, l.Today(now), 2)
}

func TestLogSweepRetention(t *testing.T) {
	now := time.Date(2026, 8, 26, 11, 0, 0, 0, loc)
	p := testPolicy(t, now)
	dir := t.TempDir()
	l, err := NewLog(dir, 0, p)
	require.NoError(t, err)

	b := NewBuilder("")
	old := b.SMSInbound("5551234567", "other", now.AddDate(0, 0, -45))
	l.Append(old)
	l.Append(b.SMSInbound("5551234567", "other", now))

	removed, err := l.SweepRetention(now, 30)
	require.NoError(t, err)
	assert.Equal(t, []string{"2026-07-12"}, removed)
}
