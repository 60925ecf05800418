package sms

import (
	"path/filepath"
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

// 2026-08-26 is a Wednesday.
func at(hour, min int) time.Time {
	return time.Date(2026, 8, 26, hour, min, 0, 0, loc)
}

func newTestScheduler(t *testing.T) *Scheduler {
	t.Helper()
	p, err := schedule.NewPolicy(schedule.DefaultConfig(), &schedule.FixedClock{T: at(11, 0)})
	require.NoError(t, err)
	s, err := NewScheduler(filepath.Join(t.TempDir(), "sms-pending-leads.json"), DefaultConfig(), p)
	require.NoError(t, err)
	return s
}

func TestEnqueueIsImmediatelyEligible(t *testing.T) {
	s := newTestScheduler(t)
	now := at(11, 6)

	require.NoError(t, s.Enqueue(Record{Phone: "+15551234567", LeadID: "lead-1", FirstName: "Ana"}, now))

	rec, ok := s.Get("5551234567")
	require.True(t, ok)
	assert.Equal(t, StatusActive, rec.Status)
	assert.Equal(t, 0, rec.SequencePosition)
	assert.True(t, rec.NextEligibleAt.Equal(now))

	elig := s.Eligible(now)
	require.Len(t, elig, 1)
	assert.Equal(t, "5551234567", elig[0].Phone)
}

func TestSequenceAdvancesFromEnqueueInstant(t *testing.T) {
	s := newTestScheduler(t)
	enq := at(11, 6)
	require.NoError(t, s.Enqueue(Record{Phone: "5551234567", LeadID: "lead-1"}, enq))

	rec, err := s.MarkSent("5551234567", "msg-1", at(11, 7))
	require.NoError(t, err)
	assert.Equal(t, 1, rec.SequencePosition)
	// D[1] = 1 day: eligible at opening time the next policy day,
	// measured from the enqueue instant.
	wantDay2 := time.Date(2026, 8, 27, 11, 0, 0, 0, loc)
	assert.True(t, rec.NextEligibleAt.Equal(wantDay2), "got %v", rec.NextEligibleAt)

	// Not eligible before then.
	assert.Empty(t, s.Eligible(at(18, 0)))

	rec, err = s.MarkSent("5551234567", "msg-2", wantDay2.Add(5*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 2, rec.SequencePosition)
	// D[2] = 3 days from enqueue, not from the second send.
	wantDay4 := time.Date(2026, 8, 29, 11, 0, 0, 0, loc)
	assert.True(t, rec.NextEligibleAt.Equal(wantDay4), "got %v", rec.NextEligibleAt)
}

func TestSequenceCompletesAfterLastMessage(t *testing.T) {
	s := newTestScheduler(t)
	enq := at(11, 6)
	require.NoError(t, s.Enqueue(Record{Phone: "5551234567"}, enq))

	sendAt := enq
	for i := 1; i <= 4; i++ {
		rec, err := s.MarkSent("5551234567", "msg", sendAt)
		require.NoError(t, err)
		assert.Equal(t, i, rec.SequencePosition, "position never decreases")
		sendAt = rec.NextEligibleAt.Add(time.Minute)
	}

	rec, ok := s.Get("5551234567")
	require.True(t, ok)
	assert.Equal(t, StatusCompleted, rec.Status)
	assert.Len(t, rec.Messages, 4)

	// No further sends.
	assert.Empty(t, s.Eligible(sendAt.AddDate(0, 0, 30)))
	_, err := s.MarkSent("5551234567", "extra", sendAt)
	assert.Error(t, err)
}

func TestReEnqueueResetsActiveSequence(t *testing.T) {
	s := newTestScheduler(t)
	require.NoError(t, s.Enqueue(Record{Phone: "5551234567"}, at(11, 6)))
	_, err := s.MarkSent("5551234567", "msg-1", at(11, 7))
	require.NoError(t, err)

	// A later voicemail restarts the sequence from the top.
	require.NoError(t, s.Enqueue(Record{Phone: "5551234567"}, at(15, 0)))
	rec, ok := s.Get("5551234567")
	require.True(t, ok)
	assert.Equal(t, 0, rec.SequencePosition)
	assert.True(t, rec.EnqueuedAt.Equal(at(15, 0)))
}

func TestOptOutIsPermanent(t *testing.T) {
	s := newTestScheduler(t)
	require.NoError(t, s.Enqueue(Record{Phone: "5551234567"}, at(11, 6)))

	existed, err := s.OptOut("555-123-4567", at(12, 0))
	require.NoError(t, err)
	assert.True(t, existed)

	rec, ok := s.Get("5551234567")
	require.True(t, ok)
	assert.Equal(t, StatusOptedOut, rec.Status)
	assert.Empty(t, s.Eligible(at(13, 0)))

	// A later voicemail never resurrects an opted-out sequence.
	require.NoError(t, s.Enqueue(Record{Phone: "5551234567"}, at(14, 0)))
	rec, _ = s.Get("5551234567")
	assert.Equal(t, StatusOptedOut, rec.Status)

	// Opt-out with no record reports absence.
	existed, err = s.OptOut("5559999999", at(12, 0))
	require.NoError(t, err)
	assert.False(t, existed)
}

func TestSendErrorDefersWithoutAdvancing(t *testing.T) {
	s := newTestScheduler(t)
	require.NoError(t, s.Enqueue(Record{Phone: "5551234567"}, at(11, 6)))

	require.NoError(t, s.SendError("5551234567", at(11, 10)))
	rec, ok := s.Get("5551234567")
	require.True(t, ok)
	assert.Equal(t, 0, rec.SequencePosition)
	assert.True(t, rec.NextEligibleAt.Equal(at(11, 40)))
}

func TestMessageRendering(t *testing.T) {
	s := newTestScheduler(t)

	msg, err := s.Message(Record{FirstName: "Ana", SequencePosition: 0})
	require.NoError(t, err)
	assert.Contains(t, msg, "Hi Ana,")

	_, err = s.Message(Record{SequencePosition: 9})
	assert.Error(t, err)
}

func TestEligibleOrdering(t *testing.T) {
	s := newTestScheduler(t)
	require.NoError(t, s.Enqueue(Record{Phone: "5550000001"}, at(11, 30)))
	require.NoError(t, s.Enqueue(Record{Phone: "5550000002"}, at(11, 10)))

	elig := s.Eligible(at(12, 0))
	require.Len(t, elig, 2)
	assert.Equal(t, "5550000002", elig[0].Phone)
	assert.Equal(t, "5550000001", elig[1].Phone)
}

func TestPersistAcrossRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sms-pending-leads.json")
	p, err := schedule.NewPolicy(schedule.DefaultConfig(), &schedule.FixedClock{T: at(11, 0)})
	require.NoError(t, err)

	s, err := NewScheduler(path, DefaultConfig(), p)
	require.NoError(t, err)
	require.NoError(t, s.Enqueue(Record{Phone: "5551234567", LeadID: "lead-1"}, at(11, 6)))
	_, err = s.MarkSent("5551234567", "msg-1", at(11, 7))
	require.NoError(t, err)

	s2, err := NewScheduler(path, DefaultConfig(), p)
	require.NoError(t, err)
	rec, ok := s2.Get("5551234567")
	require.True(t, ok)
	assert.Equal(t, 1, rec.SequencePosition)
	require.Len(t, rec.Messages, 1)
	assert.Equal(t, "msg-1", rec.Messages[0].MsgID)
}

func TestInvalidConfig(t *testing.T) {
	p, err := schedule.NewPolicy(schedule.DefaultConfig(), &schedule.FixedClock{T: at(11, 0)})
	require.NoError(t, err)

	bad := DefaultConfig()
	bad.DayGaps = []int{0, 1}
	_, err = NewScheduler(filepath.Join(t.TempDir(), "x.json"), bad, p)
	assert.Error(t, err)

	bad = DefaultConfig()
	bad.DayGaps = []int{0, 3, 1, 7}
	_, err = NewScheduler(filepath.Join(t.TempDir(), "x.json"), bad, p)
	assert.Error(t, err)
}

func TestSweepCompleted(t *testing.T) {
	s := newTestScheduler(t)
	require.NoError(t, s.Enqueue(Record{Phone: "5551234567"}, at(11, 6)))
	require.NoError(t, s.Cancel("5551234567", "test", at(11, 30)))
	require.NoError(t, s.Enqueue(Record{Phone: "5559876543"}, at(11, 6)))

	removed := s.SweepCompleted(at(11, 30).Add(31*24*time.Hour), 30*24*time.Hour)
	assert.Equal(t, 1, removed)

	_, ok := s.Get("5551234567")
	assert.False(t, ok)
	_, ok = s.Get("5559876543")
	assert.True(t, ok)
}
