package redial

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

// 2026-08-26 is a Wednesday.
func policyDay(t *testing.T, at time.Time) *schedule.Policy {
	t.Helper()
	p, err := schedule.NewPolicy(schedule.DefaultConfig(), &schedule.FixedClock{T: at})
	require.NoError(t, err)
	return p
}

func newTestQueue(t *testing.T, at time.Time) *Queue {
	t.Helper()
	q, err := NewQueue(t.TempDir(), DefaultConfig(), policyDay(t, at))
	require.NoError(t, err)
	return q
}

func at(hour, min int) time.Time {
	return time.Date(2026, 8, 26, hour, min, 0, 0, loc)
}

func TestFirstAttemptVoicemail(t *testing.T) {
	start := at(11, 5)
	q := newTestQueue(t, start)

	res, err := q.ApplyCompletion(Completion{
		CallID:  "call-1",
		Phone:   "+15551234567",
		LeadID:  "lead-1",
		Outcome: OutcomeVoicemail,
	}, at(11, 6))
	require.NoError(t, err)

	assert.True(t, res.Created)
	assert.False(t, res.Duplicate)
	rec := res.Record
	assert.Equal(t, 1, rec.Attempts)
	assert.Equal(t, 1, rec.AttemptsToday)
	assert.Equal(t, OutcomeVoicemail, rec.LastOutcome)
	assert.Equal(t, StatusPending, rec.Status)
	// I[1] = 0 is floored by the two-minute gap: 11:06 -> 11:08.
	assert.True(t, rec.NextRedialAt.Equal(at(11, 8)), "next = %v", rec.NextRedialAt)
}

func TestDuplicateCompletionIsIdempotent(t *testing.T) {
	q := newTestQueue(t, at(11, 5))

	_, err := q.ApplyCompletion(Completion{CallID: "call-1", Phone: "5551234567", Outcome: OutcomeVoicemail}, at(11, 6))
	require.NoError(t, err)

	res, err := q.ApplyCompletion(Completion{CallID: "call-1", Phone: "5551234567", Outcome: OutcomeVoicemail}, at(11, 6).Add(5*time.Second))
	require.NoError(t, err)

	assert.True(t, res.Duplicate)
	assert.Equal(t, 1, res.Record.Attempts)
	assert.True(t, res.Record.NextRedialAt.Equal(at(11, 8)))
}

func TestDuplicateTerminalStillCloses(t *testing.T) {
	q := newTestQueue(t, at(11, 5))

	_, err := q.ApplyCompletion(Completion{CallID: "call-1", Phone: "5551234567", Outcome: OutcomeVoicemail}, at(11, 6))
	require.NoError(t, err)

	// Redelivery of the same call_id, now classified terminal.
	res, err := q.ApplyCompletion(Completion{CallID: "call-1", Phone: "5551234567", Outcome: OutcomeSale}, at(11, 7))
	require.NoError(t, err)

	assert.True(t, res.Duplicate)
	assert.Equal(t, 1, res.Record.Attempts, "counters never move on duplicates")
	assert.Equal(t, StatusCompleted, res.Record.Status)
}

func TestProgressiveIntervals(t *testing.T) {
	q := newTestQueue(t, at(11, 0))

	// Third attempt completing at 12:00 uses I[3] = 5 minutes.
	now := at(12, 0)
	for i, id := range []string{"c1", "c2", "c3"} {
		res, err := q.ApplyCompletion(Completion{CallID: id, Phone: "5551234567", Outcome: OutcomeBusy}, now)
		require.NoError(t, err)
		require.Equal(t, i+1, res.Record.Attempts)
	}

	rec, ok := q.Get("5551234567")
	require.True(t, ok)
	assert.True(t, rec.NextRedialAt.Equal(at(12, 5)), "I[3]=5m, next = %v", rec.NextRedialAt)

	// Attempts beyond the table clamp to the last entry.
	cfg := DefaultConfig()
	assert.Equal(t, 120*time.Minute, q.delayFor(100))
	assert.Equal(t, cfg.MinRetryGap, q.delayFor(1))
}

func TestLifetimeCapWinsOverDailyCap(t *testing.T) {
	q := newTestQueue(t, at(11, 0))

	var rec Record
	for i := 0; i < 8; i++ {
		res, err := q.ApplyCompletion(Completion{
			CallID:  "call-" + string(rune('a'+i)),
			Phone:   "5551234567",
			Outcome: OutcomeVoicemail,
		}, at(11, 0).Add(time.Duration(i)*10*time.Minute))
		require.NoError(t, err)
		rec = res.Record
	}

	assert.Equal(t, 8, rec.Attempts)
	assert.Equal(t, 8, rec.AttemptsToday)
	// Both caps fire on the eighth attempt; the terminal lifetime cap wins.
	assert.Equal(t, StatusMaxAttempts, rec.Status)
}

func TestDailyCapThenReset(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxDailyAttempts = 4
	p := policyDay(t, at(11, 0))
	q, err := NewQueue(t.TempDir(), cfg, p)
	require.NoError(t, err)

	var rec Record
	for i := 0; i < 4; i++ {
		res, err := q.ApplyCompletion(Completion{
			CallID:  "call-" + string(rune('a'+i)),
			Phone:   "5551234567",
			Outcome: OutcomeNoAnswer,
		}, at(11, 0).Add(time.Duration(i)*30*time.Minute))
		require.NoError(t, err)
		rec = res.Record
	}
	assert.Equal(t, StatusDailyMaxReached, rec.Status)
	assert.Equal(t, 4, rec.Attempts)

	// Next day's reset reopens it with lifetime remaining.
	nextDay := time.Date(2026, 8, 27, 0, 0, 0, 0, loc)
	reopened := q.DailyReset(nextDay)
	assert.Equal(t, 1, reopened)

	got, ok := q.Get("5551234567")
	require.True(t, ok)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, 0, got.AttemptsToday)
	assert.True(t, got.NextRedialAt.Equal(nextDay))
}

func TestDailyResetDoesNotResurrectMaxAttempts(t *testing.T) {
	q := newTestQueue(t, at(11, 0))

	for i := 0; i < 8; i++ {
		_, err := q.ApplyCompletion(Completion{
			CallID:  "call-" + string(rune('a'+i)),
			Phone:   "5551234567",
			Outcome: OutcomeBusy,
		}, at(11, 0).Add(time.Duration(i)*15*time.Minute))
		require.NoError(t, err)
	}

	q.DailyReset(time.Date(2026, 8, 27, 0, 0, 0, 0, loc))
	rec, ok := q.Get("5551234567")
	require.True(t, ok)
	assert.Equal(t, StatusMaxAttempts, rec.Status)
}

func TestCallbackRequested(t *testing.T) {
	q := newTestQueue(t, at(11, 0))

	callback := time.Date(2026, 9, 3, 15, 0, 0, 0, loc) // beyond a week out
	res, err := q.ApplyCompletion(Completion{
		CallID:     "call-1",
		Phone:      "5551234567",
		Outcome:    OutcomeCallbackRequested,
		CallbackAt: &callback,
	}, at(11, 30))
	require.NoError(t, err)

	rec := res.Record
	assert.Equal(t, StatusRescheduled, rec.Status)
	require.NotNil(t, rec.ScheduledCallbackAt)
	assert.True(t, rec.NextRedialAt.Equal(callback))

	// Daily resets do not disturb a rescheduled callback.
	q.DailyReset(time.Date(2026, 8, 27, 0, 0, 0, 0, loc))
	q.DailyReset(time.Date(2026, 8, 28, 0, 0, 0, 0, loc))
	got, ok := q.Get("5551234567")
	require.True(t, ok)
	assert.Equal(t, StatusRescheduled, got.Status)
	assert.True(t, got.NextRedialAt.Equal(callback))

	// Not eligible before the requested instant, eligible after.
	assert.Empty(t, q.Eligible(time.Date(2026, 9, 3, 14, 0, 0, 0, loc)))
	elig := q.Eligible(callback.Add(time.Minute))
	require.Len(t, elig, 1)
	assert.Equal(t, "5551234567", elig[0].Phone)
}

func TestTerminalStopCompletes(t *testing.T) {
	q := newTestQueue(t, at(11, 0))

	res, err := q.ApplyCompletion(Completion{CallID: "c", Phone: "5551234567", Outcome: OutcomeDNCRequested}, at(11, 30))
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.Record.Status)
	assert.True(t, res.Record.LastOutcome.WritesSuppression())

	// A late retryable webhook never reopens the record.
	res, err = q.ApplyCompletion(Completion{CallID: "c2", Phone: "5551234567", Outcome: OutcomeVoicemail}, at(12, 0))
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.Record.Status)
	assert.Equal(t, 1, res.Record.Attempts)
}

func TestEligibleOrdering(t *testing.T) {
	q := newTestQueue(t, at(11, 0))
	now := at(14, 0)

	require.NoError(t, q.Insert(Record{Phone: "5550000001", LeadID: "l1", NextRedialAt: at(13, 0), Attempts: 3}, now))
	require.NoError(t, q.Insert(Record{Phone: "5550000002", LeadID: "l2", NextRedialAt: at(12, 0), Attempts: 5}, now))
	require.NoError(t, q.Insert(Record{Phone: "5550000003", LeadID: "l3", NextRedialAt: at(13, 0), Attempts: 1}, now))

	elig := q.Eligible(now)
	require.Len(t, elig, 3)
	// Earliest-ready first; ties by fewest attempts.
	assert.Equal(t, "5550000002", elig[0].Phone)
	assert.Equal(t, "5550000003", elig[1].Phone)
	assert.Equal(t, "5550000001", elig[2].Phone)
}

func TestActiveWindowTodayOnly(t *testing.T) {
	q := newTestQueue(t, at(11, 0))

	yesterday := time.Date(2026, 8, 25, 12, 0, 0, 0, loc)
	_, err := q.ApplyCompletion(Completion{CallID: "c", Phone: "5551234567", Outcome: OutcomeBusy}, yesterday)
	require.NoError(t, err)

	// Stale record from yesterday is filtered out today.
	assert.Empty(t, q.Eligible(at(12, 0)))

	// The daily reset touches updated_at, which re-admits it.
	q.DailyReset(at(0, 5))
	elig := q.Eligible(at(12, 0))
	require.Len(t, elig, 1)
	assert.Equal(t, "5551234567", elig[0].Phone)
}

func TestDeferPushesNextRedial(t *testing.T) {
	q := newTestQueue(t, at(11, 0))
	now := at(13, 5)
	require.NoError(t, q.Insert(Record{Phone: "5551234567", NextRedialAt: at(13, 0)}, now))

	require.NoError(t, q.Defer("5551234567", now))
	rec, ok := q.Get("5551234567")
	require.True(t, ok)
	assert.True(t, rec.NextRedialAt.Equal(at(13, 10)), "pushed by the 5m grace, got %v", rec.NextRedialAt)
	assert.Equal(t, 0, rec.Attempts)
}

func TestDispatchErrorPausesAfterThree(t *testing.T) {
	q := newTestQueue(t, at(11, 0))
	now := at(13, 0)
	require.NoError(t, q.Insert(Record{Phone: "5551234567"}, now))

	paused, err := q.DispatchError("5551234567", now)
	require.NoError(t, err)
	assert.False(t, paused)

	rec, _ := q.Get("5551234567")
	assert.Equal(t, 0, rec.Attempts, "adapter errors never move attempt counters")
	assert.True(t, rec.NextRedialAt.After(now))

	_, err = q.DispatchError("5551234567", now)
	require.NoError(t, err)
	paused, err = q.DispatchError("5551234567", now)
	require.NoError(t, err)
	assert.True(t, paused)

	rec, _ = q.Get("5551234567")
	assert.Equal(t, StatusPaused, rec.Status)

	// A successful completion is impossible while paused via dispatch, but
	// Resume returns it to service.
	require.NoError(t, q.Resume("5551234567", now.Add(time.Hour)))
	rec, _ = q.Get("5551234567")
	assert.Equal(t, StatusPending, rec.Status)
	assert.Equal(t, 0, rec.DispatchFailures)
}

func TestCompletionWhilePausedRecord(t *testing.T) {
	q := newTestQueue(t, at(11, 0))
	now := at(13, 0)
	require.NoError(t, q.Insert(Record{Phone: "5551234567"}, now))
	require.NoError(t, q.RecordDispatch("5551234567", "call-1", now))
	require.NoError(t, q.Pause("5551234567", now.Add(time.Minute)))

	// The in-flight call completes after the admin pause; its effect must
	// land in full, not error out with half-applied counters.
	callback := at(16, 0)
	res, err := q.ApplyCompletion(Completion{
		CallID:     "call-1",
		Phone:      "5551234567",
		Outcome:    OutcomeCallbackRequested,
		CallbackAt: &callback,
	}, at(13, 5))
	require.NoError(t, err)

	assert.False(t, res.Duplicate)
	assert.Equal(t, StatusPaused, res.StatusBefore)
	assert.Equal(t, StatusRescheduled, res.Record.Status)
	assert.Equal(t, 1, res.Record.Attempts)
	assert.Equal(t, "call-1", res.Record.LastCallID)
	assert.True(t, res.Record.NextRedialAt.Equal(callback))

	// A redelivery is a plain duplicate, nothing to repair.
	res, err = q.ApplyCompletion(Completion{
		CallID:     "call-1",
		Phone:      "5551234567",
		Outcome:    OutcomeCallbackRequested,
		CallbackAt: &callback,
	}, at(13, 6))
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
	assert.Equal(t, 1, res.Record.Attempts)
	assert.Equal(t, StatusRescheduled, res.Record.Status)
}

func TestCallHistoryWrittenAtDispatchOnly(t *testing.T) {
	q := newTestQueue(t, at(11, 0))
	now := at(13, 0)
	require.NoError(t, q.Insert(Record{Phone: "5551234567"}, now))

	require.NoError(t, q.RecordDispatch("5551234567", "call-1", now))
	_, err := q.ApplyCompletion(Completion{CallID: "call-1", Phone: "5551234567", Outcome: OutcomeBusy}, at(13, 2))
	require.NoError(t, err)

	rec, ok := q.Get("5551234567")
	require.True(t, ok)
	require.Len(t, rec.CallHistory, 1, "one dial, one history slot")
	assert.Equal(t, "call-1", rec.CallHistory[0].CallID)
	require.Len(t, rec.Outcomes, 1)
	assert.Equal(t, OutcomeBusy, rec.Outcomes[0].Outcome)
}

func TestCompleteExternal(t *testing.T) {
	q := newTestQueue(t, at(11, 0))
	now := at(13, 0)
	require.NoError(t, q.Insert(Record{Phone: "5551234567", LeadID: "lead-1"}, now))

	require.NoError(t, q.CompleteExternal("5551234567", "sms_opt_out", now))
	rec, ok := q.Get("5551234567")
	require.True(t, ok)
	assert.Equal(t, StatusCompleted, rec.Status)

	// Idempotent on terminal records.
	require.NoError(t, q.CompleteExternal("5551234567", "sms_opt_out", now))
}

func TestPersistAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	p := policyDay(t, at(11, 0))
	q, err := NewQueue(dir, DefaultConfig(), p)
	require.NoError(t, err)

	_, err = q.ApplyCompletion(Completion{CallID: "c1", Phone: "5551234567", LeadID: "lead-1", Outcome: OutcomeVoicemail}, at(11, 6))
	require.NoError(t, err)

	q2, err := NewQueue(dir, DefaultConfig(), p)
	require.NoError(t, err)
	rec, ok := q2.Get("5551234567")
	require.True(t, ok)
	assert.Equal(t, 1, rec.Attempts)
	assert.Equal(t, "c1", rec.LastCallID)
	assert.Equal(t, "lead-1", rec.LeadID)
	assert.True(t, rec.NextRedialAt.Equal(at(11, 8)))
}

func TestStatusTransitions(t *testing.T) {
	assert.True(t, StatusPending.CanTransitionTo(StatusDailyMaxReached))
	assert.True(t, StatusDailyMaxReached.CanTransitionTo(StatusPending))
	assert.True(t, StatusRescheduled.CanTransitionTo(StatusCompleted))
	assert.False(t, StatusCompleted.CanTransitionTo(StatusPending))
	assert.False(t, StatusMaxAttempts.CanTransitionTo(StatusPending))
	// Completions for in-flight calls may land on paused or capped records.
	assert.True(t, StatusDailyMaxReached.CanTransitionTo(StatusRescheduled))
	assert.True(t, StatusPaused.CanTransitionTo(StatusRescheduled))
	assert.True(t, StatusPaused.CanTransitionTo(StatusMaxAttempts))
}

func TestRetentionSweep(t *testing.T) {
	dir := t.TempDir()
	p := policyDay(t, at(11, 0))
	q, err := NewQueue(dir, DefaultConfig(), p)
	require.NoError(t, err)

	// Fabricate an old shard on disk.
	old := map[string]Record{"5550000009": {Phone: "5550000009", Status: StatusCompleted}}
	require.NoError(t, q.shards.Save("2026-01", old))

	removed, err := q.SweepRetention(at(12, 0))
	require.NoError(t, err)
	assert.Equal(t, []string{"2026-01"}, removed)

	// Current shard untouched.
	removed, err = q.SweepRetention(at(12, 0))
	require.NoError(t, err)
	assert.Empty(t, removed)
}
