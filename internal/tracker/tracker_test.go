package tracker

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTracker(t *testing.T) *Tracker {
	t.Helper()
	tr, err := New(filepath.Join(t.TempDir(), "call-state-cache.json"), 0)
	require.NoError(t, err)
	return tr
}

func TestAddAndAnyPendingFor(t *testing.T) {
	tr := newTestTracker(t)

	require.NoError(t, tr.Add(PendingCall{
		CallID: "call-1",
		LeadID: "lead-1",
		Phone:  "+15551234567",
	}))

	// Any spelling of the number finds the pending call.
	got, ok := tr.AnyPendingFor("555-123-4567")
	require.True(t, ok)
	assert.Equal(t, "call-1", got.CallID)
	assert.Equal(t, "5551234567", got.Phone)
	assert.Equal(t, StatusPending, got.Status)

	_, ok = tr.AnyPendingFor("5550000000")
	assert.False(t, ok)
}

func TestCompleteRemovesCall(t *testing.T) {
	tr := newTestTracker(t)
	require.NoError(t, tr.Add(PendingCall{CallID: "call-1", Phone: "5551234567"}))

	require.NoError(t, tr.Complete("call-1", "voicemail"))

	_, ok := tr.AnyPendingFor("5551234567")
	assert.False(t, ok)
	assert.Equal(t, 0, tr.Count())

	// Completing again is a no-op.
	require.NoError(t, tr.Complete("call-1", "voicemail"))
}

func TestFailKeepsCallVisible(t *testing.T) {
	tr := newTestTracker(t)
	require.NoError(t, tr.Add(PendingCall{CallID: "call-1", Phone: "5551234567"}))

	require.NoError(t, tr.Fail("call-1", errors.New("adapter timeout")))

	c, ok := tr.Get("call-1")
	require.True(t, ok)
	assert.Equal(t, StatusFailed, c.Status)
	assert.Equal(t, "adapter timeout", c.Error)

	// Failed calls no longer block the phone.
	_, ok = tr.AnyPendingFor("5551234567")
	assert.False(t, ok)
}

func TestSweepStale(t *testing.T) {
	tr := newTestTracker(t)
	now := time.Now()

	require.NoError(t, tr.Add(PendingCall{
		CallID:    "old",
		Phone:     "5551234567",
		CreatedAt: now.Add(-4 * time.Hour),
	}))
	require.NoError(t, tr.Add(PendingCall{
		CallID:    "fresh",
		Phone:     "5559876543",
		CreatedAt: now.Add(-5 * time.Minute),
	}))

	demoted := tr.SweepStale(now)
	assert.Equal(t, 1, demoted)

	c, ok := tr.Get("old")
	require.True(t, ok)
	assert.Equal(t, StatusFailed, c.Status)

	c, ok = tr.Get("fresh")
	require.True(t, ok)
	assert.Equal(t, StatusPending, c.Status)

	// Failed entries older than twice the stale bound get dropped.
	tr.SweepStale(now.Add(7 * time.Hour))
	_, ok = tr.Get("old")
	assert.False(t, ok)
}

func TestRehydrateAcrossRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "call-state-cache.json")

	tr, err := New(path, 0)
	require.NoError(t, err)
	require.NoError(t, tr.Add(PendingCall{CallID: "call-1", Phone: "5551234567", LeadID: "lead-1"}))

	reloaded, err := New(path, 0)
	require.NoError(t, err)
	got, ok := reloaded.AnyPendingFor("5551234567")
	require.True(t, ok)
	assert.Equal(t, "call-1", got.CallID)
	assert.Equal(t, "lead-1", got.LeadID)
}

func TestConcurrentAddsSerialize(t *testing.T) {
	tr := newTestTracker(t)

	done := make(chan struct{})
	for i := 0; i < 8; i++ {
		go func(n int) {
			defer func() { done <- struct{}{} }()
			// Guard-then-add the way the dispatcher does.
			if _, pending := tr.AnyPendingFor("5551234567"); !pending {
				_ = tr.Add(PendingCall{CallID: "call-" + string(rune('a'+n)), Phone: "5551234567"})
			}
		}(i)
	}
	for i := 0; i < 8; i++ {
		<-done
	}

	// At least one add happened; the registry never loses track of the phone.
	got, ok := tr.AnyPendingFor("5551234567")
	require.True(t, ok)
	assert.Equal(t, StatusPending, got.Status)
}
