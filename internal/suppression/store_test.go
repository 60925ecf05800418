package suppression

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "blocklist-config.json"))
	require.NoError(t, err)
	return s
}

func TestAddNormalizesAndChecks(t *testing.T) {
	s := newTestStore(t)

	flag, existed, err := s.Add(FieldPhone, "+1 (555) 123-4567", "dnc_requested")
	require.NoError(t, err)
	assert.False(t, existed)
	assert.Equal(t, "5551234567", flag.Value)

	// Any spelling of the same number is blocked after Add returns.
	for _, raw := range []string{"5551234567", "15551234567", "555-123-4567"} {
		blocked, got := s.Check(FieldPhone, raw)
		assert.True(t, blocked, "Check(%q)", raw)
		assert.Equal(t, flag.ID, got.ID)
	}

	blocked, _ := s.Check(FieldPhone, "5550000000")
	assert.False(t, blocked)
}

func TestAddIsIdempotent(t *testing.T) {
	s := newTestStore(t)

	first, _, err := s.Add(FieldLeadID, "Lead-42", "stop")
	require.NoError(t, err)

	second, existed, err := s.Add(FieldLeadID, "  lead-42 ", "different reason")
	require.NoError(t, err)
	assert.True(t, existed)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "stop", second.Reason, "existing flag must be returned unchanged")
	assert.Equal(t, 1, s.Count())
}

func TestRemove(t *testing.T) {
	s := newTestStore(t)
	flag, _, err := s.Add(FieldEmail, "User@Example.com", "")
	require.NoError(t, err)

	ok, err := s.Remove(flag.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	blocked, _ := s.Check(FieldEmail, "user@example.com")
	assert.False(t, blocked)

	ok, err = s.Remove("no-such-id")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEnableKillSwitch(t *testing.T) {
	s := newTestStore(t)
	_, _, err := s.Add(FieldPhone, "5551234567", "")
	require.NoError(t, err)

	s.Enable(false)
	blocked, _ := s.Check(FieldPhone, "5551234567")
	assert.False(t, blocked)

	s.Enable(true)
	blocked, _ = s.Check(FieldPhone, "5551234567")
	assert.True(t, blocked)
}

func TestPersistenceRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blocklist-config.json")
	s, err := NewStore(path)
	require.NoError(t, err)

	_, _, err = s.Add(FieldPhone, "5551234567", "dnc")
	require.NoError(t, err)
	_, _, err = s.Add(FieldLeadID, "lead-9", "stop")
	require.NoError(t, err)

	reloaded, err := NewStore(path)
	require.NoError(t, err)
	assert.Equal(t, 2, reloaded.Count())

	blocked, flag := reloaded.Check(FieldPhone, "+15551234567")
	assert.True(t, blocked)
	assert.Equal(t, "dnc", flag.Reason)
}

func TestGateDialChecksPhoneAndLead(t *testing.T) {
	s := newTestStore(t)
	_, _, err := s.Add(FieldLeadID, "lead-7", "dnc")
	require.NoError(t, err)

	var audits []Block
	g := NewGate(s, func(b Block) { audits = append(audits, b) })

	ok, flag := g.Allow("5551234567", "lead-7", PurposeDial)
	assert.False(t, ok)
	assert.Equal(t, FieldLeadID, flag.Field)
	require.Len(t, audits, 1)
	assert.Equal(t, PurposeDial, audits[0].Purpose)

	// SMS purpose only checks the phone, so the lead flag does not block it.
	ok, _ = g.Allow("5551234567", "lead-7", PurposeSMS)
	assert.True(t, ok)
	assert.Len(t, audits, 1)
}
