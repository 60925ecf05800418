// Package suppression maintains the permanent set of contact identifiers
// that must never be contacted. Every dial and outbound-SMS path consults
// this store immediately before invoking a provider adapter.
package suppression

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sebas/outdial/internal/persist"
	"github.com/sebas/outdial/internal/phone"
)

// Field identifies which contact attribute a flag suppresses.
type Field string

const (
	FieldPhone  Field = "phone"
	FieldLeadID Field = "lead_id"
	FieldEmail  Field = "email"
)

// Valid reports whether f is a known suppression field.
func (f Field) Valid() bool {
	switch f {
	case FieldPhone, FieldLeadID, FieldEmail:
		return true
	}
	return false
}

// Flag is one suppressed (field, value) pair.
type Flag struct {
	ID      string    `json:"id"`
	Field   Field     `json:"field"`
	Value   string    `json:"value"` // normalized
	Reason  string    `json:"reason,omitempty"`
	AddedAt time.Time `json:"added_at"`
}

// document is the on-disk shape of blocklist-config.json.
type document struct {
	Enabled bool   `json:"enabled"`
	Flags   []Flag `json:"flags"`
}

// Store holds the suppression set. All mutations persist immediately.
type Store struct {
	mu      sync.RWMutex
	enabled bool
	byKey   map[Field]map[string]*Flag
	file    *persist.File[Flag]
}

// NewStore loads (or initializes) the blocklist at path.
func NewStore(path string) (*Store, error) {
	s := &Store{
		enabled: true,
		byKey: map[Field]map[string]*Flag{
			FieldPhone:  {},
			FieldLeadID: {},
			FieldEmail:  {},
		},
		file: persist.NewFile[Flag](path, 0),
	}

	var doc document
	found, err := s.file.LoadDoc(&doc)
	if err != nil {
		return nil, fmt.Errorf("load blocklist: %w", err)
	}
	if found {
		s.enabled = doc.Enabled
		for i := range doc.Flags {
			f := doc.Flags[i]
			if !f.Field.Valid() {
				slog.Warn("[Suppression] Skipping flag with unknown field", "id", f.ID, "field", f.Field)
				continue
			}
			s.byKey[f.Field][f.Value] = &f
		}
	}
	return s, nil
}

// normalize canonicalizes a value for its field. Phones go through the shared
// phone key; lead ids and emails are case-folded and trimmed.
func normalize(field Field, value string) string {
	if field == FieldPhone {
		return phone.Normalize(value)
	}
	return strings.ToLower(strings.TrimSpace(value))
}

// Check reports whether the normalized value is suppressed. Constant-time
// per call.
func (s *Store) Check(field Field, value string) (bool, *Flag) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.enabled {
		return false, nil
	}
	m, ok := s.byKey[field]
	if !ok {
		return false, nil
	}
	f, ok := m[normalize(field, value)]
	if !ok {
		return false, nil
	}
	cp := *f
	return true, &cp
}

// Add inserts a suppression flag, normalizing first. Idempotent: if the
// (field, normalized-value) pair exists, the existing flag is returned
// unchanged with existed=true and nothing is written.
func (s *Store) Add(field Field, value, reason string) (*Flag, bool, error) {
	if !field.Valid() {
		return nil, false, fmt.Errorf("unknown suppression field %q", field)
	}
	key := normalize(field, value)
	if key == "" {
		return nil, false, fmt.Errorf("empty %s value", field)
	}

	s.mu.Lock()
	if existing, ok := s.byKey[field][key]; ok {
		cp := *existing
		s.mu.Unlock()
		return &cp, true, nil
	}

	f := &Flag{
		ID:      uuid.NewString(),
		Field:   field,
		Value:   key,
		Reason:  reason,
		AddedAt: time.Now(),
	}
	s.byKey[field][key] = f
	doc := s.snapshotLocked()
	s.mu.Unlock()

	if err := s.file.SaveDoc(doc); err != nil {
		return nil, false, fmt.Errorf("persist blocklist: %w", err)
	}

	slog.Info("[Suppression] Flag added",
		"id", f.ID,
		"field", f.Field,
		"value", displayValue(field, key),
		"reason", reason,
	)
	cp := *f
	return &cp, false, nil
}

// Remove deletes a flag by id. Returns false if no flag carries the id.
func (s *Store) Remove(flagID string) (bool, error) {
	s.mu.Lock()
	var removed bool
	for _, m := range s.byKey {
		for key, f := range m {
			if f.ID == flagID {
				delete(m, key)
				removed = true
			}
		}
	}
	if !removed {
		s.mu.Unlock()
		return false, nil
	}
	doc := s.snapshotLocked()
	s.mu.Unlock()

	if err := s.file.SaveDoc(doc); err != nil {
		return true, fmt.Errorf("persist blocklist: %w", err)
	}
	slog.Info("[Suppression] Flag removed", "id", flagID)
	return true, nil
}

// Enable toggles the global kill switch. When disabled, Check always reports
// not-blocked. Test use only.
func (s *Store) Enable(on bool) {
	s.mu.Lock()
	s.enabled = on
	doc := s.snapshotLocked()
	s.mu.Unlock()

	if err := s.file.SaveDoc(doc); err != nil {
		slog.Error("[Suppression] Failed to persist enable state", "error", err)
	}
}

// Enabled reports the kill-switch state.
func (s *Store) Enabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.enabled
}

// Flags returns a copy of all flags, for admin inspection.
func (s *Store) Flags() []Flag {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked().Flags
}

// Count returns the number of flags.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, m := range s.byKey {
		n += len(m)
	}
	return n
}

func (s *Store) snapshotLocked() document {
	doc := document{Enabled: s.enabled}
	for _, m := range s.byKey {
		for _, f := range m {
			doc.Flags = append(doc.Flags, *f)
		}
	}
	return doc
}

func displayValue(field Field, normalized string) string {
	if field == FieldPhone {
		return phone.Mask(normalized)
	}
	return normalized
}
