// Package sms implements the templated follow-up sequence: one durable record
// per phone tracking which of the configured messages has been sent and when
// the next becomes eligible, with opt-out and cancellation handling.
package sms

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sebas/outdial/internal/persist"
	"github.com/sebas/outdial/internal/phone"
	"github.com/sebas/outdial/internal/schedule"
)

// Status is the lifecycle state of an SMS record.
type Status string

const (
	// StatusActive means the sequence is in progress.
	StatusActive Status = "active"
	// StatusCompleted means all configured messages were sent.
	StatusCompleted Status = "completed"
	// StatusOptedOut means the customer replied STOP.
	StatusOptedOut Status = "opted_out"
	// StatusCancelled means an admin or upstream event closed the sequence.
	StatusCancelled Status = "cancelled"
)

// String returns the string representation of Status.
func (s Status) String() string { return string(s) }

// Terminal reports whether the status ends the sequence.
func (s Status) Terminal() bool { return s != StatusActive }

// Config tunes the follow-up sequence.
type Config struct {
	// Templates is the ordered message list T[0..N-1]. Placeholders
	// {first_name}, {last_name} and {state} are substituted at send time.
	Templates []string
	// DayGaps holds D[i]: the policy-timezone day count from the enqueue
	// instant to the earliest eligible instant of message i. D[0] must be 0.
	DayGaps []int
	// RetryDelay is how far a record is pushed after a provider send error.
	RetryDelay time.Duration
}

// DefaultConfig returns the stock four-message sequence.
func DefaultConfig() Config {
	return Config{
		Templates: []string{
			"Hi {first_name}, we tried to reach you about your health coverage options. Call us back when you have a minute.",
			"Hi {first_name}, just following up on your health coverage quote. We're available 11am-8pm ET.",
			"{first_name}, your quote is still waiting. Reply CALL and we'll reach out, or STOP to opt out.",
			"Last reminder {first_name}: your health coverage window is closing. Reply CALL or STOP.",
		},
		DayGaps:    []int{0, 1, 3, 7},
		RetryDelay: 30 * time.Minute,
	}
}

func (c Config) validate() error {
	if len(c.Templates) == 0 {
		return fmt.Errorf("sms config needs at least one template")
	}
	if len(c.DayGaps) != len(c.Templates) {
		return fmt.Errorf("sms config has %d templates but %d day gaps", len(c.Templates), len(c.DayGaps))
	}
	for i := 1; i < len(c.DayGaps); i++ {
		if c.DayGaps[i] < c.DayGaps[i-1] {
			return fmt.Errorf("sms day gaps must be non-decreasing, got %v", c.DayGaps)
		}
	}
	return nil
}

// SentMessage is one entry in a record's send log.
type SentMessage struct {
	MsgID    string    `json:"msg_id"`
	Position int       `json:"position"`
	At       time.Time `json:"at"`
}

// Record is the per-phone durable sequence state.
type Record struct {
	Phone     string `json:"phone"` // normalized
	LeadID    string `json:"lead_id"`
	ListID    string `json:"list_id,omitempty"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
	State     string `json:"state,omitempty"`

	Status           Status `json:"status"`
	SequencePosition int    `json:"sequence_position"`

	EnqueuedAt     time.Time `json:"enqueued_at"`
	NextEligibleAt time.Time `json:"next_eligible_timestamp"`
	LastSentAt     time.Time `json:"last_sent_timestamp,omitzero"`
	UpdatedAt      time.Time `json:"updated_at"`

	Messages []SentMessage `json:"messages,omitempty"`
}

// Scheduler owns the SMS map: a single file keyed by phone, guarded by one
// mutex. Send calls happen outside the mutex; only state moves under it.
type Scheduler struct {
	mu     sync.Mutex
	cfg    Config
	policy *schedule.Policy
	file   *persist.File[Record]
	data   map[string]*Record
}

// NewScheduler opens the sequence store at path (sms-pending-leads.json).
func NewScheduler(path string, cfg Config, policy *schedule.Policy) (*Scheduler, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	s := &Scheduler{
		cfg:    cfg,
		policy: policy,
		file:   persist.NewFile[Record](path, 0),
		data:   make(map[string]*Record),
	}
	m, err := s.file.Load()
	if err != nil {
		return nil, fmt.Errorf("load sms store: %w", err)
	}
	for k := range m {
		r := m[k]
		s.data[k] = &r
	}
	slog.Info("[SMS] Scheduler loaded", "records", len(s.data), "templates", len(cfg.Templates))
	return s, nil
}

// persistLocked writes the map. Called with s.mu held.
func (s *Scheduler) persistLocked() error {
	snapshot := make(map[string]Record, len(s.data))
	for k, r := range s.data {
		snapshot[k] = *r
	}
	return s.file.Save(snapshot)
}

// Enqueue creates or resets the sequence for a phone: position zero, eligible
// immediately. Called from completion ingress on voicemail/no_answer.
func (s *Scheduler) Enqueue(rec Record, now time.Time) error {
	key := phone.Normalize(rec.Phone)
	if key == "" {
		return fmt.Errorf("sms enqueue requires a phone")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.data[key]
	if ok && existing.Status == StatusOptedOut {
		// An opt-out is permanent; re-contact never resurrects the sequence.
		return nil
	}

	r := &Record{
		Phone:          key,
		LeadID:         rec.LeadID,
		ListID:         rec.ListID,
		FirstName:      rec.FirstName,
		LastName:       rec.LastName,
		State:          rec.State,
		Status:         StatusActive,
		EnqueuedAt:     now,
		NextEligibleAt: now,
		UpdatedAt:      now,
	}
	s.data[key] = r

	slog.Info("[SMS] Sequence enqueued",
		"phone", phone.Mask(key),
		"lead_id", r.LeadID,
		"reset", ok,
	)
	return s.persistLocked()
}

// Eligible returns active records ready to send at now, ordered earliest
// eligible first. The policy-clock and suppression gates belong to the
// dispatch loop; a clock-ineligible tick leaves records unadvanced.
func (s *Scheduler) Eligible(now time.Time) []Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Record
	for _, r := range s.data {
		if r.Status != StatusActive {
			continue
		}
		if r.SequencePosition >= len(s.cfg.Templates) {
			continue
		}
		if r.NextEligibleAt.After(now) {
			continue
		}
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].NextEligibleAt.Before(out[j].NextEligibleAt)
	})
	return out
}

// Message renders the record's current template.
func (s *Scheduler) Message(r Record) (string, error) {
	if r.SequencePosition < 0 || r.SequencePosition >= len(s.cfg.Templates) {
		return "", fmt.Errorf("no template at position %d", r.SequencePosition)
	}
	repl := strings.NewReplacer(
		"{first_name}", r.FirstName,
		"{last_name}", r.LastName,
		"{state}", r.State,
	)
	return repl.Replace(s.cfg.Templates[r.SequencePosition]), nil
}

// MarkSent advances the sequence after a successful provider send: logs the
// message, bumps the position, and schedules the next from the enqueue
// instant (not the prior send). The final message completes the record.
func (s *Scheduler) MarkSent(phoneNum, msgID string, now time.Time) (*Record, error) {
	key := phone.Normalize(phoneNum)

	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.data[key]
	if !ok {
		return nil, fmt.Errorf("no sms record for %s", phone.Mask(key))
	}
	if r.Status != StatusActive {
		return nil, fmt.Errorf("sms record for %s is %s", phone.Mask(key), r.Status)
	}

	r.Messages = append(r.Messages, SentMessage{MsgID: msgID, Position: r.SequencePosition, At: now})
	r.SequencePosition++
	r.LastSentAt = now
	r.UpdatedAt = now

	if r.SequencePosition >= len(s.cfg.Templates) {
		r.Status = StatusCompleted
	} else {
		r.NextEligibleAt = s.policy.DayGapEligible(r.EnqueuedAt, s.cfg.DayGaps[r.SequencePosition])
	}

	slog.Info("[SMS] Message sent",
		"phone", phone.Mask(key),
		"lead_id", r.LeadID,
		"msg_id", msgID,
		"position", r.SequencePosition,
		"status", r.Status,
	)
	cp := *r
	return &cp, s.persistLocked()
}

// SendError pushes a record's eligibility forward after a provider failure.
// The position never moves on errors.
func (s *Scheduler) SendError(phoneNum string, now time.Time) error {
	key := phone.Normalize(phoneNum)

	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.data[key]
	if !ok || r.Status != StatusActive {
		return nil
	}
	r.NextEligibleAt = now.Add(s.cfg.RetryDelay)
	r.UpdatedAt = now
	return s.persistLocked()
}

// OptOut marks the record opted_out. Reports whether a record existed; the
// suppression write and redial completion are the ingress's responsibility.
func (s *Scheduler) OptOut(phoneNum string, now time.Time) (bool, error) {
	key := phone.Normalize(phoneNum)

	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.data[key]
	if !ok {
		return false, nil
	}
	if r.Status == StatusOptedOut {
		return true, nil
	}
	r.Status = StatusOptedOut
	r.UpdatedAt = now

	slog.Info("[SMS] Sequence opted out", "phone", phone.Mask(key), "lead_id", r.LeadID)
	return true, s.persistLocked()
}

// Cancel closes an active sequence from an admin or upstream path.
func (s *Scheduler) Cancel(phoneNum, reason string, now time.Time) error {
	key := phone.Normalize(phoneNum)

	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.data[key]
	if !ok || r.Status.Terminal() {
		return nil
	}
	r.Status = StatusCancelled
	r.UpdatedAt = now

	slog.Info("[SMS] Sequence cancelled", "phone", phone.Mask(key), "lead_id", r.LeadID, "reason", reason)
	return s.persistLocked()
}

// Get returns a copy of the record for a phone.
func (s *Scheduler) Get(phoneNum string) (*Record, bool) {
	key := phone.Normalize(phoneNum)

	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.data[key]
	if !ok {
		return nil, false
	}
	cp := *r
	return &cp, true
}

// All returns copies of every record, for admin inspection.
func (s *Scheduler) All() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Record, 0, len(s.data))
	for _, r := range s.data {
		out = append(out, *r)
	}
	return out
}

// Counts returns record totals by status.
func (s *Scheduler) Counts() map[Status]int {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := make(map[Status]int)
	for _, r := range s.data {
		counts[r.Status]++
	}
	return counts
}

// SweepCompleted drops terminal records older than maxAge so the single-file
// store stays bounded.
func (s *Scheduler) SweepCompleted(now time.Time, maxAge time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, r := range s.data {
		if r.Status.Terminal() && now.Sub(r.UpdatedAt) > maxAge {
			delete(s.data, key)
			removed++
		}
	}
	if removed > 0 {
		if err := s.persistLocked(); err != nil {
			slog.Error("[SMS] Sweep persist failed", "error", err)
		}
		slog.Info("[SMS] Swept terminal records", "removed", removed)
	}
	return removed
}
