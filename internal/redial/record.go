package redial

import (
	"fmt"
	"time"
)

// History bounds. Outcome and call history on a record are capped so shard
// files stay small regardless of lead age.
const (
	maxOutcomeHistory = 10
	maxCallHistory    = 25
)

// Status is the lifecycle state of a redial record.
type Status string

const (
	// StatusPending means the record is waiting for its next eligible dial.
	StatusPending Status = "pending"
	// StatusRescheduled means the customer requested a specific callback
	// instant; the record reopens when that instant passes.
	StatusRescheduled Status = "rescheduled"
	// StatusDailyMaxReached means the per-day cap fired with lifetime
	// attempts remaining; the daily reset reopens it.
	StatusDailyMaxReached Status = "daily_max_reached"
	// StatusCompleted is terminal: converted, transferred, or stopped.
	StatusCompleted Status = "completed"
	// StatusMaxAttempts is terminal: the lifetime cap fired.
	StatusMaxAttempts Status = "max_attempts"
	// StatusPaused is a hold entered by admin operations or the
	// adapter-failure demotion. A completion for a call already in flight
	// may move the record on.
	StatusPaused Status = "paused"
)

// String returns the string representation of Status.
func (s Status) String() string { return string(s) }

// Terminal reports whether the status ends the record's lifecycle.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusMaxAttempts
}

// validTransitions defines which status transitions the dispatcher and
// ingress may perform. Paused is entered only through admin operations and
// the adapter-failure demotion, but a completion for an in-flight call can
// leave it in any direction the outcome demands.
var validTransitions = map[Status][]Status{
	StatusPending:         {StatusPending, StatusRescheduled, StatusDailyMaxReached, StatusCompleted, StatusMaxAttempts, StatusPaused},
	StatusRescheduled:     {StatusPending, StatusRescheduled, StatusDailyMaxReached, StatusCompleted, StatusMaxAttempts, StatusPaused},
	StatusDailyMaxReached: {StatusPending, StatusRescheduled, StatusCompleted, StatusMaxAttempts, StatusPaused},
	StatusCompleted:       {},
	StatusMaxAttempts:     {},
	StatusPaused:          {StatusPending, StatusRescheduled, StatusDailyMaxReached, StatusCompleted, StatusMaxAttempts},
}

// CanTransitionTo checks whether moving from s to next is allowed.
func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range validTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// OutcomeEntry is one entry in a record's bounded outcome history.
type OutcomeEntry struct {
	Outcome Outcome   `json:"outcome"`
	CallID  string    `json:"call_id"`
	At      time.Time `json:"at"`
}

// CallEntry is one entry in a record's bounded call history.
type CallEntry struct {
	CallID  string    `json:"call_id"`
	At      time.Time `json:"at"`
	Attempt int       `json:"attempt"`
}

// Record is the per-phone durable retry state. The phone key is the map key
// in the shard document and is duplicated in the record for reconciliation.
type Record struct {
	LeadID    string `json:"lead_id"`
	ListID    string `json:"list_id,omitempty"`
	Phone     string `json:"phone"` // normalized
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
	State     string `json:"state,omitempty"`

	Status        Status `json:"status"`
	Attempts      int    `json:"attempts"`
	AttemptsToday int    `json:"attempts_today"`

	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	LastCallAt   time.Time `json:"last_call_timestamp,omitzero"`
	NextRedialAt time.Time `json:"next_redial_timestamp,omitzero"`

	LastCallID  string  `json:"last_call_id,omitempty"`
	LastOutcome Outcome `json:"last_outcome,omitempty"`

	Outcomes    []OutcomeEntry `json:"outcomes,omitempty"`
	CallHistory []CallEntry    `json:"call_history,omitempty"`

	ScheduledCallbackAt *time.Time `json:"scheduled_callback_time,omitempty"`

	// DispatchFailures counts consecutive adapter errors; three in a row
	// demote the record to paused.
	DispatchFailures int `json:"dispatch_failures,omitempty"`
}

// pushOutcome appends to the bounded outcome history.
func (r *Record) pushOutcome(o Outcome, callID string, at time.Time) {
	r.Outcomes = append(r.Outcomes, OutcomeEntry{Outcome: o, CallID: callID, At: at})
	if len(r.Outcomes) > maxOutcomeHistory {
		r.Outcomes = r.Outcomes[len(r.Outcomes)-maxOutcomeHistory:]
	}
}

// pushCall appends to the bounded call history.
func (r *Record) pushCall(callID string, at time.Time, attempt int) {
	r.CallHistory = append(r.CallHistory, CallEntry{CallID: callID, At: at, Attempt: attempt})
	if len(r.CallHistory) > maxCallHistory {
		r.CallHistory = r.CallHistory[len(r.CallHistory)-maxCallHistory:]
	}
}

// transition moves the record to next, enforcing the state machine.
func (r *Record) transition(next Status) error {
	if r.Status == next {
		return nil
	}
	if !r.Status.CanTransitionTo(next) {
		return fmt.Errorf("invalid status transition %s -> %s for %s", r.Status, next, r.Phone)
	}
	r.Status = next
	return nil
}
