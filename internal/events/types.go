// Package events provides contact lifecycle event definitions and the bounded
// daily ingress log. Events are consumed by the structured logs and the
// webhook-log store; the types stay transport-agnostic.
package events

import "time"

// EventType identifies the type of lifecycle event.
type EventType string

const (
	// DialDispatched fires when a dial is handed to the voice adapter.
	DialDispatched EventType = "dial.dispatched"
	// DialDeferred fires when the concurrent-dial guard skips a record.
	DialDeferred EventType = "dial.deferred"
	// DialErrored fires when the voice adapter rejects or times out a dial.
	DialErrored EventType = "dial.errored"
	// CallCompleted fires when a completion webhook reconciles into a record.
	CallCompleted EventType = "call.completed"
	// ContactBlocked fires when the suppression gate aborts an action.
	ContactBlocked EventType = "contact.blocked"
	// SMSSent fires when the SMS provider accepts a sequence message.
	SMSSent EventType = "sms.sent"
	// SMSInbound fires when an inbound SMS arrives at the ingress.
	SMSInbound EventType = "sms.inbound"
	// SMSOptedOut fires when an inbound message classifies as opt-out.
	SMSOptedOut EventType = "sms.opted_out"
	// StatusChanged fires on every redial record status transition.
	StatusChanged EventType = "record.status_changed"
	// DailyReset fires when the reset timer reopens capped records.
	DailyReset EventType = "reset.daily"
)

// Entry is one logged lifecycle event. Phone values are stored masked; the
// webhook log is an operator artifact, not a contact store.
type Entry struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	At        time.Time `json:"at"`
	Phone     string    `json:"phone,omitempty"`
	LeadID    string    `json:"lead_id,omitempty"`
	CallID    string    `json:"call_id,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
	Attempt   int       `json:"attempt,omitempty"`

	// Outcome carries the classified outcome or inbound body tag.
	Outcome string `json:"outcome,omitempty"`
	// RawTag preserves the provider tag when classification fell through.
	RawTag string `json:"raw_tag,omitempty"`

	StatusBefore string `json:"status_before,omitempty"`
	StatusAfter  string `json:"status_after,omitempty"`

	// Reason explains blocks, deferrals, and errors.
	Reason string `json:"reason,omitempty"`
	NodeID string `json:"node_id,omitempty"`
}
