package events

import (
	"time"

	"github.com/google/uuid"

	"github.com/sebas/outdial/internal/phone"
)

// Builder constructs lifecycle entries with consistent defaults.
type Builder struct {
	nodeID string
}

// NewBuilder creates an entry builder stamped with the node id.
func NewBuilder(nodeID string) *Builder {
	return &Builder{nodeID: nodeID}
}

// newBase creates an Entry with common fields populated.
func (b *Builder) newBase(t EventType, phoneNum string, at time.Time) Entry {
	return Entry{
		ID:     uuid.NewString(),
		Type:   t,
		At:     at,
		Phone:  phone.Mask(phoneNum),
		NodeID: b.nodeID,
	}
}

// DialDispatched records a dial handed to the voice adapter.
func (b *Builder) DialDispatched(phoneNum, leadID, callID, requestID string, attempt int, at time.Time) Entry {
	e := b.newBase(DialDispatched, phoneNum, at)
	e.LeadID = leadID
	e.CallID = callID
	e.RequestID = requestID
	e.Attempt = attempt
	return e
}

// DialDeferred records a concurrent-dial guard skip.
func (b *Builder) DialDeferred(phoneNum, leadID, pendingCallID string, at time.Time) Entry {
	e := b.newBase(DialDeferred, phoneNum, at)
	e.LeadID = leadID
	e.CallID = pendingCallID
	e.Reason = "pending call in flight"
	return e
}

// DialErrored records an adapter dial failure.
func (b *Builder) DialErrored(phoneNum, leadID, reason string, at time.Time) Entry {
	e := b.newBase(DialErrored, phoneNum, at)
	e.LeadID = leadID
	e.Reason = reason
	return e
}

// CallCompleted records a reconciled completion webhook.
func (b *Builder) CallCompleted(phoneNum, leadID, callID string, attempt int, outcome, rawTag, before, after string, at time.Time) Entry {
	e := b.newBase(CallCompleted, phoneNum, at)
	e.LeadID = leadID
	e.CallID = callID
	e.Attempt = attempt
	e.Outcome = outcome
	e.RawTag = rawTag
	e.StatusBefore = before
	e.StatusAfter = after
	return e
}

// ContactBlocked records a suppression-gate abort.
func (b *Builder) ContactBlocked(phoneNum, leadID, purpose, reason string, at time.Time) Entry {
	e := b.newBase(ContactBlocked, phoneNum, at)
	e.LeadID = leadID
	e.Outcome = purpose
	e.Reason = reason
	return e
}

// SMSSent records an accepted sequence message.
func (b *Builder) SMSSent(phoneNum, leadID, msgID string, position int, at time.Time) Entry {
	e := b.newBase(SMSSent, phoneNum, at)
	e.LeadID = leadID
	e.CallID = msgID
	e.Attempt = position
	return e
}

// SMSInbound records an inbound message hitting the ingress.
func (b *Builder) SMSInbound(phoneNum, classified string, at time.Time) Entry {
	e := b.newBase(SMSInbound, phoneNum, at)
	e.Outcome = classified
	return e
}

// SMSOptedOut records an opt-out classification.
func (b *Builder) SMSOptedOut(phoneNum, leadID string, at time.Time) Entry {
	e := b.newBase(SMSOptedOut, phoneNum, at)
	e.LeadID = leadID
	return e
}

// StatusChanged records a redial record status transition.
func (b *Builder) StatusChanged(phoneNum, leadID, before, after, reason string, at time.Time) Entry {
	e := b.newBase(StatusChanged, phoneNum, at)
	e.LeadID = leadID
	e.StatusBefore = before
	e.StatusAfter = after
	e.Reason = reason
	return e
}

// DailyReset records a reset-timer run.
func (b *Builder) DailyReset(reopened int, at time.Time) Entry {
	e := b.newBase(DailyReset, "", at)
	e.Attempt = reopened
	return e
}
