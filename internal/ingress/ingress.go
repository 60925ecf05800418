// Package ingress reconciles provider callbacks into the core stores: call
// completions into the redial queue and tracker, inbound SMS into the
// suppression store and SMS scheduler.
package ingress

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sebas/outdial/internal/adapters/crm"
	"github.com/sebas/outdial/internal/adapters/smsprov"
	"github.com/sebas/outdial/internal/adapters/voice"
	"github.com/sebas/outdial/internal/events"
	"github.com/sebas/outdial/internal/phone"
	"github.com/sebas/outdial/internal/redial"
	"github.com/sebas/outdial/internal/schedule"
	"github.com/sebas/outdial/internal/sms"
	"github.com/sebas/outdial/internal/suppression"
	"github.com/sebas/outdial/internal/tracker"
)

// Ingress applies classified provider events to the stores. All state
// mutation runs synchronously in the caller's scope; only the CRM update is
// fired asynchronously.
type Ingress struct {
	queue   *redial.Queue
	tracker *tracker.Tracker
	sms     *sms.Scheduler
	store   *suppression.Store
	crm     crm.Updater
	policy  *schedule.Policy
	log     *events.Log
	builder *events.Builder
}

// New creates the ingress.
func New(
	queue *redial.Queue,
	trk *tracker.Tracker,
	smsSched *sms.Scheduler,
	store *suppression.Store,
	crmUpdater crm.Updater,
	policy *schedule.Policy,
	log *events.Log,
	builder *events.Builder,
) *Ingress {
	if crmUpdater == nil {
		crmUpdater = crm.Noop{}
	}
	return &Ingress{
		queue:   queue,
		tracker: trk,
		sms:     smsSched,
		store:   store,
		crm:     crmUpdater,
		policy:  policy,
		log:     log,
		builder: builder,
	}
}

// HandleCompletion reconciles one call-completion event. An error means the
// state mutation did not land; the transport should redeliver.
func (i *Ingress) HandleCompletion(ctx context.Context, c *voice.Completion) error {
	now := i.policy.Now()

	// The record is located by phone; the tracker resolves payloads that
	// arrive without one, and supplies the demographics the webhook lacks.
	key := phone.Normalize(c.Phone)
	var firstName, lastName, listID string
	leadID := c.LeadID
	if pending, ok := i.tracker.Get(c.CallID); ok {
		if key == "" {
			key = pending.Phone
		}
		firstName = pending.FirstName
		lastName = pending.LastName
		if leadID == "" {
			leadID = pending.LeadID
		}
		if listID == "" {
			listID = pending.ListID
		}
	}
	if key == "" {
		return fmt.Errorf("completion %s carries no phone and no tracked call", c.CallID)
	}

	outcome := ClassifyCompletion(c)
	if outcome == redial.OutcomeConfused && !c.TransferredMerged {
		slog.Warn("[Ingress] Unrecognized disposition classified as confused",
			"call_id", c.CallID,
			"raw_tag", c.DispositionTag,
			"answered_by", c.AnsweredBy,
		)
	}

	res, err := i.queue.ApplyCompletion(redial.Completion{
		CallID:     c.CallID,
		Phone:      key,
		LeadID:     leadID,
		ListID:     listID,
		FirstName:  firstName,
		LastName:   lastName,
		Outcome:    outcome,
		RawTag:     c.DispositionTag,
		CallbackAt: c.CallbackAt,
	}, now)
	if err != nil {
		return fmt.Errorf("apply completion %s: %w", c.CallID, err)
	}

	if err := i.tracker.Complete(c.CallID, string(outcome)); err != nil {
		slog.Warn("[Ingress] Tracker complete failed", "call_id", c.CallID, "error", err)
	}

	// Add is idempotent, so redelivered stop outcomes are harmless here.
	if outcome.WritesSuppression() {
		if _, _, err := i.store.Add(suppression.FieldPhone, key, "call outcome "+string(outcome)); err != nil {
			return fmt.Errorf("suppress %s: %w", phone.Mask(key), err)
		}
		if leadID != "" {
			if _, _, err := i.store.Add(suppression.FieldLeadID, leadID, "call outcome "+string(outcome)); err != nil {
				return fmt.Errorf("suppress lead %s: %w", leadID, err)
			}
		}
	}

	if outcome.TriggersSMS() && !res.Duplicate {
		if blocked, _ := i.store.Check(suppression.FieldPhone, key); blocked {
			i.log.Append(i.builder.ContactBlocked(key, leadID, "sms", "suppressed at enqueue", now))
		} else if err := i.sms.Enqueue(sms.Record{
			Phone:     key,
			LeadID:    leadID,
			ListID:    listID,
			FirstName: firstName,
			LastName:  lastName,
		}, now); err != nil {
			slog.Error("[Ingress] SMS enqueue failed", "phone", phone.Mask(key), "error", err)
		}
	}

	if leadID != "" && !res.Duplicate {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			i.crm.Update(ctx, leadID, string(outcome), c.Summary)
		}()
	}

	i.log.Append(i.builder.CallCompleted(
		key, leadID, c.CallID, res.Record.Attempts,
		string(outcome), c.DispositionTag,
		string(res.StatusBefore), string(res.Record.Status), now,
	))
	if res.StatusBefore != res.Record.Status {
		i.log.Append(i.builder.StatusChanged(
			key, leadID,
			string(res.StatusBefore), string(res.Record.Status),
			"completion "+string(outcome), now,
		))
	}
	return nil
}

// HandleInboundSMS reconciles one inbound message: opt-outs write the
// suppression store, close the SMS sequence, and complete the redial record.
func (i *Ingress) HandleInboundSMS(ctx context.Context, in *smsprov.InboundSMS) error {
	now := i.policy.Now()
	key := phone.Normalize(in.From)
	if key == "" {
		return fmt.Errorf("inbound sms sender %q does not normalize", in.From)
	}

	if !IsOptOut(in.Body) {
		i.log.Append(i.builder.SMSInbound(key, "other", now))
		slog.Info("[Ingress] Inbound SMS logged", "phone", phone.Mask(key))
		return nil
	}

	if _, _, err := i.store.Add(suppression.FieldPhone, key, "sms opt-out"); err != nil {
		return fmt.Errorf("suppress %s: %w", phone.Mask(key), err)
	}
	if _, err := i.sms.OptOut(key, now); err != nil {
		return fmt.Errorf("sms opt-out %s: %w", phone.Mask(key), err)
	}
	if err := i.queue.CompleteExternal(key, "sms_opt_out", now); err != nil {
		return fmt.Errorf("complete redial on opt-out %s: %w", phone.Mask(key), err)
	}

	var leadID string
	if rec, ok := i.queue.Get(key); ok {
		leadID = rec.LeadID
	}
	if leadID != "" {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			i.crm.Update(ctx, leadID, "sms_opt_out", "")
		}()
	}

	i.log.Append(i.builder.SMSOptedOut(key, leadID, now))
	slog.Info("[Ingress] Opt-out processed", "phone", phone.Mask(key), "lead_id", leadID)
	return nil
}
