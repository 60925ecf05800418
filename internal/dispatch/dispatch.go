// Package dispatch owns the periodic work: the redial and SMS tick loops,
// the daily-reset timer, and the retention and stale sweeps. Counters never
// move here; they advance only on completion ingress.
package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

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

// Config tunes the dispatcher cadences.
type Config struct {
	RedialTick    time.Duration
	SMSTick       time.Duration
	StaleSweep    time.Duration
	RedialEnabled bool
	SMSEnabled    bool
	// SMSBusinessHoursOnly confines SMS sends to the policy's dial window.
	// Off, the SMS tick runs around the clock; record-level day gaps still
	// apply.
	SMSBusinessHoursOnly bool
	// MaxDialsPerTick bounds one tick's adapter calls; zero means unbounded.
	MaxDialsPerTick int
	// SMSFrom is the sending number handed to the SMS provider.
	SMSFrom string
	// AdapterTimeout bounds each dial and send call.
	AdapterTimeout time.Duration
	RetentionDays  int
}

// DefaultConfig returns the stock cadences.
func DefaultConfig() Config {
	return Config{
		RedialTick:           5 * time.Minute,
		SMSTick:              5 * time.Minute,
		StaleSweep:           10 * time.Minute,
		RedialEnabled:        true,
		SMSEnabled:           true,
		SMSBusinessHoursOnly: true,
		MaxDialsPerTick:      50,
		AdapterTimeout:       15 * time.Second,
		RetentionDays:        30,
	}
}

// tickSummary is the per-tick accounting emitted at the end of every run.
type tickSummary struct {
	scanned    int
	dispatched int
	deferred   int
	blocked    int
	errored    int
}

// Dispatcher runs the periodic loops against the stores.
type Dispatcher struct {
	cfg     Config
	policy  *schedule.Policy
	queue   *redial.Queue
	tracker *tracker.Tracker
	sms     *sms.Scheduler
	gate    *suppression.Gate
	dialer  voice.Dialer
	sender  smsprov.Sender
	log     *events.Log
	builder *events.Builder

	// Overlap guards: a tick that finds the previous one still running
	// exits immediately without mutation.
	redialTickBusy atomic.Bool
	smsTickBusy    atomic.Bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates the dispatcher.
func New(
	cfg Config,
	policy *schedule.Policy,
	queue *redial.Queue,
	trk *tracker.Tracker,
	smsSched *sms.Scheduler,
	gate *suppression.Gate,
	dialer voice.Dialer,
	sender smsprov.Sender,
	log *events.Log,
	builder *events.Builder,
) *Dispatcher {
	return &Dispatcher{
		cfg:     cfg,
		policy:  policy,
		queue:   queue,
		tracker: trk,
		sms:     smsSched,
		gate:    gate,
		dialer:  dialer,
		sender:  sender,
		log:     log,
		builder: builder,
		stopCh:  make(chan struct{}),
	}
}

// Start launches the tick loops and timers.
func (d *Dispatcher) Start() {
	d.wg.Add(4)
	go d.tickLoop(d.cfg.RedialTick, d.RedialTick)
	go d.tickLoop(d.cfg.SMSTick, d.SMSTick)
	go d.resetLoop()
	go d.sweepLoop()
	slog.Info("[Dispatch] Started",
		"redial_tick", d.cfg.RedialTick,
		"sms_tick", d.cfg.SMSTick,
		"redial_enabled", d.cfg.RedialEnabled,
		"sms_enabled", d.cfg.SMSEnabled,
	)
}

// Stop halts the loops, waiting for an in-flight tick to finish.
func (d *Dispatcher) Stop() {
	close(d.stopCh)
	d.wg.Wait()
	slog.Info("[Dispatch] Stopped")
}

func (d *Dispatcher) tickLoop(interval time.Duration, tick func()) {
	defer d.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-d.stopCh:
			return
		case <-ticker.C:
			tick()
		}
	}
}

// RedialTick runs one redial dispatch pass. Exported so admin tooling can
// force a tick.
func (d *Dispatcher) RedialTick() {
	if !d.cfg.RedialEnabled {
		return
	}
	if !d.redialTickBusy.CompareAndSwap(false, true) {
		slog.Warn("[Dispatch] Redial tick skipped, previous still running")
		return
	}
	defer d.redialTickBusy.Store(false)

	now := d.policy.Now()
	if !d.policy.DispatchAllowed(now) {
		slog.Debug("[Dispatch] Outside dial window", "now", now)
		return
	}

	eligible := d.queue.Eligible(now)
	sum := tickSummary{scanned: len(eligible)}
	for _, rec := range eligible {
		if d.cfg.MaxDialsPerTick > 0 && sum.dispatched >= d.cfg.MaxDialsPerTick {
			break
		}
		d.dialOne(rec, now, &sum)
	}

	slog.Info("[Dispatch] Redial tick complete",
		"eligible", sum.scanned,
		"dispatched", sum.dispatched,
		"deferred", sum.deferred,
		"blocked", sum.blocked,
		"errored", sum.errored,
	)
}

// dialOne runs the guard chain and hands one record to the voice adapter.
func (d *Dispatcher) dialOne(rec redial.Record, now time.Time, sum *tickSummary) {
	if allowed, _ := d.gate.Allow(rec.Phone, rec.LeadID, suppression.PurposeDial); !allowed {
		sum.blocked++
		d.log.Append(d.builder.ContactBlocked(rec.Phone, rec.LeadID, "dial", "suppressed", now))
		return
	}

	// Last guard against concurrent dials: the tracker mutex serializes this
	// check with the add below.
	if pending, inFlight := d.tracker.AnyPendingFor(rec.Phone); inFlight {
		sum.deferred++
		if err := d.queue.Defer(rec.Phone, now); err != nil {
			slog.Error("[Dispatch] Defer failed", "phone", phone.Mask(rec.Phone), "error", err)
		}
		d.log.Append(d.builder.DialDeferred(rec.Phone, rec.LeadID, pending.CallID, now))
		return
	}

	requestID := uuid.NewString()
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.AdapterTimeout)
	callID, err := d.dialer.Dial(ctx, voice.DialRequest{
		Phone:     rec.Phone,
		LeadID:    rec.LeadID,
		ListID:    rec.ListID,
		FirstName: rec.FirstName,
		LastName:  rec.LastName,
		State:     rec.State,
		RequestID: requestID,
		Attempt:   rec.Attempts + 1,
	})
	cancel()
	if err != nil {
		sum.errored++
		slog.Error("[Dispatch] Dial failed", "phone", phone.Mask(rec.Phone), "lead_id", rec.LeadID, "error", err)
		paused, derr := d.queue.DispatchError(rec.Phone, now)
		if derr != nil {
			slog.Error("[Dispatch] Dispatch-error bookkeeping failed", "phone", phone.Mask(rec.Phone), "error", derr)
		}
		reason := err.Error()
		if paused {
			reason = "paused after repeated failures: " + reason
		}
		d.log.Append(d.builder.DialErrored(rec.Phone, rec.LeadID, reason, now))
		return
	}

	if err := d.tracker.Add(tracker.PendingCall{
		CallID:    callID,
		RequestID: requestID,
		LeadID:    rec.LeadID,
		ListID:    rec.ListID,
		Phone:     rec.Phone,
		FirstName: rec.FirstName,
		LastName:  rec.LastName,
		CreatedAt: now,
	}); err != nil {
		slog.Error("[Dispatch] Tracker add failed", "call_id", callID, "error", err)
	}
	if err := d.queue.RecordDispatch(rec.Phone, callID, now); err != nil {
		slog.Error("[Dispatch] Record dispatch failed", "phone", phone.Mask(rec.Phone), "error", err)
	}

	sum.dispatched++
	d.log.Append(d.builder.DialDispatched(rec.Phone, rec.LeadID, callID, requestID, rec.Attempts+1, now))
}

// SMSTick runs one SMS dispatch pass.
func (d *Dispatcher) SMSTick() {
	if !d.cfg.SMSEnabled {
		return
	}
	if !d.smsTickBusy.CompareAndSwap(false, true) {
		slog.Warn("[Dispatch] SMS tick skipped, previous still running")
		return
	}
	defer d.smsTickBusy.Store(false)

	now := d.policy.Now()
	if d.cfg.SMSBusinessHoursOnly && !d.policy.SMSAllowed(now) {
		slog.Debug("[Dispatch] Outside SMS window", "now", now)
		return
	}

	eligible := d.sms.Eligible(now)
	sum := tickSummary{scanned: len(eligible)}
	for _, rec := range eligible {
		d.sendOne(rec, now, &sum)
	}

	slog.Info("[Dispatch] SMS tick complete",
		"eligible", sum.scanned,
		"sent", sum.dispatched,
		"blocked", sum.blocked,
		"errored", sum.errored,
	)
}

func (d *Dispatcher) sendOne(rec sms.Record, now time.Time, sum *tickSummary) {
	if allowed, _ := d.gate.Allow(rec.Phone, rec.LeadID, suppression.PurposeSMS); !allowed {
		sum.blocked++
		d.log.Append(d.builder.ContactBlocked(rec.Phone, rec.LeadID, "sms", "suppressed", now))
		return
	}

	body, err := d.sms.Message(rec)
	if err != nil {
		sum.errored++
		slog.Error("[Dispatch] Template render failed", "phone", phone.Mask(rec.Phone), "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.AdapterTimeout)
	msgID, err := d.sender.Send(ctx, rec.Phone, d.cfg.SMSFrom, body)
	cancel()
	if err != nil {
		sum.errored++
		slog.Error("[Dispatch] SMS send failed", "phone", phone.Mask(rec.Phone), "error", err)
		if serr := d.sms.SendError(rec.Phone, now); serr != nil {
			slog.Error("[Dispatch] SMS send-error bookkeeping failed", "phone", phone.Mask(rec.Phone), "error", serr)
		}
		return
	}

	sent, err := d.sms.MarkSent(rec.Phone, msgID, now)
	if err != nil {
		slog.Error("[Dispatch] Mark sent failed", "phone", phone.Mask(rec.Phone), "error", err)
		return
	}
	sum.dispatched++
	d.log.Append(d.builder.SMSSent(rec.Phone, rec.LeadID, msgID, sent.SequencePosition, now))
}

// resetLoop sleeps until the policy's next reset boundary, runs the daily
// reset, and repeats. Restarts recompute the boundary from the clock, so a
// missed reset is caught by the day-roll guard on the next completion.
func (d *Dispatcher) resetLoop() {
	defer d.wg.Done()

	for {
		now := d.policy.Now()
		next := d.policy.NextReset(now)
		timer := time.NewTimer(next.Sub(now))

		select {
		case <-d.stopCh:
			timer.Stop()
			return
		case <-timer.C:
			at := d.policy.Now()
			reopened := d.queue.DailyReset(at)
			d.log.Append(d.builder.DailyReset(reopened, at))
		}
	}
}

// sweepLoop runs the stale-pending sweep on its own cadence and the
// retention sweeps once per policy day.
func (d *Dispatcher) sweepLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.cfg.StaleSweep)
	defer ticker.Stop()

	lastRetentionDay := ""
	for {
		select {
		case <-d.stopCh:
			return
		case <-ticker.C:
			now := d.policy.Now()
			if demoted := d.tracker.SweepStale(now); demoted > 0 {
				slog.Warn("[Dispatch] Stale pending calls demoted", "count", demoted)
			}

			day := d.policy.DayKey(now)
			if day == lastRetentionDay {
				continue
			}
			lastRetentionDay = day
			if _, err := d.queue.SweepRetention(now); err != nil {
				slog.Error("[Dispatch] Redial retention sweep failed", "error", err)
			}
			if _, err := d.log.SweepRetention(now, d.cfg.RetentionDays); err != nil {
				slog.Error("[Dispatch] Log retention sweep failed", "error", err)
			}
			d.sms.SweepCompleted(now, time.Duration(d.cfg.RetentionDays)*24*time.Hour)
		}
	}
}
