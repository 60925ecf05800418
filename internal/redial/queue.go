// Package redial implements the per-phone durable retry state machine: the
// progressive-interval scheduler, daily and lifetime caps, the daily reset,
// and completion-webhook reconciliation with duplicate detection.
package redial

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/sebas/outdial/internal/persist"
	"github.com/sebas/outdial/internal/phone"
	"github.com/sebas/outdial/internal/schedule"
)

// Config tunes the retry state machine.
type Config struct {
	// MaxAttempts is the lifetime dial cap per phone.
	MaxAttempts int
	// MaxDailyAttempts is the per-policy-day dial cap per phone.
	MaxDailyAttempts int
	// Intervals is the progressive delay table in minutes: Intervals[k-1] is
	// the delay after the k-th attempt. Attempts beyond the table reuse the
	// last entry.
	Intervals []int
	// MinRetryGap floors every retry delay so an in-flight call can never
	// still be active when the next is scheduled.
	MinRetryGap time.Duration
	// ActiveWindowTodayOnly restricts dispatch to records touched today
	// (matched against updated_at, so the daily reset keeps multi-day
	// retries flowing).
	ActiveWindowTodayOnly bool
	// RetentionDays bounds how old a record may be before the monthly sweep
	// claims it; the daily reset leaves such records alone.
	RetentionDays int
	// GuardDeferral is how far a record is pushed when the pre-dial guard
	// sees a pending call to the same phone.
	GuardDeferral time.Duration
}

// DefaultConfig returns the stock retry policy.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:           8,
		MaxDailyAttempts:      8,
		Intervals:             []int{0, 0, 5, 10, 30, 60, 120},
		MinRetryGap:           2 * time.Minute,
		ActiveWindowTodayOnly: true,
		RetentionDays:         30,
		GuardDeferral:         5 * time.Minute,
	}
}

// Completion is a normalized completion event applied to the queue.
type Completion struct {
	CallID     string
	Phone      string
	LeadID     string
	ListID     string
	FirstName  string
	LastName   string
	Outcome    Outcome
	RawTag     string
	CallbackAt *time.Time
}

// ApplyResult reports what a completion did to the record.
type ApplyResult struct {
	Record       Record
	Created      bool
	Duplicate    bool
	StatusBefore Status
}

// Queue is the redial queue: month-sharded durable records keyed by phone.
// A single mutex serializes all record mutations; dispatch reads and ingress
// writes interleave safely through it.
type Queue struct {
	mu     sync.Mutex
	cfg    Config
	policy *schedule.Policy
	shards *persist.Shards[Record]

	// data holds loaded shards: month key -> phone key -> record. The
	// current month plus any months touched by reconciliation stay loaded.
	data       map[string]map[string]*Record
	currentKey string
}

// NewQueue opens the redial queue rooted at dir, loading the current month's
// shard (and the previous month's, for cross-month reconciliation).
func NewQueue(dir string, cfg Config, policy *schedule.Policy) (*Queue, error) {
	q := &Queue{
		cfg:    cfg,
		policy: policy,
		shards: persist.NewShards[Record](dir, "redial-queue", 0),
		data:   make(map[string]map[string]*Record),
	}

	now := policy.Now()
	if err := q.loadShard(policy.MonthKey(now)); err != nil {
		return nil, err
	}
	prev := policy.MonthKey(now.AddDate(0, -1, 0))
	if err := q.loadShard(prev); err != nil {
		return nil, err
	}
	q.currentKey = policy.MonthKey(now)

	total := 0
	for _, m := range q.data {
		total += len(m)
	}
	slog.Info("[Redial] Queue loaded", "records", total, "current_shard", q.currentKey)
	return q, nil
}

// loadShard reads one month shard into memory if not already present.
// Caller must not hold q.mu for the initial load; runtime loads take it.
func (q *Queue) loadShard(key string) error {
	if _, ok := q.data[key]; ok {
		return nil
	}
	m, err := q.shards.Load(key)
	if err != nil {
		return fmt.Errorf("load redial shard %s: %w", key, err)
	}
	recs := make(map[string]*Record, len(m))
	for k := range m {
		r := m[k]
		recs[k] = &r
	}
	q.data[key] = recs
	return nil
}

// persistShard writes one loaded shard to disk. Called with q.mu held; the
// snapshot is taken under the mutex but file I/O runs on the copied map.
func (q *Queue) persistShard(key string) error {
	recs, ok := q.data[key]
	if !ok {
		return nil
	}
	snapshot := make(map[string]Record, len(recs))
	for k, r := range recs {
		snapshot[k] = *r
	}
	return q.shards.Save(key, snapshot)
}

// rolloverLocked lazily switches to a new month shard at the boundary,
// retaining previously loaded shards for reconciliation writes.
func (q *Queue) rolloverLocked(now time.Time) {
	key := q.policy.MonthKey(now)
	if key == q.currentKey {
		return
	}
	if err := q.loadShard(key); err != nil {
		slog.Error("[Redial] Shard rollover load failed", "shard", key, "error", err)
		return
	}
	slog.Info("[Redial] Shard rollover", "from", q.currentKey, "to", key)
	q.currentKey = key
}

// findLocked locates a record by phone key across loaded shards, newest
// first. Returns the shard key it lives in.
func (q *Queue) findLocked(key string) (*Record, string) {
	if r, ok := q.data[q.currentKey][key]; ok {
		return r, q.currentKey
	}
	var shardKeys []string
	for sk := range q.data {
		if sk != q.currentKey {
			shardKeys = append(shardKeys, sk)
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(shardKeys)))
	for _, sk := range shardKeys {
		if r, ok := q.data[sk][key]; ok {
			return r, sk
		}
	}
	return nil, ""
}

// delayFor computes the scheduling delay after the a-th attempt:
// max(I[min(a, K)], MinRetryGap).
func (q *Queue) delayFor(attempt int) time.Duration {
	if len(q.cfg.Intervals) == 0 {
		return q.cfg.MinRetryGap
	}
	idx := attempt
	if idx > len(q.cfg.Intervals) {
		idx = len(q.cfg.Intervals)
	}
	if idx < 1 {
		idx = 1
	}
	d := time.Duration(q.cfg.Intervals[idx-1]) * time.Minute
	if d < q.cfg.MinRetryGap {
		return q.cfg.MinRetryGap
	}
	return d
}

// ApplyCompletion reconciles a completion webhook into the record, creating
// the record on first contact. Duplicate webhooks (same call_id as the
// record's last) never move counters; they may only finish a terminal
// classification.
func (q *Queue) ApplyCompletion(c Completion, now time.Time) (*ApplyResult, error) {
	key := phone.Normalize(c.Phone)
	if key == "" {
		return nil, fmt.Errorf("completion %s has no phone", c.CallID)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.rolloverLocked(now)

	rec, shardKey := q.findLocked(key)
	created := false
	if rec == nil {
		rec = &Record{
			LeadID:    c.LeadID,
			ListID:    c.ListID,
			Phone:     key,
			FirstName: c.FirstName,
			LastName:  c.LastName,
			Status:    StatusPending,
			CreatedAt: now,
		}
		q.data[q.currentKey][key] = rec
		shardKey = q.currentKey
		created = true
	}
	before := rec.Status

	// Duplicate webhook: counters stay put. Terminal classifications still
	// land so a redelivered sale/stop closes the record.
	if rec.LastCallID != "" && rec.LastCallID == c.CallID {
		if c.Outcome.Terminal() && !rec.Status.Terminal() {
			rec.LastOutcome = c.Outcome
			if err := rec.transition(StatusCompleted); err != nil {
				return nil, err
			}
			rec.UpdatedAt = now
			if err := q.persistShard(shardKey); err != nil {
				return nil, err
			}
		}
		slog.Debug("[Redial] Duplicate completion ignored", "call_id", c.CallID, "phone", phone.Mask(key))
		return &ApplyResult{Record: *rec, Duplicate: true, StatusBefore: before}, nil
	}

	if rec.Status.Terminal() {
		// Late webhook for a closed record: log history, never reopen.
		rec.pushOutcome(c.Outcome, c.CallID, now)
		rec.UpdatedAt = now
		if err := q.persistShard(shardKey); err != nil {
			return nil, err
		}
		return &ApplyResult{Record: *rec, StatusBefore: before}, nil
	}

	// Mutate a copy so a rejected status transition leaves the record
	// untouched; otherwise the redelivery would hit the duplicate guard with
	// half-applied counters.
	staged := *rec

	// Roll the daily counter when this is the first completion of a new
	// policy day (the reset timer normally does this; the guard covers
	// restarts that missed a boundary).
	if !staged.LastCallAt.IsZero() && !q.policy.SameDay(staged.LastCallAt, now) {
		staged.AttemptsToday = 0
	}

	staged.Attempts++
	staged.AttemptsToday++
	staged.LastCallID = c.CallID
	staged.LastCallAt = now
	staged.LastOutcome = c.Outcome
	staged.DispatchFailures = 0
	// Call history was written at dispatch time; here only the outcome lands.
	staged.pushOutcome(c.Outcome, c.CallID, now)

	if err := q.scheduleLocked(&staged, c, now); err != nil {
		return nil, err
	}
	staged.UpdatedAt = now
	*rec = staged

	if err := q.persistShard(shardKey); err != nil {
		return nil, err
	}

	slog.Info("[Redial] Completion applied",
		"phone", phone.Mask(key),
		"lead_id", rec.LeadID,
		"call_id", c.CallID,
		"attempt", rec.Attempts,
		"outcome", c.Outcome,
		"status_before", before,
		"status_after", rec.Status,
		"next_redial", rec.NextRedialAt,
	)
	return &ApplyResult{Record: *rec, Created: created, StatusBefore: before}, nil
}

// scheduleLocked applies the progressive-interval and cap rules to a record
// whose counters were just advanced.
func (q *Queue) scheduleLocked(rec *Record, c Completion, now time.Time) error {
	switch c.Outcome.Class() {
	case ClassTerminalSuccess, ClassTerminalStop:
		return rec.transition(StatusCompleted)
	}

	// Lifetime cap wins over the daily cap when both fire at once.
	if rec.Attempts >= q.cfg.MaxAttempts {
		return rec.transition(StatusMaxAttempts)
	}
	if rec.AttemptsToday >= q.cfg.MaxDailyAttempts {
		return rec.transition(StatusDailyMaxReached)
	}

	if c.Outcome == OutcomeCallbackRequested && c.CallbackAt != nil && c.CallbackAt.After(now) {
		t := *c.CallbackAt
		rec.ScheduledCallbackAt = &t
		rec.NextRedialAt = t
		return rec.transition(StatusRescheduled)
	}

	rec.NextRedialAt = now.Add(q.delayFor(rec.Attempts))
	return rec.transition(StatusPending)
}

// RecordDispatch stamps the record when a dial is handed to the voice
// adapter. Attempt counters move only on completion ingress.
func (q *Queue) RecordDispatch(phoneNum, callID string, now time.Time) error {
	key := phone.Normalize(phoneNum)
	q.mu.Lock()
	defer q.mu.Unlock()

	rec, shardKey := q.findLocked(key)
	if rec == nil {
		return fmt.Errorf("dispatch for unknown record %s", phone.Mask(key))
	}
	rec.LastCallAt = now
	rec.UpdatedAt = now
	rec.pushCall(callID, now, rec.Attempts+1)
	return q.persistShard(shardKey)
}

// Defer pushes a record's next eligible instant forward without touching
// counters. Used when the pre-dial guard sees a pending call.
func (q *Queue) Defer(phoneNum string, now time.Time) error {
	key := phone.Normalize(phoneNum)
	q.mu.Lock()
	defer q.mu.Unlock()

	rec, shardKey := q.findLocked(key)
	if rec == nil {
		return nil
	}
	rec.NextRedialAt = now.Add(q.cfg.GuardDeferral)
	rec.UpdatedAt = now
	return q.persistShard(shardKey)
}

// DispatchError reschedules after an adapter failure using the progressive
// table from the current attempt count, without incrementing attempts. The
// third consecutive failure demotes the record to paused.
func (q *Queue) DispatchError(phoneNum string, now time.Time) (paused bool, err error) {
	key := phone.Normalize(phoneNum)
	q.mu.Lock()
	defer q.mu.Unlock()

	rec, shardKey := q.findLocked(key)
	if rec == nil {
		return false, nil
	}
	rec.DispatchFailures++
	rec.UpdatedAt = now

	if rec.DispatchFailures >= 3 {
		if terr := rec.transition(StatusPaused); terr != nil {
			return false, terr
		}
		slog.Error("[Redial] Record paused after repeated adapter failures",
			"phone", phone.Mask(key),
			"lead_id", rec.LeadID,
			"failures", rec.DispatchFailures,
		)
		return true, q.persistShard(shardKey)
	}

	rec.NextRedialAt = now.Add(q.delayFor(rec.Attempts + 1))
	return false, q.persistShard(shardKey)
}

// Eligible returns records ready to dial at now, ordered earliest-ready
// first with ties broken by fewest attempts. The business-hours and
// concurrent-call guards belong to the dispatch loop.
func (q *Queue) Eligible(now time.Time) []Record {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.rolloverLocked(now)

	var out []Record
	for _, recs := range q.data {
		for _, rec := range recs {
			if q.eligibleLocked(rec, now) {
				out = append(out, *rec)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].NextRedialAt.Equal(out[j].NextRedialAt) {
			return out[i].NextRedialAt.Before(out[j].NextRedialAt)
		}
		return out[i].Attempts < out[j].Attempts
	})
	return out
}

func (q *Queue) eligibleLocked(rec *Record, now time.Time) bool {
	switch rec.Status {
	case StatusPending:
	case StatusRescheduled:
		if rec.ScheduledCallbackAt == nil || rec.ScheduledCallbackAt.After(now) {
			return false
		}
	default:
		return false
	}
	if rec.Attempts >= q.cfg.MaxAttempts || rec.AttemptsToday >= q.cfg.MaxDailyAttempts {
		return false
	}
	if rec.NextRedialAt.After(now) {
		return false
	}
	if q.cfg.ActiveWindowTodayOnly && rec.Status != StatusRescheduled {
		// Matched against updated_at so anything the daily reset touched
		// today keeps flowing; the backfill path refreshes updated_at to
		// opt records back in. A customer-requested callback instant
		// overrides the window.
		if !q.policy.SameDay(rec.UpdatedAt, now) {
			return false
		}
	}
	return true
}

// DailyReset reopens capped records at the configured boundary: clears the
// daily counters and returns daily_max_reached records with lifetime
// remaining to pending, dialable immediately. Records older than retention
// are left for the sweep; rescheduled callbacks keep their instant.
func (q *Queue) DailyReset(now time.Time) (reopened int) {
	retention := time.Duration(q.cfg.RetentionDays) * 24 * time.Hour

	q.mu.Lock()
	defer q.mu.Unlock()
	q.rolloverLocked(now)

	touched := make(map[string]bool)
	for shardKey, recs := range q.data {
		for _, rec := range recs {
			if rec.Status.Terminal() {
				continue
			}
			if now.Sub(rec.CreatedAt) > retention {
				continue
			}
			if rec.AttemptsToday != 0 {
				rec.AttemptsToday = 0
				rec.UpdatedAt = now
				touched[shardKey] = true
			}
			if rec.Status == StatusDailyMaxReached && rec.Attempts < q.cfg.MaxAttempts {
				if err := rec.transition(StatusPending); err != nil {
					slog.Error("[Redial] Daily reset transition failed", "phone", phone.Mask(rec.Phone), "error", err)
					continue
				}
				rec.NextRedialAt = now
				rec.UpdatedAt = now
				reopened++
				touched[shardKey] = true
			} else if rec.Status == StatusPending {
				// Touch so the active-window rule admits multi-day retries.
				rec.UpdatedAt = now
				touched[shardKey] = true
			}
		}
	}
	for shardKey := range touched {
		if err := q.persistShard(shardKey); err != nil {
			slog.Error("[Redial] Daily reset persist failed", "shard", shardKey, "error", err)
		}
	}

	slog.Info("[Redial] Daily reset complete", "reopened", reopened)
	return reopened
}

// CompleteExternal closes a non-terminal record from outside the dial flow
// (SMS opt-out, admin stop). No counters move.
func (q *Queue) CompleteExternal(phoneNum, reason string, now time.Time) error {
	key := phone.Normalize(phoneNum)
	q.mu.Lock()
	defer q.mu.Unlock()

	rec, shardKey := q.findLocked(key)
	if rec == nil || rec.Status.Terminal() {
		return nil
	}
	before := rec.Status
	if err := rec.transition(StatusCompleted); err != nil {
		return err
	}
	rec.UpdatedAt = now

	slog.Info("[Redial] Record completed externally",
		"phone", phone.Mask(key),
		"lead_id", rec.LeadID,
		"status_before", before,
		"reason", reason,
	)
	return q.persistShard(shardKey)
}

// Insert adds or refreshes a record from an admin or backfill path. The
// updated_at stamp is set to now so the active-window rule admits it.
func (q *Queue) Insert(rec Record, now time.Time) error {
	key := phone.Normalize(rec.Phone)
	if key == "" {
		return fmt.Errorf("insert requires a phone")
	}
	rec.Phone = key

	q.mu.Lock()
	defer q.mu.Unlock()
	q.rolloverLocked(now)

	existing, shardKey := q.findLocked(key)
	if existing != nil {
		existing.LeadID = rec.LeadID
		existing.ListID = rec.ListID
		existing.FirstName = rec.FirstName
		existing.LastName = rec.LastName
		existing.State = rec.State
		existing.UpdatedAt = now
		if existing.Status == StatusPaused {
			if err := existing.transition(StatusPending); err != nil {
				return err
			}
			existing.DispatchFailures = 0
		}
		return q.persistShard(shardKey)
	}

	if rec.Status == "" {
		rec.Status = StatusPending
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	q.data[q.currentKey][key] = &rec
	return q.persistShard(q.currentKey)
}

// Pause places a record into the admin hold state.
func (q *Queue) Pause(phoneNum string, now time.Time) error {
	return q.adminTransition(phoneNum, StatusPaused, now)
}

// Resume returns a paused record to pending, dialable immediately.
func (q *Queue) Resume(phoneNum string, now time.Time) error {
	key := phone.Normalize(phoneNum)
	q.mu.Lock()
	defer q.mu.Unlock()

	rec, shardKey := q.findLocked(key)
	if rec == nil {
		return fmt.Errorf("no record for %s", phone.Mask(key))
	}
	if err := rec.transition(StatusPending); err != nil {
		return err
	}
	rec.DispatchFailures = 0
	rec.NextRedialAt = now
	rec.UpdatedAt = now
	return q.persistShard(shardKey)
}

func (q *Queue) adminTransition(phoneNum string, next Status, now time.Time) error {
	key := phone.Normalize(phoneNum)
	q.mu.Lock()
	defer q.mu.Unlock()

	rec, shardKey := q.findLocked(key)
	if rec == nil {
		return fmt.Errorf("no record for %s", phone.Mask(key))
	}
	if err := rec.transition(next); err != nil {
		return err
	}
	rec.UpdatedAt = now
	return q.persistShard(shardKey)
}

// Get returns a copy of the record for a phone.
func (q *Queue) Get(phoneNum string) (*Record, bool) {
	key := phone.Normalize(phoneNum)
	q.mu.Lock()
	defer q.mu.Unlock()

	rec, _ := q.findLocked(key)
	if rec == nil {
		return nil, false
	}
	cp := *rec
	return &cp, true
}

// All returns copies of every loaded record, for admin inspection.
func (q *Queue) All() []Record {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []Record
	for _, recs := range q.data {
		for _, rec := range recs {
			out = append(out, *rec)
		}
	}
	return out
}

// Counts returns record totals by status.
func (q *Queue) Counts() map[Status]int {
	q.mu.Lock()
	defer q.mu.Unlock()

	counts := make(map[Status]int)
	for _, recs := range q.data {
		for _, rec := range recs {
			counts[rec.Status]++
		}
	}
	return counts
}

// SweepRetention deletes month shards older than the retention window. The
// current shard is never touched.
func (q *Queue) SweepRetention(now time.Time) ([]string, error) {
	cutoff := q.policy.MonthKey(now.AddDate(0, 0, -q.cfg.RetentionDays))
	current := q.policy.MonthKey(now)

	removed, err := q.shards.Sweep(func(key string) bool {
		return key < cutoff && key != current
	})
	if err != nil {
		return removed, err
	}

	q.mu.Lock()
	for _, key := range removed {
		delete(q.data, key)
	}
	q.mu.Unlock()

	if len(removed) > 0 {
		slog.Info("[Redial] Retention sweep removed shards", "shards", removed)
	}
	return removed, nil
}
