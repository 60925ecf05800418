// Package tracker maintains the in-flight registry of outbound calls. It is
// the last guard against concurrent dials to the same number and survives
// restarts through its single-file cache.
package tracker

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sebas/outdial/internal/persist"
	"github.com/sebas/outdial/internal/phone"
)

const (
	// DefaultPersistInterval is the coarse flush cadence on top of the
	// per-mutation persists.
	DefaultPersistInterval = 30 * time.Second
	// DefaultStaleMax is the age past which a pending call is presumed lost
	// and demoted to failed.
	DefaultStaleMax = 180 * time.Minute
)

// Status is the lifecycle state of a pending call.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// PendingCall is one in-flight outbound call.
type PendingCall struct {
	CallID    string    `json:"call_id"`
	RequestID string    `json:"request_id"`
	LeadID    string    `json:"lead_id"`
	ListID    string    `json:"list_id,omitempty"`
	Phone     string    `json:"phone"` // normalized
	FirstName string    `json:"first_name,omitempty"`
	LastName  string    `json:"last_name,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	Status    Status    `json:"status"`
	Error     string    `json:"error,omitempty"`
}

// Age returns how long the call has been tracked.
func (p *PendingCall) Age(now time.Time) time.Duration {
	return now.Sub(p.CreatedAt)
}

// Tracker is the in-flight call registry. The mutex serializes Add against
// AnyPendingFor so two dispatchers cannot both pick the same phone.
type Tracker struct {
	mu    sync.Mutex
	calls map[string]*PendingCall // call_id -> call

	file     *persist.File[PendingCall]
	staleMax time.Duration

	stopCh chan struct{}
	doneCh chan struct{}
}

// New loads the tracker from its cache file. Entries rehydrate as persisted;
// stale pendings stay in place so the sweep can reconcile them.
func New(path string, staleMax time.Duration) (*Tracker, error) {
	if staleMax == 0 {
		staleMax = DefaultStaleMax
	}
	t := &Tracker{
		calls:    make(map[string]*PendingCall),
		file:     persist.NewFile[PendingCall](path, 0),
		staleMax: staleMax,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}

	m, err := t.file.Load()
	if err != nil {
		return nil, fmt.Errorf("load call-state cache: %w", err)
	}
	for id := range m {
		c := m[id]
		t.calls[id] = &c
	}
	if len(t.calls) > 0 {
		slog.Info("[Tracker] Rehydrated call state", "count", len(t.calls))
	}
	return t, nil
}

// Start launches the coarse periodic flush. Zero interval uses the default.
func (t *Tracker) Start(interval time.Duration) {
	if interval == 0 {
		interval = DefaultPersistInterval
	}
	go func() {
		defer close(t.doneCh)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := t.Flush(); err != nil {
					slog.Error("[Tracker] Periodic flush failed", "error", err)
				}
			case <-t.stopCh:
				return
			}
		}
	}()
}

// Stop halts the flush loop and writes a final snapshot.
func (t *Tracker) Stop() {
	close(t.stopCh)
	<-t.doneCh
	if err := t.Flush(); err != nil {
		slog.Error("[Tracker] Final flush failed", "error", err)
	}
}

// Add inserts an in-flight call and persists.
func (t *Tracker) Add(call PendingCall) error {
	call.Phone = phone.Normalize(call.Phone)
	if call.Status == "" {
		call.Status = StatusPending
	}
	if call.CreatedAt.IsZero() {
		call.CreatedAt = time.Now()
	}

	t.mu.Lock()
	t.calls[call.CallID] = &call
	t.mu.Unlock()

	slog.Debug("[Tracker] Call added", "call_id", call.CallID, "phone", phone.Mask(call.Phone))
	return t.Flush()
}

// Complete marks the call done and removes it from the registry.
func (t *Tracker) Complete(callID, outcome string) error {
	t.mu.Lock()
	c, ok := t.calls[callID]
	if ok {
		c.Status = StatusCompleted
		delete(t.calls, callID)
	}
	t.mu.Unlock()

	if !ok {
		slog.Debug("[Tracker] Complete for unknown call", "call_id", callID)
		return nil
	}
	slog.Debug("[Tracker] Call completed", "call_id", callID, "outcome", outcome)
	return t.Flush()
}

// Fail marks the call failed. The entry stays operator-visible until the
// stale sweep drops it.
func (t *Tracker) Fail(callID string, cause error) error {
	t.mu.Lock()
	c, ok := t.calls[callID]
	if ok {
		c.Status = StatusFailed
		if cause != nil {
			c.Error = cause.Error()
		}
	}
	t.mu.Unlock()

	if !ok {
		return nil
	}
	slog.Warn("[Tracker] Call failed", "call_id", callID, "error", cause)
	return t.Flush()
}

// Get returns a copy of the call with the given id.
func (t *Tracker) Get(callID string) (*PendingCall, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.calls[callID]
	if !ok {
		return nil, false
	}
	cp := *c
	return &cp, true
}

// AnyPendingFor reports the pending call to the given phone, if one exists.
// Linear scan; the pending set is small.
func (t *Tracker) AnyPendingFor(phoneNum string) (*PendingCall, bool) {
	key := phone.Normalize(phoneNum)
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, c := range t.calls {
		if c.Status == StatusPending && c.Phone == key {
			cp := *c
			return &cp, true
		}
	}
	return nil, false
}

// List returns copies of all tracked calls, for admin inspection.
func (t *Tracker) List() []PendingCall {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]PendingCall, 0, len(t.calls))
	for _, c := range t.calls {
		out = append(out, *c)
	}
	return out
}

// Count returns the number of tracked calls.
func (t *Tracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.calls)
}

// SweepStale demotes pendings older than the stale bound to failed and drops
// failed entries older than twice the bound. Returns how many were demoted.
func (t *Tracker) SweepStale(now time.Time) int {
	t.mu.Lock()
	demoted := 0
	for id, c := range t.calls {
		switch c.Status {
		case StatusPending:
			if c.Age(now) > t.staleMax {
				c.Status = StatusFailed
				c.Error = "stale: no completion webhook received"
				demoted++
				slog.Warn("[Tracker] Stale pending demoted to failed",
					"call_id", c.CallID,
					"phone", phone.Mask(c.Phone),
					"age", c.Age(now).Round(time.Minute),
				)
			}
		case StatusFailed:
			if c.Age(now) > 2*t.staleMax {
				delete(t.calls, id)
			}
		}
	}
	t.mu.Unlock()

	if demoted > 0 {
		if err := t.Flush(); err != nil {
			slog.Error("[Tracker] Flush after sweep failed", "error", err)
		}
	}
	return demoted
}

// Flush writes the current registry to disk.
func (t *Tracker) Flush() error {
	t.mu.Lock()
	snapshot := make(map[string]PendingCall, len(t.calls))
	for id, c := range t.calls {
		snapshot[id] = *c
	}
	t.mu.Unlock()

	return t.file.Save(snapshot)
}
