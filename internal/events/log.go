package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/sebas/outdial/internal/persist"
	"github.com/sebas/outdial/internal/schedule"
)

// DefaultMaxPerDay bounds the daily shard; entries beyond it are counted and
// dropped so a webhook storm cannot grow a shard without limit.
const DefaultMaxPerDay = 10000

// Log is the bounded daily event log: one JSON shard per policy day under
// webhook-logs/, keyed by entry id.
type Log struct {
	mu      sync.Mutex
	policy  *schedule.Policy
	shards  *persist.Shards[Entry]
	maxPer  int
	dayKey  string
	entries map[string]Entry
	dropped int
}

// NewLog opens the event log rooted at dir, loading today's shard.
func NewLog(dir string, maxPerDay int, policy *schedule.Policy) (*Log, error) {
	if maxPerDay <= 0 {
		maxPerDay = DefaultMaxPerDay
	}
	l := &Log{
		policy: policy,
		shards: persist.NewShards[Entry](dir, "webhook-logs", 0),
		maxPer: maxPerDay,
	}
	if err := l.rollLocked(policy.Now()); err != nil {
		return nil, err
	}
	return l, nil
}

// rollLocked loads the shard for now's policy day, switching at the boundary.
func (l *Log) rollLocked(now time.Time) error {
	key := l.policy.DayKey(now)
	if key == l.dayKey && l.entries != nil {
		return nil
	}
	m, err := l.shards.Load(key)
	if err != nil {
		return err
	}
	if l.dayKey != "" && l.dropped > 0 {
		slog.Warn("[Events] Daily log closed with dropped entries", "day", l.dayKey, "dropped", l.dropped)
	}
	l.dayKey = key
	l.entries = m
	l.dropped = 0
	return nil
}

// Append writes an entry to today's shard. Appends past the daily bound are
// dropped; the log is an operator artifact and never blocks state mutation.
func (l *Log) Append(e Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.rollLocked(e.At); err != nil {
		slog.Error("[Events] Log shard load failed", "error", err)
		return
	}
	if len(l.entries) >= l.maxPer {
		l.dropped++
		return
	}
	l.entries[e.ID] = e
	if err := l.shards.Save(l.dayKey, l.entries); err != nil {
		slog.Error("[Events] Log persist failed", "day", l.dayKey, "error", err)
	}
}

// Today returns a copy of today's entries, for admin inspection.
func (l *Log) Today(now time.Time) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.rollLocked(now); err != nil {
		return nil
	}
	out := make([]Entry, 0, len(l.entries))
	for _, e := range l.entries {
		out = append(out, e)
	}
	return out
}

// SweepRetention deletes day shards older than retentionDays. The current
// shard is never touched.
func (l *Log) SweepRetention(now time.Time, retentionDays int) ([]string, error) {
	cutoff := l.policy.DayKey(now.AddDate(0, 0, -retentionDays))
	current := l.policy.DayKey(now)
	return l.shards.Sweep(func(key string) bool {
		return key < cutoff && key != current
	})
}
