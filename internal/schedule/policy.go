package schedule

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultTimezone governs all business-hours and blackout arithmetic unless
// configured otherwise. IANA zone strings only; no UTC-offset arithmetic.
const DefaultTimezone = "America/New_York"

// ResetTiming selects when the daily reset reopens capped records.
type ResetTiming string

const (
	// ResetMidnight runs the reset once at midnight of the policy timezone.
	ResetMidnight ResetTiming = "midnight"
	// ResetBusinessHours runs the reset five minutes before open and again
	// at close.
	ResetBusinessHours ResetTiming = "business_hours"
)

// Config is the persisted scheduler configuration
// (<data>/scheduler-config.json).
type Config struct {
	Timezone           string      `json:"timezone"`
	BusinessHoursStart string      `json:"business_hours_start"` // "HH:MM"
	BusinessHoursEnd   string      `json:"business_hours_end"`   // "HH:MM"
	WeekdaysOnly       bool        `json:"weekdays_only"`
	BlackoutDates      []string    `json:"blackout_dates"` // "YYYY-MM-DD"
	ResetTiming        ResetTiming `json:"reset_timing"`
}

// DefaultConfig returns the stock policy: 11:00-20:00 Eastern, weekdays only,
// no blackout dates, midnight reset.
func DefaultConfig() Config {
	return Config{
		Timezone:           DefaultTimezone,
		BusinessHoursStart: "11:00",
		BusinessHoursEnd:   "20:00",
		WeekdaysOnly:       true,
		ResetTiming:        ResetMidnight,
	}
}

// Policy evaluates schedule predicates against the policy clock. Safe for
// concurrent use; configuration may be swapped at runtime by the file
// watcher.
type Policy struct {
	mu        sync.RWMutex
	cfg       Config
	loc       *time.Location
	blackouts map[string]struct{} // "YYYY-MM-DD" in policy timezone
	openMin   int                 // minutes since midnight
	closeMin  int

	clock   Clock
	path    string
	watcher *fsnotify.Watcher
}

// NewPolicy builds a Policy from cfg. A nil clock gets a SystemClock in the
// policy timezone.
func NewPolicy(cfg Config, clock Clock) (*Policy, error) {
	p := &Policy{}
	if err := p.apply(cfg); err != nil {
		return nil, err
	}
	if clock == nil {
		clock = &SystemClock{Loc: p.loc}
	}
	p.clock = clock
	return p, nil
}

// LoadPolicy reads scheduler-config.json from path, falling back to defaults
// when the file is absent, and writes the defaults back so operators have a
// file to edit.
func LoadPolicy(path string, clock Clock) (*Policy, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse scheduler config %s: %w", path, err)
		}
	case os.IsNotExist(err):
		if data, err := json.MarshalIndent(cfg, "", "  "); err == nil {
			_ = os.WriteFile(path, data, 0o644)
		}
	default:
		return nil, fmt.Errorf("read scheduler config %s: %w", path, err)
	}

	p, err := NewPolicy(cfg, clock)
	if err != nil {
		return nil, err
	}
	p.path = path
	return p, nil
}

// apply validates and installs cfg.
func (p *Policy) apply(cfg Config) error {
	if cfg.Timezone == "" {
		cfg.Timezone = DefaultTimezone
	}
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return fmt.Errorf("invalid timezone %q: %w", cfg.Timezone, err)
	}

	openMin, err := parseClockTime(cfg.BusinessHoursStart)
	if err != nil {
		return fmt.Errorf("invalid business_hours_start: %w", err)
	}
	closeMin, err := parseClockTime(cfg.BusinessHoursEnd)
	if err != nil {
		return fmt.Errorf("invalid business_hours_end: %w", err)
	}
	if closeMin <= openMin {
		return fmt.Errorf("business hours end %q must be after start %q", cfg.BusinessHoursEnd, cfg.BusinessHoursStart)
	}

	blackouts := make(map[string]struct{}, len(cfg.BlackoutDates))
	for _, d := range cfg.BlackoutDates {
		if _, err := time.ParseInLocation("2006-01-02", d, loc); err != nil {
			return fmt.Errorf("invalid blackout date %q: %w", d, err)
		}
		blackouts[d] = struct{}{}
	}

	if cfg.ResetTiming == "" {
		cfg.ResetTiming = ResetMidnight
	}
	if cfg.ResetTiming != ResetMidnight && cfg.ResetTiming != ResetBusinessHours {
		return fmt.Errorf("invalid reset_timing %q", cfg.ResetTiming)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.cfg = cfg
	p.loc = loc
	p.blackouts = blackouts
	p.openMin = openMin
	p.closeMin = closeMin
	return nil
}

// parseClockTime parses "HH:MM" into minutes since midnight.
func parseClockTime(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, err
	}
	return t.Hour()*60 + t.Minute(), nil
}

// Now returns the current instant in the policy timezone.
func (p *Policy) Now() time.Time {
	p.mu.RLock()
	loc := p.loc
	p.mu.RUnlock()
	return p.clock.Now().In(loc)
}

// Location returns the policy timezone.
func (p *Policy) Location() *time.Location {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.loc
}

// Config returns a copy of the active configuration.
func (p *Policy) Config() Config {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cfg
}

// InBusinessHours reports whether t falls inside the configured dial window.
// The weekday rule applies when weekdays_only is set.
func (p *Policy) InBusinessHours(t time.Time) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	t = t.In(p.loc)
	if p.cfg.WeekdaysOnly && isWeekend(t) {
		return false
	}
	min := t.Hour()*60 + t.Minute()
	return min >= p.openMin && min < p.closeMin
}

// IsWeekday reports whether t is Monday through Friday in the policy
// timezone.
func (p *Policy) IsWeekday(t time.Time) bool {
	p.mu.RLock()
	loc := p.loc
	p.mu.RUnlock()
	return !isWeekend(t.In(loc))
}

// IsBlackoutDate reports whether t's calendar date is suppressed.
func (p *Policy) IsBlackoutDate(t time.Time) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, blocked := p.blackouts[t.In(p.loc).Format("2006-01-02")]
	return blocked
}

// DispatchAllowed is the combined gate for outbound dials: inside business
// hours and not a blackout date.
func (p *Policy) DispatchAllowed(t time.Time) bool {
	return p.InBusinessHours(t) && !p.IsBlackoutDate(t)
}

// SMSAllowed is the combined gate for outbound SMS: weekday, inside business
// hours, not a blackout date. Weekends are always suppressed for SMS
// regardless of weekdays_only.
func (p *Policy) SMSAllowed(t time.Time) bool {
	return p.IsWeekday(t) && p.InBusinessHours(t) && !p.IsBlackoutDate(t)
}

// SameDay reports whether a and b fall on the same calendar day in the
// policy timezone.
func (p *Policy) SameDay(a, b time.Time) bool {
	p.mu.RLock()
	loc := p.loc
	p.mu.RUnlock()
	a, b = a.In(loc), b.In(loc)
	return a.Year() == b.Year() && a.YearDay() == b.YearDay()
}

// DayKey returns t's calendar date key ("YYYY-MM-DD") in the policy
// timezone. Used for day-sharded stores.
func (p *Policy) DayKey(t time.Time) string {
	p.mu.RLock()
	loc := p.loc
	p.mu.RUnlock()
	return t.In(loc).Format("2006-01-02")
}

// MonthKey returns t's month key ("YYYY-MM") in the policy timezone. Used
// for month-sharded stores.
func (p *Policy) MonthKey(t time.Time) string {
	p.mu.RLock()
	loc := p.loc
	p.mu.RUnlock()
	return t.In(loc).Format("2006-01")
}

// NextReset computes the next daily-reset instant strictly after t, honoring
// the configured reset timing.
func (p *Policy) NextReset(t time.Time) time.Time {
	p.mu.RLock()
	timing := p.cfg.ResetTiming
	openMin := p.openMin
	closeMin := p.closeMin
	loc := p.loc
	p.mu.RUnlock()

	t = t.In(loc)
	midnight := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)

	if timing == ResetMidnight {
		return midnight.AddDate(0, 0, 1)
	}

	// business_hours: five minutes before open, and at close.
	preOpen := midnight.Add(time.Duration(openMin)*time.Minute - 5*time.Minute)
	close := midnight.Add(time.Duration(closeMin) * time.Minute)
	switch {
	case t.Before(preOpen):
		return preOpen
	case t.Before(close):
		return close
	default:
		return preOpen.AddDate(0, 0, 1)
	}
}

// DayGapEligible returns the earliest instant of the calendar day that lies
// `days` policy-timezone days after start. Day gap zero is the start instant
// itself.
func (p *Policy) DayGapEligible(start time.Time, days int) time.Time {
	if days <= 0 {
		return start
	}
	p.mu.RLock()
	loc := p.loc
	openMin := p.openMin
	p.mu.RUnlock()

	s := start.In(loc)
	day := time.Date(s.Year(), s.Month(), s.Day(), 0, 0, 0, 0, loc).AddDate(0, 0, days)
	return day.Add(time.Duration(openMin) * time.Minute)
}

func isWeekend(t time.Time) bool {
	wd := t.Weekday()
	return wd == time.Saturday || wd == time.Sunday
}

// Watch begins hot-reloading the scheduler config file. Changes that fail
// validation are logged and ignored; the previous policy stays active.
func (p *Policy) Watch() error {
	if p.path == "" {
		return fmt.Errorf("policy was not loaded from a file")
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	if err := w.Add(p.path); err != nil {
		w.Close()
		return fmt.Errorf("watch %s: %w", p.path, err)
	}
	p.watcher = w

	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if err := p.reload(); err != nil {
					slog.Warn("[Schedule] Config reload failed, keeping previous policy", "path", p.path, "error", err)
				} else {
					slog.Info("[Schedule] Config reloaded", "path", p.path)
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				slog.Warn("[Schedule] Config watcher error", "error", err)
			}
		}
	}()
	return nil
}

// reload re-reads and applies the config file.
func (p *Policy) reload() error {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return err
	}
	cfg := DefaultConfig()
	if err := json.Unmarshal(data, &cfg); err != nil {
		return err
	}
	return p.apply(cfg)
}

// Close stops the config watcher if one is running.
func (p *Policy) Close() {
	if p.watcher != nil {
		_ = p.watcher.Close()
	}
}
