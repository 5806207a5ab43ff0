package quota

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"campaignq/internal/clock"
	"campaignq/internal/storage"
	logx "campaignq/pkg/logx"
)

var ErrStoreUnavailable = errors.New("counter store unavailable")

// StoreError wraps a CounterStore failure. It matches ErrStoreUnavailable.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("quota: %s counters: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

func (e *StoreError) Is(target error) bool { return target == ErrStoreUnavailable }

type EventKind string

const (
	EventWarning EventKind = "warning"
	EventReached EventKind = "reached"
	EventReset   EventKind = "reset"
)

// Event reports a threshold crossing or a window rollover.
type Event struct {
	Kind        EventKind
	Window      Window
	Count       int
	Limit       int
	Remaining   int
	Previous    int
	Percent     float64
	// WindowStart identifies the window the event belongs to.
	WindowStart time.Time
	At          time.Time
}

type Options struct {
	HourlyLimit  int
	DailyLimit   int
	ThresholdPct int
	Clock        clock.Clock
	Location     *time.Location
	Log          logx.Logger
	// OnEvent is called outside the critical section. It must not block.
	OnEvent func(Event)
}

// Limiter is the only writer of the quota counters. Every store access runs
// under mu as one load, mutate, save sequence.
type Limiter struct {
	mu    sync.Mutex
	store storage.CounterStore

	clk     clock.Clock
	loc     *time.Location
	log     logx.Logger
	onEvent func(Event)

	hourlyLimit  int
	dailyLimit   int
	thresholdPct int

	// reserved counts slots handed out by Reserve and not yet committed or released.
	reserved int
}

func New(store storage.CounterStore, opt Options) *Limiter {
	if opt.Clock == nil {
		opt.Clock = clock.Real()
	}
	if opt.Location == nil {
		opt.Location = time.Local
	}
	if opt.Log.IsZero() {
		opt.Log = logx.Nop()
	}
	if opt.ThresholdPct <= 0 || opt.ThresholdPct > 100 {
		opt.ThresholdPct = 80
	}
	return &Limiter{
		store:        store,
		clk:          opt.Clock,
		loc:          opt.Location,
		log:          opt.Log,
		onEvent:      opt.OnEvent,
		hourlyLimit:  max(0, opt.HourlyLimit),
		dailyLimit:   max(0, opt.DailyLimit),
		thresholdPct: opt.ThresholdPct,
	}
}

// SetLimits applies new caps. Counts above a lowered cap are clamped on the next update.
func (l *Limiter) SetLimits(hourly, daily int) {
	l.mu.Lock()
	l.hourlyLimit = max(0, hourly)
	l.dailyLimit = max(0, daily)
	l.mu.Unlock()
}

func (l *Limiter) SetThreshold(pct int) {
	if pct <= 0 || pct > 100 {
		return
	}
	l.mu.Lock()
	l.thresholdPct = pct
	l.mu.Unlock()
}

// SetOnEvent replaces the event callback.
func (l *Limiter) SetOnEvent(fn func(Event)) {
	l.mu.Lock()
	l.onEvent = fn
	l.mu.Unlock()
}

// Limits returns the configured caps without touching the store.
func (l *Limiter) Limits() (hourly, daily int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.hourlyLimit, l.dailyLimit
}

// Reserve returns how many sends may start now, at most requested.
// The returned slots are held until Commit or Release.
func (l *Limiter) Reserve(ctx context.Context, requested int) (int, error) {
	if requested <= 0 {
		return 0, nil
	}
	l.mu.Lock()
	c, events, err := l.loadLocked(ctx)
	if err != nil {
		l.mu.Unlock()
		return 0, err
	}
	allowed := min(requested, c.HourlyLimit-c.HourlyCount-l.reserved, c.DailyLimit-c.DailyCount-l.reserved)
	if allowed < 0 {
		allowed = 0
	}
	l.reserved += allowed
	fn := l.onEvent
	l.mu.Unlock()

	l.fire(fn, events)
	return allowed, nil
}

// Commit records n attempted sends against both windows.
func (l *Limiter) Commit(ctx context.Context, n int) error {
	if n <= 0 {
		return nil
	}
	l.mu.Lock()
	c, events, err := l.loadLocked(ctx)
	if err != nil {
		l.reserved -= min(n, l.reserved)
		l.mu.Unlock()
		return err
	}
	before := c
	c.HourlyCount = min(c.HourlyCount+n, c.HourlyLimit)
	c.DailyCount = min(c.DailyCount+n, c.DailyLimit)
	l.reserved -= min(n, l.reserved)
	if err := l.store.SaveCounters(ctx, c); err != nil {
		l.mu.Unlock()
		return &StoreError{Op: "save", Err: err}
	}
	now := l.clk.Now()
	events = append(events, l.thresholdEvents(Hour, before.HourlyCount, c.HourlyCount, c.HourlyLimit, c.LastHourlyReset, now)...)
	events = append(events, l.thresholdEvents(Day, before.DailyCount, c.DailyCount, c.DailyLimit, c.LastDailyReset, now)...)
	fn := l.onEvent
	l.mu.Unlock()

	l.fire(fn, events)
	return nil
}

// Release returns reserved slots that were never attempted.
func (l *Limiter) Release(n int) {
	if n <= 0 {
		return
	}
	l.mu.Lock()
	l.reserved -= min(n, l.reserved)
	l.mu.Unlock()
}

// Refresh rolls expired windows and persists the result.
func (l *Limiter) Refresh(ctx context.Context) error {
	l.mu.Lock()
	_, events, err := l.loadLocked(ctx)
	fn := l.onEvent
	l.mu.Unlock()
	if err != nil {
		return err
	}
	l.fire(fn, events)
	return nil
}

// TimeUntilNextWindow is the wait until the given window rolls over.
func (l *Limiter) TimeUntilNextWindow(w Window) time.Duration {
	now := l.clk.Now()
	d := nextBoundary(now, w, l.loc).Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// Status is a read-only view for progress reporting and the limits endpoint.
type Status struct {
	HourlyCount     int       `json:"hourly_count"`
	DailyCount      int       `json:"daily_count"`
	HourlyLimit     int       `json:"hourly_limit"`
	DailyLimit      int       `json:"daily_limit"`
	HourlyRemaining int       `json:"hourly_remaining"`
	DailyRemaining  int       `json:"daily_remaining"`
	HourlyPercent   float64   `json:"hourly_percent"`
	DailyPercent    float64   `json:"daily_percent"`
	Reserved        int       `json:"reserved"`
	CanSend         bool      `json:"can_send"`
	NearLimit       bool      `json:"near_limit"`
	LastHourlyReset time.Time `json:"last_hourly_reset"`
	LastDailyReset  time.Time `json:"last_daily_reset"`
	NextHourlyReset time.Time `json:"next_hourly_reset"`
	NextDailyReset  time.Time `json:"next_daily_reset"`
}

// Exhausted reports which window blocks sending, preferring Day since it waits longest.
func (s Status) Exhausted() (Window, bool) {
	if s.DailyRemaining <= 0 {
		return Day, true
	}
	if s.HourlyRemaining <= 0 {
		return Hour, true
	}
	return 0, false
}

func (l *Limiter) Status(ctx context.Context) (Status, error) {
	l.mu.Lock()
	c, events, err := l.loadLocked(ctx)
	reserved := l.reserved
	pct := l.thresholdPct
	fn := l.onEvent
	l.mu.Unlock()
	if err != nil {
		return Status{}, err
	}
	l.fire(fn, events)
	return l.status(c, reserved, pct), nil
}

// Peek is Status without side effects: expired windows are rolled in memory
// only and nothing is saved or fired. It is safe against a store another
// process is writing.
func (l *Limiter) Peek(ctx context.Context) (Status, error) {
	c, err := l.store.LoadCounters(ctx)
	if err != nil {
		return Status{}, &StoreError{Op: "load", Err: err}
	}
	l.mu.Lock()
	c, _, _ = l.roll(c, l.clk.Now())
	reserved, pct := l.reserved, l.thresholdPct
	l.mu.Unlock()
	return l.status(c, reserved, pct), nil
}

func (l *Limiter) status(c storage.Counters, reserved, pct int) Status {
	st := Status{
		HourlyCount:     c.HourlyCount,
		DailyCount:      c.DailyCount,
		HourlyLimit:     c.HourlyLimit,
		DailyLimit:      c.DailyLimit,
		HourlyRemaining: max(0, c.HourlyLimit-c.HourlyCount-reserved),
		DailyRemaining:  max(0, c.DailyLimit-c.DailyCount-reserved),
		HourlyPercent:   percent(c.HourlyCount, c.HourlyLimit),
		DailyPercent:    percent(c.DailyCount, c.DailyLimit),
		Reserved:        reserved,
		LastHourlyReset: c.LastHourlyReset,
		LastDailyReset:  c.LastDailyReset,
		NextHourlyReset: nextBoundary(c.LastHourlyReset, Hour, l.loc),
		NextDailyReset:  nextBoundary(c.LastDailyReset, Day, l.loc),
	}
	st.CanSend = st.HourlyRemaining > 0 && st.DailyRemaining > 0
	st.NearLimit = st.HourlyPercent >= float64(pct) || st.DailyPercent >= float64(pct)
	return st
}

// loadLocked loads the record, applies configured limits and rolls expired
// windows. Rollovers are saved even when the caller ends up sending nothing.
func (l *Limiter) loadLocked(ctx context.Context) (storage.Counters, []Event, error) {
	c, err := l.store.LoadCounters(ctx)
	if err != nil {
		return storage.Counters{}, nil, &StoreError{Op: "load", Err: err}
	}
	c, events, dirty := l.roll(c, l.clk.Now())
	if dirty {
		if err := l.store.SaveCounters(ctx, c); err != nil {
			return storage.Counters{}, nil, &StoreError{Op: "save", Err: err}
		}
		for _, e := range events {
			l.log.Info("quota window reset", logx.String("window", e.Window.String()), logx.Int("previous", e.Previous))
		}
	}
	return c, events, nil
}

// roll applies the configured limits to c and starts new windows where the
// stored ones have ended. dirty reports whether c changed. l.mu must be held.
func (l *Limiter) roll(c storage.Counters, now time.Time) (storage.Counters, []Event, bool) {
	dirty := false
	var events []Event

	if c.HourlyLimit != l.hourlyLimit || c.DailyLimit != l.dailyLimit {
		c.HourlyLimit, c.DailyLimit = l.hourlyLimit, l.dailyLimit
		dirty = true
	}
	if c.HourlyCount > c.HourlyLimit {
		c.HourlyCount = c.HourlyLimit
	}
	if c.DailyCount > c.DailyLimit {
		c.DailyCount = c.DailyLimit
	}

	if c.LastHourlyReset.IsZero() || !now.Before(nextBoundary(c.LastHourlyReset, Hour, l.loc)) {
		start := windowStart(now, Hour, l.loc)
		if !c.LastHourlyReset.IsZero() && c.HourlyCount > 0 {
			events = append(events, Event{Kind: EventReset, Window: Hour, Previous: c.HourlyCount, Limit: c.HourlyLimit, Remaining: c.HourlyLimit, WindowStart: start, At: now})
		}
		c.HourlyCount = 0
		c.LastHourlyReset = start
		dirty = true
	}
	if c.LastDailyReset.IsZero() || !now.Before(nextBoundary(c.LastDailyReset, Day, l.loc)) {
		start := windowStart(now, Day, l.loc)
		if !c.LastDailyReset.IsZero() && c.DailyCount > 0 {
			events = append(events, Event{Kind: EventReset, Window: Day, Previous: c.DailyCount, Limit: c.DailyLimit, Remaining: c.DailyLimit, WindowStart: start, At: now})
		}
		c.DailyCount = 0
		c.LastDailyReset = start
		dirty = true
	}
	return c, events, dirty
}

func (l *Limiter) thresholdEvents(w Window, before, after, limit int, start, now time.Time) []Event {
	if limit <= 0 || after == before {
		return nil
	}
	var out []Event
	base := Event{Window: w, Count: after, Limit: limit, Remaining: limit - after, Percent: percent(after, limit), WindowStart: start, At: now}
	warnAt := int(math.Ceil(float64(limit) * float64(l.thresholdPct) / 100))
	if before < warnAt && after >= warnAt && after < limit {
		e := base
		e.Kind = EventWarning
		out = append(out, e)
	}
	if before < limit && after >= limit {
		e := base
		e.Kind = EventReached
		out = append(out, e)
	}
	return out
}

func (l *Limiter) fire(fn func(Event), events []Event) {
	if fn == nil {
		return
	}
	for _, e := range events {
		fn(e)
	}
}

func percent(count, limit int) float64 {
	if limit <= 0 {
		return 100
	}
	return math.Round(float64(count)*1000/float64(limit)) / 10
}
