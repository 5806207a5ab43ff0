package notify

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	rtsup "campaignq/internal/runtime/supervisor"
	"campaignq/internal/storage"
	logx "campaignq/pkg/logx"

	"golang.org/x/time/rate"
)

var (
	ErrDisabled  = errors.New("notifier disabled")
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
)

// Sink receives every emitted event. Publish errors are logged and swallowed.
type Sink interface {
	Name() string
	Publish(ctx context.Context, e Event) error
}

type Config struct {
	Enabled bool
	// Workers > 1 trades delivery order for throughput. The default of 1
	// keeps every sink's stream in emit order.
	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	SendTimeout     time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
	PersistDedup    bool
}

// Stats are best-effort counters for health output and metrics.
type Stats struct {
	Queued    uint64 `json:"queued"`
	Delivered uint64 `json:"delivered"`
	Deduped   uint64 `json:"deduped"`
	Dropped   uint64 `json:"dropped"`
	Failed    uint64 `json:"failed"`
}

// Emitter is the async notification pipeline: bounded queue, worker pool,
// rate limit, per-sink retry and threshold dedup. Emit never blocks the caller.
type Emitter struct {
	mu sync.Mutex

	log   logx.Logger
	sinks []Sink
	store storage.DedupStore
	now   func() time.Time

	cfg     Config
	limiter *rate.Limiter

	accepting bool
	sendWG    sync.WaitGroup
	queue     chan Event
	sup       *rtsup.Supervisor
	stopDone  chan struct{}

	dmu   sync.Mutex
	dedup map[string]time.Time

	persistCh chan dedupWrite

	hmu     sync.Mutex
	history []Event

	queued, delivered, deduped, dropped, failed atomic.Uint64
}

type dedupWrite struct {
	key   string
	until time.Time
}

const historyKeep = 300

func New(cfg Config, log logx.Logger, store storage.DedupStore, sinks ...Sink) *Emitter {
	if log.IsZero() {
		log = logx.Nop()
	}
	e := &Emitter{
		log:   log,
		sinks: sinks,
		store: store,
		now:   time.Now,
		dedup: map[string]time.Time{},
	}
	e.applyLocked(cfg)
	return e
}

// AddSink registers a sink. It is safe to call before or after Start.
func (e *Emitter) AddSink(s Sink) {
	if s == nil {
		return
	}
	e.mu.Lock()
	e.sinks = append(e.sinks, s)
	e.mu.Unlock()
}

func (e *Emitter) Apply(cfg Config) {
	e.mu.Lock()
	e.applyLocked(cfg)
	e.mu.Unlock()
}

func (e *Emitter) applyLocked(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 512
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 5
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	if cfg.DedupWindow < 0 {
		cfg.DedupWindow = 0
	}
	if cfg.DedupMaxEntries <= 0 {
		cfg.DedupMaxEntries = 2000
	}
	e.cfg = cfg
	// Burst equals the per-second rate so short spikes pass.
	e.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// Start is idempotent. Workers run under their own supervisor.
func (e *Emitter) Start(ctx context.Context) {
	e.mu.Lock()
	if e.stopDone != nil {
		done := e.stopDone
		e.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		e.mu.Lock()
	}
	if e.queue != nil || !e.cfg.Enabled {
		e.mu.Unlock()
		return
	}

	e.queue = make(chan Event, e.cfg.QueueSize)
	e.accepting = true
	if e.cfg.PersistDedup && e.store != nil {
		e.persistCh = make(chan dedupWrite, 256)
	}
	e.sup = rtsup.New(ctx, rtsup.WithLogger(e.log))
	sup, q, pch, workers := e.sup, e.queue, e.persistCh, e.cfg.Workers
	e.mu.Unlock()

	if pch != nil {
		sup.GoRestart("dedup.persist", func(c context.Context) error {
			e.persistLoop(c, pch)
			return e.exitErr(c, "persist loop")
		})
	}
	for i := 0; i < workers; i++ {
		sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			e.workerLoop(c, q)
			return e.exitErr(c, "worker")
		})
	}
}

// exitErr turns an unexpected worker return into a restart.
func (e *Emitter) exitErr(ctx context.Context, what string) error {
	e.mu.Lock()
	stopping := e.stopDone != nil
	e.mu.Unlock()
	if stopping {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return fmt.Errorf("notifier %s exited unexpectedly", what)
}

// Stop stops intake and drains the queue until ctx ends.
func (e *Emitter) Stop(ctx context.Context) {
	e.mu.Lock()
	q, pch, sup := e.queue, e.persistCh, e.sup
	if q == nil {
		e.mu.Unlock()
		return
	}
	if e.stopDone != nil {
		done := e.stopDone
		e.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	e.stopDone = done
	e.accepting = false
	e.mu.Unlock()

	go func() {
		defer close(done)
		e.sendWG.Wait()
		if pch != nil {
			close(pch)
		}
		close(q)
		_ = sup.Wait(context.Background())

		e.mu.Lock()
		e.queue, e.persistCh, e.stopDone, e.sup = nil, nil, nil, nil
		e.mu.Unlock()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		sup.Cancel()
	}
}

// Emit enqueues ev without blocking. Failures are logged only.
func (e *Emitter) Emit(ev Event) {
	if err := e.Notify(context.Background(), ev); err != nil && !errors.Is(err, ErrDisabled) {
		e.log.Warn("notification not queued", logx.String("type", string(ev.Type)), logx.Err(err))
	}
}

// Notify enqueues ev. Suppressed duplicates return nil.
func (e *Emitter) Notify(ctx context.Context, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.mu.Lock()
	if !e.cfg.Enabled {
		e.mu.Unlock()
		return ErrDisabled
	}
	if !e.accepting || e.queue == nil {
		e.mu.Unlock()
		return ErrStopped
	}
	q := e.queue
	window, maxEntries, persist := e.cfg.DedupWindow, e.cfg.DedupMaxEntries, e.cfg.PersistDedup
	pch := e.persistCh
	e.sendWG.Add(1)
	e.mu.Unlock()
	defer e.sendWG.Done()

	if ev.Timestamp.IsZero() {
		ev.Timestamp = e.now()
	}
	if key := ev.DedupKey(); key != "" && window > 0 {
		if !e.dedupAllow(ctx, key, window, maxEntries, persist, pch) {
			e.deduped.Add(1)
			e.log.Debug("notification deduplicated", logx.String("key", key))
			return nil
		}
	}

	select {
	case q <- ev:
		e.queued.Add(1)
		return nil
	default:
		e.dropped.Add(1)
		return ErrQueueFull
	}
}

func (e *Emitter) Stats() Stats {
	return Stats{
		Queued:    e.queued.Load(),
		Delivered: e.delivered.Load(),
		Deduped:   e.deduped.Load(),
		Dropped:   e.dropped.Load(),
		Failed:    e.failed.Load(),
	}
}

// History returns the most recent delivered events, oldest first.
func (e *Emitter) History() []Event {
	e.hmu.Lock()
	defer e.hmu.Unlock()
	return append([]Event(nil), e.history...)
}

func (e *Emitter) appendHistory(ev Event) {
	e.hmu.Lock()
	e.history = append(e.history, ev)
	if len(e.history) > historyKeep {
		e.history = e.history[len(e.history)-historyKeep:]
	}
	e.hmu.Unlock()
}

func (e *Emitter) persistLoop(ctx context.Context, ch <-chan dedupWrite) {
	for {
		select {
		case <-ctx.Done():
			return
		case w, ok := <-ch:
			if !ok {
				return
			}
			cctx, cancel := context.WithTimeout(ctx, 250*time.Millisecond)
			if err := e.store.PutDedup(cctx, w.key, w.until); err != nil {
				e.log.Debug("persist dedup failed", logx.String("key", w.key), logx.Err(err))
			}
			cancel()
		}
	}
}

func (e *Emitter) workerLoop(ctx context.Context, q <-chan Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-q:
			if !ok {
				return
			}
			e.deliver(ctx, ev)
		}
	}
}

func (e *Emitter) deliver(ctx context.Context, ev Event) {
	e.mu.Lock()
	cfg, lim := e.cfg, e.limiter
	sinks := append([]Sink(nil), e.sinks...)
	e.mu.Unlock()

	if err := lim.Wait(ctx); err != nil {
		return
	}
	e.appendHistory(ev)
	for _, s := range sinks {
		if err := e.publishWithRetry(ctx, cfg, s, ev); err != nil {
			e.failed.Add(1)
			e.log.Warn("notification sink failed",
				logx.String("sink", s.Name()),
				logx.String("type", string(ev.Type)),
				logx.Err(err),
			)
			continue
		}
		e.delivered.Add(1)
	}
}

func (e *Emitter) publishWithRetry(ctx context.Context, cfg Config, s Sink, ev Event) error {
	attempts := 1 + cfg.RetryMax
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		cctx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		err := s.Publish(cctx, ev)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		e.log.Debug("sink publish failed", logx.String("sink", s.Name()), logx.Int("attempt", attempt), logx.Err(err))
		if attempt == attempts {
			break
		}
		t := time.NewTimer(retryDelay(cfg, attempt))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
	}
	return lastErr
}

func (e *Emitter) dedupAllow(ctx context.Context, key string, window time.Duration, maxEntries int, persist bool, pch chan dedupWrite) bool {
	now := e.now()

	e.dmu.Lock()
	if until, ok := e.dedup[key]; ok && now.Before(until) {
		e.dmu.Unlock()
		return false
	}
	e.dmu.Unlock()

	// Persisted windows survive restarts.
	if persist && e.store != nil {
		cctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		until, ok, err := e.store.GetDedup(cctx, key)
		cancel()
		if err == nil && ok && now.Before(until) {
			e.dmu.Lock()
			e.dedup[key] = until
			e.dmu.Unlock()
			return false
		}
	}

	until := now.Add(window)
	e.dmu.Lock()
	e.dedup[key] = until
	for k, u := range e.dedup {
		if !now.Before(u) {
			delete(e.dedup, k)
		}
	}
	for len(e.dedup) > maxEntries {
		var oldest string
		var oldestAt time.Time
		for k, u := range e.dedup {
			if oldest == "" || u.Before(oldestAt) {
				oldest, oldestAt = k, u
			}
		}
		delete(e.dedup, oldest)
	}
	e.dmu.Unlock()

	if pch != nil {
		select {
		case pch <- dedupWrite{key: key, until: until}:
		default:
		}
	}
	return true
}

// retryDelay is exponential from RetryBase with 0.7..1.3 jitter, capped at RetryMaxDelay.
func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt && d < cfg.RetryMaxDelay; i++ {
		d *= 2
	}
	d = time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
	if d > cfg.RetryMaxDelay {
		d = cfg.RetryMaxDelay
	}
	return max(d, 0)
}
