package dispatch

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"campaignq/internal/clock"
	"campaignq/internal/notify"
	"campaignq/internal/quota"
	rtsup "campaignq/internal/runtime/supervisor"
	"campaignq/internal/transport"
	logx "campaignq/pkg/logx"
)

// Limiter is the quota authority used by the scheduler. *quota.Limiter implements it.
type Limiter interface {
	Reserve(ctx context.Context, requested int) (int, error)
	Commit(ctx context.Context, n int) error
	Release(n int)
	Status(ctx context.Context) (quota.Status, error)
	Limits() (hourly, daily int)
	TimeUntilNextWindow(w quota.Window) time.Duration
}

// Emitter receives lifecycle events. It must not block.
type Emitter interface {
	Emit(e notify.Event)
}

type Options struct {
	// Concurrency bounds in-flight sends per batch. 1 keeps strict FIFO.
	Concurrency     int
	DispatchTimeout time.Duration
	// ProgressEvery is the number of successful sends between progress
	// events. Zero follows the hourly limit.
	ProgressEvery int
	AutoStart     bool
	ResumeOnBoot  bool
	Clock         clock.Clock
	Log           logx.Logger
	Emitter       Emitter
}

// Tuning is the subset of Options that can change while running.
type Tuning struct {
	Concurrency     int
	DispatchTimeout time.Duration
	ProgressEvery   int
}

// Scheduler owns one run per campaign and the loop goroutine that drains it.
type Scheduler struct {
	queue   *Queue
	limiter Limiter
	tr      transport.Transport
	emit    Emitter
	clk     clock.Clock
	log     logx.Logger

	mu            sync.Mutex
	concurrency   int
	timeout       time.Duration
	progressEvery int
	autoStart     bool
	resumeOnBoot  bool
	sup           *rtsup.Supervisor
	runs          map[string]*run
}

type run struct {
	id    string
	state State

	// gen identifies the current loop. A loop whose gen is stale exits.
	gen        uint64
	loopActive bool
	cancel     context.CancelFunc
	done       chan struct{}
	wake       chan struct{}

	startedAt   time.Time
	finishedAt  time.Time
	sent        int
	failed      int
	sinceNotify int
	lastErr     string
}

type nopEmitter struct{}

func (nopEmitter) Emit(notify.Event) {}

func NewScheduler(q *Queue, lim Limiter, tr transport.Transport, opt Options) *Scheduler {
	if opt.Clock == nil {
		opt.Clock = clock.Real()
	}
	if opt.Log.IsZero() {
		opt.Log = logx.Nop()
	}
	if opt.Emitter == nil {
		opt.Emitter = nopEmitter{}
	}
	s := &Scheduler{
		queue:        q,
		limiter:      lim,
		tr:           tr,
		emit:         opt.Emitter,
		clk:          opt.Clock,
		log:          opt.Log,
		autoStart:    opt.AutoStart,
		resumeOnBoot: opt.ResumeOnBoot,
		runs:         map[string]*run{},
	}
	s.applyLocked(Tuning{Concurrency: opt.Concurrency, DispatchTimeout: opt.DispatchTimeout, ProgressEvery: opt.ProgressEvery})
	return s
}

func (s *Scheduler) Apply(t Tuning) {
	s.mu.Lock()
	s.applyLocked(t)
	s.mu.Unlock()
}

func (s *Scheduler) applyLocked(t Tuning) {
	if t.Concurrency <= 0 {
		t.Concurrency = 1
	}
	if t.DispatchTimeout <= 0 {
		t.DispatchTimeout = 10 * time.Second
	}
	if t.ProgressEvery < 0 {
		t.ProgressEvery = 0
	}
	s.concurrency = t.Concurrency
	s.timeout = t.DispatchTimeout
	s.progressEvery = t.ProgressEvery
}

// Boot attaches the scheduler to ctx. Run loops live until Shutdown or ctx ends.
func (s *Scheduler) Boot(ctx context.Context) error {
	s.mu.Lock()
	if s.sup != nil {
		s.mu.Unlock()
		return nil
	}
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log))
	sup, auto, resume := s.sup, s.autoStart, s.resumeOnBoot
	s.mu.Unlock()

	if auto {
		sup.GoRestart("autostart", func(c context.Context) error {
			s.autoStartLoop(c)
			return nil
		})
	}
	if resume {
		for _, id := range s.queue.Campaigns() {
			if s.queue.Snapshot(id).Pending == 0 {
				continue
			}
			if err := s.Start(ctx, id); err != nil {
				s.log.Warn("resume on boot failed", logx.Campaign(id), logx.Err(err))
				continue
			}
			s.log.Info("campaign resumed on boot", logx.Campaign(id))
		}
	}
	return nil
}

// Shutdown stops every loop without discarding pending items.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.mu.Unlock()
	if sup == nil {
		return nil
	}
	return sup.Stop(ctx)
}

func (s *Scheduler) autoStartLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.queue.Enqueued():
		}
		for _, id := range s.queue.TakeEnqueued() {
			if st, _ := s.State(id); st == StatePaused {
				continue
			}
			if err := s.Start(ctx, id); err != nil {
				s.log.Warn("auto start failed", logx.Campaign(id), logx.Err(err))
			}
		}
	}
}

// Start moves a campaign to Running. It is a no-op while Starting or Running.
// A campaign with nothing pending goes straight to Completed.
func (s *Scheduler) Start(ctx context.Context, campaignID string) error {
	if !s.queue.Known(campaignID) {
		return ErrUnknownCampaign
	}
	s.mu.Lock()
	if s.sup == nil {
		s.mu.Unlock()
		return ErrNotRunning
	}
	r := s.runLocked(campaignID)
	prev := r.state
	if prev == StateRunning || prev == StateStarting {
		s.mu.Unlock()
		return nil
	}
	r.state = StateStarting
	r.lastErr = ""
	if prev != StatePaused {
		r.sent, r.failed, r.sinceNotify = 0, 0, 0
	}
	s.mu.Unlock()

	p := s.Progress(campaignID)

	s.mu.Lock()
	if r.state != StateStarting || s.sup == nil {
		s.mu.Unlock()
		return nil
	}
	now := s.clk.Now()
	r.startedAt, r.finishedAt = now, time.Time{}
	if p.Pending == 0 {
		r.state = StateCompleted
		r.finishedAt = now
		s.mu.Unlock()
		s.emitCompleted(campaignID, p)
		return nil
	}
	s.mu.Unlock()

	// Announce before the loop exists so the started event precedes any batch event.
	s.log.Info("campaign started", logx.Campaign(campaignID), logx.Int("pending", p.Pending), logx.Int("eta_hours", p.EstimatedHours))
	msg := fmt.Sprintf("Sending %d messages.", p.Pending)
	if p.EstimatedHours > 0 {
		msg += fmt.Sprintf(" Estimated completion in %d hours (%d days).", p.EstimatedHours, p.EstimatedDays)
	}
	s.emitEvent(notify.CampaignStarted, notify.SeverityInfo, campaignID, "Campaign started", msg, progressData(p))

	s.mu.Lock()
	defer s.mu.Unlock()
	if r.state != StateStarting || s.sup == nil {
		return nil
	}
	r.state = StateRunning
	s.spawnLocked(r)
	return nil
}

// Pause takes effect after the in-flight batch. A quota wait is interrupted at once.
func (s *Scheduler) Pause(campaignID string) error {
	s.mu.Lock()
	r := s.runs[campaignID]
	if r == nil {
		s.mu.Unlock()
		if !s.queue.Known(campaignID) {
			return ErrUnknownCampaign
		}
		return &TransitionError{CampaignID: campaignID, Op: "pause", From: StateIdle}
	}
	switch r.state {
	case StatePaused:
		s.mu.Unlock()
		return nil
	case StateRunning, StateStarting:
		r.state = StatePaused
		wakeLocked(r)
	default:
		from := r.state
		s.mu.Unlock()
		return &TransitionError{CampaignID: campaignID, Op: "pause", From: from}
	}
	s.mu.Unlock()

	p := s.queue.Snapshot(campaignID)
	s.emitEvent(notify.CampaignPaused, notify.SeverityWarning, campaignID, "Campaign paused",
		fmt.Sprintf("%d sent, %d failed, %d pending.", p.Sent, p.Failed, p.Pending), progressData(p))
	return nil
}

// Resume continues a paused run from the next pending item.
func (s *Scheduler) Resume(ctx context.Context, campaignID string) error {
	s.mu.Lock()
	if s.sup == nil {
		s.mu.Unlock()
		return ErrNotRunning
	}
	r := s.runs[campaignID]
	if r == nil {
		s.mu.Unlock()
		if !s.queue.Known(campaignID) {
			return ErrUnknownCampaign
		}
		return &TransitionError{CampaignID: campaignID, Op: "resume", From: StateIdle}
	}
	switch r.state {
	case StateRunning, StateStarting:
		s.mu.Unlock()
		return nil
	case StatePaused:
		r.state = StateRunning
		s.spawnLocked(r)
	default:
		from := r.state
		s.mu.Unlock()
		return &TransitionError{CampaignID: campaignID, Op: "resume", From: from}
	}
	s.mu.Unlock()

	p := s.Progress(campaignID)
	s.emitEvent(notify.CampaignResumed, notify.SeverityInfo, campaignID, "Campaign resumed",
		fmt.Sprintf("%d messages pending.", p.Pending), progressData(p))
	return nil
}

// Stop moves the run to Idle from any state, waits for the loop to exit
// (bounded by ctx) and discards the campaign's pending items. Sent and failed
// items and the quota counters are left untouched. If ctx ends first, items
// not in flight are discarded at once and the rest when the loop exits.
func (s *Scheduler) Stop(ctx context.Context, campaignID string) error {
	if !s.queue.Known(campaignID) {
		return ErrUnknownCampaign
	}
	s.mu.Lock()
	r := s.runLocked(campaignID)
	prev := r.state
	r.state = StateIdle
	gen := r.gen
	cancel, done, active := r.cancel, r.done, r.loopActive
	r.cancel = nil
	r.sent, r.failed, r.sinceNotify = 0, 0, 0
	r.finishedAt = s.clk.Now()
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if active && done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			n, err := s.queue.discardPending(context.WithoutCancel(ctx), campaignID, true)
			if err != nil {
				s.log.Warn("discard on stop failed", logx.Campaign(campaignID), logx.Err(err))
			}
			go s.discardAfterExit(r, gen, done, prev, n)
			return fmt.Errorf("stop %s: waiting for run loop: %w", campaignID, ctx.Err())
		}
	}
	n, err := s.queue.DiscardPending(ctx, campaignID)
	if err != nil {
		return err
	}
	s.stopped(campaignID, prev, n)
	return nil
}

// discardAfterExit finishes a Stop that timed out. Nothing is discarded if
// the campaign was started again meanwhile.
func (s *Scheduler) discardAfterExit(r *run, gen uint64, done <-chan struct{}, prev State, discarded int) {
	<-done
	s.mu.Lock()
	if r.gen != gen || r.state != StateIdle {
		s.mu.Unlock()
		s.log.Debug("late discard skipped; campaign restarted", logx.Campaign(r.id))
		return
	}
	n, err := s.queue.DiscardPending(context.Background(), r.id)
	s.mu.Unlock()
	if err != nil {
		s.log.Warn("discard after stop failed", logx.Campaign(r.id), logx.Err(err))
	}
	s.stopped(r.id, prev, discarded+n)
}

func (s *Scheduler) stopped(campaignID string, prev State, n int) {
	p := s.queue.Snapshot(campaignID)
	s.log.Info("campaign stopped", logx.Campaign(campaignID), logx.String("from", string(prev)), logx.Int("discarded", n))
	data := progressData(p)
	data["discarded"] = n
	s.emitEvent(notify.CampaignStopped, notify.SeverityWarning, campaignID, "Campaign stopped",
		fmt.Sprintf("%d pending messages discarded. %d sent, %d failed.", n, p.Sent, p.Failed), data)
}

// Requeue puts the campaign's failed items back as pending. It does not start the run.
func (s *Scheduler) Requeue(ctx context.Context, campaignID string) (int, error) {
	items, err := s.queue.Requeue(ctx, campaignID)
	if err != nil {
		return 0, err
	}
	if len(items) > 0 {
		s.log.Info("failed items requeued", logx.Campaign(campaignID), logx.Int("count", len(items)))
	}
	return len(items), nil
}

func (s *Scheduler) State(campaignID string) (State, error) {
	s.mu.Lock()
	r := s.runs[campaignID]
	var st State
	if r != nil {
		st = r.state
	}
	s.mu.Unlock()
	if r != nil {
		return st, nil
	}
	if s.queue.Known(campaignID) {
		return StateIdle, nil
	}
	return "", ErrUnknownCampaign
}

// Progress is the queue snapshot plus the advisory estimate.
func (s *Scheduler) Progress(campaignID string) Progress {
	hourly, daily := s.limiter.Limits()
	return Estimate(s.queue.Snapshot(campaignID), hourly, daily, s.clk.Now())
}

func (s *Scheduler) Run(campaignID string) (RunInfo, error) {
	st, err := s.State(campaignID)
	if err != nil {
		return RunInfo{}, err
	}
	info := RunInfo{CampaignID: campaignID, State: st, Progress: s.Progress(campaignID)}
	s.mu.Lock()
	if r := s.runs[campaignID]; r != nil {
		info.Active = r.loopActive
		info.StartedAt = r.startedAt
		info.FinishedAt = r.finishedAt
		info.RunSent = r.sent
		info.RunFailed = r.failed
		info.LastError = r.lastErr
	}
	s.mu.Unlock()
	return info, nil
}

// Runs lists every known campaign, sorted by id.
func (s *Scheduler) Runs() []RunInfo {
	ids := s.queue.Campaigns()
	s.mu.Lock()
	for id := range s.runs {
		if !s.queue.Known(id) {
			ids = append(ids, id)
		}
	}
	s.mu.Unlock()
	sort.Strings(ids)
	out := make([]RunInfo, 0, len(ids))
	for _, id := range ids {
		if info, err := s.Run(id); err == nil {
			out = append(out, info)
		}
	}
	return out
}

// Counts returns how many runs are in each state.
func (s *Scheduler) Counts() map[State]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[State]int{}
	for _, r := range s.runs {
		out[r.state]++
	}
	return out
}

func (s *Scheduler) runLocked(campaignID string) *run {
	r := s.runs[campaignID]
	if r == nil {
		r = &run{id: campaignID, state: StateIdle, wake: make(chan struct{}, 1)}
		s.runs[campaignID] = r
	}
	return r
}

// spawnLocked starts a loop unless a live one exists. A loop cancelled by
// Stop still counts as active until it exits, but it is replaced.
func (s *Scheduler) spawnLocked(r *run) {
	if r.loopActive && r.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(s.sup.Context())
	r.gen++
	gen := r.gen
	done := make(chan struct{})
	r.cancel, r.done, r.loopActive = cancel, done, true
	s.sup.Go("run."+r.id, func(context.Context) error {
		defer close(done)
		defer cancel()
		s.loop(ctx, r, gen)
		return nil
	})
}

func wakeLocked(r *run) {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) emitEvent(typ notify.Type, sev notify.Severity, campaignID, title, msg string, data map[string]any) {
	s.emit.Emit(notify.Event{
		Type:       typ,
		Severity:   sev,
		Title:      title,
		Message:    msg,
		Timestamp:  s.clk.Now(),
		CampaignID: campaignID,
		Data:       data,
	})
}

func (s *Scheduler) emitCompleted(campaignID string, p Progress) {
	s.log.Info("campaign completed", logx.Campaign(campaignID), logx.Int("sent", p.Sent), logx.Int("failed", p.Failed))
	sev := notify.SeveritySuccess
	if p.Failed > 0 {
		sev = notify.SeverityWarning
	}
	s.emitEvent(notify.CampaignCompleted, sev, campaignID, "Campaign completed",
		fmt.Sprintf("%d sent, %d failed of %d.", p.Sent, p.Failed, p.Total), progressData(p))
}

func progressData(p Progress) map[string]any {
	d := map[string]any{
		"total":   p.Total,
		"sent":    p.Sent,
		"failed":  p.Failed,
		"pending": p.Pending,
	}
	if p.Total > 0 {
		d["percent"] = (p.Sent + p.Failed) * 100 / p.Total
	}
	if !p.EstimatedCompletion.IsZero() {
		d["estimated_completion"] = p.EstimatedCompletion
		d["estimated_hours"] = p.EstimatedHours
		d["estimated_days"] = p.EstimatedDays
	}
	return d
}
