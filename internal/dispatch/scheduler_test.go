package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"campaignq/internal/clock"
	"campaignq/internal/notify"
	"campaignq/internal/quota"
	"campaignq/internal/storage"
	"campaignq/internal/transport"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingEmitter struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *recordingEmitter) Emit(e notify.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recordingEmitter) types() []notify.Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]notify.Type, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

func (r *recordingEmitter) count(typ notify.Type) int {
	n := 0
	for _, t := range r.types() {
		if t == typ {
			n++
		}
	}
	return n
}

// countingSaves fails every SaveCounters call from the failAt-th on.
type countingSaves struct {
	storage.CounterStore
	saves  atomic.Int32
	failAt int32
}

func (c *countingSaves) SaveCounters(ctx context.Context, v storage.Counters) error {
	if n := c.saves.Add(1); c.failAt > 0 && n >= c.failAt {
		return storage.ErrInjected
	}
	return c.CounterStore.SaveCounters(ctx, v)
}

type harness struct {
	fake  *clock.Fake
	mem   *storage.Memory
	queue *Queue
	lim   *quota.Limiter
	sched *Scheduler
	ev    *recordingEmitter
}

type harnessOpts struct {
	hourly, daily int
	counters      storage.CounterStore
	tr            transport.Transport
	opt           Options
}

func newHarness(t *testing.T, ho harnessOpts) *harness {
	t.Helper()
	h := &harness{fake: clock.NewFake(t0), mem: storage.NewMemory(), ev: &recordingEmitter{}}
	counters := ho.counters
	if counters == nil {
		counters = h.mem
	}
	h.queue = NewQueue(QueueOptions{Store: h.mem, Clock: h.fake})
	h.lim = quota.New(counters, quota.Options{HourlyLimit: ho.hourly, DailyLimit: ho.daily, Clock: h.fake, Location: time.UTC})
	opt := ho.opt
	opt.Clock = h.fake
	opt.Emitter = h.ev
	h.sched = NewScheduler(h.queue, h.lim, ho.tr, opt)
	require.NoError(t, h.sched.Boot(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = h.sched.Shutdown(ctx)
	})
	return h
}

func (h *harness) enqueue(t *testing.T, id string, n int) []QueueItem {
	t.Helper()
	items, err := h.queue.Enqueue(context.Background(), Campaign{ID: id, Subject: "hello"}, recipients(n))
	require.NoError(t, err)
	return items
}

// drive advances the fake clock an hour at a time whenever the run waits on
// quota, until done reports true.
func (h *harness) drive(t *testing.T, done func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for !done() {
		if time.Now().After(deadline) {
			t.Fatal("run did not settle")
		}
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		if h.fake.BlockUntil(ctx, 1) == nil {
			h.fake.Advance(time.Hour)
		}
		cancel()
	}
}

func (h *harness) settled(id string) func() bool {
	return func() bool {
		st, _ := h.sched.State(id)
		return st == StateCompleted || st == StateError
	}
}

func okTransport(calls *atomic.Int32) transport.Transport {
	return transport.Func(func(ctx context.Context, m transport.Message) (transport.Result, error) {
		calls.Add(1)
		return transport.Result{MessageID: "m-" + m.ItemID}, nil
	})
}

func TestRunSpreadsAcrossHourlyWindows(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	h := newHarness(t, harnessOpts{hourly: 25, daily: 100, tr: okTransport(&calls)})
	h.enqueue(t, "c1", 60)

	require.NoError(t, h.sched.Start(context.Background(), "c1"))
	h.drive(t, h.settled("c1"))

	st, err := h.sched.State("c1")
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, st)
	assert.EqualValues(t, 60, calls.Load())
	assert.Equal(t, Progress{Total: 60, Sent: 60}, h.queue.Snapshot("c1"))

	c, err := h.mem.LoadCounters(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 60, c.DailyCount)
	assert.Equal(t, 10, c.HourlyCount)
	assert.Equal(t, t0.Add(2*time.Hour), c.LastHourlyReset)

	assert.Equal(t, notify.CampaignStarted, h.ev.types()[0])
	assert.Equal(t, 1, h.ev.count(notify.CampaignCompleted))
	assert.Equal(t, 3, h.ev.count(notify.BulkSent))
	assert.Equal(t, 2, h.ev.count(notify.CampaignProgress))
}

func TestFailedDispatchesStillCountAgainstQuota(t *testing.T) {
	t.Parallel()
	odd := map[string]bool{}
	h := newHarness(t, harnessOpts{hourly: 25, daily: 100, tr: transport.Func(func(ctx context.Context, m transport.Message) (transport.Result, error) {
		if odd[m.Address] {
			return transport.Result{}, errors.New("mailbox unavailable")
		}
		return transport.Result{MessageID: "ok"}, nil
	})})
	for i, it := range h.enqueue(t, "c1", 60) {
		odd[it.Address] = i%2 == 1
	}

	require.NoError(t, h.sched.Start(context.Background(), "c1"))
	h.drive(t, h.settled("c1"))

	st, _ := h.sched.State("c1")
	assert.Equal(t, StateCompleted, st)
	assert.Equal(t, Progress{Total: 60, Sent: 30, Failed: 30}, h.queue.Snapshot("c1"))

	c, err := h.mem.LoadCounters(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 60, c.DailyCount)

	for _, it := range h.queue.Items("c1") {
		if it.Status == StatusFailed {
			assert.Contains(t, it.Error, "mailbox unavailable")
			assert.True(t, it.SentAt.IsZero())
		}
	}
	info, err := h.sched.Run("c1")
	require.NoError(t, err)
	assert.Equal(t, 30, info.RunSent)
	assert.Equal(t, 30, info.RunFailed)
}

func TestStopWhileWaitingDiscardsPending(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	h := newHarness(t, harnessOpts{hourly: 10, daily: 100, tr: okTransport(&calls)})
	h.enqueue(t, "c1", 60)

	require.NoError(t, h.sched.Start(context.Background(), "c1"))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.fake.BlockUntil(ctx, 1))

	require.NoError(t, h.sched.Stop(ctx, "c1"))
	st, _ := h.sched.State("c1")
	assert.Equal(t, StateIdle, st)
	assert.EqualValues(t, 10, calls.Load())
	assert.Equal(t, Progress{Total: 10, Sent: 10}, h.queue.Snapshot("c1"))
	assert.Equal(t, 1, h.ev.count(notify.CampaignStopped))

	recs, err := h.mem.LoadItems(context.Background())
	require.NoError(t, err)
	assert.Len(t, recs, 10)

	info, err := h.sched.Run("c1")
	require.NoError(t, err)
	assert.False(t, info.Active)
	assert.Zero(t, info.RunSent)
}

func TestStopTimeoutStillDiscardsPending(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	var calls atomic.Int32
	tr := transport.Func(func(ctx context.Context, m transport.Message) (transport.Result, error) {
		calls.Add(1)
		<-release
		return transport.Result{MessageID: "m-" + m.ItemID}, nil
	})
	h := newHarness(t, harnessOpts{hourly: 10, daily: 100, tr: tr})
	h.enqueue(t, "c1", 10)

	require.NoError(t, h.sched.Start(context.Background(), "c1"))
	require.Eventually(t, func() bool { return calls.Load() == 1 }, 2*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, h.sched.Stop(ctx, "c1"), context.DeadlineExceeded)
	assert.Equal(t, Progress{Total: 10, Pending: 10}, h.queue.Snapshot("c1"), "in-flight batch is still held by the loop")

	close(release)
	require.Eventually(t, func() bool {
		return h.queue.Snapshot("c1") == Progress{Total: 1, Sent: 1}
	}, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return h.ev.count(notify.CampaignStopped) == 1 }, 2*time.Second, 5*time.Millisecond)

	st, _ := h.sched.State("c1")
	assert.Equal(t, StateIdle, st)
	assert.EqualValues(t, 1, calls.Load())

	recs, err := h.mem.LoadItems(context.Background())
	require.NoError(t, err)
	assert.Len(t, recs, 1)

	require.NoError(t, h.sched.Start(context.Background(), "c1"))
	st, _ = h.sched.State("c1")
	assert.Equal(t, StateCompleted, st, "nothing left to send")
	assert.EqualValues(t, 1, calls.Load())
}

func TestStoreFailureStopsRun(t *testing.T) {
	t.Parallel()
	base := storage.NewMemory()
	midnight := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, base.SaveCounters(context.Background(), storage.Counters{
		HourlyLimit: 25, DailyLimit: 100, LastHourlyReset: t0, LastDailyReset: midnight,
	}))
	counters := &countingSaves{CounterStore: base, failAt: 5}

	var calls atomic.Int32
	h := newHarness(t, harnessOpts{hourly: 25, daily: 100, counters: counters, tr: okTransport(&calls)})
	h.enqueue(t, "c1", 60)

	require.NoError(t, h.sched.Start(context.Background(), "c1"))
	h.drive(t, h.settled("c1"))

	st, _ := h.sched.State("c1")
	assert.Equal(t, StateError, st)
	assert.EqualValues(t, 5, calls.Load())
	assert.Equal(t, Progress{Total: 60, Sent: 5, Pending: 55}, h.queue.Snapshot("c1"))
	assert.Equal(t, 1, h.ev.count(notify.CampaignFailed))

	info, err := h.sched.Run("c1")
	require.NoError(t, err)
	assert.NotEmpty(t, info.LastError)
	assert.Eventually(t, func() bool {
		info, _ := h.sched.Run("c1")
		return !info.Active
	}, 2*time.Second, 5*time.Millisecond)
}

func TestPauseAndResume(t *testing.T) {
	t.Parallel()
	var (
		mu       sync.Mutex
		attempts = map[string]int{}
		total    atomic.Int32
		sched    atomic.Pointer[Scheduler]
	)
	tr := transport.Func(func(ctx context.Context, m transport.Message) (transport.Result, error) {
		mu.Lock()
		attempts[m.ItemID]++
		mu.Unlock()
		if total.Add(1) == 7 {
			assert.NoError(t, sched.Load().Pause(m.CampaignID))
		}
		return transport.Result{MessageID: "ok"}, nil
	})
	h := newHarness(t, harnessOpts{hourly: 5, daily: 100, tr: tr})
	sched.Store(h.sched)
	h.enqueue(t, "c1", 20)

	require.NoError(t, h.sched.Start(context.Background(), "c1"))
	h.drive(t, func() bool {
		info, _ := h.sched.Run("c1")
		return info.State == StatePaused && !info.Active
	})
	assert.EqualValues(t, 10, total.Load(), "the in-flight batch finishes before the pause takes effect")
	assert.Equal(t, 10, h.queue.Snapshot("c1").Pending)

	require.NoError(t, h.sched.Pause("c1"), "pausing twice is a no-op")
	require.NoError(t, h.sched.Resume(context.Background(), "c1"))
	h.drive(t, h.settled("c1"))

	st, _ := h.sched.State("c1")
	assert.Equal(t, StateCompleted, st)
	assert.EqualValues(t, 20, total.Load())
	mu.Lock()
	for id, n := range attempts {
		assert.Equal(t, 1, n, "item %s", id)
	}
	mu.Unlock()
	assert.Equal(t, 1, h.ev.count(notify.CampaignPaused))
	assert.Equal(t, 1, h.ev.count(notify.CampaignResumed))
}

func TestSequentialDispatchKeepsOrder(t *testing.T) {
	t.Parallel()
	var (
		mu    sync.Mutex
		order []string
	)
	tr := transport.Func(func(ctx context.Context, m transport.Message) (transport.Result, error) {
		mu.Lock()
		order = append(order, m.ItemID)
		mu.Unlock()
		return transport.Result{}, nil
	})
	h := newHarness(t, harnessOpts{hourly: 4, daily: 100, tr: tr})
	items := h.enqueue(t, "c1", 10)

	require.NoError(t, h.sched.Start(context.Background(), "c1"))
	h.drive(t, h.settled("c1"))

	want := make([]string, len(items))
	for i, it := range items {
		want[i] = it.ID
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, want, order)
}

func TestConcurrentDispatchBound(t *testing.T) {
	t.Parallel()
	var inflight, peak, calls atomic.Int32
	tr := transport.Func(func(ctx context.Context, m transport.Message) (transport.Result, error) {
		n := inflight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		inflight.Add(-1)
		calls.Add(1)
		return transport.Result{}, nil
	})
	h := newHarness(t, harnessOpts{hourly: 25, daily: 100, tr: tr, opt: Options{Concurrency: 4}})
	h.enqueue(t, "c1", 40)

	require.NoError(t, h.sched.Start(context.Background(), "c1"))
	h.drive(t, h.settled("c1"))

	assert.EqualValues(t, 40, calls.Load())
	assert.LessOrEqual(t, peak.Load(), int32(4))
	c, err := h.mem.LoadCounters(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 40, c.DailyCount)
	assert.LessOrEqual(t, c.HourlyCount, 25)
}

func TestHungTransportTimesOut(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	defer close(release)
	tr := transport.Func(func(ctx context.Context, m transport.Message) (transport.Result, error) {
		<-release
		return transport.Result{}, nil
	})
	h := newHarness(t, harnessOpts{hourly: 10, daily: 100, tr: tr, opt: Options{DispatchTimeout: 20 * time.Millisecond}})
	h.enqueue(t, "c1", 2)

	require.NoError(t, h.sched.Start(context.Background(), "c1"))
	h.drive(t, h.settled("c1"))

	st, _ := h.sched.State("c1")
	assert.Equal(t, StateCompleted, st)
	assert.Equal(t, Progress{Total: 2, Failed: 2}, h.queue.Snapshot("c1"))
	for _, it := range h.queue.Items("c1") {
		assert.Contains(t, it.Error, "timed out")
	}
}

func TestStartEdgeCases(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	h := newHarness(t, harnessOpts{hourly: 10, daily: 100, tr: okTransport(&calls)})
	ctx := context.Background()

	require.ErrorIs(t, h.sched.Start(ctx, "missing"), ErrUnknownCampaign)
	_, err := h.sched.State("missing")
	require.ErrorIs(t, err, ErrUnknownCampaign)

	items := h.enqueue(t, "c1", 1)
	_, err = h.queue.MarkResult(ctx, items[0].ID, StatusSent, Result{})
	require.NoError(t, err)

	st, err := h.sched.State("c1")
	require.NoError(t, err)
	assert.Equal(t, StateIdle, st)

	require.ErrorIs(t, h.sched.Pause("c1"), ErrInvalidTransition)
	require.ErrorIs(t, h.sched.Resume(ctx, "c1"), ErrInvalidTransition)

	require.NoError(t, h.sched.Start(ctx, "c1"))
	st, _ = h.sched.State("c1")
	assert.Equal(t, StateCompleted, st)
	assert.Equal(t, []notify.Type{notify.CampaignCompleted}, h.ev.types())
	assert.Zero(t, calls.Load())

	var te *TransitionError
	require.ErrorAs(t, h.sched.Pause("c1"), &te)
	assert.Equal(t, StateCompleted, te.From)
}

func TestRequeueAfterCompletion(t *testing.T) {
	t.Parallel()
	var fail atomic.Bool
	fail.Store(true)
	tr := transport.Func(func(ctx context.Context, m transport.Message) (transport.Result, error) {
		if fail.Load() {
			return transport.Result{}, errors.New("temporary outage")
		}
		return transport.Result{MessageID: "ok"}, nil
	})
	h := newHarness(t, harnessOpts{hourly: 10, daily: 100, tr: tr})
	h.enqueue(t, "c1", 3)
	ctx := context.Background()

	require.NoError(t, h.sched.Start(ctx, "c1"))
	h.drive(t, h.settled("c1"))
	assert.Equal(t, Progress{Total: 3, Failed: 3}, h.queue.Snapshot("c1"))

	fail.Store(false)
	n, err := h.sched.Requeue(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	require.NoError(t, h.sched.Start(ctx, "c1"))
	h.drive(t, h.settled("c1"))
	assert.Equal(t, Progress{Total: 6, Sent: 3, Failed: 3}, h.queue.Snapshot("c1"))

	n, err = h.sched.Requeue(ctx, "c1")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestAutoStartOnEnqueue(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	h := newHarness(t, harnessOpts{hourly: 10, daily: 100, tr: okTransport(&calls), opt: Options{AutoStart: true}})
	h.enqueue(t, "c1", 3)

	assert.Eventually(t, func() bool {
		st, _ := h.sched.State("c1")
		return st == StateCompleted
	}, 5*time.Second, 5*time.Millisecond)
	assert.EqualValues(t, 3, calls.Load())
}

func TestResumeOnBoot(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	mem := storage.NewMemory()
	fake := clock.NewFake(t0)
	seed := NewQueue(QueueOptions{Store: mem, Clock: fake})
	_, err := seed.Enqueue(ctx, Campaign{ID: "c1"}, recipients(3))
	require.NoError(t, err)

	q := NewQueue(QueueOptions{Store: mem, Clock: fake})
	require.NoError(t, q.Restore(ctx))
	var calls atomic.Int32
	lim := quota.New(mem, quota.Options{HourlyLimit: 10, DailyLimit: 100, Clock: fake, Location: time.UTC})
	s := NewScheduler(q, lim, okTransport(&calls), Options{Clock: fake, ResumeOnBoot: true})
	require.NoError(t, s.Boot(ctx))
	t.Cleanup(func() { _ = s.Shutdown(ctx) })

	assert.Eventually(t, func() bool {
		st, _ := s.State("c1")
		return st == StateCompleted
	}, 5*time.Second, 5*time.Millisecond)
	assert.EqualValues(t, 3, calls.Load())
}

func TestRunsListsCampaigns(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	h := newHarness(t, harnessOpts{hourly: 10, daily: 100, tr: okTransport(&calls)})
	h.enqueue(t, "b", 2)
	h.enqueue(t, "a", 1)

	runs := h.sched.Runs()
	require.Len(t, runs, 2)
	assert.Equal(t, "a", runs[0].CampaignID)
	assert.Equal(t, StateIdle, runs[0].State)
	assert.Equal(t, 2, runs[1].Progress.Pending)
	assert.Equal(t, 1, runs[1].Progress.EstimatedHours)
}

func TestStartRequiresBoot(t *testing.T) {
	t.Parallel()
	q := NewQueue(QueueOptions{})
	_, err := q.Enqueue(context.Background(), Campaign{ID: "c1"}, recipients(1))
	require.NoError(t, err)
	lim := quota.New(storage.NewMemory(), quota.Options{HourlyLimit: 1, DailyLimit: 1})
	s := NewScheduler(q, lim, transport.Func(func(context.Context, transport.Message) (transport.Result, error) {
		return transport.Result{}, nil
	}), Options{})
	require.ErrorIs(t, s.Start(context.Background(), "c1"), ErrNotRunning)
}
