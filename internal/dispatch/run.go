package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"campaignq/internal/notify"
	"campaignq/internal/quota"
	"campaignq/internal/transport"
	logx "campaignq/pkg/logx"

	"golang.org/x/sync/errgroup"
)

// claimRetry is how long a loop backs off when every pending item is held by
// an older loop that has not exited yet.
const claimRetry = 50 * time.Millisecond

// loop drains one campaign batch by batch. Each batch is at most one hourly
// allowance and is reserved against the limiter before any item is attempted.
func (s *Scheduler) loop(ctx context.Context, r *run, gen uint64) {
	log := s.log.With(logx.Campaign(r.id))
	log.Debug("run loop started", logx.Int64("gen", int64(gen)))
	defer log.Debug("run loop exited", logx.Int64("gen", int64(gen)))

	for {
		s.mu.Lock()
		if ctx.Err() != nil || r.gen != gen || r.state != StateRunning {
			if r.gen == gen {
				r.loopActive = false
			}
			s.mu.Unlock()
			return
		}
		wake := r.wake
		s.mu.Unlock()

		pending := s.queue.Snapshot(r.id).Pending
		if pending == 0 {
			s.complete(r, gen)
			continue
		}

		hourly, daily := s.limiter.Limits()
		want := min(hourly, daily, pending)
		allowed, err := s.limiter.Reserve(ctx, want)
		if err != nil {
			if ctx.Err() == nil {
				s.fail(r, gen, err)
			}
			continue
		}
		if allowed == 0 {
			if err := s.waitForQuota(ctx, r.id, wake); err != nil {
				s.fail(r, gen, err)
			}
			continue
		}

		items := s.queue.claim(r.id, allowed)
		if n := allowed - len(items); n > 0 {
			s.limiter.Release(n)
		}
		if len(items) == 0 {
			t := time.NewTimer(claimRetry)
			select {
			case <-ctx.Done():
			case <-wake:
			case <-t.C:
			}
			t.Stop()
			continue
		}

		if err := s.dispatchBatch(ctx, r, items); err != nil {
			s.fail(r, gen, err)
		}
	}
}

// waitForQuota sleeps until the exhausted window rolls over, the run is
// cancelled or Pause wakes it.
func (s *Scheduler) waitForQuota(ctx context.Context, campaignID string, wake <-chan struct{}) error {
	st, err := s.limiter.Status(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	d := time.Second
	w, exhausted := st.Exhausted()
	if exhausted {
		d = s.limiter.TimeUntilNextWindow(w)
		s.log.Info("quota exhausted, waiting for next window",
			logx.Campaign(campaignID),
			logx.String("window", w.String()),
			logx.Duration("wait", d),
			logx.Int("hourly_count", st.HourlyCount),
			logx.Int("daily_count", st.DailyCount),
		)
	}
	t := s.clk.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-wake:
	case <-t.C():
	}
	return nil
}

// dispatchBatch attempts every claimed item with bounded concurrency. Each
// attempted item is committed to the limiter and recorded, even when the run
// is cancelled mid-flight. Items never attempted go back to the queue and
// their reservation is released.
func (s *Scheduler) dispatchBatch(ctx context.Context, r *run, items []QueueItem) error {
	s.mu.Lock()
	conc, timeout := s.concurrency, s.timeout
	s.mu.Unlock()

	var sent, failed atomic.Int64
	tried := make([]bool, len(items))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(conc)
	for i := range items {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			tried[i] = true
			it := items[i]
			res, derr := s.attempt(ctx, it, timeout)

			bg := context.WithoutCancel(ctx)
			cerr := s.limiter.Commit(bg, 1)
			outcome, detail := StatusSent, Result{MessageID: res.MessageID}
			if derr != nil {
				outcome, detail.Error = StatusFailed, derr.Error()
				failed.Add(1)
			} else {
				sent.Add(1)
			}
			_, merr := s.queue.MarkResult(bg, it.ID, outcome, detail)
			s.recordResult(r, it, outcome, derr)

			if cerr != nil {
				return cerr
			}
			if merr != nil {
				if errors.Is(merr, ErrStoreUnavailable) {
					return merr
				}
				s.log.Warn("result not recorded", logx.String("item", it.ID), logx.Err(merr))
			}
			return nil
		})
	}
	err := g.Wait()

	var untried []string
	for i, ok := range tried {
		if !ok {
			untried = append(untried, items[i].ID)
		}
	}
	if len(untried) > 0 {
		s.limiter.Release(len(untried))
		s.queue.unclaim(untried)
	}
	if n := sent.Load() + failed.Load(); n > 0 {
		s.emitBulk(ctx, r.id, int(sent.Load()), int(failed.Load()))
	}
	return err
}

// attempt calls the transport with its own deadline. The call is detached
// from run cancellation so an in-flight send is never abandoned half way, and
// a transport that ignores its context still cannot stall the batch past the timeout.
func (s *Scheduler) attempt(ctx context.Context, it QueueItem, timeout time.Duration) (transport.Result, error) {
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	msg := transport.Message{
		ItemID:      it.ID,
		CampaignID:  it.CampaignID,
		Address:     it.Address,
		DisplayName: it.DisplayName,
		Subject:     it.Payload.Subject,
		HTMLBody:    it.Payload.Body,
		SenderName:  it.Payload.SenderName,
		SenderEmail: it.Payload.SenderEmail,
		Tags:        []string{"campaign:" + it.CampaignID},
	}

	type reply struct {
		res transport.Result
		err error
	}
	ch := make(chan reply, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				ch <- reply{err: fmt.Errorf("transport panic: %v", p)}
			}
		}()
		res, err := s.tr.Send(actx, msg)
		ch <- reply{res: res, err: err}
	}()

	select {
	case rep := <-ch:
		if rep.err != nil {
			return rep.res, &DispatchError{
				ItemID:  it.ID,
				Address: it.Address,
				Timeout: errors.Is(rep.err, context.DeadlineExceeded),
				Err:     rep.err,
			}
		}
		return rep.res, nil
	case <-actx.Done():
		return transport.Result{}, &DispatchError{ItemID: it.ID, Address: it.Address, Timeout: true, Err: actx.Err()}
	}
}

func (s *Scheduler) recordResult(r *run, it QueueItem, outcome Status, derr error) {
	hourly, _ := s.limiter.Limits()

	notifyProgress := false
	s.mu.Lock()
	every := s.progressEvery
	if every <= 0 {
		every = hourly
	}
	if outcome == StatusSent {
		r.sent++
		r.sinceNotify++
		if every > 0 && r.sinceNotify >= every {
			r.sinceNotify = 0
			notifyProgress = true
		}
	} else {
		r.failed++
	}
	s.mu.Unlock()

	if derr != nil {
		s.log.Warn("dispatch failed", logx.Campaign(it.CampaignID), logx.String("item", it.ID), logx.String("address", it.Address), logx.Err(derr))
	} else {
		s.log.Debug("dispatched", logx.Campaign(it.CampaignID), logx.String("item", it.ID))
	}
	if notifyProgress {
		p := s.Progress(it.CampaignID)
		s.emitEvent(notify.CampaignProgress, notify.SeverityInfo, it.CampaignID, "Campaign progress",
			fmt.Sprintf("%d of %d processed, %d pending.", p.Sent+p.Failed, p.Total, p.Pending), progressData(p))
	}
}

func (s *Scheduler) complete(r *run, gen uint64) {
	s.mu.Lock()
	if r.gen != gen || r.state != StateRunning {
		s.mu.Unlock()
		return
	}
	r.state = StateCompleted
	r.finishedAt = s.clk.Now()
	s.mu.Unlock()
	s.emitCompleted(r.id, s.Progress(r.id))
}

// fail moves the run to Error. Only store failures end up here; per-item
// delivery errors are recorded on the item instead.
func (s *Scheduler) fail(r *run, gen uint64, err error) {
	s.mu.Lock()
	if r.gen != gen || (r.state != StateRunning && r.state != StatePaused) {
		s.mu.Unlock()
		s.log.Warn("run error after state change", logx.Campaign(r.id), logx.Err(err))
		return
	}
	r.state = StateError
	r.lastErr = err.Error()
	r.finishedAt = s.clk.Now()
	s.mu.Unlock()

	p := s.Progress(r.id)
	s.log.Error("campaign failed", logx.Campaign(r.id), logx.Err(err), logx.Int("pending", p.Pending))
	data := progressData(p)
	data["error"] = err.Error()
	s.emitEvent(notify.CampaignFailed, notify.SeverityError, r.id, "Campaign failed", err.Error(), data)
}

func (s *Scheduler) emitBulk(ctx context.Context, campaignID string, sent, failed int) {
	data := map[string]any{"sent": sent, "failed": failed}
	if st, err := s.limiter.Status(context.WithoutCancel(ctx)); err == nil {
		data["hourly_count"] = st.HourlyCount
		data["hourly_limit"] = st.HourlyLimit
		data["daily_count"] = st.DailyCount
		data["daily_limit"] = st.DailyLimit
	}
	s.emitEvent(notify.BulkSent, notify.SeverityInfo, campaignID, "Batch dispatched",
		fmt.Sprintf("%d sent, %d failed.", sent, failed), data)
}

var _ Limiter = (*quota.Limiter)(nil)
