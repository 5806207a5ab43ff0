// Package housekeeping runs periodic maintenance jobs on cron schedules.
package housekeeping

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	logx "campaignq/pkg/logx"

	"github.com/robfig/cron/v3"
)

var ErrUnknownJob = errors.New("unknown housekeeping job")

type Job func(ctx context.Context) error

// JobInfo is a point-in-time view of one job.
type JobInfo struct {
	Name    string    `json:"name"`
	Spec    string    `json:"spec"`
	Next    time.Time `json:"next,omitempty"`
	Prev    time.Time `json:"prev,omitempty"`
	Runs    int       `json:"runs"`
	Errors  int       `json:"errors"`
	LastErr string    `json:"last_error,omitempty"`
}

type job struct {
	name    string
	spec    string
	timeout time.Duration
	fn      Job
	entryID cron.EntryID

	runs    int
	errs    int
	lastErr string
}

type Service struct {
	mu     sync.Mutex
	log    logx.Logger
	loc    *time.Location
	parser cron.Parser
	c      *cron.Cron
	ctx    context.Context
	jobs   map[string]*job
}

func New(loc *time.Location, log logx.Logger) *Service {
	if loc == nil {
		loc = time.Local
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		log:    log,
		loc:    loc,
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		jobs:   map[string]*job{},
	}
}

// Add registers a job. It is scheduled immediately when the service runs.
func (s *Service) Add(name, spec string, timeout time.Duration, fn Job) error {
	spec = strings.TrimSpace(spec)
	if _, err := s.parser.Parse(spec); err != nil {
		return fmt.Errorf("housekeeping %s: bad spec %q: %w", name, spec, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if old := s.jobs[name]; old != nil && s.c != nil {
		s.c.Remove(old.entryID)
	}
	j := &job{name: name, spec: spec, timeout: timeout, fn: fn}
	s.jobs[name] = j
	if s.c != nil {
		return s.scheduleLocked(j)
	}
	return nil
}

// Reschedule changes a job's spec. An unchanged spec is a no-op.
func (s *Service) Reschedule(name, spec string) error {
	s.mu.Lock()
	j := s.jobs[name]
	s.mu.Unlock()
	if j == nil {
		return ErrUnknownJob
	}
	if strings.TrimSpace(spec) == j.spec {
		return nil
	}
	return s.Add(name, spec, j.timeout, j.fn)
}

func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	s.ctx = ctx
	s.c = cron.New(
		cron.WithParser(s.parser),
		cron.WithLocation(s.loc),
		cron.WithChain(cron.Recover(cronLogger{s.log}), cron.SkipIfStillRunning(cronLogger{s.log})),
	)
	for _, j := range s.jobs {
		if err := s.scheduleLocked(j); err != nil {
			return err
		}
	}
	s.c.Start()
	s.log.Info("housekeeping started", logx.Int("jobs", len(s.jobs)), logx.String("tz", s.loc.String()))
	return nil
}

// Stop waits for running jobs, bounded by ctx.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
		s.log.Warn("housekeeping stop timed out")
	}
}

// RunNow runs a job synchronously outside its schedule.
func (s *Service) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	j := s.jobs[name]
	s.mu.Unlock()
	if j == nil {
		return ErrUnknownJob
	}
	return s.run(ctx, j)
}

func (s *Service) Jobs() []JobInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobInfo, 0, len(s.jobs))
	for _, j := range s.jobs {
		info := JobInfo{Name: j.name, Spec: j.spec, Runs: j.runs, Errors: j.errs, LastErr: j.lastErr}
		if s.c != nil {
			e := s.c.Entry(j.entryID)
			info.Next, info.Prev = e.Next, e.Prev
		}
		out = append(out, info)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Name < out[b].Name })
	return out
}

func (s *Service) scheduleLocked(j *job) error {
	ctx := s.ctx
	id, err := s.c.AddFunc(j.spec, func() { _ = s.run(ctx, j) })
	if err != nil {
		return fmt.Errorf("housekeeping %s: %w", j.name, err)
	}
	j.entryID = id
	return nil
}

func (s *Service) run(ctx context.Context, j *job) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if j.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, j.timeout)
		defer cancel()
	}
	start := time.Now()
	err := j.fn(ctx)

	s.mu.Lock()
	j.runs++
	if err != nil {
		j.errs++
		j.lastErr = err.Error()
	} else {
		j.lastErr = ""
	}
	s.mu.Unlock()

	if err != nil {
		s.log.Warn("housekeeping job failed", logx.String("job", j.name), logx.Duration("took", time.Since(start)), logx.Err(err))
		return err
	}
	s.log.Debug("housekeeping job done", logx.String("job", j.name), logx.Duration("took", time.Since(start)))
	return nil
}

// cronLogger adapts logx to cron.Logger.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Debug("cron: "+msg, logx.Any("kv", kv))
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron: "+msg, logx.Err(err), logx.Any("kv", kv))
}
