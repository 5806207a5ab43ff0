// Package app wires the dispatcher, its stores, sinks and outer surfaces
// from one configuration and follows config reloads.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"campaignq/internal/config"
	"campaignq/internal/dispatch"
	"campaignq/internal/eventbus"
	"campaignq/internal/housekeeping"
	"campaignq/internal/httpapi"
	"campaignq/internal/metrics"
	"campaignq/internal/notify"
	"campaignq/internal/quota"
	rtsup "campaignq/internal/runtime/supervisor"
	"campaignq/internal/storage"
	"campaignq/internal/transport"
	logx "campaignq/pkg/logx"
)

const quotaRefreshJob = "quota.refresh"

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	limiter *quota.Limiter
	queue   *dispatch.Queue
	sched   *dispatch.Scheduler
	notif   *notify.Emitter
	metrics *metrics.Metrics
	hk      *housekeeping.Service
	http    *httpapi.Service

	closers []io.Closer
	applied *config.Config
}

func NewApp(cfgPath string) (*App, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	logSvc, root := logx.New(mapLogConfig(cfg))
	return build(cfgPath, cfg, logSvc, root)
}

func build(cfgPath string, cfg *config.Config, logSvc *logx.Service, root logx.Logger) (*App, error) {
	log := root.With(logx.String("comp", "app"))
	cfgm := config.NewManager(cfgPath, root.With(logx.String("comp", "config")))
	cfgm.Commit(cfg)

	store, err := storage.Open(mapStorageConfig(cfg), root.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	a := &App{cfgm: cfgm, log: log, logs: logSvc, store: store, applied: cfg}
	ok := false
	defer func() {
		if !ok {
			a.closeResources()
		}
	}()

	loc, err := cfg.Quota.Location()
	if err != nil {
		return nil, err
	}
	a.bus = eventbus.New()
	a.metrics = metrics.New(root.With(logx.String("comp", "metrics")))
	a.limiter = quota.New(store, quota.Options{
		HourlyLimit:  cfg.Quota.HourlyLimit,
		DailyLimit:   cfg.Quota.DailyLimit,
		ThresholdPct: cfg.Quota.ThresholdPct,
		Location:     loc,
		Log:          root.With(logx.String("comp", "quota")),
	})
	a.queue = dispatch.NewQueue(dispatch.QueueOptions{Store: store, Log: root.With(logx.String("comp", "queue"))})

	tr, err := buildTransport(cfg, root, a.metrics)
	if err != nil {
		return nil, err
	}

	sinks, err := a.buildSinks(cfg, root, tr)
	if err != nil {
		return nil, err
	}
	a.notif = notify.New(mapNotifierConfig(cfg), root.With(logx.String("comp", "notifier")), store, sinks...)
	a.limiter.SetOnEvent(func(ev quota.Event) { a.notif.Emit(notify.FromQuota(ev)) })

	tune := mapTuning(cfg)
	a.sched = dispatch.NewScheduler(a.queue, a.limiter, tr, dispatch.Options{
		Concurrency:     tune.Concurrency,
		DispatchTimeout: tune.DispatchTimeout,
		ProgressEvery:   tune.ProgressEvery,
		AutoStart:       cfg.Dispatch.AutoStart,
		ResumeOnBoot:    cfg.Dispatch.ResumeOnBoot,
		Log:             root.With(logx.String("comp", "scheduler")),
		Emitter:         a.notif,
	})
	a.metrics.WatchQuota(a.limiter)
	a.metrics.WatchRuns(a.sched)

	a.hk = housekeeping.New(cronLocation(cfg), root.With(logx.String("comp", "housekeeping")))
	if err := a.hk.Add(quotaRefreshJob, cfg.Housekeeping.QuotaRefresh, 30*time.Second, a.limiter.Refresh); err != nil {
		return nil, err
	}

	a.http = httpapi.NewService(mapHTTPConfig(cfg), httpapi.Deps{
		Scheduler: a.sched,
		Queue:     a.queue,
		Limits:    a.limiter,
		Events:    a.notif,
		Jobs:      a.hk,
		Metrics:   a.metrics.Handler(),
	}, root.With(logx.String("comp", "http")))

	ok = true
	return a, nil
}

// buildTransport wraps the provider in the breaker and the metrics observer.
func buildTransport(cfg *config.Config, log logx.Logger, obs transport.Observer) (transport.Transport, error) {
	var tr transport.Transport
	switch cfg.Transport.Provider {
	case "brevo":
		b, err := transport.NewBrevo(mapBrevoConfig(cfg), nil, log.With(logx.String("comp", "brevo")))
		if err != nil {
			return nil, err
		}
		tr = b
	default:
		tr = transport.NewLog(log.With(logx.String("comp", "transport")))
	}
	if cfg.Transport.Breaker.Enabled {
		tr = transport.NewBreaker(tr, mapBreakerConfig(cfg), log.With(logx.String("comp", "breaker")))
	}
	return transport.Instrument(tr, cfg.Transport.Provider, obs), nil
}

// buildSinks always attaches bus, audit and log. The others are enabled by their address.
func (a *App) buildSinks(cfg *config.Config, log logx.Logger, tr transport.Transport) ([]notify.Sink, error) {
	n := cfg.Notifier
	sinks := []notify.Sink{
		notify.BusSink{Bus: a.bus},
		notify.AuditSink{Store: a.store},
		notify.LogSink{Log: log.With(logx.String("comp", "events"))},
	}
	if strings.TrimSpace(n.AMQP.URL) != "" {
		s, err := notify.NewAMQPSink(notify.AMQPConfig{URL: n.AMQP.URL, Exchange: n.AMQP.Exchange, Queue: n.AMQP.Queue},
			log.With(logx.String("comp", "amqp")))
		if err != nil {
			return nil, fmt.Errorf("notifier.amqp: %w", err)
		}
		sinks = append(sinks, s)
		a.closers = append(a.closers, s)
	}
	if strings.TrimSpace(n.Telegram.Token) != "" {
		s, err := notify.NewTelegramSink(notify.TelegramConfig{
			Token:       n.Telegram.Token,
			ChatID:      n.Telegram.ChatID,
			ThreadID:    n.Telegram.ThreadID,
			MinSeverity: notify.Severity(strings.ToLower(strings.TrimSpace(n.Telegram.MinSeverity))),
		})
		if err != nil {
			return nil, fmt.Errorf("notifier.telegram: %w", err)
		}
		sinks = append(sinks, s)
	}
	if len(n.Mail.To) > 0 {
		sinks = append(sinks, notify.MailSink{
			Transport: tr,
			To:        n.Mail.To,
			Types:     mapMailTypes(n.Mail.Types),
			Prefix:    n.Mail.Prefix,
		})
	}
	return sinks, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.metrics.WatchSupervisor(a.sup)
	c := a.sup.Context()

	// A reload must leave the control API reachable.
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if !cfg.HTTP.Enabled {
			return nil
		}
		return httpapi.CheckBind(mapHTTPConfig(cfg))
	})
	if err := httpapi.CheckBind(mapHTTPConfig(a.applied)); err != nil && a.applied.HTTP.Enabled {
		return err
	}

	if err := a.queue.Restore(c); err != nil {
		return err
	}
	if err := a.limiter.Refresh(c); err != nil {
		if errors.Is(err, quota.ErrStoreUnavailable) {
			return err
		}
		a.log.Warn("initial quota refresh failed", logx.Err(err))
	}

	a.notif.Start(c)
	a.sup.Go("metrics.events", func(ctx context.Context) error { return a.metrics.Consume(ctx, a.bus) })

	if err := a.sched.Boot(c); err != nil {
		return err
	}
	if err := a.hk.Start(c); err != nil {
		return err
	}
	a.http.Start(c)

	a.sup.Go("config.watch", a.cfgm.Watch)
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.apply", func(ctx context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
				return
			case cfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config.
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							cfg = newer
						}
					default:
						drained = true
					}
				}
				a.applyConfig(ctx, cfg)
			}
		}
	})

	hourly, daily := a.limiter.Limits()
	a.log.Info("campaignq started",
		logx.Int("hourly_limit", hourly),
		logx.Int("daily_limit", daily),
		logx.String("storage", a.applied.Storage.Driver),
		logx.String("transport", a.applied.Transport.Provider),
	)
	return nil
}

// Stop shuts components down outside-in: intake first, then runs, then sinks and stores.
func (a *App) Stop(ctx context.Context) {
	a.http.Stop(ctx)
	a.hk.Stop(ctx)
	if err := a.sched.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
		a.log.Warn("scheduler shutdown", logx.Err(err))
	}
	a.notif.Stop(ctx)
	if a.sup != nil {
		if err := a.sup.Stop(ctx); err != nil && !errors.Is(err, context.Canceled) {
			a.log.Warn("app supervisor stopped with error", logx.Err(err))
		}
	}
	a.log.Info("campaignq stopped")
	a.closeResources()
}

func (a *App) closeResources() {
	for _, c := range a.closers {
		_ = c.Close()
	}
	a.closers = nil
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("storage close failed", logx.Err(err))
		}
		a.store = nil
	}
	if a.logs != nil {
		_ = a.logs.Close()
	}
}

// applyConfig pushes a reloaded config into the live components. Storage and
// transport changes are logged and wait for a restart.
func (a *App) applyConfig(ctx context.Context, cfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(a.applied, cfg)
	if len(sections) == 0 {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}
	prev := a.applied
	a.applied = cfg
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config change applied", fields...)
	if restart := config.RestartRequired(sections); len(restart) > 0 {
		a.log.Warn("config changed; restart required for these sections", logx.Strs("sections", restart))
	}

	if a.logs != nil {
		if err := a.logs.Apply(mapLogConfig(cfg)); err != nil {
			a.log.Warn("log output change incomplete", logx.Err(err))
		}
	}
	a.limiter.SetLimits(cfg.Quota.HourlyLimit, cfg.Quota.DailyLimit)
	a.limiter.SetThreshold(cfg.Quota.ThresholdPct)
	a.sched.Apply(mapTuning(cfg))

	a.notif.Apply(mapNotifierConfig(cfg))
	switch {
	case prev.Notifier.Enabled && !cfg.Notifier.Enabled:
		a.log.Info("notifier disabled via config")
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.notif.Stop(stopCtx)
		cancel()
	case !prev.Notifier.Enabled && cfg.Notifier.Enabled:
		a.log.Info("notifier enabled via config")
		a.notif.Start(ctx)
	}

	if err := a.hk.Reschedule(quotaRefreshJob, cfg.Housekeeping.QuotaRefresh); err != nil {
		a.log.Warn("housekeeping reschedule failed; keeping previous", logx.Err(err))
	}
	a.http.Reconfigure(ctx, mapHTTPConfig(cfg))
}
