// Package metrics exposes dispatcher state in Prometheus format on a private registry.
package metrics

import (
	"context"
	"net/http"
	"time"

	"campaignq/internal/dispatch"
	"campaignq/internal/eventbus"
	"campaignq/internal/notify"
	"campaignq/internal/quota"
	rtsup "campaignq/internal/runtime/supervisor"
	logx "campaignq/pkg/logx"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "campaignq"

// QuotaSource is satisfied by *quota.Limiter.
type QuotaSource interface {
	Status(ctx context.Context) (quota.Status, error)
}

// RunSource is satisfied by *dispatch.Scheduler.
type RunSource interface {
	Runs() []dispatch.RunInfo
}

// SupervisorSource is satisfied by *supervisor.Supervisor.
type SupervisorSource interface {
	Counters() rtsup.Counters
}

type Metrics struct {
	reg *prometheus.Registry
	log logx.Logger

	sends        *prometheus.CounterVec
	sendDuration *prometheus.HistogramVec
	events       *prometheus.CounterVec
}

func New(log logx.Logger) *Metrics {
	if log.IsZero() {
		log = logx.Nop()
	}
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		log: log,
		sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_attempts_total",
			Help:      "Transport send attempts by provider and outcome.",
		}, []string{"provider", "outcome"}),
		sendDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "send_duration_seconds",
			Help:      "Transport send latency.",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"provider", "outcome"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Notification events by type.",
		}, []string{"type"}),
	}
	m.reg.MustRegister(
		m.sends,
		m.sendDuration,
		m.events,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// ObserveSend implements transport.Observer.
func (m *Metrics) ObserveSend(provider, outcome string, took time.Duration) {
	m.sends.WithLabelValues(provider, outcome).Inc()
	m.sendDuration.WithLabelValues(provider, outcome).Observe(took.Seconds())
}

func (m *Metrics) ObserveEvent(typ string) {
	m.events.WithLabelValues(typ).Inc()
}

// WatchQuota registers gauges read from src on every scrape.
func (m *Metrics) WatchQuota(src QuotaSource) {
	m.reg.MustRegister(&quotaCollector{src: src, log: m.log})
}

// WatchRuns registers per-campaign item and run state gauges.
func (m *Metrics) WatchRuns(src RunSource) {
	m.reg.MustRegister(&runCollector{src: src})
}

// WatchSupervisor exports goroutine counters of src.
func (m *Metrics) WatchSupervisor(src SupervisorSource) {
	m.reg.MustRegister(&supervisorCollector{src: src})
}

// Consume counts notification events published on the bus until ctx ends.
func (m *Metrics) Consume(ctx context.Context, bus eventbus.Bus) error {
	ch, unsubscribe := bus.Subscribe(notify.TopicPrefix, 256)
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			if e, ok := ev.Data.(notify.Event); ok {
				m.ObserveEvent(string(e.Type))
			}
		}
	}
}
