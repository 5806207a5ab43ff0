package metrics

import (
	"context"
	"time"

	"campaignq/internal/dispatch"
	logx "campaignq/pkg/logx"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	quotaCountDesc = prometheus.NewDesc(namespace+"_quota_count", "Sends counted in the current window.", []string{"window"}, nil)
	quotaLimitDesc = prometheus.NewDesc(namespace+"_quota_limit", "Configured limit for the window.", []string{"window"}, nil)
	quotaResvDesc  = prometheus.NewDesc(namespace+"_quota_reserved", "Reserved but not yet committed sends.", nil, nil)
	quotaUpDesc    = prometheus.NewDesc(namespace+"_quota_store_up", "1 if the counter store answered the last scrape.", nil, nil)

	itemsDesc = prometheus.NewDesc(namespace+"_campaign_items", "Queue items per campaign and status.", []string{"campaign", "status"}, nil)
	runsDesc  = prometheus.NewDesc(namespace+"_runs", "Campaign runs per state.", []string{"state"}, nil)

	goActiveDesc   = prometheus.NewDesc(namespace+"_goroutines_active", "Supervised goroutines currently running.", nil, nil)
	goPanicsDesc   = prometheus.NewDesc(namespace+"_goroutine_panics_total", "Panics recovered by the supervisor.", nil, nil)
	goRestartsDesc = prometheus.NewDesc(namespace+"_goroutine_restarts_total", "Restarts of supervised goroutines.", nil, nil)
)

var allStates = []dispatch.State{
	dispatch.StateIdle,
	dispatch.StateStarting,
	dispatch.StateRunning,
	dispatch.StatePaused,
	dispatch.StateCompleted,
	dispatch.StateError,
}

type quotaCollector struct {
	src QuotaSource
	log logx.Logger
}

func (c *quotaCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- quotaCountDesc
	ch <- quotaLimitDesc
	ch <- quotaResvDesc
	ch <- quotaUpDesc
}

func (c *quotaCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	st, err := c.src.Status(ctx)
	if err != nil {
		c.log.Warn("quota scrape failed", logx.Err(err))
		ch <- prometheus.MustNewConstMetric(quotaUpDesc, prometheus.GaugeValue, 0)
		return
	}
	ch <- prometheus.MustNewConstMetric(quotaUpDesc, prometheus.GaugeValue, 1)
	ch <- prometheus.MustNewConstMetric(quotaCountDesc, prometheus.GaugeValue, float64(st.HourlyCount), "hourly")
	ch <- prometheus.MustNewConstMetric(quotaCountDesc, prometheus.GaugeValue, float64(st.DailyCount), "daily")
	ch <- prometheus.MustNewConstMetric(quotaLimitDesc, prometheus.GaugeValue, float64(st.HourlyLimit), "hourly")
	ch <- prometheus.MustNewConstMetric(quotaLimitDesc, prometheus.GaugeValue, float64(st.DailyLimit), "daily")
	ch <- prometheus.MustNewConstMetric(quotaResvDesc, prometheus.GaugeValue, float64(st.Reserved))
}

type runCollector struct {
	src RunSource
}

func (c *runCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- itemsDesc
	ch <- runsDesc
}

func (c *runCollector) Collect(ch chan<- prometheus.Metric) {
	states := map[dispatch.State]int{}
	for _, r := range c.src.Runs() {
		states[r.State]++
		p := r.Progress
		ch <- prometheus.MustNewConstMetric(itemsDesc, prometheus.GaugeValue, float64(p.Pending), r.CampaignID, string(dispatch.StatusPending))
		ch <- prometheus.MustNewConstMetric(itemsDesc, prometheus.GaugeValue, float64(p.Sent), r.CampaignID, string(dispatch.StatusSent))
		ch <- prometheus.MustNewConstMetric(itemsDesc, prometheus.GaugeValue, float64(p.Failed), r.CampaignID, string(dispatch.StatusFailed))
	}
	for _, s := range allStates {
		ch <- prometheus.MustNewConstMetric(runsDesc, prometheus.GaugeValue, float64(states[s]), string(s))
	}
}

type supervisorCollector struct {
	src SupervisorSource
}

func (c *supervisorCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- goActiveDesc
	ch <- goPanicsDesc
	ch <- goRestartsDesc
}

func (c *supervisorCollector) Collect(ch chan<- prometheus.Metric) {
	n := c.src.Counters()
	ch <- prometheus.MustNewConstMetric(goActiveDesc, prometheus.GaugeValue, float64(n.Active))
	ch <- prometheus.MustNewConstMetric(goPanicsDesc, prometheus.CounterValue, float64(n.Panics))
	ch <- prometheus.MustNewConstMetric(goRestartsDesc, prometheus.CounterValue, float64(n.Restarts))
}
