package notify

import (
	"fmt"
	"time"

	"campaignq/internal/quota"
)

type Type string

const (
	CampaignStarted   Type = "campaign_started"
	CampaignProgress  Type = "campaign_progress"
	CampaignCompleted Type = "campaign_completed"
	CampaignFailed    Type = "campaign_failed"
	CampaignStopped   Type = "campaign_stopped"
	CampaignPaused    Type = "campaign_paused"
	CampaignResumed   Type = "campaign_resumed"
	QuotaWarning      Type = "quota_warning"
	QuotaReached      Type = "quota_reached"
	CounterReset      Type = "counter_reset"
	BulkSent          Type = "bulk_sent"
)

type Severity string

const (
	SeverityInfo    Severity = "info"
	SeveritySuccess Severity = "success"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Event is purely observational. The dispatcher never reads it back.
type Event struct {
	Type       Type           `json:"type"`
	Severity   Severity       `json:"severity"`
	Title      string         `json:"title"`
	Message    string         `json:"message"`
	Timestamp  time.Time      `json:"timestamp"`
	CampaignID string         `json:"campaign_id,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
}

// Threshold reports whether the event is subject to debouncing.
func (e Event) Threshold() bool {
	return e.Type == QuotaWarning || e.Type == QuotaReached
}

// DedupKey identifies repeated threshold events by type, window, limit and
// window start, so a crossing in the next window is never suppressed.
// Other events return "".
func (e Event) DedupKey() string {
	if !e.Threshold() {
		return ""
	}
	key := fmt.Sprintf("%s:%v:%v", e.Type, e.Data["window"], e.Data["limit"])
	if ws, ok := e.Data["window_start"].(string); ok && ws != "" {
		key += ":" + ws
	}
	return key
}

// FromQuota translates a limiter observation into a notification.
func FromQuota(q quota.Event) Event {
	data := map[string]any{
		"window":    q.Window.String(),
		"count":     q.Count,
		"limit":     q.Limit,
		"remaining": q.Remaining,
		"percent":   q.Percent,
	}
	if !q.WindowStart.IsZero() {
		data["window_start"] = q.WindowStart.UTC().Format(time.RFC3339)
	}
	e := Event{Timestamp: q.At, Data: data}
	switch q.Kind {
	case quota.EventWarning:
		e.Type = QuotaWarning
		e.Severity = SeverityWarning
		e.Title = fmt.Sprintf("%s quota at %.0f%%", q.Window, q.Percent)
		e.Message = fmt.Sprintf("%d of %d %s sends used, %d remaining.", q.Count, q.Limit, q.Window, q.Remaining)
	case quota.EventReached:
		e.Type = QuotaReached
		e.Severity = SeverityError
		e.Title = fmt.Sprintf("%s quota reached", q.Window)
		e.Message = fmt.Sprintf("All %d %s sends used. Dispatch waits for the next window.", q.Limit, q.Window)
	case quota.EventReset:
		e.Type = CounterReset
		e.Severity = SeverityInfo
		e.Title = fmt.Sprintf("%s quota reset", q.Window)
		e.Message = fmt.Sprintf("%s counter reset from %d to 0.", q.Window, q.Previous)
		data["previous"] = q.Previous
	}
	return e
}

// Plain renders the event as a short plain-text notification.
func (e Event) Plain() string {
	s := e.Title
	if e.Message != "" {
		s += "\n" + e.Message
	}
	if e.CampaignID != "" {
		s += "\ncampaign: " + e.CampaignID
	}
	return s
}
