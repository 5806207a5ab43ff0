// Package dispatch holds the campaign queue and the scheduler that drains it
// under the global hourly and daily quota.
package dispatch

import "time"

type Status string

const (
	StatusPending Status = "pending"
	StatusSent    Status = "sent"
	StatusFailed  Status = "failed"
)

// Final reports whether the status can no longer change.
func (s Status) Final() bool { return s == StatusSent || s == StatusFailed }

type State string

const (
	StateIdle      State = "idle"
	StateStarting  State = "starting"
	StateRunning   State = "running"
	StatePaused    State = "paused"
	StateCompleted State = "completed"
	StateError     State = "error"
)

// Campaign is owned by the caller. The queue only copies its message fields onto items.
type Campaign struct {
	ID          string `json:"id"`
	Subject     string `json:"subject"`
	SenderName  string `json:"sender_name,omitempty"`
	SenderEmail string `json:"sender_email,omitempty"`
	// Body is used for recipients without a personalized body.
	Body string `json:"body,omitempty"`
}

// Recipient is one already-personalized target.
type Recipient struct {
	ID          string `json:"id,omitempty"`
	Address     string `json:"address"`
	DisplayName string `json:"display_name,omitempty"`
	Priority    int    `json:"priority,omitempty"`
	Subject     string `json:"subject,omitempty"`
	Body        string `json:"body,omitempty"`
}

type Payload struct {
	Subject     string `json:"subject"`
	Body        string `json:"body,omitempty"`
	SenderName  string `json:"sender_name,omitempty"`
	SenderEmail string `json:"sender_email,omitempty"`
}

// QueueItem is one message inside a campaign run. Status only moves forward
// from pending, and SentAt is set iff Status is sent.
type QueueItem struct {
	ID          string    `json:"id"`
	CampaignID  string    `json:"campaign_id"`
	RecipientID string    `json:"recipient_id,omitempty"`
	Address     string    `json:"address"`
	DisplayName string    `json:"display_name,omitempty"`
	Status      Status    `json:"status"`
	Priority    int       `json:"priority"`
	Seq         int64     `json:"seq"`
	CreatedAt   time.Time `json:"created_at"`
	SentAt      time.Time `json:"sent_at,omitempty"`
	Error       string    `json:"error,omitempty"`
	MessageID   string    `json:"message_id,omitempty"`
	RequeuedAs  string    `json:"requeued_as,omitempty"`
	Payload     Payload   `json:"payload"`
}

// Result is the detail recorded by MarkResult.
type Result struct {
	MessageID string
	Error     string
}

// Progress always satisfies Sent+Failed+Pending == Total.
type Progress struct {
	Total               int       `json:"total"`
	Sent                int       `json:"sent"`
	Failed              int       `json:"failed"`
	Pending             int       `json:"pending"`
	EstimatedCompletion time.Time `json:"estimated_completion,omitempty"`
	EstimatedHours      int       `json:"estimated_hours"`
	EstimatedDays       int       `json:"estimated_days"`
}

// RunInfo describes one campaign run for status output.
type RunInfo struct {
	CampaignID string    `json:"campaign_id"`
	State      State     `json:"state"`
	Progress   Progress  `json:"progress"`
	Active     bool      `json:"active"`
	StartedAt  time.Time `json:"started_at,omitempty"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
	RunSent    int       `json:"run_sent"`
	RunFailed  int       `json:"run_failed"`
	LastError  string    `json:"last_error,omitempty"`
}
