package storage

import (
	"context"
	"errors"
	"time"
)

var (
	ErrClosed = errors.New("storage closed")
	// ErrLocked means another process holds the file store open for writing.
	ErrLocked = errors.New("storage in use by another process")
	// ErrReadOnly is returned by writes on a store opened with ReadOnly.
	ErrReadOnly = errors.New("storage opened read-only")
	// ErrInjected is returned by test doubles that simulate an outage.
	ErrInjected = errors.New("storage failure injected")
)

// Config configures storage.
//
// Driver values:
//   - "memory": process memory only (counters are lost on restart)
//   - "file": JSON snapshot + JSONL journals under Path
//   - "sqlite": SQLite database file at Path
//   - "postgres": DSN in DSN (pgx pool)
//   - "redis": address in DSN, e.g. "redis://localhost:6379/0"
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means default
	KeyPrefix   string        // redis only; default "campaignq"
	// ReadOnly opens the file driver without its lock and refuses writes,
	// so a CLI can inspect a store a running service owns.
	ReadOnly bool
}

// Counters is the single process-wide quota record.
type Counters struct {
	HourlyCount     int       `json:"hourly_count"`
	DailyCount      int       `json:"daily_count"`
	HourlyLimit     int       `json:"hourly_limit"`
	DailyLimit      int       `json:"daily_limit"`
	LastHourlyReset time.Time `json:"last_hourly_reset"`
	LastDailyReset  time.Time `json:"last_daily_reset"`
}

// ItemRecord is the persisted form of one queued message.
type ItemRecord struct {
	ID          string    `json:"id"`
	CampaignID  string    `json:"campaign_id"`
	RecipientID string    `json:"recipient_id"`
	Address     string    `json:"address"`
	DisplayName string    `json:"display_name,omitempty"`
	Status      string    `json:"status"`
	Priority    int       `json:"priority"`
	Seq         int64     `json:"seq"`
	CreatedAt   time.Time `json:"created_at"`
	SentAt      time.Time `json:"sent_at,omitempty"`
	Error       string    `json:"error,omitempty"`
	MessageID   string    `json:"message_id,omitempty"`
	RequeuedAs  string    `json:"requeued_as,omitempty"`

	Subject     string `json:"subject,omitempty"`
	Body        string `json:"body,omitempty"`
	SenderName  string `json:"sender_name,omitempty"`
	SenderEmail string `json:"sender_email,omitempty"`
}

// AuditEntry records a dispatcher event. Keep it compact and schema-stable.
type AuditEntry struct {
	At         time.Time `json:"at"`
	Kind       string    `json:"kind"`
	Severity   string    `json:"severity,omitempty"`
	CampaignID string    `json:"campaign_id,omitempty"`
	Title      string    `json:"title,omitempty"`
	Message    string    `json:"message,omitempty"`
	MetaJSON   string    `json:"meta,omitempty"`
}

// CounterStore persists the quota record. Callers serialize load+save.
type CounterStore interface {
	LoadCounters(ctx context.Context) (Counters, error)
	SaveCounters(ctx context.Context, c Counters) error
}

// ItemStore is the queue journal. PutItems upserts by ID.
type ItemStore interface {
	PutItems(ctx context.Context, items []ItemRecord) error
	DeleteItems(ctx context.Context, ids []string) error
	LoadItems(ctx context.Context) ([]ItemRecord, error)
}

type AuditStore interface {
	AppendAudit(ctx context.Context, e AuditEntry) error
}

// DedupStore keeps notification suppression windows across restarts.
type DedupStore interface {
	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)
}

// Store is implemented by every driver.
type Store interface {
	CounterStore
	ItemStore
	AuditStore
	DedupStore
	Close() error
}
