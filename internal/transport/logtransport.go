package transport

import (
	"context"
	"sync/atomic"

	logx "campaignq/pkg/logx"

	"github.com/google/uuid"
)

// Log accepts every message and only logs it. It backs dry runs and the
// "log" transport driver.
type Log struct {
	log  logx.Logger
	sent atomic.Int64
}

func NewLog(log logx.Logger) *Log {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Log{log: log}
}

func (l *Log) Send(ctx context.Context, m Message) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	if m.Address == "" {
		return Result{}, ErrNoAddress
	}
	id := "dry-" + uuid.NewString()
	l.sent.Add(1)
	l.log.Info("dry-run send",
		logx.Campaign(m.CampaignID),
		logx.String("item", m.ItemID),
		logx.String("to", m.Address),
		logx.String("subject", m.Subject),
		logx.String("message_id", id),
	)
	return Result{MessageID: id}, nil
}

// Sent is the number of accepted messages.
func (l *Log) Sent() int64 { return l.sent.Load() }
