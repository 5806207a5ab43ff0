package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"campaignq/internal/eventbus"
	"campaignq/internal/storage"
	"campaignq/internal/transport"
	logx "campaignq/pkg/logx"
)

// TopicPrefix prefixes every bus topic published by BusSink.
const TopicPrefix = "notify."

// BusSink republishes events on the in-process bus.
type BusSink struct{ Bus eventbus.Bus }

func (BusSink) Name() string { return "bus" }

func (s BusSink) Publish(ctx context.Context, e Event) error {
	s.Bus.Publish(eventbus.Event{Topic: TopicPrefix + string(e.Type), Time: e.Timestamp, Data: e})
	return nil
}

// AuditSink appends every event to the audit log.
type AuditSink struct{ Store storage.AuditStore }

func (AuditSink) Name() string { return "audit" }

func (s AuditSink) Publish(ctx context.Context, e Event) error {
	var meta string
	if len(e.Data) > 0 {
		b, err := json.Marshal(e.Data)
		if err != nil {
			return err
		}
		meta = string(b)
	}
	return s.Store.AppendAudit(ctx, storage.AuditEntry{
		At:         e.Timestamp,
		Kind:       string(e.Type),
		Severity:   string(e.Severity),
		CampaignID: e.CampaignID,
		Title:      e.Title,
		Message:    e.Message,
		MetaJSON:   meta,
	})
}

// LogSink writes events to the structured log.
type LogSink struct{ Log logx.Logger }

func (LogSink) Name() string { return "log" }

func (s LogSink) Publish(ctx context.Context, e Event) error {
	fields := []logx.Field{
		logx.String("type", string(e.Type)),
		logx.Campaign(e.CampaignID),
		logx.String("message", e.Message),
	}
	switch e.Severity {
	case SeverityError:
		s.Log.Error(e.Title, fields...)
	case SeverityWarning:
		s.Log.Warn(e.Title, fields...)
	default:
		s.Log.Info(e.Title, fields...)
	}
	return nil
}

// MailSink e-mails operators through the delivery transport. These messages
// never pass through the limiter, so they are not counted against quota.
type MailSink struct {
	Transport transport.Transport
	To        []string
	Types     map[Type]bool // nil means every type
	Prefix    string
}

func (MailSink) Name() string { return "mail" }

func (s MailSink) Publish(ctx context.Context, e Event) error {
	if s.Types != nil && !s.Types[e.Type] {
		return nil
	}
	prefix := s.Prefix
	if prefix == "" {
		prefix = "[campaignq]"
	}
	var errs []error
	for _, to := range s.To {
		to = strings.TrimSpace(to)
		if to == "" {
			continue
		}
		_, err := s.Transport.Send(ctx, transport.Message{
			CampaignID: e.CampaignID,
			Address:    to,
			Subject:    fmt.Sprintf("%s %s", prefix, e.Title),
			TextBody:   e.Plain(),
			Tags:       []string{"system-notification", string(e.Type)},
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", to, err))
		}
	}
	return errors.Join(errs...)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, e Event) error

func (SinkFunc) Name() string { return "func" }

func (f SinkFunc) Publish(ctx context.Context, e Event) error { return f(ctx, e) }
