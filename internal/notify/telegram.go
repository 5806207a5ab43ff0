package notify

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"

	tele "gopkg.in/telebot.v4"
)

const telegramTextLimit = 4096

type TelegramConfig struct {
	Token    string
	ChatID   int64
	ThreadID int
	// MinSeverity filters out quieter events. Empty means all.
	MinSeverity Severity
}

// telegramSender is the part of *tele.Bot the sink uses.
type telegramSender interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
}

// TelegramSink posts events to one chat (optionally a forum thread).
type TelegramSink struct {
	cfg TelegramConfig
	bot telegramSender
}

func NewTelegramSink(cfg TelegramConfig) (*TelegramSink, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat id is empty")
	}
	// Offline skips the getMe round trip; the sink never polls.
	b, err := tele.NewBot(tele.Settings{Token: cfg.Token, Offline: true})
	if err != nil {
		return nil, err
	}
	return &TelegramSink{cfg: cfg, bot: b}, nil
}

func (s *TelegramSink) Name() string { return "telegram" }

func (s *TelegramSink) Publish(ctx context.Context, e Event) error {
	if severityRank(e.Severity) < severityRank(s.cfg.MinSeverity) {
		return nil
	}
	chat := &tele.Chat{ID: s.cfg.ChatID}
	opts := &tele.SendOptions{
		ParseMode:             tele.ModeHTML,
		DisableWebPagePreview: true,
		ThreadID:              s.cfg.ThreadID,
	}
	for _, chunk := range splitText(formatTelegram(e), telegramTextLimit) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := s.bot.Send(chat, chunk, opts); err != nil {
			return err
		}
	}
	return nil
}

func formatTelegram(e Event) string {
	var b strings.Builder
	b.WriteString(severityIcon(e.Severity))
	b.WriteString("<b>")
	b.WriteString(html.EscapeString(e.Title))
	b.WriteString("</b>")
	if e.Message != "" {
		b.WriteString("\n")
		b.WriteString(html.EscapeString(e.Message))
	}
	if e.CampaignID != "" {
		fmt.Fprintf(&b, "\n<code>%s</code>", html.EscapeString(e.CampaignID))
	}
	return b.String()
}

func severityIcon(s Severity) string {
	switch s {
	case SeverityError:
		return "🚨 "
	case SeverityWarning:
		return "⚠️ "
	case SeveritySuccess:
		return "✅ "
	default:
		return "ℹ️ "
	}
}

func severityRank(s Severity) int {
	switch s {
	case SeverityError:
		return 3
	case SeverityWarning:
		return 2
	case SeveritySuccess, SeverityInfo:
		return 1
	default:
		return 0
	}
}

// splitText cuts s into chunks of at most limit runes, preferring newlines.
func splitText(s string, limit int) []string {
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}
	var out []string
	for start := 0; start < len(rs); {
		end := min(start+limit, len(rs))
		if end < len(rs) {
			for i := end - 1; i > start+limit/3; i-- {
				if rs[i] == '\n' {
					end = i + 1
					break
				}
			}
		}
		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}
