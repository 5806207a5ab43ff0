package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	logx "campaignq/pkg/logx"
)

const (
	DefaultBrevoEndpoint = "https://api.brevo.com/v3/smtp/email"
	brevoUnknownID       = "unknown"
)

type BrevoConfig struct {
	APIKey      string
	SenderEmail string
	SenderName  string
	Endpoint    string
	Timeout     time.Duration
}

// Brevo sends transactional e-mail through the Brevo v3 API.
type Brevo struct {
	cfg  BrevoConfig
	http *http.Client
	log  logx.Logger
}

func NewBrevo(cfg BrevoConfig, client *http.Client, log logx.Logger) (*Brevo, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("brevo api key is empty")
	}
	if strings.TrimSpace(cfg.SenderEmail) == "" {
		return nil, errors.New("brevo sender email is empty")
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultBrevoEndpoint
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Brevo{cfg: cfg, http: client, log: log}, nil
}

type brevoContact struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

type brevoRequest struct {
	Sender      brevoContact      `json:"sender"`
	To          []brevoContact    `json:"to"`
	Subject     string            `json:"subject"`
	HTMLContent string            `json:"htmlContent,omitempty"`
	TextContent string            `json:"textContent,omitempty"`
	Tags        []string          `json:"tags,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
}

type brevoResponse struct {
	MessageID string `json:"messageId"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

func (b *Brevo) Send(ctx context.Context, m Message) (Result, error) {
	if strings.TrimSpace(m.Address) == "" {
		return Result{}, ErrNoAddress
	}
	sender := brevoContact{Email: b.cfg.SenderEmail, Name: b.cfg.SenderName}
	if m.SenderEmail != "" {
		sender.Email = m.SenderEmail
	}
	if m.SenderName != "" {
		sender.Name = m.SenderName
	}
	name := m.DisplayName
	if name == "" {
		name = nameFromAddress(m.Address)
	}
	req := brevoRequest{
		Sender:      sender,
		To:          []brevoContact{{Email: m.Address, Name: name}},
		Subject:     m.Subject,
		HTMLContent: m.HTMLBody,
		TextContent: m.TextBody,
		Tags:        m.Tags,
	}
	if req.HTMLContent == "" && req.TextContent == "" {
		req.TextContent = " "
	}
	if m.ItemID != "" {
		req.Headers = map[string]string{"X-Campaignq-Item": m.ItemID}
	}
	body, err := json.Marshal(req)
	if err != nil {
		return Result{}, err
	}

	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return Result{}, err
	}
	hreq.Header.Set("api-key", b.cfg.APIKey)
	hreq.Header.Set("Content-Type", "application/json")
	hreq.Header.Set("Accept", "application/json")

	resp, err := b.http.Do(hreq)
	if err != nil {
		return Result{}, fmt.Errorf("brevo: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return Result{}, fmt.Errorf("brevo: read response: %w", err)
	}

	var out brevoResponse
	_ = json.Unmarshal(raw, &out)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := out.Message
		if msg == "" {
			msg = strings.TrimSpace(string(raw))
		}
		return Result{}, &ProviderError{Provider: "brevo", Status: resp.StatusCode, Code: out.Code, Message: msg}
	}
	if out.MessageID == "" {
		out.MessageID = brevoUnknownID
	}
	b.log.Debug("brevo accepted message", logx.String("item", m.ItemID), logx.String("message_id", out.MessageID))
	return Result{MessageID: out.MessageID}, nil
}
