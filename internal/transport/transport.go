// Package transport delivers one outbound message per call.
//
// The dispatcher calls Send once per queue item. A nil error means the
// provider accepted the message; anything else is a per-item failure.
package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNoAddress = errors.New("message has no recipient address")
	// ErrCircuitOpen is returned while the breaker rejects calls.
	ErrCircuitOpen = errors.New("transport circuit open")
)

type Message struct {
	ItemID      string
	CampaignID  string
	Address     string
	DisplayName string
	Subject     string
	HTMLBody    string
	TextBody    string
	SenderName  string
	SenderEmail string
	Tags        []string
}

type Result struct {
	MessageID string
}

type Transport interface {
	Send(ctx context.Context, m Message) (Result, error)
}

// Func adapts a function to Transport.
type Func func(ctx context.Context, m Message) (Result, error)

func (f Func) Send(ctx context.Context, m Message) (Result, error) { return f(ctx, m) }

// ProviderError is a non-2xx answer from a delivery provider.
type ProviderError struct {
	Provider string
	Status   int
	Code     string
	Message  string
}

func (e *ProviderError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: status %d", e.Provider, e.Status)
	if e.Code != "" {
		b.WriteString(" ")
		b.WriteString(e.Code)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	return b.String()
}

// Temporary reports whether the provider may accept the same message later.
func (e *ProviderError) Temporary() bool {
	return e.Status == 429 || e.Status >= 500
}

// nameFromAddress is the display name used when none is given.
func nameFromAddress(addr string) string {
	if i := strings.IndexByte(addr, '@'); i > 0 {
		return addr[:i]
	}
	return addr
}
