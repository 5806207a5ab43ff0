package transport

import (
	"context"
	"errors"
	"time"
)

// Observer records one send attempt. internal/metrics implements it.
type Observer interface {
	ObserveSend(provider, outcome string, took time.Duration)
}

type instrumented struct {
	next     Transport
	provider string
	obs      Observer
}

// Instrument wraps next so every attempt is reported to obs.
func Instrument(next Transport, provider string, obs Observer) Transport {
	if obs == nil {
		return next
	}
	return &instrumented{next: next, provider: provider, obs: obs}
}

func (t *instrumented) Send(ctx context.Context, m Message) (Result, error) {
	start := time.Now()
	res, err := t.next.Send(ctx, m)
	t.obs.ObserveSend(t.provider, Outcome(err), time.Since(start))
	return res, err
}

// Outcome classifies a Send error for metrics labels.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "sent"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, ErrCircuitOpen):
		return "circuit_open"
	default:
		return "failed"
	}
}
