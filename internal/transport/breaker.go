package transport

import (
	"context"
	"errors"
	"time"

	logx "campaignq/pkg/logx"

	"github.com/sony/gobreaker"
)

type BreakerConfig struct {
	Name        string
	MaxRequests uint32
	Interval    time.Duration
	Timeout     time.Duration
	// MinRequests and FailureRatio decide when the breaker opens.
	MinRequests  uint32
	FailureRatio float64
}

// Breaker stops hammering a provider that keeps failing. While open, Send
// fails fast with ErrCircuitOpen and the item is recorded as failed.
type Breaker struct {
	next Transport
	cb   *gobreaker.CircuitBreaker
}

func NewBreaker(next Transport, cfg BreakerConfig, log logx.Logger) *Breaker {
	if cfg.Name == "" {
		cfg.Name = "transport"
	}
	if cfg.MaxRequests == 0 {
		cfg.MaxRequests = 1
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MinRequests == 0 {
		cfg.MinRequests = 5
	}
	if cfg.FailureRatio <= 0 || cfg.FailureRatio > 1 {
		cfg.FailureRatio = 0.6
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	minReq, ratio := cfg.MinRequests, cfg.FailureRatio
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < minReq {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= ratio
		},
		// Permanent provider rejections do not count as breaker failures.
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			var pe *ProviderError
			return (errors.As(err, &pe) && !pe.Temporary()) || errors.Is(err, ErrNoAddress)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("transport circuit breaker state changed",
				logx.String("name", name),
				logx.String("from", from.String()),
				logx.String("to", to.String()),
			)
		},
	})
	return &Breaker{next: next, cb: cb}
}

func (b *Breaker) Send(ctx context.Context, m Message) (Result, error) {
	out, err := b.cb.Execute(func() (interface{}, error) {
		return b.next.Send(ctx, m)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return Result{}, errors.Join(ErrCircuitOpen, err)
	}
	res, _ := out.(Result)
	return res, err
}

// State is the breaker state name, for health output.
func (b *Breaker) State() string { return b.cb.State().String() }
