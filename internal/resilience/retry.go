// Package resilience wraps outbound calls in exponential-backoff retries and a
// circuit breaker.
package resilience

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy configures Retry. Delays grow by Multiplier from BaseDelay and
// are capped at MaxDelay; Jitter randomizes each delay by +/- that fraction.
type RetryPolicy struct {
	Name        string
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	Jitter      float64
}

// Presets for the call sites in this service.
var (
	DefaultRetry  = RetryPolicy{Name: "default", MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: 60 * time.Second, Multiplier: 2, Jitter: 0.5}
	HTTPRetry     = RetryPolicy{Name: "http", MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: 30 * time.Second, Multiplier: 2, Jitter: 0.5}
	DBRetry       = RetryPolicy{Name: "db", MaxAttempts: 5, BaseDelay: 500 * time.Millisecond, MaxDelay: 10 * time.Second, Multiplier: 1.5, Jitter: 0.5}
	ExternalRetry = RetryPolicy{Name: "external", MaxAttempts: 3, BaseDelay: 2 * time.Second, MaxDelay: 60 * time.Second, Multiplier: 2, Jitter: 0.5}
)

// WithMaxAttempts returns a copy of p with MaxAttempts replaced.
func (p RetryPolicy) WithMaxAttempts(n int) RetryPolicy {
	p.MaxAttempts = n
	return p
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.MaxInterval = p.MaxDelay
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = p.Jitter
	b.MaxElapsedTime = 0

	retries := max(p.MaxAttempts-1, 0)
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries)), ctx)
}

// Permanent marks err as not worth retrying. Retry returns the unwrapped error.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Retry runs op until it succeeds, returns a Permanent error, the context is
// canceled, or MaxAttempts is reached. It returns the last error from op, or
// the context error when canceled while waiting.
func Retry(ctx context.Context, p RetryPolicy, op func(ctx context.Context) error) error {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}

	attempt := 0
	operation := func() error {
		attempt++
		return op(ctx)
	}
	notify := func(err error, next time.Duration) {
		slog.Warn("retrying operation",
			"policy", p.Name,
			"attempt", attempt,
			"max_attempts", p.MaxAttempts,
			"next_delay", next.Round(time.Millisecond),
			"error", err,
		)
	}

	return backoff.RetryNotify(operation, p.backOff(ctx), notify)
}
