package resilience

import (
	"errors"
	"time"

	"github.com/sony/gobreaker"
)

// ErrCircuitOpen is returned while the breaker rejects calls.
var ErrCircuitOpen = errors.New("circuit breaker open")

// BreakerSettings configures a Breaker.
type BreakerSettings struct {
	Name             string
	FailureThreshold uint32
	RecoveryTimeout  time.Duration

	// IsFailure decides which errors count towards tripping. Nil counts every error.
	IsFailure func(error) bool

	// OnStateChange is called on every transition with the new state name.
	OnStateChange func(name, from, to string)
}

// DefaultBreakerSettings trips after 5 consecutive failures and tries again after 60s.
func DefaultBreakerSettings(name string) BreakerSettings {
	return BreakerSettings{Name: name, FailureThreshold: 5, RecoveryTimeout: 60 * time.Second}
}

// Breaker is a closed/open/half-open circuit breaker around gobreaker.
type Breaker struct {
	cb *gobreaker.CircuitBreaker
}

// NewBreaker creates a Breaker. In the half-open state a single trial call is allowed.
func NewBreaker(s BreakerSettings) *Breaker {
	threshold := s.FailureThreshold
	if threshold == 0 {
		threshold = 5
	}

	settings := gobreaker.Settings{
		Name:        s.Name,
		MaxRequests: 1,
		Timeout:     s.RecoveryTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
	}
	if s.IsFailure != nil {
		isFailure := s.IsFailure
		settings.IsSuccessful = func(err error) bool {
			return err == nil || !isFailure(err)
		}
	}
	if s.OnStateChange != nil {
		onChange := s.OnStateChange
		settings.OnStateChange = func(name string, from, to gobreaker.State) {
			onChange(name, from.String(), to.String())
		}
	}

	return &Breaker{cb: gobreaker.NewCircuitBreaker(settings)}
}

// Execute runs fn unless the breaker is open. Rejected calls return ErrCircuitOpen.
func (b *Breaker) Execute(fn func() error) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrCircuitOpen
	}
	return err
}

// State returns "closed", "open" or "half-open".
func (b *Breaker) State() string {
	return b.cb.State().String()
}
