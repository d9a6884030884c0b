package driven

import (
	"context"
	"time"
)

// IdempotencyStore records keys that have already been handled.
type IdempotencyStore interface {
	// Claim records key for ttl and reports true if it was not already present.
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// Release forgets key so a later delivery is processed again.
	Release(ctx context.Context, key string) error
}
