package driven

import (
	"context"

	"github.com/ericfisherdev/leadbridge/internal/domain/model"
)

// Notifier delivers a single notification over one channel. Implementations
// make one attempt; retries are the caller's concern.
type Notifier interface {
	Channel() model.Channel
	Send(ctx context.Context, n model.Notification) error
}
