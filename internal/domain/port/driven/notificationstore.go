package driven

import (
	"context"

	"github.com/ericfisherdev/leadbridge/internal/domain/model"
)

// NotificationStore defines the driven port for notification persistence.
type NotificationStore interface {
	Create(ctx context.Context, n model.Notification) error
	Update(ctx context.Context, n model.Notification) error
	Get(ctx context.Context, id string) (*model.Notification, error)
	List(ctx context.Context, limit int) ([]model.Notification, error)

	// ListRetryable returns pending or failed notifications with attempts left,
	// oldest first.
	ListRetryable(ctx context.Context, limit int) ([]model.Notification, error)

	// Claim moves a pending or failed notification with attempts left to
	// sending. It reports false when another delivery already holds it.
	Claim(ctx context.Context, id string) (bool, error)

	// RequeueInterrupted marks notifications left in sending as failed so the
	// retry sweep picks them up again.
	RequeueInterrupted(ctx context.Context) (int, error)
}
