package driven

import (
	"context"

	"github.com/ericfisherdev/leadbridge/internal/domain/model"
)

// EventPublisher broadcasts lead lifecycle events to other services.
type EventPublisher interface {
	Publish(ctx context.Context, event model.LeadEvent) error
}
