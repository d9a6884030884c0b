package driven

import (
	"context"

	"github.com/ericfisherdev/leadbridge/internal/domain/model"
)

// LeadStore defines the driven port for lead persistence.
type LeadStore interface {
	// Create inserts a lead and returns it with ID and timestamps set. When
	// lead.IdempotencyKey matches an existing lead, that lead is returned with
	// created=false and nothing is written.
	Create(ctx context.Context, lead model.Lead) (stored model.Lead, created bool, err error)

	// GetByID returns ErrNotFound when no lead has that id.
	GetByID(ctx context.Context, id int64) (*model.Lead, error)

	// GetByAmoLeadID returns (nil, nil) when no local lead references the amoCRM lead.
	GetByAmoLeadID(ctx context.Context, amoLeadID int64) (*model.Lead, error)

	// UpsertFromCRM inserts a lead first seen in amoCRM. It reports false when
	// a lead with the same amoCRM id already exists.
	UpsertFromCRM(ctx context.Context, lead model.Lead) (bool, error)

	List(ctx context.Context, filter model.LeadFilter) ([]model.Lead, int, error)
	Stats(ctx context.Context) (model.LeadStats, error)

	// ListUnsynced returns pending and failed leads, least recently touched
	// first, so leads that keep failing rotate behind fresh ones.
	ListUnsynced(ctx context.Context, limit int) ([]model.Lead, error)

	MarkSynced(ctx context.Context, id, amoContactID, amoLeadID int64) error

	// MarkSyncFailed records a failed push and counts the attempt. A permanent
	// failure moves the lead to SyncStateRejected, out of the resync queue.
	MarkSyncFailed(ctx context.Context, id int64, reason string, permanent bool) error

	// UpdateFromCRM applies a status and optional name change to the lead
	// linked to amoLeadID. It returns ErrNotFound when no lead is linked.
	UpdateFromCRM(ctx context.Context, amoLeadID int64, status model.LeadStatus, name string) error

	// UpdateContactInfo overwrites non-empty contact fields on every lead linked
	// to amoContactID and returns the number of leads touched.
	UpdateContactInfo(ctx context.Context, amoContactID int64, name, phone, email string) (int, error)
}
