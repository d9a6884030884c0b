package driven

import (
	"context"

	"github.com/ericfisherdev/leadbridge/internal/domain/model"
)

// TokenStore defines the driven port for encrypted amoCRM token persistence.
// The adapter is responsible for encryption; this interface works on plaintext.
type TokenStore interface {
	// Save deactivates any active token and stores tok as the active one.
	Save(ctx context.Context, tok model.Token) (model.Token, error)

	// Active returns the active token, or ErrNoToken when none exists.
	Active(ctx context.Context) (*model.Token, error)

	// DeactivateAll marks every stored token inactive.
	DeactivateAll(ctx context.Context) error
}
