// Package application contains use-case orchestration services.
package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/ericfisherdev/leadbridge/internal/domain/model"
	"github.com/ericfisherdev/leadbridge/internal/domain/port/driven"
	"github.com/ericfisherdev/leadbridge/internal/resilience"
)

// Compile-time interface satisfaction check.
var _ driven.TokenSource = (*TokenService)(nil)

// TokenService owns the amoCRM OAuth token lifecycle: authorization, refresh
// on expiry and revocation. Concurrent refreshes collapse into one call.
type TokenService struct {
	store driven.TokenStore
	oauth driven.OAuthClient
	skew  time.Duration
	retry resilience.RetryPolicy
	now   func() time.Time
	group singleflight.Group
}

// NewTokenService creates a TokenService. Tokens with less than skew remaining
// are treated as expired.
func NewTokenService(store driven.TokenStore, oauth driven.OAuthClient, skew time.Duration) *TokenService {
	return &TokenService{
		store: store,
		oauth: oauth,
		skew:  skew,
		retry: resilience.HTTPRetry,
		now:   time.Now,
	}
}

// AuthorizeURL returns the amoCRM consent URL for state.
func (s *TokenService) AuthorizeURL(state string) string {
	return s.oauth.AuthCodeURL(state)
}

// CompleteAuthorization exchanges an authorization code and stores the token
// as the active one.
func (s *TokenService) CompleteAuthorization(ctx context.Context, code string) (model.Token, error) {
	if code == "" {
		return model.Token{}, errors.New("complete authorization: empty code")
	}

	tok, err := s.oauth.Exchange(ctx, code)
	if err != nil {
		return model.Token{}, fmt.Errorf("complete authorization: %w", err)
	}

	saved, err := s.store.Save(ctx, tok)
	if err != nil {
		return model.Token{}, fmt.Errorf("complete authorization: %w", err)
	}

	slog.Info("amocrm authorized", "expires_at", saved.ExpiresAt)
	return saved, nil
}

// AccessToken returns a valid access token, refreshing it first when it has
// expired or is about to.
func (s *TokenService) AccessToken(ctx context.Context) (string, error) {
	tok, err := s.store.Active(ctx)
	if err != nil {
		return "", err
	}
	if tok.Valid(s.now(), s.skew) {
		return tok.AccessToken, nil
	}
	return s.refresh(ctx, false)
}

// ForceRefresh refreshes regardless of the stored expiry. Used after amoCRM
// rejects a token that looked valid locally.
func (s *TokenService) ForceRefresh(ctx context.Context) (string, error) {
	return s.refresh(ctx, true)
}

// RefreshIfExpiring refreshes the active token when it is within the skew
// window. It reports whether a refresh happened.
func (s *TokenService) RefreshIfExpiring(ctx context.Context) (bool, error) {
	tok, err := s.store.Active(ctx)
	if errors.Is(err, driven.ErrNoToken) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if tok.Valid(s.now(), s.skew) {
		return false, nil
	}
	if _, err := s.refresh(ctx, false); err != nil {
		return false, err
	}
	return true, nil
}

func (s *TokenService) refresh(ctx context.Context, force bool) (string, error) {
	// The shared call must outlive any single caller's cancellation.
	shared := context.WithoutCancel(ctx)

	v, err, _ := s.group.Do("refresh", func() (any, error) {
		current, err := s.store.Active(shared)
		if err != nil {
			return "", err
		}
		// Another caller may have refreshed while this one waited.
		if !force && current.Valid(s.now(), s.skew) {
			return current.AccessToken, nil
		}

		var fresh model.Token
		err = resilience.Retry(shared, s.retry, func(ctx context.Context) error {
			var err error
			fresh, err = s.oauth.Refresh(ctx, current.RefreshToken)
			if err != nil && !isRetryable(err) {
				return resilience.Permanent(err)
			}
			return err
		})
		if err != nil {
			if errors.Is(err, driven.ErrReauthorizationRequired) {
				slog.Error("amocrm refresh token rejected, reauthorization required")
			}
			return "", fmt.Errorf("refresh amocrm token: %w", err)
		}

		saved, err := s.store.Save(shared, fresh)
		if err != nil {
			return "", fmt.Errorf("save refreshed token: %w", err)
		}

		slog.Info("amocrm token refreshed", "expires_at", saved.ExpiresAt, "forced", force)
		return saved.AccessToken, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Revoke invalidates the active token at amoCRM and deactivates it locally.
// A failed remote revoke is logged; the local deactivation still happens.
func (s *TokenService) Revoke(ctx context.Context) error {
	tok, err := s.store.Active(ctx)
	if errors.Is(err, driven.ErrNoToken) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("revoke: %w", err)
	}

	if err := s.oauth.Revoke(ctx, tok.AccessToken); err != nil {
		slog.Warn("amocrm remote revoke failed", "error", err)
	}

	if err := s.store.DeactivateAll(ctx); err != nil {
		return fmt.Errorf("revoke: %w", err)
	}

	slog.Info("amocrm token revoked")
	return nil
}

// Status reports whether amoCRM is authorized and when the token expires.
func (s *TokenService) Status(ctx context.Context) (model.TokenStatus, error) {
	tok, err := s.store.Active(ctx)
	if errors.Is(err, driven.ErrNoToken) {
		return model.TokenStatus{}, nil
	}
	if err != nil {
		return model.TokenStatus{}, fmt.Errorf("token status: %w", err)
	}

	return model.TokenStatus{
		Authorized: true,
		Expired:    !tok.Valid(s.now(), 0),
		ExpiresAt:  tok.ExpiresAt,
		UpdatedAt:  tok.CreatedAt,
	}, nil
}

// isRetryable reports whether an adapter error is worth another attempt.
// Errors that do not classify themselves are treated as transient.
func isRetryable(err error) bool {
	if errors.Is(err, driven.ErrReauthorizationRequired) || errors.Is(err, context.Canceled) {
		return false
	}
	var classified interface{ Retryable() bool }
	if errors.As(err, &classified) {
		return classified.Retryable()
	}
	return true
}
