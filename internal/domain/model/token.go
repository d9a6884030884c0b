package model

import "time"

// Default values amoCRM omits from some token responses.
const (
	DefaultTokenType      = "Bearer"
	DefaultTokenExpiresIn = 86400 * time.Second
)

// Token is an amoCRM OAuth2 token pair. At most one token is active at a time.
type Token struct {
	ID           int64
	AccessToken  string
	RefreshToken string
	TokenType    string
	ExpiresAt    time.Time
	Active       bool
	CreatedAt    time.Time
}

// Valid reports whether the access token is still usable at now with at least
// skew remaining before expiry.
func (t Token) Valid(now time.Time, skew time.Duration) bool {
	if t.AccessToken == "" {
		return false
	}
	return now.Add(skew).Before(t.ExpiresAt)
}

// TokenStatus describes the authorization state for the status endpoint.
type TokenStatus struct {
	Authorized bool
	Expired    bool
	ExpiresAt  time.Time
	UpdatedAt  time.Time
}
