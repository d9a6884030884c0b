package amocrm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/ericfisherdev/leadbridge/internal/domain/model"
	"github.com/ericfisherdev/leadbridge/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.OAuthClient = (*OAuth)(nil)

// OAuthConfig identifies the amoCRM integration.
type OAuthConfig struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	RedirectURI  string
}

// OAuth implements driven.OAuthClient against an amoCRM account.
type OAuth struct {
	cfg        OAuthConfig
	oauth      *oauth2.Config
	httpClient *http.Client
	now        func() time.Time
}

// NewOAuth creates an OAuth client. httpClient may be nil to use a client with a 30s timeout.
func NewOAuth(cfg OAuthConfig, httpClient *http.Client) *OAuth {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	base := strings.TrimRight(cfg.BaseURL, "/")
	cfg.BaseURL = base

	return &OAuth{
		cfg: cfg,
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURI,
			Endpoint: oauth2.Endpoint{
				AuthURL:   base + "/oauth2/authorize",
				TokenURL:  base + "/oauth2/access_token",
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		httpClient: httpClient,
		now:        time.Now,
	}
}

// AuthCodeURL returns the consent page URL carrying state.
func (o *OAuth) AuthCodeURL(state string) string {
	return o.oauth.AuthCodeURL(state)
}

// Exchange trades an authorization code for a token pair.
func (o *OAuth) Exchange(ctx context.Context, code string) (model.Token, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, o.httpClient)

	tok, err := o.oauth.Exchange(ctx, code)
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && re.Response != nil {
			return model.Token{}, &APIError{Operation: "exchange code", StatusCode: re.Response.StatusCode, Body: truncate(re.Body)}
		}
		return model.Token{}, fmt.Errorf("exchange code: %w", err)
	}

	out := model.Token{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		ExpiresAt:    tok.Expiry,
		CreatedAt:    o.now().UTC(),
	}
	if out.TokenType == "" {
		out.TokenType = model.DefaultTokenType
	}
	if out.ExpiresAt.IsZero() {
		out.ExpiresAt = out.CreatedAt.Add(model.DefaultTokenExpiresIn)
	}
	return out, nil
}

// tokenResponse is the amoCRM /oauth2/access_token body.
type tokenResponse struct {
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// Refresh obtains a new token pair. amoCRM requires redirect_uri on refresh,
// which oauth2.TokenSource does not send, so the grant is posted directly.
// A rejected refresh token yields driven.ErrReauthorizationRequired.
func (o *OAuth) Refresh(ctx context.Context, refreshToken string) (model.Token, error) {
	form := url.Values{
		"client_id":     {o.cfg.ClientID},
		"client_secret": {o.cfg.ClientSecret},
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"redirect_uri":  {o.cfg.RedirectURI},
	}

	body, status, err := o.postForm(ctx, o.oauth.Endpoint.TokenURL, form)
	if err != nil {
		return model.Token{}, fmt.Errorf("refresh token: %w", err)
	}
	if status == http.StatusBadRequest || status == http.StatusUnauthorized {
		return model.Token{}, fmt.Errorf("refresh token: %s: %w", truncate(body), driven.ErrReauthorizationRequired)
	}
	if status < 200 || status >= 300 {
		return model.Token{}, &APIError{Operation: "refresh token", StatusCode: status, Body: truncate(body)}
	}

	var resp tokenResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return model.Token{}, fmt.Errorf("decode token response: %w", err)
	}
	if resp.AccessToken == "" {
		return model.Token{}, errors.New("decode token response: empty access_token")
	}

	now := o.now().UTC()
	expiresIn := model.DefaultTokenExpiresIn
	if resp.ExpiresIn > 0 {
		expiresIn = time.Duration(resp.ExpiresIn) * time.Second
	}
	tokenType := resp.TokenType
	if tokenType == "" {
		tokenType = model.DefaultTokenType
	}
	refresh := resp.RefreshToken
	if refresh == "" {
		refresh = refreshToken
	}

	return model.Token{
		AccessToken:  resp.AccessToken,
		RefreshToken: refresh,
		TokenType:    tokenType,
		ExpiresAt:    now.Add(expiresIn),
		CreatedAt:    now,
	}, nil
}

// Revoke invalidates token on the amoCRM side.
func (o *OAuth) Revoke(ctx context.Context, token string) error {
	form := url.Values{
		"client_id":     {o.cfg.ClientID},
		"client_secret": {o.cfg.ClientSecret},
		"token":         {token},
	}

	body, status, err := o.postForm(ctx, o.cfg.BaseURL+"/oauth2/revoke", form)
	if err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	if status < 200 || status >= 300 {
		return &APIError{Operation: "revoke token", StatusCode: status, Body: truncate(body)}
	}
	return nil
}

func (o *OAuth) postForm(ctx context.Context, endpoint string, form url.Values) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read response: %w", err)
	}
	return body, resp.StatusCode, nil
}
