package httphandler

import (
	"context"
	"errors"
	"net/http"
	"net/url"

	"github.com/ericfisherdev/leadbridge/internal/domain/port/driven"
)

// StartAuthorization redirects the browser to the amoCRM consent screen.
func (h *Handler) StartAuthorization(w http.ResponseWriter, r *http.Request) {
	state := issueOAuthState(w, h.opts.SecureCookies)
	http.Redirect(w, r, h.tokens.AuthorizeURL(state), http.StatusFound)
}

// AuthorizationCallback completes the OAuth code exchange.
func (h *Handler) AuthorizationCallback(w http.ResponseWriter, r *http.Request) {
	if !consumeOAuthState(w, r) {
		writeError(w, http.StatusBadRequest, "invalid oauth state")
		return
	}

	q := r.URL.Query()
	if denied := q.Get("error"); denied != "" {
		h.logger.Warn("amocrm authorization denied", "error", denied)
		writeError(w, http.StatusBadRequest, "authorization denied")
		return
	}
	code := q.Get("code")
	if code == "" {
		writeError(w, http.StatusBadRequest, "missing authorization code")
		return
	}

	tok, err := h.tokens.CompleteAuthorization(r.Context(), code)
	if err != nil {
		h.logger.Error("amocrm code exchange failed", "error", err)
		writeError(w, http.StatusBadGateway, "authorization failed")
		return
	}

	if h.opts.FrontendURL != "" {
		target, err := url.Parse(h.opts.FrontendURL)
		if err == nil {
			values := target.Query()
			values.Set("amocrm", "connected")
			target.RawQuery = values.Encode()
			http.Redirect(w, r, target.String(), http.StatusFound)
			return
		}
	}

	writeJSON(w, http.StatusOK, TokenStatusResponse{
		Authorized: true,
		ExpiresAt:  formatTimestamp(tok.ExpiresAt),
		UpdatedAt:  formatTimestamp(tok.CreatedAt),
	})
}

// AuthorizationStatus reports whether amoCRM is connected.
func (h *Handler) AuthorizationStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.tokens.Status(r.Context())
	if err != nil {
		h.logger.Error("failed to read token status", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	resp := TokenStatusResponse{
		Authorized: status.Authorized,
		Expired:    status.Expired,
		ExpiresAt:  formatTimestamp(status.ExpiresAt),
		UpdatedAt:  formatTimestamp(status.UpdatedAt),
	}
	if h.breakerState != nil {
		resp.BreakerState = h.breakerState()
	}
	if status.Authorized && h.account != nil {
		ctx, cancel := context.WithTimeout(r.Context(), accountCheckTimeout)
		defer cancel()
		account, err := h.account(ctx)
		if err != nil {
			h.logger.Warn("amocrm account check failed", "error", err)
			resp.Connection = "failed"
		} else {
			resp.Connection = "ok"
			resp.Account = &AccountResponse{ID: account.ID, Name: account.Name, Subdomain: account.Subdomain}
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// RefreshToken forces a token refresh.
func (h *Handler) RefreshToken(w http.ResponseWriter, r *http.Request) {
	if _, err := h.tokens.ForceRefresh(r.Context()); err != nil {
		switch {
		case errors.Is(err, driven.ErrNoToken):
			writeError(w, http.StatusConflict, "amocrm not authorized")
		case errors.Is(err, driven.ErrReauthorizationRequired):
			writeError(w, http.StatusConflict, "reauthorization required")
		default:
			h.logger.Error("manual token refresh failed", "error", err)
			writeError(w, http.StatusBadGateway, "token refresh failed")
		}
		return
	}

	h.AuthorizationStatus(w, r)
}

// RevokeToken disconnects amoCRM.
func (h *Handler) RevokeToken(w http.ResponseWriter, r *http.Request) {
	if err := h.tokens.Revoke(r.Context()); err != nil {
		h.logger.Error("token revoke failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	writeJSON(w, http.StatusOK, TokenStatusResponse{Authorized: false})
}
