// Package httphandler is the HTTP driving adapter: the public lead intake and
// webhook endpoints, the amoCRM OAuth flow and the management API.
package httphandler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/ericfisherdev/leadbridge/internal/application"
	"github.com/ericfisherdev/leadbridge/internal/domain/port/driven"
)

const (
	maxBodyBytes        = 1 << 20
	accountCheckTimeout = 5 * time.Second
)

// Pinger reports whether a backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Options configures authentication and limits for the HTTP API.
type Options struct {
	// ClientSecret keys the amoCRM webhook signature.
	ClientSecret string
	// WebhookSecret, when set, also requires X-Webhook-Signature over the body.
	WebhookSecret string
	// JWTSecret guards management routes; empty disables them.
	JWTSecret []byte
	// FrontendURL receives the browser after a successful OAuth callback.
	FrontendURL string
	// ContactFields identifies phone and email in contact webhooks.
	ContactFields ContactFieldIDs

	RateLimitRequests int
	RateLimitWindow   time.Duration
	TrustProxy        bool
	SecureCookies     bool
}

// Handler is the HTTP driving adapter that serves the REST API.
type Handler struct {
	leads         *application.LeadService
	webhooks      *application.WebhookService
	tokens        *application.TokenService
	notifications *application.NotificationService
	worker        *application.Worker
	db            Pinger
	breakerState  func() string
	account       func(ctx context.Context) (*driven.CRMAccount, error)
	metrics       http.Handler
	opts          Options
	logger        *slog.Logger
}

// Deps groups the services a Handler dispatches to. Worker, BreakerState,
// Account and Metrics are optional.
type Deps struct {
	Leads         *application.LeadService
	Webhooks      *application.WebhookService
	Tokens        *application.TokenService
	Notifications *application.NotificationService
	Worker        *application.Worker
	DB            Pinger
	BreakerState  func() string
	Account       func(ctx context.Context) (*driven.CRMAccount, error)
	Metrics       http.Handler
}

// NewHandler creates a Handler with all required dependencies.
func NewHandler(deps Deps, opts Options, logger *slog.Logger) *Handler {
	return &Handler{
		leads:         deps.Leads,
		webhooks:      deps.Webhooks,
		tokens:        deps.Tokens,
		notifications: deps.Notifications,
		worker:        deps.Worker,
		db:            deps.DB,
		breakerState:  deps.BreakerState,
		account:       deps.Account,
		metrics:       deps.Metrics,
		opts:          opts,
		logger:        logger,
	}
}

// NewServeMux creates an http.Handler with all routes registered and wrapped
// with request id, logging, security header and recovery middleware.
func NewServeMux(h *Handler) http.Handler {
	mux := http.NewServeMux()
	limiter := newIPRateLimiter(h.opts.RateLimitRequests, h.opts.RateLimitWindow, h.opts.TrustProxy)
	auth := func(fn http.HandlerFunc) http.HandlerFunc { return jwtAuth(h.opts.JWTSecret, fn) }

	mux.HandleFunc("GET /health", h.Health)
	mux.HandleFunc("GET /api/v1/health", h.Health)
	if h.metrics != nil {
		mux.Handle("GET /metrics", h.metrics)
	}

	mux.Handle("POST /api/v1/leads", limiter.middleware(http.HandlerFunc(h.SubmitLead)))
	mux.HandleFunc("GET /api/v1/leads", auth(h.ListLeads))
	mux.HandleFunc("GET /api/v1/leads/stats", auth(h.LeadStats))
	mux.HandleFunc("GET /api/v1/leads/{id}", auth(h.GetLead))
	mux.HandleFunc("POST /api/v1/leads/{id}/sync", auth(h.SyncLead))
	mux.HandleFunc("POST /api/v1/leads/{id}/status", auth(h.ChangeLeadStatus))

	mux.HandleFunc("POST /api/v1/webhooks/amocrm", h.AmoCRMWebhook)

	mux.HandleFunc("GET /api/v1/auth/amocrm", h.StartAuthorization)
	mux.HandleFunc("GET /api/v1/auth/amocrm/callback", h.AuthorizationCallback)
	mux.HandleFunc("GET /api/v1/auth/amocrm/status", auth(h.AuthorizationStatus))
	mux.HandleFunc("POST /api/v1/auth/amocrm/refresh", auth(h.RefreshToken))
	mux.HandleFunc("POST /api/v1/auth/amocrm/revoke", auth(h.RevokeToken))

	mux.HandleFunc("GET /api/v1/notifications", auth(h.ListNotifications))
	mux.HandleFunc("POST /api/v1/notifications", auth(h.SendNotification))
	mux.HandleFunc("POST /api/v1/notifications/retry", auth(h.RetryNotifications))

	mux.HandleFunc("POST /api/v1/worker/run", auth(h.RunWorker))

	// Recovery innermost so panics are caught before logging.
	wrapped := recoveryMiddleware(h.logger, mux)
	wrapped = securityHeadersMiddleware(wrapped)
	wrapped = loggingMiddleware(h.logger, wrapped)
	wrapped = requestIDMiddleware(wrapped)

	return wrapped
}

// Health reports service liveness and database reachability.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:   "ok",
		Database: "ok",
		Time:     time.Now().UTC().Format(time.RFC3339),
	}

	if h.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.db.Ping(ctx); err != nil {
			h.logger.Warn("health check database ping failed", "error", err)
			resp.Status = "degraded"
			resp.Database = "unreachable"
			writeJSON(w, http.StatusServiceUnavailable, resp)
			return
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

// RunWorker runs one maintenance cycle out of schedule.
func (h *Handler) RunWorker(w http.ResponseWriter, r *http.Request) {
	if h.worker == nil {
		writeError(w, http.StatusServiceUnavailable, "worker not running")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Minute)
	defer cancel()

	report, err := h.worker.Trigger(ctx)
	if err != nil {
		h.logger.Error("manual worker cycle failed", "error", err)
		writeError(w, http.StatusGatewayTimeout, "worker cycle did not complete")
		return
	}

	writeJSON(w, http.StatusOK, toCycleResponse(report))
}
