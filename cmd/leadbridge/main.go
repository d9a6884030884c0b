package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "golang.org/x/crypto/x509roots/fallback" // Embed CA certs for scratch container

	"github.com/ericfisherdev/leadbridge/internal/adapter/driven/amocrm"
	"github.com/ericfisherdev/leadbridge/internal/adapter/driven/memory"
	natsadapter "github.com/ericfisherdev/leadbridge/internal/adapter/driven/nats"
	"github.com/ericfisherdev/leadbridge/internal/adapter/driven/notify"
	redisadapter "github.com/ericfisherdev/leadbridge/internal/adapter/driven/redis"
	sqliteadapter "github.com/ericfisherdev/leadbridge/internal/adapter/driven/sqlite"
	httphandler "github.com/ericfisherdev/leadbridge/internal/adapter/driving/http"
	"github.com/ericfisherdev/leadbridge/internal/application"
	"github.com/ericfisherdev/leadbridge/internal/config"
	"github.com/ericfisherdev/leadbridge/internal/domain/port/driven"
	"github.com/ericfisherdev/leadbridge/internal/resilience"
	"github.com/ericfisherdev/leadbridge/internal/telemetry"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load configuration (fail fast on missing required settings).
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})))
	slog.Info("config loaded",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"amocrm_base_url", cfg.AmoCRM.BaseURL,
		"worker_interval", cfg.WorkerInterval,
	)

	// 2. Setup signal-based context (SIGINT, SIGTERM).
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 3. Open database (dual reader/writer with WAL mode).
	db, err := sqliteadapter.NewDB(ctx, cfg.DBPath)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := db.Close(); closeErr != nil {
			slog.Error("error closing database", "error", closeErr)
		}
	}()
	slog.Info("database opened", "path", cfg.DBPath)

	// 4. Run migrations on writer connection.
	if err := sqliteadapter.RunMigrations(db.Writer); err != nil {
		return err
	}
	slog.Info("migrations complete")

	// 5. Wire stores and metrics.
	metrics := telemetry.New()
	tokenStore := sqliteadapter.NewTokenRepo(db, cfg.SecretKey)
	leadStore := sqliteadapter.NewLeadRepo(db)
	notificationStore := sqliteadapter.NewNotificationRepo(db)

	idem, closeIdem, err := newIdempotencyStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeIdem()

	publisher, closePublisher, err := newEventPublisher(cfg)
	if err != nil {
		return err
	}
	defer closePublisher()

	// 6. amoCRM: OAuth token lifecycle and the API client behind retry,
	// circuit breaker and rate limiter.
	oauth := amocrm.NewOAuth(amocrm.OAuthConfig{
		BaseURL:      cfg.AmoCRM.BaseURL,
		ClientID:     cfg.AmoCRM.ClientID,
		ClientSecret: cfg.AmoCRM.ClientSecret,
		RedirectURI:  cfg.AmoCRM.RedirectURI,
	}, nil)
	tokenSvc := application.NewTokenService(tokenStore, oauth, cfg.TokenRefreshSkew)

	fieldIDs := amocrm.DefaultFieldIDs()
	fieldIDs.Phone = cfg.AmoCRM.PhoneFieldID
	fieldIDs.Email = cfg.AmoCRM.EmailFieldID
	crm := amocrm.NewClient(amocrm.ClientConfig{
		BaseURL:           cfg.AmoCRM.BaseURL,
		RequestsPerSecond: cfg.AmoCRM.RateLimit,
		Retry:             resilience.HTTPRetry,
		Breaker:           resilience.DefaultBreakerSettings("amocrm"),
		Fields:            fieldIDs,
		Metrics:           metrics,
	}, tokenSvc)

	// 7. Notification channels. Unconfigured channels stay out of the registry.
	registry := application.NewNotifierRegistry(newNotifiers(cfg)...)
	slog.Info("notification channels configured", "channels", registry.Channels())
	notificationSvc := application.NewNotificationService(
		notificationStore,
		registry,
		resilience.ExternalRetry,
		cfg.NotifyMaxAttempts,
		metrics,
	)
	if _, err := notificationSvc.RecoverInterrupted(ctx); err != nil {
		return err
	}

	// 8. Lead intake, webhook processing and the background worker.
	leadSvc := application.NewLeadService(leadStore, crm, notificationSvc, publisher, cfg.AmoCRM.PipelineID, cfg.AmoCRM.StatusMap, metrics)
	webhookSvc := application.NewWebhookService(leadStore, crm, idem, cfg.AmoCRM.StatusMap, publisher, cfg.WebhookDedupeTTL, metrics)

	worker := application.NewWorker(tokenSvc, notificationSvc, leadSvc, cfg.WorkerInterval)
	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		worker.Start(ctx)
	}()

	// 9. HTTP API.
	apiHandler := httphandler.NewHandler(httphandler.Deps{
		Leads:         leadSvc,
		Webhooks:      webhookSvc,
		Tokens:        tokenSvc,
		Notifications: notificationSvc,
		Worker:        worker,
		DB:            db,
		BreakerState:  crm.BreakerState,
		Account:       crm.Account,
		Metrics:       metrics.Handler(),
	}, httphandler.Options{
		ClientSecret:      cfg.AmoCRM.ClientSecret,
		WebhookSecret:     cfg.WebhookSecret,
		JWTSecret:         []byte(cfg.JWTSecret),
		FrontendURL:       cfg.FrontendURL,
		ContactFields:     httphandler.ContactFieldIDs{Phone: fieldIDs.Phone, Email: fieldIDs.Email},
		RateLimitRequests: cfg.RateLimitRequests,
		RateLimitWindow:   cfg.RateLimitWindow,
		TrustProxy:        cfg.TrustProxy,
		SecureCookies:     isHTTPS(cfg.AmoCRM.RedirectURI),
	}, slog.Default())

	if cfg.JWTSecret == "" {
		slog.Warn("LEADBRIDGE_JWT_SECRET not set, management API will reject every request")
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           httphandler.NewServeMux(apiHandler),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		slog.Info("http server starting", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server error", "error", err)
			stop()
		}
	}()

	slog.Info("leadbridge started",
		"listen_addr", cfg.ListenAddr,
		"redis", cfg.HasRedis(),
		"nats", cfg.HasNATS(),
	)

	// 10. Wait for shutdown signal.
	<-ctx.Done()
	slog.Info("shutting down")

	// 11. Graceful shutdown with 10s timeout to drain in-flight requests.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http server shutdown error", "error", err)
	}

	// The database closes on return; let background writers finish first.
	select {
	case <-workerDone:
	case <-shutdownCtx.Done():
		slog.Warn("worker did not stop before shutdown timeout")
	}
	if err := leadSvc.Wait(shutdownCtx); err != nil {
		slog.Warn("lead notifications still running at shutdown", "error", err)
	}

	slog.Info("shutdown complete")
	return nil
}

func newNotifiers(cfg *config.Config) []driven.Notifier {
	var notifiers []driven.Notifier
	if cfg.HasTelegram() {
		notifiers = append(notifiers, notify.NewTelegram(cfg.Telegram.APIURL, cfg.Telegram.BotToken, cfg.Telegram.ChatID, nil))
	}
	if cfg.HasWhatsApp() {
		notifiers = append(notifiers, notify.NewWhatsApp(cfg.WhatsApp.APIURL, cfg.WhatsApp.APIKey, nil))
	}
	if cfg.HasSMTP() {
		notifiers = append(notifiers, notify.NewEmail(notify.SMTPConfig{
			Host:      cfg.SMTP.Host,
			Port:      cfg.SMTP.Port,
			Username:  cfg.SMTP.Username,
			Password:  cfg.SMTP.Password,
			From:      cfg.SMTP.From,
			DefaultTo: cfg.NotifyEmailTo,
		}))
	}
	return notifiers
}

// newIdempotencyStore returns the Redis-backed store when LEADBRIDGE_REDIS_URL
// is set so that dedupe survives restarts and spans replicas.
func newIdempotencyStore(ctx context.Context, cfg *config.Config) (driven.IdempotencyStore, func(), error) {
	if !cfg.HasRedis() {
		slog.Info("webhook dedupe using in-memory store")
		return memory.NewIdempotencyStore(), func() {}, nil
	}

	client, err := redisadapter.Connect(ctx, cfg.RedisURL)
	if err != nil {
		return nil, nil, err
	}
	slog.Info("webhook dedupe using redis")
	closeFn := func() {
		if err := client.Close(); err != nil {
			slog.Error("error closing redis client", "error", err)
		}
	}
	return redisadapter.NewIdempotencyStore(client, redisadapter.DefaultKeyPrefix), closeFn, nil
}

func newEventPublisher(cfg *config.Config) (driven.EventPublisher, func(), error) {
	if !cfg.HasNATS() {
		return nil, func() {}, nil
	}

	nc, err := natsadapter.Connect(cfg.NATSURL, "leadbridge")
	if err != nil {
		return nil, nil, err
	}
	slog.Info("lead events publishing to nats", "subject_prefix", cfg.NATSSubjectPrefix)
	closeFn := func() {
		if err := nc.Drain(); err != nil {
			slog.Error("error draining nats connection", "error", err)
		}
	}
	return natsadapter.NewPublisher(nc, cfg.NATSSubjectPrefix), closeFn, nil
}

func isHTTPS(rawURL string) bool {
	return strings.HasPrefix(rawURL, "https://")
}
