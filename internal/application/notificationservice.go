package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ericfisherdev/leadbridge/internal/domain/model"
	"github.com/ericfisherdev/leadbridge/internal/domain/port/driven"
	"github.com/ericfisherdev/leadbridge/internal/resilience"
	"github.com/ericfisherdev/leadbridge/internal/telemetry"
)

// ErrChannelNotConfigured is recorded when a notification targets a channel
// with no registered notifier.
var ErrChannelNotConfigured = errors.New("notification channel not configured")

// ErrAttemptsExhausted is returned when a notification has no attempts left.
var ErrAttemptsExhausted = errors.New("notification attempts exhausted")

const retrySweepLimit = 50

// NotificationService delivers notifications through the registered channels,
// retrying each one up to its MaxAttempts and persisting every outcome.
type NotificationService struct {
	store       driven.NotificationStore
	registry    *NotifierRegistry
	policy      resilience.RetryPolicy
	maxAttempts int
	metrics     *telemetry.Metrics
	now         func() time.Time
}

// NewNotificationService creates a NotificationService. maxAttempts applies to
// notifications created without their own limit.
func NewNotificationService(
	store driven.NotificationStore,
	registry *NotifierRegistry,
	policy resilience.RetryPolicy,
	maxAttempts int,
	metrics *telemetry.Metrics,
) *NotificationService {
	if maxAttempts <= 0 {
		maxAttempts = model.DefaultMaxAttempts
	}
	return &NotificationService{
		store:       store,
		registry:    registry,
		policy:      policy,
		maxAttempts: maxAttempts,
		metrics:     metrics,
		now:         time.Now,
	}
}

// Send persists n and attempts delivery. The row is stored as sending so the
// retry sweep leaves it alone until this call records the outcome. The
// returned notification carries the final status and attempt count even when
// err is non-nil.
func (s *NotificationService) Send(ctx context.Context, n model.Notification) (model.Notification, error) {
	if !n.Channel.IsValid() {
		return n, fmt.Errorf("send notification: unknown channel %q", n.Channel)
	}
	if strings.TrimSpace(n.Message) == "" {
		return n, errors.New("send notification: empty message")
	}

	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.MaxAttempts <= 0 {
		n.MaxAttempts = s.maxAttempts
	}
	n.Status = model.NotificationSending
	n.Attempts = 0
	n.CreatedAt = s.now().UTC()

	if err := s.store.Create(ctx, n); err != nil {
		return n, fmt.Errorf("send notification: %w", err)
	}

	return s.deliver(ctx, n)
}

// RetryFailed re-attempts notifications that failed with attempts to spare.
// It returns how many were delivered.
func (s *NotificationService) RetryFailed(ctx context.Context) (int, error) {
	pending, err := s.store.ListRetryable(ctx, retrySweepLimit)
	if err != nil {
		return 0, fmt.Errorf("list retryable notifications: %w", err)
	}

	sent := 0
	for _, n := range pending {
		if ctx.Err() != nil {
			return sent, ctx.Err()
		}
		claimed, err := s.store.Claim(ctx, n.ID)
		if err != nil {
			return sent, fmt.Errorf("claim notification %s: %w", n.ID, err)
		}
		if !claimed {
			continue
		}
		n.Status = model.NotificationSending
		if _, err := s.deliver(ctx, n); err == nil {
			sent++
		}
	}
	return sent, nil
}

// RecoverInterrupted returns notifications a previous process left in sending
// to the retry queue. Call it before the worker starts.
func (s *NotificationService) RecoverInterrupted(ctx context.Context) (int, error) {
	n, err := s.store.RequeueInterrupted(ctx)
	if err != nil {
		return 0, fmt.Errorf("requeue interrupted notifications: %w", err)
	}
	if n > 0 {
		slog.Warn("requeued interrupted notifications", "count", n)
	}
	return n, nil
}

// List returns the most recent notifications.
func (s *NotificationService) List(ctx context.Context, limit int) ([]model.Notification, error) {
	return s.store.List(ctx, limit)
}

// NotifyNewLead alerts managers about a new lead on every manager-facing
// channel that is configured. Failures are logged.
func (s *NotificationService) NotifyNewLead(ctx context.Context, lead model.Lead) {
	subject, body := newLeadMessage(lead)

	for _, ch := range []model.Channel{model.ChannelTelegram, model.ChannelEmail} {
		if _, ok := s.registry.Get(ch); !ok {
			continue
		}
		n := model.Notification{
			Channel: ch,
			Subject: subject,
			Message: body,
			LeadID:  lead.ID,
		}
		if _, err := s.Send(ctx, n); err != nil {
			slog.Error("new lead notification failed", "lead_id", lead.ID, "channel", ch, "error", err)
		}
	}
}

func (s *NotificationService) deliver(ctx context.Context, n model.Notification) (model.Notification, error) {
	remaining := n.MaxAttempts - n.Attempts
	if remaining <= 0 {
		return n, ErrAttemptsExhausted
	}

	var err error
	notifier, ok := s.registry.Get(n.Channel)
	if !ok {
		n.Attempts++
		err = ErrChannelNotConfigured
	} else {
		err = resilience.Retry(ctx, s.policy.WithMaxAttempts(remaining), func(ctx context.Context) error {
			n.Attempts++
			return notifier.Send(ctx, n)
		})
	}

	if err != nil {
		n.Status = model.NotificationFailed
		n.LastError = err.Error()
	} else {
		n.Status = model.NotificationSent
		n.LastError = ""
		n.SentAt = s.now().UTC()
	}

	// Record the outcome even if the caller has gone away.
	if uerr := s.store.Update(context.WithoutCancel(ctx), n); uerr != nil {
		slog.Error("failed to persist notification", "id", n.ID, "error", uerr)
	}
	s.metrics.Notification(string(n.Channel), string(n.Status))

	if err != nil {
		slog.Warn("notification delivery failed",
			"id", n.ID,
			"channel", n.Channel,
			"attempts", n.Attempts,
			"max_attempts", n.MaxAttempts,
			"error", err,
		)
		return n, err
	}

	slog.Info("notification sent", "id", n.ID, "channel", n.Channel, "attempts", n.Attempts)
	return n, nil
}

func newLeadMessage(lead model.Lead) (subject, body string) {
	subject = "New lead: " + lead.Name

	var b strings.Builder
	fmt.Fprintf(&b, "Name: %s\n", lead.Name)
	fmt.Fprintf(&b, "Phone: %s\n", lead.Phone)
	if lead.Email != "" {
		fmt.Fprintf(&b, "Email: %s\n", lead.Email)
	}
	if lead.Source != "" {
		fmt.Fprintf(&b, "Source: %s\n", lead.Source)
	}
	if lead.UTM.Source != "" {
		fmt.Fprintf(&b, "UTM: %s / %s / %s\n", lead.UTM.Source, lead.UTM.Medium, lead.UTM.Campaign)
	}
	if lead.Comment != "" {
		fmt.Fprintf(&b, "\n%s\n", lead.Comment)
	}
	return subject, b.String()
}
