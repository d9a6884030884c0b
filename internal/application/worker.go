package application

import (
	"context"
	"log/slog"
	"time"
)

// TokenRefresher refreshes the CRM token ahead of expiry.
type TokenRefresher interface {
	RefreshIfExpiring(ctx context.Context) (bool, error)
}

// NotificationRetrier re-sends failed notifications.
type NotificationRetrier interface {
	RetryFailed(ctx context.Context) (int, error)
}

// LeadResyncer pushes unsynced leads to the CRM.
type LeadResyncer interface {
	Resync(ctx context.Context) (int, error)
}

// CycleReport summarizes one worker cycle.
type CycleReport struct {
	TokenRefreshed    bool
	NotificationsSent int
	LeadsSynced       int
	Duration          time.Duration
}

type triggerRequest struct {
	done chan CycleReport
}

// Worker runs periodic maintenance: proactive token refresh, notification
// retries and lead resync. Each step runs even if an earlier one fails.
type Worker struct {
	tokens        TokenRefresher
	notifications NotificationRetrier
	leads         LeadResyncer
	interval      time.Duration
	triggerCh     chan triggerRequest
}

// NewWorker creates a Worker. Any of the steps may be nil.
func NewWorker(tokens TokenRefresher, notifications NotificationRetrier, leads LeadResyncer, interval time.Duration) *Worker {
	return &Worker{
		tokens:        tokens,
		notifications: notifications,
		leads:         leads,
		interval:      interval,
		triggerCh:     make(chan triggerRequest),
	}
}

// Start runs a cycle immediately, then on every interval and whenever Trigger
// is called. It blocks until ctx is canceled.
func (w *Worker) Start(ctx context.Context) {
	w.runCycle(ctx)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("worker stopped")
			return
		case <-ticker.C:
			w.runCycle(ctx)
		case req := <-w.triggerCh:
			req.done <- w.runCycle(ctx)
		}
	}
}

// Trigger runs a cycle out of schedule and waits for its report.
func (w *Worker) Trigger(ctx context.Context) (CycleReport, error) {
	req := triggerRequest{done: make(chan CycleReport, 1)}

	select {
	case w.triggerCh <- req:
	case <-ctx.Done():
		return CycleReport{}, ctx.Err()
	}

	select {
	case report := <-req.done:
		return report, nil
	case <-ctx.Done():
		return CycleReport{}, ctx.Err()
	}
}

func (w *Worker) runCycle(ctx context.Context) CycleReport {
	start := time.Now()
	var report CycleReport

	if w.tokens != nil {
		refreshed, err := w.tokens.RefreshIfExpiring(ctx)
		if err != nil {
			slog.Error("token refresh failed", "error", err)
		}
		report.TokenRefreshed = refreshed
	}

	if w.notifications != nil {
		sent, err := w.notifications.RetryFailed(ctx)
		if err != nil {
			slog.Error("notification retry failed", "error", err)
		}
		report.NotificationsSent = sent
	}

	if w.leads != nil {
		synced, err := w.leads.Resync(ctx)
		if err != nil {
			slog.Error("lead resync failed", "error", err)
		}
		report.LeadsSynced = synced
	}

	report.Duration = time.Since(start)
	slog.Debug("worker cycle complete",
		"token_refreshed", report.TokenRefreshed,
		"notifications_sent", report.NotificationsSent,
		"leads_synced", report.LeadsSynced,
		"duration", report.Duration,
	)
	return report
}
