package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ericfisherdev/leadbridge/internal/domain/model"
	"github.com/ericfisherdev/leadbridge/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.NotificationStore = (*NotificationRepo)(nil)

const notificationColumns = `id, channel, recipient, subject, message, status,
	attempts, max_attempts, last_error, lead_id, created_at, sent_at`

// NotificationRepo is the SQLite implementation of driven.NotificationStore.
type NotificationRepo struct {
	db *DB
}

// NewNotificationRepo creates a new NotificationRepo backed by the given DB.
func NewNotificationRepo(db *DB) *NotificationRepo {
	return &NotificationRepo{db: db}
}

// Create inserts a new notification.
func (r *NotificationRepo) Create(ctx context.Context, n model.Notification) error {
	const query = `
		INSERT INTO notifications (` + notificationColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := r.db.Writer.ExecContext(ctx, query,
		n.ID, string(n.Channel), n.Recipient, n.Subject, n.Message, string(n.Status),
		n.Attempts, n.MaxAttempts, n.LastError, n.LeadID, formatTime(n.CreatedAt), nullTime(n.SentAt),
	)
	if err != nil {
		return fmt.Errorf("insert notification %s: %w", n.ID, err)
	}
	return nil
}

// Update persists the delivery state of n.
func (r *NotificationRepo) Update(ctx context.Context, n model.Notification) error {
	const query = `
		UPDATE notifications SET status = ?, attempts = ?, last_error = ?, sent_at = ?
		WHERE id = ?`
	res, err := r.db.Writer.ExecContext(ctx, query, string(n.Status), n.Attempts, n.LastError, nullTime(n.SentAt), n.ID)
	if err != nil {
		return fmt.Errorf("update notification %s: %w", n.ID, err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return fmt.Errorf("update notification %s: %w", n.ID, driven.ErrNotFound)
	}
	return nil
}

// Get returns the notification or driven.ErrNotFound.
func (r *NotificationRepo) Get(ctx context.Context, id string) (*model.Notification, error) {
	row := r.db.Reader.QueryRowContext(ctx, `SELECT `+notificationColumns+` FROM notifications WHERE id = ?`, id)
	n, err := scanNotification(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, driven.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get notification %s: %w", id, err)
	}
	return n, nil
}

// List returns the most recent notifications.
func (r *NotificationRepo) List(ctx context.Context, limit int) ([]model.Notification, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	query := `SELECT ` + notificationColumns + ` FROM notifications ORDER BY created_at DESC LIMIT ?`
	return r.query(ctx, query, limit)
}

// ListRetryable returns pending or failed notifications with attempts left.
func (r *NotificationRepo) ListRetryable(ctx context.Context, limit int) ([]model.Notification, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	query := `SELECT ` + notificationColumns + ` FROM notifications
		WHERE status IN ('pending', 'failed') AND attempts < max_attempts
		ORDER BY created_at ASC LIMIT ?`
	return r.query(ctx, query, limit)
}

// Claim moves the notification to sending if it is still waiting for delivery.
func (r *NotificationRepo) Claim(ctx context.Context, id string) (bool, error) {
	const query = `
		UPDATE notifications SET status = 'sending'
		WHERE id = ? AND status IN ('pending', 'failed') AND attempts < max_attempts`
	res, err := r.db.Writer.ExecContext(ctx, query, id)
	if err != nil {
		return false, fmt.Errorf("claim notification %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim notification %s: %w", id, err)
	}
	return affected == 1, nil
}

// RequeueInterrupted fails every notification still marked sending.
func (r *NotificationRepo) RequeueInterrupted(ctx context.Context) (int, error) {
	const query = `
		UPDATE notifications SET status = 'failed', last_error = 'delivery interrupted'
		WHERE status = 'sending'`
	res, err := r.db.Writer.ExecContext(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("requeue notifications: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("requeue notifications: %w", err)
	}
	return int(affected), nil
}

func (r *NotificationRepo) query(ctx context.Context, query string, args ...any) ([]model.Notification, error) {
	rows, err := r.db.Reader.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query notifications: %w", err)
	}
	defer rows.Close()

	var out []model.Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		out = append(out, *n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate notifications: %w", err)
	}
	return out, nil
}

func scanNotification(s scanner) (*model.Notification, error) {
	var (
		n               model.Notification
		channel, status string
		createdAt       string
		sentAt          sql.NullString
	)
	err := s.Scan(&n.ID, &channel, &n.Recipient, &n.Subject, &n.Message, &status,
		&n.Attempts, &n.MaxAttempts, &n.LastError, &n.LeadID, &createdAt, &sentAt)
	if err != nil {
		return nil, err
	}

	n.Channel = model.Channel(channel)
	n.Status = model.NotificationStatus(status)

	if n.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if sentAt.Valid {
		if n.SentAt, err = parseTime(sentAt.String); err != nil {
			return nil, fmt.Errorf("parse sent_at: %w", err)
		}
	}
	return &n, nil
}
