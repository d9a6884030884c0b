package model

import "time"

// DefaultMaxAttempts bounds delivery attempts when none is configured.
const DefaultMaxAttempts = 3

// Notification is an outbound message to a manager or customer.
type Notification struct {
	ID          string
	Channel     Channel
	Recipient   string
	Subject     string
	Message     string
	Status      NotificationStatus
	Attempts    int
	MaxAttempts int
	LastError   string
	LeadID      int64
	CreatedAt   time.Time
	SentAt      time.Time
}

// CanRetry reports whether another delivery attempt is allowed.
func (n Notification) CanRetry() bool {
	if n.Status != NotificationFailed && n.Status != NotificationPending {
		return false
	}
	return n.Attempts < n.MaxAttempts
}
