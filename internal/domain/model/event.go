package model

import "time"

// LeadEventType names a lead lifecycle transition published to subscribers.
type LeadEventType string

const (
	LeadEventCreated       LeadEventType = "created"
	LeadEventSynced        LeadEventType = "synced"
	LeadEventStatusChanged LeadEventType = "status_changed"
	LeadEventDeleted       LeadEventType = "deleted"
)

// LeadEvent is the payload published for lead lifecycle transitions.
type LeadEvent struct {
	ID         string        `json:"id"`
	Type       LeadEventType `json:"type"`
	LeadID     int64         `json:"lead_id"`
	AmoLeadID  int64         `json:"amo_lead_id,omitempty"`
	Status     LeadStatus    `json:"status"`
	Source     string        `json:"source,omitempty"`
	OccurredAt time.Time     `json:"occurred_at"`
}
