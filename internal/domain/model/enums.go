package model

// LeadStatus represents where a lead is in the sales funnel.
type LeadStatus string

const (
	LeadStatusNew            LeadStatus = "new"
	LeadStatusContacted      LeadStatus = "contacted"
	LeadStatusPresentation   LeadStatus = "presentation"
	LeadStatusObjectSelected LeadStatus = "object_selected"
	LeadStatusReserved       LeadStatus = "reserved"
	LeadStatusDeal           LeadStatus = "deal"
	LeadStatusCompleted      LeadStatus = "completed"
	LeadStatusLost           LeadStatus = "lost"
	LeadStatusDeleted        LeadStatus = "deleted"
)

// IsValid reports whether s is one of the known lead statuses.
func (s LeadStatus) IsValid() bool {
	switch s {
	case LeadStatusNew, LeadStatusContacted, LeadStatusPresentation, LeadStatusObjectSelected,
		LeadStatusReserved, LeadStatusDeal, LeadStatusCompleted, LeadStatusLost, LeadStatusDeleted:
		return true
	}
	return false
}

// SyncState tracks whether a local lead has been pushed to amoCRM.
type SyncState string

const (
	SyncStatePending SyncState = "pending"
	SyncStateSynced  SyncState = "synced"
	SyncStateFailed  SyncState = "failed"
	// SyncStateRejected leads are no longer retried automatically.
	SyncStateRejected SyncState = "rejected"
)

// Channel identifies a notification delivery channel.
type Channel string

const (
	ChannelEmail    Channel = "email"
	ChannelTelegram Channel = "telegram"
	ChannelWhatsApp Channel = "whatsapp"
)

// IsValid reports whether c is a supported channel.
func (c Channel) IsValid() bool {
	return c == ChannelEmail || c == ChannelTelegram || c == ChannelWhatsApp
}

// NotificationStatus represents the delivery state of a notification.
type NotificationStatus string

const (
	NotificationPending NotificationStatus = "pending"
	NotificationSending NotificationStatus = "sending"
	NotificationSent    NotificationStatus = "sent"
	NotificationFailed  NotificationStatus = "failed"
)
