package model

import "time"

// DefaultLeadSource is assigned to leads submitted without an explicit source.
const DefaultLeadSource = "landing"

// UTM holds marketing attribution tags captured with a lead.
type UTM struct {
	Source   string
	Medium   string
	Campaign string
	Content  string
	Term     string
}

// IsZero reports whether no UTM tag is set.
func (u UTM) IsZero() bool {
	return u == UTM{}
}

// Lead is a prospective customer captured from a landing page or from amoCRM.
// AmoContactID and AmoLeadID are zero until the lead exists in amoCRM.
type Lead struct {
	ID             int64
	Name           string
	Phone          string
	Email          string
	Comment        string
	Source         string
	UTM            UTM
	Status         LeadStatus
	SyncState      SyncState
	SyncError      string
	SyncAttempts   int
	AmoContactID   int64
	AmoLeadID      int64
	IdempotencyKey string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// LeadFilter narrows lead listings. Zero values mean "no constraint".
type LeadFilter struct {
	Status    LeadStatus
	Source    string
	UTMSource string
	Search    string
	Limit     int
	Offset    int
}

// LeadStats aggregates lead counts for the management API.
type LeadStats struct {
	Total       int
	ByStatus    map[LeadStatus]int
	ByUTMSource map[string]int
	Unsynced    int
}
