package httphandler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/ericfisherdev/leadbridge/internal/application"
	"github.com/ericfisherdev/leadbridge/internal/domain/model"
)

// writeJSON marshals v to JSON and writes it to the response with the given
// status code. If marshaling fails, a 500 error is written instead.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"internal server error"}`))
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

// writeError writes a JSON error response with the given status code and message.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// errorResponse is the standard error response body.
type errorResponse struct {
	Error  string            `json:"error"`
	Fields map[string]string `json:"fields,omitempty"`
}

// UTMResponse carries campaign attribution.
type UTMResponse struct {
	Source   string `json:"source,omitempty"`
	Medium   string `json:"medium,omitempty"`
	Campaign string `json:"campaign,omitempty"`
	Content  string `json:"content,omitempty"`
	Term     string `json:"term,omitempty"`
}

// LeadResponse is the JSON representation of a lead.
type LeadResponse struct {
	ID           int64       `json:"id"`
	Name         string      `json:"name"`
	Phone        string      `json:"phone"`
	Email        string      `json:"email,omitempty"`
	Comment      string      `json:"comment,omitempty"`
	Source       string      `json:"source"`
	UTM          UTMResponse `json:"utm"`
	Status       string      `json:"status"`
	SyncState    string      `json:"sync_state"`
	SyncError    string      `json:"sync_error,omitempty"`
	SyncAttempts int         `json:"sync_attempts,omitempty"`
	AmoContactID int64       `json:"amo_contact_id,omitempty"`
	AmoLeadID    int64       `json:"amo_lead_id,omitempty"`
	CreatedAt    string      `json:"created_at"`
	UpdatedAt    string      `json:"updated_at"`
}

// LeadListResponse is a page of leads.
type LeadListResponse struct {
	Leads  []LeadResponse `json:"leads"`
	Total  int            `json:"total"`
	Limit  int            `json:"limit"`
	Offset int            `json:"offset"`
}

// LeadStatsResponse summarizes stored leads.
type LeadStatsResponse struct {
	Total       int            `json:"total"`
	ByStatus    map[string]int `json:"by_status"`
	ByUTMSource map[string]int `json:"by_utm_source"`
	Unsynced    int            `json:"unsynced"`
}

// WebhookResponse acknowledges a processed webhook.
type WebhookResponse struct {
	Status          string `json:"status"`
	EventsProcessed int    `json:"events_processed"`
	Duplicates      int    `json:"duplicates"`
}

// TokenStatusResponse reports the amoCRM authorization state. Connection is
// "ok" or "failed" after a live account request; empty when not checked.
type TokenStatusResponse struct {
	Authorized   bool             `json:"authorized"`
	Expired      bool             `json:"expired"`
	ExpiresAt    string           `json:"expires_at,omitempty"`
	UpdatedAt    string           `json:"updated_at,omitempty"`
	BreakerState string           `json:"breaker_state,omitempty"`
	Connection   string           `json:"connection,omitempty"`
	Account      *AccountResponse `json:"account,omitempty"`
}

// AccountResponse identifies the connected amoCRM account.
type AccountResponse struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	Subdomain string `json:"subdomain"`
}

// LeadStatusRequest is the JSON body for changing a lead's status.
type LeadStatusRequest struct {
	Status string `json:"status"`
}

// NotificationRequest is the JSON body for sending a notification.
type NotificationRequest struct {
	Channel     string `json:"channel"`
	Recipient   string `json:"recipient"`
	Subject     string `json:"subject"`
	Message     string `json:"message"`
	MaxAttempts int    `json:"max_attempts"`
	LeadID      int64  `json:"lead_id"`
}

// NotificationResponse is the JSON representation of a notification.
type NotificationResponse struct {
	ID          string `json:"id"`
	Channel     string `json:"channel"`
	Recipient   string `json:"recipient,omitempty"`
	Subject     string `json:"subject,omitempty"`
	Status      string `json:"status"`
	Attempts    int    `json:"attempts"`
	MaxAttempts int    `json:"max_attempts"`
	LastError   string `json:"last_error,omitempty"`
	LeadID      int64  `json:"lead_id,omitempty"`
	CreatedAt   string `json:"created_at"`
	SentAt      string `json:"sent_at,omitempty"`
}

// CycleResponse reports a manually triggered worker cycle.
type CycleResponse struct {
	TokenRefreshed    bool   `json:"token_refreshed"`
	NotificationsSent int    `json:"notifications_sent"`
	LeadsSynced       int    `json:"leads_synced"`
	Duration          string `json:"duration"`
}

// HealthResponse is the JSON representation of the health check endpoint.
type HealthResponse struct {
	Status   string `json:"status"`
	Database string `json:"database"`
	Time     string `json:"time"`
}

func formatTimestamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

// toLeadResponse converts a domain Lead to its JSON response representation.
func toLeadResponse(l model.Lead) LeadResponse {
	return LeadResponse{
		ID:      l.ID,
		Name:    l.Name,
		Phone:   l.Phone,
		Email:   l.Email,
		Comment: l.Comment,
		Source:  l.Source,
		UTM: UTMResponse{
			Source:   l.UTM.Source,
			Medium:   l.UTM.Medium,
			Campaign: l.UTM.Campaign,
			Content:  l.UTM.Content,
			Term:     l.UTM.Term,
		},
		Status:       string(l.Status),
		SyncState:    string(l.SyncState),
		SyncError:    l.SyncError,
		SyncAttempts: l.SyncAttempts,
		AmoContactID: l.AmoContactID,
		AmoLeadID:    l.AmoLeadID,
		CreatedAt:    formatTimestamp(l.CreatedAt),
		UpdatedAt:    formatTimestamp(l.UpdatedAt),
	}
}

func toLeadStatsResponse(s model.LeadStats) LeadStatsResponse {
	byStatus := make(map[string]int, len(s.ByStatus))
	for status, n := range s.ByStatus {
		byStatus[string(status)] = n
	}
	byUTM := s.ByUTMSource
	if byUTM == nil {
		byUTM = map[string]int{}
	}
	return LeadStatsResponse{
		Total:       s.Total,
		ByStatus:    byStatus,
		ByUTMSource: byUTM,
		Unsynced:    s.Unsynced,
	}
}

func toNotificationResponse(n model.Notification) NotificationResponse {
	return NotificationResponse{
		ID:          n.ID,
		Channel:     string(n.Channel),
		Recipient:   n.Recipient,
		Subject:     n.Subject,
		Status:      string(n.Status),
		Attempts:    n.Attempts,
		MaxAttempts: n.MaxAttempts,
		LastError:   n.LastError,
		LeadID:      n.LeadID,
		CreatedAt:   formatTimestamp(n.CreatedAt),
		SentAt:      formatTimestamp(n.SentAt),
	}
}

func toCycleResponse(r application.CycleReport) CycleResponse {
	return CycleResponse{
		TokenRefreshed:    r.TokenRefreshed,
		NotificationsSent: r.NotificationsSent,
		LeadsSynced:       r.LeadsSynced,
		Duration:          r.Duration.Round(time.Millisecond).String(),
	}
}
