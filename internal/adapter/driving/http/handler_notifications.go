package httphandler

import (
	"encoding/json"
	"net/http"

	"github.com/ericfisherdev/leadbridge/internal/domain/model"
)

// ListNotifications returns recent notifications, newest first.
func (h *Handler) ListNotifications(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r.URL.Query().Get("limit"), defaultPageSize)
	if err != nil || limit <= 0 {
		writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}

	items, err := h.notifications.List(r.Context(), min(limit, maxPageSize))
	if err != nil {
		h.logger.Error("failed to list notifications", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	resp := make([]NotificationResponse, 0, len(items))
	for _, n := range items {
		resp = append(resp, toNotificationResponse(n))
	}
	writeJSON(w, http.StatusOK, resp)
}

// SendNotification sends an ad-hoc notification. Delivery failures after all
// attempts return 502 with the recorded notification.
func (h *Handler) SendNotification(w http.ResponseWriter, r *http.Request) {
	var req NotificationRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	channel := model.Channel(req.Channel)
	if !channel.IsValid() {
		writeError(w, http.StatusBadRequest, "invalid channel")
		return
	}
	if req.Message == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}
	if channel == model.ChannelWhatsApp && req.Recipient == "" {
		writeError(w, http.StatusBadRequest, "recipient is required for whatsapp")
		return
	}

	n, err := h.notifications.Send(r.Context(), model.Notification{
		Channel:     channel,
		Recipient:   req.Recipient,
		Subject:     req.Subject,
		Message:     req.Message,
		MaxAttempts: req.MaxAttempts,
		LeadID:      req.LeadID,
	})
	if err != nil {
		if n.Status != model.NotificationFailed {
			h.logger.Error("failed to send notification", "error", err)
			writeError(w, http.StatusInternalServerError, "internal server error")
			return
		}
		writeJSON(w, http.StatusBadGateway, toNotificationResponse(n))
		return
	}

	writeJSON(w, http.StatusCreated, toNotificationResponse(n))
}

// RetryNotifications re-sends failed notifications that have attempts left.
func (h *Handler) RetryNotifications(w http.ResponseWriter, r *http.Request) {
	sent, err := h.notifications.RetryFailed(r.Context())
	if err != nil {
		h.logger.Error("notification retry failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]int{"sent": sent})
}
