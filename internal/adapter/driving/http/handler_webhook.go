package httphandler

import (
	"errors"
	"io"
	"net/http"

	"github.com/ericfisherdev/leadbridge/internal/application"
)

const bodySignatureHeader = "X-Webhook-Signature"

// AmoCRMWebhook ingests an amoCRM webhook. The account signature arrives in
// the client_uuid, signature and account_id query parameters.
func (h *Handler) AmoCRMWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if h.opts.WebhookSecret != "" &&
		!application.VerifyBodySignature(body, r.Header.Get(bodySignatureHeader), h.opts.WebhookSecret) {
		h.logger.Warn("webhook body signature rejected", "remote", clientIP(r, h.opts.TrustProxy))
		writeError(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	payload, decodeErr := decodeWebhook(r.Header.Get("Content-Type"), body, h.opts.ContactFields)

	q := r.URL.Query()
	accountID := q.Get("account_id")
	if accountID == "" {
		accountID = payload.AccountID
	}
	if !application.VerifySignature(q.Get("client_uuid"), accountID, q.Get("signature"), h.opts.ClientSecret) {
		h.logger.Warn("webhook signature rejected", "remote", clientIP(r, h.opts.TrustProxy), "account_id", accountID)
		writeError(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	if decodeErr != nil {
		if errors.Is(decodeErr, errEmptyPayload) {
			writeJSON(w, http.StatusOK, WebhookResponse{Status: "success"})
			return
		}
		h.logger.Warn("malformed webhook payload", "error", decodeErr)
		writeError(w, http.StatusBadRequest, "malformed payload")
		return
	}

	result, err := h.webhooks.Process(r.Context(), payload.Events)
	if err != nil {
		h.logger.Error("webhook processing failed",
			"error", err,
			"processed", result.Processed,
			"failed", result.Failed,
		)
		writeError(w, http.StatusInternalServerError, "webhook processing failed")
		return
	}

	h.logger.Info("webhook processed",
		"account_id", accountID,
		"processed", result.Processed,
		"duplicates", result.Duplicates,
	)
	writeJSON(w, http.StatusOK, WebhookResponse{
		Status:          "success",
		EventsProcessed: result.Processed,
		Duplicates:      result.Duplicates,
	})
}
