package httphandler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/ericfisherdev/leadbridge/internal/application"
	"github.com/ericfisherdev/leadbridge/internal/domain/model"
	"github.com/ericfisherdev/leadbridge/internal/domain/port/driven"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

// SubmitLead accepts a lead from the landing form. A repeated Idempotency-Key
// returns the original lead with 200 instead of 201.
func (h *Handler) SubmitLead(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	var in application.LeadSubmission
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	} else {
		if err := r.ParseForm(); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		in = leadSubmissionFromForm(r)
	}
	in.IdempotencyKey = r.Header.Get("Idempotency-Key")

	lead, created, err := h.leads.Submit(r.Context(), in)
	if err != nil {
		var verr *application.ValidationError
		if errors.As(err, &verr) {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "validation failed", Fields: verr.Fields})
			return
		}
		h.logger.Error("failed to submit lead", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	status := http.StatusCreated
	if !created {
		status = http.StatusOK
	}
	writeJSON(w, status, toLeadResponse(lead))
}

func leadSubmissionFromForm(r *http.Request) application.LeadSubmission {
	return application.LeadSubmission{
		Name:        r.PostFormValue("name"),
		Phone:       r.PostFormValue("phone"),
		Email:       r.PostFormValue("email"),
		Comment:     r.PostFormValue("comment"),
		Source:      r.PostFormValue("source"),
		UTMSource:   r.PostFormValue("utm_source"),
		UTMMedium:   r.PostFormValue("utm_medium"),
		UTMCampaign: r.PostFormValue("utm_campaign"),
		UTMContent:  r.PostFormValue("utm_content"),
		UTMTerm:     r.PostFormValue("utm_term"),
	}
}

// ListLeads returns a filtered page of leads.
func (h *Handler) ListLeads(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	filter := model.LeadFilter{
		Status:    model.LeadStatus(q.Get("status")),
		Source:    q.Get("source"),
		UTMSource: q.Get("utm_source"),
		Search:    q.Get("q"),
		Limit:     defaultPageSize,
	}
	if filter.Status != "" && !filter.Status.IsValid() {
		writeError(w, http.StatusBadRequest, "invalid status")
		return
	}

	var err error
	if filter.Limit, err = intParam(q.Get("limit"), defaultPageSize); err != nil || filter.Limit <= 0 {
		writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}
	filter.Limit = min(filter.Limit, maxPageSize)
	if filter.Offset, err = intParam(q.Get("offset"), 0); err != nil || filter.Offset < 0 {
		writeError(w, http.StatusBadRequest, "invalid offset")
		return
	}

	leads, total, err := h.leads.List(r.Context(), filter)
	if err != nil {
		h.logger.Error("failed to list leads", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	resp := LeadListResponse{
		Leads:  make([]LeadResponse, 0, len(leads)),
		Total:  total,
		Limit:  filter.Limit,
		Offset: filter.Offset,
	}
	for _, l := range leads {
		resp.Leads = append(resp.Leads, toLeadResponse(l))
	}

	writeJSON(w, http.StatusOK, resp)
}

// LeadStats returns aggregate lead counts.
func (h *Handler) LeadStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.leads.Stats(r.Context())
	if err != nil {
		h.logger.Error("failed to compute lead stats", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	writeJSON(w, http.StatusOK, toLeadStatsResponse(stats))
}

// GetLead returns a single lead by ID.
func (h *Handler) GetLead(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid lead id")
		return
	}

	lead, err := h.leads.Get(r.Context(), id)
	if errors.Is(err, driven.ErrNotFound) {
		writeError(w, http.StatusNotFound, "lead not found")
		return
	}
	if err != nil {
		h.logger.Error("failed to get lead", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	writeJSON(w, http.StatusOK, toLeadResponse(*lead))
}

// SyncLead pushes one lead to amoCRM immediately.
func (h *Handler) SyncLead(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid lead id")
		return
	}

	lead, err := h.leads.ResyncLead(r.Context(), id)
	switch {
	case errors.Is(err, driven.ErrNotFound):
		writeError(w, http.StatusNotFound, "lead not found")
	case err != nil:
		h.logger.Warn("manual lead sync failed", "id", id, "error", err)
		writeJSON(w, http.StatusBadGateway, toLeadResponse(lead))
	default:
		writeJSON(w, http.StatusOK, toLeadResponse(lead))
	}
}

// ChangeLeadStatus moves the lead's amoCRM deal to a new pipeline status.
func (h *Handler) ChangeLeadStatus(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid lead id")
		return
	}

	var req LeadStatusRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	lead, err := h.leads.ChangeStatus(r.Context(), id, model.LeadStatus(req.Status))
	var verr *application.ValidationError
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, toLeadResponse(lead))
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid status", Fields: verr.Fields})
	case errors.Is(err, driven.ErrNotFound):
		writeError(w, http.StatusNotFound, "lead not found")
	case errors.Is(err, application.ErrLeadNotSynced):
		writeError(w, http.StatusConflict, "lead not synced to amocrm")
	case errors.Is(err, driven.ErrNoToken), errors.Is(err, driven.ErrReauthorizationRequired):
		writeError(w, http.StatusConflict, "amocrm not authorized")
	default:
		h.logger.Warn("lead status change failed", "id", id, "error", err)
		writeError(w, http.StatusBadGateway, "amocrm status update failed")
	}
}

func intParam(raw string, fallback int) (int, error) {
	if raw == "" {
		return fallback, nil
	}
	return strconv.Atoi(raw)
}
