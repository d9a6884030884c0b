package application

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ericfisherdev/leadbridge/internal/domain/model"
	"github.com/ericfisherdev/leadbridge/internal/domain/port/driven"
	"github.com/ericfisherdev/leadbridge/internal/telemetry"
)

// ErrInvalidSignature is returned when a webhook signature does not verify.
var ErrInvalidSignature = errors.New("invalid webhook signature")

const crmLeadSource = "amocrm"

// VerifySignature checks the amoCRM account signature: hex HMAC-SHA256 of
// "client_uuid|account_id" keyed with the integration secret.
func VerifySignature(clientUUID, accountID, signature, secret string) bool {
	if secret == "" || signature == "" {
		return false
	}
	return verifyHMAC([]byte(clientUUID+"|"+accountID), signature, secret)
}

// VerifyBodySignature checks a hex HMAC-SHA256 of the raw request body. A
// "sha256=" prefix on signature is accepted.
func VerifyBodySignature(body []byte, signature, secret string) bool {
	if secret == "" || signature == "" {
		return false
	}
	return verifyHMAC(body, strings.TrimPrefix(signature, "sha256="), secret)
}

func verifyHMAC(payload []byte, signature, secret string) bool {
	got, err := hex.DecodeString(strings.ToLower(strings.TrimSpace(signature)))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hmac.Equal(got, mac.Sum(nil))
}

// WebhookService applies amoCRM webhook events to the local lead store. Each
// event is claimed in the idempotency store first so redelivered events are
// applied once.
type WebhookService struct {
	leads     driven.LeadStore
	crm       driven.CRMClient
	idem      driven.IdempotencyStore
	statuses  model.StatusMap
	publisher driven.EventPublisher
	ttl       time.Duration
	metrics   *telemetry.Metrics
	now       func() time.Time
}

// NewWebhookService creates a WebhookService. crm and publisher may be nil;
// without crm, leads added without an embedded contact are imported unlinked.
func NewWebhookService(
	leads driven.LeadStore,
	crm driven.CRMClient,
	idem driven.IdempotencyStore,
	statuses model.StatusMap,
	publisher driven.EventPublisher,
	ttl time.Duration,
	metrics *telemetry.Metrics,
) *WebhookService {
	if statuses == nil {
		statuses = model.DefaultStatusMap()
	}
	return &WebhookService{
		leads:     leads,
		crm:       crm,
		idem:      idem,
		statuses:  statuses,
		publisher: publisher,
		ttl:       ttl,
		metrics:   metrics,
		now:       time.Now,
	}
}

// Process applies events in order. Duplicates are skipped. A failed event
// releases its claim so a redelivery can apply it; Process then returns an
// error so the sender retries the batch.
func (s *WebhookService) Process(ctx context.Context, events []model.WebhookEvent) (model.WebhookResult, error) {
	var result model.WebhookResult
	var failures []error

	for _, e := range events {
		key := e.Key()
		claimed, err := s.idem.Claim(ctx, key, s.ttl)
		if err != nil {
			return result, fmt.Errorf("claim webhook event %s: %w", key, err)
		}
		if !claimed {
			result.Duplicates++
			s.metrics.WebhookEvent(string(e.Entity), string(e.Action), "duplicate")
			slog.Debug("duplicate webhook event", "key", key)
			continue
		}

		if err := s.apply(ctx, e); err != nil {
			result.Failed++
			failures = append(failures, fmt.Errorf("%s: %w", key, err))
			s.metrics.WebhookEvent(string(e.Entity), string(e.Action), "failed")
			slog.Error("webhook event failed", "key", key, "error", err)
			if rerr := s.idem.Release(context.WithoutCancel(ctx), key); rerr != nil {
				slog.Error("failed to release webhook event", "key", key, "error", rerr)
			}
			continue
		}

		result.Processed++
		s.metrics.WebhookEvent(string(e.Entity), string(e.Action), "processed")
	}

	if len(failures) > 0 {
		return result, fmt.Errorf("process webhook: %w", errors.Join(failures...))
	}
	return result, nil
}

func (s *WebhookService) apply(ctx context.Context, e model.WebhookEvent) error {
	switch e.Entity {
	case model.EntityLeads:
		switch e.Action {
		case model.ActionAdd:
			return s.leadAdded(ctx, e)
		case model.ActionUpdate, model.ActionStatus:
			return s.leadUpdated(ctx, e)
		case model.ActionDelete:
			return s.leadDeleted(ctx, e)
		}
	case model.EntityContacts:
		if e.Action == model.ActionAdd || e.Action == model.ActionUpdate {
			return s.contactUpdated(ctx, e)
		}
	}
	slog.Debug("ignoring webhook event", "entity", e.Entity, "action", e.Action, "id", e.EntityID)
	return nil
}

func (s *WebhookService) leadAdded(ctx context.Context, e model.WebhookEvent) error {
	status := model.LeadStatusNew
	if e.StatusID != 0 {
		status = s.statuses.Lookup(e.StatusID)
	}
	name := e.Name
	if name == "" {
		name = fmt.Sprintf("amoCRM lead %d", e.EntityID)
	}

	contactID := e.ContactID
	if contactID == 0 {
		contactID = s.lookupContact(ctx, e.EntityID)
	}

	lead := model.Lead{
		Name:         name,
		Source:       crmLeadSource,
		Status:       status,
		SyncState:    model.SyncStateSynced,
		AmoLeadID:    e.EntityID,
		AmoContactID: contactID,
	}
	inserted, err := s.leads.UpsertFromCRM(ctx, lead)
	if err != nil {
		return err
	}
	if inserted {
		slog.Info("lead imported from amocrm", "amo_lead_id", e.EntityID, "status", status)
		if stored, err := s.leads.GetByAmoLeadID(ctx, e.EntityID); err == nil && stored != nil {
			lead = *stored
		}
		publishLeadEvent(ctx, s.publisher, model.LeadEventCreated, lead, s.now())
	}
	return nil
}

// lookupContact reads the lead's main contact from amoCRM. Short webhook
// payloads omit _embedded. Returns 0 when unavailable.
func (s *WebhookService) lookupContact(ctx context.Context, amoLeadID int64) int64 {
	if s.crm == nil {
		return 0
	}
	if existing, err := s.leads.GetByAmoLeadID(ctx, amoLeadID); err == nil && existing != nil {
		return existing.AmoContactID
	}
	crmLead, err := s.crm.GetLead(ctx, amoLeadID)
	if err != nil {
		slog.Warn("failed to fetch amocrm lead contact", "amo_lead_id", amoLeadID, "error", err)
		return 0
	}
	if crmLead == nil {
		return 0
	}
	return crmLead.ContactID
}

func (s *WebhookService) leadUpdated(ctx context.Context, e model.WebhookEvent) error {
	existing, err := s.leads.GetByAmoLeadID(ctx, e.EntityID)
	if err != nil {
		return err
	}
	if existing == nil {
		slog.Warn("webhook for unknown amocrm lead", "amo_lead_id", e.EntityID, "action", e.Action)
		return nil
	}

	status := existing.Status
	if e.StatusID != 0 {
		status = s.statuses.Lookup(e.StatusID)
	}
	if err := s.leads.UpdateFromCRM(ctx, e.EntityID, status, e.Name); err != nil {
		return err
	}

	if status != existing.Status {
		slog.Info("lead status changed", "lead_id", existing.ID, "from", existing.Status, "to", status)
		existing.Status = status
		publishLeadEvent(ctx, s.publisher, model.LeadEventStatusChanged, *existing, s.now())
	}
	return nil
}

func (s *WebhookService) leadDeleted(ctx context.Context, e model.WebhookEvent) error {
	existing, err := s.leads.GetByAmoLeadID(ctx, e.EntityID)
	if err != nil {
		return err
	}
	if existing == nil {
		return nil
	}
	if err := s.leads.UpdateFromCRM(ctx, e.EntityID, model.LeadStatusDeleted, ""); err != nil {
		return err
	}
	existing.Status = model.LeadStatusDeleted
	publishLeadEvent(ctx, s.publisher, model.LeadEventDeleted, *existing, s.now())
	return nil
}

func (s *WebhookService) contactUpdated(ctx context.Context, e model.WebhookEvent) error {
	n, err := s.leads.UpdateContactInfo(ctx, e.EntityID, e.Name, e.Phone, e.Email)
	if err != nil {
		return err
	}
	slog.Debug("contact info updated", "amo_contact_id", e.EntityID, "leads", n)
	return nil
}
