package application

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"

	"github.com/ericfisherdev/leadbridge/internal/domain/model"
	"github.com/ericfisherdev/leadbridge/internal/domain/port/driven"
	"github.com/ericfisherdev/leadbridge/internal/resilience"
	"github.com/ericfisherdev/leadbridge/internal/telemetry"
)

const (
	resyncBatchSize = 20
	// maxSyncAttempts caps automatic pushes of a lead that keeps failing.
	maxSyncAttempts = 10
	// DefaultSubmitSyncTimeout bounds the amoCRM push made while the form
	// submitter waits for a response.
	DefaultSubmitSyncTimeout = 10 * time.Second
)

// ErrLeadNotSynced is returned for operations that need the lead to exist in
// amoCRM first.
var ErrLeadNotSynced = errors.New("lead not synced to amocrm")

// ValidationError reports which submitted fields were rejected.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for field, rule := range e.Fields {
		parts = append(parts, field+": "+rule)
	}
	return "invalid lead: " + strings.Join(parts, ", ")
}

// LeadSubmission is the inbound form payload.
type LeadSubmission struct {
	Name           string `json:"name" validate:"required,max=255"`
	Phone          string `json:"phone" validate:"required,min=5,max=32"`
	Email          string `json:"email" validate:"omitempty,email,max=255"`
	Comment        string `json:"comment" validate:"max=2000"`
	Source         string `json:"source" validate:"max=100"`
	UTMSource      string `json:"utm_source" validate:"max=255"`
	UTMMedium      string `json:"utm_medium" validate:"max=255"`
	UTMCampaign    string `json:"utm_campaign" validate:"max=255"`
	UTMContent     string `json:"utm_content" validate:"max=255"`
	UTMTerm        string `json:"utm_term" validate:"max=255"`
	IdempotencyKey string `json:"-" validate:"max=128"`
}

// LeadNotifier alerts managers about a new lead.
type LeadNotifier interface {
	NotifyNewLead(ctx context.Context, lead model.Lead)
}

// LeadService accepts leads from the landing form, stores them and pushes them
// into amoCRM as a contact plus a deal.
type LeadService struct {
	leads      driven.LeadStore
	crm        driven.CRMClient
	notifier   LeadNotifier
	publisher  driven.EventPublisher
	pipelineID int64
	statuses   model.StatusMap
	metrics    *telemetry.Metrics
	validate   *validator.Validate
	sanitizer  *bluemonday.Policy
	now        func() time.Time
	background sync.WaitGroup

	// Go runs background work. Replaced in tests to run inline.
	Go func(func())
	// SubmitSyncTimeout bounds the amoCRM push inside Submit. Leads that do
	// not sync in time are left for the worker.
	SubmitSyncTimeout time.Duration
}

// NewLeadService creates a LeadService. notifier and publisher may be nil.
func NewLeadService(
	leads driven.LeadStore,
	crm driven.CRMClient,
	notifier LeadNotifier,
	publisher driven.EventPublisher,
	pipelineID int64,
	statuses model.StatusMap,
	metrics *telemetry.Metrics,
) *LeadService {
	if statuses == nil {
		statuses = model.DefaultStatusMap()
	}
	s := &LeadService{
		leads:             leads,
		crm:               crm,
		notifier:          notifier,
		publisher:         publisher,
		pipelineID:        pipelineID,
		statuses:          statuses,
		metrics:           metrics,
		validate:          newValidator(),
		sanitizer:         bluemonday.StrictPolicy(),
		now:               time.Now,
		SubmitSyncTimeout: DefaultSubmitSyncTimeout,
	}
	s.Go = s.background.Go
	return s
}

// Wait blocks until background work started by Submit has finished or ctx
// is done.
func (s *LeadService) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.background.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Submit validates and stores a lead, then syncs it to amoCRM. A repeated
// IdempotencyKey returns the stored lead with created=false and no side
// effects. A failed CRM push does not fail the submission; the lead is left
// unsynced for the worker to retry.
func (s *LeadService) Submit(ctx context.Context, in LeadSubmission) (model.Lead, bool, error) {
	in = s.sanitize(in)

	if err := s.validate.Struct(in); err != nil {
		s.metrics.LeadSubmitted("invalid")
		return model.Lead{}, false, toValidationError(err)
	}

	source := in.Source
	if source == "" {
		source = model.DefaultLeadSource
	}

	lead, created, err := s.leads.Create(ctx, model.Lead{
		Name:    in.Name,
		Phone:   in.Phone,
		Email:   in.Email,
		Comment: in.Comment,
		Source:  source,
		UTM: model.UTM{
			Source:   in.UTMSource,
			Medium:   in.UTMMedium,
			Campaign: in.UTMCampaign,
			Content:  in.UTMContent,
			Term:     in.UTMTerm,
		},
		IdempotencyKey: in.IdempotencyKey,
	})
	if err != nil {
		s.metrics.LeadSubmitted("error")
		return model.Lead{}, false, fmt.Errorf("submit lead: %w", err)
	}
	if !created {
		s.metrics.LeadSubmitted("duplicate")
		slog.Info("duplicate lead submission", "lead_id", lead.ID)
		return lead, false, nil
	}

	s.metrics.LeadSubmitted("created")
	slog.Info("lead accepted", "lead_id", lead.ID, "source", lead.Source, "utm_source", lead.UTM.Source)
	s.publish(ctx, model.LeadEventCreated, lead)

	if s.notifier != nil {
		notified := lead
		bg := context.WithoutCancel(ctx)
		s.Go(func() { s.notifier.NotifyNewLead(bg, notified) })
	}

	pushCtx := ctx
	if s.SubmitSyncTimeout > 0 {
		var cancel context.CancelFunc
		pushCtx, cancel = context.WithTimeout(ctx, s.SubmitSyncTimeout)
		defer cancel()
	}
	if err := s.push(pushCtx, &lead); err != nil {
		slog.Warn("lead sync deferred", "lead_id", lead.ID, "error", err)
	}
	return lead, true, nil
}

// Resync pushes unsynced leads to amoCRM. It stops early when amoCRM is
// unauthorized or the circuit is open. It returns how many leads synced.
func (s *LeadService) Resync(ctx context.Context) (int, error) {
	pending, err := s.leads.ListUnsynced(ctx, resyncBatchSize)
	if err != nil {
		return 0, fmt.Errorf("list unsynced leads: %w", err)
	}

	synced := 0
	for i := range pending {
		if ctx.Err() != nil {
			return synced, ctx.Err()
		}
		err := s.push(ctx, &pending[i])
		switch {
		case err == nil:
			synced++
		case isSyncPause(err):
			slog.Info("lead resync paused", "reason", err)
			return synced, nil
		}
	}
	return synced, nil
}

// isSyncPause reports errors that block every push until an operator or the
// circuit breaker clears them. They do not count against a lead.
func isSyncPause(err error) bool {
	return errors.Is(err, driven.ErrNoToken) ||
		errors.Is(err, driven.ErrReauthorizationRequired) ||
		errors.Is(err, resilience.ErrCircuitOpen)
}

// ResyncLead pushes a single lead to amoCRM regardless of its sync state.
func (s *LeadService) ResyncLead(ctx context.Context, id int64) (model.Lead, error) {
	lead, err := s.leads.GetByID(ctx, id)
	if err != nil {
		return model.Lead{}, err
	}
	if err := s.push(ctx, lead); err != nil {
		return *lead, err
	}
	return *lead, nil
}

// ChangeStatus moves the amoCRM deal of lead id to the pipeline status mapped
// to status and records it locally.
func (s *LeadService) ChangeStatus(ctx context.Context, id int64, status model.LeadStatus) (model.Lead, error) {
	if !status.IsValid() {
		return model.Lead{}, &ValidationError{Fields: map[string]string{"status": "oneof"}}
	}
	statusID, ok := s.statuses.StatusID(status)
	if !ok {
		return model.Lead{}, &ValidationError{Fields: map[string]string{"status": "unmapped"}}
	}

	lead, err := s.leads.GetByID(ctx, id)
	if err != nil {
		return model.Lead{}, err
	}
	if lead.AmoLeadID == 0 {
		return *lead, ErrLeadNotSynced
	}

	if err := s.crm.UpdateLeadStatus(ctx, lead.AmoLeadID, statusID); err != nil {
		return *lead, fmt.Errorf("update amocrm lead %d status: %w", lead.AmoLeadID, err)
	}
	if err := s.leads.UpdateFromCRM(context.WithoutCancel(ctx), lead.AmoLeadID, status, ""); err != nil {
		return *lead, fmt.Errorf("record lead %d status: %w", id, err)
	}

	previous := lead.Status
	lead.Status = status
	slog.Info("lead status changed", "lead_id", id, "amo_lead_id", lead.AmoLeadID, "from", previous, "to", status)
	if previous != status {
		s.publish(ctx, model.LeadEventStatusChanged, *lead)
	}
	return *lead, nil
}

// Get returns a lead by ID.
func (s *LeadService) Get(ctx context.Context, id int64) (*model.Lead, error) {
	return s.leads.GetByID(ctx, id)
}

// List returns a filtered page of leads and the total match count.
func (s *LeadService) List(ctx context.Context, filter model.LeadFilter) ([]model.Lead, int, error) {
	return s.leads.List(ctx, filter)
}

// Stats returns aggregate lead counts.
func (s *LeadService) Stats(ctx context.Context) (model.LeadStats, error) {
	return s.leads.Stats(ctx)
}

// push creates or reuses the amoCRM contact, creates the deal, attaches the
// comment as a note and records the result on lead.
func (s *LeadService) push(ctx context.Context, lead *model.Lead) error {
	err := s.pushToCRM(ctx, lead)
	store := context.WithoutCancel(ctx)
	if err != nil {
		permanent := errors.Is(err, driven.ErrRejected) ||
			(!isSyncPause(err) && lead.SyncAttempts+1 >= maxSyncAttempts)
		lead.SyncState = model.SyncStateFailed
		if permanent {
			lead.SyncState = model.SyncStateRejected
			slog.Warn("lead sync rejected, leaving for manual sync", "lead_id", lead.ID, "attempts", lead.SyncAttempts+1, "error", err)
		}
		lead.SyncError = err.Error()
		lead.SyncAttempts++
		if merr := s.leads.MarkSyncFailed(store, lead.ID, err.Error(), permanent); merr != nil {
			slog.Error("failed to record lead sync failure", "lead_id", lead.ID, "error", merr)
		}
		return err
	}

	if err := s.leads.MarkSynced(store, lead.ID, lead.AmoContactID, lead.AmoLeadID); err != nil {
		return fmt.Errorf("mark lead %d synced: %w", lead.ID, err)
	}
	lead.SyncState = model.SyncStateSynced
	lead.SyncError = ""

	slog.Info("lead synced to amocrm", "lead_id", lead.ID, "amo_lead_id", lead.AmoLeadID, "amo_contact_id", lead.AmoContactID)
	s.publish(ctx, model.LeadEventSynced, *lead)
	return nil
}

func (s *LeadService) pushToCRM(ctx context.Context, lead *model.Lead) error {
	contactID := lead.AmoContactID
	if contactID == 0 {
		found, err := s.crm.FindContactByPhone(ctx, lead.Phone)
		if err != nil {
			return fmt.Errorf("find contact: %w", err)
		}
		contactID = found
		if found != 0 {
			s.refreshContact(ctx, found, lead)
		}
	}
	if contactID == 0 {
		created, err := s.crm.CreateContact(ctx, driven.ContactInput{
			Name:  lead.Name,
			Phone: lead.Phone,
			Email: lead.Email,
		})
		if err != nil {
			return fmt.Errorf("create contact: %w", err)
		}
		contactID = created
	}
	lead.AmoContactID = contactID

	if lead.AmoLeadID == 0 {
		var tags []string
		if lead.Source != "" {
			tags = []string{lead.Source}
		}
		leadID, err := s.crm.CreateLead(ctx, driven.LeadInput{
			Name:       "Lead: " + lead.Name,
			ContactID:  contactID,
			PipelineID: s.pipelineID,
			UTM:        lead.UTM,
			Tags:       tags,
		})
		if err != nil {
			return fmt.Errorf("create lead: %w", err)
		}
		lead.AmoLeadID = leadID

		if lead.Comment != "" {
			if err := s.crm.AddNote(ctx, leadID, lead.Comment); err != nil {
				slog.Warn("failed to attach lead comment", "lead_id", lead.ID, "amo_lead_id", leadID, "error", err)
			}
		}
	}
	return nil
}

// refreshContact copies the submitted name and email onto a contact matched by
// phone. Failure is logged; the deal is still created.
func (s *LeadService) refreshContact(ctx context.Context, contactID int64, lead *model.Lead) {
	err := s.crm.UpdateContact(ctx, contactID, driven.ContactInput{Name: lead.Name, Email: lead.Email})
	if err != nil {
		slog.Warn("failed to refresh amocrm contact", "lead_id", lead.ID, "amo_contact_id", contactID, "error", err)
	}
}

func (s *LeadService) publish(ctx context.Context, typ model.LeadEventType, lead model.Lead) {
	publishLeadEvent(ctx, s.publisher, typ, lead, s.now())
}

func (s *LeadService) sanitize(in LeadSubmission) LeadSubmission {
	clean := func(v string) string {
		return strings.TrimSpace(html.UnescapeString(s.sanitizer.Sanitize(v)))
	}
	in.Name = clean(in.Name)
	in.Phone = clean(in.Phone)
	in.Email = clean(in.Email)
	in.Comment = clean(in.Comment)
	in.Source = clean(in.Source)
	in.UTMSource = clean(in.UTMSource)
	in.UTMMedium = clean(in.UTMMedium)
	in.UTMCampaign = clean(in.UTMCampaign)
	in.UTMContent = clean(in.UTMContent)
	in.UTMTerm = clean(in.UTMTerm)
	in.IdempotencyKey = strings.TrimSpace(in.IdempotencyKey)
	return in
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "" || name == "-" {
			return strings.ToLower(f.Name)
		}
		return name
	})
	return v
}

func toValidationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("validate lead: %w", err)
	}
	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		fields[fe.Field()] = fe.Tag()
	}
	return &ValidationError{Fields: fields}
}

// publishLeadEvent publishes best-effort; a nil publisher disables events.
func publishLeadEvent(ctx context.Context, p driven.EventPublisher, typ model.LeadEventType, lead model.Lead, at time.Time) {
	if p == nil {
		return
	}
	event := model.LeadEvent{
		ID:         uuid.NewString(),
		Type:       typ,
		LeadID:     lead.ID,
		AmoLeadID:  lead.AmoLeadID,
		Status:     lead.Status,
		Source:     lead.Source,
		OccurredAt: at.UTC(),
	}
	if err := p.Publish(ctx, event); err != nil {
		slog.Warn("failed to publish lead event", "type", typ, "lead_id", lead.ID, "error", err)
	}
}
