package driven

import (
	"context"

	"github.com/ericfisherdev/leadbridge/internal/domain/model"
)

// ContactInput carries the fields written to an amoCRM contact.
type ContactInput struct {
	Name  string
	Phone string
	Email string
}

// LeadInput carries the fields written to an amoCRM lead.
type LeadInput struct {
	Name       string
	ContactID  int64
	PipelineID int64
	UTM        model.UTM
	Tags       []string
}

// CRMLead is the subset of an amoCRM lead the service reads back.
type CRMLead struct {
	ID        int64
	Name      string
	StatusID  int64
	ContactID int64
}

// CRMAccount is the subset of amoCRM account info exposed on the status endpoint.
type CRMAccount struct {
	ID        int64
	Name      string
	Subdomain string
}

// CRMClient defines the driven port for the amoCRM REST API.
type CRMClient interface {
	// FindContactByPhone returns 0 when no contact matches.
	FindContactByPhone(ctx context.Context, phone string) (int64, error)
	CreateContact(ctx context.Context, in ContactInput) (int64, error)
	UpdateContact(ctx context.Context, id int64, in ContactInput) error
	CreateLead(ctx context.Context, in LeadInput) (int64, error)
	UpdateLeadStatus(ctx context.Context, leadID, statusID int64) error
	GetLead(ctx context.Context, leadID int64) (*CRMLead, error)
	AddNote(ctx context.Context, leadID int64, text string) error
	Account(ctx context.Context) (*CRMAccount, error)
}

// OAuthClient defines the driven port for the amoCRM OAuth2 endpoints.
type OAuthClient interface {
	AuthCodeURL(state string) string
	Exchange(ctx context.Context, code string) (model.Token, error)
	Refresh(ctx context.Context, refreshToken string) (model.Token, error)
	Revoke(ctx context.Context, token string) error
}

// TokenSource yields a currently valid access token.
type TokenSource interface {
	AccessToken(ctx context.Context) (string, error)
	ForceRefresh(ctx context.Context) (string, error)
}
