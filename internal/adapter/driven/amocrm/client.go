// Package amocrm implements the CRM and OAuth ports against the amoCRM REST v4 API.
package amocrm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ericfisherdev/leadbridge/internal/domain/port/driven"
	"github.com/ericfisherdev/leadbridge/internal/resilience"
	"github.com/ericfisherdev/leadbridge/internal/telemetry"
)

// Compile-time interface satisfaction check.
var _ driven.CRMClient = (*Client)(nil)

// ClientConfig configures Client.
type ClientConfig struct {
	BaseURL           string
	RequestsPerSecond int
	Fields            FieldIDs
	Retry             resilience.RetryPolicy
	Breaker           resilience.BreakerSettings
	Metrics           *telemetry.Metrics
}

// Client implements driven.CRMClient. Every call goes through the retry policy
// and a circuit breaker; a 401 forces one token refresh and a replay.
type Client struct {
	http    *http.Client
	baseURL string
	tokens  driven.TokenSource
	fields  FieldIDs
	retry   resilience.RetryPolicy
	breaker *resilience.Breaker
	metrics *telemetry.Metrics
}

// NewClient creates a Client with the following transport stack:
//  1. httpcache (ETag-based conditional request caching)
//  2. rate limiter (cfg.RequestsPerSecond, default 7)
//  3. http.DefaultTransport
func NewClient(cfg ClientConfig, tokens driven.TokenSource) *Client {
	httpClient := &http.Client{
		Transport: newTransport(cfg.RequestsPerSecond),
		Timeout:   30 * time.Second,
	}
	return NewClientWithHTTPClient(httpClient, cfg, tokens)
}

// NewClientWithHTTPClient creates a Client with a custom http.Client.
// Tests use it to point the client at an httptest server.
func NewClientWithHTTPClient(httpClient *http.Client, cfg ClientConfig, tokens driven.TokenSource) *Client {
	if cfg.Fields == (FieldIDs{}) {
		cfg.Fields = DefaultFieldIDs()
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = resilience.HTTPRetry
	}
	if cfg.Breaker.Name == "" {
		cfg.Breaker = resilience.DefaultBreakerSettings("amocrm")
	}
	cfg.Breaker.IsFailure = isTransient
	if cfg.Metrics != nil {
		cfg.Breaker.OnStateChange = cfg.Metrics.BreakerStateChanged
	}

	return &Client{
		http:    httpClient,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		tokens:  tokens,
		fields:  cfg.Fields,
		retry:   cfg.Retry,
		breaker: resilience.NewBreaker(cfg.Breaker),
		metrics: cfg.Metrics,
	}
}

// BreakerState exposes the circuit breaker state for the status endpoint.
func (c *Client) BreakerState() string {
	return c.breaker.State()
}

type embeddedID struct {
	ID int64 `json:"id"`
}

type contactsResponse struct {
	Embedded struct {
		Contacts []embeddedID `json:"contacts"`
	} `json:"_embedded"`
}

type leadsResponse struct {
	Embedded struct {
		Leads []embeddedID `json:"leads"`
	} `json:"_embedded"`
}

// FindContactByPhone returns the first contact matching phone, or 0.
func (c *Client) FindContactByPhone(ctx context.Context, phone string) (int64, error) {
	var resp contactsResponse
	path := "/api/v4/contacts?" + url.Values{"query": {phone}}.Encode()
	found, err := c.do(ctx, "find_contact", http.MethodGet, path, nil, &resp)
	if err != nil {
		return 0, err
	}
	if !found || len(resp.Embedded.Contacts) == 0 {
		return 0, nil
	}
	return resp.Embedded.Contacts[0].ID, nil
}

type contactPayload struct {
	Name         string        `json:"name,omitempty"`
	CustomFields []customField `json:"custom_fields_values,omitempty"`
}

// CreateContact creates a contact and returns its id.
func (c *Client) CreateContact(ctx context.Context, in driven.ContactInput) (int64, error) {
	payload := []contactPayload{{
		Name:         in.Name,
		CustomFields: c.fields.contactFields(in.Phone, in.Email),
	}}

	var resp contactsResponse
	if _, err := c.do(ctx, "create_contact", http.MethodPost, "/api/v4/contacts", payload, &resp); err != nil {
		return 0, err
	}
	if len(resp.Embedded.Contacts) == 0 {
		return 0, errors.New("amocrm create_contact: response has no contacts")
	}
	return resp.Embedded.Contacts[0].ID, nil
}

// UpdateContact overwrites the contact's name and contact fields.
func (c *Client) UpdateContact(ctx context.Context, id int64, in driven.ContactInput) error {
	payload := contactPayload{
		Name:         in.Name,
		CustomFields: c.fields.contactFields(in.Phone, in.Email),
	}
	_, err := c.do(ctx, "update_contact", http.MethodPatch, "/api/v4/contacts/"+strconv.FormatInt(id, 10), payload, nil)
	return err
}

type tagPayload struct {
	Name string `json:"name"`
}

type leadEmbedded struct {
	Contacts []embeddedID `json:"contacts,omitempty"`
	Tags     []tagPayload `json:"tags,omitempty"`
}

type leadPayload struct {
	Name         string        `json:"name"`
	PipelineID   int64         `json:"pipeline_id,omitempty"`
	CustomFields []customField `json:"custom_fields_values,omitempty"`
	Embedded     *leadEmbedded `json:"_embedded,omitempty"`
}

// CreateLead creates a lead linked to in.ContactID with UTM fields and tags.
func (c *Client) CreateLead(ctx context.Context, in driven.LeadInput) (int64, error) {
	lead := leadPayload{
		Name:         in.Name,
		PipelineID:   in.PipelineID,
		CustomFields: c.fields.utmFields(in.UTM),
	}

	embedded := &leadEmbedded{}
	if in.ContactID != 0 {
		embedded.Contacts = []embeddedID{{ID: in.ContactID}}
	}
	for _, tag := range in.Tags {
		if tag != "" {
			embedded.Tags = append(embedded.Tags, tagPayload{Name: tag})
		}
	}
	if len(embedded.Contacts) > 0 || len(embedded.Tags) > 0 {
		lead.Embedded = embedded
	}

	var resp leadsResponse
	if _, err := c.do(ctx, "create_lead", http.MethodPost, "/api/v4/leads", []leadPayload{lead}, &resp); err != nil {
		return 0, err
	}
	if len(resp.Embedded.Leads) == 0 {
		return 0, errors.New("amocrm create_lead: response has no leads")
	}
	return resp.Embedded.Leads[0].ID, nil
}

// UpdateLeadStatus moves a lead to statusID in its pipeline.
func (c *Client) UpdateLeadStatus(ctx context.Context, leadID, statusID int64) error {
	payload := map[string]int64{"status_id": statusID}
	_, err := c.do(ctx, "update_lead_status", http.MethodPatch, "/api/v4/leads/"+strconv.FormatInt(leadID, 10), payload, nil)
	return err
}

type leadResponse struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	StatusID int64  `json:"status_id"`
	Embedded struct {
		Contacts []embeddedID `json:"contacts"`
	} `json:"_embedded"`
}

// GetLead fetches a lead with its linked contacts. It returns driven.ErrNotFound
// when amoCRM has no such lead.
func (c *Client) GetLead(ctx context.Context, leadID int64) (*driven.CRMLead, error) {
	var resp leadResponse
	path := "/api/v4/leads/" + strconv.FormatInt(leadID, 10) + "?with=contacts"
	found, err := c.do(ctx, "get_lead", http.MethodGet, path, nil, &resp)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			return nil, driven.ErrNotFound
		}
		return nil, err
	}
	if !found {
		return nil, driven.ErrNotFound
	}

	out := &driven.CRMLead{ID: resp.ID, Name: resp.Name, StatusID: resp.StatusID}
	if len(resp.Embedded.Contacts) > 0 {
		out.ContactID = resp.Embedded.Contacts[0].ID
	}
	return out, nil
}

type notePayload struct {
	NoteType string            `json:"note_type"`
	Params   map[string]string `json:"params"`
}

// AddNote attaches a common text note to a lead.
func (c *Client) AddNote(ctx context.Context, leadID int64, text string) error {
	payload := []notePayload{{NoteType: "common", Params: map[string]string{"text": text}}}
	path := "/api/v4/leads/" + strconv.FormatInt(leadID, 10) + "/notes"
	_, err := c.do(ctx, "add_note", http.MethodPost, path, payload, nil)
	return err
}

type accountResponse struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	Subdomain string `json:"subdomain"`
}

// Account returns basic account info. It doubles as a connectivity check.
func (c *Client) Account(ctx context.Context) (*driven.CRMAccount, error) {
	var resp accountResponse
	if _, err := c.do(ctx, "account", http.MethodGet, "/api/v4/account", nil, &resp); err != nil {
		return nil, err
	}
	return &driven.CRMAccount{ID: resp.ID, Name: resp.Name, Subdomain: resp.Subdomain}, nil
}

// do sends one logical request with retry and breaker protection. It reports
// found=false for 204 No Content, which amoCRM returns for empty searches.
func (c *Client) do(ctx context.Context, op, method, path string, in, out any) (bool, error) {
	var payload []byte
	if in != nil {
		var err error
		payload, err = json.Marshal(in)
		if err != nil {
			return false, fmt.Errorf("amocrm %s: encode request: %w", op, err)
		}
	}

	var found bool
	err := resilience.Retry(ctx, c.retry, func(ctx context.Context) error {
		err := c.breaker.Execute(func() error {
			var err error
			found, err = c.send(ctx, op, method, path, payload, out)
			return err
		})
		switch {
		case err == nil:
			return nil
		case errors.Is(err, resilience.ErrCircuitOpen), !isTransient(err):
			return resilience.Permanent(err)
		default:
			return err
		}
	})

	outcome := "ok"
	if err != nil {
		outcome = "error"
		if errors.Is(err, resilience.ErrCircuitOpen) {
			outcome = "circuit_open"
		}
	}
	c.metrics.OutboundCall(op, outcome)

	return found, err
}

func (c *Client) send(ctx context.Context, op, method, path string, payload []byte, out any) (bool, error) {
	token, err := c.tokens.AccessToken(ctx)
	if err != nil {
		return false, err
	}

	resp, err := c.roundTrip(ctx, method, path, payload, token)
	if err != nil {
		return false, fmt.Errorf("amocrm %s: %w", op, err)
	}

	if resp.StatusCode == http.StatusUnauthorized {
		resp.Body.Close()
		if token, err = c.tokens.ForceRefresh(ctx); err != nil {
			return false, err
		}
		if resp, err = c.roundTrip(ctx, method, path, payload, token); err != nil {
			return false, fmt.Errorf("amocrm %s: %w", op, err)
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return false, nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return false, fmt.Errorf("amocrm %s: read response: %w", op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return false, &APIError{Operation: op, StatusCode: resp.StatusCode, Body: truncate(body)}
	}

	if out != nil && len(body) > 0 {
		if err := json.Unmarshal(body, out); err != nil {
			return false, fmt.Errorf("amocrm %s: decode response: %w", op, err)
		}
	}
	return true, nil
}

func (c *Client) roundTrip(ctx context.Context, method, path string, payload []byte, token string) (*http.Response, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return c.http.Do(req)
}
