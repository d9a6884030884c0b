package amocrm_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ericfisherdev/leadbridge/internal/adapter/driven/amocrm"
	"github.com/ericfisherdev/leadbridge/internal/domain/model"
	"github.com/ericfisherdev/leadbridge/internal/domain/port/driven"
	"github.com/ericfisherdev/leadbridge/internal/resilience"
)

// stubTokens is a driven.TokenSource that hands out "token-N" strings.
type stubTokens struct {
	mu        sync.Mutex
	current   string
	refreshes int
	err       error
}

func (s *stubTokens) AccessToken(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current, s.err
}

func (s *stubTokens) ForceRefresh(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshes++
	s.current = "refreshed-token"
	return s.current, s.err
}

var fastRetry = resilience.RetryPolicy{Name: "test", MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, Multiplier: 2}

// newTestClient creates a Client backed by the given httptest handler.
func newTestClient(t *testing.T, handler http.Handler, tokens driven.TokenSource) *amocrm.Client {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	return amocrm.NewClientWithHTTPClient(server.Client(), amocrm.ClientConfig{
		BaseURL: server.URL,
		Retry:   fastRetry,
		Breaker: resilience.BreakerSettings{Name: "test", FailureThreshold: 5, RecoveryTimeout: time.Minute},
	}, tokens)
}

func writeJSONBody(t *testing.T, w http.ResponseWriter, status int, v any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/hal+json")
	w.WriteHeader(status)
	require.NoError(t, json.NewEncoder(w).Encode(v))
}

func TestClient_FindContactByPhone(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v4/contacts", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer token-1", r.Header.Get("Authorization"))
		if r.URL.Query().Get("query") != "+79990000001" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		writeJSONBody(t, w, http.StatusOK, map[string]any{
			"_embedded": map[string]any{"contacts": []map[string]any{{"id": 901}, {"id": 902}}},
		})
	})
	client := newTestClient(t, mux, &stubTokens{current: "token-1"})

	id, err := client.FindContactByPhone(context.Background(), "+79990000001")
	require.NoError(t, err)
	assert.Equal(t, int64(901), id)

	id, err = client.FindContactByPhone(context.Background(), "+70000000000")
	require.NoError(t, err)
	assert.Zero(t, id)
}

func TestClient_CreateContactSendsCustomFields(t *testing.T) {
	var got []map[string]any
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v4/contacts", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		writeJSONBody(t, w, http.StatusOK, map[string]any{
			"_embedded": map[string]any{"contacts": []map[string]any{{"id": 77, "request_id": "0"}}},
		})
	})
	client := newTestClient(t, mux, &stubTokens{current: "t"})

	id, err := client.CreateContact(context.Background(), driven.ContactInput{Name: "Anna", Phone: "+7999", Email: "anna@example.com"})
	require.NoError(t, err)
	assert.Equal(t, int64(77), id)

	require.Len(t, got, 1)
	assert.Equal(t, "Anna", got[0]["name"])
	fields := got[0]["custom_fields_values"].([]any)
	require.Len(t, fields, 2)
	phone := fields[0].(map[string]any)
	assert.InDelta(t, 123456, phone["field_id"], 0)
	assert.Equal(t, "+7999", phone["values"].([]any)[0].(map[string]any)["value"])
	email := fields[1].(map[string]any)
	assert.InDelta(t, 123457, email["field_id"], 0)
}

func TestClient_CreateLeadWithUTMAndContact(t *testing.T) {
	var got []map[string]any
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v4/leads", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		writeJSONBody(t, w, http.StatusOK, map[string]any{
			"_embedded": map[string]any{"leads": []map[string]any{{"id": 5001}}},
		})
	})
	client := newTestClient(t, mux, &stubTokens{current: "t"})

	id, err := client.CreateLead(context.Background(), driven.LeadInput{
		Name:       "Lead from landing",
		ContactID:  77,
		PipelineID: 12,
		UTM:        model.UTM{Source: "google", Campaign: "spring", Term: "flat"},
		Tags:       []string{"landing", ""},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(5001), id)

	require.Len(t, got, 1)
	lead := got[0]
	assert.InDelta(t, 12, lead["pipeline_id"], 0)

	embedded := lead["_embedded"].(map[string]any)
	assert.InDelta(t, 77, embedded["contacts"].([]any)[0].(map[string]any)["id"], 0)
	tags := embedded["tags"].([]any)
	require.Len(t, tags, 1)
	assert.Equal(t, "landing", tags[0].(map[string]any)["name"])

	ids := map[float64]string{}
	for _, f := range lead["custom_fields_values"].([]any) {
		field := f.(map[string]any)
		ids[field["field_id"].(float64)] = field["values"].([]any)[0].(map[string]any)["value"].(string)
	}
	assert.Equal(t, map[float64]string{123458: "google", 123460: "spring", 123462: "flat"}, ids)
}

func TestClient_UpdateLeadStatusAndNote(t *testing.T) {
	var (
		statusBody map[string]any
		noteBody   []map[string]any
	)
	mux := http.NewServeMux()
	mux.HandleFunc("PATCH /api/v4/leads/{id}", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "5001", r.PathValue("id"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&statusBody))
		writeJSONBody(t, w, http.StatusOK, map[string]any{"id": 5001})
	})
	mux.HandleFunc("POST /api/v4/leads/{id}/notes", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&noteBody))
		writeJSONBody(t, w, http.StatusOK, map[string]any{"_embedded": map[string]any{"notes": []any{}}})
	})
	client := newTestClient(t, mux, &stubTokens{current: "t"})

	require.NoError(t, client.UpdateLeadStatus(context.Background(), 5001, 3))
	assert.InDelta(t, 3, statusBody["status_id"], 0)

	require.NoError(t, client.AddNote(context.Background(), 5001, "comment from landing"))
	require.Len(t, noteBody, 1)
	assert.Equal(t, "common", noteBody[0]["note_type"])
	assert.Equal(t, "comment from landing", noteBody[0]["params"].(map[string]any)["text"])
}

func TestClient_GetLead(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v4/leads/{id}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") != "10" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		assert.Equal(t, "contacts", r.URL.Query().Get("with"))
		writeJSONBody(t, w, http.StatusOK, map[string]any{
			"id": 10, "name": "deal", "status_id": 6,
			"_embedded": map[string]any{"contacts": []map[string]any{{"id": 44}}},
		})
	})
	client := newTestClient(t, mux, &stubTokens{current: "t"})

	lead, err := client.GetLead(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, &driven.CRMLead{ID: 10, Name: "deal", StatusID: 6, ContactID: 44}, lead)

	_, err = client.GetLead(context.Background(), 11)
	require.ErrorIs(t, err, driven.ErrNotFound)
}

func TestClient_Account(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v4/account", func(w http.ResponseWriter, _ *http.Request) {
		writeJSONBody(t, w, http.StatusOK, map[string]any{"id": 3, "name": "Agency", "subdomain": "agency"})
	})
	client := newTestClient(t, mux, &stubTokens{current: "t"})

	acc, err := client.Account(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "agency", acc.Subdomain)
	assert.Equal(t, "closed", client.BreakerState())
}

func TestClient_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v4/account", func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		writeJSONBody(t, w, http.StatusOK, map[string]any{"id": 3})
	})
	client := newTestClient(t, mux, &stubTokens{current: "t"})

	_, err := client.Account(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestClient_DoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v4/leads", func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"title":"Bad Request"}`)
	})
	client := newTestClient(t, mux, &stubTokens{current: "t"})

	_, err := client.CreateLead(context.Background(), driven.LeadInput{Name: "x"})
	require.Error(t, err)

	var apiErr *amocrm.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.False(t, apiErr.Retryable())
	assert.ErrorIs(t, err, driven.ErrRejected)
	assert.Equal(t, int32(1), calls.Load())
}

func TestAPIError_Rejected(t *testing.T) {
	tests := []struct {
		status int
		want   bool
	}{
		{http.StatusBadRequest, true},
		{http.StatusNotFound, true},
		{http.StatusUnprocessableEntity, true},
		{http.StatusUnauthorized, false},
		{http.StatusForbidden, false},
		{http.StatusTooManyRequests, false},
		{http.StatusBadGateway, false},
	}
	for _, tt := range tests {
		err := error(&amocrm.APIError{Operation: "create_lead", StatusCode: tt.status})
		assert.Equal(t, tt.want, errors.Is(err, driven.ErrRejected), "status %d", tt.status)
	}
}

func TestClient_RefreshesOnUnauthorized(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v4/account", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer refreshed-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		writeJSONBody(t, w, http.StatusOK, map[string]any{"id": 3})
	})
	tokens := &stubTokens{current: "stale-token"}
	client := newTestClient(t, mux, tokens)

	_, err := client.Account(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, tokens.refreshes)
}

func TestClient_NoTokenIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(http.ResponseWriter, *http.Request) { calls.Add(1) })
	client := newTestClient(t, mux, &stubTokens{err: driven.ErrNoToken})

	_, err := client.Account(context.Background())
	require.ErrorIs(t, err, driven.ErrNoToken)
	assert.Zero(t, calls.Load())
	assert.Equal(t, "closed", client.BreakerState())
}

func TestClient_BreakerOpensOnRepeatedFailures(t *testing.T) {
	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v4/account", func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	client := amocrm.NewClientWithHTTPClient(server.Client(), amocrm.ClientConfig{
		BaseURL: server.URL,
		Retry:   fastRetry.WithMaxAttempts(1),
		Breaker: resilience.BreakerSettings{Name: "test", FailureThreshold: 2, RecoveryTimeout: time.Minute},
	}, &stubTokens{current: "t"})

	for range 2 {
		_, err := client.Account(context.Background())
		require.Error(t, err)
	}
	assert.Equal(t, "open", client.BreakerState())

	_, err := client.Account(context.Background())
	require.ErrorIs(t, err, resilience.ErrCircuitOpen)
	assert.Equal(t, int32(2), calls.Load())
}
