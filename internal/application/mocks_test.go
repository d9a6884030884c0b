package application_test

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/ericfisherdev/leadbridge/internal/domain/model"
	"github.com/ericfisherdev/leadbridge/internal/domain/port/driven"
)

// --- Mock implementations ---

type mockTokenStore struct {
	mu     sync.Mutex
	active *model.Token
	saves  int
}

func (m *mockTokenStore) Save(_ context.Context, tok model.Token) (model.Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves++
	tok.ID = int64(m.saves)
	tok.Active = true
	m.active = &tok
	return tok, nil
}

func (m *mockTokenStore) Active(_ context.Context) (*model.Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return nil, driven.ErrNoToken
	}
	tok := *m.active
	return &tok, nil
}

func (m *mockTokenStore) DeactivateAll(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active = nil
	return nil
}

type mockOAuth struct {
	mu        sync.Mutex
	refreshes int
	revoked   []string
	exchange  func(code string) (model.Token, error)
	refresh   func(refreshToken string) (model.Token, error)
	revokeErr error
	delay     time.Duration
}

func (m *mockOAuth) AuthCodeURL(state string) string {
	return "https://www.amocrm.ru/oauth?state=" + state
}

func (m *mockOAuth) Exchange(_ context.Context, code string) (model.Token, error) {
	return m.exchange(code)
}

func (m *mockOAuth) Refresh(_ context.Context, refreshToken string) (model.Token, error) {
	m.mu.Lock()
	m.refreshes++
	m.mu.Unlock()
	if m.delay > 0 {
		time.Sleep(m.delay)
	}
	return m.refresh(refreshToken)
}

func (m *mockOAuth) Revoke(_ context.Context, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.revoked = append(m.revoked, token)
	return m.revokeErr
}

func (m *mockOAuth) refreshCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refreshes
}

type mockLeadStore struct {
	mu             sync.Mutex
	leads          []model.Lead
	nextID         int64
	failed         map[int64]string
	touched        map[int64]int
	seq            int
	createErr      error
	updateFromCRM  error
	contactUpdates []int64
}

func newMockLeadStore(leads ...model.Lead) *mockLeadStore {
	m := &mockLeadStore{failed: make(map[int64]string), touched: make(map[int64]int)}
	for _, l := range leads {
		m.nextID++
		if l.ID == 0 {
			l.ID = m.nextID
		}
		m.leads = append(m.leads, l)
	}
	return m
}

func (m *mockLeadStore) Create(_ context.Context, lead model.Lead) (model.Lead, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return model.Lead{}, false, m.createErr
	}
	if lead.IdempotencyKey != "" {
		for _, l := range m.leads {
			if l.IdempotencyKey == lead.IdempotencyKey {
				return l, false, nil
			}
		}
	}
	m.nextID++
	lead.ID = m.nextID
	if lead.Status == "" {
		lead.Status = model.LeadStatusNew
	}
	lead.SyncState = model.SyncStatePending
	m.leads = append(m.leads, lead)
	return lead, true, nil
}

func (m *mockLeadStore) GetByID(_ context.Context, id int64) (*model.Lead, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, l := range m.leads {
		if l.ID == id {
			return &l, nil
		}
	}
	return nil, driven.ErrNotFound
}

func (m *mockLeadStore) GetByAmoLeadID(_ context.Context, amoLeadID int64) (*model.Lead, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, l := range m.leads {
		if l.AmoLeadID == amoLeadID {
			return &l, nil
		}
	}
	return nil, nil
}

func (m *mockLeadStore) UpsertFromCRM(_ context.Context, lead model.Lead) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, l := range m.leads {
		if l.AmoLeadID == lead.AmoLeadID {
			return false, nil
		}
	}
	m.nextID++
	lead.ID = m.nextID
	m.leads = append(m.leads, lead)
	return true, nil
}

func (m *mockLeadStore) List(_ context.Context, _ model.LeadFilter) ([]model.Lead, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.Lead(nil), m.leads...), len(m.leads), nil
}

func (m *mockLeadStore) Stats(_ context.Context) (model.LeadStats, error) {
	return model.LeadStats{Total: len(m.leads)}, nil
}

// ListUnsynced mirrors the SQLite ordering: least recently touched first.
func (m *mockLeadStore) ListUnsynced(_ context.Context, limit int) ([]model.Lead, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Lead
	for _, l := range m.leads {
		if l.SyncState == model.SyncStatePending || l.SyncState == model.SyncStateFailed || l.SyncState == "" {
			out = append(out, l)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		ti, tj := m.touched[out[i].ID], m.touched[out[j].ID]
		if ti != tj {
			return ti < tj
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *mockLeadStore) MarkSynced(_ context.Context, id, amoContactID, amoLeadID int64) error {
	return m.update(id, func(l *model.Lead) {
		l.SyncState = model.SyncStateSynced
		l.SyncError = ""
		l.AmoContactID = amoContactID
		l.AmoLeadID = amoLeadID
	})
}

func (m *mockLeadStore) MarkSyncFailed(_ context.Context, id int64, reason string, permanent bool) error {
	m.mu.Lock()
	m.failed[id] = reason
	m.mu.Unlock()
	return m.update(id, func(l *model.Lead) {
		l.SyncState = model.SyncStateFailed
		if permanent {
			l.SyncState = model.SyncStateRejected
		}
		l.SyncError = reason
		l.SyncAttempts++
	})
}

func (m *mockLeadStore) UpdateFromCRM(_ context.Context, amoLeadID int64, status model.LeadStatus, name string) error {
	if m.updateFromCRM != nil {
		return m.updateFromCRM
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.leads {
		if m.leads[i].AmoLeadID == amoLeadID {
			m.leads[i].Status = status
			if name != "" {
				m.leads[i].Name = name
			}
			return nil
		}
	}
	return driven.ErrNotFound
}

func (m *mockLeadStore) UpdateContactInfo(_ context.Context, amoContactID int64, name, phone, email string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.contactUpdates = append(m.contactUpdates, amoContactID)
	n := 0
	for i := range m.leads {
		if m.leads[i].AmoContactID != amoContactID {
			continue
		}
		if name != "" {
			m.leads[i].Name = name
		}
		if phone != "" {
			m.leads[i].Phone = phone
		}
		if email != "" {
			m.leads[i].Email = email
		}
		n++
	}
	return n, nil
}

func (m *mockLeadStore) update(id int64, fn func(*model.Lead)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.leads {
		if m.leads[i].ID == id {
			fn(&m.leads[i])
			m.seq++
			m.touched[id] = m.seq
			return nil
		}
	}
	return driven.ErrNotFound
}

func (m *mockLeadStore) get(id int64) model.Lead {
	l, _ := m.GetByID(context.Background(), id)
	if l == nil {
		return model.Lead{}
	}
	return *l
}

type mockCRM struct {
	mu              sync.Mutex
	existingPhone   map[string]int64
	contacts        []driven.ContactInput
	contactUpdates  map[int64]driven.ContactInput
	leads           []driven.LeadInput
	notes           map[int64]string
	statusUpdates   map[int64]int64
	crmLeads        map[int64]driven.CRMLead
	contactErrs     map[string]error
	contactAttempts map[string]int
	createLeadErr   error
	findContactErr  error
	updateStatusErr error
	nextID          int64
}

func newMockCRM() *mockCRM {
	return &mockCRM{
		existingPhone:   map[string]int64{},
		contactUpdates:  map[int64]driven.ContactInput{},
		notes:           map[int64]string{},
		statusUpdates:   map[int64]int64{},
		crmLeads:        map[int64]driven.CRMLead{},
		contactErrs:     map[string]error{},
		contactAttempts: map[string]int{},
		nextID:          1000,
	}
}

func (m *mockCRM) FindContactByPhone(_ context.Context, phone string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.findContactErr != nil {
		return 0, m.findContactErr
	}
	return m.existingPhone[phone], nil
}

func (m *mockCRM) CreateContact(_ context.Context, in driven.ContactInput) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.contactAttempts[in.Phone]++
	if err := m.contactErrs[in.Phone]; err != nil {
		return 0, err
	}
	m.nextID++
	m.contacts = append(m.contacts, in)
	m.existingPhone[in.Phone] = m.nextID
	return m.nextID, nil
}

func (m *mockCRM) UpdateContact(_ context.Context, id int64, in driven.ContactInput) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.contactUpdates[id] = in
	return nil
}

func (m *mockCRM) CreateLead(_ context.Context, in driven.LeadInput) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createLeadErr != nil {
		return 0, m.createLeadErr
	}
	m.nextID++
	m.leads = append(m.leads, in)
	return m.nextID, nil
}

func (m *mockCRM) UpdateLeadStatus(_ context.Context, leadID, statusID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updateStatusErr != nil {
		return m.updateStatusErr
	}
	m.statusUpdates[leadID] = statusID
	return nil
}

func (m *mockCRM) GetLead(_ context.Context, leadID int64) (*driven.CRMLead, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.crmLeads[leadID]
	if !ok {
		return nil, driven.ErrNotFound
	}
	return &l, nil
}

func (m *mockCRM) AddNote(_ context.Context, leadID int64, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notes[leadID] = text
	return nil
}

func (m *mockCRM) Account(_ context.Context) (*driven.CRMAccount, error) {
	return &driven.CRMAccount{ID: 1, Name: "test", Subdomain: "test"}, nil
}

type mockNotifier struct {
	mu      sync.Mutex
	channel model.Channel
	calls   int
	failFor int
	sent    []model.Notification

	// started and release, when set, hold Send until release is closed.
	started chan struct{}
	release chan struct{}
}

func (m *mockNotifier) Channel() model.Channel { return m.channel }

func (m *mockNotifier) Send(_ context.Context, n model.Notification) error {
	if m.release != nil {
		m.started <- struct{}{}
		<-m.release
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.calls <= m.failFor {
		return errors.New("provider unavailable")
	}
	m.sent = append(m.sent, n)
	return nil
}

func (m *mockNotifier) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

type mockNotificationStore struct {
	mu    sync.Mutex
	items map[string]model.Notification
	order []string
}

func newMockNotificationStore() *mockNotificationStore {
	return &mockNotificationStore{items: map[string]model.Notification{}}
}

func (m *mockNotificationStore) Create(_ context.Context, n model.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[n.ID] = n
	m.order = append(m.order, n.ID)
	return nil
}

func (m *mockNotificationStore) Update(_ context.Context, n model.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[n.ID]; !ok {
		return driven.ErrNotFound
	}
	m.items[n.ID] = n
	return nil
}

func (m *mockNotificationStore) Get(_ context.Context, id string) (*model.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.items[id]
	if !ok {
		return nil, driven.ErrNotFound
	}
	return &n, nil
}

func (m *mockNotificationStore) List(_ context.Context, _ int) ([]model.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.Notification, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.items[id])
	}
	return out, nil
}

func (m *mockNotificationStore) ListRetryable(_ context.Context, limit int) ([]model.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Notification
	for _, id := range m.order {
		if n := m.items[id]; n.CanRetry() && len(out) < limit {
			out = append(out, n)
		}
	}
	return out, nil
}

func (m *mockNotificationStore) Claim(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.items[id]
	if !ok || !n.CanRetry() {
		return false, nil
	}
	n.Status = model.NotificationSending
	m.items[id] = n
	return true, nil
}

func (m *mockNotificationStore) RequeueInterrupted(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for id, n := range m.items {
		if n.Status == model.NotificationSending {
			n.Status = model.NotificationFailed
			n.LastError = "delivery interrupted"
			m.items[id] = n
			count++
		}
	}
	return count, nil
}

type mockIdempotency struct {
	mu       sync.Mutex
	claimed  map[string]bool
	released []string
	err      error
}

func newMockIdempotency() *mockIdempotency {
	return &mockIdempotency{claimed: map[string]bool{}}
}

func (m *mockIdempotency) Claim(_ context.Context, key string, _ time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return false, m.err
	}
	if m.claimed[key] {
		return false, nil
	}
	m.claimed[key] = true
	return true, nil
}

func (m *mockIdempotency) Release(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.claimed, key)
	m.released = append(m.released, key)
	return nil
}

type mockPublisher struct {
	mu     sync.Mutex
	events []model.LeadEvent
}

func (m *mockPublisher) Publish(_ context.Context, e model.LeadEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return nil
}

func (m *mockPublisher) types() []model.LeadEventType {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.LeadEventType, 0, len(m.events))
	for _, e := range m.events {
		out = append(out, e.Type)
	}
	return out
}
