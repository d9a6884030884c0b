package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ericfisherdev/leadbridge/internal/domain/model"
	"github.com/ericfisherdev/leadbridge/internal/domain/port/driven"
)

func newTestLeadRepo(t *testing.T) *LeadRepo {
	t.Helper()
	repo := NewLeadRepo(setupTestDB(t))
	repo.now = fixedClock(time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC), time.Second)
	return repo
}

func testLead(name, phone string) model.Lead {
	return model.Lead{
		Name:  name,
		Phone: phone,
		Email: name + "@example.com",
		UTM:   model.UTM{Source: "google", Medium: "cpc", Campaign: "spring"},
	}
}

func TestLeadRepo_CreateAndGet(t *testing.T) {
	repo := newTestLeadRepo(t)
	ctx := context.Background()

	stored, created, err := repo.Create(ctx, testLead("anna", "+79990000001"))
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotZero(t, stored.ID)

	got, err := repo.GetByID(ctx, stored.ID)
	require.NoError(t, err)
	assert.Equal(t, "anna", got.Name)
	assert.Equal(t, "+79990000001", got.Phone)
	assert.Equal(t, model.LeadStatusNew, got.Status)
	assert.Equal(t, model.SyncStatePending, got.SyncState)
	assert.Equal(t, model.DefaultLeadSource, got.Source)
	assert.Equal(t, "spring", got.UTM.Campaign)
	assert.False(t, got.CreatedAt.IsZero())
}

func TestLeadRepo_GetByIDNotFound(t *testing.T) {
	repo := newTestLeadRepo(t)

	_, err := repo.GetByID(context.Background(), 42)
	require.ErrorIs(t, err, driven.ErrNotFound)
}

func TestLeadRepo_CreateIdempotencyKey(t *testing.T) {
	repo := newTestLeadRepo(t)
	ctx := context.Background()

	lead := testLead("boris", "+79990000002")
	lead.IdempotencyKey = "req-1"

	first, created, err := repo.Create(ctx, lead)
	require.NoError(t, err)
	require.True(t, created)

	lead.Name = "boris again"
	second, created, err := repo.Create(ctx, lead)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "boris", second.Name)

	_, total, err := repo.List(ctx, model.LeadFilter{})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
}

func TestLeadRepo_CreateWithoutKeyAllowsDuplicates(t *testing.T) {
	repo := newTestLeadRepo(t)
	ctx := context.Background()

	_, _, err := repo.Create(ctx, testLead("c", "1"))
	require.NoError(t, err)
	_, _, err = repo.Create(ctx, testLead("c", "1"))
	require.NoError(t, err)

	_, total, err := repo.List(ctx, model.LeadFilter{})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
}

func TestLeadRepo_UpsertFromCRM(t *testing.T) {
	repo := newTestLeadRepo(t)
	ctx := context.Background()

	inserted, err := repo.UpsertFromCRM(ctx, model.Lead{Name: "from crm", AmoLeadID: 555, AmoContactID: 77})
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = repo.UpsertFromCRM(ctx, model.Lead{Name: "again", AmoLeadID: 555})
	require.NoError(t, err)
	assert.False(t, inserted)

	got, err := repo.GetByAmoLeadID(ctx, 555)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "from crm", got.Name)
	assert.Equal(t, model.SyncStateSynced, got.SyncState)
	assert.Equal(t, int64(77), got.AmoContactID)
}

func TestLeadRepo_GetByAmoLeadIDMissing(t *testing.T) {
	repo := newTestLeadRepo(t)

	got, err := repo.GetByAmoLeadID(context.Background(), 1)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestLeadRepo_MarkSyncedAndFailed(t *testing.T) {
	repo := newTestLeadRepo(t)
	ctx := context.Background()

	a, _, err := repo.Create(ctx, testLead("a", "1"))
	require.NoError(t, err)
	b, _, err := repo.Create(ctx, testLead("b", "2"))
	require.NoError(t, err)

	require.NoError(t, repo.MarkSyncFailed(ctx, a.ID, "amocrm 502", false))
	require.NoError(t, repo.MarkSynced(ctx, b.ID, 10, 20))

	gotA, err := repo.GetByID(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SyncStateFailed, gotA.SyncState)
	assert.Equal(t, "amocrm 502", gotA.SyncError)
	assert.Equal(t, 1, gotA.SyncAttempts)

	gotB, err := repo.GetByID(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SyncStateSynced, gotB.SyncState)
	assert.Equal(t, int64(10), gotB.AmoContactID)
	assert.Equal(t, int64(20), gotB.AmoLeadID)

	unsynced, err := repo.ListUnsynced(ctx, 10)
	require.NoError(t, err)
	require.Len(t, unsynced, 1)
	assert.Equal(t, a.ID, unsynced[0].ID)

	require.ErrorIs(t, repo.MarkSynced(ctx, 999, 1, 1), driven.ErrNotFound)
}

func TestLeadRepo_ListUnsyncedRotatesFailedLeads(t *testing.T) {
	repo := newTestLeadRepo(t)
	ctx := context.Background()

	a, _, err := repo.Create(ctx, testLead("a", "1"))
	require.NoError(t, err)
	b, _, err := repo.Create(ctx, testLead("b", "2"))
	require.NoError(t, err)
	c, _, err := repo.Create(ctx, testLead("c", "3"))
	require.NoError(t, err)

	require.NoError(t, repo.MarkSyncFailed(ctx, a.ID, "amocrm 502", false))

	unsynced, err := repo.ListUnsynced(ctx, 10)
	require.NoError(t, err)
	require.Len(t, unsynced, 3)
	assert.Equal(t, []int64{b.ID, c.ID, a.ID}, []int64{unsynced[0].ID, unsynced[1].ID, unsynced[2].ID})

	first, err := repo.ListUnsynced(ctx, 1)
	require.NoError(t, err)
	require.Len(t, first, 1)
	assert.Equal(t, b.ID, first[0].ID)

	require.NoError(t, repo.MarkSyncFailed(ctx, b.ID, "amocrm create_contact: status 400", true))
	rejected, err := repo.GetByID(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SyncStateRejected, rejected.SyncState)
	assert.Equal(t, 1, rejected.SyncAttempts)

	unsynced, err = repo.ListUnsynced(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []int64{c.ID, a.ID}, []int64{unsynced[0].ID, unsynced[1].ID})

	stats, err := repo.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Unsynced, "rejected leads still count as unsynced")
}

func TestLeadRepo_UpdateFromCRM(t *testing.T) {
	repo := newTestLeadRepo(t)
	ctx := context.Background()

	_, err := repo.UpsertFromCRM(ctx, model.Lead{Name: "orig", AmoLeadID: 9})
	require.NoError(t, err)

	require.NoError(t, repo.UpdateFromCRM(ctx, 9, model.LeadStatusDeal, ""))
	got, err := repo.GetByAmoLeadID(ctx, 9)
	require.NoError(t, err)
	assert.Equal(t, model.LeadStatusDeal, got.Status)
	assert.Equal(t, "orig", got.Name)

	require.NoError(t, repo.UpdateFromCRM(ctx, 9, model.LeadStatusDeal, "renamed"))
	got, err = repo.GetByAmoLeadID(ctx, 9)
	require.NoError(t, err)
	assert.Equal(t, "renamed", got.Name)

	require.ErrorIs(t, repo.UpdateFromCRM(ctx, 10, model.LeadStatusDeal, ""), driven.ErrNotFound)
}

func TestLeadRepo_UpdateContactInfo(t *testing.T) {
	repo := newTestLeadRepo(t)
	ctx := context.Background()

	_, err := repo.UpsertFromCRM(ctx, model.Lead{Name: "x", Email: "keep@example.com", AmoLeadID: 1, AmoContactID: 300})
	require.NoError(t, err)
	_, err = repo.UpsertFromCRM(ctx, model.Lead{Name: "y", AmoLeadID: 2, AmoContactID: 300})
	require.NoError(t, err)
	_, err = repo.UpsertFromCRM(ctx, model.Lead{Name: "z", AmoLeadID: 3, AmoContactID: 301})
	require.NoError(t, err)

	n, err := repo.UpdateContactInfo(ctx, 300, "Ivan", "+70000000000", "")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, err := repo.GetByAmoLeadID(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "Ivan", got.Name)
	assert.Equal(t, "+70000000000", got.Phone)
	assert.Equal(t, "keep@example.com", got.Email)

	other, err := repo.GetByAmoLeadID(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, "z", other.Name)
}

func TestLeadRepo_ListFilters(t *testing.T) {
	repo := newTestLeadRepo(t)
	ctx := context.Background()

	for _, l := range []model.Lead{
		{Name: "alpha", Phone: "100", Source: "landing", UTM: model.UTM{Source: "google"}},
		{Name: "beta", Phone: "200", Source: "landing", UTM: model.UTM{Source: "yandex"}},
		{Name: "gamma", Phone: "300", Source: "partner", UTM: model.UTM{Source: "google"}},
	} {
		_, _, err := repo.Create(ctx, l)
		require.NoError(t, err)
	}

	leads, total, err := repo.List(ctx, model.LeadFilter{UTMSource: "google"})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Len(t, leads, 2)
	assert.Equal(t, "gamma", leads[0].Name, "newest first")

	leads, total, err = repo.List(ctx, model.LeadFilter{Source: "partner"})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, "gamma", leads[0].Name)

	leads, _, err = repo.List(ctx, model.LeadFilter{Search: "bet"})
	require.NoError(t, err)
	require.Len(t, leads, 1)
	assert.Equal(t, "beta", leads[0].Name)

	leads, total, err = repo.List(ctx, model.LeadFilter{Limit: 1, Offset: 1})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, leads, 1)
	assert.Equal(t, "beta", leads[0].Name)

	leads, _, err = repo.List(ctx, model.LeadFilter{Search: "%"})
	require.NoError(t, err)
	assert.Empty(t, leads)
}

func TestLeadRepo_Stats(t *testing.T) {
	repo := newTestLeadRepo(t)
	ctx := context.Background()

	a, _, err := repo.Create(ctx, model.Lead{Name: "a", UTM: model.UTM{Source: "google"}})
	require.NoError(t, err)
	_, _, err = repo.Create(ctx, model.Lead{Name: "b", UTM: model.UTM{Source: "google"}})
	require.NoError(t, err)
	_, err = repo.UpsertFromCRM(ctx, model.Lead{Name: "c", AmoLeadID: 5, Status: model.LeadStatusDeal})
	require.NoError(t, err)
	require.NoError(t, repo.MarkSynced(ctx, a.ID, 1, 2))

	stats, err := repo.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 2, stats.ByStatus[model.LeadStatusNew])
	assert.Equal(t, 1, stats.ByStatus[model.LeadStatusDeal])
	assert.Equal(t, 2, stats.ByUTMSource["google"])
	assert.Equal(t, 1, stats.Unsynced)
}
