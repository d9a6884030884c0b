package application_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ericfisherdev/leadbridge/internal/application"
	"github.com/ericfisherdev/leadbridge/internal/domain/model"
	"github.com/ericfisherdev/leadbridge/internal/resilience"
)

var fastRetry = resilience.RetryPolicy{
	Name:       "test",
	BaseDelay:  time.Millisecond,
	MaxDelay:   5 * time.Millisecond,
	Multiplier: 2,
}

func newNotificationService(store *mockNotificationStore, notifiers ...*mockNotifier) *application.NotificationService {
	reg := application.NewNotifierRegistry()
	for _, n := range notifiers {
		reg.Replace(n)
	}
	return application.NewNotificationService(store, reg, fastRetry, 3, nil)
}

func TestNotificationService_SendSucceedsFirstTry(t *testing.T) {
	store := newMockNotificationStore()
	tg := &mockNotifier{channel: model.ChannelTelegram}
	svc := newNotificationService(store, tg)

	n, err := svc.Send(context.Background(), model.Notification{Channel: model.ChannelTelegram, Message: "hello"})
	require.NoError(t, err)

	assert.NotEmpty(t, n.ID)
	assert.Equal(t, model.NotificationSent, n.Status)
	assert.Equal(t, 1, n.Attempts)
	assert.Equal(t, 3, n.MaxAttempts)
	assert.False(t, n.SentAt.IsZero())

	stored, err := store.Get(context.Background(), n.ID)
	require.NoError(t, err)
	assert.Equal(t, model.NotificationSent, stored.Status)
}

func TestNotificationService_RetriesUntilSuccess(t *testing.T) {
	store := newMockNotificationStore()
	tg := &mockNotifier{channel: model.ChannelTelegram, failFor: 2}
	svc := newNotificationService(store, tg)

	n, err := svc.Send(context.Background(), model.Notification{Channel: model.ChannelTelegram, Message: "hello"})
	require.NoError(t, err)
	assert.Equal(t, 3, n.Attempts)
	assert.Equal(t, 3, tg.callCount())
	assert.Equal(t, model.NotificationSent, n.Status)
}

func TestNotificationService_StopsAtMaxAttempts(t *testing.T) {
	store := newMockNotificationStore()
	wa := &mockNotifier{channel: model.ChannelWhatsApp, failFor: 100}
	svc := newNotificationService(store, wa)

	n, err := svc.Send(context.Background(), model.Notification{
		Channel:     model.ChannelWhatsApp,
		Recipient:   "+79990000000",
		Message:     "hello",
		MaxAttempts: 2,
	})
	require.Error(t, err)
	assert.Equal(t, 2, wa.callCount())
	assert.Equal(t, model.NotificationFailed, n.Status)
	assert.Equal(t, "provider unavailable", n.LastError)
	assert.False(t, n.CanRetry())

	sent, err := svc.RetryFailed(context.Background())
	require.NoError(t, err)
	assert.Zero(t, sent)
	assert.Equal(t, 2, wa.callCount(), "exhausted notifications are not retried")
}

func TestNotificationService_UnconfiguredChannelIsRetriedLater(t *testing.T) {
	store := newMockNotificationStore()
	reg := application.NewNotifierRegistry()
	svc := application.NewNotificationService(store, reg, fastRetry, 3, nil)

	n, err := svc.Send(context.Background(), model.Notification{Channel: model.ChannelEmail, Message: "hello"})
	require.ErrorIs(t, err, application.ErrChannelNotConfigured)
	assert.Equal(t, 1, n.Attempts)
	assert.Equal(t, model.NotificationFailed, n.Status)

	email := &mockNotifier{channel: model.ChannelEmail}
	reg.Replace(email)

	sent, err := svc.RetryFailed(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sent)

	stored, err := store.Get(context.Background(), n.ID)
	require.NoError(t, err)
	assert.Equal(t, model.NotificationSent, stored.Status)
	assert.Equal(t, 2, stored.Attempts)
}

func TestNotificationService_RejectsInvalidInput(t *testing.T) {
	svc := newNotificationService(newMockNotificationStore())

	_, err := svc.Send(context.Background(), model.Notification{Channel: "pager", Message: "x"})
	require.Error(t, err)

	_, err = svc.Send(context.Background(), model.Notification{Channel: model.ChannelEmail, Message: "  "})
	require.Error(t, err)
}

func TestNotificationService_NotifyNewLeadUsesManagerChannels(t *testing.T) {
	store := newMockNotificationStore()
	tg := &mockNotifier{channel: model.ChannelTelegram}
	wa := &mockNotifier{channel: model.ChannelWhatsApp}
	svc := newNotificationService(store, tg, wa)

	svc.NotifyNewLead(context.Background(), model.Lead{
		ID:    7,
		Name:  "Anna",
		Phone: "+79991234567",
		UTM:   model.UTM{Source: "google", Medium: "cpc", Campaign: "spring"},
	})

	require.Len(t, tg.sent, 1)
	assert.Equal(t, "New lead: Anna", tg.sent[0].Subject)
	assert.Contains(t, tg.sent[0].Message, "+79991234567")
	assert.Contains(t, tg.sent[0].Message, "google / cpc / spring")
	assert.Equal(t, int64(7), tg.sent[0].LeadID)
	assert.Zero(t, wa.callCount(), "whatsapp is not a manager channel")
}

func TestNotificationService_RetrySkipsDeliveryInFlight(t *testing.T) {
	store := newMockNotificationStore()
	tg := &mockNotifier{
		channel: model.ChannelTelegram,
		started: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
	svc := newNotificationService(store, tg)

	done := make(chan model.Notification, 1)
	go func() {
		n, _ := svc.Send(context.Background(), model.Notification{Channel: model.ChannelTelegram, Message: "hello"})
		done <- n
	}()
	<-tg.started

	all, err := store.List(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, model.NotificationSending, all[0].Status)

	sent, err := svc.RetryFailed(context.Background())
	require.NoError(t, err)
	assert.Zero(t, sent, "a notification being delivered is not picked up by the sweep")

	close(tg.release)
	n := <-done
	assert.Equal(t, model.NotificationSent, n.Status)
	assert.Equal(t, 1, tg.callCount())
}

func TestNotificationService_RecoverInterrupted(t *testing.T) {
	store := newMockNotificationStore()
	tg := &mockNotifier{channel: model.ChannelTelegram}
	svc := newNotificationService(store, tg)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, model.Notification{
		ID:          "stuck",
		Channel:     model.ChannelTelegram,
		Message:     "hello",
		Status:      model.NotificationSending,
		Attempts:    1,
		MaxAttempts: 3,
	}))

	sent, err := svc.RetryFailed(ctx)
	require.NoError(t, err)
	assert.Zero(t, sent)

	requeued, err := svc.RecoverInterrupted(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, requeued)

	sent, err = svc.RetryFailed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sent)

	stored, err := store.Get(ctx, "stuck")
	require.NoError(t, err)
	assert.Equal(t, model.NotificationSent, stored.Status)
	assert.Equal(t, 2, stored.Attempts)
}
