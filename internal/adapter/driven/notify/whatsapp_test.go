package notify_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ericfisherdev/leadbridge/internal/adapter/driven/notify"
	"github.com/ericfisherdev/leadbridge/internal/domain/model"
)

func TestWhatsApp_Send(t *testing.T) {
	var (
		got  map[string]string
		auth string
	)
	mux := http.NewServeMux()
	mux.HandleFunc("POST /messages", func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	wa := notify.NewWhatsApp(server.URL+"/", "wa-key", server.Client())
	assert.Equal(t, model.ChannelWhatsApp, wa.Channel())

	err := wa.Send(context.Background(), model.Notification{Recipient: "+79991234567", Message: "Your viewing is confirmed"})
	require.NoError(t, err)

	assert.Equal(t, "Bearer wa-key", auth)
	assert.Equal(t, "+79991234567", got["to"])
	assert.Equal(t, "Your viewing is confirmed", got["text"])
}

func TestWhatsApp_NoRecipient(t *testing.T) {
	wa := notify.NewWhatsApp("http://127.0.0.1:1", "k", nil)

	err := wa.Send(context.Background(), model.Notification{Message: "hi"})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "no recipient")
}

func TestWhatsApp_GatewayError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream unavailable"))
	}))
	t.Cleanup(server.Close)

	wa := notify.NewWhatsApp(server.URL, "k", server.Client())
	err := wa.Send(context.Background(), model.Notification{Recipient: "+7", Message: "hi"})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 502")
	assert.Contains(t, err.Error(), "upstream unavailable")
}
