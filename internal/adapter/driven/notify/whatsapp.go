package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ericfisherdev/leadbridge/internal/domain/model"
	"github.com/ericfisherdev/leadbridge/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.Notifier = (*WhatsApp)(nil)

// WhatsApp sends messages through an HTTP WhatsApp gateway that accepts
// POST {api}/messages with a bearer key.
type WhatsApp struct {
	apiURL string
	apiKey string
	http   *http.Client
}

// NewWhatsApp creates a WhatsApp notifier. httpClient may be nil.
func NewWhatsApp(apiURL, apiKey string, httpClient *http.Client) *WhatsApp {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &WhatsApp{apiURL: strings.TrimRight(apiURL, "/"), apiKey: apiKey, http: httpClient}
}

// Channel implements driven.Notifier.
func (w *WhatsApp) Channel() model.Channel { return model.ChannelWhatsApp }

type whatsappMessage struct {
	To   string `json:"to"`
	Text string `json:"text"`
}

// Send delivers n.Message to the phone number in n.Recipient.
func (w *WhatsApp) Send(ctx context.Context, n model.Notification) error {
	if n.Recipient == "" {
		return errors.New("whatsapp: no recipient")
	}

	payload, err := json.Marshal(whatsappMessage{To: n.Recipient, Text: n.Message})
	if err != nil {
		return fmt.Errorf("whatsapp: encode message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.apiURL+"/messages", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("whatsapp: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+w.apiKey)

	resp, err := w.http.Do(req)
	if err != nil {
		return fmt.Errorf("whatsapp: send message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("whatsapp: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}
