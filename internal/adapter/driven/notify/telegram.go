// Package notify implements driven.Notifier for Telegram, WhatsApp and email.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ericfisherdev/leadbridge/internal/domain/model"
	"github.com/ericfisherdev/leadbridge/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.Notifier = (*Telegram)(nil)

// DefaultTelegramAPI is the public Bot API endpoint.
const DefaultTelegramAPI = "https://api.telegram.org"

// Telegram sends messages through the Telegram Bot API.
type Telegram struct {
	apiURL        string
	botToken      string
	defaultChatID string
	http          *http.Client
}

// NewTelegram creates a Telegram notifier. Notifications without a recipient
// go to defaultChatID. httpClient may be nil.
func NewTelegram(apiURL, botToken, defaultChatID string, httpClient *http.Client) *Telegram {
	if apiURL == "" {
		apiURL = DefaultTelegramAPI
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Telegram{
		apiURL:        strings.TrimRight(apiURL, "/"),
		botToken:      botToken,
		defaultChatID: defaultChatID,
		http:          httpClient,
	}
}

// Channel implements driven.Notifier.
func (t *Telegram) Channel() model.Channel { return model.ChannelTelegram }

// markdownEscaper escapes the entity markers of the legacy Markdown parse mode.
var markdownEscaper = strings.NewReplacer(
	`_`, `\_`,
	`*`, `\*`,
	"`", "\\`",
	`[`, `\[`,
)

// escapeMarkdown makes s render literally; an unpaired marker would make the
// Bot API reject the whole message.
func escapeMarkdown(s string) string {
	return markdownEscaper.Replace(s)
}

type telegramMessage struct {
	ChatID                string `json:"chat_id"`
	Text                  string `json:"text"`
	ParseMode             string `json:"parse_mode"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview"`
}

type telegramResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

// Send posts n.Message to the chat in n.Recipient.
func (t *Telegram) Send(ctx context.Context, n model.Notification) error {
	chatID := n.Recipient
	if chatID == "" {
		chatID = t.defaultChatID
	}
	if chatID == "" {
		return errors.New("telegram: no chat id")
	}

	text := escapeMarkdown(n.Message)
	if n.Subject != "" {
		text = "*" + escapeMarkdown(n.Subject) + "*\n\n" + text
	}

	payload, err := json.Marshal(telegramMessage{
		ChatID:                chatID,
		Text:                  text,
		ParseMode:             "Markdown",
		DisableWebPagePreview: true,
	})
	if err != nil {
		return fmt.Errorf("telegram: encode message: %w", err)
	}

	endpoint := t.apiURL + "/bot" + t.botToken + "/sendMessage"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("telegram: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.http.Do(req)
	if err != nil {
		// The URL contains the bot token; keep it out of logs.
		var urlErr *url.Error
		if errors.As(err, &urlErr) {
			return fmt.Errorf("telegram: send message: %w", urlErr.Err)
		}
		return fmt.Errorf("telegram: send message: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return fmt.Errorf("telegram: read response: %w", err)
	}

	var tr telegramResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return fmt.Errorf("telegram: status %d: decode response: %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK || !tr.OK {
		return fmt.Errorf("telegram: status %d: %s", resp.StatusCode, tr.Description)
	}
	return nil
}
