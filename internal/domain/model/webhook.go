package model

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
)

// WebhookEntity is the amoCRM record type a webhook event refers to.
type WebhookEntity string

const (
	EntityLeads    WebhookEntity = "leads"
	EntityContacts WebhookEntity = "contacts"
)

// WebhookAction is the kind of change amoCRM reports.
type WebhookAction string

const (
	ActionAdd    WebhookAction = "add"
	ActionUpdate WebhookAction = "update"
	ActionStatus WebhookAction = "status"
	ActionDelete WebhookAction = "delete"
)

// WebhookEvent is a single change notification decoded from an amoCRM webhook.
type WebhookEvent struct {
	Entity     WebhookEntity
	Action     WebhookAction
	EntityID   int64
	StatusID   int64
	Name       string
	ContactID  int64
	Phone      string
	Email      string
	ModifiedAt int64
}

// Key returns a deterministic identifier used to drop redelivered events.
// amoCRM resends the same payload on timeout, so the modification timestamp
// distinguishes a retry from a genuinely new change. Events without a
// timestamp are keyed by a digest of their content instead.
func (e WebhookEvent) Key() string {
	var b strings.Builder
	b.WriteString(string(e.Entity))
	b.WriteByte(':')
	b.WriteString(string(e.Action))
	b.WriteByte(':')
	b.WriteString(strconv.FormatInt(e.EntityID, 10))
	b.WriteByte(':')
	if e.ModifiedAt == 0 {
		b.WriteString(e.contentDigest())
		return b.String()
	}
	b.WriteString(strconv.FormatInt(e.ModifiedAt, 10))
	if e.Action == ActionStatus || e.Action == ActionUpdate {
		b.WriteByte(':')
		b.WriteString(strconv.FormatInt(e.StatusID, 10))
	}
	return b.String()
}

func (e WebhookEvent) contentDigest() string {
	h := sha256.New()
	for _, part := range []string{
		strconv.FormatInt(e.StatusID, 10),
		strconv.FormatInt(e.ContactID, 10),
		e.Name,
		e.Phone,
		e.Email,
	} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return "h" + hex.EncodeToString(h.Sum(nil)[:12])
}

// WebhookResult summarizes one webhook delivery.
type WebhookResult struct {
	Processed  int
	Duplicates int
	Failed     int
}
