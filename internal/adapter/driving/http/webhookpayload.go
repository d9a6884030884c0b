package httphandler

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/ericfisherdev/leadbridge/internal/domain/model"
)

var errEmptyPayload = errors.New("empty webhook payload")

// ContactFieldIDs are the amoCRM custom field ids that carry a contact's
// phone and email. Zero ids fall back to matching by field code only.
type ContactFieldIDs struct {
	Phone int64
	Email int64
}

// webhookPayload is the decoded body of an amoCRM webhook.
type webhookPayload struct {
	AccountID string
	Events    []model.WebhookEvent
}

// decodeWebhook parses an amoCRM webhook body. amoCRM posts
// application/x-www-form-urlencoded with bracketed keys
// (leads[status][0][id]=1); JSON bodies with the same shape are accepted too.
func decodeWebhook(contentType string, body []byte, fields ContactFieldIDs) (webhookPayload, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return webhookPayload{}, errEmptyPayload
	}

	var tree map[string]any
	if strings.HasPrefix(contentType, "application/json") || trimmed[0] == '{' {
		dec := json.NewDecoder(bytes.NewReader(trimmed))
		dec.UseNumber()
		if err := dec.Decode(&tree); err != nil {
			return webhookPayload{}, fmt.Errorf("decode json webhook: %w", err)
		}
	} else {
		values, err := url.ParseQuery(string(trimmed))
		if err != nil {
			return webhookPayload{}, fmt.Errorf("decode form webhook: %w", err)
		}
		tree, err = bracketTree(values)
		if err != nil {
			return webhookPayload{}, err
		}
	}

	payload := webhookPayload{}
	if account, ok := tree["account"].(map[string]any); ok {
		payload.AccountID = scalarString(account["id"])
	}

	for _, entity := range []model.WebhookEntity{model.EntityLeads, model.EntityContacts} {
		byAction, ok := tree[string(entity)].(map[string]any)
		if !ok {
			continue
		}
		for _, action := range []model.WebhookAction{model.ActionAdd, model.ActionUpdate, model.ActionStatus, model.ActionDelete} {
			for _, item := range listItems(byAction[string(action)]) {
				event, err := toWebhookEvent(entity, action, item, fields)
				if err != nil {
					return webhookPayload{}, err
				}
				payload.Events = append(payload.Events, event)
			}
		}
	}

	if len(payload.Events) == 0 {
		return payload, errEmptyPayload
	}
	return payload, nil
}

func toWebhookEvent(entity model.WebhookEntity, action model.WebhookAction, item map[string]any, fields ContactFieldIDs) (model.WebhookEvent, error) {
	id, err := scalarInt(item["id"])
	if err != nil || id <= 0 {
		return model.WebhookEvent{}, fmt.Errorf("%s[%s]: invalid id %v", entity, action, item["id"])
	}

	e := model.WebhookEvent{
		Entity:   entity,
		Action:   action,
		EntityID: id,
		Name:     scalarString(item["name"]),
	}
	e.StatusID, _ = scalarInt(item["status_id"])
	e.ModifiedAt = firstInt(item, "last_modified", "updated_at", "date_modify")

	if embedded, ok := item["_embedded"].(map[string]any); ok {
		if contacts := listItems(embedded["contacts"]); len(contacts) > 0 {
			e.ContactID, _ = scalarInt(contacts[0]["id"])
		}
	}

	if entity == model.EntityContacts {
		e.Phone = customFieldValue(item, "PHONE", fields.Phone)
		e.Email = customFieldValue(item, "EMAIL", fields.Email)
	}
	return e, nil
}

// customFieldValue returns the first value of the custom field matching
// either code or id. Both the webhook layout (custom_fields/code/id) and the
// REST v4 layout (custom_fields_values/field_code/field_id) are understood.
func customFieldValue(item map[string]any, code string, id int64) string {
	for _, key := range []string{"custom_fields", "custom_fields_values"} {
		for _, field := range listItems(item[key]) {
			if !fieldMatches(field, code, id) {
				continue
			}
			for _, v := range listItems(field["values"]) {
				if s := scalarString(v["value"]); s != "" {
					return s
				}
			}
		}
	}
	return ""
}

func fieldMatches(field map[string]any, code string, id int64) bool {
	fieldCode := scalarString(field["code"])
	if fieldCode == "" {
		fieldCode = scalarString(field["field_code"])
	}
	if fieldCode != "" && strings.EqualFold(fieldCode, code) {
		return true
	}
	if id == 0 {
		return false
	}
	fieldID, err := scalarInt(field["field_id"])
	if err != nil {
		fieldID, err = scalarInt(field["id"])
	}
	return err == nil && fieldID == id
}

// bracketTree turns form keys like a[b][0][c] into nested maps.
func bracketTree(values url.Values) (map[string]any, error) {
	root := make(map[string]any)
	for key, vals := range values {
		if len(vals) == 0 {
			continue
		}
		path, err := splitBracketKey(key)
		if err != nil {
			return nil, err
		}

		node := root
		for i, part := range path {
			if i == len(path)-1 {
				node[part] = vals[len(vals)-1]
				break
			}
			child, ok := node[part].(map[string]any)
			if !ok {
				child = make(map[string]any)
				node[part] = child
			}
			node = child
		}
	}
	return root, nil
}

func splitBracketKey(key string) ([]string, error) {
	head, rest, found := strings.Cut(key, "[")
	if !found {
		return []string{key}, nil
	}
	parts := []string{head}
	rest = "[" + rest
	for rest != "" {
		if rest[0] != '[' {
			return nil, fmt.Errorf("malformed form key %q", key)
		}
		end := strings.IndexByte(rest, ']')
		if end < 0 {
			return nil, fmt.Errorf("malformed form key %q", key)
		}
		parts = append(parts, rest[1:end])
		rest = rest[end+1:]
	}
	return parts, nil
}

// listItems normalizes a JSON array or an index-keyed form map into objects,
// ordered by index.
func listItems(v any) []map[string]any {
	switch t := v.(type) {
	case []any:
		out := make([]map[string]any, 0, len(t))
		for _, item := range t {
			if m, ok := item.(map[string]any); ok {
				out = append(out, m)
			}
		}
		return out
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Slice(keys, func(i, j int) bool {
			a, errA := strconv.Atoi(keys[i])
			b, errB := strconv.Atoi(keys[j])
			if errA != nil || errB != nil {
				return keys[i] < keys[j]
			}
			return a < b
		})
		out := make([]map[string]any, 0, len(keys))
		for _, k := range keys {
			if m, ok := t[k].(map[string]any); ok {
				out = append(out, m)
			}
		}
		return out
	}
	return nil
}

func scalarString(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case json.Number:
		return t.String()
	case nil:
		return ""
	}
	return fmt.Sprint(v)
}

func scalarInt(v any) (int64, error) {
	s := scalarString(v)
	if s == "" {
		return 0, errors.New("missing")
	}
	return strconv.ParseInt(s, 10, 64)
}

func firstInt(item map[string]any, keys ...string) int64 {
	for _, k := range keys {
		if n, err := scalarInt(item[k]); err == nil {
			return n
		}
	}
	return 0
}
