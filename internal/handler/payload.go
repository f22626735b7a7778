package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/capitalize-ai/lead-scheduler/internal/middleware"
	"github.com/capitalize-ai/lead-scheduler/internal/model"
)

// ErrInvalidPayload wraps every payload validation failure.
var ErrInvalidPayload = errors.New("invalid webhook payload")

// webhookPayload accepts the flat, nested and tag-update shapes the CRM sends.
type webhookPayload struct {
	Type        string `json:"type"`
	ContactID   string `json:"contactId"`
	ContactIDV1 string `json:"contact_id"`
	LocationID  string `json:"locationId"`
	Location    *struct {
		ID string `json:"id"`
	} `json:"location"`
	Body        string          `json:"body"`
	Message     json.RawMessage `json:"message"`
	MessageType string          `json:"messageType"`
	Tags        json.RawMessage `json:"tags"`

	FirstName   string `json:"firstName"`
	FirstNameV1 string `json:"first_name"`
	LastName    string `json:"lastName"`
	LastNameV1  string `json:"last_name"`
	Phone       string `json:"phone"`
	Email       string `json:"email"`
}

type nestedMessage struct {
	Type string `json:"type"`
	Body string `json:"body"`
}

var tagEventTypes = map[string]bool{
	"contacttagupdate": true,
	"contacttagadded":  true,
	"tag_added":        true,
}

// ParseWebhook normalizes a raw webhook body into an event. defaultAccount is
// used when the payload carries no location.
func ParseWebhook(data []byte, id, defaultAccount string, now time.Time) (model.WebhookEvent, error) {
	var p webhookPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return model.WebhookEvent{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	ev := model.WebhookEvent{
		ID:         id,
		ContactID:  strings.TrimSpace(firstNonEmpty(p.ContactID, p.ContactIDV1)),
		AccountID:  strings.TrimSpace(p.LocationID),
		ReceivedAt: now,
		Contact: model.ContactInfo{
			FirstName: firstNonEmpty(p.FirstName, p.FirstNameV1),
			LastName:  firstNonEmpty(p.LastName, p.LastNameV1),
			Phone:     p.Phone,
			Email:     p.Email,
		},
	}
	if ev.AccountID == "" && p.Location != nil {
		ev.AccountID = strings.TrimSpace(p.Location.ID)
	}
	if ev.AccountID == "" {
		ev.AccountID = defaultAccount
	}

	tags, err := parseTags(p.Tags)
	if err != nil {
		return model.WebhookEvent{}, err
	}
	ev.Tags = tags

	body, msgType, err := messageFields(p)
	if err != nil {
		return model.WebhookEvent{}, err
	}
	ev.MessageBody = strings.TrimSpace(body)
	ev.Channel = model.ParseChannel(msgType)

	switch {
	case tagEventTypes[strings.ToLower(p.Type)]:
		ev.Kind = model.EventKindTagAdded
	case ev.MessageBody == "" && len(ev.Tags) > 0:
		ev.Kind = model.EventKindTagAdded
	default:
		ev.Kind = model.EventKindMessage
	}

	if err := middleware.ValidateID("contact id", ev.ContactID); err != nil {
		return model.WebhookEvent{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := middleware.ValidateID("location id", ev.AccountID); err != nil {
		return model.WebhookEvent{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if ev.Kind == model.EventKindMessage && ev.MessageBody == "" {
		return model.WebhookEvent{}, fmt.Errorf("%w: message body is required", ErrInvalidPayload)
	}
	if err := middleware.ValidateMessageBody(ev.MessageBody); err != nil {
		return model.WebhookEvent{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return ev, nil
}

// messageFields reads the body and type from either the flat or the nested
// shape.
func messageFields(p webhookPayload) (body, msgType string, err error) {
	body, msgType = p.Body, p.MessageType
	raw := strings.TrimSpace(string(p.Message))
	switch {
	case raw == "" || raw == "null":
	case strings.HasPrefix(raw, "{"):
		var m nestedMessage
		if err := json.Unmarshal(p.Message, &m); err != nil {
			return "", "", fmt.Errorf("%w: message: %v", ErrInvalidPayload, err)
		}
		body = firstNonEmpty(m.Body, body)
		msgType = firstNonEmpty(m.Type, msgType)
	default:
		var s string
		if err := json.Unmarshal(p.Message, &s); err != nil {
			return "", "", fmt.Errorf("%w: message must be a string or object", ErrInvalidPayload)
		}
		body = firstNonEmpty(body, s)
	}
	return body, msgType, nil
}

// parseTags accepts a JSON array or a comma separated string.
func parseTags(raw json.RawMessage) ([]string, error) {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return nil, nil
	}

	var list []string
	if strings.HasPrefix(s, "[") {
		if err := json.Unmarshal(raw, &list); err != nil {
			return nil, fmt.Errorf("%w: tags: %v", ErrInvalidPayload, err)
		}
	} else {
		var joined string
		if err := json.Unmarshal(raw, &joined); err != nil {
			return nil, fmt.Errorf("%w: tags must be a list or string", ErrInvalidPayload)
		}
		list = strings.Split(joined, ",")
	}

	out := list[:0]
	for _, t := range list {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
