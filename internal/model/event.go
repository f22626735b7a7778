// Package model defines data structures shared by the intake pipeline and the scheduler.
package model

import (
	"strings"
	"time"
)

// Channel is the CRM message channel.
type Channel string

const (
	ChannelSMS   Channel = "SMS"
	ChannelEmail Channel = "Email"
	ChannelChat  Channel = "Live_Chat"
)

// ParseChannel maps the CRM's loose channel spellings onto a Channel.
func ParseChannel(s string) Channel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "email", "type_email":
		return ChannelEmail
	case "live_chat", "livechat", "chat", "type_live_chat", "webchat":
		return ChannelChat
	default:
		return ChannelSMS
	}
}

// EventKind distinguishes inbound messages from tag-only notifications.
type EventKind string

const (
	EventKindMessage  EventKind = "message"
	EventKindTagAdded EventKind = "tag_added"
)

// ContactInfo is the lead identity carried by the webhook.
type ContactInfo struct {
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
	Phone     string `json:"phone,omitempty"`
	Email     string `json:"email,omitempty"`
}

// Name returns the display name, or "" when none is known.
func (c ContactInfo) Name() string {
	return strings.TrimSpace(c.FirstName + " " + c.LastName)
}

// WebhookEvent is one normalized inbound CRM event. It is never mutated after
// the handler constructs it.
type WebhookEvent struct {
	ID          string      `json:"id"`
	Kind        EventKind   `json:"kind"`
	ContactID   string      `json:"contact_id"`
	AccountID   string      `json:"account_id"`
	MessageBody string      `json:"message_body,omitempty"`
	Channel     Channel     `json:"channel"`
	Tags        []string    `json:"tags,omitempty"`
	Contact     ContactInfo `json:"contact"`
	ReceivedAt  time.Time   `json:"received_at"`
}

// HasTag reports whether the event carries tag, case-insensitively.
func (e WebhookEvent) HasTag(tag string) bool {
	for _, t := range e.Tags {
		if strings.EqualFold(t, tag) {
			return true
		}
	}
	return false
}
