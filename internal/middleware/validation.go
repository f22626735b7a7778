package middleware

import (
	"errors"
	"unicode/utf8"
)

// MaxMessageLength bounds inbound message bodies.
const MaxMessageLength = 10000

// ValidateMessageBody validates an inbound message body. Empty bodies are
// allowed for tag events.
func ValidateMessageBody(body string) error {
	if len(body) > MaxMessageLength {
		return errors.New("message exceeds maximum length")
	}
	if !utf8.ValidString(body) {
		return errors.New("message must be valid UTF-8")
	}
	return nil
}

// ValidateID validates a CRM contact or location id.
func ValidateID(kind, id string) error {
	if id == "" {
		return errors.New(kind + " cannot be empty")
	}
	if len(id) > 64 {
		return errors.New(kind + " exceeds maximum length")
	}
	for _, r := range id {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '-' || r == '_') {
			return errors.New(kind + " contains invalid characters")
		}
	}
	return nil
}
