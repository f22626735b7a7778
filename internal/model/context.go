package model

import (
	"time"
)

// Role identifies who authored a conversation turn.
type Role string

const (
	RoleLead      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one stored conversation message.
type Turn struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Qualification is the lead's accumulated qualification state.
type Qualification struct {
	Score       int               `json:"score"`
	Preferences map[string]string `json:"preferences,omitempty"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// ContactContext is the per-contact blob read at the start of a webhook and
// written at the end.
type ContactContext struct {
	ContactID       string            `json:"contact_id"`
	AccountID       string            `json:"account_id"`
	Contact         ContactInfo       `json:"contact"`
	Turns           []Turn            `json:"turns,omitempty"`
	Qualification   Qualification     `json:"qualification"`
	Pending         *PendingSelection `json:"pending_selection,omitempty"`
	LastBookingID   string            `json:"last_booking_id,omitempty"`
	LastInteraction time.Time         `json:"last_interaction"`
}

// MaxStoredTurns bounds the conversation history kept per contact.
const MaxStoredTurns = 20

// NewContactContext returns an empty context for a contact.
func NewContactContext(accountID, contactID string) *ContactContext {
	return &ContactContext{
		ContactID: contactID,
		AccountID: accountID,
		Qualification: Qualification{
			Preferences: map[string]string{},
		},
	}
}

// Clone returns a deep copy safe to mutate independently.
func (c *ContactContext) Clone() *ContactContext {
	if c == nil {
		return nil
	}
	out := *c
	out.Turns = append([]Turn(nil), c.Turns...)
	out.Qualification.Preferences = make(map[string]string, len(c.Qualification.Preferences))
	for k, v := range c.Qualification.Preferences {
		out.Qualification.Preferences[k] = v
	}
	if c.Pending != nil {
		p := *c.Pending
		p.Options = append([]SlotOption(nil), c.Pending.Options...)
		out.Pending = &p
	}
	return &out
}

// AppendTurn records a turn, trimming the oldest beyond MaxStoredTurns.
func (c *ContactContext) AppendTurn(role Role, content string, at time.Time) {
	if content == "" {
		return
	}
	c.Turns = append(c.Turns, Turn{Role: role, Content: content, CreatedAt: at})
	if len(c.Turns) > MaxStoredTurns {
		c.Turns = c.Turns[len(c.Turns)-MaxStoredTurns:]
	}
}

// Response is the outcome of processing one webhook event.
type Response struct {
	Message      string  `json:"message"`
	Actions      Actions `json:"actions"`
	Fallback     bool    `json:"fallback,omitempty"`
	Deduplicated bool    `json:"deduplicated,omitempty"`
	Batched      bool    `json:"batched,omitempty"`
	BatchID      string  `json:"batch_id,omitempty"`
	EventID      string  `json:"event_id,omitempty"`
}
