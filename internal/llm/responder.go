package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/capitalize-ai/lead-scheduler/internal/model"
	"github.com/capitalize-ai/lead-scheduler/pkg/logger"
)

// Questions asked for each missing qualification field, in asking order.
var Questions = []struct {
	Field    string
	Question string
}{
	{"timeline", "When are you hoping to make a move?"},
	{"location", "Which neighborhoods or areas are you focused on?"},
	{"budget", "What price range are you comfortable with?"},
	{"motivation", "What's prompting the move?"},
	{"financing", "Have you been pre-approved yet, or will you be paying cash?"},
	{"bedrooms", "How many bedrooms do you need?"},
	{"home_condition", "If you're selling, how would you describe your home's condition?"},
}

// ReplyRequest is the context for one conversational reply.
type ReplyRequest struct {
	Contact       model.ContactInfo
	History       []model.Turn
	Message       string
	Qualification model.Qualification
	// Missing lists the qualification fields not yet known.
	Missing []string
}

const replyPrompt = `You are a friendly real estate assistant texting with a lead.
Keep replies under 300 characters, warm and direct, no emojis.
Ask at most one question. Prefer asking about the first missing field listed.
Never promise specific appointment times; scheduling is handled separately.`

// Responder writes conversational replies.
type Responder struct {
	client Client
	logger *logger.Logger
}

// NewResponder creates a responder. Without a client it asks the next
// missing qualification question from a fixed list.
func NewResponder(client Client, log *logger.Logger) *Responder {
	return &Responder{client: client, logger: log.Named("responder")}
}

// Reply generates the next message to the lead.
func (r *Responder) Reply(ctx context.Context, req ReplyRequest) (string, error) {
	if r.client == nil {
		return NextQuestion(req.Contact, req.Missing), nil
	}

	msgs := make([]ChatMessage, 0, len(req.History)+1)
	for _, t := range req.History {
		msgs = append(msgs, ChatMessage{Role: string(t.Role), Content: t.Content})
	}
	if req.Message != "" {
		msgs = append(msgs, ChatMessage{Role: string(model.RoleLead), Content: req.Message})
	}
	if len(msgs) == 0 {
		msgs = append(msgs, ChatMessage{Role: string(model.RoleLead), Content: "(the lead was just added; start the conversation)"})
	}

	var system strings.Builder
	system.WriteString(replyPrompt)
	if name := req.Contact.FirstName; name != "" {
		fmt.Fprintf(&system, "\nThe lead's first name is %s.", name)
	}
	fmt.Fprintf(&system, "\nQualification score so far: %d.", req.Qualification.Score)
	if len(req.Missing) > 0 {
		fmt.Fprintf(&system, "\nMissing fields: %s.", strings.Join(req.Missing, ", "))
	}

	resp, err := r.client.Complete(ctx, &CompletionRequest{
		System:      system.String(),
		Messages:    msgs,
		MaxTokens:   200,
		Temperature: 0.7,
	})
	if err != nil {
		return "", fmt.Errorf("reply generation failed: %w", err)
	}
	text := strings.TrimSpace(resp.Content)
	if text == "" {
		return "", ErrEmptyReply
	}
	return text, nil
}

// NextQuestion returns the question for the first missing field in asking
// order, or a closing line when nothing is missing.
func NextQuestion(contact model.ContactInfo, missing []string) string {
	greeting := "Thanks!"
	if contact.FirstName != "" {
		greeting = "Thanks, " + contact.FirstName + "!"
	}
	want := make(map[string]bool, len(missing))
	for _, m := range missing {
		want[m] = true
	}
	for _, q := range Questions {
		if want[q.Field] {
			return greeting + " " + q.Question
		}
	}
	return greeting + " I have everything I need. Someone from our team will be in touch soon."
}
