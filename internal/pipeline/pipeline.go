package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/capitalize-ai/lead-scheduler/internal/llm"
	"github.com/capitalize-ai/lead-scheduler/internal/model"
	"github.com/capitalize-ai/lead-scheduler/internal/scheduler"
	"github.com/capitalize-ai/lead-scheduler/internal/store"
	"github.com/capitalize-ai/lead-scheduler/pkg/logger"
	"github.com/capitalize-ai/lead-scheduler/pkg/metrics"
)

// ApologyMessage is returned when a reply cannot be produced.
const ApologyMessage = "Sorry, I'm having trouble responding right now. A member of our team will follow up with you shortly."

// Op names.
const (
	OpContext        = "context"
	OpSemantic       = "semantic"
	OpMetricsSession = "metrics_session"
	OpQualification  = "qualification"
	OpContact        = "contact"
	OpResponse       = "response"
	OpCoaching       = "coaching"
	OpActions        = "actions"
	OpPersist        = "persist"
)

// Seed keys.
const (
	seedEvent      = "event"
	seedPrefetched = "prefetched"
)

// Analyzer extracts intent and preferences from one message.
type Analyzer interface {
	Analyze(ctx context.Context, message string) (llm.Analysis, error)
}

// Replier writes the conversational reply.
type Replier interface {
	Reply(ctx context.Context, req llm.ReplyRequest) (string, error)
}

// Scheduler is the auto-booking flow.
type Scheduler interface {
	Threshold() int
	HandleAppointmentRequest(ctx context.Context, lead scheduler.Lead) scheduler.Outcome
	HandleSelection(ctx context.Context, lead scheduler.Lead, pending *model.PendingSelection, reply string) scheduler.Outcome
}

// Config holds conversation policy.
type Config struct {
	// ActivationTag starts the conversation when added to a contact.
	ActivationTag string
	// OptOutTag silences the bot and is added when a lead opts out.
	OptOutTag string
	// LeadScoreField is the custom field that receives the score. Empty skips it.
	LeadScoreField string
	Now            func() time.Time
}

// Prefetched carries values loaded ahead of time for a batch.
type Prefetched struct {
	Analysis *llm.Analysis
	Context  *model.ContactContext
}

// Coaching is a quality read of the conversation, logged and returned for
// operators.
type Coaching struct {
	Intent     string   `json:"intent,omitempty"`
	Urgency    string   `json:"urgency,omitempty"`
	Missing    []string `json:"missing,omitempty"`
	Suggestion string   `json:"suggestion,omitempty"`
}

// Session is the per-run metrics session.
type Session struct {
	ID    string
	Start time.Time
}

// Reply is the output of the response op.
type Reply struct {
	Message string
	Actions model.Actions
	Outcome scheduler.Outcome
}

// Output is the result of one Process call.
type Output struct {
	Response      model.Response
	Qualification model.Qualification
	Outcome       scheduler.Outcome
	Coaching      Coaching
	Context       *model.ContactContext
	Failed        []string
	Duration      time.Duration
}

// Pipeline runs the enrichment graph for one webhook event.
type Pipeline struct {
	cfg       Config
	graph     *Graph
	store     store.ContextStore
	analyzer  Analyzer
	replier   Replier
	scheduler Scheduler
	qualifier Qualifier
	logger    *logger.Logger
}

// New builds the pipeline graph.
func New(cfg Config, contexts store.ContextStore, analyzer Analyzer, replier Replier, sched Scheduler, log *logger.Logger) (*Pipeline, error) {
	if cfg.ActivationTag == "" {
		cfg.ActivationTag = "Needs Qualifying"
	}
	if cfg.OptOutTag == "" {
		cfg.OptOutTag = "AI-Off"
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	p := &Pipeline{
		cfg:       cfg,
		store:     contexts,
		analyzer:  analyzer,
		replier:   replier,
		scheduler: sched,
		qualifier: DefaultQualifier(),
		logger:    log.Named("pipeline"),
	}

	g, err := NewGraph(log,
		Op{Name: OpContext, Run: p.loadContext},
		Op{Name: OpSemantic, Run: p.analyze, Default: func() any { return llm.EmptyAnalysis() }},
		Op{Name: OpMetricsSession, Run: p.startSession},
		Op{Name: OpQualification, Deps: []string{OpSemantic, OpContext}, Run: p.qualify},
		Op{Name: OpContact, Deps: []string{OpContext}, Run: p.resolveContact},
		Op{Name: OpResponse, Deps: []string{OpContext, OpSemantic, OpQualification, OpContact}, Run: p.respond, Terminal: true},
		Op{Name: OpCoaching, Deps: []string{OpSemantic, OpQualification}, Run: p.coach},
		Op{Name: OpActions, Deps: []string{OpResponse, OpQualification}, Run: p.deriveActions},
		Op{Name: OpPersist, Deps: []string{OpResponse, OpContext, OpQualification, OpContact}, Run: p.persist},
	)
	if err != nil {
		return nil, err
	}
	p.graph = g
	return p, nil
}

// Levels exposes the derived level layout.
func (p *Pipeline) Levels() [][]string {
	return p.graph.Levels()
}

// Process runs the graph for ev. A failed reply yields the apology response
// with Fallback set instead of an error.
func (p *Pipeline) Process(ctx context.Context, ev model.WebhookEvent, pre Prefetched) (*Output, error) {
	start := time.Now()
	res, err := p.graph.Run(ctx, map[string]any{
		seedEvent:      ev,
		seedPrefetched: pre,
	})
	if err != nil {
		if !errors.Is(err, ErrTerminal) {
			return nil, err
		}
		metrics.PipelineRuns.WithLabelValues("fallback").Inc()
		p.logger.Warn("reply failed, sending apology",
			zap.String("event_id", ev.ID), zap.String("contact_id", ev.ContactID), zap.Error(err))
		return &Output{
			Response: FallbackResponse(ev),
			Failed:   append(res.Failed, OpResponse),
			Duration: time.Since(start),
		}, nil
	}

	reply := Get[Reply](res.Inputs, OpResponse)
	out := &Output{
		Response: model.Response{
			Message: reply.Message,
			Actions: Get[model.Actions](res.Inputs, OpActions),
			EventID: ev.ID,
		},
		Qualification: Get[model.Qualification](res.Inputs, OpQualification),
		Outcome:       reply.Outcome,
		Coaching:      Get[Coaching](res.Inputs, OpCoaching),
		Context:       Get[*model.ContactContext](res.Inputs, OpPersist),
		Failed:        res.Failed,
		Duration:      time.Since(start),
	}
	if out.Response.Actions == nil {
		// Actions degraded; still deliver the reply itself.
		out.Response.Actions = replyActions(reply, ev)
	}
	metrics.PipelineRuns.WithLabelValues("success").Inc()
	return out, nil
}

// FallbackResponse is the apology returned when no reply could be produced.
// It carries no actions.
func FallbackResponse(ev model.WebhookEvent) model.Response {
	return model.Response{Message: ApologyMessage, Fallback: true, EventID: ev.ID}
}

func event(in Inputs) model.WebhookEvent {
	return Get[model.WebhookEvent](in, seedEvent)
}

// contactContext returns the loaded context, or a fresh one when loading
// degraded.
func contactContext(in Inputs) *model.ContactContext {
	if c := Get[*model.ContactContext](in, OpContext); c != nil {
		return c
	}
	ev := event(in)
	return model.NewContactContext(ev.AccountID, ev.ContactID)
}

func (p *Pipeline) loadContext(ctx context.Context, in Inputs) (any, error) {
	ev := event(in)
	if pre := Get[Prefetched](in, seedPrefetched); pre.Context != nil {
		return pre.Context.Clone(), nil
	}
	c, err := p.store.Get(ctx, ev.AccountID, ev.ContactID)
	if errors.Is(err, store.ErrNotFound) {
		return model.NewContactContext(ev.AccountID, ev.ContactID), nil
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (p *Pipeline) analyze(ctx context.Context, in Inputs) (any, error) {
	if pre := Get[Prefetched](in, seedPrefetched); pre.Analysis != nil {
		return *pre.Analysis, nil
	}
	ev := event(in)
	if ev.Kind != model.EventKindMessage || strings.TrimSpace(ev.MessageBody) == "" {
		return llm.EmptyAnalysis(), nil
	}
	return p.analyzer.Analyze(ctx, ev.MessageBody)
}

func (p *Pipeline) startSession(_ context.Context, _ Inputs) (any, error) {
	return Session{ID: uuid.NewString(), Start: time.Now()}, nil
}

func (p *Pipeline) qualify(_ context.Context, in Inputs) (any, error) {
	a := Get[llm.Analysis](in, OpSemantic)
	return p.qualifier.Qualify(contactContext(in).Qualification, a, p.cfg.Now()), nil
}

func (p *Pipeline) resolveContact(_ context.Context, in Inputs) (any, error) {
	return mergeContact(contactContext(in).Contact, event(in).Contact), nil
}

// mergeContact overlays non-empty fields of latest onto stored.
func mergeContact(stored, latest model.ContactInfo) model.ContactInfo {
	out := stored
	if latest.FirstName != "" {
		out.FirstName = strings.TrimSpace(latest.FirstName)
	}
	if latest.LastName != "" {
		out.LastName = strings.TrimSpace(latest.LastName)
	}
	if p := normalizePhone(latest.Phone); p != "" {
		out.Phone = p
	}
	if e := strings.ToLower(strings.TrimSpace(latest.Email)); e != "" {
		out.Email = e
	}
	return out
}

func normalizePhone(s string) string {
	var b strings.Builder
	for i, r := range strings.TrimSpace(s) {
		if r >= '0' && r <= '9' || (r == '+' && i == 0) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

var optOutPhrases = map[string]bool{
	"stop": true, "stop all": true, "unsubscribe": true, "cancel": true,
	"end": true, "quit": true, "opt out": true, "optout": true, "stop texting me": true,
}

// IsOptOut reports whether body is a carrier-style opt-out keyword.
func IsOptOut(body string) bool {
	return optOutPhrases[strings.Join(strings.Fields(strings.ToLower(strings.Trim(body, " .!"))), " ")]
}

func (p *Pipeline) respond(ctx context.Context, in Inputs) (any, error) {
	ev := event(in)
	cc := contactContext(in)
	qual := Get[model.Qualification](in, OpQualification)
	contact := Get[model.ContactInfo](in, OpContact)

	if ev.HasTag(p.cfg.OptOutTag) {
		return Reply{}, nil
	}

	if ev.Kind == model.EventKindTagAdded {
		if !ev.HasTag(p.cfg.ActivationTag) || len(cc.Turns) > 0 {
			return Reply{}, nil
		}
		return Reply{Message: openerMessage(contact, p.qualifier.Missing(qual))}, nil
	}

	if IsOptOut(ev.MessageBody) {
		return Reply{
			Message: "You've been unsubscribed and won't receive more messages from us. Reply START to opt back in.",
			Actions: model.Actions{
				model.RemoveTag{Tag: p.cfg.ActivationTag},
				model.AddTag{Tag: p.cfg.OptOutTag},
			},
			Outcome: scheduler.Outcome{Handled: true, State: scheduler.StateNone, ClearPending: true, Reason: "opt-out"},
		}, nil
	}

	lead := scheduler.Lead{
		ContactID:   ev.ContactID,
		Contact:     contact,
		Score:       qual.Score,
		Preferences: qual.Preferences,
		Message:     ev.MessageBody,
		Channel:     ev.Channel,
		BookingID:   cc.LastBookingID,
	}

	// A booked contact only gets conversational replies.
	if cc.LastBookingID == "" {
		if cc.Pending != nil && cc.Pending.Status == model.SelectionAwaiting {
			if o := p.scheduler.HandleSelection(ctx, lead, cc.Pending, ev.MessageBody); o.Handled {
				return Reply{Message: o.Message, Actions: o.Actions, Outcome: o}, nil
			}
		}
		if o := p.scheduler.HandleAppointmentRequest(ctx, lead); o.Handled {
			return Reply{Message: o.Message, Actions: o.Actions, Outcome: o}, nil
		}
	}

	text, err := p.replier.Reply(ctx, llm.ReplyRequest{
		Contact:       contact,
		History:       cc.Turns,
		Message:       ev.MessageBody,
		Qualification: qual,
		Missing:       p.qualifier.Missing(qual),
	})
	if err != nil {
		return nil, err
	}
	return Reply{Message: text}, nil
}

func openerMessage(contact model.ContactInfo, missing []string) string {
	greeting := "Hi there!"
	if contact.FirstName != "" {
		greeting = "Hi " + contact.FirstName + "!"
	}
	q := strings.TrimPrefix(llm.NextQuestion(model.ContactInfo{}, missing), "Thanks! ")
	return greeting + " Thanks for your interest in working with us. " + q
}

func (p *Pipeline) coach(_ context.Context, in Inputs) (any, error) {
	a := Get[llm.Analysis](in, OpSemantic)
	qual := Get[model.Qualification](in, OpQualification)
	c := Coaching{Intent: a.Intent, Urgency: a.Urgency, Missing: p.qualifier.Missing(qual)}

	threshold := p.scheduler.Threshold()
	switch {
	case qual.Score >= threshold:
		c.Suggestion = "qualified; confirm a meeting time"
	case a.Urgency == "high" && qual.Score >= threshold-1:
		c.Suggestion = "urgent and nearly qualified; prioritize a call"
	case len(c.Missing) > 0:
		c.Suggestion = "ask about " + c.Missing[0]
	}
	return c, nil
}

func replyActions(r Reply, ev model.WebhookEvent) model.Actions {
	var out model.Actions
	if r.Message != "" {
		out = append(out, model.SendMessage{Message: r.Message, Channel: ev.Channel})
	}
	return append(out, r.Actions...)
}

func (p *Pipeline) deriveActions(_ context.Context, in Inputs) (any, error) {
	r := Get[Reply](in, OpResponse)
	ev := event(in)
	actions := replyActions(r, ev)

	if p.cfg.LeadScoreField != "" && ev.Kind == model.EventKindMessage && r.Outcome.Reason != "opt-out" {
		qual := Get[model.Qualification](in, OpQualification)
		actions = append(actions, model.UpdateCustomField{Field: p.cfg.LeadScoreField, Value: strconv.Itoa(qual.Score)})
	}
	return actions, nil
}

func (p *Pipeline) persist(ctx context.Context, in Inputs) (any, error) {
	ev := event(in)
	r := Get[Reply](in, OpResponse)
	now := p.cfg.Now()

	next := contactContext(in).Clone()
	next.Contact = Get[model.ContactInfo](in, OpContact)
	next.Qualification = Get[model.Qualification](in, OpQualification)
	if ev.Kind == model.EventKindMessage {
		next.AppendTurn(model.RoleLead, ev.MessageBody, ev.ReceivedAt)
	}
	next.AppendTurn(model.RoleAssistant, r.Message, now)

	switch {
	case r.Outcome.Pending != nil:
		next.Pending = r.Outcome.Pending
	case r.Outcome.ClearPending:
		next.Pending = nil
	}
	if r.Outcome.Booking != nil {
		next.LastBookingID = r.Outcome.Booking.BookingID
	}
	next.LastInteraction = now

	if err := p.store.Put(ctx, next); err != nil {
		return nil, fmt.Errorf("failed to persist context: %w", err)
	}
	return next, nil
}
