// Package service orchestrates webhook intake: deduplication, batching,
// enrichment and deferred delivery of CRM actions.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/capitalize-ai/lead-scheduler/internal/batch"
	"github.com/capitalize-ai/lead-scheduler/internal/coalescer"
	"github.com/capitalize-ai/lead-scheduler/internal/crm"
	"github.com/capitalize-ai/lead-scheduler/internal/llm"
	"github.com/capitalize-ai/lead-scheduler/internal/model"
	"github.com/capitalize-ai/lead-scheduler/internal/pipeline"
	"github.com/capitalize-ai/lead-scheduler/internal/scheduler"
	"github.com/capitalize-ai/lead-scheduler/internal/store"
	"github.com/capitalize-ai/lead-scheduler/pkg/logger"
	"github.com/capitalize-ai/lead-scheduler/pkg/metrics"
)

// Processor runs enrichment for one event.
type Processor interface {
	Process(ctx context.Context, ev model.WebhookEvent, pre pipeline.Prefetched) (*pipeline.Output, error)
}

// BatchAnalyzer analyzes several messages in one call.
type BatchAnalyzer interface {
	AnalyzeBatch(ctx context.Context, items []llm.BatchItem) (map[string]llm.Analysis, error)
}

// ActionApplier delivers actions to the CRM.
type ActionApplier interface {
	ApplyActions(ctx context.Context, contactID string, actions model.Actions) (crm.ActionReport, error)
}

// EventPublisher records analytics events.
type EventPublisher interface {
	Publish(ctx context.Context, ev model.AnalyticsEvent) (uint64, error)
}

// Config controls intake behaviour.
type Config struct {
	// Batching routes events through the batcher instead of processing
	// each one on arrival.
	Batching bool
	Batch    batch.Config
	// ProcessTimeout bounds enrichment of one event or one batch.
	ProcessTimeout time.Duration
	// DeliveryTimeout bounds deferred action delivery.
	DeliveryTimeout time.Duration
}

// Deps are the collaborators of Intake. Analyzer and Events are optional.
type Deps struct {
	Coalescer *coalescer.Coalescer
	Pipeline  Processor
	Analyzer  BatchAnalyzer
	Contexts  store.ContextStore
	Actions   ActionApplier
	Events    EventPublisher
}

// Intake is the entry point for normalized webhook events.
type Intake struct {
	cfg       Config
	coalescer *coalescer.Coalescer
	flight    singleflight.Group
	batcher   *batch.Batcher
	pipeline  Processor
	analyzer  BatchAnalyzer
	contexts  store.ContextStore
	actions   ActionApplier
	events    EventPublisher
	runner    *Runner
	logger    *logger.Logger

	mu      sync.Mutex
	waiters map[string]chan model.Response
}

// NewIntake wires the intake path.
func NewIntake(cfg Config, deps Deps, log *logger.Logger) *Intake {
	if cfg.ProcessTimeout <= 0 {
		cfg.ProcessTimeout = 25 * time.Second
	}
	s := &Intake{
		cfg:       cfg,
		coalescer: deps.Coalescer,
		pipeline:  deps.Pipeline,
		analyzer:  deps.Analyzer,
		contexts:  deps.Contexts,
		actions:   deps.Actions,
		events:    deps.Events,
		runner:    NewRunner(cfg.DeliveryTimeout, log),
		logger:    log.Named("intake"),
		waiters:   make(map[string]chan model.Response),
	}
	if cfg.Batching {
		s.batcher = batch.New(cfg.Batch, s.processBatch, log)
	}
	return s
}

type flightResult struct {
	resp   model.Response
	cached bool
}

// HandleWebhook returns the response for ev. Repeats inside the dedup window
// get the cached response; concurrent identical events share one run.
func (s *Intake) HandleWebhook(ctx context.Context, ev model.WebhookEvent) (model.Response, error) {
	metrics.WebhooksTotal.WithLabelValues(string(ev.Kind), string(ev.Channel)).Inc()
	ctx, span := otel.Tracer("lead-scheduler/intake").Start(ctx, "intake.webhook",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("lead.account_id", ev.AccountID),
			attribute.String("lead.contact_id", ev.ContactID),
			attribute.String("lead.event_kind", string(ev.Kind)),
		))
	defer span.End()
	log := s.logger.WithContact(ev.ID, ev.AccountID, ev.ContactID)

	key, err := s.coalescer.Key(ev)
	if err != nil {
		log.Warn("dedup key failed, processing without dedup", zap.Error(err))
		return s.process(ctx, ev)
	}

	if cached, ok := s.coalescer.Lookup(key); ok {
		log.Info("duplicate webhook served from cache", zap.String("dedup_key", key.String()))
		resp := cached.Response
		resp.Deduplicated = true
		return resp, nil
	}

	leader := false
	v, err, _ := s.flight.Do(key.String(), func() (any, error) {
		leader = true
		if cached, ok := s.coalescer.Lookup(key); ok {
			return flightResult{resp: cached.Response, cached: true}, nil
		}
		resp, err := s.process(context.WithoutCancel(ctx), ev)
		if err != nil {
			return nil, err
		}
		if !resp.Fallback {
			if err := s.coalescer.Store(key, resp); err != nil {
				log.Warn("failed to cache response", zap.Error(err))
			}
		}
		return flightResult{resp: resp}, nil
	})
	if err != nil {
		return model.Response{}, err
	}

	res := v.(flightResult)
	resp := res.resp
	if res.cached || !leader {
		resp.Deduplicated = true
	}
	return resp, nil
}

// process runs ev either directly or through the batcher and waits for its
// response.
func (s *Intake) process(ctx context.Context, ev model.WebhookEvent) (model.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ProcessTimeout)
	defer cancel()

	if s.batcher == nil {
		return s.processEvent(ctx, ev, pipeline.Prefetched{}, ""), nil
	}

	ch := make(chan model.Response, 1)
	s.mu.Lock()
	if _, dup := s.waiters[ev.ID]; dup {
		s.mu.Unlock()
		return s.processEvent(ctx, ev, pipeline.Prefetched{}, ""), nil
	}
	s.waiters[ev.ID] = ch
	s.mu.Unlock()

	batchID, err := s.batcher.Add(ev)
	if err != nil {
		s.dropWaiter(ev.ID)
		return model.Response{}, fmt.Errorf("failed to queue event: %w", err)
	}

	select {
	case resp := <-ch:
		resp.Batched = true
		resp.BatchID = batchID
		return resp, nil
	case <-ctx.Done():
		s.dropWaiter(ev.ID)
		return model.Response{}, fmt.Errorf("waiting for batch %s: %w", batchID, ctx.Err())
	}
}

func (s *Intake) dropWaiter(id string) {
	s.mu.Lock()
	delete(s.waiters, id)
	s.mu.Unlock()
}

func (s *Intake) resolve(id string, resp model.Response) {
	s.mu.Lock()
	ch := s.waiters[id]
	delete(s.waiters, id)
	s.mu.Unlock()
	if ch != nil {
		ch <- resp
	}
}

// processBatch enriches a flushed batch. Analysis and context are fetched
// once for the batch; each contact's events run in arrival order while
// different contacts run concurrently.
func (s *Intake) processBatch(b *batch.Batch) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ProcessTimeout)
	defer cancel()

	log := s.logger.WithBatch(b.ID, b.AccountID, len(b.Events))
	analyses := s.prefetchAnalyses(ctx, b, log)
	contexts := s.prefetchContexts(ctx, b, log)

	byContact := make(map[string][]model.WebhookEvent)
	for _, ev := range b.Events {
		byContact[ev.ContactID] = append(byContact[ev.ContactID], ev)
	}

	var eg errgroup.Group
	for _, contactID := range b.Contacts() {
		events := byContact[contactID]
		eg.Go(func() error {
			for i, ev := range events {
				var pre pipeline.Prefetched
				if a, ok := analyses[ev.ID]; ok {
					pre.Analysis = &a
				}
				if i == 0 {
					pre.Context = contexts[contactID]
				}
				s.resolve(ev.ID, s.processEvent(ctx, ev, pre, b.ID))
			}
			return nil
		})
	}
	_ = eg.Wait()
}

// prefetchAnalyses runs one batched analysis call. A nil map means every
// event falls back to its own analysis.
func (s *Intake) prefetchAnalyses(ctx context.Context, b *batch.Batch, log *logger.Logger) map[string]llm.Analysis {
	if s.analyzer == nil {
		return nil
	}
	var items []llm.BatchItem
	for _, ev := range b.Events {
		if ev.Kind == model.EventKindMessage && ev.MessageBody != "" {
			items = append(items, llm.BatchItem{ID: ev.ID, Message: ev.MessageBody})
		}
	}
	if len(items) < 2 {
		return nil
	}

	out, err := s.analyzer.AnalyzeBatch(ctx, items)
	if err != nil {
		log.Warn("batched analysis failed, analyzing events individually", zap.Error(err))
		return nil
	}
	return out
}

func (s *Intake) prefetchContexts(ctx context.Context, b *batch.Batch, log *logger.Logger) map[string]*model.ContactContext {
	out := make(map[string]*model.ContactContext)
	for _, contactID := range b.Contacts() {
		c, err := s.contexts.Get(ctx, b.AccountID, contactID)
		switch {
		case errors.Is(err, store.ErrNotFound):
			out[contactID] = model.NewContactContext(b.AccountID, contactID)
		case err != nil:
			log.Warn("context prefetch failed", zap.String("contact_id", contactID), zap.Error(err))
		default:
			out[contactID] = c
		}
	}
	return out
}

// processEvent runs the pipeline and schedules delivery of its actions.
func (s *Intake) processEvent(ctx context.Context, ev model.WebhookEvent, pre pipeline.Prefetched, batchID string) model.Response {
	log := s.logger.WithContact(ev.ID, ev.AccountID, ev.ContactID)

	out, err := s.pipeline.Process(ctx, ev, pre)
	if err != nil {
		log.Error("pipeline failed", zap.Error(err))
		out = &pipeline.Output{Response: pipeline.FallbackResponse(ev)}
	}
	out.Response.BatchID = batchID

	if len(out.Failed) > 0 {
		log.Warn("pipeline degraded", zap.Strings("failed_ops", out.Failed))
	}
	if out.Coaching.Suggestion != "" {
		log.Debug("coaching", zap.String("suggestion", out.Coaching.Suggestion), zap.Strings("missing", out.Coaching.Missing))
	}

	s.runner.Go(ctx, "deliver", func(ctx context.Context) {
		s.deliver(ctx, ev, out, log)
	})
	return out.Response
}

// deliver applies the actions and publishes analytics for one processed event.
func (s *Intake) deliver(ctx context.Context, ev model.WebhookEvent, out *pipeline.Output, log *logger.Logger) {
	var (
		report crm.ActionReport
		err    error
	)
	if s.actions != nil && len(out.Response.Actions) > 0 {
		report, err = s.actions.ApplyActions(ctx, ev.ContactID, out.Response.Actions)
		switch {
		case errors.Is(err, crm.ErrCriticalAction):
			log.Error("compliance-critical action failed", zap.Bool("security_event", true),
				zap.Int("skipped", report.Skipped), zap.Error(err))
		case err != nil:
			log.Error("failed to apply actions", zap.Error(err))
		case len(report.Failed) > 0:
			log.Warn("some actions failed", zap.Int("failed", len(report.Failed)), zap.Int("applied", len(report.Applied)))
		}
	}

	for _, ae := range analyticsFor(ev, out, report, err) {
		if s.events == nil {
			break
		}
		if _, perr := s.events.Publish(ctx, ae); perr != nil {
			log.Warn("failed to publish analytics event", zap.String("type", string(ae.Type)), zap.Error(perr))
		}
	}
}

func analyticsFor(ev model.WebhookEvent, out *pipeline.Output, report crm.ActionReport, applyErr error) []model.AnalyticsEvent {
	now := time.Now().UTC()
	base := model.AnalyticsEvent{
		AccountID:  ev.AccountID,
		ContactID:  ev.ContactID,
		EventID:    ev.ID,
		BatchID:    out.Response.BatchID,
		LeadScore:  out.Qualification.Score,
		Tags:       out.Response.Actions.Tags(),
		Fallback:   out.Response.Fallback,
		DurationMs: out.Duration.Milliseconds(),
		OccurredAt: now,
	}
	mk := func(t model.AnalyticsType, detail string) model.AnalyticsEvent {
		e := base
		e.ID = ev.ID + "." + string(t)
		e.Type = t
		e.Detail = detail
		return e
	}

	events := []model.AnalyticsEvent{mk(model.AnalyticsWebhookProcessed, string(ev.Kind))}
	switch out.Outcome.State {
	case scheduler.StateOffered:
		events = append(events, mk(model.AnalyticsOffered, out.Outcome.Reason))
	case scheduler.StateBooked:
		detail := ""
		if out.Outcome.Booking != nil {
			detail = out.Outcome.Booking.BookingID
		}
		events = append(events, mk(model.AnalyticsBooked, detail))
	case scheduler.StateManual, scheduler.StateExpired:
		events = append(events, mk(model.AnalyticsManualFallback, out.Outcome.Reason))
	}
	if applyErr != nil || len(report.Failed) > 0 {
		detail := fmt.Sprintf("%d failed, %d skipped", len(report.Failed), report.Skipped)
		if applyErr != nil {
			detail = applyErr.Error()
		}
		events = append(events, mk(model.AnalyticsActionsFailed, detail))
	}
	return events
}

// BatchStats reports pending batches; ok is false when batching is off.
func (s *Intake) BatchStats() (stats batch.Stats, ok bool) {
	if s.batcher == nil {
		return batch.Stats{}, false
	}
	return s.batcher.Stats(), true
}

// CoalescerStats reports dedup cache occupancy.
func (s *Intake) CoalescerStats() coalescer.Stats {
	return s.coalescer.Stats()
}

// Close flushes pending batches and waits for deferred work.
func (s *Intake) Close() {
	if s.batcher != nil {
		s.batcher.Close()
	}
	s.runner.Wait()
}

// Wait blocks until deferred work started so far has finished.
func (s *Intake) Wait() {
	s.runner.Wait()
}
