// Package batch groups related webhook events before enrichment.
package batch

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/capitalize-ai/lead-scheduler/internal/model"
	"github.com/capitalize-ai/lead-scheduler/pkg/logger"
	"github.com/capitalize-ai/lead-scheduler/pkg/metrics"
)

// ErrClosed is returned by Add after Close.
var ErrClosed = errors.New("batcher closed")

// Strategy is how a batch was assembled.
type Strategy string

const (
	StrategyTemporal        Strategy = "temporal"
	StrategyContactAffinity Strategy = "contact_affinity"
	StrategyAccountAffinity Strategy = "account_affinity"
)

// FlushReason records why a batch left the pending set.
type FlushReason string

const (
	FlushPriority        FlushReason = "priority"
	FlushMaxAge          FlushReason = "max_age"
	FlushContactAffinity FlushReason = "contact_affinity"
	FlushMaxSize         FlushReason = "max_size"
	FlushShutdown        FlushReason = "shutdown"
)

// PriorityFlushThreshold is the score above which a multi-event batch is
// flushed immediately.
const PriorityFlushThreshold = 80

// Batch is a group of events of one account. It is owned by the batcher while pending and is
// read-only once dispatched.
type Batch struct {
	ID        string
	Strategy  Strategy
	AccountID string
	Events    []model.WebhookEvent
	Priority  int
	CreatedAt time.Time
	FlushedAt time.Time
	Reason    FlushReason

	timer *time.Timer
}

// Contacts returns the distinct contact ids in arrival order.
func (b *Batch) Contacts() []string {
	seen := make(map[string]bool)
	var out []string
	for _, ev := range b.Events {
		if !seen[ev.ContactID] {
			seen[ev.ContactID] = true
			out = append(out, ev.ContactID)
		}
	}
	return out
}

func (b *Batch) countFor(contactID string) int {
	n := 0
	for _, ev := range b.Events {
		if ev.ContactID == contactID {
			n++
		}
	}
	return n
}

func (b *Batch) hasContact(contactID string) bool {
	return b.countFor(contactID) > 0
}

// Config controls grouping and flush triggers.
type Config struct {
	MaxSize int
	// MaxAge is the hard deadline after which a batch is flushed.
	MaxAge time.Duration
	// ContactWindow is how long a batch accepts more events of a contact.
	ContactWindow time.Duration
	// AccountWindow is how long a batch accepts other contacts of its account.
	AccountWindow  time.Duration
	AccountMaxSize int
	Now            func() time.Time
}

func (c *Config) setDefaults() {
	if c.MaxSize <= 0 {
		c.MaxSize = 10
	}
	if c.MaxAge <= 0 {
		c.MaxAge = 2 * time.Second
	}
	if c.ContactWindow <= 0 {
		c.ContactWindow = c.MaxAge
	}
	if c.AccountWindow <= 0 {
		c.AccountWindow = c.MaxAge / 2
	}
	if c.AccountMaxSize <= 0 {
		c.AccountMaxSize = 5
	}
	if c.AccountMaxSize > c.MaxSize {
		c.AccountMaxSize = c.MaxSize
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Dispatcher processes a flushed batch. It runs on its own goroutine.
type Dispatcher func(b *Batch)

// Info describes a pending batch.
type Info struct {
	ID        string   `json:"id"`
	Strategy  Strategy `json:"strategy"`
	AccountID string   `json:"account_id"`
	Size      int      `json:"size"`
	Contacts  int      `json:"contacts"`
	Priority  int      `json:"priority"`
	AgeMs     int64    `json:"age_ms"`
}

// Stats is a snapshot of the batcher.
type Stats struct {
	Pending       int                    `json:"pending"`
	PendingEvents int                    `json:"pending_events"`
	Batches       []Info                 `json:"batches"`
	Flushed       map[FlushReason]uint64 `json:"flushed"`
}

// Batcher accumulates events into pending batches.
type Batcher struct {
	cfg      Config
	dispatch Dispatcher
	logger   *logger.Logger

	mu      sync.Mutex
	pending map[string]*Batch
	flushed map[FlushReason]uint64
	closed  bool
	wg      sync.WaitGroup
}

// New creates a batcher that hands flushed batches to dispatch.
func New(cfg Config, dispatch Dispatcher, log *logger.Logger) *Batcher {
	cfg.setDefaults()
	return &Batcher{
		cfg:      cfg,
		dispatch: dispatch,
		logger:   log.Named("batch"),
		pending:  make(map[string]*Batch),
		flushed:  make(map[FlushReason]uint64),
	}
}

// Add places ev in a batch and returns the batch id. The batch may be flushed
// before Add returns.
func (b *Batcher) Add(ev model.WebhookEvent) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return "", ErrClosed
	}

	now := b.cfg.Now()
	batch := b.place(ev, now)
	batch.Events = append(batch.Events, ev)
	batch.Priority = Priority(batch.Events)

	switch {
	case len(batch.Events) >= b.cfg.MaxSize:
		b.flushLocked(batch, FlushMaxSize)
	case batch.Priority > PriorityFlushThreshold && len(batch.Events) >= 2:
		b.flushLocked(batch, FlushPriority)
	case batch.countFor(ev.ContactID) >= 2:
		b.flushLocked(batch, FlushContactAffinity)
	}

	metrics.PendingBatches.Set(float64(len(b.pending)))
	return batch.ID, nil
}

// place returns the batch ev should join, creating one when nothing fits.
// Callers hold b.mu.
func (b *Batcher) place(ev model.WebhookEvent, now time.Time) *Batch {
	var account *Batch
	for _, p := range b.oldestFirst() {
		age := now.Sub(p.CreatedAt)
		if p.AccountID != ev.AccountID {
			continue
		}
		if p.hasContact(ev.ContactID) && age < b.cfg.ContactWindow {
			p.Strategy = StrategyContactAffinity
			return p
		}
		if account == nil && p.Strategy != StrategyContactAffinity &&
			age < b.cfg.AccountWindow && len(p.Events) < b.cfg.AccountMaxSize {
			account = p
		}
	}
	if account != nil {
		account.Strategy = StrategyAccountAffinity
		return account
	}

	batch := &Batch{
		ID:        uuid.NewString(),
		Strategy:  StrategyTemporal,
		AccountID: ev.AccountID,
		CreatedAt: now,
	}
	id := batch.ID
	batch.timer = time.AfterFunc(b.cfg.MaxAge, func() { b.flushID(id, FlushMaxAge) })
	b.pending[id] = batch
	return batch
}

func (b *Batcher) oldestFirst() []*Batch {
	out := make([]*Batch, 0, len(b.pending))
	for _, p := range b.pending {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (b *Batcher) flushID(id string, reason FlushReason) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if batch, ok := b.pending[id]; ok {
		b.flushLocked(batch, reason)
		metrics.PendingBatches.Set(float64(len(b.pending)))
	}
}

// flushLocked removes batch from the pending set and starts its dispatch in
// the same critical section. Callers hold b.mu.
func (b *Batcher) flushLocked(batch *Batch, reason FlushReason) {
	if _, ok := b.pending[batch.ID]; !ok {
		return
	}
	delete(b.pending, batch.ID)
	if batch.timer != nil {
		batch.timer.Stop()
	}
	batch.Reason = reason
	batch.FlushedAt = b.cfg.Now()
	b.flushed[reason]++

	metrics.RecordBatchFlush(string(reason), string(batch.Strategy), len(batch.Events))
	b.logger.Debug("batch flushed",
		zap.String("batch_id", batch.ID),
		zap.String("reason", string(reason)),
		zap.String("strategy", string(batch.Strategy)),
		zap.Int("size", len(batch.Events)),
		zap.Int("priority", batch.Priority),
	)

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				b.logger.Error("batch dispatch panicked", zap.String("batch_id", batch.ID), zap.Any("panic", r))
			}
		}()
		b.dispatch(batch)
	}()
}

// Close flushes every pending batch and waits for all dispatches to return.
func (b *Batcher) Close() {
	b.mu.Lock()
	if !b.closed {
		b.closed = true
		for _, p := range b.oldestFirst() {
			b.flushLocked(p, FlushShutdown)
		}
		metrics.PendingBatches.Set(0)
	}
	b.mu.Unlock()
	b.wg.Wait()
}

// Stats returns a snapshot of the pending batches.
func (b *Batcher) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.cfg.Now()
	s := Stats{Flushed: make(map[FlushReason]uint64, len(b.flushed))}
	for k, v := range b.flushed {
		s.Flushed[k] = v
	}
	for _, p := range b.oldestFirst() {
		s.Pending++
		s.PendingEvents += len(p.Events)
		s.Batches = append(s.Batches, Info{
			ID:        p.ID,
			Strategy:  p.Strategy,
			AccountID: p.AccountID,
			Size:      len(p.Events),
			Contacts:  len(p.Contacts()),
			Priority:  p.Priority,
			AgeMs:     now.Sub(p.CreatedAt).Milliseconds(),
		})
	}
	return s
}

var urgentWords = []string{"asap", "urgent", "today", "right now", "immediately", "right away", "call me"}

var hotTags = []string{"hot", "urgent", "appointment", "ready"}

// Priority scores a batch 0-100 from conversation density, urgency words in
// message bodies and tag signals.
func Priority(events []model.WebhookEvent) int {
	if len(events) == 0 {
		return 0
	}

	urgent := false
	tagHits := 0
	for _, ev := range events {
		body := strings.ToLower(ev.MessageBody)
		for _, w := range urgentWords {
			if strings.Contains(body, w) {
				urgent = true
				break
			}
		}
		for _, t := range ev.Tags {
			lt := strings.ToLower(t)
			for _, h := range hotTags {
				if strings.Contains(lt, h) {
					tagHits++
					break
				}
			}
		}
	}

	score := 10
	score += min((len(events)-1)*20, 40)
	if urgent {
		score += 30
	}
	score += min(tagHits*10, 20)
	return min(score, 100)
}
