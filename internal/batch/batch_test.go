package batch

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/capitalize-ai/lead-scheduler/internal/model"
	"github.com/capitalize-ai/lead-scheduler/pkg/logger"
)

type collector struct {
	mu      sync.Mutex
	batches []*Batch
	ch      chan *Batch
}

func newCollector() *collector {
	return &collector{ch: make(chan *Batch, 100)}
}

func (c *collector) dispatch(b *Batch) {
	c.mu.Lock()
	c.batches = append(c.batches, b)
	c.mu.Unlock()
	c.ch <- b
}

func (c *collector) next(t *testing.T) *Batch {
	t.Helper()
	select {
	case b := <-c.ch:
		return b
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for a flushed batch")
		return nil
	}
}

func (c *collector) none(t *testing.T) {
	t.Helper()
	select {
	case b := <-c.ch:
		t.Fatalf("unexpected flush of %s (%s)", b.ID, b.Reason)
	case <-time.After(20 * time.Millisecond):
	}
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestBatcher(cfg Config) (*Batcher, *collector, *fakeClock) {
	clk := &fakeClock{t: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
	if cfg.MaxAge == 0 {
		cfg.MaxAge = time.Hour
	}
	if cfg.ContactWindow == 0 {
		cfg.ContactWindow = 5 * time.Second
	}
	if cfg.AccountWindow == 0 {
		cfg.AccountWindow = 2 * time.Second
	}
	cfg.Now = clk.Now
	col := newCollector()
	return New(cfg, col.dispatch, logger.NewNop()), col, clk
}

func event(id, account, contact, body string) model.WebhookEvent {
	return model.WebhookEvent{ID: id, Kind: model.EventKindMessage, AccountID: account, ContactID: contact, MessageBody: body}
}

func TestAdd_ContactAffinityFlushesInOrder(t *testing.T) {
	b, col, clk := newTestBatcher(Config{})
	defer b.Close()

	id1, err := b.Add(event("e1", "acc", "c1", "hi"))
	if err != nil {
		t.Fatal(err)
	}
	clk.Advance(time.Second)
	id2, err := b.Add(event("e2", "acc", "c1", "looking in austin"))
	if err != nil {
		t.Fatal(err)
	}
	if id1 != id2 {
		t.Fatalf("expected same batch, got %s and %s", id1, id2)
	}

	got := col.next(t)
	if got.Reason != FlushContactAffinity || got.Strategy != StrategyContactAffinity {
		t.Errorf("reason=%s strategy=%s", got.Reason, got.Strategy)
	}
	if len(got.Events) != 2 || got.Events[0].ID != "e1" || got.Events[1].ID != "e2" {
		t.Errorf("unexpected events %+v", got.Events)
	}
}

func TestAdd_ContactWindowExpires(t *testing.T) {
	b, col, clk := newTestBatcher(Config{})

	id1, _ := b.Add(event("e1", "acc", "c1", "hi"))
	clk.Advance(6 * time.Second)
	id2, _ := b.Add(event("e2", "acc", "c1", "hello?"))
	if id1 == id2 {
		t.Fatal("event outside the contact window joined the old batch")
	}
	col.none(t)

	b.Close()
	if len(col.batches) != 2 {
		t.Errorf("expected 2 batches on close, got %d", len(col.batches))
	}
}

func TestAdd_AccountAffinity(t *testing.T) {
	b, col, clk := newTestBatcher(Config{})

	id1, _ := b.Add(event("e1", "acc", "c1", "hi"))
	clk.Advance(500 * time.Millisecond)
	id2, _ := b.Add(event("e2", "acc", "c2", "hello"))
	id3, _ := b.Add(event("e3", "other", "c3", "hey"))
	if id1 != id2 {
		t.Error("same-account contacts should share a batch")
	}
	if id3 == id1 {
		t.Error("other account should start its own batch")
	}

	clk.Advance(2 * time.Second)
	id4, _ := b.Add(event("e4", "acc", "c4", "late"))
	if id4 == id1 {
		t.Error("event outside the account window joined the old batch")
	}
	col.none(t)

	stats := b.Stats()
	if stats.Pending != 3 || stats.PendingEvents != 4 {
		t.Errorf("unexpected stats %+v", stats)
	}
	if stats.Batches[0].Strategy != StrategyAccountAffinity || stats.Batches[0].Contacts != 2 {
		t.Errorf("unexpected first batch %+v", stats.Batches[0])
	}

	b.Close()
	for _, got := range col.batches {
		if got.Reason != FlushShutdown {
			t.Errorf("batch %s flushed for %s", got.ID, got.Reason)
		}
	}
	if b.Stats().Flushed[FlushShutdown] != 3 {
		t.Errorf("flushed counts %v", b.Stats().Flushed)
	}
}

func TestAdd_MaxSize(t *testing.T) {
	b, col, _ := newTestBatcher(Config{MaxSize: 3, AccountMaxSize: 3})
	defer b.Close()

	for i := 1; i <= 3; i++ {
		if _, err := b.Add(event(fmt.Sprintf("e%d", i), "acc", fmt.Sprintf("c%d", i), "hi")); err != nil {
			t.Fatal(err)
		}
	}

	got := col.next(t)
	if got.Reason != FlushMaxSize || len(got.Events) != 3 {
		t.Errorf("reason=%s size=%d", got.Reason, len(got.Events))
	}
}

func TestAdd_PriorityFlush(t *testing.T) {
	b, col, _ := newTestBatcher(Config{})
	defer b.Close()

	hot := func(id, contact string) model.WebhookEvent {
		ev := event(id, "acc", contact, "need to sell ASAP")
		ev.Tags = []string{"Hot Lead"}
		return ev
	}

	_, _ = b.Add(hot("e1", "c1"))
	_, _ = b.Add(hot("e2", "c2"))
	col.none(t)

	_, _ = b.Add(hot("e3", "c3"))
	got := col.next(t)
	if got.Reason != FlushPriority || got.Priority <= PriorityFlushThreshold {
		t.Errorf("reason=%s priority=%d", got.Reason, got.Priority)
	}
}

func TestAdd_MaxAgeIsHardDeadline(t *testing.T) {
	b, col, _ := newTestBatcher(Config{MaxAge: 20 * time.Millisecond})
	defer b.Close()

	start := time.Now()
	_, _ = b.Add(event("e1", "acc", "c1", "hi"))

	got := col.next(t)
	if got.Reason != FlushMaxAge {
		t.Errorf("reason = %s", got.Reason)
	}
	if waited := time.Since(start); waited < 20*time.Millisecond {
		t.Errorf("flushed after %v, before the deadline", waited)
	}
}

func TestAdd_AfterClose(t *testing.T) {
	b, _, _ := newTestBatcher(Config{})
	b.Close()
	if _, err := b.Add(event("e1", "acc", "c1", "hi")); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

func TestAdd_EveryEventDispatchedOnce(t *testing.T) {
	b, col, _ := newTestBatcher(Config{MaxSize: 4, AccountMaxSize: 4})

	const workers, perWorker = 8, 25
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				ev := event(fmt.Sprintf("w%d-%d", w, i), fmt.Sprintf("acc%d", w%3), fmt.Sprintf("c%d", i%5), "hi")
				if _, err := b.Add(ev); err != nil {
					t.Error(err)
				}
			}
		}(w)
	}
	wg.Wait()
	b.Close()

	seen := make(map[string]int)
	for _, got := range col.batches {
		if len(got.Events) > 4 {
			t.Errorf("batch %s exceeds max size: %d", got.ID, len(got.Events))
		}
		for _, ev := range got.Events {
			seen[ev.ID]++
		}
	}
	if len(seen) != workers*perWorker {
		t.Errorf("dispatched %d distinct events, want %d", len(seen), workers*perWorker)
	}
	for id, n := range seen {
		if n != 1 {
			t.Errorf("event %s dispatched %d times", id, n)
		}
	}
}

func TestPriority(t *testing.T) {
	tests := []struct {
		name   string
		events []model.WebhookEvent
		want   int
	}{
		{"empty", nil, 0},
		{"single quiet", []model.WebhookEvent{event("1", "a", "c", "hello")}, 10},
		{"single urgent", []model.WebhookEvent{event("1", "a", "c", "call me today")}, 40},
		{"dense", []model.WebhookEvent{event("1", "a", "c", "x"), event("2", "a", "c", "y"), event("3", "a", "c", "z"), event("4", "a", "c", "w")}, 50},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Priority(tt.events); got != tt.want {
				t.Errorf("Priority() = %d, want %d", got, tt.want)
			}
		})
	}
}
