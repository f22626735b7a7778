package coalescer

import (
	"errors"
	"testing"
	"time"

	"github.com/capitalize-ai/lead-scheduler/internal/model"
	"github.com/capitalize-ai/lead-scheduler/pkg/logger"
)

type fakeClock struct{ t time.Time }

func (f *fakeClock) Now() time.Time          { return f.t }
func (f *fakeClock) Advance(d time.Duration) { f.t = f.t.Add(d) }

func newTestCoalescer(window time.Duration, capacity int) (*Coalescer, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)}
	return New(Config{Window: window, Capacity: capacity, Now: clock.Now}, logger.NewNop()), clock
}

func event(at time.Time, body string, tags ...string) model.WebhookEvent {
	return model.WebhookEvent{
		ID:          "evt",
		Kind:        model.EventKindMessage,
		ContactID:   "contact-1",
		AccountID:   "loc-1",
		MessageBody: body,
		Channel:     model.ChannelSMS,
		Tags:        tags,
		ReceivedAt:  at,
	}
}

func TestKey_StableUnderTagOrderAndWhitespace(t *testing.T) {
	c, clock := newTestCoalescer(5*time.Second, 10)

	a, err := c.Key(event(clock.Now(), "Ready  now", "Hot-Lead", "Buyer"))
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	b, err := c.Key(event(clock.Now(), " ready now ", "buyer", "hot-lead"))
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if a != b {
		t.Fatalf("expected identical keys, got %s and %s", a, b)
	}

	other, _ := c.Key(event(clock.Now(), "ready later", "buyer", "hot-lead"))
	if other == a {
		t.Fatalf("different bodies must not collide")
	}
}

func TestKey_RejectsMissingContact(t *testing.T) {
	c, clock := newTestCoalescer(5*time.Second, 10)
	ev := event(clock.Now(), "hi")
	ev.ContactID = ""
	if _, err := c.Key(ev); !errors.Is(err, ErrUnhashable) {
		t.Fatalf("expected ErrUnhashable, got %v", err)
	}
}

func TestLookup_HitWithinWindow(t *testing.T) {
	c, clock := newTestCoalescer(5*time.Second, 10)
	key, _ := c.Key(event(clock.Now(), "hello"))

	if _, ok := c.Lookup(key); ok {
		t.Fatalf("expected miss on empty cache")
	}
	if err := c.Store(key, model.Response{Message: "hi there"}); err != nil {
		t.Fatalf("store: %v", err)
	}

	clock.Advance(2 * time.Second)
	again, _ := c.Key(event(clock.Now(), "hello"))
	res, ok := c.Lookup(again)
	if !ok {
		t.Fatalf("expected hit within window")
	}
	if res.Response.Message != "hi there" {
		t.Fatalf("unexpected cached message %q", res.Response.Message)
	}
}

func TestLookup_PreviousBucketStillWithinWindow(t *testing.T) {
	c, clock := newTestCoalescer(5*time.Second, 10)
	// Place the first event one second before a bucket boundary.
	clock.t = clock.t.Add(4 * time.Second)
	first, _ := c.Key(event(clock.Now(), "hello"))
	_ = c.Store(first, model.Response{Message: "cached"})

	clock.Advance(2 * time.Second)
	second, _ := c.Key(event(clock.Now(), "hello"))
	if second.Bucket == first.Bucket {
		t.Fatalf("test setup expected a bucket boundary between events")
	}
	if _, ok := c.Lookup(second); !ok {
		t.Fatalf("expected hit from previous bucket")
	}
}

func TestLookup_ExpiredAfterWindow(t *testing.T) {
	c, clock := newTestCoalescer(5*time.Second, 10)
	key, _ := c.Key(event(clock.Now(), "hello"))
	_ = c.Store(key, model.Response{Message: "cached"})

	clock.Advance(6 * time.Second)
	if _, ok := c.Lookup(key); ok {
		t.Fatalf("entry older than the window must not be served")
	}
	if c.Stats().Entries != 0 {
		t.Fatalf("expected expired entry to be evicted")
	}

	later, _ := c.Key(event(clock.Now(), "hello"))
	if later == key {
		t.Fatalf("same content after the window must hash to a new key")
	}
}

func TestStore_RefusesFallback(t *testing.T) {
	c, clock := newTestCoalescer(5*time.Second, 10)
	key, _ := c.Key(event(clock.Now(), "hello"))
	if err := c.Store(key, model.Response{Message: "sorry", Fallback: true}); err == nil {
		t.Fatalf("expected fallback store to fail")
	}
	if _, ok := c.Lookup(key); ok {
		t.Fatalf("fallback response must not be cached")
	}
}

func TestStore_EvictsLeastRecentlyUsed(t *testing.T) {
	c, clock := newTestCoalescer(time.Minute, 2)

	k1, _ := c.Key(event(clock.Now(), "one"))
	k2, _ := c.Key(event(clock.Now(), "two"))
	k3, _ := c.Key(event(clock.Now(), "three"))

	_ = c.Store(k1, model.Response{Message: "1"})
	_ = c.Store(k2, model.Response{Message: "2"})
	// Touch k1 so k2 becomes the eviction candidate.
	if _, ok := c.Lookup(k1); !ok {
		t.Fatalf("expected k1 hit")
	}
	_ = c.Store(k3, model.Response{Message: "3"})

	if _, ok := c.Lookup(k2); ok {
		t.Fatalf("expected k2 to be evicted")
	}
	if _, ok := c.Lookup(k1); !ok {
		t.Fatalf("expected k1 to survive")
	}
	if got := c.Stats().Entries; got != 2 {
		t.Fatalf("expected 2 entries, got %d", got)
	}
}
