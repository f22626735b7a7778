// Package coalescer deduplicates near-identical webhook events inside a short
// time window and serves cached responses for repeats.
package coalescer

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/golang/groupcache/lru"
	"go.uber.org/zap"

	"github.com/capitalize-ai/lead-scheduler/internal/model"
	"github.com/capitalize-ai/lead-scheduler/pkg/logger"
	"github.com/capitalize-ai/lead-scheduler/pkg/metrics"
)

// ErrUnhashable is returned for events missing the identity fields.
var ErrUnhashable = errors.New("event cannot be hashed")

// Key identifies one logical request: a content digest plus the time bucket
// the event arrived in.
type Key struct {
	Digest uint64
	Bucket int64
}

func (k Key) String() string {
	return fmt.Sprintf("%016x:%d", k.Digest, k.Bucket)
}

func (k Key) previous() Key {
	return Key{Digest: k.Digest, Bucket: k.Bucket - 1}
}

// CachedResult is a stored response.
type CachedResult struct {
	Response  model.Response
	CreatedAt time.Time
	Key       Key
}

// Config controls the dedup window and cache size.
type Config struct {
	Window   time.Duration
	Capacity int
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Stats is a point-in-time view of the cache.
type Stats struct {
	Entries  int    `json:"entries"`
	Capacity int    `json:"capacity"`
	Window   string `json:"window"`
	Hits     uint64 `json:"hits"`
	Misses   uint64 `json:"misses"`
}

// Coalescer is a bounded, window-aware LRU of responses keyed by Key.
type Coalescer struct {
	mu       sync.Mutex
	cache    *lru.Cache
	window   time.Duration
	capacity int
	now      func() time.Time
	logger   *logger.Logger

	hits   uint64
	misses uint64
}

// New creates a coalescer.
func New(cfg Config, log *logger.Logger) *Coalescer {
	if cfg.Window <= 0 {
		cfg.Window = 5 * time.Second
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = 1000
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	c := &Coalescer{
		cache:    lru.New(cfg.Capacity),
		window:   cfg.Window,
		capacity: cfg.Capacity,
		now:      cfg.Now,
		logger:   log.Named("coalescer"),
	}
	c.cache.OnEvicted = func(_ lru.Key, _ interface{}) {
		metrics.DedupEntries.Dec()
	}
	return c
}

// Window returns the dedup window.
func (c *Coalescer) Window() time.Duration {
	return c.window
}

// Key hashes the semantically relevant fields of ev. Tags are sorted so
// reordering does not change the key.
func (c *Coalescer) Key(ev model.WebhookEvent) (Key, error) {
	if ev.ContactID == "" {
		return Key{}, fmt.Errorf("%w: missing contact id", ErrUnhashable)
	}

	tags := make([]string, 0, len(ev.Tags))
	for _, t := range ev.Tags {
		if t = strings.ToLower(strings.TrimSpace(t)); t != "" {
			tags = append(tags, t)
		}
	}
	sort.Strings(tags)

	d := xxhash.New()
	for _, part := range []string{
		ev.ContactID,
		ev.AccountID,
		normalizeBody(ev.MessageBody),
		string(ev.Channel),
		string(ev.Kind),
		strings.Join(tags, "\x1e"),
	} {
		_, _ = d.WriteString(part)
		_, _ = d.Write([]byte{0x1f})
	}

	at := ev.ReceivedAt
	if at.IsZero() {
		at = c.now()
	}

	return Key{Digest: d.Sum64(), Bucket: at.UnixNano() / int64(c.window)}, nil
}

// Lookup returns the cached response for key. The entry from the previous
// bucket is also accepted while it is younger than the window, so a repeat
// straddling a bucket boundary is still caught. Entries older than the window
// are evicted here.
func (c *Coalescer) Lookup(key Key) (CachedResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for _, k := range []Key{key, key.previous()} {
		v, ok := c.cache.Get(k.String())
		if !ok {
			continue
		}
		res, ok := v.(CachedResult)
		if !ok {
			c.cache.Remove(k.String())
			c.logger.Warn("dropping malformed cache entry", zap.String("key", k.String()))
			metrics.DedupLookups.WithLabelValues("error").Inc()
			continue
		}
		if now.Sub(res.CreatedAt) > c.window {
			c.cache.Remove(k.String())
			metrics.DedupLookups.WithLabelValues("expired").Inc()
			continue
		}
		c.hits++
		metrics.DedupLookups.WithLabelValues("hit").Inc()
		return res, true
	}

	c.misses++
	metrics.DedupLookups.WithLabelValues("miss").Inc()
	return CachedResult{}, false
}

// Store caches resp under key. Fallback responses are refused so a transient
// failure is not replayed for the rest of the window.
func (c *Coalescer) Store(key Key, resp model.Response) error {
	if resp.Fallback {
		return errors.New("fallback responses are not cacheable")
	}

	resp.Deduplicated = false

	c.mu.Lock()
	defer c.mu.Unlock()

	k := key.String()
	if _, exists := c.cache.Get(k); !exists {
		metrics.DedupEntries.Inc()
	}
	c.cache.Add(k, CachedResult{
		Response:  resp,
		CreatedAt: c.now(),
		Key:       key,
	})
	return nil
}

// Stats reports cache occupancy and hit counters.
func (c *Coalescer) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Entries:  c.cache.Len(),
		Capacity: c.capacity,
		Window:   c.window.String(),
		Hits:     c.hits,
		Misses:   c.misses,
	}
}

func normalizeBody(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
