package scheduler

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// AttemptLimiter is a per-contact sliding window of booking attempts. An
// attempt is recorded when an offer is made, whatever its outcome; booking a
// slot from that offer is part of the same attempt.
type AttemptLimiter interface {
	// Attempts returns how many attempts fall inside the window ending at now.
	Attempts(ctx context.Context, contactID string, now time.Time) (int, error)
	// Record registers an attempt at now.
	Record(ctx context.Context, contactID string, now time.Time) error
}

// MemoryLimiter keeps attempt timestamps in process memory.
type MemoryLimiter struct {
	mu       sync.Mutex
	window   time.Duration
	attempts map[string][]time.Time
}

// NewMemoryLimiter creates an in-process limiter over window.
func NewMemoryLimiter(window time.Duration) *MemoryLimiter {
	return &MemoryLimiter{
		window:   window,
		attempts: make(map[string][]time.Time),
	}
}

// Attempts implements AttemptLimiter.
func (l *MemoryLimiter) Attempts(_ context.Context, contactID string, now time.Time) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.prune(contactID, now)), nil
}

// Record implements AttemptLimiter.
func (l *MemoryLimiter) Record(_ context.Context, contactID string, now time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.attempts[contactID] = append(l.prune(contactID, now), now)
	return nil
}

// prune drops attempts older than the window. Caller holds mu.
func (l *MemoryLimiter) prune(contactID string, now time.Time) []time.Time {
	cutoff := now.Add(-l.window)
	kept := l.attempts[contactID][:0]
	for _, at := range l.attempts[contactID] {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	if len(kept) == 0 {
		delete(l.attempts, contactID)
		return nil
	}
	l.attempts[contactID] = kept
	return kept
}

// RedisLimiter shares the attempt window across instances using one sorted
// set per contact, scored by attempt time.
type RedisLimiter struct {
	rdb    *redis.Client
	window time.Duration
	prefix string
}

// NewRedisLimiter creates a Redis-backed limiter.
func NewRedisLimiter(rdb *redis.Client, window time.Duration) *RedisLimiter {
	return &RedisLimiter{rdb: rdb, window: window, prefix: "booking_attempts:"}
}

// Attempts implements AttemptLimiter.
func (l *RedisLimiter) Attempts(ctx context.Context, contactID string, now time.Time) (int, error) {
	key := l.prefix + contactID
	cutoff := strconv.FormatInt(now.Add(-l.window).UnixNano(), 10)

	var count *redis.IntCmd
	_, err := l.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, key, "-inf", cutoff)
		count = pipe.ZCount(ctx, key, "("+cutoff, "+inf")
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to count booking attempts: %w", err)
	}
	return int(count.Val()), nil
}

// Record implements AttemptLimiter.
func (l *RedisLimiter) Record(ctx context.Context, contactID string, now time.Time) error {
	key := l.prefix + contactID
	_, err := l.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, key, redis.Z{
			Score:  float64(now.UnixNano()),
			Member: uuid.NewString(),
		})
		pipe.Expire(ctx, key, l.window)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to record booking attempt: %w", err)
	}
	return nil
}
