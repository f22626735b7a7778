package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/capitalize-ai/lead-scheduler/internal/model"
	"github.com/capitalize-ai/lead-scheduler/internal/store"
)

// ContextBucket is the key-value bucket holding contact contexts.
const ContextBucket = "leadbot_contexts"

// KVContextStore implements store.ContextStore on a JetStream key-value bucket.
type KVContextStore struct {
	kv jetstream.KeyValue
}

// NewKVContextStore opens the bucket, creating it on first use. Contexts of
// contacts idle for longer than ttl are dropped.
func NewKVContextStore(ctx context.Context, client *Client, ttl time.Duration) (*KVContextStore, error) {
	js := client.JetStream()
	kv, err := js.KeyValue(ctx, ContextBucket)
	if errors.Is(err, jetstream.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
			Bucket:      ContextBucket,
			Description: "Per-contact conversation and scheduling state",
			TTL:         ttl,
			History:     1,
			Storage:     jetstream.FileStorage,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open context bucket: %w", err)
	}
	return &KVContextStore{kv: kv}, nil
}

// kvKey joins the ids with a dot; each id is reduced to valid key characters.
func kvKey(accountID, contactID string) string {
	return subjectToken(accountID) + "." + subjectToken(contactID)
}

// Get implements store.ContextStore.
func (s *KVContextStore) Get(ctx context.Context, accountID, contactID string) (*model.ContactContext, error) {
	entry, err := s.kv.Get(ctx, kvKey(accountID, contactID))
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read context: %w", err)
	}

	var c model.ContactContext
	if err := json.Unmarshal(entry.Value(), &c); err != nil {
		return nil, fmt.Errorf("failed to decode context: %w", err)
	}
	if c.Qualification.Preferences == nil {
		c.Qualification.Preferences = map[string]string{}
	}
	return &c, nil
}

// Put implements store.ContextStore.
func (s *KVContextStore) Put(ctx context.Context, c *model.ContactContext) error {
	if c == nil || c.ContactID == "" {
		return errors.New("context without contact id")
	}
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode context: %w", err)
	}
	if _, err := s.kv.Put(ctx, kvKey(c.AccountID, c.ContactID), data); err != nil {
		return fmt.Errorf("failed to write context: %w", err)
	}
	return nil
}
