package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/capitalize-ai/lead-scheduler/internal/model"
)

const (
	// StreamName is the name of the analytics stream.
	StreamName = "LEADBOT_ANALYTICS"

	// SubjectPrefix is the prefix for all analytics subjects.
	SubjectPrefix = "leadbot"
)

// StreamManager handles JetStream stream operations.
type StreamManager struct {
	js jetstream.JetStream
}

// NewStreamManager creates a new stream manager.
func NewStreamManager(client *Client) *StreamManager {
	return &StreamManager{js: client.JetStream()}
}

// EnsureStream creates the analytics stream when it does not exist.
func (m *StreamManager) EnsureStream(ctx context.Context) error {
	if _, err := m.js.Stream(ctx, StreamName); err == nil {
		return nil
	}

	_, err := m.js.CreateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName,
		Subjects:    []string{SubjectPrefix + ".>"},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      90 * 24 * time.Hour,
		MaxBytes:    10 * 1024 * 1024 * 1024,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
		Compression: jetstream.S2Compression,
		Description: "Lead bot webhook and scheduling analytics",
	})
	if err != nil && !errors.Is(err, jetstream.ErrStreamNameAlreadyInUse) {
		return fmt.Errorf("failed to create stream: %w", err)
	}
	return nil
}

// subjectToken makes an id safe for use as a single subject token.
func subjectToken(s string) string {
	if s == "" {
		return "_"
	}
	return strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_").Replace(s)
}

// EventSubject returns the subject for an analytics event.
func EventSubject(accountID, contactID string, t model.AnalyticsType) string {
	return fmt.Sprintf("%s.%s.%s.event.%s", SubjectPrefix, subjectToken(accountID), subjectToken(contactID), t)
}

// ContactFilter returns the filter subject for all events of a contact.
func ContactFilter(accountID, contactID string) string {
	return fmt.Sprintf("%s.%s.%s.>", SubjectPrefix, subjectToken(accountID), subjectToken(contactID))
}

// Publish publishes an analytics event.
func (m *StreamManager) Publish(ctx context.Context, ev model.AnalyticsEvent) (uint64, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal event: %w", err)
	}

	ack, err := m.js.Publish(ctx, EventSubject(ev.AccountID, ev.ContactID, ev.Type), data,
		jetstream.WithMsgID(ev.ID))
	if err != nil {
		return 0, fmt.Errorf("failed to publish event: %w", err)
	}
	return ack.Sequence, nil
}

// RecentEvents reads up to limit events of a contact from the start of the stream.
func (m *StreamManager) RecentEvents(ctx context.Context, accountID, contactID string, limit int) ([]model.AnalyticsEvent, error) {
	if limit <= 0 {
		limit = 50
	}

	consumer, err := m.js.OrderedConsumer(ctx, StreamName, jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{ContactFilter(accountID, contactID)},
		DeliverPolicy:  jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer: %w", err)
	}

	batch, err := consumer.Fetch(limit, jetstream.FetchMaxWait(2*time.Second))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch events: %w", err)
	}

	var events []model.AnalyticsEvent
	for msg := range batch.Messages() {
		var ev model.AnalyticsEvent
		if err := json.Unmarshal(msg.Data(), &ev); err != nil {
			continue
		}
		if meta, err := msg.Metadata(); err == nil {
			ev.Sequence = meta.Sequence.Stream
		}
		events = append(events, ev)
	}

	if err := batch.Error(); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return nil, fmt.Errorf("batch error: %w", err)
	}
	return events, nil
}
