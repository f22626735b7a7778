package model

import "time"

// AnalyticsType names a published analytics event.
type AnalyticsType string

const (
	AnalyticsWebhookProcessed AnalyticsType = "webhook_processed"
	AnalyticsOffered          AnalyticsType = "appointment_offered"
	AnalyticsBooked           AnalyticsType = "appointment_booked"
	AnalyticsManualFallback   AnalyticsType = "manual_fallback"
	AnalyticsActionsFailed    AnalyticsType = "actions_failed"
)

// AnalyticsEvent is the record published after each processed webhook.
type AnalyticsEvent struct {
	ID           string        `json:"id"`
	Type         AnalyticsType `json:"type"`
	AccountID    string        `json:"account_id"`
	ContactID    string        `json:"contact_id"`
	EventID      string        `json:"event_id,omitempty"`
	BatchID      string        `json:"batch_id,omitempty"`
	LeadScore    int           `json:"lead_score"`
	Tags         []string      `json:"tags,omitempty"`
	Fallback     bool          `json:"fallback,omitempty"`
	Deduplicated bool          `json:"deduplicated,omitempty"`
	Detail       string        `json:"detail,omitempty"`
	DurationMs   int64         `json:"duration_ms"`
	OccurredAt   time.Time     `json:"occurred_at"`
	// Sequence is the stream sequence, set when read back.
	Sequence uint64 `json:"sequence,omitempty"`
}
