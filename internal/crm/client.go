// Package crm is the GoHighLevel REST client used for messaging, contact
// mutations and calendar operations.
package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/capitalize-ai/lead-scheduler/pkg/logger"
	"github.com/capitalize-ai/lead-scheduler/pkg/metrics"
)

const (
	DefaultBaseURL    = "https://services.leadconnectorhq.com"
	DefaultAPIVersion = "2021-07-28"
)

// APIError is a non-2xx response from the CRM.
type APIError struct {
	Operation  string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("crm %s: status %d: %s", e.Operation, e.StatusCode, e.Body)
}

// Retryable reports whether the status is worth another attempt.
func (e *APIError) Retryable() bool {
	return e.StatusCode >= 500
}

// Config configures the client.
type Config struct {
	BaseURL    string
	APIKey     string
	LocationID string
	APIVersion string
	Timeout    time.Duration
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries uint64
	// InitialBackoff doubles on every retry.
	InitialBackoff time.Duration
}

// Client talks to the CRM REST API.
type Client struct {
	http   *http.Client
	cfg    Config
	logger *logger.Logger
}

// NewClient creates a CRM client.
func NewClient(cfg Config, log *logger.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = DefaultAPIVersion
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 500 * time.Millisecond
	}
	return &Client{
		http:   &http.Client{Timeout: cfg.Timeout},
		cfg:    cfg,
		logger: log.Named("crm"),
	}
}

// LocationID returns the configured sub-account.
func (c *Client) LocationID() string {
	return c.cfg.LocationID
}

// SendMessage sends a conversation message to the contact.
func (c *Client) SendMessage(ctx context.Context, contactID, message, channel string) error {
	body := map[string]string{
		"type":      channel,
		"contactId": contactID,
		"message":   message,
	}
	return c.do(ctx, "send_message", http.MethodPost, "/conversations/messages", body, nil)
}

// AddTags adds tags without replacing existing ones.
func (c *Client) AddTags(ctx context.Context, contactID string, tags []string) error {
	return c.do(ctx, "add_tags", http.MethodPost, "/contacts/"+url.PathEscape(contactID)+"/tags",
		map[string][]string{"tags": tags}, nil)
}

// RemoveTags removes tags from the contact.
func (c *Client) RemoveTags(ctx context.Context, contactID string, tags []string) error {
	return c.do(ctx, "remove_tags", http.MethodDelete, "/contacts/"+url.PathEscape(contactID)+"/tags",
		map[string][]string{"tags": tags}, nil)
}

type customField struct {
	ID         string `json:"id,omitempty"`
	Key        string `json:"key,omitempty"`
	FieldValue string `json:"field_value"`
}

// UpdateCustomField sets one custom field. Field names containing a dot are
// sent as field keys, anything else as a field id.
func (c *Client) UpdateCustomField(ctx context.Context, contactID, field, value string) error {
	f := customField{ID: field, FieldValue: value}
	if strings.Contains(field, ".") {
		f = customField{Key: field, FieldValue: value}
	}
	body := map[string][]customField{"customFields": {f}}
	return c.do(ctx, "update_custom_field", http.MethodPut, "/contacts/"+url.PathEscape(contactID), body, nil)
}

// TriggerWorkflow enrolls the contact in a workflow.
func (c *Client) TriggerWorkflow(ctx context.Context, contactID, workflowID string) error {
	return c.do(ctx, "trigger_workflow", http.MethodPost, "/workflows/"+url.PathEscape(workflowID)+"/trigger",
		map[string]string{"contactId": contactID}, nil)
}

// Contact is the subset of the contact record the service reads.
type Contact struct {
	ID        string   `json:"id"`
	FirstName string   `json:"firstName"`
	LastName  string   `json:"lastName"`
	Email     string   `json:"email"`
	Phone     string   `json:"phone"`
	Tags      []string `json:"tags"`
}

// GetContact fetches a contact.
func (c *Client) GetContact(ctx context.Context, contactID string) (*Contact, error) {
	var out struct {
		Contact Contact `json:"contact"`
	}
	if err := c.do(ctx, "get_contact", http.MethodGet, "/contacts/"+url.PathEscape(contactID), nil, &out); err != nil {
		return nil, err
	}
	return &out.Contact, nil
}

// SearchContacts looks up contacts of the location by free text (name,
// phone or email).
func (c *Client) SearchContacts(ctx context.Context, query string, limit int) ([]Contact, error) {
	if limit <= 0 {
		limit = 20
	}
	q := url.Values{}
	q.Set("locationId", c.cfg.LocationID)
	q.Set("query", query)
	q.Set("limit", strconv.Itoa(limit))

	var out struct {
		Contacts []Contact `json:"contacts"`
	}
	if err := c.do(ctx, "search_contacts", http.MethodGet, "/contacts/?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return out.Contacts, nil
}

// FreeSlots returns the free slot start times of a calendar in [start, end).
func (c *Client) FreeSlots(ctx context.Context, calendarID string, start, end time.Time, timezone string) ([]time.Time, error) {
	q := url.Values{}
	q.Set("startDate", strconv.FormatInt(start.UnixMilli(), 10))
	q.Set("endDate", strconv.FormatInt(end.UnixMilli(), 10))
	if timezone != "" {
		q.Set("timezone", timezone)
	}

	var raw map[string]json.RawMessage
	path := "/calendars/" + url.PathEscape(calendarID) + "/free-slots?" + q.Encode()
	if err := c.do(ctx, "free_slots", http.MethodGet, path, nil, &raw); err != nil {
		return nil, err
	}

	// The response is keyed by date; other top-level keys such as traceId
	// are not slot objects and are skipped.
	var slots []time.Time
	for key, v := range raw {
		var day struct {
			Slots []string `json:"slots"`
		}
		if err := json.Unmarshal(v, &day); err != nil {
			continue
		}
		for _, s := range day.Slots {
			t, err := time.Parse(time.RFC3339, s)
			if err != nil {
				c.logger.Debug("skipping unparseable slot", zap.String("date", key), zap.String("slot", s))
				continue
			}
			slots = append(slots, t)
		}
	}
	return slots, nil
}

// AppointmentRequest creates a calendar event.
type AppointmentRequest struct {
	CalendarID     string
	ContactID      string
	AssignedUserID string
	Title          string
	Notes          string
	Start          time.Time
	End            time.Time
}

// Appointment is the created calendar event.
type Appointment struct {
	ID     string `json:"id"`
	Status string `json:"appointmentStatus"`
}

// CreateAppointment books a calendar event.
func (c *Client) CreateAppointment(ctx context.Context, req AppointmentRequest) (*Appointment, error) {
	body := map[string]string{
		"calendarId":        req.CalendarID,
		"locationId":        c.cfg.LocationID,
		"contactId":         req.ContactID,
		"startTime":         req.Start.Format(time.RFC3339),
		"endTime":           req.End.Format(time.RFC3339),
		"title":             req.Title,
		"appointmentStatus": "confirmed",
	}
	if req.AssignedUserID != "" {
		body["assignedUserId"] = req.AssignedUserID
	}
	if req.Notes != "" {
		body["notes"] = req.Notes
	}

	var out struct {
		Appointment
		Event *Appointment `json:"event"`
	}
	if err := c.do(ctx, "create_appointment", http.MethodPost, "/calendars/events/appointments", body, &out); err != nil {
		return nil, err
	}
	appt := out.Appointment
	if appt.ID == "" && out.Event != nil {
		appt = *out.Event
	}
	if appt.ID == "" {
		return nil, &APIError{Operation: "create_appointment", StatusCode: http.StatusOK, Body: "response carried no event id"}
	}
	return &appt, nil
}

func (c *Client) newBackOff(ctx context.Context) backoff.BackOffContext {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.InitialBackoff
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, c.cfg.MaxRetries), ctx)
}

// do sends one request with retries. Network errors and 5xx responses are
// retried; 4xx responses and decoding failures are not.
func (c *Client) do(ctx context.Context, op, method, path string, in, out any) error {
	var payload []byte
	if in != nil {
		var err error
		if payload, err = json.Marshal(in); err != nil {
			return fmt.Errorf("failed to encode %s request: %w", op, err)
		}
	}

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		if attempt > 1 {
			metrics.OutboundRetries.WithLabelValues(op).Inc()
		}

		req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, bytes.NewReader(payload))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
		req.Header.Set("Version", c.cfg.APIVersion)
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			metrics.OutboundRequests.WithLabelValues(op, "error").Inc()
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			c.logger.Warn("crm request failed", zap.String("operation", op), zap.Int("attempt", attempt), zap.Error(err))
			return err
		}
		defer resp.Body.Close()

		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		metrics.OutboundRequests.WithLabelValues(op, strconv.Itoa(resp.StatusCode)).Inc()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			apiErr := &APIError{Operation: op, StatusCode: resp.StatusCode, Body: truncate(string(data), 512)}
			if apiErr.Retryable() {
				c.logger.Warn("crm server error", zap.String("operation", op), zap.Int("attempt", attempt), zap.Int("status", resp.StatusCode))
				return apiErr
			}
			return backoff.Permanent(apiErr)
		}

		if out != nil && len(bytes.TrimSpace(data)) > 0 {
			if err := json.Unmarshal(data, out); err != nil {
				return backoff.Permanent(fmt.Errorf("failed to decode %s response: %w", op, err))
			}
		}
		return nil
	}, c.newBackOff(ctx))
	if err != nil {
		var apiErr *APIError
		if !errors.As(err, &apiErr) {
			err = fmt.Errorf("crm %s: %w", op, err)
		}
		return err
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
