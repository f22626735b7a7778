package crm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap/zaptest"

	"github.com/capitalize-ai/lead-scheduler/internal/model"
	"github.com/capitalize-ai/lead-scheduler/pkg/logger"
	"github.com/capitalize-ai/lead-scheduler/pkg/metrics"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(Config{
		BaseURL:        srv.URL,
		APIKey:         "test-key",
		LocationID:     "loc-1",
		MaxRetries:     2,
		InitialBackoff: time.Millisecond,
	}, logger.Wrap(zaptest.NewLogger(t)))
}

func TestDo_SetsHeaders(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("unexpected auth header %q", got)
		}
		if got := r.Header.Get("Version"); got != DefaultAPIVersion {
			t.Errorf("unexpected version header %q", got)
		}
		if r.URL.Path != "/conversations/messages" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["contactId"] != "c1" || body["type"] != "SMS" {
			t.Errorf("unexpected body %v", body)
		}
		w.WriteHeader(http.StatusOK)
	})

	if err := c.SendMessage(context.Background(), "c1", "hello", "SMS"); err != nil {
		t.Fatalf("send: %v", err)
	}
}

func TestDo_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	if err := c.AddTags(context.Background(), "c1", []string{"Hot"}); err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("expected 3 calls, got %d", calls.Load())
	}
}

func TestDo_GivesUpAfterMaxRetries(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	err := c.AddTags(context.Background(), "c1", []string{"Hot"})
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 APIError, got %v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("expected 1 attempt plus 2 retries, got %d", calls.Load())
	}
}

func TestDo_DoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusConflict)
		_, _ = io.WriteString(w, `{"message":"slot already booked"}`)
	})

	_, err := c.CreateAppointment(context.Background(), AppointmentRequest{CalendarID: "cal", ContactID: "c1"})
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 APIError, got %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("4xx must not be retried, got %d calls", calls.Load())
	}
}

func TestFreeSlots_ParsesDateKeyedResponse(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/calendars/cal-1/free-slots" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.URL.Query().Get("timezone") != "America/Los_Angeles" {
			t.Errorf("missing timezone query")
		}
		_, _ = io.WriteString(w, `{
			"2026-03-02": {"slots": ["2026-03-02T09:00:00-08:00", "2026-03-02T10:00:00-08:00"]},
			"2026-03-03": {"slots": ["2026-03-03T09:00:00-08:00", "not-a-time"]},
			"traceId": "abc"
		}`)
	})

	start := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	slots, err := c.FreeSlots(context.Background(), "cal-1", start, start.Add(48*time.Hour), "America/Los_Angeles")
	if err != nil {
		t.Fatalf("free slots: %v", err)
	}
	if len(slots) != 3 {
		t.Fatalf("expected 3 slots, got %d", len(slots))
	}
}

func TestCreateAppointment_ReadsNestedEvent(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["locationId"] != "loc-1" || body["appointmentStatus"] != "confirmed" {
			t.Errorf("unexpected body %v", body)
		}
		_, _ = io.WriteString(w, `{"event":{"id":"evt-9","appointmentStatus":"confirmed"}}`)
	})

	appt, err := c.CreateAppointment(context.Background(), AppointmentRequest{
		CalendarID: "cal", ContactID: "c1", Start: time.Now(), End: time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if appt.ID != "evt-9" {
		t.Fatalf("unexpected id %q", appt.ID)
	}
}

func TestApplyActions_ContinuesPastNonCriticalFailure(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		seen = append(seen, r.Method+" "+r.URL.Path)
		mu.Unlock()
		if strings.HasPrefix(r.URL.Path, "/workflows/") {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	report, err := c.ApplyActions(context.Background(), "c1", model.Actions{
		model.TriggerWorkflow{WorkflowID: "wf"},
		model.AddTag{Tag: "Auto-Booked"},
		model.SendMessage{Message: "hi", Channel: model.ChannelSMS},
	})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if len(report.Failed) != 1 || len(report.Applied) != 2 {
		t.Fatalf("unexpected report %+v", report)
	}
	if len(seen) != 3 {
		t.Fatalf("expected all three actions attempted, saw %v", seen)
	}
}

func TestApplyActions_StopsOnRemoveTagFailure(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.Method == http.MethodDelete {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	report, err := c.ApplyActions(context.Background(), "c1", model.Actions{
		model.RemoveTag{Tag: "Needs Qualifying"},
		model.AddTag{Tag: "AI-Off"},
		model.SendMessage{Message: "bye", Channel: model.ChannelSMS},
	})
	if !errors.Is(err, ErrCriticalAction) {
		t.Fatalf("expected ErrCriticalAction, got %v", err)
	}
	if report.Skipped != 2 || calls.Load() != 1 {
		t.Fatalf("expected later actions skipped, report %+v calls %d", report, calls.Load())
	}
}

func TestSearchContacts(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/contacts/" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		q := r.URL.Query()
		if q.Get("locationId") != "loc-1" || q.Get("query") != "dana" || q.Get("limit") != "20" {
			t.Errorf("unexpected query %s", r.URL.RawQuery)
		}
		_, _ = io.WriteString(w, `{"contacts":[{"id":"c-1","firstName":"Dana","tags":["Needs Qualifying"]}]}`)
	})

	got, err := c.SearchContacts(context.Background(), "dana", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 || got[0].ID != "c-1" || got[0].Tags[0] != "Needs Qualifying" {
		t.Errorf("unexpected contacts: %+v", got)
	}
}

func TestDo_CountsRetries(t *testing.T) {
	before := testutil.ToFloat64(metrics.OutboundRetries.WithLabelValues("get_contact"))

	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = io.WriteString(w, `{"contact":{"id":"c-1"}}`)
	})

	if _, err := c.GetContact(context.Background(), "c-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	after := testutil.ToFloat64(metrics.OutboundRetries.WithLabelValues("get_contact"))
	if after-before != 1 {
		t.Errorf("retries counted = %v, want 1", after-before)
	}
}
