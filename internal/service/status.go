package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/capitalize-ai/lead-scheduler/internal/model"
	"github.com/capitalize-ai/lead-scheduler/internal/store"
	"github.com/capitalize-ai/lead-scheduler/pkg/logger"
)

// EventReader reads back published analytics.
type EventReader interface {
	RecentEvents(ctx context.Context, accountID, contactID string, limit int) ([]model.AnalyticsEvent, error)
}

// AppointmentStatus is the scheduling view of one contact.
type AppointmentStatus struct {
	ContactID     string                     `json:"contact_id"`
	AccountID     string                     `json:"account_id"`
	LeadScore     int                        `json:"lead_score"`
	Preferences   map[string]string          `json:"preferences,omitempty"`
	Pending       *model.PendingSelection    `json:"pending_selection,omitempty"`
	LastBookingID string                     `json:"last_booking_id,omitempty"`
	Bookings      []model.AppointmentBooking `json:"bookings"`
	Turns         int                        `json:"turns"`
}

// Status answers operator queries about contacts.
type Status struct {
	contexts store.ContextStore
	bookings store.BookingRepository
	events   EventReader
	logger   *logger.Logger
}

// NewStatus creates the status service. events may be nil.
func NewStatus(contexts store.ContextStore, bookings store.BookingRepository, events EventReader, log *logger.Logger) *Status {
	return &Status{contexts: contexts, bookings: bookings, events: events, logger: log.Named("status")}
}

// Appointment returns the contact's stored scheduling state. A contact the
// service has never seen yields store.ErrNotFound.
func (s *Status) Appointment(ctx context.Context, accountID, contactID string) (*AppointmentStatus, error) {
	c, err := s.contexts.Get(ctx, accountID, contactID)
	if err != nil {
		return nil, err
	}

	st := &AppointmentStatus{
		ContactID:     contactID,
		AccountID:     accountID,
		LeadScore:     c.Qualification.Score,
		Preferences:   c.Qualification.Preferences,
		Pending:       c.Pending,
		LastBookingID: c.LastBookingID,
		Turns:         len(c.Turns),
	}

	bookings, err := s.bookings.ListBookings(ctx, contactID)
	if err != nil {
		s.logger.Warn("failed to list bookings", zap.String("contact_id", contactID), zap.Error(err))
	}
	st.Bookings = bookings
	if st.Bookings == nil {
		st.Bookings = []model.AppointmentBooking{}
	}
	return st, nil
}

// Bookings lists the bookings of a contact.
func (s *Status) Bookings(ctx context.Context, contactID string) ([]model.AppointmentBooking, error) {
	out, err := s.bookings.ListBookings(ctx, contactID)
	if err != nil {
		return nil, fmt.Errorf("failed to list bookings: %w", err)
	}
	if out == nil {
		out = []model.AppointmentBooking{}
	}
	return out, nil
}

// ErrEventsUnavailable is returned when no analytics stream is configured.
var ErrEventsUnavailable = errors.New("analytics stream not configured")

// Events returns recent analytics events of a contact.
func (s *Status) Events(ctx context.Context, accountID, contactID string, limit int) ([]model.AnalyticsEvent, error) {
	if s.events == nil {
		return nil, ErrEventsUnavailable
	}
	out, err := s.events.RecentEvents(ctx, accountID, contactID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to read events: %w", err)
	}
	if out == nil {
		out = []model.AnalyticsEvent{}
	}
	return out, nil
}
