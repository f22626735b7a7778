// Package store persists per-contact conversation state and confirmed bookings.
package store

import (
	"context"
	"errors"
	"sync"

	"github.com/capitalize-ai/lead-scheduler/internal/model"
)

// ErrNotFound is returned when no record exists.
var ErrNotFound = errors.New("not found")

// ContextStore loads and saves ContactContext values.
type ContextStore interface {
	Get(ctx context.Context, accountID, contactID string) (*model.ContactContext, error)
	Put(ctx context.Context, c *model.ContactContext) error
}

// BookingRepository records confirmed bookings.
type BookingRepository interface {
	SaveBooking(ctx context.Context, b *model.AppointmentBooking) error
	ListBookings(ctx context.Context, contactID string) ([]model.AppointmentBooking, error)
}

// MemoryContextStore keeps contexts in process memory. Values are cloned on
// the way in and out so callers never share mutable state.
type MemoryContextStore struct {
	mu   sync.RWMutex
	data map[string]*model.ContactContext
}

// NewMemoryContextStore creates an empty store.
func NewMemoryContextStore() *MemoryContextStore {
	return &MemoryContextStore{data: make(map[string]*model.ContactContext)}
}

func contextKey(accountID, contactID string) string {
	return accountID + "/" + contactID
}

// Get implements ContextStore.
func (s *MemoryContextStore) Get(_ context.Context, accountID, contactID string) (*model.ContactContext, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.data[contextKey(accountID, contactID)]
	if !ok {
		return nil, ErrNotFound
	}
	return c.Clone(), nil
}

// Put implements ContextStore.
func (s *MemoryContextStore) Put(_ context.Context, c *model.ContactContext) error {
	if c == nil || c.ContactID == "" {
		return errors.New("context without contact id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[contextKey(c.AccountID, c.ContactID)] = c.Clone()
	return nil
}

// MemoryBookingStore keeps bookings in process memory.
type MemoryBookingStore struct {
	mu       sync.RWMutex
	bookings map[string][]model.AppointmentBooking
}

// NewMemoryBookingStore creates an empty booking store.
func NewMemoryBookingStore() *MemoryBookingStore {
	return &MemoryBookingStore{bookings: make(map[string][]model.AppointmentBooking)}
}

// SaveBooking implements BookingRepository.
func (s *MemoryBookingStore) SaveBooking(_ context.Context, b *model.AppointmentBooking) error {
	if b == nil {
		return errors.New("nil booking")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bookings[b.ContactID] = append(s.bookings[b.ContactID], *b)
	return nil
}

// ListBookings implements BookingRepository.
func (s *MemoryBookingStore) ListBookings(_ context.Context, contactID string) ([]model.AppointmentBooking, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]model.AppointmentBooking(nil), s.bookings[contactID]...), nil
}
