package handler

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/capitalize-ai/lead-scheduler/internal/batch"
	"github.com/capitalize-ai/lead-scheduler/internal/coalescer"
	"github.com/capitalize-ai/lead-scheduler/internal/crm"
	"github.com/capitalize-ai/lead-scheduler/internal/middleware"
	"github.com/capitalize-ai/lead-scheduler/internal/model"
	"github.com/capitalize-ai/lead-scheduler/internal/service"
	"github.com/capitalize-ai/lead-scheduler/internal/store"
	"github.com/capitalize-ai/lead-scheduler/pkg/logger"
)

// StatusReader answers per-contact queries.
type StatusReader interface {
	Appointment(ctx context.Context, accountID, contactID string) (*service.AppointmentStatus, error)
	Bookings(ctx context.Context, contactID string) ([]model.AppointmentBooking, error)
	Events(ctx context.Context, accountID, contactID string, limit int) ([]model.AnalyticsEvent, error)
}

// StatsSource exposes intake internals.
type StatsSource interface {
	BatchStats() (batch.Stats, bool)
	CoalescerStats() coalescer.Stats
}

// ContactSearcher looks contacts up in the CRM.
type ContactSearcher interface {
	SearchContacts(ctx context.Context, query string, limit int) ([]crm.Contact, error)
}

// AdminHandler serves the operator API.
type AdminHandler struct {
	status         StatusReader
	stats          StatsSource
	contacts       ContactSearcher
	defaultAccount string
	logger         *logger.Logger
}

// NewAdminHandler creates a new admin handler. contacts may be nil.
func NewAdminHandler(status StatusReader, stats StatsSource, contacts ContactSearcher, defaultAccount string, log *logger.Logger) *AdminHandler {
	return &AdminHandler{
		status:         status,
		stats:          stats,
		contacts:       contacts,
		defaultAccount: defaultAccount,
		logger:         log.Named("admin"),
	}
}

// Routes mounts the admin endpoints.
func (h *AdminHandler) Routes(r chi.Router) {
	r.Get("/contacts", h.SearchContacts)
	r.Get("/contacts/{contactID}/appointment", h.Appointment)
	r.Get("/contacts/{contactID}/bookings", h.Bookings)
	r.Get("/contacts/{contactID}/events", h.Events)
	r.Get("/batches", h.Batches)
	r.Get("/coalescer", h.Coalescer)
}

// account resolves the account for a request. A token bound to one account
// cannot read another.
func (h *AdminHandler) account(w http.ResponseWriter, r *http.Request) (string, bool) {
	tokenAccount := middleware.GetAccountID(r.Context())
	account := r.URL.Query().Get("location_id")
	switch {
	case account == "" && tokenAccount != "":
		account = tokenAccount
	case account == "":
		account = h.defaultAccount
	case tokenAccount != "" && account != tokenAccount:
		writeError(w, http.StatusForbidden, "account not permitted")
		return "", false
	}
	if err := middleware.ValidateID("location id", account); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return "", false
	}
	return account, true
}

func contactParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := chi.URLParam(r, "contactID")
	if err := middleware.ValidateID("contact id", id); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return "", false
	}
	return id, true
}

// Appointment handles GET /api/v1/contacts/{contactID}/appointment
func (h *AdminHandler) Appointment(w http.ResponseWriter, r *http.Request) {
	account, ok := h.account(w, r)
	if !ok {
		return
	}
	contactID, ok := contactParam(w, r)
	if !ok {
		return
	}

	st, err := h.status.Appointment(r.Context(), account, contactID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "contact not found")
		return
	}
	if err != nil {
		h.logger.Error("failed to load appointment status", zap.String("contact_id", contactID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load appointment status")
		return
	}

	writeJSON(w, http.StatusOK, st)
}

// Bookings handles GET /api/v1/contacts/{contactID}/bookings
func (h *AdminHandler) Bookings(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.account(w, r); !ok {
		return
	}
	contactID, ok := contactParam(w, r)
	if !ok {
		return
	}

	bookings, err := h.status.Bookings(r.Context(), contactID)
	if err != nil {
		h.logger.Error("failed to list bookings", zap.String("contact_id", contactID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list bookings")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"bookings": bookings,
	})
}

// Events handles GET /api/v1/contacts/{contactID}/events
func (h *AdminHandler) Events(w http.ResponseWriter, r *http.Request) {
	account, ok := h.account(w, r)
	if !ok {
		return
	}
	contactID, ok := contactParam(w, r)
	if !ok {
		return
	}
	limit := queryInt(r, "limit", 20, 200)

	events, err := h.status.Events(r.Context(), account, contactID, limit)
	if errors.Is(err, service.ErrEventsUnavailable) {
		writeError(w, http.StatusNotImplemented, err.Error())
		return
	}
	if err != nil {
		h.logger.Error("failed to read events", zap.String("contact_id", contactID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to read events")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"events": events,
	})
}

// SearchContacts handles GET /api/v1/contacts?query=
func (h *AdminHandler) SearchContacts(w http.ResponseWriter, r *http.Request) {
	if h.contacts == nil {
		writeError(w, http.StatusNotImplemented, "contact search not configured")
		return
	}
	query := strings.TrimSpace(r.URL.Query().Get("query"))
	if query == "" {
		writeError(w, http.StatusBadRequest, "query is required")
		return
	}
	limit := queryInt(r, "limit", 20, 100)

	contacts, err := h.contacts.SearchContacts(r.Context(), query, limit)
	if err != nil {
		h.logger.Error("contact search failed", zap.Error(err))
		writeError(w, http.StatusBadGateway, "contact search failed")
		return
	}
	if contacts == nil {
		contacts = []crm.Contact{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"contacts": contacts,
	})
}

// Batches handles GET /api/v1/batches
func (h *AdminHandler) Batches(w http.ResponseWriter, r *http.Request) {
	stats, ok := h.stats.BatchStats()
	if !ok {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"enabled": false,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"enabled": true,
		"stats":   stats,
	})
}

// Coalescer handles GET /api/v1/coalescer
func (h *AdminHandler) Coalescer(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.stats.CoalescerStats())
}
