package handler

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/capitalize-ai/lead-scheduler/internal/middleware"
	"github.com/capitalize-ai/lead-scheduler/internal/model"
	"github.com/capitalize-ai/lead-scheduler/pkg/logger"
)

// WebhookService processes normalized webhook events.
type WebhookService interface {
	HandleWebhook(ctx context.Context, ev model.WebhookEvent) (model.Response, error)
}

// WebhookHandler handles inbound CRM webhooks.
type WebhookHandler struct {
	service        WebhookService
	defaultAccount string
	now            func() time.Time
	logger         *logger.Logger
}

// NewWebhookHandler creates a new webhook handler. defaultAccount fills in
// payloads without a location id.
func NewWebhookHandler(svc WebhookService, defaultAccount string, log *logger.Logger) *WebhookHandler {
	return &WebhookHandler{
		service:        svc,
		defaultAccount: defaultAccount,
		now:            time.Now,
		logger:         log.Named("webhook"),
	}
}

// Handle handles POST /webhook
func (h *WebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, middleware.MaxWebhookBody))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	id := middleware.GetCorrelationID(r.Context())
	if id == "" {
		id = uuid.New().String()
	}

	ev, err := ParseWebhook(data, id, h.defaultAccount, h.now())
	if err != nil {
		h.logger.Debug("rejected webhook", zap.String("correlation_id", id), zap.Error(err))
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	resp, err := h.service.HandleWebhook(r.Context(), ev)
	if err != nil {
		h.logger.WithContact(id, ev.AccountID, ev.ContactID).Error("webhook processing failed", zap.Error(err))
		if errors.Is(err, context.DeadlineExceeded) {
			writeError(w, http.StatusGatewayTimeout, "processing timed out")
			return
		}
		writeError(w, http.StatusServiceUnavailable, "processing unavailable")
		return
	}

	writeJSON(w, http.StatusOK, resp)
}
