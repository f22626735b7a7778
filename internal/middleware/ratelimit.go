package middleware

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/httprate"
)

// MaxWebhookBody bounds webhook payloads.
const MaxWebhookBody = 1 << 20

func limitExceeded(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Retry-After", "60")
	w.WriteHeader(http.StatusTooManyRequests)
	_, _ = w.Write([]byte(`{"error":"rate limit exceeded","retry_after":60}`))
}

// RateLimit limits admin requests per token account, or per IP when
// unauthenticated.
func RateLimit(requestLimit int, windowLength time.Duration) func(http.Handler) http.Handler {
	return httprate.Limit(
		requestLimit,
		windowLength,
		httprate.WithKeyFuncs(func(r *http.Request) (string, error) {
			if accountID := GetAccountID(r.Context()); accountID != "" {
				return "account:" + accountID, nil
			}
			return httprate.KeyByIP(r)
		}),
		httprate.WithLimitHandler(limitExceeded),
	)
}

// WebhookRateLimit limits webhook calls per CRM location. The location is
// read from the payload and the body is restored for the handler.
func WebhookRateLimit(requestLimit int, windowLength time.Duration) func(http.Handler) http.Handler {
	return httprate.Limit(
		requestLimit,
		windowLength,
		httprate.WithKeyFuncs(webhookAccountKey),
		httprate.WithLimitHandler(limitExceeded),
	)
}

func webhookAccountKey(r *http.Request) (string, error) {
	if r.Body == nil {
		return httprate.KeyByIP(r)
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, MaxWebhookBody+1))
	_ = r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(body))
	if err != nil {
		return httprate.KeyByIP(r)
	}

	var ids struct {
		LocationID string `json:"locationId"`
		Location   struct {
			ID string `json:"id"`
		} `json:"location"`
	}
	if json.Unmarshal(body, &ids) == nil {
		if ids.LocationID != "" {
			return "account:" + ids.LocationID, nil
		}
		if ids.Location.ID != "" {
			return "account:" + ids.Location.ID, nil
		}
	}
	return httprate.KeyByIP(r)
}
