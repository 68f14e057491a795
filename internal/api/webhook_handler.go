package api

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/transfa/payout-service/internal/app"
)

const (
	signatureHeader     = "X-Signature-SHA256"
	maxWebhookBodyBytes = 1 << 20
)

// WebhookProcessor applies one verified-or-not provider callback.
type WebhookProcessor interface {
	HandleWebhook(ctx context.Context, rawBody []byte, signature string) app.WebhookOutcome
}

// WebhookHandlers answers provider callbacks. Providers only need to know the delivery
// arrived, so every POST is acknowledged with 200 regardless of outcome.
type WebhookHandlers struct {
	processor WebhookProcessor
	timeout   time.Duration
	logger    *slog.Logger
}

func NewWebhookHandlers(processor WebhookProcessor, timeout time.Duration, logger *slog.Logger) *WebhookHandlers {
	if timeout <= 0 {
		timeout = 4 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookHandlers{processor: processor, timeout: timeout, logger: logger.With("component", "webhook_api")}
}

// VerifyEndpointHandler handles GET /webhook, used by providers to check the URL.
func (h *WebhookHandlers) VerifyEndpointHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// ReceiveHandler handles POST /webhook.
func (h *WebhookHandlers) ReceiveHandler(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBodyBytes))
	if err != nil {
		h.logger.Warn("failed to read webhook body", "error", err)
		w.WriteHeader(http.StatusOK)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	outcome := h.processor.HandleWebhook(ctx, body, r.Header.Get(signatureHeader))
	if outcome.Kind == app.WebhookError {
		h.logger.Error("webhook processing failed", "provider_event_id", outcome.EventID, "error", outcome.Err)
	} else {
		h.logger.Debug("webhook handled", "provider_event_id", outcome.EventID, "outcome", outcome.Kind)
	}
	w.WriteHeader(http.StatusOK)
}
