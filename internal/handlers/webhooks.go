package handlers

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/craftmarket/api/internal/platform/httpx"
	"github.com/craftmarket/api/internal/services"
)

const maxWebhookBodySize = 1 << 20

// WebhookHandlers receives asynchronous provider callbacks and forwards them
// to the webhook router. Verification and idempotency live in the service;
// the handler only shapes transport.
type WebhookHandlers struct {
	webhooks services.WebhookService
	limiter  rateLimiter
}

// NewWebhookHandlers constructs a new WebhookHandlers instance.
func NewWebhookHandlers(webhooks services.WebhookService) *WebhookHandlers {
	return &WebhookHandlers{
		webhooks: webhooks,
		limiter:  newSimpleRateLimiter(120, time.Minute, nil),
	}
}

// Routes registers the /webhooks endpoints.
func (h *WebhookHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/{supplier}", h.handleProviderEvent)
}

func (h *WebhookHandlers) handleProviderEvent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.webhooks == nil {
		httpx.WriteError(ctx, w, httpx.NewError("webhook_service_unavailable", "webhook service unavailable", http.StatusServiceUnavailable))
		return
	}

	supplier := strings.ToLower(strings.TrimSpace(chi.URLParam(r, "supplier")))
	if supplier == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "supplier is required", http.StatusBadRequest))
		return
	}

	if h.limiter != nil && !h.limiter.Allow(supplier+"|"+r.RemoteAddr) {
		httpx.WriteError(ctx, w, httpx.NewError("rate_limited", "too many webhook deliveries", http.StatusTooManyRequests))
		return
	}

	payload, err := readLimitedBody(r, maxWebhookBodySize)
	if err != nil {
		if errors.Is(err, errBodyTooLarge) {
			httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "request body exceeds allowed size", http.StatusRequestEntityTooLarge))
		} else {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		}
		return
	}

	headers := make(map[string]string, len(r.Header))
	for name := range r.Header {
		headers[name] = r.Header.Get(name)
	}

	result, err := h.webhooks.HandleProviderEvent(ctx, services.ProviderEventCommand{
		Supplier: supplier,
		Payload:  payload,
		Headers:  headers,
	})
	if err != nil {
		if errors.Is(err, services.ErrWebhookRejected) {
			httpx.WriteError(ctx, w, httpx.NewError("webhook_rejected", "event verification failed", http.StatusUnauthorized))
			return
		}
		httpx.WriteError(ctx, w, httpx.NewError("webhook_error", "failed to process event", http.StatusInternalServerError))
		return
	}

	ack := result.Ack
	if ack == nil {
		ack = map[string]any{"received": true}
	}
	writeJSONResponse(w, http.StatusOK, ack)
}
