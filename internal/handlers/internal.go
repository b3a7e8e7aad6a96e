package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/craftmarket/api/internal/platform/httpx"
	"github.com/craftmarket/api/internal/services"
)

// InternalHandlers serves the endpoints reserved for scheduled callers. The
// caller guard (OIDC or shared-secret HMAC) is mounted as group middleware by
// the router, not here.
type InternalHandlers struct {
	subscriptions services.SubscriptionService
	clock         func() time.Time
}

// NewInternalHandlers constructs a new InternalHandlers instance.
func NewInternalHandlers(subscriptions services.SubscriptionService, clock func() time.Time) *InternalHandlers {
	if clock == nil {
		clock = time.Now
	}
	return &InternalHandlers{
		subscriptions: subscriptions,
		clock:         clock,
	}
}

// Routes registers the /internal endpoints.
func (h *InternalHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/subscriptions/check", h.checkSubscriptions)
}

// checkSubscriptions runs the daily billing sweep. Invoked by the scheduler.
func (h *InternalHandlers) checkSubscriptions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.subscriptions == nil {
		httpx.WriteError(ctx, w, httpx.NewError("subscription_service_unavailable", "subscription service unavailable", http.StatusServiceUnavailable))
		return
	}

	summary, err := h.subscriptions.CheckSubscriptions(ctx, h.clock().UTC())
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("sweep_failed", "subscription sweep failed", http.StatusInternalServerError))
		return
	}

	writeJSONResponse(w, http.StatusOK, map[string]any{
		"scanned":   summary.Scanned,
		"suspended": summary.Suspended,
		"finished":  summary.Finished,
		"failed":    summary.Failed,
	})
}
