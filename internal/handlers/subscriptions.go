package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	domain "github.com/craftmarket/api/internal/domain"
	"github.com/craftmarket/api/internal/platform/auth"
	"github.com/craftmarket/api/internal/platform/httpx"
	"github.com/craftmarket/api/internal/services"
)

const (
	defaultSubscriptionPageSize = 20
	maxSubscriptionPageSize     = 100
)

// SubscriptionHandlers exposes the user-facing subscription endpoints. All
// routes require a signed-in user; the actor driving a suspend or reactivate
// is always the session user.
type SubscriptionHandlers struct {
	authn         *auth.Authenticator
	subscriptions services.SubscriptionService
}

// NewSubscriptionHandlers constructs a new SubscriptionHandlers instance.
func NewSubscriptionHandlers(authn *auth.Authenticator, subscriptions services.SubscriptionService) *SubscriptionHandlers {
	return &SubscriptionHandlers{
		authn:         authn,
		subscriptions: subscriptions,
	}
}

// Routes registers the /subscriptions endpoints.
func (h *SubscriptionHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireFirebaseAuth())
	}
	r.Get("/", h.listSubscriptions)
	r.Get("/{subscriptionID}", h.getSubscription)
	r.Post("/{subscriptionID}/suspend", h.suspendSubscription)
	r.Post("/{subscriptionID}/reactivate", h.reactivateSubscription)
}

func (h *SubscriptionHandlers) listSubscriptions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireSessionUser(ctx, w, h.subscriptions != nil)
	if !ok {
		return
	}

	query := r.URL.Query()

	var statuses []domain.SubscriptionStatus
	for _, raw := range query["status"] {
		status, valid := parseSubscriptionStatus(raw)
		if !valid {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "status filter is not a valid subscription status", http.StatusBadRequest))
			return
		}
		statuses = append(statuses, status)
	}

	pageSize := defaultSubscriptionPageSize
	if sizeRaw := strings.TrimSpace(query.Get("page_size")); sizeRaw != "" {
		size, err := strconv.Atoi(sizeRaw)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "page_size must be an integer", http.StatusBadRequest))
			return
		}
		switch {
		case size <= 0:
			pageSize = defaultSubscriptionPageSize
		case size > maxSubscriptionPageSize:
			pageSize = maxSubscriptionPageSize
		default:
			pageSize = size
		}
	}

	filter := services.SubscriptionListFilter{
		Status: statuses,
		Pagination: services.Pagination{
			PageSize:  pageSize,
			PageToken: strings.TrimSpace(query.Get("page_token")),
		},
	}

	page, err := h.subscriptions.ListSubscriptions(ctx, identity.UID, filter)
	if err != nil {
		writeSubscriptionError(ctx, w, err)
		return
	}

	items := make([]subscriptionPayload, 0, len(page.Items))
	for _, sub := range page.Items {
		items = append(items, buildSubscriptionPayload(sub))
	}

	writeJSONResponse(w, http.StatusOK, subscriptionListResponse{
		Items:         items,
		NextPageToken: strings.TrimSpace(page.NextPageToken),
	})
}

func (h *SubscriptionHandlers) getSubscription(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireSessionUser(ctx, w, h.subscriptions != nil)
	if !ok {
		return
	}

	subscriptionID := strings.TrimSpace(chi.URLParam(r, "subscriptionID"))
	if subscriptionID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "subscription id is required", http.StatusBadRequest))
		return
	}

	subscription, err := h.subscriptions.GetSubscription(ctx, services.GetSubscriptionCommand{
		SubscriptionID: subscriptionID,
		UserID:         identity.UID,
	})
	if err != nil {
		writeSubscriptionError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, subscriptionResponse{Subscription: buildSubscriptionPayload(subscription)})
}

func (h *SubscriptionHandlers) suspendSubscription(w http.ResponseWriter, r *http.Request) {
	if h.subscriptions == nil {
		httpx.WriteError(r.Context(), w, httpx.NewError("subscription_service_unavailable", "subscription service unavailable", http.StatusServiceUnavailable))
		return
	}
	h.lifecycleAction(w, r, h.subscriptions.Suspend)
}

func (h *SubscriptionHandlers) reactivateSubscription(w http.ResponseWriter, r *http.Request) {
	if h.subscriptions == nil {
		httpx.WriteError(r.Context(), w, httpx.NewError("subscription_service_unavailable", "subscription service unavailable", http.StatusServiceUnavailable))
		return
	}
	h.lifecycleAction(w, r, h.subscriptions.Reactivate)
}

func (h *SubscriptionHandlers) lifecycleAction(w http.ResponseWriter, r *http.Request, action func(context.Context, services.SuspendSubscriptionCommand) (services.SubscriptionActionResult, error)) {
	ctx := r.Context()
	identity, ok := requireSessionUser(ctx, w, h.subscriptions != nil)
	if !ok {
		return
	}

	subscriptionID := strings.TrimSpace(chi.URLParam(r, "subscriptionID"))
	if subscriptionID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "subscription id is required", http.StatusBadRequest))
		return
	}

	result, err := action(ctx, services.SuspendSubscriptionCommand{
		SubscriptionID: subscriptionID,
		ActorID:        identity.UID,
		ActorType:      "user",
	})
	if err != nil {
		writeSubscriptionError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, subscriptionActionResponse{
		Success:      result.Success,
		Subscription: buildSubscriptionPayload(result.Subscription),
	})
}

func requireSessionUser(ctx context.Context, w http.ResponseWriter, serviceReady bool) (*auth.Identity, bool) {
	if !serviceReady {
		httpx.WriteError(ctx, w, httpx.NewError("subscription_service_unavailable", "subscription service unavailable", http.StatusServiceUnavailable))
		return nil, false
	}
	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return nil, false
	}
	return identity, true
}

// Response payloads ----------------------------------------------------------

type subscriptionListResponse struct {
	Items         []subscriptionPayload `json:"items"`
	NextPageToken string                `json:"next_page_token,omitempty"`
}

type subscriptionResponse struct {
	Subscription subscriptionPayload `json:"subscription"`
}

type subscriptionActionResponse struct {
	Success      bool                `json:"success"`
	Subscription subscriptionPayload `json:"subscription"`
}

type subscriptionPayload struct {
	ID           string                     `json:"id"`
	OrderID      string                     `json:"order_id"`
	ProductRef   string                     `json:"product_ref,omitempty"`
	Status       string                     `json:"status"`
	Period       string                     `json:"period"`
	Duration     int                        `json:"duration"`
	Cycles       int                        `json:"cycles,omitempty"`
	CyclesBilled int                        `json:"cycles_billed"`
	Price        float64                    `json:"price"`
	Currency     string                     `json:"currency"`
	Supplier     string                     `json:"supplier,omitempty"`
	Dates        subscriptionDatesPayload   `json:"dates"`
	History      []subscriptionEventPayload `json:"history,omitempty"`
	CreatedAt    string                     `json:"created_at"`
	UpdatedAt    string                     `json:"updated_at,omitempty"`
}

type subscriptionDatesPayload struct {
	Start      string `json:"start,omitempty"`
	NextCharge string `json:"next_charge,omitempty"`
	End        string `json:"end,omitempty"`
}

type subscriptionEventPayload struct {
	Action string `json:"action"`
	Actor  string `json:"actor,omitempty"`
	At     string `json:"at"`
}

func buildSubscriptionPayload(sub services.Subscription) subscriptionPayload {
	payload := subscriptionPayload{
		ID:           sub.ID,
		OrderID:      sub.OrderID,
		ProductRef:   sub.ProductRef,
		Status:       string(sub.Status),
		Period:       string(sub.Period),
		Duration:     sub.Duration,
		Cycles:       sub.Cycles,
		CyclesBilled: sub.CyclesBilled,
		Price:        sub.Price,
		Currency:     strings.ToUpper(strings.TrimSpace(sub.Currency)),
		Supplier:     sub.Supplier,
		Dates: subscriptionDatesPayload{
			Start:      formatTime(sub.Dates.Start),
			NextCharge: formatTime(sub.Dates.NextCharge),
			End:        formatTime(sub.Dates.End),
		},
		CreatedAt: formatTime(sub.CreatedAt),
		UpdatedAt: formatTime(sub.UpdatedAt),
	}

	for _, event := range sub.History {
		payload.History = append(payload.History, subscriptionEventPayload{
			Action: event.Action,
			Actor:  event.Actor,
			At:     formatTime(event.At),
		})
	}

	return payload
}

func writeSubscriptionError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, services.ErrSubscriptionInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrSubscriptionNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("subscription_not_found", "subscription not found", http.StatusNotFound))
	case errors.Is(err, services.ErrSubscriptionForbidden):
		httpx.WriteError(ctx, w, httpx.NewError("subscription_not_found", "subscription not found", http.StatusNotFound))
	case errors.Is(err, services.ErrSubscriptionInvalidState):
		httpx.WriteError(ctx, w, httpx.NewError("subscription_invalid_state", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrSubscriptionProvider):
		httpx.WriteError(ctx, w, httpx.NewError("subscription_provider_error", "provider rejected the change", http.StatusBadGateway))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("subscription_error", "failed to process subscription request", http.StatusInternalServerError))
	}
}

func parseSubscriptionStatus(raw string) (domain.SubscriptionStatus, bool) {
	status := domain.SubscriptionStatus(strings.ToLower(strings.TrimSpace(raw)))
	switch status {
	case domain.SubscriptionStatusInactive,
		domain.SubscriptionStatusAgreed,
		domain.SubscriptionStatusActive,
		domain.SubscriptionStatusSuspended,
		domain.SubscriptionStatusStopped,
		domain.SubscriptionStatusFinished:
		return status, true
	}
	return "", false
}
