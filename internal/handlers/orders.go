package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/microcosm-cc/bluemonday"

	domain "github.com/craftmarket/api/internal/domain"
	"github.com/craftmarket/api/internal/platform/auth"
	"github.com/craftmarket/api/internal/platform/httpx"
	"github.com/craftmarket/api/internal/platform/textutil"
	"github.com/craftmarket/api/internal/services"
)

const (
	defaultOrderPageSize = 20
	maxOrderPageSize     = 100
	maxOrderBodySize     = 64 * 1024
)

// orderTokens mints and verifies the guest order tokens checkout hands out.
type orderTokens interface {
	Issue(orderID string) (string, error)
	Verify(token string) (string, error)
}

// OrderHandlers exposes checkout negotiation, order reads and the payment
// endpoints. All endpoints serve guests holding an order token as well as
// signed-in users; listing requires a session.
type OrderHandlers struct {
	authn  *auth.Authenticator
	orders services.OrderService
	tokens orderTokens
}

// NewOrderHandlers constructs a new OrderHandlers instance.
func NewOrderHandlers(authn *auth.Authenticator, orders services.OrderService, tokens orderTokens) *OrderHandlers {
	return &OrderHandlers{
		authn:  authn,
		orders: orders,
		tokens: tokens,
	}
}

// Routes registers the /orders endpoints.
func (h *OrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.OptionalFirebaseAuth())
	}
	r.Post("/progress", h.progress)
	r.Get("/payment/result", h.paymentResult)
	r.Post("/payment/result", h.paymentResult)
	r.Get("/", h.listOrders)
	r.Get("/{orderID}", h.getOrder)
	r.Post("/{orderID}/cancel", h.cancelOrder)
	r.Post("/{orderID}/payment", h.startPayment)
}

type progressRequest struct {
	OrderID  string `json:"order_id"`
	CartID   string `json:"cart_id"`
	Currency string `json:"currency"`
	// LoggedOut tells the service the session user explicitly signed out
	// and must be detached from the working order.
	LoggedOut bool `json:"logged_out"`

	User           *inlineUserRequest     `json:"user"`
	InvoiceAddress *invoiceAddressPayload `json:"invoice_address"`
	DeliveryMethod *string                `json:"delivery_method"`
	PaymentMethod  *string                `json:"payment_method"`
	Confirmed      *bool                  `json:"confirmed"`
	Metadata       map[string]any         `json:"metadata"`
}

type inlineUserRequest struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
	Phone string `json:"phone"`
}

type progressResponse struct {
	Order     orderPayload               `json:"order"`
	Readiness readinessPayload           `json:"readiness"`
	Errors    []services.ValidationIssue `json:"errors,omitempty"`
	// IntakeConflict flags that the intake endpoint adjusted or rejected
	// the order and the differences are reflected in the returned items.
	IntakeConflict bool `json:"intake_conflict,omitempty"`
	// OrderToken lets guests keep acting on the order across requests.
	OrderToken string `json:"order_token,omitempty"`
}

type readinessPayload struct {
	Step    int    `json:"step"`
	Name    string `json:"name"`
	Success bool   `json:"success"`
}

func (h *OrderHandlers) progress(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}

	var req progressRequest
	if !h.decodeBody(w, r, &req) {
		return
	}

	identity := callerIdentity(r, h.tokens)
	identity.LoggedOut = req.LoggedOut

	cmd := services.ProgressCommand{
		OrderID:  strings.TrimSpace(req.OrderID),
		CartID:   strings.TrimSpace(req.CartID),
		Currency: strings.TrimSpace(req.Currency),
		Identity: identity,
		Input: services.ProgressInput{
			DeliveryMethod: req.DeliveryMethod,
			PaymentMethod:  req.PaymentMethod,
			Confirmed:      req.Confirmed,
			Metadata:       cloneMap(req.Metadata),
		},
	}
	if req.User != nil {
		cmd.Input.User = &services.InlineUserInput{
			ID:    strings.TrimSpace(req.User.ID),
			Email: strings.TrimSpace(req.User.Email),
			Name:  strings.TrimSpace(req.User.Name),
			Phone: strings.TrimSpace(req.User.Phone),
		}
	}
	if req.InvoiceAddress != nil {
		addr := req.InvoiceAddress.toDomain()
		cmd.Input.InvoiceAddress = &addr
	}

	result, err := h.orders.Progress(ctx, cmd)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	response := progressResponse{
		Order: buildOrderPayload(result.Order),
		Readiness: readinessPayload{
			Step:    result.Result.ID,
			Name:    result.Result.Name,
			Success: result.Result.Success,
		},
		Errors:         result.Errors,
		IntakeConflict: result.IntakeConflict,
	}

	// Guests get a token bound to the working order so follow-up calls
	// can find it without a session.
	if identity.SessionUserID == "" && h.tokens != nil {
		if token, err := h.tokens.Issue(result.Order.ID); err == nil {
			response.OrderToken = token
		}
	}

	writeJSONResponse(w, http.StatusOK, response)
}

func (h *OrderHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}

	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return
	}

	query := r.URL.Query()

	var statuses []domain.OrderStatus
	for _, raw := range query["status"] {
		status, ok := parseOrderStatus(raw)
		if !ok {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "status filter is not a valid order status", http.StatusBadRequest))
			return
		}
		statuses = append(statuses, status)
	}

	pageSize := defaultOrderPageSize
	if sizeRaw := strings.TrimSpace(query.Get("page_size")); sizeRaw != "" {
		size, err := strconv.Atoi(sizeRaw)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "page_size must be an integer", http.StatusBadRequest))
			return
		}
		switch {
		case size <= 0:
			pageSize = defaultOrderPageSize
		case size > maxOrderPageSize:
			pageSize = maxOrderPageSize
		default:
			pageSize = size
		}
	}

	filter := services.OrderListFilter{
		UserID: strings.TrimSpace(identity.UID),
		Status: statuses,
		Pagination: services.Pagination{
			PageSize:  pageSize,
			PageToken: strings.TrimSpace(query.Get("page_token")),
		},
	}

	page, err := h.orders.ListOrders(ctx, filter)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	items := make([]orderSummaryPayload, 0, len(page.Items))
	for _, order := range page.Items {
		items = append(items, buildOrderSummary(order))
	}

	writeJSONResponse(w, http.StatusOK, orderListResponse{
		Items:         items,
		NextPageToken: strings.TrimSpace(page.NextPageToken),
	})
}

func (h *OrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return
	}

	order, err := h.orders.GetOrder(ctx, services.GetOrderCommand{
		OrderID:  orderID,
		Identity: callerIdentity(r, h.tokens),
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

type cancelOrderRequest struct {
	Reason string `json:"reason"`
}

func (h *OrderHandlers) cancelOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return
	}

	var req cancelOrderRequest
	if !h.decodeBody(w, r, &req) {
		return
	}

	canceled, err := h.orders.Cancel(ctx, services.CancelOrderCommand{
		OrderID:  orderID,
		Identity: callerIdentity(r, h.tokens),
		Reason:   sanitizeUserText(req.Reason),
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(canceled)})
}

type startPaymentRequest struct {
	Supplier  string `json:"supplier"`
	ReturnURL string `json:"return_url"`
	CancelURL string `json:"cancel_url"`
}

type paymentInstructionResponse struct {
	Supplier    string       `json:"supplier"`
	RedirectURL string       `json:"redirect_url,omitempty"`
	ChargeToken string       `json:"charge_token,omitempty"`
	AgreementID string       `json:"agreement_id,omitempty"`
	Order       orderPayload `json:"order"`
}

func (h *OrderHandlers) startPayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return
	}

	var req startPaymentRequest
	if !h.decodeBody(w, r, &req) {
		return
	}

	instruction, err := h.orders.StartPayment(ctx, services.StartPaymentCommand{
		OrderID:   orderID,
		Supplier:  strings.TrimSpace(req.Supplier),
		Identity:  callerIdentity(r, h.tokens),
		ReturnURL: strings.TrimSpace(req.ReturnURL),
		CancelURL: strings.TrimSpace(req.CancelURL),
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, paymentInstructionResponse{
		Supplier:    instruction.Supplier,
		RedirectURL: instruction.RedirectURL,
		ChargeToken: instruction.ChargeToken,
		AgreementID: instruction.AgreementID,
		Order:       buildOrderPayload(instruction.Order),
	})
}

type paymentResultResponse struct {
	Success  bool         `json:"success"`
	Redirect string       `json:"redirect,omitempty"`
	Order    orderPayload `json:"order"`
}

// paymentResult lands the user returning from the provider. Redirect
// providers send the execution parameters as query values, so the endpoint
// accepts both GET and POST.
func (h *OrderHandlers) paymentResult(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}

	query := r.URL.Query()
	orderID := strings.TrimSpace(query.Get("order_id"))
	supplier := strings.TrimSpace(query.Get("supplier"))
	success := parseBoolParam(query.Get("success"), true)

	tokens := make(map[string]string)
	for key, values := range query {
		switch key {
		case "order_id", "supplier", "success":
			continue
		}
		if len(values) > 0 && strings.TrimSpace(values[0]) != "" {
			tokens[key] = strings.TrimSpace(values[0])
		}
	}

	if r.Method == http.MethodPost {
		var body struct {
			OrderID  string            `json:"order_id"`
			Supplier string            `json:"supplier"`
			Success  *bool             `json:"success"`
			Tokens   map[string]string `json:"tokens"`
		}
		if !h.decodeBody(w, r, &body) {
			return
		}
		if v := strings.TrimSpace(body.OrderID); v != "" {
			orderID = v
		}
		if v := strings.TrimSpace(body.Supplier); v != "" {
			supplier = v
		}
		if body.Success != nil {
			success = *body.Success
		}
		for key, value := range textutil.NormalizeStringMap(body.Tokens) {
			if value != "" {
				tokens[key] = value
			}
		}
	}

	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order_id is required", http.StatusBadRequest))
		return
	}

	result, err := h.orders.CompletePaymentReturn(ctx, services.PaymentReturnCommand{
		OrderID:  orderID,
		Supplier: supplier,
		Success:  success,
		Tokens:   tokens,
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	if result.Redirect != "" && r.Method == http.MethodGet {
		http.Redirect(w, r, result.Redirect, http.StatusFound)
		return
	}

	writeJSONResponse(w, http.StatusOK, paymentResultResponse{
		Success:  result.Success,
		Redirect: result.Redirect,
		Order:    buildOrderPayload(result.Order),
	})
}

func (h *OrderHandlers) decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	ctx := r.Context()
	body, err := readLimitedBody(r, maxOrderBodySize)
	if err != nil {
		if errors.Is(err, errBodyTooLarge) {
			httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "request body exceeds allowed size", http.StatusRequestEntityTooLarge))
		} else {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		}
		return false
	}
	if len(body) == 0 {
		return true
	}
	if err := json.Unmarshal(body, dst); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON body", http.StatusBadRequest))
		return false
	}
	return true
}

// Response payloads ----------------------------------------------------------

type orderListResponse struct {
	Items         []orderSummaryPayload `json:"items"`
	NextPageToken string                `json:"next_page_token,omitempty"`
}

type orderSummaryPayload struct {
	ID          string  `json:"id"`
	OrderNumber string  `json:"order_number,omitempty"`
	Status      string  `json:"status"`
	Currency    string  `json:"currency"`
	Total       float64 `json:"total"`
	CreatedAt   string  `json:"created_at"`
}

type orderResponse struct {
	Order orderPayload `json:"order"`
}

type orderPayload struct {
	ID             string                 `json:"id"`
	OrderNumber    string                 `json:"order_number,omitempty"`
	Status         string                 `json:"status"`
	UserID         string                 `json:"user_id,omitempty"`
	Currency       string                 `json:"currency"`
	Items          []orderItemPayload     `json:"items"`
	DeliveryMethod string                 `json:"delivery_method,omitempty"`
	PaymentMethod  string                 `json:"payment_method,omitempty"`
	InvoiceAddress *invoiceAddressPayload `json:"invoice_address,omitempty"`
	Prices         orderPricesPayload     `json:"prices"`
	ExternalCode   string                 `json:"external_code,omitempty"`
	ConfirmedAt    string                 `json:"confirmed_at,omitempty"`
	CreatedAt      string                 `json:"created_at"`
	ChangedAt      string                 `json:"changed_at,omitempty"`
	SentAt         string                 `json:"sent_at,omitempty"`
	PaidAt         string                 `json:"paid_at,omitempty"`
	CanceledAt     string                 `json:"canceled_at,omitempty"`
	CancelReason   string                 `json:"cancel_reason,omitempty"`
	Metadata       map[string]any         `json:"metadata,omitempty"`
}

type orderItemPayload struct {
	ID           string              `json:"id"`
	ProductRef   string              `json:"product_ref"`
	Name         string              `json:"name,omitempty"`
	Kind         string              `json:"kind"`
	Quantity     int                 `json:"quantity"`
	UnitPrice    float64             `json:"unit_price"`
	TaxRate      *float64            `json:"tax_rate,omitempty"`
	Total        float64             `json:"total"`
	Tax          float64             `json:"tax"`
	Subscription *subscriptionPolicy `json:"subscription,omitempty"`
}

type subscriptionPolicy struct {
	Period   string `json:"period"`
	Duration int    `json:"duration"`
	Cycles   int    `json:"cycles,omitempty"`
}

type orderPricesPayload struct {
	Items      float64 `json:"items"`
	ItemsNet   float64 `json:"items_net"`
	Tax        float64 `json:"tax"`
	Delivery   float64 `json:"delivery"`
	PaymentFee float64 `json:"payment_fee"`
	Total      float64 `json:"total"`
	AmountDue  float64 `json:"amount_due"`
}

type invoiceAddressPayload struct {
	Email   string `json:"email,omitempty"`
	Phone   string `json:"phone,omitempty"`
	Name    string `json:"name,omitempty"`
	Street  string `json:"street,omitempty"`
	Zip     string `json:"zip,omitempty"`
	City    string `json:"city,omitempty"`
	Country string `json:"country,omitempty"`
	Company string `json:"company,omitempty"`
}

func (p invoiceAddressPayload) toDomain() domain.InvoiceAddress {
	return domain.InvoiceAddress{
		Email:   sanitizeUserText(p.Email),
		Phone:   sanitizeUserText(p.Phone),
		Name:    sanitizeUserText(p.Name),
		Street:  sanitizeUserText(p.Street),
		Zip:     sanitizeUserText(p.Zip),
		City:    sanitizeUserText(p.City),
		Country: sanitizeUserText(p.Country),
		Company: sanitizeUserText(p.Company),
	}
}

// userTextPolicy strips every HTML element from guest-supplied free text
// before it reaches invoices or provider exports.
var userTextPolicy = bluemonday.StrictPolicy()

func sanitizeUserText(value string) string {
	return strings.TrimSpace(userTextPolicy.Sanitize(value))
}

func buildOrderSummary(order services.Order) orderSummaryPayload {
	return orderSummaryPayload{
		ID:          order.ID,
		OrderNumber: order.OrderNumber,
		Status:      string(order.Status),
		Currency:    strings.ToUpper(strings.TrimSpace(order.Currency)),
		Total:       order.Prices.Total,
		CreatedAt:   formatTime(order.CreatedAt),
	}
}

func buildOrderPayload(order services.Order) orderPayload {
	payload := orderPayload{
		ID:             order.ID,
		OrderNumber:    order.OrderNumber,
		Status:         string(order.Status),
		UserID:         order.UserID,
		Currency:       strings.ToUpper(strings.TrimSpace(order.Currency)),
		Items:          make([]orderItemPayload, 0, len(order.Items)),
		DeliveryMethod: order.DeliveryMethod,
		PaymentMethod:  order.PaymentMethod,
		Prices: orderPricesPayload{
			Items:      order.Prices.Items,
			ItemsNet:   order.Prices.ItemsNet,
			Tax:        order.Prices.Tax,
			Delivery:   order.Prices.Delivery,
			PaymentFee: order.Prices.PaymentFee,
			Total:      order.Prices.Total,
			AmountDue:  order.Prices.AmountDue,
		},
		ExternalCode: order.ExternalCode,
		ConfirmedAt:  formatTime(pointerTime(order.ConfirmedAt)),
		CreatedAt:    formatTime(order.CreatedAt),
		ChangedAt:    formatTime(order.ChangedAt),
		SentAt:       formatTime(pointerTime(order.SentAt)),
		PaidAt:       formatTime(pointerTime(order.PaidAt)),
		CanceledAt:   formatTime(pointerTime(order.CanceledAt)),
		Metadata:     cloneMap(order.Metadata),
	}

	if order.CancelReason != nil {
		payload.CancelReason = strings.TrimSpace(*order.CancelReason)
	}

	if order.InvoiceAddress != nil {
		payload.InvoiceAddress = &invoiceAddressPayload{
			Email:   order.InvoiceAddress.Email,
			Phone:   order.InvoiceAddress.Phone,
			Name:    order.InvoiceAddress.Name,
			Street:  order.InvoiceAddress.Street,
			Zip:     order.InvoiceAddress.Zip,
			City:    order.InvoiceAddress.City,
			Country: order.InvoiceAddress.Country,
			Company: order.InvoiceAddress.Company,
		}
	}

	for _, item := range order.Items {
		entry := orderItemPayload{
			ID:         item.ID,
			ProductRef: item.ProductRef,
			Name:       item.Name,
			Kind:       string(item.Kind),
			Quantity:   item.Quantity,
			UnitPrice:  item.UnitPrice,
			TaxRate:    item.TaxRate,
			Total:      item.Total,
			Tax:        item.Tax,
		}
		if item.Subscription != nil {
			entry.Subscription = &subscriptionPolicy{
				Period:   string(item.Subscription.Period),
				Duration: item.Subscription.Duration,
				Cycles:   item.Subscription.Cycles,
			}
		}
		payload.Items = append(payload.Items, entry)
	}

	return payload
}

func writeOrderError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, services.ErrOrderInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrOrderNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
	case errors.Is(err, services.ErrOrderForbidden):
		// Ownership failures look like missing orders to not leak their existence.
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
	case errors.Is(err, services.ErrOrderInvalidState):
		httpx.WriteError(ctx, w, httpx.NewError("order_invalid_state", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrOrderConflict):
		httpx.WriteError(ctx, w, httpx.NewError("order_conflict", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrOrderPaymentFailed):
		httpx.WriteError(ctx, w, httpx.NewError("payment_failed", err.Error(), http.StatusPaymentRequired))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("order_error", "failed to process order request", http.StatusInternalServerError))
	}
}

func parseOrderStatus(raw string) (domain.OrderStatus, bool) {
	status := domain.OrderStatus(strings.ToLower(strings.TrimSpace(raw)))
	switch status {
	case domain.OrderStatusCart, domain.OrderStatusSaved, domain.OrderStatusSent, domain.OrderStatusPaid, domain.OrderStatusCanceled:
		return status, true
	}
	return "", false
}

func parseBoolParam(raw string, fallback bool) bool {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return value
}

func pointerTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
