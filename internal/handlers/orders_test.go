package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	domain "github.com/craftmarket/api/internal/domain"
	"github.com/craftmarket/api/internal/platform/auth"
	"github.com/craftmarket/api/internal/services"
)

type stubOrderService struct {
	progressFn  func(ctx context.Context, cmd services.ProgressCommand) (services.ProgressResult, error)
	getFn       func(ctx context.Context, cmd services.GetOrderCommand) (services.Order, error)
	listFn      func(ctx context.Context, filter services.OrderListFilter) (domain.CursorPage[services.Order], error)
	cancelFn    func(ctx context.Context, cmd services.CancelOrderCommand) (services.Order, error)
	startFn     func(ctx context.Context, cmd services.StartPaymentCommand) (services.PaymentInstruction, error)
	completeFn  func(ctx context.Context, cmd services.PaymentReturnCommand) (services.PaymentReturnResult, error)
	applyFn     func(ctx context.Context, cmd services.ApplyPaymentCommand) (services.Order, error)
}

func (s *stubOrderService) Progress(ctx context.Context, cmd services.ProgressCommand) (services.ProgressResult, error) {
	if s.progressFn != nil {
		return s.progressFn(ctx, cmd)
	}
	return services.ProgressResult{}, nil
}

func (s *stubOrderService) GetOrder(ctx context.Context, cmd services.GetOrderCommand) (services.Order, error) {
	if s.getFn != nil {
		return s.getFn(ctx, cmd)
	}
	return services.Order{}, nil
}

func (s *stubOrderService) ListOrders(ctx context.Context, filter services.OrderListFilter) (domain.CursorPage[services.Order], error) {
	if s.listFn != nil {
		return s.listFn(ctx, filter)
	}
	return domain.CursorPage[services.Order]{}, nil
}

func (s *stubOrderService) Cancel(ctx context.Context, cmd services.CancelOrderCommand) (services.Order, error) {
	if s.cancelFn != nil {
		return s.cancelFn(ctx, cmd)
	}
	return services.Order{}, nil
}

func (s *stubOrderService) StartPayment(ctx context.Context, cmd services.StartPaymentCommand) (services.PaymentInstruction, error) {
	if s.startFn != nil {
		return s.startFn(ctx, cmd)
	}
	return services.PaymentInstruction{}, nil
}

func (s *stubOrderService) CompletePaymentReturn(ctx context.Context, cmd services.PaymentReturnCommand) (services.PaymentReturnResult, error) {
	if s.completeFn != nil {
		return s.completeFn(ctx, cmd)
	}
	return services.PaymentReturnResult{}, nil
}

func (s *stubOrderService) ApplyPayment(ctx context.Context, cmd services.ApplyPaymentCommand) (services.Order, error) {
	if s.applyFn != nil {
		return s.applyFn(ctx, cmd)
	}
	return services.Order{}, nil
}

type stubOrderTokens struct {
	issueFn  func(orderID string) (string, error)
	verifyFn func(token string) (string, error)
}

func (s *stubOrderTokens) Issue(orderID string) (string, error) {
	if s.issueFn != nil {
		return s.issueFn(orderID)
	}
	return "tok-" + orderID, nil
}

func (s *stubOrderTokens) Verify(token string) (string, error) {
	if s.verifyFn != nil {
		return s.verifyFn(token)
	}
	return strings.TrimPrefix(token, "tok-"), nil
}

// withTestIdentity injects a session user the way the auth middleware would.
func withTestIdentity(uid string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := auth.WithIdentity(r.Context(), &auth.Identity{UID: uid, Roles: []string{auth.RoleUser}})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func testOrder() services.Order {
	created := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)
	return services.Order{
		ID:       "ord_1",
		Status:   domain.OrderStatusCart,
		UserID:   "user-1",
		Currency: "EUR",
		Items: []services.OrderItem{
			{ID: "itm_1", ProductRef: "prod-1", Kind: domain.ItemKindPhysical, Quantity: 2, UnitPrice: 10, Total: 20, Tax: 3.33},
		},
		Prices:    services.OrderPrices{Items: 20, Total: 25, AmountDue: 25},
		CreatedAt: created,
		ChangedAt: created,
	}
}

func decodeJSONBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return payload
}

func TestProgressReturnsReadinessAndGuestToken(t *testing.T) {
	var captured services.ProgressCommand
	orders := &stubOrderService{
		progressFn: func(_ context.Context, cmd services.ProgressCommand) (services.ProgressResult, error) {
			captured = cmd
			return services.ProgressResult{
				Order: testOrder(),
				Result: services.ReadinessResult{
					ID:      services.ReadinessStepUser,
					Name:    "user",
					Success: false,
				},
				Errors: []services.ValidationIssue{{Field: "invoiceAddress.email", Message: "required"}},
			}, nil
		},
	}

	handler := NewOrderHandlers(nil, orders, &stubOrderTokens{})
	router := NewRouter(WithOrderRoutes(handler.Routes))

	body := `{"cart_id":"cart-1","currency":"EUR","delivery_method":"courier"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/orders/progress", strings.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if captured.CartID != "cart-1" || captured.Input.DeliveryMethod == nil || *captured.Input.DeliveryMethod != "courier" {
		t.Fatalf("unexpected command %+v", captured)
	}

	payload := decodeJSONBody(t, rec)
	readiness, _ := payload["readiness"].(map[string]any)
	if readiness["step"] != float64(1) || readiness["success"] != false {
		t.Fatalf("unexpected readiness %+v", readiness)
	}
	if payload["order_token"] != "tok-ord_1" {
		t.Fatalf("expected guest order token, got %v", payload["order_token"])
	}
	issues, _ := payload["errors"].([]any)
	if len(issues) != 1 {
		t.Fatalf("expected one validation issue, got %v", payload["errors"])
	}
}

func TestProgressSkipsTokenForSessionUsers(t *testing.T) {
	orders := &stubOrderService{
		progressFn: func(_ context.Context, cmd services.ProgressCommand) (services.ProgressResult, error) {
			if cmd.Identity.SessionUserID != "user-1" {
				t.Fatalf("expected session user, got %+v", cmd.Identity)
			}
			return services.ProgressResult{Order: testOrder()}, nil
		},
	}

	handler := NewOrderHandlers(nil, orders, &stubOrderTokens{})
	router := NewRouter(WithOrderRoutes(handler.Routes), WithMiddlewares(withTestIdentity("user-1")))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/orders/progress", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	payload := decodeJSONBody(t, rec)
	if _, ok := payload["order_token"]; ok {
		t.Fatalf("session users must not receive an order token")
	}
}

func TestProgressRejectsInvalidJSON(t *testing.T) {
	handler := NewOrderHandlers(nil, &stubOrderService{}, nil)
	router := NewRouter(WithOrderRoutes(handler.Routes))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/orders/progress", strings.NewReader(`{not json`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestListOrdersRequiresSession(t *testing.T) {
	handler := NewOrderHandlers(nil, &stubOrderService{}, nil)
	router := NewRouter(WithOrderRoutes(handler.Routes))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/orders/", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestListOrdersForwardsFilters(t *testing.T) {
	var captured services.OrderListFilter
	orders := &stubOrderService{
		listFn: func(_ context.Context, filter services.OrderListFilter) (domain.CursorPage[services.Order], error) {
			captured = filter
			return domain.CursorPage[services.Order]{
				Items:         []services.Order{testOrder()},
				NextPageToken: "next-1",
			}, nil
		},
	}

	handler := NewOrderHandlers(nil, orders, nil)
	router := NewRouter(WithOrderRoutes(handler.Routes), WithMiddlewares(withTestIdentity("user-1")))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/orders/?status=paid&page_size=5&page_token=abc", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if captured.UserID != "user-1" {
		t.Fatalf("expected caller scoped filter, got %+v", captured)
	}
	if len(captured.Status) != 1 || captured.Status[0] != domain.OrderStatusPaid {
		t.Fatalf("unexpected status filter %+v", captured.Status)
	}
	if captured.Pagination.PageSize != 5 || captured.Pagination.PageToken != "abc" {
		t.Fatalf("unexpected pagination %+v", captured.Pagination)
	}

	payload := decodeJSONBody(t, rec)
	if payload["next_page_token"] != "next-1" {
		t.Fatalf("expected next page token, got %v", payload["next_page_token"])
	}
}

func TestListOrdersRejectsUnknownStatus(t *testing.T) {
	handler := NewOrderHandlers(nil, &stubOrderService{}, nil)
	router := NewRouter(WithOrderRoutes(handler.Routes), WithMiddlewares(withTestIdentity("user-1")))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/orders/?status=refunded", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestGetOrderPassesGuestToken(t *testing.T) {
	orders := &stubOrderService{
		getFn: func(_ context.Context, cmd services.GetOrderCommand) (services.Order, error) {
			if cmd.Identity.OrderToken != "ord_1" {
				t.Fatalf("expected verified order token, got %+v", cmd.Identity)
			}
			return testOrder(), nil
		},
	}

	handler := NewOrderHandlers(nil, orders, &stubOrderTokens{})
	router := NewRouter(WithOrderRoutes(handler.Routes))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/orders/ord_1", nil)
	req.Header.Set(orderTokenHeader, "tok-ord_1")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestGetOrderMapsForbiddenToNotFound(t *testing.T) {
	orders := &stubOrderService{
		getFn: func(context.Context, services.GetOrderCommand) (services.Order, error) {
			return services.Order{}, services.ErrOrderForbidden
		},
	}

	handler := NewOrderHandlers(nil, orders, nil)
	router := NewRouter(WithOrderRoutes(handler.Routes))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/orders/ord_1", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	payload := decodeJSONBody(t, rec)
	if payload["error"] != "order_not_found" {
		t.Fatalf("unexpected error code %v", payload["error"])
	}
}

func TestCancelOrderForwardsReason(t *testing.T) {
	var captured services.CancelOrderCommand
	orders := &stubOrderService{
		cancelFn: func(_ context.Context, cmd services.CancelOrderCommand) (services.Order, error) {
			captured = cmd
			order := testOrder()
			order.Status = domain.OrderStatusCanceled
			return order, nil
		},
	}

	handler := NewOrderHandlers(nil, orders, nil)
	router := NewRouter(WithOrderRoutes(handler.Routes), WithMiddlewares(withTestIdentity("user-1")))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/orders/ord_1/cancel", strings.NewReader(`{"reason":"changed my mind"}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if captured.OrderID != "ord_1" || captured.Reason != "changed my mind" || captured.Identity.SessionUserID != "user-1" {
		t.Fatalf("unexpected command %+v", captured)
	}
}

func TestStartPaymentReturnsInstruction(t *testing.T) {
	orders := &stubOrderService{
		startFn: func(_ context.Context, cmd services.StartPaymentCommand) (services.PaymentInstruction, error) {
			if cmd.Supplier != "stripe" || cmd.ReturnURL != "https://shop.example/return" {
				t.Fatalf("unexpected command %+v", cmd)
			}
			order := testOrder()
			order.Status = domain.OrderStatusSent
			return services.PaymentInstruction{
				Supplier:    "stripe",
				RedirectURL: "https://pay.example/cs_1",
				Order:       order,
			}, nil
		},
	}

	handler := NewOrderHandlers(nil, orders, nil)
	router := NewRouter(WithOrderRoutes(handler.Routes), WithMiddlewares(withTestIdentity("user-1")))

	body := `{"supplier":"stripe","return_url":"https://shop.example/return","cancel_url":"https://shop.example/cancel"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/orders/ord_1/payment", strings.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	payload := decodeJSONBody(t, rec)
	if payload["redirect_url"] != "https://pay.example/cs_1" {
		t.Fatalf("unexpected payload %v", payload)
	}
	order, _ := payload["order"].(map[string]any)
	if order["status"] != "sent" {
		t.Fatalf("expected sent order, got %v", order["status"])
	}
}

func TestStartPaymentMapsInvalidState(t *testing.T) {
	orders := &stubOrderService{
		startFn: func(context.Context, services.StartPaymentCommand) (services.PaymentInstruction, error) {
			return services.PaymentInstruction{}, services.ErrOrderInvalidState
		},
	}

	handler := NewOrderHandlers(nil, orders, nil)
	router := NewRouter(WithOrderRoutes(handler.Routes))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/orders/ord_1/payment", strings.NewReader(`{"supplier":"stripe"}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
}

func TestPaymentResultRedirectsOnGet(t *testing.T) {
	orders := &stubOrderService{
		completeFn: func(_ context.Context, cmd services.PaymentReturnCommand) (services.PaymentReturnResult, error) {
			if cmd.OrderID != "ord_1" || cmd.Supplier != "paypal" || !cmd.Success {
				t.Fatalf("unexpected command %+v", cmd)
			}
			if cmd.Tokens["PayerID"] != "PAYER-1" {
				t.Fatalf("expected provider tokens, got %+v", cmd.Tokens)
			}
			return services.PaymentReturnResult{
				Success:  true,
				Order:    testOrder(),
				Redirect: "https://shop.example/thanks",
			}, nil
		},
	}

	handler := NewOrderHandlers(nil, orders, nil)
	router := NewRouter(WithOrderRoutes(handler.Routes))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/orders/payment/result?order_id=ord_1&supplier=paypal&success=true&PayerID=PAYER-1", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusFound {
		t.Fatalf("expected 302, got %d", rec.Code)
	}
	if location := rec.Header().Get("Location"); location != "https://shop.example/thanks" {
		t.Fatalf("unexpected redirect target %q", location)
	}
}

func TestPaymentResultPostReturnsOrder(t *testing.T) {
	orders := &stubOrderService{
		completeFn: func(_ context.Context, cmd services.PaymentReturnCommand) (services.PaymentReturnResult, error) {
			if cmd.Tokens["payment_id"] != "PAY-1" {
				t.Fatalf("expected body tokens, got %+v", cmd.Tokens)
			}
			order := testOrder()
			order.Status = domain.OrderStatusPaid
			return services.PaymentReturnResult{Success: true, Order: order}, nil
		},
	}

	handler := NewOrderHandlers(nil, orders, nil)
	router := NewRouter(WithOrderRoutes(handler.Routes))

	body := `{"order_id":"ord_1","supplier":"paypal","tokens":{"payment_id":"PAY-1"}}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/orders/payment/result", strings.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	payload := decodeJSONBody(t, rec)
	if payload["success"] != true {
		t.Fatalf("expected success ack, got %v", payload)
	}
	order, _ := payload["order"].(map[string]any)
	if order["status"] != "paid" {
		t.Fatalf("expected paid order, got %v", order["status"])
	}
}

func TestPaymentResultRequiresOrderID(t *testing.T) {
	handler := NewOrderHandlers(nil, &stubOrderService{}, nil)
	router := NewRouter(WithOrderRoutes(handler.Routes))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/orders/payment/result", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}
