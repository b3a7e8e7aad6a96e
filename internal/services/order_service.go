package services

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/craftmarket/api/internal/domain"
	"github.com/craftmarket/api/internal/payments"
	"github.com/craftmarket/api/internal/repositories"
)

const (
	orderEventSaved         = "order.saved"
	orderEventStatusChanged = "order.status.changed"
	orderEventPaid          = "order.paid"

	orderIDPrefix     = "ord_"
	orderItemIDPrefix = "itm_"

	orderNumberCounter = "orders"
)

var (
	// ErrOrderInvalidInput signals the caller provided invalid data.
	ErrOrderInvalidInput = errors.New("order: invalid input")
	// ErrOrderNotFound indicates the order could not be located.
	ErrOrderNotFound = errors.New("order: not found")
	// ErrOrderInvalidState indicates an invalid status transition was attempted.
	ErrOrderInvalidState = errors.New("order: invalid status transition")
	// ErrOrderConflict indicates optimistic concurrency conflicts or duplicates.
	ErrOrderConflict = errors.New("order: conflict")
	// ErrOrderForbidden indicates the caller may not access the order.
	ErrOrderForbidden = errors.New("order: forbidden")
	// ErrOrderPaymentFailed indicates the payment provider rejected the request.
	ErrOrderPaymentFailed = errors.New("order: payment failed")
)

var orderStateTransitions = map[domain.OrderStatus][]domain.OrderStatus{
	domain.OrderStatusCart:  {domain.OrderStatusSaved, domain.OrderStatusCanceled},
	domain.OrderStatusSaved: {domain.OrderStatusSent, domain.OrderStatusCanceled},
	domain.OrderStatusSent:  {domain.OrderStatusPaid, domain.OrderStatusCanceled},
}

var cancellableStatuses = []domain.OrderStatus{
	domain.OrderStatusCart,
	domain.OrderStatusSaved,
	domain.OrderStatusSent,
}

// paymentGateway abstracts payments.Manager for easier testing.
type paymentGateway interface {
	CreateCharge(ctx context.Context, paymentCtx payments.PaymentContext, req payments.ChargeRequest) (payments.ChargeInstruction, error)
	ExecuteCharge(ctx context.Context, paymentCtx payments.PaymentContext, req payments.ExecuteRequest) (payments.ChargeResult, error)
	CreateAgreement(ctx context.Context, paymentCtx payments.PaymentContext, req payments.AgreementRequest) (payments.AgreementInstruction, error)
	ExecuteAgreement(ctx context.Context, paymentCtx payments.PaymentContext, req payments.ExecuteRequest) (payments.ChargeResult, error)
}

// OrderServiceDeps bundles collaborators required to construct the order service.
type OrderServiceDeps struct {
	Orders          repositories.OrderRepository
	Carts           repositories.CartRepository
	Policies        repositories.PricePolicyRepository
	Counters        repositories.CounterRepository
	Pricing         PriceCalculator
	Subscriptions   SubscriptionService
	Intake          IntakeClient
	Payments        paymentGateway
	UnitOfWork      repositories.UnitOfWork
	DefaultCurrency string
	Clock           func() time.Time
	IDGenerator     func() string
	Events          OrderEventPublisher
	Logger          func(ctx context.Context, event string, fields map[string]any)
}

type orderService struct {
	orders          repositories.OrderRepository
	carts           repositories.CartRepository
	policies        repositories.PricePolicyRepository
	counters        repositories.CounterRepository
	pricing         PriceCalculator
	subscriptions   SubscriptionService
	intake          IntakeClient
	payments        paymentGateway
	unitOfWork      repositories.UnitOfWork
	defaultCurrency string
	clock           func() time.Time
	newID           func() string
	events          OrderEventPublisher
	logger          func(context.Context, string, map[string]any)
}

// NewOrderService wires dependencies into a concrete OrderService implementation.
func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	if deps.Orders == nil {
		return nil, errors.New("order service: order repository is required")
	}
	if deps.Carts == nil {
		return nil, errors.New("order service: cart repository is required")
	}
	if deps.Policies == nil {
		return nil, errors.New("order service: price policy repository is required")
	}
	if deps.Counters == nil {
		return nil, errors.New("order service: counter repository is required")
	}
	if deps.Pricing == nil {
		return nil, errors.New("order service: price calculator is required")
	}

	unit := deps.UnitOfWork
	if unit == nil {
		unit = noopUnitOfWork{}
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return ulid.Make().String()
		}
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	currency := strings.ToUpper(strings.TrimSpace(deps.DefaultCurrency))
	if currency == "" {
		currency = "EUR"
	}

	return &orderService{
		orders:          deps.Orders,
		carts:           deps.Carts,
		policies:        deps.Policies,
		counters:        deps.Counters,
		pricing:         deps.Pricing,
		subscriptions:   deps.Subscriptions,
		intake:          deps.Intake,
		payments:        deps.Payments,
		unitOfWork:      unit,
		defaultCurrency: currency,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:  idGen,
		events: deps.Events,
		logger: logger,
	}, nil
}

// Progress merges the partial checkout input into the caller's working order,
// reprices it and runs the readiness pipeline. An empty input is a pure
// refresh: the current state is recomputed and returned without persisting.
func (s *orderService) Progress(ctx context.Context, cmd ProgressCommand) (ProgressResult, error) {
	now := s.now()

	order, created, err := s.loadOrCreateWorkingOrder(ctx, cmd, now)
	if err != nil {
		return ProgressResult{}, err
	}

	if order.Status != domain.OrderStatusCart {
		if !cmd.Input.IsEmpty() {
			return ProgressResult{}, fmt.Errorf("%w: order %s is %s and no longer accepts checkout input", ErrOrderInvalidState, order.ID, order.Status)
		}
		return ProgressResult{
			Order:  order,
			Result: ReadinessResult{ID: ReadinessStepConfirmation, Name: readinessStepName(ReadinessStepConfirmation), Success: true},
		}, nil
	}

	mutated := s.mergeProgressInput(&order, cmd.Identity, cmd.Input, now)

	policy, err := s.policies.Get(ctx, order.Currency)
	if err != nil {
		return ProgressResult{}, s.mapRepositoryError(err)
	}

	order, err = s.pricing.Recalculate(ctx, order, policy, CalcAll)
	if err != nil {
		return ProgressResult{}, fmt.Errorf("%w: %v", ErrOrderInvalidInput, err)
	}

	readiness, issues := evaluateReadiness(order, policy, cmd.Identity)

	if readiness.Success {
		return s.saveReadyOrder(ctx, order, cmd, created, now)
	}

	if created || mutated {
		order.ChangedAt = now
		if err := s.persistWorkingOrder(ctx, order, created); err != nil {
			return ProgressResult{}, err
		}
	}

	return ProgressResult{Order: order, Result: readiness, Errors: issues}, nil
}

// loadOrCreateWorkingOrder resolves the caller's working order: by id when
// given, otherwise a fresh cart-status order built from the caller's cart.
func (s *orderService) loadOrCreateWorkingOrder(ctx context.Context, cmd ProgressCommand, now time.Time) (Order, bool, error) {
	if orderID := strings.TrimSpace(cmd.OrderID); orderID != "" {
		order, err := s.orders.FindByID(ctx, orderID)
		if err != nil {
			return Order{}, false, s.mapRepositoryError(err)
		}
		if err := authorizeOrderAccess(order, cmd.Identity); err != nil {
			return Order{}, false, err
		}
		return order, false, nil
	}

	cartKey := strings.TrimSpace(cmd.Identity.SessionUserID)
	if cartKey == "" {
		cartKey = strings.TrimSpace(cmd.CartID)
	}
	if cartKey == "" {
		return Order{}, false, fmt.Errorf("%w: an order id, cart id or signed-in user is required", ErrOrderInvalidInput)
	}

	cart, err := s.carts.GetCart(ctx, cartKey)
	if err != nil {
		return Order{}, false, s.mapRepositoryError(err)
	}
	if len(cart.Items) == 0 {
		return Order{}, false, fmt.Errorf("%w: cart %s is empty", ErrOrderInvalidInput, cartKey)
	}

	currency := strings.ToUpper(strings.TrimSpace(cmd.Currency))
	if currency == "" {
		currency = strings.ToUpper(strings.TrimSpace(cart.Currency))
	}
	if currency == "" {
		currency = s.defaultCurrency
	}

	order := Order{
		ID:        orderIDPrefix + s.newID(),
		Status:    domain.OrderStatusCart,
		UserID:    strings.TrimSpace(cmd.Identity.SessionUserID),
		Currency:  currency,
		Items:     s.buildOrderItems(cart.Items),
		Metadata:  map[string]any{"cartId": cartKey},
		CreatedAt: now,
		ChangedAt: now,
	}
	return order, true, nil
}

func (s *orderService) buildOrderItems(items []CartItem) []OrderItem {
	lines := make([]OrderItem, 0, len(items))
	for _, item := range items {
		lines = append(lines, OrderItem{
			ID:           orderItemIDPrefix + s.newID(),
			ProductRef:   strings.TrimSpace(item.ProductRef),
			Name:         item.Name,
			Kind:         item.Kind,
			Quantity:     item.Quantity,
			UnitPrice:    item.UnitPrice,
			TaxRate:      cloneFloatPtr(item.TaxRate),
			Subscription: cloneSubscriptionPolicy(item.Subscription),
			Metadata:     cloneMap(item.Metadata),
		})
	}
	return lines
}

// mergeProgressInput applies the typed partial input onto the order. User
// identity follows a strict precedence: session user first, then an inline
// user, then a guest order token, then an explicit logout, otherwise
// whatever the order already carries. Changing checkout options withdraws a
// previously given confirmation.
func (s *orderService) mergeProgressInput(order *Order, identity CallerIdentity, input ProgressInput, now time.Time) bool {
	mutated := false

	switch {
	case strings.TrimSpace(identity.SessionUserID) != "":
		if userID := strings.TrimSpace(identity.SessionUserID); order.UserID != userID {
			order.UserID = userID
			mutated = true
		}
	case input.User != nil:
		userID := strings.TrimSpace(input.User.ID)
		if userID == "" {
			userID = "usr_" + s.newID()
		}
		if order.UserID != userID {
			order.UserID = userID
			mutated = true
		}
		if order.InvoiceAddress == nil {
			order.InvoiceAddress = &InvoiceAddress{}
		}
		if order.InvoiceAddress.Email == "" {
			order.InvoiceAddress.Email = strings.TrimSpace(input.User.Email)
		}
		if order.InvoiceAddress.Name == "" {
			order.InvoiceAddress.Name = strings.TrimSpace(input.User.Name)
		}
		if order.InvoiceAddress.Phone == "" {
			order.InvoiceAddress.Phone = strings.TrimSpace(input.User.Phone)
		}
	case strings.TrimSpace(identity.OrderToken) != "":
		// Token holders act on the order as-is.
	case identity.LoggedOut:
		if order.UserID != "" {
			order.UserID = ""
			mutated = true
		}
	}

	optionsChanged := false

	if input.InvoiceAddress != nil {
		addr := *input.InvoiceAddress
		order.InvoiceAddress = &addr
		mutated = true
		optionsChanged = true
	}
	if input.DeliveryMethod != nil {
		order.DeliveryMethod = strings.TrimSpace(*input.DeliveryMethod)
		mutated = true
		optionsChanged = true
	}
	if input.PaymentMethod != nil {
		order.PaymentMethod = strings.TrimSpace(*input.PaymentMethod)
		mutated = true
		optionsChanged = true
	}
	if len(input.Metadata) > 0 {
		order.Metadata = cloneAndMergeMetadata(order.Metadata, input.Metadata)
		mutated = true
	}

	if optionsChanged && input.Confirmed == nil && order.ConfirmedAt != nil {
		order.ConfirmedAt = nil
	}

	if input.Confirmed != nil {
		if *input.Confirmed {
			order.ConfirmedAt = &now
		} else {
			order.ConfirmedAt = nil
		}
		mutated = true
	}

	return mutated
}

// Readiness pipeline ---------------------------------------------------------

func readinessStepName(id int) string {
	switch id {
	case ReadinessStepItems:
		return "items"
	case ReadinessStepUser:
		return "user"
	case ReadinessStepOrderOptions:
		return "orderOptions"
	case ReadinessStepConfirmation:
		return "confirmation"
	default:
		return "unknown"
	}
}

// evaluateReadiness walks the pipeline in order and stops at the first
// failing step. Success is only reported when every step passed.
func evaluateReadiness(order Order, policy PricePolicy, identity CallerIdentity) (ReadinessResult, []ValidationIssue) {
	steps := []func(Order, PricePolicy) []ValidationIssue{
		checkItemsReadiness,
		func(o Order, _ PricePolicy) []ValidationIssue { return checkUserReadiness(o, identity) },
		checkOrderOptionsReadiness,
		checkConfirmationReadiness,
	}
	for id, step := range steps {
		if issues := step(order, policy); len(issues) > 0 {
			return ReadinessResult{ID: id, Name: readinessStepName(id), Success: false}, issues
		}
	}
	return ReadinessResult{ID: ReadinessStepConfirmation, Name: readinessStepName(ReadinessStepConfirmation), Success: true}, nil
}

func checkItemsReadiness(order Order, _ PricePolicy) []ValidationIssue {
	if len(order.Items) == 0 {
		return []ValidationIssue{{Field: "items", Message: "order has no items"}}
	}
	var issues []ValidationIssue
	for i, item := range order.Items {
		if item.Quantity <= 0 {
			issues = append(issues, ValidationIssue{
				Field:   fmt.Sprintf("items[%d].quantity", i),
				Message: "quantity must be positive",
			})
		}
		if item.UnitPrice < 0 {
			issues = append(issues, ValidationIssue{
				Field:   fmt.Sprintf("items[%d].unitPrice", i),
				Message: "unit price must not be negative",
			})
		}
	}
	return issues
}

// checkUserReadiness requires a complete invoice address. Guests must fill
// in contact data inline; signed-in callers already carry it on their
// account, so only the postal fields are checked for them.
func checkUserReadiness(order Order, identity CallerIdentity) []ValidationIssue {
	addr := order.InvoiceAddress
	if addr == nil {
		return []ValidationIssue{{Field: "invoiceAddress", Message: "invoice address is required"}}
	}
	type requiredField struct {
		field string
		value string
	}
	var required []requiredField
	if strings.TrimSpace(identity.SessionUserID) == "" {
		required = append(required,
			requiredField{"invoiceAddress.email", addr.Email},
			requiredField{"invoiceAddress.phone", addr.Phone},
			requiredField{"invoiceAddress.name", addr.Name},
		)
	}
	required = append(required,
		requiredField{"invoiceAddress.street", addr.Street},
		requiredField{"invoiceAddress.zip", addr.Zip},
		requiredField{"invoiceAddress.city", addr.City},
		requiredField{"invoiceAddress.country", addr.Country},
	)
	var issues []ValidationIssue
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			issues = append(issues, ValidationIssue{Field: r.field, Message: "is required"})
		}
	}
	return issues
}

func checkOrderOptionsReadiness(order Order, policy PricePolicy) []ValidationIssue {
	var issues []ValidationIssue

	if orderHasKind(order, domain.ItemKindPhysical) {
		if order.DeliveryMethod == "" {
			issues = append(issues, ValidationIssue{Field: "deliveryMethod", Message: "delivery method is required"})
		} else if _, ok := policy.DeliveryMethod(order.DeliveryMethod); !ok {
			issues = append(issues, ValidationIssue{Field: "deliveryMethod", Message: fmt.Sprintf("unknown delivery method %q", order.DeliveryMethod)})
		}
	}

	if order.PaymentMethod == "" {
		issues = append(issues, ValidationIssue{Field: "paymentMethod", Message: "payment method is required"})
		return issues
	}
	method, ok := policy.PaymentMethodRate(order.PaymentMethod)
	if !ok {
		issues = append(issues, ValidationIssue{Field: "paymentMethod", Message: fmt.Sprintf("unknown payment method %q", order.PaymentMethod)})
		return issues
	}
	for _, kind := range method.ExcludedKinds {
		if orderHasKind(order, kind) {
			issues = append(issues, ValidationIssue{
				Field:   "paymentMethod",
				Message: fmt.Sprintf("payment method %q is not available for %s items", order.PaymentMethod, kind),
			})
			break
		}
	}
	return issues
}

func checkConfirmationReadiness(order Order, _ PricePolicy) []ValidationIssue {
	if order.ConfirmedAt == nil {
		return []ValidationIssue{{Field: "confirmed", Message: "order must be confirmed"}}
	}
	return nil
}

// saveReadyOrder promotes a fully ready working order to saved and runs the
// post-save pipeline: intake forwarding, cart clearing, subscription
// spin-off and event publication. Post-save failures are surfaced but never
// roll the saved order back.
func (s *orderService) saveReadyOrder(ctx context.Context, order Order, cmd ProgressCommand, created bool, now time.Time) (ProgressResult, error) {
	if order.Status == domain.OrderStatusCart {
		if order.OrderNumber == "" {
			number, err := s.generateOrderNumber(ctx, now)
			if err != nil {
				return ProgressResult{}, err
			}
			order.OrderNumber = number
		}
		order.Status = domain.OrderStatusSaved
		order.ChangedAt = now
	}

	if err := s.persistWorkingOrder(ctx, order, created); err != nil {
		return ProgressResult{}, err
	}

	result := ProgressResult{
		Order:  order,
		Result: ReadinessResult{ID: ReadinessStepConfirmation, Name: readinessStepName(ReadinessStepConfirmation), Success: true},
	}

	if s.intake != nil {
		forwarded, conflict, err := s.forwardToIntake(ctx, &order)
		if err != nil {
			s.logger(ctx, "order.intake.forward.failed", map[string]any{
				"order": order.ID,
				"error": err.Error(),
			})
		} else if forwarded {
			result.Order = order
			result.IntakeConflict = conflict
		}
	}

	cartKey := strings.TrimSpace(cmd.Identity.SessionUserID)
	if cartKey == "" {
		cartKey = strings.TrimSpace(cmd.CartID)
	}
	if cartKey != "" {
		if err := s.carts.ClearCart(ctx, cartKey); err != nil {
			s.logger(ctx, "order.cart.clear.failed", map[string]any{
				"order": order.ID,
				"cart":  cartKey,
				"error": err.Error(),
			})
		}
	}

	if s.subscriptions != nil && orderHasKind(order, domain.ItemKindSubscription) {
		if _, err := s.subscriptions.CreateFromOrder(ctx, order); err != nil {
			s.logger(ctx, "order.subscriptions.spawn.failed", map[string]any{
				"order": order.ID,
				"error": err.Error(),
			})
		}
	}

	s.publishEvent(ctx, OrderEvent{
		Type:        orderEventSaved,
		OrderID:     order.ID,
		OrderNumber: order.OrderNumber,
		UserID:      order.UserID,
		Status:      string(order.Status),
		OccurredAt:  now,
		Metadata:    cloneMap(order.Metadata),
	})

	return result, nil
}

// forwardToIntake submits the saved order and applies the intake response
// under the conservative reconciliation rule. The repriced order is
// persisted again when the response changed it.
func (s *orderService) forwardToIntake(ctx context.Context, order *Order) (bool, bool, error) {
	response, err := s.intake.SubmitOrder(ctx, *order)
	if err != nil {
		return false, false, err
	}

	reconciled, changed, conflict := reconcileIntakeResponse(*order, response)
	if !changed {
		return true, conflict, nil
	}

	policy, err := s.policies.Get(ctx, reconciled.Currency)
	if err != nil {
		return false, conflict, s.mapRepositoryError(err)
	}
	reconciled, err = s.pricing.Recalculate(ctx, reconciled, policy, CalcAll)
	if err != nil {
		return false, conflict, err
	}
	reconciled.ChangedAt = s.now()

	if err := s.orders.Update(ctx, reconciled); err != nil {
		return false, conflict, s.mapRepositoryError(err)
	}
	*order = reconciled
	return true, conflict, nil
}

func (s *orderService) persistWorkingOrder(ctx context.Context, order Order, created bool) error {
	return s.runInTx(ctx, func(txCtx context.Context) error {
		var err error
		if created {
			err = s.orders.Insert(txCtx, order)
		} else {
			err = s.orders.Update(txCtx, order)
		}
		if err != nil {
			return s.mapRepositoryError(err)
		}
		return nil
	})
}

func (s *orderService) GetOrder(ctx context.Context, cmd GetOrderCommand) (Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}
	if err := authorizeOrderAccess(order, cmd.Identity); err != nil {
		return Order{}, err
	}
	return order, nil
}

func (s *orderService) ListOrders(ctx context.Context, filter OrderListFilter) (domain.CursorPage[Order], error) {
	if strings.TrimSpace(filter.UserID) == "" {
		return domain.CursorPage[Order]{}, fmt.Errorf("%w: user id is required", ErrOrderInvalidInput)
	}
	page, err := s.orders.List(ctx, filter)
	if err != nil {
		return domain.CursorPage[Order]{}, s.mapRepositoryError(err)
	}
	return page, nil
}

func (s *orderService) Cancel(ctx context.Context, cmd CancelOrderCommand) (Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}
	if err := authorizeOrderAccess(order, cmd.Identity); err != nil {
		return Order{}, err
	}
	if !slices.Contains(cancellableStatuses, order.Status) {
		return Order{}, fmt.Errorf("%w: order status %q cannot be canceled", ErrOrderInvalidState, order.Status)
	}

	now := s.now()
	prevStatus := order.Status
	order.Status = domain.OrderStatusCanceled
	order.CanceledAt = &now
	order.CancelReason = optionalString(strings.TrimSpace(cmd.Reason))
	order.ChangedAt = now

	err = s.runInTx(ctx, func(txCtx context.Context) error {
		if err := s.orders.Update(txCtx, order); err != nil {
			return s.mapRepositoryError(err)
		}
		return nil
	})
	if err != nil {
		return Order{}, err
	}

	s.publishEvent(ctx, OrderEvent{
		Type:        orderEventStatusChanged,
		OrderID:     order.ID,
		OrderNumber: order.OrderNumber,
		UserID:      order.UserID,
		Status:      string(order.Status),
		OccurredAt:  now,
		Metadata:    map[string]any{"previousStatus": string(prevStatus)},
	})

	return order, nil
}

// StartPayment asks the provider for a charge, or a billing agreement when
// the order carries subscription items, stores the provider's correlation
// reference and moves the order to sent.
func (s *orderService) StartPayment(ctx context.Context, cmd StartPaymentCommand) (PaymentInstruction, error) {
	if s.payments == nil {
		return PaymentInstruction{}, errors.New("order service: payment gateway not configured")
	}
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return PaymentInstruction{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return PaymentInstruction{}, s.mapRepositoryError(err)
	}
	if err := authorizeOrderAccess(order, cmd.Identity); err != nil {
		return PaymentInstruction{}, err
	}
	// sent -> sent allows retrying an abandoned provider redirect.
	if !canTransition(order.Status, domain.OrderStatusSent) {
		return PaymentInstruction{}, fmt.Errorf("%w: order status %q cannot start payment", ErrOrderInvalidState, order.Status)
	}

	supplier := strings.TrimSpace(cmd.Supplier)
	if supplier == "" {
		supplier = order.PaymentMethod
	}
	paymentCtx := payments.PaymentContext{
		PreferredProvider: supplier,
		Currency:          order.Currency,
	}

	now := s.now()
	instruction := PaymentInstruction{}

	if orderHasKind(order, domain.ItemKindSubscription) {
		policy := firstSubscriptionPolicy(order)
		if policy == nil {
			return PaymentInstruction{}, fmt.Errorf("%w: subscription item lacks a billing policy", ErrOrderInvalidInput)
		}
		agreement, err := s.payments.CreateAgreement(ctx, paymentCtx, payments.AgreementRequest{
			OrderID:     order.ID,
			Description: fmt.Sprintf("Order %s", order.OrderNumber),
			Amount:      order.Prices.Total,
			Currency:    order.Currency,
			PeriodUnit:  string(policy.Period),
			PeriodCount: policy.Duration,
			Cycles:      policy.Cycles,
			ReturnURL:   cmd.ReturnURL,
			CancelURL:   cmd.CancelURL,
			Metadata:    map[string]string{"order_id": order.ID},
		})
		if err != nil {
			return PaymentInstruction{}, fmt.Errorf("%w: %v", ErrOrderPaymentFailed, err)
		}
		instruction = PaymentInstruction{
			Supplier:    agreement.Provider,
			RedirectURL: agreement.RedirectURL,
			ChargeToken: agreement.ClientToken,
			AgreementID: agreement.AgreementID,
		}
		order.ExternalID = agreement.AgreementID
		order.PaymentLog = append(order.PaymentLog, PaymentRecord{
			EventID:       "init:" + agreement.AgreementID,
			Supplier:      agreement.Provider,
			Kind:          "agreement",
			Status:        "created",
			Currency:      order.Currency,
			CorrelationID: agreement.AgreementID,
			ReceivedAt:    now,
		})
	} else {
		charge, err := s.payments.CreateCharge(ctx, paymentCtx, payments.ChargeRequest{
			OrderID:     order.ID,
			OrderNumber: order.OrderNumber,
			Amount:      order.Prices.AmountDue,
			Currency:    order.Currency,
			Description: fmt.Sprintf("Order %s", order.OrderNumber),
			ReturnURL:   cmd.ReturnURL,
			CancelURL:   cmd.CancelURL,
			Metadata:    map[string]string{"order_number": order.OrderNumber},
		})
		if err != nil {
			return PaymentInstruction{}, fmt.Errorf("%w: %v", ErrOrderPaymentFailed, err)
		}
		instruction = PaymentInstruction{
			Supplier:    charge.Provider,
			RedirectURL: charge.RedirectURL,
			ChargeToken: charge.ClientToken,
		}
		order.ExternalID = charge.CorrelationID
		order.PaymentLog = append(order.PaymentLog, PaymentRecord{
			EventID:       "init:" + charge.CorrelationID,
			Supplier:      charge.Provider,
			Kind:          "charge",
			Status:        "created",
			Amount:        order.Prices.AmountDue,
			Currency:      order.Currency,
			CorrelationID: charge.CorrelationID,
			ReceivedAt:    now,
		})
	}

	order.PaymentMethod = instruction.Supplier
	if order.Status == domain.OrderStatusSaved {
		order.Status = domain.OrderStatusSent
		order.SentAt = &now
	}
	order.ChangedAt = now

	err = s.runInTx(ctx, func(txCtx context.Context) error {
		if err := s.orders.Update(txCtx, order); err != nil {
			return s.mapRepositoryError(err)
		}
		return nil
	})
	if err != nil {
		return PaymentInstruction{}, err
	}

	instruction.Order = order
	return instruction, nil
}

// CompletePaymentReturn finishes a redirect-based payment once the customer
// is back with execution tokens.
func (s *orderService) CompletePaymentReturn(ctx context.Context, cmd PaymentReturnCommand) (PaymentReturnResult, error) {
	if s.payments == nil {
		return PaymentReturnResult{}, errors.New("order service: payment gateway not configured")
	}
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return PaymentReturnResult{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return PaymentReturnResult{}, s.mapRepositoryError(err)
	}

	if !cmd.Success {
		return PaymentReturnResult{Success: false, Order: order}, nil
	}

	paymentCtx := payments.PaymentContext{
		PreferredProvider: strings.TrimSpace(cmd.Supplier),
		Currency:          order.Currency,
	}

	var result payments.ChargeResult
	if orderHasKind(order, domain.ItemKindSubscription) {
		result, err = s.payments.ExecuteAgreement(ctx, paymentCtx, payments.ExecuteRequest{Tokens: cmd.Tokens})
		if err != nil {
			return PaymentReturnResult{}, fmt.Errorf("%w: %v", ErrOrderPaymentFailed, err)
		}
		if s.subscriptions != nil && result.AgreementID != "" {
			if _, err := s.subscriptions.MarkAgreed(ctx, AgreementCommand{
				OrderID:     order.ID,
				Supplier:    result.Provider,
				AgreementID: result.AgreementID,
			}); err != nil {
				s.logger(ctx, "order.agreement.mark.failed", map[string]any{
					"order": order.ID,
					"error": err.Error(),
				})
			}
		}
	} else {
		result, err = s.payments.ExecuteCharge(ctx, paymentCtx, payments.ExecuteRequest{Tokens: cmd.Tokens})
		if err != nil {
			return PaymentReturnResult{}, fmt.Errorf("%w: %v", ErrOrderPaymentFailed, err)
		}
	}

	if !result.Settled {
		return PaymentReturnResult{Success: false, Order: order}, nil
	}

	record := PaymentRecord{
		EventID:       "return:" + firstNonEmpty(result.ChargeID, result.AgreementID),
		Supplier:      result.Provider,
		Kind:          "settlement",
		Status:        result.Status,
		Amount:        result.Amount,
		Currency:      result.Currency,
		CorrelationID: firstNonEmpty(result.CorrelationID, result.AgreementID),
		ReceivedAt:    s.now(),
	}
	updated, err := s.ApplyPayment(ctx, ApplyPaymentCommand{OrderID: order.ID, Record: record})
	if err != nil {
		return PaymentReturnResult{}, err
	}

	return PaymentReturnResult{Success: true, Order: updated}, nil
}

// ApplyPayment appends a settlement event to the order's payment log and
// recomputes the amount due from the full log. Duplicate event ids are
// dropped, making webhook redelivery a no-op.
func (s *orderService) ApplyPayment(ctx context.Context, cmd ApplyPaymentCommand) (Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	if strings.TrimSpace(cmd.Record.EventID) == "" {
		return Order{}, fmt.Errorf("%w: payment record event id is required", ErrOrderInvalidInput)
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}

	log, appended := AppendPaymentRecord(order.PaymentLog, cmd.Record)
	if !appended {
		return order, nil
	}
	order.PaymentLog = log

	policy, err := s.policies.Get(ctx, order.Currency)
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}
	order, err = s.pricing.Recalculate(ctx, order, policy, CalcTotals)
	if err != nil {
		return Order{}, err
	}

	now := s.now()
	settled := SettledAmount(order.PaymentLog)
	if settled > 0 && order.Prices.AmountDue <= 0 && order.Status != domain.OrderStatusPaid && order.Status != domain.OrderStatusCanceled {
		if order.Status == domain.OrderStatusSaved && canTransition(order.Status, domain.OrderStatusSent) {
			order.Status = domain.OrderStatusSent
			order.SentAt = &now
		}
		// A settlement only promotes orders that already passed through
		// checkout. Anything else keeps its status and the ledger entry
		// alone records the payment.
		if canTransition(order.Status, domain.OrderStatusPaid) {
			order.Status = domain.OrderStatusPaid
			order.PaidAt = &now
		}
	}
	order.ChangedAt = now

	err = s.runInTx(ctx, func(txCtx context.Context) error {
		if err := s.orders.Update(txCtx, order); err != nil {
			return s.mapRepositoryError(err)
		}
		return nil
	})
	if err != nil {
		return Order{}, err
	}

	if order.Status == domain.OrderStatusPaid && order.PaidAt != nil && order.PaidAt.Equal(now) {
		s.publishEvent(ctx, OrderEvent{
			Type:        orderEventPaid,
			OrderID:     order.ID,
			OrderNumber: order.OrderNumber,
			UserID:      order.UserID,
			Status:      string(order.Status),
			OccurredAt:  now,
			Metadata:    map[string]any{"settled": settled},
		})
	}

	return order, nil
}

// Helpers --------------------------------------------------------------------

// authorizeOrderAccess enforces order ownership: a signed-in user must own
// the order, a guest must hold the order token issued at creation.
func authorizeOrderAccess(order Order, identity CallerIdentity) error {
	if sessionUser := strings.TrimSpace(identity.SessionUserID); sessionUser != "" {
		if order.UserID == "" || order.UserID == sessionUser {
			return nil
		}
		return fmt.Errorf("%w: order %s belongs to another user", ErrOrderForbidden, order.ID)
	}
	if token := strings.TrimSpace(identity.OrderToken); token != "" && token == order.ID {
		return nil
	}
	if order.UserID == "" {
		return nil
	}
	return fmt.Errorf("%w: order %s requires authentication", ErrOrderForbidden, order.ID)
}

func orderHasKind(order Order, kind domain.ItemKind) bool {
	for _, item := range order.Items {
		if item.Kind == kind {
			return true
		}
	}
	return false
}

func firstSubscriptionPolicy(order Order) *domain.SubscriptionPolicy {
	for _, item := range order.Items {
		if item.Kind == domain.ItemKindSubscription && item.Subscription != nil {
			return item.Subscription
		}
	}
	return nil
}

func (s *orderService) mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrOrderNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrOrderConflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("order: repository unavailable: %w", err)
		}
	}

	return err
}

func (s *orderService) generateOrderNumber(ctx context.Context, now time.Time) (string, error) {
	seq, err := s.counters.Next(ctx, orderNumberCounter, 1)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("CM-%04d-%06d", now.Year(), seq), nil
}

func (s *orderService) runInTx(ctx context.Context, fn func(context.Context) error) error {
	if s.unitOfWork == nil {
		return fn(ctx)
	}
	return s.unitOfWork.RunInTx(ctx, fn)
}

func (s *orderService) now() time.Time {
	return s.clock()
}

func (s *orderService) publishEvent(ctx context.Context, event OrderEvent) {
	if s.events == nil {
		return
	}
	if event.Metadata != nil {
		event.Metadata = maps.Clone(event.Metadata)
	}
	if err := s.events.PublishOrderEvent(ctx, event); err != nil {
		s.logger(ctx, "order.event.publish.failed", map[string]any{
			"type":  event.Type,
			"order": event.OrderID,
			"error": err.Error(),
		})
	}
}

type noopUnitOfWork struct{}

func (noopUnitOfWork) RunInTx(ctx context.Context, fn func(context.Context) error) error {
	return fn(ctx)
}

func cloneSubscriptionPolicy(policy *domain.SubscriptionPolicy) *domain.SubscriptionPolicy {
	if policy == nil {
		return nil
	}
	cloned := *policy
	return &cloned
}

func cloneFloatPtr(value *float64) *float64 {
	if value == nil {
		return nil
	}
	ref := *value
	return &ref
}

func cloneMap(src map[string]any) map[string]any {
	if src == nil {
		return nil
	}
	return maps.Clone(src)
}

func cloneAndMergeMetadata(base map[string]any, extra map[string]any) map[string]any {
	if base == nil && extra == nil {
		return nil
	}
	result := cloneMap(base)
	if len(extra) == 0 {
		return result
	}
	if result == nil {
		result = map[string]any{}
	}
	for k, v := range extra {
		result[k] = v
	}
	return result
}

func optionalString(v string) *string {
	if v == "" {
		return nil
	}
	ref := v
	return &ref
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func canTransition(current, target domain.OrderStatus) bool {
	if current == target {
		return true
	}
	next, ok := orderStateTransitions[current]
	if !ok {
		return false
	}
	return slices.Contains(next, target)
}
