package services

import (
	"context"
	"time"

	domain "github.com/craftmarket/api/internal/domain"
	"github.com/craftmarket/api/internal/repositories"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	Pagination         = domain.Pagination
	SortOrder          = domain.SortOrder
	Order              = domain.Order
	OrderItem          = domain.OrderItem
	OrderStatus        = domain.OrderStatus
	OrderPrices        = domain.OrderPrices
	InvoiceAddress     = domain.InvoiceAddress
	PaymentRecord      = domain.PaymentRecord
	Cart               = domain.Cart
	CartItem           = domain.CartItem
	ItemKind           = domain.ItemKind
	PeriodUnit         = domain.PeriodUnit
	Subscription       = domain.Subscription
	SubscriptionStatus = domain.SubscriptionStatus
	SubscriptionEvent  = domain.SubscriptionEvent
	PricePolicy        = domain.PricePolicy
	MethodRate         = domain.MethodRate
	RateBand           = domain.RateBand
	SystemHealthReport = domain.SystemHealthReport
)

// OrderService owns the checkout negotiation loop and the order status machine.
type OrderService interface {
	// Progress merges partial checkout input into the caller's working
	// order, reprices it, runs the readiness pipeline and persists the
	// outcome. It is invoked on every user interaction with checkout.
	Progress(ctx context.Context, cmd ProgressCommand) (ProgressResult, error)
	GetOrder(ctx context.Context, cmd GetOrderCommand) (Order, error)
	ListOrders(ctx context.Context, filter OrderListFilter) (domain.CursorPage[Order], error)
	Cancel(ctx context.Context, cmd CancelOrderCommand) (Order, error)
	// StartPayment asks the configured provider for a charge or billing
	// agreement and moves the order to sent once the provider handle is
	// stored.
	StartPayment(ctx context.Context, cmd StartPaymentCommand) (PaymentInstruction, error)
	// CompletePaymentReturn handles the user being redirected back from
	// the provider with execution tokens.
	CompletePaymentReturn(ctx context.Context, cmd PaymentReturnCommand) (PaymentReturnResult, error)
	// ApplyPayment appends a settlement event to the order's payment log
	// and recomputes the amount due. Used by the webhook router.
	ApplyPayment(ctx context.Context, cmd ApplyPaymentCommand) (Order, error)
}

// SubscriptionService manages recurring-billing records spawned from orders.
type SubscriptionService interface {
	CreateFromOrder(ctx context.Context, order Order) ([]Subscription, error)
	GetSubscription(ctx context.Context, cmd GetSubscriptionCommand) (Subscription, error)
	ListSubscriptions(ctx context.Context, userID string, filter SubscriptionListFilter) (domain.CursorPage[Subscription], error)
	// MarkAgreed stamps a provider billing agreement onto the
	// subscriptions spawned from an order once the customer accepted it.
	MarkAgreed(ctx context.Context, cmd AgreementCommand) ([]Subscription, error)
	// AdvanceAfterPayment records a successful recurring charge: the
	// first payment finalises the originating order, later ones clone
	// the template order into a new paid renewal order.
	AdvanceAfterPayment(ctx context.Context, cmd AdvancePaymentCommand) (Subscription, error)
	Suspend(ctx context.Context, cmd SuspendSubscriptionCommand) (SubscriptionActionResult, error)
	Reactivate(ctx context.Context, cmd SuspendSubscriptionCommand) (SubscriptionActionResult, error)
	// CheckSubscriptions is the daily sweep: suspends active
	// subscriptions whose next charge date lies past the tolerance
	// window and finishes the ones past their end date.
	CheckSubscriptions(ctx context.Context, now time.Time) (SubscriptionSweepSummary, error)
}

// WebhookService is the single entry point for asynchronous provider callbacks.
type WebhookService interface {
	HandleProviderEvent(ctx context.Context, cmd ProviderEventCommand) (ProviderEventResult, error)
}

// SystemService surfaces operational health and diagnostics information.
type SystemService interface {
	Health(ctx context.Context) (SystemHealthReport, error)
}

// OrderEventPublisher publishes order domain events for downstream consumers
// (invoices, email, analytics).
type OrderEventPublisher interface {
	PublishOrderEvent(ctx context.Context, event OrderEvent) error
}

// OrderEvent captures metadata for emitted order domain events.
type OrderEvent struct {
	Type        string
	OrderID     string
	OrderNumber string
	UserID      string
	Status      string
	OccurredAt  time.Time
	Metadata    map[string]any
}

// IntakeClient forwards an accepted order to the external order-intake
// endpoint and returns its, possibly item-adjusted, response.
type IntakeClient interface {
	SubmitOrder(ctx context.Context, order Order) (IntakeResponse, error)
}

// IntakeResponse is the intake service's view of a submitted order. Only the
// fields the conservative reconciliation rule trusts are represented.
type IntakeResponse struct {
	Accepted     bool
	ExternalID   string
	ExternalCode string
	Items        []IntakeItem
}

// IntakeItem carries the per-item adjustments an intake response may request.
type IntakeItem struct {
	ItemID string
	// Action is the intake verdict for the item: "updated" applies the
	// returned amount, "rejected" zeroes the quantity, anything else
	// leaves the local item untouched.
	Action string
	Amount float64
}

// ErrorTranslator converts service errors into transport-agnostic error codes.
type ErrorTranslator interface {
	Translate(err error) (code string, message string)
}

// DomainError marks errors carrying a stable machine-readable code.
type DomainError interface {
	error
	Code() string
}

// Commands and results -------------------------------------------------------

// CallerIdentity describes who is driving a checkout interaction. Resolution
// precedence: session user, inline-created user, guest order token, explicit
// logout, whatever the order already carries.
type CallerIdentity struct {
	SessionUserID string
	OrderToken    string
	LoggedOut     bool
}

// ProgressInput is the typed partial checkout payload merged into the working
// order. Nil fields leave the current order value untouched.
type ProgressInput struct {
	User           *InlineUserInput
	InvoiceAddress *InvoiceAddress
	DeliveryMethod *string
	PaymentMethod  *string
	Confirmed      *bool
	Metadata       map[string]any
}

// IsEmpty reports whether the input carries no mutation at all, making the
// progress call a pure refresh.
func (in ProgressInput) IsEmpty() bool {
	return in.User == nil &&
		in.InvoiceAddress == nil &&
		in.DeliveryMethod == nil &&
		in.PaymentMethod == nil &&
		in.Confirmed == nil &&
		len(in.Metadata) == 0
}

// InlineUserInput carries a user being created in the middle of checkout.
type InlineUserInput struct {
	ID    string
	Email string
	Name  string
	Phone string
}

type ProgressCommand struct {
	OrderID  string
	CartID   string
	Currency string
	Identity CallerIdentity
	Input    ProgressInput
}

// ReadinessResult reports the first failing step of the readiness pipeline,
// or the final step with Success=true when the order may advance.
type ReadinessResult struct {
	ID      int
	Name    string
	Success bool
}

// Readiness pipeline step identifiers, in evaluation order.
const (
	ReadinessStepItems        = 0
	ReadinessStepUser         = 1
	ReadinessStepOrderOptions = 2
	ReadinessStepConfirmation = 3
)

// ValidationIssue is one field-level problem reported to the checkout wizard.
type ValidationIssue struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

type ProgressResult struct {
	Order  Order
	Result ReadinessResult
	Errors []ValidationIssue
	// IntakeConflict is set when the order-intake endpoint reported the
	// order changed or rejected; the discrepancy is surfaced, never
	// auto-applied.
	IntakeConflict bool
}

type GetOrderCommand struct {
	OrderID  string
	Identity CallerIdentity
}

type OrderListFilter = repositories.OrderListFilter

type SubscriptionListFilter = repositories.SubscriptionListFilter

type CancelOrderCommand struct {
	OrderID  string
	Identity CallerIdentity
	Reason   string
}

type StartPaymentCommand struct {
	OrderID  string
	Supplier string
	Identity CallerIdentity
	// ReturnURL and CancelURL are echoed to redirect-based providers.
	ReturnURL string
	CancelURL string
}

// PaymentInstruction tells the client how to continue with the provider.
type PaymentInstruction struct {
	Supplier    string
	RedirectURL string
	ChargeToken string
	AgreementID string
	Order       Order
}

type PaymentReturnCommand struct {
	OrderID  string
	Supplier string
	Success  bool
	// Tokens carries the provider-specific execution parameters from the
	// return redirect (payer id, payment id, session id).
	Tokens map[string]string
}

type PaymentReturnResult struct {
	Success  bool
	Order    Order
	Redirect string
}

type ApplyPaymentCommand struct {
	OrderID string
	Record  PaymentRecord
}

type GetSubscriptionCommand struct {
	SubscriptionID string
	UserID         string
}

type AgreementCommand struct {
	OrderID     string
	Supplier    string
	AgreementID string
}

type AdvancePaymentCommand struct {
	SubscriptionID string
	Record         PaymentRecord
}

type SuspendSubscriptionCommand struct {
	SubscriptionID string
	ActorID        string
	// ActorType distinguishes user, admin and system initiated changes
	// in the subscription history.
	ActorType string
}

// SubscriptionActionResult reports a provider-confirmed lifecycle change.
type SubscriptionActionResult struct {
	Success      bool
	Subscription Subscription
	AgreementID  string
}

// SubscriptionSweepSummary summarises one CheckSubscriptions run.
type SubscriptionSweepSummary struct {
	Scanned   int
	Suspended int
	Finished  int
	Failed    int
}

type ProviderEventCommand struct {
	Supplier string
	Payload  []byte
	// Headers carries the signature material the provider attached.
	Headers map[string]string
}

// ProviderEventResult is the acknowledgment shape returned to the provider.
type ProviderEventResult struct {
	Handled bool
	// EventType is the provider's event classification after parsing.
	EventType string
	// Ack is the body the provider expects back, if any.
	Ack map[string]any
}
