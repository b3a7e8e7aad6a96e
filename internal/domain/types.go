package domain

import (
	"time"
)

// Pagination defines standard cursor-based paging inputs for list operations.
type Pagination struct {
	PageSize  int
	PageToken string
}

// SortOrder indicates ascending or descending ordering for list queries.
type SortOrder string

const (
	// SortAsc sorts results in ascending order.
	SortAsc SortOrder = "asc"
	// SortDesc sorts results in descending order.
	SortDesc SortOrder = "desc"
)

// CursorPage packages list results with an encoded next token.
type CursorPage[T any] struct {
	Items         []T
	NextPageToken string
}

// OrderStatus enumerates valid lifecycle states for orders.
type OrderStatus string

const (
	// OrderStatusCart indicates the order is still an open working cart at checkout.
	OrderStatusCart OrderStatus = "cart"
	// OrderStatusSaved indicates the order passed every readiness check and was persisted.
	OrderStatusSaved OrderStatus = "saved"
	// OrderStatusSent indicates the order was forwarded to intake / handed to a payment provider.
	OrderStatusSent OrderStatus = "sent"
	// OrderStatusPaid indicates settled payments cover the full amount due.
	OrderStatusPaid OrderStatus = "paid"
	// OrderStatusCanceled indicates the order was explicitly canceled. Terminal.
	OrderStatusCanceled OrderStatus = "canceled"
)

// ItemKind tags a line item subtype. Fee bands and payment-method
// restrictions are resolved per kind.
type ItemKind string

const (
	// ItemKindPhysical marks goods that require delivery.
	ItemKindPhysical ItemKind = "physical"
	// ItemKindDigital marks goods fulfilled electronically.
	ItemKindDigital ItemKind = "digital"
	// ItemKindSubscription marks items that spawn a recurring subscription.
	ItemKindSubscription ItemKind = "subscription"
)

// PeriodUnit is the unit of a subscription billing period.
type PeriodUnit string

const (
	// PeriodDay bills every N days.
	PeriodDay PeriodUnit = "day"
	// PeriodWeek bills every N weeks.
	PeriodWeek PeriodUnit = "week"
	// PeriodMonth bills every N months, clamped to month end.
	PeriodMonth PeriodUnit = "month"
	// PeriodYear bills every N years.
	PeriodYear PeriodUnit = "year"
)

// Order is the single per-order document owned by the order state machine.
type Order struct {
	ID             string
	OrderNumber    string
	Status         OrderStatus
	UserID         string
	Currency       string
	Items          []OrderItem
	DeliveryMethod string
	PaymentMethod  string
	InvoiceAddress *InvoiceAddress
	Prices         OrderPrices
	ExternalID     string
	ExternalCode   string
	PaymentLog     []PaymentRecord
	ConfirmedAt    *time.Time
	CreatedAt      time.Time
	ChangedAt      time.Time
	SentAt         *time.Time
	PaidAt         *time.Time
	CanceledAt     *time.Time
	CancelReason   *string
	Metadata       map[string]any
}

// OrderItem is a priced line entry within an order.
type OrderItem struct {
	ID         string
	ProductRef string
	Name       string
	Kind       ItemKind
	Quantity   int
	UnitPrice  float64
	TaxRate    *float64
	Total      float64
	Tax        float64
	// ResponseAction is set by the intake service on its confirmation
	// response: "updated" applies the returned quantity, "rejected"
	// zeroes it, anything else leaves the local item untouched.
	ResponseAction string
	Subscription   *SubscriptionPolicy
	Metadata       map[string]any
}

// SubscriptionPolicy is the recurring-billing policy carried by a
// subscription-kind product at the time it was ordered.
type SubscriptionPolicy struct {
	Period   PeriodUnit
	Duration int
	// Cycles caps the number of charges; zero or negative means unbounded.
	Cycles int
}

// OrderPrices is the computed price breakdown. Total is always a pure
// function of items + delivery + payment fee + tax policy and is never
// written outside a pricing pass.
type OrderPrices struct {
	Items      float64
	ItemsNet   float64
	Tax        float64
	Delivery   float64
	PaymentFee float64
	Total      float64
	AmountDue  float64
}

// InvoiceAddress is the invoice contact block required by the user
// readiness check.
type InvoiceAddress struct {
	Email   string
	Phone   string
	Name    string
	Street  string
	Zip     string
	City    string
	Country string
	Company string
}

// PaymentRecord is one append-only entry in an order's provider
// correspondence log. Settlement state is always recomputed from the
// full log, never tracked incrementally.
type PaymentRecord struct {
	// EventID is the provider-assigned event identifier; appends with a
	// duplicate EventID are dropped so webhook redelivery cannot double
	// count.
	EventID       string
	Supplier      string
	Kind          string
	Status        string
	Amount        float64
	Currency      string
	CorrelationID string
	Raw           map[string]any
	ReceivedAt    time.Time
}

// SubscriptionStatus enumerates subscription lifecycle states.
type SubscriptionStatus string

const (
	// SubscriptionStatusInactive is the initial state before any provider agreement exists.
	SubscriptionStatusInactive SubscriptionStatus = "inactive"
	// SubscriptionStatusAgreed indicates a provider billing agreement was accepted but not yet charged.
	SubscriptionStatusAgreed SubscriptionStatus = "agreed"
	// SubscriptionStatusActive indicates a confirmed provider-side agreement with at least one charge.
	SubscriptionStatusActive SubscriptionStatus = "active"
	// SubscriptionStatusSuspended indicates billing was paused with provider confirmation.
	SubscriptionStatusSuspended SubscriptionStatus = "suspended"
	// SubscriptionStatusStopped indicates the cycle budget was exhausted. Terminal.
	SubscriptionStatusStopped SubscriptionStatus = "stopped"
	// SubscriptionStatusFinished indicates the subscription reached its end date. Terminal.
	SubscriptionStatusFinished SubscriptionStatus = "finished"
)

// SubscriptionDates groups the derived billing dates. NextCharge is
// always computed by advancing the previous value by period × duration.
type SubscriptionDates struct {
	Start      time.Time
	NextCharge time.Time
	End        time.Time
}

// SubscriptionEvent is one append-only history entry.
type SubscriptionEvent struct {
	Action  string
	Actor   string
	At      time.Time
	Payload map[string]any
}

// Subscription is the recurring-billing record spawned from an order's
// subscription-kind items. Never deleted, only advanced to a terminal
// status.
type Subscription struct {
	ID              string
	UserID          string
	OrderID         string
	ProductRef      string
	Status          SubscriptionStatus
	Period          PeriodUnit
	Duration        int
	Cycles          int
	CyclesBilled    int
	Price           float64
	Currency        string
	Supplier        string
	AgreementID     string
	ProductSnapshot map[string]any
	// TemplateOrder is a sanitized clone of the originating order used
	// to mint each renewal order: zeroed totals, cart status, no
	// payment history.
	TemplateOrder *Order
	Dates         SubscriptionDates
	History       []SubscriptionEvent
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// TaxRegime selects how tax participates in grand totals.
type TaxRegime string

const (
	// TaxInclusive means item prices already carry tax and totals are summed directly.
	TaxInclusive TaxRegime = "inclusive"
	// TaxExclusive means tax is added on top of net totals explicitly.
	TaxExclusive TaxRegime = "exclusive"
)

// RateBand is one [From, To) fee band. To <= 0 leaves the band open-ended.
type RateBand struct {
	Kind ItemKind
	From float64
	To   float64
	Fee  float64
}

// MethodRate describes one delivery or payment method known to the
// price policy.
type MethodRate struct {
	Code  string
	Name  string
	Bands []RateBand
	// ExcludedKinds blocks the method for orders whose item mix
	// contains any of the listed kinds. Used for payment methods only.
	ExcludedKinds []ItemKind
}

// PricePolicy is the read-only rate table the pricing engine computes
// against.
type PricePolicy struct {
	Currency        string
	TaxRegime       TaxRegime
	DefaultTaxRate  float64
	DeliveryMethods []MethodRate
	PaymentMethods  []MethodRate
}

// DeliveryMethod resolves a delivery method by codename.
func (p PricePolicy) DeliveryMethod(code string) (MethodRate, bool) {
	return findMethod(p.DeliveryMethods, code)
}

// PaymentMethodRate resolves a payment method by codename.
func (p PricePolicy) PaymentMethodRate(code string) (MethodRate, bool) {
	return findMethod(p.PaymentMethods, code)
}

func findMethod(methods []MethodRate, code string) (MethodRate, bool) {
	for _, m := range methods {
		if m.Code == code {
			return m, true
		}
	}
	return MethodRate{}, false
}

// Cart is the pre-checkout item container. Storage mechanics live
// outside the core; the progress service only reads and clears it.
type Cart struct {
	ID        string
	UserID    string
	Currency  string
	Items     []CartItem
	CreatedAt time.Time
	UpdatedAt time.Time
}

// CartItem is a selected product inside a cart.
type CartItem struct {
	ProductRef   string
	Name         string
	Kind         ItemKind
	Quantity     int
	UnitPrice    float64
	TaxRate      *float64
	Subscription *SubscriptionPolicy
	Metadata     map[string]any
}

const (
	// HealthStatusOK indicates all dependencies are healthy.
	HealthStatusOK = "ok"
	// HealthStatusDegraded indicates at least one dependency is degraded but service remains running.
	HealthStatusDegraded = "degraded"
	// HealthStatusError indicates the service or a critical dependency is unavailable.
	HealthStatusError = "error"
)

// SystemHealthCheck describes the outcome of an individual dependency probe.
type SystemHealthCheck struct {
	Status    string
	Detail    string
	Error     string
	Latency   time.Duration
	CheckedAt time.Time
}

// SystemHealthReport aggregates dependency status for health endpoints.
type SystemHealthReport struct {
	Status      string
	Checks      map[string]SystemHealthCheck
	Version     string
	CommitSHA   string
	Environment string
	Uptime      time.Duration
	GeneratedAt time.Time
}
