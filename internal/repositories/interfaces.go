package repositories

import (
	"context"
	"time"

	domain "github.com/craftmarket/api/internal/domain"
)

// Registry exposes typed repository accessors and lifecycle hooks for dependency injection.
type Registry interface {
	Close(ctx context.Context) error

	Orders() OrderRepository
	Subscriptions() SubscriptionRepository
	Carts() CartRepository
	PricePolicies() PricePolicyRepository
	Counters() CounterRepository
	Health() HealthRepository
	UnitOfWork
}

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// UnitOfWork allows grouping repository operations in a transactional boundary when supported.
type UnitOfWork interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// OrderRepository persists order documents and provides query helpers for users and integrations.
type OrderRepository interface {
	Insert(ctx context.Context, order domain.Order) error
	// Update replaces the stored order. Implementations must reject the write
	// with a conflict error when the stored ChangedAt differs from the one on
	// the supplied order.
	Update(ctx context.Context, order domain.Order) error
	FindByID(ctx context.Context, orderID string) (domain.Order, error)
	// FindByCorrelation resolves the order a provider callback refers to, by
	// the correlation reference the provider echoes back (agreement id,
	// payment intent id, invoice number).
	FindByCorrelation(ctx context.Context, supplier string, correlationID string) (domain.Order, error)
	List(ctx context.Context, filter OrderListFilter) (domain.CursorPage[domain.Order], error)
}

// SubscriptionRepository persists subscription documents and their event history.
type SubscriptionRepository interface {
	Insert(ctx context.Context, sub domain.Subscription) error
	Update(ctx context.Context, sub domain.Subscription) error
	FindByID(ctx context.Context, subscriptionID string) (domain.Subscription, error)
	FindByAgreementID(ctx context.Context, supplier string, agreementID string) (domain.Subscription, error)
	// ListByOrder returns the subscriptions spawned from the given order.
	ListByOrder(ctx context.Context, orderID string) ([]domain.Subscription, error)
	// ListDue returns active subscriptions whose next charge date is at or
	// before the given instant, oldest first.
	ListDue(ctx context.Context, before time.Time, limit int) ([]domain.Subscription, error)
	ListByUser(ctx context.Context, userID string, filter SubscriptionListFilter) (domain.CursorPage[domain.Subscription], error)
}

// CartRepository owns cart persistence. Carts are keyed by user so checkout can
// clear them once an order is sent.
type CartRepository interface {
	GetCart(ctx context.Context, userID string) (domain.Cart, error)
	UpsertCart(ctx context.Context, cart domain.Cart) (domain.Cart, error)
	ClearCart(ctx context.Context, userID string) error
}

// PricePolicyRepository serves the pricing configuration (tax regime, fee
// bands, delivery and payment method rates) consulted on every recalculation.
type PricePolicyRepository interface {
	Get(ctx context.Context, currency string) (domain.PricePolicy, error)
}

// CounterRepository provides transaction-safe sequence numbers.
type CounterRepository interface {
	Next(ctx context.Context, counterID string, step int64) (int64, error)
	Configure(ctx context.Context, counterID string, cfg CounterConfig) error
}

// HealthRepository exposes status of downstream dependencies for health checks.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.SystemHealthReport, error)
}

// Filter DTOs shared across repositories ------------------------------------

type OrderListFilter struct {
	UserID        string
	Status        []domain.OrderStatus
	CreatedAfter  *time.Time
	CreatedBefore *time.Time
	Pagination    domain.Pagination
	SortOrder     domain.SortOrder
}

type SubscriptionListFilter struct {
	Status     []domain.SubscriptionStatus
	Pagination domain.Pagination
}

// CounterConfig customises increment behaviour and bounds for a counter.
type CounterConfig struct {
	Step         int64
	MaxValue     *int64
	InitialValue *int64
}
