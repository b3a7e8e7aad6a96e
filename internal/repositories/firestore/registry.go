package firestore

import (
	"context"
	"errors"
	"fmt"

	pfirestore "github.com/craftmarket/api/internal/platform/firestore"
	"github.com/craftmarket/api/internal/repositories"
)

// Registry bundles the Firestore-backed repositories behind the
// repositories.Registry contract so the service layer can be wired from a
// single provider.
type Registry struct {
	provider *pfirestore.Provider

	orders        *OrderRepository
	subscriptions *SubscriptionRepository
	carts         *CartRepository
	policies      *PricePolicyRepository
	counters      *CounterRepository
	health        repositories.HealthRepository
}

var _ repositories.Registry = (*Registry)(nil)

// RegistryOption customises registry construction.
type RegistryOption func(*Registry)

// WithHealthRepository attaches a health repository to the registry. Without
// it, Health() returns nil and the system service stays unwired.
func WithHealthRepository(health repositories.HealthRepository) RegistryOption {
	return func(r *Registry) {
		r.health = health
	}
}

// NewRegistry constructs every Firestore repository over the shared provider.
func NewRegistry(provider *pfirestore.Provider, opts ...RegistryOption) (*Registry, error) {
	if provider == nil {
		return nil, errors.New("firestore registry: provider is required")
	}

	orders, err := NewOrderRepository(provider)
	if err != nil {
		return nil, fmt.Errorf("firestore registry: %w", err)
	}
	subscriptions, err := NewSubscriptionRepository(provider)
	if err != nil {
		return nil, fmt.Errorf("firestore registry: %w", err)
	}
	carts, err := NewCartRepository(provider)
	if err != nil {
		return nil, fmt.Errorf("firestore registry: %w", err)
	}
	policies, err := NewPricePolicyRepository(provider)
	if err != nil {
		return nil, fmt.Errorf("firestore registry: %w", err)
	}
	counters, err := NewCounterRepository(provider)
	if err != nil {
		return nil, fmt.Errorf("firestore registry: %w", err)
	}

	registry := &Registry{
		provider:      provider,
		orders:        orders,
		subscriptions: subscriptions,
		carts:         carts,
		policies:      policies,
		counters:      counters,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(registry)
		}
	}
	return registry, nil
}

func (r *Registry) Orders() repositories.OrderRepository { return r.orders }

func (r *Registry) Subscriptions() repositories.SubscriptionRepository { return r.subscriptions }

func (r *Registry) Carts() repositories.CartRepository { return r.carts }

func (r *Registry) PricePolicies() repositories.PricePolicyRepository { return r.policies }

func (r *Registry) Counters() repositories.CounterRepository { return r.counters }

func (r *Registry) Health() repositories.HealthRepository { return r.health }

// RunInTx groups repository calls. The repositories enforce optimistic
// concurrency through ChangedAt preconditions on every update, so the
// grouping itself carries no transaction handle.
func (r *Registry) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if fn == nil {
		return errors.New("firestore registry: transaction function is nil")
	}
	return fn(ctx)
}

// Close releases the underlying Firestore client.
func (r *Registry) Close(ctx context.Context) error {
	if r == nil || r.provider == nil {
		return nil
	}
	return r.provider.Close(ctx)
}
