package di

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/craftmarket/api/internal/payments"
	"github.com/craftmarket/api/internal/platform/config"
	"github.com/craftmarket/api/internal/repositories"
	"github.com/craftmarket/api/internal/services"
)

// Services bundles the service-layer contracts that handlers rely upon. Concrete implementations
// are assembled via dependency injection in NewContainer.
type Services struct {
	Orders        services.OrderService
	Subscriptions services.SubscriptionService
	Webhooks      services.WebhookService
	Pricing       services.PriceCalculator
	System        services.SystemService
}

// Container wires repositories, services, and background infrastructure for runtime use.
type Container struct {
	Config       config.Config
	Repositories repositories.Registry
	Services     Services
}

// Option customises optional collaborators supplied to the container.
type Option func(*containerOptions)

type containerOptions struct {
	payments       *payments.Manager
	intake         services.IntakeClient
	events         services.OrderEventPublisher
	build          services.BuildInfo
	sweepTolerance time.Duration
	clock          func() time.Time
	logger         func(ctx context.Context, event string, fields map[string]any)
}

// WithPaymentManager attaches the provider registry used for charges, agreements,
// and webhook verification.
func WithPaymentManager(manager *payments.Manager) Option {
	return func(o *containerOptions) {
		o.payments = manager
	}
}

// WithIntakeClient attaches the order-intake forwarder invoked when an order is sent.
func WithIntakeClient(client services.IntakeClient) Option {
	return func(o *containerOptions) {
		o.intake = client
	}
}

// WithOrderEventPublisher attaches the publisher notified on order lifecycle transitions.
func WithOrderEventPublisher(events services.OrderEventPublisher) Option {
	return func(o *containerOptions) {
		o.events = events
	}
}

// WithBuildInfo records build metadata surfaced through health reports.
func WithBuildInfo(build services.BuildInfo) Option {
	return func(o *containerOptions) {
		o.build = build
	}
}

// WithSweepTolerance overrides the grace window applied by the subscription sweep.
func WithSweepTolerance(tolerance time.Duration) Option {
	return func(o *containerOptions) {
		if tolerance > 0 {
			o.sweepTolerance = tolerance
		}
	}
}

// WithClock injects a custom clock primarily for tests.
func WithClock(clock func() time.Time) Option {
	return func(o *containerOptions) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// WithServiceLogger injects the structured event logger passed to every service.
func WithServiceLogger(logger func(ctx context.Context, event string, fields map[string]any)) Option {
	return func(o *containerOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// NewContainer constructs the runtime dependencies. Production wiring provides the
// Firestore registry and payment manager, while tests can supply in-memory fakes.
func NewContainer(ctx context.Context, cfg config.Config, reg repositories.Registry, opts ...Option) (*Container, error) {
	if reg == nil {
		return nil, errors.New("repositories registry is required")
	}

	options := containerOptions{
		clock: time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}

	svc, err := buildServices(ctx, reg, cfg, options)
	if err != nil {
		return nil, err
	}

	return &Container{
		Config:       cfg,
		Repositories: reg,
		Services:     svc,
	}, nil
}

// Close releases resources such as repository clients, background workers, or caches.
func (c *Container) Close(ctx context.Context) error {
	if c == nil || c.Repositories == nil {
		return nil
	}
	return c.Repositories.Close(ctx)
}

func buildServices(_ context.Context, reg repositories.Registry, cfg config.Config, options containerOptions) (Services, error) {
	var svc Services

	pricing := services.NewPricingEngine(services.PricingEngineDeps{
		Logger: options.logger,
	})
	svc.Pricing = pricing

	subscriptionDeps := services.SubscriptionServiceDeps{
		Subscriptions:  reg.Subscriptions(),
		Orders:         reg.Orders(),
		Policies:       reg.PricePolicies(),
		Counters:       reg.Counters(),
		Pricing:        pricing,
		UnitOfWork:     reg,
		SweepTolerance: options.sweepTolerance,
		Clock:          options.clock,
		Logger:         options.logger,
	}
	if options.payments != nil {
		subscriptionDeps.Agreements = &agreementRouter{
			manager:         options.payments,
			defaultProvider: cfg.PSP.DefaultProvider,
		}
	}
	subscriptions, err := services.NewSubscriptionService(subscriptionDeps)
	if err != nil {
		return Services{}, fmt.Errorf("build subscription service: %w", err)
	}
	svc.Subscriptions = subscriptions

	orderDeps := services.OrderServiceDeps{
		Orders:          reg.Orders(),
		Carts:           reg.Carts(),
		Policies:        reg.PricePolicies(),
		Counters:        reg.Counters(),
		Pricing:         pricing,
		Subscriptions:   subscriptions,
		UnitOfWork:      reg,
		DefaultCurrency: cfg.PSP.DefaultCurrency,
		Clock:           options.clock,
		Logger:          options.logger,
	}
	if options.payments != nil {
		orderDeps.Payments = options.payments
	}
	if options.intake != nil && cfg.Features.EnableIntakeForwarding {
		orderDeps.Intake = options.intake
	}
	if options.events != nil && cfg.Features.EnableOrderEvents {
		orderDeps.Events = options.events
	}
	orders, err := services.NewOrderService(orderDeps)
	if err != nil {
		return Services{}, fmt.Errorf("build order service: %w", err)
	}
	svc.Orders = orders

	if options.payments != nil {
		webhooks, err := services.NewWebhookService(services.WebhookServiceDeps{
			Orders:           reg.Orders(),
			Subscriptions:    reg.Subscriptions(),
			OrderService:     orders,
			SubscriptionsSvc: subscriptions,
			Verifier:         options.payments,
			Clock:            options.clock,
			Logger:           options.logger,
		})
		if err != nil {
			return Services{}, fmt.Errorf("build webhook service: %w", err)
		}
		svc.Webhooks = webhooks
	}

	if healthRepo := reg.Health(); healthRepo != nil {
		system, err := services.NewSystemService(services.SystemServiceDeps{
			HealthRepository: healthRepo,
			Clock:            options.clock,
			Build:            options.build,
		})
		if err != nil {
			return Services{}, fmt.Errorf("build system service: %w", err)
		}
		svc.System = system
	}

	return svc, nil
}

// agreementRouter adapts the payment manager to the per-agreement lifecycle
// calls the subscription service makes. The supplier is inferred from the
// agreement id shape: PayPal billing agreements carry an I- prefix, Stripe
// subscriptions a sub_ prefix.
type agreementRouter struct {
	manager         *payments.Manager
	defaultProvider string
}

func (r *agreementRouter) SuspendAgreement(ctx context.Context, agreementID string) error {
	return r.manager.SuspendAgreement(ctx, r.contextFor(agreementID), agreementID)
}

func (r *agreementRouter) ReactivateAgreement(ctx context.Context, agreementID string) error {
	return r.manager.ReactivateAgreement(ctx, r.contextFor(agreementID), agreementID)
}

func (r *agreementRouter) CancelAgreement(ctx context.Context, agreementID string) error {
	return r.manager.CancelAgreement(ctx, r.contextFor(agreementID), agreementID)
}

func (r *agreementRouter) contextFor(agreementID string) payments.PaymentContext {
	provider := r.defaultProvider
	switch {
	case strings.HasPrefix(agreementID, "I-"):
		provider = "paypal"
	case strings.HasPrefix(agreementID, "sub_"):
		provider = "stripe"
	}
	return payments.PaymentContext{PreferredProvider: provider}
}
