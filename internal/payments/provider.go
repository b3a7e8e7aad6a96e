package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// EventType classifies normalised webhook events across providers.
type EventType string

const (
	// EventOrderPaymentCompleted reports a one-off charge settled.
	EventOrderPaymentCompleted EventType = "order_payment_completed"
	// EventSubscriptionPaymentCompleted reports a recurring charge settled.
	EventSubscriptionPaymentCompleted EventType = "subscription_payment_completed"
	// EventSubscriptionCanceled reports the provider-side agreement ended.
	EventSubscriptionCanceled EventType = "subscription_canceled"
	// EventIgnored marks authentic events the system does not process.
	EventIgnored EventType = "ignored"
)

var (
	// ErrUnsupportedProvider is returned when the manager cannot locate a provider.
	ErrUnsupportedProvider = errors.New("payments: unsupported provider")
	// ErrWebhookVerification is returned when a webhook's signature or shared secret does not check out.
	ErrWebhookVerification = errors.New("payments: webhook verification failed")
)

// ProviderError carries a provider-reported failure without corrupting local state.
type ProviderError struct {
	Provider string
	Op       string
	Message  string
	Err      error
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	if e == nil {
		return ""
	}
	if e.Message != "" {
		return fmt.Sprintf("payments/%s: %s: %s", e.Provider, e.Op, e.Message)
	}
	return fmt.Sprintf("payments/%s: %s: %v", e.Provider, e.Op, e.Err)
}

// Unwrap exposes the underlying error.
func (e *ProviderError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewProviderError constructs a typed provider failure.
func NewProviderError(provider, op, message string, err error) *ProviderError {
	return &ProviderError{Provider: provider, Op: op, Message: message, Err: err}
}

// ChargeRequest describes a one-off payment to initiate with a provider.
type ChargeRequest struct {
	OrderID     string
	OrderNumber string
	Amount      float64
	Currency    string
	Description string
	CustomerID  string
	ReturnURL   string
	CancelURL   string
	Metadata    map[string]string
}

// ChargeInstruction is the provider's handle for continuing a charge:
// a redirect URL for approval-flow providers, or a client token for
// in-page confirmation.
type ChargeInstruction struct {
	Provider string
	ChargeID string
	// CorrelationID is the provider-assigned reference later echoed in
	// webhooks; stored on the order at charge-creation time.
	CorrelationID string
	RedirectURL   string
	ClientToken   string
	Raw           map[string]any
}

// AgreementRequest describes a recurring billing plan to establish.
type AgreementRequest struct {
	SubscriptionID string
	OrderID        string
	Description    string
	Amount         float64
	Currency       string
	PeriodUnit     string
	PeriodCount    int
	Cycles         int
	CustomerID     string
	ReturnURL      string
	CancelURL      string
	Metadata       map[string]string
}

// AgreementInstruction is the provider handle for an agreement pending
// customer acceptance.
type AgreementInstruction struct {
	Provider    string
	AgreementID string
	PlanID      string
	RedirectURL string
	ClientToken string
	Raw         map[string]any
}

// ExecuteRequest finalises a charge or agreement after the customer returns
// from the provider's approval flow.
type ExecuteRequest struct {
	// Tokens carries provider-specific execution parameters from the
	// return redirect (payer id, payment id, session id, agreement token).
	Tokens map[string]string
}

// ChargeResult reports the outcome of a finalised charge or agreement.
type ChargeResult struct {
	Provider      string
	ChargeID      string
	CorrelationID string
	AgreementID   string
	Status        string
	Settled       bool
	Amount        float64
	Currency      string
	Raw           map[string]any
}

// WebhookRequest carries an inbound provider callback before verification.
type WebhookRequest struct {
	Payload []byte
	Headers map[string]string
}

// WebhookEvent is a verified, normalised provider event.
type WebhookEvent struct {
	ID       string
	Provider string
	Type     EventType
	// CorrelationID identifies the order-side charge reference.
	CorrelationID string
	// AgreementID identifies the subscription-side billing agreement.
	AgreementID string
	Status      string
	Amount      float64
	Currency    string
	OccurredAt  time.Time
	Raw         map[string]any
}

// Provider defines the capability contract concrete payment adapters implement.
type Provider interface {
	// CreateCharge initiates a one-off payment and returns the handle to
	// continue it.
	CreateCharge(ctx context.Context, req ChargeRequest) (ChargeInstruction, error)
	// ExecuteCharge finalises a redirect-flow charge after the customer
	// approved it.
	ExecuteCharge(ctx context.Context, req ExecuteRequest) (ChargeResult, error)
	// CreateAgreement establishes a recurring billing plan pending
	// customer acceptance.
	CreateAgreement(ctx context.Context, req AgreementRequest) (AgreementInstruction, error)
	// ExecuteAgreement finalises the billing agreement after acceptance.
	ExecuteAgreement(ctx context.Context, req ExecuteRequest) (ChargeResult, error)
	// SuspendAgreement pauses provider-side billing.
	SuspendAgreement(ctx context.Context, agreementID string) error
	// ReactivateAgreement resumes provider-side billing.
	ReactivateAgreement(ctx context.Context, agreementID string) error
	// CancelAgreement permanently ends provider-side billing.
	CancelAgreement(ctx context.Context, agreementID string) error
	// VerifyWebhook authenticates a callback and normalises it. A failed
	// verification returns ErrWebhookVerification.
	VerifyWebhook(ctx context.Context, req WebhookRequest) (WebhookEvent, error)
}

// Manager is the typed provider registry. Suppliers are resolved by explicit
// preference first, then static currency routes, then the default.
type Manager struct {
	providers       map[string]Provider
	defaultProvider string
	currencyRoutes  map[string]string
}

// ManagerOption configures optional behaviour when building a Manager.
type ManagerOption func(*Manager)

// WithDefaultProvider overrides the default provider for currencies without explicit routing.
func WithDefaultProvider(provider string) ManagerOption {
	return func(m *Manager) {
		m.defaultProvider = provider
	}
}

// WithCurrencyRoutes configures static currency to provider mappings.
func WithCurrencyRoutes(routes map[string]string) ManagerOption {
	return func(m *Manager) {
		if len(routes) == 0 {
			return
		}
		if m.currencyRoutes == nil {
			m.currencyRoutes = make(map[string]string, len(routes))
		}
		for k, v := range routes {
			m.currencyRoutes[strings.ToUpper(strings.TrimSpace(k))] = strings.TrimSpace(v)
		}
	}
}

// NewManager constructs a Manager over the supplied providers.
func NewManager(providers map[string]Provider, opts ...ManagerOption) (*Manager, error) {
	if len(providers) == 0 {
		return nil, errors.New("payments: at least one provider is required")
	}
	copyMap := make(map[string]Provider, len(providers))
	for k, v := range providers {
		key := strings.TrimSpace(strings.ToLower(k))
		if key == "" || v == nil {
			return nil, fmt.Errorf("payments: invalid provider registration for key %q", k)
		}
		copyMap[key] = v
	}
	m := &Manager{
		providers: copyMap,
	}
	if _, ok := copyMap["stripe"]; ok {
		m.defaultProvider = "stripe"
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// PaymentContext defines the hints available when selecting a provider.
type PaymentContext struct {
	PreferredProvider string
	Currency          string
	Metadata          map[string]string
}

// Resolve returns the provider key and adapter matching the context.
func (m *Manager) Resolve(ctx PaymentContext) (string, Provider, error) {
	if m == nil {
		return "", nil, errors.New("payments: manager is nil")
	}
	if len(m.providers) == 0 {
		return "", nil, errors.New("payments: no providers registered")
	}
	if provider := strings.TrimSpace(strings.ToLower(ctx.PreferredProvider)); provider != "" {
		if p, ok := m.providers[provider]; ok {
			return provider, p, nil
		}
	}
	currency := strings.ToUpper(strings.TrimSpace(ctx.Currency))
	if currency != "" && m.currencyRoutes != nil {
		if providerKey, ok := m.currencyRoutes[currency]; ok {
			provider := strings.TrimSpace(strings.ToLower(providerKey))
			if p, ok := m.providers[provider]; ok {
				return provider, p, nil
			}
		}
	}
	if def := strings.TrimSpace(strings.ToLower(m.defaultProvider)); def != "" {
		if p, ok := m.providers[def]; ok {
			return def, p, nil
		}
	}
	if len(m.providers) == 1 {
		for key, p := range m.providers {
			return key, p, nil
		}
	}
	return "", nil, ErrUnsupportedProvider
}

// CreateCharge delegates to the resolved provider.
func (m *Manager) CreateCharge(ctx context.Context, paymentCtx PaymentContext, req ChargeRequest) (ChargeInstruction, error) {
	key, provider, err := m.Resolve(paymentCtx)
	if err != nil {
		return ChargeInstruction{}, err
	}
	instruction, err := provider.CreateCharge(ctx, req)
	if err != nil {
		return ChargeInstruction{}, err
	}
	instruction.Provider = key
	return instruction, nil
}

// ExecuteCharge delegates to the resolved provider.
func (m *Manager) ExecuteCharge(ctx context.Context, paymentCtx PaymentContext, req ExecuteRequest) (ChargeResult, error) {
	key, provider, err := m.Resolve(paymentCtx)
	if err != nil {
		return ChargeResult{}, err
	}
	result, err := provider.ExecuteCharge(ctx, req)
	if err != nil {
		return ChargeResult{}, err
	}
	result.Provider = key
	return result, nil
}

// CreateAgreement delegates to the resolved provider.
func (m *Manager) CreateAgreement(ctx context.Context, paymentCtx PaymentContext, req AgreementRequest) (AgreementInstruction, error) {
	key, provider, err := m.Resolve(paymentCtx)
	if err != nil {
		return AgreementInstruction{}, err
	}
	instruction, err := provider.CreateAgreement(ctx, req)
	if err != nil {
		return AgreementInstruction{}, err
	}
	instruction.Provider = key
	return instruction, nil
}

// ExecuteAgreement delegates to the resolved provider.
func (m *Manager) ExecuteAgreement(ctx context.Context, paymentCtx PaymentContext, req ExecuteRequest) (ChargeResult, error) {
	key, provider, err := m.Resolve(paymentCtx)
	if err != nil {
		return ChargeResult{}, err
	}
	result, err := provider.ExecuteAgreement(ctx, req)
	if err != nil {
		return ChargeResult{}, err
	}
	result.Provider = key
	return result, nil
}

// SuspendAgreement delegates to the resolved provider.
func (m *Manager) SuspendAgreement(ctx context.Context, paymentCtx PaymentContext, agreementID string) error {
	_, provider, err := m.Resolve(paymentCtx)
	if err != nil {
		return err
	}
	return provider.SuspendAgreement(ctx, agreementID)
}

// ReactivateAgreement delegates to the resolved provider.
func (m *Manager) ReactivateAgreement(ctx context.Context, paymentCtx PaymentContext, agreementID string) error {
	_, provider, err := m.Resolve(paymentCtx)
	if err != nil {
		return err
	}
	return provider.ReactivateAgreement(ctx, agreementID)
}

// CancelAgreement delegates to the resolved provider.
func (m *Manager) CancelAgreement(ctx context.Context, paymentCtx PaymentContext, agreementID string) error {
	_, provider, err := m.Resolve(paymentCtx)
	if err != nil {
		return err
	}
	return provider.CancelAgreement(ctx, agreementID)
}

// VerifyWebhook delegates to the resolved provider.
func (m *Manager) VerifyWebhook(ctx context.Context, paymentCtx PaymentContext, req WebhookRequest) (WebhookEvent, error) {
	key, provider, err := m.Resolve(paymentCtx)
	if err != nil {
		return WebhookEvent{}, err
	}
	event, err := provider.VerifyWebhook(ctx, req)
	if err != nil {
		return WebhookEvent{}, err
	}
	event.Provider = key
	return event, nil
}
