package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
	"github.com/stripe/stripe-go/v78/webhook"
)

const stripeSignatureHeader = "Stripe-Signature"

// StripeLogger defines the logging contract for Stripe provider operations.
type StripeLogger func(ctx context.Context, event string, fields map[string]any)

type stripeSessionAPI interface {
	New(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
	Get(id string, params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
}

type stripeSubscriptionAPI interface {
	Update(id string, params *stripe.SubscriptionParams) (*stripe.Subscription, error)
	Cancel(id string, params *stripe.SubscriptionCancelParams) (*stripe.Subscription, error)
}

type stripeClients struct {
	sessions      stripeSessionAPI
	subscriptions stripeSubscriptionAPI
}

// StripeProviderConfig configures the StripeProvider.
type StripeProviderConfig struct {
	APIKey        string
	WebhookSecret string
	Backends      *stripe.Backends
	Logger        StripeLogger
	Clock         func() time.Time
	Clients       *stripeClients
}

// StripeProvider implements the Provider interface using Stripe Checkout
// Sessions for one-off charges and Stripe Billing for agreements.
type StripeProvider struct {
	api           stripeClients
	webhookSecret string
	clock         func() time.Time
	logger        StripeLogger
}

// NewStripeProvider constructs a Stripe Provider using the given configuration.
func NewStripeProvider(cfg StripeProviderConfig) (*StripeProvider, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" && cfg.Clients == nil {
		return nil, errors.New("stripe: api key is required")
	}

	var clients stripeClients
	if cfg.Clients != nil {
		clients = *cfg.Clients
	} else {
		sc := client.New(apiKey, cfg.Backends)
		clients = stripeClients{
			sessions:      sc.CheckoutSessions,
			subscriptions: sc.Subscriptions,
		}
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &StripeProvider{
		api:           clients,
		webhookSecret: strings.TrimSpace(cfg.WebhookSecret),
		clock:         func() time.Time { return clock().UTC() },
		logger:        logger,
	}, nil
}

var _ Provider = (*StripeProvider)(nil)

// CreateCharge opens a payment-mode checkout session. The session id is the
// correlation reference webhooks echo back.
func (p *StripeProvider) CreateCharge(ctx context.Context, req ChargeRequest) (ChargeInstruction, error) {
	if req.Amount <= 0 {
		return ChargeInstruction{}, NewProviderError("stripe", "create_charge", "amount must be positive", nil)
	}
	currency := strings.ToLower(strings.TrimSpace(req.Currency))
	if currency == "" {
		return ChargeInstruction{}, NewProviderError("stripe", "create_charge", "currency is required", nil)
	}

	name := strings.TrimSpace(req.Description)
	if name == "" {
		name = fmt.Sprintf("Order %s", req.OrderNumber)
	}

	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL:        stripe.String(req.ReturnURL),
		CancelURL:         stripe.String(req.CancelURL),
		ClientReferenceID: stripe.String(req.OrderID),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Quantity: stripe.Int64(1),
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency:   stripe.String(currency),
					UnitAmount: stripe.Int64(toMinorUnits(req.Amount)),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripe.String(name),
					},
				},
			},
		},
	}
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}
	params.AddMetadata("order_id", req.OrderID)

	session, err := p.api.sessions.New(params)
	if err != nil {
		return ChargeInstruction{}, NewProviderError("stripe", "create_charge", "", err)
	}

	p.logger(ctx, "stripe.charge.created", map[string]any{
		"order_id":   req.OrderID,
		"session_id": session.ID,
	})

	return ChargeInstruction{
		ChargeID:      session.ID,
		CorrelationID: session.ID,
		RedirectURL:   session.URL,
		Raw:           map[string]any{"session_id": session.ID},
	}, nil
}

// ExecuteCharge re-reads the checkout session after the customer returned.
// Stripe settles hosted sessions server side, so this is a status probe, not
// a capture.
func (p *StripeProvider) ExecuteCharge(ctx context.Context, req ExecuteRequest) (ChargeResult, error) {
	sessionID := strings.TrimSpace(req.Tokens["session_id"])
	if sessionID == "" {
		return ChargeResult{}, NewProviderError("stripe", "execute_charge", "session_id token is required", nil)
	}

	session, err := p.api.sessions.Get(sessionID, nil)
	if err != nil {
		return ChargeResult{}, NewProviderError("stripe", "execute_charge", "", err)
	}

	settled := session.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid
	result := ChargeResult{
		ChargeID:      session.ID,
		CorrelationID: session.ID,
		Status:        string(session.PaymentStatus),
		Settled:       settled,
		Amount:        fromMinorUnits(session.AmountTotal),
		Currency:      strings.ToUpper(string(session.Currency)),
		Raw:           map[string]any{"session_id": session.ID},
	}
	if session.Subscription != nil {
		result.AgreementID = session.Subscription.ID
	}
	return result, nil
}

// CreateAgreement opens a subscription-mode checkout session.
func (p *StripeProvider) CreateAgreement(ctx context.Context, req AgreementRequest) (AgreementInstruction, error) {
	if req.Amount <= 0 {
		return AgreementInstruction{}, NewProviderError("stripe", "create_agreement", "amount must be positive", nil)
	}
	interval, err := stripeInterval(req.PeriodUnit)
	if err != nil {
		return AgreementInstruction{}, err
	}
	currency := strings.ToLower(strings.TrimSpace(req.Currency))
	if currency == "" {
		return AgreementInstruction{}, NewProviderError("stripe", "create_agreement", "currency is required", nil)
	}
	periodCount := req.PeriodCount
	if periodCount <= 0 {
		periodCount = 1
	}

	name := strings.TrimSpace(req.Description)
	if name == "" {
		name = fmt.Sprintf("Subscription %s", req.SubscriptionID)
	}

	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		SuccessURL:        stripe.String(req.ReturnURL),
		CancelURL:         stripe.String(req.CancelURL),
		ClientReferenceID: stripe.String(req.SubscriptionID),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Quantity: stripe.Int64(1),
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency:   stripe.String(currency),
					UnitAmount: stripe.Int64(toMinorUnits(req.Amount)),
					Recurring: &stripe.CheckoutSessionLineItemPriceDataRecurringParams{
						Interval:      stripe.String(interval),
						IntervalCount: stripe.Int64(int64(periodCount)),
					},
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripe.String(name),
					},
				},
			},
		},
	}
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}
	params.AddMetadata("subscription_id", req.SubscriptionID)
	params.AddMetadata("order_id", req.OrderID)

	session, err := p.api.sessions.New(params)
	if err != nil {
		return AgreementInstruction{}, NewProviderError("stripe", "create_agreement", "", err)
	}

	p.logger(ctx, "stripe.agreement.created", map[string]any{
		"subscription_id": req.SubscriptionID,
		"session_id":      session.ID,
	})

	// The billing agreement id (Stripe subscription) only exists once the
	// customer completes the session; until then the session id is the
	// handle.
	return AgreementInstruction{
		AgreementID: session.ID,
		RedirectURL: session.URL,
		Raw:         map[string]any{"session_id": session.ID},
	}, nil
}

// ExecuteAgreement resolves the created Stripe subscription after checkout
// completion.
func (p *StripeProvider) ExecuteAgreement(ctx context.Context, req ExecuteRequest) (ChargeResult, error) {
	result, err := p.ExecuteCharge(ctx, req)
	if err != nil {
		return ChargeResult{}, err
	}
	if result.AgreementID == "" {
		return ChargeResult{}, NewProviderError("stripe", "execute_agreement", "session has no subscription attached", nil)
	}
	return result, nil
}

// SuspendAgreement pauses collection on the Stripe subscription.
func (p *StripeProvider) SuspendAgreement(ctx context.Context, agreementID string) error {
	agreementID = strings.TrimSpace(agreementID)
	if agreementID == "" {
		return NewProviderError("stripe", "suspend_agreement", "agreement id is required", nil)
	}
	params := &stripe.SubscriptionParams{
		PauseCollection: &stripe.SubscriptionPauseCollectionParams{
			Behavior: stripe.String("void"),
		},
	}
	if _, err := p.api.subscriptions.Update(agreementID, params); err != nil {
		return NewProviderError("stripe", "suspend_agreement", "", err)
	}
	return nil
}

// ReactivateAgreement resumes collection on a paused Stripe subscription.
func (p *StripeProvider) ReactivateAgreement(ctx context.Context, agreementID string) error {
	agreementID = strings.TrimSpace(agreementID)
	if agreementID == "" {
		return NewProviderError("stripe", "reactivate_agreement", "agreement id is required", nil)
	}
	params := &stripe.SubscriptionParams{}
	// Clearing pause_collection resumes billing.
	params.AddExtra("pause_collection", "")
	if _, err := p.api.subscriptions.Update(agreementID, params); err != nil {
		return NewProviderError("stripe", "reactivate_agreement", "", err)
	}
	return nil
}

// CancelAgreement cancels the Stripe subscription permanently.
func (p *StripeProvider) CancelAgreement(ctx context.Context, agreementID string) error {
	agreementID = strings.TrimSpace(agreementID)
	if agreementID == "" {
		return NewProviderError("stripe", "cancel_agreement", "agreement id is required", nil)
	}
	if _, err := p.api.subscriptions.Cancel(agreementID, nil); err != nil {
		return NewProviderError("stripe", "cancel_agreement", "", err)
	}
	return nil
}

// VerifyWebhook validates the Stripe-Signature header and normalises the event.
func (p *StripeProvider) VerifyWebhook(ctx context.Context, req WebhookRequest) (WebhookEvent, error) {
	if p.webhookSecret == "" {
		return WebhookEvent{}, NewProviderError("stripe", "verify_webhook", "webhook secret not configured", nil)
	}
	signature := req.Headers[stripeSignatureHeader]
	if signature == "" {
		signature = req.Headers[strings.ToLower(stripeSignatureHeader)]
	}

	event, err := webhook.ConstructEventWithOptions(req.Payload, signature, p.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return WebhookEvent{}, fmt.Errorf("%w: %v", ErrWebhookVerification, err)
	}

	normalised := WebhookEvent{
		ID:         event.ID,
		Type:       EventIgnored,
		Status:     "completed",
		OccurredAt: time.Unix(event.Created, 0).UTC(),
		Raw:        map[string]any{"type": string(event.Type), "id": event.ID},
	}

	switch string(event.Type) {
	case "checkout.session.completed":
		var session stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
			return WebhookEvent{}, NewProviderError("stripe", "verify_webhook", "malformed checkout session payload", err)
		}
		normalised.CorrelationID = session.ID
		normalised.Amount = fromMinorUnits(session.AmountTotal)
		normalised.Currency = strings.ToUpper(string(session.Currency))
		if session.Mode == stripe.CheckoutSessionModeSubscription {
			normalised.Type = EventSubscriptionPaymentCompleted
			if session.Subscription != nil {
				normalised.AgreementID = session.Subscription.ID
			}
		} else if session.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid {
			normalised.Type = EventOrderPaymentCompleted
		}
	case "invoice.paid", "invoice.payment_succeeded":
		var invoice stripe.Invoice
		if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
			return WebhookEvent{}, NewProviderError("stripe", "verify_webhook", "malformed invoice payload", err)
		}
		normalised.Type = EventSubscriptionPaymentCompleted
		normalised.CorrelationID = invoice.ID
		normalised.Amount = fromMinorUnits(invoice.AmountPaid)
		normalised.Currency = strings.ToUpper(string(invoice.Currency))
		if invoice.Subscription != nil {
			normalised.AgreementID = invoice.Subscription.ID
		}
	case "customer.subscription.deleted":
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return WebhookEvent{}, NewProviderError("stripe", "verify_webhook", "malformed subscription payload", err)
		}
		normalised.Type = EventSubscriptionCanceled
		normalised.AgreementID = sub.ID
		normalised.Status = string(sub.Status)
	}

	p.logger(ctx, "stripe.webhook.verified", map[string]any{
		"event_id":   event.ID,
		"event_type": string(event.Type),
		"mapped":     string(normalised.Type),
	})
	return normalised, nil
}

func stripeInterval(periodUnit string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(periodUnit)) {
	case "day":
		return "day", nil
	case "week":
		return "week", nil
	case "month":
		return "month", nil
	case "year":
		return "year", nil
	default:
		return "", NewProviderError("stripe", "create_agreement", fmt.Sprintf("unsupported period unit %q", periodUnit), nil)
	}
}

func toMinorUnits(amount float64) int64 {
	return int64(math.Round(amount * 100))
}

func fromMinorUnits(amount int64) float64 {
	return float64(amount) / 100
}
