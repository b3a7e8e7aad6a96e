package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	domain "github.com/craftmarket/api/internal/domain"
	"github.com/craftmarket/api/internal/payments"
	"github.com/craftmarket/api/internal/repositories"
)

var (
	// ErrWebhookRejected indicates the callback failed authentication and
	// must not be acknowledged.
	ErrWebhookRejected = errors.New("webhook: rejected")
)

// webhookVerifier abstracts payments.Manager webhook verification.
type webhookVerifier interface {
	VerifyWebhook(ctx context.Context, paymentCtx payments.PaymentContext, req payments.WebhookRequest) (payments.WebhookEvent, error)
}

// WebhookServiceDeps bundles collaborators for the webhook router.
type WebhookServiceDeps struct {
	Orders           repositories.OrderRepository
	Subscriptions    repositories.SubscriptionRepository
	OrderService     OrderService
	SubscriptionsSvc SubscriptionService
	Verifier         webhookVerifier
	Clock            func() time.Time
	Logger           func(ctx context.Context, event string, fields map[string]any)
}

type webhookService struct {
	orders          repositories.OrderRepository
	subscriptions   repositories.SubscriptionRepository
	orderService    OrderService
	subscriptionSvc SubscriptionService
	verifier        webhookVerifier
	clock           func() time.Time
	logger          func(context.Context, string, map[string]any)
}

// NewWebhookService wires dependencies into a concrete WebhookService.
func NewWebhookService(deps WebhookServiceDeps) (WebhookService, error) {
	if deps.Verifier == nil {
		return nil, errors.New("webhook service: verifier is required")
	}
	if deps.Orders == nil {
		return nil, errors.New("webhook service: order repository is required")
	}
	if deps.Subscriptions == nil {
		return nil, errors.New("webhook service: subscription repository is required")
	}
	if deps.OrderService == nil {
		return nil, errors.New("webhook service: order service is required")
	}
	if deps.SubscriptionsSvc == nil {
		return nil, errors.New("webhook service: subscription service is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &webhookService{
		orders:          deps.Orders,
		subscriptions:   deps.Subscriptions,
		orderService:    deps.OrderService,
		subscriptionSvc: deps.SubscriptionsSvc,
		verifier:        deps.Verifier,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// HandleProviderEvent authenticates and routes one provider callback. A
// failed verification is the only case that returns an error instead of an
// acknowledgment: every authentic event is acked even when processing could
// not act on it, since the payment log dedupes redeliveries anyway.
func (s *webhookService) HandleProviderEvent(ctx context.Context, cmd ProviderEventCommand) (ProviderEventResult, error) {
	supplier := strings.TrimSpace(cmd.Supplier)
	if supplier == "" {
		return ProviderEventResult{}, fmt.Errorf("%w: supplier is required", ErrWebhookRejected)
	}
	if len(cmd.Payload) == 0 {
		return ProviderEventResult{}, fmt.Errorf("%w: empty payload", ErrWebhookRejected)
	}

	event, err := s.verifier.VerifyWebhook(ctx, payments.PaymentContext{PreferredProvider: supplier}, payments.WebhookRequest{
		Payload: cmd.Payload,
		Headers: cmd.Headers,
	})
	if err != nil {
		return ProviderEventResult{}, fmt.Errorf("%w: %v", ErrWebhookRejected, err)
	}

	result := ProviderEventResult{
		EventType: string(event.Type),
		Ack: map[string]any{
			"received": true,
			"eventId":  event.ID,
		},
	}

	var handleErr error
	switch event.Type {
	case payments.EventOrderPaymentCompleted:
		handleErr = s.handleOrderPayment(ctx, event)
	case payments.EventSubscriptionPaymentCompleted:
		handleErr = s.handleSubscriptionPayment(ctx, event)
	case payments.EventSubscriptionCanceled:
		handleErr = s.handleSubscriptionCanceled(ctx, event)
	case payments.EventIgnored:
		result.Ack["ignored"] = true
		return result, nil
	default:
		result.Ack["ignored"] = true
		return result, nil
	}

	if handleErr != nil {
		s.logger(ctx, "webhook.process.failed", map[string]any{
			"provider": event.Provider,
			"event":    event.ID,
			"type":     string(event.Type),
			"error":    handleErr.Error(),
		})
		result.Ack["processed"] = false
		return result, nil
	}

	result.Handled = true
	result.Ack["processed"] = true
	return result, nil
}

func (s *webhookService) handleOrderPayment(ctx context.Context, event payments.WebhookEvent) error {
	correlationID := strings.TrimSpace(event.CorrelationID)
	if correlationID == "" {
		return errors.New("event carries no correlation reference")
	}

	order, err := s.orders.FindByCorrelation(ctx, event.Provider, correlationID)
	if err != nil {
		return fmt.Errorf("resolve order for %s: %w", correlationID, err)
	}

	_, err = s.orderService.ApplyPayment(ctx, ApplyPaymentCommand{
		OrderID: order.ID,
		Record:  paymentRecordFromEvent(event, s.clock()),
	})
	return err
}

func (s *webhookService) handleSubscriptionPayment(ctx context.Context, event payments.WebhookEvent) error {
	agreementID := strings.TrimSpace(event.AgreementID)
	if agreementID == "" {
		return errors.New("event carries no agreement reference")
	}

	sub, err := s.subscriptions.FindByAgreementID(ctx, event.Provider, agreementID)
	if err != nil {
		return fmt.Errorf("resolve subscription for agreement %s: %w", agreementID, err)
	}

	_, err = s.subscriptionSvc.AdvanceAfterPayment(ctx, AdvancePaymentCommand{
		SubscriptionID: sub.ID,
		Record:         paymentRecordFromEvent(event, s.clock()),
	})
	return err
}

// handleSubscriptionCanceled records a provider-side agreement termination.
// The subscription moves to stopped; an already terminal record is left
// untouched so redeliveries stay idempotent.
func (s *webhookService) handleSubscriptionCanceled(ctx context.Context, event payments.WebhookEvent) error {
	agreementID := strings.TrimSpace(event.AgreementID)
	if agreementID == "" {
		return errors.New("event carries no agreement reference")
	}

	sub, err := s.subscriptions.FindByAgreementID(ctx, event.Provider, agreementID)
	if err != nil {
		return fmt.Errorf("resolve subscription for agreement %s: %w", agreementID, err)
	}
	if isTerminalSubscriptionStatus(sub.Status) {
		return nil
	}

	now := s.clock()
	sub.Status = domain.SubscriptionStatusStopped
	sub.History = append(sub.History, SubscriptionEvent{
		Action: subscriptionEventStopped,
		Actor:  "provider",
		At:     now,
		Payload: map[string]any{
			"eventId": event.ID,
			"reason":  "provider canceled the agreement",
		},
	})
	sub.UpdatedAt = now

	return s.subscriptions.Update(ctx, sub)
}

func paymentRecordFromEvent(event payments.WebhookEvent, receivedAt time.Time) PaymentRecord {
	occurred := event.OccurredAt
	if occurred.IsZero() {
		occurred = receivedAt
	}
	return PaymentRecord{
		EventID:       event.ID,
		Supplier:      event.Provider,
		Kind:          "webhook",
		Status:        event.Status,
		Amount:        event.Amount,
		Currency:      event.Currency,
		CorrelationID: firstNonEmpty(event.CorrelationID, event.AgreementID),
		Raw:           event.Raw,
		ReceivedAt:    occurred,
	}
}
