package services

import (
	"context"
	"errors"
	"testing"
	"time"

	domain "github.com/craftmarket/api/internal/domain"
	"github.com/craftmarket/api/internal/payments"
)

type stubWebhookVerifier struct {
	verifyFn func(context.Context, payments.PaymentContext, payments.WebhookRequest) (payments.WebhookEvent, error)
}

func (s *stubWebhookVerifier) VerifyWebhook(ctx context.Context, paymentCtx payments.PaymentContext, req payments.WebhookRequest) (payments.WebhookEvent, error) {
	if s.verifyFn != nil {
		return s.verifyFn(ctx, paymentCtx, req)
	}
	return payments.WebhookEvent{}, errors.New("not implemented")
}

type stubOrderService struct {
	applyFn func(context.Context, ApplyPaymentCommand) (Order, error)
}

func (s *stubOrderService) Progress(context.Context, ProgressCommand) (ProgressResult, error) {
	return ProgressResult{}, errors.New("not implemented")
}

func (s *stubOrderService) GetOrder(context.Context, GetOrderCommand) (Order, error) {
	return Order{}, errors.New("not implemented")
}

func (s *stubOrderService) ListOrders(context.Context, OrderListFilter) (domain.CursorPage[Order], error) {
	return domain.CursorPage[Order]{}, errors.New("not implemented")
}

func (s *stubOrderService) Cancel(context.Context, CancelOrderCommand) (Order, error) {
	return Order{}, errors.New("not implemented")
}

func (s *stubOrderService) StartPayment(context.Context, StartPaymentCommand) (PaymentInstruction, error) {
	return PaymentInstruction{}, errors.New("not implemented")
}

func (s *stubOrderService) CompletePaymentReturn(context.Context, PaymentReturnCommand) (PaymentReturnResult, error) {
	return PaymentReturnResult{}, errors.New("not implemented")
}

func (s *stubOrderService) ApplyPayment(ctx context.Context, cmd ApplyPaymentCommand) (Order, error) {
	if s.applyFn != nil {
		return s.applyFn(ctx, cmd)
	}
	return Order{}, errors.New("not implemented")
}

func newTestWebhookService(t *testing.T, deps WebhookServiceDeps) WebhookService {
	t.Helper()
	if deps.Orders == nil {
		deps.Orders = &stubOrderRepo{}
	}
	if deps.Subscriptions == nil {
		deps.Subscriptions = &stubSubscriptionRepo{}
	}
	if deps.OrderService == nil {
		deps.OrderService = &stubOrderService{}
	}
	if deps.SubscriptionsSvc == nil {
		deps.SubscriptionsSvc = &stubSubscriptionSvc{}
	}
	if deps.Verifier == nil {
		deps.Verifier = &stubWebhookVerifier{}
	}
	if deps.Clock == nil {
		deps.Clock = testClock
	}
	svc, err := NewWebhookService(deps)
	if err != nil {
		t.Fatalf("new webhook service: %v", err)
	}
	return svc
}

func TestHandleProviderEventRejectsFailedVerification(t *testing.T) {
	verifier := &stubWebhookVerifier{
		verifyFn: func(context.Context, payments.PaymentContext, payments.WebhookRequest) (payments.WebhookEvent, error) {
			return payments.WebhookEvent{}, payments.ErrWebhookVerification
		},
	}
	svc := newTestWebhookService(t, WebhookServiceDeps{Verifier: verifier})

	_, err := svc.HandleProviderEvent(context.Background(), ProviderEventCommand{
		Supplier: "stripe",
		Payload:  []byte(`{}`),
	})
	if !errors.Is(err, ErrWebhookRejected) {
		t.Fatalf("expected ErrWebhookRejected, got %v", err)
	}
}

func TestHandleProviderEventRejectsEmptyPayload(t *testing.T) {
	svc := newTestWebhookService(t, WebhookServiceDeps{})

	if _, err := svc.HandleProviderEvent(context.Background(), ProviderEventCommand{Supplier: "stripe"}); !errors.Is(err, ErrWebhookRejected) {
		t.Fatalf("expected ErrWebhookRejected for empty payload, got %v", err)
	}
	if _, err := svc.HandleProviderEvent(context.Background(), ProviderEventCommand{Payload: []byte(`{}`)}); !errors.Is(err, ErrWebhookRejected) {
		t.Fatalf("expected ErrWebhookRejected for missing supplier, got %v", err)
	}
}

func TestHandleProviderEventRoutesOrderPayment(t *testing.T) {
	verifier := &stubWebhookVerifier{
		verifyFn: func(_ context.Context, paymentCtx payments.PaymentContext, _ payments.WebhookRequest) (payments.WebhookEvent, error) {
			if paymentCtx.PreferredProvider != "stripe" {
				t.Fatalf("expected supplier forwarded, got %q", paymentCtx.PreferredProvider)
			}
			return payments.WebhookEvent{
				ID:            "evt_1",
				Provider:      "stripe",
				Type:          payments.EventOrderPaymentCompleted,
				CorrelationID: "cs_1",
				Status:        "completed",
				Amount:        25,
				Currency:      "EUR",
			}, nil
		},
	}
	orders := &stubOrderRepo{
		findCorrFn: func(_ context.Context, supplier string, correlationID string) (domain.Order, error) {
			if supplier != "stripe" || correlationID != "cs_1" {
				t.Fatalf("unexpected correlation lookup %q/%q", supplier, correlationID)
			}
			return domain.Order{ID: "ord_1"}, nil
		},
	}
	var applied *ApplyPaymentCommand
	orderSvc := &stubOrderService{
		applyFn: func(_ context.Context, cmd ApplyPaymentCommand) (Order, error) {
			applied = &cmd
			return Order{ID: cmd.OrderID, Status: domain.OrderStatusPaid}, nil
		},
	}

	svc := newTestWebhookService(t, WebhookServiceDeps{Verifier: verifier, Orders: orders, OrderService: orderSvc})

	result, err := svc.HandleProviderEvent(context.Background(), ProviderEventCommand{
		Supplier: "stripe",
		Payload:  []byte(`{"id":"evt_1"}`),
		Headers:  map[string]string{"Stripe-Signature": "sig"},
	})
	if err != nil {
		t.Fatalf("handle provider event: %v", err)
	}
	if !result.Handled {
		t.Fatalf("expected handled event")
	}
	if result.Ack["processed"] != true {
		t.Fatalf("expected processed ack, got %v", result.Ack)
	}
	if applied == nil {
		t.Fatalf("expected payment applied")
	}
	if applied.OrderID != "ord_1" || applied.Record.EventID != "evt_1" || applied.Record.Kind != "webhook" {
		t.Fatalf("unexpected apply command %+v", applied)
	}
}

func TestHandleProviderEventRoutesSubscriptionPayment(t *testing.T) {
	verifier := &stubWebhookVerifier{
		verifyFn: func(context.Context, payments.PaymentContext, payments.WebhookRequest) (payments.WebhookEvent, error) {
			return payments.WebhookEvent{
				ID:          "evt_2",
				Provider:    "paypal",
				Type:        payments.EventSubscriptionPaymentCompleted,
				AgreementID: "I-AGR",
				Status:      "completed",
				Amount:      12,
				Currency:    "EUR",
			}, nil
		},
	}
	subs := &stubSubscriptionRepo{
		findByAgrFn: func(_ context.Context, supplier string, agreementID string) (domain.Subscription, error) {
			if supplier != "paypal" || agreementID != "I-AGR" {
				t.Fatalf("unexpected agreement lookup %q/%q", supplier, agreementID)
			}
			return domain.Subscription{ID: "sub_1"}, nil
		},
	}
	var advanced *AdvancePaymentCommand
	subSvc := &stubSubscriptionSvc{
		advanceFn: func(_ context.Context, cmd AdvancePaymentCommand) (Subscription, error) {
			advanced = &cmd
			return Subscription{ID: cmd.SubscriptionID}, nil
		},
	}

	svc := newTestWebhookService(t, WebhookServiceDeps{Verifier: verifier, Subscriptions: subs, SubscriptionsSvc: subSvc})

	result, err := svc.HandleProviderEvent(context.Background(), ProviderEventCommand{
		Supplier: "paypal",
		Payload:  []byte(`{"id":"evt_2"}`),
	})
	if err != nil {
		t.Fatalf("handle provider event: %v", err)
	}
	if !result.Handled {
		t.Fatalf("expected handled event")
	}
	if advanced == nil || advanced.SubscriptionID != "sub_1" || advanced.Record.EventID != "evt_2" {
		t.Fatalf("unexpected advance command %+v", advanced)
	}
}

func TestHandleProviderEventStopsCanceledSubscription(t *testing.T) {
	verifier := &stubWebhookVerifier{
		verifyFn: func(context.Context, payments.PaymentContext, payments.WebhookRequest) (payments.WebhookEvent, error) {
			return payments.WebhookEvent{
				ID:          "evt_3",
				Provider:    "paypal",
				Type:        payments.EventSubscriptionCanceled,
				AgreementID: "I-AGR",
			}, nil
		},
	}
	var updated *domain.Subscription
	subs := &stubSubscriptionRepo{
		findByAgrFn: func(context.Context, string, string) (domain.Subscription, error) {
			return domain.Subscription{ID: "sub_1", Status: domain.SubscriptionStatusActive}, nil
		},
		updateFn: func(_ context.Context, sub domain.Subscription) error {
			updated = &sub
			return nil
		},
	}

	svc := newTestWebhookService(t, WebhookServiceDeps{Verifier: verifier, Subscriptions: subs})

	result, err := svc.HandleProviderEvent(context.Background(), ProviderEventCommand{
		Supplier: "paypal",
		Payload:  []byte(`{"id":"evt_3"}`),
	})
	if err != nil {
		t.Fatalf("handle provider event: %v", err)
	}
	if !result.Handled {
		t.Fatalf("expected handled event")
	}
	if updated == nil || updated.Status != domain.SubscriptionStatusStopped {
		t.Fatalf("expected stopped subscription, got %+v", updated)
	}
	last := updated.History[len(updated.History)-1]
	if last.Action != subscriptionEventStopped || last.Actor != "provider" {
		t.Fatalf("expected provider stop history entry, got %+v", last)
	}
}

func TestHandleProviderEventCanceledIsIdempotentOnTerminal(t *testing.T) {
	verifier := &stubWebhookVerifier{
		verifyFn: func(context.Context, payments.PaymentContext, payments.WebhookRequest) (payments.WebhookEvent, error) {
			return payments.WebhookEvent{
				ID: "evt_3", Provider: "paypal",
				Type:        payments.EventSubscriptionCanceled,
				AgreementID: "I-AGR",
			}, nil
		},
	}
	updates := 0
	subs := &stubSubscriptionRepo{
		findByAgrFn: func(context.Context, string, string) (domain.Subscription, error) {
			return domain.Subscription{ID: "sub_1", Status: domain.SubscriptionStatusStopped}, nil
		},
		updateFn: func(context.Context, domain.Subscription) error {
			updates++
			return nil
		},
	}

	svc := newTestWebhookService(t, WebhookServiceDeps{Verifier: verifier, Subscriptions: subs})

	result, err := svc.HandleProviderEvent(context.Background(), ProviderEventCommand{
		Supplier: "paypal",
		Payload:  []byte(`{"id":"evt_3"}`),
	})
	if err != nil {
		t.Fatalf("handle provider event: %v", err)
	}
	if !result.Handled {
		t.Fatalf("terminal subscriptions are still acked as handled")
	}
	if updates != 0 {
		t.Fatalf("terminal subscription must not be touched, saw %d updates", updates)
	}
}

func TestHandleProviderEventAcksIgnoredEvents(t *testing.T) {
	verifier := &stubWebhookVerifier{
		verifyFn: func(context.Context, payments.PaymentContext, payments.WebhookRequest) (payments.WebhookEvent, error) {
			return payments.WebhookEvent{ID: "evt_4", Provider: "stripe", Type: payments.EventIgnored}, nil
		},
	}
	svc := newTestWebhookService(t, WebhookServiceDeps{Verifier: verifier})

	result, err := svc.HandleProviderEvent(context.Background(), ProviderEventCommand{
		Supplier: "stripe",
		Payload:  []byte(`{"id":"evt_4"}`),
	})
	if err != nil {
		t.Fatalf("handle provider event: %v", err)
	}
	if result.Handled {
		t.Fatalf("ignored events are acked but not handled")
	}
	if result.Ack["ignored"] != true {
		t.Fatalf("expected ignored ack, got %v", result.Ack)
	}
}

func TestHandleProviderEventAcksProcessingFailures(t *testing.T) {
	verifier := &stubWebhookVerifier{
		verifyFn: func(context.Context, payments.PaymentContext, payments.WebhookRequest) (payments.WebhookEvent, error) {
			return payments.WebhookEvent{
				ID:            "evt_5",
				Provider:      "stripe",
				Type:          payments.EventOrderPaymentCompleted,
				CorrelationID: "cs_missing",
			}, nil
		},
	}
	orders := &stubOrderRepo{
		findCorrFn: func(context.Context, string, string) (domain.Order, error) {
			return domain.Order{}, notFoundRepoError{msg: "no order"}
		},
	}
	var logged []string
	logger := func(_ context.Context, event string, _ map[string]any) {
		logged = append(logged, event)
	}

	svc := newTestWebhookService(t, WebhookServiceDeps{Verifier: verifier, Orders: orders, Logger: logger})

	result, err := svc.HandleProviderEvent(context.Background(), ProviderEventCommand{
		Supplier: "stripe",
		Payload:  []byte(`{"id":"evt_5"}`),
	})
	if err != nil {
		t.Fatalf("authentic events must be acked, got %v", err)
	}
	if result.Handled {
		t.Fatalf("failed processing must not report handled")
	}
	if result.Ack["processed"] != false {
		t.Fatalf("expected processed=false ack, got %v", result.Ack)
	}
	if len(logged) != 1 || logged[0] != "webhook.process.failed" {
		t.Fatalf("expected failure logged, got %v", logged)
	}
}

func TestPaymentRecordFromEventPrefersOccurredAt(t *testing.T) {
	occurred := time.Date(2026, 1, 10, 8, 0, 0, 0, time.UTC)
	received := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)

	record := paymentRecordFromEvent(payments.WebhookEvent{ID: "evt_6", OccurredAt: occurred}, received)
	if !record.ReceivedAt.Equal(occurred) {
		t.Fatalf("expected provider timestamp, got %v", record.ReceivedAt)
	}

	record = paymentRecordFromEvent(payments.WebhookEvent{ID: "evt_6"}, received)
	if !record.ReceivedAt.Equal(received) {
		t.Fatalf("expected receive timestamp fallback, got %v", record.ReceivedAt)
	}
}
