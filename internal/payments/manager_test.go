package payments

import (
	"context"
	"errors"
	"testing"
)

type fakeProvider struct {
	lastOp      string
	instruction ChargeInstruction
	agreement   AgreementInstruction
	result      ChargeResult
	event       WebhookEvent
	err         error
}

func (f *fakeProvider) CreateCharge(ctx context.Context, req ChargeRequest) (ChargeInstruction, error) {
	f.lastOp = "create_charge"
	return f.instruction, f.err
}

func (f *fakeProvider) ExecuteCharge(ctx context.Context, req ExecuteRequest) (ChargeResult, error) {
	f.lastOp = "execute_charge"
	return f.result, f.err
}

func (f *fakeProvider) CreateAgreement(ctx context.Context, req AgreementRequest) (AgreementInstruction, error) {
	f.lastOp = "create_agreement"
	return f.agreement, f.err
}

func (f *fakeProvider) ExecuteAgreement(ctx context.Context, req ExecuteRequest) (ChargeResult, error) {
	f.lastOp = "execute_agreement"
	return f.result, f.err
}

func (f *fakeProvider) SuspendAgreement(ctx context.Context, agreementID string) error {
	f.lastOp = "suspend"
	return f.err
}

func (f *fakeProvider) ReactivateAgreement(ctx context.Context, agreementID string) error {
	f.lastOp = "reactivate"
	return f.err
}

func (f *fakeProvider) CancelAgreement(ctx context.Context, agreementID string) error {
	f.lastOp = "cancel"
	return f.err
}

func (f *fakeProvider) VerifyWebhook(ctx context.Context, req WebhookRequest) (WebhookEvent, error) {
	f.lastOp = "verify"
	return f.event, f.err
}

func TestManagerCreateChargeUsesPreferredProvider(t *testing.T) {
	ctx := context.Background()
	stripe := &fakeProvider{instruction: ChargeInstruction{ChargeID: "ch_stripe"}}
	paypal := &fakeProvider{instruction: ChargeInstruction{ChargeID: "ch_paypal"}}

	mgr, err := NewManager(map[string]Provider{
		"stripe": stripe,
		"paypal": paypal,
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	instruction, err := mgr.CreateCharge(ctx, PaymentContext{PreferredProvider: "paypal"}, ChargeRequest{Amount: 10, Currency: "USD"})
	if err != nil {
		t.Fatalf("create charge: %v", err)
	}

	if instruction.Provider != "paypal" {
		t.Fatalf("expected provider 'paypal', got %q", instruction.Provider)
	}
	if paypal.lastOp != "create_charge" {
		t.Fatalf("expected paypal provider to handle call")
	}
	if stripe.lastOp != "" {
		t.Fatalf("expected stripe provider to remain unused")
	}
}

func TestManagerRoutesByCurrency(t *testing.T) {
	ctx := context.Background()
	stripe := &fakeProvider{instruction: ChargeInstruction{ChargeID: "ch_stripe"}}
	paypal := &fakeProvider{instruction: ChargeInstruction{ChargeID: "ch_paypal"}}

	mgr, err := NewManager(
		map[string]Provider{
			"stripe": stripe,
			"paypal": paypal,
		},
		WithCurrencyRoutes(map[string]string{"JPY": "paypal"}),
	)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	instruction, err := mgr.CreateCharge(ctx, PaymentContext{Currency: "jpy"}, ChargeRequest{Amount: 1000, Currency: "JPY"})
	if err != nil {
		t.Fatalf("create charge: %v", err)
	}

	if instruction.Provider != "paypal" {
		t.Fatalf("expected currency route to pick paypal, got %q", instruction.Provider)
	}
}

func TestManagerDefaultsToStripe(t *testing.T) {
	ctx := context.Background()
	stripe := &fakeProvider{result: ChargeResult{Status: "paid", Settled: true}}
	paypal := &fakeProvider{}

	mgr, err := NewManager(map[string]Provider{
		"stripe": stripe,
		"paypal": paypal,
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	result, err := mgr.ExecuteCharge(ctx, PaymentContext{}, ExecuteRequest{Tokens: map[string]string{"session_id": "cs_1"}})
	if err != nil {
		t.Fatalf("execute charge: %v", err)
	}
	if result.Provider != "stripe" {
		t.Fatalf("expected default provider 'stripe', got %q", result.Provider)
	}
	if !result.Settled {
		t.Fatalf("expected settled result")
	}
}

func TestManagerSingleProviderFallback(t *testing.T) {
	ctx := context.Background()
	paypal := &fakeProvider{agreement: AgreementInstruction{AgreementID: "I-AGR"}}

	mgr, err := NewManager(map[string]Provider{"paypal": paypal})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	agreement, err := mgr.CreateAgreement(ctx, PaymentContext{PreferredProvider: "unknown"}, AgreementRequest{Amount: 5, Currency: "USD"})
	if err != nil {
		t.Fatalf("create agreement: %v", err)
	}
	if agreement.Provider != "paypal" {
		t.Fatalf("expected lone provider fallback, got %q", agreement.Provider)
	}
}

func TestManagerUnknownProvider(t *testing.T) {
	ctx := context.Background()
	mgr, err := NewManager(
		map[string]Provider{
			"stripe": &fakeProvider{},
			"paypal": &fakeProvider{},
		},
		WithDefaultProvider("missing"),
	)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	// Default misconfigured, no preference, no route: must fail loudly.
	_, err = mgr.CreateCharge(ctx, PaymentContext{PreferredProvider: "square"}, ChargeRequest{Amount: 1, Currency: "USD"})
	if !errors.Is(err, ErrUnsupportedProvider) {
		t.Fatalf("expected ErrUnsupportedProvider, got %v", err)
	}
}

func TestManagerVerifyWebhookDelegates(t *testing.T) {
	ctx := context.Background()
	paypal := &fakeProvider{event: WebhookEvent{ID: "WH-1", Type: EventOrderPaymentCompleted}}

	mgr, err := NewManager(map[string]Provider{"stripe": &fakeProvider{}, "paypal": paypal})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	event, err := mgr.VerifyWebhook(ctx, PaymentContext{PreferredProvider: "paypal"}, WebhookRequest{Payload: []byte("{}")})
	if err != nil {
		t.Fatalf("verify webhook: %v", err)
	}
	if event.Provider != "paypal" {
		t.Fatalf("expected provider stamped on event, got %q", event.Provider)
	}
	if event.Type != EventOrderPaymentCompleted {
		t.Fatalf("unexpected event type %q", event.Type)
	}
}
