package services

import (
	"context"
	"errors"
	"testing"
	"time"

	domain "github.com/craftmarket/api/internal/domain"
)

func taxRate(rate float64) *float64 {
	return &rate
}

func testPricePolicy() PricePolicy {
	return PricePolicy{
		Currency:       "EUR",
		TaxRegime:      domain.TaxInclusive,
		DefaultTaxRate: 0.2,
		DeliveryMethods: []MethodRate{
			{
				Code: "courier",
				Name: "Courier",
				Bands: []RateBand{
					{From: 0, To: 50, Fee: 5},
					{From: 50, To: 0, Fee: 0},
				},
			},
		},
		PaymentMethods: []MethodRate{
			{
				Code:  "cod",
				Name:  "Cash on delivery",
				Bands: []RateBand{{From: 0, To: 0, Fee: 1.5}},
				ExcludedKinds: []ItemKind{
					domain.ItemKindSubscription,
				},
			},
			{Code: "card", Name: "Card"},
		},
	}
}

func TestPricingEngineComputesFullBreakdown(t *testing.T) {
	engine := NewPricingEngine(PricingEngineDeps{})

	order := Order{
		Currency:       "EUR",
		DeliveryMethod: "courier",
		PaymentMethod:  "cod",
		Items: []OrderItem{
			{ID: "itm_1", Kind: domain.ItemKindPhysical, Quantity: 2, UnitPrice: 10, TaxRate: taxRate(0.2)},
		},
	}

	priced, err := engine.Recalculate(context.Background(), order, testPricePolicy(), CalcAll)
	if err != nil {
		t.Fatalf("recalculate: %v", err)
	}

	if priced.Prices.Items != 20.00 {
		t.Fatalf("expected items total 20.00, got %v", priced.Prices.Items)
	}
	// 20.00 inclusive of 20% tax carries 20 - 20/1.2 = 3.33.
	if priced.Prices.Tax != 3.33 {
		t.Fatalf("expected tax 3.33, got %v", priced.Prices.Tax)
	}
	if priced.Prices.Delivery != 5.00 {
		t.Fatalf("expected courier fee 5.00, got %v", priced.Prices.Delivery)
	}
	if priced.Prices.PaymentFee != 1.50 {
		t.Fatalf("expected cod fee 1.50, got %v", priced.Prices.PaymentFee)
	}
	if priced.Prices.Total != 26.50 {
		t.Fatalf("expected total 26.50, got %v", priced.Prices.Total)
	}
	if priced.Prices.AmountDue != 26.50 {
		t.Fatalf("expected full amount due, got %v", priced.Prices.AmountDue)
	}
}

func TestPricingEngineIsIdempotent(t *testing.T) {
	engine := NewPricingEngine(PricingEngineDeps{})
	policy := testPricePolicy()

	order := Order{
		Currency:       "EUR",
		DeliveryMethod: "courier",
		PaymentMethod:  "cod",
		Items: []OrderItem{
			{ID: "itm_1", Kind: domain.ItemKindPhysical, Quantity: 3, UnitPrice: 9.99, TaxRate: taxRate(0.2)},
			{ID: "itm_2", Kind: domain.ItemKindDigital, Quantity: 1, UnitPrice: 14.5, TaxRate: taxRate(0.1)},
		},
	}

	once, err := engine.Recalculate(context.Background(), order, policy, CalcAll)
	if err != nil {
		t.Fatalf("first pass: %v", err)
	}
	twice, err := engine.Recalculate(context.Background(), once, policy, CalcAll)
	if err != nil {
		t.Fatalf("second pass: %v", err)
	}

	if once.Prices != twice.Prices {
		t.Fatalf("expected fixed point, got %+v then %+v", once.Prices, twice.Prices)
	}
	for i := range once.Items {
		if once.Items[i].Total != twice.Items[i].Total || once.Items[i].Tax != twice.Items[i].Tax {
			t.Fatalf("item %d drifted between passes", i)
		}
	}
}

func TestPricingEngineExclusiveRegimeAddsTax(t *testing.T) {
	engine := NewPricingEngine(PricingEngineDeps{})
	policy := testPricePolicy()
	policy.TaxRegime = domain.TaxExclusive

	order := Order{
		Currency:      "EUR",
		PaymentMethod: "card",
		Items: []OrderItem{
			{ID: "itm_1", Kind: domain.ItemKindDigital, Quantity: 1, UnitPrice: 100, TaxRate: taxRate(0.2)},
		},
	}

	priced, err := engine.Recalculate(context.Background(), order, policy, CalcAll)
	if err != nil {
		t.Fatalf("recalculate: %v", err)
	}

	if priced.Prices.Items != 100.00 {
		t.Fatalf("expected net items 100.00, got %v", priced.Prices.Items)
	}
	if priced.Prices.Tax != 20.00 {
		t.Fatalf("expected tax 20.00, got %v", priced.Prices.Tax)
	}
	if priced.Prices.Total != 120.00 {
		t.Fatalf("expected total 120.00, got %v", priced.Prices.Total)
	}
}

func TestPricingEngineUsesDefaultTaxRate(t *testing.T) {
	engine := NewPricingEngine(PricingEngineDeps{})

	order := Order{
		Currency:      "EUR",
		PaymentMethod: "card",
		Items: []OrderItem{
			{ID: "itm_1", Kind: domain.ItemKindDigital, Quantity: 1, UnitPrice: 12},
		},
	}

	priced, err := engine.Recalculate(context.Background(), order, testPricePolicy(), CalcAll)
	if err != nil {
		t.Fatalf("recalculate: %v", err)
	}
	// 12.00 inclusive of the default 20% rate carries 2.00 tax.
	if priced.Items[0].Tax != 2.00 {
		t.Fatalf("expected default-rate tax 2.00, got %v", priced.Items[0].Tax)
	}
}

func TestPricingEngineFeeBandsAreKindScoped(t *testing.T) {
	engine := NewPricingEngine(PricingEngineDeps{})
	policy := testPricePolicy()
	policy.DeliveryMethods = []MethodRate{
		{
			Code: "mixed",
			Bands: []RateBand{
				{Kind: domain.ItemKindPhysical, From: 0, To: 30, Fee: 4},
				{Kind: domain.ItemKindPhysical, From: 30, To: 0, Fee: 2},
				{Kind: domain.ItemKindDigital, From: 0, To: 0, Fee: 0},
			},
		},
	}

	order := Order{
		Currency:       "EUR",
		DeliveryMethod: "mixed",
		PaymentMethod:  "card",
		Items: []OrderItem{
			// Physical subtotal 40.00 falls in the second physical band.
			{ID: "itm_1", Kind: domain.ItemKindPhysical, Quantity: 4, UnitPrice: 10, TaxRate: taxRate(0.2)},
			{ID: "itm_2", Kind: domain.ItemKindDigital, Quantity: 1, UnitPrice: 5, TaxRate: taxRate(0.2)},
		},
	}

	priced, err := engine.Recalculate(context.Background(), order, policy, CalcAll)
	if err != nil {
		t.Fatalf("recalculate: %v", err)
	}
	if priced.Prices.Delivery != 2.00 {
		t.Fatalf("expected kind-scoped band fee 2.00, got %v", priced.Prices.Delivery)
	}
}

func TestPricingEngineOpenEndedBand(t *testing.T) {
	engine := NewPricingEngine(PricingEngineDeps{})
	policy := testPricePolicy()

	order := Order{
		Currency:       "EUR",
		DeliveryMethod: "courier",
		PaymentMethod:  "card",
		Items: []OrderItem{
			{ID: "itm_1", Kind: domain.ItemKindPhysical, Quantity: 10, UnitPrice: 10, TaxRate: taxRate(0.2)},
		},
	}

	priced, err := engine.Recalculate(context.Background(), order, policy, CalcAll)
	if err != nil {
		t.Fatalf("recalculate: %v", err)
	}
	// 100.00 subtotal falls past the 0-50 band into the free open band.
	if priced.Prices.Delivery != 0 {
		t.Fatalf("expected free delivery above 50.00, got %v", priced.Prices.Delivery)
	}
}

func TestPricingEngineRejectsNegativeQuantity(t *testing.T) {
	engine := NewPricingEngine(PricingEngineDeps{})

	order := Order{
		Currency: "EUR",
		Items: []OrderItem{
			{ID: "itm_1", Kind: domain.ItemKindPhysical, Quantity: -1, UnitPrice: 10},
		},
	}

	_, err := engine.Recalculate(context.Background(), order, testPricePolicy(), CalcAll)
	if !errors.Is(err, ErrPricingInvalidInput) {
		t.Fatalf("expected ErrPricingInvalidInput, got %v", err)
	}
}

func TestPricingEngineAmountDueReflectsSettlements(t *testing.T) {
	engine := NewPricingEngine(PricingEngineDeps{})

	order := Order{
		Currency:       "EUR",
		DeliveryMethod: "courier",
		PaymentMethod:  "cod",
		Items: []OrderItem{
			{ID: "itm_1", Kind: domain.ItemKindPhysical, Quantity: 2, UnitPrice: 10, TaxRate: taxRate(0.2)},
		},
		PaymentLog: []PaymentRecord{
			{EventID: "evt_1", Status: "completed", Amount: 26.50, ReceivedAt: time.Now()},
			{EventID: "evt_1", Status: "completed", Amount: 26.50, ReceivedAt: time.Now()},
		},
	}

	priced, err := engine.Recalculate(context.Background(), order, testPricePolicy(), CalcAll)
	if err != nil {
		t.Fatalf("recalculate: %v", err)
	}
	// The duplicated event id counts once; the order is fully settled.
	if priced.Prices.AmountDue != 0 {
		t.Fatalf("expected zero amount due, got %v", priced.Prices.AmountDue)
	}
}
