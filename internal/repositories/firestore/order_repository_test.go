package firestore

import (
	"testing"
	"time"

	domain "github.com/craftmarket/api/internal/domain"
)

func codecTestOrder() domain.Order {
	created := time.Date(2026, time.January, 15, 12, 0, 0, 0, time.UTC)
	return domain.Order{
		ID:          "ord_1",
		OrderNumber: "CM-2026-000042",
		Status:      domain.OrderStatusSaved,
		UserID:      "user_1",
		Currency:    "EUR",
		Items: []domain.OrderItem{
			{
				ID:         "itm_1",
				ProductRef: "products/sku-1",
				Name:       "Walnut board",
				Kind:       domain.ItemKindPhysical,
				Quantity:   2,
				UnitPrice:  10,
				Total:      20,
			},
		},
		Prices:    domain.OrderPrices{Items: 20, Total: 25, AmountDue: 25},
		CreatedAt: created,
		ChangedAt: created,
	}
}

func TestOrderDocumentRoundTripWithCancelReason(t *testing.T) {
	reason := "  changed my mind  "
	order := codecTestOrder()
	order.Status = domain.OrderStatusCanceled
	order.CancelReason = &reason

	doc := encodeOrderDocument(order)
	if doc.CancelReason != "changed my mind" {
		t.Fatalf("expected trimmed cancel reason in document, got %q", doc.CancelReason)
	}

	decoded := decodeOrderDocument(order.ID, doc)
	if decoded.CancelReason == nil {
		t.Fatal("expected cancel reason to survive the round trip")
	}
	if *decoded.CancelReason != "changed my mind" {
		t.Fatalf("unexpected cancel reason %q", *decoded.CancelReason)
	}
	if decoded.Status != domain.OrderStatusCanceled {
		t.Fatalf("unexpected status %s", decoded.Status)
	}
}

func TestOrderDocumentRoundTripWithoutCancelReason(t *testing.T) {
	order := codecTestOrder()

	doc := encodeOrderDocument(order)
	if doc.CancelReason != "" {
		t.Fatalf("expected empty cancel reason in document, got %q", doc.CancelReason)
	}

	decoded := decodeOrderDocument(order.ID, doc)
	if decoded.CancelReason != nil {
		t.Fatalf("expected nil cancel reason, got %q", *decoded.CancelReason)
	}
	if decoded.OrderNumber != order.OrderNumber {
		t.Fatalf("unexpected order number %s", decoded.OrderNumber)
	}
	if len(decoded.Items) != 1 || decoded.Items[0].ID != "itm_1" {
		t.Fatalf("unexpected items %+v", decoded.Items)
	}
}
