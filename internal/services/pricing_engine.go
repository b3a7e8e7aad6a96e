package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	domain "github.com/craftmarket/api/internal/domain"
)

// CalcMode selects which parts of the price breakdown a recalculation touches.
type CalcMode string

const (
	// CalcItems recomputes per-item totals and tax only.
	CalcItems CalcMode = "items"
	// CalcTotals recomputes the order-level breakdown from current item totals.
	CalcTotals CalcMode = "totals"
	// CalcAll runs both passes.
	CalcAll CalcMode = "all"
)

var (
	// ErrPricingInvalidInput signals bad order data such as negative quantities or prices.
	ErrPricingInvalidInput = errors.New("pricing: invalid input")
)

// PriceCalculator recomputes an order's price breakdown against a policy.
type PriceCalculator interface {
	Recalculate(ctx context.Context, order Order, policy PricePolicy, mode CalcMode) (Order, error)
}

// PricingEngine derives every monetary figure on an order from its line items
// and the policy's rate table. It is pure: no side effects, and repeated
// application to its own output is a fixed point. All intermediate math runs
// on decimals; values are rounded to 2 decimal places only at the end of each
// pass.
type PricingEngine struct {
	logger func(context.Context, string, map[string]any)
}

// PricingEngineDeps bundles optional collaborators for the pricing engine.
type PricingEngineDeps struct {
	Logger func(ctx context.Context, event string, fields map[string]any)
}

// NewPricingEngine constructs the engine.
func NewPricingEngine(deps PricingEngineDeps) *PricingEngine {
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &PricingEngine{logger: logger}
}

// Recalculate returns a copy of the order with prices recomputed per the mode.
func (e *PricingEngine) Recalculate(ctx context.Context, order Order, policy PricePolicy, mode CalcMode) (Order, error) {
	if mode == "" {
		mode = CalcAll
	}

	out := order
	out.Items = make([]OrderItem, len(order.Items))
	copy(out.Items, order.Items)

	if mode == CalcItems || mode == CalcAll {
		if err := e.recalculateItems(&out, policy); err != nil {
			return Order{}, err
		}
	}
	if mode == CalcTotals || mode == CalcAll {
		if err := e.recalculateTotals(&out, policy); err != nil {
			return Order{}, err
		}
	}

	e.logger(ctx, "pricing.recalculated", map[string]any{
		"order_id": order.ID,
		"mode":     string(mode),
		"total":    out.Prices.Total,
	})
	return out, nil
}

func (e *PricingEngine) recalculateItems(order *Order, policy PricePolicy) error {
	for i := range order.Items {
		item := &order.Items[i]
		if item.Quantity < 0 {
			return fmt.Errorf("%w: item %q has negative quantity", ErrPricingInvalidInput, item.ID)
		}
		if item.UnitPrice < 0 {
			return fmt.Errorf("%w: item %q has negative unit price", ErrPricingInvalidInput, item.ID)
		}

		total := decimal.NewFromFloat(item.UnitPrice).Mul(decimal.NewFromInt(int64(item.Quantity)))
		rate := decimal.NewFromFloat(policy.DefaultTaxRate)
		if item.TaxRate != nil {
			rate = decimal.NewFromFloat(*item.TaxRate)
		}

		var tax decimal.Decimal
		if policy.TaxRegime == domain.TaxExclusive {
			tax = total.Mul(rate)
		} else {
			// Inclusive totals already contain tax; extract the share.
			tax = total.Sub(total.Div(decimal.NewFromInt(1).Add(rate)))
		}

		item.Total = roundMoney(total)
		item.Tax = roundMoney(tax)
	}
	return nil
}

func (e *PricingEngine) recalculateTotals(order *Order, policy PricePolicy) error {
	items := decimal.Zero
	tax := decimal.Zero
	for _, item := range order.Items {
		items = items.Add(decimal.NewFromFloat(item.Total))
		tax = tax.Add(decimal.NewFromFloat(item.Tax))
	}

	delivery := decimal.Zero
	if code := strings.TrimSpace(order.DeliveryMethod); code != "" {
		if method, ok := policy.DeliveryMethod(code); ok {
			delivery = resolveMethodFee(method, order.Items)
		}
	}

	paymentFee := decimal.Zero
	if code := strings.TrimSpace(order.PaymentMethod); code != "" {
		if method, ok := policy.PaymentMethodRate(code); ok {
			paymentFee = resolveMethodFee(method, order.Items)
		}
	}

	var itemsNet, total decimal.Decimal
	if policy.TaxRegime == domain.TaxExclusive {
		itemsNet = items
		total = items.Add(tax).Add(delivery).Add(paymentFee)
	} else {
		itemsNet = items.Sub(tax)
		total = items.Add(delivery).Add(paymentFee)
	}

	totalRounded := roundMoney(total)
	settled := SettledAmount(order.PaymentLog)
	due := decimal.NewFromFloat(totalRounded).Sub(decimal.NewFromFloat(settled))
	if due.IsNegative() {
		due = decimal.Zero
	}

	order.Prices = OrderPrices{
		Items:      roundMoney(items),
		ItemsNet:   roundMoney(itemsNet),
		Tax:        roundMoney(tax),
		Delivery:   roundMoney(delivery),
		PaymentFee: roundMoney(paymentFee),
		Total:      totalRounded,
		AmountDue:  roundMoney(due),
	}
	return nil
}

// resolveMethodFee sums the method's band fees across the item subtype mix.
// Bands scoped to a kind evaluate against that kind's own subtotal; unscoped
// bands evaluate against the whole items subtotal.
func resolveMethodFee(method MethodRate, items []OrderItem) decimal.Decimal {
	subtotals := make(map[domain.ItemKind]decimal.Decimal)
	whole := decimal.Zero
	for _, item := range items {
		total := decimal.NewFromFloat(item.Total)
		subtotals[item.Kind] = subtotals[item.Kind].Add(total)
		whole = whole.Add(total)
	}

	fee := decimal.Zero
	seenKinds := make(map[domain.ItemKind]bool)
	for _, band := range method.Bands {
		subtotal := whole
		if band.Kind != "" {
			kindTotal, present := subtotals[band.Kind]
			if !present {
				continue
			}
			subtotal = kindTotal
		}
		if seenKinds[band.Kind] {
			continue
		}
		if bandContains(band, subtotal) {
			fee = fee.Add(decimal.NewFromFloat(band.Fee))
			// One band per subtype; the first match wins.
			seenKinds[band.Kind] = true
		}
	}
	return fee
}

// bandContains reports whether amount falls inside the band's [From, To)
// range. To <= 0 leaves the band open ended.
func bandContains(band RateBand, amount decimal.Decimal) bool {
	from := decimal.NewFromFloat(band.From)
	if amount.LessThan(from) {
		return false
	}
	if band.To <= 0 {
		return true
	}
	return amount.LessThan(decimal.NewFromFloat(band.To))
}

// roundMoney rounds to the fixed 2-decimal currency precision, half away
// from zero.
func roundMoney(value decimal.Decimal) float64 {
	rounded, _ := value.Round(2).Float64()
	return rounded
}
