package services

import (
	"strings"

	domain "github.com/craftmarket/api/internal/domain"
)

const (
	intakeActionUpdated  = "updated"
	intakeActionRejected = "rejected"
)

// reconcileIntakeResponse merges an intake response into the order under the
// conservative rule: only the external references and explicitly flagged item
// amounts are trusted, every other field of the local order wins. The
// returned conflict flag tells the caller the intake side disagreed with the
// submitted order; the discrepancy is surfaced, never silently absorbed.
func reconcileIntakeResponse(order Order, response IntakeResponse) (Order, bool, bool) {
	changed := false
	conflict := !response.Accepted

	if external := strings.TrimSpace(response.ExternalID); external != "" && external != order.ExternalID {
		order.ExternalID = external
		changed = true
	}
	if code := strings.TrimSpace(response.ExternalCode); code != "" && code != order.ExternalCode {
		order.ExternalCode = code
		changed = true
	}

	if len(response.Items) == 0 {
		return order, changed, conflict
	}

	adjustments := make(map[string]IntakeItem, len(response.Items))
	for _, item := range response.Items {
		if id := strings.TrimSpace(item.ItemID); id != "" {
			adjustments[id] = item
		}
	}

	items := make([]domain.OrderItem, len(order.Items))
	copy(items, order.Items)
	for i, item := range items {
		adjustment, ok := adjustments[item.ID]
		if !ok {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(adjustment.Action)) {
		case intakeActionUpdated:
			quantity := int(adjustment.Amount)
			if quantity < 0 {
				quantity = 0
			}
			if item.Quantity != quantity {
				items[i].Quantity = quantity
				changed = true
				conflict = true
			}
			items[i].ResponseAction = intakeActionUpdated
		case intakeActionRejected:
			if item.Quantity != 0 {
				items[i].Quantity = 0
				changed = true
			}
			items[i].ResponseAction = intakeActionRejected
			conflict = true
		}
	}
	order.Items = items

	return order, changed, conflict
}
