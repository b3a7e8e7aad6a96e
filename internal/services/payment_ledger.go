package services

import (
	"strings"

	"github.com/shopspring/decimal"
)

// The payment log is append-only and settlement state is always recomputed
// from the full log. Webhook redelivery therefore cannot double count: a
// duplicate event id is dropped on append, and summing always starts from
// scratch.

// settledStatuses are the provider status values that count as money
// received. Providers report success with different vocabulary.
var settledStatuses = map[string]bool{
	"completed": true,
	"succeeded": true,
	"success":   true,
	"approved":  true,
	"paid":      true,
}

// IsSettledStatus reports whether a provider status value represents a
// successful settlement.
func IsSettledStatus(status string) bool {
	return settledStatuses[strings.ToLower(strings.TrimSpace(status))]
}

// AppendPaymentRecord returns the log with the record appended, or the log
// unchanged when an entry with the same provider event id already exists.
// The boolean reports whether the record was actually added.
func AppendPaymentRecord(log []PaymentRecord, record PaymentRecord) ([]PaymentRecord, bool) {
	eventID := strings.TrimSpace(record.EventID)
	if eventID != "" {
		for _, existing := range log {
			if strings.TrimSpace(existing.EventID) == eventID {
				return log, false
			}
		}
	}
	out := make([]PaymentRecord, 0, len(log)+1)
	out = append(out, log...)
	out = append(out, record)
	return out, true
}

// SettledAmount sums the amounts of settled entries in the log, counting each
// provider event id at most once.
func SettledAmount(log []PaymentRecord) float64 {
	sum := decimal.Zero
	seen := make(map[string]bool, len(log))
	for _, record := range log {
		if !IsSettledStatus(record.Status) {
			continue
		}
		eventID := strings.TrimSpace(record.EventID)
		if eventID != "" {
			if seen[eventID] {
				continue
			}
			seen[eventID] = true
		}
		sum = sum.Add(decimal.NewFromFloat(record.Amount))
	}
	return roundMoney(sum)
}
