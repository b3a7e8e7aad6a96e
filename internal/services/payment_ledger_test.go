package services

import (
	"testing"
)

func TestAppendPaymentRecordDropsDuplicateEventIDs(t *testing.T) {
	log := []PaymentRecord{}

	log, appended := AppendPaymentRecord(log, PaymentRecord{EventID: "evt_1", Status: "completed", Amount: 10})
	if !appended {
		t.Fatalf("expected first append to succeed")
	}

	log, appended = AppendPaymentRecord(log, PaymentRecord{EventID: "evt_1", Status: "completed", Amount: 10})
	if appended {
		t.Fatalf("expected duplicate event id to be dropped")
	}
	if len(log) != 1 {
		t.Fatalf("expected single entry, got %d", len(log))
	}

	log, appended = AppendPaymentRecord(log, PaymentRecord{EventID: "evt_2", Status: "completed", Amount: 5})
	if !appended || len(log) != 2 {
		t.Fatalf("expected distinct event id to append")
	}
}

func TestAppendPaymentRecordDoesNotMutateInput(t *testing.T) {
	original := []PaymentRecord{{EventID: "evt_1", Status: "completed", Amount: 10}}

	grown, _ := AppendPaymentRecord(original, PaymentRecord{EventID: "evt_2", Status: "completed", Amount: 5})
	if len(original) != 1 {
		t.Fatalf("append mutated the original log")
	}
	if len(grown) != 2 {
		t.Fatalf("expected grown log of 2, got %d", len(grown))
	}
}

func TestSettledAmountRecomputesFromFullLog(t *testing.T) {
	log := []PaymentRecord{
		{EventID: "evt_1", Status: "completed", Amount: 10.10},
		{EventID: "evt_2", Status: "failed", Amount: 99},
		{EventID: "evt_3", Status: "approved", Amount: 5.15},
		{EventID: "evt_4", Status: "created", Amount: 42},
	}

	if got := SettledAmount(log); got != 15.25 {
		t.Fatalf("expected 15.25, got %v", got)
	}
}

func TestSettledAmountCountsEventIDOnce(t *testing.T) {
	log := []PaymentRecord{
		{EventID: "evt_1", Status: "completed", Amount: 10},
		{EventID: "evt_1", Status: "paid", Amount: 10},
	}

	if got := SettledAmount(log); got != 10 {
		t.Fatalf("expected 10, got %v", got)
	}
}

func TestIsSettledStatus(t *testing.T) {
	for _, status := range []string{"completed", "Succeeded", " PAID ", "approved", "success"} {
		if !IsSettledStatus(status) {
			t.Fatalf("expected %q to settle", status)
		}
	}
	for _, status := range []string{"failed", "created", "pending", ""} {
		if IsSettledStatus(status) {
			t.Fatalf("expected %q not to settle", status)
		}
	}
}
