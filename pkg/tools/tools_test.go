package tools

import (
	"errors"
	"strings"
	"testing"

	"github.com/securebank-labs/bastion/pkg/corpus"
)

func testService(t *testing.T) *Service {
	t.Helper()
	snap, err := corpus.Load("")
	if err != nil {
		t.Fatal(err)
	}
	store := corpus.NewStore(snap)
	return NewService(store)
}

func TestBalanceReadsRoster(t *testing.T) {
	s := testService(t)

	bal, err := s.Balance("CUST-001")
	if err != nil {
		t.Fatal(err)
	}
	if bal != 5432.18 {
		t.Errorf("balance = %.2f, want 5432.18", bal)
	}
}

func TestBalanceUnknownRecord(t *testing.T) {
	s := testService(t)

	_, err := s.Balance("CUST-999")
	if !errors.Is(err, ErrUnknownRecord) {
		t.Errorf("err = %v, want ErrUnknownRecord", err)
	}
}

func TestTransferDebitsAndRecords(t *testing.T) {
	s := testService(t)

	conf, err := s.Transfer("CUST-001", 432.18, "GB29 NWBK 6016 1331 9268 19")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(conf, "TXN-") {
		t.Errorf("confirmation = %q, want TXN- prefix", conf)
	}

	bal, _ := s.Balance("CUST-001")
	if bal != 5000.00 {
		t.Errorf("balance after transfer = %.2f, want 5000.00", bal)
	}

	history, err := s.TransactionHistory("CUST-001", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 1 {
		t.Fatalf("history length = %d, want 1", len(history))
	}
	if history[0].ID != conf {
		t.Errorf("history id = %s, want %s", history[0].ID, conf)
	}
	if history[0].Amount != -432.18 {
		t.Errorf("history amount = %.2f, want -432.18", history[0].Amount)
	}
}

func TestTransferValidation(t *testing.T) {
	s := testService(t)

	tests := []struct {
		name        string
		recordID    string
		amount      float64
		destination string
	}{
		{"zero amount", "CUST-001", 0, "dest"},
		{"negative amount", "CUST-001", -50, "dest"},
		{"missing destination", "CUST-001", 100, ""},
		{"insufficient funds", "CUST-003", 1000000, "dest"},
		{"unknown record", "CUST-999", 100, "dest"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := s.Transfer(tt.recordID, tt.amount, tt.destination); err == nil {
				t.Error("expected error")
			}
		})
	}

	// Failed transfers never move money.
	bal, _ := s.Balance("CUST-003")
	if bal != 842.77 {
		t.Errorf("balance changed by failed transfer: %.2f", bal)
	}
}

func TestTransferIsolatesRosterSnapshot(t *testing.T) {
	s := testService(t)

	if _, err := s.Transfer("CUST-002", 234.10, "savings"); err != nil {
		t.Fatal(err)
	}

	// The ledger holds the mutation; the snapshot itself is untouched.
	snap, _ := corpus.Load("")
	if snap.ByID("CUST-002").Balance != 15234.10 {
		t.Error("roster snapshot mutated by transfer")
	}
	bal, _ := s.Balance("CUST-002")
	if bal != 15000.00 {
		t.Errorf("ledger balance = %.2f, want 15000.00", bal)
	}
}

func TestTransactionHistoryLimit(t *testing.T) {
	s := testService(t)

	for i := 0; i < 5; i++ {
		if _, err := s.Transfer("CUST-002", 1, "dest"); err != nil {
			t.Fatal(err)
		}
	}

	history, err := s.TransactionHistory("CUST-002", 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 3 {
		t.Errorf("history length = %d, want 3", len(history))
	}
}

func TestLoanEligibilityTiers(t *testing.T) {
	s := testService(t)

	tests := []struct {
		name      string
		recordID  string // CUST-002 15234.10, CUST-001 5432.18, CUST-003 842.77
		eligible  bool
		maxAmount float64
		rate      float64
	}{
		{"high balance doubles", "CUST-002", true, 30468.20, 5.99},
		{"mid balance one and a half", "CUST-001", true, 8148.27, 7.99},
		{"low balance ineligible", "CUST-003", false, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			offer, err := s.LoanEligibility(tt.recordID)
			if err != nil {
				t.Fatal(err)
			}
			if offer.Eligible != tt.eligible {
				t.Fatalf("eligible = %v, want %v", offer.Eligible, tt.eligible)
			}
			if !tt.eligible {
				if offer.Reason == "" {
					t.Error("ineligible offer missing reason")
				}
				return
			}
			if diff := offer.MaxAmount - tt.maxAmount; diff > 0.01 || diff < -0.01 {
				t.Errorf("max amount = %.2f, want %.2f", offer.MaxAmount, tt.maxAmount)
			}
			if offer.Rate != tt.rate {
				t.Errorf("rate = %.2f, want %.2f", offer.Rate, tt.rate)
			}
		})
	}
}

func TestLoanEligibilityUsesLedgerBalance(t *testing.T) {
	s := testService(t)

	// CUST-002 starts eligible at the top tier; drain the account and the
	// offer must follow the ledger balance, not the roster.
	if _, err := s.Transfer("CUST-002", 15000, "dest"); err != nil {
		t.Fatal(err)
	}
	offer, err := s.LoanEligibility("CUST-002")
	if err != nil {
		t.Fatal(err)
	}
	if offer.Eligible {
		t.Errorf("offer eligible on drained account: %+v", offer)
	}
}

func TestUpdateContact(t *testing.T) {
	s := testService(t)

	old, err := s.UpdateContact("CUST-001", "email", "new.doe@email.com")
	if err != nil {
		t.Fatal(err)
	}
	if old != "john.doe@email.com" {
		t.Errorf("old email = %q, want john.doe@email.com", old)
	}

	// Phone update starts from the roster value even after an email change.
	old, err = s.UpdateContact("CUST-001", "phone", "555-9999")
	if err != nil {
		t.Fatal(err)
	}
	if old != "555-0123" {
		t.Errorf("old phone = %q, want 555-0123", old)
	}

	// Second email update returns the ledger value, not the roster's.
	old, err = s.UpdateContact("CUST-001", "email", "third@email.com")
	if err != nil {
		t.Fatal(err)
	}
	if old != "new.doe@email.com" {
		t.Errorf("old email = %q, want new.doe@email.com", old)
	}
}

func TestUpdateContactValidation(t *testing.T) {
	s := testService(t)

	if _, err := s.UpdateContact("CUST-001", "fax", "12345"); err == nil {
		t.Error("expected error for unsupported field")
	}
	if _, err := s.UpdateContact("CUST-001", "email", ""); err == nil {
		t.Error("expected error for empty value")
	}
	if _, err := s.UpdateContact("CUST-999", "email", "x@y.z"); !errors.Is(err, ErrUnknownRecord) {
		t.Errorf("err = %v, want ErrUnknownRecord", err)
	}
}
