// Package tools implements the sensitive-data capabilities the reasoning
// engine may request: balance, transactions, transfers, loan eligibility,
// and contact updates. Authorization is NOT decided here; the
// conversation state machine has already bound the session to a record
// before any of these run.
//
// The roster snapshot is immutable, so mutations (transfers, contact
// changes) land in a runtime ledger keyed by record id. Reads resolve the
// snapshot with the ledger overlaid, which keeps corpus reloads free of
// write races.
package tools

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/securebank-labs/bastion/pkg/corpus"
)

// ErrUnknownRecord means the record id has no roster entry.
var ErrUnknownRecord = errors.New("unknown record")

// Capability names as offered to the reasoning engine.
const (
	CapVerify       = "verify_customer"
	CapBalance      = "get_balance"
	CapTransactions = "get_transactions"
	CapTransfer     = "transfer_funds"
	CapLoan         = "check_loan_eligibility"
	CapContact      = "update_contact"
)

// Transaction is one account movement.
type Transaction struct {
	ID          string    `json:"id"`
	Description string    `json:"description"`
	Amount      float64   `json:"amount"` // Negative = debit
	Timestamp   time.Time `json:"timestamp"`
}

// LoanOffer is the result of an eligibility check.
type LoanOffer struct {
	Eligible  bool    `json:"eligible"`
	MaxAmount float64 `json:"max_amount,omitempty"`
	Rate      float64 `json:"rate,omitempty"` // Annual percentage rate
	Reason    string  `json:"reason,omitempty"`
}

type contactInfo struct {
	email string
	phone string
}

// Service executes capabilities against the roster plus runtime ledger.
type Service struct {
	roster *corpus.Store

	mu       sync.RWMutex
	balances map[string]float64 // overlay; absent = roster value
	contacts map[string]contactInfo
	txns     map[string][]Transaction
}

// NewService creates a capability service over the given roster store.
func NewService(roster *corpus.Store) *Service {
	return &Service{
		roster:   roster,
		balances: make(map[string]float64),
		contacts: make(map[string]contactInfo),
		txns:     make(map[string][]Transaction),
	}
}

func (s *Service) record(recordID string) (*corpus.ProtectedRecord, error) {
	r := s.roster.Current().ByID(recordID)
	if r == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRecord, recordID)
	}
	return r, nil
}

// Balance returns the current balance for a record.
func (s *Service) Balance(recordID string) (float64, error) {
	r, err := s.record(recordID)
	if err != nil {
		return 0, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if bal, ok := s.balances[recordID]; ok {
		return bal, nil
	}
	return r.Balance, nil
}

// TransactionHistory returns up to limit most-recent transactions.
func (s *Service) TransactionHistory(recordID string, limit int) ([]Transaction, error) {
	if _, err := s.record(recordID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 10
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	history := s.txns[recordID]
	if len(history) > limit {
		history = history[len(history)-limit:]
	}
	out := make([]Transaction, len(history))
	copy(out, history)
	return out, nil
}

// Transfer debits the record's account. Validation failures are normal
// negative results, surfaced as errors for the engine to phrase.
func (s *Service) Transfer(recordID string, amount float64, destination string) (string, error) {
	if _, err := s.record(recordID); err != nil {
		return "", err
	}
	if amount <= 0 {
		return "", fmt.Errorf("transfer amount must be positive, got %.2f", amount)
	}
	if destination == "" {
		return "", fmt.Errorf("transfer destination is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	balance := s.currentBalanceLocked(recordID)
	if amount > balance {
		return "", fmt.Errorf("insufficient funds: balance %.2f, requested %.2f", balance, amount)
	}

	confirmation := "TXN-" + uuid.NewString()[:8]
	s.balances[recordID] = balance - amount
	s.txns[recordID] = append(s.txns[recordID], Transaction{
		ID:          confirmation,
		Description: "Transfer to " + destination,
		Amount:      -amount,
		Timestamp:   time.Now().UTC(),
	})
	return confirmation, nil
}

// currentBalanceLocked resolves overlay-then-roster. Caller holds s.mu.
func (s *Service) currentBalanceLocked(recordID string) float64 {
	if bal, ok := s.balances[recordID]; ok {
		return bal
	}
	if r := s.roster.Current().ByID(recordID); r != nil {
		return r.Balance
	}
	return 0
}

// LoanEligibility applies the tiered offer rules.
func (s *Service) LoanEligibility(recordID string) (LoanOffer, error) {
	if _, err := s.record(recordID); err != nil {
		return LoanOffer{}, err
	}

	balance, _ := s.Balance(recordID)
	switch {
	case balance > 10000:
		return LoanOffer{Eligible: true, MaxAmount: balance * 2, Rate: 5.99}, nil
	case balance > 5000:
		return LoanOffer{Eligible: true, MaxAmount: balance * 1.5, Rate: 7.99}, nil
	default:
		return LoanOffer{
			Eligible: false,
			Reason:   "balance below the minimum for a pre-approved offer",
		}, nil
	}
}

// UpdateContact changes the email or phone on file and returns the old
// value.
func (s *Service) UpdateContact(recordID, field, value string) (string, error) {
	r, err := s.record(recordID)
	if err != nil {
		return "", err
	}
	if value == "" {
		return "", fmt.Errorf("new %s value is required", field)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.contacts[recordID]
	if !ok {
		current = contactInfo{email: r.Email, phone: r.Phone}
	}

	var old string
	switch field {
	case "email":
		old = current.email
		current.email = value
	case "phone":
		old = current.phone
		current.phone = value
	default:
		return "", fmt.Errorf("unsupported contact field %q (email or phone)", field)
	}

	s.contacts[recordID] = current
	return old, nil
}
