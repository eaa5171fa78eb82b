// Package domain contains core business types for the billing engine.
//
// This file defines the credit ledger types. Transactions are immutable:
// one row per balance mutation, never updated or deleted (compliance
// requirement). The chain of balanceBefore/balanceAfter per tenant must
// stay contiguous; the repository enforces this with row locking.
package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TransactionType is the business reason for a ledger mutation.
type TransactionType string

const (
	TransactionUsed       TransactionType = "USED"
	TransactionRefill     TransactionType = "REFILL"
	TransactionPurchase   TransactionType = "PURCHASE"
	TransactionBonus      TransactionType = "BONUS"
	TransactionAdjustment TransactionType = "ADJUSTMENT"
)

// CreditTransaction is one immutable row in the credit ledger.
type CreditTransaction struct {
	ID            uuid.UUID
	TenantID      uuid.UUID
	Type          TransactionType
	Amount        int64 // signed delta
	BalanceBefore int64
	BalanceAfter  int64
	Reason        string
	DocumentID    *uuid.UUID
	Metadata      map[string]string
	CreatedAt     time.Time
}

// Validate checks the arithmetic invariant every transaction must hold.
func (t *CreditTransaction) Validate() error {
	if t.BalanceAfter != t.BalanceBefore+t.Amount {
		return fmt.Errorf("ledger invariant violated: %d + %d != %d",
			t.BalanceBefore, t.Amount, t.BalanceAfter)
	}
	if t.BalanceAfter < 0 {
		return fmt.Errorf("ledger invariant violated: negative balance %d", t.BalanceAfter)
	}
	return nil
}

// RefillOutcome describes what a cycle refill did for an account.
type RefillOutcome string

const (
	// RefillApplied means the monthly allotment was added to the balance.
	RefillApplied RefillOutcome = "applied"
	// RefillNotApplicable means the plan has no monthly allotment (Free).
	RefillNotApplicable RefillOutcome = "not_applicable"
	// RefillUnlimited means the plan does not track credits (Enterprise).
	RefillUnlimited RefillOutcome = "unlimited"
)

// RefillResult is the outcome of a Refill operation. Credits roll over:
// Granted is added to the prior balance, never replacing it.
type RefillResult struct {
	Outcome    RefillOutcome
	Granted    int64
	NewBalance int64
}
