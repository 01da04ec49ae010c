package ledger

import (
	"fmt"

	"github.com/google/uuid"
)

// BalanceTracker maintains in-memory account balances
type BalanceTracker struct {
	balances map[AccountKey]int64
}

func NewBalanceTracker() *BalanceTracker {
	return &BalanceTracker{
		balances: make(map[AccountKey]int64),
	}
}

// ApplyJournal applies a single journal entry to balances
func (bt *BalanceTracker) ApplyJournal(j Journal) {
	bt.balances[j.DebitAccount] += j.Amount
	bt.balances[j.CreditAccount] -= j.Amount
}

// ApplyBatch applies all journals in a batch
func (bt *BalanceTracker) ApplyBatch(batch *Batch) error {
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}

	for _, j := range batch.Journals {
		bt.ApplyJournal(j)
	}

	return nil
}

// GetBalance returns the current balance for an account
func (bt *BalanceTracker) GetBalance(key AccountKey) int64 {
	return bt.balances[key]
}

// SetBalance overwrites an account balance during snapshot restore.
func (bt *BalanceTracker) SetBalance(key AccountKey, balance int64) {
	bt.balances[key] = balance
}

// === User balance queries ===

// GetUserCollateral returns a user's free collateral balance.
func (bt *BalanceTracker) GetUserCollateral(userID uuid.UUID) int64 {
	return bt.GetBalance(NewUserAccountKey(userID, SubTypeCollateral, QuoteAsset))
}

// GetUserLpCommitted returns the collateral a user has locked into LP venues.
func (bt *BalanceTracker) GetUserLpCommitted(userID uuid.UUID) int64 {
	return bt.GetBalance(NewUserAccountKey(userID, SubTypeLpCommitted, QuoteAsset))
}

// GetUserTotal returns collateral plus LP-committed balance.
func (bt *BalanceTracker) GetUserTotal(userID uuid.UUID) int64 {
	return bt.GetUserCollateral(userID) + bt.GetUserLpCommitted(userID)
}

// InsuranceBalance returns the insurance fund's current balance.
func (bt *BalanceTracker) InsuranceBalance() int64 {
	return bt.GetBalance(InsuranceFundKey())
}

// FeePoolBalance returns net collected fees.
func (bt *BalanceTracker) FeePoolBalance() int64 {
	return bt.GetBalance(FeePoolKey())
}

// === Invariant checks ===

// ValidateSufficientCollateral checks a user can fund a debit of the given size.
func (bt *BalanceTracker) ValidateSufficientCollateral(userID uuid.UUID, required int64) error {
	if required <= 0 {
		return fmt.Errorf("required amount must be positive: %d", required)
	}
	available := bt.GetUserCollateral(userID)
	if available < required {
		return fmt.Errorf("insufficient collateral: have=%d, need=%d", available, required)
	}
	return nil
}

// ValidateNonNegative checks that a specific account balance is >= 0
func (bt *BalanceTracker) ValidateNonNegative(key AccountKey) error {
	balance := bt.GetBalance(key)
	if balance < 0 {
		return fmt.Errorf("account %s has negative balance: %d", key.AccountPath(), balance)
	}
	return nil
}

// ComputeGlobalBalance sums all account balances (should be 0 for zero-sum ledger)
func (bt *BalanceTracker) ComputeGlobalBalance() map[AssetID]int64 {
	totals := make(map[AssetID]int64)

	for key, balance := range bt.balances {
		totals[key.AssetID] += balance
	}

	return totals
}

// Snapshot returns a copy of all balances (for state hashing)
func (bt *BalanceTracker) Snapshot() map[AccountKey]int64 {
	snapshot := make(map[AccountKey]int64, len(bt.balances))
	for k, v := range bt.balances {
		snapshot[k] = v
	}
	return snapshot
}
