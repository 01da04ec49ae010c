package ledger

import (
	"fmt"

	"github.com/google/uuid"
)

// InvariantValidator checks ledger invariants
type InvariantValidator struct {
	tracker *BalanceTracker
}

func NewInvariantValidator(tracker *BalanceTracker) *InvariantValidator {
	return &InvariantValidator{
		tracker: tracker,
	}
}

// ValidateBatchBalance verifies a batch is balanced and well-formed.
func (v *InvariantValidator) ValidateBatchBalance(batch *Batch) error {
	return batch.Validate()
}

// ValidateGlobalBalance verifies the system is zero-sum across all accounts.
func (v *InvariantValidator) ValidateGlobalBalance() error {
	totals := v.tracker.ComputeGlobalBalance()

	for assetID, total := range totals {
		if total != 0 {
			assetName, _ := GetAssetName(assetID)
			return fmt.Errorf("global balance for %s is non-zero: %d", assetName, total)
		}
	}

	return nil
}

// ValidateInsuranceNonNegative checks the insurance fund never goes negative;
// draws are capped at the balance before they are journaled.
func (v *InvariantValidator) ValidateInsuranceNonNegative() error {
	return v.tracker.ValidateNonNegative(InsuranceFundKey())
}

// ValidateUserCollateralNonNegative checks a user collateral account >= 0.
// Liquidation settlement restores negative equity through insurance and
// socialization journals, so a persistent negative balance is a bug.
func (v *InvariantValidator) ValidateUserCollateralNonNegative(userID uuid.UUID) error {
	return v.tracker.ValidateNonNegative(NewUserAccountKey(userID, SubTypeCollateral, QuoteAsset))
}
