package ledger

import (
	"fmt"

	"github.com/google/uuid"
)

// JournalGenerator creates balanced journal batches from engine effects.
// Every collateral movement in the system — fills, fees, rebates, LP
// commitments, funding, liquidation transfers — flows through here so the
// global zero-sum invariant stays checkable.
type JournalGenerator struct {
	sequence int64
	tracker  *BalanceTracker
}

func NewJournalGenerator(startSequence int64, tracker *BalanceTracker) *JournalGenerator {
	return &JournalGenerator{
		sequence: startSequence,
		tracker:  tracker,
	}
}

// SetSequence re-seats the generator cursor during snapshot restore.
func (jg *JournalGenerator) SetSequence(sequence int64) {
	jg.sequence = sequence
}

// Sequence returns the cursor the next batch will carry.
func (jg *JournalGenerator) Sequence() int64 {
	return jg.sequence
}

func (jg *JournalGenerator) newBatch(eventRef string, timestamp int64) *Batch {
	return &Batch{
		BatchID:   uuid.New(),
		EventRef:  eventRef,
		Sequence:  jg.sequence,
		Timestamp: timestamp,
	}
}

func (jg *JournalGenerator) addJournal(b *Batch, debit, credit AccountKey, amount int64, jt JournalType) {
	b.Journals = append(b.Journals, Journal{
		JournalID:     uuid.New(),
		BatchID:       b.BatchID,
		EventRef:      b.EventRef,
		Sequence:      jg.sequence,
		DebitAccount:  debit,
		CreditAccount: credit,
		AssetID:       QuoteAsset,
		Amount:        amount,
		JournalType:   jt,
		Timestamp:     b.Timestamp,
	})
}

// GenerateDeposit moves confirmed collateral in from the external boundary:
// external:deposits → user:collateral.
func (jg *JournalGenerator) GenerateDeposit(userID uuid.UUID, depositID uuid.UUID, amount int64, timestamp int64) (*Batch, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("deposit amount must be positive: %d", amount)
	}
	batch := jg.newBatch(depositID.String(), timestamp)
	jg.addJournal(batch,
		NewUserAccountKey(userID, SubTypeCollateral, QuoteAsset),
		NewExternalAccountKey(SubTypeExternalDeposits, QuoteAsset),
		amount, JournalTypeDeposit)
	jg.sequence++
	return batch, nil
}

// GenerateWithdrawal moves collateral out: user:collateral → external:withdrawals.
// The margin check (amount <= free collateral) happens in the portfolio before
// this is called; the ledger still refuses to take the balance negative.
func (jg *JournalGenerator) GenerateWithdrawal(userID uuid.UUID, withdrawalID uuid.UUID, amount int64, timestamp int64) (*Batch, error) {
	if err := jg.tracker.ValidateSufficientCollateral(userID, amount); err != nil {
		return nil, fmt.Errorf("withdrawal pre-check failed: %w", err)
	}
	batch := jg.newBatch(withdrawalID.String(), timestamp)
	jg.addJournal(batch,
		NewExternalAccountKey(SubTypeExternalWithdrawals, QuoteAsset),
		NewUserAccountKey(userID, SubTypeCollateral, QuoteAsset),
		amount, JournalTypeWithdrawal)
	jg.sequence++
	return batch, nil
}

// MakerLeg is one maker's share of a committed fill.
type MakerLeg struct {
	UserID   uuid.UUID
	Notional int64
	Fee      int64 // negative = rebate owed to the maker
}

// GenerateCommitFill journals the cash legs of a committed hold: the quote
// notional between taker and each maker, the taker fee into the fee pool, and
// each maker's fee or rebate against the fee pool. takerBuys tells the
// direction the quote flows: a buying taker pays the makers.
func (jg *JournalGenerator) GenerateCommitFill(
	takerID uuid.UUID,
	eventRef string,
	takerBuys bool,
	legs []MakerLeg,
	takerFee int64,
	timestamp int64,
) (*Batch, error) {
	batch := jg.newBatch(eventRef, timestamp)
	takerKey := NewUserAccountKey(takerID, SubTypeCollateral, QuoteAsset)

	for _, leg := range legs {
		if leg.Notional <= 0 {
			return nil, fmt.Errorf("maker leg for %s has non-positive notional: %d", leg.UserID, leg.Notional)
		}
		makerKey := NewUserAccountKey(leg.UserID, SubTypeCollateral, QuoteAsset)
		if takerBuys {
			jg.addJournal(batch, makerKey, takerKey, leg.Notional, JournalTypeTradeNotional)
		} else {
			jg.addJournal(batch, takerKey, makerKey, leg.Notional, JournalTypeTradeNotional)
		}
		switch {
		case leg.Fee > 0:
			jg.addJournal(batch, FeePoolKey(), makerKey, leg.Fee, JournalTypeTakerFee)
		case leg.Fee < 0:
			jg.addJournal(batch, makerKey, FeePoolKey(), -leg.Fee, JournalTypeMakerRebate)
		}
	}
	if takerFee > 0 {
		jg.addJournal(batch, FeePoolKey(), takerKey, takerFee, JournalTypeTakerFee)
	}
	if len(batch.Journals) == 0 {
		return nil, fmt.Errorf("commit fill %s produced no journals", eventRef)
	}
	jg.sequence++
	return batch, nil
}

// GenerateLpCommit locks collateral into a venue commitment:
// user:collateral → user:lp_committed.
func (jg *JournalGenerator) GenerateLpCommit(userID uuid.UUID, eventRef string, amount int64, timestamp int64) (*Batch, error) {
	if err := jg.tracker.ValidateSufficientCollateral(userID, amount); err != nil {
		return nil, fmt.Errorf("lp commit pre-check failed: %w", err)
	}
	batch := jg.newBatch(eventRef, timestamp)
	jg.addJournal(batch,
		NewUserAccountKey(userID, SubTypeLpCommitted, QuoteAsset),
		NewUserAccountKey(userID, SubTypeCollateral, QuoteAsset),
		amount, JournalTypeLpCommit)
	jg.sequence++
	return batch, nil
}

// GenerateLpRelease frees committed collateral back to the user, either on
// voluntary withdrawal or when a liquidation drains the bucket.
func (jg *JournalGenerator) GenerateLpRelease(userID uuid.UUID, eventRef string, amount int64, timestamp int64) (*Batch, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("lp release amount must be positive: %d", amount)
	}
	batch := jg.newBatch(eventRef, timestamp)
	jg.addJournal(batch,
		NewUserAccountKey(userID, SubTypeCollateral, QuoteAsset),
		NewUserAccountKey(userID, SubTypeLpCommitted, QuoteAsset),
		amount, JournalTypeLpRelease)
	jg.sequence++
	return batch, nil
}

// GenerateFundingSettle journals one user's funding payment against the
// funding pool; positive payment means the user pays.
func (jg *JournalGenerator) GenerateFundingSettle(userID uuid.UUID, instrument string, payment int64, timestamp int64) (*Batch, error) {
	if payment == 0 {
		return nil, fmt.Errorf("zero funding payment for %s", userID)
	}
	eventRef := fmt.Sprintf("funding:%s:%s", instrument, userID)
	batch := jg.newBatch(eventRef, timestamp)
	pool := NewSystemAccountKey(instrument, SubTypeSystemFundingPool, QuoteAsset)
	user := NewUserAccountKey(userID, SubTypeCollateral, QuoteAsset)
	if payment > 0 {
		jg.addJournal(batch, pool, user, payment, JournalTypeFundingSettle)
	} else {
		jg.addJournal(batch, user, pool, -payment, JournalTypeFundingSettle)
	}
	jg.sequence++
	return batch, nil
}

// GenerateLiquidationFee routes the liquidation penalty into the insurance
// fund: target:collateral → system:insurance_fund.
func (jg *JournalGenerator) GenerateLiquidationFee(targetID uuid.UUID, liquidationID uuid.UUID, amount int64, timestamp int64) (*Batch, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("liquidation fee must be positive: %d", amount)
	}
	batch := jg.newBatch(fmt.Sprintf("%s:fee", liquidationID), timestamp)
	jg.addJournal(batch,
		InsuranceFundKey(),
		NewUserAccountKey(targetID, SubTypeCollateral, QuoteAsset),
		amount, JournalTypeLiquidationFee)
	jg.sequence++
	return batch, nil
}

// GenerateLiquidatorReward pays the submitting liquidator out of the target's
// equity.
func (jg *JournalGenerator) GenerateLiquidatorReward(targetID, liquidatorID uuid.UUID, liquidationID uuid.UUID, amount int64, timestamp int64) (*Batch, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("liquidator reward must be positive: %d", amount)
	}
	batch := jg.newBatch(fmt.Sprintf("%s:reward", liquidationID), timestamp)
	jg.addJournal(batch,
		NewUserAccountKey(liquidatorID, SubTypeCollateral, QuoteAsset),
		NewUserAccountKey(targetID, SubTypeCollateral, QuoteAsset),
		amount, JournalTypeLiquidatorReward)
	jg.sequence++
	return batch, nil
}

// GenerateInsuranceDraw covers a post-liquidation deficit from the fund:
// system:insurance_fund → target:collateral.
func (jg *JournalGenerator) GenerateInsuranceDraw(targetID uuid.UUID, liquidationID uuid.UUID, amount int64, timestamp int64) (*Batch, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("insurance draw must be positive: %d", amount)
	}
	batch := jg.newBatch(fmt.Sprintf("%s:insurance", liquidationID), timestamp)
	jg.addJournal(batch,
		NewUserAccountKey(targetID, SubTypeCollateral, QuoteAsset),
		InsuranceFundKey(),
		amount, JournalTypeInsuranceDraw)
	jg.sequence++
	return batch, nil
}

// GenerateSocializedLoss books residual bad debt against the socialization
// account after the insurance fund is exhausted.
func (jg *JournalGenerator) GenerateSocializedLoss(targetID uuid.UUID, liquidationID uuid.UUID, amount int64, timestamp int64) (*Batch, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("socialized loss must be positive: %d", amount)
	}
	batch := jg.newBatch(fmt.Sprintf("%s:socialized", liquidationID), timestamp)
	jg.addJournal(batch,
		NewUserAccountKey(targetID, SubTypeCollateral, QuoteAsset),
		SocializedLossKey(),
		amount, JournalTypeSocializedLoss)
	jg.sequence++
	return batch, nil
}
