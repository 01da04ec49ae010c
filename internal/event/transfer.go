package event

import (
	"github.com/google/uuid"
)

// Deposit credits confirmed external collateral to a user.
// Idempotency key: deposit_id from the settlement gateway.
type Deposit struct {
	DepositID uuid.UUID
	UserID    uuid.UUID
	Asset     string
	Amount    int64
	Sequence  int64
	Timestamp uint64
}

func (e *Deposit) IdempotencyKey() string { return e.DepositID.String() }
func (e *Deposit) EventType() EventType   { return EventTypeDeposit }
func (e *Deposit) Symbol() *string        { return nil }
func (e *Deposit) SourceSequence() int64  { return e.Sequence }
func (e *Deposit) TsMs() uint64           { return e.Timestamp }

// Withdrawal debits collateral back out, bounded by free collateral.
// Idempotency key: withdrawal_id.
type Withdrawal struct {
	WithdrawalID uuid.UUID
	UserID       uuid.UUID
	Asset        string
	Amount       int64
	Sequence     int64
	Timestamp    uint64
}

func (e *Withdrawal) IdempotencyKey() string { return e.WithdrawalID.String() }
func (e *Withdrawal) EventType() EventType   { return EventTypeWithdrawal }
func (e *Withdrawal) Symbol() *string        { return nil }
func (e *Withdrawal) SourceSequence() int64  { return e.Sequence }
func (e *Withdrawal) TsMs() uint64           { return e.Timestamp }
