package event

import (
	"github.com/google/uuid"
)

// FillRecord is the outbound description of one execution, consumed by
// persistence and projections.
type FillRecord struct {
	FillID       uuid.UUID
	Market       string
	MakerOrderID uint64
	Maker        uuid.UUID
	Taker        uuid.UUID
	TakerSide    string
	Price        int64
	Qty          int64
	MakerFee     int64
	TakerFee     int64
	Liquidation  bool
	Timestamp    uint64
}

// LiquidationRecord is the outbound summary of one liquidation pass.
type LiquidationRecord struct {
	LiquidationID      uuid.UUID
	User               uuid.UUID
	Liquidator         uuid.UUID
	Phase              string
	PrincipalClosedQty int64
	PrincipalProceeds  int64
	SlabFreed          int64
	AmmRedeemed        int64
	StaleBucketsSkipped int
	InsuranceDraw      int64
	Socialized         int64
	FinalStatus        string
	Timestamp          uint64
}
