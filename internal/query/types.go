package query

import "github.com/google/uuid"

// BalanceResponse is one user's collateral view. All responses carry
// as_of_sequence: the last event sequence the projection has applied.
type BalanceResponse struct {
	UserID uuid.UUID `json:"user_id"`
	Asset  string    `json:"asset"`

	// Ledger balances (from journal entries)
	Collateral  int64 `json:"collateral"`
	LpCommitted int64 `json:"lp_committed"`
	Total       int64 `json:"total"`

	AsOfSequence int64 `json:"as_of_sequence"`
}

// PositionResponse is one signed exposure.
type PositionResponse struct {
	UserID       uuid.UUID `json:"user_id"`
	Market       string    `json:"market"`
	Qty          int64     `json:"qty"` // signed, positive = long
	AsOfSequence int64     `json:"as_of_sequence"`
}

// FillResponse is one execution from the tape.
type FillResponse struct {
	FillID      string `json:"fill_id"`
	Market      string `json:"market"`
	Maker       string `json:"maker"`
	Taker       string `json:"taker"`
	TakerSide   string `json:"taker_side"`
	Price       int64  `json:"price"`
	Qty         int64  `json:"qty"`
	Liquidation bool   `json:"liquidation"`
	Sequence    int64  `json:"sequence"`
	TimestampMs int64  `json:"timestamp_ms"`
}

// LiquidationResponse is one liquidation pass summary.
type LiquidationResponse struct {
	LiquidationID       string `json:"liquidation_id"`
	TargetUser          string `json:"target_user"`
	Liquidator          string `json:"liquidator"`
	Phase               string `json:"phase"`
	PrincipalClosedQty  int64  `json:"principal_closed_qty"`
	PrincipalProceeds   int64  `json:"principal_proceeds"`
	SlabFreed           int64  `json:"slab_freed"`
	AmmRedeemed         int64  `json:"amm_redeemed"`
	StaleBucketsSkipped int    `json:"stale_buckets_skipped"`
	InsuranceDraw       int64  `json:"insurance_draw"`
	Socialized          int64  `json:"socialized"`
	FinalStatus         string `json:"final_status"`
	Sequence            int64  `json:"sequence"`
	TimestampMs         int64  `json:"timestamp_ms"`
}

// JournalHistoryEntry is one journal row for account statements.
type JournalHistoryEntry struct {
	JournalID     string `json:"journal_id"`
	BatchID       string `json:"batch_id"`
	EventRef      string `json:"event_ref"`
	Sequence      int64  `json:"sequence"`
	DebitAccount  string `json:"debit_account"`
	CreditAccount string `json:"credit_account"`
	AssetID       uint16 `json:"asset_id"`
	Amount        int64  `json:"amount"`
	JournalType   int32  `json:"journal_type"`
	TimestampMs   int64  `json:"timestamp_ms"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy        bool              `json:"is_healthy"`
	HashChainBreaks  []int64           `json:"hash_chain_breaks,omitempty"`
	UnbalancedAssets []UnbalancedAsset `json:"unbalanced_assets,omitempty"`
}

// UnbalancedAsset is an asset whose global balance sum is non-zero.
type UnbalancedAsset struct {
	AssetID   uint16 `json:"asset_id"`
	Imbalance int64  `json:"imbalance"`
}
