package wire

import "fmt"

// Program selects the instruction family a payload belongs to.
type Program uint8

const (
	ProgramSlab       Program = 0 // matching venue: fills, placement, cancels
	ProgramRouter     Program = 1 // reservation protocol and batch epochs
	ProgramLiquidator Program = 2 // liquidation submissions
)

// Slab discriminators.
const (
	SlabCommitFill  uint8 = 1
	SlabPlaceOrder  uint8 = 2
	SlabCancelOrder uint8 = 3
)

// Router discriminators.
const (
	RouterReserve    uint8 = 0
	RouterCommit     uint8 = 1
	RouterCancelHold uint8 = 2
	RouterBatchOpen  uint8 = 3
)

// Liquidator discriminators.
const (
	LiquidateUser uint8 = 0
)

// PlaceOrder flag bits in the optional extension.
const (
	FlagPostOnly   uint8 = 1 << 0
	FlagReduceOnly uint8 = 1 << 1
)

// PlaceOrderIx places a limit order. The core payload is price, qty, side;
// an optional extension carries time-in-force, the post-only/reduce-only
// flags, the self-trade policy and the eligible batch epoch. A payload that
// ends after the side byte gets the defaults (GTC, no flags, cancel-newest,
// current epoch).
type PlaceOrderIx struct {
	Price         int64
	Qty           int64
	Side          uint8
	TIF           uint8
	Flags         uint8
	SelfTrade     uint8
	EligibleEpoch uint64
}

// CancelOrderIx removes a live order.
type CancelOrderIx struct {
	OrderID uint64
}

// CommitFillIx executes an immediate taker sweep up to the limit price.
type CommitFillIx struct {
	Side    uint8
	Qty     int64
	LimitPx int64
}

// ReserveIx quotes executable depth and pins it behind a hold.
type ReserveIx struct {
	AccountIdx     uint32
	InstrumentIdx  uint16
	Side           uint8
	Qty            int64
	LimitPx        int64
	TTLMs          uint64
	CommitmentHash [32]byte
	RouteID        int64
}

// CommitIx consumes a hold at its quoted terms.
type CommitIx struct {
	HoldID    int64
	CurrentTs uint64
}

// CancelHoldIx releases a hold without executing.
type CancelHoldIx struct {
	HoldID int64
}

// BatchOpenIx advances the batch epoch and promotes pending orders.
type BatchOpenIx struct {
	InstrumentIdx uint16
	CurrentTs     uint64
}

// LiquidateUserIx carries no payload; the target and liquidator portfolios
// come from the instruction envelope's account list.
type LiquidateUserIx struct{}

// Instruction is a decoded payload; exactly one field is non-nil.
type Instruction struct {
	Program     Program
	PlaceOrder  *PlaceOrderIx
	CancelOrder *CancelOrderIx
	CommitFill  *CommitFillIx
	Reserve     *ReserveIx
	Commit      *CommitIx
	CancelHold  *CancelHoldIx
	BatchOpen   *BatchOpenIx
	Liquidate   *LiquidateUserIx
}

// Decode parses a discriminator-prefixed payload for the given program.
func Decode(program Program, data []byte) (*Instruction, error) {
	offset := 0
	disc, err := ReadU8(data, &offset)
	if err != nil {
		return nil, err
	}
	ix := &Instruction{Program: program}

	switch program {
	case ProgramSlab:
		switch disc {
		case SlabPlaceOrder:
			ix.PlaceOrder, err = decodePlaceOrder(data, &offset)
		case SlabCancelOrder:
			ix.CancelOrder, err = decodeCancelOrder(data, &offset)
		case SlabCommitFill:
			ix.CommitFill, err = decodeCommitFill(data, &offset)
		default:
			return nil, fmt.Errorf("slab discriminator %d: %w", disc, ErrInvalidInstruction)
		}
	case ProgramRouter:
		switch disc {
		case RouterReserve:
			ix.Reserve, err = decodeReserve(data, &offset)
		case RouterCommit:
			ix.Commit, err = decodeCommit(data, &offset)
		case RouterCancelHold:
			ix.CancelHold, err = decodeCancelHold(data, &offset)
		case RouterBatchOpen:
			ix.BatchOpen, err = decodeBatchOpen(data, &offset)
		default:
			return nil, fmt.Errorf("router discriminator %d: %w", disc, ErrInvalidInstruction)
		}
	case ProgramLiquidator:
		switch disc {
		case LiquidateUser:
			ix.Liquidate = &LiquidateUserIx{}
		default:
			return nil, fmt.Errorf("liquidator discriminator %d: %w", disc, ErrInvalidInstruction)
		}
	default:
		return nil, fmt.Errorf("program %d: %w", program, ErrInvalidInstruction)
	}
	if err != nil {
		return nil, err
	}
	if offset != len(data) {
		return nil, fmt.Errorf("trailing %d bytes: %w", len(data)-offset, ErrInvalidInstruction)
	}
	return ix, nil
}

func decodePlaceOrder(data []byte, offset *int) (*PlaceOrderIx, error) {
	var (
		ix  PlaceOrderIx
		err error
	)
	if ix.Price, err = ReadI64(data, offset); err != nil {
		return nil, err
	}
	if ix.Qty, err = ReadI64(data, offset); err != nil {
		return nil, err
	}
	if ix.Side, err = ReadU8(data, offset); err != nil {
		return nil, err
	}
	if *offset == len(data) {
		return &ix, nil // defaults
	}
	if ix.TIF, err = ReadU8(data, offset); err != nil {
		return nil, err
	}
	if ix.Flags, err = ReadU8(data, offset); err != nil {
		return nil, err
	}
	if ix.SelfTrade, err = ReadU8(data, offset); err != nil {
		return nil, err
	}
	if ix.EligibleEpoch, err = ReadU64(data, offset); err != nil {
		return nil, err
	}
	return &ix, nil
}

func decodeCancelOrder(data []byte, offset *int) (*CancelOrderIx, error) {
	id, err := ReadU64(data, offset)
	if err != nil {
		return nil, err
	}
	return &CancelOrderIx{OrderID: id}, nil
}

func decodeCommitFill(data []byte, offset *int) (*CommitFillIx, error) {
	var (
		ix  CommitFillIx
		err error
	)
	if ix.Side, err = ReadU8(data, offset); err != nil {
		return nil, err
	}
	if ix.Qty, err = ReadI64(data, offset); err != nil {
		return nil, err
	}
	if ix.LimitPx, err = ReadI64(data, offset); err != nil {
		return nil, err
	}
	return &ix, nil
}

func decodeReserve(data []byte, offset *int) (*ReserveIx, error) {
	var (
		ix  ReserveIx
		err error
	)
	if ix.AccountIdx, err = ReadU32(data, offset); err != nil {
		return nil, err
	}
	if ix.InstrumentIdx, err = ReadU16(data, offset); err != nil {
		return nil, err
	}
	if ix.Side, err = ReadU8(data, offset); err != nil {
		return nil, err
	}
	if ix.Qty, err = ReadI64(data, offset); err != nil {
		return nil, err
	}
	if ix.LimitPx, err = ReadI64(data, offset); err != nil {
		return nil, err
	}
	if ix.TTLMs, err = ReadU64(data, offset); err != nil {
		return nil, err
	}
	if ix.CommitmentHash, err = ReadBytes32(data, offset); err != nil {
		return nil, err
	}
	if ix.RouteID, err = ReadI64(data, offset); err != nil {
		return nil, err
	}
	return &ix, nil
}

func decodeCommit(data []byte, offset *int) (*CommitIx, error) {
	var (
		ix  CommitIx
		err error
	)
	if ix.HoldID, err = ReadI64(data, offset); err != nil {
		return nil, err
	}
	if ix.CurrentTs, err = ReadU64(data, offset); err != nil {
		return nil, err
	}
	return &ix, nil
}

func decodeCancelHold(data []byte, offset *int) (*CancelHoldIx, error) {
	id, err := ReadI64(data, offset)
	if err != nil {
		return nil, err
	}
	return &CancelHoldIx{HoldID: id}, nil
}

func decodeBatchOpen(data []byte, offset *int) (*BatchOpenIx, error) {
	var (
		ix  BatchOpenIx
		err error
	)
	if ix.InstrumentIdx, err = ReadU16(data, offset); err != nil {
		return nil, err
	}
	if ix.CurrentTs, err = ReadU64(data, offset); err != nil {
		return nil, err
	}
	return &ix, nil
}

// === Encoders (used by the publisher and by clients in tests) ===

func (ix *PlaceOrderIx) Encode() []byte {
	out := WriteU8(nil, SlabPlaceOrder)
	out = WriteI64(out, ix.Price)
	out = WriteI64(out, ix.Qty)
	out = WriteU8(out, ix.Side)
	out = WriteU8(out, ix.TIF)
	out = WriteU8(out, ix.Flags)
	out = WriteU8(out, ix.SelfTrade)
	out = WriteU64(out, ix.EligibleEpoch)
	return out
}

// EncodeShort emits only the core fields, leaving the extension defaults.
func (ix *PlaceOrderIx) EncodeShort() []byte {
	out := WriteU8(nil, SlabPlaceOrder)
	out = WriteI64(out, ix.Price)
	out = WriteI64(out, ix.Qty)
	out = WriteU8(out, ix.Side)
	return out
}

func (ix *CancelOrderIx) Encode() []byte {
	out := WriteU8(nil, SlabCancelOrder)
	out = WriteU64(out, ix.OrderID)
	return out
}

func (ix *CommitFillIx) Encode() []byte {
	out := WriteU8(nil, SlabCommitFill)
	out = WriteU8(out, ix.Side)
	out = WriteI64(out, ix.Qty)
	out = WriteI64(out, ix.LimitPx)
	return out
}

func (ix *ReserveIx) Encode() []byte {
	out := WriteU8(nil, RouterReserve)
	out = WriteU32(out, ix.AccountIdx)
	out = WriteU16(out, ix.InstrumentIdx)
	out = WriteU8(out, ix.Side)
	out = WriteI64(out, ix.Qty)
	out = WriteI64(out, ix.LimitPx)
	out = WriteU64(out, ix.TTLMs)
	out = WriteBytes32(out, ix.CommitmentHash)
	out = WriteI64(out, ix.RouteID)
	return out
}

func (ix *CommitIx) Encode() []byte {
	out := WriteU8(nil, RouterCommit)
	out = WriteI64(out, ix.HoldID)
	out = WriteU64(out, ix.CurrentTs)
	return out
}

func (ix *CancelHoldIx) Encode() []byte {
	out := WriteU8(nil, RouterCancelHold)
	out = WriteI64(out, ix.HoldID)
	return out
}

func (ix *BatchOpenIx) Encode() []byte {
	out := WriteU8(nil, RouterBatchOpen)
	out = WriteU16(out, ix.InstrumentIdx)
	out = WriteU64(out, ix.CurrentTs)
	return out
}

func (ix *LiquidateUserIx) Encode() []byte {
	return WriteU8(nil, LiquidateUser)
}
