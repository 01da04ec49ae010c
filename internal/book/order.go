package book

import "fmt"

// Side of an order.
type Side uint8

const (
	Bid Side = 0
	Ask Side = 1
)

func (s Side) String() string {
	switch s {
	case Bid:
		return "bid"
	case Ask:
		return "ask"
	default:
		return fmt.Sprintf("side(%d)", uint8(s))
	}
}

// Opposite returns the contra side.
func (s Side) Opposite() Side {
	if s == Bid {
		return Ask
	}
	return Bid
}

// SideFromWire validates a wire-encoded side byte.
func SideFromWire(b uint8) (Side, error) {
	switch b {
	case 0:
		return Bid, nil
	case 1:
		return Ask, nil
	default:
		return 0, fmt.Errorf("invalid side %d: %w", b, ErrInvalidSide)
	}
}

// TimeInForce controls what happens to the unfilled remainder of an order.
type TimeInForce uint8

const (
	GTC TimeInForce = iota // rest until cancelled
	IOC                    // fill what is available, cancel the rest
	FOK                    // fill completely or not at all
)

func (t TimeInForce) String() string {
	switch t {
	case GTC:
		return "GTC"
	case IOC:
		return "IOC"
	case FOK:
		return "FOK"
	default:
		return fmt.Sprintf("tif(%d)", uint8(t))
	}
}

// SelfTradePolicy decides what happens when an incoming order would match the
// same account's own resting order. A self-match is never executed.
type SelfTradePolicy uint8

const (
	CancelNewest SelfTradePolicy = iota
	CancelOldest
	DecrementAndCancel
	RejectSelfTrade
)

func (p SelfTradePolicy) String() string {
	switch p {
	case CancelNewest:
		return "cancel_newest"
	case CancelOldest:
		return "cancel_oldest"
	case DecrementAndCancel:
		return "decrement_and_cancel"
	case RejectSelfTrade:
		return "reject"
	default:
		return fmt.Sprintf("stp(%d)", uint8(p))
	}
}

// MakerClass distinguishes makers that rested before the current batch opened
// from just-in-time makers placed after it. JIT makers earn no rebate.
type MakerClass uint8

const (
	MakerRegular MakerClass = iota
	MakerJustInTime
)

// OrderState tracks an order's lifecycle slot.
type OrderState uint8

const (
	OrderPending OrderState = iota // waiting for its batch epoch
	OrderLive                      // resting in the book
)

// Order is one record in a book side. Quantities and prices are 6-decimal
// fixed point. qty <= qty_orig and reserved_qty <= qty always hold.
type Order struct {
	ID            uint64
	AccountIdx    uint32
	InstrumentIdx uint16
	Side          Side
	Price         int64
	Qty           int64
	QtyOrig       int64
	ReservedQty   int64
	TIF           TimeInForce
	MakerClass    MakerClass
	State         OrderState
	EligibleEpoch uint64
	CreatedMs     uint64
}

// Available is the quantity exposed to aggressive matching. Reserved depth
// belongs to outstanding holds and cannot be swept.
func (o *Order) Available() int64 {
	return o.Qty - o.ReservedQty
}

// Fill is one maker/taker execution step, always at the maker's price.
type Fill struct {
	MakerOrderID  uint64
	MakerAccount  uint32
	TakerAccount  uint32
	Side          Side // taker side
	Price         int64
	Qty           int64
	MakerClass    MakerClass
	MakerRemoved  bool
}
