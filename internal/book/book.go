package book

import (
	"errors"

	"slabcore/internal/fixmath"
)

// MaxDepth is the fixed capacity of each book side.
const MaxDepth = 19

var (
	ErrInvalidSide           = errors.New("invalid side")
	ErrBookFull              = errors.New("order book full")
	ErrOrderNotFound         = errors.New("order not found")
	ErrMinNotional           = errors.New("notional below minimum")
	ErrPostOnlyCross         = errors.New("post-only order would cross")
	ErrSelfTrade             = errors.New("self-trade rejected")
	ErrFOKNotFillable        = errors.New("fill-or-kill quantity not available")
	ErrReduceOnlyNoExposure  = errors.New("reduce-only order has no opposing exposure")
	ErrInsufficientLiquidity = errors.New("insufficient liquidity")
)

// Instrument holds the static and marked state of one listed contract.
// Tick and lot are immutable after listing.
type Instrument struct {
	Symbol        string
	ContractSize  int64
	Tick          int64
	Lot           int64
	MinNotional   int64
	IndexPrice    int64
	FundingRate   int64
	CumFunding    int64
	LastFundingTs uint64
}

// Book is a single-instrument price-time-priority order book with bounded
// depth. Bids are kept best (highest) first, asks best (lowest) first; ties
// resolve by ascending order id, which equals submission order.
type Book struct {
	InstrumentIdx uint16
	Instrument    Instrument

	bids    []*Order
	asks    []*Order
	pending []*Order

	nextOrderID uint64
	seqno       uint64

	// batch epoch state
	epoch         uint64
	batchMs       uint64
	batchOpenMs   uint64
	freezeUntilMs uint64
}

// New creates an empty book. Order ids start at 1.
func New(instrumentIdx uint16, inst Instrument, batchMs uint64) *Book {
	return &Book{
		InstrumentIdx: instrumentIdx,
		Instrument:    inst,
		bids:          make([]*Order, 0, MaxDepth),
		asks:          make([]*Order, 0, MaxDepth),
		nextOrderID:   1,
		batchMs:       batchMs,
	}
}

// Seqno is the book's mutation counter. It advances whenever executable depth
// changes, and is what a Commit revalidates against.
func (b *Book) Seqno() uint64 { return b.seqno }

func (b *Book) bumpSeqno() { b.seqno++ }

// Epoch returns the current batch id.
func (b *Book) Epoch() uint64 { return b.epoch }

// BatchOpenMs returns when the current batch opened; makers created at or
// after this instant are just-in-time makers.
func (b *Book) BatchOpenMs() uint64 { return b.batchOpenMs }

func (b *Book) side(s Side) *[]*Order {
	if s == Bid {
		return &b.bids
	}
	return &b.asks
}

// BestBid returns the highest resting bid, or nil.
func (b *Book) BestBid() *Order {
	if len(b.bids) == 0 {
		return nil
	}
	return b.bids[0]
}

// BestAsk returns the lowest resting ask, or nil.
func (b *Book) BestAsk() *Order {
	if len(b.asks) == 0 {
		return nil
	}
	return b.asks[0]
}

// Depth returns the number of resting orders on a side.
func (b *Book) Depth(s Side) int {
	return len(*b.side(s))
}

// Orders returns the resting orders of a side in priority order. The slice
// is the book's own storage; callers must not mutate it.
func (b *Book) Orders(s Side) []*Order {
	return *b.side(s)
}

// FindOrder locates a live order by id.
func (b *Book) FindOrder(id uint64) (*Order, error) {
	for _, o := range b.bids {
		if o.ID == id {
			return o, nil
		}
	}
	for _, o := range b.asks {
		if o.ID == id {
			return o, nil
		}
	}
	return nil, ErrOrderNotFound
}

// FindOrderIncludingPending locates an order by id on either side or in the
// pending queue. Ownership checks use this so a pending order is attributable
// before any mutation.
func (b *Book) FindOrderIncludingPending(id uint64) (*Order, error) {
	if o, err := b.FindOrder(id); err == nil {
		return o, nil
	}
	for _, o := range b.pending {
		if o.ID == id {
			return o, nil
		}
	}
	return nil, ErrOrderNotFound
}

// Clone returns a deep copy of the book. Order records are duplicated, so
// mutations on the live book never reach the copy and the copy can be swapped
// back in to discard a failed instruction.
func (b *Book) Clone() *Book {
	c := *b
	c.bids = cloneOrders(b.bids)
	c.asks = cloneOrders(b.asks)
	c.pending = cloneOrders(b.pending)
	return &c
}

func cloneOrders(src []*Order) []*Order {
	out := make([]*Order, len(src))
	for i, o := range src {
		dup := *o
		out[i] = &dup
	}
	return out
}

// ranksBefore reports whether a has strictly better price-time priority
// than c on a's side.
func ranksBefore(a, c *Order) bool {
	if a.Side == Bid {
		if a.Price != c.Price {
			return a.Price > c.Price
		}
	} else {
		if a.Price != c.Price {
			return a.Price < c.Price
		}
	}
	return a.ID < c.ID
}

// insertSorted places an order at its priority position. Fails when the side
// is at capacity, before any mutation.
func (b *Book) insertSorted(o *Order) error {
	side := b.side(o.Side)
	if len(*side) >= MaxDepth {
		return ErrBookFull
	}
	pos := len(*side)
	for i, resting := range *side {
		if ranksBefore(o, resting) {
			pos = i
			break
		}
	}
	*side = append(*side, nil)
	copy((*side)[pos+1:], (*side)[pos:])
	(*side)[pos] = o
	return nil
}

// removeAt drops the order at index i on side s.
func (b *Book) removeAt(s Side, i int) {
	side := b.side(s)
	copy((*side)[i:], (*side)[i+1:])
	(*side)[len(*side)-1] = nil
	*side = (*side)[:len(*side)-1]
}

// CancelOrder removes a live order. Cancelling an already filled or cancelled
// id returns ErrOrderNotFound; a cancel is never applied twice.
func (b *Book) CancelOrder(id uint64) (*Order, error) {
	for _, s := range []Side{Bid, Ask} {
		side := b.side(s)
		for i, o := range *side {
			if o.ID == id {
				b.removeAt(s, i)
				b.bumpSeqno()
				return o, nil
			}
		}
	}
	// pending orders can be cancelled before promotion
	for i, o := range b.pending {
		if o.ID == id {
			copy(b.pending[i:], b.pending[i+1:])
			b.pending[len(b.pending)-1] = nil
			b.pending = b.pending[:len(b.pending)-1]
			return o, nil
		}
	}
	return nil, ErrOrderNotFound
}

// validate applies the pre-mutation input checks shared by every placement.
func (b *Book) validate(side Side, price, qty int64) error {
	if side != Bid && side != Ask {
		return ErrInvalidSide
	}
	if err := fixmath.CheckTick(price, b.Instrument.Tick); err != nil {
		return err
	}
	if err := fixmath.CheckLot(qty, b.Instrument.Lot); err != nil {
		return err
	}
	notional, err := fixmath.Notional(qty, price)
	if err != nil {
		return err
	}
	if notional < b.Instrument.MinNotional {
		return ErrMinNotional
	}
	return nil
}

// crosses reports whether a price on the given side would trade against the
// current opposing best.
func (b *Book) crosses(side Side, price int64) bool {
	if side == Bid {
		if best := b.BestAsk(); best != nil && price >= best.Price {
			return true
		}
		return false
	}
	if best := b.BestBid(); best != nil && price <= best.Price {
		return true
	}
	return false
}
