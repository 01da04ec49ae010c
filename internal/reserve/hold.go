package reserve

import (
	"errors"
	"fmt"

	"slabcore/internal/book"
	"slabcore/internal/fixmath"
)

var (
	ErrHoldNotFound       = errors.New("hold not found")
	ErrInvalidReservation = errors.New("reservation already consumed")
	ErrReservationExpired = errors.New("reservation expired")
	ErrStaleBook          = errors.New("book changed since reservation")
	ErrPriceBandViolation = errors.New("commit price outside kill band")
)

// HoldState tracks the reservation state machine:
// Reserved → Committed | Cancelled. Expiry is a property of the timestamp,
// not a state: an expired hold stays Reserved until cancelled as cleanup.
type HoldState uint8

const (
	HoldReserved HoldState = iota
	HoldCommitted
	HoldCancelled
)

// Slice pins reserved quantity to one resting maker order.
type Slice struct {
	OrderID uint64
	Qty     int64
}

// Hold is a time-bounded executable quote against book liquidity, consumed
// exactly once by Commit or Cancel.
type Hold struct {
	ID             int64
	AccountIdx     uint32
	InstrumentIdx  uint16
	Side           book.Side
	ReservedQty    int64
	VWAPPx         int64
	WorstPx        int64
	MaxCharge      int64
	ExpiryMs       uint64
	Seqno          uint64
	CommitmentHash [32]byte
	RouteID        int64
	Slices         []Slice
	State          HoldState
}

// Config holds the fee and safety parameters applied at commit time.
type Config struct {
	TakerFeeBps int64
	MakerFeeBps int64 // negative = rebate
	KillBandBps int64
}

// Registry owns every live hold for one slab. Hold ids are monotonic from 1.
type Registry struct {
	cfg        Config
	holds      map[int64]*Hold
	nextHoldID int64
}

func NewRegistry(cfg Config) *Registry {
	return &Registry{
		cfg:        cfg,
		holds:      make(map[int64]*Hold),
		nextHoldID: 1,
	}
}

// Clone returns a deep copy of the registry, slices included, so a failed
// instruction can restore the pre-dispatch hold set wholesale.
func (r *Registry) Clone() *Registry {
	c := &Registry{
		cfg:        r.cfg,
		holds:      make(map[int64]*Hold, len(r.holds)),
		nextHoldID: r.nextHoldID,
	}
	for id, h := range r.holds {
		dup := *h
		dup.Slices = append([]Slice(nil), h.Slices...)
		c.holds[id] = &dup
	}
	return c
}

// Get returns a hold by id.
func (r *Registry) Get(holdID int64) (*Hold, error) {
	h, ok := r.holds[holdID]
	if !ok {
		return nil, ErrHoldNotFound
	}
	return h, nil
}

// ReserveRequest describes the liquidity to quote.
type ReserveRequest struct {
	AccountIdx     uint32
	Side           book.Side
	Qty            int64
	LimitPx        int64
	TTLMs          uint64
	NowMs          uint64
	CommitmentHash [32]byte
	RouteID        int64
}

// Reserve walks contra depth within the limit price, pins per-order slices,
// and quotes vwap, worst price and the worst-case charge. Depth may cover
// only part of the requested quantity; zero available depth fails. The book's
// executable quantities are only provisionally reduced — nothing trades until
// Commit.
func (r *Registry) Reserve(b *book.Book, req ReserveRequest) (*Hold, error) {
	if req.Side != book.Bid && req.Side != book.Ask {
		return nil, book.ErrInvalidSide
	}
	if err := fixmath.CheckTick(req.LimitPx, b.Instrument.Tick); err != nil {
		return nil, err
	}
	if err := fixmath.CheckLot(req.Qty, b.Instrument.Lot); err != nil {
		return nil, err
	}

	var (
		slices   []Slice
		reserved int64
		worstPx  int64
	)
	acc := fixmath.NewNotionalAcc()
	for _, o := range b.Orders(req.Side.Opposite()) {
		if reserved == req.Qty {
			break
		}
		if !withinLimit(req.Side, req.LimitPx, o.Price) {
			break
		}
		if o.AccountIdx == req.AccountIdx {
			continue
		}
		avail := o.Available()
		if avail == 0 {
			continue
		}
		take := req.Qty - reserved
		if avail < take {
			take = avail
		}
		slices = append(slices, Slice{OrderID: o.ID, Qty: take})
		acc.AddFill(take, o.Price)
		reserved += take
		worstPx = o.Price
	}
	if reserved == 0 {
		return nil, book.ErrInsufficientLiquidity
	}

	vwap, err := acc.VWAP(reserved)
	if err != nil {
		return nil, fmt.Errorf("reserve vwap: %w", err)
	}
	notionalWorst, err := fixmath.Notional(reserved, worstPx)
	if err != nil {
		return nil, fmt.Errorf("reserve notional: %w", err)
	}
	fee, err := fixmath.FeeBps(notionalWorst, r.cfg.TakerFeeBps)
	if err != nil {
		return nil, fmt.Errorf("reserve fee: %w", err)
	}
	maxCharge, err := fixmath.CheckedAdd(notionalWorst, fee)
	if err != nil {
		return nil, err
	}

	for _, s := range slices {
		if err := b.ReserveQty(s.OrderID, s.Qty); err != nil {
			// undo partial marking before failing
			for _, done := range slices {
				if done.OrderID == s.OrderID {
					break
				}
				b.ReleaseQty(done.OrderID, done.Qty)
			}
			return nil, fmt.Errorf("pin slice %d: %w", s.OrderID, err)
		}
	}

	h := &Hold{
		ID:             r.nextHoldID,
		AccountIdx:     req.AccountIdx,
		InstrumentIdx:  b.InstrumentIdx,
		Side:           req.Side,
		ReservedQty:    reserved,
		VWAPPx:         vwap,
		WorstPx:        worstPx,
		MaxCharge:      maxCharge,
		ExpiryMs:       req.NowMs + req.TTLMs,
		Seqno:          b.Seqno(),
		CommitmentHash: req.CommitmentHash,
		RouteID:        req.RouteID,
		Slices:         slices,
		State:          HoldReserved,
	}
	r.nextHoldID++
	r.holds[h.ID] = h
	return h, nil
}

// MakerFee is one maker's fee for a committed hold. Negative = rebate paid
// to the maker; just-in-time makers have rebates clamped to zero.
type MakerFee struct {
	AccountIdx uint32
	OrderID    uint64
	Notional   int64
	Fee        int64
}

// CommitResult reports the executed terms of a hold.
type CommitResult struct {
	Hold      *Hold
	Fills     []book.Fill
	FilledQty int64
	AvgPrice  int64
	Notional  int64
	TakerFee  int64
	MakerFees []MakerFee
}

// Commit executes a hold at its quoted terms. It re-checks expiry, the book
// seqno (the book must not have changed executable depth since Reserve), and
// the kill band against the instrument's current index price, then consumes
// the pinned slices as real fills.
func (r *Registry) Commit(b *book.Book, holdID int64, currentTs uint64) (*CommitResult, error) {
	h, err := r.Get(holdID)
	if err != nil {
		return nil, err
	}
	if h.State != HoldReserved {
		return nil, ErrInvalidReservation
	}
	if currentTs > h.ExpiryMs {
		return nil, ErrReservationExpired
	}
	if b.Seqno() != h.Seqno {
		return nil, ErrStaleBook
	}
	if r.cfg.KillBandBps > 0 && b.Instrument.IndexPrice > 0 {
		inside, err := fixmath.WithinBandBps(h.VWAPPx, b.Instrument.IndexPrice, r.cfg.KillBandBps)
		if err != nil {
			return nil, err
		}
		if !inside {
			return nil, ErrPriceBandViolation
		}
	}

	res := &CommitResult{Hold: h}
	acc := fixmath.NewNotionalAcc()
	for _, s := range h.Slices {
		fill, err := b.ExecuteSlice(s.OrderID, s.Qty, h.AccountIdx, h.Side)
		if err != nil {
			// seqno matched, so every slice must still be intact
			return nil, fmt.Errorf("execute slice %d: %w", s.OrderID, err)
		}
		res.Fills = append(res.Fills, fill)
		res.FilledQty += fill.Qty
		acc.AddFill(fill.Qty, fill.Price)

		fillNotional, err := fixmath.Notional(fill.Qty, fill.Price)
		if err != nil {
			return nil, err
		}
		makerFee, err := fixmath.FeeBps(fillNotional, r.cfg.MakerFeeBps)
		if err != nil {
			return nil, err
		}
		if fill.MakerClass == book.MakerJustInTime && makerFee < 0 {
			makerFee = 0
		}
		res.MakerFees = append(res.MakerFees, MakerFee{
			AccountIdx: fill.MakerAccount,
			OrderID:    fill.MakerOrderID,
			Notional:   fillNotional,
			Fee:        makerFee,
		})
	}

	res.AvgPrice, err = acc.VWAP(res.FilledQty)
	if err != nil {
		return nil, err
	}
	res.Notional, err = acc.Total()
	if err != nil {
		return nil, err
	}
	res.TakerFee, err = fixmath.FeeBps(res.Notional, r.cfg.TakerFeeBps)
	if err != nil {
		return nil, err
	}

	h.State = HoldCommitted
	return res, nil
}

// Cancel releases a hold's pinned slices without executing. Valid after
// expiry as cleanup; consuming an already committed or cancelled hold fails.
func (r *Registry) Cancel(b *book.Book, holdID int64) error {
	h, err := r.Get(holdID)
	if err != nil {
		return err
	}
	if h.State != HoldReserved {
		return ErrInvalidReservation
	}
	for _, s := range h.Slices {
		b.ReleaseQty(s.OrderID, s.Qty)
	}
	h.State = HoldCancelled
	return nil
}

func withinLimit(side book.Side, limitPx, px int64) bool {
	if side == book.Bid {
		return px <= limitPx
	}
	return px >= limitPx
}
