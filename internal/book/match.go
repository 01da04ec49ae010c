package book

import (
	"fmt"

	"slabcore/internal/fixmath"
)

// PlaceRequest carries everything PlaceOrder needs beyond the book itself.
// OpposingExposure is the caller's open exposure on the contra side, used to
// cap reduce-only orders; the book never reads portfolios directly.
type PlaceRequest struct {
	AccountIdx       uint32
	Side             Side
	Price            int64
	Qty              int64
	TIF              TimeInForce
	PostOnly         bool
	ReduceOnly       bool
	OpposingExposure int64
	SelfTrade        SelfTradePolicy
	EligibleEpoch    uint64
	CreatedMs        uint64
}

// PlaceResult reports what happened to a placement.
type PlaceResult struct {
	OrderID   uint64
	FilledQty int64
	VWAPPx    int64
	Fills     []Fill
	Remaining int64
	Resting   bool
	Pending   bool
}

// PlaceOrder validates, matches and rests an incoming order.
//
// Validation rejects before any state mutation. Matching executes at the
// resting maker's price, sweeping levels in priority order until the order is
// exhausted, the limit price is passed, or the side is empty. The unfilled
// remainder rests (GTC), is cancelled (IOC), or — for FOK — the whole order
// is rejected up front when the book cannot fill it completely.
func (b *Book) PlaceOrder(req PlaceRequest) (PlaceResult, error) {
	if err := b.validate(req.Side, req.Price, req.Qty); err != nil {
		return PlaceResult{}, err
	}

	qty := req.Qty
	if req.ReduceOnly {
		exposure := req.OpposingExposure
		if exposure <= 0 {
			return PlaceResult{}, ErrReduceOnlyNoExposure
		}
		if qty > exposure {
			// truncate to the exposure, keeping lot alignment
			qty = exposure - exposure%b.Instrument.Lot
			if qty <= 0 {
				return PlaceResult{}, ErrReduceOnlyNoExposure
			}
		}
	}

	if req.PostOnly && b.crosses(req.Side, req.Price) {
		return PlaceResult{}, ErrPostOnlyCross
	}

	if req.SelfTrade == RejectSelfTrade && b.wouldSelfMatch(req.Side, req.Price, req.AccountIdx) {
		return PlaceResult{}, ErrSelfTrade
	}

	if req.TIF == FOK {
		fillable := b.fillableQty(req.Side, req.Price, req.AccountIdx)
		if fillable < qty {
			return PlaceResult{}, ErrFOKNotFillable
		}
	}

	order := &Order{
		ID:            b.nextOrderID,
		AccountIdx:    req.AccountIdx,
		InstrumentIdx: b.InstrumentIdx,
		Side:          req.Side,
		Price:         req.Price,
		Qty:           qty,
		QtyOrig:       qty,
		TIF:           req.TIF,
		State:         OrderLive,
		EligibleEpoch: req.EligibleEpoch,
		CreatedMs:     req.CreatedMs,
	}
	b.nextOrderID++

	// Orders targeting a future batch wait in the pending queue and do not
	// touch executable depth until promoted.
	if req.EligibleEpoch > b.epoch {
		order.State = OrderPending
		b.pending = append(b.pending, order)
		return PlaceResult{OrderID: order.ID, Remaining: qty, Pending: true}, nil
	}

	res := PlaceResult{OrderID: order.ID, Remaining: qty}
	if !req.PostOnly {
		fills, filled, cancelled, err := b.sweep(order, req.Price, req.SelfTrade)
		if err != nil {
			return PlaceResult{}, err
		}
		res.Fills = fills
		res.FilledQty = filled
		res.Remaining = order.Qty
		if filled > 0 {
			acc := fixmath.NewNotionalAcc()
			for _, f := range fills {
				acc.AddFill(f.Qty, f.Price)
			}
			vwap, err := acc.VWAP(filled)
			if err != nil {
				return PlaceResult{}, fmt.Errorf("vwap: %w", err)
			}
			res.VWAPPx = vwap
			b.bumpSeqno()
		}
		if cancelled {
			return res, nil
		}
	}

	if res.Remaining > 0 {
		switch req.TIF {
		case IOC:
			// remainder cancelled, nothing rests
		default:
			if err := b.insertSorted(order); err != nil {
				if res.FilledQty > 0 {
					// partial fill already executed; the remainder is
					// dropped rather than unwinding the trades
					return res, nil
				}
				return PlaceResult{}, err
			}
			res.Resting = true
			b.bumpSeqno()
		}
	}
	return res, nil
}

// sweep matches the incoming order against the contra side up to its limit
// price, applying self-trade prevention. Returns the fills, the filled
// quantity, and whether the incoming remainder was cancelled by STP.
func (b *Book) sweep(incoming *Order, limitPx int64, stp SelfTradePolicy) ([]Fill, int64, bool, error) {
	contra := b.side(incoming.Side.Opposite())
	var fills []Fill
	var filled int64

	i := 0
	for incoming.Qty > 0 && i < len(*contra) {
		resting := (*contra)[i]
		if !priceAcceptable(incoming.Side, limitPx, resting.Price) {
			break
		}

		if resting.AccountIdx == incoming.AccountIdx {
			done, skip, err := b.applySelfTradePolicy(incoming, resting, i, stp)
			if err != nil {
				return nil, 0, false, err
			}
			if done {
				return fills, filled, true, nil
			}
			if skip {
				i++
			}
			continue
		}

		avail := resting.Available()
		if avail == 0 {
			// fully reserved by outstanding holds
			i++
			continue
		}

		fillQty := incoming.Qty
		if avail < fillQty {
			fillQty = avail
		}
		resting.Qty -= fillQty
		incoming.Qty -= fillQty
		filled += fillQty

		f := Fill{
			MakerOrderID: resting.ID,
			MakerAccount: resting.AccountIdx,
			TakerAccount: incoming.AccountIdx,
			Side:         incoming.Side,
			Price:        resting.Price,
			Qty:          fillQty,
			MakerClass:   b.makerClassOf(resting),
		}
		if resting.Qty == 0 {
			f.MakerRemoved = true
			b.removeAt(resting.Side, i)
			// index stays: next order shifted into position i
		} else {
			i++
		}
		fills = append(fills, f)
	}
	return fills, filled, false, nil
}

// applySelfTradePolicy handles a prospective self-match. Returns done=true
// when the incoming remainder is cancelled, skip=true when the loop should
// advance past the resting order.
func (b *Book) applySelfTradePolicy(incoming, resting *Order, i int, stp SelfTradePolicy) (done, skip bool, err error) {
	switch stp {
	case CancelNewest:
		incoming.Qty = 0
		return true, false, nil
	case CancelOldest:
		b.removeAt(resting.Side, i)
		b.bumpSeqno()
		return false, false, nil
	case DecrementAndCancel:
		d := resting.Available()
		if d == 0 {
			return false, true, nil
		}
		if incoming.Qty < d {
			d = incoming.Qty
		}
		resting.Qty -= d
		incoming.Qty -= d
		if resting.Qty == 0 {
			b.removeAt(resting.Side, i)
		}
		b.bumpSeqno()
		if incoming.Qty == 0 {
			return true, false, nil
		}
		return false, resting.Qty > 0, nil
	case RejectSelfTrade:
		return false, false, ErrSelfTrade
	default:
		return false, false, fmt.Errorf("unknown self-trade policy %d", stp)
	}
}

// priceAcceptable reports whether a taker on side is willing to trade at px.
func priceAcceptable(side Side, limitPx, px int64) bool {
	if side == Bid {
		return px <= limitPx
	}
	return px >= limitPx
}

// fillableQty sums the contra liquidity available to this account within the
// limit price, for the FOK pre-check.
func (b *Book) fillableQty(side Side, limitPx int64, account uint32) int64 {
	contra := b.side(side.Opposite())
	var total int64
	for _, o := range *contra {
		if !priceAcceptable(side, limitPx, o.Price) {
			break
		}
		if o.AccountIdx == account {
			continue
		}
		total += o.Available()
	}
	return total
}

// wouldSelfMatch reports whether any own resting order sits within the limit
// price on the contra side.
func (b *Book) wouldSelfMatch(side Side, limitPx int64, account uint32) bool {
	contra := b.side(side.Opposite())
	for _, o := range *contra {
		if !priceAcceptable(side, limitPx, o.Price) {
			break
		}
		if o.AccountIdx == account {
			return true
		}
	}
	return false
}

// makerClassOf classifies a maker against the current batch window.
func (b *Book) makerClassOf(o *Order) MakerClass {
	if b.batchOpenMs > 0 && o.CreatedMs >= b.batchOpenMs {
		return MakerJustInTime
	}
	return MakerRegular
}

// MarketSweep executes an aggressive taker sweep without resting a remainder.
// The liquidation path uses this to close principal exposure inside a price
// band expressed through limitPx.
func (b *Book) MarketSweep(account uint32, side Side, qty, limitPx int64) ([]Fill, int64, error) {
	if side != Bid && side != Ask {
		return nil, 0, ErrInvalidSide
	}
	if qty <= 0 {
		return nil, 0, ErrInsufficientLiquidity
	}
	taker := &Order{AccountIdx: account, Side: side, Qty: qty}
	fills, filled, _, err := b.sweep(taker, limitPx, CancelNewest)
	if err != nil {
		return nil, 0, err
	}
	if filled > 0 {
		b.bumpSeqno()
	}
	return fills, filled, nil
}
