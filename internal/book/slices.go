package book

import "errors"

var ErrSliceExceedsReserved = errors.New("slice exceeds reserved quantity")

// ReserveQty marks qty of a resting order as held for a reservation. Reserved
// depth is invisible to aggressive matching until released or executed.
func (b *Book) ReserveQty(orderID uint64, qty int64) error {
	o, err := b.FindOrder(orderID)
	if err != nil {
		return err
	}
	if qty <= 0 || qty > o.Available() {
		return ErrSliceExceedsReserved
	}
	o.ReservedQty += qty
	return nil
}

// ReleaseQty returns previously reserved quantity to the matchable pool.
// A missing order is not an error: the owner may have cancelled it, which
// already invalidated the hold through the seqno.
func (b *Book) ReleaseQty(orderID uint64, qty int64) {
	o, err := b.FindOrder(orderID)
	if err != nil {
		return
	}
	o.ReservedQty -= qty
	if o.ReservedQty < 0 {
		o.ReservedQty = 0
	}
}

// ExecuteSlice consumes reserved quantity of a maker order as an actual fill
// at the maker's price, freeing the slot when the order is exhausted.
func (b *Book) ExecuteSlice(orderID uint64, qty int64, takerAccount uint32, takerSide Side) (Fill, error) {
	o, err := b.FindOrder(orderID)
	if err != nil {
		return Fill{}, err
	}
	if qty <= 0 || qty > o.ReservedQty || qty > o.Qty {
		return Fill{}, ErrSliceExceedsReserved
	}
	o.ReservedQty -= qty
	o.Qty -= qty

	f := Fill{
		MakerOrderID: o.ID,
		MakerAccount: o.AccountIdx,
		TakerAccount: takerAccount,
		Side:         takerSide,
		Price:        o.Price,
		Qty:          qty,
		MakerClass:   b.makerClassOf(o),
	}
	if o.Qty == 0 {
		side := b.side(o.Side)
		for i, resting := range *side {
			if resting.ID == o.ID {
				b.removeAt(o.Side, i)
				break
			}
		}
		f.MakerRemoved = true
	}
	b.bumpSeqno()
	return f, nil
}
