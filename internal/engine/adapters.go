package engine

import (
	"fmt"

	"github.com/google/uuid"

	"slabcore/internal/book"
	"slabcore/internal/fixmath"
	"slabcore/internal/ledger"
)

// liqTrade collects the maker legs of one liquidation sweep for journaling
// after the liquidation pass completes.
type liqTrade struct {
	instrumentIdx uint16
	targetBuys    bool
	legs          []ledger.MakerLeg
	fills         []book.Fill
}

// liqVenues adapts the books to the liquidation engine's venue interface.
// Maker-side effects (positions and cash) are applied as the sweep executes;
// the target side is owned by the liquidation engine itself.
type liqVenues struct {
	e      *Engine
	trades []liqTrade
}

func (v *liqVenues) InstrumentLot(idx uint16) (int64, bool) {
	b, err := v.e.registry.Book(idx)
	if err != nil {
		return 0, false
	}
	return b.Instrument.Lot, true
}

func (v *liqVenues) SweepClose(idx uint16, account uint32, side book.Side, qty, limitPx int64) ([]book.Fill, int64, error) {
	b, err := v.e.registry.Book(idx)
	if err != nil {
		return nil, 0, err
	}
	fills, filled, err := b.MarketSweep(account, side, qty, limitPx)
	if err != nil {
		return nil, 0, err
	}
	if filled == 0 {
		return fills, 0, nil
	}

	trade := liqTrade{instrumentIdx: idx, targetBuys: side == book.Bid, fills: fills}
	for _, f := range fills {
		notional, err := fixmath.Notional(f.Qty, f.Price)
		if err != nil {
			return nil, 0, err
		}
		maker, err := v.e.registry.Portfolio(f.MakerAccount)
		if err != nil {
			return nil, 0, err
		}
		makerUser, err := v.e.registry.UserAt(f.MakerAccount)
		if err != nil {
			return nil, 0, err
		}

		// the maker takes the contra side of the target's close
		makerDelta := f.Qty
		if side == book.Bid {
			makerDelta = -f.Qty
		}
		if err := maker.ApplyFill(idx, 0, makerDelta, b.Instrument.CumFunding); err != nil {
			return nil, 0, err
		}
		if makerDelta > 0 {
			maker.Equity, err = fixmath.CheckedSub(maker.Equity, notional)
		} else {
			maker.Equity, err = fixmath.CheckedAdd(maker.Equity, notional)
		}
		if err != nil {
			return nil, 0, err
		}
		if err := maker.Recompute(v.e.registry, v.e.registry); err != nil {
			return nil, 0, err
		}
		trade.legs = append(trade.legs, ledger.MakerLeg{UserID: makerUser, Notional: notional})
	}
	v.trades = append(v.trades, trade)
	return fills, filled, nil
}

// liqFunds adapts the ledger to the liquidation engine's fund interface.
// Batches are validated and applied as they are generated so later steps
// (the insurance draw in particular) see up-to-date balances.
type liqFunds struct {
	e       *Engine
	liqID   uuid.UUID
	tsMs    uint64
	batches []*ledger.Batch
}

func (f *liqFunds) generate(batch *ledger.Batch, err error) error {
	if err != nil {
		return err
	}
	if err := f.e.commitBatch(batch); err != nil {
		return err
	}
	f.batches = append(f.batches, batch)
	return nil
}

func (f *liqFunds) InsuranceBalance() int64 {
	return f.e.tracker.InsuranceBalance()
}

func (f *liqFunds) PayLiquidationFee(user uuid.UUID, amount int64) error {
	return f.generate(f.e.journalGen.GenerateLiquidationFee(user, f.liqID, amount, int64(f.tsMs)))
}

func (f *liqFunds) PayLiquidatorReward(from, to uuid.UUID, amount int64) error {
	return f.generate(f.e.journalGen.GenerateLiquidatorReward(from, to, f.liqID, amount, int64(f.tsMs)))
}

func (f *liqFunds) DrawInsurance(user uuid.UUID, amount int64) error {
	return f.generate(f.e.journalGen.GenerateInsuranceDraw(user, f.liqID, amount, int64(f.tsMs)))
}

func (f *liqFunds) Socialize(user uuid.UUID, amount int64) error {
	return f.generate(f.e.journalGen.GenerateSocializedLoss(user, f.liqID, amount, int64(f.tsMs)))
}

// journalTrades converts the collected sweep legs into trade journals with
// the target as taker. Liquidation closes pay no maker rebate.
func (v *liqVenues) journalTrades(targetUser uuid.UUID, ref string, tsMs uint64) ([]*ledger.Batch, error) {
	var batches []*ledger.Batch
	for i, t := range v.trades {
		batch, err := v.e.journalGen.GenerateCommitFill(
			targetUser,
			fmt.Sprintf("%s:sweep:%d", ref, i),
			t.targetBuys,
			t.legs,
			0,
			int64(tsMs),
		)
		if err != nil {
			return nil, err
		}
		if err := v.e.commitBatch(batch); err != nil {
			return nil, err
		}
		batches = append(batches, batch)
	}
	return batches, nil
}
