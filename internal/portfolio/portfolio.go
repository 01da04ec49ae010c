package portfolio

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"slabcore/internal/fixmath"
)

var (
	ErrInsufficientMargin = errors.New("insufficient margin")
	ErrUnknownInstrument  = errors.New("unknown instrument")
)

// Exposure is one principal directional position, marked at the index price.
// Qty is signed: positive = long. CumFundingEntry is the instrument's
// cumulative funding at the position's last settlement.
type Exposure struct {
	InstrumentIdx   uint16
	VenueIdx        uint16
	Qty             int64
	CumFundingEntry int64
}

// Portfolio is one user's cross-margin account: signed equity (negative =
// bad debt), total initial and maintenance margin, principal exposures, and
// LP buckets. IM/MM are always recomputed from the full position set; no
// incremental updates are permitted, so a missed delta cannot drift them.
type Portfolio struct {
	User       uuid.UUID
	AccountIdx uint32

	Equity         int64
	IM             int64
	MM             int64
	FreeCollateral int64

	Exposures []Exposure
	LpBuckets []LpBucket

	LastMarkTs        uint64
	LastLiquidationTs uint64
}

func New(user uuid.UUID, accountIdx uint32) *Portfolio {
	return &Portfolio{User: user, AccountIdx: accountIdx}
}

// Clone returns a deep copy, bucket payloads included, so a staged copy never
// aliases the live record.
func (p *Portfolio) Clone() *Portfolio {
	c := *p
	c.Exposures = append([]Exposure(nil), p.Exposures...)
	if p.LpBuckets != nil {
		c.LpBuckets = make([]LpBucket, len(p.LpBuckets))
		for i, b := range p.LpBuckets {
			if b.Slab != nil {
				s := *b.Slab
				s.OrderIDs = append([]uint64(nil), b.Slab.OrderIDs...)
				b.Slab = &s
			}
			if b.Amm != nil {
				a := *b.Amm
				b.Amm = &a
			}
			c.LpBuckets[i] = b
		}
	}
	return &c
}

// Recompute rebuilds IM, MM and free collateral from every exposure and
// active bucket. Called after every fill, funding application, deposit,
// withdrawal, and liquidation step.
func (p *Portfolio) Recompute(marks MarkTable, params ParamsTable) error {
	var totalIM, totalMM int64
	for _, e := range p.Exposures {
		if e.Qty == 0 {
			continue
		}
		mark, ok := marks.MarkPrice(e.InstrumentIdx)
		if !ok {
			return fmt.Errorf("instrument %d: %w", e.InstrumentIdx, ErrUnknownInstrument)
		}
		rp, ok := params.RiskParams(e.InstrumentIdx)
		if !ok {
			return fmt.Errorf("instrument %d: %w", e.InstrumentIdx, ErrUnknownInstrument)
		}
		im, mm, err := exposureMargin(e.Qty, mark, rp)
		if err != nil {
			return err
		}
		if totalIM, err = fixmath.CheckedAdd(totalIM, im); err != nil {
			return err
		}
		if totalMM, err = fixmath.CheckedAdd(totalMM, mm); err != nil {
			return err
		}
	}
	for i := range p.LpBuckets {
		b := &p.LpBuckets[i]
		if !b.Active {
			continue
		}
		var err error
		if totalIM, err = fixmath.CheckedAdd(totalIM, b.IM); err != nil {
			return err
		}
		if totalMM, err = fixmath.CheckedAdd(totalMM, b.MM); err != nil {
			return err
		}
	}
	p.IM = totalIM
	p.MM = totalMM
	p.FreeCollateral = p.Equity - p.IM
	return nil
}

// Health is equity minus maintenance margin; negative means liquidatable.
func (p *Portfolio) Health() int64 {
	return p.Equity - p.MM
}

// IsLiquidatable reports equity < mm.
func (p *Portfolio) IsLiquidatable() bool {
	return p.Equity < p.MM
}

// Status classifies the portfolio.
func (p *Portfolio) Status() MarginStatus {
	if p.Equity < 0 {
		return StatusBadDebt
	}
	if p.IsLiquidatable() {
		return StatusUnderwater
	}
	return StatusHealthy
}

// Deficit is the collateral shortfall against maintenance margin, clamped
// at zero for healthy portfolios.
func (p *Portfolio) Deficit() int64 {
	d := p.MM - p.Equity
	if d < 0 {
		return 0
	}
	return d
}

// Exposure returns the exposure record for an instrument, if any.
func (p *Portfolio) Exposure(instrumentIdx uint16) *Exposure {
	for i := range p.Exposures {
		if p.Exposures[i].InstrumentIdx == instrumentIdx {
			return &p.Exposures[i]
		}
	}
	return nil
}

// OpposingExposure returns the open quantity a new order on the given
// direction would reduce: longs oppose sells, shorts oppose buys.
func (p *Portfolio) OpposingExposure(instrumentIdx uint16, buying bool) int64 {
	e := p.Exposure(instrumentIdx)
	if e == nil {
		return 0
	}
	if buying {
		if e.Qty < 0 {
			return -e.Qty
		}
		return 0
	}
	if e.Qty > 0 {
		return e.Qty
	}
	return 0
}

// ApplyFill folds a principal fill into the exposure set. deltaQty is signed
// from this portfolio's perspective (+bought, -sold); the cash legs (notional
// and fees) settle against equity through the ledger, not here.
func (p *Portfolio) ApplyFill(instrumentIdx, venueIdx uint16, deltaQty int64, cumFunding int64) error {
	e := p.Exposure(instrumentIdx)
	if e == nil {
		p.Exposures = append(p.Exposures, Exposure{
			InstrumentIdx:   instrumentIdx,
			VenueIdx:        venueIdx,
			Qty:             deltaQty,
			CumFundingEntry: cumFunding,
		})
		return nil
	}
	newQty, err := fixmath.CheckedAdd(e.Qty, deltaQty)
	if err != nil {
		return err
	}
	e.Qty = newQty
	if e.Qty == 0 {
		p.removeExposure(instrumentIdx)
	}
	return nil
}

func (p *Portfolio) removeExposure(instrumentIdx uint16) {
	for i := range p.Exposures {
		if p.Exposures[i].InstrumentIdx == instrumentIdx {
			p.Exposures = append(p.Exposures[:i], p.Exposures[i+1:]...)
			return
		}
	}
}

// ApplyFunding settles funding on every exposure of an instrument:
// equity -= qty * (cum_now - cum_entry) / Scale. Longs pay positive funding.
func (p *Portfolio) ApplyFunding(instrumentIdx uint16, cumFundingNow int64) error {
	e := p.Exposure(instrumentIdx)
	if e == nil {
		return nil
	}
	delta, err := fixmath.CheckedSub(cumFundingNow, e.CumFundingEntry)
	if err != nil {
		return err
	}
	payment, err := fixmath.MulDiv(e.Qty, delta, fixmath.Scale, fixmath.RoundHalfEven)
	if err != nil {
		return err
	}
	if p.Equity, err = fixmath.CheckedSub(p.Equity, payment); err != nil {
		return err
	}
	e.CumFundingEntry = cumFundingNow
	return nil
}

// Deposit credits collateral to equity.
func (p *Portfolio) Deposit(amount int64) error {
	if amount <= 0 {
		return fixmath.ErrOverflow
	}
	var err error
	p.Equity, err = fixmath.CheckedAdd(p.Equity, amount)
	return err
}

// Withdraw debits equity, bounded by free collateral so the account cannot
// withdraw itself under initial margin.
func (p *Portfolio) Withdraw(amount int64) error {
	if amount <= 0 {
		return fixmath.ErrOverflow
	}
	if amount > p.FreeCollateral {
		return ErrInsufficientMargin
	}
	var err error
	p.Equity, err = fixmath.CheckedSub(p.Equity, amount)
	if err != nil {
		return err
	}
	p.FreeCollateral -= amount
	return nil
}

// AddLpBucket registers a new LP commitment, bounded by MaxLpBuckets.
func (p *Portfolio) AddLpBucket(b LpBucket) error {
	active := 0
	for i := range p.LpBuckets {
		if p.LpBuckets[i].Active {
			active++
		}
	}
	if active >= MaxLpBuckets {
		return ErrTooManyBuckets
	}
	b.Active = true
	p.LpBuckets = append(p.LpBuckets, b)
	return nil
}

// Bucket returns the bucket for a venue, if any.
func (p *Portfolio) Bucket(venueID uuid.UUID) *LpBucket {
	for i := range p.LpBuckets {
		if p.LpBuckets[i].VenueID == venueID {
			return &p.LpBuckets[i]
		}
	}
	return nil
}
