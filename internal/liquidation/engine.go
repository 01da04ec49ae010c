package liquidation

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"slabcore/internal/book"
	"slabcore/internal/fixmath"
	"slabcore/internal/portfolio"
)

var (
	ErrPortfolioHealthy    = errors.New("portfolio healthy")
	ErrLiquidationCooldown = errors.New("portfolio in liquidation cooldown")
)

// Config holds liquidation parameters.
type Config struct {
	CooldownMs        uint64
	MaxStalenessMs    uint64
	LiquidationFeeBps int64
	PriceBandBps      int64
	RewardBps         int64
}

// Venues is the liquidation engine's view of the matching side: it closes
// principal exposure through the books' taker path and never touches book
// internals directly.
type Venues interface {
	SweepClose(instrumentIdx uint16, account uint32, side book.Side, qty, limitPx int64) ([]book.Fill, int64, error)
	InstrumentLot(instrumentIdx uint16) (int64, bool)
}

// Funds moves collateral between the target, the liquidator, the insurance
// fund and the socialization pool through the ledger.
type Funds interface {
	InsuranceBalance() int64
	PayLiquidationFee(user uuid.UUID, amount int64) error
	PayLiquidatorReward(from, to uuid.UUID, amount int64) error
	DrawInsurance(user uuid.UUID, amount int64) error
	Socialize(user uuid.UUID, amount int64) error
}

// Result summarizes one liquidation instruction.
type Result struct {
	LiquidationID      uuid.UUID
	Phase              Phase
	PrincipalClosedQty int64
	PrincipalProceeds  int64
	SlabFreed          int64
	AmmRedeemed        int64
	StaleBucketsSkipped []uuid.UUID
	Fee                int64
	Reward             int64
	InsuranceDraw      int64
	Socialized         int64
	FinalStatus        portfolio.MarginStatus
}

// Engine runs the three-tier liquidation priority against one portfolio.
type Engine struct {
	cfg       Config
	venues    Venues
	marks     portfolio.MarkTable
	params    portfolio.ParamsTable
	funds     Funds
	insurance *InsuranceFund
	log       zerolog.Logger
}

func NewEngine(cfg Config, venues Venues, marks portfolio.MarkTable, params portfolio.ParamsTable, funds Funds, log zerolog.Logger) *Engine {
	return &Engine{
		cfg:       cfg,
		venues:    venues,
		marks:     marks,
		params:    params,
		funds:     funds,
		insurance: NewInsuranceFund(),
		log:       log,
	}
}

// Liquidate re-reads the target's current health and, if it is underwater and
// outside the cooldown window, works the tiers in priority order: principal,
// then slab LP buckets, then AMM LP buckets. Health is rechecked after every
// step so the pass liquidates only what is needed. Any arithmetic error
// aborts the whole instruction; the caller discards all state changes.
func (e *Engine) Liquidate(target, liquidator *portfolio.Portfolio, nowMs uint64) (*Result, error) {
	if err := target.Recompute(e.marks, e.params); err != nil {
		return nil, err
	}
	if !target.IsLiquidatable() {
		return nil, ErrPortfolioHealthy
	}
	if target.LastLiquidationTs > 0 {
		// nowMs behind the stamp means the clock regressed; treat it as still
		// inside the cooldown rather than letting the subtraction wrap
		if nowMs < target.LastLiquidationTs || nowMs-target.LastLiquidationTs < e.cfg.CooldownMs {
			return nil, ErrLiquidationCooldown
		}
	}

	res := &Result{LiquidationID: uuid.New(), Phase: PhaseUnderwater}
	e.log.Warn().
		Str("liquidation_id", res.LiquidationID.String()).
		Str("user", target.User.String()).
		Int64("equity", target.Equity).
		Int64("mm", target.MM).
		Msg("liquidation triggered")

	if err := e.runPrincipal(target, liquidator, res); err != nil {
		return nil, err
	}
	if target.IsLiquidatable() {
		if err := e.runSlabLP(target, res); err != nil {
			return nil, err
		}
	}
	if target.IsLiquidatable() {
		if err := e.runAmmLP(target, nowMs, res); err != nil {
			return nil, err
		}
	}

	if err := e.settle(target, res); err != nil {
		return nil, err
	}
	target.LastLiquidationTs = nowMs
	res.FinalStatus = target.Status()

	e.log.Info().
		Str("liquidation_id", res.LiquidationID.String()).
		Str("phase", res.Phase.String()).
		Str("final_status", res.FinalStatus.String()).
		Int64("insurance_draw", res.InsuranceDraw).
		Int64("socialized", res.Socialized).
		Msg("liquidation completed")
	return res, nil
}

// runPrincipal closes directional exposure through the matching path, one
// instrument at a time, sized to the current deficit and bounded by the
// price band around the mark.
func (e *Engine) runPrincipal(target, liquidator *portfolio.Portfolio, res *Result) error {
	res.Phase = PhasePrincipal
	// iterate over a copy of instrument indexes; closing mutates the slice
	idxs := make([]uint16, 0, len(target.Exposures))
	for _, exp := range target.Exposures {
		idxs = append(idxs, exp.InstrumentIdx)
	}

	for _, idx := range idxs {
		if !target.IsLiquidatable() {
			res.Phase = PhaseHealthy
			return nil
		}
		exp := target.Exposure(idx)
		if exp == nil || exp.Qty == 0 {
			continue
		}
		mark, ok := e.marks.MarkPrice(idx)
		if !ok || mark <= 0 {
			continue
		}
		lot, ok := e.venues.InstrumentLot(idx)
		if !ok {
			continue
		}

		closeQty, err := e.closeQuantity(target, exp, mark, lot)
		if err != nil {
			return err
		}
		if closeQty == 0 {
			continue
		}

		side := book.Ask // close a long by selling
		if exp.Qty < 0 {
			side = book.Bid
		}
		limitPx, err := e.bandLimit(mark, side)
		if err != nil {
			return err
		}

		fills, filled, err := e.venues.SweepClose(idx, target.AccountIdx, side, closeQty, limitPx)
		if err != nil && !errors.Is(err, book.ErrInsufficientLiquidity) {
			return fmt.Errorf("principal sweep instrument %d: %w", idx, err)
		}
		if filled == 0 {
			continue
		}

		acc := fixmath.NewNotionalAcc()
		for _, f := range fills {
			acc.AddFill(f.Qty, f.Price)
		}
		proceeds, err := acc.Total()
		if err != nil {
			return err
		}

		// longs sell for cash, shorts pay cash to buy back
		if exp.Qty > 0 {
			target.Equity, err = fixmath.CheckedAdd(target.Equity, proceeds)
		} else {
			target.Equity, err = fixmath.CheckedSub(target.Equity, proceeds)
		}
		if err != nil {
			return err
		}

		signedFill := filled
		if exp.Qty > 0 {
			signedFill = -filled
		}
		if err := target.ApplyFill(idx, exp.VenueIdx, signedFill, exp.CumFundingEntry); err != nil {
			return err
		}
		res.PrincipalClosedQty += filled
		res.PrincipalProceeds += proceeds

		// liquidation fee to the insurance fund, reward to the liquidator;
		// liquidation fills never earn a maker rebate for the target
		fee, err := fixmath.FeeBps(proceeds, e.cfg.LiquidationFeeBps)
		if err != nil {
			return err
		}
		if fee > 0 {
			if target.Equity, err = fixmath.CheckedSub(target.Equity, fee); err != nil {
				return err
			}
			if err := e.funds.PayLiquidationFee(target.User, fee); err != nil {
				return err
			}
			res.Fee += fee
		}
		if liquidator != nil && e.cfg.RewardBps > 0 {
			reward, err := fixmath.FeeBps(proceeds, e.cfg.RewardBps)
			if err != nil {
				return err
			}
			if reward > 0 {
				if target.Equity, err = fixmath.CheckedSub(target.Equity, reward); err != nil {
					return err
				}
				if liquidator.Equity, err = fixmath.CheckedAdd(liquidator.Equity, reward); err != nil {
					return err
				}
				if err := e.funds.PayLiquidatorReward(target.User, liquidator.User, reward); err != nil {
					return err
				}
				res.Reward += reward
			}
		}

		if err := target.Recompute(e.marks, e.params); err != nil {
			return err
		}
	}
	if !target.IsLiquidatable() {
		res.Phase = PhaseHealthy
	}
	return nil
}

// closeQuantity sizes a principal close to the current deficit. For longs
// each unit sold improves health by roughly mark*(1+mm_fraction); shorts are
// closed in full since buying back costs cash.
func (e *Engine) closeQuantity(target *portfolio.Portfolio, exp *portfolio.Exposure, mark, lot int64) (int64, error) {
	absQty, err := fixmath.CheckedAbs(exp.Qty)
	if err != nil {
		return 0, err
	}
	if exp.Qty < 0 {
		return absQty, nil
	}

	rp, ok := e.params.RiskParams(exp.InstrumentIdx)
	if !ok {
		return absQty, nil
	}
	gainPerUnit, err := fixmath.MulDiv(mark, portfolio.FractionScale+rp.MMFraction, portfolio.FractionScale, fixmath.RoundDown)
	if err != nil {
		return 0, err
	}
	if gainPerUnit <= 0 {
		return absQty, nil
	}
	needed, err := fixmath.MulDiv(target.Deficit(), fixmath.Scale, gainPerUnit, fixmath.RoundUp)
	if err != nil {
		return 0, err
	}
	// round up to lot alignment
	if rem := needed % lot; rem != 0 {
		if needed, err = fixmath.CheckedAdd(needed, lot-rem); err != nil {
			return 0, err
		}
	}
	if needed > absQty {
		needed = absQty
	}
	return needed, nil
}

// bandLimit converts the price band into a sweep limit price: sells stop
// below mark-band, buys stop above mark+band.
func (e *Engine) bandLimit(mark int64, side book.Side) (int64, error) {
	width, err := fixmath.MulDiv(mark, e.cfg.PriceBandBps, fixmath.BpsDenom, fixmath.RoundDown)
	if err != nil {
		return 0, err
	}
	if side == book.Ask {
		return fixmath.CheckedSub(mark, width)
	}
	return fixmath.CheckedAdd(mark, width)
}

// runSlabLP drains active slab buckets: freed collateral moves to equity and
// the bucket's margin contribution scales down with the retained ratio,
// which is zero for the all-or-nothing drain.
func (e *Engine) runSlabLP(target *portfolio.Portfolio, res *Result) error {
	res.Phase = PhaseSlabLP
	for i := range target.LpBuckets {
		if !target.IsLiquidatable() {
			res.Phase = PhaseHealthy
			return nil
		}
		b := &target.LpBuckets[i]
		if !b.Active || b.Kind != portfolio.BucketSlab {
			continue
		}
		freed := b.Slab.Committed()

		var err error
		if b.IM, err = portfolio.ProportionalMarginReduction(b.IM, 0); err != nil {
			return err
		}
		if b.MM, err = portfolio.ProportionalMarginReduction(b.MM, 0); err != nil {
			return err
		}
		if target.Equity, err = fixmath.CheckedAdd(target.Equity, freed); err != nil {
			return err
		}
		b.Deactivate()
		res.SlabFreed += freed

		if err := target.Recompute(e.marks, e.params); err != nil {
			return err
		}
	}
	if !target.IsLiquidatable() {
		res.Phase = PhaseHealthy
	}
	return nil
}

// runAmmLP burns active AMM buckets at their cached share price, skipping —
// never touching — any bucket whose valuation is stale.
func (e *Engine) runAmmLP(target *portfolio.Portfolio, nowMs uint64, res *Result) error {
	res.Phase = PhaseAmmLP
	for i := range target.LpBuckets {
		if !target.IsLiquidatable() {
			res.Phase = PhaseHealthy
			return nil
		}
		b := &target.LpBuckets[i]
		if !b.Active || b.Kind != portfolio.BucketAmm {
			continue
		}

		priceAge := nowMs - b.Amm.LastUpdateTs
		if priceAge > e.cfg.MaxStalenessMs {
			e.log.Warn().
				Str("venue", b.VenueID.String()).
				Uint64("price_age_ms", priceAge).
				Uint64("max_staleness_ms", e.cfg.MaxStalenessMs).
				Msg("AMM bucket skipped: stale valuation")
			res.StaleBucketsSkipped = append(res.StaleBucketsSkipped, b.VenueID)
			continue
		}

		redemption, err := fixmath.MulDiv(b.Amm.LpShares, b.Amm.SharePriceCached, fixmath.Scale, fixmath.RoundDown)
		if err != nil {
			return err
		}
		if b.IM, err = portfolio.ProportionalMarginReduction(b.IM, 0); err != nil {
			return err
		}
		if b.MM, err = portfolio.ProportionalMarginReduction(b.MM, 0); err != nil {
			return err
		}
		if target.Equity, err = fixmath.CheckedAdd(target.Equity, redemption); err != nil {
			return err
		}
		b.Deactivate()
		res.AmmRedeemed += redemption

		if err := target.Recompute(e.marks, e.params); err != nil {
			return err
		}
	}
	if !target.IsLiquidatable() {
		res.Phase = PhaseHealthy
	}
	return nil
}

// settle resolves residual negative equity: insurance fund first, then loss
// socialization. Bad debt is a state transition, never a panic.
func (e *Engine) settle(target *portfolio.Portfolio, res *Result) error {
	if err := target.Recompute(e.marks, e.params); err != nil {
		return err
	}
	if target.Equity >= 0 {
		return nil
	}
	res.Phase = PhaseBadDebt
	deficit := -target.Equity
	covered, remaining := e.insurance.ComputeCoverage(e.funds.InsuranceBalance(), deficit)
	if covered > 0 {
		if err := e.funds.DrawInsurance(target.User, covered); err != nil {
			return err
		}
		var err error
		if target.Equity, err = fixmath.CheckedAdd(target.Equity, covered); err != nil {
			return err
		}
		res.InsuranceDraw = covered
	}
	if remaining > 0 {
		if err := e.funds.Socialize(target.User, remaining); err != nil {
			return err
		}
		var err error
		if target.Equity, err = fixmath.CheckedAdd(target.Equity, remaining); err != nil {
			return err
		}
		res.Socialized = remaining
	}
	return target.Recompute(e.marks, e.params)
}
