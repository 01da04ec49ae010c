package portfolio

import (
	"slabcore/internal/fixmath"
)

// FractionScale expresses margin fractions in parts per million:
// 50_000 = 5% initial margin.
const FractionScale = 1_000_000

// RiskParams are the per-instrument margin fractions.
type RiskParams struct {
	IMFraction int64 // parts per million
	MMFraction int64
}

// ParamsTable resolves risk parameters by instrument.
type ParamsTable interface {
	RiskParams(instrumentIdx uint16) (RiskParams, bool)
}

// MarkTable resolves the current index/mark price by instrument.
type MarkTable interface {
	MarkPrice(instrumentIdx uint16) (int64, bool)
}

// MarginStatus is the portfolio's health classification.
type MarginStatus uint8

const (
	StatusHealthy MarginStatus = iota
	StatusUnderwater
	StatusBadDebt
)

func (s MarginStatus) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusUnderwater:
		return "underwater"
	case StatusBadDebt:
		return "bad_debt"
	default:
		return "unknown"
	}
}

// ProportionalMarginReduction scales a margin requirement by the fraction of
// committed collateral a bucket retains. remainingRatio is 6-decimal fixed
// point in [0, Scale]: 0 releases the full requirement, Scale keeps it
// unchanged, and the result is monotonic in the ratio.
func ProportionalMarginReduction(m, remainingRatio int64) (int64, error) {
	if remainingRatio > fixmath.Scale {
		remainingRatio = fixmath.Scale
	}
	return fixmath.ScaleByRatio(m, remainingRatio, fixmath.Scale)
}

// exposureMargin computes one exposure's IM and MM contribution at mark.
func exposureMargin(qty, mark int64, rp RiskParams) (im, mm int64, err error) {
	absQty, err := fixmath.CheckedAbs(qty)
	if err != nil {
		return 0, 0, err
	}
	notional, err := fixmath.Notional(absQty, mark)
	if err != nil {
		return 0, 0, err
	}
	im, err = fixmath.MulDiv(notional, rp.IMFraction, FractionScale, fixmath.RoundUp)
	if err != nil {
		return 0, 0, err
	}
	mm, err = fixmath.MulDiv(notional, rp.MMFraction, FractionScale, fixmath.RoundUp)
	if err != nil {
		return 0, 0, err
	}
	return im, mm, nil
}
