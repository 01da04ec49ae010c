package liquidation

// InsuranceFund decides how much of a residual deficit the fund can absorb.
// The balance itself lives in the ledger (system insurance account); this
// type only carries the coverage arithmetic.
type InsuranceFund struct{}

func NewInsuranceFund() *InsuranceFund {
	return &InsuranceFund{}
}

// CanCoverDeficit checks whether the fund fully absorbs the deficit.
func (f *InsuranceFund) CanCoverDeficit(fundBalance, deficit int64) bool {
	return fundBalance >= deficit
}

// ComputeCoverage splits a deficit into the covered part and the remainder
// that must be socialized.
func (f *InsuranceFund) ComputeCoverage(fundBalance, deficit int64) (covered, remaining int64) {
	if fundBalance >= deficit {
		return deficit, 0
	}
	return fundBalance, deficit - fundBalance
}
