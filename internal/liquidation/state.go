package liquidation

// Phase tracks a liquidation pass through its tiers:
// Healthy → Underwater → Principal → SlabLP → AmmLP → {Healthy | BadDebt}.
// Every tier transition rechecks health and exits as soon as equity covers
// maintenance margin again.
type Phase uint8

const (
	PhaseHealthy Phase = iota
	PhaseUnderwater
	PhasePrincipal
	PhaseSlabLP
	PhaseAmmLP
	PhaseBadDebt
)

func (p Phase) String() string {
	switch p {
	case PhaseHealthy:
		return "healthy"
	case PhaseUnderwater:
		return "underwater"
	case PhasePrincipal:
		return "liquidating_principal"
	case PhaseSlabLP:
		return "liquidating_slab_lp"
	case PhaseAmmLP:
		return "liquidating_amm_lp"
	case PhaseBadDebt:
		return "bad_debt"
	default:
		return "unknown"
	}
}

var phaseTransitions = map[Phase][]Phase{
	PhaseHealthy:    {PhaseUnderwater},
	PhaseUnderwater: {PhasePrincipal, PhaseHealthy},
	PhasePrincipal:  {PhaseSlabLP, PhaseHealthy},
	PhaseSlabLP:     {PhaseAmmLP, PhaseHealthy},
	PhaseAmmLP:      {PhaseHealthy, PhaseBadDebt},
}

// CanTransitionTo reports whether the phase machine permits the move.
func (p Phase) CanTransitionTo(next Phase) bool {
	for _, allowed := range phaseTransitions[p] {
		if allowed == next {
			return true
		}
	}
	return false
}
