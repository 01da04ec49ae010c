package projection

import (
	"sync"

	"slabcore/internal/book"
)

// DepthLevel is one aggregated price level of the depth view. Qty is the
// quantity exposed to aggressive matching, so reserved depth held by
// outstanding holds is excluded.
type DepthLevel struct {
	Price int64 `json:"price"`
	Qty   int64 `json:"qty"`
}

// DepthSnapshot is the top-of-book read model for one market.
type DepthSnapshot struct {
	Market       string       `json:"market"`
	Bids         []DepthLevel `json:"bids"`
	Asks         []DepthLevel `json:"asks"`
	AsOfSequence int64        `json:"as_of_sequence"`
}

// ExposureView is one principal position inside a portfolio snapshot.
type ExposureView struct {
	InstrumentIdx uint16 `json:"instrument_idx"`
	Qty           int64  `json:"qty"`
}

// PortfolioSnapshot is the margin read model for one user. Values are
// 6-decimal fixed point.
type PortfolioSnapshot struct {
	UserID         string         `json:"user_id"`
	Equity         int64          `json:"equity"`
	IM             int64          `json:"im"`
	MM             int64          `json:"mm"`
	FreeCollateral int64          `json:"free_collateral"`
	Exposures      []ExposureView `json:"exposures,omitempty"`
	LpBuckets      int            `json:"lp_buckets"`
	AsOfSequence   int64          `json:"as_of_sequence"`
}

// Views holds the in-memory read models served by the HTTP surface. The
// single event-loop goroutine writes, HTTP handlers read. Depth refreshes
// after every processed event; portfolio snapshots refresh periodically, so
// they trail the engine by up to one refresh interval.
type Views struct {
	mu         sync.RWMutex
	depth      map[string]DepthSnapshot
	portfolios map[string]PortfolioSnapshot
}

func NewViews() *Views {
	return &Views{
		depth:      make(map[string]DepthSnapshot),
		portfolios: make(map[string]PortfolioSnapshot),
	}
}

// AggregateLevels folds resting orders in priority order into per-price
// levels of available quantity. Orders fully consumed by holds are dropped.
func AggregateLevels(orders []*book.Order) []DepthLevel {
	var out []DepthLevel
	for _, o := range orders {
		avail := o.Available()
		if avail <= 0 {
			continue
		}
		if n := len(out); n > 0 && out[n-1].Price == o.Price {
			out[n-1].Qty += avail
			continue
		}
		out = append(out, DepthLevel{Price: o.Price, Qty: avail})
	}
	return out
}

func (v *Views) SetDepth(snap DepthSnapshot) {
	v.mu.Lock()
	v.depth[snap.Market] = snap
	v.mu.Unlock()
}

func (v *Views) Depth(market string) (DepthSnapshot, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	snap, ok := v.depth[market]
	return snap, ok
}

func (v *Views) SetPortfolio(snap PortfolioSnapshot) {
	v.mu.Lock()
	v.portfolios[snap.UserID] = snap
	v.mu.Unlock()
}

func (v *Views) Portfolio(userID string) (PortfolioSnapshot, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	snap, ok := v.portfolios[userID]
	return snap, ok
}
