package portfolio

import (
	"errors"

	"github.com/google/uuid"
)

const (
	// MaxLpBuckets bounds LP venues per portfolio.
	MaxLpBuckets = 16
	// MaxSlabBucketOrders bounds the open order ids a slab bucket tracks.
	MaxSlabBucketOrders = 8
)

var (
	ErrTooManyBuckets      = errors.New("portfolio LP bucket limit reached")
	ErrTooManyBucketOrders = errors.New("slab bucket order limit reached")
	ErrBucketNotFound      = errors.New("LP bucket not found")
)

// BucketKind discriminates the LpBucket variant. The liquidation loop
// switches over it exhaustively; a new kind must be handled there.
type BucketKind uint8

const (
	BucketSlab BucketKind = iota
	BucketAmm
)

// SlabBucket is capital committed as resting maker liquidity on a slab venue.
type SlabBucket struct {
	ReservedBase   int64
	ReservedQuote  int64
	OpenOrderCount uint16
	OrderIDs       []uint64
}

// AmmBucket is an LP share position in an automated market-making pool. The
// cached share price is only trustworthy while LastUpdateTs is fresh.
type AmmBucket struct {
	LpShares         int64
	SharePriceCached int64
	LastUpdateTs     uint64
}

// LpBucket is a tagged union: exactly one of Slab/Amm is non-nil, selected by
// Kind. Each bucket carries its own margin contribution and an active flag;
// inactive buckets contribute nothing and are never liquidated again.
type LpBucket struct {
	VenueID uuid.UUID
	Kind    BucketKind
	Slab    *SlabBucket
	Amm     *AmmBucket
	IM      int64
	MM      int64
	Active  bool
}

// Committed returns the collateral a slab bucket would free on liquidation.
func (s *SlabBucket) Committed() int64 {
	return s.ReservedBase + s.ReservedQuote
}

// TrackOrder records an open order id against a slab bucket.
func (s *SlabBucket) TrackOrder(orderID uint64) error {
	if len(s.OrderIDs) >= MaxSlabBucketOrders {
		return ErrTooManyBucketOrders
	}
	s.OrderIDs = append(s.OrderIDs, orderID)
	s.OpenOrderCount = uint16(len(s.OrderIDs))
	return nil
}

// UntrackOrder drops an order id after fill or cancel.
func (s *SlabBucket) UntrackOrder(orderID uint64) {
	for i, id := range s.OrderIDs {
		if id == orderID {
			s.OrderIDs = append(s.OrderIDs[:i], s.OrderIDs[i+1:]...)
			break
		}
	}
	s.OpenOrderCount = uint16(len(s.OrderIDs))
}

// Deactivate zeroes a bucket after full liquidation or withdrawal.
func (b *LpBucket) Deactivate() {
	b.IM = 0
	b.MM = 0
	b.Active = false
	switch b.Kind {
	case BucketSlab:
		b.Slab.ReservedBase = 0
		b.Slab.ReservedQuote = 0
		b.Slab.OpenOrderCount = 0
		b.Slab.OrderIDs = nil
	case BucketAmm:
		b.Amm.LpShares = 0
	}
}
