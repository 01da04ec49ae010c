package book_test

import (
	"errors"
	"testing"

	"slabcore/internal/book"
)

// ============================================================================
// Test: matching basics
// ============================================================================

func TestMatch_FillAtMakerPrice(t *testing.T) {
	b := newTestBook()
	place(t, b, 1, book.Ask, 100*px, qty)

	res, err := b.PlaceOrder(book.PlaceRequest{
		AccountIdx: 2, Side: book.Bid, Price: 102 * px, Qty: qty,
	})
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	if res.FilledQty != qty {
		t.Errorf("filled: got %d, want %d", res.FilledQty, qty)
	}
	if len(res.Fills) != 1 || res.Fills[0].Price != 100*px {
		t.Errorf("fill should execute at the maker's price, got %+v", res.Fills)
	}
	if res.VWAPPx != 100*px {
		t.Errorf("vwap: got %d, want %d", res.VWAPPx, 100*px)
	}
	if b.Depth(book.Ask) != 0 || b.Depth(book.Bid) != 0 {
		t.Error("full fill should leave both sides empty")
	}
}

func TestMatch_FilledNeverExceedsRequested(t *testing.T) {
	b := newTestBook()
	place(t, b, 1, book.Ask, 100*px, 5*qty)

	res, err := b.PlaceOrder(book.PlaceRequest{
		AccountIdx: 2, Side: book.Bid, Price: 100 * px, Qty: 2 * qty,
	})
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	if res.FilledQty != 2*qty {
		t.Errorf("filled: got %d, want %d", res.FilledQty, 2*qty)
	}
	maker, _ := b.FindOrder(1)
	if maker.Qty != 3*qty {
		t.Errorf("maker remainder: got %d, want %d", maker.Qty, 3*qty)
	}
}

func TestMatch_SweepMultipleLevelsVWAP(t *testing.T) {
	b := newTestBook()
	place(t, b, 1, book.Ask, 100*px, qty)
	place(t, b, 1, book.Ask, 102*px, qty)

	res, err := b.PlaceOrder(book.PlaceRequest{
		AccountIdx: 2, Side: book.Bid, Price: 102 * px, Qty: 2 * qty,
	})
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	if res.FilledQty != 2*qty {
		t.Fatalf("filled: got %d, want %d", res.FilledQty, 2*qty)
	}
	if res.VWAPPx != 101*px {
		t.Errorf("vwap: got %d, want %d", res.VWAPPx, 101*px)
	}
}

func TestMatch_PartialFillRestsRemainder(t *testing.T) {
	b := newTestBook()
	place(t, b, 1, book.Ask, 100*px, qty)

	res, err := b.PlaceOrder(book.PlaceRequest{
		AccountIdx: 2, Side: book.Bid, Price: 100 * px, Qty: 3 * qty,
	})
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	if res.FilledQty != qty || res.Remaining != 2*qty || !res.Resting {
		t.Errorf("got filled=%d remaining=%d resting=%v", res.FilledQty, res.Remaining, res.Resting)
	}
	if best := b.BestBid(); best == nil || best.Qty != 2*qty {
		t.Errorf("remainder not resting: %+v", best)
	}
}

func TestMatch_LimitPriceRespected(t *testing.T) {
	b := newTestBook()
	place(t, b, 1, book.Ask, 100*px, qty)
	place(t, b, 1, book.Ask, 105*px, qty)

	res, err := b.PlaceOrder(book.PlaceRequest{
		AccountIdx: 2, Side: book.Bid, Price: 100 * px, Qty: 2 * qty, TIF: book.IOC,
	})
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	if res.FilledQty != qty {
		t.Errorf("should only fill within the limit: got %d", res.FilledQty)
	}
	if b.Depth(book.Ask) != 1 {
		t.Errorf("the 105 ask should remain: depth=%d", b.Depth(book.Ask))
	}
}

// ============================================================================
// Test: time in force
// ============================================================================

func TestMatch_IOCCancelsRemainder(t *testing.T) {
	b := newTestBook()
	place(t, b, 1, book.Ask, 100*px, qty)

	res, err := b.PlaceOrder(book.PlaceRequest{
		AccountIdx: 2, Side: book.Bid, Price: 100 * px, Qty: 3 * qty, TIF: book.IOC,
	})
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	if res.FilledQty != qty {
		t.Errorf("filled: got %d, want %d", res.FilledQty, qty)
	}
	if res.Resting || b.Depth(book.Bid) != 0 {
		t.Error("IOC remainder must not rest")
	}
}

func TestMatch_FOKAllOrNothing(t *testing.T) {
	b := newTestBook()
	place(t, b, 1, book.Ask, 100*px, qty)
	seqBefore := b.Seqno()

	_, err := b.PlaceOrder(book.PlaceRequest{
		AccountIdx: 2, Side: book.Bid, Price: 100 * px, Qty: 2 * qty, TIF: book.FOK,
	})
	if !errors.Is(err, book.ErrFOKNotFillable) {
		t.Fatalf("got %v, want ErrFOKNotFillable", err)
	}
	// nothing executed
	maker, _ := b.FindOrder(1)
	if maker.Qty != qty {
		t.Errorf("FOK reject mutated the maker: %d", maker.Qty)
	}
	if b.Seqno() != seqBefore {
		t.Error("FOK reject advanced the seqno")
	}

	// exactly fillable succeeds
	res, err := b.PlaceOrder(book.PlaceRequest{
		AccountIdx: 2, Side: book.Bid, Price: 100 * px, Qty: qty, TIF: book.FOK,
	})
	if err != nil {
		t.Fatalf("fillable FOK: %v", err)
	}
	if res.FilledQty != qty {
		t.Errorf("filled: got %d, want %d", res.FilledQty, qty)
	}
}

func TestMatch_FOKIgnoresOwnLiquidity(t *testing.T) {
	b := newTestBook()
	place(t, b, 2, book.Ask, 100*px, qty) // own order must not count

	_, err := b.PlaceOrder(book.PlaceRequest{
		AccountIdx: 2, Side: book.Bid, Price: 100 * px, Qty: qty, TIF: book.FOK,
	})
	if !errors.Is(err, book.ErrFOKNotFillable) {
		t.Errorf("got %v, want ErrFOKNotFillable", err)
	}
}

// ============================================================================
// Test: post-only
// ============================================================================

func TestMatch_PostOnly(t *testing.T) {
	b := newTestBook()
	place(t, b, 1, book.Ask, 100*px, qty)

	_, err := b.PlaceOrder(book.PlaceRequest{
		AccountIdx: 2, Side: book.Bid, Price: 100 * px, Qty: qty, PostOnly: true,
	})
	if !errors.Is(err, book.ErrPostOnlyCross) {
		t.Errorf("crossing post-only: got %v, want ErrPostOnlyCross", err)
	}

	res, err := b.PlaceOrder(book.PlaceRequest{
		AccountIdx: 2, Side: book.Bid, Price: 99 * px, Qty: qty, PostOnly: true,
	})
	if err != nil {
		t.Fatalf("non-crossing post-only: %v", err)
	}
	if !res.Resting || res.FilledQty != 0 {
		t.Errorf("post-only should rest without filling: %+v", res)
	}
}

// ============================================================================
// Test: reduce-only
// ============================================================================

func TestMatch_ReduceOnlyTruncates(t *testing.T) {
	b := newTestBook()
	place(t, b, 1, book.Bid, 100*px, 5*qty)

	// exposure caps the order at 2 (short closing a 2-long via a sell)
	res, err := b.PlaceOrder(book.PlaceRequest{
		AccountIdx:       2,
		Side:             book.Ask,
		Price:            100 * px,
		Qty:              5 * qty,
		TIF:              book.IOC,
		ReduceOnly:       true,
		OpposingExposure: 2 * qty,
	})
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	if res.FilledQty != 2*qty {
		t.Errorf("filled: got %d, want %d", res.FilledQty, 2*qty)
	}
}

func TestMatch_ReduceOnlyNoExposure(t *testing.T) {
	b := newTestBook()
	_, err := b.PlaceOrder(book.PlaceRequest{
		AccountIdx: 2, Side: book.Ask, Price: 100 * px, Qty: qty,
		ReduceOnly: true, OpposingExposure: 0,
	})
	if !errors.Is(err, book.ErrReduceOnlyNoExposure) {
		t.Errorf("got %v, want ErrReduceOnlyNoExposure", err)
	}
}

// ============================================================================
// Test: self-trade prevention
// ============================================================================

func TestMatch_STPCancelNewest(t *testing.T) {
	b := newTestBook()
	place(t, b, 1, book.Ask, 100*px, qty)

	res, err := b.PlaceOrder(book.PlaceRequest{
		AccountIdx: 1, Side: book.Bid, Price: 100 * px, Qty: qty,
		SelfTrade: book.CancelNewest,
	})
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	if res.FilledQty != 0 {
		t.Errorf("self-trade executed: filled=%d", res.FilledQty)
	}
	if b.Depth(book.Ask) != 1 {
		t.Error("resting order should survive cancel-newest")
	}
	if res.Resting || b.Depth(book.Bid) != 0 {
		t.Error("incoming order should be cancelled, not rest")
	}
}

func TestMatch_STPCancelOldest(t *testing.T) {
	b := newTestBook()
	place(t, b, 1, book.Ask, 100*px, qty) // own
	place(t, b, 3, book.Ask, 100*px, qty) // other account, behind

	res, err := b.PlaceOrder(book.PlaceRequest{
		AccountIdx: 1, Side: book.Bid, Price: 100 * px, Qty: qty,
		SelfTrade: book.CancelOldest,
	})
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	if res.FilledQty != qty {
		t.Errorf("filled: got %d, want %d", res.FilledQty, qty)
	}
	if res.Fills[0].MakerAccount != 3 {
		t.Errorf("should fill against the other account, got %d", res.Fills[0].MakerAccount)
	}
	if b.Depth(book.Ask) != 0 {
		t.Error("own resting order should be cancelled by cancel-oldest")
	}
}

func TestMatch_STPDecrementAndCancel(t *testing.T) {
	b := newTestBook()
	place(t, b, 1, book.Ask, 100*px, 3*qty)

	res, err := b.PlaceOrder(book.PlaceRequest{
		AccountIdx: 1, Side: book.Bid, Price: 100 * px, Qty: qty,
		SelfTrade: book.DecrementAndCancel,
	})
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	if res.FilledQty != 0 {
		t.Errorf("self-trade executed: filled=%d", res.FilledQty)
	}
	resting, _ := b.FindOrder(1)
	if resting.Qty != 2*qty {
		t.Errorf("resting should be decremented to %d, got %d", 2*qty, resting.Qty)
	}
	if b.Depth(book.Bid) != 0 {
		t.Error("decremented incoming should not rest")
	}
}

func TestMatch_STPReject(t *testing.T) {
	b := newTestBook()
	place(t, b, 1, book.Ask, 100*px, qty)
	seqBefore := b.Seqno()

	_, err := b.PlaceOrder(book.PlaceRequest{
		AccountIdx: 1, Side: book.Bid, Price: 100 * px, Qty: qty,
		SelfTrade: book.RejectSelfTrade,
	})
	if !errors.Is(err, book.ErrSelfTrade) {
		t.Fatalf("got %v, want ErrSelfTrade", err)
	}
	resting, _ := b.FindOrder(1)
	if resting.Qty != qty || b.Seqno() != seqBefore {
		t.Error("reject policy must not mutate any state")
	}
}

func TestMatch_NoSelfTradeEver(t *testing.T) {
	policies := []book.SelfTradePolicy{
		book.CancelNewest, book.CancelOldest, book.DecrementAndCancel,
	}
	for _, p := range policies {
		b := newTestBook()
		place(t, b, 1, book.Ask, 100*px, qty)
		res, err := b.PlaceOrder(book.PlaceRequest{
			AccountIdx: 1, Side: book.Bid, Price: 100 * px, Qty: qty, SelfTrade: p,
		})
		if err != nil {
			t.Fatalf("%s: %v", p, err)
		}
		for _, f := range res.Fills {
			if f.MakerAccount == f.TakerAccount {
				t.Errorf("%s produced a self-trade: %+v", p, f)
			}
		}
	}
}

// ============================================================================
// Test: market sweep
// ============================================================================

func TestMatch_MarketSweep(t *testing.T) {
	b := newTestBook()
	place(t, b, 1, book.Bid, 100*px, qty)
	place(t, b, 1, book.Bid, 99*px, qty)

	fills, filled, err := b.MarketSweep(2, book.Ask, 2*qty, 99*px)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if filled != 2*qty || len(fills) != 2 {
		t.Errorf("got filled=%d fills=%d, want %d/2", filled, len(fills), 2*qty)
	}
	if b.Depth(book.Bid) != 0 {
		t.Errorf("bid depth after sweep: %d", b.Depth(book.Bid))
	}
}

func TestMatch_MarketSweepRespectsBand(t *testing.T) {
	b := newTestBook()
	place(t, b, 1, book.Bid, 100*px, qty)
	place(t, b, 1, book.Bid, 90*px, qty)

	// selling down to 95 only reaches the first level
	_, filled, err := b.MarketSweep(2, book.Ask, 2*qty, 95*px)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if filled != qty {
		t.Errorf("filled: got %d, want %d", filled, qty)
	}
}
