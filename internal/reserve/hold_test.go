package reserve_test

import (
	"errors"
	"testing"

	"slabcore/internal/book"
	"slabcore/internal/reserve"
)

const (
	px  = 1_000_000
	qty = 1_000_000
)

func newTestBook() *book.Book {
	return book.New(0, book.Instrument{
		Symbol:      "BTC-PERP",
		Tick:        100_000,
		Lot:         100_000,
		MinNotional: 1_000_000,
		IndexPrice:  100 * px,
	}, 5_000)
}

func newRegistry() *reserve.Registry {
	return reserve.NewRegistry(reserve.Config{
		TakerFeeBps: 5,
		MakerFeeBps: -2,
		KillBandBps: 100,
	})
}

func place(t *testing.T, b *book.Book, account uint32, side book.Side, price, quantity int64) book.PlaceResult {
	t.Helper()
	res, err := b.PlaceOrder(book.PlaceRequest{
		AccountIdx: account, Side: side, Price: price, Qty: quantity,
	})
	if err != nil {
		t.Fatalf("place %s %d@%d: %v", side, quantity, price, err)
	}
	return res
}

// ============================================================================
// Test: reserve
// ============================================================================

func TestReserve_QuoteAndPin(t *testing.T) {
	b := newTestBook()
	reg := newRegistry()
	maker := place(t, b, 1, book.Ask, 100*px, 2*qty)

	h, err := reg.Reserve(b, reserve.ReserveRequest{
		AccountIdx: 2, Side: book.Bid, Qty: qty, LimitPx: 100 * px,
		TTLMs: 5_000, NowMs: 1_000,
	})
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if h.ReservedQty != qty || h.VWAPPx != 100*px || h.WorstPx != 100*px {
		t.Errorf("quote: got %+v", h)
	}
	if h.ExpiryMs != 6_000 {
		t.Errorf("expiry: got %d, want 6000", h.ExpiryMs)
	}
	// worst-case charge = notional + taker fee at 5 bps
	if h.MaxCharge != 100*px+50_000 {
		t.Errorf("max charge: got %d, want %d", h.MaxCharge, 100*px+50_000)
	}

	// pinned depth is invisible to other takers
	o, _ := b.FindOrder(maker.OrderID)
	if o.Available() != qty {
		t.Errorf("available after pin: got %d, want %d", o.Available(), qty)
	}
}

func TestReserve_VWAPAcrossLevels(t *testing.T) {
	b := newTestBook()
	reg := newRegistry()
	place(t, b, 1, book.Ask, 100*px, qty)
	place(t, b, 1, book.Ask, 102*px, qty)

	h, err := reg.Reserve(b, reserve.ReserveRequest{
		AccountIdx: 2, Side: book.Bid, Qty: 2 * qty, LimitPx: 102 * px,
		TTLMs: 5_000, NowMs: 0,
	})
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if h.VWAPPx != 101*px || h.WorstPx != 102*px {
		t.Errorf("vwap=%d worst=%d, want 101/102", h.VWAPPx, h.WorstPx)
	}
	if len(h.Slices) != 2 {
		t.Errorf("slices: %d", len(h.Slices))
	}
}

func TestReserve_PartialDepth(t *testing.T) {
	b := newTestBook()
	reg := newRegistry()
	place(t, b, 1, book.Ask, 100*px, qty)

	h, err := reg.Reserve(b, reserve.ReserveRequest{
		AccountIdx: 2, Side: book.Bid, Qty: 3 * qty, LimitPx: 100 * px,
		TTLMs: 5_000, NowMs: 0,
	})
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if h.ReservedQty != qty {
		t.Errorf("partial reserve: got %d, want %d", h.ReservedQty, qty)
	}
}

func TestReserve_NoDepth(t *testing.T) {
	b := newTestBook()
	reg := newRegistry()
	_, err := reg.Reserve(b, reserve.ReserveRequest{
		AccountIdx: 2, Side: book.Bid, Qty: qty, LimitPx: 100 * px,
		TTLMs: 5_000, NowMs: 0,
	})
	if !errors.Is(err, book.ErrInsufficientLiquidity) {
		t.Errorf("got %v, want ErrInsufficientLiquidity", err)
	}
}

func TestReserve_SkipsOwnOrders(t *testing.T) {
	b := newTestBook()
	reg := newRegistry()
	place(t, b, 2, book.Ask, 100*px, qty)  // own
	place(t, b, 1, book.Ask, 101*px, qty)

	h, err := reg.Reserve(b, reserve.ReserveRequest{
		AccountIdx: 2, Side: book.Bid, Qty: qty, LimitPx: 101 * px,
		TTLMs: 5_000, NowMs: 0,
	})
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if h.VWAPPx != 101*px {
		t.Errorf("reserved against own order: vwap=%d", h.VWAPPx)
	}
}

// ============================================================================
// Test: commit
// ============================================================================

func TestCommit_RoundTrip(t *testing.T) {
	b := newTestBook()
	reg := newRegistry()
	place(t, b, 1, book.Ask, 100*px, qty)
	place(t, b, 1, book.Ask, 102*px, qty)

	h, err := reg.Reserve(b, reserve.ReserveRequest{
		AccountIdx: 2, Side: book.Bid, Qty: 2 * qty, LimitPx: 102 * px,
		TTLMs: 5_000, NowMs: 1_000,
	})
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}

	res, err := reg.Commit(b, h.ID, 2_000)
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if res.FilledQty != h.ReservedQty {
		t.Errorf("filled %d != reserved %d", res.FilledQty, h.ReservedQty)
	}
	if res.AvgPrice != h.VWAPPx {
		t.Errorf("avg price %d != quoted vwap %d", res.AvgPrice, h.VWAPPx)
	}
	if h.State != reserve.HoldCommitted {
		t.Errorf("state: %d", h.State)
	}
	if b.Depth(book.Ask) != 0 {
		t.Errorf("makers not consumed: depth=%d", b.Depth(book.Ask))
	}
	// notional 202, taker fee 5 bps, maker rebate 2 bps per fill
	if res.Notional != 202*px {
		t.Errorf("notional: got %d, want %d", res.Notional, 202*px)
	}
	if res.TakerFee != 101_000 {
		t.Errorf("taker fee: got %d, want 101000", res.TakerFee)
	}
	if len(res.MakerFees) != 2 {
		t.Fatalf("maker fees: %d", len(res.MakerFees))
	}
	for _, mf := range res.MakerFees {
		if mf.Fee >= 0 {
			t.Errorf("maker fee should be a rebate, got %d", mf.Fee)
		}
	}
}

func TestCommit_Expired(t *testing.T) {
	b := newTestBook()
	reg := newRegistry()
	place(t, b, 1, book.Ask, 100*px, qty)
	h, err := reg.Reserve(b, reserve.ReserveRequest{
		AccountIdx: 2, Side: book.Bid, Qty: qty, LimitPx: 100 * px,
		TTLMs: 1_000, NowMs: 1_000,
	})
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if _, err := reg.Commit(b, h.ID, 2_001); !errors.Is(err, reserve.ErrReservationExpired) {
		t.Errorf("got %v, want ErrReservationExpired", err)
	}
	// cleanup cancel still works after expiry
	if err := reg.Cancel(b, h.ID); err != nil {
		t.Errorf("cancel after expiry: %v", err)
	}
}

func TestCommit_StaleAfterBookChange(t *testing.T) {
	b := newTestBook()
	reg := newRegistry()
	place(t, b, 1, book.Ask, 100*px, 2*qty)
	other := place(t, b, 3, book.Ask, 101*px, qty)

	h, err := reg.Reserve(b, reserve.ReserveRequest{
		AccountIdx: 2, Side: book.Bid, Qty: qty, LimitPx: 100 * px,
		TTLMs: 5_000, NowMs: 0,
	})
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}

	// an unrelated cancel advances the seqno and invalidates the hold
	if _, err := b.CancelOrder(other.OrderID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := reg.Commit(b, h.ID, 1_000); !errors.Is(err, reserve.ErrStaleBook) {
		t.Errorf("got %v, want ErrStaleBook", err)
	}
}

func TestCommit_KillBand(t *testing.T) {
	b := newTestBook()
	reg := newRegistry()
	place(t, b, 1, book.Ask, 100*px, qty)

	h, err := reg.Reserve(b, reserve.ReserveRequest{
		AccountIdx: 2, Side: book.Bid, Qty: qty, LimitPx: 100 * px,
		TTLMs: 5_000, NowMs: 0,
	})
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}

	// index moves far outside the 100 bps band between reserve and commit
	b.Instrument.IndexPrice = 110 * px
	if _, err := reg.Commit(b, h.ID, 1_000); !errors.Is(err, reserve.ErrPriceBandViolation) {
		t.Errorf("got %v, want ErrPriceBandViolation", err)
	}
}

func TestCommit_DoubleConsume(t *testing.T) {
	b := newTestBook()
	reg := newRegistry()
	place(t, b, 1, book.Ask, 100*px, qty)
	h, err := reg.Reserve(b, reserve.ReserveRequest{
		AccountIdx: 2, Side: book.Bid, Qty: qty, LimitPx: 100 * px,
		TTLMs: 5_000, NowMs: 0,
	})
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if _, err := reg.Commit(b, h.ID, 1_000); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if _, err := reg.Commit(b, h.ID, 1_000); !errors.Is(err, reserve.ErrInvalidReservation) {
		t.Errorf("second commit: got %v, want ErrInvalidReservation", err)
	}
	if err := reg.Cancel(b, h.ID); !errors.Is(err, reserve.ErrInvalidReservation) {
		t.Errorf("cancel after commit: got %v, want ErrInvalidReservation", err)
	}
}

func TestCommit_UnknownHold(t *testing.T) {
	b := newTestBook()
	reg := newRegistry()
	if _, err := reg.Commit(b, 42, 0); !errors.Is(err, reserve.ErrHoldNotFound) {
		t.Errorf("got %v, want ErrHoldNotFound", err)
	}
}

// ============================================================================
// Test: cancel
// ============================================================================

func TestCancel_ReleasesPinnedDepth(t *testing.T) {
	b := newTestBook()
	reg := newRegistry()
	maker := place(t, b, 1, book.Ask, 100*px, 2*qty)

	h, err := reg.Reserve(b, reserve.ReserveRequest{
		AccountIdx: 2, Side: book.Bid, Qty: qty, LimitPx: 100 * px,
		TTLMs: 5_000, NowMs: 0,
	})
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := reg.Cancel(b, h.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if h.State != reserve.HoldCancelled {
		t.Errorf("state: %d", h.State)
	}
	o, _ := b.FindOrder(maker.OrderID)
	if o.Available() != 2*qty {
		t.Errorf("depth not released: available=%d", o.Available())
	}
	// cancelled holds cannot be consumed again
	if err := reg.Cancel(b, h.ID); !errors.Is(err, reserve.ErrInvalidReservation) {
		t.Errorf("double cancel: got %v, want ErrInvalidReservation", err)
	}
}

// ============================================================================
// Test: just-in-time maker rebate clamp
// ============================================================================

func TestCommit_JITRebateClamped(t *testing.T) {
	b := newTestBook()
	reg := newRegistry()

	if _, _, err := b.BatchOpen(10_000); err != nil {
		t.Fatalf("batch open: %v", err)
	}
	// maker placed after the batch opened
	res, err := b.PlaceOrder(book.PlaceRequest{
		AccountIdx: 1, Side: book.Ask, Price: 100 * px, Qty: qty, CreatedMs: 12_000,
	})
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	_ = res

	h, err := reg.Reserve(b, reserve.ReserveRequest{
		AccountIdx: 2, Side: book.Bid, Qty: qty, LimitPx: 100 * px,
		TTLMs: 5_000, NowMs: 12_500,
	})
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	out, err := reg.Commit(b, h.ID, 13_000)
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if len(out.MakerFees) != 1 {
		t.Fatalf("maker fees: %d", len(out.MakerFees))
	}
	if out.MakerFees[0].Fee != 0 {
		t.Errorf("just-in-time rebate not clamped: %d", out.MakerFees[0].Fee)
	}
}
