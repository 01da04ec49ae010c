package engine_test

import (
	"errors"
	"math"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"slabcore/internal/book"
	"slabcore/internal/engine"
	"slabcore/internal/event"
	"slabcore/internal/fixmath"
	"slabcore/internal/liquidation"
	"slabcore/internal/portfolio"
	"slabcore/internal/reserve"
	"slabcore/internal/wire"
)

const (
	px  = int64(1_000_000)
	qty = int64(1_000_000)

	market  = "BTC-PERP"
	instIdx = uint16(1)
)

// harness drives the engine the way the ingestion loop does: events in
// source order with per-partition sequence numbering.
type harness struct {
	t       *testing.T
	eng     *engine.Engine
	persist chan engine.Output
	proj    chan engine.Output
	seqs    map[string]int64
	ts      uint64
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	persist := make(chan engine.Output, 1024)
	proj := make(chan engine.Output, 1024)
	eng := engine.New(0, engine.Config{
		TakerFeeBps:     5,
		MakerFeeBps:     -2,
		KillBandBps:     100,
		BatchIntervalMs: 5_000,
		Liquidation: liquidation.Config{
			CooldownMs:        60_000,
			MaxStalenessMs:    5_000,
			LiquidationFeeBps: 100,
			PriceBandBps:      500,
			RewardBps:         50,
		},
		DedupCapacity: 64,
	}, persist, proj, nil, nil, zerolog.Nop())

	err := eng.ListInstrument(instIdx, book.Instrument{
		Symbol:       market,
		ContractSize: px,
		Tick:         100_000,
		Lot:          100_000,
		MinNotional:  1_000_000,
		IndexPrice:   100 * px,
	}, portfolio.RiskParams{IMFraction: 100_000, MMFraction: 50_000})
	if err != nil {
		t.Fatalf("list instrument: %v", err)
	}

	return &harness{
		t:       t,
		eng:     eng,
		persist: persist,
		proj:    proj,
		seqs:    make(map[string]int64),
		ts:      1_000,
	}
}

func (h *harness) nextSeq(partition string) int64 {
	s := h.seqs[partition]
	h.seqs[partition]++
	return s
}

func (h *harness) deposit(user uuid.UUID, amount int64) {
	h.t.Helper()
	err := h.eng.ProcessEvent(&event.Deposit{
		DepositID: uuid.New(),
		UserID:    user,
		Asset:     "USDC",
		Amount:    amount,
		Sequence:  h.nextSeq("global"),
		Timestamp: h.ts,
	})
	if err != nil {
		h.t.Fatalf("deposit: %v", err)
	}
}

func (h *harness) instruction(user uuid.UUID, program uint8, payload []byte) error {
	return h.eng.ProcessEvent(&event.InstructionSubmitted{
		SubmissionID:  uuid.New(),
		UserID:        user,
		Program:       program,
		InstrumentIdx: instIdx,
		Market:        market,
		Payload:       payload,
		Sequence:      h.nextSeq("market:" + market),
		Timestamp:     h.ts,
	})
}

func (h *harness) liquidate(liquidator, target uuid.UUID) error {
	ix := wire.LiquidateUserIx{}
	return h.eng.ProcessEvent(&event.InstructionSubmitted{
		SubmissionID:  uuid.New(),
		UserID:        liquidator,
		Program:       uint8(wire.ProgramLiquidator),
		InstrumentIdx: instIdx,
		Market:        market,
		Payload:       ix.Encode(),
		TargetUserID:  target,
		Sequence:      h.nextSeq("market:" + market),
		Timestamp:     h.ts,
	})
}

func (h *harness) place(user uuid.UUID, side uint8, price, quantity int64) error {
	ix := wire.PlaceOrderIx{Price: price, Qty: quantity, Side: side}
	return h.instruction(user, uint8(wire.ProgramSlab), ix.EncodeShort())
}

func (h *harness) folio(user uuid.UUID) *portfolio.Portfolio {
	h.t.Helper()
	idx, ok := h.eng.Registry().AccountIdx(user)
	if !ok {
		h.t.Fatalf("no account for %s", user)
	}
	p, err := h.eng.Registry().Portfolio(idx)
	if err != nil {
		h.t.Fatalf("portfolio: %v", err)
	}
	return p
}

func (h *harness) drain() []engine.Output {
	var outs []engine.Output
	for {
		select {
		case o := <-h.persist:
			outs = append(outs, o)
		default:
			return outs
		}
	}
}

// === Transfers ===

func TestProcessEvent_DepositAndWithdrawal(t *testing.T) {
	h := newHarness(t)
	user := uuid.New()
	h.deposit(user, 1_000*px)

	if got := h.folio(user).Equity; got != 1_000*px {
		t.Errorf("equity after deposit = %v, want %v", got, 1_000*px)
	}
	if got := h.eng.Balances().GetUserCollateral(user); got != 1_000*px {
		t.Errorf("tracker collateral = %v, want %v", got, 1_000*px)
	}

	err := h.eng.ProcessEvent(&event.Withdrawal{
		WithdrawalID: uuid.New(),
		UserID:       user,
		Asset:        "USDC",
		Amount:       400 * px,
		Sequence:     h.nextSeq("global"),
		Timestamp:    h.ts,
	})
	if err != nil {
		t.Fatalf("withdrawal: %v", err)
	}
	if got := h.folio(user).Equity; got != 600*px {
		t.Errorf("equity after withdrawal = %v, want %v", got, 600*px)
	}

	err = h.eng.ProcessEvent(&event.Withdrawal{
		WithdrawalID: uuid.New(),
		UserID:       user,
		Asset:        "USDC",
		Amount:       700 * px,
		Sequence:     h.nextSeq("global"),
		Timestamp:    h.ts,
	})
	if !errors.Is(err, portfolio.ErrInsufficientMargin) {
		t.Errorf("over-withdrawal error = %v, want ErrInsufficientMargin", err)
	}
}

func TestProcessEvent_DuplicateSkipped(t *testing.T) {
	h := newHarness(t)
	user := uuid.New()
	dep := &event.Deposit{
		DepositID: uuid.New(),
		UserID:    user,
		Asset:     "USDC",
		Amount:    100 * px,
		Sequence:  h.nextSeq("global"),
		Timestamp: h.ts,
	}
	if err := h.eng.ProcessEvent(dep); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	if err := h.eng.ProcessEvent(dep); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if got := h.folio(user).Equity; got != 100*px {
		t.Errorf("equity after redelivery = %v, want %v (applied once)", got, 100*px)
	}
}

func TestProcessEvent_SequenceGapRejected(t *testing.T) {
	h := newHarness(t)
	user := uuid.New()
	h.deposit(user, 100*px)

	err := h.eng.ProcessEvent(&event.Deposit{
		DepositID: uuid.New(),
		UserID:    user,
		Asset:     "USDC",
		Amount:    100 * px,
		Sequence:  5, // expected 1
		Timestamp: h.ts,
	})
	if err == nil {
		t.Fatal("sequence gap accepted, want error")
	}
	if got := h.folio(user).Equity; got != 100*px {
		t.Errorf("equity after gap = %v, want %v (unchanged)", got, 100*px)
	}
}

// === Order placement and settlement ===

func TestPlaceOrder_MatchSettlesCashAndPositions(t *testing.T) {
	h := newHarness(t)
	maker := uuid.New()
	taker := uuid.New()
	h.deposit(maker, 1_000*px)
	h.deposit(taker, 1_000*px)

	if err := h.place(maker, 1, 100*px, 2*qty); err != nil {
		t.Fatalf("maker ask: %v", err)
	}
	h.drain()
	if err := h.place(taker, 0, 100*px, 2*qty); err != nil {
		t.Fatalf("taker bid: %v", err)
	}

	// notional 200, taker fee 5bps = 100_000, maker rebate 2bps = 40_000
	if got, want := h.folio(taker).Equity, 1_000*px-200*px-100_000; got != want {
		t.Errorf("taker equity = %v, want %v", got, want)
	}
	if got, want := h.folio(maker).Equity, 1_000*px+200*px+40_000; got != want {
		t.Errorf("maker equity = %v, want %v", got, want)
	}
	if exp := h.folio(taker).Exposure(instIdx); exp == nil || exp.Qty != 2*qty {
		t.Errorf("taker exposure = %+v, want long %v", exp, 2*qty)
	}
	if exp := h.folio(maker).Exposure(instIdx); exp == nil || exp.Qty != -2*qty {
		t.Errorf("maker exposure = %+v, want short %v", exp, -2*qty)
	}
	if got := h.eng.Balances().FeePoolBalance(); got != 60_000 {
		t.Errorf("fee pool = %v, want 60000", got)
	}

	outs := h.drain()
	if len(outs) != 1 {
		t.Fatalf("outputs = %d, want 1", len(outs))
	}
	if len(outs[0].Fills) != 1 {
		t.Fatalf("fill records = %d, want 1", len(outs[0].Fills))
	}
	f := outs[0].Fills[0]
	if f.Price != 100*px || f.Qty != 2*qty || f.TakerSide != "bid" {
		t.Errorf("fill record = %+v", f)
	}
	if f.Maker != maker || f.Taker != taker {
		t.Errorf("fill parties = maker %s taker %s", f.Maker, f.Taker)
	}
}

func TestPlaceOrder_InsufficientMargin(t *testing.T) {
	h := newHarness(t)
	user := uuid.New()
	h.deposit(user, 1*px)

	// notional 200, IM 10% = 20 > 1 free
	err := h.place(user, 0, 100*px, 2*qty)
	if !errors.Is(err, portfolio.ErrInsufficientMargin) {
		t.Errorf("error = %v, want ErrInsufficientMargin", err)
	}
	b, _ := h.eng.Registry().Book(instIdx)
	if b.Depth(book.Bid) != 0 {
		t.Errorf("rejected order rested")
	}
}

func TestPlaceOrder_InvalidPayload(t *testing.T) {
	h := newHarness(t)
	user := uuid.New()
	h.deposit(user, 100*px)

	err := h.instruction(user, uint8(wire.ProgramSlab), []byte{0xFF, 0x01})
	if !errors.Is(err, wire.ErrInvalidInstruction) {
		t.Errorf("error = %v, want ErrInvalidInstruction", err)
	}
}

func TestCancelOrder_OwnershipEnforced(t *testing.T) {
	h := newHarness(t)
	owner := uuid.New()
	other := uuid.New()
	h.deposit(owner, 1_000*px)
	h.deposit(other, 1_000*px)

	if err := h.place(owner, 1, 100*px, qty); err != nil {
		t.Fatalf("place: %v", err)
	}
	cancel := wire.CancelOrderIx{OrderID: 1}

	err := h.instruction(other, uint8(wire.ProgramSlab), cancel.Encode())
	if !errors.Is(err, engine.ErrNotOrderOwner) {
		t.Errorf("foreign cancel error = %v, want ErrNotOrderOwner", err)
	}
	if err := h.instruction(owner, uint8(wire.ProgramSlab), cancel.Encode()); err != nil {
		t.Fatalf("own cancel: %v", err)
	}
	b, _ := h.eng.Registry().Book(instIdx)
	if b.Depth(book.Ask) != 0 {
		t.Errorf("order still resting after cancel")
	}
}

func TestCancelOrder_PendingOwnershipEnforced(t *testing.T) {
	h := newHarness(t)
	owner := uuid.New()
	other := uuid.New()
	h.deposit(owner, 1_000*px)
	h.deposit(other, 1_000*px)

	future := wire.PlaceOrderIx{Price: 100 * px, Qty: qty, Side: 1, EligibleEpoch: 1}
	if err := h.instruction(owner, uint8(wire.ProgramSlab), future.Encode()); err != nil {
		t.Fatalf("pending place: %v", err)
	}
	b, _ := h.eng.Registry().Book(instIdx)
	if b.PendingCount() != 1 {
		t.Fatalf("pending = %d, want 1", b.PendingCount())
	}

	cancel := wire.CancelOrderIx{OrderID: 1}
	err := h.instruction(other, uint8(wire.ProgramSlab), cancel.Encode())
	if !errors.Is(err, engine.ErrNotOrderOwner) {
		t.Errorf("foreign cancel error = %v, want ErrNotOrderOwner", err)
	}
	b, _ = h.eng.Registry().Book(instIdx)
	if b.PendingCount() != 1 {
		t.Errorf("pending = %d after foreign cancel, want 1 (untouched)", b.PendingCount())
	}

	if err := h.instruction(owner, uint8(wire.ProgramSlab), cancel.Encode()); err != nil {
		t.Fatalf("own cancel: %v", err)
	}
	if b, _ = h.eng.Registry().Book(instIdx); b.PendingCount() != 0 {
		t.Errorf("pending = %d after own cancel, want 0", b.PendingCount())
	}
}

func TestPlaceOrder_FailedSettlementRollsBack(t *testing.T) {
	h := newHarness(t)
	maker1 := uuid.New()
	maker2 := uuid.New()
	taker := uuid.New()
	h.deposit(maker1, 1_000*px)
	h.deposit(maker2, 1_000*px)
	h.deposit(taker, 1_000*px)

	if err := h.place(maker1, 1, 100*px, qty); err != nil {
		t.Fatalf("maker1 ask: %v", err)
	}
	if err := h.place(maker2, 1, 101*px, qty); err != nil {
		t.Fatalf("maker2 ask: %v", err)
	}
	// push the second maker to the overflow edge so its cash leg fails after
	// the first maker has already settled and the book has been swept
	h.folio(maker2).Equity = math.MaxInt64
	h.drain()

	err := h.place(taker, 0, 101*px, 2*qty)
	if !errors.Is(err, fixmath.ErrOverflow) {
		t.Fatalf("error = %v, want ErrOverflow", err)
	}

	b, _ := h.eng.Registry().Book(instIdx)
	if b.Depth(book.Ask) != 2 {
		t.Errorf("ask depth = %d after failed sweep, want 2", b.Depth(book.Ask))
	}
	if got := h.folio(maker1).Equity; got != 1_000*px {
		t.Errorf("maker1 equity = %v, want %v (unchanged)", got, 1_000*px)
	}
	if got := h.folio(taker).Equity; got != 1_000*px {
		t.Errorf("taker equity = %v, want %v (unchanged)", got, 1_000*px)
	}
	if exp := h.folio(taker).Exposure(instIdx); exp != nil {
		t.Errorf("taker exposure = %+v, want none", exp)
	}
	if exp := h.folio(maker1).Exposure(instIdx); exp != nil {
		t.Errorf("maker1 exposure = %+v, want none", exp)
	}
	if got := h.eng.Balances().GetUserCollateral(maker1); got != 1_000*px {
		t.Errorf("maker1 collateral = %v, want %v", got, 1_000*px)
	}
	if got := h.eng.Balances().FeePoolBalance(); got != 0 {
		t.Errorf("fee pool = %v, want 0", got)
	}
	if outs := h.drain(); len(outs) != 0 {
		t.Errorf("failed event emitted %d outputs, want 0", len(outs))
	}

	// the restored book still trades: a retry against the first maker works
	if err := h.place(taker, 0, 100*px, qty); err != nil {
		t.Fatalf("retry place: %v", err)
	}
	if got, want := h.folio(taker).Equity, 1_000*px-100*px-50_000; got != want {
		t.Errorf("taker equity after retry = %v, want %v", got, want)
	}
}

func TestCommitFill_MarketSweep(t *testing.T) {
	h := newHarness(t)
	maker := uuid.New()
	taker := uuid.New()
	h.deposit(maker, 1_000*px)
	h.deposit(taker, 1_000*px)

	if err := h.place(maker, 1, 100*px, qty); err != nil {
		t.Fatalf("maker ask: %v", err)
	}
	sweep := wire.CommitFillIx{Side: 0, Qty: qty, LimitPx: 101 * px}
	if err := h.instruction(taker, uint8(wire.ProgramSlab), sweep.Encode()); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if got, want := h.folio(taker).Equity, 1_000*px-100*px-50_000; got != want {
		t.Errorf("taker equity = %v, want %v", got, want)
	}
	b, _ := h.eng.Registry().Book(instIdx)
	if b.Depth(book.Ask) != 0 {
		t.Errorf("maker order not consumed")
	}
}

// === Reservation protocol ===

func (h *harness) reserveIx(user uuid.UUID, quantity, limitPx int64) error {
	h.t.Helper()
	acct, ok := h.eng.Registry().AccountIdx(user)
	if !ok {
		h.t.Fatalf("no account for %s", user)
	}
	ix := wire.ReserveIx{
		AccountIdx:    acct,
		InstrumentIdx: instIdx,
		Side:          0,
		Qty:           quantity,
		LimitPx:       limitPx,
		TTLMs:         10_000,
		RouteID:       7,
	}
	return h.instruction(user, uint8(wire.ProgramRouter), ix.Encode())
}

func TestReserveCommit_FullFlow(t *testing.T) {
	h := newHarness(t)
	maker := uuid.New()
	taker := uuid.New()
	h.deposit(maker, 1_000*px)
	h.deposit(taker, 200*px)

	if err := h.place(maker, 1, 100*px, qty); err != nil {
		t.Fatalf("maker ask: %v", err)
	}
	if err := h.reserveIx(taker, qty, 100*px); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	// worst-case charge locked: notional 100 + 5bps fee
	if got, want := h.eng.Balances().GetUserLpCommitted(taker), 100*px+50_000; got != want {
		t.Errorf("lp committed = %v, want %v", got, want)
	}

	commit := wire.CommitIx{HoldID: 1, CurrentTs: h.ts}
	if err := h.instruction(taker, uint8(wire.ProgramRouter), commit.Encode()); err != nil {
		t.Fatalf("commit: %v", err)
	}

	if got, want := h.folio(taker).Equity, 200*px-100*px-50_000; got != want {
		t.Errorf("taker equity = %v, want %v", got, want)
	}
	if got, want := h.folio(maker).Equity, 1_000*px+100*px+20_000; got != want {
		t.Errorf("maker equity = %v, want %v", got, want)
	}
	if got := h.eng.Balances().GetUserLpCommitted(taker); got != 0 {
		t.Errorf("lp committed after commit = %v, want 0", got)
	}
	if exp := h.folio(taker).Exposure(instIdx); exp == nil || exp.Qty != qty {
		t.Errorf("taker exposure = %+v, want long %v", exp, qty)
	}
	if got := h.eng.Balances().FeePoolBalance(); got != 30_000 {
		t.Errorf("fee pool = %v, want 30000", got)
	}
}

func TestReserve_InsufficientMarginUnwindsHold(t *testing.T) {
	h := newHarness(t)
	maker := uuid.New()
	taker := uuid.New()
	h.deposit(maker, 1_000*px)
	h.deposit(taker, 10*px) // max charge ~100 > 10

	if err := h.place(maker, 1, 100*px, qty); err != nil {
		t.Fatalf("maker ask: %v", err)
	}
	err := h.reserveIx(taker, qty, 100*px)
	if !errors.Is(err, portfolio.ErrInsufficientMargin) {
		t.Fatalf("error = %v, want ErrInsufficientMargin", err)
	}

	// the rejected event leaves no trace: no hold, no pinned depth
	holds, _ := h.eng.Registry().Holds(instIdx)
	if _, err := holds.Get(1); !errors.Is(err, reserve.ErrHoldNotFound) {
		t.Errorf("hold lookup = %v, want ErrHoldNotFound", err)
	}
	b, _ := h.eng.Registry().Book(instIdx)
	o, err := b.FindOrder(1)
	if err != nil {
		t.Fatalf("maker order: %v", err)
	}
	if o.Available() != qty {
		t.Errorf("maker available = %v, want %v (pin released)", o.Available(), qty)
	}
	if got := h.eng.Balances().GetUserLpCommitted(taker); got != 0 {
		t.Errorf("lp committed = %v, want 0", got)
	}
}

func TestCommit_StaleBookRejected(t *testing.T) {
	h := newHarness(t)
	maker := uuid.New()
	taker := uuid.New()
	h.deposit(maker, 1_000*px)
	h.deposit(taker, 200*px)

	if err := h.place(maker, 1, 100*px, qty); err != nil {
		t.Fatalf("ask@100: %v", err)
	}
	if err := h.place(maker, 1, 101*px, qty); err != nil {
		t.Fatalf("ask@101: %v", err)
	}
	if err := h.reserveIx(taker, qty, 100*px); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	// unrelated cancel bumps the book seqno
	cancel := wire.CancelOrderIx{OrderID: 2}
	if err := h.instruction(maker, uint8(wire.ProgramSlab), cancel.Encode()); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	commit := wire.CommitIx{HoldID: 1, CurrentTs: h.ts}
	err := h.instruction(taker, uint8(wire.ProgramRouter), commit.Encode())
	if !errors.Is(err, reserve.ErrStaleBook) {
		t.Errorf("error = %v, want ErrStaleBook", err)
	}
}

func TestCancelHold_ReleasesLock(t *testing.T) {
	h := newHarness(t)
	maker := uuid.New()
	taker := uuid.New()
	h.deposit(maker, 1_000*px)
	h.deposit(taker, 200*px)

	if err := h.place(maker, 1, 100*px, qty); err != nil {
		t.Fatalf("maker ask: %v", err)
	}
	if err := h.reserveIx(taker, qty, 100*px); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	cancel := wire.CancelHoldIx{HoldID: 1}
	if err := h.instruction(taker, uint8(wire.ProgramRouter), cancel.Encode()); err != nil {
		t.Fatalf("cancel hold: %v", err)
	}
	if got := h.eng.Balances().GetUserLpCommitted(taker); got != 0 {
		t.Errorf("lp committed after cancel = %v, want 0", got)
	}
	if got := h.eng.Balances().GetUserCollateral(taker); got != 200*px {
		t.Errorf("collateral after cancel = %v, want %v", got, 200*px)
	}
}

// === Batch epochs ===

func TestBatchOpen_PromotesPendingOrder(t *testing.T) {
	h := newHarness(t)
	user := uuid.New()
	h.deposit(user, 1_000*px)

	future := wire.PlaceOrderIx{Price: 100 * px, Qty: qty, Side: 1, EligibleEpoch: 1}
	if err := h.instruction(user, uint8(wire.ProgramSlab), future.Encode()); err != nil {
		t.Fatalf("pending place: %v", err)
	}
	b, _ := h.eng.Registry().Book(instIdx)
	if b.Depth(book.Ask) != 0 || b.PendingCount() != 1 {
		t.Fatalf("depth=%d pending=%d before batch open", b.Depth(book.Ask), b.PendingCount())
	}

	open := wire.BatchOpenIx{InstrumentIdx: instIdx, CurrentTs: h.ts + 5_000}
	if err := h.instruction(user, uint8(wire.ProgramRouter), open.Encode()); err != nil {
		t.Fatalf("batch open: %v", err)
	}
	if b.Depth(book.Ask) != 1 || b.PendingCount() != 0 {
		t.Errorf("depth=%d pending=%d after batch open, want 1/0", b.Depth(book.Ask), b.PendingCount())
	}
	if b.Epoch() != 1 {
		t.Errorf("epoch = %v, want 1", b.Epoch())
	}
}

// === Oracle updates ===

func TestMarkPriceUpdate_AppliedAndStaleIgnored(t *testing.T) {
	h := newHarness(t)
	b, _ := h.eng.Registry().Book(instIdx)

	err := h.eng.ProcessEvent(&event.MarkPriceUpdate{
		Market:        market,
		InstrumentIdx: instIdx,
		MarkPrice:     105 * px,
		PriceSequence: 10,
		Timestamp:     h.ts,
	})
	if err != nil {
		t.Fatalf("mark update: %v", err)
	}
	if b.Instrument.IndexPrice != 105*px {
		t.Errorf("index price = %v, want %v", b.Instrument.IndexPrice, 105*px)
	}

	// a lower price sequence is superseded and must not regress the mark
	err = h.eng.ProcessEvent(&event.MarkPriceUpdate{
		Market:        market,
		InstrumentIdx: instIdx,
		MarkPrice:     90 * px,
		PriceSequence: 3,
		Timestamp:     h.ts,
	})
	if err != nil {
		t.Fatalf("stale mark update: %v", err)
	}
	if b.Instrument.IndexPrice != 105*px {
		t.Errorf("index price after stale tick = %v, want %v", b.Instrument.IndexPrice, 105*px)
	}
}

func TestFundingUpdate_SettlesExposures(t *testing.T) {
	h := newHarness(t)
	maker := uuid.New()
	taker := uuid.New()
	h.deposit(maker, 1_000*px)
	h.deposit(taker, 1_000*px)

	if err := h.place(maker, 1, 100*px, 2*qty); err != nil {
		t.Fatalf("maker ask: %v", err)
	}
	if err := h.place(taker, 0, 100*px, 2*qty); err != nil {
		t.Fatalf("taker bid: %v", err)
	}
	takerBefore := h.folio(taker).Equity
	makerBefore := h.folio(maker).Equity

	err := h.eng.ProcessEvent(&event.FundingUpdate{
		Market:        market,
		InstrumentIdx: instIdx,
		FundingRate:   100,
		CumFunding:    500_000,
		EpochID:       h.nextSeq("market:" + market),
		Timestamp:     h.ts,
	})
	if err != nil {
		t.Fatalf("funding: %v", err)
	}

	// long 2 pays 2 * 0.5 = 1, short receives 1
	if got, want := h.folio(taker).Equity, takerBefore-1*px; got != want {
		t.Errorf("long equity = %v, want %v", got, want)
	}
	if got, want := h.folio(maker).Equity, makerBefore+1*px; got != want {
		t.Errorf("short equity = %v, want %v", got, want)
	}
}

func TestFundingUpdate_PartialFailureRollsBack(t *testing.T) {
	h := newHarness(t)
	maker := uuid.New()
	taker := uuid.New()
	h.deposit(maker, 1_000*px)
	h.deposit(taker, 1_000*px)

	if err := h.place(maker, 1, 100*px, 2*qty); err != nil {
		t.Fatalf("maker ask: %v", err)
	}
	if err := h.place(taker, 0, 100*px, 2*qty); err != nil {
		t.Fatalf("taker bid: %v", err)
	}
	makerEquity := h.folio(maker).Equity
	makerCollateral := h.eng.Balances().GetUserCollateral(maker)
	// the long pays on positive funding; an equity at the floor makes the
	// second portfolio of the sweep fail after the first settled
	h.folio(taker).Equity = math.MinInt64
	h.drain()

	err := h.eng.ProcessEvent(&event.FundingUpdate{
		Market:        market,
		InstrumentIdx: instIdx,
		FundingRate:   100,
		CumFunding:    500_000,
		EpochID:       h.nextSeq("market:" + market),
		Timestamp:     h.ts,
	})
	if !errors.Is(err, fixmath.ErrOverflow) {
		t.Fatalf("error = %v, want ErrOverflow", err)
	}

	if got := h.folio(maker).Equity; got != makerEquity {
		t.Errorf("maker equity = %v, want %v (unchanged)", got, makerEquity)
	}
	if got := h.eng.Balances().GetUserCollateral(maker); got != makerCollateral {
		t.Errorf("maker collateral = %v, want %v (unchanged)", got, makerCollateral)
	}
	if exp := h.folio(maker).Exposure(instIdx); exp == nil || exp.CumFundingEntry != 0 {
		t.Errorf("maker funding entry = %+v, want entry 0", exp)
	}
	b, _ := h.eng.Registry().Book(instIdx)
	if b.Instrument.CumFunding != 0 {
		t.Errorf("cumulative funding = %v, want 0 (unchanged)", b.Instrument.CumFunding)
	}
	if outs := h.drain(); len(outs) != 0 {
		t.Errorf("failed event emitted %d outputs, want 0", len(outs))
	}
}

func TestRiskParamUpdate_RejectsInvertedFractions(t *testing.T) {
	h := newHarness(t)
	err := h.eng.ProcessEvent(&event.RiskParamUpdate{
		Market:        market,
		InstrumentIdx: instIdx,
		IMFraction:    50_000,
		MMFraction:    100_000, // mm > im
		EffectiveSeq:  h.nextSeq("market:" + market),
		Timestamp:     h.ts,
	})
	if err == nil {
		t.Fatal("inverted fractions accepted")
	}

	err = h.eng.ProcessEvent(&event.RiskParamUpdate{
		Market:        market,
		InstrumentIdx: instIdx,
		IMFraction:    200_000,
		MMFraction:    100_000,
		EffectiveSeq:  h.nextSeq("market:" + market),
		Timestamp:     h.ts,
	})
	if err != nil {
		t.Fatalf("valid update: %v", err)
	}
	rp, _ := h.eng.Registry().RiskParams(instIdx)
	if rp.IMFraction != 200_000 {
		t.Errorf("im fraction = %v, want 200000", rp.IMFraction)
	}
}

// === Liquidation ===

func TestLiquidateUser_PrincipalRestoresHealth(t *testing.T) {
	h := newHarness(t)
	target := uuid.New()
	maker := uuid.New()
	liquidator := uuid.New()
	h.deposit(target, 25*px)
	h.deposit(maker, 1_000*px)
	h.deposit(liquidator, 10*px)

	// target buys 0.2 at 100 from maker, then a resting bid gives the
	// liquidation sweep liquidity to sell into
	if err := h.place(maker, 1, 100*px, 200_000); err != nil {
		t.Fatalf("maker ask: %v", err)
	}
	if err := h.place(target, 0, 100*px, 200_000); err != nil {
		t.Fatalf("target buy: %v", err)
	}
	if err := h.place(maker, 0, 100*px, 100_000); err != nil {
		t.Fatalf("maker bid: %v", err)
	}

	// funding drains the target: 0.2 * 24.5 = 4.9 of its 4.99 remaining
	err := h.eng.ProcessEvent(&event.FundingUpdate{
		Market:        market,
		InstrumentIdx: instIdx,
		FundingRate:   100,
		CumFunding:    24_500_000,
		EpochID:       h.nextSeq("market:" + market),
		Timestamp:     h.ts,
	})
	if err != nil {
		t.Fatalf("funding: %v", err)
	}
	if got := h.folio(target).Equity; got != 90_000 {
		t.Fatalf("target equity before liquidation = %v, want 90000", got)
	}
	if !h.folio(target).IsLiquidatable() {
		t.Fatal("target not liquidatable")
	}
	h.drain()

	if err := h.liquidate(liquidator, target); err != nil {
		t.Fatalf("liquidate: %v", err)
	}

	// deficit 910_000 over gain/unit 105 → 0.1 lot closed at 100
	tf := h.folio(target)
	if tf.IsLiquidatable() {
		t.Errorf("target still liquidatable: equity=%v mm=%v", tf.Equity, tf.MM)
	}
	if exp := tf.Exposure(instIdx); exp == nil || exp.Qty != 100_000 {
		t.Errorf("target exposure = %+v, want long 100000", exp)
	}
	// +10 proceeds, -0.1 fee (1%), -0.05 reward (0.5%)
	if got, want := tf.Equity, int64(90_000+10*px-100_000-50_000); got != want {
		t.Errorf("target equity = %v, want %v", got, want)
	}
	if got, want := h.folio(liquidator).Equity, 10*px+50_000; got != want {
		t.Errorf("liquidator equity = %v, want %v", got, want)
	}
	if got := h.eng.Balances().InsuranceBalance(); got != 100_000 {
		t.Errorf("insurance balance = %v, want 100000", got)
	}
	if tf.LastLiquidationTs != h.ts {
		t.Errorf("cooldown stamp = %v, want %v", tf.LastLiquidationTs, h.ts)
	}

	var liq *event.LiquidationRecord
	var liqFills []event.FillRecord
	for _, o := range h.drain() {
		if o.Liquidation != nil {
			liq = o.Liquidation
			liqFills = o.Fills
		}
	}
	if liq == nil {
		t.Fatal("no liquidation record emitted")
	}
	if liq.User != target || liq.Liquidator != liquidator {
		t.Errorf("record parties = %s/%s", liq.User, liq.Liquidator)
	}
	if liq.PrincipalClosedQty != 100_000 || liq.PrincipalProceeds != 10*px {
		t.Errorf("principal closed = %v @ %v", liq.PrincipalClosedQty, liq.PrincipalProceeds)
	}
	if liq.FinalStatus != "healthy" {
		t.Errorf("final status = %q, want healthy", liq.FinalStatus)
	}
	if len(liqFills) != 1 || !liqFills[0].Liquidation {
		t.Errorf("liquidation fills = %+v", liqFills)
	}
}

func TestLiquidateUser_HealthyRejected(t *testing.T) {
	h := newHarness(t)
	target := uuid.New()
	liquidator := uuid.New()
	h.deposit(target, 1_000*px)
	h.deposit(liquidator, 10*px)

	err := h.liquidate(liquidator, target)
	if !errors.Is(err, liquidation.ErrPortfolioHealthy) {
		t.Errorf("error = %v, want ErrPortfolioHealthy", err)
	}
}

// === Event log ===

func TestProcessEvent_HashChainLinks(t *testing.T) {
	h := newHarness(t)
	user := uuid.New()
	h.deposit(user, 100*px)
	h.deposit(user, 50*px)

	outs := h.drain()
	if len(outs) != 2 {
		t.Fatalf("outputs = %d, want 2", len(outs))
	}
	if outs[0].Envelope.Sequence != 0 || outs[1].Envelope.Sequence != 1 {
		t.Errorf("sequences = %d, %d, want 0, 1", outs[0].Envelope.Sequence, outs[1].Envelope.Sequence)
	}
	if outs[1].Envelope.PrevHash != outs[0].Envelope.StateHash {
		t.Error("hash chain broken between consecutive envelopes")
	}
	if outs[0].Envelope.StateHash == outs[1].Envelope.StateHash {
		t.Error("consecutive state hashes identical")
	}
}

func TestSnapshotRestore_RoundTrip(t *testing.T) {
	h := newHarness(t)
	maker := uuid.New()
	taker := uuid.New()
	h.deposit(maker, 1_000*px)
	h.deposit(taker, 1_000*px)
	if err := h.place(maker, 1, 100*px, qty); err != nil {
		t.Fatalf("place: %v", err)
	}
	if err := h.place(taker, 0, 100*px, qty); err != nil {
		t.Fatalf("place: %v", err)
	}

	snap := h.eng.CreateSnapshotState()

	h2 := newHarness(t)
	if err := h2.eng.RestoreFromSnapshot(snap); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if h2.eng.Sequence() != h.eng.Sequence() {
		t.Errorf("sequence = %v, want %v", h2.eng.Sequence(), h.eng.Sequence())
	}
	if h2.eng.StateHash() != h.eng.StateHash() {
		t.Error("state hash mismatch after restore")
	}
	if got, want := h2.eng.Balances().GetUserCollateral(taker), h.eng.Balances().GetUserCollateral(taker); got != want {
		t.Errorf("taker collateral = %v, want %v", got, want)
	}

	idx, ok := h2.eng.Registry().AccountIdx(taker)
	if !ok {
		t.Fatal("taker account missing after restore")
	}
	folio, err := h2.eng.Registry().Portfolio(idx)
	if err != nil {
		t.Fatalf("portfolio: %v", err)
	}
	if exp := folio.Exposure(instIdx); exp == nil || exp.Qty != qty {
		t.Errorf("restored exposure = %+v, want long %v", exp, qty)
	}
}
