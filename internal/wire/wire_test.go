package wire_test

import (
	"bytes"
	"errors"
	"testing"

	"slabcore/internal/wire"
)

// ============================================================================
// Test: primitive read/write round-trips
// ============================================================================

func TestReadWriteU64(t *testing.T) {
	data := wire.WriteU64(nil, 0x123456789ABCDEF0)
	offset := 0
	v, err := wire.ReadU64(data, &offset)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 0x123456789ABCDEF0 {
		t.Errorf("got %x, want %x", v, uint64(0x123456789ABCDEF0))
	}
	if offset != 8 {
		t.Errorf("offset: got %d, want 8", offset)
	}
}

func TestReadI64_Negative(t *testing.T) {
	data := wire.WriteI64(nil, -42)
	offset := 0
	v, err := wire.ReadI64(data, &offset)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != -42 {
		t.Errorf("got %d, want -42", v)
	}
}

func TestReadBytes32(t *testing.T) {
	var hash [32]byte
	for i := range hash {
		hash[i] = 0xAB
	}
	data := wire.WriteBytes32(nil, hash)
	offset := 0
	got, err := wire.ReadBytes32(data, &offset)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != hash {
		t.Errorf("got %x, want %x", got, hash)
	}
}

func TestRead_InsufficientData(t *testing.T) {
	data := []byte{1, 2}
	offset := 0
	if _, err := wire.ReadU64(data, &offset); !errors.Is(err, wire.ErrInvalidInstruction) {
		t.Errorf("got %v, want ErrInvalidInstruction", err)
	}
}

// ============================================================================
// Test: instruction decode
// ============================================================================

func TestDecode_PlaceOrderShortPayload(t *testing.T) {
	src := &wire.PlaceOrderIx{Price: 100_000_000, Qty: 2_000_000, Side: 0}
	ix, err := wire.Decode(wire.ProgramSlab, src.EncodeShort())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ix.PlaceOrder == nil {
		t.Fatal("expected PlaceOrder instruction")
	}
	if ix.PlaceOrder.Price != src.Price || ix.PlaceOrder.Qty != src.Qty || ix.PlaceOrder.Side != src.Side {
		t.Errorf("got %+v, want %+v", ix.PlaceOrder, src)
	}
	// extension defaults
	if ix.PlaceOrder.TIF != 0 || ix.PlaceOrder.Flags != 0 || ix.PlaceOrder.EligibleEpoch != 0 {
		t.Errorf("short payload should decode with defaults, got %+v", ix.PlaceOrder)
	}
}

func TestDecode_PlaceOrderFullPayload(t *testing.T) {
	src := &wire.PlaceOrderIx{
		Price:         99_500_000,
		Qty:           1_000_000,
		Side:          1,
		TIF:           2,
		Flags:         wire.FlagPostOnly | wire.FlagReduceOnly,
		SelfTrade:     3,
		EligibleEpoch: 7,
	}
	ix, err := wire.Decode(wire.ProgramSlab, src.Encode())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if *ix.PlaceOrder != *src {
		t.Errorf("got %+v, want %+v", ix.PlaceOrder, src)
	}
}

func TestDecode_Reserve(t *testing.T) {
	var hash [32]byte
	copy(hash[:], bytes.Repeat([]byte{0x5C}, 32))
	src := &wire.ReserveIx{
		AccountIdx:     12,
		InstrumentIdx:  3,
		Side:           0,
		Qty:            5_000_000,
		LimitPx:        101_000_000,
		TTLMs:          5_000,
		CommitmentHash: hash,
		RouteID:        -9,
	}
	ix, err := wire.Decode(wire.ProgramRouter, src.Encode())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if *ix.Reserve != *src {
		t.Errorf("got %+v, want %+v", ix.Reserve, src)
	}
}

func TestDecode_CommitAndCancelHold(t *testing.T) {
	commit := &wire.CommitIx{HoldID: 44, CurrentTs: 1_700_000_000_000}
	ix, err := wire.Decode(wire.ProgramRouter, commit.Encode())
	if err != nil {
		t.Fatalf("decode commit: %v", err)
	}
	if *ix.Commit != *commit {
		t.Errorf("got %+v, want %+v", ix.Commit, commit)
	}

	cancel := &wire.CancelHoldIx{HoldID: 44}
	ix, err = wire.Decode(wire.ProgramRouter, cancel.Encode())
	if err != nil {
		t.Fatalf("decode cancel: %v", err)
	}
	if ix.CancelHold.HoldID != 44 {
		t.Errorf("got %d, want 44", ix.CancelHold.HoldID)
	}
}

func TestDecode_BatchOpen(t *testing.T) {
	src := &wire.BatchOpenIx{InstrumentIdx: 1, CurrentTs: 123456}
	ix, err := wire.Decode(wire.ProgramRouter, src.Encode())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if *ix.BatchOpen != *src {
		t.Errorf("got %+v, want %+v", ix.BatchOpen, src)
	}
}

func TestDecode_LiquidateUser(t *testing.T) {
	ix, err := wire.Decode(wire.ProgramLiquidator, (&wire.LiquidateUserIx{}).Encode())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ix.Liquidate == nil {
		t.Error("expected Liquidate instruction")
	}
}

// ============================================================================
// Test: malformed payloads
// ============================================================================

func TestDecode_UnknownDiscriminator(t *testing.T) {
	if _, err := wire.Decode(wire.ProgramSlab, []byte{0xFF}); !errors.Is(err, wire.ErrInvalidInstruction) {
		t.Errorf("got %v, want ErrInvalidInstruction", err)
	}
}

func TestDecode_Truncated(t *testing.T) {
	full := (&wire.CommitFillIx{Side: 0, Qty: 1_000_000, LimitPx: 100_000_000}).Encode()
	for cut := 1; cut < len(full); cut++ {
		if _, err := wire.Decode(wire.ProgramSlab, full[:cut]); !errors.Is(err, wire.ErrInvalidInstruction) {
			t.Errorf("cut=%d: got %v, want ErrInvalidInstruction", cut, err)
		}
	}
}

func TestDecode_TrailingBytes(t *testing.T) {
	data := append((&wire.CancelOrderIx{OrderID: 9}).Encode(), 0x00)
	if _, err := wire.Decode(wire.ProgramSlab, data); !errors.Is(err, wire.ErrInvalidInstruction) {
		t.Errorf("got %v, want ErrInvalidInstruction", err)
	}
}

func TestDecode_Empty(t *testing.T) {
	if _, err := wire.Decode(wire.ProgramSlab, nil); !errors.Is(err, wire.ErrInvalidInstruction) {
		t.Errorf("got %v, want ErrInvalidInstruction", err)
	}
}
