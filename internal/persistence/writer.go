package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// execer lets batch writers run against either a *sql.DB or a *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// EventLogWriter writes events, journals, fills and liquidation summaries to
// Postgres using multi-row INSERT. All writes are idempotent via ON CONFLICT
// DO NOTHING, so replays after a crash are safe.
type EventLogWriter struct {
	db *sql.DB
}

// EventRow is a row in slab.events.
type EventRow struct {
	Sequence       int64
	EventType      string
	IdempotencyKey string
	Market         *string
	Payload        []byte
	StateHash      []byte
	PrevHash       []byte
	TimestampMs    int64
	SourceSequence int64
}

// JournalRow is a row in slab.journal.
type JournalRow struct {
	JournalID     string
	BatchID       string
	EventRef      string
	Sequence      int64
	DebitAccount  string
	CreditAccount string
	AssetID       uint16
	Amount        int64
	JournalType   int32
	Timestamp     int64
}

// FillRow is a row in slab.fills.
type FillRow struct {
	FillID       string
	Market       string
	MakerOrderID int64
	Maker        string
	Taker        string
	TakerSide    string
	Price        int64
	Qty          int64
	MakerFee     int64
	TakerFee     int64
	Liquidation  bool
	Sequence     int64
	TimestampMs  int64
}

// LiquidationRow is a row in slab.liquidations.
type LiquidationRow struct {
	LiquidationID       string
	TargetUser          string
	Liquidator          string
	Phase               string
	PrincipalClosedQty  int64
	PrincipalProceeds   int64
	SlabFreed           int64
	AmmRedeemed         int64
	StaleBucketsSkipped int
	InsuranceDraw       int64
	Socialized          int64
	FinalStatus         string
	Sequence            int64
	TimestampMs         int64
}

func NewEventLogWriter(db *sql.DB) *EventLogWriter {
	return &EventLogWriter{db: db}
}

// WriteEventBatch writes a batch of events to slab.events.
func (w *EventLogWriter) WriteEventBatch(ctx context.Context, ex execer, events []EventRow) error {
	if len(events) == 0 {
		return nil
	}

	query := `INSERT INTO slab.events
		(sequence, event_type, idempotency_key, market, payload, state_hash, prev_hash, timestamp_ms, source_sequence)
		VALUES `

	values := make([]string, 0, len(events))
	args := make([]interface{}, 0, len(events)*9)

	for i, e := range events {
		base := i * 9
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9,
		))
		args = append(args,
			e.Sequence, e.EventType, e.IdempotencyKey, e.Market,
			e.Payload, e.StateHash, e.PrevHash, e.TimestampMs, e.SourceSequence,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence) DO NOTHING"

	_, err := ex.ExecContext(ctx, query, args...)
	return err
}

// WriteJournalBatch writes a batch of journal entries to slab.journal.
func (w *EventLogWriter) WriteJournalBatch(ctx context.Context, ex execer, journals []JournalRow) error {
	if len(journals) == 0 {
		return nil
	}

	query := `INSERT INTO slab.journal
		(journal_id, batch_id, event_ref, sequence, debit_account, credit_account, asset_id, amount, journal_type, timestamp_ms)
		VALUES `

	values := make([]string, 0, len(journals))
	args := make([]interface{}, 0, len(journals)*10)

	for i, j := range journals {
		base := i * 10
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9, base+10,
		))
		args = append(args,
			j.JournalID, j.BatchID, j.EventRef, j.Sequence,
			j.DebitAccount, j.CreditAccount, j.AssetID, j.Amount,
			j.JournalType, j.Timestamp,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (journal_id) DO NOTHING"

	_, err := ex.ExecContext(ctx, query, args...)
	return err
}

// WriteFillBatch writes executions to slab.fills.
func (w *EventLogWriter) WriteFillBatch(ctx context.Context, ex execer, fills []FillRow) error {
	if len(fills) == 0 {
		return nil
	}

	query := `INSERT INTO slab.fills
		(fill_id, market, maker_order_id, maker, taker, taker_side, price, qty, maker_fee, taker_fee, liquidation, sequence, timestamp_ms)
		VALUES `

	values := make([]string, 0, len(fills))
	args := make([]interface{}, 0, len(fills)*13)

	for i, f := range fills {
		base := i * 13
		ph := make([]string, 13)
		for k := range ph {
			ph[k] = fmt.Sprintf("$%d", base+k+1)
		}
		values = append(values, "("+strings.Join(ph, ", ")+")")
		args = append(args,
			f.FillID, f.Market, f.MakerOrderID, f.Maker, f.Taker, f.TakerSide,
			f.Price, f.Qty, f.MakerFee, f.TakerFee, f.Liquidation, f.Sequence, f.TimestampMs,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (fill_id) DO NOTHING"

	_, err := ex.ExecContext(ctx, query, args...)
	return err
}

// WriteLiquidations writes liquidation pass summaries to slab.liquidations.
func (w *EventLogWriter) WriteLiquidations(ctx context.Context, ex execer, rows []LiquidationRow) error {
	if len(rows) == 0 {
		return nil
	}

	query := `INSERT INTO slab.liquidations
		(liquidation_id, target_user, liquidator, phase, principal_closed_qty, principal_proceeds,
		 slab_freed, amm_redeemed, stale_buckets_skipped, insurance_draw, socialized, final_status, sequence, timestamp_ms)
		VALUES `

	values := make([]string, 0, len(rows))
	args := make([]interface{}, 0, len(rows)*14)

	for i, r := range rows {
		base := i * 14
		ph := make([]string, 14)
		for k := range ph {
			ph[k] = fmt.Sprintf("$%d", base+k+1)
		}
		values = append(values, "("+strings.Join(ph, ", ")+")")
		args = append(args,
			r.LiquidationID, r.TargetUser, r.Liquidator, r.Phase,
			r.PrincipalClosedQty, r.PrincipalProceeds, r.SlabFreed, r.AmmRedeemed,
			r.StaleBucketsSkipped, r.InsuranceDraw, r.Socialized, r.FinalStatus,
			r.Sequence, r.TimestampMs,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (liquidation_id) DO NOTHING"

	_, err := ex.ExecContext(ctx, query, args...)
	return err
}

// WaitForDB pings the database until it responds or the deadline passes.
func WaitForDB(ctx context.Context, db *sql.DB, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		if err := db.PingContext(ctx); err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("database not reachable within %v", timeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
}
