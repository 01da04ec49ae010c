package projection

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"slabcore/internal/engine"
	"slabcore/internal/observability"
)

// Worker updates projection tables from processed events. The projection
// channel is non-blocking with drop: if projections fall behind, they can be
// rebuilt from the event log, so losing an update here is recoverable.
type Worker struct {
	db        *sql.DB
	inputChan <-chan engine.Output
	fills     *RecentFills
	metrics   *observability.Metrics
	lastSeq   int64
}

func NewWorker(db *sql.DB, inputChan <-chan engine.Output, fills *RecentFills, metrics *observability.Metrics) *Worker {
	return &Worker{
		db:        db,
		inputChan: inputChan,
		fills:     fills,
		metrics:   metrics,
	}
}

// Run starts the projection worker loop.
func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case out, ok := <-w.inputChan:
			if !ok {
				return nil
			}

			start := time.Now()
			if err := w.processOutput(ctx, out); err != nil {
				log.Printf("WARN: projection update failed at seq=%d: %v", out.Envelope.Sequence, err)
				// Continue: projections are eventually consistent and can
				// be rebuilt from the event log.
			}
			w.lastSeq = out.Envelope.Sequence

			if w.fills != nil {
				for _, f := range out.Fills {
					w.fills.Add(f)
				}
			}
			if w.metrics != nil {
				w.metrics.ProjectionDur.WithLabelValues("main").Observe(time.Since(start).Seconds())
			}
		}
	}
}

func (w *Worker) processOutput(ctx context.Context, out engine.Output) error {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	seq := out.Envelope.Sequence

	// Balance projection follows the tracker convention: a debit increases
	// the account, a credit decreases it.
	if out.Batch != nil {
		for _, j := range out.Batch.Journals {
			if err := w.applyBalance(ctx, tx, j.DebitAccount.AccountPath(), uint16(j.AssetID), j.Amount, seq); err != nil {
				return fmt.Errorf("balance projection: %w", err)
			}
			if err := w.applyBalance(ctx, tx, j.CreditAccount.AccountPath(), uint16(j.AssetID), -j.Amount, seq); err != nil {
				return fmt.Errorf("balance projection: %w", err)
			}
		}
	}

	// Position projection folds every fill into signed per-user exposure.
	for _, f := range out.Fills {
		takerDelta := f.Qty
		if f.TakerSide == "ask" {
			takerDelta = -f.Qty
		}
		if err := w.applyPosition(ctx, tx, f.Taker.String(), f.Market, takerDelta, seq); err != nil {
			return fmt.Errorf("position projection: %w", err)
		}
		if err := w.applyPosition(ctx, tx, f.Maker.String(), f.Market, -takerDelta, seq); err != nil {
			return fmt.Errorf("position projection: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
		VALUES ('main', $1, NOW())
		ON CONFLICT (worker_id) DO UPDATE SET last_sequence = $1, updated_at = NOW()
	`, seq); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}

	return tx.Commit()
}

func (w *Worker) applyBalance(ctx context.Context, tx *sql.Tx, accountPath string, assetID uint16, delta int64, seq int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, asset_id, balance, last_sequence)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (account_path, asset_id)
		DO UPDATE SET balance = projections.balances.balance + $3, last_sequence = $4
	`, accountPath, assetID, delta, seq)
	return err
}

func (w *Worker) applyPosition(ctx context.Context, tx *sql.Tx, userID, market string, delta int64, seq int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.positions (user_id, market, qty, last_sequence)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id, market)
		DO UPDATE SET qty = projections.positions.qty + $3, last_sequence = $4
	`, userID, market, delta, seq)
	return err
}

// Rebuild rebuilds the balance and position projections from the event log.
func Rebuild(ctx context.Context, db *sql.DB) error {
	truncateStatements := []string{
		`TRUNCATE projections.balances`,
		`TRUNCATE projections.positions`,
		`DELETE FROM projections.watermark WHERE worker_id = 'main'`,
	}

	for _, stmt := range truncateStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("truncate failed: %w", err)
		}
	}

	// Balances: debits add, credits subtract.
	_, err := db.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, asset_id, balance, last_sequence)
		SELECT account_path, asset_id, SUM(delta), MAX(sequence)
		FROM (
			SELECT debit_account AS account_path, asset_id, amount AS delta, sequence FROM slab.journal
			UNION ALL
			SELECT credit_account AS account_path, asset_id, -amount AS delta, sequence FROM slab.journal
		) flows
		GROUP BY account_path, asset_id
	`)
	if err != nil {
		return fmt.Errorf("rebuild balances: %w", err)
	}

	// Positions: taker deltas plus maker contras from the fills table.
	_, err = db.ExecContext(ctx, `
		INSERT INTO projections.positions (user_id, market, qty, last_sequence)
		SELECT user_id, market, SUM(delta), MAX(sequence)
		FROM (
			SELECT taker AS user_id, market,
			       CASE WHEN taker_side = 'bid' THEN qty ELSE -qty END AS delta,
			       sequence
			FROM slab.fills
			UNION ALL
			SELECT maker AS user_id, market,
			       CASE WHEN taker_side = 'bid' THEN -qty ELSE qty END AS delta,
			       sequence
			FROM slab.fills
		) flows
		GROUP BY user_id, market
	`)
	if err != nil {
		return fmt.Errorf("rebuild positions: %w", err)
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
		SELECT 'main', COALESCE(MAX(sequence), 0), NOW() FROM slab.events
		ON CONFLICT (worker_id) DO UPDATE SET last_sequence = EXCLUDED.last_sequence, updated_at = NOW()
	`)
	if err != nil {
		return fmt.Errorf("rebuild watermark: %w", err)
	}

	log.Println("INFO: projection rebuild complete")
	return nil
}
