package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"slabcore/internal/engine"
	"slabcore/internal/observability"
)

// Worker drains the engine's persist channel and batch-writes to Postgres.
// The persist channel uses BLOCKING sends from the engine, so if this worker
// falls behind, the engine stalls — guaranteeing no event is lost.
type Worker struct {
	writer       *EventLogWriter
	db           *sql.DB
	inputChan    <-chan engine.Output
	batchSize    int
	flushTimeout time.Duration
	metrics      *observability.Metrics
}

func NewWorker(
	db *sql.DB,
	inputChan <-chan engine.Output,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
) *Worker {
	return &Worker{
		writer:       NewEventLogWriter(db),
		db:           db,
		inputChan:    inputChan,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		metrics:      metrics,
	}
}

// rowBatch accumulates converted rows between flushes.
type rowBatch struct {
	events       []EventRow
	journals     []JournalRow
	fills        []FillRow
	liquidations []LiquidationRow
}

func (rb *rowBatch) reset() {
	rb.events = rb.events[:0]
	rb.journals = rb.journals[:0]
	rb.fills = rb.fills[:0]
	rb.liquidations = rb.liquidations[:0]
}

// append converts one engine output into storage rows.
func (rb *rowBatch) append(out engine.Output) {
	env := out.Envelope
	rb.events = append(rb.events, EventRow{
		Sequence:       env.Sequence,
		EventType:      env.EventType.String(),
		IdempotencyKey: env.IdempotencyKey,
		Market:         env.Symbol,
		Payload:        env.Payload,
		StateHash:      env.StateHash[:],
		PrevHash:       env.PrevHash[:],
		TimestampMs:    int64(env.TsMs),
		SourceSequence: env.SourceSequence,
	})

	if out.Batch != nil {
		for _, j := range out.Batch.Journals {
			rb.journals = append(rb.journals, JournalRow{
				JournalID:     j.JournalID.String(),
				BatchID:       j.BatchID.String(),
				EventRef:      j.EventRef,
				Sequence:      j.Sequence,
				DebitAccount:  j.DebitAccount.AccountPath(),
				CreditAccount: j.CreditAccount.AccountPath(),
				AssetID:       uint16(j.AssetID),
				Amount:        j.Amount,
				JournalType:   int32(j.JournalType),
				Timestamp:     j.Timestamp,
			})
		}
	}

	for _, f := range out.Fills {
		rb.fills = append(rb.fills, FillRow{
			FillID:       f.FillID.String(),
			Market:       f.Market,
			MakerOrderID: int64(f.MakerOrderID),
			Maker:        f.Maker.String(),
			Taker:        f.Taker.String(),
			TakerSide:    f.TakerSide,
			Price:        f.Price,
			Qty:          f.Qty,
			MakerFee:     f.MakerFee,
			TakerFee:     f.TakerFee,
			Liquidation:  f.Liquidation,
			Sequence:     env.Sequence,
			TimestampMs:  int64(f.Timestamp),
		})
	}

	if lr := out.Liquidation; lr != nil {
		rb.liquidations = append(rb.liquidations, LiquidationRow{
			LiquidationID:       lr.LiquidationID.String(),
			TargetUser:          lr.User.String(),
			Liquidator:          lr.Liquidator.String(),
			Phase:               lr.Phase,
			PrincipalClosedQty:  lr.PrincipalClosedQty,
			PrincipalProceeds:   lr.PrincipalProceeds,
			SlabFreed:           lr.SlabFreed,
			AmmRedeemed:         lr.AmmRedeemed,
			StaleBucketsSkipped: lr.StaleBucketsSkipped,
			InsuranceDraw:       lr.InsuranceDraw,
			Socialized:          lr.Socialized,
			FinalStatus:         lr.FinalStatus,
			Sequence:            env.Sequence,
			TimestampMs:         int64(lr.Timestamp),
		})
	}
}

// Run starts the persistence worker loop. It batches incoming outputs and
// flushes either when the batch is full or the flush timeout expires.
// Blocks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	var batch rowBatch

	timer := time.NewTimer(w.flushTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			// Graceful shutdown: flush remaining
			if len(batch.events) > 0 {
				if err := w.flush(context.Background(), &batch); err != nil {
					log.Printf("ERROR: final flush failed: %v", err)
				}
			}
			return ctx.Err()

		case out, ok := <-w.inputChan:
			if !ok {
				if len(batch.events) > 0 {
					if err := w.flush(context.Background(), &batch); err != nil {
						log.Printf("ERROR: final flush failed: %v", err)
					}
				}
				return nil
			}

			batch.append(out)

			if len(batch.events) >= w.batchSize {
				if err := w.flushWithRetry(ctx, &batch); err != nil {
					log.Printf("ERROR: batch flush failed: %v", err)
				}
				batch.reset()
				timer.Reset(w.flushTimeout)
			}

		case <-timer.C:
			if len(batch.events) > 0 {
				if err := w.flushWithRetry(ctx, &batch); err != nil {
					log.Printf("ERROR: timeout flush failed: %v", err)
				}
				batch.reset()
			}
			timer.Reset(w.flushTimeout)
		}
	}
}

// flushWithRetry attempts to flush with exponential backoff. The worker never
// drops events: it retries until the write succeeds or the context is
// cancelled, in which case one final flush runs with a background context.
func (w *Worker) flushWithRetry(ctx context.Context, batch *rowBatch) error {
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			log.Printf("WARN: persistence retry attempt %d (backoff=%v, events=%d)",
				attempt, backoff, len(batch.events))
			if w.metrics != nil {
				w.metrics.PersistRetry.Inc()
			}
			select {
			case <-ctx.Done():
				finalErr := w.flush(context.Background(), batch)
				if finalErr != nil {
					return fmt.Errorf("final flush on shutdown failed: %w", finalErr)
				}
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		err := w.flush(ctx, batch)
		if err == nil {
			if attempt > 0 {
				log.Printf("INFO: persistence flush succeeded after %d retries", attempt)
			}
			return nil
		}
	}
}

func (w *Worker) flush(ctx context.Context, batch *rowBatch) error {
	start := time.Now()

	// Events, journals, fills and liquidations commit atomically.
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		w.countError("tx_begin")
		return err
	}
	defer tx.Rollback()

	if err := w.writer.WriteEventBatch(ctx, tx, batch.events); err != nil {
		w.countError("write_events")
		return err
	}
	if err := w.writer.WriteJournalBatch(ctx, tx, batch.journals); err != nil {
		w.countError("write_journals")
		return err
	}
	if err := w.writer.WriteFillBatch(ctx, tx, batch.fills); err != nil {
		w.countError("write_fills")
		return err
	}
	if err := w.writer.WriteLiquidations(ctx, tx, batch.liquidations); err != nil {
		w.countError("write_liquidations")
		return err
	}

	if err := tx.Commit(); err != nil {
		w.countError("tx_commit")
		return err
	}

	if w.metrics != nil {
		w.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		w.metrics.PersistEventsWritten.Add(float64(len(batch.events)))
		w.metrics.PersistJournalsWritten.Add(float64(len(batch.journals)))
		if n := len(batch.events); n > 0 {
			w.metrics.PersistLastSequence.Set(float64(batch.events[n-1].Sequence))
		}
	}

	return nil
}

func (w *Worker) countError(kind string) {
	if w.metrics != nil {
		w.metrics.PersistErrors.WithLabelValues(kind).Inc()
	}
}

// Writer returns the underlying writer, used by replay tooling.
func (w *Worker) Writer() *EventLogWriter {
	return w.writer
}
