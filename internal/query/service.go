package query

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

// Service provides read-only access to the event log and projection tables.
// All responses include as_of_sequence so callers can reason about freshness
// against the engine's live sequence.
type Service struct {
	db *sql.DB
}

func NewService(db *sql.DB) *Service {
	return &Service{db: db}
}

// GetBalance returns a user's collateral and LP-committed balances.
func (s *Service) GetBalance(ctx context.Context, userID uuid.UUID, asset string) (*BalanceResponse, error) {
	asOfSeq, err := s.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	collateralPath := fmt.Sprintf("user:%s:collateral:%s", userID, asset)
	collateral, err := s.getProjectedBalance(ctx, collateralPath)
	if err != nil {
		return nil, err
	}

	lpPath := fmt.Sprintf("user:%s:lp_committed:%s", userID, asset)
	lpCommitted, err := s.getProjectedBalance(ctx, lpPath)
	if err != nil {
		return nil, err
	}

	return &BalanceResponse{
		UserID:       userID,
		Asset:        asset,
		Collateral:   collateral,
		LpCommitted:  lpCommitted,
		Total:        collateral + lpCommitted,
		AsOfSequence: asOfSeq,
	}, nil
}

// GetPositions returns all non-flat exposures for a user.
func (s *Service) GetPositions(ctx context.Context, userID uuid.UUID) ([]PositionResponse, error) {
	asOfSeq, err := s.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT market, qty
		FROM projections.positions
		WHERE user_id = $1 AND qty != 0
		ORDER BY market
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []PositionResponse
	for rows.Next() {
		var p PositionResponse
		p.UserID = userID
		p.AsOfSequence = asOfSeq
		if err := rows.Scan(&p.Market, &p.Qty); err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}

	return positions, rows.Err()
}

// GetFills returns executions for a market, newest first, with cursor-based
// pagination on sequence.
func (s *Service) GetFills(ctx context.Context, market string, limit int, beforeSequence *int64) ([]FillResponse, error) {
	query := `
		SELECT fill_id, market, maker, taker, taker_side, price, qty, liquidation, sequence, timestamp_ms
		FROM slab.fills
		WHERE market = $1
	`
	args := []interface{}{market}
	argIdx := 2

	if beforeSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *beforeSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var fills []FillResponse
	for rows.Next() {
		var f FillResponse
		if err := rows.Scan(
			&f.FillID, &f.Market, &f.Maker, &f.Taker, &f.TakerSide,
			&f.Price, &f.Qty, &f.Liquidation, &f.Sequence, &f.TimestampMs,
		); err != nil {
			return nil, err
		}
		fills = append(fills, f)
	}

	return fills, rows.Err()
}

// GetLiquidations returns liquidation passes against a user, newest first.
func (s *Service) GetLiquidations(ctx context.Context, userID uuid.UUID, limit int) ([]LiquidationResponse, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT liquidation_id, target_user, liquidator, phase, principal_closed_qty,
		       principal_proceeds, slab_freed, amm_redeemed, stale_buckets_skipped,
		       insurance_draw, socialized, final_status, sequence, timestamp_ms
		FROM slab.liquidations
		WHERE target_user = $1
		ORDER BY sequence DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []LiquidationResponse
	for rows.Next() {
		var r LiquidationResponse
		if err := rows.Scan(
			&r.LiquidationID, &r.TargetUser, &r.Liquidator, &r.Phase,
			&r.PrincipalClosedQty, &r.PrincipalProceeds, &r.SlabFreed, &r.AmmRedeemed,
			&r.StaleBucketsSkipped, &r.InsuranceDraw, &r.Socialized, &r.FinalStatus,
			&r.Sequence, &r.TimestampMs,
		); err != nil {
			return nil, err
		}
		results = append(results, r)
	}

	return results, rows.Err()
}

// GetJournalHistory returns journal entries touching a user's accounts with
// cursor-based pagination.
func (s *Service) GetJournalHistory(ctx context.Context, userID uuid.UUID, limit int, afterSequence *int64) ([]JournalHistoryEntry, error) {
	accountPrefix := fmt.Sprintf("user:%s:%%", userID)

	query := `
		SELECT journal_id, batch_id, event_ref, sequence,
		       debit_account, credit_account, asset_id, amount, journal_type, timestamp_ms
		FROM slab.journal
		WHERE (debit_account LIKE $1 OR credit_account LIKE $1)
	`
	args := []interface{}{accountPrefix}
	argIdx := 2

	if afterSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *afterSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []JournalHistoryEntry
	for rows.Next() {
		var e JournalHistoryEntry
		if err := rows.Scan(
			&e.JournalID, &e.BatchID, &e.EventRef, &e.Sequence,
			&e.DebitAccount, &e.CreditAccount, &e.AssetID, &e.Amount,
			&e.JournalType, &e.TimestampMs,
		); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// --- Admin APIs ---

// VerifyIntegrity checks hash chain continuity and the global zero-sum
// balance invariant.
func (s *Service) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{}

	rows, err := s.db.QueryContext(ctx, `
		SELECT e1.sequence
		FROM slab.events e1
		JOIN slab.events e2 ON e2.sequence = e1.sequence - 1
		WHERE e1.prev_hash != e2.state_hash
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	balanceRows, err := s.db.QueryContext(ctx, `
		SELECT asset_id, SUM(balance) AS total
		FROM projections.balances
		GROUP BY asset_id
		HAVING SUM(balance) != 0
	`)
	if err != nil {
		return nil, err
	}
	defer balanceRows.Close()

	for balanceRows.Next() {
		var assetID uint16
		var total int64
		if err := balanceRows.Scan(&assetID, &total); err != nil {
			return nil, err
		}
		report.UnbalancedAssets = append(report.UnbalancedAssets, UnbalancedAsset{
			AssetID:   assetID,
			Imbalance: total,
		})
	}
	if err := balanceRows.Err(); err != nil {
		return nil, err
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 && len(report.UnbalancedAssets) == 0
	return report, nil
}

// --- helpers ---

func (s *Service) getWatermark(ctx context.Context) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(last_sequence, 0) FROM projections.watermark WHERE worker_id = 'main'
	`).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return seq, err
}

func (s *Service) getProjectedBalance(ctx context.Context, accountPath string) (int64, error) {
	var balance int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(balance, 0) FROM projections.balances
		WHERE account_path = $1
	`, accountPath).Scan(&balance)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return balance, err
}
