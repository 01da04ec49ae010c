package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"slabcore/internal/engine"
	"slabcore/internal/ledger"
	"slabcore/internal/portfolio"
)

// SnapshotManager handles creating and loading state snapshots for recovery.
// Snapshots contain balances, portfolios, per-instrument funding state,
// sequence partitions, the idempotency LRU keys and the hash-chain tip.
// Resting orders and live holds are not snapshotted: the books come back
// empty after a restart and depth is rebuilt by fresh instructions.
type SnapshotManager struct {
	db *sql.DB
}

// snapshotJSON is the storage encoding of engine.SnapshotState. Balances use
// an entry list because AccountKey is a struct and cannot key a JSON object.
type snapshotJSON struct {
	Sequence        int64                   `json:"sequence"`
	StateHash       []byte                  `json:"state_hash"`
	Balances        []balanceEntry          `json:"balances"`
	Portfolios      []*portfolio.Portfolio  `json:"portfolios"`
	Instruments     []engine.InstrumentState `json:"instruments"`
	SequenceState   map[string]int64        `json:"sequence_state"`
	IdempotencyKeys []string                `json:"idempotency_keys"`
	CreatedAt       time.Time               `json:"created_at"`
}

type balanceEntry struct {
	Key     ledger.AccountKey `json:"key"`
	Balance int64             `json:"balance"`
}

func NewSnapshotManager(db *sql.DB) *SnapshotManager {
	return &SnapshotManager{db: db}
}

// SaveSnapshot persists a snapshot to Postgres. Snapshots are taken
// periodically and verified by replaying events forward from their sequence.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, snap *engine.SnapshotState) error {
	enc := snapshotJSON{
		Sequence:        snap.Sequence,
		StateHash:       snap.StateHash[:],
		Portfolios:      snap.Portfolios,
		Instruments:     snap.Instruments,
		SequenceState:   snap.SequenceState,
		IdempotencyKeys: snap.IdempotencyKeys,
		CreatedAt:       time.Now().UTC(),
	}
	for key, balance := range snap.Balances {
		enc.Balances = append(enc.Balances, balanceEntry{Key: key, Balance: balance})
	}

	data, err := json.Marshal(enc)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	snapshotID := uuid.New()
	formatVersion := int32(1) // v1: JSON-encoded snapshot

	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO slab.snapshots
			(snapshot_id, sequence, data, state_hash, format_version, size_bytes, verified, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)
		ON CONFLICT (sequence) DO UPDATE SET data = $3, state_hash = $4, size_bytes = $6
	`, snapshotID, enc.Sequence, data, enc.StateHash, formatVersion, len(data), enc.CreatedAt)

	return err
}

// LoadLatestSnapshot loads the most recent verified snapshot, or nil on a
// cold start. On warm restart the caller replays events from sequence+1.
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context) (*engine.SnapshotState, error) {
	row := sm.db.QueryRowContext(ctx, `
		SELECT data FROM slab.snapshots
		WHERE verified = TRUE
		ORDER BY sequence DESC
		LIMIT 1
	`)

	var data []byte
	if err := row.Scan(&data); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	var enc snapshotJSON
	if err := json.Unmarshal(data, &enc); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}

	snap := &engine.SnapshotState{
		Sequence:        enc.Sequence,
		Balances:        make(map[ledger.AccountKey]int64, len(enc.Balances)),
		Portfolios:      enc.Portfolios,
		Instruments:     enc.Instruments,
		SequenceState:   enc.SequenceState,
		IdempotencyKeys: enc.IdempotencyKeys,
	}
	copy(snap.StateHash[:], enc.StateHash)
	for _, e := range enc.Balances {
		snap.Balances[e.Key] = e.Balance
	}

	return snap, nil
}

// MarkVerified marks a snapshot as verified after an integrity check.
func (sm *SnapshotManager) MarkVerified(ctx context.Context, sequence int64) error {
	_, err := sm.db.ExecContext(ctx, `
		UPDATE slab.snapshots SET verified = TRUE WHERE sequence = $1
	`, sequence)
	return err
}

// LoadEventsFrom loads events from a given sequence for replay.
func (sm *SnapshotManager) LoadEventsFrom(ctx context.Context, fromSequence int64, limit int) ([]EventRow, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT sequence, event_type, idempotency_key, market, payload,
		       state_hash, prev_hash, timestamp_ms, source_sequence
		FROM slab.events
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []EventRow
	for rows.Next() {
		var e EventRow
		if err := rows.Scan(
			&e.Sequence, &e.EventType, &e.IdempotencyKey, &e.Market,
			&e.Payload, &e.StateHash, &e.PrevHash, &e.TimestampMs, &e.SourceSequence,
		); err != nil {
			return nil, err
		}
		events = append(events, e)
	}

	return events, rows.Err()
}

// GetLatestSequence returns the highest sequence in the event log.
func (sm *SnapshotManager) GetLatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := sm.db.QueryRowContext(ctx, `
		SELECT MAX(sequence) FROM slab.events
	`).Scan(&seq)
	if err != nil {
		return 0, err
	}
	if !seq.Valid {
		return 0, nil
	}
	return seq.Int64, nil
}
