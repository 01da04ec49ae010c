package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// migrationLedger records which schema versions have been applied. It lives
// outside the slab schema because migration 000001 is what creates it.
const migrationLedger = "public.slabcore_migrations"

// Migrator applies the SQL files under dir to the venue database. Files
// follow the golang-migrate naming convention — {version}_{name}.up.sql with
// a matching .down.sql — and run in ascending version order, each in its own
// transaction together with its ledger row.
type Migrator struct {
	db  *sql.DB
	dir string
}

type migration struct {
	version  string
	filename string
}

func NewMigrator(db *sql.DB, migrationsDir string) *Migrator {
	return &Migrator{db: db, dir: migrationsDir}
}

// Up applies every pending migration.
func (m *Migrator) Up(ctx context.Context) error {
	if err := m.ensureLedger(ctx); err != nil {
		return fmt.Errorf("ensure migration ledger: %w", err)
	}
	applied, err := m.appliedVersions(ctx)
	if err != nil {
		return fmt.Errorf("read migration ledger: %w", err)
	}
	pending, err := m.pendingMigrations(applied)
	if err != nil {
		return fmt.Errorf("scan %s: %w", m.dir, err)
	}
	if len(pending) == 0 {
		log.Printf("INFO: schema up to date (%d versions applied)", len(applied))
		return nil
	}

	for _, mig := range pending {
		if err := m.apply(ctx, mig); err != nil {
			return err
		}
		log.Printf("INFO: schema migration %s applied", mig.filename)
	}
	return nil
}

func (m *Migrator) apply(ctx context.Context, mig migration) error {
	stmt, err := os.ReadFile(filepath.Join(m.dir, mig.filename))
	if err != nil {
		return fmt.Errorf("read %s: %w", mig.filename, err)
	}
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin %s: %w", mig.filename, err)
	}
	if _, err := tx.ExecContext(ctx, string(stmt)); err != nil {
		tx.Rollback()
		return fmt.Errorf("exec %s: %w", mig.filename, err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO `+migrationLedger+` (version, filename) VALUES ($1, $2)`,
		mig.version, mig.filename,
	); err != nil {
		tx.Rollback()
		return fmt.Errorf("record %s: %w", mig.filename, err)
	}
	return tx.Commit()
}

// Down rolls back the most recently applied migration.
func (m *Migrator) Down(ctx context.Context) error {
	if err := m.ensureLedger(ctx); err != nil {
		return fmt.Errorf("ensure migration ledger: %w", err)
	}

	var version, filename string
	err := m.db.QueryRowContext(ctx,
		`SELECT version, filename FROM `+migrationLedger+` ORDER BY version DESC LIMIT 1`,
	).Scan(&version, &filename)
	if err == sql.ErrNoRows {
		log.Println("INFO: migration ledger empty, nothing to roll back")
		return nil
	}
	if err != nil {
		return fmt.Errorf("read migration ledger: %w", err)
	}

	downFile := strings.TrimSuffix(filename, ".up.sql") + ".down.sql"
	stmt, err := os.ReadFile(filepath.Join(m.dir, downFile))
	if err != nil {
		return fmt.Errorf("read %s: %w", downFile, err)
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin %s: %w", downFile, err)
	}
	if _, err := tx.ExecContext(ctx, string(stmt)); err != nil {
		tx.Rollback()
		return fmt.Errorf("exec %s: %w", downFile, err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM `+migrationLedger+` WHERE version = $1`, version,
	); err != nil {
		tx.Rollback()
		return fmt.Errorf("unrecord %s: %w", version, err)
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	log.Printf("INFO: schema version %s rolled back via %s", version, downFile)
	return nil
}

func (m *Migrator) ensureLedger(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS `+migrationLedger+` (
			version    TEXT PRIMARY KEY,
			filename   TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	return err
}

func (m *Migrator) appliedVersions(ctx context.Context) (map[string]bool, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT version FROM `+migrationLedger)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		applied[v] = true
	}
	return applied, rows.Err()
}

// pendingMigrations lists the up-files not yet in the ledger, sorted by
// version so zero-padded prefixes apply in order.
func (m *Migrator) pendingMigrations(applied map[string]bool) ([]migration, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, err
	}

	var pending []migration
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".up.sql") {
			continue
		}
		version := name
		if i := strings.IndexByte(name, '_'); i > 0 {
			version = name[:i]
		}
		if applied[version] {
			continue
		}
		pending = append(pending, migration{version: version, filename: name})
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].version < pending[j].version })
	return pending, nil
}
