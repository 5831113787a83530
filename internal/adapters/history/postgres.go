// Package history implements the sync-run ledger backing the operator
// GET /metrics/history endpoint: a pgx-backed append-only log of past
// RunResults, kept deliberately separate from the state package's
// StateStore (the authoritative SKU state lives in flat JSON files;
// this is an optional, best-effort introspection aid — see DESIGN.md
// for why pgx was not used for the state store itself).
//
// Grounded on the teacher's pgxpool bootstrap in
// internal/adapters/storage/postgres.go, trimmed from a full product
// CRUD repository down to a single append/list pair.
package history

import (
	"context"
	"fmt"
	"time"

	"github.com/athebyme/storesync/internal/domain/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Ledger is the history store's port. The core never imports pgx
// directly; callers (the Scheduler, the operator HTTP surface) depend on
// this interface so the ledger can be swapped or disabled.
type Ledger interface {
	RecordRun(ctx context.Context, result models.RunResult) error
	RecentRuns(ctx context.Context, storeID int, limit int) ([]RunRecord, error)
	Close() error
}

// RunRecord is one persisted row, RunResult plus the timestamp the
// ledger assigned it.
type RunRecord struct {
	RunID           string
	StoreID         int
	Mode            string
	Outcome         string
	ItemsPushed     int
	InventoryPushed int
	ErrorMessage    string
	RecordedAt      time.Time
}

type PostgresLedger struct {
	pool *pgxpool.Pool
}

// NewPostgresLedger connects and ensures the sync_runs table exists.
func NewPostgresLedger(ctx context.Context, connectionString string) (*PostgresLedger, error) {
	pool, err := pgxpool.New(ctx, connectionString)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}

	if err := ensureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresLedger{pool: pool}, nil
}

func ensureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS sync_runs (
			run_id           TEXT PRIMARY KEY,
			store_id         INTEGER NOT NULL,
			mode             TEXT NOT NULL,
			outcome          TEXT NOT NULL,
			items_pushed     INTEGER NOT NULL,
			inventory_pushed INTEGER NOT NULL,
			error_message    TEXT NOT NULL DEFAULT '',
			recorded_at      TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE INDEX IF NOT EXISTS idx_sync_runs_store_id_recorded_at
			ON sync_runs (store_id, recorded_at DESC);
	`)
	if err != nil {
		return fmt.Errorf("ensuring sync_runs schema: %w", err)
	}
	return nil
}

func (l *PostgresLedger) RecordRun(ctx context.Context, result models.RunResult) error {
	errMsg := ""
	if result.Err != nil {
		errMsg = result.Err.Error()
	}
	_, err := l.pool.Exec(ctx, `
		INSERT INTO sync_runs (run_id, store_id, mode, outcome, items_pushed, inventory_pushed, error_message)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (run_id) DO NOTHING
	`, result.RunID, result.StoreID, string(result.Mode), string(result.Outcome), result.ItemsPushed, result.InventoryPushed, errMsg)
	if err != nil {
		return fmt.Errorf("recording sync run: %w", err)
	}
	return nil
}

func (l *PostgresLedger) RecentRuns(ctx context.Context, storeID int, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	var rows pgx.Rows
	var err error
	if storeID > 0 {
		rows, err = l.pool.Query(ctx, `
			SELECT run_id, store_id, mode, outcome, items_pushed, inventory_pushed, error_message, recorded_at
			FROM sync_runs WHERE store_id = $1 ORDER BY recorded_at DESC LIMIT $2
		`, storeID, limit)
	} else {
		rows, err = l.pool.Query(ctx, `
			SELECT run_id, store_id, mode, outcome, items_pushed, inventory_pushed, error_message, recorded_at
			FROM sync_runs ORDER BY recorded_at DESC LIMIT $1
		`, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("querying sync run history: %w", err)
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		var rec RunRecord
		if err := rows.Scan(&rec.RunID, &rec.StoreID, &rec.Mode, &rec.Outcome, &rec.ItemsPushed, &rec.InventoryPushed, &rec.ErrorMessage, &rec.RecordedAt); err != nil {
			return nil, fmt.Errorf("scanning sync run row: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (l *PostgresLedger) Close() error {
	l.pool.Close()
	return nil
}
