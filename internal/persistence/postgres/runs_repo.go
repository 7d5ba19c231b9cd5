package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/emberquant/fxbacktest/internal/persistence"
)

type runsRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewRunsRepo builds a persistence.RunsRepo backed by Postgres.
func NewRunsRepo(db *sqlx.DB, timeout time.Duration) persistence.RunsRepo {
	return &runsRepo{db: db, timeout: timeout}
}

// Insert records one completed run's header.
func (r *runsRepo) Insert(ctx context.Context, run persistence.RunRecord) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO runs (run_id, direction, symbols, manifest_hash, started_at, ended_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		run.RunID, run.Direction, pq.Array(run.Symbols), run.ManifestHash, run.StartedAt, run.EndedAt)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return fmt.Errorf("duplicate run id %q: %w", run.RunID, err)
		}
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// GetByID returns the run header for runID, or nil if not found.
func (r *runsRepo) GetByID(ctx context.Context, runID string) (*persistence.RunRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	row := r.db.QueryRowxContext(ctx, `
		SELECT run_id, direction, symbols, manifest_hash, started_at, ended_at, created_at
		FROM runs WHERE run_id = $1`, runID)
	run, err := scanRun(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get run by id: %w", err)
	}
	return run, nil
}

// GetByManifestHash finds every run that shares a reproducibility fingerprint.
func (r *runsRepo) GetByManifestHash(ctx context.Context, hash string) ([]persistence.RunRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	rows, err := r.db.QueryxContext(ctx, `
		SELECT run_id, direction, symbols, manifest_hash, started_at, ended_at, created_at
		FROM runs WHERE manifest_hash = $1 ORDER BY created_at DESC`, hash)
	if err != nil {
		return nil, fmt.Errorf("get by manifest hash: %w", err)
	}
	defer rows.Close()
	return scanRuns(rows)
}

// ListRecent returns the most recently created runs, newest first.
func (r *runsRepo) ListRecent(ctx context.Context, limit int) ([]persistence.RunRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	rows, err := r.db.QueryxContext(ctx, `
		SELECT run_id, direction, symbols, manifest_hash, started_at, ended_at, created_at
		FROM runs ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent runs: %w", err)
	}
	defer rows.Close()
	return scanRuns(rows)
}

func scanRun(row *sqlx.Row) (*persistence.RunRecord, error) {
	var run persistence.RunRecord
	if err := row.Scan(&run.RunID, &run.Direction, pq.Array(&run.Symbols), &run.ManifestHash,
		&run.StartedAt, &run.EndedAt, &run.CreatedAt); err != nil {
		return nil, err
	}
	return &run, nil
}

func scanRuns(rows *sqlx.Rows) ([]persistence.RunRecord, error) {
	var out []persistence.RunRecord
	for rows.Next() {
		var run persistence.RunRecord
		if err := rows.Scan(&run.RunID, &run.Direction, pq.Array(&run.Symbols), &run.ManifestHash,
			&run.StartedAt, &run.EndedAt, &run.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
