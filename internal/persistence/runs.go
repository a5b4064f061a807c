package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/aristath/deploygraph/internal/scheduler"
)

// BeginRun registers a new run and stores its initial snapshot. Returns the
// generated run ID.
func (s *SQLiteStore) BeginRun(ctx context.Context, snap scheduler.Snapshot) (string, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return "", fmt.Errorf("failed to encode snapshot: %w", err)
	}

	runID := uuid.NewString()
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO runs (id, cluster, status, started_at)
			VALUES (?, ?, ?, ?)
		`, runID, snap.Cluster, RunRunning, time.Now().UTC()); err != nil {
			return fmt.Errorf("failed to insert run: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO snapshots (run_id, data) VALUES (?, ?)
		`, runID, string(data)); err != nil {
			return fmt.Errorf("failed to insert snapshot: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return runID, nil
}

// FinishRun records the outcome of a run.
func (s *SQLiteStore) FinishRun(ctx context.Context, runID, status, reason string) error {
	switch status {
	case RunSuccessful, RunFailed, RunCancelled:
	default:
		return fmt.Errorf("invalid run outcome %q", status)
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE runs SET status = ?, reason = ?, finished_at = ?
			WHERE id = ?
		`, status, reason, time.Now().UTC(), runID)
		if err != nil {
			return fmt.Errorf("failed to finish run: %w", err)
		}
		return requireRow(res, runID)
	})
}

// GetRun returns a single run.
func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, cluster, status, reason, started_at, finished_at
		FROM runs WHERE id = ?
	`, runID)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return run, err
}

// ListRuns returns every run, oldest first.
func (s *SQLiteStore) ListRuns(ctx context.Context) ([]Run, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, cluster, status, reason, started_at, finished_at
		FROM runs
		ORDER BY started_at ASC, rowid ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	runs := []Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}
	return runs, nil
}

// LatestRun returns the most recently started run of the named cluster.
func (s *SQLiteStore) LatestRun(ctx context.Context, cluster string) (Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, cluster, status, reason, started_at, finished_at
		FROM runs
		WHERE cluster = ?
		ORDER BY started_at DESC, rowid DESC
		LIMIT 1
	`, cluster)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, fmt.Errorf("%w: no runs for cluster %q", ErrRunNotFound, cluster)
	}
	return run, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (Run, error) {
	var (
		run      Run
		finished sql.NullTime
	)
	if err := row.Scan(&run.ID, &run.Cluster, &run.Status, &run.Reason, &run.StartedAt, &finished); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Run{}, err
		}
		return Run{}, fmt.Errorf("failed to scan run: %w", err)
	}
	if finished.Valid {
		t := finished.Time
		run.FinishedAt = &t
	}
	return run, nil
}

func requireRow(res sql.Result, runID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return nil
}
