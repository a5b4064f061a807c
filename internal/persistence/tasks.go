package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aristath/deploygraph/internal/scheduler"
)

// SaveSnapshot replaces the stored snapshot of a run. Task and node rows
// recorded before the snapshot are folded into it and cleared.
func (s *SQLiteStore) SaveSnapshot(ctx context.Context, runID string, snap scheduler.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE snapshots SET data = ?, updated_at = CURRENT_TIMESTAMP
			WHERE run_id = ?
		`, string(data), runID)
		if err != nil {
			return fmt.Errorf("failed to save snapshot: %w", err)
		}
		if err := requireRow(res, runID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM task_status WHERE run_id = ?`, runID); err != nil {
			return fmt.Errorf("failed to clear task status: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM node_status WHERE run_id = ?`, runID); err != nil {
			return fmt.Errorf("failed to clear node status: %w", err)
		}
		return nil
	})
}

// LoadSnapshot returns the latest known state of a run: the stored snapshot
// with every task and node status recorded since applied on top.
func (s *SQLiteStore) LoadSnapshot(ctx context.Context, runID string) (scheduler.Snapshot, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM snapshots WHERE run_id = ?`, runID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return scheduler.Snapshot{}, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if err != nil {
		return scheduler.Snapshot{}, fmt.Errorf("failed to query snapshot: %w", err)
	}

	var snap scheduler.Snapshot
	if err := json.Unmarshal([]byte(data), &snap); err != nil {
		return scheduler.Snapshot{}, fmt.Errorf("failed to decode snapshot: %w", err)
	}

	tasks, err := s.statusRows(ctx, `SELECT task_id, status FROM task_status WHERE run_id = ?`, runID)
	if err != nil {
		return scheduler.Snapshot{}, err
	}
	nodes, err := s.statusRows(ctx, `SELECT node_uid, status FROM node_status WHERE run_id = ?`, runID)
	if err != nil {
		return scheduler.Snapshot{}, err
	}

	for i := range snap.Nodes {
		node := &snap.Nodes[i]
		if status, ok := nodes[node.UID]; ok {
			node.Status = status
		}
		for j := range node.Tasks {
			id := scheduler.TaskID{Node: node.UID, Name: node.Tasks[j].Name}
			if status, ok := tasks[id.String()]; ok {
				node.Tasks[j].Status = status
			}
		}
	}
	return snap, nil
}

func (s *SQLiteStore) statusRows(ctx context.Context, query, runID string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query status: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var key, status string
		if err := rows.Scan(&key, &status); err != nil {
			return nil, fmt.Errorf("failed to scan status: %w", err)
		}
		out[key] = status
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating status: %w", err)
	}
	return out, nil
}

// UpdateTaskStatus records a task status change and appends it to the task's
// history.
func (s *SQLiteStore) UpdateTaskStatus(ctx context.Context, runID string, id scheduler.TaskID, status scheduler.TaskStatus, taskErr error) error {
	errorStr := ""
	if taskErr != nil {
		errorStr = taskErr.Error()
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO task_status (run_id, task_id, status, error)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(run_id, task_id) DO UPDATE SET
				status = excluded.status,
				error = excluded.error,
				updated_at = CURRENT_TIMESTAMP
		`, runID, id.String(), status.String(), errorStr)
		if err != nil {
			return fmt.Errorf("failed to update task status: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO task_history (run_id, task_id, status, error, timestamp)
			VALUES (?, ?, ?, ?, ?)
		`, runID, id.String(), status.String(), errorStr, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("failed to append task history: %w", err)
		}
		return nil
	})
}

// UpdateNodeStatus records a node status change.
func (s *SQLiteStore) UpdateNodeStatus(ctx context.Context, runID, uid string, status scheduler.NodeStatus) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO node_status (run_id, node_uid, status)
			VALUES (?, ?, ?)
			ON CONFLICT(run_id, node_uid) DO UPDATE SET
				status = excluded.status,
				updated_at = CURRENT_TIMESTAMP
		`, runID, uid, status.String())
		if err != nil {
			return fmt.Errorf("failed to update node status: %w", err)
		}
		return nil
	})
}

// TaskHistory returns every recorded status change of a task in
// chronological order. Returns an empty slice (not nil) if there is none.
func (s *SQLiteStore) TaskHistory(ctx context.Context, runID string, id scheduler.TaskID) ([]Transition, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	// Double sort: timestamp ASC, id ASC keeps order stable for equal timestamps.
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, error, timestamp
		FROM task_history
		WHERE run_id = ? AND task_id = ?
		ORDER BY timestamp ASC, id ASC
	`, runID, id.String())
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	history := []Transition{}
	for rows.Next() {
		var (
			tr     Transition
			status string
		)
		if err := rows.Scan(&status, &tr.Error, &tr.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan transition: %w", err)
		}
		if tr.Status, err = scheduler.ParseTaskStatus(status); err != nil {
			return nil, err
		}
		history = append(history, tr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating history: %w", err)
	}
	return history, nil
}
