package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/aristath/deploygraph/internal/scheduler"
)

// ErrRunNotFound is returned when a run ID is unknown to the journal.
var ErrRunNotFound = errors.New("run not found")

// Run outcomes recorded by FinishRun.
const (
	RunRunning    = "running"
	RunSuccessful = "successful"
	RunFailed     = "failed"
	RunCancelled  = "cancelled"
)

// Run is one recorded execution of a cluster.
type Run struct {
	ID         string
	Cluster    string
	Status     string
	Reason     string
	StartedAt  time.Time
	FinishedAt *time.Time
}

// Transition is one recorded task status change.
type Transition struct {
	Status    scheduler.TaskStatus
	Error     string
	Timestamp time.Time
}

// Journal records the progress of cluster runs so an interrupted run can be
// resumed.
type Journal interface {
	// Run lifecycle
	BeginRun(ctx context.Context, snap scheduler.Snapshot) (string, error)
	FinishRun(ctx context.Context, runID, status, reason string) error
	GetRun(ctx context.Context, runID string) (Run, error)
	ListRuns(ctx context.Context) ([]Run, error)
	LatestRun(ctx context.Context, cluster string) (Run, error)

	// State
	SaveSnapshot(ctx context.Context, runID string, snap scheduler.Snapshot) error
	LoadSnapshot(ctx context.Context, runID string) (scheduler.Snapshot, error)
	UpdateTaskStatus(ctx context.Context, runID string, id scheduler.TaskID, status scheduler.TaskStatus, taskErr error) error
	UpdateNodeStatus(ctx context.Context, runID, uid string, status scheduler.NodeStatus) error
	TaskHistory(ctx context.Context, runID string, id scheduler.TaskID) ([]Transition, error)

	// Lifecycle
	Close() error
}

// SQLiteStore implements Journal using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

var _ Journal = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite-backed journal at the given path.
// Creates parent directories if needed. Enables WAL mode, foreign keys, and busy timeout.
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create parent directories: %w", err)
	}

	// modernc.org/sqlite ignores _foreign_keys in the DSN; see open.
	connStr := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", dbPath)
	return open(ctx, connStr)
}

// NewMemoryStore creates an in-memory journal for testing. Every call gets
// its own database.
func NewMemoryStore(ctx context.Context) (*SQLiteStore, error) {
	connStr := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	return open(ctx, connStr)
}

func open(ctx context.Context, connStr string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	// Allow 2 connections: one for primary queries, one for subqueries.
	db.SetMaxOpenConns(2)

	store := &SQLiteStore{db: db}
	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// withTx runs fn in a serializable transaction with a 5 second timeout.
func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
