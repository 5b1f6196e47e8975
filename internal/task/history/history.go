// Package history keeps an append-only record of task run outcomes in SQLite.
package history

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// DefaultListLimit caps ListForTask when no limit is given.
const DefaultListLimit = 50

// RunRecord is one terminal run outcome.
type RunRecord struct {
	ID          string    `db:"id" json:"id"`
	TaskID      string    `db:"task_id" json:"taskId"`
	TaskName    string    `db:"task_name" json:"taskName"`
	Source      string    `db:"source" json:"source"`
	Status      string    `db:"status" json:"status"`
	ExitCode    *int      `db:"exit_code" json:"exitCode"`
	BlockReason string    `db:"block_reason" json:"blockReason,omitempty"`
	StderrTail  string    `db:"stderr_tail" json:"stderrTail,omitempty"`
	Host        string    `db:"host" json:"host,omitempty"`
	StartedAt   time.Time `db:"started_at" json:"startedAt"`
	FinishedAt  time.Time `db:"finished_at" json:"finishedAt"`
}

// Duration is the wall-clock length of the run.
func (r *RunRecord) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// Repository stores run records.
type Repository struct {
	db     *sqlx.DB
	ownsDB bool
}

// Open opens (creating if needed) the history database at path.
func Open(path string) (*Repository, error) {
	dsn := MemoryPath
	if path != MemoryPath {
		normalized := normalizeSQLitePath(path)
		if err := ensureSQLiteDir(normalized); err != nil {
			return nil, fmt.Errorf("failed to prepare database path: %w", err)
		}
		dsn = fmt.Sprintf("file:%s?_mode=rwc&_busy_timeout=5000", normalized)
	}

	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite only supports one writer; an in-memory database is per connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	return newRepository(db, true)
}

// NewWithDB creates a repository over an existing connection (shared ownership).
func NewWithDB(db *sqlx.DB) (*Repository, error) {
	return newRepository(db, false)
}

func newRepository(db *sqlx.DB, ownsDB bool) (*Repository, error) {
	repo := &Repository{db: db, ownsDB: ownsDB}
	if err := repo.initSchema(); err != nil {
		if ownsDB {
			if closeErr := db.Close(); closeErr != nil {
				return nil, fmt.Errorf("failed to close database after schema error: %w", closeErr)
			}
		}
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return repo, nil
}

func (r *Repository) initSchema() error {
	_, err := r.db.Exec(`
	CREATE TABLE IF NOT EXISTS task_runs (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL,
		task_name TEXT NOT NULL DEFAULT '',
		source TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		exit_code INTEGER,
		block_reason TEXT NOT NULL DEFAULT '',
		stderr_tail TEXT NOT NULL DEFAULT '',
		host TEXT NOT NULL DEFAULT '',
		started_at TIMESTAMP NOT NULL,
		finished_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_task_runs_task_id ON task_runs(task_id, finished_at);
	`)
	return err
}

// Record appends a run record, assigning an id when empty.
func (r *Repository) Record(ctx context.Context, rec *RunRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO task_runs (id, task_id, task_name, source, status, exit_code, block_reason, stderr_tail, host, started_at, finished_at)
		VALUES (:id, :task_id, :task_name, :source, :status, :exit_code, :block_reason, :stderr_tail, :host, :started_at, :finished_at)
	`, rec)
	if err != nil {
		return fmt.Errorf("failed to record run %s: %w", rec.ID, err)
	}
	return nil
}

// ListForTask returns the most recent runs of a task, newest first.
func (r *Repository) ListForTask(ctx context.Context, taskID string, limit int) ([]*RunRecord, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	var records []*RunRecord
	err := r.db.SelectContext(ctx, &records, `
		SELECT id, task_id, task_name, source, status, exit_code, block_reason, stderr_tail, host, started_at, finished_at
		FROM task_runs
		WHERE task_id = ?
		ORDER BY finished_at DESC, rowid DESC
		LIMIT ?
	`, taskID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs for task %s: %w", taskID, err)
	}
	return records, nil
}

// DeleteForTask removes every run of a task.
func (r *Repository) DeleteForTask(ctx context.Context, taskID string) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM task_runs WHERE task_id = ?`, taskID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete runs for task %s: %w", taskID, err)
	}
	return res.RowsAffected()
}

// Close closes the database connection when owned.
func (r *Repository) Close() error {
	if !r.ownsDB {
		return nil
	}
	return r.db.Close()
}

func ensureSQLiteDir(dbPath string) error {
	dir := filepath.Dir(dbPath)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func normalizeSQLitePath(dbPath string) string {
	abs, err := filepath.Abs(dbPath)
	if err != nil {
		return dbPath
	}
	return abs
}
