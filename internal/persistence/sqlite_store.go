package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mkarren/stepflow/pkg/api"

	_ "modernc.org/sqlite" // pure-Go sqlite driver
)

// SQLiteStore persists runs and workflow definitions in a SQLite database.
// Use ":memory:" as the path for a throwaway store in tests.
type SQLiteStore struct {
	db *sql.DB
}

// SQLiteDSN turns a plain file path into a DSN with WAL and a busy
// timeout, so the store and the task queue can share one database file
// without tripping over SQLITE_BUSY. Paths that already carry DSN
// options are passed through untouched.
func SQLiteDSN(path string) string {
	if strings.HasPrefix(path, "file:") || strings.Contains(path, "?") || path == ":memory:" {
		return path
	}
	return "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
}

// NewSQLiteStore opens (and if needed creates) the database at path and
// ensures the schema exists.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", SQLiteDSN(path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// A single writer avoids SQLITE_BUSY under concurrent checkpoints.
	db.SetMaxOpenConns(1)
	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
CREATE TABLE IF NOT EXISTS workflows (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL DEFAULT '',
	definition BLOB NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS runs (
	execution_id TEXT PRIMARY KEY,
	workflow_id  TEXT NOT NULL,
	status       TEXT NOT NULL,
	snapshot     BLOB NOT NULL,
	created_at   TIMESTAMP NOT NULL,
	updated_at   TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_runs_workflow ON runs(workflow_id);
CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("init sqlite schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) CreateRun(ctx context.Context, run *api.RunState) error {
	snapshot, err := EncodeRun(run)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (execution_id, workflow_id, status, snapshot, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		run.ExecutionID, run.WorkflowID, string(run.CurrentStatus()), snapshot, now, now,
	)
	if err != nil {
		return fmt.Errorf("insert run %s: %w", run.ExecutionID, err)
	}
	return nil
}

func (s *SQLiteStore) GetRun(ctx context.Context, executionID string) (*api.RunState, error) {
	var snapshot []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT snapshot FROM runs WHERE execution_id = ?`, executionID,
	).Scan(&snapshot)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get run %s: %w", executionID, api.ErrRunNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", executionID, err)
	}
	return DecodeRun(snapshot)
}

func (s *SQLiteStore) UpdateRun(ctx context.Context, run *api.RunState) error {
	snapshot, err := EncodeRun(run)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, snapshot = ?, updated_at = ? WHERE execution_id = ?`,
		string(run.CurrentStatus()), snapshot, time.Now().UTC(), run.ExecutionID,
	)
	if err != nil {
		return fmt.Errorf("update run %s: %w", run.ExecutionID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("update run %s: %w", run.ExecutionID, api.ErrRunNotFound)
	}
	return nil
}

func (s *SQLiteStore) MergeRunMetadata(ctx context.Context, executionID string, patch map[string]any) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("merge metadata %s: %w", executionID, err)
	}
	defer tx.Rollback()

	var snapshot []byte
	err = tx.QueryRowContext(ctx,
		`SELECT snapshot FROM runs WHERE execution_id = ?`, executionID,
	).Scan(&snapshot)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("merge metadata %s: %w", executionID, api.ErrRunNotFound)
	}
	if err != nil {
		return fmt.Errorf("merge metadata %s: %w", executionID, err)
	}

	run, err := DecodeRun(snapshot)
	if err != nil {
		return err
	}
	for k, v := range patch {
		run.SetMetadata(k, v)
	}
	merged, err := EncodeRun(run)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE runs SET snapshot = ?, updated_at = ? WHERE execution_id = ?`,
		merged, time.Now().UTC(), executionID,
	); err != nil {
		return fmt.Errorf("merge metadata %s: %w", executionID, err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) ListRuns(ctx context.Context, workflowID string, status api.Status) ([]*api.RunState, error) {
	query := `SELECT snapshot FROM runs WHERE 1=1`
	var args []any
	if workflowID != "" {
		query += ` AND workflow_id = ?`
		args = append(args, workflowID)
	}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []*api.RunState
	for rows.Next() {
		var snapshot []byte
		if err := rows.Scan(&snapshot); err != nil {
			return nil, fmt.Errorf("list runs: %w", err)
		}
		run, err := DecodeRun(snapshot)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SaveWorkflow(ctx context.Context, def api.WorkflowDefinition) error {
	data, err := EncodeWorkflow(def)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflows (id, name, definition, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name = excluded.name, definition = excluded.definition, updated_at = excluded.updated_at`,
		def.ID, def.Name, data, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("save workflow %s: %w", def.ID, err)
	}
	return nil
}

func (s *SQLiteStore) GetWorkflow(ctx context.Context, workflowID string) (api.WorkflowDefinition, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT definition FROM workflows WHERE id = ?`, workflowID,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return api.WorkflowDefinition{}, fmt.Errorf("get workflow %s: %w", workflowID, api.ErrWorkflowNotFound)
	}
	if err != nil {
		return api.WorkflowDefinition{}, fmt.Errorf("get workflow %s: %w", workflowID, err)
	}
	return DecodeWorkflow(data)
}

func (s *SQLiteStore) ListWorkflows(ctx context.Context) ([]api.WorkflowDefinition, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT definition FROM workflows ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	defer rows.Close()

	var out []api.WorkflowDefinition
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("list workflows: %w", err)
		}
		def, err := DecodeWorkflow(data)
		if err != nil {
			return nil, err
		}
		out = append(out, def)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

var _ Store = (*SQLiteStore)(nil)
