package taskqueue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mkarren/stepflow/internal/persistence"

	_ "modernc.org/sqlite" // pure-Go sqlite driver
)

// SQLiteQueue is a durable FIFO queue on a SQLite table. Dequeue polls at a
// fixed interval; each claim deletes the row inside a transaction so a task
// is handed to at most one worker per enqueue.
type SQLiteQueue struct {
	db           *sql.DB
	pollInterval time.Duration
}

// NewSQLiteQueue opens the database at path and ensures the tasks table.
// A pollInterval of zero defaults to 100ms.
func NewSQLiteQueue(path string, pollInterval time.Duration) (*SQLiteQueue, error) {
	if pollInterval <= 0 {
		pollInterval = 100 * time.Millisecond
	}
	db, err := sql.Open("sqlite", persistence.SQLiteDSN(path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite queue %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	q := &SQLiteQueue{db: db, pollInterval: pollInterval}
	if err := q.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return q, nil
}

func (q *SQLiteQueue) initSchema() error {
	schema := `
CREATE TABLE IF NOT EXISTS tasks (
	id          TEXT PRIMARY KEY,
	payload     BLOB NOT NULL,
	enqueued_at TIMESTAMP NOT NULL,
	not_before  TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_tasks_enqueued ON tasks(enqueued_at);
`
	if _, err := q.db.Exec(schema); err != nil {
		return fmt.Errorf("init sqlite queue schema: %w", err)
	}
	return nil
}

func (q *SQLiteQueue) Enqueue(ctx context.Context, t Task) error {
	payload, err := EncodeTask(t)
	if err != nil {
		return err
	}
	var notBefore any
	if !t.NotBefore.IsZero() {
		notBefore = t.NotBefore.UTC()
	}
	_, err = q.db.ExecContext(ctx,
		`INSERT INTO tasks (id, payload, enqueued_at, not_before) VALUES (?, ?, ?, ?)`,
		t.ID, payload, t.EnqueuedAt.UTC(), notBefore,
	)
	if err != nil {
		return fmt.Errorf("enqueue task %s: %w", t.ID, err)
	}
	return nil
}

func (q *SQLiteQueue) Dequeue(ctx context.Context) (Task, error) {
	ticker := time.NewTicker(q.pollInterval)
	defer ticker.Stop()
	for {
		t, ok, err := q.tryClaim(ctx)
		if err != nil {
			return Task{}, err
		}
		if ok {
			return t, nil
		}
		select {
		case <-ctx.Done():
			return Task{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (q *SQLiteQueue) tryClaim(ctx context.Context) (Task, bool, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return Task{}, false, fmt.Errorf("claim task: %w", err)
	}
	defer tx.Rollback()

	var (
		id      string
		payload []byte
	)
	err = tx.QueryRowContext(ctx,
		`SELECT id, payload FROM tasks
		 WHERE not_before IS NULL OR not_before <= ?
		 ORDER BY enqueued_at LIMIT 1`,
		time.Now().UTC(),
	).Scan(&id, &payload)
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, false, nil
	}
	if err != nil {
		return Task{}, false, fmt.Errorf("claim task: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id); err != nil {
		return Task{}, false, fmt.Errorf("claim task %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return Task{}, false, fmt.Errorf("claim task %s: %w", id, err)
	}
	t, err := DecodeTask(payload)
	if err != nil {
		return Task{}, false, err
	}
	return t, true, nil
}

func (q *SQLiteQueue) Len(ctx context.Context) (int, error) {
	var n int
	if err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks`).Scan(&n); err != nil {
		return 0, fmt.Errorf("queue len: %w", err)
	}
	return n, nil
}

func (q *SQLiteQueue) Close() error { return q.db.Close() }

var _ Queue = (*SQLiteQueue)(nil)
