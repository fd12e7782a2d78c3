package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/me/dispatchd/pkg/model"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and returns a Store.
// Use ":memory:" for an in-memory database (useful in tests).
func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma wal: %w", err)
	}

	return &SQLiteStore{
		db:     db,
		logger: logger.With("component", "store"),
	}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Migrate creates all required tables and indexes.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	s.logger.Debug("sql", "op", "migrate")
	return migrate(ctx, s.db)
}

// --- Workers ---

func (s *SQLiteStore) UpsertWorker(ctx context.Context, w *model.Worker) error {
	s.logger.Debug("sql", "op", "upsert", "table", "workers", "shard", w.Shard)

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO workers (shard, hostname, addr, instance_id, state, last_seen, registered_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(shard) DO UPDATE SET
		   hostname = excluded.hostname,
		   addr = excluded.addr,
		   instance_id = excluded.instance_id,
		   state = excluded.state,
		   last_seen = excluded.last_seen`,
		w.Shard, w.Hostname, w.Addr, w.InstanceID, string(w.State),
		w.LastSeen.Format(time.RFC3339Nano), w.RegisteredAt.Format(time.RFC3339Nano),
	)
	return err
}

func (s *SQLiteStore) GetWorker(ctx context.Context, shard string) (*model.Worker, error) {
	s.logger.Debug("sql", "op", "select", "table", "workers", "shard", shard)

	row := s.db.QueryRowContext(ctx,
		`SELECT shard, hostname, addr, instance_id, state, last_seen, registered_at
		 FROM workers WHERE shard = ?`, shard)
	w, err := scanWorker(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return w, nil
}

func (s *SQLiteStore) ListWorkers(ctx context.Context) ([]*model.Worker, error) {
	s.logger.Debug("sql", "op", "select", "table", "workers")

	rows, err := s.db.QueryContext(ctx,
		`SELECT shard, hostname, addr, instance_id, state, last_seen, registered_at
		 FROM workers ORDER BY shard`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var workers []*model.Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, err
		}
		workers = append(workers, w)
	}
	return workers, rows.Err()
}

func (s *SQLiteStore) UpdateWorkerState(ctx context.Context, shard string, state model.WorkerState) error {
	s.logger.Debug("sql", "op", "update", "table", "workers", "shard", shard, "state", state)

	_, err := s.db.ExecContext(ctx,
		`UPDATE workers SET state = ?, last_seen = ? WHERE shard = ?`,
		string(state), time.Now().UTC().Format(time.RFC3339Nano), shard)
	return err
}

func (s *SQLiteStore) DeleteWorker(ctx context.Context, shard string) error {
	s.logger.Debug("sql", "op", "delete", "table", "workers", "shard", shard)

	if _, err := s.db.ExecContext(ctx, `DELETE FROM running_tasks WHERE shard = ?`, shard); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM workers WHERE shard = ?`, shard)
	return err
}

// scanner abstracts sql.Row and sql.Rows for scanWorker.
type scanner interface {
	Scan(dest ...any) error
}

func scanWorker(row scanner) (*model.Worker, error) {
	var w model.Worker
	var state, lastSeen, registeredAt string

	if err := row.Scan(&w.Shard, &w.Hostname, &w.Addr, &w.InstanceID, &state, &lastSeen, &registeredAt); err != nil {
		return nil, err
	}
	w.State = model.WorkerState(state)

	var err error
	if w.LastSeen, err = time.Parse(time.RFC3339Nano, lastSeen); err != nil {
		return nil, fmt.Errorf("parse last_seen: %w", err)
	}
	if w.RegisteredAt, err = time.Parse(time.RFC3339Nano, registeredAt); err != nil {
		return nil, fmt.Errorf("parse registered_at: %w", err)
	}
	return &w, nil
}

// --- Running-task ledger ---

func (s *SQLiteStore) RecordRunningTask(ctx context.Context, rt model.RunningTask) error {
	s.logger.Debug("sql", "op", "upsert", "table", "running_tasks", "task_id", rt.TaskID)

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO running_tasks (task_id, shard, started_at) VALUES (?, ?, ?)
		 ON CONFLICT(task_id) DO UPDATE SET shard = excluded.shard, started_at = excluded.started_at`,
		rt.TaskID, rt.Shard, rt.StartedAt.Format(time.RFC3339Nano))
	return err
}

func (s *SQLiteStore) GetRunningTask(ctx context.Context, taskID string) (*model.RunningTask, error) {
	s.logger.Debug("sql", "op", "select", "table", "running_tasks", "task_id", taskID)

	row := s.db.QueryRowContext(ctx,
		`SELECT task_id, shard, started_at FROM running_tasks WHERE task_id = ?`, taskID)
	var rt model.RunningTask
	var startedAt string
	err := row.Scan(&rt.TaskID, &rt.Shard, &startedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if rt.StartedAt, err = time.Parse(time.RFC3339Nano, startedAt); err != nil {
		return nil, fmt.Errorf("parse started_at: %w", err)
	}
	return &rt, nil
}

func (s *SQLiteStore) DeleteRunningTask(ctx context.Context, taskID string) error {
	s.logger.Debug("sql", "op", "delete", "table", "running_tasks", "task_id", taskID)

	_, err := s.db.ExecContext(ctx, `DELETE FROM running_tasks WHERE task_id = ?`, taskID)
	return err
}

func (s *SQLiteStore) ListRunningTasks(ctx context.Context, shard string) ([]model.RunningTask, error) {
	s.logger.Debug("sql", "op", "select", "table", "running_tasks", "shard", shard)

	rows, err := s.db.QueryContext(ctx,
		`SELECT task_id, shard, started_at FROM running_tasks WHERE shard = ? ORDER BY task_id`, shard)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []model.RunningTask
	for rows.Next() {
		var rt model.RunningTask
		var startedAt string
		if err := rows.Scan(&rt.TaskID, &rt.Shard, &startedAt); err != nil {
			return nil, err
		}
		if rt.StartedAt, err = time.Parse(time.RFC3339Nano, startedAt); err != nil {
			return nil, fmt.Errorf("parse started_at: %w", err)
		}
		tasks = append(tasks, rt)
	}
	return tasks, rows.Err()
}

func (s *SQLiteStore) ShardsWithRunningTasks(ctx context.Context) ([]string, error) {
	s.logger.Debug("sql", "op", "select", "table", "running_tasks", "distinct", "shard")

	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT shard FROM running_tasks ORDER BY shard`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var shards []string
	for rows.Next() {
		var shard string
		if err := rows.Scan(&shard); err != nil {
			return nil, err
		}
		shards = append(shards, shard)
	}
	return shards, rows.Err()
}

// --- Tasks ---

func (s *SQLiteStore) CreateTask(ctx context.Context, task *model.Task) error {
	s.logger.Debug("sql", "op", "insert", "table", "tasks", "id", task.ID)

	commandJSON, err := json.Marshal(task.Command)
	if err != nil {
		return fmt.Errorf("marshal command: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tasks (id, command, host_pin, state, shard, exit_code, retry_count, max_retries, created_at, started_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID, string(commandJSON), task.HostPin, string(task.State), task.Shard,
		task.ExitCode, task.RetryCount, task.MaxRetries,
		task.CreatedAt.Format(time.RFC3339Nano),
		formatTimePtr(task.StartedAt), formatTimePtr(task.CompletedAt),
	)
	return err
}

func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*model.Task, error) {
	s.logger.Debug("sql", "op", "select", "table", "tasks", "id", id)

	row := s.db.QueryRowContext(ctx,
		`SELECT id, command, host_pin, state, shard, exit_code, retry_count, max_retries, created_at, started_at, completed_at
		 FROM tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return task, nil
}

func (s *SQLiteStore) ListTasks(ctx context.Context, opts model.ListOptions) ([]*model.Task, int, error) {
	s.logger.Debug("sql", "op", "select", "table", "tasks", "state", opts.State)
	opts.Clamp()

	where, args := "", []any{}
	if opts.State != "" {
		where = " WHERE state = ?"
		args = append(args, opts.State)
	}

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM tasks"+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	args = append(args, opts.Limit, opts.Offset)
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, command, host_pin, state, shard, exit_code, retry_count, max_retries, created_at, started_at, completed_at
		 FROM tasks`+where+` ORDER BY created_at DESC LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var tasks []*model.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, 0, err
		}
		tasks = append(tasks, task)
	}
	return tasks, total, rows.Err()
}

func (s *SQLiteStore) UpdateTask(ctx context.Context, task *model.Task) error {
	s.logger.Debug("sql", "op", "update", "table", "tasks", "id", task.ID, "state", task.State)

	_, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET state = ?, shard = ?, exit_code = ?, retry_count = ?, started_at = ?, completed_at = ?
		 WHERE id = ?`,
		string(task.State), task.Shard, task.ExitCode, task.RetryCount,
		formatTimePtr(task.StartedAt), formatTimePtr(task.CompletedAt), task.ID)
	return err
}

func (s *SQLiteStore) GetTasksByState(ctx context.Context, state model.TaskState) ([]*model.Task, error) {
	s.logger.Debug("sql", "op", "select", "table", "tasks", "state", state)

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, command, host_pin, state, shard, exit_code, retry_count, max_retries, created_at, started_at, completed_at
		 FROM tasks WHERE state = ? ORDER BY created_at`, string(state))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*model.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

func scanTask(row scanner) (*model.Task, error) {
	var task model.Task
	var commandJSON, state, createdAt string
	var startedAt, completedAt sql.NullString

	if err := row.Scan(&task.ID, &commandJSON, &task.HostPin, &state, &task.Shard,
		&task.ExitCode, &task.RetryCount, &task.MaxRetries,
		&createdAt, &startedAt, &completedAt); err != nil {
		return nil, err
	}
	task.State = model.TaskState(state)

	if err := json.Unmarshal([]byte(commandJSON), &task.Command); err != nil {
		return nil, fmt.Errorf("unmarshal command: %w", err)
	}

	var err error
	if task.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if task.StartedAt, err = parseTimePtr(startedAt); err != nil {
		return nil, fmt.Errorf("parse started_at: %w", err)
	}
	if task.CompletedAt, err = parseTimePtr(completedAt); err != nil {
		return nil, fmt.Errorf("parse completed_at: %w", err)
	}
	return &task, nil
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Format(time.RFC3339Nano)
}

func parseTimePtr(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
