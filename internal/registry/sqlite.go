// Package registry persists tasks. Every write is a single statement so a
// crash never leaves a task half-updated.
package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"seoflow/internal/domain"
	"seoflow/internal/sqldb"
)

var (
	ErrNotFound    = errors.New("task not found")
	ErrDuplicateID = errors.New("task id already exists")
)

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(db *sqldb.DB) error {
	stmts := []string{`
CREATE TABLE IF NOT EXISTS tasks (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL DEFAULT '',
  kind TEXT NOT NULL,
  payload TEXT NOT NULL,
  trigger_spec TEXT NOT NULL,
  priority INTEGER NOT NULL DEFAULT 2,
  status TEXT NOT NULL DEFAULT 'pending',
  created_at BIGINT NOT NULL,
  updated_at BIGINT NOT NULL,
  last_run_at BIGINT,
  next_run_at BIGINT,
  run_count INTEGER NOT NULL DEFAULT 0,
  max_runs INTEGER NOT NULL DEFAULT 0,
  retry_count INTEGER NOT NULL DEFAULT 0,
  max_retries INTEGER NOT NULL DEFAULT 3,
  timeout_ms BIGINT NOT NULL,
  last_result TEXT NOT NULL DEFAULT '',
  last_error TEXT NOT NULL DEFAULT ''
)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_due ON tasks(status, next_run_at, priority DESC)`,
		`
CREATE TABLE IF NOT EXISTS tasks_quarantine (
  id TEXT NOT NULL,
  raw TEXT NOT NULL,
  reason TEXT NOT NULL,
  quarantined_at BIGINT NOT NULL
)`,
	}
	return db.ExecAll(stmts...)
}

// NewID returns a fresh task id.
func NewID() string { return "tsk_" + uuid.NewString() }

type Filter struct {
	Status *domain.Status
	Kind   domain.Kind
	Limit  int
}

type Repository interface {
	Insert(ctx context.Context, t domain.Task) error
	Put(ctx context.Context, t domain.Task) error
	Transition(ctx context.Context, t domain.Task, from domain.Status) (bool, error)
	Get(ctx context.Context, id string) (domain.Task, error)
	Delete(ctx context.Context, id string) (bool, error)
	List(ctx context.Context, f Filter) ([]domain.Task, error)
	ListDue(ctx context.Context, now time.Time) ([]domain.Task, error)
	CountByStatus(ctx context.Context) (map[domain.Status]int, error)
	DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error)
	Sweep(ctx context.Context) (int, error)
}

type SQLRepository struct{ db *sqldb.DB }

func NewSQLRepository(db *sqldb.DB) *SQLRepository { return &SQLRepository{db: db} }

const columns = `id,name,kind,payload,trigger_spec,priority,status,created_at,updated_at,last_run_at,next_run_at,run_count,max_runs,retry_count,max_retries,timeout_ms,last_result,last_error`

// Insert stores a new task. It fails with ErrDuplicateID when the id is taken.
func (r *SQLRepository) Insert(ctx context.Context, t domain.Task) error {
	args, err := encode(t)
	if err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`
INSERT INTO tasks (`+columns+`)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO NOTHING`), args...)
	if err != nil {
		return fmt.Errorf("insert task %s: %w", t.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrDuplicateID, t.ID)
	}
	return nil
}

// Put writes the task unconditionally, inserting it if needed.
func (r *SQLRepository) Put(ctx context.Context, t domain.Task) error {
	args, err := encode(t)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, r.db.Rebind(`
INSERT INTO tasks (`+columns+`)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET
  name=excluded.name, kind=excluded.kind, payload=excluded.payload, trigger_spec=excluded.trigger_spec,
  priority=excluded.priority, status=excluded.status, updated_at=excluded.updated_at,
  last_run_at=excluded.last_run_at, next_run_at=excluded.next_run_at, run_count=excluded.run_count,
  max_runs=excluded.max_runs, retry_count=excluded.retry_count, max_retries=excluded.max_retries,
  timeout_ms=excluded.timeout_ms, last_result=excluded.last_result, last_error=excluded.last_error`), args...)
	if err != nil {
		return fmt.Errorf("put task %s: %w", t.ID, err)
	}
	return nil
}

// Transition writes t only if the stored row is still in status from.
// It reports false when the row is gone or has moved on.
func (r *SQLRepository) Transition(ctx context.Context, t domain.Task, from domain.Status) (bool, error) {
	args, err := encode(t)
	if err != nil {
		return false, err
	}
	// encode order: id first, the rest follow; reorder for SET ... WHERE id.
	set := append(append([]any{}, args[1:]...), t.ID, string(from))
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`
UPDATE tasks SET
  name=?, kind=?, payload=?, trigger_spec=?, priority=?, status=?, created_at=?, updated_at=?,
  last_run_at=?, next_run_at=?, run_count=?, max_runs=?, retry_count=?, max_retries=?,
  timeout_ms=?, last_result=?, last_error=?
WHERE id=? AND status=?`), set...)
	if err != nil {
		return false, fmt.Errorf("transition task %s: %w", t.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Claim moves a due pending task to running and returns the row as stored.
// Only status and run timestamps are written, so a caller holding an old copy
// of the task cannot roll its counters back. It reports false when the task is
// gone, not pending or not due at now.
func (r *SQLRepository) Claim(ctx context.Context, id string, now time.Time) (domain.Task, bool, error) {
	ms := sqldb.Millis(now)
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`
UPDATE tasks SET status='running', last_run_at=?, updated_at=?
WHERE id=? AND status='pending' AND next_run_at IS NOT NULL AND next_run_at <= ?`), ms, ms, id, ms)
	if err != nil {
		return domain.Task{}, false, fmt.Errorf("claim task %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err != nil || n == 0 {
		return domain.Task{}, false, err
	}
	t, err := r.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		// deleted right after the claim
		return domain.Task{}, false, nil
	}
	if err != nil {
		return domain.Task{}, false, err
	}
	return t, true, nil
}

func (r *SQLRepository) Get(ctx context.Context, id string) (domain.Task, error) {
	row := r.db.QueryRowContext(ctx, r.db.Rebind(`SELECT `+columns+` FROM tasks WHERE id=?`), id)
	var raw rawTask
	if err := raw.scan(row); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Task{}, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return domain.Task{}, err
	}
	return raw.decode()
}

func (r *SQLRepository) Delete(ctx context.Context, id string) (bool, error) {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`DELETE FROM tasks WHERE id=?`), id)
	if err != nil {
		return false, fmt.Errorf("delete task %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// List returns tasks in dispatch order: priority DESC, created_at ASC.
func (r *SQLRepository) List(ctx context.Context, f Filter) ([]domain.Task, error) {
	var (
		where []string
		args  []any
	)
	if f.Status != nil {
		where = append(where, "status=?")
		args = append(args, string(*f.Status))
	}
	if f.Kind != "" {
		where = append(where, "kind=?")
		args = append(args, string(f.Kind))
	}
	q := `SELECT ` + columns + ` FROM tasks`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY priority DESC, created_at ASC"
	if f.Limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", f.Limit)
	}
	return r.query(ctx, q, args...)
}

// ListDue returns pending tasks whose next run is at or before now.
func (r *SQLRepository) ListDue(ctx context.Context, now time.Time) ([]domain.Task, error) {
	return r.query(ctx, `SELECT `+columns+` FROM tasks
WHERE status='pending' AND next_run_at IS NOT NULL AND next_run_at <= ?
ORDER BY priority DESC, created_at ASC`, sqldb.Millis(now))
}

func (r *SQLRepository) CountByStatus(ctx context.Context) (map[domain.Status]int, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := make(map[domain.Status]int)
	for rows.Next() {
		var (
			s string
			n int
		)
		if err := rows.Scan(&s, &n); err != nil {
			return nil, err
		}
		counts[domain.Status(s)] = n
	}
	return counts, rows.Err()
}

// DeleteFinishedBefore reaps completed, failed and cancelled tasks last touched before cutoff.
func (r *SQLRepository) DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`
DELETE FROM tasks WHERE status IN ('completed','failed','cancelled') AND updated_at < ?`), sqldb.Millis(cutoff))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Sweep moves rows that no longer decode into a valid task to tasks_quarantine.
func (r *SQLRepository) Sweep(ctx context.Context) (int, error) {
	type bad struct {
		id, raw, reason string
	}
	var quarantine []bad

	rows, err := r.db.QueryContext(ctx, `SELECT `+columns+` FROM tasks`)
	if err != nil {
		return 0, err
	}
	for rows.Next() {
		var raw rawTask
		if err := raw.scan(rows); err != nil {
			rows.Close()
			return 0, err
		}
		if _, err := raw.decode(); err != nil {
			b, _ := json.Marshal(raw)
			quarantine = append(quarantine, bad{id: raw.ID, raw: string(b), reason: err.Error()})
		}
	}
	err = rows.Err()
	// the sqlite pool holds a single connection; rows must be released before writing.
	rows.Close()
	if err != nil {
		return 0, err
	}

	now := sqldb.Millis(time.Now())
	for _, q := range quarantine {
		tx, err := r.db.BeginTx(ctx, nil)
		if err != nil {
			return 0, err
		}
		if _, err := tx.ExecContext(ctx, r.db.Rebind(`
INSERT INTO tasks_quarantine (id, raw, reason, quarantined_at) VALUES (?,?,?,?)`), q.id, q.raw, q.reason, now); err != nil {
			_ = tx.Rollback()
			return 0, err
		}
		if _, err := tx.ExecContext(ctx, r.db.Rebind(`DELETE FROM tasks WHERE id=?`), q.id); err != nil {
			_ = tx.Rollback()
			return 0, err
		}
		if err := tx.Commit(); err != nil {
			return 0, err
		}
		log.Warn().Str("task_id", q.id).Str("reason", q.reason).Msg("quarantined malformed task")
	}
	return len(quarantine), nil
}

func (r *SQLRepository) query(ctx context.Context, q string, args ...any) ([]domain.Task, error) {
	rows, err := r.db.QueryContext(ctx, r.db.Rebind(q), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []domain.Task
	for rows.Next() {
		var raw rawTask
		if err := raw.scan(rows); err != nil {
			return nil, err
		}
		t, err := raw.decode()
		if err != nil {
			log.Warn().Err(err).Str("task_id", raw.ID).Msg("skipping malformed task")
			continue
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// rawTask mirrors a tasks row before any decoding.
type rawTask struct {
	ID         string
	Name       string
	Kind       string
	Payload    string
	Trigger    string
	Priority   int
	Status     string
	CreatedAt  int64
	UpdatedAt  int64
	LastRunAt  sql.NullInt64
	NextRunAt  sql.NullInt64
	RunCount   int
	MaxRuns    int
	RetryCount int
	MaxRetries int
	TimeoutMs  int64
	LastResult string
	LastError  string
}

type scanner interface{ Scan(dest ...any) error }

func (r *rawTask) scan(s scanner) error {
	return s.Scan(&r.ID, &r.Name, &r.Kind, &r.Payload, &r.Trigger, &r.Priority, &r.Status,
		&r.CreatedAt, &r.UpdatedAt, &r.LastRunAt, &r.NextRunAt, &r.RunCount, &r.MaxRuns,
		&r.RetryCount, &r.MaxRetries, &r.TimeoutMs, &r.LastResult, &r.LastError)
}

func (r rawTask) decode() (domain.Task, error) {
	t := domain.Task{
		ID:         r.ID,
		Name:       r.Name,
		Kind:       domain.Kind(r.Kind),
		Priority:   domain.Priority(r.Priority),
		Status:     domain.Status(r.Status),
		CreatedAt:  sqldb.FromMillis(r.CreatedAt),
		UpdatedAt:  sqldb.FromMillis(r.UpdatedAt),
		LastRunAt:  sqldb.FromNullMillis(r.LastRunAt),
		NextRunAt:  sqldb.FromNullMillis(r.NextRunAt),
		RunCount:   r.RunCount,
		MaxRuns:    r.MaxRuns,
		RetryCount: r.RetryCount,
		MaxRetries: r.MaxRetries,
		Timeout:    time.Duration(r.TimeoutMs) * time.Millisecond,
		LastError:  r.LastError,
	}
	if err := json.Unmarshal([]byte(r.Payload), &t.Payload); err != nil {
		return domain.Task{}, fmt.Errorf("decode payload: %w", err)
	}
	if err := json.Unmarshal([]byte(r.Trigger), &t.Trigger); err != nil {
		return domain.Task{}, fmt.Errorf("decode trigger: %w", err)
	}
	if r.LastResult != "" {
		if err := json.Unmarshal([]byte(r.LastResult), &t.LastResult); err != nil {
			return domain.Task{}, fmt.Errorf("decode result: %w", err)
		}
	}
	if err := t.Validate(); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// encode returns the column values in the order of columns.
func encode(t domain.Task) ([]any, error) {
	payload, err := json.Marshal(t.Payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	trigger, err := json.Marshal(t.Trigger)
	if err != nil {
		return nil, fmt.Errorf("encode trigger: %w", err)
	}
	var result []byte
	if t.LastResult != nil {
		if result, err = json.Marshal(t.LastResult); err != nil {
			return nil, fmt.Errorf("encode result: %w", err)
		}
	}
	updated := t.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	return []any{
		t.ID, t.Name, string(t.Kind), string(payload), string(trigger), int(t.Priority), string(t.Status),
		sqldb.Millis(t.CreatedAt), sqldb.Millis(updated),
		sqldb.NullMillis(t.LastRunAt), sqldb.NullMillis(t.NextRunAt),
		t.RunCount, t.MaxRuns, t.RetryCount, t.MaxRetries, t.Timeout.Milliseconds(),
		string(result), t.LastError,
	}, nil
}
