package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/omasakun/remote-tasks/internal/domain"
)

// ErrNotFound is returned for operations on task or schedule ids that do not exist.
var ErrNotFound = errors.New("not found")

// Open opens (or creates) the SQLite database at path with the pragmas the
// store relies on. SQLite has a single writer, so the pool is capped at one
// connection.
func Open(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite single writer
	return db, nil
}

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
CREATE TABLE IF NOT EXISTS tasks (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  tag TEXT NOT NULL,
  status TEXT NOT NULL CHECK(status IN ('pending','running','done')) DEFAULT 'pending',
  command TEXT NOT NULL,
  exit_code INTEGER,
  last_heartbeat DATETIME,
  created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_tasks_claim ON tasks(status, tag, id);
CREATE TABLE IF NOT EXISTS log_chunks (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  task_id INTEGER NOT NULL,
  flushed_at DATETIME NOT NULL,
  entries TEXT NOT NULL,
  FOREIGN KEY(task_id) REFERENCES tasks(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_log_chunks_task ON log_chunks(task_id, id);
CREATE TABLE IF NOT EXISTS schedules (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL,
  cron_expr TEXT NOT NULL,
  tag TEXT NOT NULL,
  command TEXT NOT NULL,
  enabled INTEGER NOT NULL DEFAULT 1,
  last_run DATETIME,
  next_run DATETIME NOT NULL,
  created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_schedules_next_run ON schedules(enabled, next_run);
`
	_, err := db.Exec(schema)
	return err
}

// Filter narrows List; zero values mean "any".
type Filter struct {
	Tag    string
	Status domain.Status
}

type Repository interface {
	Submit(ctx context.Context, tag string, command []string) (domain.Task, error)
	ClaimNext(ctx context.Context, tag string) (*domain.Task, error)
	Update(ctx context.Context, t domain.Task) error
	Requeue(ctx context.Context, id int64) error
	Delete(ctx context.Context, id int64) error
	Get(ctx context.Context, id int64) (domain.Task, error)
	List(ctx context.Context, f Filter) ([]domain.Task, error)
	Tags(ctx context.Context) ([]string, error)
	Counts(ctx context.Context) (map[domain.Status]int, error)

	AppendLog(ctx context.Context, chunk domain.LogChunk) (int64, error)
	Logs(ctx context.Context, taskID int64) ([]domain.LogChunk, error)

	// Schedule operations
	CreateSchedule(ctx context.Context, s domain.Schedule) (string, error)
	ListSchedules(ctx context.Context) ([]domain.Schedule, error)
	DeleteSchedule(ctx context.Context, id string) error
	DueSchedules(ctx context.Context, now time.Time) ([]domain.Schedule, error)
	MarkScheduleRun(ctx context.Context, id string, lastRun, nextRun time.Time) error
}

type sqliteRepo struct{ db *sql.DB }

func NewSQLiteRepo(db *sql.DB) Repository { return &sqliteRepo{db: db} }

func (r *sqliteRepo) Submit(ctx context.Context, tag string, command []string) (domain.Task, error) {
	if err := domain.ValidateSubmission(tag, command); err != nil {
		return domain.Task{}, err
	}
	cmd, err := json.Marshal(command)
	if err != nil {
		return domain.Task{}, fmt.Errorf("encode command: %w", err)
	}
	res, err := r.db.ExecContext(ctx, `
INSERT INTO tasks (tag, status, command, created_at, updated_at)
VALUES (?, 'pending', ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
`, tag, string(cmd))
	if err != nil {
		return domain.Task{}, fmt.Errorf("insert task: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return domain.Task{}, err
	}
	return r.Get(ctx, id)
}

// ClaimNext picks the lowest-id pending task with the given tag and flips it
// to running with a single conditional update. The status check in the WHERE
// clause is the whole claim protocol: of any number of concurrent callers,
// exactly one update affects the row, and losers move on to the next
// candidate. Returns (nil, nil) when no pending task exists.
func (r *sqliteRepo) ClaimNext(ctx context.Context, tag string) (*domain.Task, error) {
	for {
		t, err := r.nextPending(ctx, tag)
		if err != nil {
			return nil, err
		}
		if t == nil {
			return nil, nil
		}
		now := time.Now().UTC()
		res, err := r.db.ExecContext(ctx, `
UPDATE tasks SET status='running', last_heartbeat=?, updated_at=CURRENT_TIMESTAMP
WHERE id=? AND status='pending'
`, now, t.ID)
		if err != nil {
			return nil, fmt.Errorf("claim task %d: %w", t.ID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, err
		}
		if n == 1 {
			t.Status = domain.StatusRunning
			t.LastHeartbeat = &now
			return t, nil
		}
		// Lost the race on this row; try the next pending candidate.
	}
}

func (r *sqliteRepo) nextPending(ctx context.Context, tag string) (*domain.Task, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT id, tag, status, command, exit_code, last_heartbeat, created_at
FROM tasks
WHERE status='pending' AND tag=?
ORDER BY id ASC
LIMIT 1
`, tag)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select pending task: %w", err)
	}
	return &t, nil
}

// Update overwrites the lifecycle fields (status, exit_code, last_heartbeat)
// of an existing task. Deliberately unconditioned: there is no check against
// the version the caller read, so an update racing a concurrent claim or
// another update silently wins. Heartbeat refresh and the terminal write both
// go through here.
func (r *sqliteRepo) Update(ctx context.Context, t domain.Task) error {
	res, err := r.db.ExecContext(ctx, `
UPDATE tasks SET status=?, exit_code=?, last_heartbeat=?, updated_at=CURRENT_TIMESTAMP
WHERE id=?
`, t.Status, t.ExitCode, t.LastHeartbeat, t.ID)
	if err != nil {
		return fmt.Errorf("update task %d: %w", t.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("update task %d: %w", t.ID, ErrNotFound)
	}
	return nil
}

// Requeue returns a task to pending, clearing its outcome and heartbeat but
// keeping its id and any accumulated log chunks. Implemented as
// read-modify-write through Update, so it shares Update's race window.
func (r *sqliteRepo) Requeue(ctx context.Context, id int64) error {
	t, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	t.Status = domain.StatusPending
	t.ExitCode = nil
	t.LastHeartbeat = nil
	return r.Update(ctx, t)
}

func (r *sqliteRepo) Delete(ctx context.Context, id int64) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM log_chunks WHERE task_id=?`, id); err != nil {
		return fmt.Errorf("delete logs of task %d: %w", id, err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id=?`, id)
	if err != nil {
		return fmt.Errorf("delete task %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("delete task %d: %w", id, ErrNotFound)
	}
	return tx.Commit()
}

func (r *sqliteRepo) Get(ctx context.Context, id int64) (domain.Task, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT id, tag, status, command, exit_code, last_heartbeat, created_at
FROM tasks WHERE id=?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Task{}, fmt.Errorf("task %d: %w", id, ErrNotFound)
	}
	return t, err
}

func (r *sqliteRepo) List(ctx context.Context, f Filter) ([]domain.Task, error) {
	q := `
SELECT id, tag, status, command, exit_code, last_heartbeat, created_at
FROM tasks`
	var conds []string
	var args []any
	if f.Tag != "" {
		conds = append(conds, "tag=?")
		args = append(args, f.Tag)
	}
	if f.Status != "" {
		conds = append(conds, "status=?")
		args = append(args, f.Status)
	}
	for i, c := range conds {
		if i == 0 {
			q += " WHERE " + c
		} else {
			q += " AND " + c
		}
	}
	q += " ORDER BY id ASC"

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (r *sqliteRepo) Tags(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT DISTINCT tag FROM tasks ORDER BY tag`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tags []string
	for rows.Next() {
		var tag string
		if err := rows.Scan(&tag); err != nil {
			return nil, err
		}
		tags = append(tags, tag)
	}
	return tags, rows.Err()
}

func (r *sqliteRepo) Counts(ctx context.Context) (map[domain.Status]int, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[domain.Status]int)
	for rows.Next() {
		var s domain.Status
		var n int
		if err := rows.Scan(&s, &n); err != nil {
			return nil, err
		}
		counts[s] = n
	}
	return counts, rows.Err()
}

// AppendLog persists one chunk. Chunks are independent rows, so concurrent
// appends to the same task never conflict; ids come from the autoincrement
// and define replay order.
func (r *sqliteRepo) AppendLog(ctx context.Context, chunk domain.LogChunk) (int64, error) {
	entries, err := json.Marshal(chunk.Entries)
	if err != nil {
		return 0, fmt.Errorf("encode entries: %w", err)
	}
	res, err := r.db.ExecContext(ctx, `
INSERT INTO log_chunks (task_id, flushed_at, entries) VALUES (?, ?, ?)
`, chunk.TaskID, chunk.FlushedAt.UTC(), string(entries))
	if err != nil {
		return 0, fmt.Errorf("append log for task %d: %w", chunk.TaskID, err)
	}
	return res.LastInsertId()
}

func (r *sqliteRepo) Logs(ctx context.Context, taskID int64) ([]domain.LogChunk, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id, task_id, flushed_at, entries FROM log_chunks
WHERE task_id=? ORDER BY id ASC`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chunks []domain.LogChunk
	for rows.Next() {
		var c domain.LogChunk
		var entries string
		if err := rows.Scan(&c.ID, &c.TaskID, &c.FlushedAt, &entries); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(entries), &c.Entries); err != nil {
			return nil, fmt.Errorf("decode entries of chunk %d: %w", c.ID, err)
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

func (r *sqliteRepo) CreateSchedule(ctx context.Context, s domain.Schedule) (string, error) {
	id := s.ID
	if id == "" {
		id = "sch_" + uuid.NewString()
	}
	cmd, err := json.Marshal(s.Command)
	if err != nil {
		return "", fmt.Errorf("encode command: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
INSERT INTO schedules (id, name, cron_expr, tag, command, enabled, last_run, next_run, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
`, id, s.Name, s.CronExpr, s.Tag, string(cmd), s.Enabled, s.LastRun, s.NextRun.UTC())
	return id, err
}

func (r *sqliteRepo) ListSchedules(ctx context.Context) ([]domain.Schedule, error) {
	return r.selectSchedules(ctx, `
SELECT id, name, cron_expr, tag, command, enabled, last_run, next_run
FROM schedules ORDER BY name`)
}

func (r *sqliteRepo) DeleteSchedule(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM schedules WHERE id=?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("schedule %s: %w", id, ErrNotFound)
	}
	return nil
}

func (r *sqliteRepo) DueSchedules(ctx context.Context, now time.Time) ([]domain.Schedule, error) {
	return r.selectSchedules(ctx, `
SELECT id, name, cron_expr, tag, command, enabled, last_run, next_run
FROM schedules WHERE enabled=1 AND next_run <= ? ORDER BY next_run`, now.UTC())
}

func (r *sqliteRepo) MarkScheduleRun(ctx context.Context, id string, lastRun, nextRun time.Time) error {
	_, err := r.db.ExecContext(ctx, `
UPDATE schedules SET last_run=?, next_run=?, updated_at=CURRENT_TIMESTAMP WHERE id=?`,
		lastRun.UTC(), nextRun.UTC(), id)
	return err
}

func (r *sqliteRepo) selectSchedules(ctx context.Context, q string, args ...any) ([]domain.Schedule, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var schedules []domain.Schedule
	for rows.Next() {
		var s domain.Schedule
		var cmd string
		var lastRun sql.NullTime
		if err := rows.Scan(&s.ID, &s.Name, &s.CronExpr, &s.Tag, &cmd, &s.Enabled, &lastRun, &s.NextRun); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(cmd), &s.Command); err != nil {
			return nil, fmt.Errorf("decode command of schedule %s: %w", s.ID, err)
		}
		if lastRun.Valid {
			t := lastRun.Time
			s.LastRun = &t
		}
		schedules = append(schedules, s)
	}
	return schedules, rows.Err()
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface{ Scan(dest ...any) error }

func scanTask(row scanner) (domain.Task, error) {
	var t domain.Task
	var cmd string
	var exit sql.NullInt64
	var hb sql.NullTime
	if err := row.Scan(&t.ID, &t.Tag, &t.Status, &cmd, &exit, &hb, &t.CreatedAt); err != nil {
		return domain.Task{}, err
	}
	if err := json.Unmarshal([]byte(cmd), &t.Command); err != nil {
		return domain.Task{}, fmt.Errorf("decode command of task %d: %w", t.ID, err)
	}
	if exit.Valid {
		code := int(exit.Int64)
		t.ExitCode = &code
	}
	if hb.Valid {
		ts := hb.Time
		t.LastHeartbeat = &ts
	}
	return t, nil
}
