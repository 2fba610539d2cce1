// Package store persists projects and tasks in sqlite.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
)

// Errors.
var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrExists is returned when a project path is already registered.
	ErrExists = errors.New("already exists")
)

// Status is a task lifecycle status. It only moves forward:
// pending → running → completed | failed.
type Status string

// Task statuses.
const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether s is completed or failed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Project is a registered project checkout.
type Project struct {
	ID        int64
	Name      string
	Path      string
	Mounts    []string // "host:container", mounted read-only
	CreatedAt time.Time
}

// Task is one agent run request and its outcome.
type Task struct {
	ID           int64
	ProjectID    int64
	Prompt       string
	Status       Status
	ContainerID  string // run reference; empty until the run started
	Logs         string
	SessionID    string
	ParentTaskID int64 // 0 for root tasks
	ExitCode     *int
	CreatedAt    time.Time
	CompletedAt  time.Time
}

// NewTask is the input of CreateTask.
type NewTask struct {
	ProjectID    int64
	Prompt       string
	ParentTaskID int64
}

// Store is a sqlite-backed project and task store. It is safe for concurrent
// use.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at path. Use ":memory:" for tests.
func Open(ctx context.Context, path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	// A single connection serializes writes and keeps ":memory:" a single
	// database.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	s := &Store{db: db}
	if err := s.init(ctx, path != ":memory:"); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

const schema = `
CREATE TABLE IF NOT EXISTS projects (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	name       TEXT NOT NULL,
	path       TEXT NOT NULL UNIQUE,
	mounts     TEXT NOT NULL DEFAULT '[]',
	created_at DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS tasks (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	project_id     INTEGER NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
	prompt         TEXT NOT NULL,
	status         TEXT NOT NULL DEFAULT 'pending',
	container_id   TEXT,
	logs           TEXT NOT NULL DEFAULT '',
	session_id     TEXT,
	parent_task_id INTEGER,
	exit_code      INTEGER,
	created_at     DATETIME NOT NULL,
	completed_at   DATETIME
);
CREATE INDEX IF NOT EXISTS tasks_project ON tasks(project_id);
CREATE INDEX IF NOT EXISTS tasks_status ON tasks(status);
`

func (s *Store) init(ctx context.Context, wal bool) error {
	if wal {
		if _, err := s.db.ExecContext(ctx, "PRAGMA journal_mode=WAL;"); err != nil {
			return fmt.Errorf("set journal mode: %w", err)
		}
	}
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// CreateProject registers a project. path must be unique.
func (s *Store) CreateProject(ctx context.Context, name, path string, mounts []string) (*Project, error) {
	if mounts == nil {
		mounts = []string{}
	}
	m, err := json.Marshal(mounts)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `INSERT INTO projects (name, path, mounts, created_at) VALUES (?, ?, ?, ?)`, name, path, string(m), now)
	var se sqlite3.Error
	if errors.As(err, &se) && se.ExtendedCode == sqlite3.ErrConstraintUnique {
		return nil, fmt.Errorf("project %s: %w", path, ErrExists)
	}
	if err != nil {
		return nil, fmt.Errorf("insert project: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return &Project{ID: id, Name: name, Path: path, Mounts: mounts, CreatedAt: now}, nil
}

// GetProjectByID returns ErrNotFound if the project does not exist.
func (s *Store) GetProjectByID(ctx context.Context, id int64) (*Project, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, name, path, mounts, created_at FROM projects WHERE id = ?`, id)
	p, err := scanProject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("project %d: %w", id, ErrNotFound)
	}
	return p, err
}

// ListProjects returns all projects ordered by id.
func (s *Store) ListProjects(ctx context.Context) ([]*Project, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, path, mounts, created_at FROM projects ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []*Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// DeleteProject deletes a project and, by cascade, its tasks.
func (s *Store) DeleteProject(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM projects WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete project: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("project %d: %w", id, ErrNotFound)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanProject(r scanner) (*Project, error) {
	var p Project
	var mounts string
	if err := r.Scan(&p.ID, &p.Name, &p.Path, &mounts, &p.CreatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(mounts), &p.Mounts); err != nil {
		return nil, fmt.Errorf("project %d mounts: %w", p.ID, err)
	}
	return &p, nil
}

// CreateTask inserts a pending task.
func (s *Store) CreateTask(ctx context.Context, nt *NewTask) (*Task, error) {
	now := time.Now().UTC()
	var parent sql.NullInt64
	if nt.ParentTaskID != 0 {
		parent = sql.NullInt64{Int64: nt.ParentTaskID, Valid: true}
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (project_id, prompt, status, parent_task_id, created_at) VALUES (?, ?, ?, ?, ?)`,
		nt.ProjectID, nt.Prompt, StatusPending, parent, now)
	if err != nil {
		if strings.Contains(err.Error(), "FOREIGN KEY") {
			return nil, fmt.Errorf("project %d: %w", nt.ProjectID, ErrNotFound)
		}
		return nil, fmt.Errorf("insert task: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return &Task{ID: id, ProjectID: nt.ProjectID, Prompt: nt.Prompt, Status: StatusPending, ParentTaskID: nt.ParentTaskID, CreatedAt: now}, nil
}

const taskColumns = `id, project_id, prompt, status, container_id, logs, session_id, parent_task_id, exit_code, created_at, completed_at`

// GetTaskByID returns ErrNotFound if the task does not exist.
func (s *Store) GetTaskByID(ctx context.Context, id int64) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %d: %w", id, ErrNotFound)
	}
	return t, err
}

// GetTasksByProjectID returns the project's tasks, newest first.
func (s *Store) GetTasksByProjectID(ctx context.Context, projectID int64) ([]*Task, error) {
	return s.queryTasks(ctx, `SELECT `+taskColumns+` FROM tasks WHERE project_id = ? ORDER BY id DESC`, projectID)
}

// ListUnfinished returns pending and running tasks, oldest first.
func (s *Store) ListUnfinished(ctx context.Context) ([]*Task, error) {
	return s.queryTasks(ctx, `SELECT `+taskColumns+` FROM tasks WHERE status IN ('pending', 'running') ORDER BY id`)
}

func (s *Store) queryTasks(ctx context.Context, q string, args ...any) ([]*Task, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanTask(r scanner) (*Task, error) {
	var t Task
	var ref, session sql.NullString
	var parent, exit sql.NullInt64
	var completed sql.NullTime
	if err := r.Scan(&t.ID, &t.ProjectID, &t.Prompt, &t.Status, &ref, &t.Logs, &session, &parent, &exit, &t.CreatedAt, &completed); err != nil {
		return nil, err
	}
	t.ContainerID = ref.String
	t.SessionID = session.String
	t.ParentTaskID = parent.Int64
	if exit.Valid {
		c := int(exit.Int64)
		t.ExitCode = &c
	}
	t.CompletedAt = completed.Time
	return &t, nil
}

// DeleteTask deletes a task. Its follow-ups keep their parent_task_id and
// become orphans.
func (s *Store) DeleteTask(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	ok, err := affected(res, err, "delete task")
	if err == nil && !ok {
		return fmt.Errorf("task %d: %w", id, ErrNotFound)
	}
	return err
}

// UpdateTaskStatus moves a non-terminal task to status. When ref is non-empty
// it is recorded as the run reference. It reports whether the row changed; a
// terminal task is never modified.
func (s *Store) UpdateTaskStatus(ctx context.Context, id int64, status Status, ref string) (bool, error) {
	if status.Terminal() {
		return false, fmt.Errorf("use UpdateTaskCompleted for %s", status)
	}
	var r sql.NullString
	if ref != "" {
		r = sql.NullString{String: ref, Valid: true}
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, container_id = COALESCE(?, container_id) WHERE id = ? AND status IN ('pending', 'running')`,
		status, r, id)
	return affected(res, err, "update task status")
}

// UpdateTaskCompleted moves a non-terminal task to a terminal status. It
// reports false when the task was already terminal, in which case nothing
// changes.
func (s *Store) UpdateTaskCompleted(ctx context.Context, id int64, status Status, exitCode *int) (bool, error) {
	if !status.Terminal() {
		return false, fmt.Errorf("%s is not a terminal status", status)
	}
	var code sql.NullInt64
	if exitCode != nil {
		code = sql.NullInt64{Int64: int64(*exitCode), Valid: true}
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, exit_code = ?, completed_at = ? WHERE id = ? AND status IN ('pending', 'running')`,
		status, code, time.Now().UTC(), id)
	return affected(res, err, "complete task")
}

// AppendTaskLogs appends text to the task logs in a single statement.
func (s *Store) AppendTaskLogs(ctx context.Context, id int64, text string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE tasks SET logs = logs || ? WHERE id = ?`, text, id)
	ok, err := affected(res, err, "append task logs")
	if err == nil && !ok {
		return fmt.Errorf("task %d: %w", id, ErrNotFound)
	}
	return err
}

// UpdateTaskSessionID records the session id if none is set yet. It reports
// whether the value was stored.
func (s *Store) UpdateTaskSessionID(ctx context.Context, id int64, sessionID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE tasks SET session_id = ? WHERE id = ? AND session_id IS NULL`, sessionID, id)
	return affected(res, err, "update session id")
}

func affected(res sql.Result, err error, what string) (bool, error) {
	if err != nil {
		return false, fmt.Errorf("%s: %w", what, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%s: %w", what, err)
	}
	return n != 0, nil
}
