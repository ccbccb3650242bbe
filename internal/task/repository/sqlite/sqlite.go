// Package sqlite implements repository.Repository over a SQLite database
// via jmoiron/sqlx and mattn/go-sqlite3, preserving the linearizability
// contract of spec.md §4.2 by serializing writes through a single
// connection and doing the CAS compare in the UPDATE's WHERE clause.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/kandev/orchestrator/internal/apperrors"
	commonsqlite "github.com/kandev/orchestrator/internal/common/sqlite"
	"github.com/kandev/orchestrator/internal/task/models"
	repo "github.com/kandev/orchestrator/internal/task/repository"
)

// Repository stores tasks in a single SQLite file. SQLite permits only one
// writer at a time, so the pool is capped at one connection — the same
// discipline gives UpdateIf's UPDATE...WHERE CAS linearizable semantics
// for free.
type Repository struct {
	db *sqlx.DB
}

var _ repo.Repository = (*Repository)(nil)

// Open creates or attaches to a SQLite database at path and ensures the
// schema exists.
func Open(path string) (*Repository, error) {
	normalized, err := normalizePath(path)
	if err != nil {
		return nil, fmt.Errorf("normalizing sqlite path: %w", err)
	}
	if err := ensureDir(normalized); err != nil {
		return nil, fmt.Errorf("preparing sqlite directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_journal_mode=WAL&_mode=rwc", normalized)
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	r := &Repository{db: db}
	if err := r.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initializing schema: %w", err)
	}
	return r, nil
}

func normalizePath(path string) (string, error) {
	if path == "" || path == ":memory:" {
		return path, nil
	}
	return filepath.Abs(path)
}

func ensureDir(path string) error {
	if path == "" || path == ":memory:" {
		return nil
	}
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func (r *Repository) initSchema() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		work_directory TEXT NOT NULL,
		prompt TEXT NOT NULL,
		priority INTEGER NOT NULL,
		status TEXT NOT NULL,
		execution_mode TEXT NOT NULL,
		tags TEXT NOT NULL DEFAULT '[]',
		max_retries INTEGER NOT NULL,
		retry_count INTEGER NOT NULL,
		timeout_seconds INTEGER NOT NULL,
		worker_id TEXT NOT NULL DEFAULT '',
		result_json TEXT,
		error_message TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		started_at DATETIME,
		completed_at DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_tasks_acquisition
		ON tasks (status, priority DESC, created_at ASC, id ASC);
	CREATE INDEX IF NOT EXISTS idx_tasks_work_directory ON tasks (work_directory);
	`
	if _, err := r.db.Exec(schema); err != nil {
		return err
	}
	// tags was added after the first schema revision; EnsureColumn lets a
	// database file created before that revision pick it up in place.
	return commonsqlite.EnsureColumn(r.db.DB, "tasks", "tags", "TEXT NOT NULL DEFAULT '[]'")
}

// Close releases the underlying connection pool.
func (r *Repository) Close() error {
	return r.db.Close()
}

type taskRow struct {
	ID             string         `db:"id"`
	WorkDirectory  string         `db:"work_directory"`
	Prompt         string         `db:"prompt"`
	Priority       int            `db:"priority"`
	Status         string         `db:"status"`
	ExecutionMode  string         `db:"execution_mode"`
	Tags           string         `db:"tags"`
	MaxRetries     int            `db:"max_retries"`
	RetryCount     int            `db:"retry_count"`
	TimeoutSeconds int            `db:"timeout_seconds"`
	WorkerID       string         `db:"worker_id"`
	ResultJSON     sql.NullString `db:"result_json"`
	ErrorMessage   string         `db:"error_message"`
	CreatedAt      time.Time      `db:"created_at"`
	UpdatedAt      time.Time      `db:"updated_at"`
	StartedAt      sql.NullTime   `db:"started_at"`
	CompletedAt    sql.NullTime   `db:"completed_at"`
}

func toRow(t *models.Task) (*taskRow, error) {
	tagsJSON, err := json.Marshal(t.Tags)
	if err != nil {
		return nil, err
	}
	row := &taskRow{
		ID:             t.ID,
		WorkDirectory:  t.WorkDirectory,
		Prompt:         t.Prompt,
		Priority:       int(t.Priority),
		Status:         string(t.Status),
		ExecutionMode:  string(t.ExecutionMode),
		Tags:           string(tagsJSON),
		MaxRetries:     t.MaxRetries,
		RetryCount:     t.RetryCount,
		TimeoutSeconds: t.TimeoutSeconds,
		WorkerID:       t.WorkerID,
		ErrorMessage:   t.ErrorMessage,
		CreatedAt:      t.CreatedAt,
		UpdatedAt:      t.UpdatedAt,
	}
	if t.Result != nil {
		resultJSON, err := json.Marshal(t.Result)
		if err != nil {
			return nil, err
		}
		row.ResultJSON = sql.NullString{String: string(resultJSON), Valid: true}
	}
	if t.StartedAt != nil {
		row.StartedAt = sql.NullTime{Time: *t.StartedAt, Valid: true}
	}
	if t.CompletedAt != nil {
		row.CompletedAt = sql.NullTime{Time: *t.CompletedAt, Valid: true}
	}
	return row, nil
}

func (row *taskRow) toTask() (*models.Task, error) {
	var tags []string
	if row.Tags != "" {
		if err := json.Unmarshal([]byte(row.Tags), &tags); err != nil {
			return nil, err
		}
	}
	t := &models.Task{
		ID:             row.ID,
		WorkDirectory:  row.WorkDirectory,
		Prompt:         row.Prompt,
		Priority:       models.Priority(row.Priority),
		Status:         models.Status(row.Status),
		ExecutionMode:  models.ExecutionMode(row.ExecutionMode),
		Tags:           tags,
		MaxRetries:     row.MaxRetries,
		RetryCount:     row.RetryCount,
		TimeoutSeconds: row.TimeoutSeconds,
		WorkerID:       row.WorkerID,
		ErrorMessage:   row.ErrorMessage,
		CreatedAt:      row.CreatedAt,
		UpdatedAt:      row.UpdatedAt,
	}
	if row.ResultJSON.Valid {
		var result models.Result
		if err := json.Unmarshal([]byte(row.ResultJSON.String), &result); err != nil {
			return nil, err
		}
		t.Result = &result
	}
	if row.StartedAt.Valid {
		v := row.StartedAt.Time
		t.StartedAt = &v
	}
	if row.CompletedAt.Valid {
		v := row.CompletedAt.Time
		t.CompletedAt = &v
	}
	return t, nil
}

// Insert stores a new task row, failing with KindDuplicateID on a primary
// key conflict.
func (r *Repository) Insert(ctx context.Context, t *models.Task) error {
	row, err := toRow(t)
	if err != nil {
		return apperrors.Wrap(apperrors.KindInternal, err, "encoding task %q", t.ID)
	}
	_, err = r.db.NamedExecContext(ctx, `
		INSERT INTO tasks (
			id, work_directory, prompt, priority, status, execution_mode, tags,
			max_retries, retry_count, timeout_seconds, worker_id, result_json,
			error_message, created_at, updated_at, started_at, completed_at
		) VALUES (
			:id, :work_directory, :prompt, :priority, :status, :execution_mode, :tags,
			:max_retries, :retry_count, :timeout_seconds, :worker_id, :result_json,
			:error_message, :created_at, :updated_at, :started_at, :completed_at
		)`, row)
	if err != nil {
		if isUniqueConstraintErr(err) {
			return apperrors.New(apperrors.KindDuplicateID, "task %q already exists", t.ID)
		}
		return apperrors.Wrap(apperrors.KindInternal, err, "inserting task %q", t.ID)
	}
	return nil
}

func isUniqueConstraintErr(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// Get fetches a task by id.
func (r *Repository) Get(ctx context.Context, id string) (*models.Task, error) {
	var row taskRow
	err := r.db.GetContext(ctx, &row, "SELECT * FROM tasks WHERE id = ?", id)
	if err == sql.ErrNoRows {
		return nil, apperrors.NotFound(id)
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, err, "loading task %q", id)
	}
	return row.toTask()
}

// UpdateIf performs the CAS primitive by loading the row, applying mutate
// in memory, and writing it back with a WHERE status = ? clause so a
// concurrent writer that already changed the status loses the race.
func (r *Repository) UpdateIf(ctx context.Context, id string, expectedStatus models.Status, mutate repo.Mutator) (*models.Task, error) {
	current, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Status != expectedStatus {
		return nil, apperrors.New(apperrors.KindStaleStatus, "task %q status is %s, expected %s", id, current.Status, expectedStatus)
	}

	updated := current.Clone()
	mutate(updated)
	updated.UpdatedAt = time.Now().UTC()

	row, err := toRow(updated)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, err, "encoding task %q", id)
	}

	res, err := r.db.NamedExecContext(ctx, `
		UPDATE tasks SET
			work_directory = :work_directory, prompt = :prompt, priority = :priority,
			status = :status, execution_mode = :execution_mode, tags = :tags,
			max_retries = :max_retries, retry_count = :retry_count,
			timeout_seconds = :timeout_seconds, worker_id = :worker_id,
			result_json = :result_json, error_message = :error_message,
			updated_at = :updated_at, started_at = :started_at, completed_at = :completed_at
		WHERE id = :id AND status = '`+string(expectedStatus)+`'`, row)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, err, "updating task %q", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, err, "checking update result for task %q", id)
	}
	if n == 0 {
		return nil, apperrors.New(apperrors.KindStaleStatus, "task %q status changed concurrently", id)
	}
	return updated.Clone(), nil
}

// Query lists tasks matching filter in acquisition order, paginated.
func (r *Repository) Query(ctx context.Context, filter repo.Filter) (repo.Page, error) {
	var clauses []string
	var args []any

	if filter.Status != nil {
		clauses = append(clauses, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.Priority != nil {
		clauses = append(clauses, "priority = ?")
		args = append(args, int(*filter.Priority))
	}
	if filter.WorkDirectoryPrefix != "" {
		clauses = append(clauses, "work_directory LIKE ?")
		args = append(args, filter.WorkDirectoryPrefix+"%")
	}

	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}

	var rows []taskRow
	query := fmt.Sprintf("SELECT * FROM tasks %s ORDER BY priority DESC, created_at ASC, id ASC", where)
	if err := r.db.SelectContext(ctx, &rows, r.db.Rebind(query), args...); err != nil {
		return repo.Page{}, apperrors.Wrap(apperrors.KindInternal, err, "querying tasks")
	}

	tasks := make([]*models.Task, 0, len(rows))
	for _, row := range rows {
		t, err := row.toTask()
		if err != nil {
			return repo.Page{}, apperrors.Wrap(apperrors.KindInternal, err, "decoding task %q", row.ID)
		}
		if !hasAllTags(t.Tags, filter.Tags) {
			continue
		}
		tasks = append(tasks, t)
	}

	total := len(tasks)
	start := filter.Offset
	if start > total {
		start = total
	}
	end := total
	if filter.Limit > 0 && start+filter.Limit < end {
		end = start + filter.Limit
	}
	return repo.Page{Tasks: tasks[start:end], Total: total}, nil
}

func hasAllTags(have, want []string) bool {
	for _, w := range want {
		found := false
		for _, h := range have {
			if h == w {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Statistics computes the aggregate snapshot over all stored tasks.
func (r *Repository) Statistics(ctx context.Context) (repo.Statistics, error) {
	var rows []taskRow
	if err := r.db.SelectContext(ctx, &rows, "SELECT * FROM tasks"); err != nil {
		return repo.Statistics{}, apperrors.Wrap(apperrors.KindInternal, err, "loading tasks for statistics")
	}

	stats := repo.Statistics{
		CountByStatus:   make(map[models.Status]int),
		CountByPriority: make(map[models.Priority]int),
	}
	workerCounts := make(map[string]int)
	var completionTotalMs float64
	var completionCount int

	for _, row := range rows {
		t, err := row.toTask()
		if err != nil {
			return repo.Statistics{}, apperrors.Wrap(apperrors.KindInternal, err, "decoding task %q", row.ID)
		}
		stats.CountByStatus[t.Status]++
		stats.CountByPriority[t.Priority]++
		if t.Status == models.StatusWaiting {
			stats.QueueDepth++
		}
		if t.Status == models.StatusWorking && t.WorkerID != "" {
			workerCounts[t.WorkerID]++
		}
		if t.StartedAt != nil && t.CompletedAt != nil {
			completionTotalMs += t.CompletedAt.Sub(*t.StartedAt).Seconds() * 1000
			completionCount++
		}
	}
	if completionCount > 0 {
		stats.AvgCompletionMs = completionTotalMs / float64(completionCount)
	}
	for w, c := range workerCounts {
		stats.WorkerLoads = append(stats.WorkerLoads, repo.WorkerLoad{WorkerID: w, Count: c})
	}
	sort.Slice(stats.WorkerLoads, func(i, j int) bool {
		return stats.WorkerLoads[i].WorkerID < stats.WorkerLoads[j].WorkerID
	})
	return stats, nil
}

// Delete administratively removes a task regardless of status.
func (r *Repository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, "DELETE FROM tasks WHERE id = ?", id)
	if err != nil {
		return apperrors.Wrap(apperrors.KindInternal, err, "deleting task %q", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return apperrors.Wrap(apperrors.KindInternal, err, "checking delete result for task %q", id)
	}
	if n == 0 {
		return apperrors.NotFound(id)
	}
	return nil
}

// GC removes terminal tasks completed before cutoff.
func (r *Repository) GC(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM tasks
		WHERE completed_at IS NOT NULL AND completed_at < ?
		AND status IN (?, ?, ?)`,
		cutoff, string(models.StatusCompleted), string(models.StatusCancelled), string(models.StatusFailed))
	if err != nil {
		return 0, apperrors.Wrap(apperrors.KindInternal, err, "gc")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, apperrors.Wrap(apperrors.KindInternal, err, "checking gc result")
	}
	return int(n), nil
}
