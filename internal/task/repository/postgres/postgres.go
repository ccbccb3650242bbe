// Package postgres implements repository.Repository over PostgreSQL via
// jackc/pgx/v5's connection pool, giving the same CAS semantics as the
// sqlite backend through an UPDATE ... WHERE status = $N clause.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/kandev/orchestrator/internal/apperrors"
	"github.com/kandev/orchestrator/internal/common/config"
	"github.com/kandev/orchestrator/internal/common/database"
	"github.com/kandev/orchestrator/internal/task/models"
	repo "github.com/kandev/orchestrator/internal/task/repository"
)

// Repository stores tasks in PostgreSQL through a pooled connection.
type Repository struct {
	db *database.DB
}

var _ repo.Repository = (*Repository)(nil)

// Open connects to PostgreSQL using cfg and ensures the schema exists.
func Open(ctx context.Context, cfg config.PersistenceConfig) (*Repository, error) {
	db, err := database.NewDB(ctx, cfg)
	if err != nil {
		return nil, err
	}
	r := &Repository{db: db}
	if err := r.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing schema: %w", err)
	}
	return r, nil
}

func (r *Repository) initSchema(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		work_directory TEXT NOT NULL,
		prompt TEXT NOT NULL,
		priority INTEGER NOT NULL,
		status TEXT NOT NULL,
		execution_mode TEXT NOT NULL,
		tags JSONB NOT NULL DEFAULT '[]',
		max_retries INTEGER NOT NULL,
		retry_count INTEGER NOT NULL,
		timeout_seconds INTEGER NOT NULL,
		worker_id TEXT NOT NULL DEFAULT '',
		result_json JSONB,
		error_message TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		started_at TIMESTAMPTZ,
		completed_at TIMESTAMPTZ
	);
	CREATE INDEX IF NOT EXISTS idx_tasks_acquisition
		ON tasks (status, priority DESC, created_at ASC, id ASC);
	CREATE INDEX IF NOT EXISTS idx_tasks_work_directory ON tasks (work_directory);
	`
	_, err := r.db.Exec(ctx, schema)
	return err
}

// Close releases the underlying connection pool.
func (r *Repository) Close() error {
	r.db.Close()
	return nil
}

// Insert stores a new task, failing with KindDuplicateID on a primary key
// conflict.
func (r *Repository) Insert(ctx context.Context, t *models.Task) error {
	tagsJSON, err := json.Marshal(t.Tags)
	if err != nil {
		return apperrors.Wrap(apperrors.KindInternal, err, "encoding tags for task %q", t.ID)
	}
	var resultJSON []byte
	if t.Result != nil {
		resultJSON, err = json.Marshal(t.Result)
		if err != nil {
			return apperrors.Wrap(apperrors.KindInternal, err, "encoding result for task %q", t.ID)
		}
	}

	_, err = r.db.Exec(ctx, `
		INSERT INTO tasks (
			id, work_directory, prompt, priority, status, execution_mode, tags,
			max_retries, retry_count, timeout_seconds, worker_id, result_json,
			error_message, created_at, updated_at, started_at, completed_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`,
		t.ID, t.WorkDirectory, t.Prompt, int(t.Priority), string(t.Status), string(t.ExecutionMode),
		tagsJSON, t.MaxRetries, t.RetryCount, t.TimeoutSeconds, t.WorkerID, resultJSON,
		t.ErrorMessage, t.CreatedAt, t.UpdatedAt, t.StartedAt, t.CompletedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return apperrors.New(apperrors.KindDuplicateID, "task %q already exists", t.ID)
		}
		return apperrors.Wrap(apperrors.KindInternal, err, "inserting task %q", t.ID)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "duplicate key value")
}

func (r *Repository) scanTask(row pgx.Row) (*models.Task, error) {
	var (
		t              models.Task
		priority       int
		status         string
		executionMode  string
		tagsJSON       []byte
		resultJSON     []byte
		workerID       string
		startedAt      *time.Time
		completedAt    *time.Time
	)
	err := row.Scan(
		&t.ID, &t.WorkDirectory, &t.Prompt, &priority, &status, &executionMode, &tagsJSON,
		&t.MaxRetries, &t.RetryCount, &t.TimeoutSeconds, &workerID, &resultJSON,
		&t.ErrorMessage, &t.CreatedAt, &t.UpdatedAt, &startedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}
	t.Priority = models.Priority(priority)
	t.Status = models.Status(status)
	t.ExecutionMode = models.ExecutionMode(executionMode)
	t.WorkerID = workerID
	t.StartedAt = startedAt
	t.CompletedAt = completedAt
	if len(tagsJSON) > 0 {
		if err := json.Unmarshal(tagsJSON, &t.Tags); err != nil {
			return nil, err
		}
	}
	if len(resultJSON) > 0 {
		var result models.Result
		if err := json.Unmarshal(resultJSON, &result); err != nil {
			return nil, err
		}
		t.Result = &result
	}
	return &t, nil
}

const selectColumns = `id, work_directory, prompt, priority, status, execution_mode, tags,
	max_retries, retry_count, timeout_seconds, worker_id, result_json,
	error_message, created_at, updated_at, started_at, completed_at`

// Get fetches a task by id.
func (r *Repository) Get(ctx context.Context, id string) (*models.Task, error) {
	row := r.db.QueryRow(ctx, "SELECT "+selectColumns+" FROM tasks WHERE id = $1", id)
	t, err := r.scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NotFound(id)
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, err, "loading task %q", id)
	}
	return t, nil
}

// UpdateIf performs the CAS primitive: load, mutate, write back with a
// WHERE status = $N clause so a concurrent winner's status change causes
// this write to affect zero rows.
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

	tagsJSON, err := json.Marshal(updated.Tags)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, err, "encoding tags for task %q", id)
	}
	var resultJSON []byte
	if updated.Result != nil {
		resultJSON, err = json.Marshal(updated.Result)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.KindInternal, err, "encoding result for task %q", id)
		}
	}

	tag, err := r.db.Exec(ctx, `
		UPDATE tasks SET
			work_directory=$1, prompt=$2, priority=$3, status=$4, execution_mode=$5, tags=$6,
			max_retries=$7, retry_count=$8, timeout_seconds=$9, worker_id=$10, result_json=$11,
			error_message=$12, updated_at=$13, started_at=$14, completed_at=$15
		WHERE id=$16 AND status=$17`,
		updated.WorkDirectory, updated.Prompt, int(updated.Priority), string(updated.Status),
		string(updated.ExecutionMode), tagsJSON, updated.MaxRetries, updated.RetryCount,
		updated.TimeoutSeconds, updated.WorkerID, resultJSON, updated.ErrorMessage,
		updated.UpdatedAt, updated.StartedAt, updated.CompletedAt, id, string(expectedStatus))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, err, "updating task %q", id)
	}
	if tag.RowsAffected() == 0 {
		return nil, apperrors.New(apperrors.KindStaleStatus, "task %q status changed concurrently", id)
	}
	return updated, nil
}

// Query lists tasks matching filter in acquisition order, paginated.
func (r *Repository) Query(ctx context.Context, filter repo.Filter) (repo.Page, error) {
	var clauses []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.Status != nil {
		clauses = append(clauses, "status = "+arg(string(*filter.Status)))
	}
	if filter.Priority != nil {
		clauses = append(clauses, "priority = "+arg(int(*filter.Priority)))
	}
	if filter.WorkDirectoryPrefix != "" {
		clauses = append(clauses, "work_directory LIKE "+arg(filter.WorkDirectoryPrefix+"%"))
	}
	for _, tag := range filter.Tags {
		clauses = append(clauses, "tags @> "+arg(fmt.Sprintf(`["%s"]`, tag)))
	}

	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + joinAnd(clauses)
	}
	query := "SELECT " + selectColumns + " FROM tasks " + where +
		" ORDER BY priority DESC, created_at ASC, id ASC"

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return repo.Page{}, apperrors.Wrap(apperrors.KindInternal, err, "querying tasks")
	}
	defer rows.Close()

	var tasks []*models.Task
	for rows.Next() {
		t, err := r.scanTask(rows)
		if err != nil {
			return repo.Page{}, apperrors.Wrap(apperrors.KindInternal, err, "decoding task row")
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return repo.Page{}, apperrors.Wrap(apperrors.KindInternal, err, "iterating task rows")
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

func joinAnd(clauses []string) string {
	out := clauses[0]
	for _, c := range clauses[1:] {
		out += " AND " + c
	}
	return out
}

// Statistics computes the aggregate snapshot over all stored tasks.
func (r *Repository) Statistics(ctx context.Context) (repo.Statistics, error) {
	rows, err := r.db.Query(ctx, "SELECT "+selectColumns+" FROM tasks")
	if err != nil {
		return repo.Statistics{}, apperrors.Wrap(apperrors.KindInternal, err, "loading tasks for statistics")
	}
	defer rows.Close()

	stats := repo.Statistics{
		CountByStatus:   make(map[models.Status]int),
		CountByPriority: make(map[models.Priority]int),
	}
	workerCounts := make(map[string]int)
	var completionTotalMs float64
	var completionCount int

	for rows.Next() {
		t, err := r.scanTask(rows)
		if err != nil {
			return repo.Statistics{}, apperrors.Wrap(apperrors.KindInternal, err, "decoding task row")
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
	if err := rows.Err(); err != nil {
		return repo.Statistics{}, apperrors.Wrap(apperrors.KindInternal, err, "iterating task rows")
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
	tag, err := r.db.Exec(ctx, "DELETE FROM tasks WHERE id = $1", id)
	if err != nil {
		return apperrors.Wrap(apperrors.KindInternal, err, "deleting task %q", id)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NotFound(id)
	}
	return nil
}

// GC removes terminal tasks completed before cutoff.
func (r *Repository) GC(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := r.db.Exec(ctx, `
		DELETE FROM tasks
		WHERE completed_at IS NOT NULL AND completed_at < $1
		AND status IN ($2, $3, $4)`,
		cutoff, string(models.StatusCompleted), string(models.StatusCancelled), string(models.StatusFailed))
	if err != nil {
		return 0, apperrors.Wrap(apperrors.KindInternal, err, "gc")
	}
	return int(tag.RowsAffected()), nil
}
