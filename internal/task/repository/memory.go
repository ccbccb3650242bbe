package repository

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kandev/orchestrator/internal/apperrors"
	"github.com/kandev/orchestrator/internal/task/models"
)

// MemoryRepository is an in-process Repository backed by a map guarded by a
// single RWMutex. It satisfies the same linearizability contract as the
// sqlite and postgres backends and is the default for tests and for
// single-process deployments that accept losing state on restart.
type MemoryRepository struct {
	mu    sync.RWMutex
	tasks map[string]*models.Task
}

var _ Repository = (*MemoryRepository)(nil)

// NewMemoryRepository constructs an empty in-memory task repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		tasks: make(map[string]*models.Task),
	}
}

// Insert stores a new task, failing with KindDuplicateID if the id exists.
func (r *MemoryRepository) Insert(ctx context.Context, task *models.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tasks[task.ID]; exists {
		return apperrors.New(apperrors.KindDuplicateID, "task %q already exists", task.ID)
	}
	r.tasks[task.ID] = task.Clone()
	return nil
}

// Get returns a clone of the stored task.
func (r *MemoryRepository) Get(ctx context.Context, id string) (*models.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.tasks[id]
	if !ok {
		return nil, apperrors.NotFound(id)
	}
	return t.Clone(), nil
}

// UpdateIf applies mutate under the write lock iff the stored status
// matches expectedStatus.
func (r *MemoryRepository) UpdateIf(ctx context.Context, id string, expectedStatus models.Status, mutate Mutator) (*models.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tasks[id]
	if !ok {
		return nil, apperrors.NotFound(id)
	}
	if t.Status != expectedStatus {
		return nil, apperrors.New(apperrors.KindStaleStatus, "task %q status is %s, expected %s", id, t.Status, expectedStatus)
	}

	updated := t.Clone()
	mutate(updated)
	updated.UpdatedAt = time.Now().UTC()
	r.tasks[id] = updated
	return updated.Clone(), nil
}

// Query lists tasks matching filter in acquisition order, paginated.
func (r *MemoryRepository) Query(ctx context.Context, filter Filter) (Page, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	matched := make([]*models.Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		if matches(t, filter) {
			matched = append(matched, t)
		}
	}
	sortByAcquisitionOrder(matched)

	total := len(matched)
	start := filter.Offset
	if start > total {
		start = total
	}
	end := total
	if filter.Limit > 0 && start+filter.Limit < end {
		end = start + filter.Limit
	}

	out := make([]*models.Task, 0, end-start)
	for _, t := range matched[start:end] {
		out = append(out, t.Clone())
	}
	return Page{Tasks: out, Total: total}, nil
}

// Statistics computes the aggregate snapshot over all stored tasks.
func (r *MemoryRepository) Statistics(ctx context.Context) (Statistics, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := Statistics{
		CountByStatus:   make(map[models.Status]int),
		CountByPriority: make(map[models.Priority]int),
	}
	workerCounts := make(map[string]int)

	var completionTotalMs float64
	var completionCount int

	for _, t := range r.tasks {
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
		stats.WorkerLoads = append(stats.WorkerLoads, WorkerLoad{WorkerID: w, Count: c})
	}
	sort.Slice(stats.WorkerLoads, func(i, j int) bool {
		return stats.WorkerLoads[i].WorkerID < stats.WorkerLoads[j].WorkerID
	})
	return stats, nil
}

// Delete administratively removes a task regardless of status.
func (r *MemoryRepository) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.tasks[id]; !ok {
		return apperrors.NotFound(id)
	}
	delete(r.tasks, id)
	return nil
}

// GC removes terminal tasks completed before cutoff.
func (r *MemoryRepository) GC(ctx context.Context, cutoff time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for id, t := range r.tasks {
		if t.IsTerminal() && t.CompletedAt != nil && t.CompletedAt.Before(cutoff) {
			delete(r.tasks, id)
			removed++
		}
	}
	return removed, nil
}

// Close is a no-op; the in-memory backend holds no external resources.
func (r *MemoryRepository) Close() error {
	return nil
}

func matches(t *models.Task, filter Filter) bool {
	if filter.Status != nil && t.Status != *filter.Status {
		return false
	}
	if filter.Priority != nil && t.Priority != *filter.Priority {
		return false
	}
	if filter.WorkDirectoryPrefix != "" && !strings.HasPrefix(t.WorkDirectory, filter.WorkDirectoryPrefix) {
		return false
	}
	for _, tag := range filter.Tags {
		if !containsTag(t.Tags, tag) {
			return false
		}
	}
	return true
}

func containsTag(tags []string, tag string) bool {
	for _, t := range tags {
		if t == tag {
			return true
		}
	}
	return false
}

// sortByAcquisitionOrder orders tasks by (priority descending, created_at
// ascending, id ascending), the total order spec.md §4.1 requires for
// deterministic acquisition.
func sortByAcquisitionOrder(tasks []*models.Task) {
	sort.Slice(tasks, func(i, j int) bool {
		a, b := tasks[i], tasks[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}
