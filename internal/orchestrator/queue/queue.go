// Package queue implements the acquisition policy of spec.md §4.3: a view
// over the Repository, not an independently cached structure. Candidates
// are loaded fresh on every call and ordered with container/heap, mirroring
// the ordering idiom the teacher's own TaskQueue used over a long-lived
// heap — here applied instead to a short-lived, per-call candidate slice so
// the queue can never drift from the Repository's source of truth.
package queue

import (
	"container/heap"
	"context"
	"time"

	"github.com/kandev/orchestrator/internal/apperrors"
	"github.com/kandev/orchestrator/internal/common/constants"
	"github.com/kandev/orchestrator/internal/task/models"
	"github.com/kandev/orchestrator/internal/task/repository"
)

// MaxAcquireAttempts bounds the CAS-retry loop of NextFor before it gives
// up and reports NoTaskAvailable under persistent contention.
const MaxAcquireAttempts = 8

// Queue selects and hands off the next eligible task to a worker. It holds
// no state of its own beyond a Repository handle.
type Queue struct {
	repo repository.Repository
}

// New constructs a Queue backed by repo.
func New(repo repository.Repository) *Queue {
	return &Queue{repo: repo}
}

// candidateHeap orders Waiting tasks by the acquisition total order:
// priority descending, created_at ascending, id ascending.
type candidateHeap []*models.Task

func (h candidateHeap) Len() int { return len(h) }
func (h candidateHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}
func (h candidateHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *candidateHeap) Push(x any)         { *h = append(*h, x.(*models.Task)) }
func (h *candidateHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// NextFor implements spec.md §4.3's algorithm: load Waiting candidates
// matching workDirectoryFilter, try to CAS the best one to Working bound to
// workerID, and on loss retry against the next-best candidate up to
// MaxAcquireAttempts before returning KindNoTaskAvailable.
func (q *Queue) NextFor(ctx context.Context, workerID, workDirectoryFilter string) (*models.Task, error) {
	waiting := models.StatusWaiting
	filter := repository.Filter{
		Status:              &waiting,
		WorkDirectoryPrefix: workDirectoryFilter,
	}

	deadline := time.Now().Add(constants.AcquireRetryBudget)
	for attempt := 0; attempt < MaxAcquireAttempts; attempt++ {
		if time.Now().After(deadline) {
			return nil, apperrors.New(apperrors.KindNoTaskAvailable, "acquisition retry budget exceeded under %q", workDirectoryFilter)
		}
		page, err := q.repo.Query(ctx, filter)
		if err != nil {
			return nil, err
		}
		if len(page.Tasks) == 0 {
			return nil, apperrors.New(apperrors.KindNoTaskAvailable, "no waiting task under %q", workDirectoryFilter)
		}

		h := candidateHeap(page.Tasks)
		heap.Init(&h)

		for h.Len() > 0 {
			candidate := heap.Pop(&h).(*models.Task)
			now := time.Now().UTC()
			updated, err := q.repo.UpdateIf(ctx, candidate.ID, models.StatusWaiting, func(t *models.Task) {
				t.Status = models.StatusWorking
				t.WorkerID = workerID
				t.StartedAt = &now
			})
			if err == nil {
				return updated, nil
			}
			if !apperrors.Is(err, apperrors.KindStaleStatus) {
				return nil, err
			}
			// Lost the CAS race for this candidate; try the next-best one
			// from the same loaded snapshot before re-querying.
		}
	}
	return nil, apperrors.New(apperrors.KindNoTaskAvailable, "exhausted %d acquisition attempts under %q", MaxAcquireAttempts, workDirectoryFilter)
}
