// Package repository defines the task storage contract and its query/
// filter/statistics types. Concrete backends (in-memory, sqlite, postgres)
// live in sibling packages and must all satisfy Repository with identical
// observable semantics.
package repository

import (
	"context"
	"time"

	"github.com/kandev/orchestrator/internal/task/models"
)

// Filter narrows a Query or an acquisition candidate scan.
type Filter struct {
	Status              *models.Status
	Priority            *models.Priority
	WorkDirectoryPrefix string
	Tags                []string
	Limit               int
	Offset              int
}

// Page is a bounded slice of a Query result, with the total matching count
// for callers that paginate.
type Page struct {
	Tasks []*models.Task
	Total int
}

// WorkerLoad is the number of tasks currently bound to a single worker, part
// of a Statistics snapshot.
type WorkerLoad struct {
	WorkerID string
	Count    int
}

// Statistics is the derived, non-stored aggregate view of spec.md §3.1.
type Statistics struct {
	CountByStatus   map[models.Status]int
	CountByPriority map[models.Priority]int
	AvgCompletionMs float64
	QueueDepth      int
	WorkerLoads     []WorkerLoad
}

// Mutator is applied to the stored task under the CAS lock of UpdateIf; it
// must not change the task's ID and should only set fields the caller is
// authorized to change for the observed expectedStatus.
type Mutator func(t *models.Task)

// Repository is the storage contract of spec.md §4.2. All operations are
// linearizable: a correct implementation may use a single lock, locks
// sharded by id, or a transactional backing store, so long as the
// observable history is consistent with some serial order of invocations.
type Repository interface {
	// Insert stores a new task. Returns an *apperrors.Error of
	// KindDuplicateID if the id is already present.
	Insert(ctx context.Context, task *models.Task) error

	// Get returns the task or an *apperrors.Error of KindNotFound.
	Get(ctx context.Context, id string) (*models.Task, error)

	// UpdateIf atomically applies mutate to the stored task if and only if
	// its current status equals expectedStatus, also stamping UpdatedAt.
	// Returns an *apperrors.Error of KindStaleStatus on mismatch, or
	// KindNotFound if the id does not exist.
	UpdateIf(ctx context.Context, id string, expectedStatus models.Status, mutate Mutator) (*models.Task, error)

	// Query returns tasks matching filter in acquisition order (priority
	// descending, created_at ascending, id ascending), paginated.
	Query(ctx context.Context, filter Filter) (Page, error)

	// Statistics computes the aggregate snapshot over all stored tasks.
	Statistics(ctx context.Context) (Statistics, error)

	// Delete administratively removes a task regardless of status.
	Delete(ctx context.Context, id string) error

	// GC removes terminal tasks whose CompletedAt is before cutoff, and
	// returns how many were removed.
	GC(ctx context.Context, cutoff time.Time) (int, error)

	// Close releases any resources held by the backend (connections,
	// files). No-op for the in-memory backend.
	Close() error
}
