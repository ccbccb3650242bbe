package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/orchestrator/internal/apperrors"
	"github.com/kandev/orchestrator/internal/task/models"
	"github.com/kandev/orchestrator/internal/task/repository"
)

func newQueueTestTask(id, workDir string, priority models.Priority, createdAt time.Time) *models.Task {
	task := models.New(id, models.CreateInput{
		WorkDirectory: workDir,
		Prompt:        "do work",
		Priority:      priority,
	}, createdAt)
	return task
}

func TestNextForReturnsHighestPriorityFirst(t *testing.T) {
	repo := repository.NewMemoryRepository()
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, repo.Insert(ctx, newQueueTestTask("low", "/tmp/a", models.PriorityLow, now)))
	require.NoError(t, repo.Insert(ctx, newQueueTestTask("urgent", "/tmp/a", models.PriorityUrgent, now)))
	require.NoError(t, repo.Insert(ctx, newQueueTestTask("medium", "/tmp/a", models.PriorityMedium, now)))

	q := New(repo)
	task, err := q.NextFor(ctx, "worker-1", "/tmp/a")
	require.NoError(t, err)
	assert.Equal(t, "urgent", task.ID)
	assert.Equal(t, models.StatusWorking, task.Status)
	assert.Equal(t, "worker-1", task.WorkerID)
	assert.NotNil(t, task.StartedAt)
}

func TestNextForBreaksTiesByCreatedAtThenID(t *testing.T) {
	repo := repository.NewMemoryRepository()
	ctx := context.Background()
	now := time.Now().UTC()
	earlier := now.Add(-time.Minute)

	require.NoError(t, repo.Insert(ctx, newQueueTestTask("b-later", "/tmp/a", models.PriorityMedium, now)))
	require.NoError(t, repo.Insert(ctx, newQueueTestTask("a-earlier", "/tmp/a", models.PriorityMedium, earlier)))

	q := New(repo)
	task, err := q.NextFor(ctx, "worker-1", "/tmp/a")
	require.NoError(t, err)
	assert.Equal(t, "a-earlier", task.ID)

	// Same priority and same created_at as "b-later": the lower id wins.
	require.NoError(t, repo.Insert(ctx, newQueueTestTask("a-same", "/tmp/a", models.PriorityMedium, now)))
	next, err := q.NextFor(ctx, "worker-2", "/tmp/a")
	require.NoError(t, err)
	assert.Equal(t, "a-same", next.ID)
}

func TestNextForFiltersByWorkDirectoryPrefix(t *testing.T) {
	repo := repository.NewMemoryRepository()
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, repo.Insert(ctx, newQueueTestTask("other", "/tmp/other", models.PriorityUrgent, now)))

	q := New(repo)
	_, err := q.NextFor(ctx, "worker-1", "/tmp/a")
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.KindNoTaskAvailable))
}

func TestNextForNoWaitingTasks(t *testing.T) {
	repo := repository.NewMemoryRepository()
	q := New(repo)

	_, err := q.NextFor(context.Background(), "worker-1", "")
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.KindNoTaskAvailable))
}

func TestNextForSkipsTaskHeldByAnotherWorker(t *testing.T) {
	repo := repository.NewMemoryRepository()
	ctx := context.Background()
	now := time.Now().UTC()

	urgent := newQueueTestTask("urgent", "/tmp/a", models.PriorityUrgent, now)
	medium := newQueueTestTask("medium", "/tmp/a", models.PriorityMedium, now)
	require.NoError(t, repo.Insert(ctx, urgent))
	require.NoError(t, repo.Insert(ctx, medium))

	// Another worker has already acquired the urgent task before this
	// worker polls, so it is no longer Waiting and the next-best is taken.
	_, err := repo.UpdateIf(ctx, "urgent", models.StatusWaiting, func(t *models.Task) {
		t.Status = models.StatusWorking
		t.WorkerID = "other-worker"
	})
	require.NoError(t, err)

	q := New(repo)
	task, err := q.NextFor(ctx, "worker-1", "/tmp/a")
	require.NoError(t, err)
	assert.Equal(t, "medium", task.ID)
}
