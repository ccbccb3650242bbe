package sqlite

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

func openTestRepo(t *testing.T) *Repository {
	repo, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	return repo
}

func newSqliteTestTask(id, workDir string, priority models.Priority) *models.Task {
	return models.New(id, models.CreateInput{
		WorkDirectory: workDir,
		Prompt:        "do work",
		Priority:      priority,
	}, time.Now().UTC())
}

func TestSqliteInsertAndGet(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()

	task := newSqliteTestTask("task-1", "/tmp/a", models.PriorityMedium)
	require.NoError(t, repo.Insert(ctx, task))

	got, err := repo.Get(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, task.ID, got.ID)
	assert.Equal(t, models.StatusWaiting, got.Status)
	assert.Equal(t, task.WorkDirectory, got.WorkDirectory)
}

func TestSqliteInsertDuplicateID(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()

	task := newSqliteTestTask("task-1", "/tmp/a", models.PriorityMedium)
	require.NoError(t, repo.Insert(ctx, task))

	err := repo.Insert(ctx, task)
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.KindDuplicateID))
}

func TestSqliteGetNotFound(t *testing.T) {
	repo := openTestRepo(t)
	_, err := repo.Get(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.KindNotFound))
}

func TestSqliteUpdateIfRoundTripsResultAndTimestamps(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()
	task := newSqliteTestTask("task-1", "/tmp/a", models.PriorityMedium)
	require.NoError(t, repo.Insert(ctx, task))

	started := time.Now().UTC().Truncate(time.Second)
	updated, err := repo.UpdateIf(ctx, "task-1", models.StatusWaiting, func(t *models.Task) {
		t.Status = models.StatusWorking
		t.WorkerID = "worker-1"
		t.StartedAt = &started
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusWorking, updated.Status)
	require.NotNil(t, updated.StartedAt)
	assert.True(t, started.Equal(*updated.StartedAt))

	completed := started.Add(time.Minute)
	final, err := repo.UpdateIf(ctx, "task-1", models.StatusWorking, func(t *models.Task) {
		t.Status = models.StatusCompleted
		t.Result = &models.Result{Status: models.ResultSuccess, Output: "ok", DurationMs: 42}
		t.CompletedAt = &completed
	})
	require.NoError(t, err)
	require.NotNil(t, final.Result)
	assert.Equal(t, "ok", final.Result.Output)
	assert.Equal(t, int64(42), final.Result.DurationMs)
}

func TestSqliteUpdateIfFailsOnStatusMismatch(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()
	task := newSqliteTestTask("task-1", "/tmp/a", models.PriorityMedium)
	require.NoError(t, repo.Insert(ctx, task))

	_, err := repo.UpdateIf(ctx, "task-1", models.StatusWorking, func(t *models.Task) {
		t.Status = models.StatusCompleted
	})
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.KindStaleStatus))
}

func TestSqliteQueryOrdersByAcquisitionOrder(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.Insert(ctx, newSqliteTestTask("low", "/tmp/a", models.PriorityLow)))
	require.NoError(t, repo.Insert(ctx, newSqliteTestTask("urgent", "/tmp/a", models.PriorityUrgent)))

	page, err := repo.Query(ctx, repository.Filter{WorkDirectoryPrefix: "/tmp/a"})
	require.NoError(t, err)
	require.Len(t, page.Tasks, 2)
	assert.Equal(t, "urgent", page.Tasks[0].ID)
}

func TestSqliteQueryFiltersByTags(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()

	tagged := newSqliteTestTask("tagged", "/tmp/a", models.PriorityMedium)
	tagged.Tags = []string{"alpha", "beta"}
	untagged := newSqliteTestTask("untagged", "/tmp/a", models.PriorityMedium)
	require.NoError(t, repo.Insert(ctx, tagged))
	require.NoError(t, repo.Insert(ctx, untagged))

	page, err := repo.Query(ctx, repository.Filter{Tags: []string{"alpha"}})
	require.NoError(t, err)
	require.Len(t, page.Tasks, 1)
	assert.Equal(t, "tagged", page.Tasks[0].ID)
}

func TestSqliteStatisticsAggregates(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.Insert(ctx, newSqliteTestTask("waiting", "/tmp/a", models.PriorityLow)))

	stats, err := repo.Statistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.QueueDepth)
	assert.Equal(t, 1, stats.CountByStatus[models.StatusWaiting])
}

func TestSqliteDelete(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()
	require.NoError(t, repo.Insert(ctx, newSqliteTestTask("t1", "/tmp/a", models.PriorityMedium)))

	require.NoError(t, repo.Delete(ctx, "t1"))
	_, err := repo.Get(ctx, "t1")
	assert.True(t, apperrors.Is(err, apperrors.KindNotFound))

	err = repo.Delete(ctx, "t1")
	assert.True(t, apperrors.Is(err, apperrors.KindNotFound))
}

func TestSqliteGCRemovesOldTerminalTasks(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()

	task := newSqliteTestTask("t1", "/tmp/a", models.PriorityMedium)
	require.NoError(t, repo.Insert(ctx, task))
	past := time.Now().UTC().Add(-48 * time.Hour)
	_, err := repo.UpdateIf(ctx, "t1", models.StatusWaiting, func(t *models.Task) {
		t.Status = models.StatusCompleted
		t.CompletedAt = &past
	})
	require.NoError(t, err)

	removed, err := repo.GC(ctx, time.Now().UTC().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = repo.Get(ctx, "t1")
	assert.True(t, apperrors.Is(err, apperrors.KindNotFound))
}
