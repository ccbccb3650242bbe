package executor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/orchestrator/internal/apperrors"
	"github.com/kandev/orchestrator/internal/common/logger"
	"github.com/kandev/orchestrator/internal/task/models"
)

func testLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "error",
		Format:     "console",
		OutputPath: "stdout",
	})
	require.NoError(t, err)
	return log
}

func newRegistryTestTask(mode models.ExecutionMode, timeoutSeconds int) *models.Task {
	return &models.Task{
		ID:             "task-1",
		WorkDirectory:  "/tmp/work",
		Prompt:         "hello",
		Status:         models.StatusWorking,
		ExecutionMode:  mode,
		TimeoutSeconds: timeoutSeconds,
	}
}

// slowStrategy blocks until ctx is done, then returns DeadlineExceeded.
type slowStrategy struct{}

func (slowStrategy) Execute(ctx context.Context, task *models.Task) (*models.Result, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

// failingStrategy always returns an error.
type failingStrategy struct{}

func (failingStrategy) Execute(ctx context.Context, task *models.Task) (*models.Result, error) {
	return nil, assert.AnError
}

func TestRegistryExecuteStandardSucceeds(t *testing.T) {
	r := NewRegistry(testLogger(t), 5, nil)
	task := newRegistryTestTask(models.ExecutionModeStandard, 30)

	result, err := r.Execute(context.Background(), task)
	require.NoError(t, err)
	assert.Equal(t, models.ResultSuccess, result.Status)
}

func TestRegistryExecuteUnknownExecutor(t *testing.T) {
	r := NewRegistry(testLogger(t), 5, nil)
	task := newRegistryTestTask(models.ExecutionMode("nonexistent"), 30)

	_, err := r.Execute(context.Background(), task)
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.KindUnknownExecutor))
}

func TestRegistryExecuteCustomStrategy(t *testing.T) {
	r := NewRegistry(testLogger(t), 5, nil)
	r.RegisterCustom("mycustom", NewStandard())
	task := newRegistryTestTask(models.ExecutionMode("mycustom"), 30)

	result, err := r.Execute(context.Background(), task)
	require.NoError(t, err)
	assert.Equal(t, models.ResultSuccess, result.Status)
}

func TestRegistryExecuteTimeoutYieldsFailureResult(t *testing.T) {
	r := NewRegistry(testLogger(t), 5, nil)
	r.RegisterCustom("slow", slowStrategy{})
	task := newRegistryTestTask(models.ExecutionMode("slow"), 1)

	result, err := r.Execute(context.Background(), task)
	require.NoError(t, err)
	assert.Equal(t, models.ResultFailure, result.Status)
	assert.Equal(t, "timeout", result.Metadata["reason"])
}

func TestRegistryExecuteStrategyErrorYieldsFailureResult(t *testing.T) {
	r := NewRegistry(testLogger(t), 5, nil)
	r.RegisterCustom("failing", failingStrategy{})
	task := newRegistryTestTask(models.ExecutionMode("failing"), 30)

	result, err := r.Execute(context.Background(), task)
	require.NoError(t, err)
	assert.Equal(t, models.ResultFailure, result.Status)
	assert.NotEmpty(t, result.Output)
}

func TestRegistryExecuteSurvivesCallerContextCancellation(t *testing.T) {
	r := NewRegistry(testLogger(t), 5, nil)
	r.RegisterCustom("standard-delay", delayedSuccessStrategy{delay: 200 * time.Millisecond})
	task := newRegistryTestTask(models.ExecutionMode("standard-delay"), 5)

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // caller already gone before Execute is even called

	result, err := r.Execute(ctx, task)
	require.NoError(t, err)
	assert.Equal(t, models.ResultSuccess, result.Status)
}

func TestRegistryExecuteClaudeCodeUnresolvedIsUnknownExecutor(t *testing.T) {
	r := NewRegistry(testLogger(t), 5, nil)
	task := newRegistryTestTask(models.ExecutionModeClaudeCode, 30)

	_, err := r.Execute(context.Background(), task)
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.KindUnknownExecutor))
}

func TestRegistryExecuteClaudeCodeUsesRegisteredStrategy(t *testing.T) {
	r := NewRegistry(testLogger(t), 5, nil)
	r.RegisterClaudeCode(failingStrategy{})
	task := newRegistryTestTask(models.ExecutionModeClaudeCode, 30)

	result, err := r.Execute(context.Background(), task)
	require.NoError(t, err)
	assert.Equal(t, models.ResultFailure, result.Status)
}

func TestRegistryExecuteRespectsMaxConcurrent(t *testing.T) {
	r := NewRegistry(testLogger(t), 1, nil)

	ok := r.acquireSlot("task-occupying")
	require.True(t, ok)
	defer r.releaseSlot("task-occupying")

	task := newRegistryTestTask(models.ExecutionModeStandard, 5)
	_, err := r.Execute(context.Background(), task)
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.KindInternal))
}

// delayedSuccessStrategy sleeps for delay then succeeds, used to prove
// execution isn't tied to the caller's (already-cancelled) context.
type delayedSuccessStrategy struct{ delay time.Duration }

func (d delayedSuccessStrategy) Execute(ctx context.Context, task *models.Task) (*models.Result, error) {
	select {
	case <-time.After(d.delay):
		return &models.Result{Status: models.ResultSuccess, Output: "done"}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
