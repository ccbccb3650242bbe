package executor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/orchestrator/internal/task/models"
)

func TestSubprocessExecuteSuccess(t *testing.T) {
	s := NewSubprocess("cat", time.Second)
	task := &models.Task{WorkDirectory: t.TempDir(), Prompt: "hello from stdin"}

	result, err := s.Execute(context.Background(), task)
	require.NoError(t, err)
	assert.Equal(t, models.ResultSuccess, result.Status)
	assert.Equal(t, "hello from stdin", result.Output)
}

func TestSubprocessExecuteNonZeroExit(t *testing.T) {
	s := NewSubprocess("echo failure 1>&2; exit 1", time.Second)
	task := &models.Task{WorkDirectory: t.TempDir(), Prompt: ""}

	result, err := s.Execute(context.Background(), task)
	require.Error(t, err)
	assert.Equal(t, models.ResultFailure, result.Status)
	assert.Contains(t, err.Error(), "failure")
}

func TestSubprocessExecuteUsesWorkDirectory(t *testing.T) {
	dir := t.TempDir()
	s := NewSubprocess("pwd", time.Second)
	task := &models.Task{WorkDirectory: dir, Prompt: ""}

	result, err := s.Execute(context.Background(), task)
	require.NoError(t, err)
	assert.Contains(t, result.Output, dir)
}

func TestSubprocessExecuteTimeoutKillsProcess(t *testing.T) {
	s := NewSubprocess("sleep 5", 50*time.Millisecond)
	task := &models.Task{WorkDirectory: t.TempDir(), Prompt: ""}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	result, err := s.Execute(ctx, task)
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.Equal(t, models.ResultFailure, result.Status)
	assert.Less(t, elapsed, 2*time.Second)
}
