package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/kandev/orchestrator/internal/task/models"
)

// Standard is the pass-through strategy of spec.md §4.4.1: it performs no
// real work and always succeeds, intended for tests and trivial tasks.
type Standard struct{}

// NewStandard constructs the built-in Standard strategy.
func NewStandard() *Standard {
	return &Standard{}
}

// Execute acknowledges the task's prompt without running anything.
func (s *Standard) Execute(ctx context.Context, task *models.Task) (*models.Result, error) {
	start := time.Now()
	return &models.Result{
		Status:     models.ResultSuccess,
		Output:     fmt.Sprintf("acknowledged: %s", task.Prompt),
		DurationMs: time.Since(start).Milliseconds(),
	}, nil
}
