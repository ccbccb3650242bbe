// Package executor maps a task's execution_mode to a concrete strategy and
// runs it, per spec.md §4.4. Strategies are registered at construction
// time; there is no runtime class loading.
package executor

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/orchestrator/internal/apperrors"
	"github.com/kandev/orchestrator/internal/common/appctx"
	"github.com/kandev/orchestrator/internal/common/logger"
	"github.com/kandev/orchestrator/internal/task/models"
)

// Strategy runs a task to completion and yields a Result. Implementations
// must honor the task's TimeoutSeconds and confine side effects to
// WorkDirectory; everything else is the caller's concern.
type Strategy interface {
	Execute(ctx context.Context, task *models.Task) (*models.Result, error)
}

// Registry maps an execution_mode name to a Strategy. Standard resolves to
// a fixed built-in strategy; ClaudeCode resolves to whatever strategy is
// wired via RegisterClaudeCode (normally the Subprocess "AI-agent"
// strategy); any other name is looked up among the registered Custom
// strategies.
type Registry struct {
	mu         sync.RWMutex
	custom     map[string]Strategy
	stdlike    Strategy // Standard
	claudeCode Strategy // ClaudeCode, wired via RegisterClaudeCode
	logger     *logger.Logger

	active        map[string]struct{}
	maxConcurrent int
	stopCh        <-chan struct{}
}

// NewRegistry constructs a Registry with the Standard strategy wired in and
// maxConcurrent bounding simultaneous Execute calls across all strategies.
// stopCh, if non-nil, is closed on process shutdown; a task already running
// when its caller's request context is cancelled (e.g. an HTTP client that
// disconnected) keeps running until stopCh closes or its own timeout_seconds
// elapses, whichever comes first.
func NewRegistry(log *logger.Logger, maxConcurrent int, stopCh <-chan struct{}) *Registry {
	if maxConcurrent <= 0 {
		maxConcurrent = 5
	}
	return &Registry{
		custom:        make(map[string]Strategy),
		stdlike:       NewStandard(),
		logger:        log.WithFields(zap.String("component", "executor")),
		active:        make(map[string]struct{}),
		maxConcurrent: maxConcurrent,
		stopCh:        stopCh,
	}
}

// RegisterCustom adds a strategy reachable via ExecutionMode("name"). It is
// safe to call before the registry serves any traffic.
func (r *Registry) RegisterCustom(name string, s Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.custom[name] = s
}

// RegisterClaudeCode wires the built-in ClaudeCode execution mode to s,
// normally the same Subprocess strategy registered under the "subprocess"
// custom name. Until this is called, tasks with execution_mode=claude_code
// fail to resolve with UnknownExecutor rather than silently running as
// Standard.
func (r *Registry) RegisterClaudeCode(s Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.claudeCode = s
}

// resolve returns the strategy for mode, or an UnknownExecutor error if
// mode names a Custom strategy (or ClaudeCode) absent from the registry.
func (r *Registry) resolve(mode models.ExecutionMode) (Strategy, error) {
	if mode == models.ExecutionModeStandard {
		return r.stdlike, nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if mode == models.ExecutionModeClaudeCode {
		if r.claudeCode == nil {
			return nil, apperrors.New(apperrors.KindUnknownExecutor, "no strategy registered for execution_mode %q", mode)
		}
		return r.claudeCode, nil
	}
	s, ok := r.custom[string(mode)]
	if !ok {
		return nil, apperrors.New(apperrors.KindUnknownExecutor, "no strategy registered for execution_mode %q", mode)
	}
	return s, nil
}

// Execute dispatches task to its resolved strategy, enforcing the
// timeout_seconds wall-clock bound regardless of whether the strategy
// itself respects it. On timeout it returns a failure Result with
// error_message "timeout" rather than propagating ctx.Err(), matching
// spec.md §4.4's "strategy must terminate the underlying work and yield
// a failure result" contract.
func (r *Registry) Execute(ctx context.Context, task *models.Task) (*models.Result, error) {
	strategy, err := r.resolve(task.ExecutionMode)
	if err != nil {
		return nil, err
	}

	if !r.acquireSlot(task.ID) {
		return nil, apperrors.New(apperrors.KindInternal, "executor at capacity (%d concurrent)", r.maxConcurrent)
	}
	defer r.releaseSlot(task.ID)

	timeout := time.Duration(task.TimeoutSeconds) * time.Second
	execCtx, cancel := appctx.Detached(ctx, r.stopCh, timeout)
	defer cancel()

	start := time.Now()
	result, strategyErr := strategy.Execute(execCtx, task)
	elapsed := time.Since(start)

	if execCtx.Err() == context.DeadlineExceeded {
		return &models.Result{
			Status:     models.ResultFailure,
			Output:     "",
			DurationMs: elapsed.Milliseconds(),
			Metadata:   map[string]any{"reason": "timeout"},
		}, nil
	}
	if strategyErr != nil {
		r.logger.WithTaskID(task.ID).WithError(strategyErr).Warn("strategy execution failed")
		return &models.Result{
			Status:     models.ResultFailure,
			Output:     strategyErr.Error(),
			DurationMs: elapsed.Milliseconds(),
		}, nil
	}
	if result.DurationMs == 0 {
		result.DurationMs = elapsed.Milliseconds()
	}
	return result, nil
}

func (r *Registry) acquireSlot(taskID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.active) >= r.maxConcurrent {
		return false
	}
	r.active[taskID] = struct{}{}
	return true
}

func (r *Registry) releaseSlot(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.active, taskID)
}
