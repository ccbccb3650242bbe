// Package service implements the Orchestrator Service facade of spec.md
// §4.5: the single place that enforces the task state machine and
// translates tool-surface operations into repository mutations and
// executor invocations.
package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kandev/orchestrator/internal/apperrors"
	"github.com/kandev/orchestrator/internal/common/logger"
	"github.com/kandev/orchestrator/internal/orchestrator/executor"
	"github.com/kandev/orchestrator/internal/orchestrator/queue"
	"github.com/kandev/orchestrator/internal/task/models"
	"github.com/kandev/orchestrator/internal/task/repository"
)

// Event is a single task lifecycle notification. It mirrors
// streaming.Event's shape without importing that package, keeping the
// service layer ignorant of the transport that ultimately delivers it.
type Event struct {
	TaskID string
	Status string
	Detail any
}

// Broadcaster fans lifecycle events out to interested subscribers.
// streaming.ServiceBroadcaster (an adapter over *streaming.Hub) and
// *eventbus.Bus satisfy this; Service works with no broadcaster at all
// (a nil Broadcaster is a no-op) so tests and the in-process toolsurface
// path don't need a live hub.
type Broadcaster interface {
	Broadcast(event Event)
}

// Service is the single process-wide facade holding the repository handle,
// the acquisition queue, and the executor registry. It is constructed at
// startup and dropped at shutdown; callers never reach the repository or
// registry directly.
type Service struct {
	repo     repository.Repository
	queue    *queue.Queue
	registry *executor.Registry
	events   Broadcaster
	logger   *logger.Logger
}

// New constructs a Service over an already-opened repository and a
// populated executor Registry. events may be nil.
func New(repo repository.Repository, registry *executor.Registry, events Broadcaster, log *logger.Logger) *Service {
	return &Service{
		repo:     repo,
		queue:    queue.New(repo),
		registry: registry,
		events:   events,
		logger:   log.WithFields(zap.String("component", "orchestrator_service")),
	}
}

// emit notifies the broadcaster, if any, of a lifecycle transition.
func (s *Service) emit(taskID, status string, detail any) {
	if s.events == nil {
		return
	}
	s.events.Broadcast(Event{TaskID: taskID, Status: status, Detail: detail})
}

// MultiBroadcaster fans one event out to several Broadcasters, e.g. the
// WebSocket hub and the optional NATS sink together.
type MultiBroadcaster []Broadcaster

// Broadcast forwards event to every non-nil member.
func (m MultiBroadcaster) Broadcast(event Event) {
	for _, b := range m {
		if b != nil {
			b.Broadcast(event)
		}
	}
}

// CreateTask validates input, assigns an id, and inserts the task in the
// Waiting state.
func (s *Service) CreateTask(ctx context.Context, input models.CreateInput) (*models.Task, error) {
	if input.Priority == 0 {
		input.Priority = models.PriorityMedium
	}
	if input.TimeoutSeconds == 0 {
		input.TimeoutSeconds = models.DefaultTimeoutSeconds
	}
	if err := input.Validate(); err != nil {
		return nil, apperrors.Wrap(apperrors.KindInvalidInput, err, "create_task: %v", err)
	}

	task := models.New(uuid.NewString(), input, time.Now().UTC())
	if err := s.repo.Insert(ctx, task); err != nil {
		return nil, err
	}
	s.logger.Info("task created",
		zap.String("task_id", task.ID),
		zap.String("work_directory", task.WorkDirectory),
		zap.String("priority", task.Priority.String()))
	s.emit(task.ID, string(task.Status), nil)
	return task, nil
}

// GetTask returns the task by id or NotFound.
func (s *Service) GetTask(ctx context.Context, id string) (*models.Task, error) {
	return s.repo.Get(ctx, id)
}

// AcquireTask hands the next eligible Waiting task under filter to workerID.
func (s *Service) AcquireTask(ctx context.Context, workerID, workDirectoryFilter string) (*models.Task, error) {
	task, err := s.queue.NextFor(ctx, workerID, workDirectoryFilter)
	if err != nil {
		return nil, err
	}
	s.logger.Info("task acquired",
		zap.String("task_id", task.ID),
		zap.String("worker_id", workerID))
	s.emit(task.ID, string(task.Status), map[string]string{"worker_id": workerID})
	return task, nil
}

// ExecuteTask dispatches a Working task to its executor strategy and writes
// the outcome back. If the task is no longer Working by the time the write
// is attempted, the outcome is discarded and StaleTask is returned.
func (s *Service) ExecuteTask(ctx context.Context, id string) (*models.Result, error) {
	task, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if task.Status != models.StatusWorking {
		return nil, apperrors.New(apperrors.KindStaleTask, "task %q is not Working", id)
	}

	result, execErr := s.registry.Execute(ctx, task)
	if execErr != nil {
		if apperrors.Is(execErr, apperrors.KindUnknownExecutor) {
			errMsg := execErr.Error()
			_, _ = s.repo.UpdateIf(ctx, id, models.StatusWorking, func(t *models.Task) {
				markFailed(t, nil, errMsg)
			})
			s.emit(id, string(models.StatusFailed), map[string]string{"error_message": errMsg})
			return nil, execErr
		}
		return nil, execErr
	}

	errMsg := classifyErrorMessage(result)
	if _, updErr := s.writeBackResult(ctx, id, result, errMsg); updErr != nil {
		if apperrors.Is(updErr, apperrors.KindStaleStatus) {
			return nil, apperrors.New(apperrors.KindStaleTask, "task %q changed status before result could be recorded", id)
		}
		return nil, updErr
	}
	return result, nil
}

// CompleteTask records a worker-reported outcome. The caller must hold the
// task (matching worker_id); a mismatch never mutates state.
func (s *Service) CompleteTask(ctx context.Context, id, workerID string, result *models.Result) (*models.Task, error) {
	task, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if task.Status != models.StatusWorking {
		return nil, apperrors.New(apperrors.KindStaleTask, "task %q is not Working", id)
	}
	if task.WorkerID != workerID {
		return nil, apperrors.New(apperrors.KindWorkerMismatch, "task %q is held by %q, not %q", id, task.WorkerID, workerID)
	}

	errMsg := ""
	if result.Status == models.ResultFailure {
		errMsg = result.Output
	}
	updated, err := s.writeBackResult(ctx, id, result, errMsg)
	if err != nil {
		if apperrors.Is(err, apperrors.KindStaleStatus) {
			return nil, apperrors.New(apperrors.KindStaleTask, "task %q changed status before completion could be recorded", id)
		}
		return nil, err
	}
	return updated, nil
}

// writeBackResult performs the Working -> {Completed, Failed} CAS shared by
// ExecuteTask and CompleteTask.
func (s *Service) writeBackResult(ctx context.Context, id string, result *models.Result, errMsg string) (*models.Task, error) {
	updated, err := s.repo.UpdateIf(ctx, id, models.StatusWorking, func(t *models.Task) {
		if result.Status == models.ResultSuccess {
			now := time.Now().UTC()
			t.Status = models.StatusCompleted
			t.Result = result
			t.CompletedAt = &now
		} else {
			markFailed(t, result, errMsg)
		}
	})
	if err != nil {
		return nil, err
	}
	s.emit(id, string(updated.Status), map[string]string{"error_message": errMsg})
	return updated, nil
}

// markFailed drives t to Failed, recording result (if any) and errMsg.
// CompletedAt is only stamped once retries are exhausted: per spec.md
// §3.2(3) completed_at marks a task no further transition is possible for,
// and a Failed task with RetryCount < MaxRetries can still go back to
// Waiting via RetryTask, so it isn't terminal yet.
func markFailed(t *models.Task, result *models.Result, errMsg string) {
	t.Status = models.StatusFailed
	t.Result = result
	t.ErrorMessage = errMsg
	if t.RetryCount >= t.MaxRetries {
		now := time.Now().UTC()
		t.CompletedAt = &now
	}
}

// classifyErrorMessage inspects a failed Result's metadata to decide
// whether error_message should read "timeout", per spec.md §4.4 — the
// Registry tags a deadline-exceeded outcome this way since the task-level
// ctx passed into ExecuteTask has already returned by the time the result
// is written back.
func classifyErrorMessage(result *models.Result) string {
	if result.Status == models.ResultSuccess {
		return ""
	}
	if reason, ok := result.Metadata["reason"]; ok && reason == "timeout" {
		return "timeout"
	}
	return result.Output
}

// RetryTask transitions a Failed task with remaining retries back to
// Waiting, clearing its worker binding.
func (s *Service) RetryTask(ctx context.Context, id string) (*models.Task, error) {
	current, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Status != models.StatusFailed {
		return nil, apperrors.New(apperrors.KindNotRetryable, "task %q is not Failed", id)
	}
	if current.RetryCount >= current.MaxRetries {
		return nil, apperrors.New(apperrors.KindNotRetryable, "task %q has exhausted its %d retries", id, current.MaxRetries)
	}

	updated, err := s.repo.UpdateIf(ctx, id, models.StatusFailed, func(t *models.Task) {
		t.Status = models.StatusWaiting
		t.WorkerID = ""
		t.StartedAt = nil
		t.CompletedAt = nil
		t.ErrorMessage = ""
		t.RetryCount++
	})
	if err != nil {
		if apperrors.Is(err, apperrors.KindStaleStatus) {
			return nil, apperrors.New(apperrors.KindNotRetryable, "task %q changed status before retry could be applied", id)
		}
		return nil, err
	}
	s.logger.Info("task retried", zap.String("task_id", id), zap.Int("retry_count", updated.RetryCount))
	s.emit(id, string(updated.Status), map[string]int{"retry_count": updated.RetryCount})
	return updated, nil
}

// CancelTask transitions a Waiting or Working task to Cancelled. A Working
// task's worker learns of the cancellation lazily via StaleTask on its next
// CompleteTask.
func (s *Service) CancelTask(ctx context.Context, id, reason string) (*models.Task, error) {
	current, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Status != models.StatusWaiting && current.Status != models.StatusWorking {
		return nil, apperrors.New(apperrors.KindAlreadyTerminal, "task %q is already %s", id, current.Status)
	}

	updated, err := s.repo.UpdateIf(ctx, id, current.Status, func(t *models.Task) {
		now := time.Now().UTC()
		t.Status = models.StatusCancelled
		t.ErrorMessage = reason
		t.CompletedAt = &now
	})
	if err != nil {
		if apperrors.Is(err, apperrors.KindStaleStatus) {
			return nil, apperrors.New(apperrors.KindAlreadyTerminal, "task %q changed status before cancellation could be applied", id)
		}
		return nil, err
	}
	s.logger.Info("task cancelled", zap.String("task_id", id), zap.String("reason", reason))
	s.emit(id, string(updated.Status), map[string]string{"reason": reason})
	return updated, nil
}

// MarkTimedOut fails a Working task whose deadline has passed, used by the
// scheduler's sweep. It is the same Working->Failed CAS writeBackResult
// performs, exposed directly since the sweep has no Result to write back.
func (s *Service) MarkTimedOut(ctx context.Context, id string) (*models.Task, error) {
	updated, err := s.repo.UpdateIf(ctx, id, models.StatusWorking, func(t *models.Task) {
		t.Status = models.StatusFailed
		t.ErrorMessage = "timeout"
		if t.RetryCount >= t.MaxRetries {
			now := time.Now().UTC()
			t.CompletedAt = &now
		}
	})
	if err != nil {
		return nil, err
	}
	s.emit(id, string(updated.Status), map[string]string{"error_message": "timeout"})
	return updated, nil
}

// ListTasks is a thin wrapper over the repository's filtered query.
func (s *Service) ListTasks(ctx context.Context, filter repository.Filter) (repository.Page, error) {
	return s.repo.Query(ctx, filter)
}

// GetStatistics is a thin wrapper over the repository's aggregate view.
func (s *Service) GetStatistics(ctx context.Context) (repository.Statistics, error) {
	return s.repo.Statistics(ctx)
}

// Ping is the liveness probe of spec.md §6; it always succeeds.
func (s *Service) Ping(ctx context.Context) error {
	return nil
}
