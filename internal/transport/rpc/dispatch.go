package rpc

import (
	"context"
	"encoding/json"

	"github.com/kandev/orchestrator/internal/apperrors"
	"github.com/kandev/orchestrator/internal/task/models"
	"github.com/kandev/orchestrator/internal/task/repository"
)

// dispatch routes method to the matching Service call, decoding params into
// the shape that operation expects. Unknown methods report InvalidInput
// rather than a bespoke "method not found" kind, since spec.md's code space
// has no separate slot for it.
func (h *Handler) dispatch(ctx context.Context, method string, params json.RawMessage) (any, error) {
	switch method {
	case "ping":
		return "pong", h.svc.Ping(ctx)

	case "create_task":
		var p struct {
			WorkDirectory  string   `json:"work_directory"`
			Prompt         string   `json:"prompt"`
			Priority       string   `json:"priority"`
			ExecutionMode  string   `json:"execution_mode"`
			Tags           []string `json:"tags"`
			MaxRetries     *int     `json:"max_retries"`
			TimeoutSeconds int      `json:"timeout_seconds"`
		}
		if err := unmarshal(params, &p); err != nil {
			return nil, err
		}
		priority := models.PriorityMedium
		if p.Priority != "" {
			parsed, err := models.ParsePriority(p.Priority)
			if err != nil {
				return nil, apperrors.Wrap(apperrors.KindInvalidInput, err, "create_task: %v", err)
			}
			priority = parsed
		}
		return h.svc.CreateTask(ctx, models.CreateInput{
			WorkDirectory:  p.WorkDirectory,
			Prompt:         p.Prompt,
			Priority:       priority,
			ExecutionMode:  models.ExecutionMode(p.ExecutionMode),
			Tags:           p.Tags,
			MaxRetries:     p.MaxRetries,
			TimeoutSeconds: p.TimeoutSeconds,
		})

	case "get_task":
		var p struct {
			ID string `json:"id"`
		}
		if err := unmarshal(params, &p); err != nil {
			return nil, err
		}
		return h.svc.GetTask(ctx, p.ID)

	case "acquire_task":
		var p struct {
			WorkerID      string `json:"worker_id"`
			WorkDirectory string `json:"work_directory"`
		}
		if err := unmarshal(params, &p); err != nil {
			return nil, err
		}
		return h.svc.AcquireTask(ctx, p.WorkerID, p.WorkDirectory)

	case "execute_task":
		var p struct {
			ID string `json:"id"`
		}
		if err := unmarshal(params, &p); err != nil {
			return nil, err
		}
		return h.svc.ExecuteTask(ctx, p.ID)

	case "complete_task":
		var p struct {
			ID       string `json:"id"`
			WorkerID string `json:"worker_id"`
			Result   struct {
				Status     string         `json:"status"`
				Output     string         `json:"output"`
				DurationMs int64          `json:"duration_ms"`
				Metadata   map[string]any `json:"metadata"`
			} `json:"result"`
		}
		if err := unmarshal(params, &p); err != nil {
			return nil, err
		}
		status := models.ResultFailure
		if p.Result.Status == "success" {
			status = models.ResultSuccess
		}
		return h.svc.CompleteTask(ctx, p.ID, p.WorkerID, &models.Result{
			Status:     status,
			Output:     p.Result.Output,
			DurationMs: p.Result.DurationMs,
			Metadata:   p.Result.Metadata,
		})

	case "retry_task":
		var p struct {
			ID string `json:"id"`
		}
		if err := unmarshal(params, &p); err != nil {
			return nil, err
		}
		return h.svc.RetryTask(ctx, p.ID)

	case "cancel_task":
		var p struct {
			ID     string `json:"id"`
			Reason string `json:"reason"`
		}
		if err := unmarshal(params, &p); err != nil {
			return nil, err
		}
		return h.svc.CancelTask(ctx, p.ID, p.Reason)

	case "list_tasks":
		var p struct {
			Status              string   `json:"status"`
			Priority            string   `json:"priority"`
			WorkDirectoryPrefix string   `json:"work_directory_prefix"`
			Tags                []string `json:"tags"`
			Limit               int      `json:"limit"`
			Offset              int      `json:"offset"`
		}
		if err := unmarshal(params, &p); err != nil {
			return nil, err
		}
		filter := repository.Filter{
			WorkDirectoryPrefix: p.WorkDirectoryPrefix,
			Tags:                p.Tags,
			Limit:               p.Limit,
			Offset:              p.Offset,
		}
		if p.Status != "" {
			status := models.Status(p.Status)
			filter.Status = &status
		}
		if p.Priority != "" {
			priority, err := models.ParsePriority(p.Priority)
			if err != nil {
				return nil, apperrors.Wrap(apperrors.KindInvalidInput, err, "list_tasks: %v", err)
			}
			filter.Priority = &priority
		}
		return h.svc.ListTasks(ctx, filter)

	case "get_statistics":
		return h.svc.GetStatistics(ctx)

	default:
		return nil, apperrors.New(apperrors.KindInvalidInput, "unknown method %q", method)
	}
}

func unmarshal(params json.RawMessage, v any) error {
	if len(params) == 0 {
		return nil
	}
	if err := json.Unmarshal(params, v); err != nil {
		return apperrors.Wrap(apperrors.KindInvalidInput, err, "malformed params: %v", err)
	}
	return nil
}
