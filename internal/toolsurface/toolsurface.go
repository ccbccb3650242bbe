// Package toolsurface projects the Orchestrator Service as the nine named
// MCP tools of spec.md §4.6/§6, plus a liveness ping. Each handler calls
// straight into the service in-process; there is no HTTP round-trip to a
// separate API the way the teacher's task-management tools had to make one.
package toolsurface

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/kandev/orchestrator/internal/apperrors"
	"github.com/kandev/orchestrator/internal/common/logger"
	"github.com/kandev/orchestrator/internal/orchestrator/service"
	"github.com/kandev/orchestrator/internal/task/models"
	"github.com/kandev/orchestrator/internal/task/repository"
)

// Register adds the orchestrator's tool surface to an existing MCP server.
func Register(s *server.MCPServer, svc *service.Service, log *logger.Logger) {
	log = log.WithFields(zap.String("component", "toolsurface"))

	s.AddTool(
		mcp.NewTool("create_task",
			mcp.WithDescription("Create a new task for a worker to pick up."),
			mcp.WithString("work_directory", mcp.Required(), mcp.Description("Routing/filter key for acquisition")),
			mcp.WithString("prompt", mcp.Required(), mcp.Description("Opaque payload describing the work")),
			mcp.WithString("priority", mcp.Description("low, medium, high, or urgent (default medium)")),
			mcp.WithString("execution_mode", mcp.Description("standard, claude_code, or a registered custom name (default standard)")),
			mcp.WithArray("tags", mcp.Description("Free-form labels for filtering")),
			mcp.WithNumber("max_retries", mcp.Description("Upper bound on retry_task calls (default 3)")),
			mcp.WithNumber("timeout_seconds", mcp.Description("Wall-clock deadline once Working (default 3600)")),
		),
		createTaskHandler(svc, log),
	)

	s.AddTool(
		mcp.NewTool("get_task",
			mcp.WithDescription("Fetch a task by id."),
			mcp.WithString("id", mcp.Required()),
		),
		getTaskHandler(svc, log),
	)

	s.AddTool(
		mcp.NewTool("acquire_task",
			mcp.WithDescription("Acquire the next eligible Waiting task under a work_directory filter."),
			mcp.WithString("worker_id", mcp.Required()),
			mcp.WithString("work_directory", mcp.Required(), mcp.Description("Prefix filter; pass the exact directory to match one route")),
		),
		acquireTaskHandler(svc, log),
	)

	s.AddTool(
		mcp.NewTool("execute_task",
			mcp.WithDescription("Dispatch a Working task to its executor strategy and record the outcome."),
			mcp.WithString("id", mcp.Required()),
		),
		executeTaskHandler(svc, log),
	)

	s.AddTool(
		mcp.NewTool("complete_task",
			mcp.WithDescription("Report a worker-observed outcome for a task it holds."),
			mcp.WithString("id", mcp.Required()),
			mcp.WithString("worker_id", mcp.Required()),
			mcp.WithString("status", mcp.Required(), mcp.Description("success or failure")),
			mcp.WithString("output", mcp.Description("Free-form result text")),
			mcp.WithNumber("duration_ms", mcp.Description("Measured by the caller")),
		),
		completeTaskHandler(svc, log),
	)

	s.AddTool(
		mcp.NewTool("retry_task",
			mcp.WithDescription("Re-queue a Failed task with remaining retries."),
			mcp.WithString("id", mcp.Required()),
		),
		retryTaskHandler(svc, log),
	)

	s.AddTool(
		mcp.NewTool("cancel_task",
			mcp.WithDescription("Cancel a Waiting or Working task."),
			mcp.WithString("id", mcp.Required()),
			mcp.WithString("reason", mcp.Description("Human-readable cancellation reason")),
		),
		cancelTaskHandler(svc, log),
	)

	s.AddTool(
		mcp.NewTool("list_tasks",
			mcp.WithDescription("Query tasks by status, priority, work_directory prefix, and tags."),
			mcp.WithString("status", mcp.Description("waiting, working, completed, failed, or cancelled")),
			mcp.WithString("priority", mcp.Description("low, medium, high, or urgent")),
			mcp.WithString("work_directory_prefix", mcp.Description("")),
			mcp.WithArray("tags", mcp.Description("All listed tags must be present")),
			mcp.WithNumber("limit", mcp.Description("Page size")),
			mcp.WithNumber("offset", mcp.Description("Page offset")),
		),
		listTasksHandler(svc, log),
	)

	s.AddTool(
		mcp.NewTool("get_statistics",
			mcp.WithDescription("Return a statistics snapshot: counts by status/priority, average completion time, queue depth, and per-worker load."),
		),
		statisticsHandler(svc, log),
	)

	s.AddTool(
		mcp.NewTool("ping",
			mcp.WithDescription("Liveness probe; always succeeds."),
		),
		pingHandler(),
	)

	log.Info("registered tool surface", zap.Int("count", 10))
}

func errorResult(err error) *mcp.CallToolResult {
	kind := apperrors.KindOf(err)
	return mcp.NewToolResultError(fmt.Sprintf("%s: %s", kind, err.Error()))
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	body, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to encode result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(body)), nil
}

// maxRetriesArg reads max_retries straight out of the raw argument map
// rather than through req.GetInt, which collapses "absent" and "explicitly
// 0" to the same default. A caller who omits the field gets
// CreateInput.MaxRetries == nil (New applies DefaultMaxRetries); a caller
// who passes 0 gets a task with no retries at all.
func maxRetriesArg(req mcp.CallToolRequest) *int {
	raw, ok := req.Params.Arguments.(map[string]any)
	if !ok {
		return nil
	}
	v, ok := raw["max_retries"]
	if !ok {
		return nil
	}
	switch n := v.(type) {
	case float64:
		return models.IntPtr(int(n))
	case int:
		return models.IntPtr(n)
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return nil
		}
		return models.IntPtr(int(i))
	default:
		return nil
	}
}

func createTaskHandler(svc *service.Service, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		workDirectory, err := req.RequireString("work_directory")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		prompt, err := req.RequireString("prompt")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		priority, err := models.ParsePriority(req.GetString("priority", ""))
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		input := models.CreateInput{
			WorkDirectory:  workDirectory,
			Prompt:         prompt,
			Priority:       priority,
			ExecutionMode:  models.ExecutionMode(req.GetString("execution_mode", "")),
			Tags:           req.GetStringSlice("tags", nil),
			MaxRetries:     maxRetriesArg(req),
			TimeoutSeconds: req.GetInt("timeout_seconds", 0),
		}

		task, err := svc.CreateTask(ctx, input)
		if err != nil {
			log.Error("create_task failed", zap.Error(err))
			return errorResult(err), nil
		}
		return jsonResult(task)
	}
}

func getTaskHandler(svc *service.Service, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		task, err := svc.GetTask(ctx, id)
		if err != nil {
			return errorResult(err), nil
		}
		return jsonResult(task)
	}
}

func acquireTaskHandler(svc *service.Service, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		workerID, err := req.RequireString("worker_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		workDirectory, err := req.RequireString("work_directory")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		task, err := svc.AcquireTask(ctx, workerID, workDirectory)
		if err != nil {
			return errorResult(err), nil
		}
		return jsonResult(task)
	}
}

func executeTaskHandler(svc *service.Service, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		result, err := svc.ExecuteTask(ctx, id)
		if err != nil {
			log.Warn("execute_task failed", zap.String("task_id", id), zap.Error(err))
			return errorResult(err), nil
		}
		return jsonResult(result)
	}
}

func completeTaskHandler(svc *service.Service, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		workerID, err := req.RequireString("worker_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		statusStr, err := req.RequireString("status")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		var status models.ResultStatus
		switch statusStr {
		case "success":
			status = models.ResultSuccess
		case "failure":
			status = models.ResultFailure
		default:
			return mcp.NewToolResultError(fmt.Sprintf("status must be success or failure, got %q", statusStr)), nil
		}

		result := &models.Result{
			Status:     status,
			Output:     req.GetString("output", ""),
			DurationMs: int64(req.GetInt("duration_ms", 0)),
		}

		task, err := svc.CompleteTask(ctx, id, workerID, result)
		if err != nil {
			return errorResult(err), nil
		}
		return jsonResult(task)
	}
}

func retryTaskHandler(svc *service.Service, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		task, err := svc.RetryTask(ctx, id)
		if err != nil {
			return errorResult(err), nil
		}
		return jsonResult(task)
	}
}

func cancelTaskHandler(svc *service.Service, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		task, err := svc.CancelTask(ctx, id, req.GetString("reason", ""))
		if err != nil {
			return errorResult(err), nil
		}
		return jsonResult(task)
	}
}

func listTasksHandler(svc *service.Service, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		filter := repository.Filter{
			WorkDirectoryPrefix: req.GetString("work_directory_prefix", ""),
			Tags:                req.GetStringSlice("tags", nil),
			Limit:               req.GetInt("limit", 0),
			Offset:              req.GetInt("offset", 0),
		}
		if statusStr := req.GetString("status", ""); statusStr != "" {
			status := models.Status(strings.ToUpper(statusStr))
			filter.Status = &status
		}
		if priorityStr := req.GetString("priority", ""); priorityStr != "" {
			priority, err := models.ParsePriority(priorityStr)
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			filter.Priority = &priority
		}

		page, err := svc.ListTasks(ctx, filter)
		if err != nil {
			return errorResult(err), nil
		}
		return jsonResult(page)
	}
}

func statisticsHandler(svc *service.Service, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		stats, err := svc.GetStatistics(ctx)
		if err != nil {
			return errorResult(err), nil
		}
		return jsonResult(stats)
	}
}

func pingHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return mcp.NewToolResultText("pong"), nil
	}
}
