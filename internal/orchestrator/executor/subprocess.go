package executor

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/kandev/orchestrator/internal/common/stringutil"
	"github.com/kandev/orchestrator/internal/task/models"
)

// stderrTailBytes bounds how much of a failed subprocess's stderr is kept
// as the task's error_message.
const stderrTailBytes = 4096

// Subprocess is the "AI-agent" strategy of spec.md §4.4.2: it invokes a
// configured external command with the task's prompt piped to stdin and
// work_directory as the process's working directory.
type Subprocess struct {
	// Command is run through "sh -c", so it may itself contain arguments
	// (e.g. "claude -p --model sonnet").
	Command string
	// KillGrace is how long to wait after SIGTERM before escalating to
	// SIGKILL when the context deadline fires.
	KillGrace time.Duration
}

// NewSubprocess constructs a Subprocess strategy.
func NewSubprocess(command string, killGrace time.Duration) *Subprocess {
	if killGrace <= 0 {
		killGrace = 5 * time.Second
	}
	return &Subprocess{Command: command, KillGrace: killGrace}
}

// Execute runs s.Command with task.Prompt on stdin and task.WorkDirectory
// as the working directory, killing the child with SIGTERM then SIGKILL if
// ctx is cancelled before it exits.
func (s *Subprocess) Execute(ctx context.Context, task *models.Task) (*models.Result, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", s.Command)
	cmd.Dir = task.WorkDirectory
	cmd.Stdin = strings.NewReader(task.Prompt)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = s.KillGrace

	start := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(start)

	if ctx.Err() != nil {
		return &models.Result{
			Status:     models.ResultFailure,
			Output:     stdout.String(),
			DurationMs: elapsed.Milliseconds(),
		}, fmt.Errorf("timeout")
	}

	if runErr != nil {
		tail := stringutil.TruncateStringWithEllipsis(stderr.String(), stderrTailBytes)
		return &models.Result{
			Status:     models.ResultFailure,
			Output:     stdout.String(),
			DurationMs: elapsed.Milliseconds(),
		}, fmt.Errorf("%s", strings.TrimSpace(tail))
	}

	return &models.Result{
		Status:     models.ResultSuccess,
		Output:     stdout.String(),
		DurationMs: elapsed.Milliseconds(),
	}, nil
}
