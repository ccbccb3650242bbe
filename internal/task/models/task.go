// Package models defines the task entity and its supporting value types.
package models

import (
	"fmt"
	"time"
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusWaiting   Status = "WAITING"
	StatusWorking   Status = "WORKING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

// Priority orders tasks within the acquisition queue. Higher values are
// acquired first.
type Priority int

const (
	PriorityLow    Priority = 1
	PriorityMedium Priority = 2
	PriorityHigh   Priority = 3
	PriorityUrgent Priority = 4
)

// ParsePriority maps an all-lowercase or all-uppercase name (or "", meaning
// medium) to a Priority; other spellings such as "High" are rejected.
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "", "medium", "MEDIUM":
		return PriorityMedium, nil
	case "low", "LOW":
		return PriorityLow, nil
	case "high", "HIGH":
		return PriorityHigh, nil
	case "urgent", "URGENT":
		return PriorityUrgent, nil
	default:
		return 0, fmt.Errorf("unknown priority %q", s)
	}
}

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityMedium:
		return "medium"
	case PriorityHigh:
		return "high"
	case PriorityUrgent:
		return "urgent"
	default:
		return "unknown"
	}
}

// ExecutionMode selects which executor strategy runs a task.
type ExecutionMode string

const (
	ExecutionModeStandard   ExecutionMode = "standard"
	ExecutionModeClaudeCode ExecutionMode = "claude_code"
)

// IsCustom reports whether mode refers to a registry-looked-up strategy
// rather than one of the two built-in names.
func (m ExecutionMode) IsCustom() bool {
	return m != ExecutionModeStandard && m != ExecutionModeClaudeCode
}

const (
	DefaultMaxRetries     = 3
	MaxAllowedRetries     = 10
	DefaultTimeoutSeconds = 3600
	MaxPromptBytes        = 64 * 1024
)

// ResultStatus is the outcome reported by an executor.
type ResultStatus string

const (
	ResultSuccess ResultStatus = "success"
	ResultFailure ResultStatus = "failure"
)

// Result is what an executor strategy yields after running a task.
type Result struct {
	Status     ResultStatus   `json:"status"`
	Output     string         `json:"output"`
	DurationMs int64          `json:"duration_ms"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Task is the central entity of the orchestrator.
type Task struct {
	ID             string        `json:"id"`
	WorkDirectory  string        `json:"work_directory"`
	Prompt         string        `json:"prompt"`
	Priority       Priority      `json:"priority"`
	Status         Status        `json:"status"`
	ExecutionMode  ExecutionMode `json:"execution_mode"`
	Tags           []string      `json:"tags,omitempty"`
	MaxRetries     int           `json:"max_retries"`
	RetryCount     int           `json:"retry_count"`
	TimeoutSeconds int           `json:"timeout_seconds"`
	WorkerID       string        `json:"worker_id,omitempty"`
	Result         *Result       `json:"result,omitempty"`
	ErrorMessage   string        `json:"error_message,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Clone returns a deep-enough copy for safe handoff across goroutines —
// callers must never mutate a Task they did not just clone.
func (t *Task) Clone() *Task {
	c := *t
	if t.Tags != nil {
		c.Tags = append([]string(nil), t.Tags...)
	}
	if t.Result != nil {
		r := *t.Result
		c.Result = &r
	}
	if t.StartedAt != nil {
		v := *t.StartedAt
		c.StartedAt = &v
	}
	if t.CompletedAt != nil {
		v := *t.CompletedAt
		c.CompletedAt = &v
	}
	return &c
}

// IsTerminal reports whether the task's status admits no further transition
// without an explicit administrative delete, per spec.md §3.2 invariant 7.
func (t *Task) IsTerminal() bool {
	switch t.Status {
	case StatusCompleted, StatusCancelled:
		return true
	case StatusFailed:
		return t.RetryCount >= t.MaxRetries
	default:
		return false
	}
}

// transitions enumerates the state machine graph of spec.md §4.1.
var transitions = map[Status]map[Status]bool{
	StatusWaiting:   {StatusWorking: true, StatusCancelled: true},
	StatusWorking:   {StatusCompleted: true, StatusFailed: true, StatusWaiting: true, StatusCancelled: true},
	StatusFailed:    {StatusWaiting: true},
	StatusCompleted: {},
	StatusCancelled: {},
}

// CanTransition reports whether from -> to is an edge in the state graph.
func CanTransition(from, to Status) bool {
	targets, ok := transitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// CreateInput holds the caller-supplied fields of a new task; its Validate
// method checks the creation-time constraints of spec.md §3.1/§8 Boundaries.
type CreateInput struct {
	WorkDirectory string
	Prompt        string
	Priority      Priority
	ExecutionMode ExecutionMode
	Tags          []string
	// MaxRetries is a pointer so New can tell "caller didn't set it" (nil,
	// defaults to DefaultMaxRetries) apart from an explicit 0 (no retries).
	MaxRetries     *int
	TimeoutSeconds int
}

// IntPtr is a small convenience for populating CreateInput.MaxRetries with
// an explicit value, including 0.
func IntPtr(v int) *int {
	return &v
}

// ValidationError describes a single failed field constraint.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Validate enforces spec.md's boundary conditions and returns the first
// violation found.
func (in *CreateInput) Validate() error {
	if in.WorkDirectory == "" {
		return &ValidationError{Field: "work_directory", Message: "must not be empty"}
	}
	if in.Prompt == "" {
		return &ValidationError{Field: "prompt", Message: "must not be empty"}
	}
	if len(in.Prompt) > MaxPromptBytes {
		return &ValidationError{Field: "prompt", Message: "exceeds maximum length"}
	}
	if in.Priority < PriorityLow || in.Priority > PriorityUrgent {
		return &ValidationError{Field: "priority", Message: "must be one of low, medium, high, urgent"}
	}
	if in.MaxRetries != nil && (*in.MaxRetries < 0 || *in.MaxRetries > MaxAllowedRetries) {
		return &ValidationError{Field: "max_retries", Message: "must be between 0 and 10"}
	}
	if in.TimeoutSeconds <= 0 {
		return &ValidationError{Field: "timeout_seconds", Message: "must be positive"}
	}
	return nil
}

// New builds a Task in the Waiting state from validated input. Callers
// supply id/now so that repository and clock concerns stay out of the
// model package.
func New(id string, in CreateInput, now time.Time) *Task {
	mode := in.ExecutionMode
	if mode == "" {
		mode = ExecutionModeStandard
	}
	maxRetries := DefaultMaxRetries
	if in.MaxRetries != nil {
		maxRetries = *in.MaxRetries
	}
	timeout := in.TimeoutSeconds
	if timeout == 0 {
		timeout = DefaultTimeoutSeconds
	}
	return &Task{
		ID:             id,
		WorkDirectory:  in.WorkDirectory,
		Prompt:         in.Prompt,
		Priority:       in.Priority,
		Status:         StatusWaiting,
		ExecutionMode:  mode,
		Tags:           in.Tags,
		MaxRetries:     maxRetries,
		TimeoutSeconds: timeout,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}
