package models

import "time"

// TaskStatus represents the current state of a task execution.
type TaskStatus string

const (
	// TaskStatusPending indicates the task has not started.
	TaskStatusPending TaskStatus = "pending"
	// TaskStatusRunning indicates the task is actively executing on a worker.
	TaskStatusRunning TaskStatus = "running"
	// TaskStatusCompleted indicates the task finished successfully.
	TaskStatusCompleted TaskStatus = "completed"
	// TaskStatusFailed indicates the task failed after exhausting retries.
	TaskStatusFailed TaskStatus = "failed"
	// TaskStatusRetrying indicates the task failed and is waiting for a retry attempt.
	TaskStatusRetrying TaskStatus = "retrying"
)

// Valid returns true if the status is a known value.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusPending, TaskStatusRunning, TaskStatusCompleted,
		TaskStatusFailed, TaskStatusRetrying:
		return true
	default:
		return false
	}
}

// Terminal returns true once the status can no longer change.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

// TaskComplexity is a hint about how demanding a task is expected to be.
type TaskComplexity string

const (
	// ComplexitySimple suits low-tier workers.
	ComplexitySimple TaskComplexity = "simple"
	// ComplexityModerate suits medium-tier workers.
	ComplexityModerate TaskComplexity = "moderate"
	// ComplexityComplex suits high-tier workers.
	ComplexityComplex TaskComplexity = "complex"
)

// PreferredTier returns the worker tier this complexity biases toward.
func (c TaskComplexity) PreferredTier() PerformanceTier {
	switch c {
	case ComplexitySimple:
		return TierLow
	case ComplexityComplex:
		return TierHigh
	default:
		return TierMedium
	}
}

// TaskDefinition describes a unit of work handed to a worker.
type TaskDefinition struct {
	// ID is the unique identifier for this task.
	ID string `json:"id" yaml:"id"`
	// Title is a short human-readable summary.
	Title string `json:"title" yaml:"title"`
	// Prompt is the instruction passed to the agent adapter.
	Prompt string `json:"prompt" yaml:"prompt"`
	// Complexity hints at the worker tier the task should run on.
	Complexity TaskComplexity `json:"complexity,omitempty" yaml:"complexity,omitempty"`
	// EstimatedDuration is the expected run time, used for cost estimates.
	// Zero means unknown; the selector falls back to worker history.
	EstimatedDuration time.Duration `json:"estimated_duration,omitempty" yaml:"estimated_duration,omitempty"`
}

// Stage is a set of task IDs that may run concurrently.
type Stage struct {
	// Name is an optional label for the stage.
	Name string `json:"name,omitempty" yaml:"name,omitempty"`
	// TaskIDs lists the tasks in this stage, launched in order.
	TaskIDs []string `json:"tasks" yaml:"tasks"`
}

// ExecutionPlan is an ordered list of stages. Stages execute sequentially;
// a stage starts only after every task of the previous stage is terminal.
// Plans are produced by the decomposition layer and consumed read-only.
type ExecutionPlan struct {
	// ID identifies the plan, for logging and persistence.
	ID string `json:"id,omitempty" yaml:"id,omitempty"`
	// Stages are executed strictly in order.
	Stages []Stage `json:"stages" yaml:"stages"`
}

// TaskCount returns the total number of task references across all stages.
func (p *ExecutionPlan) TaskCount() int {
	n := 0
	for _, stage := range p.Stages {
		n += len(stage.TaskIDs)
	}
	return n
}

// TaskExecution tracks the progress of a single task through the scheduler.
// The record is owned by the task's execution goroutine until it reaches a
// terminal status; only the scheduler's aggregation step reads it afterwards.
type TaskExecution struct {
	// TaskID is the task this execution tracks.
	TaskID string `json:"task_id"`
	// Status is the current state of the execution.
	Status TaskStatus `json:"status"`
	// WorkerID is the worker the task ran on, once assigned.
	WorkerID string `json:"worker_id,omitempty"`
	// StartedAt is when the task began running.
	StartedAt *time.Time `json:"started_at,omitempty"`
	// CompletedAt is when the task reached a terminal status.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	// Retries is the number of retry attempts consumed.
	Retries int `json:"retries"`
	// Error holds the terminal failure reason, if any.
	Error string `json:"error,omitempty"`
}
