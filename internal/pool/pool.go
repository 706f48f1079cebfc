// Package pool tracks worker lifecycle and availability. Two implementations
// share one contract: FixedPool with a static worker set, and AutoscalingPool
// which grows and shrinks between bounds based on load.
package pool

import (
	"context"
	"errors"

	"github.com/stagehand-dev/stagehand/pkg/models"
)

// ErrUnknownWorker indicates an operation referenced a worker id the pool
// does not track. This is a programmer error, raised immediately.
var ErrUnknownWorker = errors.New("unknown worker")

// Result is the structured outcome of a task execution on a worker.
type Result struct {
	// Success is true when the task completed without error.
	Success bool
	// Output is the worker's captured output.
	Output string
	// Err is the failure, when Success is false.
	Err error
}

// TaskRunner is the agent-adapter boundary: an interruptible task-execution
// primitive. The pool only needs success/output/error, not the adapter's
// internal protocol. Cancellation of ctx requests interruption; actually
// stopping the underlying process is the adapter's responsibility.
type TaskRunner interface {
	Run(ctx context.Context, workerID string, def *models.TaskDefinition) (output string, err error)
}

// Pool is the worker pool contract shared by both implementations.
type Pool interface {
	// AvailableWorker reserves and returns an available worker id.
	// Returns false when no worker can accept a task. A reserved worker is
	// never handed to a second caller before ReleaseWorker.
	AvailableWorker() (string, bool)
	// Acquire reserves the specific worker, returning false if it is not
	// currently available. Used when the selector has already chosen.
	Acquire(workerID string) bool
	// ExecuteTask runs the task definition on the reserved worker.
	ExecuteTask(ctx context.Context, workerID, taskID string, def *models.TaskDefinition) Result
	// ReleaseWorker returns the worker to the available set.
	ReleaseWorker(workerID string)
	// IsAvailable reports whether the worker can currently accept a task.
	IsAvailable(workerID string) bool
	// Profiles returns a snapshot of all worker profiles, sorted by id.
	Profiles() []models.WorkerProfile
	// UpdateUtilization records a heartbeat's utilization reading in [0,1].
	UpdateUtilization(workerID string, utilization float64) error
	// Metrics returns an observability snapshot.
	Metrics() Metrics
}

// Metrics is a point-in-time observability snapshot of a pool.
type Metrics struct {
	// CurrentWorkers is the number of live workers.
	CurrentWorkers int `json:"current_workers"`
	// DesiredWorkers is the autoscaler's target count; equals CurrentWorkers
	// for fixed pools.
	DesiredWorkers int `json:"desired_workers"`
	// BusyWorkers is the number of workers executing a task.
	BusyWorkers int `json:"busy_workers"`
	// IdleWorkers is the number of workers able to accept a task.
	IdleWorkers int `json:"idle_workers"`
	// QueueLength is the number of tasks waiting for a worker.
	QueueLength int `json:"queue_length"`
	// AvgUtilization is the mean utilization across profiles.
	AvgUtilization float64 `json:"avg_utilization"`
}
