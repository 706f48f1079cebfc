package pool

import (
	"context"
	"time"

	"github.com/stagehand-dev/stagehand/pkg/models"
)

// Verify FixedPool implements Pool at compile time.
var _ Pool = (*FixedPool)(nil)

// FixedPool manages a static set of workers. Availability is purely a
// free/busy partition; release returns a worker to the free set immediately.
type FixedPool struct {
	reg    *registry
	runner TaskRunner
}

// NewFixedPool creates a pool over the given worker profiles. Every worker
// starts ready.
func NewFixedPool(profiles []models.WorkerProfile, runner TaskRunner) *FixedPool {
	p := &FixedPool{
		reg:    newRegistry(),
		runner: runner,
	}
	now := time.Now()
	for i := range profiles {
		profile := profiles[i]
		p.reg.add(&models.WorkerInstance{
			ID:        profile.WorkerID,
			Status:    models.WorkerStatusReady,
			SpawnedAt: now,
		}, &profile)
	}
	return p
}

// AvailableWorker reserves and returns an available worker id.
func (p *FixedPool) AvailableWorker() (string, bool) {
	return p.reg.acquire()
}

// Acquire reserves the specific worker if it is available.
func (p *FixedPool) Acquire(workerID string) bool {
	return p.reg.acquireSpecific(workerID)
}

// ExecuteTask runs the task on the reserved worker.
func (p *FixedPool) ExecuteTask(ctx context.Context, workerID, taskID string, def *models.TaskDefinition) Result {
	return p.reg.runTask(ctx, p.runner, workerID, taskID, def)
}

// ReleaseWorker returns the worker to the free set.
func (p *FixedPool) ReleaseWorker(workerID string) {
	p.reg.release(workerID)
}

// IsAvailable reports whether the worker can currently accept a task.
func (p *FixedPool) IsAvailable(workerID string) bool {
	return p.reg.isAvailable(workerID)
}

// Profiles returns a snapshot of all worker profiles, sorted by id.
func (p *FixedPool) Profiles() []models.WorkerProfile {
	return p.reg.profileSnapshot()
}

// UpdateUtilization records a heartbeat's utilization reading.
func (p *FixedPool) UpdateUtilization(workerID string, utilization float64) error {
	return p.reg.updateUtilization(workerID, utilization)
}

// Enqueue records a task waiting for a worker, for queue-length metrics.
func (p *FixedPool) Enqueue() { p.reg.enqueue() }

// Dequeue records that a waiting task stopped waiting.
func (p *FixedPool) Dequeue() { p.reg.dequeue() }

// Metrics returns an observability snapshot.
func (p *FixedPool) Metrics() Metrics {
	total, busy, idle, queue, avgUtil := p.reg.counts()
	return Metrics{
		CurrentWorkers: total,
		DesiredWorkers: total,
		BusyWorkers:    busy,
		IdleWorkers:    idle,
		QueueLength:    queue,
		AvgUtilization: avgUtil,
	}
}
