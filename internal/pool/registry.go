package pool

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/stagehand-dev/stagehand/internal/logging"
	"github.com/stagehand-dev/stagehand/pkg/models"
)

// registry is the shared mutable core of both pool implementations: worker
// instances and profiles keyed by id, every mutation atomic under one mutex.
// Acquire flips a worker to busy before returning it, so two concurrent
// acquires can never see the same idle worker.
type registry struct {
	mu        sync.Mutex
	instances map[string]*models.WorkerInstance
	profiles  map[string]*models.WorkerProfile
	queue     int // tasks currently waiting for a worker
}

func newRegistry() *registry {
	return &registry{
		instances: make(map[string]*models.WorkerInstance),
		profiles:  make(map[string]*models.WorkerProfile),
	}
}

// add registers a worker with its profile.
func (r *registry) add(inst *models.WorkerInstance, profile *models.WorkerProfile) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.instances[inst.ID] = inst
	r.profiles[inst.ID] = profile
}

// remove deletes a worker and its profile.
func (r *registry) remove(workerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.instances, workerID)
	delete(r.profiles, workerID)
}

// acquire reserves the first acceptable worker in sorted-id order and flips
// it to busy. Deterministic iteration keeps selection stable across runs.
func (r *registry) acquire() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(r.instances))
	for id := range r.instances {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		inst := r.instances[id]
		if inst.Status.Acceptable() {
			inst.Status = models.WorkerStatusBusy
			return id, true
		}
	}
	return "", false
}

// acquireSpecific reserves the named worker if it can accept a task.
func (r *registry) acquireSpecific(workerID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst, ok := r.instances[workerID]
	if !ok || !inst.Status.Acceptable() {
		return false
	}
	inst.Status = models.WorkerStatusBusy
	return true
}

// release returns a busy worker to the idle set.
func (r *registry) release(workerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst, ok := r.instances[workerID]
	if !ok {
		return
	}
	if inst.Status == models.WorkerStatusBusy {
		now := time.Now()
		inst.Status = models.WorkerStatusIdle
		inst.CurrentTaskID = ""
		inst.LastUsedAt = &now
	}
}

// isAvailable reports whether the worker can accept a task right now.
func (r *registry) isAvailable(workerID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst, ok := r.instances[workerID]
	return ok && inst.Status.Acceptable()
}

// setTask records the task a busy worker is running.
func (r *registry) setTask(workerID, taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if inst, ok := r.instances[workerID]; ok {
		inst.CurrentTaskID = taskID
	}
}

// recordCompletion folds a finished task's duration into the worker's
// rolling average completion time.
func (r *registry) recordCompletion(workerID string, elapsed time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	profile, ok := r.profiles[workerID]
	if !ok {
		return
	}
	if profile.AvgCompletionTime == 0 {
		profile.AvgCompletionTime = elapsed
	} else {
		profile.AvgCompletionTime = (profile.AvgCompletionTime + elapsed) / 2
	}
}

// updateUtilization records a heartbeat reading, clamped to [0,1].
func (r *registry) updateUtilization(workerID string, utilization float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	profile, ok := r.profiles[workerID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownWorker, workerID)
	}
	if utilization < 0 {
		utilization = 0
	}
	if utilization > 1 {
		utilization = 1
	}
	profile.CurrentUtilization = utilization
	return nil
}

// profileSnapshot returns copies of all profiles, sorted by worker id.
func (r *registry) profileSnapshot() []models.WorkerProfile {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]models.WorkerProfile, 0, len(r.profiles))
	for _, p := range r.profiles {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorkerID < out[j].WorkerID })
	return out
}

// enqueue records a task waiting for a worker.
func (r *registry) enqueue() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queue++
}

// dequeue records that a waiting task got a worker or gave up.
func (r *registry) dequeue() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.queue > 0 {
		r.queue--
	}
}

// counts returns (total, busy, idle, queue, avg utilization) under one lock.
func (r *registry) counts() (total, busy, idle, queue int, avgUtil float64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	total = len(r.instances)
	for _, inst := range r.instances {
		switch {
		case inst.Status == models.WorkerStatusBusy:
			busy++
		case inst.Status.Acceptable():
			idle++
		}
	}
	if len(r.profiles) > 0 {
		var sum float64
		for _, p := range r.profiles {
			sum += p.CurrentUtilization
		}
		avgUtil = sum / float64(len(r.profiles))
	}
	return total, busy, idle, r.queue, avgUtil
}

// runTask executes the definition through the runner with status bookkeeping
// shared by both pool implementations.
func (r *registry) runTask(ctx context.Context, runner TaskRunner, workerID, taskID string, def *models.TaskDefinition) Result {
	if !r.knows(workerID) {
		return Result{Err: fmt.Errorf("%w: %s", ErrUnknownWorker, workerID)}
	}
	if runner == nil {
		return Result{Err: fmt.Errorf("no task runner configured")}
	}

	r.setTask(workerID, taskID)
	start := time.Now()

	output, err := runner.Run(ctx, workerID, def)
	elapsed := time.Since(start)
	r.recordCompletion(workerID, elapsed)

	if err != nil {
		logging.Debugf("[pool] worker %s failed task %s after %s: %v", workerID, taskID, elapsed, err)
		return Result{Output: output, Err: err}
	}

	logging.Debugf("[pool] worker %s completed task %s in %s", workerID, taskID, elapsed)
	return Result{Success: true, Output: output}
}

// knows reports whether the registry tracks the worker.
func (r *registry) knows(workerID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.instances[workerID]
	return ok
}
