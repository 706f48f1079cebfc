package pool

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/stagehand-dev/stagehand/internal/logging"
	"github.com/stagehand-dev/stagehand/pkg/models"
)

// Verify AutoscalingPool implements Pool at compile time.
var _ Pool = (*AutoscalingPool)(nil)

// SpawnSpec describes the worker to provision. Its contents are opaque to
// the pool and interpreted by the spawner.
type SpawnSpec struct {
	// Image is the worker image or binary to launch.
	Image string
	// CPUs is the requested CPU count.
	CPUs int
	// MemoryMB is the requested memory in megabytes.
	MemoryMB int
	// Tier is the performance tier the new worker should provide.
	Tier models.PerformanceTier
}

// Spawner provisions and tears down workers. It is an external collaborator;
// the pool never launches processes itself.
type Spawner interface {
	// Spawn provisions a worker and returns its profile, including the
	// assigned worker id.
	Spawn(ctx context.Context, spec SpawnSpec) (*models.WorkerProfile, error)
	// Terminate tears down the worker.
	Terminate(ctx context.Context, workerID string) error
}

// AutoscaleConfig bounds and tunes the autoscaling pool.
type AutoscaleConfig struct {
	// Min is the lower bound on worker count.
	Min int
	// Max is the upper bound on worker count.
	Max int
	// TargetUtilization is the utilization the pool scales toward.
	TargetUtilization float64
	// ScaleUpThreshold is the queue length that triggers a scale-up.
	ScaleUpThreshold int
	// IdleTimeout is how long a worker must sit idle before it is a
	// scale-down candidate.
	IdleTimeout time.Duration
	// Cooldown is the minimum gap between scaling actions.
	Cooldown time.Duration
	// EvalInterval is how often the evaluation loop runs.
	EvalInterval time.Duration
	// Spec is the spawn spec for new workers.
	Spec SpawnSpec
}

// DefaultAutoscaleConfig returns sane bounds for a local pool.
func DefaultAutoscaleConfig() AutoscaleConfig {
	return AutoscaleConfig{
		Min:               1,
		Max:               5,
		TargetUtilization: 0.7,
		ScaleUpThreshold:  3,
		IdleTimeout:       2 * time.Minute,
		Cooldown:          30 * time.Second,
		EvalInterval:      10 * time.Second,
	}
}

// AutoscalingPool grows and shrinks its worker set between Min and Max based
// on queue length and utilization. A periodic evaluation runs independently
// of task execution; spawn and terminate delegate to the Spawner.
type AutoscalingPool struct {
	cfg     AutoscaleConfig
	reg     *registry
	runner  TaskRunner
	spawner Spawner

	lastScale time.Time
	scaleMu   sync.Mutex

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewAutoscalingPool creates an autoscaling pool. Start must be called to
// provision the initial Min workers and begin the evaluation loop.
func NewAutoscalingPool(cfg AutoscaleConfig, runner TaskRunner, spawner Spawner) *AutoscalingPool {
	if cfg.Min < 0 {
		cfg.Min = 0
	}
	if cfg.Max < cfg.Min {
		cfg.Max = cfg.Min
	}
	if cfg.EvalInterval <= 0 {
		cfg.EvalInterval = DefaultAutoscaleConfig().EvalInterval
	}
	return &AutoscalingPool{
		cfg:     cfg,
		reg:     newRegistry(),
		runner:  runner,
		spawner: spawner,
	}
}

// Start provisions Min workers and launches the evaluation loop.
func (p *AutoscalingPool) Start(ctx context.Context) error {
	ctx, p.cancel = context.WithCancel(ctx)

	for i := 0; i < p.cfg.Min; i++ {
		if err := p.spawnOne(ctx); err != nil {
			logging.Debugf("[autoscale] initial spawn failed: %v", err)
		}
	}

	p.wg.Add(1)
	go p.evalLoop(ctx)
	return nil
}

// Stop halts the evaluation loop and terminates all workers.
func (p *AutoscalingPool) Stop(ctx context.Context) {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()

	for _, profile := range p.reg.profileSnapshot() {
		if err := p.spawner.Terminate(ctx, profile.WorkerID); err != nil {
			logging.Debugf("[autoscale] terminate %s failed: %v", profile.WorkerID, err)
		}
		p.reg.remove(profile.WorkerID)
	}
}

// evalLoop runs the periodic scaling evaluation until the context ends.
func (p *AutoscalingPool) evalLoop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.EvalInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.evaluate(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// evaluate applies at most one scaling action per call:
// up by one when the queue has reached the threshold or utilization exceeds
// target, down by one when a worker has sat idle past the timeout. Both
// directions honor the bounds and the cooldown.
func (p *AutoscalingPool) evaluate(ctx context.Context) {
	total, _, _, queue, avgUtil := p.reg.counts()

	p.scaleMu.Lock()
	cooledDown := time.Since(p.lastScale) >= p.cfg.Cooldown
	p.scaleMu.Unlock()
	if !cooledDown {
		return
	}

	if (queue >= p.cfg.ScaleUpThreshold || avgUtil > p.cfg.TargetUtilization) && total < p.cfg.Max {
		if err := p.spawnOne(ctx); err != nil {
			// No cooldown stamp: the next tick retries the spawn.
			logging.Debugf("[autoscale] scale-up spawn failed: %v", err)
			return
		}
		logging.Debugf("[autoscale] scaled up to %d workers (queue=%d, util=%.2f)", total+1, queue, avgUtil)
		p.markScaled()
		return
	}

	if total > p.cfg.Min {
		if victim, ok := p.longestIdle(); ok {
			p.terminateOne(ctx, victim)
			logging.Debugf("[autoscale] scaled down to %d workers (idle timeout)", total-1)
			p.markScaled()
		}
	}
}

// markScaled stamps the cooldown clock.
func (p *AutoscalingPool) markScaled() {
	p.scaleMu.Lock()
	p.lastScale = time.Now()
	p.scaleMu.Unlock()
}

// spawnOne provisions a single worker. A failed spawn is discarded without
// affecting the count.
func (p *AutoscalingPool) spawnOne(ctx context.Context) error {
	profile, err := p.spawner.Spawn(ctx, p.cfg.Spec)
	if err != nil {
		return err
	}
	p.reg.add(&models.WorkerInstance{
		ID:        profile.WorkerID,
		Status:    models.WorkerStatusReady,
		SpawnedAt: time.Now(),
	}, profile)
	return nil
}

// longestIdle returns the id of the worker that has been idle past the
// timeout for the longest, if any.
func (p *AutoscalingPool) longestIdle() (string, bool) {
	p.reg.mu.Lock()
	defer p.reg.mu.Unlock()

	cutoff := time.Now().Add(-p.cfg.IdleTimeout)
	var victim string
	var oldest time.Time
	for id, inst := range p.reg.instances {
		if inst.Status != models.WorkerStatusIdle || inst.LastUsedAt == nil {
			continue
		}
		if inst.LastUsedAt.Before(cutoff) && (victim == "" || inst.LastUsedAt.Before(oldest)) {
			victim = id
			oldest = *inst.LastUsedAt
		}
	}
	return victim, victim != ""
}

// terminateOne marks the worker terminating, removes it, and delegates
// teardown to the spawner.
func (p *AutoscalingPool) terminateOne(ctx context.Context, workerID string) {
	p.reg.mu.Lock()
	if inst, ok := p.reg.instances[workerID]; ok {
		inst.Status = models.WorkerStatusTerminating
	}
	p.reg.mu.Unlock()

	if err := p.spawner.Terminate(ctx, workerID); err != nil {
		logging.Debugf("[autoscale] terminate %s failed: %v", workerID, err)
	}
	p.reg.remove(workerID)
}

// desiredCount is the observability formula:
// max(min, min(max, max(busy + ceil(queue/2), ceil(count × util/target)))).
func (p *AutoscalingPool) desiredCount(total, busy, queue int, avgUtil float64) int {
	byQueue := busy + (queue+1)/2
	byUtil := 0
	if p.cfg.TargetUtilization > 0 {
		byUtil = int(math.Ceil(float64(total) * avgUtil / p.cfg.TargetUtilization))
	}

	desired := byQueue
	if byUtil > desired {
		desired = byUtil
	}
	if desired > p.cfg.Max {
		desired = p.cfg.Max
	}
	if desired < p.cfg.Min {
		desired = p.cfg.Min
	}
	return desired
}

// AvailableWorker reserves and returns an available worker id.
func (p *AutoscalingPool) AvailableWorker() (string, bool) {
	return p.reg.acquire()
}

// Acquire reserves the specific worker if it is available.
func (p *AutoscalingPool) Acquire(workerID string) bool {
	return p.reg.acquireSpecific(workerID)
}

// ExecuteTask runs the task on the reserved worker.
func (p *AutoscalingPool) ExecuteTask(ctx context.Context, workerID, taskID string, def *models.TaskDefinition) Result {
	return p.reg.runTask(ctx, p.runner, workerID, taskID, def)
}

// ReleaseWorker returns the worker to the idle set.
func (p *AutoscalingPool) ReleaseWorker(workerID string) {
	p.reg.release(workerID)
}

// IsAvailable reports whether the worker can currently accept a task.
func (p *AutoscalingPool) IsAvailable(workerID string) bool {
	return p.reg.isAvailable(workerID)
}

// Profiles returns a snapshot of all worker profiles, sorted by id.
func (p *AutoscalingPool) Profiles() []models.WorkerProfile {
	return p.reg.profileSnapshot()
}

// UpdateUtilization records a heartbeat's utilization reading.
func (p *AutoscalingPool) UpdateUtilization(workerID string, utilization float64) error {
	return p.reg.updateUtilization(workerID, utilization)
}

// Enqueue records a task waiting for a worker; the evaluation loop reads the
// queue length when deciding to scale up.
func (p *AutoscalingPool) Enqueue() { p.reg.enqueue() }

// Dequeue records that a waiting task stopped waiting.
func (p *AutoscalingPool) Dequeue() { p.reg.dequeue() }

// Metrics returns an observability snapshot including the desired count.
func (p *AutoscalingPool) Metrics() Metrics {
	total, busy, idle, queue, avgUtil := p.reg.counts()
	return Metrics{
		CurrentWorkers: total,
		DesiredWorkers: p.desiredCount(total, busy, queue, avgUtil),
		BusyWorkers:    busy,
		IdleWorkers:    idle,
		QueueLength:    queue,
		AvgUtilization: avgUtil,
	}
}
