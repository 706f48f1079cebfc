// Package scheduler consumes an execution plan and drives its tasks through
// the worker pool: stages run strictly in order, tasks within a stage run
// concurrently up to a bound, and failures route through the retry contract.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/stagehand-dev/stagehand/internal/logging"
	"github.com/stagehand-dev/stagehand/internal/pool"
	"github.com/stagehand-dev/stagehand/internal/retry"
	"github.com/stagehand-dev/stagehand/internal/selector"
	"github.com/stagehand-dev/stagehand/internal/workspace"
	"github.com/stagehand-dev/stagehand/pkg/models"
)

// ErrUnknownTask indicates a stage references a task id missing from the
// definition map. This is a caller error: the plan is rejected before any
// stage runs, and nothing is retried.
var ErrUnknownTask = errors.New("plan references unknown task")

// cancelledReason is recorded on executions failed by CancelAll.
const cancelledReason = "cancelled"

// FailureStrategy governs whole-plan behavior when a stage contains failures.
type FailureStrategy string

const (
	// FailureAbort stops the plan at the first stage containing a failure.
	FailureAbort FailureStrategy = "abort"
	// FailureContinue proceeds to the next stage, recording failures.
	FailureContinue FailureStrategy = "continue"
	// FailureRetry behaves like continue; per-task retry already ran.
	FailureRetry FailureStrategy = "retry"
)

// Config tunes the scheduler.
type Config struct {
	// MaxConcurrency bounds how many tasks of a stage run at once.
	MaxConcurrency int
	// TaskTimeout is the per-attempt deadline for one task execution.
	TaskTimeout time.Duration
	// FailureStrategy governs whole-stage failure behavior.
	FailureStrategy FailureStrategy
	// WorkerPollInterval is how often the scheduler re-checks for a free
	// worker while waiting.
	WorkerPollInterval time.Duration
	// SquashMerge collapses each workspace's commits when merging back.
	SquashMerge bool
}

// DefaultConfig returns the standard scheduler tuning.
func DefaultConfig() Config {
	return Config{
		MaxConcurrency:     4,
		TaskTimeout:        15 * time.Minute,
		FailureStrategy:    FailureContinue,
		WorkerPollInterval: 100 * time.Millisecond,
	}
}

// WorkerPool is the slice of the pool contract the scheduler needs.
type WorkerPool interface {
	Acquire(workerID string) bool
	ExecuteTask(ctx context.Context, workerID, taskID string, def *models.TaskDefinition) pool.Result
	ReleaseWorker(workerID string)
}

// QueueNotifier is implemented by pools that track queue length for
// autoscaling; the scheduler reports waiting tasks through it.
type QueueNotifier interface {
	Enqueue()
	Dequeue()
}

// Chooser is the cost-aware selector boundary.
type Chooser interface {
	Choose(hints selector.TaskHints) (*models.RoutingDecision, error)
}

// RoutingObserver is notified when a routing decision is confirmed by a
// successful worker reservation. Decisions the pool rejected are not
// reported, so an observer sees at most one decision per task attempt.
type RoutingObserver interface {
	RoutingConfirmed(taskID string, decision *models.RoutingDecision)
}

// Workspaces is the slice of the workspace manager the scheduler needs.
type Workspaces interface {
	Create(taskID string) (*models.Workspace, error)
	Remove(workspaceID string) error
	Assign(workspaceID, workerID string) error
	Release(workspaceID string) error
	Merge(workspaceID string, opts workspace.MergeOptions) error
	ChangeSet(workspaceID string) (*models.ChangeSet, error)
}

// Reconciler merges the change sets concurrent workers produced in a stage.
type Reconciler interface {
	MergeWorkerChanges(base string, changeSets []models.ChangeSet) *MergeReport
}

// MergeReport is the reconciler outcome the scheduler records per stage.
type MergeReport struct {
	// Success is true when no conflict required manual review.
	Success bool
	// Conflicts is the number of conflicts detected.
	Conflicts int
	// ManualReviewRequired is the number left for human review.
	ManualReviewRequired int
}

// Result summarizes a plan execution.
type Result struct {
	// Success is true when every task completed.
	Success bool
	// TotalTasks is the number of tasks the plan references.
	TotalTasks int
	// CompletedTasks is the number that reached completed.
	CompletedTasks int
	// FailedTasks is the number that reached failed.
	FailedTasks int
	// Executions holds the terminal record for every task, keyed by id.
	Executions map[string]*models.TaskExecution
	// StageMerges holds the reconciler report per stage, when configured.
	StageMerges []*MergeReport
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithRetrier sets the retry contract implementation.
func WithRetrier(r *retry.Retrier) Option {
	return func(s *Scheduler) { s.retrier = r }
}

// WithReconciler sets the per-stage merge reconciler.
func WithReconciler(r Reconciler) Option {
	return func(s *Scheduler) { s.reconciler = r }
}

// WithQueueNotifier wires queue-length reporting to an autoscaling pool.
func WithQueueNotifier(n QueueNotifier) Option {
	return func(s *Scheduler) { s.notifier = n }
}

// WithRoutingObserver wires confirmed-routing notifications, typically for
// persistence.
func WithRoutingObserver(o RoutingObserver) Option {
	return func(s *Scheduler) { s.routing = o }
}

// Scheduler drives an execution plan through the pool. A single logical
// scheduler owns many concurrent task routines; each TaskExecution record is
// owned by its task's routine until terminal.
type Scheduler struct {
	cfg        Config
	pool       WorkerPool
	chooser    Chooser
	workspaces Workspaces
	retrier    *retry.Retrier
	reconciler Reconciler
	notifier   QueueNotifier
	routing    RoutingObserver

	executions map[string]*models.TaskExecution
	changeSets map[string]*models.ChangeSet
	cancelRun  context.CancelFunc
	mu         sync.Mutex
}

// New creates a scheduler. Pool, chooser, and workspaces are required; the
// retry contract defaults to the standard policy.
func New(cfg Config, p WorkerPool, chooser Chooser, workspaces Workspaces, opts ...Option) *Scheduler {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = DefaultConfig().MaxConcurrency
	}
	if cfg.WorkerPollInterval <= 0 {
		cfg.WorkerPollInterval = DefaultConfig().WorkerPollInterval
	}
	if cfg.FailureStrategy == "" {
		cfg.FailureStrategy = FailureContinue
	}

	s := &Scheduler{
		cfg:        cfg,
		pool:       p,
		chooser:    chooser,
		workspaces: workspaces,
		retrier:    retry.New(retry.DefaultConfig()),
		executions: make(map[string]*models.TaskExecution),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Execute runs the plan to completion. Stages execute strictly in order; a
// stage starts only after every task of the previous stage is terminal. Task
// failures are recorded, not raised; Execute itself errors only on a
// malformed plan.
func (s *Scheduler) Execute(ctx context.Context, plan *models.ExecutionPlan, defs map[string]*models.TaskDefinition) (*Result, error) {
	if err := validatePlan(plan, defs); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	s.cancelRun = cancel
	s.executions = make(map[string]*models.TaskExecution, plan.TaskCount())
	s.changeSets = make(map[string]*models.ChangeSet)
	for _, stage := range plan.Stages {
		for _, id := range stage.TaskIDs {
			s.executions[id] = &models.TaskExecution{TaskID: id, Status: models.TaskStatusPending}
		}
	}
	s.mu.Unlock()

	result := &Result{
		TotalTasks: plan.TaskCount(),
		Executions: s.executions,
	}

	for i, stage := range plan.Stages {
		if ctx.Err() != nil {
			break
		}
		logging.Debugf("[scheduler] stage %d: launching %d tasks (max concurrency %d)",
			i, len(stage.TaskIDs), s.cfg.MaxConcurrency)

		g, stageCtx := errgroup.WithContext(ctx)
		g.SetLimit(s.cfg.MaxConcurrency)
		for _, taskID := range stage.TaskIDs {
			taskID := taskID
			g.Go(func() error {
				s.runTask(stageCtx, taskID, defs[taskID])
				return nil
			})
		}
		g.Wait()

		stageFailed := s.stageHasFailure(stage)
		s.reconcileStage(stage, result)

		if stageFailed && s.cfg.FailureStrategy == FailureAbort {
			logging.Debugf("[scheduler] stage %d contained a failure, aborting plan", i)
			break
		}
	}

	s.mu.Lock()
	for _, exec := range s.executions {
		switch exec.Status {
		case models.TaskStatusCompleted:
			result.CompletedTasks++
		case models.TaskStatusFailed:
			result.FailedTasks++
		}
	}
	s.mu.Unlock()

	result.Success = result.FailedTasks == 0 && result.CompletedTasks == result.TotalTasks
	return result, nil
}

// CancelAll cooperatively cancels the run: every in-flight execution is
// marked failed with reason "cancelled" and the scheduler stops waiting.
// The underlying worker processes are not guaranteed to have stopped;
// interrupting them is the agent adapter's responsibility.
func (s *Scheduler) CancelAll() {
	s.mu.Lock()
	cancel := s.cancelRun
	for _, exec := range s.executions {
		if exec.Status == models.TaskStatusRunning || exec.Status == models.TaskStatusRetrying {
			s.finishLocked(exec, models.TaskStatusFailed, cancelledReason)
		}
	}
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	logging.Debugf("[scheduler] cancelled all in-flight executions")
}

// Executions returns the current execution records keyed by task id.
func (s *Scheduler) Executions() map[string]*models.TaskExecution {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]*models.TaskExecution, len(s.executions))
	for id, exec := range s.executions {
		copied := *exec
		out[id] = &copied
	}
	return out
}

// runTask executes one task end to end: workspace, worker, execution with
// retry, merge, cleanup. Failures land on the execution record.
func (s *Scheduler) runTask(ctx context.Context, taskID string, def *models.TaskDefinition) {
	if ctx.Err() != nil {
		s.finish(taskID, models.TaskStatusFailed, cancelledReason)
		return
	}

	ws, err := s.workspaces.Create(taskID)
	if err != nil {
		s.finish(taskID, models.TaskStatusFailed, fmt.Sprintf("workspace create: %v", err))
		return
	}
	// The workspace is removed on every exit path, including timeout.
	defer s.removeWorkspace(ws.ID)

	hints := selector.TaskHints{}
	if def != nil {
		hints.Complexity = def.Complexity
		hints.EstimatedDuration = def.EstimatedDuration
	}

	workerID, err := s.acquireWorker(ctx, taskID, hints)
	if err != nil {
		s.finish(taskID, models.TaskStatusFailed, err.Error())
		return
	}
	defer s.pool.ReleaseWorker(workerID)

	if err := s.workspaces.Assign(ws.ID, workerID); err != nil {
		s.finish(taskID, models.TaskStatusFailed, fmt.Sprintf("workspace assign: %v", err))
		return
	}
	defer s.workspaces.Release(ws.ID)

	s.markRunning(taskID, workerID)

	op := func(ctx context.Context) error {
		attemptCtx := ctx
		if s.cfg.TaskTimeout > 0 {
			var cancel context.CancelFunc
			attemptCtx, cancel = context.WithTimeout(ctx, s.cfg.TaskTimeout)
			defer cancel()
		}

		res := s.pool.ExecuteTask(attemptCtx, workerID, taskID, def)
		if res.Err != nil {
			return res.Err
		}
		if !res.Success {
			return fmt.Errorf("worker %s reported failure", workerID)
		}
		return nil
	}

	err = s.retrier.Do(ctx, op, retry.OpContext{TaskID: taskID, OperationName: "execute_task"}, func(attempt int, attemptErr error) {
		s.markRetrying(taskID)
	})
	if err != nil {
		s.finish(taskID, models.TaskStatusFailed, err.Error())
		return
	}

	if cs, csErr := s.workspaces.ChangeSet(ws.ID); csErr == nil {
		cs.WorkerID = workerID
		s.mu.Lock()
		s.changeSets[taskID] = cs
		s.mu.Unlock()
	} else {
		logging.Debugf("[scheduler] change set for %s unavailable: %v", taskID, csErr)
	}

	if err := s.workspaces.Merge(ws.ID, workspace.MergeOptions{Squash: s.cfg.SquashMerge}); err != nil {
		s.finish(taskID, models.TaskStatusFailed, fmt.Sprintf("workspace merge: %v", err))
		return
	}

	s.finish(taskID, models.TaskStatusCompleted, "")
}

// acquireWorker selects and reserves a worker, waiting for the pool to free
// up when nothing is available. Capacity errors other than pool saturation
// fail the task immediately and are never retried.
func (s *Scheduler) acquireWorker(ctx context.Context, taskID string, hints selector.TaskHints) (string, error) {
	waiting := false
	defer func() {
		if waiting && s.notifier != nil {
			s.notifier.Dequeue()
		}
	}()

	for {
		decision, err := s.chooser.Choose(hints)
		if err == nil {
			if s.pool.Acquire(decision.WorkerID) {
				if s.routing != nil {
					s.routing.RoutingConfirmed(taskID, decision)
				}
				return decision.WorkerID, nil
			}
			// Chosen worker got taken between choose and acquire; re-rank.
		} else if !errors.Is(err, selector.ErrNoAvailableWorkers) {
			return "", err
		}

		if !waiting {
			waiting = true
			if s.notifier != nil {
				s.notifier.Enqueue()
			}
		}

		select {
		case <-time.After(s.cfg.WorkerPollInterval):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

// reconcileStage feeds the stage's change sets to the reconciler, when one
// is configured.
func (s *Scheduler) reconcileStage(stage models.Stage, result *Result) {
	if s.reconciler == nil {
		return
	}

	var sets []models.ChangeSet
	for _, taskID := range stage.TaskIDs {
		s.mu.Lock()
		exec := s.executions[taskID]
		completed := exec != nil && exec.Status == models.TaskStatusCompleted
		s.mu.Unlock()
		if !completed {
			continue
		}
		if cs := s.stageChangeSet(taskID); cs != nil {
			sets = append(sets, *cs)
		}
	}
	if len(sets) < 2 {
		return
	}

	report := s.reconciler.MergeWorkerChanges("", sets)
	result.StageMerges = append(result.StageMerges, report)
	logging.Debugf("[scheduler] stage reconcile: %d conflicts, %d manual", report.Conflicts, report.ManualReviewRequired)
}

// stageChangeSet returns the recorded change set for a completed task.
func (s *Scheduler) stageChangeSet(taskID string) *models.ChangeSet {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.changeSets[taskID]
}

// removeWorkspace removes a workspace, logging rather than failing: one
// cleanup failure must not cascade into leaking every subsequent workspace.
func (s *Scheduler) removeWorkspace(workspaceID string) {
	if err := s.workspaces.Remove(workspaceID); err != nil {
		logging.Debugf("[scheduler] workspace %s cleanup failed: %v", workspaceID, err)
	}
}

// markRunning transitions a task to running.
func (s *Scheduler) markRunning(taskID, workerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	exec := s.executions[taskID]
	if exec == nil || exec.Status.Terminal() {
		return
	}
	now := time.Now()
	exec.Status = models.TaskStatusRunning
	exec.WorkerID = workerID
	exec.StartedAt = &now
}

// markRetrying transitions a task to retrying and bumps its retry count.
func (s *Scheduler) markRetrying(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	exec := s.executions[taskID]
	if exec == nil || exec.Status.Terminal() {
		return
	}
	exec.Status = models.TaskStatusRetrying
	exec.Retries++
}

// finish transitions a task to a terminal status.
func (s *Scheduler) finish(taskID string, status models.TaskStatus, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if exec := s.executions[taskID]; exec != nil {
		s.finishLocked(exec, status, reason)
	}
}

// finishLocked records a terminal transition. Caller holds s.mu. A record
// that is already terminal is left untouched, so a task cancelled by
// CancelAll keeps its "cancelled" reason.
func (s *Scheduler) finishLocked(exec *models.TaskExecution, status models.TaskStatus, reason string) {
	if exec.Status.Terminal() {
		return
	}
	now := time.Now()
	exec.Status = status
	exec.CompletedAt = &now
	exec.Error = reason
}

// stageHasFailure reports whether any task of the stage failed.
func (s *Scheduler) stageHasFailure(stage models.Stage) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, taskID := range stage.TaskIDs {
		if exec := s.executions[taskID]; exec != nil && exec.Status == models.TaskStatusFailed {
			return true
		}
	}
	return false
}

// validatePlan rejects plans whose stages reference unknown task ids.
func validatePlan(plan *models.ExecutionPlan, defs map[string]*models.TaskDefinition) error {
	for i, stage := range plan.Stages {
		for _, taskID := range stage.TaskIDs {
			if _, ok := defs[taskID]; !ok {
				return fmt.Errorf("%w: stage %d references %q", ErrUnknownTask, i, taskID)
			}
		}
	}
	return nil
}
