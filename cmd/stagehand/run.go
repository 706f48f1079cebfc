package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/stagehand-dev/stagehand/internal/config"
	"github.com/stagehand-dev/stagehand/internal/logging"
	"github.com/stagehand-dev/stagehand/internal/merge"
	"github.com/stagehand-dev/stagehand/internal/pool"
	"github.com/stagehand-dev/stagehand/internal/retry"
	"github.com/stagehand-dev/stagehand/internal/scheduler"
	"github.com/stagehand-dev/stagehand/internal/selector"
	"github.com/stagehand-dev/stagehand/internal/state"
	"github.com/stagehand-dev/stagehand/internal/workspace"
	"github.com/stagehand-dev/stagehand/pkg/models"
)

var (
	runMaxConcurrency int
	runStrategy       string
	runWorkerCmd      string
	runDryRun         bool
	runNoSquash       bool
)

var runCmd = &cobra.Command{
	Use:   "run <plan.yaml>",
	Short: "Execute a plan across the worker pool",
	Long: `Execute a plan of staged tasks across the worker pool.

Each task runs in its own git worktree forked from the base branch. Stages
run strictly in order; tasks within a stage run in parallel up to the
concurrency bound. Completed workspaces merge back into the base branch,
and the merge coordinator reconciles files that multiple workers touched.

The worker command runs once per task inside the task's worktree, with
STAGEHAND_TASK_ID, STAGEHAND_TASK_TITLE, STAGEHAND_PROMPT, and
STAGEHAND_WORKER_ID set in its environment.

Examples:
  stagehand run plan.yaml
  stagehand run plan.yaml --max-concurrency 8
  stagehand run plan.yaml --strategy minimize-cost
  stagehand run plan.yaml --dry-run`,
	Args: cobra.ExactArgs(1),
	RunE: runPlan,
}

func init() {
	runCmd.Flags().IntVar(&runMaxConcurrency, "max-concurrency", 0, "Max tasks running at once (0 uses config)")
	runCmd.Flags().StringVar(&runStrategy, "strategy", "", "Worker selection strategy: minimize-cost, maximize-performance, balanced")
	runCmd.Flags().StringVar(&runWorkerCmd, "worker-cmd", `claude -p "$STAGEHAND_PROMPT"`, "Command executed per task inside its worktree")
	runCmd.Flags().BoolVar(&runDryRun, "dry-run", false, "Print the plan without executing it")
	runCmd.Flags().BoolVar(&runNoSquash, "no-squash", false, "Merge workspace commits without squashing")
}

func runPlan(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if runMaxConcurrency > 0 {
		cfg.Scheduler.MaxConcurrency = runMaxConcurrency
	}
	if runStrategy != "" {
		cfg.Selector.Strategy = runStrategy
	}
	if runNoSquash {
		cfg.Scheduler.SquashMerge = false
	}

	plan, defs, err := loadPlan(args[0])
	if err != nil {
		return err
	}
	if plan.ID == "" {
		plan.ID = uuid.New().String()
	}

	if runDryRun {
		printPlan(plan, defs)
		return nil
	}

	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("get working directory: %w", err)
	}

	logger := logging.NewDebugLoggerForRepo(cwd)
	logging.SetPackageLogger(logger)
	defer logger.Close()

	db, err := state.OpenProject(cwd)
	if err != nil {
		return fmt.Errorf("open state database: %w", err)
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		return fmt.Errorf("migrate state database: %w", err)
	}

	manager, err := workspace.NewManager(cfg.Workspace.BaseDir, cwd, cfg.Workspace.BaseBranch)
	if err != nil {
		return fmt.Errorf("workspace manager: %w", err)
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	runner := &commandRunner{command: runWorkerCmd, workspaces: manager}
	workerPool, notifier, stopPool, err := buildPool(ctx, cfg, runner)
	if err != nil {
		return err
	}
	defer stopPool()

	sel := selector.New(selectorConfig(cfg), workerPool, &dbCostTracker{db: db})

	run := &state.Run{
		ID:         uuid.New().String(),
		PlanID:     plan.ID,
		Status:     state.RunRunning,
		TotalTasks: plan.TaskCount(),
		StartedAt:  time.Now(),
	}
	if err := db.CreateRun(run); err != nil {
		return fmt.Errorf("record run: %w", err)
	}

	coordinator := merge.NewCoordinator(merge.Config{
		MaxAutoResolveLines:         cfg.Merge.MaxAutoResolveLines,
		SemanticSimilarityThreshold: cfg.Merge.SemanticSimilarityThreshold,
		HighRiskPatterns:            cfg.Merge.HighRiskPatterns,
	})

	sched := scheduler.New(
		scheduler.Config{
			MaxConcurrency:  cfg.Scheduler.MaxConcurrency,
			TaskTimeout:     cfg.Scheduler.TaskTimeout,
			FailureStrategy: scheduler.FailureStrategy(cfg.Scheduler.FailureStrategy),
			SquashMerge:     cfg.Scheduler.SquashMerge,
		},
		workerPool,
		sel,
		manager,
		scheduler.WithRetrier(retry.New(retry.Config{
			MaxAttempts:       cfg.Retry.MaxAttempts,
			InitialDelay:      cfg.Retry.InitialDelay,
			BackoffMultiplier: cfg.Retry.BackoffMultiplier,
			MaxDelay:          cfg.Retry.MaxDelay,
		})),
		scheduler.WithReconciler(&coordinatorReconciler{coordinator: coordinator}),
		scheduler.WithQueueNotifier(notifier),
		scheduler.WithRoutingObserver(&routingRecorder{db: db, runID: run.ID}),
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case <-sigCh:
			fmt.Println("\nInterrupted, cancelling in-flight tasks...")
			sched.CancelAll()
		case <-ctx.Done():
		}
	}()

	fmt.Printf("Executing plan %s: %d tasks in %d stages\n\n", plan.ID, plan.TaskCount(), len(plan.Stages))

	result, err := sched.Execute(ctx, plan, defs)
	if err != nil {
		run.Status = state.RunFailed
		now := time.Now()
		run.CompletedAt = &now
		_ = db.UpdateRun(run)
		return err
	}

	persistRun(db, run, result)
	printResult(result, coordinator.Metrics(), workerPool.Metrics())

	if !result.Success {
		os.Exit(1)
	}
	return nil
}

// buildPool constructs the configured pool variant. The returned stop
// function tears down autoscaled workers; for a fixed pool it is a no-op.
func buildPool(ctx context.Context, cfg *config.Config, runner pool.TaskRunner) (pool.Pool, scheduler.QueueNotifier, func(), error) {
	if cfg.Pool.Mode == "autoscale" {
		p := pool.NewAutoscalingPool(pool.AutoscaleConfig{
			Min:               cfg.Autoscale.Min,
			Max:               cfg.Autoscale.Max,
			TargetUtilization: cfg.Autoscale.TargetUtilization,
			ScaleUpThreshold:  cfg.Autoscale.ScaleUpThreshold,
			IdleTimeout:       cfg.Autoscale.IdleTimeout,
			Cooldown:          cfg.Autoscale.Cooldown,
			EvalInterval:      cfg.Autoscale.EvalInterval,
			Spec:              pool.SpawnSpec{Tier: models.TierMedium},
		}, runner, &localSpawner{})
		if err := p.Start(ctx); err != nil {
			return nil, nil, nil, fmt.Errorf("start pool: %w", err)
		}
		stop := func() {
			stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer stopCancel()
			p.Stop(stopCtx)
		}
		return p, p, stop, nil
	}

	profiles := poolProfiles(cfg.Pool.Workers)
	p := pool.NewFixedPool(profiles, runner)
	return p, p, func() {}, nil
}

// poolProfiles maps configured workers to profiles, falling back to a pair
// of medium-tier workers when none are configured.
func poolProfiles(workers []config.WorkerConfig) []models.WorkerProfile {
	if len(workers) == 0 {
		return []models.WorkerProfile{
			{WorkerID: "worker-1", CostPerUnitTime: 0.005, PerformanceTier: models.TierMedium},
			{WorkerID: "worker-2", CostPerUnitTime: 0.005, PerformanceTier: models.TierMedium},
		}
	}

	profiles := make([]models.WorkerProfile, 0, len(workers))
	for _, w := range workers {
		tier := models.PerformanceTier(w.Tier)
		if tier != models.TierLow && tier != models.TierMedium && tier != models.TierHigh {
			tier = models.TierMedium
		}
		profiles = append(profiles, models.WorkerProfile{
			WorkerID:        w.ID,
			CostPerUnitTime: w.CostPerUnitTime,
			CostPerTask:     w.CostPerTask,
			PerformanceTier: tier,
		})
	}
	return profiles
}

func selectorConfig(cfg *config.Config) selector.Config {
	return selector.Config{
		Strategy:          selector.Strategy(cfg.Selector.Strategy),
		CostWeight:        cfg.Selector.CostWeight,
		PerformanceWeight: cfg.Selector.PerformanceWeight,
		MaxCostPerTask:    cfg.Selector.MaxCostPerTask,
		DailyBudget:       cfg.Selector.DailyBudget,
	}
}

func persistRun(db *state.DB, run *state.Run, result *scheduler.Result) {
	run.CompletedTasks = result.CompletedTasks
	run.FailedTasks = result.FailedTasks
	if result.Success {
		run.Status = state.RunCompleted
	} else {
		run.Status = state.RunFailed
	}
	now := time.Now()
	run.CompletedAt = &now
	if err := db.UpdateRun(run); err != nil {
		logging.Debugf("[run] update run record: %v", err)
	}

	for _, exec := range result.Executions {
		if err := db.SaveTaskExecution(run.ID, exec); err != nil {
			logging.Debugf("[run] save execution %s: %v", exec.TaskID, err)
		}
	}
}

func printPlan(plan *models.ExecutionPlan, defs map[string]*models.TaskDefinition) {
	fmt.Printf("Plan %s: %d tasks in %d stages\n", plan.ID, plan.TaskCount(), len(plan.Stages))
	for i, stage := range plan.Stages {
		name := stage.Name
		if name == "" {
			name = fmt.Sprintf("stage %d", i+1)
		}
		fmt.Printf("\n%s:\n", name)
		for _, taskID := range stage.TaskIDs {
			def := defs[taskID]
			fmt.Printf("  %s  %s", def.ID, def.Title)
			if def.Complexity != "" {
				fmt.Printf("  [%s]", def.Complexity)
			}
			fmt.Println()
		}
	}
}

func printResult(result *scheduler.Result, metrics merge.Metrics, poolMetrics pool.Metrics) {
	green := color.New(color.FgGreen).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()

	taskIDs := make([]string, 0, len(result.Executions))
	for id := range result.Executions {
		taskIDs = append(taskIDs, id)
	}
	sort.Strings(taskIDs)

	fmt.Println()
	for _, id := range taskIDs {
		exec := result.Executions[id]
		switch exec.Status {
		case models.TaskStatusCompleted:
			fmt.Printf("  %s %s", green("✓"), id)
		case models.TaskStatusFailed:
			fmt.Printf("  %s %s: %s", red("✗"), id, exec.Error)
		default:
			fmt.Printf("  %s %s (%s)", yellow("-"), id, exec.Status)
		}
		if exec.Retries > 0 {
			fmt.Printf(" (%d retries)", exec.Retries)
		}
		fmt.Println()
	}

	fmt.Println()
	if result.Success {
		fmt.Printf("%s %d/%d tasks completed\n", green("Success:"), result.CompletedTasks, result.TotalTasks)
	} else {
		fmt.Printf("%s %d completed, %d failed of %d tasks\n",
			red("Failed:"), result.CompletedTasks, result.FailedTasks, result.TotalTasks)
	}

	for i, report := range result.StageMerges {
		if report.ManualReviewRequired > 0 {
			fmt.Printf("%s stage %d: %d conflicts need manual review\n", yellow("Merge:"), i+1, report.ManualReviewRequired)
		}
	}
	if metrics.TotalMerges > 0 {
		fmt.Printf("Merge reconciliation: %.0f%% auto-resolved across %d passes\n",
			metrics.AutoResolutionRate, metrics.TotalMerges)
	}
	fmt.Printf("Workers: %d live, %d busy, %d idle, queue %d\n",
		poolMetrics.CurrentWorkers, poolMetrics.BusyWorkers, poolMetrics.IdleWorkers, poolMetrics.QueueLength)
}

// commandRunner executes the configured worker command inside the workspace
// assigned to the worker.
type commandRunner struct {
	command    string
	workspaces *workspace.Manager
}

func (r *commandRunner) Run(ctx context.Context, workerID string, def *models.TaskDefinition) (string, error) {
	execCmd := exec.CommandContext(ctx, "sh", "-c", r.command)

	if ws := r.workspaceFor(workerID); ws != nil {
		execCmd.Dir = ws.Path
	}
	env := os.Environ()
	if def != nil {
		env = append(env,
			"STAGEHAND_TASK_ID="+def.ID,
			"STAGEHAND_TASK_TITLE="+def.Title,
			"STAGEHAND_PROMPT="+def.Prompt,
		)
	}
	execCmd.Env = append(env, "STAGEHAND_WORKER_ID="+workerID)

	out, err := execCmd.CombinedOutput()
	return string(out), err
}

func (r *commandRunner) workspaceFor(workerID string) *models.Workspace {
	for _, ws := range r.workspaces.List() {
		if ws.AssignedWorkerID == workerID {
			return ws
		}
	}
	return nil
}

// localSpawner provisions in-process worker slots for the autoscaling pool.
// Every slot runs the shared worker command; tiers translate to cost rates.
type localSpawner struct{}

func (s *localSpawner) Spawn(ctx context.Context, spec pool.SpawnSpec) (*models.WorkerProfile, error) {
	tier := spec.Tier
	if tier == "" {
		tier = models.TierMedium
	}

	var rate float64
	switch tier {
	case models.TierLow:
		rate = 0.001
	case models.TierHigh:
		rate = 0.02
	default:
		rate = 0.005
	}

	return &models.WorkerProfile{
		WorkerID:        "worker-" + uuid.New().String()[:8],
		CostPerUnitTime: rate,
		PerformanceTier: tier,
	}, nil
}

func (s *localSpawner) Terminate(ctx context.Context, workerID string) error {
	return nil
}

// dbCostTracker adapts the state database to the selector's budget gate.
type dbCostTracker struct {
	db *state.DB
}

func (t *dbCostTracker) DailyCost() float64 {
	total, err := t.db.DailyCost()
	if err != nil {
		logging.Debugf("[run] daily cost query: %v", err)
		return 0
	}
	return total
}

// routingRecorder persists confirmed routing decisions for cost auditing.
// The scheduler re-ranks while it waits for a free worker, so only decisions
// that led to an actual reservation reach the database; anything else would
// inflate the daily spend the budget gate reads back.
type routingRecorder struct {
	db    *state.DB
	runID string
}

func (r *routingRecorder) RoutingConfirmed(taskID string, decision *models.RoutingDecision) {
	rec := &state.RoutingRecord{
		RunID:         r.runID,
		TaskID:        taskID,
		WorkerID:      decision.WorkerID,
		EstimatedCost: decision.EstimatedCost,
		Score:         decision.Score,
		Reason:        decision.Reason,
		DecidedAt:     time.Now(),
	}
	if err := r.db.SaveRoutingDecision(rec); err != nil {
		logging.Debugf("[run] save routing decision: %v", err)
	}
}

// coordinatorReconciler adapts the merge coordinator to the scheduler's
// per-stage reconcile hook.
type coordinatorReconciler struct {
	coordinator *merge.Coordinator
}

func (r *coordinatorReconciler) MergeWorkerChanges(base string, changeSets []models.ChangeSet) *scheduler.MergeReport {
	res := r.coordinator.MergeWorkerChanges(base, changeSets)
	return &scheduler.MergeReport{
		Success:              res.Success,
		Conflicts:            len(res.Conflicts),
		ManualReviewRequired: res.ManualReviewRequired,
	}
}
