package models

import "time"

// WorkerStatus represents the lifecycle state of a worker instance.
type WorkerStatus string

const (
	// WorkerStatusSpawning indicates the worker is being provisioned.
	WorkerStatusSpawning WorkerStatus = "spawning"
	// WorkerStatusReady indicates the worker is provisioned and has never run a task.
	WorkerStatusReady WorkerStatus = "ready"
	// WorkerStatusBusy indicates the worker is executing a task.
	WorkerStatusBusy WorkerStatus = "busy"
	// WorkerStatusIdle indicates the worker finished a task and is waiting for more.
	WorkerStatusIdle WorkerStatus = "idle"
	// WorkerStatusTerminating indicates the worker is being torn down.
	WorkerStatusTerminating WorkerStatus = "terminating"
)

// Valid returns true if the status is a known value.
func (s WorkerStatus) Valid() bool {
	switch s {
	case WorkerStatusSpawning, WorkerStatusReady, WorkerStatusBusy,
		WorkerStatusIdle, WorkerStatusTerminating:
		return true
	default:
		return false
	}
}

// Acceptable returns true if a worker in this status can accept a task.
func (s WorkerStatus) Acceptable() bool {
	return s == WorkerStatusReady || s == WorkerStatusIdle
}

// PerformanceTier classifies a worker's relative speed and capability.
type PerformanceTier string

const (
	// TierLow is the cheapest, slowest tier.
	TierLow PerformanceTier = "low"
	// TierMedium is the middle tier.
	TierMedium PerformanceTier = "medium"
	// TierHigh is the fastest, most capable tier.
	TierHigh PerformanceTier = "high"
)

// Rank returns a numeric ordering for tiers, higher is more capable.
func (t PerformanceTier) Rank() int {
	switch t {
	case TierHigh:
		return 3
	case TierMedium:
		return 2
	case TierLow:
		return 1
	default:
		return 0
	}
}

// WorkerInstance is a worker tracked by a pool. Only the pool mutates Status;
// external heartbeats feed utilization through the profile, not this record.
type WorkerInstance struct {
	// ID is the unique identifier for this worker.
	ID string `json:"id"`
	// Status is the current lifecycle state.
	Status WorkerStatus `json:"status"`
	// CurrentTaskID is the task the worker is running, when busy.
	CurrentTaskID string `json:"current_task_id,omitempty"`
	// SpawnedAt is when the worker was provisioned.
	SpawnedAt time.Time `json:"spawned_at"`
	// LastUsedAt is when the worker last finished a task.
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
}

// WorkerProfile holds the cost and performance characteristics the selector
// ranks workers by. Utilization and timing fields are updated by heartbeats.
type WorkerProfile struct {
	// WorkerID is the worker this profile describes.
	WorkerID string `json:"worker_id"`
	// CostPerUnitTime is the cost per second of run time.
	CostPerUnitTime float64 `json:"cost_per_unit_time"`
	// CostPerTask is a flat per-task cost. Zero means unset; the selector
	// derives cost from CostPerUnitTime and the estimated duration instead.
	CostPerTask float64 `json:"cost_per_task,omitempty"`
	// PerformanceTier classifies the worker's capability.
	PerformanceTier PerformanceTier `json:"performance_tier"`
	// CurrentUtilization is the worker's load in [0,1].
	CurrentUtilization float64 `json:"current_utilization"`
	// AvgCompletionTime is the historical average task duration.
	AvgCompletionTime time.Duration `json:"avg_completion_time"`
}

// RoutingDecision captures the selector's choice for a task and the reason.
// Decisions are immutable once produced and retained for metrics.
type RoutingDecision struct {
	// WorkerID is the chosen worker.
	WorkerID string `json:"worker_id"`
	// EstimatedCost is the projected cost of running the task there.
	EstimatedCost float64 `json:"estimated_cost"`
	// EstimatedCompletionTime is the projected run time.
	EstimatedCompletionTime time.Duration `json:"estimated_completion_time"`
	// Score is the strategy's ranking value for the chosen worker.
	Score float64 `json:"score"`
	// Reason explains why this worker won.
	Reason string `json:"reason"`
}
