package state

import (
	"io"

	"github.com/stagehand-dev/stagehand/pkg/models"
)

// RunStore handles run-level persistence operations.
type RunStore interface {
	CreateRun(r *Run) error
	GetRun(id string) (*Run, error)
	UpdateRun(r *Run) error
	ListRuns(status *RunStatus) ([]Run, error)
}

// ExecutionStore handles per-task execution records within a run.
type ExecutionStore interface {
	SaveTaskExecution(runID string, exec *models.TaskExecution) error
	ListTaskExecutions(runID string) ([]models.TaskExecution, error)
}

// RoutingStore handles worker routing decisions and derived cost queries.
type RoutingStore interface {
	SaveRoutingDecision(rec *RoutingRecord) error
	ListRoutingDecisions(runID string) ([]RoutingRecord, error)
	// DailyCost sums estimated routing cost since the start of the UTC day.
	DailyCost() (float64, error)
}

// Migrator handles database schema migrations.
// Separating this allows clients to depend only on migration functionality.
type Migrator interface {
	// Migrate applies all pending schema migrations.
	Migrate() error
}

// Store defines the interface for run-state persistence. Callers work
// against this rather than the concrete SQLite implementation.
// It composes focused sub-interfaces for better modularity.
type Store interface {
	io.Closer
	Migrator
	RunStore
	ExecutionStore
	RoutingStore
}

// Compile-time verification that DB implements all interfaces.
var (
	_ Store          = (*DB)(nil)
	_ Migrator       = (*DB)(nil)
	_ RunStore       = (*DB)(nil)
	_ ExecutionStore = (*DB)(nil)
	_ RoutingStore   = (*DB)(nil)
)
