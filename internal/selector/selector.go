// Package selector picks the worker that best satisfies a cost/performance
// objective under budget constraints.
package selector

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/stagehand-dev/stagehand/internal/logging"
	"github.com/stagehand-dev/stagehand/pkg/models"
)

// Capacity errors, raised synchronously before any work starts and never
// retried automatically.
var (
	// ErrNoAvailableWorkers indicates the pool is empty or every profile is
	// above the utilization cutoff.
	ErrNoAvailableWorkers = errors.New("no available workers")
	// ErrCostLimitExceeded indicates every viable worker's estimated cost
	// exceeds the per-task ceiling.
	ErrCostLimitExceeded = errors.New("cost limit exceeded")
	// ErrBudgetExceeded indicates the day's spend is already at the cap.
	ErrBudgetExceeded = errors.New("daily budget exceeded")
)

// Strategy names a worker-selection objective.
type Strategy string

const (
	// StrategyMinimizeCost picks the cheapest worker.
	StrategyMinimizeCost Strategy = "minimize-cost"
	// StrategyMaximizePerformance picks the fastest worker.
	StrategyMaximizePerformance Strategy = "maximize-performance"
	// StrategyBalanced weighs cost against performance.
	StrategyBalanced Strategy = "balanced"
)

// Valid returns true if the strategy is a known value.
func (s Strategy) Valid() bool {
	switch s {
	case StrategyMinimizeCost, StrategyMaximizePerformance, StrategyBalanced:
		return true
	default:
		return false
	}
}

// utilizationCutoff is the load above which a worker is not considered.
const utilizationCutoff = 0.9

// ProfileSource supplies the worker profiles to rank. Both pool
// implementations satisfy this.
type ProfileSource interface {
	Profiles() []models.WorkerProfile
}

// CostTracker reports the day's accumulated spend. External collaborator.
type CostTracker interface {
	DailyCost() float64
}

// Config tunes the selection objective and its budget constraints.
type Config struct {
	// Strategy is the selection objective.
	Strategy Strategy
	// CostWeight and PerformanceWeight score the balanced strategy. They
	// sum to 1 by convention but are used as given.
	CostWeight        float64
	PerformanceWeight float64
	// MaxCostPerTask is the per-task cost ceiling. Zero means no ceiling.
	MaxCostPerTask float64
	// DailyBudget is the daily spend cap. Zero means no cap.
	DailyBudget float64
}

// DefaultConfig returns a balanced selector with no budget constraints.
func DefaultConfig() Config {
	return Config{
		Strategy:          StrategyBalanced,
		CostWeight:        0.5,
		PerformanceWeight: 0.5,
	}
}

// TaskHints carry the task metadata that influences selection.
type TaskHints struct {
	// Complexity biases selection toward the matching tier.
	Complexity models.TaskComplexity
	// EstimatedDuration feeds the time-based cost estimate. Zero falls back
	// to each worker's historical average.
	EstimatedDuration time.Duration
}

// Selector ranks the pool's worker profiles for a task.
type Selector struct {
	cfg     Config
	source  ProfileSource
	tracker CostTracker
}

// New creates a selector over the given profile source. tracker may be nil
// when no budget enforcement is wanted.
func New(cfg Config, source ProfileSource, tracker CostTracker) *Selector {
	if !cfg.Strategy.Valid() {
		cfg.Strategy = StrategyBalanced
	}
	return &Selector{cfg: cfg, source: source, tracker: tracker}
}

// candidate is one worker under evaluation.
type candidate struct {
	profile models.WorkerProfile
	cost    float64
	runTime time.Duration
	score   float64
}

// Choose picks the worker that best satisfies the configured objective.
// The budget gate runs first, then eligibility, then the cost ceiling, then
// ranking. Equal top scores break toward the lowest worker id, so selection
// is deterministic across runs.
func (s *Selector) Choose(hints TaskHints) (*models.RoutingDecision, error) {
	if s.tracker != nil && s.cfg.DailyBudget > 0 {
		if spend := s.tracker.DailyCost(); spend >= s.cfg.DailyBudget {
			return nil, fmt.Errorf("%w: spent %.2f of %.2f", ErrBudgetExceeded, spend, s.cfg.DailyBudget)
		}
	}

	profiles := s.source.Profiles()
	if len(profiles) == 0 {
		return nil, fmt.Errorf("%w: pool is empty", ErrNoAvailableWorkers)
	}

	var eligible []candidate
	for _, p := range profiles {
		if p.CurrentUtilization > utilizationCutoff {
			continue
		}
		runTime := hints.EstimatedDuration
		if runTime == 0 {
			runTime = p.AvgCompletionTime
		}
		eligible = append(eligible, candidate{
			profile: p,
			cost:    estimateCost(p, runTime),
			runTime: runTime,
		})
	}
	if len(eligible) == 0 {
		return nil, fmt.Errorf("%w: all %d workers above utilization cutoff", ErrNoAvailableWorkers, len(profiles))
	}

	if s.cfg.MaxCostPerTask > 0 {
		var affordable []candidate
		for _, c := range eligible {
			if c.cost <= s.cfg.MaxCostPerTask {
				affordable = append(affordable, c)
			}
		}
		if len(affordable) == 0 {
			return nil, fmt.Errorf("%w: cheapest viable worker costs %.4f, ceiling is %.4f",
				ErrCostLimitExceeded, cheapest(eligible), s.cfg.MaxCostPerTask)
		}
		eligible = affordable
	}

	best, reason := s.rank(eligible, hints)

	decision := &models.RoutingDecision{
		WorkerID:                best.profile.WorkerID,
		EstimatedCost:           best.cost,
		EstimatedCompletionTime: best.runTime,
		Score:                   best.score,
		Reason:                  reason,
	}
	logging.Debugf("[selector] chose %s (%s): cost=%.4f time=%s score=%.4f",
		decision.WorkerID, s.cfg.Strategy, decision.EstimatedCost, decision.EstimatedCompletionTime, decision.Score)
	return decision, nil
}

// estimateCost returns the flat per-task cost when the profile provides one,
// else the time-based formula.
func estimateCost(p models.WorkerProfile, runTime time.Duration) float64 {
	if p.CostPerTask > 0 {
		return p.CostPerTask
	}
	return p.CostPerUnitTime * runTime.Seconds()
}

// cheapest returns the lowest estimated cost among candidates.
func cheapest(cands []candidate) float64 {
	min := cands[0].cost
	for _, c := range cands[1:] {
		if c.cost < min {
			min = c.cost
		}
	}
	return min
}

// rank scores the candidates under the configured strategy and returns the
// winner plus a human-readable reason.
func (s *Selector) rank(cands []candidate, hints TaskHints) (candidate, string) {
	preferred := hints.Complexity.PreferredTier()

	switch s.cfg.Strategy {
	case StrategyMinimizeCost:
		sortCandidates(cands, func(a, b candidate) bool {
			if a.cost != b.cost {
				return a.cost < b.cost
			}
			return tierDistance(a.profile.PerformanceTier, preferred) < tierDistance(b.profile.PerformanceTier, preferred)
		})
		best := cands[0]
		best.score = -best.cost
		return best, fmt.Sprintf("lowest estimated cost %.4f", best.cost)

	case StrategyMaximizePerformance:
		sortCandidates(cands, func(a, b candidate) bool {
			if a.profile.AvgCompletionTime != b.profile.AvgCompletionTime {
				return a.profile.AvgCompletionTime < b.profile.AvgCompletionTime
			}
			// Ties break toward the higher tier.
			return a.profile.PerformanceTier.Rank() > b.profile.PerformanceTier.Rank()
		})
		best := cands[0]
		best.score = -best.profile.AvgCompletionTime.Seconds()
		return best, fmt.Sprintf("fastest average completion %s, tier %s",
			best.profile.AvgCompletionTime, best.profile.PerformanceTier)

	default: // StrategyBalanced
		minCost, minTime := cands[0].cost, cands[0].runTime
		for _, c := range cands[1:] {
			if c.cost < minCost {
				minCost = c.cost
			}
			if c.runTime < minTime {
				minTime = c.runTime
			}
		}
		for i := range cands {
			cands[i].score = s.cfg.CostWeight*normalizedInverse(minCost, cands[i].cost) +
				s.cfg.PerformanceWeight*normalizedInverse(minTime.Seconds(), cands[i].runTime.Seconds())
		}
		sortCandidates(cands, func(a, b candidate) bool {
			if a.score != b.score {
				return a.score > b.score
			}
			return tierDistance(a.profile.PerformanceTier, preferred) < tierDistance(b.profile.PerformanceTier, preferred)
		})
		best := cands[0]
		return best, fmt.Sprintf("balanced score %.4f (cost %.4f, time %s)", best.score, best.cost, best.runTime)
	}
}

// sortCandidates sorts with the given ordering, falling back to worker id so
// equal candidates resolve deterministically.
func sortCandidates(cands []candidate, less func(a, b candidate) bool) {
	sort.SliceStable(cands, func(i, j int) bool {
		if less(cands[i], cands[j]) {
			return true
		}
		if less(cands[j], cands[i]) {
			return false
		}
		return cands[i].profile.WorkerID < cands[j].profile.WorkerID
	})
}

// normalizedInverse maps a value onto (0,1] with the minimum scoring 1.
func normalizedInverse(min, v float64) float64 {
	if v <= 0 {
		return 1
	}
	if min <= 0 {
		min = v
	}
	return min / v
}

// tierDistance measures how far a worker's tier is from the preferred one.
func tierDistance(tier, preferred models.PerformanceTier) int {
	d := tier.Rank() - preferred.Rank()
	if d < 0 {
		d = -d
	}
	return d
}
