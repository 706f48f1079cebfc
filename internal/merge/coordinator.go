// Package merge reconciles the change sets concurrent workers produce for the
// same stage: identical edits pass through, divergent edits become conflicts
// that a resolution pipeline settles automatically where it safely can.
package merge

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/stagehand-dev/stagehand/internal/logging"
	"github.com/stagehand-dev/stagehand/pkg/models"
)

// Config tunes the conflict resolution pipeline.
type Config struct {
	// MaxAutoResolveLines caps the conflict span eligible for automatic
	// resolution; larger spans always go to manual review.
	MaxAutoResolveLines int
	// SemanticSimilarityThreshold is the normalized similarity at or above
	// which two versions are judged equivalent.
	SemanticSimilarityThreshold float64
	// HighRiskPatterns are path substrings that force manual review.
	HighRiskPatterns []string
}

// DefaultConfig returns the standard resolution tuning.
func DefaultConfig() Config {
	return Config{
		MaxAutoResolveLines:         50,
		SemanticSimilarityThreshold: 0.85,
		HighRiskPatterns: []string{
			"security", "auth", "secret", "credential", "password",
			"token", "migration", "schema", "database", "db/",
		},
	}
}

// Result is the outcome of reconciling one set of worker changes.
type Result struct {
	// Success is true when no conflict required manual review.
	Success bool
	// MergedFiles maps file paths to their reconciled content.
	MergedFiles map[string]string
	// Conflicts lists every detected conflict.
	Conflicts []models.ConflictInfo
	// Resolutions maps conflict ids to the strategy applied.
	Resolutions map[string]models.MergeStrategy
	// ManualReviewRequired counts conflicts left for human review.
	ManualReviewRequired int
}

// Metrics is a snapshot of the coordinator's running totals.
type Metrics struct {
	// TotalMerges is the number of reconcile passes performed.
	TotalMerges int
	// AutoResolutionRate is the percentage of passes that resolved fully
	// automatically.
	AutoResolutionRate float64
	// AvgConflictsPerMerge is the mean conflict count per pass.
	AvgConflictsPerMerge float64
	// AvgResolutionTime is the mean wall time per pass.
	AvgResolutionTime time.Duration
}

// Coordinator reconciles worker change sets. Safe for concurrent use; the
// resolution itself is pure, only the metrics counters share state.
type Coordinator struct {
	cfg Config

	mu             sync.Mutex
	totalMerges    int
	autoMerges     int
	totalConflicts int
	totalDuration  time.Duration
}

// NewCoordinator creates a coordinator, filling zero config fields from
// DefaultConfig.
func NewCoordinator(cfg Config) *Coordinator {
	def := DefaultConfig()
	if cfg.MaxAutoResolveLines <= 0 {
		cfg.MaxAutoResolveLines = def.MaxAutoResolveLines
	}
	if cfg.SemanticSimilarityThreshold <= 0 {
		cfg.SemanticSimilarityThreshold = def.SemanticSimilarityThreshold
	}
	if len(cfg.HighRiskPatterns) == 0 {
		cfg.HighRiskPatterns = def.HighRiskPatterns
	}
	return &Coordinator{cfg: cfg}
}

// fileVersion is one worker's content for a file.
type fileVersion struct {
	workerID string
	content  string
}

// MergeWorkerChanges reconciles the files the given change sets touched.
// Files touched by a single worker pass through unchanged; files where all
// workers agree byte for byte produce no conflict. Divergent versions are
// folded pairwise in worker-id order, so the same input always yields the
// same conflicts and merged content.
func (c *Coordinator) MergeWorkerChanges(base string, changeSets []models.ChangeSet) *Result {
	start := time.Now()
	result := &Result{
		MergedFiles: make(map[string]string),
		Resolutions: make(map[string]models.MergeStrategy),
	}

	versions := collectVersions(changeSets)
	paths := make([]string, 0, len(versions))
	for path := range versions {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	for _, path := range paths {
		vs := versions[path]
		merged := vs[0].content
		mergedWorker := vs[0].workerID

		for _, v := range vs[1:] {
			if v.content == merged {
				continue
			}

			conflict := c.buildConflict(path, merged, v.content, mergedWorker, v.workerID)
			strategy := c.resolve(conflict)
			result.Conflicts = append(result.Conflicts, conflict)
			result.Resolutions[conflict.ID] = strategy

			if strategy.Name == models.StrategyManual {
				result.ManualReviewRequired++
				logging.Debugf("[merge] %s: manual review (severity %d)", path, conflict.Severity)
				continue
			}
			merged = strategy.ResolvedContent
			mergedWorker = mergedWorker + "+" + v.workerID
			logging.Debugf("[merge] %s: resolved via %s (confidence %.2f)", path, strategy.Name, strategy.Confidence)
		}

		result.MergedFiles[path] = merged
	}

	result.Success = result.ManualReviewRequired == 0
	c.record(len(result.Conflicts), result.Success, time.Since(start))
	return result
}

// Metrics returns a snapshot of the running totals.
func (c *Coordinator) Metrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()

	m := Metrics{TotalMerges: c.totalMerges}
	if c.totalMerges > 0 {
		m.AutoResolutionRate = float64(c.autoMerges) / float64(c.totalMerges) * 100
		m.AvgConflictsPerMerge = float64(c.totalConflicts) / float64(c.totalMerges)
		m.AvgResolutionTime = c.totalDuration / time.Duration(c.totalMerges)
	}
	return m
}

func (c *Coordinator) record(conflicts int, auto bool, elapsed time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.totalMerges++
	c.totalConflicts += conflicts
	c.totalDuration += elapsed
	if auto {
		c.autoMerges++
	}
}

// buildConflict classifies a divergence between two versions of a file.
func (c *Coordinator) buildConflict(path, ours, theirs, oursWorker, theirsWorker string) models.ConflictInfo {
	conflict := models.ConflictInfo{
		ID:        fmt.Sprintf("%s:%s-%s", path, oursWorker, theirsWorker),
		FilePath:  path,
		Type:      classifyConflict(ours, theirs),
		Ours:      ours,
		Theirs:    theirs,
		LineRange: diffRange(ours, theirs),
	}
	conflict.Severity = c.gradeSeverity(conflict)
	return conflict
}

func classifyConflict(ours, theirs string) models.ConflictType {
	switch {
	case ours == "" && theirs == "":
		return models.ConflictBothDeleted
	case ours == "" || theirs == "":
		return models.ConflictDelete
	case strings.ContainsRune(ours, '\x00') || strings.ContainsRune(theirs, '\x00'):
		return models.ConflictBinary
	default:
		return models.ConflictBothModified
	}
}

func (c *Coordinator) gradeSeverity(conflict models.ConflictInfo) int {
	switch {
	case c.isHighRisk(conflict.FilePath):
		return 5
	case conflict.Type == models.ConflictBinary || conflict.Type == models.ConflictDelete:
		return 4
	case conflict.LineRange.Lines() > c.cfg.MaxAutoResolveLines:
		return 3
	default:
		return 2
	}
}

// resolve runs the resolution pipeline; the first applicable strategy wins.
func (c *Coordinator) resolve(conflict models.ConflictInfo) models.MergeStrategy {
	if c.isHighRisk(conflict.FilePath) {
		return models.MergeStrategy{Name: models.StrategyManual, RequiresReview: true}
	}
	if conflict.Type == models.ConflictBinary || conflict.Type == models.ConflictDelete || conflict.Type == models.ConflictBothDeleted {
		return models.MergeStrategy{Name: models.StrategyManual, RequiresReview: true}
	}
	if conflict.LineRange.Lines() > c.cfg.MaxAutoResolveLines {
		return models.MergeStrategy{Name: models.StrategyManual, RequiresReview: true}
	}

	if sim := similarity(conflict.Ours, conflict.Theirs); sim >= c.cfg.SemanticSimilarityThreshold {
		return models.MergeStrategy{
			Name:            models.StrategyOurs,
			Confidence:      sim,
			ResolvedContent: conflict.Ours,
		}
	}

	if canStructuralMerge(conflict.Ours, conflict.Theirs) {
		return models.MergeStrategy{
			Name:            models.StrategyUnion,
			Confidence:      0.6,
			ResolvedContent: spliceUnion(conflict.Ours, conflict.Theirs, conflict.LineRange),
		}
	}

	if strings.Contains(conflict.Ours, conflict.Theirs) {
		return models.MergeStrategy{
			Name:            models.StrategyAIAssisted,
			Confidence:      0.9,
			ResolvedContent: conflict.Ours,
		}
	}
	if strings.Contains(conflict.Theirs, conflict.Ours) {
		return models.MergeStrategy{
			Name:            models.StrategyAIAssisted,
			Confidence:      0.9,
			ResolvedContent: conflict.Theirs,
		}
	}

	return models.MergeStrategy{Name: models.StrategyManual, RequiresReview: true}
}

func (c *Coordinator) isHighRisk(path string) bool {
	lower := strings.ToLower(path)
	for _, pattern := range c.cfg.HighRiskPatterns {
		if strings.Contains(lower, pattern) {
			return true
		}
	}
	return false
}

// collectVersions groups file contents by path, ordered by worker id so
// pairwise folding is deterministic.
func collectVersions(changeSets []models.ChangeSet) map[string][]fileVersion {
	sorted := make([]models.ChangeSet, len(changeSets))
	copy(sorted, changeSets)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].WorkerID < sorted[j].WorkerID })

	versions := make(map[string][]fileVersion)
	for _, cs := range sorted {
		for path, content := range cs.Files {
			versions[path] = append(versions[path], fileVersion{workerID: cs.WorkerID, content: content})
		}
	}
	return versions
}

// diffRange locates the span where two versions diverge: common leading and
// trailing lines are stripped, the rest is the conflict region. 1-based
// inclusive over the longer version.
func diffRange(ours, theirs string) models.LineRange {
	o := strings.Split(ours, "\n")
	t := strings.Split(theirs, "\n")

	head := 0
	for head < len(o) && head < len(t) && o[head] == t[head] {
		head++
	}

	tail := 0
	for tail < len(o)-head && tail < len(t)-head && o[len(o)-1-tail] == t[len(t)-1-tail] {
		tail++
	}

	longest := len(o)
	if len(t) > longest {
		longest = len(t)
	}
	return models.LineRange{Start: head + 1, End: longest - tail}
}

// spliceUnion replaces the conflict region of ours with both sides' regions,
// ours first, keeping the shared leading and trailing lines intact.
func spliceUnion(ours, theirs string, lr models.LineRange) string {
	o := strings.Split(ours, "\n")
	t := strings.Split(theirs, "\n")

	oursRegion := sliceRegion(o, lr)
	theirsRegion := sliceRegion(t, lr)

	merged := make([]string, 0, len(o)+len(theirsRegion))
	merged = append(merged, o[:clamp(lr.Start-1, len(o))]...)
	merged = append(merged, oursRegion...)
	merged = append(merged, theirsRegion...)
	if lr.End < len(o) {
		merged = append(merged, o[lr.End:]...)
	}
	return strings.Join(merged, "\n")
}

func sliceRegion(lines []string, lr models.LineRange) []string {
	start := clamp(lr.Start-1, len(lines))
	end := clamp(lr.End, len(lines))
	if start >= end {
		return nil
	}
	return lines[start:end]
}

func clamp(v, limit int) int {
	if v < 0 {
		return 0
	}
	if v > limit {
		return limit
	}
	return v
}
