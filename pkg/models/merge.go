package models

// ConflictType classifies how two workers' edits to the same file collide.
type ConflictType string

const (
	// ConflictContent means the workers produced differing content for the file.
	ConflictContent ConflictType = "content"
	// ConflictRename means the file was renamed divergently.
	ConflictRename ConflictType = "rename"
	// ConflictDelete means one side deleted the file while another modified it.
	ConflictDelete ConflictType = "delete"
	// ConflictBinary means the file is binary and cannot be merged textually.
	ConflictBinary ConflictType = "binary"
	// ConflictBothModified means both sides modified an existing file.
	ConflictBothModified ConflictType = "both-modified"
	// ConflictBothAdded means both sides added the same new file.
	ConflictBothAdded ConflictType = "both-added"
	// ConflictBothDeleted means both sides deleted the file.
	ConflictBothDeleted ConflictType = "both-deleted"
)

// LineRange identifies the span of lines a conflict covers, 1-based inclusive.
type LineRange struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Lines returns the number of lines the range spans.
func (r LineRange) Lines() int {
	if r.End < r.Start {
		return 0
	}
	return r.End - r.Start + 1
}

// ConflictInfo describes one file where two or more workers produced
// differing content for the same region. Derived per merge pass, never
// persisted beyond it.
type ConflictInfo struct {
	// ID uniquely identifies the conflict within a merge pass.
	ID string `json:"id"`
	// FilePath is the conflicted file, relative to the repository root.
	FilePath string `json:"file_path"`
	// Type classifies the conflict.
	Type ConflictType `json:"type"`
	// Severity grades the conflict from 1 (trivial) to 5 (critical).
	Severity int `json:"severity"`
	// Base is the file content on the base line, empty if the file is new.
	Base string `json:"base,omitempty"`
	// Ours is the first worker's version.
	Ours string `json:"ours"`
	// Theirs is the second worker's version.
	Theirs string `json:"theirs"`
	// LineRange is the span the conflict covers.
	LineRange LineRange `json:"line_range"`
}

// StrategyName identifies a conflict resolution approach.
type StrategyName string

const (
	// StrategyAuto lets the coordinator pick the resolution.
	StrategyAuto StrategyName = "auto"
	// StrategyOurs keeps the first worker's version.
	StrategyOurs StrategyName = "ours"
	// StrategyTheirs keeps the second worker's version.
	StrategyTheirs StrategyName = "theirs"
	// StrategyUnion concatenates both versions.
	StrategyUnion StrategyName = "union"
	// StrategyManual defers to human review.
	StrategyManual StrategyName = "manual"
	// StrategyAIAssisted resolves via the containment heuristic.
	StrategyAIAssisted StrategyName = "ai-assisted"
)

// MergeStrategy is the resolution chosen for one conflict.
type MergeStrategy struct {
	// Name is the resolution approach applied.
	Name StrategyName `json:"name"`
	// Confidence grades how certain the resolution is, in [0,1].
	Confidence float64 `json:"confidence"`
	// ResolvedContent is the merged content when resolved automatically.
	ResolvedContent string `json:"resolved_content,omitempty"`
	// RequiresReview marks resolutions that still need a human pass.
	RequiresReview bool `json:"requires_review"`
}

// ChangeSet is the set of files one worker produced in its workspace.
type ChangeSet struct {
	// WorkerID identifies the worker that produced these changes.
	WorkerID string `json:"worker_id"`
	// Files maps repository-relative paths to file content.
	Files map[string]string `json:"files"`
}
