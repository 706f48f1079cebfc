package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/stagehand-dev/stagehand/internal/config"
	"github.com/stagehand-dev/stagehand/internal/workspace"
)

var (
	cleanupMaxAge  time.Duration
	cleanupOrphans bool
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove old workspaces and orphaned worktrees",
	Long: `Clean up stagehand workspaces left behind by crashed or interrupted runs.

This command:
  - Removes workspaces older than --max-age, including workspace
    directories left on disk by earlier runs
  - With --orphans, scans git's worktree list for stagehand worktrees
    no longer tracked by any run and removes them

Examples:
  stagehand cleanup                  # Remove workspaces older than 24h
  stagehand cleanup --max-age 1h     # Remove workspaces older than 1h
  stagehand cleanup --orphans        # Also prune untracked worktrees`,
	RunE: runCleanupCmd,
}

func init() {
	cleanupCmd.Flags().DurationVar(&cleanupMaxAge, "max-age", 24*time.Hour, "Remove workspaces older than this")
	cleanupCmd.Flags().BoolVar(&cleanupOrphans, "orphans", false, "Also remove orphaned stagehand worktrees")
}

func runCleanupCmd(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("get working directory: %w", err)
	}

	manager, err := workspace.NewManager(cfg.Workspace.BaseDir, cwd, cfg.Workspace.BaseBranch)
	if err != nil {
		return fmt.Errorf("workspace manager: %w", err)
	}

	removed, err := manager.CleanupOld(cleanupMaxAge)
	if err != nil {
		return fmt.Errorf("cleanup old workspaces: %w", err)
	}
	fmt.Printf("Removed %d workspaces older than %s\n", removed, cleanupMaxAge)

	if cleanupOrphans {
		pruned, err := manager.PruneOrphans()
		if err != nil {
			return fmt.Errorf("prune orphans: %w", err)
		}
		if len(pruned) == 0 {
			fmt.Println("No orphaned worktrees found")
		}
		for _, path := range pruned {
			fmt.Printf("Pruned orphaned worktree %s\n", path)
		}
	}
	return nil
}
