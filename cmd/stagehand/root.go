package main

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "stagehand",
	Short: "Parallel task execution across a pool of coding agents",
	Long: `Stagehand executes plans of coding tasks across a pool of agent workers.

A plan is an ordered list of stages; tasks within a stage run in parallel,
each in its own isolated git worktree, while stages run strictly in order.
A cost-aware selector routes every task to the cheapest suitable worker,
and a merge coordinator reconciles the changes concurrent workers produce.

Core capabilities:
- Stage-sequential, task-parallel plan execution
- Isolated git-worktree workspaces per task
- Fixed or autoscaling worker pools
- Cost-aware worker selection with daily budgets
- Automatic conflict resolution on merge-back`,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(cleanupCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(versionCmd)
}
