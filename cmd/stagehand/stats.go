package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/stagehand-dev/stagehand/internal/state"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show run totals and cost figures",
	Long: `Summarize all recorded runs: outcome counts, task totals, and the
estimated spend accumulated today from routing decisions.`,
	RunE: runStats,
}

func runStats(cmd *cobra.Command, args []string) error {
	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("get working directory: %w", err)
	}

	dbPath := state.ProjectDBPath(cwd)
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		fmt.Println("No runs recorded yet.")
		return nil
	}

	db, err := state.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	runs, err := db.ListRuns(nil)
	if err != nil {
		return err
	}

	var completed, failed, totalTasks, completedTasks int
	for _, run := range runs {
		totalTasks += run.TotalTasks
		completedTasks += run.CompletedTasks
		switch run.Status {
		case state.RunCompleted:
			completed++
		case state.RunFailed, state.RunCancelled:
			failed++
		}
	}

	fmt.Printf("Runs:      %d total, %d completed, %d failed\n", len(runs), completed, failed)
	fmt.Printf("Tasks:     %d of %d completed\n", completedTasks, totalTasks)

	dailyCost, err := db.DailyCost()
	if err != nil {
		return err
	}
	fmt.Printf("Spend:     %.2f estimated today\n", dailyCost)
	return nil
}
