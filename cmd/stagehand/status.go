package main

import (
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/stagehand-dev/stagehand/internal/state"
	"github.com/stagehand-dev/stagehand/pkg/models"
)

var statusLimit int

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show recent runs and their task outcomes",
	Long: `Display recent plan runs recorded in the project database.

Shows each run's status, task counts, and timing, plus the per-task
execution records of the most recent run.`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().IntVar(&statusLimit, "limit", 5, "Number of runs to show")
}

func runStatus(cmd *cobra.Command, args []string) error {
	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("get working directory: %w", err)
	}

	dbPath := state.ProjectDBPath(cwd)
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		fmt.Println("No runs recorded. Run 'stagehand run <plan.yaml>' to start.")
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
	if len(runs) == 0 {
		fmt.Println("No runs recorded. Run 'stagehand run <plan.yaml>' to start.")
		return nil
	}
	if len(runs) > statusLimit {
		runs = runs[:statusLimit]
	}

	green := color.New(color.FgGreen).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()

	for _, run := range runs {
		var status string
		switch run.Status {
		case state.RunCompleted:
			status = green(string(run.Status))
		case state.RunFailed, state.RunCancelled:
			status = red(string(run.Status))
		default:
			status = yellow(string(run.Status))
		}

		duration := ""
		if run.CompletedAt != nil {
			duration = fmt.Sprintf(" in %s", run.CompletedAt.Sub(run.StartedAt).Round(time.Second))
		}
		fmt.Printf("%s  %s  %d/%d tasks%s  (started %s)\n",
			run.ID[:8], status, run.CompletedTasks, run.TotalTasks, duration,
			run.StartedAt.Local().Format("2006-01-02 15:04"))
	}

	// Detail the latest run.
	latest := runs[0]
	execs, err := db.ListTaskExecutions(latest.ID)
	if err != nil {
		return err
	}
	if len(execs) == 0 {
		return nil
	}

	fmt.Printf("\nTasks of run %s:\n", latest.ID[:8])
	for _, exec := range execs {
		switch exec.Status {
		case models.TaskStatusCompleted:
			fmt.Printf("  %s %s (worker %s)\n", green("✓"), exec.TaskID, exec.WorkerID)
		case models.TaskStatusFailed:
			fmt.Printf("  %s %s: %s\n", red("✗"), exec.TaskID, exec.Error)
		default:
			fmt.Printf("  %s %s (%s)\n", yellow("-"), exec.TaskID, exec.Status)
		}
	}
	return nil
}
