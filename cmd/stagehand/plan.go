package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/stagehand-dev/stagehand/pkg/models"
)

// planFile is the on-disk YAML shape of an execution plan. Task definitions
// are inlined per stage; internally stages reference tasks by id.
type planFile struct {
	ID     string      `yaml:"id"`
	Stages []planStage `yaml:"stages"`
}

type planStage struct {
	Name  string     `yaml:"name"`
	Tasks []planTask `yaml:"tasks"`
}

type planTask struct {
	ID                string `yaml:"id"`
	Title             string `yaml:"title"`
	Prompt            string `yaml:"prompt"`
	Complexity        string `yaml:"complexity"`
	EstimatedDuration string `yaml:"estimated_duration"`
}

// loadPlan reads a plan file and splits it into the stage structure and the
// task definition map the scheduler consumes.
func loadPlan(path string) (*models.ExecutionPlan, map[string]*models.TaskDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("read plan: %w", err)
	}

	var pf planFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, nil, fmt.Errorf("parse plan: %w", err)
	}
	if len(pf.Stages) == 0 {
		return nil, nil, fmt.Errorf("plan has no stages")
	}

	plan := &models.ExecutionPlan{ID: pf.ID}
	defs := make(map[string]*models.TaskDefinition)

	for i, stage := range pf.Stages {
		if len(stage.Tasks) == 0 {
			return nil, nil, fmt.Errorf("stage %d (%q) has no tasks", i, stage.Name)
		}

		s := models.Stage{Name: stage.Name}
		for _, task := range stage.Tasks {
			if task.ID == "" {
				return nil, nil, fmt.Errorf("stage %d (%q) contains a task without an id", i, stage.Name)
			}
			if _, dup := defs[task.ID]; dup {
				return nil, nil, fmt.Errorf("duplicate task id %q", task.ID)
			}
			if task.Prompt == "" {
				return nil, nil, fmt.Errorf("task %q has no prompt", task.ID)
			}

			def := &models.TaskDefinition{
				ID:     task.ID,
				Title:  task.Title,
				Prompt: task.Prompt,
			}
			if task.Complexity != "" {
				def.Complexity = models.TaskComplexity(task.Complexity)
			}
			if task.EstimatedDuration != "" {
				d, err := time.ParseDuration(task.EstimatedDuration)
				if err != nil {
					return nil, nil, fmt.Errorf("task %q: bad estimated_duration: %w", task.ID, err)
				}
				def.EstimatedDuration = d
			}

			defs[task.ID] = def
			s.TaskIDs = append(s.TaskIDs, task.ID)
		}
		plan.Stages = append(plan.Stages, s)
	}

	return plan, defs, nil
}
