package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/fyrsmithlabs/dispatchd/internal/task"
)

// planItem is one work item in a plan file, optionally carrying an
// inline artifact for offline runs where executors just hand back
// pre-authored content.
type planItem struct {
	ID          string        `yaml:"id"`
	Description string        `yaml:"description"`
	Type        string        `yaml:"type"`
	DependsOn   []string      `yaml:"depends_on,omitempty"`
	Artifact    *artifactSpec `yaml:"artifact,omitempty"`
}

type artifactSpec struct {
	Content  string `yaml:"content"`
	Language string `yaml:"language,omitempty"`
	TestSpec string `yaml:"test_spec,omitempty"`
}

type planFile struct {
	Items []planItem `yaml:"items"`
}

// loadPlan reads work items and any inline artifacts from a plan file.
func loadPlan(path string) ([]task.WorkItem, map[string]*task.Artifact, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read plan file: %w", err)
	}
	var pf planFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, nil, fmt.Errorf("failed to parse plan file %s: %w", path, err)
	}
	if len(pf.Items) == 0 {
		return nil, nil, fmt.Errorf("plan file %s declares no items", path)
	}

	items := make([]task.WorkItem, 0, len(pf.Items))
	artifacts := make(map[string]*task.Artifact)
	for _, pi := range pf.Items {
		if pi.ID == "" {
			return nil, nil, fmt.Errorf("plan file %s: item with empty id", path)
		}
		items = append(items, task.WorkItem{
			ID:          pi.ID,
			Description: pi.Description,
			Type:        pi.Type,
			DependsOn:   pi.DependsOn,
		})
		if pi.Artifact != nil {
			artifacts[pi.ID] = &task.Artifact{
				ItemID:   pi.ID,
				Content:  pi.Artifact.Content,
				Language: pi.Artifact.Language,
				TestSpec: pi.Artifact.TestSpec,
			}
		}
	}
	return items, artifacts, nil
}
