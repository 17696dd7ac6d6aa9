// Package dispatch routes work items through a two-tier hierarchy of
// coordinators to capability-tagged executors.
package dispatch

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/fyrsmithlabs/dispatchd/internal/task"
)

// Executor turns a work item into an artifact. It is a capability-
// tagged black box: the dispatcher only knows its identifier and
// keyword list.
type Executor interface {
	// ID returns the executor identifier.
	ID() string

	// Keywords returns the capability keywords used for routing.
	Keywords() []string

	// Execute produces an artifact for the item.
	Execute(ctx context.Context, item task.WorkItem) (*task.Artifact, error)
}

// CoordinatorConfig declares one mid-tier routing node. Declaration
// order matters: routing ties break by first-listed.
type CoordinatorConfig struct {
	ID        string   `yaml:"id" json:"id"`
	Keywords  []string `yaml:"keywords" json:"keywords"`
	TypeHints []string `yaml:"type_hints,omitempty" json:"type_hints,omitempty"`
	Executors []string `yaml:"executors" json:"executors"`

	// Default marks the fallback coordinator for items matching no
	// keywords at the top tier. At most one coordinator may be default.
	Default bool `yaml:"default,omitempty" json:"default,omitempty"`

	// DefaultExecutor is the fallback executor for items matching no
	// executor keywords within this coordinator. Empty means the
	// first-listed executor.
	DefaultExecutor string `yaml:"default_executor,omitempty" json:"default_executor,omitempty"`
}

// ExecutorDef declares an executor id and its capability keywords in a
// topology file. The implementation behind the id is supplied
// separately at dispatcher construction.
type ExecutorDef struct {
	ID       string   `yaml:"id" json:"id"`
	Keywords []string `yaml:"keywords" json:"keywords"`
}

// Topology is the full routing configuration for one dispatcher. It is
// passed in at construction so concurrent runs can use different
// topologies.
type Topology struct {
	TopID        string              `yaml:"top_id" json:"top_id"`
	ExecutorDefs []ExecutorDef       `yaml:"executors,omitempty" json:"executors,omitempty"`
	Coordinators []CoordinatorConfig `yaml:"coordinators" json:"coordinators"`
}

// Validate checks structural invariants of the topology.
func (t *Topology) Validate() error {
	if len(t.Coordinators) == 0 {
		return fmt.Errorf("topology has no coordinators")
	}
	seen := make(map[string]struct{}, len(t.Coordinators))
	defaults := 0
	for _, c := range t.Coordinators {
		if c.ID == "" {
			return fmt.Errorf("coordinator with empty id")
		}
		if _, dup := seen[c.ID]; dup {
			return fmt.Errorf("duplicate coordinator id %s", c.ID)
		}
		seen[c.ID] = struct{}{}
		if len(c.Executors) == 0 {
			return fmt.Errorf("coordinator %s has no executors", c.ID)
		}
		if c.Default {
			defaults++
		}
		if c.DefaultExecutor != "" && !contains(c.Executors, c.DefaultExecutor) {
			return fmt.Errorf("coordinator %s: default executor %s not in executor list", c.ID, c.DefaultExecutor)
		}
	}
	if defaults > 1 {
		return fmt.Errorf("topology declares %d default coordinators, want at most 1", defaults)
	}
	return nil
}

// coordinator looks up a coordinator by id.
func (t *Topology) coordinator(id string) (*CoordinatorConfig, bool) {
	for i := range t.Coordinators {
		if t.Coordinators[i].ID == id {
			return &t.Coordinators[i], true
		}
	}
	return nil, false
}

// defaultCoordinator returns the configured fallback coordinator.
func (t *Topology) defaultCoordinator() (*CoordinatorConfig, bool) {
	for i := range t.Coordinators {
		if t.Coordinators[i].Default {
			return &t.Coordinators[i], true
		}
	}
	return nil, false
}

// LoadTopology reads a topology from a YAML file.
func LoadTopology(path string) (*Topology, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read topology file: %w", err)
	}
	var t Topology
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("failed to parse topology file %s: %w", path, err)
	}
	if t.TopID == "" {
		t.TopID = "top"
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &t, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// FuncExecutor adapts a function into an Executor. Used by the CLI's
// stub executors and by tests.
type FuncExecutor struct {
	id       string
	keywords []string
	fn       func(ctx context.Context, item task.WorkItem) (*task.Artifact, error)
}

// NewFuncExecutor creates a function-backed executor.
func NewFuncExecutor(id string, keywords []string, fn func(ctx context.Context, item task.WorkItem) (*task.Artifact, error)) *FuncExecutor {
	return &FuncExecutor{id: id, keywords: keywords, fn: fn}
}

func (e *FuncExecutor) ID() string         { return e.id }
func (e *FuncExecutor) Keywords() []string { return e.keywords }

func (e *FuncExecutor) Execute(ctx context.Context, item task.WorkItem) (*task.Artifact, error) {
	return e.fn(ctx, item)
}
