// Package planner partitions a dependency graph of work items into
// ordered, non-overlapping execution phases.
package planner

import (
	"fmt"
	"sort"
	"strings"

	"github.com/fyrsmithlabs/dispatchd/internal/task"
)

const (
	// DefaultMaxPhases bounds the plan size to keep it reviewable.
	DefaultMaxPhases = 6

	// DefaultBottleneckThreshold is the dependent count at which an
	// item is flagged as a schedule bottleneck.
	DefaultBottleneckThreshold = 3
)

// Options configures the divider.
type Options struct {
	MaxPhases           int
	BottleneckThreshold int
}

// DefaultOptions returns the standard divider configuration.
func DefaultOptions() Options {
	return Options{
		MaxPhases:           DefaultMaxPhases,
		BottleneckThreshold: DefaultBottleneckThreshold,
	}
}

// Plan is the result of dividing a batch of work items.
type Plan struct {
	Phases      []task.Phase `json:"phases"`
	Bottlenecks []string     `json:"bottlenecks,omitempty"`
}

// CyclicDependencyError reports a dependency cycle in the input batch.
// Members lists the items that could not be scheduled.
type CyclicDependencyError struct {
	Members []string
}

func (e *CyclicDependencyError) Error() string {
	return fmt.Sprintf("cyclic dependency involving items: %s", strings.Join(e.Members, ", "))
}

// UnknownDependencyError reports a dependency on an item outside the batch.
type UnknownDependencyError struct {
	ItemID string
	DepID  string
}

func (e *UnknownDependencyError) Error() string {
	return fmt.Sprintf("item %s depends on unknown item %s", e.ItemID, e.DepID)
}

// Divider assigns work items to execution phases.
type Divider struct {
	opts Options
}

// NewDivider creates a divider with the given options. Zero option
// fields fall back to defaults.
func NewDivider(opts Options) *Divider {
	if opts.MaxPhases <= 0 {
		opts.MaxPhases = DefaultMaxPhases
	}
	if opts.BottleneckThreshold <= 0 {
		opts.BottleneckThreshold = DefaultBottleneckThreshold
	}
	return &Divider{opts: opts}
}

// Divide orders items by dependencies and partitions them into phases.
// Every item lands in exactly one phase and all of its dependencies
// land in strictly earlier phases. A cycle fails the whole call; an
// empty batch yields an empty plan.
func (d *Divider) Divide(items []task.WorkItem) (*Plan, error) {
	if len(items) == 0 {
		return &Plan{}, nil
	}

	byID := make(map[string]*task.WorkItem, len(items))
	for i := range items {
		byID[items[i].ID] = &items[i]
	}

	// Adjacency and in-degree from declared dependencies.
	inDegree := make(map[string]int, len(items))
	dependents := make(map[string][]string, len(items))
	for _, item := range items {
		inDegree[item.ID] += 0
		for _, dep := range item.DependsOn {
			if _, ok := byID[dep]; !ok {
				return nil, &UnknownDependencyError{ItemID: item.ID, DepID: dep}
			}
			inDegree[item.ID]++
			dependents[dep] = append(dependents[dep], item.ID)
		}
	}

	// Kahn topological sort. Ready items are processed in input order
	// so repeated calls on the same batch produce the same plan.
	phaseOf := make(map[string]int, len(items))
	processed := 0
	remaining := make(map[string]int, len(items))
	for id, deg := range inDegree {
		remaining[id] = deg
	}
	for {
		progressed := false
		for _, item := range items {
			if _, done := phaseOf[item.ID]; done {
				continue
			}
			if remaining[item.ID] != 0 {
				continue
			}
			// Earliest phase strictly after every dependency.
			phase := 0
			for _, dep := range item.DependsOn {
				if p := phaseOf[dep]; p >= phase {
					phase = p + 1
				}
			}
			phaseOf[item.ID] = phase
			processed++
			progressed = true
			for _, succ := range dependents[item.ID] {
				remaining[succ]--
			}
		}
		if !progressed {
			break
		}
	}

	if processed != len(items) {
		var members []string
		for _, item := range items {
			if _, done := phaseOf[item.ID]; !done {
				members = append(members, item.ID)
			}
		}
		return nil, &CyclicDependencyError{Members: members}
	}

	plan := &Plan{Phases: buildPhases(items, phaseOf)}
	// Earliest-phase assignment puts every item one phase after its
	// latest dependency, so each phase is dependency-linked to the one
	// before it and no adjacent pair is legal to merge. Plans over the
	// ceiling therefore keep their full depth; the merge only applies
	// if the assignment strategy ever changes.
	d.mergePhases(plan, phaseOf)
	plan.Bottlenecks = d.findBottlenecks(items, dependents)
	return plan, nil
}

// buildPhases groups items by assigned phase index, preserving input
// order within each phase.
func buildPhases(items []task.WorkItem, phaseOf map[string]int) []task.Phase {
	maxPhase := 0
	for _, p := range phaseOf {
		if p > maxPhase {
			maxPhase = p
		}
	}
	phases := make([]task.Phase, maxPhase+1)
	for i := range phases {
		phases[i].Index = i
	}
	for _, item := range items {
		p := phaseOf[item.ID]
		phases[p].Items = append(phases[p].Items, item)
	}
	return phases
}

// mergePhases folds adjacent phases together until the plan fits the
// phase ceiling, smallest combined pair first. A merge is skipped when
// any item in the later phase depends on an item in the earlier one;
// dependency ordering always wins over the ceiling.
func (d *Divider) mergePhases(plan *Plan, phaseOf map[string]int) {
	for len(plan.Phases) > d.opts.MaxPhases {
		type candidate struct {
			index int
			size  int
		}
		var candidates []candidate
		for i := 0; i < len(plan.Phases)-1; i++ {
			if crossDependency(&plan.Phases[i], &plan.Phases[i+1]) {
				continue
			}
			candidates = append(candidates, candidate{
				index: i,
				size:  len(plan.Phases[i].Items) + len(plan.Phases[i+1].Items),
			})
		}
		if len(candidates) == 0 {
			return
		}
		sort.SliceStable(candidates, func(a, b int) bool {
			return candidates[a].size < candidates[b].size
		})

		i := candidates[0].index
		merged := task.Phase{
			Index: i,
			Items: append(plan.Phases[i].Items, plan.Phases[i+1].Items...),
		}
		phases := append([]task.Phase{}, plan.Phases[:i]...)
		phases = append(phases, merged)
		phases = append(phases, plan.Phases[i+2:]...)
		for j := range phases {
			phases[j].Index = j
			for _, item := range phases[j].Items {
				phaseOf[item.ID] = j
			}
		}
		plan.Phases = phases
	}
}

// crossDependency reports whether any item in later depends on an item
// in earlier, which would put a dependency in the same phase if merged.
func crossDependency(earlier, later *task.Phase) bool {
	ids := make(map[string]struct{}, len(earlier.Items))
	for _, item := range earlier.Items {
		ids[item.ID] = struct{}{}
	}
	for _, item := range later.Items {
		for _, dep := range item.DependsOn {
			if _, ok := ids[dep]; ok {
				return true
			}
		}
	}
	return false
}

// findBottlenecks flags items whose dependent count (direct and
// transitive) reaches the configured threshold, in input order. An
// item the rest of the graph funnels through is a schedule risk even
// when only a couple of items name it directly.
func (d *Divider) findBottlenecks(items []task.WorkItem, dependents map[string][]string) []string {
	var bottlenecks []string
	for _, item := range items {
		if transitiveDependents(item.ID, dependents) >= d.opts.BottleneckThreshold {
			bottlenecks = append(bottlenecks, item.ID)
		}
	}
	return bottlenecks
}

// transitiveDependents counts the items reachable from id along the
// dependent edges.
func transitiveDependents(id string, dependents map[string][]string) int {
	seen := map[string]struct{}{}
	stack := append([]string{}, dependents[id]...)
	for len(stack) > 0 {
		next := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, ok := seen[next]; ok {
			continue
		}
		seen[next] = struct{}{}
		stack = append(stack, dependents[next]...)
	}
	return len(seen)
}
