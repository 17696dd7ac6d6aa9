package dispatch

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/dispatchd/internal/events"
	"github.com/fyrsmithlabs/dispatchd/internal/task"
)

const (
	keywordScore  = 2
	typeHintScore = 1
)

// NoRouteError reports an item that matched no candidate and had no
// default configured at the tier. It is an input error: fix the
// topology, not the item.
type NoRouteError struct {
	Tier   string
	ItemID string
}

func (e *NoRouteError) Error() string {
	return fmt.Sprintf("no route for item %s at %s tier and no default configured", e.ItemID, e.Tier)
}

// Outcome is the result of dispatching one work item: the dispatch
// records for each hop and the artifact when execution succeeded.
type Outcome struct {
	Records  []task.DispatchRecord
	Artifact *task.Artifact
}

// Failed reports whether the final hop ended in failure.
func (o *Outcome) Failed() bool {
	if len(o.Records) == 0 {
		return true
	}
	return o.Records[len(o.Records)-1].Status == task.StatusFailed
}

// Dispatcher routes work items from a top coordinator through mid-tier
// coordinators to executors. It is the failure boundary between
// routing and execution: executor errors come back as failed dispatch
// records, never as returned errors.
type Dispatcher struct {
	runID     string
	topology  *Topology
	executors map[string]Executor
	loads     map[string]*atomic.Int64
	bus       *events.Bus
	logger    *zap.Logger
}

// NewDispatcher creates a dispatcher for one run. Every executor
// referenced by the topology must be present in the registry.
func NewDispatcher(runID string, topology *Topology, executors []Executor, bus *events.Bus, logger *zap.Logger) (*Dispatcher, error) {
	if err := topology.Validate(); err != nil {
		return nil, fmt.Errorf("invalid topology: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	registry := make(map[string]Executor, len(executors))
	loads := make(map[string]*atomic.Int64, len(executors))
	for _, ex := range executors {
		registry[ex.ID()] = ex
		loads[ex.ID()] = &atomic.Int64{}
	}
	for _, c := range topology.Coordinators {
		for _, id := range c.Executors {
			if _, ok := registry[id]; !ok {
				return nil, fmt.Errorf("coordinator %s references unknown executor %s", c.ID, id)
			}
		}
	}

	return &Dispatcher{
		runID:     runID,
		topology:  topology,
		executors: registry,
		loads:     loads,
		bus:       bus,
		logger:    logger.Named("dispatch"),
	}, nil
}

// DispatchFromTop routes an item from the top coordinator to a mid-tier
// coordinator, then on to an executor.
func (d *Dispatcher) DispatchFromTop(ctx context.Context, item task.WorkItem) (*Outcome, error) {
	coord, score, err := d.routeToCoordinator(item)
	if err != nil {
		return nil, err
	}

	record := d.newRecord(d.topology.TopID, coord.ID, item.ID, score)
	d.emitRouted(d.topology.TopID, coord.ID, item.ID, score)
	d.logger.Debug("routed item to coordinator",
		zap.String("item_id", item.ID),
		zap.String("coordinator", coord.ID),
		zap.Int("score", score),
	)

	outcome, err := d.DispatchFromCoordinator(ctx, coord.ID, item)
	if err != nil {
		return nil, err
	}
	// The top hop settles once, with the item: it completed only if
	// the executor did.
	record.Status = task.StatusCompleted
	if outcome.Failed() {
		record.Status = task.StatusFailed
	}
	outcome.Records = append([]task.DispatchRecord{record}, outcome.Records...)
	return outcome, nil
}

// DispatchFromCoordinator routes an item from a mid-tier coordinator
// to one of its executors and runs the executor.
func (d *Dispatcher) DispatchFromCoordinator(ctx context.Context, coordinatorID string, item task.WorkItem) (*Outcome, error) {
	coord, ok := d.topology.coordinator(coordinatorID)
	if !ok {
		return nil, fmt.Errorf("unknown coordinator %s", coordinatorID)
	}

	executor, score := d.routeToExecutor(coord, item)
	record := d.newRecord(coord.ID, executor.ID(), item.ID, score)
	d.emitRouted(coord.ID, executor.ID(), item.ID, score)

	load := d.loads[executor.ID()]
	load.Add(1)
	inFlightGauge.WithLabelValues(executor.ID()).Inc()
	defer func() {
		load.Add(-1)
		inFlightGauge.WithLabelValues(executor.ID()).Dec()
	}()

	artifact, execErr := executor.Execute(ctx, item)
	if execErr != nil {
		record.Status = task.StatusFailed
		record.Error = execErr.Error()
		dispatchesTotal.WithLabelValues(coord.ID, executor.ID(), "failed").Inc()
		d.emitCompleted(coord.ID, executor.ID(), item.ID, task.StatusFailed)
		d.logger.Warn("executor failed",
			zap.String("item_id", item.ID),
			zap.String("executor", executor.ID()),
			zap.Error(execErr),
		)
		return &Outcome{Records: []task.DispatchRecord{record}}, nil
	}

	record.Status = task.StatusCompleted
	dispatchesTotal.WithLabelValues(coord.ID, executor.ID(), "completed").Inc()
	d.emitCompleted(coord.ID, executor.ID(), item.ID, task.StatusCompleted)
	return &Outcome{
		Records:  []task.DispatchRecord{record},
		Artifact: artifact,
	}, nil
}

// Load returns the current in-flight count for an executor.
func (d *Dispatcher) Load(executorID string) int64 {
	if counter, ok := d.loads[executorID]; ok {
		return counter.Load()
	}
	return 0
}

// routeToCoordinator scores every coordinator against the item and
// picks the best, falling back to the configured default. Ties break
// by declaration order.
func (d *Dispatcher) routeToCoordinator(item task.WorkItem) (*CoordinatorConfig, int, error) {
	desc := strings.ToLower(item.Description)
	itemType := strings.ToLower(item.Type)

	best := -1
	bestScore := 0
	for i, c := range d.topology.Coordinators {
		score := 0
		for _, kw := range c.Keywords {
			if strings.Contains(desc, strings.ToLower(kw)) {
				score += keywordScore
			}
		}
		for _, hint := range c.TypeHints {
			if strings.ToLower(hint) == itemType {
				score += typeHintScore
			}
		}
		if score > bestScore {
			best = i
			bestScore = score
		}
	}
	if best >= 0 {
		return &d.topology.Coordinators[best], bestScore, nil
	}

	if fallback, ok := d.topology.defaultCoordinator(); ok {
		return fallback, 0, nil
	}
	return nil, 0, &NoRouteError{Tier: "coordinator", ItemID: item.ID}
}

// routeToExecutor scores the coordinator's executors against the item.
// A keyword match in the description scores like a capability keyword;
// a keyword equal to the item type scores like a type hint. Zero-score
// items go to the coordinator's default executor (first-listed when
// none is configured), so no item is ever left unrouted.
func (d *Dispatcher) routeToExecutor(coord *CoordinatorConfig, item task.WorkItem) (Executor, int) {
	desc := strings.ToLower(item.Description)
	itemType := strings.ToLower(item.Type)

	best := -1
	bestScore := 0
	for i, id := range coord.Executors {
		ex := d.executors[id]
		score := 0
		for _, kw := range ex.Keywords() {
			lower := strings.ToLower(kw)
			if strings.Contains(desc, lower) {
				score += keywordScore
			}
			if lower == itemType {
				score += typeHintScore
			}
		}
		if score > bestScore {
			best = i
			bestScore = score
		}
	}
	if best >= 0 {
		return d.executors[coord.Executors[best]], bestScore
	}

	fallbackID := coord.DefaultExecutor
	if fallbackID == "" {
		fallbackID = coord.Executors[0]
	}
	return d.executors[fallbackID], 0
}

func (d *Dispatcher) newRecord(sourceID, targetID, itemID string, priority int) task.DispatchRecord {
	return task.DispatchRecord{
		ID:         uuid.NewString(),
		SourceID:   sourceID,
		TargetID:   targetID,
		ItemID:     itemID,
		Priority:   priority,
		AssignedAt: time.Now(),
		Status:     task.StatusInProgress,
	}
}

func (d *Dispatcher) emitRouted(sourceID, targetID, itemID string, score int) {
	if d.bus == nil {
		return
	}
	d.bus.Publish(events.Event{
		Type:   events.TypeDispatchRouted,
		RunID:  d.runID,
		ItemID: itemID,
		Payload: map[string]any{
			"source": sourceID,
			"target": targetID,
			"score":  score,
		},
	})
}

func (d *Dispatcher) emitCompleted(sourceID, targetID, itemID string, status task.Status) {
	if d.bus == nil {
		return
	}
	d.bus.Publish(events.Event{
		Type:   events.TypeDispatchCompleted,
		RunID:  d.runID,
		ItemID: itemID,
		Payload: map[string]any{
			"source": sourceID,
			"target": targetID,
			"status": string(status),
		},
	})
}
