package dispatch

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/dispatchd/internal/events"
	"github.com/fyrsmithlabs/dispatchd/internal/task"
)

func okExecutor(id string, keywords ...string) Executor {
	return NewFuncExecutor(id, keywords, func(_ context.Context, item task.WorkItem) (*task.Artifact, error) {
		return &task.Artifact{ItemID: item.ID, Content: "artifact from " + id}, nil
	})
}

func testTopology() *Topology {
	return &Topology{
		TopID: "top",
		Coordinators: []CoordinatorConfig{
			{
				ID:        "backend",
				Keywords:  []string{"api", "database", "server"},
				TypeHints: []string{"service"},
				Executors: []string{"api-builder", "db-builder"},
				Default:   true,
			},
			{
				ID:        "frontend",
				Keywords:  []string{"ui", "component", "page"},
				TypeHints: []string{"view"},
				Executors: []string{"ui-builder"},
			},
		},
	}
}

func testExecutors() []Executor {
	return []Executor{
		okExecutor("api-builder", "api", "endpoint"),
		okExecutor("db-builder", "database", "schema"),
		okExecutor("ui-builder", "ui", "component"),
	}
}

func newTestDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	d, err := NewDispatcher("run-1", testTopology(), testExecutors(), nil, nil)
	require.NoError(t, err)
	return d
}

func TestDispatchFromTop_RoutesByKeywords(t *testing.T) {
	d := newTestDispatcher(t)
	item := task.WorkItem{ID: "i1", Description: "Build the UI component for settings", Type: "view"}

	outcome, err := d.DispatchFromTop(context.Background(), item)

	require.NoError(t, err)
	require.Len(t, outcome.Records, 2)
	assert.Equal(t, "top", outcome.Records[0].SourceID)
	assert.Equal(t, "frontend", outcome.Records[0].TargetID)
	assert.Equal(t, task.StatusCompleted, outcome.Records[0].Status)
	assert.Equal(t, "frontend", outcome.Records[1].SourceID)
	assert.Equal(t, "ui-builder", outcome.Records[1].TargetID)
	assert.False(t, outcome.Failed())
	require.NotNil(t, outcome.Artifact)
	assert.Equal(t, "artifact from ui-builder", outcome.Artifact.Content)
}

func TestDispatchFromTop_Deterministic(t *testing.T) {
	d := newTestDispatcher(t)
	item := task.WorkItem{ID: "i1", Description: "Add a database schema migration", Type: "service"}

	first, err := d.DispatchFromTop(context.Background(), item)
	require.NoError(t, err)
	second, err := d.DispatchFromTop(context.Background(), item)
	require.NoError(t, err)

	assert.Equal(t, first.Records[0].TargetID, second.Records[0].TargetID)
	assert.Equal(t, first.Records[1].TargetID, second.Records[1].TargetID)
	assert.Equal(t, "db-builder", first.Records[1].TargetID)
}

func TestDispatchFromTop_NoMatchUsesDefault(t *testing.T) {
	d := newTestDispatcher(t)
	item := task.WorkItem{ID: "i1", Description: "completely unrelated text", Type: "mystery"}

	outcome, err := d.DispatchFromTop(context.Background(), item)

	require.NoError(t, err)
	assert.Equal(t, "backend", outcome.Records[0].TargetID, "zero score falls back to the default coordinator")
	assert.Equal(t, "api-builder", outcome.Records[1].TargetID, "zero score falls back to the first-listed executor")
	assert.Equal(t, 0, outcome.Records[0].Priority)
}

func TestDispatchFromTop_NoDefaultIsInputError(t *testing.T) {
	topology := testTopology()
	topology.Coordinators[0].Default = false
	d, err := NewDispatcher("run-1", topology, testExecutors(), nil, nil)
	require.NoError(t, err)

	item := task.WorkItem{ID: "i1", Description: "completely unrelated text", Type: "mystery"}
	outcome, err := d.DispatchFromTop(context.Background(), item)

	require.Nil(t, outcome)
	var noRoute *NoRouteError
	require.ErrorAs(t, err, &noRoute)
	assert.Equal(t, "i1", noRoute.ItemID)
}

func TestDispatchFromTop_TieBreaksByDeclarationOrder(t *testing.T) {
	topology := &Topology{
		TopID: "top",
		Coordinators: []CoordinatorConfig{
			{ID: "first", Keywords: []string{"shared"}, Executors: []string{"api-builder"}, Default: true},
			{ID: "second", Keywords: []string{"shared"}, Executors: []string{"db-builder"}},
		},
	}
	d, err := NewDispatcher("run-1", topology, testExecutors(), nil, nil)
	require.NoError(t, err)

	item := task.WorkItem{ID: "i1", Description: "shared keyword"}
	outcome, err := d.DispatchFromTop(context.Background(), item)

	require.NoError(t, err)
	assert.Equal(t, "first", outcome.Records[0].TargetID)
}

func TestDispatchFromCoordinator_ExecutorErrorBecomesFailedRecord(t *testing.T) {
	failing := NewFuncExecutor("api-builder", []string{"api"}, func(context.Context, task.WorkItem) (*task.Artifact, error) {
		return nil, errors.New("model unavailable")
	})
	executors := []Executor{failing, okExecutor("db-builder", "database"), okExecutor("ui-builder", "ui")}
	d, err := NewDispatcher("run-1", testTopology(), executors, nil, nil)
	require.NoError(t, err)

	item := task.WorkItem{ID: "i1", Description: "build the api endpoint"}
	outcome, err := d.DispatchFromCoordinator(context.Background(), "backend", item)

	require.NoError(t, err, "executor errors must not escape the dispatcher")
	require.Len(t, outcome.Records, 1)
	assert.True(t, outcome.Failed())
	assert.Equal(t, task.StatusFailed, outcome.Records[0].Status)
	assert.Equal(t, "model unavailable", outcome.Records[0].Error)
	assert.Nil(t, outcome.Artifact)
}

func TestDispatchFromTop_ExecutorFailureSettlesBothHops(t *testing.T) {
	failing := NewFuncExecutor("api-builder", []string{"api"}, func(context.Context, task.WorkItem) (*task.Artifact, error) {
		return nil, errors.New("model unavailable")
	})
	executors := []Executor{failing, okExecutor("db-builder", "database"), okExecutor("ui-builder", "ui")}
	d, err := NewDispatcher("run-1", testTopology(), executors, nil, nil)
	require.NoError(t, err)

	item := task.WorkItem{ID: "i1", Description: "build the api endpoint"}
	outcome, err := d.DispatchFromTop(context.Background(), item)

	require.NoError(t, err)
	require.Len(t, outcome.Records, 2)
	assert.Equal(t, task.StatusFailed, outcome.Records[0].Status, "top hop settles with the item's outcome")
	assert.Equal(t, task.StatusFailed, outcome.Records[1].Status)
	assert.True(t, outcome.Failed())
}

func TestDispatchFromCoordinator_UnknownCoordinator(t *testing.T) {
	d := newTestDispatcher(t)

	_, err := d.DispatchFromCoordinator(context.Background(), "nope", task.WorkItem{ID: "i1"})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown coordinator")
}

func TestDispatcher_LoadReturnsToZero(t *testing.T) {
	d := newTestDispatcher(t)
	item := task.WorkItem{ID: "i1", Description: "build the api endpoint"}

	_, err := d.DispatchFromTop(context.Background(), item)

	require.NoError(t, err)
	assert.Equal(t, int64(0), d.Load("api-builder"))
}

func TestDispatcher_EmitsRoutingEvents(t *testing.T) {
	bus := events.NewBus(16, nil)
	ch := bus.Subscribe()
	d, err := NewDispatcher("run-1", testTopology(), testExecutors(), bus, nil)
	require.NoError(t, err)

	item := task.WorkItem{ID: "i1", Description: "build the api endpoint"}
	_, err = d.DispatchFromTop(context.Background(), item)
	require.NoError(t, err)

	var types []events.Type
	for len(ch) > 0 {
		types = append(types, (<-ch).Type)
	}
	assert.Equal(t, []events.Type{
		events.TypeDispatchRouted,
		events.TypeDispatchRouted,
		events.TypeDispatchCompleted,
	}, types, "one routing event per hop plus a completion")
}

func TestNewDispatcher_UnknownExecutorReference(t *testing.T) {
	topology := testTopology()
	topology.Coordinators[0].Executors = append(topology.Coordinators[0].Executors, "ghost")

	_, err := NewDispatcher("run-1", topology, testExecutors(), nil, nil)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "ghost")
}

func TestTopology_Validate(t *testing.T) {
	topology := testTopology()
	require.NoError(t, topology.Validate())

	topology.Coordinators[1].Default = true
	err := topology.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "default")
}
