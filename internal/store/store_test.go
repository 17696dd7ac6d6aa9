package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/dispatchd/internal/task"
)

func sampleState(runID string) *task.RunState {
	state := task.NewRunState(runID, []task.WorkItem{
		{ID: "a", Description: "build the api"},
		{ID: "b", Description: "build the ui", DependsOn: []string{"a"}},
	})
	state.Status = task.StatusInProgress
	state.Records["a"] = []task.DispatchRecord{{
		ID: "rec-1", SourceID: "top", TargetID: "backend", ItemID: "a", Status: task.StatusCompleted,
	}}
	state.Audits["a"] = []task.AuditResult{{
		ItemID: "a", Stage: task.StageStubDetection, Verdict: task.VerdictPass, Attempt: 1,
	}}
	return state
}

func testStores(t *testing.T) map[string]Store {
	t.Helper()
	sqlite, err := NewSQLiteStore(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.Close() })
	return map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": sqlite,
	}
}

func TestStore_SaveAndLoadRoundTrip(t *testing.T) {
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			state := sampleState("run-1")

			require.NoError(t, s.SaveRun(ctx, state))
			loaded, err := s.LoadRun(ctx, "run-1")
			require.NoError(t, err)

			assert.Equal(t, "run-1", loaded.RunID)
			assert.Equal(t, task.StatusInProgress, loaded.Status)
			require.Contains(t, loaded.Items, "a")
			assert.Equal(t, "build the api", loaded.Items["a"].Description)
			require.Len(t, loaded.Records["a"], 1)
			assert.Equal(t, "backend", loaded.Records["a"][0].TargetID)
			require.Len(t, loaded.Audits["a"], 1)
			assert.Equal(t, task.VerdictPass, loaded.Audits["a"][0].Verdict)
		})
	}
}

func TestStore_SaveIsUpsert(t *testing.T) {
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			state := sampleState("run-1")
			require.NoError(t, s.SaveRun(ctx, state))

			state.Status = task.StatusCompleted
			require.NoError(t, s.SaveRun(ctx, state))

			loaded, err := s.LoadRun(ctx, "run-1")
			require.NoError(t, err)
			assert.Equal(t, task.StatusCompleted, loaded.Status)

			summaries, err := s.ListRuns(ctx)
			require.NoError(t, err)
			assert.Len(t, summaries, 1)
		})
	}
}

func TestStore_LoadMissingRun(t *testing.T) {
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.LoadRun(context.Background(), "nope")
			assert.ErrorIs(t, err, ErrRunNotFound)
		})
	}
}

func TestStore_ListRuns(t *testing.T) {
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.SaveRun(ctx, sampleState("run-1")))
			require.NoError(t, s.SaveRun(ctx, sampleState("run-2")))

			summaries, err := s.ListRuns(ctx)
			require.NoError(t, err)
			require.Len(t, summaries, 2)

			ids := []string{summaries[0].RunID, summaries[1].RunID}
			assert.ElementsMatch(t, []string{"run-1", "run-2"}, ids)
		})
	}
}

func TestSQLiteStore_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runs.db")
	ctx := context.Background()

	s, err := NewSQLiteStore(path)
	require.NoError(t, err)
	require.NoError(t, s.SaveRun(ctx, sampleState("run-1")))
	require.NoError(t, s.Close())

	reopened, err := NewSQLiteStore(path)
	require.NoError(t, err)
	defer reopened.Close()

	loaded, err := reopened.LoadRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "run-1", loaded.RunID)
}
