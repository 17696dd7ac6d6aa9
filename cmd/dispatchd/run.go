package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/dispatchd/internal/audit"
	"github.com/fyrsmithlabs/dispatchd/internal/config"
	"github.com/fyrsmithlabs/dispatchd/internal/dispatch"
	"github.com/fyrsmithlabs/dispatchd/internal/events"
	"github.com/fyrsmithlabs/dispatchd/internal/logging"
	"github.com/fyrsmithlabs/dispatchd/internal/orchestrator"
	"github.com/fyrsmithlabs/dispatchd/internal/planner"
	"github.com/fyrsmithlabs/dispatchd/internal/resilience"
	"github.com/fyrsmithlabs/dispatchd/internal/sandbox"
	"github.com/fyrsmithlabs/dispatchd/internal/server"
	"github.com/fyrsmithlabs/dispatchd/internal/store"
	"github.com/fyrsmithlabs/dispatchd/internal/task"
)

var (
	runPlanPath     string
	runTopologyPath string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a plan through dispatch and the audit pipeline",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}

		logger, err := logging.New(cfg.Logging)
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()

		items, artifacts, err := loadPlan(runPlanPath)
		if err != nil {
			return err
		}
		topology, err := dispatch.LoadTopology(runTopologyPath)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		runs, err := openStore(cfg.Store)
		if err != nil {
			return err
		}
		defer runs.Close()

		bus := events.NewBus(cfg.Events.Buffer, logger)
		if cfg.Events.NATSURL != "" {
			publisher, err := events.NewNATSPublisher(cfg.Events.NATSURL, logger)
			if err != nil {
				return err
			}
			defer publisher.Close()
			bus.AddSink(publisher)
		}

		if cfg.Server.Enabled {
			monitor := server.New(cfg.Server, runs, logger)
			go func() {
				if err := monitor.Start(ctx); err != nil {
					logger.Error("monitor server failed", zap.Error(err))
				}
			}()
		}

		pipeline := audit.NewPipeline(audit.Config{
			MaxAttempts:      cfg.Audit.MaxAttempts,
			InitialBackoff:   cfg.Audit.InitialBackoff,
			TheaterThreshold: cfg.Audit.TheaterThreshold,
			SandboxTimeout:   cfg.Audit.SandboxTimeout,
			Rules: audit.ComplianceRules{
				MaxFunctionLines: cfg.Audit.MaxFunctionLines,
				MaxBranches:      cfg.Audit.MaxBranches,
			},
		}, sandbox.NewRunner(logger), logger)

		divider := planner.NewDivider(planner.Options{
			MaxPhases:           cfg.Planner.MaxPhases,
			BottleneckThreshold: cfg.Planner.BottleneckThreshold,
		})

		orch := orchestrator.New(orchestrator.Options{
			MaxInFlight: cfg.Dispatcher.MaxInFlight,
			DispatchRetry: resilience.RetryConfig{
				PerAttemptTimeout: cfg.Dispatcher.ExecutorTimeout,
			},
			DispatchRate:  cfg.Dispatcher.RatePerSecond,
			DispatchBurst: cfg.Dispatcher.RateBurst,
		}, divider, topology, buildExecutors(topology, artifacts), pipeline, runs, bus, logger)

		state, err := orch.Run(ctx, items)
		if state != nil {
			printSummary(state)
		}
		return err
	},
}

func init() {
	runCmd.Flags().StringVar(&runPlanPath, "plan", "plan.yaml", "path to plan YAML")
	runCmd.Flags().StringVar(&runTopologyPath, "topology", "topology.yaml", "path to topology YAML")
}

func openStore(cfg config.StoreConfig) (store.Store, error) {
	if cfg.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
	}
	return store.NewSQLiteStore(cfg.Path)
}

// buildExecutors creates an executor per topology declaration that
// serves the plan's inline artifacts. Items without an inline
// artifact fail execution, which surfaces as a failed dispatch record.
func buildExecutors(topology *dispatch.Topology, artifacts map[string]*task.Artifact) []dispatch.Executor {
	executors := make([]dispatch.Executor, 0, len(topology.ExecutorDefs))
	for _, def := range topology.ExecutorDefs {
		executors = append(executors, dispatch.NewFuncExecutor(def.ID, def.Keywords,
			func(ctx context.Context, item task.WorkItem) (*task.Artifact, error) {
				if artifact, ok := artifacts[item.ID]; ok {
					return artifact, nil
				}
				return nil, fmt.Errorf("no artifact declared for item %s", item.ID)
			}))
	}
	return executors
}

func printSummary(state *task.RunState) {
	completed := 0
	for _, item := range state.Items {
		if item.Status == task.StatusCompleted {
			completed++
		}
	}
	fmt.Printf("run %s: %s (%d/%d items completed)\n", state.RunID, state.Status, completed, len(state.Items))
	for _, failure := range state.Failures {
		stage := string(failure.Stage)
		if stage == "" {
			stage = "dispatch"
		}
		fmt.Printf("  failed: %s at %s after %d attempts: %s\n", failure.ItemID, stage, failure.Attempts, failure.Reason)
	}
}
