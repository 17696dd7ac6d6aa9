// Package orchestrator drives a batch of work items through phase
// division, hierarchical dispatch, and the audit pipeline, persisting
// run state and emitting lifecycle events along the way.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/dispatchd/internal/audit"
	"github.com/fyrsmithlabs/dispatchd/internal/dispatch"
	"github.com/fyrsmithlabs/dispatchd/internal/events"
	"github.com/fyrsmithlabs/dispatchd/internal/planner"
	"github.com/fyrsmithlabs/dispatchd/internal/resilience"
	"github.com/fyrsmithlabs/dispatchd/internal/store"
	"github.com/fyrsmithlabs/dispatchd/internal/task"
)

// Options configures the orchestrator.
type Options struct {
	// MaxInFlight bounds concurrently processed items within a phase.
	// Default: 4
	MaxInFlight int

	// DispatchRetry configures retries for transient executor
	// failures. Defaults follow the resilience package.
	DispatchRetry resilience.RetryConfig

	// DispatchRate caps executor dispatches per second across the
	// whole orchestrator. Zero disables the cap.
	DispatchRate float64

	// DispatchBurst is the burst size for the dispatch rate cap.
	// Default: 1 when DispatchRate is set.
	DispatchBurst int
}

// Orchestrator is the composition root for one topology. It is safe
// to call Run concurrently; each run gets its own dispatcher and
// state.
type Orchestrator struct {
	opts      Options
	divider   *planner.Divider
	topology  *dispatch.Topology
	executors []dispatch.Executor
	pipeline  *audit.Pipeline
	runs      store.Store
	bus       *events.Bus
	rate      *resilience.RateLimiter
	logger    *zap.Logger
}

// New creates an orchestrator.
func New(opts Options, divider *planner.Divider, topology *dispatch.Topology, executors []dispatch.Executor, pipeline *audit.Pipeline, runs store.Store, bus *events.Bus, logger *zap.Logger) *Orchestrator {
	if opts.MaxInFlight <= 0 {
		opts.MaxInFlight = 4
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	// The rate cap is a single shared gate: concurrent runs on the
	// same orchestrator draw from one bucket.
	var rate *resilience.RateLimiter
	if opts.DispatchRate > 0 {
		burst := opts.DispatchBurst
		if burst <= 0 {
			burst = 1
		}
		rate = resilience.NewRateLimiter(opts.DispatchRate, burst)
	}
	return &Orchestrator{
		opts:      opts,
		divider:   divider,
		topology:  topology,
		executors: executors,
		pipeline:  pipeline,
		runs:      runs,
		bus:       bus,
		rate:      rate,
		logger:    logger.Named("orchestrator"),
	}
}

// Run processes a batch of work items to completion. Input errors
// (dependency cycles, unroutable items with no default) fail the run;
// individual item failures are absorbed into the failure summary and
// the run keeps going.
func (o *Orchestrator) Run(ctx context.Context, items []task.WorkItem) (*task.RunState, error) {
	runID := uuid.NewString()
	logger := o.logger.With(zap.String("run_id", runID))

	plan, err := o.divider.Divide(items)
	if err != nil {
		return nil, fmt.Errorf("phase division failed: %w", err)
	}

	state := task.NewRunState(runID, items)
	state.Phases = plan.Phases
	state.Bottlenecks = plan.Bottlenecks
	state.Status = task.StatusInProgress

	dispatcher, err := dispatch.NewDispatcher(runID, o.topology, o.executors, o.bus, o.logger)
	if err != nil {
		return nil, err
	}

	o.publish(events.Event{Type: events.TypeRunStarted, RunID: runID, Payload: map[string]any{
		"items":       len(items),
		"phases":      len(plan.Phases),
		"bottlenecks": plan.Bottlenecks,
	}})
	o.save(ctx, state)

	run := &activeRun{
		orch:       o,
		runID:      runID,
		state:      state,
		dispatcher: dispatcher,
		limiter:    resilience.NewLimiter(o.opts.MaxInFlight),
		logger:     logger,
	}

	for i := range state.Phases {
		phase := &state.Phases[i]
		o.publish(events.Event{Type: events.TypePhaseStarted, RunID: runID, Payload: map[string]any{
			"phase": phase.Index,
			"items": phase.ItemIDs(),
		}})
		logger.Info("phase started",
			zap.Int("phase", phase.Index),
			zap.Int("items", len(phase.Items)),
		)

		// Items within a phase have no dependency relation, so they
		// run concurrently under the limiter. The WaitGroup is the
		// phase barrier: no item of phase N+1 starts before every
		// item of phase N is terminal.
		var wg sync.WaitGroup
		for j := range phase.Items {
			wg.Add(1)
			go func(item task.WorkItem) {
				defer wg.Done()
				run.processItem(ctx, item)
			}(phase.Items[j])
		}
		wg.Wait()

		o.save(ctx, state)
		o.publish(events.Event{Type: events.TypePhaseCompleted, RunID: runID, Payload: map[string]any{
			"phase": phase.Index,
		}})

		if err := run.fatal(); err != nil {
			state.Status = task.StatusFailed
			state.CompletedAt = time.Now()
			o.save(ctx, state)
			return state, err
		}
		if ctx.Err() != nil {
			run.failPending("canceled before dispatch")
			state.Status = task.StatusFailed
			state.CompletedAt = time.Now()
			o.save(ctx, state)
			return state, ctx.Err()
		}
	}

	state.Status = task.StatusCompleted
	state.CompletedAt = time.Now()
	o.save(ctx, state)
	o.publish(events.Event{Type: events.TypeRunCompleted, RunID: runID, Payload: map[string]any{
		"status":   string(state.Status),
		"failures": len(state.Failures),
	}})
	logger.Info("run completed",
		zap.Int("failures", len(state.Failures)),
		zap.Duration("elapsed", state.CompletedAt.Sub(state.StartedAt)),
	)
	return state, nil
}

// save persists run state. Persistence failures are logged, not
// fatal; the in-memory state remains authoritative for the run.
func (o *Orchestrator) save(ctx context.Context, state *task.RunState) {
	if o.runs == nil {
		return
	}
	// Saving must survive run cancellation.
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := o.runs.SaveRun(saveCtx, state); err != nil {
		o.logger.Error("failed to persist run state",
			zap.String("run_id", state.RunID),
			zap.Error(err),
		)
	}
}

func (o *Orchestrator) publish(event events.Event) {
	if o.bus != nil {
		o.bus.Publish(event)
	}
}

// activeRun holds the mutable state of one in-progress run. All state
// mutation goes through its mutex; per-item record lists still have a
// single writer (the item's worker goroutine).
type activeRun struct {
	orch       *Orchestrator
	runID      string
	state      *task.RunState
	dispatcher *dispatch.Dispatcher
	limiter    *resilience.Limiter

	mu       sync.Mutex
	fatalErr error
	logger   *zap.Logger
}

// processItem runs one item through dispatch and audit and records the
// terminal status.
func (r *activeRun) processItem(ctx context.Context, item task.WorkItem) {
	if err := r.limiter.Acquire(ctx); err != nil {
		r.failItem(item.ID, "", 0, "canceled while waiting for slot")
		return
	}
	defer r.limiter.Release()

	if r.orch.rate != nil {
		if err := r.orch.rate.Wait(ctx); err != nil {
			r.failItem(item.ID, "", 0, "canceled while rate limited")
			return
		}
	}

	r.setStatus(item.ID, task.StatusInProgress)

	outcome, attempts, err := r.dispatchWithRetry(ctx, item)
	if err != nil {
		var noRoute *dispatch.NoRouteError
		if errors.As(err, &noRoute) {
			r.setFatal(err)
		}
		r.failItem(item.ID, "", attempts, err.Error())
		return
	}
	if outcome.Failed() {
		r.failItem(item.ID, "", attempts, lastRecordError(outcome))
		return
	}

	results, auditErr := r.orch.pipeline.Audit(ctx, item, outcome.Artifact)
	r.appendAudits(item.ID, results)
	for _, res := range results {
		r.orch.publish(events.Event{Type: events.TypeAuditStage, RunID: r.runID, ItemID: item.ID, Payload: map[string]any{
			"stage":   string(res.Stage),
			"verdict": string(res.Verdict),
			"attempt": res.Attempt,
		}})
	}
	if auditErr != nil {
		r.failItem(item.ID, failedStage(results), attemptCount(results), "canceled during audit")
		return
	}

	if verdict := r.verdict(item.ID); verdict != task.VerdictPass {
		stage := failedStage(results)
		r.failItem(item.ID, stage, attemptCount(results), fmt.Sprintf("audit stage %s failed", stage))
		return
	}

	r.completeItem(item.ID, outcome.Artifact)
}

// dispatchWithRetry retries transient executor failures, counting
// attempts for the failure summary. Routing errors are not retried; a
// failed outcome is.
func (r *activeRun) dispatchWithRetry(ctx context.Context, item task.WorkItem) (*dispatch.Outcome, int, error) {
	var outcome *dispatch.Outcome
	attempts := 0

	retrier := resilience.NewRetrier(r.orch.opts.DispatchRetry, r.logger)
	err := retrier.Do(ctx, "dispatch "+item.ID, func(attemptCtx context.Context) error {
		attempts++
		var err error
		outcome, err = r.dispatcher.DispatchFromTop(attemptCtx, item)
		if err != nil {
			return err
		}
		r.appendRecords(item.ID, outcome.Records)
		if outcome.Failed() {
			return fmt.Errorf("executor failed: %s", lastRecordError(outcome))
		}
		return nil
	})
	if err != nil {
		var noRoute *dispatch.NoRouteError
		if errors.As(err, &noRoute) {
			return nil, attempts, noRoute
		}
		if outcome != nil {
			// Exhausted retries on executor failures: report through
			// the failed outcome, not an error.
			return outcome, attempts, nil
		}
		return nil, attempts, err
	}
	return outcome, attempts, nil
}

func (r *activeRun) setStatus(itemID string, status task.Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if item, ok := r.state.Items[itemID]; ok {
		item.Status = status
	}
}

func (r *activeRun) completeItem(itemID string, artifact *task.Artifact) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if item, ok := r.state.Items[itemID]; ok {
		item.Status = task.StatusCompleted
		if artifact != nil {
			item.Result = artifact.Content
		}
	}
}

func (r *activeRun) failItem(itemID string, stage task.Stage, attempts int, reason string) {
	r.mu.Lock()
	if item, ok := r.state.Items[itemID]; ok {
		item.Status = task.StatusFailed
	}
	r.state.Failures = append(r.state.Failures, task.FailureRecord{
		ItemID:   itemID,
		Stage:    stage,
		Attempts: attempts,
		Reason:   reason,
	})
	r.mu.Unlock()

	r.orch.publish(events.Event{Type: events.TypeItemFailed, RunID: r.runID, ItemID: itemID, Payload: map[string]any{
		"stage":  string(stage),
		"reason": reason,
	}})
}

// failPending marks every non-terminal item failed, used on run-level
// cancellation so nothing is left pending indefinitely.
func (r *activeRun) failPending(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, item := range r.state.Items {
		if !item.Status.Terminal() {
			item.Status = task.StatusFailed
			r.state.Failures = append(r.state.Failures, task.FailureRecord{
				ItemID: item.ID,
				Reason: reason,
			})
		}
	}
}

func (r *activeRun) appendRecords(itemID string, records []task.DispatchRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state.Records[itemID] = append(r.state.Records[itemID], records...)
}

func (r *activeRun) appendAudits(itemID string, results []task.AuditResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state.Audits[itemID] = append(r.state.Audits[itemID], results...)
}

func (r *activeRun) verdict(itemID string) task.Verdict {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.FinalVerdict(itemID)
}

func (r *activeRun) setFatal(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fatalErr == nil {
		r.fatalErr = err
	}
}

func (r *activeRun) fatal() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fatalErr
}

// lastRecordError returns the error text of the final dispatch record.
func lastRecordError(outcome *dispatch.Outcome) string {
	if len(outcome.Records) == 0 {
		return "no dispatch record"
	}
	return outcome.Records[len(outcome.Records)-1].Error
}

// failedStage returns the stage of the last failing audit result.
func failedStage(results []task.AuditResult) task.Stage {
	for i := len(results) - 1; i >= 0; i-- {
		if results[i].Verdict == task.VerdictFail {
			return results[i].Stage
		}
	}
	return ""
}

// attemptCount returns the attempt number of the last audit result.
func attemptCount(results []task.AuditResult) int {
	if len(results) == 0 {
		return 0
	}
	return results[len(results)-1].Attempt
}
