// Package audit runs produced artifacts through a fixed three-stage
// verification pipeline: stub detection, sandboxed execution, and
// static compliance scanning. Stages run strictly in order; a stage
// only runs when the previous stage's latest attempt passed.
package audit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/dispatchd/internal/resilience"
	"github.com/fyrsmithlabs/dispatchd/internal/task"
)

// Config tunes the pipeline.
type Config struct {
	// MaxAttempts is the total attempts per stage. Default: 3
	MaxAttempts int

	// InitialBackoff is the delay before the second attempt of a
	// stage; it doubles per attempt. Default: 1 second
	InitialBackoff time.Duration

	// TheaterThreshold is the stub-detection score at which an
	// artifact fails stage 1. Default: 60
	TheaterThreshold int

	// StubTimeout bounds one stub-detection attempt. Default: 5s
	StubTimeout time.Duration

	// SandboxTimeout bounds one sandboxed execution attempt. This is
	// the most expensive stage and the primary timeout risk.
	// Default: 30s
	SandboxTimeout time.Duration

	// ComplianceTimeout bounds one compliance-scan attempt.
	// Default: 5s
	ComplianceTimeout time.Duration

	// Rules configures the compliance scan ceilings.
	Rules ComplianceRules
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = time.Second
	}
	if c.TheaterThreshold <= 0 {
		c.TheaterThreshold = 60
	}
	if c.StubTimeout <= 0 {
		c.StubTimeout = 5 * time.Second
	}
	if c.SandboxTimeout <= 0 {
		c.SandboxTimeout = 30 * time.Second
	}
	if c.ComplianceTimeout <= 0 {
		c.ComplianceTimeout = 5 * time.Second
	}
	c.Rules.ApplyDefaults()
}

// RunReport is the result of one isolated execution of an artifact
// against its declared test spec.
type RunReport struct {
	ExitCode          int      `json:"exit_code"`
	FailingAssertions []string `json:"failing_assertions,omitempty"`
	Output            []string `json:"output,omitempty"`
	TimedOut          bool     `json:"timed_out,omitempty"`
}

// SandboxRunner executes an artifact in a resource-isolated
// environment. The pipeline does not manage the isolation itself.
type SandboxRunner interface {
	RunIsolated(ctx context.Context, artifact *task.Artifact, testSpec string) (*RunReport, error)
}

// errStageFailed marks a quality failure inside a retry attempt. It is
// business logic, not a system error, and never escapes the pipeline.
var errStageFailed = errors.New("audit stage failed")

// Pipeline audits artifacts stage by stage with bounded retries.
type Pipeline struct {
	cfg     Config
	sandbox SandboxRunner
	logger  *zap.Logger
}

// NewPipeline creates a pipeline using the given sandbox runner for
// stage 2.
func NewPipeline(cfg Config, sandbox SandboxRunner, logger *zap.Logger) *Pipeline {
	cfg.ApplyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{cfg: cfg, sandbox: sandbox, logger: logger.Named("audit")}
}

// Audit runs the artifact through all three stages. Every attempt is
// preserved as its own AuditResult; the last attempt per stage decides
// pass or fail. A failed stage stops the pipeline, so later stages
// never run after an upstream failure. The returned error is non-nil
// only for run-level cancellation.
func (p *Pipeline) Audit(ctx context.Context, item task.WorkItem, artifact *task.Artifact) ([]task.AuditResult, error) {
	var results []task.AuditResult

	for _, stage := range task.Stages() {
		stageResults, err := p.runStage(ctx, stage, item, artifact)
		results = append(results, stageResults...)
		if err != nil {
			if ctx.Err() != nil {
				return results, ctx.Err()
			}
			// Quality failure: stop here, report through results.
			p.logger.Info("audit stage failed, stopping pipeline",
				zap.String("item_id", item.ID),
				zap.String("stage", string(stage)),
			)
			return results, nil
		}
	}
	return results, nil
}

// runStage retries one stage with exponential backoff, recording each
// attempt.
func (p *Pipeline) runStage(ctx context.Context, stage task.Stage, item task.WorkItem, artifact *task.Artifact) ([]task.AuditResult, error) {
	var results []task.AuditResult
	attempt := 0

	retrier := resilience.NewRetrier(resilience.RetryConfig{
		MaxAttempts:       p.cfg.MaxAttempts,
		InitialBackoff:    p.cfg.InitialBackoff,
		BackoffMultiplier: 2.0,
		PerAttemptTimeout: p.stageTimeout(stage),
	}, p.logger)

	err := retrier.Do(ctx, string(stage), func(attemptCtx context.Context) error {
		attempt++
		start := time.Now()
		verdict, details := p.check(attemptCtx, stage, artifact)
		elapsed := time.Since(start)

		results = append(results, task.AuditResult{
			ItemID:  item.ID,
			Stage:   stage,
			Verdict: verdict,
			Details: details,
			Attempt: attempt,
			Elapsed: elapsed,
		})
		stageAttempts.WithLabelValues(string(stage), string(verdict)).Inc()
		stageDuration.WithLabelValues(string(stage)).Observe(elapsed.Seconds())

		if verdict != task.VerdictPass {
			return fmt.Errorf("%w: stage %s attempt %d", errStageFailed, stage, attempt)
		}
		return nil
	})
	return results, err
}

// check runs one attempt of one stage.
func (p *Pipeline) check(ctx context.Context, stage task.Stage, artifact *task.Artifact) (task.Verdict, map[string]any) {
	switch stage {
	case task.StageStubDetection:
		return p.checkStubs(artifact)
	case task.StageSandboxExecution:
		return p.checkSandbox(ctx, artifact)
	case task.StageComplianceScan:
		return p.checkCompliance(artifact)
	default:
		return task.VerdictFail, map[string]any{"error": fmt.Sprintf("unknown stage %s", stage)}
	}
}

// checkSandbox executes the artifact in the isolated runner. A timed
// out attempt fails like any other, distinguished only in the details.
func (p *Pipeline) checkSandbox(ctx context.Context, artifact *task.Artifact) (task.Verdict, map[string]any) {
	report, err := p.sandbox.RunIsolated(ctx, artifact, artifact.TestSpec)
	if err != nil {
		details := map[string]any{"error": err.Error()}
		if errors.Is(err, context.DeadlineExceeded) {
			details["timed_out"] = true
		}
		return task.VerdictFail, details
	}

	details := map[string]any{
		"exit_code":          report.ExitCode,
		"failing_assertions": report.FailingAssertions,
	}
	if report.TimedOut {
		details["timed_out"] = true
	}
	if report.ExitCode != 0 || len(report.FailingAssertions) > 0 || report.TimedOut {
		return task.VerdictFail, details
	}
	return task.VerdictPass, details
}

func (p *Pipeline) stageTimeout(stage task.Stage) time.Duration {
	switch stage {
	case task.StageSandboxExecution:
		return p.cfg.SandboxTimeout
	case task.StageComplianceScan:
		return p.cfg.ComplianceTimeout
	default:
		return p.cfg.StubTimeout
	}
}
