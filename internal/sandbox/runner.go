// Package sandbox executes JavaScript artifacts in an isolated goja
// runtime with deadline enforcement. It implements the audit
// pipeline's SandboxRunner interface.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/dop251/goja"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/dispatchd/internal/audit"
	"github.com/fyrsmithlabs/dispatchd/internal/task"
)

// Runner executes artifacts in a fresh goja runtime per call. A fresh
// runtime means runs cannot observe each other's state.
type Runner struct {
	logger *zap.Logger
}

// NewRunner creates a sandbox runner.
func NewRunner(logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{logger: logger.Named("sandbox")}
}

// RunIsolated executes the artifact followed by its test spec. The
// run passes when nothing throws and no assertion fails. A context
// deadline interrupts the VM and reports a timed-out run.
func (r *Runner) RunIsolated(ctx context.Context, artifact *task.Artifact, testSpec string) (*audit.RunReport, error) {
	lang := strings.ToLower(artifact.Language)
	if lang != "" && lang != "js" && lang != "javascript" {
		return &audit.RunReport{
			ExitCode: 1,
			Output:   []string{fmt.Sprintf("unsupported artifact language %q", artifact.Language)},
		}, nil
	}

	vm := goja.New()
	report := &audit.RunReport{}
	var mu sync.Mutex

	console := vm.NewObject()
	logFn := func(call goja.FunctionCall) goja.Value {
		parts := make([]string, 0, len(call.Arguments))
		for _, arg := range call.Arguments {
			parts = append(parts, arg.String())
		}
		mu.Lock()
		report.Output = append(report.Output, strings.Join(parts, " "))
		mu.Unlock()
		return goja.Undefined()
	}
	_ = console.Set("log", logFn)
	_ = console.Set("error", logFn)
	_ = vm.Set("console", console)

	_ = vm.Set("assert", func(cond bool, msg string) {
		if !cond {
			if msg == "" {
				msg = "assertion failed"
			}
			mu.Lock()
			report.FailingAssertions = append(report.FailingAssertions, msg)
			mu.Unlock()
		}
	})

	// Watchdog: interrupt the VM when the context expires.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			vm.Interrupt("deadline exceeded")
		case <-done:
		}
	}()

	source := artifact.Content
	if testSpec != "" {
		source = source + "\n;\n" + testSpec
	}

	_, err := vm.RunString(source)
	if err != nil {
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) {
			report.TimedOut = true
			report.ExitCode = 1
			report.Output = append(report.Output, "execution interrupted: deadline exceeded")
			if ctx.Err() != nil {
				return report, ctx.Err()
			}
			return report, nil
		}
		report.ExitCode = 1
		report.Output = append(report.Output, err.Error())
		r.logger.Debug("artifact threw during sandbox run",
			zap.String("item_id", artifact.ItemID),
			zap.Error(err),
		)
		return report, nil
	}

	if len(report.FailingAssertions) > 0 {
		report.ExitCode = 1
	}
	return report, nil
}
