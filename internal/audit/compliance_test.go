package audit

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/dispatchd/internal/task"
)

func violationRules(details map[string]any) []string {
	violations := details["violations"].([]Violation)
	rules := make([]string, 0, len(violations))
	for _, v := range violations {
		rules = append(rules, v.Rule)
	}
	return rules
}

func TestCheckCompliance_CleanArtifactPasses(t *testing.T) {
	p := newTestPipeline(Config{})
	artifact := &task.Artifact{Content: `
function add(a, b) {
	return a + b;
}
function sub(a, b) {
	return a - b;
}
`}

	verdict, details := p.checkCompliance(artifact)

	assert.Equal(t, task.VerdictPass, verdict)
	assert.Equal(t, 0, details["count"])
}

func TestCheckCompliance_FunctionLengthCeiling(t *testing.T) {
	p := newTestPipeline(Config{Rules: ComplianceRules{MaxFunctionLines: 10}})
	var b strings.Builder
	b.WriteString("function big() {\n")
	for i := 0; i < 20; i++ {
		fmt.Fprintf(&b, "\tconsole.log(%d);\n", i)
	}
	b.WriteString("}\n")
	artifact := &task.Artifact{Content: b.String()}

	verdict, details := p.checkCompliance(artifact)

	assert.Equal(t, task.VerdictFail, verdict)
	assert.Contains(t, violationRules(details), "function-length")
}

func TestCheckCompliance_BranchCeiling(t *testing.T) {
	p := newTestPipeline(Config{Rules: ComplianceRules{MaxBranches: 3}})
	artifact := &task.Artifact{Content: `
function decide(x) {
	if (x > 0) { return 1; }
	if (x > 10) { return 2; }
	if (x > 20 && x < 30) { return 3; }
	return 0;
}
`}

	verdict, details := p.checkCompliance(artifact)

	assert.Equal(t, task.VerdictFail, verdict)
	assert.Contains(t, violationRules(details), "complexity")
}

func TestCheckCompliance_ForbiddenEval(t *testing.T) {
	p := newTestPipeline(Config{})
	artifact := &task.Artifact{Content: `
function run(code) {
	return eval(code);
}
`}

	verdict, details := p.checkCompliance(artifact)

	assert.Equal(t, task.VerdictFail, verdict)
	assert.Contains(t, violationRules(details), "forbidden-construct")
}

func TestCheckCompliance_UnguardedRecursion(t *testing.T) {
	p := newTestPipeline(Config{})
	artifact := &task.Artifact{Content: `
function spin(n) {
	return spin(n + 1);
}
`}

	verdict, details := p.checkCompliance(artifact)

	assert.Equal(t, task.VerdictFail, verdict)
	assert.Contains(t, violationRules(details), "unbounded-recursion")
}

func TestCheckCompliance_GuardedRecursionPasses(t *testing.T) {
	p := newTestPipeline(Config{})
	artifact := &task.Artifact{Content: `
function countdown(n) {
	if (n <= 0) { return 0; }
	return countdown(n - 1);
}
`}

	verdict, details := p.checkCompliance(artifact)

	require.Equal(t, 0, details["count"], "guarded recursion is allowed")
	assert.Equal(t, task.VerdictPass, verdict)
}
