package audit

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/fyrsmithlabs/dispatchd/internal/task"
)

// ComplianceRules configures the static compliance scan ceilings.
type ComplianceRules struct {
	// MaxFunctionLines is the function length ceiling. Default: 80
	MaxFunctionLines int

	// MaxBranches is the per-function branch count ceiling, a cheap
	// proxy for cyclomatic complexity. Default: 10
	MaxBranches int
}

// ApplyDefaults sets default values for unset fields.
func (r *ComplianceRules) ApplyDefaults() {
	if r.MaxFunctionLines <= 0 {
		r.MaxFunctionLines = 80
	}
	if r.MaxBranches <= 0 {
		r.MaxBranches = 10
	}
}

// Violation is one blocking compliance finding.
type Violation struct {
	Rule    string `json:"rule"`
	Line    int    `json:"line"`
	Message string `json:"message"`
}

var (
	funcStartPattern = regexp.MustCompile(`(?m)^\s*(func\s+(\(\w+\s+\*?\w+\)\s*)?(?P<go>\w+)|function\s+(?P<js>\w+)|def\s+(?P<py>\w+))\s*\(`)
	branchPattern    = regexp.MustCompile(`\b(if|for|while|case|catch)\b|&&|\|\|`)
	forbiddenPattern = regexp.MustCompile(`\b(eval|exec)\s*\(`)
)

// checkCompliance runs the fixed rule set over the artifact: function
// length ceilings, branch count ceilings, forbidden constructs, and
// unguarded direct self-recursion. Zero blocking violations passes.
func (p *Pipeline) checkCompliance(artifact *task.Artifact) (task.Verdict, map[string]any) {
	lines := strings.Split(artifact.Content, "\n")
	var violations []Violation

	for _, fn := range scanFunctions(lines) {
		if fn.length > p.cfg.Rules.MaxFunctionLines {
			violations = append(violations, Violation{
				Rule:    "function-length",
				Line:    fn.startLine,
				Message: fmt.Sprintf("function %s is %d lines, ceiling is %d", fn.name, fn.length, p.cfg.Rules.MaxFunctionLines),
			})
		}
		if fn.branches > p.cfg.Rules.MaxBranches {
			violations = append(violations, Violation{
				Rule:    "complexity",
				Line:    fn.startLine,
				Message: fmt.Sprintf("function %s has %d branches, ceiling is %d", fn.name, fn.branches, p.cfg.Rules.MaxBranches),
			})
		}
		if fn.recursive {
			violations = append(violations, Violation{
				Rule:    "unbounded-recursion",
				Line:    fn.startLine,
				Message: fmt.Sprintf("function %s calls itself without a visible base-case guard", fn.name),
			})
		}
	}

	for i, line := range lines {
		if forbiddenPattern.MatchString(line) {
			violations = append(violations, Violation{
				Rule:    "forbidden-construct",
				Line:    i + 1,
				Message: "eval/exec is not allowed",
			})
		}
	}

	details := map[string]any{
		"violations": violations,
		"count":      len(violations),
	}
	if len(violations) > 0 {
		return task.VerdictFail, details
	}
	return task.VerdictPass, details
}

// functionInfo is the per-function summary the scanner produces.
type functionInfo struct {
	name      string
	startLine int
	length    int
	branches  int
	recursive bool
}

// scanFunctions walks the artifact line by line, delimiting functions
// by brace depth (or dedent for Python-style bodies). The scan is a
// heuristic over arbitrary source text, not a parser; it only needs to
// be good enough to enforce ceilings.
func scanFunctions(lines []string) []functionInfo {
	var fns []functionInfo
	var current *functionInfo
	depth := 0
	startDepth := 0
	indentBody := false
	sawConditional := false
	unguardedSelfCall := false

	flush := func(endLine int) {
		if current == nil {
			return
		}
		current.length = endLine - current.startLine + 1
		current.recursive = unguardedSelfCall
		fns = append(fns, *current)
		current = nil
	}

	for i, line := range lines {
		if m := funcStartPattern.FindStringSubmatch(line); m != nil && current == nil {
			name := ""
			for _, group := range []string{"go", "js", "py"} {
				idx := funcStartPattern.SubexpIndex(group)
				if idx >= 0 && m[idx] != "" {
					name = m[idx]
				}
			}
			current = &functionInfo{name: name, startLine: i + 1}
			startDepth = depth
			indentBody = strings.Contains(line, "def ")
			sawConditional = false
			unguardedSelfCall = false
		}

		if current != nil && i+1 > current.startLine {
			trimmed := strings.TrimSpace(line)
			if strings.HasPrefix(trimmed, "if") {
				sawConditional = true
			}
			// A self-call with no conditional anywhere above it has no
			// visible base case.
			if current.name != "" && strings.Contains(line, current.name+"(") && !sawConditional {
				unguardedSelfCall = true
			}
			current.branches += len(branchPattern.FindAllString(line, -1))
		}

		depth += strings.Count(line, "{") - strings.Count(line, "}")
		if current != nil && !indentBody && depth <= startDepth && strings.Contains(line, "}") {
			flush(i + 1)
		}
		if current != nil && indentBody && i+1 > current.startLine &&
			strings.TrimSpace(line) != "" && !strings.HasPrefix(line, " ") && !strings.HasPrefix(line, "\t") {
			flush(i)
		}
	}
	flush(len(lines))
	return fns
}
