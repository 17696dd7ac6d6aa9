package audit

import (
	"regexp"
	"strings"

	"github.com/fyrsmithlabs/dispatchd/internal/task"
)

// Pattern weights for the theater score. A category contributes its
// weight once per occurrence.
const (
	weightMarker         = 10
	weightStandIn        = 20
	weightCommentedBlock = 15
	weightNotImplemented = 25
)

var (
	markerPattern = regexp.MustCompile(`(?i)\b(todo|fixme|xxx|hack)\b`)

	standInPattern = regexp.MustCompile(
		`(?im)return\s+(null|nil|undefined|none|0|""|'')\s*;?\s*(//|#|$)|\bplaceholder\b|\bstub(bed)?\b|\bdummy\b`)

	notImplementedPattern = regexp.MustCompile(
		`(?i)not[ _]?implemented|unimplemented|NotImplementedError|throw new Error\(["'](not |un)implemented`)

	// commentedCodePattern matches comment lines that look like
	// disabled code rather than prose.
	commentedCodePattern = regexp.MustCompile(`^\s*(//|#)\s*\S+.*[;{}()=]`)
)

// checkStubs scans the artifact for unfinished-work markers and
// computes the weighted theater score. The artifact passes when the
// score stays below the configured threshold.
func (p *Pipeline) checkStubs(artifact *task.Artifact) (task.Verdict, map[string]any) {
	content := artifact.Content

	markers := len(markerPattern.FindAllString(content, -1))
	standIns := len(standInPattern.FindAllString(content, -1))
	notImpl := len(notImplementedPattern.FindAllString(content, -1))

	commented := 0
	for _, line := range strings.Split(content, "\n") {
		if commentedCodePattern.MatchString(line) {
			commented++
		}
	}

	score := markers*weightMarker +
		standIns*weightStandIn +
		commented*weightCommentedBlock +
		notImpl*weightNotImplemented

	details := map[string]any{
		"theater_score":   score,
		"threshold":       p.cfg.TheaterThreshold,
		"markers":         markers,
		"stand_ins":       standIns,
		"commented_code":  commented,
		"not_implemented": notImpl,
	}
	if score >= p.cfg.TheaterThreshold {
		return task.VerdictFail, details
	}
	return task.VerdictPass, details
}
