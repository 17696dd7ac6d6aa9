// Package task defines the shared data model for dispatchd: work items,
// execution phases, dispatch records, audit results, and run state.
package task

import (
	"time"
)

// Status represents the lifecycle status of a work item or run.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether the status is a terminal state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// WorkItem is one unit of schedulable work with declared dependencies.
// Dependencies must reference other items in the same batch.
type WorkItem struct {
	ID          string   `json:"id" yaml:"id"`
	Description string   `json:"description" yaml:"description"`
	Type        string   `json:"type" yaml:"type"`
	DependsOn   []string `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	Status      Status   `json:"status" yaml:"-"`
	Result      string   `json:"result,omitempty" yaml:"-"`
}

// Artifact is the work product an executor returns for a work item.
type Artifact struct {
	ItemID   string `json:"item_id"`
	Content  string `json:"content"`
	Language string `json:"language,omitempty"`
	TestSpec string `json:"test_spec,omitempty"`
}

// Phase is an ordered batch of work items assigned the same execution
// rank. Every dependency of an item in phase N lives in a phase < N.
type Phase struct {
	Index int        `json:"index"`
	Items []WorkItem `json:"items"`
}

// ItemIDs returns the IDs of the items in the phase, in order.
func (p *Phase) ItemIDs() []string {
	ids := make([]string, 0, len(p.Items))
	for _, item := range p.Items {
		ids = append(ids, item.ID)
	}
	return ids
}

// DispatchRecord captures one routing decision. It is created at
// dispatch time and updated exactly once when the work completes.
type DispatchRecord struct {
	ID         string    `json:"id"`
	SourceID   string    `json:"source_id"`
	TargetID   string    `json:"target_id"`
	ItemID     string    `json:"item_id"`
	Priority   int       `json:"priority"`
	AssignedAt time.Time `json:"assigned_at"`
	Status     Status    `json:"status"`
	Error      string    `json:"error,omitempty"`
}

// Stage identifies one audit pipeline stage.
type Stage string

const (
	StageStubDetection    Stage = "stub_detection"
	StageSandboxExecution Stage = "sandbox_execution"
	StageComplianceScan   Stage = "compliance_scan"
)

// Stages returns all audit stages in execution order.
func Stages() []Stage {
	return []Stage{StageStubDetection, StageSandboxExecution, StageComplianceScan}
}

// Verdict is the outcome of one audit attempt.
type Verdict string

const (
	VerdictPass Verdict = "pass"
	VerdictFail Verdict = "fail"
)

// AuditResult records one attempt of one audit stage for a work item.
// Results accumulate across retries; the last result per stage is
// authoritative, earlier ones are kept for diagnostics.
type AuditResult struct {
	ItemID  string         `json:"item_id"`
	Stage   Stage          `json:"stage"`
	Verdict Verdict        `json:"verdict"`
	Details map[string]any `json:"details,omitempty"`
	Attempt int            `json:"attempt"`
	Elapsed time.Duration  `json:"elapsed"`
}

// FailureRecord summarizes one permanently failed item for the run
// failure summary.
type FailureRecord struct {
	ItemID   string `json:"item_id"`
	Stage    Stage  `json:"stage,omitempty"`
	Attempts int    `json:"attempts"`
	Reason   string `json:"reason"`
}

// RunState is the complete persisted state of one orchestration run.
type RunState struct {
	RunID       string                   `json:"run_id"`
	Status      Status                   `json:"status"`
	Items       map[string]*WorkItem     `json:"items"`
	Phases      []Phase                  `json:"phases"`
	Bottlenecks []string                 `json:"bottlenecks,omitempty"`
	Records     map[string][]DispatchRecord `json:"records"`
	Audits      map[string][]AuditResult    `json:"audits"`
	Failures    []FailureRecord          `json:"failures,omitempty"`
	StartedAt   time.Time                `json:"started_at"`
	CompletedAt time.Time                `json:"completed_at,omitempty"`
}

// NewRunState creates run state for a fresh batch of work items.
func NewRunState(runID string, items []WorkItem) *RunState {
	state := &RunState{
		RunID:     runID,
		Status:    StatusPending,
		Items:     make(map[string]*WorkItem, len(items)),
		Records:   make(map[string][]DispatchRecord),
		Audits:    make(map[string][]AuditResult),
		StartedAt: time.Now(),
	}
	for i := range items {
		item := items[i]
		if item.Status == "" {
			item.Status = StatusPending
		}
		state.Items[item.ID] = &item
	}
	return state
}

// FinalVerdict derives the pipeline verdict for an item from the last
// audit result of each stage. All three stages must pass.
func (s *RunState) FinalVerdict(itemID string) Verdict {
	last := make(map[Stage]Verdict)
	for _, res := range s.Audits[itemID] {
		last[res.Stage] = res.Verdict
	}
	for _, stage := range Stages() {
		if last[stage] != VerdictPass {
			return VerdictFail
		}
	}
	return VerdictPass
}
