// ABOUTME: Per-stage and per-run result records with their status lifecycles.
// ABOUTME: StageResult transitions Pending -> Running -> terminal exactly once; terminal states are final.
package pipeline

import (
	"time"
)

// StageStatus is the lifecycle state of a stage within a run.
type StageStatus string

const (
	StatusPending   StageStatus = "pending"
	StatusRunning   StageStatus = "running"
	StatusSucceeded StageStatus = "succeeded"
	StatusFailed    StageStatus = "failed"
	StatusSkipped   StageStatus = "skipped"
	StatusAborted   StageStatus = "aborted"
)

// Terminal reports whether the status is final and will never change again.
func (s StageStatus) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusSkipped, StatusAborted:
		return true
	}
	return false
}

// StageResult records one stage's outcome within a run.
type StageResult struct {
	StageID     string      `json:"stage_id"`
	Status      StageStatus `json:"status"`
	StartedAt   *time.Time  `json:"started_at,omitempty"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
	ExitCode    int         `json:"exit_code"`
	TimedOut    bool        `json:"timed_out,omitempty"`
	// Ignored marks a Failed stage whose failure does not propagate because
	// the stage (or an enclosing composite) is continue-on-error. The true
	// status stays visible; only the propagation is swallowed.
	Ignored       bool   `json:"ignored,omitempty"`
	FailureReason string `json:"failure_reason,omitempty"`
	StdoutPath    string `json:"stdout_path,omitempty"`
	StderrPath    string `json:"stderr_path,omitempty"`
}

// RunStatus is the overall status of a pipeline run.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	RunAborted   RunStatus = "aborted"
)

// Terminal reports whether the run status is final.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunSucceeded, RunFailed, RunAborted:
		return true
	}
	return false
}

// RunRecord is the full record of one pipeline run. The executor owns it for
// the run's duration and serializes every mutation through its coordinator;
// it is persisted to the state store on every stage transition.
type RunRecord struct {
	ID           string      `json:"id"`
	PipelineName string      `json:"pipeline_name"`
	Branch       string      `json:"branch"`
	Commit       string      `json:"commit,omitempty"`
	Status       RunStatus   `json:"status"`
	StartedAt    time.Time   `json:"started_at"`
	CompletedAt  *time.Time  `json:"completed_at,omitempty"`
	Error        string      `json:"error,omitempty"`
	// StageOrder lists stage IDs in declaration order for stable rendering.
	StageOrder []string                `json:"stage_order"`
	Stages     map[string]*StageResult `json:"stages"`
}

// NewRunRecord creates a RunRecord with every stage of the definition Pending.
func NewRunRecord(id string, def *PipelineDefinition, rc *RunContext) *RunRecord {
	rec := &RunRecord{
		ID:           id,
		PipelineName: def.Name,
		Branch:       rc.Branch,
		Commit:       rc.Commit,
		Status:       RunPending,
		StartedAt:    time.Now().UTC(),
		Stages:       make(map[string]*StageResult),
	}
	def.Walk(func(n *StageNode) {
		if n.ID == "" {
			return // the synthetic root is not a stage
		}
		rec.StageOrder = append(rec.StageOrder, n.ID)
		rec.Stages[n.ID] = &StageResult{StageID: n.ID, Status: StatusPending}
	})
	return rec
}

// Result returns the stage result for the given ID, or nil if absent.
func (r *RunRecord) Result(stageID string) *StageResult {
	return r.Stages[stageID]
}
