// Package models defines the persisted records shared by stagehand components.
package models

import "time"

// RunStatus is the lifecycle status of a pipeline run.
type RunStatus string

const (
	RunStatusRunning RunStatus = "running"
	RunStatusPaused  RunStatus = "paused"
	RunStatusStopped RunStatus = "stopped"
	RunStatusSuccess RunStatus = "success"
	RunStatusFailure RunStatus = "failure"
)

// IsTerminal reports whether the run status admits no further transitions.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusSuccess, RunStatusFailure, RunStatusStopped:
		return true
	}
	return false
}

// GateKind determines how a stage advances once it has passed.
type GateKind string

const (
	// GateAuto advances immediately and drives the self-healing loop on failure.
	GateAuto GateKind = "auto"

	// GateManual halts after passed and waits for an external approval signal.
	GateManual GateKind = "manual"
)

// StageStatus is the lifecycle status of a single stage within a run.
type StageStatus string

const (
	StageStatusPending StageStatus = "pending"
	StageStatusRunning StageStatus = "running"
	StageStatusPassed  StageStatus = "passed"
	StageStatusSkipped StageStatus = "skipped"
	StageStatusFailed  StageStatus = "failed"
)

// StageConfig is the static definition of one pipeline stage.
type StageConfig struct {
	ID string `json:"id" yaml:"id"`

	// Enabled stages execute; disabled stages are recorded as skipped.
	Enabled bool `json:"enabled" yaml:"enabled"`

	// Gate controls advancement after the stage passes.
	Gate GateKind `json:"gate" yaml:"gate"`

	// MaxIterations bounds the self-healing loop. Zero means a single attempt.
	MaxIterations int `json:"max_iterations,omitempty" yaml:"max_iterations,omitempty"`

	// CoverageThreshold is an optional per-stage quality bar, carried through
	// to the worker environment.
	CoverageThreshold float64 `json:"coverage_threshold,omitempty" yaml:"coverage_threshold,omitempty"`

	// Isolated stages run inside a dedicated worktree instead of the shared clone.
	Isolated bool `json:"isolated,omitempty" yaml:"isolated,omitempty"`

	// Prompt is the worker instruction template for this stage.
	Prompt string `json:"prompt,omitempty" yaml:"prompt,omitempty"`
}

// StageResult records the outcome of a stage within a run.
type StageResult struct {
	Status StageStatus `json:"status"`

	// Iteration is the last attempt number executed (1-based).
	Iteration int `json:"iteration"`

	// Override is set when an operator forced the stage to passed via skip.
	Override bool `json:"override,omitempty"`

	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// PipelineRun is the top-level persisted state for one work item's pipeline.
// Mutated only by the stage sequencer.
type PipelineRun struct {
	ID       string `json:"id"`
	WorkItem string `json:"work_item"`
	Goal     string `json:"goal,omitempty"`

	Stages       []StageConfig           `json:"stages"`
	StageResults map[string]*StageResult `json:"stage_results"`
	CurrentStage string                  `json:"current_stage"`

	Status    RunStatus `json:"status"`
	LastError string    `json:"last_error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Stage returns the stage config with the given id, or nil.
func (r *PipelineRun) Stage(id string) *StageConfig {
	for i := range r.Stages {
		if r.Stages[i].ID == id {
			return &r.Stages[i]
		}
	}
	return nil
}

// Result returns the stage result for id, creating a pending entry if absent.
func (r *PipelineRun) Result(id string) *StageResult {
	if r.StageResults == nil {
		r.StageResults = make(map[string]*StageResult)
	}
	res, ok := r.StageResults[id]
	if !ok {
		res = &StageResult{Status: StageStatusPending}
		r.StageResults[id] = res
	}
	return res
}
