// Package sequencer composes the durability substrate into a pipeline
// driver: it advances stages, applies gates, runs the self-healing loop,
// checkpoints progress, and exposes pause/resume/skip/retry control.
package sequencer

import (
	"fmt"

	"github.com/stagehand-dev/stagehand/internal/models"
)

// TransitionError is returned when an invalid lifecycle transition is
// attempted.
type TransitionError struct {
	RunID string
	From  string
	To    string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid transition for run %s: %s -> %s", e.RunID, e.From, e.To)
}

// validRunTransitions defines which run status transitions are allowed.
// Map key is the current status, value is the set of valid targets.
var validRunTransitions = map[models.RunStatus]map[models.RunStatus]bool{
	models.RunStatusRunning: {
		models.RunStatusPaused:  true, // operator pause
		models.RunStatusStopped: true, // explicit abort
		models.RunStatusSuccess: true, // all stages passed
		models.RunStatusFailure: true, // iteration budget exhausted
	},
	models.RunStatusPaused: {
		models.RunStatusRunning: true, // resume
		models.RunStatusStopped: true, // explicit abort
	},
}

// IsValidRunTransition checks whether a run status transition is allowed.
func IsValidRunTransition(from, to models.RunStatus) bool {
	if from == to {
		return true // same status is always valid (no-op)
	}
	targets, ok := validRunTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// validStageTransitions defines which stage status transitions are allowed.
var validStageTransitions = map[models.StageStatus]map[models.StageStatus]bool{
	models.StageStatusPending: {
		models.StageStatusRunning: true, // sequencer picked up the stage
		models.StageStatusSkipped: true, // disabled stage or operator skip
	},
	models.StageStatusRunning: {
		models.StageStatusPassed:  true, // worker succeeded
		models.StageStatusSkipped: true, // operator skip mid-loop
		models.StageStatusFailed:  true, // iteration budget exhausted
	},
	models.StageStatusFailed: {
		models.StageStatusRunning: true, // operator retry, iteration preserved
		models.StageStatusPassed:  true, // operator skip records an override
	},
}

// IsValidStageTransition checks whether a stage status transition is allowed.
func IsValidStageTransition(from, to models.StageStatus) bool {
	if from == to {
		return true
	}
	targets, ok := validStageTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}
