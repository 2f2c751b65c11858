package sequencer

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/stagehand-dev/stagehand/internal/models"
)

func TestIsValidRunTransition(t *testing.T) {
	tests := []struct {
		name  string
		from  models.RunStatus
		to    models.RunStatus
		valid bool
	}{
		// Running transitions
		{"running to paused", models.RunStatusRunning, models.RunStatusPaused, true},
		{"running to stopped", models.RunStatusRunning, models.RunStatusStopped, true},
		{"running to success", models.RunStatusRunning, models.RunStatusSuccess, true},
		{"running to failure", models.RunStatusRunning, models.RunStatusFailure, true},

		// Paused transitions
		{"paused to running", models.RunStatusPaused, models.RunStatusRunning, true},
		{"paused to stopped", models.RunStatusPaused, models.RunStatusStopped, true},
		{"paused to success invalid", models.RunStatusPaused, models.RunStatusSuccess, false},
		{"paused to failure invalid", models.RunStatusPaused, models.RunStatusFailure, false},

		// Terminal statuses accept nothing
		{"success to running invalid", models.RunStatusSuccess, models.RunStatusRunning, false},
		{"failure to running invalid", models.RunStatusFailure, models.RunStatusRunning, false},
		{"stopped to running invalid", models.RunStatusStopped, models.RunStatusRunning, false},
		{"stopped to paused invalid", models.RunStatusStopped, models.RunStatusPaused, false},

		// Same status is always valid
		{"running to running", models.RunStatusRunning, models.RunStatusRunning, true},
		{"stopped to stopped", models.RunStatusStopped, models.RunStatusStopped, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.valid, IsValidRunTransition(tt.from, tt.to))
		})
	}
}

func TestIsValidStageTransition(t *testing.T) {
	tests := []struct {
		name  string
		from  models.StageStatus
		to    models.StageStatus
		valid bool
	}{
		// Pending transitions
		{"pending to running", models.StageStatusPending, models.StageStatusRunning, true},
		{"pending to skipped", models.StageStatusPending, models.StageStatusSkipped, true},
		{"pending to passed invalid", models.StageStatusPending, models.StageStatusPassed, false},
		{"pending to failed invalid", models.StageStatusPending, models.StageStatusFailed, false},

		// Running transitions
		{"running to passed", models.StageStatusRunning, models.StageStatusPassed, true},
		{"running to skipped", models.StageStatusRunning, models.StageStatusSkipped, true},
		{"running to failed", models.StageStatusRunning, models.StageStatusFailed, true},
		{"running to pending invalid", models.StageStatusRunning, models.StageStatusPending, false},

		// Failed transitions: retry and operator override
		{"failed to running", models.StageStatusFailed, models.StageStatusRunning, true},
		{"failed to passed", models.StageStatusFailed, models.StageStatusPassed, true},
		{"failed to skipped invalid", models.StageStatusFailed, models.StageStatusSkipped, false},

		// Terminal stage statuses
		{"passed to running invalid", models.StageStatusPassed, models.StageStatusRunning, false},
		{"skipped to running invalid", models.StageStatusSkipped, models.StageStatusRunning, false},

		// Same status is always valid
		{"running to running", models.StageStatusRunning, models.StageStatusRunning, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.valid, IsValidStageTransition(tt.from, tt.to))
		})
	}
}
