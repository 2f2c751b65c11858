package sequencer

import (
	"fmt"

	"github.com/stagehand-dev/stagehand/internal/models"
)

// Pause requests the run pause before the next stage transition. Not
// pre-emptive: an in-flight worker call completes first.
func (s *Sequencer) Pause(runID string) error {
	_, err := s.runs.Update(runID, func(run *models.PipelineRun) error {
		if !IsValidRunTransition(run.Status, models.RunStatusPaused) {
			return &TransitionError{RunID: runID, From: string(run.Status), To: string(models.RunStatusPaused)}
		}
		run.Status = models.RunStatusPaused
		return nil
	})
	if err != nil {
		return err
	}
	_, err = s.events.Publish(models.EventRunPaused, map[string]string{"run": runID})
	return err
}

// Resume moves a paused run back to running.
func (s *Sequencer) Resume(runID string) error {
	_, err := s.runs.Update(runID, func(run *models.PipelineRun) error {
		if run.Status != models.RunStatusPaused {
			return fmt.Errorf("run %s is %s, not paused", runID, run.Status)
		}
		run.Status = models.RunStatusRunning
		return nil
	})
	if err != nil {
		return err
	}
	_, err = s.events.Publish(models.EventRunResumed, map[string]string{"run": runID})
	return err
}

// Stop aborts the run at the next checkpoint boundary. An in-flight worker
// call is not forcibly terminated; its result is discarded.
func (s *Sequencer) Stop(runID string) error {
	_, err := s.runs.Update(runID, func(run *models.PipelineRun) error {
		if run.Status.IsTerminal() {
			return fmt.Errorf("run %s already %s", runID, run.Status)
		}
		run.Status = models.RunStatusStopped
		return nil
	})
	if err != nil {
		return err
	}
	_, err = s.events.Publish(models.EventRunStopped, map[string]string{"run": runID})
	return err
}

// Retry re-enters a failed stage at running with the iteration counter
// preserved; the next Drive picks it up from the last checkpoint.
func (s *Sequencer) Retry(runID, stage string) error {
	_, err := s.runs.Update(runID, func(run *models.PipelineRun) error {
		cfg := run.Stage(stage)
		if cfg == nil {
			return fmt.Errorf("run %s has no stage %s: %w", runID, stage, models.ErrNotFound)
		}
		res := run.Result(stage)
		if !IsValidStageTransition(res.Status, models.StageStatusRunning) {
			return fmt.Errorf("stage %s is %s, cannot retry", stage, res.Status)
		}
		res.Status = models.StageStatusPending
		res.FinishedAt = nil
		run.CurrentStage = stage
		if run.Status == models.RunStatusFailure || run.Status == models.RunStatusStopped {
			run.Status = models.RunStatusRunning
		}
		run.LastError = ""
		return nil
	})
	if err != nil {
		return err
	}
	_, err = s.events.Publish(models.EventStageRetried, map[string]string{
		"run":   runID,
		"stage": stage,
	})
	return err
}

// Skip forces a stage to passed, recorded as an operator override. A run
// that failed on that stage becomes runnable again.
func (s *Sequencer) Skip(runID, stage string) error {
	_, err := s.runs.Update(runID, func(run *models.PipelineRun) error {
		cfg := run.Stage(stage)
		if cfg == nil {
			return fmt.Errorf("run %s has no stage %s: %w", runID, stage, models.ErrNotFound)
		}
		res := run.Result(stage)
		target := models.StageStatusPassed
		if res.Status == models.StageStatusPending {
			target = models.StageStatusSkipped
		}
		if !IsValidStageTransition(res.Status, target) {
			return fmt.Errorf("stage %s is %s, cannot skip", stage, res.Status)
		}
		res.Status = target
		res.Override = true
		now := s.clock().UTC()
		res.FinishedAt = &now
		if run.Status == models.RunStatusFailure {
			run.Status = models.RunStatusRunning
		}
		run.LastError = ""
		return nil
	})
	if err != nil {
		return err
	}
	_, err = s.events.Publish(models.EventStageSkipped, map[string]string{
		"run":      runID,
		"stage":    stage,
		"override": "true",
	})
	return err
}
