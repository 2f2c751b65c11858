package sequencer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/stagehand-dev/stagehand/internal/models"
)

// gatePollInterval is the fallback re-check cadence while waiting on a
// manual gate; the watcher normally wakes the waiter immediately.
const gatePollInterval = 30 * time.Second

// ApprovalPath returns the marker file an operator drops to approve a
// manual gate.
func (s *Sequencer) ApprovalPath(runID, stage string) string {
	return filepath.Join(s.approvalsDir, runID+"-"+stage)
}

// Approve records an external approval for a (run, stage) manual gate.
func (s *Sequencer) Approve(runID, stage string) error {
	run, err := s.runs.Get(runID)
	if err != nil {
		return err
	}
	cfg := run.Stage(stage)
	if cfg == nil {
		return fmt.Errorf("run %s has no stage %s: %w", runID, stage, models.ErrNotFound)
	}
	if cfg.Gate != models.GateManual {
		return fmt.Errorf("stage %s has an auto gate, nothing to approve", stage)
	}

	if err := os.MkdirAll(s.approvalsDir, 0o755); err != nil {
		return fmt.Errorf("mkdir approvals dir: %w", err)
	}
	f, err := os.OpenFile(s.ApprovalPath(runID, stage), os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("write approval marker: %w", err)
	}
	if err := f.Close(); err != nil {
		return err
	}

	_, err = s.events.Publish(models.EventStageApproved, map[string]string{
		"run":   runID,
		"stage": stage,
	})
	return err
}

// waitForApproval blocks until the approval marker for (run, stage) exists,
// the run is stopped, or the context is cancelled. A filesystem watcher
// wakes the waiter; a slow ticker covers missed events.
func (s *Sequencer) waitForApproval(ctx context.Context, runID, stage string) error {
	marker := s.ApprovalPath(runID, stage)

	if err := os.MkdirAll(s.approvalsDir, 0o755); err != nil {
		return fmt.Errorf("mkdir approvals dir: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create approval watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(s.approvalsDir); err != nil {
		return fmt.Errorf("watch approvals dir: %w", err)
	}

	ticker := time.NewTicker(gatePollInterval)
	defer ticker.Stop()

	check := func() (bool, error) {
		if _, err := os.Stat(marker); err == nil {
			// Consume the marker so a later retry of the same stage waits again.
			_ = os.Remove(marker)
			return true, nil
		}
		run, err := s.runs.Get(runID)
		if err != nil {
			return false, err
		}
		if run.Status == models.RunStatusStopped {
			return false, errStopRequested
		}
		return false, nil
	}

	// The marker may already exist from before the watch started.
	if done, err := check(); done || err != nil {
		return err
	}

	s.logger.Info().Str("run", runID).Str("stage", stage).
		Msg("manual gate: waiting for approval")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("approval watcher closed")
			}
			if event.Name != marker {
				continue
			}
			if done, err := check(); done || err != nil {
				return err
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("approval watcher closed")
			}
			s.logger.Warn().Err(err).Msg("approval watcher error")
		case <-ticker.C:
			if done, err := check(); done || err != nil {
				return err
			}
		}
	}
}
