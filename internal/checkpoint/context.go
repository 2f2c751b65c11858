package checkpoint

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/stagehand-dev/stagehand/internal/fileutil"
	"github.com/stagehand-dev/stagehand/internal/models"
)

// SaveContext writes or overwrites the stage's build context atomically.
func (s *Store) SaveContext(bc *models.BuildContext) error {
	stage, err := normalizeStage(bc.Stage)
	if err != nil {
		return err
	}
	bc.Stage = stage
	bc.UpdatedAt = s.now().UTC()

	if err := fileutil.WriteJSON(s.contextPath(stage), bc); err != nil {
		return fmt.Errorf("save build context %s: %w", stage, err)
	}
	s.logger.Debug().Str("stage", stage).Int("iteration", bc.Iteration).Msg("build context saved")
	return nil
}

// RestoreContext returns the build context for stage, with the same
// NotFound/Corrupt contract as Restore.
func (s *Store) RestoreContext(stage string) (*models.BuildContext, error) {
	stage, err := normalizeStage(stage)
	if err != nil {
		return nil, err
	}

	var bc models.BuildContext
	if err := fileutil.ReadJSON(s.contextPath(stage), &bc); err != nil {
		return nil, err
	}
	return &bc, nil
}

// Environment variable names a restored build context is exported under.
// A resumed agent reads these to recover the prior attempt's memory.
const (
	EnvContextGoal      = "STAGEHAND_CONTEXT_GOAL"
	EnvContextFindings  = "STAGEHAND_CONTEXT_FINDINGS"
	EnvContextFiles     = "STAGEHAND_CONTEXT_MODIFIED_FILES"
	EnvContextTests     = "STAGEHAND_CONTEXT_LAST_TEST_OUTPUT"
	EnvContextIteration = "STAGEHAND_CONTEXT_ITERATION"
	EnvContextStatus    = "STAGEHAND_CONTEXT_STATUS"
)

// ExportEnv renders a build context as KEY=value pairs for the worker
// invocation environment.
func ExportEnv(bc *models.BuildContext) []string {
	env := []string{
		EnvContextGoal + "=" + bc.Goal,
		EnvContextFindings + "=" + strings.Join(bc.Findings, "\n"),
		EnvContextFiles + "=" + strings.Join(bc.ModifiedFiles, ","),
		EnvContextTests + "=" + bc.LastTestOutput,
		EnvContextIteration + "=" + strconv.Itoa(bc.Iteration),
		EnvContextStatus + "=" + bc.Status,
	}
	return env
}
