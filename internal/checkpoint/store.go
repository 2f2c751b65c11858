// Package checkpoint persists resumable per-stage snapshots and their
// companion build contexts.
package checkpoint

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/stagehand-dev/stagehand/internal/config"
	"github.com/stagehand-dev/stagehand/internal/fileutil"
	"github.com/stagehand-dev/stagehand/internal/logging"
	"github.com/stagehand-dev/stagehand/internal/models"
	"github.com/stagehand-dev/stagehand/internal/vcs"
)

const contextSuffix = "-context"

// Store manages stage checkpoints on disk. One file per stage; every save
// fully overwrites the prior snapshot.
type Store struct {
	dir    string
	git    *vcs.Git
	logger zerolog.Logger
	now    func() time.Time
}

// NewStore creates a Store rooted at the configured checkpoints directory.
// git may be nil; revision defaulting then records the unknown sentinel.
func NewStore(cfg *config.Config, git *vcs.Git) *Store {
	return &Store{
		dir:    cfg.CheckpointsDir(),
		git:    git,
		logger: logging.Component("checkpoint"),
		now:    time.Now,
	}
}

// SaveOpts holds the fields for one checkpoint save.
type SaveOpts struct {
	Stage         string
	Iteration     int
	Revision      string // defaults to the repository head when empty
	ModifiedFiles []string
	TestsPassing  bool
	LoopState     string
}

// Save writes or overwrites the stage's snapshot atomically.
func (s *Store) Save(opts SaveOpts) (*models.StageCheckpoint, error) {
	stage, err := normalizeStage(opts.Stage)
	if err != nil {
		return nil, err
	}

	revision := opts.Revision
	if revision == "" {
		revision = models.RevisionUnknown
		if s.git != nil {
			revision = s.git.HeadOrUnknown()
		}
	}

	cp := &models.StageCheckpoint{
		Stage:         stage,
		Iteration:     opts.Iteration,
		Revision:      revision,
		ModifiedFiles: opts.ModifiedFiles,
		TestsPassing:  opts.TestsPassing,
		LoopState:     opts.LoopState,
		CreatedAt:     s.now().UTC(),
	}

	if err := fileutil.WriteJSON(s.path(stage), cp); err != nil {
		return nil, fmt.Errorf("save checkpoint %s: %w", stage, err)
	}

	s.logger.Debug().
		Str("stage", stage).
		Int("iteration", cp.Iteration).
		Bool("tests_passing", cp.TestsPassing).
		Msg("checkpoint saved")
	return cp, nil
}

// Restore returns the snapshot for stage. Missing snapshots fail with
// models.ErrNotFound; unparsable ones with models.ErrCorrupt, which callers
// treat as a signal to re-run the stage from scratch.
func (s *Store) Restore(stage string) (*models.StageCheckpoint, error) {
	stage, err := normalizeStage(stage)
	if err != nil {
		return nil, err
	}

	var cp models.StageCheckpoint
	if err := fileutil.ReadJSON(s.path(stage), &cp); err != nil {
		return nil, err
	}
	return &cp, nil
}

// List enumerates all stored snapshots, oldest first. Corrupt entries are
// logged and skipped rather than failing the listing.
func (s *Store) List() ([]models.StageCheckpoint, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read checkpoints dir: %w", err)
	}

	var checkpoints []models.StageCheckpoint
	for _, entry := range entries {
		stage, ok := stageFromFile(entry.Name())
		if !ok {
			continue
		}
		cp, err := s.Restore(stage)
		if err != nil {
			if errors.Is(err, models.ErrCorrupt) {
				s.logger.Warn().Str("stage", stage).Err(err).Msg("skipping corrupt checkpoint")
			}
			continue
		}
		checkpoints = append(checkpoints, *cp)
	}

	sort.Slice(checkpoints, func(i, j int) bool {
		return checkpoints[i].CreatedAt.Before(checkpoints[j].CreatedAt)
	})
	return checkpoints, nil
}

// Summary renders a human-readable one-liner per snapshot.
func Summary(cp *models.StageCheckpoint) string {
	tests := "failing"
	if cp.TestsPassing {
		tests = "passing"
	}
	parts := []string{
		cp.Stage,
		"iteration " + strconv.Itoa(cp.Iteration),
		"tests " + tests,
		"revision " + shortRevision(cp.Revision),
	}
	if cp.LoopState != "" {
		parts = append(parts, "state "+cp.LoopState)
	}
	if !cp.CreatedAt.IsZero() {
		parts = append(parts, "saved "+cp.CreatedAt.Format(time.RFC3339))
	}
	return strings.Join(parts, ", ")
}

// Clear removes the snapshot and build context for one stage. Clearing a
// stage that has no snapshot is a no-op.
func (s *Store) Clear(stage string) error {
	stage, err := normalizeStage(stage)
	if err != nil {
		return err
	}
	if err := removeIfExists(s.path(stage)); err != nil {
		return err
	}
	return removeIfExists(s.contextPath(stage))
}

// ClearAll removes every snapshot and build context.
func (s *Store) ClearAll() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read checkpoints dir: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		if err := removeIfExists(filepath.Join(s.dir, entry.Name())); err != nil {
			return err
		}
	}
	return nil
}

// Expire deletes snapshots older than maxAgeHours, judged by the recorded
// creation timestamp with the file modification time as fallback. Returns
// the stages removed.
func (s *Store) Expire(maxAgeHours int) ([]string, error) {
	if maxAgeHours <= 0 {
		return nil, fmt.Errorf("max age hours must be positive, got %d", maxAgeHours)
	}
	cutoff := s.now().UTC().Add(-time.Duration(maxAgeHours) * time.Hour)

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read checkpoints dir: %w", err)
	}

	var removed []string
	for _, entry := range entries {
		stage, ok := stageFromFile(entry.Name())
		if !ok {
			continue
		}

		createdAt := time.Time{}
		if cp, err := s.Restore(stage); err == nil {
			createdAt = cp.CreatedAt
		}
		if createdAt.IsZero() {
			info, err := entry.Info()
			if err != nil {
				continue
			}
			createdAt = info.ModTime().UTC()
		}

		if createdAt.Before(cutoff) {
			if err := s.Clear(stage); err != nil {
				return removed, err
			}
			s.logger.Info().Str("stage", stage).Time("created_at", createdAt).Msg("checkpoint expired")
			removed = append(removed, stage)
		}
	}

	// Build contexts whose snapshot is gone (crashed mid-clear, or saved via
	// SaveContext alone) age out by the same rule.
	for _, entry := range entries {
		stage, ok := contextStageFromFile(entry.Name())
		if !ok {
			continue
		}
		if _, err := os.Stat(s.path(stage)); err == nil {
			continue // paired snapshot still present, Clear handles it
		}
		path := filepath.Join(s.dir, entry.Name())
		if _, err := os.Stat(path); err != nil {
			continue // already swept above
		}

		updatedAt := time.Time{}
		var bc models.BuildContext
		if err := fileutil.ReadJSON(path, &bc); err == nil {
			updatedAt = bc.UpdatedAt
		}
		if updatedAt.IsZero() {
			info, err := entry.Info()
			if err != nil {
				continue
			}
			updatedAt = info.ModTime().UTC()
		}

		if updatedAt.Before(cutoff) {
			if err := removeIfExists(path); err != nil {
				return removed, err
			}
			s.logger.Info().Str("stage", stage).Time("updated_at", updatedAt).Msg("orphan build context expired")
			removed = append(removed, stage+contextSuffix)
		}
	}
	return removed, nil
}

func (s *Store) path(stage string) string {
	return filepath.Join(s.dir, stage+".json")
}

func (s *Store) contextPath(stage string) string {
	return filepath.Join(s.dir, stage+contextSuffix+".json")
}

func normalizeStage(stage string) (string, error) {
	stage = strings.TrimSpace(stage)
	if stage == "" {
		return "", models.ErrInvalidStageName
	}
	// Stage names become file names; reject anything that would escape the dir.
	if stage != filepath.Base(stage) || strings.HasPrefix(stage, ".") {
		return "", fmt.Errorf("%w: %q", models.ErrInvalidStageName, stage)
	}
	return stage, nil
}

func stageFromFile(name string) (string, bool) {
	if !strings.HasSuffix(name, ".json") || strings.HasPrefix(name, ".") {
		return "", false
	}
	stage := strings.TrimSuffix(name, ".json")
	if strings.HasSuffix(stage, contextSuffix) {
		return "", false
	}
	return stage, true
}

func contextStageFromFile(name string) (string, bool) {
	if !strings.HasSuffix(name, contextSuffix+".json") || strings.HasPrefix(name, ".") {
		return "", false
	}
	return strings.TrimSuffix(name, contextSuffix+".json"), true
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func shortRevision(rev string) string {
	if len(rev) > 12 {
		return rev[:12]
	}
	return rev
}
