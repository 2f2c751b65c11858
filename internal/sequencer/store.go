package sequencer

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/stagehand-dev/stagehand/internal/config"
	"github.com/stagehand-dev/stagehand/internal/fileutil"
	"github.com/stagehand-dev/stagehand/internal/models"
)

// RunStore persists pipeline runs, one JSON record per run. All mutation
// goes through Update so timestamps stay consistent.
type RunStore struct {
	dir string
	now func() time.Time
}

// NewRunStore creates a RunStore rooted at the configured runs directory.
func NewRunStore(cfg *config.Config) *RunStore {
	return &RunStore{dir: cfg.RunsDir(), now: time.Now}
}

// Create writes a new run record. Fails if the run already exists.
func (s *RunStore) Create(run *models.PipelineRun) error {
	if strings.TrimSpace(run.ID) == "" {
		return models.ErrInvalidRunID
	}
	if _, err := os.Stat(s.path(run.ID)); err == nil {
		return fmt.Errorf("run %s already exists", run.ID)
	}
	now := s.now().UTC()
	run.CreatedAt = now
	run.UpdatedAt = now
	return fileutil.WriteJSON(s.path(run.ID), run)
}

// Get reads the run record for id.
func (s *RunStore) Get(id string) (*models.PipelineRun, error) {
	if strings.TrimSpace(id) == "" {
		return nil, models.ErrInvalidRunID
	}
	var run models.PipelineRun
	if err := fileutil.ReadJSON(s.path(id), &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// Update performs an atomic read-modify-write of the run record.
func (s *RunStore) Update(id string, fn func(*models.PipelineRun) error) (*models.PipelineRun, error) {
	run, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	if err := fn(run); err != nil {
		return nil, err
	}
	run.UpdatedAt = s.now().UTC()
	if err := fileutil.WriteJSON(s.path(id), run); err != nil {
		return nil, err
	}
	return run, nil
}

// List returns all runs, newest first.
func (s *RunStore) List() ([]models.PipelineRun, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read runs dir: %w", err)
	}

	var runs []models.PipelineRun
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		var run models.PipelineRun
		if err := fileutil.ReadJSON(filepath.Join(s.dir, entry.Name()), &run); err != nil {
			continue
		}
		runs = append(runs, run)
	}
	sort.Slice(runs, func(i, j int) bool {
		return runs[i].CreatedAt.After(runs[j].CreatedAt)
	})
	return runs, nil
}

func (s *RunStore) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}
