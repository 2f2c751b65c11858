package sequencer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stagehand-dev/stagehand/internal/config"
	"github.com/stagehand-dev/stagehand/internal/models"
)

func testRunStore(t *testing.T) *RunStore {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Global.DataDir = t.TempDir()
	return NewRunStore(cfg)
}

func newRun(id string) *models.PipelineRun {
	return &models.PipelineRun{
		ID:       id,
		WorkItem: "PROJ-7",
		Status:   models.RunStatusRunning,
		Stages:   simpleStages("build"),
	}
}

func TestRunStoreCreateAndGet(t *testing.T) {
	s := testRunStore(t)

	require.NoError(t, s.Create(newRun("r1")))

	run, err := s.Get("r1")
	require.NoError(t, err)
	assert.Equal(t, "PROJ-7", run.WorkItem)
	assert.False(t, run.CreatedAt.IsZero())
	assert.Equal(t, run.CreatedAt, run.UpdatedAt)
}

func TestRunStoreCreateDuplicate(t *testing.T) {
	s := testRunStore(t)

	require.NoError(t, s.Create(newRun("r1")))
	assert.ErrorContains(t, s.Create(newRun("r1")), "already exists")
}

func TestRunStoreGetMissing(t *testing.T) {
	s := testRunStore(t)

	_, err := s.Get("nope")
	assert.ErrorIs(t, err, models.ErrNotFound)

	_, err = s.Get(" ")
	assert.ErrorIs(t, err, models.ErrInvalidRunID)
}

func TestRunStoreUpdate(t *testing.T) {
	s := testRunStore(t)
	require.NoError(t, s.Create(newRun("r1")))

	updated, err := s.Update("r1", func(run *models.PipelineRun) error {
		run.Status = models.RunStatusPaused
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusPaused, updated.Status)

	got, err := s.Get("r1")
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusPaused, got.Status)
}

func TestRunStoreUpdateRollsBackOnError(t *testing.T) {
	s := testRunStore(t)
	require.NoError(t, s.Create(newRun("r1")))

	_, err := s.Update("r1", func(run *models.PipelineRun) error {
		run.Status = models.RunStatusStopped
		return assert.AnError
	})
	require.ErrorIs(t, err, assert.AnError)

	// The mutation was not persisted.
	got, err := s.Get("r1")
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusRunning, got.Status)
}

func TestRunStoreListNewestFirst(t *testing.T) {
	s := testRunStore(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	s.now = func() time.Time { return base }
	require.NoError(t, s.Create(newRun("older")))

	s.now = func() time.Time { return base.Add(time.Minute) }
	require.NoError(t, s.Create(newRun("newer")))

	runs, err := s.List()
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "newer", runs[0].ID)
	assert.Equal(t, "older", runs[1].ID)
}
