// Package heartbeat maintains liveness beacons for running agent processes.
// Staleness is always judged against a caller-supplied timeout; the registry
// itself never decides that a job is dead.
package heartbeat

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/stagehand-dev/stagehand/internal/config"
	"github.com/stagehand-dev/stagehand/internal/fileutil"
	"github.com/stagehand-dev/stagehand/internal/logging"
	"github.com/stagehand-dev/stagehand/internal/models"
)

// DefaultTimeout selects the registry's configured staleness threshold when
// passed as the timeout to Check or CheckAll.
const DefaultTimeout time.Duration = -1

// Registry stores one heartbeat record per job id, fully overwritten on
// every write.
type Registry struct {
	dir            string
	defaultTimeout time.Duration
	sampler        *ProcessSampler
	logger         zerolog.Logger
	now            func() time.Time
}

// NewRegistry creates a Registry rooted at the configured heartbeats
// directory.
func NewRegistry(cfg *config.Config) *Registry {
	return &Registry{
		dir:            cfg.HeartbeatsDir(),
		defaultTimeout: cfg.Heartbeats.DefaultTimeout,
		sampler:        NewProcessSampler(),
		logger:         logging.Component("heartbeat"),
		now:            time.Now,
	}
}

// WriteOpts holds the fields for one heartbeat write.
type WriteOpts struct {
	JobID     string
	PID       int
	WorkItem  string
	Stage     string
	Iteration int
	Activity  string
}

// Write overwrites the record for the job, sampling the process's memory and
// CPU when the pid is alive.
func (r *Registry) Write(opts WriteOpts) (*models.Heartbeat, error) {
	jobID, err := normalizeJobID(opts.JobID)
	if err != nil {
		return nil, err
	}

	hb := &models.Heartbeat{
		JobID:     jobID,
		PID:       opts.PID,
		WorkItem:  opts.WorkItem,
		Stage:     opts.Stage,
		Iteration: opts.Iteration,
		Activity:  opts.Activity,
		UpdatedAt: r.now().UTC(),
	}

	if pidAlive(opts.PID) {
		hb.MemoryBytes, hb.CPUPercent = r.sampler.Sample(opts.PID)
	}

	if err := fileutil.WriteJSON(r.path(jobID), hb); err != nil {
		return nil, fmt.Errorf("write heartbeat %s: %w", jobID, err)
	}
	return hb, nil
}

// Check evaluates the record against timeout: alive iff the record's age is
// at most the timeout, for any timeout >= 0. A negative timeout selects the
// configured default. Returns the record alongside the verdict so callers
// can report last activity.
func (r *Registry) Check(jobID string, timeout time.Duration) (models.Liveness, *models.Heartbeat, error) {
	jobID, err := normalizeJobID(jobID)
	if err != nil {
		return "", nil, err
	}
	if timeout < 0 {
		timeout = r.defaultTimeout
	}

	var hb models.Heartbeat
	if err := fileutil.ReadJSON(r.path(jobID), &hb); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return models.LivenessNotFound, nil, nil
		}
		if errors.Is(err, models.ErrCorrupt) {
			r.logger.Warn().Str("job_id", jobID).Err(err).Msg("corrupt heartbeat treated as not found")
			return models.LivenessNotFound, nil, nil
		}
		return "", nil, err
	}

	if hb.Age(r.now().UTC()) <= timeout {
		return models.LivenessAlive, &hb, nil
	}
	return models.LivenessStale, &hb, nil
}

// List returns all current records, most recently updated first.
func (r *Registry) List() ([]models.Heartbeat, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read heartbeats dir: %w", err)
	}

	var beats []models.Heartbeat
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		var hb models.Heartbeat
		if err := fileutil.ReadJSON(filepath.Join(r.dir, entry.Name()), &hb); err != nil {
			r.logger.Warn().Str("file", entry.Name()).Err(err).Msg("skipping unreadable heartbeat")
			continue
		}
		beats = append(beats, hb)
	}

	sort.Slice(beats, func(i, j int) bool {
		return beats[i].UpdatedAt.After(beats[j].UpdatedAt)
	})
	return beats, nil
}

// CheckAll evaluates every record against one timeout, with the same
// semantics as Check.
func (r *Registry) CheckAll(timeout time.Duration) (map[string]models.Liveness, error) {
	if timeout < 0 {
		timeout = r.defaultTimeout
	}
	beats, err := r.List()
	if err != nil {
		return nil, err
	}
	verdicts := make(map[string]models.Liveness, len(beats))
	now := r.now().UTC()
	for i := range beats {
		if beats[i].Age(now) <= timeout {
			verdicts[beats[i].JobID] = models.LivenessAlive
		} else {
			verdicts[beats[i].JobID] = models.LivenessStale
		}
	}
	return verdicts, nil
}

// Clear removes the record for a job. Clearing an absent record is a no-op.
func (r *Registry) Clear(jobID string) error {
	jobID, err := normalizeJobID(jobID)
	if err != nil {
		return err
	}
	var hb models.Heartbeat
	if err := fileutil.ReadJSON(r.path(jobID), &hb); err == nil {
		r.sampler.Forget(hb.PID)
	}
	if err := os.Remove(r.path(jobID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("clear heartbeat %s: %w", jobID, err)
	}
	return nil
}

func (r *Registry) path(jobID string) string {
	return filepath.Join(r.dir, jobID+".json")
}

func normalizeJobID(jobID string) (string, error) {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return "", models.ErrInvalidJobID
	}
	if jobID != filepath.Base(jobID) {
		return "", fmt.Errorf("%w: %q", models.ErrInvalidJobID, jobID)
	}
	return jobID, nil
}
