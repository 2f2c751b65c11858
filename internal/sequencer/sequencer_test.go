package sequencer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stagehand-dev/stagehand/internal/checkpoint"
	"github.com/stagehand-dev/stagehand/internal/config"
	"github.com/stagehand-dev/stagehand/internal/eventlog"
	"github.com/stagehand-dev/stagehand/internal/heartbeat"
	"github.com/stagehand-dev/stagehand/internal/lockmgr"
	"github.com/stagehand-dev/stagehand/internal/models"
	"github.com/stagehand-dev/stagehand/internal/vcs"
	"github.com/stagehand-dev/stagehand/internal/worktree"
)

// stubGit serves the minimum a drive needs: a head revision and no-op
// worktree and merge operations.
type stubGit struct {
	mu    sync.Mutex
	calls []string
}

func (g *stubGit) Run(dir string, args ...string) (string, error) {
	g.mu.Lock()
	g.calls = append(g.calls, strings.Join(args, " "))
	g.mu.Unlock()

	switch {
	case args[0] == "rev-parse" && len(args) == 2 && args[1] == "HEAD":
		return "abc123def456", nil
	case args[0] == "worktree" && args[1] == "add":
		return "", os.MkdirAll(args[2], 0o755)
	case args[0] == "rev-list":
		return "0\t0", nil
	}
	return "", nil
}

func (g *stubGit) sawPrefix(prefix string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, call := range g.calls {
		if strings.HasPrefix(call, prefix) {
			return true
		}
	}
	return false
}

// scriptedWorker pops one verdict per invocation; the last verdict repeats.
type scriptedWorker struct {
	mu      sync.Mutex
	script  []bool
	calls   int
	lastReq WorkerRequest
}

func (w *scriptedWorker) fn(ctx context.Context, req WorkerRequest) (WorkerResult, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls++
	w.lastReq = req

	done := false
	if len(w.script) > 0 {
		done = w.script[0]
		if len(w.script) > 1 {
			w.script = w.script[1:]
		}
	}
	output := "working...\n"
	if done {
		output += DoneSentinel + "\n"
	}
	return WorkerResult{Output: output, Done: done}, nil
}

func (w *scriptedWorker) callCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.calls
}

func testSequencer(t *testing.T, worker WorkerFunc) (*Sequencer, *stubGit) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Global.DataDir = t.TempDir()
	cfg.Global.RepoPath = t.TempDir()
	cfg.Pipeline.IterationDelay = 0

	runner := &stubGit{}
	git := vcs.New(runner, cfg.Global.RepoPath)

	events, err := eventlog.Open(cfg)
	require.NoError(t, err)

	seq := New(cfg,
		NewRunStore(cfg),
		checkpoint.NewStore(cfg, git),
		events,
		lockmgr.NewManager(cfg),
		heartbeat.NewRegistry(cfg),
		worktree.NewManager(cfg, git),
		git,
		worker,
	)
	return seq, runner
}

func eventTypes(t *testing.T, seq *Sequencer) []string {
	t.Helper()
	cursor, err := seq.events.Consume(0)
	require.NoError(t, err)
	defer cursor.Close()

	var types []string
	for {
		ev, err := cursor.Next()
		require.NoError(t, err)
		if ev == nil {
			return types
		}
		types = append(types, ev.Type)
	}
}

func simpleStages(ids ...string) []models.StageConfig {
	stages := make([]models.StageConfig, 0, len(ids))
	for _, id := range ids {
		stages = append(stages, models.StageConfig{ID: id, Enabled: true, Gate: models.GateAuto, MaxIterations: 1})
	}
	return stages
}

func TestCreateRun(t *testing.T) {
	worker := &scriptedWorker{script: []bool{true}}
	seq, _ := testSequencer(t, worker.fn)

	run, err := seq.Create(StartOpts{WorkItem: "PROJ-7", Goal: "ship it"})
	require.NoError(t, err)
	assert.NotEmpty(t, run.ID)
	assert.Equal(t, models.RunStatusRunning, run.Status)
	// Stock pipeline when no definition is given.
	require.Len(t, run.Stages, 6)
	assert.Equal(t, "intake", run.Stages[0].ID)

	assert.Contains(t, eventTypes(t, seq), models.EventRunStarted)
}

func TestCreateRunValidation(t *testing.T) {
	seq, _ := testSequencer(t, (&scriptedWorker{}).fn)

	_, err := seq.Create(StartOpts{WorkItem: "  "})
	assert.Error(t, err)

	_, err = seq.Create(StartOpts{
		WorkItem: "PROJ-7",
		Stages: []models.StageConfig{
			{ID: "build", Enabled: true},
			{ID: "build", Enabled: true},
		},
	})
	assert.ErrorContains(t, err, "duplicate stage")
}

func TestDriveAllStagesPass(t *testing.T) {
	worker := &scriptedWorker{script: []bool{true}}
	seq, _ := testSequencer(t, worker.fn)

	run, err := seq.Create(StartOpts{WorkItem: "PROJ-7", Stages: simpleStages("build", "test")})
	require.NoError(t, err)

	require.NoError(t, seq.Drive(context.Background(), run.ID))

	got, err := seq.runs.Get(run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusSuccess, got.Status)
	assert.Equal(t, models.StageStatusPassed, got.Result("build").Status)
	assert.Equal(t, models.StageStatusPassed, got.Result("test").Status)
	assert.Equal(t, 2, worker.callCount())

	types := eventTypes(t, seq)
	assert.Contains(t, types, models.EventStagePassed)
	assert.Contains(t, types, models.EventRunSucceeded)
}

func TestDriveSelfHealsThenPasses(t *testing.T) {
	worker := &scriptedWorker{script: []bool{false, false, true}}
	seq, _ := testSequencer(t, worker.fn)

	stages := []models.StageConfig{{ID: "build", Enabled: true, Gate: models.GateAuto, MaxIterations: 3}}
	run, err := seq.Create(StartOpts{WorkItem: "PROJ-7", Stages: stages})
	require.NoError(t, err)

	require.NoError(t, seq.Drive(context.Background(), run.ID))

	got, err := seq.runs.Get(run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusSuccess, got.Status)
	assert.Equal(t, 3, got.Result("build").Iteration)
	assert.Equal(t, 3, worker.callCount())

	// Each attempt left a checkpoint behind; the final one records the pass.
	cp, err := seq.checkpoints.Restore("build")
	require.NoError(t, err)
	assert.Equal(t, 3, cp.Iteration)
	assert.True(t, cp.TestsPassing)
}

func TestDriveBudgetExhausted(t *testing.T) {
	worker := &scriptedWorker{script: []bool{false}}
	seq, _ := testSequencer(t, worker.fn)

	stages := []models.StageConfig{{ID: "build", Enabled: true, Gate: models.GateAuto, MaxIterations: 2}}
	run, err := seq.Create(StartOpts{WorkItem: "PROJ-7", Stages: stages})
	require.NoError(t, err)

	err = seq.Drive(context.Background(), run.ID)
	var sfe *StageFailedError
	require.ErrorAs(t, err, &sfe)
	assert.Equal(t, "build", sfe.Stage)
	assert.Equal(t, 2, sfe.Iterations)
	// The failure message names the operator actions that unblock the run.
	assert.Contains(t, err.Error(), "retry")
	assert.Contains(t, err.Error(), "skip")

	got, err := seq.runs.Get(run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailure, got.Status)
	assert.Equal(t, models.StageStatusFailed, got.Result("build").Status)
	assert.NotEmpty(t, got.LastError)
	assert.Equal(t, 2, worker.callCount())

	types := eventTypes(t, seq)
	assert.Contains(t, types, models.EventStageFailed)
	assert.Contains(t, types, models.EventRunFailed)
}

func TestDriveSkipsDisabledStage(t *testing.T) {
	worker := &scriptedWorker{script: []bool{true}}
	seq, _ := testSequencer(t, worker.fn)

	stages := simpleStages("build", "test")
	stages[0].Enabled = false
	run, err := seq.Create(StartOpts{WorkItem: "PROJ-7", Stages: stages})
	require.NoError(t, err)

	require.NoError(t, seq.Drive(context.Background(), run.ID))

	got, err := seq.runs.Get(run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StageStatusSkipped, got.Result("build").Status)
	assert.Equal(t, models.StageStatusPassed, got.Result("test").Status)
	// The worker never ran for the disabled stage.
	assert.Equal(t, 1, worker.callCount())
}

func TestDriveResumesFromCheckpoint(t *testing.T) {
	worker := &scriptedWorker{script: []bool{false}}
	seq, _ := testSequencer(t, worker.fn)

	stages := []models.StageConfig{{ID: "build", Enabled: true, Gate: models.GateAuto, MaxIterations: 3}}
	run, err := seq.Create(StartOpts{WorkItem: "PROJ-7", Stages: stages})
	require.NoError(t, err)

	// A prior process crashed after completing iteration 2.
	_, err = seq.checkpoints.Save(checkpoint.SaveOpts{Stage: "build", Iteration: 2})
	require.NoError(t, err)

	err = seq.Drive(context.Background(), run.ID)
	var sfe *StageFailedError
	require.ErrorAs(t, err, &sfe)
	assert.Equal(t, 3, sfe.Iterations)
	// Only the remaining budget was spent, not three fresh attempts.
	assert.Equal(t, 1, worker.callCount())
}

func TestDriveWorkerEnvCarriesContext(t *testing.T) {
	worker := &scriptedWorker{script: []bool{true}}
	seq, _ := testSequencer(t, worker.fn)

	run, err := seq.Create(StartOpts{
		WorkItem: "PROJ-7",
		Goal:     "fix the flaky test",
		Stages:   simpleStages("build"),
	})
	require.NoError(t, err)
	require.NoError(t, seq.Drive(context.Background(), run.ID))

	env := strings.Join(worker.lastReq.Env, "\n")
	assert.Contains(t, env, "STAGEHAND_CONTEXT_GOAL=fix the flaky test")
	assert.Contains(t, env, "STAGEHAND_RUN="+run.ID)
	assert.Contains(t, env, "STAGEHAND_STAGE=build")
	assert.Contains(t, env, "STAGEHAND_WORK_ITEM=PROJ-7")
	assert.Contains(t, worker.lastReq.Prompt, DoneSentinel)
}

func TestDriveStoppedRunExitsCleanly(t *testing.T) {
	worker := &scriptedWorker{script: []bool{true}}
	seq, _ := testSequencer(t, worker.fn)

	run, err := seq.Create(StartOpts{WorkItem: "PROJ-7", Stages: simpleStages("build")})
	require.NoError(t, err)
	require.NoError(t, seq.Stop(run.ID))

	require.NoError(t, seq.Drive(context.Background(), run.ID))

	got, err := seq.runs.Get(run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusStopped, got.Status)
	assert.Zero(t, worker.callCount())
}

func TestDriveTerminalRunRejected(t *testing.T) {
	worker := &scriptedWorker{script: []bool{true}}
	seq, _ := testSequencer(t, worker.fn)

	run, err := seq.Create(StartOpts{WorkItem: "PROJ-7", Stages: simpleStages("build")})
	require.NoError(t, err)
	require.NoError(t, seq.Drive(context.Background(), run.ID))

	err = seq.Drive(context.Background(), run.ID)
	assert.ErrorContains(t, err, "already")
}

func TestDriveIsolatedStageMergesUnderLock(t *testing.T) {
	worker := &scriptedWorker{script: []bool{true}}
	seq, git := testSequencer(t, worker.fn)

	stages := []models.StageConfig{{ID: "build", Enabled: true, Gate: models.GateAuto, MaxIterations: 1, Isolated: true}}
	run, err := seq.Create(StartOpts{WorkItem: "PROJ-7", Stages: stages})
	require.NoError(t, err)

	require.NoError(t, seq.Drive(context.Background(), run.ID))

	// The stage got its own worktree and was merged back.
	assert.True(t, git.sawPrefix("worktree add"))
	assert.True(t, git.sawPrefix("merge"))
	// The worker ran inside the worktree, not the primary checkout.
	assert.Contains(t, worker.lastReq.WorkDir, shortID(run.ID)+"-build")

	// The branch lock was released after the merge.
	held, _, err := seq.locks.IsHeld("branch-main")
	require.NoError(t, err)
	assert.False(t, held)
}

func TestDriveIsolatedMergeConflictFailsRun(t *testing.T) {
	worker := &scriptedWorker{script: []bool{true}}
	seq, _ := testSequencer(t, worker.fn)

	// Swap the runner for one that conflicts on merge.
	conflicting := &stubGit{}
	seq.git = vcs.New(runnerFunc(func(dir string, args ...string) (string, error) {
		if args[0] == "merge" {
			return "CONFLICT (content): Merge conflict in main.go",
				fmt.Errorf("git merge: CONFLICT: exit status 1")
		}
		return conflicting.Run(dir, args...)
	}), seq.cfg.Global.RepoPath)
	seq.trees = worktree.NewManager(seq.cfg, seq.git)

	stages := []models.StageConfig{{ID: "build", Enabled: true, Gate: models.GateAuto, MaxIterations: 1, Isolated: true}}
	run, err := seq.Create(StartOpts{WorkItem: "PROJ-7", Stages: stages})
	require.NoError(t, err)

	err = seq.Drive(context.Background(), run.ID)
	var sfe *StageFailedError
	require.ErrorAs(t, err, &sfe)
	assert.Contains(t, sfe.Reason, "merge conflict")

	got, err := seq.runs.Get(run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailure, got.Status)
}

type runnerFunc func(dir string, args ...string) (string, error)

func (f runnerFunc) Run(dir string, args ...string) (string, error) { return f(dir, args...) }

func TestSkipUnblocksFailedRun(t *testing.T) {
	worker := &scriptedWorker{script: []bool{false}}
	seq, _ := testSequencer(t, worker.fn)

	stages := simpleStages("build", "test")
	run, err := seq.Create(StartOpts{WorkItem: "PROJ-7", Stages: stages})
	require.NoError(t, err)

	err = seq.Drive(context.Background(), run.ID)
	require.Error(t, err)

	require.NoError(t, seq.Skip(run.ID, "build"))

	// From here on the worker cooperates.
	worker.mu.Lock()
	worker.script = []bool{true}
	worker.mu.Unlock()

	require.NoError(t, seq.Drive(context.Background(), run.ID))

	got, err := seq.runs.Get(run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusSuccess, got.Status)
	assert.Equal(t, models.StageStatusPassed, got.Result("build").Status)
	assert.True(t, got.Result("build").Override)
	assert.Equal(t, models.StageStatusPassed, got.Result("test").Status)
}

func TestRetryResumesFailedStage(t *testing.T) {
	worker := &scriptedWorker{script: []bool{false}}
	seq, _ := testSequencer(t, worker.fn)

	stages := simpleStages("build")
	stages[0].MaxIterations = 2
	run, err := seq.Create(StartOpts{WorkItem: "PROJ-7", Stages: stages})
	require.NoError(t, err)

	err = seq.Drive(context.Background(), run.ID)
	require.Error(t, err)
	require.Equal(t, 2, worker.callCount())

	require.NoError(t, seq.Retry(run.ID, "build"))

	got, err := seq.runs.Get(run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusRunning, got.Status)
	assert.Equal(t, models.StageStatusPending, got.Result("build").Status)
	// Iteration survives the retry so the budget accounting is honest.
	assert.Equal(t, 2, got.Result("build").Iteration)

	// The retried stage gets a fresh attempt even though the budget was
	// exhausted, and the iteration count keeps climbing.
	worker.mu.Lock()
	worker.script = []bool{true}
	worker.mu.Unlock()
	require.NoError(t, seq.Drive(context.Background(), run.ID))
	require.Equal(t, 3, worker.callCount())

	got, err = seq.runs.Get(run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusSuccess, got.Status)
	assert.Equal(t, 3, got.Result("build").Iteration)

	assert.Contains(t, eventTypes(t, seq), models.EventStageRetried)
}

func TestPauseResume(t *testing.T) {
	worker := &scriptedWorker{script: []bool{true}}
	seq, _ := testSequencer(t, worker.fn)

	run, err := seq.Create(StartOpts{WorkItem: "PROJ-7", Stages: simpleStages("build")})
	require.NoError(t, err)

	require.NoError(t, seq.Pause(run.ID))
	got, err := seq.runs.Get(run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusPaused, got.Status)

	// Resuming twice is an error; the run is no longer paused.
	require.NoError(t, seq.Resume(run.ID))
	assert.Error(t, seq.Resume(run.ID))

	require.NoError(t, seq.Drive(context.Background(), run.ID))
	got, err = seq.runs.Get(run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusSuccess, got.Status)

	// Pausing a terminal run is rejected.
	var te *TransitionError
	assert.ErrorAs(t, seq.Pause(run.ID), &te)
}

func TestApprove(t *testing.T) {
	worker := &scriptedWorker{script: []bool{true}}
	seq, _ := testSequencer(t, worker.fn)

	stages := []models.StageConfig{
		{ID: "review", Enabled: true, Gate: models.GateManual, MaxIterations: 1},
	}
	run, err := seq.Create(StartOpts{WorkItem: "PROJ-7", Stages: stages})
	require.NoError(t, err)

	require.NoError(t, seq.Approve(run.ID, "review"))
	assert.FileExists(t, seq.ApprovalPath(run.ID, "review"))
	assert.Contains(t, eventTypes(t, seq), models.EventStageApproved)

	// A pre-existing approval satisfies the gate without waiting.
	require.NoError(t, seq.Drive(context.Background(), run.ID))
	got, err := seq.runs.Get(run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusSuccess, got.Status)

	// The marker was consumed.
	assert.NoFileExists(t, seq.ApprovalPath(run.ID, "review"))
}

func TestApproveAutoGateRejected(t *testing.T) {
	worker := &scriptedWorker{script: []bool{true}}
	seq, _ := testSequencer(t, worker.fn)

	run, err := seq.Create(StartOpts{WorkItem: "PROJ-7", Stages: simpleStages("build")})
	require.NoError(t, err)

	assert.ErrorContains(t, seq.Approve(run.ID, "build"), "auto gate")
	assert.ErrorIs(t, seq.Approve(run.ID, "missing"), models.ErrNotFound)
}

func TestManualGateStageGetsSingleAttempt(t *testing.T) {
	worker := &scriptedWorker{script: []bool{false}}
	seq, _ := testSequencer(t, worker.fn)

	stages := []models.StageConfig{
		{ID: "review", Enabled: true, Gate: models.GateManual, MaxIterations: 3},
	}
	run, err := seq.Create(StartOpts{WorkItem: "PROJ-7", Stages: stages})
	require.NoError(t, err)

	err = seq.Drive(context.Background(), run.ID)
	require.Error(t, err)
	// No self-healing loop for manual-gate stages.
	assert.Equal(t, 1, worker.callCount())
}

func TestNextStageOrder(t *testing.T) {
	run := &models.PipelineRun{
		Stages: simpleStages("build", "test", "review"),
		StageResults: map[string]*models.StageResult{
			"build": {Status: models.StageStatusPassed},
			"test":  {Status: models.StageStatusSkipped},
		},
	}
	stage := nextStage(run)
	require.NotNil(t, stage)
	assert.Equal(t, "review", stage.ID)

	run.StageResults["review"] = &models.StageResult{Status: models.StageStatusPassed}
	assert.Nil(t, nextStage(run))
}

func TestStopRequestedMidStage(t *testing.T) {
	seq, _ := testSequencer(t, nil)

	var seqRef *Sequencer
	worker := func(ctx context.Context, req WorkerRequest) (WorkerResult, error) {
		// Operator stops the run while the worker is busy; the attempt's
		// result is recorded but no further attempts start.
		if err := seqRef.Stop(reqRunID(req)); err != nil {
			return WorkerResult{}, err
		}
		return WorkerResult{Output: "interrupted"}, nil
	}
	seq.worker = worker
	seqRef = seq

	stages := []models.StageConfig{{ID: "build", Enabled: true, Gate: models.GateAuto, MaxIterations: 5}}
	run, err := seq.Create(StartOpts{WorkItem: "PROJ-7", Stages: stages})
	require.NoError(t, err)

	require.NoError(t, seq.Drive(context.Background(), run.ID))

	got, err := seq.runs.Get(run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusStopped, got.Status)
	// Exactly one attempt ran.
	assert.Equal(t, 1, got.Result("build").Iteration)
}

func reqRunID(req WorkerRequest) string {
	for _, kv := range req.Env {
		if v, ok := strings.CutPrefix(kv, "STAGEHAND_RUN="); ok {
			return v
		}
	}
	return ""
}

func TestDriveContextCancelled(t *testing.T) {
	worker := &scriptedWorker{script: []bool{true}}
	seq, _ := testSequencer(t, worker.fn)

	run, err := seq.Create(StartOpts{WorkItem: "PROJ-7", Stages: simpleStages("build")})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = seq.Drive(ctx, run.ID)
	assert.True(t, errors.Is(err, context.Canceled))
}
