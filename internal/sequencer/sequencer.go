package sequencer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stagehand-dev/stagehand/internal/checkpoint"
	"github.com/stagehand-dev/stagehand/internal/config"
	"github.com/stagehand-dev/stagehand/internal/eventlog"
	"github.com/stagehand-dev/stagehand/internal/heartbeat"
	"github.com/stagehand-dev/stagehand/internal/lockmgr"
	"github.com/stagehand-dev/stagehand/internal/logging"
	"github.com/stagehand-dev/stagehand/internal/models"
	"github.com/stagehand-dev/stagehand/internal/vcs"
	"github.com/stagehand-dev/stagehand/internal/worktree"
)

const (
	controlPollInterval = 1 * time.Second
	stallPollInterval   = 15 * time.Second
	lockPollInterval    = 2 * time.Second
	outputTailLines     = 60
)

// errStopRequested propagates an operator stop to the driving loop.
var errStopRequested = errors.New("stop requested")

// errAgentStalled marks an attempt aborted because the agent's heartbeat
// went stale mid-invocation.
var errAgentStalled = errors.New("agent stalled")

// StageFailedError reports a stage that exhausted its iteration budget. The
// message names the operator actions that unblock the run.
type StageFailedError struct {
	RunID      string
	Stage      string
	Iterations int
	Reason     string
}

func (e *StageFailedError) Error() string {
	msg := fmt.Sprintf("stage %s failed after %d iteration(s)", e.Stage, e.Iterations)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg + fmt.Sprintf("; retry with 'pipeline retry %s %s' or force past it with 'pipeline skip %s %s'",
		e.RunID, e.Stage, e.RunID, e.Stage)
}

// Sequencer drives pipeline runs over the durability substrate.
type Sequencer struct {
	cfg          *config.Config
	runs         *RunStore
	checkpoints  *checkpoint.Store
	events       *eventlog.Log
	locks        *lockmgr.Manager
	beats        *heartbeat.Registry
	trees        *worktree.Manager
	git          *vcs.Git
	worker       WorkerFunc
	approvalsDir string

	logger zerolog.Logger
	clock  func() time.Time
}

// New creates a Sequencer from its collaborators.
func New(
	cfg *config.Config,
	runs *RunStore,
	checkpoints *checkpoint.Store,
	events *eventlog.Log,
	locks *lockmgr.Manager,
	beats *heartbeat.Registry,
	trees *worktree.Manager,
	git *vcs.Git,
	worker WorkerFunc,
) *Sequencer {
	return &Sequencer{
		cfg:          cfg,
		runs:         runs,
		checkpoints:  checkpoints,
		events:       events,
		locks:        locks,
		beats:        beats,
		trees:        trees,
		git:          git,
		worker:       worker,
		approvalsDir: cfg.ApprovalsDir(),
		logger:       logging.Component("sequencer"),
		clock:        time.Now,
	}
}

// StartOpts holds the inputs for creating a pipeline run.
type StartOpts struct {
	WorkItem string
	Goal     string
	Stages   []models.StageConfig
}

// DefaultStages is the stock delivery pipeline used when a run is started
// without an explicit definition.
func DefaultStages() []models.StageConfig {
	return []models.StageConfig{
		{ID: "intake", Enabled: true, Gate: models.GateAuto},
		{ID: "plan", Enabled: true, Gate: models.GateAuto},
		{ID: "build", Enabled: true, Gate: models.GateAuto, MaxIterations: 3, Isolated: true},
		{ID: "test", Enabled: true, Gate: models.GateAuto, MaxIterations: 3},
		{ID: "review", Enabled: true, Gate: models.GateManual},
		{ID: "merge", Enabled: true, Gate: models.GateAuto},
	}
}

// Create persists a new run for a work item and publishes run.started.
func (s *Sequencer) Create(opts StartOpts) (*models.PipelineRun, error) {
	if strings.TrimSpace(opts.WorkItem) == "" {
		return nil, fmt.Errorf("work item is required")
	}
	stages := opts.Stages
	if len(stages) == 0 {
		stages = DefaultStages()
	}
	if err := validateStages(stages); err != nil {
		return nil, err
	}

	run := &models.PipelineRun{
		ID:           uuid.NewString(),
		WorkItem:     opts.WorkItem,
		Goal:         opts.Goal,
		Stages:       stages,
		StageResults: make(map[string]*models.StageResult),
		Status:       models.RunStatusRunning,
	}
	if err := s.runs.Create(run); err != nil {
		return nil, err
	}

	if _, err := s.events.Publish(models.EventRunStarted, map[string]string{
		"run":       run.ID,
		"work_item": run.WorkItem,
	}); err != nil {
		return nil, err
	}
	return run, nil
}

// Drive executes the run until it reaches a terminal status, an operator
// control takes effect, or a stage exhausts its budget. Safe to call again
// after a crash: stages resume from their last completed iteration.
func (s *Sequencer) Drive(ctx context.Context, runID string) error {
	run, err := s.runs.Get(runID)
	if err != nil {
		return err
	}
	if run.Status == models.RunStatusStopped {
		// Stop is a clean abort, not a failure: driving a stopped run is a
		// no-op, same as a stop landing at the first stage boundary.
		s.logger.Info().Str("run", runID).Msg("run stopped")
		return nil
	}
	if run.Status.IsTerminal() {
		return fmt.Errorf("run %s already %s", runID, run.Status)
	}

	for {
		if err := s.controlBoundary(ctx, runID); err != nil {
			if errors.Is(err, errStopRequested) {
				s.logger.Info().Str("run", runID).Msg("run stopped")
				return nil
			}
			return err
		}

		run, err = s.runs.Get(runID)
		if err != nil {
			return err
		}

		stage := nextStage(run)
		if stage == nil {
			return s.finishSuccess(runID)
		}

		if res := run.Result(stage.ID); res.Status == models.StageStatusFailed {
			return s.finishFailure(runID, &StageFailedError{
				RunID: runID, Stage: stage.ID,
				Iterations: res.Iteration,
				Reason:     run.LastError,
			})
		}

		if !stage.Enabled {
			if err := s.markSkipped(runID, stage.ID); err != nil {
				return err
			}
			continue
		}

		err := s.runStage(ctx, runID, stage)
		switch {
		case err == nil:
		case errors.Is(err, errStopRequested):
			s.logger.Info().Str("run", runID).Str("stage", stage.ID).Msg("run stopped mid-stage")
			return nil
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return err
		default:
			var sfe *StageFailedError
			if errors.As(err, &sfe) {
				return s.finishFailure(runID, sfe)
			}
			return s.finishFailure(runID, err)
		}
	}
}

// runStage executes one stage, including the bounded self-healing loop.
func (s *Sequencer) runStage(ctx context.Context, runID string, stage *models.StageConfig) error {
	run, err := s.runs.Update(runID, func(r *models.PipelineRun) error {
		res := r.Result(stage.ID)
		if !IsValidStageTransition(res.Status, models.StageStatusRunning) {
			return &TransitionError{RunID: runID, From: string(res.Status), To: string(models.StageStatusRunning)}
		}
		res.Status = models.StageStatusRunning
		if res.StartedAt == nil {
			now := s.clock().UTC()
			res.StartedAt = &now
		}
		r.CurrentStage = stage.ID
		return nil
	})
	if err != nil {
		return err
	}

	if _, err := s.events.Publish(models.EventStageStarted, map[string]string{
		"run":   runID,
		"stage": stage.ID,
	}); err != nil {
		return err
	}

	workDir := s.git.RepoPath()
	if stage.Isolated {
		wt, err := s.trees.Create(isolationName(runID, stage.ID), "")
		if err != nil {
			return err
		}
		workDir = wt.Path
	}

	iteration := s.resumeIteration(runID, stage.ID)
	maxIterations := stage.MaxIterations
	if maxIterations <= 0 {
		maxIterations = s.cfg.Pipeline.DefaultMaxIterations
	}
	if maxIterations <= 0 {
		maxIterations = 1
	}
	// A stage re-entered at or past its budget (operator retry after
	// exhaustion) gets one fresh attempt; otherwise it would fail again
	// without the worker ever running.
	if iteration >= maxIterations {
		maxIterations = iteration + 1
	}

	jobID := runID + "-" + stage.ID
	var lastErr string

	for iteration < maxIterations {
		if stopped, err := s.stopRequested(runID); err != nil {
			return err
		} else if stopped {
			return errStopRequested
		}

		iteration++
		passed, attemptErr, err := s.attempt(ctx, run, stage, jobID, workDir, iteration)
		if err != nil {
			return err
		}

		if passed {
			return s.finishStage(ctx, runID, stage, iteration)
		}
		lastErr = attemptErr

		// Manual-gate stages get a single attempt; only auto gates self-heal.
		if stage.Gate != models.GateAuto {
			break
		}
		if err := s.sleep(ctx, s.cfg.Pipeline.IterationDelay); err != nil {
			return err
		}
	}

	if _, err := s.runs.Update(runID, func(r *models.PipelineRun) error {
		res := r.Result(stage.ID)
		res.Status = models.StageStatusFailed
		res.Iteration = iteration
		now := s.clock().UTC()
		res.FinishedAt = &now
		r.LastError = lastErr
		return nil
	}); err != nil {
		return err
	}
	if _, err := s.events.Publish(models.EventStageFailed, map[string]string{
		"run":        runID,
		"stage":      stage.ID,
		"iterations": strconv.Itoa(iteration),
	}); err != nil {
		return err
	}

	return &StageFailedError{RunID: runID, Stage: stage.ID, Iterations: iteration, Reason: lastErr}
}

// attempt runs one worker invocation and checkpoints the outcome before the
// next attempt can begin, so a crash mid-loop resumes here rather than at
// iteration zero.
func (s *Sequencer) attempt(ctx context.Context, run *models.PipelineRun, stage *models.StageConfig, jobID, workDir string, iteration int) (bool, string, error) {
	bctx := s.loadContext(run, stage.ID, iteration)

	if _, err := s.beats.Write(heartbeat.WriteOpts{
		JobID:     jobID,
		PID:       os.Getpid(),
		WorkItem:  run.WorkItem,
		Stage:     stage.ID,
		Iteration: iteration,
		Activity:  "invoking worker",
	}); err != nil {
		s.logger.Warn().Err(err).Str("job", jobID).Msg("heartbeat write failed")
	}

	req := WorkerRequest{
		Prompt:  buildPrompt(run, stage, bctx),
		WorkDir: workDir,
		Env:     s.workerEnv(run, stage, bctx),
	}

	result, werr := s.invokeWorker(ctx, jobID, req)
	if werr != nil && (errors.Is(werr, context.Canceled) || errors.Is(werr, context.DeadlineExceeded)) && ctx.Err() != nil {
		return false, "", werr
	}

	passed := werr == nil && result.Done
	stalled := errors.Is(werr, errAgentStalled)

	modified, mfErr := s.git.ModifiedFiles(workDir, "HEAD")
	if mfErr != nil {
		modified = bctx.ModifiedFiles
	}

	bctx.Iteration = iteration
	bctx.ModifiedFiles = modified
	bctx.LastTestOutput = tailLines(result.Output, outputTailLines)
	switch {
	case passed:
		bctx.Status = "passed"
	case stalled:
		bctx.Status = "stalled"
		bctx.Findings = append(bctx.Findings,
			fmt.Sprintf("iteration %d: agent stalled, killed and retried", iteration))
	default:
		bctx.Status = "failed"
		finding := fmt.Sprintf("iteration %d did not complete", iteration)
		if werr != nil {
			finding = fmt.Sprintf("iteration %d: %v", iteration, werr)
		}
		bctx.Findings = append(bctx.Findings, finding)
	}

	if err := s.checkpoints.SaveContext(bctx); err != nil {
		return false, "", err
	}
	if _, err := s.checkpoints.Save(checkpoint.SaveOpts{
		Stage:         stage.ID,
		Iteration:     iteration,
		ModifiedFiles: modified,
		TestsPassing:  passed,
		LoopState:     bctx.Status,
	}); err != nil {
		return false, "", err
	}

	if _, err := s.runs.Update(run.ID, func(r *models.PipelineRun) error {
		r.Result(stage.ID).Iteration = iteration
		return nil
	}); err != nil {
		return false, "", err
	}

	if stalled {
		if _, err := s.events.Publish(models.EventAgentStalled, map[string]string{
			"run":       run.ID,
			"stage":     stage.ID,
			"job":       jobID,
			"iteration": strconv.Itoa(iteration),
		}); err != nil {
			return false, "", err
		}
	}
	if _, err := s.events.Publish(models.EventIteration, map[string]string{
		"run":       run.ID,
		"stage":     stage.ID,
		"iteration": strconv.Itoa(iteration),
		"passed":    strconv.FormatBool(passed),
	}); err != nil {
		return false, "", err
	}

	errText := ""
	if werr != nil {
		errText = werr.Error()
	} else if !passed {
		errText = "worker did not report completion"
	}
	return passed, errText, nil
}

// finishStage records a pass, merges isolated work back under the branch
// lock, and holds at a manual gate until approved.
func (s *Sequencer) finishStage(ctx context.Context, runID string, stage *models.StageConfig, iteration int) error {
	if _, err := s.runs.Update(runID, func(r *models.PipelineRun) error {
		res := r.Result(stage.ID)
		res.Status = models.StageStatusPassed
		res.Iteration = iteration
		now := s.clock().UTC()
		res.FinishedAt = &now
		r.LastError = ""
		return nil
	}); err != nil {
		return err
	}
	if _, err := s.events.Publish(models.EventStagePassed, map[string]string{
		"run":       runID,
		"stage":     stage.ID,
		"iteration": strconv.Itoa(iteration),
	}); err != nil {
		return err
	}

	_ = s.beats.Clear(runID + "-" + stage.ID)

	if stage.Isolated {
		if err := s.mergeIsolated(ctx, runID, stage.ID); err != nil {
			return err
		}
	}

	if stage.Gate == models.GateManual {
		if err := s.waitForApproval(ctx, runID, stage.ID); err != nil {
			return err
		}
	}
	return nil
}

// mergeIsolated merges the stage's worktree branch into the main line while
// holding the branch lock, so concurrent runs cannot interleave merges.
func (s *Sequencer) mergeIsolated(ctx context.Context, runID, stageID string) error {
	resource := "branch-" + s.cfg.Global.BaseBranch
	if err := s.acquireWithRetry(ctx, runID, resource); err != nil {
		return err
	}
	defer func() {
		if err := s.locks.Release(resource, runID); err != nil {
			s.logger.Warn().Err(err).Str("resource", resource).Msg("lock release failed")
		}
	}()

	name := isolationName(runID, stageID)
	if err := s.trees.Merge(name); err != nil {
		if errors.Is(err, models.ErrMergeConflict) {
			return &StageFailedError{
				RunID: runID, Stage: stageID, Iterations: 1,
				Reason: fmt.Sprintf("merge conflict in worktree %s, resolve manually and retry", name),
			}
		}
		return err
	}
	return nil
}

// acquireWithRetry polls the lock until acquired, the run is stopped, or the
// context is cancelled. Bounded in practice by the holder's TTL: an expired
// holder is reclaimed on the next poll.
func (s *Sequencer) acquireWithRetry(ctx context.Context, runID, resource string) error {
	for {
		_, err := s.locks.Acquire(resource, runID, 0)
		if err == nil {
			return nil
		}
		if !errors.Is(err, models.ErrContended) {
			return err
		}
		s.logger.Debug().Str("resource", resource).Msg("lock contended, waiting")

		if stopped, serr := s.stopRequested(runID); serr != nil {
			return serr
		} else if stopped {
			return errStopRequested
		}
		if err := s.sleep(ctx, lockPollInterval); err != nil {
			return err
		}
	}
}

// invokeWorker runs the worker while a watchdog checks the job's heartbeat.
// A stale heartbeat cancels the invocation and consumes the attempt.
func (s *Sequencer) invokeWorker(ctx context.Context, jobID string, req WorkerRequest) (WorkerResult, error) {
	type outcome struct {
		result WorkerResult
		err    error
	}
	resultCh := make(chan outcome, 1)

	workerCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		result, err := s.worker(workerCtx, req)
		resultCh <- outcome{result, err}
	}()

	ticker := time.NewTicker(stallPollInterval)
	defer ticker.Stop()

	for {
		select {
		case out := <-resultCh:
			return out.result, out.err
		case <-ctx.Done():
			cancel()
			<-resultCh
			return WorkerResult{}, ctx.Err()
		case <-ticker.C:
			liveness, _, err := s.beats.Check(jobID, heartbeat.DefaultTimeout)
			if err != nil {
				s.logger.Warn().Err(err).Str("job", jobID).Msg("heartbeat check failed")
				continue
			}
			if liveness == models.LivenessStale {
				s.logger.Warn().Str("job", jobID).Msg("agent heartbeat stale, killing worker")
				cancel()
				<-resultCh
				return WorkerResult{}, errAgentStalled
			}
		}
	}
}

// controlBoundary blocks while the run is paused and reports stop requests.
// Evaluated before every stage transition, never mid-agent-call.
func (s *Sequencer) controlBoundary(ctx context.Context, runID string) error {
	ticker := time.NewTicker(controlPollInterval)
	defer ticker.Stop()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		run, err := s.runs.Get(runID)
		if err != nil {
			return err
		}
		switch run.Status {
		case models.RunStatusStopped:
			return errStopRequested
		case models.RunStatusPaused:
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
			}
		default:
			return nil
		}
	}
}

func (s *Sequencer) stopRequested(runID string) (bool, error) {
	run, err := s.runs.Get(runID)
	if err != nil {
		return false, err
	}
	return run.Status == models.RunStatusStopped, nil
}

func (s *Sequencer) finishSuccess(runID string) error {
	if _, err := s.runs.Update(runID, func(r *models.PipelineRun) error {
		r.Status = models.RunStatusSuccess
		r.CurrentStage = ""
		return nil
	}); err != nil {
		return err
	}
	if _, err := s.events.Publish(models.EventRunSucceeded, map[string]string{"run": runID}); err != nil {
		return err
	}
	s.logger.Info().Str("run", runID).Msg("run succeeded")
	return nil
}

func (s *Sequencer) finishFailure(runID string, cause error) error {
	if _, err := s.runs.Update(runID, func(r *models.PipelineRun) error {
		r.Status = models.RunStatusFailure
		r.LastError = cause.Error()
		return nil
	}); err != nil {
		return err
	}
	if _, err := s.events.Publish(models.EventRunFailed, map[string]string{
		"run":   runID,
		"error": cause.Error(),
	}); err != nil {
		return err
	}
	return cause
}

func (s *Sequencer) markSkipped(runID, stageID string) error {
	if _, err := s.runs.Update(runID, func(r *models.PipelineRun) error {
		res := r.Result(stageID)
		res.Status = models.StageStatusSkipped
		now := s.clock().UTC()
		res.FinishedAt = &now
		return nil
	}); err != nil {
		return err
	}
	_, err := s.events.Publish(models.EventStageSkipped, map[string]string{
		"run":   runID,
		"stage": stageID,
	})
	return err
}

// resumeIteration recovers the last completed iteration from the stage
// checkpoint. A corrupt checkpoint restarts the stage from scratch.
func (s *Sequencer) resumeIteration(runID, stageID string) int {
	cp, err := s.checkpoints.Restore(stageID)
	if err != nil {
		if errors.Is(err, models.ErrCorrupt) {
			s.logger.Warn().Str("stage", stageID).Err(err).
				Msg("corrupt checkpoint, restarting stage from scratch")
		}
		return 0
	}
	return cp.Iteration
}

// loadContext restores the stage's build context or starts a fresh one.
func (s *Sequencer) loadContext(run *models.PipelineRun, stageID string, iteration int) *models.BuildContext {
	bctx, err := s.checkpoints.RestoreContext(stageID)
	if err != nil {
		if errors.Is(err, models.ErrCorrupt) {
			s.logger.Warn().Str("stage", stageID).Err(err).
				Msg("corrupt build context, starting fresh")
		}
		return &models.BuildContext{Stage: stageID, Goal: run.Goal, Iteration: iteration}
	}
	return bctx
}

func (s *Sequencer) workerEnv(run *models.PipelineRun, stage *models.StageConfig, bctx *models.BuildContext) []string {
	env := checkpoint.ExportEnv(bctx)
	env = append(env,
		"STAGEHAND_RUN="+run.ID,
		"STAGEHAND_WORK_ITEM="+run.WorkItem,
		"STAGEHAND_STAGE="+stage.ID,
	)
	if stage.CoverageThreshold > 0 {
		env = append(env, fmt.Sprintf("STAGEHAND_COVERAGE_THRESHOLD=%.2f", stage.CoverageThreshold))
	}
	return env
}

func (s *Sequencer) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// nextStage returns the first stage that still needs work, or nil when every
// stage has passed or been skipped.
func nextStage(run *models.PipelineRun) *models.StageConfig {
	for i := range run.Stages {
		stage := &run.Stages[i]
		res, ok := run.StageResults[stage.ID]
		if !ok {
			return stage
		}
		switch res.Status {
		case models.StageStatusPassed, models.StageStatusSkipped:
			continue
		default:
			return stage
		}
	}
	return nil
}

func validateStages(stages []models.StageConfig) error {
	seen := make(map[string]bool, len(stages))
	for i := range stages {
		stage := &stages[i]
		if strings.TrimSpace(stage.ID) == "" {
			return models.ErrInvalidStageName
		}
		if seen[stage.ID] {
			return fmt.Errorf("duplicate stage id %q", stage.ID)
		}
		seen[stage.ID] = true
		switch stage.Gate {
		case models.GateAuto, models.GateManual:
		case "":
			stage.Gate = models.GateAuto
		default:
			return fmt.Errorf("stage %s: unknown gate kind %q", stage.ID, stage.Gate)
		}
	}
	return nil
}

func buildPrompt(run *models.PipelineRun, stage *models.StageConfig, bctx *models.BuildContext) string {
	var b strings.Builder
	if stage.Prompt != "" {
		b.WriteString(stage.Prompt)
		b.WriteString("\n\n")
	}
	if run.Goal != "" {
		b.WriteString("Goal: ")
		b.WriteString(run.Goal)
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "Stage: %s (iteration %d)\n", stage.ID, bctx.Iteration)
	if len(bctx.Findings) > 0 {
		b.WriteString("\nPrior findings:\n")
		for _, finding := range bctx.Findings {
			b.WriteString("- ")
			b.WriteString(finding)
			b.WriteString("\n")
		}
	}
	if bctx.LastTestOutput != "" {
		b.WriteString("\nLast test output:\n")
		b.WriteString(bctx.LastTestOutput)
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "\nEmit %s when the stage objective is met.\n", DoneSentinel)
	return b.String()
}

func isolationName(runID, stageID string) string {
	return shortID(runID) + "-" + stageID
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func tailLines(s string, n int) string {
	if s == "" || n <= 0 {
		return ""
	}
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
