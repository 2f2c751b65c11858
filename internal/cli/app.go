package cli

import (
	"github.com/stagehand-dev/stagehand/internal/checkpoint"
	"github.com/stagehand-dev/stagehand/internal/config"
	"github.com/stagehand-dev/stagehand/internal/eventlog"
	"github.com/stagehand-dev/stagehand/internal/heartbeat"
	"github.com/stagehand-dev/stagehand/internal/lockmgr"
	"github.com/stagehand-dev/stagehand/internal/sequencer"
	"github.com/stagehand-dev/stagehand/internal/vcs"
	"github.com/stagehand-dev/stagehand/internal/worktree"
)

// app bundles the substrate components a command needs. Each command builds
// one from the loaded config rather than keeping global singletons.
type app struct {
	cfg         *config.Config
	git         *vcs.Git
	checkpoints *checkpoint.Store
	events      *eventlog.Log
	locks       *lockmgr.Manager
	beats       *heartbeat.Registry
	trees       *worktree.Manager
	runs        *sequencer.RunStore
}

func newApp() (*app, error) {
	cfg := GetConfig()
	git := vcs.New(&vcs.ExecGit{}, cfg.Global.RepoPath)

	events, err := eventlog.Open(cfg)
	if err != nil {
		return nil, err
	}

	return &app{
		cfg:         cfg,
		git:         git,
		checkpoints: checkpoint.NewStore(cfg, git),
		events:      events,
		locks:       lockmgr.NewManager(cfg),
		beats:       heartbeat.NewRegistry(cfg),
		trees:       worktree.NewManager(cfg, git),
		runs:        sequencer.NewRunStore(cfg),
	}, nil
}

func (a *app) sequencer() *sequencer.Sequencer {
	worker := sequencer.ExecWorker(a.cfg.Pipeline.WorkerCommand)
	return sequencer.New(a.cfg, a.runs, a.checkpoints, a.events, a.locks, a.beats, a.trees, a.git, worker)
}
