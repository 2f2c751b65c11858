package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/stagehand-dev/stagehand/internal/models"
	"github.com/stagehand-dev/stagehand/internal/sequencer"
)

var (
	pipelineStartFile string
	pipelineStartGoal string
	pipelineNoDrive   bool
)

func init() {
	rootCmd.AddCommand(pipelineCmd)
	pipelineCmd.AddCommand(pipelineStartCmd)
	pipelineCmd.AddCommand(pipelineRunCmd)
	pipelineCmd.AddCommand(pipelineStatusCmd)
	pipelineCmd.AddCommand(pipelineListCmd)
	pipelineCmd.AddCommand(pipelinePauseCmd)
	pipelineCmd.AddCommand(pipelineResumeCmd)
	pipelineCmd.AddCommand(pipelineStopCmd)
	pipelineCmd.AddCommand(pipelineRetryCmd)
	pipelineCmd.AddCommand(pipelineSkipCmd)
	pipelineCmd.AddCommand(pipelineApproveCmd)

	pipelineStartCmd.Flags().StringVarP(&pipelineStartFile, "file", "f", "", "pipeline definition file (defaults to the stock stages)")
	pipelineStartCmd.Flags().StringVar(&pipelineStartGoal, "goal", "", "work item goal passed to agents")
	pipelineStartCmd.Flags().BoolVar(&pipelineNoDrive, "no-drive", false, "create the run without driving it")
}

var pipelineCmd = &cobra.Command{
	Use:   "pipeline",
	Short: "Drive work items through gated pipeline stages",
}

var pipelineStartCmd = &cobra.Command{
	Use:   "start <work-item>",
	Short: "Create a run for a work item and drive it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}

		opts := sequencer.StartOpts{WorkItem: args[0], Goal: pipelineStartGoal}
		if pipelineStartFile != "" {
			def, err := sequencer.LoadDefinition(pipelineStartFile)
			if err != nil {
				return err
			}
			if opts.Goal == "" {
				opts.Goal = def.Goal
			}
			opts.Stages, err = def.StageConfigs()
			if err != nil {
				return err
			}
		}

		seq := a.sequencer()
		run, err := seq.Create(opts)
		if err != nil {
			return err
		}
		fmt.Printf("run %s started for %s\n", run.ID, run.WorkItem)
		if pipelineNoDrive {
			return nil
		}
		return drive(seq, run.ID)
	},
}

var pipelineRunCmd = &cobra.Command{
	Use:   "run <run-id>",
	Short: "Drive an existing run until it blocks or finishes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		return drive(a.sequencer(), args[0])
	},
}

func drive(seq *sequencer.Sequencer, runID string) error {
	ctx, stop := signal.NotifyContext(rootCmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return seq.Drive(ctx, runID)
}

var pipelineStatusCmd = &cobra.Command{
	Use:   "status <run-id>",
	Short: "Show a run's stages and results",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		run, err := a.runs.Get(args[0])
		if err != nil {
			return err
		}
		if IsJSONOutput() || IsJSONLOutput() {
			return WriteOutput(os.Stdout, run)
		}
		printRun(run)
		return nil
	},
}

var pipelineListCmd = &cobra.Command{
	Use:   "list",
	Short: "List runs, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		runs, err := a.runs.List()
		if err != nil {
			return err
		}
		if IsJSONOutput() || IsJSONLOutput() {
			return WriteOutput(os.Stdout, runs)
		}
		if len(runs) == 0 {
			fmt.Println("no runs")
			return nil
		}
		for _, run := range runs {
			fmt.Printf("%-36s %-10s %-20s %s\n", run.ID, run.Status, run.CurrentStage, run.WorkItem)
		}
		return nil
	},
}

var pipelinePauseCmd = &cobra.Command{
	Use:   "pause <run-id>",
	Short: "Pause a run at the next stage boundary",
	Args:  cobra.ExactArgs(1),
	RunE:  controlRunE(func(seq *sequencer.Sequencer, runID string) error { return seq.Pause(runID) }, "paused"),
}

var pipelineResumeCmd = &cobra.Command{
	Use:   "resume <run-id>",
	Short: "Resume a paused run",
	Args:  cobra.ExactArgs(1),
	RunE:  controlRunE(func(seq *sequencer.Sequencer, runID string) error { return seq.Resume(runID) }, "resumed"),
}

var pipelineStopCmd = &cobra.Command{
	Use:   "stop <run-id>",
	Short: "Stop a run at the next checkpoint boundary",
	Args:  cobra.ExactArgs(1),
	RunE:  controlRunE(func(seq *sequencer.Sequencer, runID string) error { return seq.Stop(runID) }, "stopped"),
}

func controlRunE(op func(*sequencer.Sequencer, string) error, verb string) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		if err := op(a.sequencer(), args[0]); err != nil {
			return err
		}
		fmt.Printf("run %s %s\n", args[0], verb)
		return nil
	}
}

var pipelineRetryCmd = &cobra.Command{
	Use:   "retry <run-id> <stage>",
	Short: "Reset a failed stage for another attempt",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		if err := a.sequencer().Retry(args[0], args[1]); err != nil {
			return err
		}
		fmt.Printf("stage %s reset, drive the run to retry\n", args[1])
		return nil
	},
}

var pipelineSkipCmd = &cobra.Command{
	Use:   "skip <run-id> <stage>",
	Short: "Force a stage past its gate with an operator override",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		if err := a.sequencer().Skip(args[0], args[1]); err != nil {
			return err
		}
		fmt.Printf("stage %s skipped with override\n", args[1])
		return nil
	},
}

var pipelineApproveCmd = &cobra.Command{
	Use:   "approve <run-id> <stage>",
	Short: "Approve a manual gate",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		if err := a.sequencer().Approve(args[0], args[1]); err != nil {
			return err
		}
		fmt.Printf("approved %s for run %s\n", args[1], args[0])
		return nil
	},
}

func printRun(run *models.PipelineRun) {
	fmt.Printf("run %s (%s)\n", run.ID, run.Status)
	fmt.Printf("work item: %s\n", run.WorkItem)
	if run.Goal != "" {
		fmt.Printf("goal: %s\n", run.Goal)
	}
	if run.CurrentStage != "" {
		fmt.Printf("current stage: %s\n", run.CurrentStage)
	}
	if run.LastError != "" {
		fmt.Printf("last error: %s\n", run.LastError)
	}
	fmt.Println("stages:")
	for i := range run.Stages {
		stage := &run.Stages[i]
		res, ok := run.StageResults[stage.ID]
		status := string(models.StageStatusPending)
		detail := ""
		if ok {
			status = string(res.Status)
			if res.Iteration > 0 {
				detail = fmt.Sprintf(" (iteration %d)", res.Iteration)
			}
			if res.Override {
				detail += " [override]"
			}
		}
		if !stage.Enabled {
			detail += " [disabled]"
		}
		fmt.Printf("  %-16s %-8s%s\n", stage.ID, status, detail)
	}
}
