package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/stagehand-dev/stagehand/internal/checkpoint"
	"github.com/stagehand-dev/stagehand/internal/models"
)

var (
	ckptSaveIteration int
	ckptSaveRevision  string
	ckptSaveModified  []string
	ckptSavePassing   bool
	ckptSaveLoopState string

	ckptClearAll     bool
	ckptExpireMaxAge int
)

func init() {
	rootCmd.AddCommand(checkpointCmd)
	checkpointCmd.AddCommand(checkpointSaveCmd)
	checkpointCmd.AddCommand(checkpointRestoreCmd)
	checkpointCmd.AddCommand(checkpointListCmd)
	checkpointCmd.AddCommand(checkpointClearCmd)
	checkpointCmd.AddCommand(checkpointExpireCmd)

	checkpointSaveCmd.Flags().IntVar(&ckptSaveIteration, "iteration", 0, "loop iteration the snapshot belongs to")
	checkpointSaveCmd.Flags().StringVar(&ckptSaveRevision, "revision", "", "source revision (defaults to the repository head)")
	checkpointSaveCmd.Flags().StringSliceVar(&ckptSaveModified, "modified", nil, "files changed so far")
	checkpointSaveCmd.Flags().BoolVar(&ckptSavePassing, "tests-passing", false, "whether tests were passing at snapshot time")
	checkpointSaveCmd.Flags().StringVar(&ckptSaveLoopState, "loop-state", "", "free-form loop state label")

	checkpointClearCmd.Flags().BoolVar(&ckptClearAll, "all", false, "clear every stage checkpoint")
	checkpointExpireCmd.Flags().IntVar(&ckptExpireMaxAge, "max-age-hours", 0, "age limit (defaults to config)")
}

var checkpointCmd = &cobra.Command{
	Use:   "checkpoint",
	Short: "Manage resumable stage checkpoints",
}

var checkpointSaveCmd = &cobra.Command{
	Use:   "save <stage>",
	Short: "Save or overwrite a stage checkpoint",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		cp, err := a.checkpoints.Save(checkpoint.SaveOpts{
			Stage:         args[0],
			Iteration:     ckptSaveIteration,
			Revision:      ckptSaveRevision,
			ModifiedFiles: ckptSaveModified,
			TestsPassing:  ckptSavePassing,
			LoopState:     ckptSaveLoopState,
		})
		if err != nil {
			return err
		}
		if IsJSONOutput() || IsJSONLOutput() {
			return WriteOutput(os.Stdout, cp)
		}
		fmt.Println(checkpoint.Summary(cp))
		return nil
	},
}

var checkpointRestoreCmd = &cobra.Command{
	Use:   "restore <stage>",
	Short: "Read back a stage checkpoint",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		cp, err := a.checkpoints.Restore(args[0])
		if err != nil {
			return err
		}
		if IsJSONOutput() || IsJSONLOutput() {
			return WriteOutput(os.Stdout, cp)
		}
		fmt.Println(checkpoint.Summary(cp))
		return nil
	},
}

var checkpointListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stage checkpoints, oldest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		cps, err := a.checkpoints.List()
		if err != nil {
			return err
		}
		if IsJSONOutput() || IsJSONLOutput() {
			return WriteOutput(os.Stdout, cps)
		}
		if len(cps) == 0 {
			fmt.Println("no checkpoints")
			return nil
		}
		for i := range cps {
			fmt.Println(checkpoint.Summary(&cps[i]))
		}
		return nil
	},
}

var checkpointClearCmd = &cobra.Command{
	Use:   "clear [stage]",
	Short: "Remove a stage checkpoint, or all with --all",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		if ckptClearAll {
			if err := a.checkpoints.ClearAll(); err != nil {
				return err
			}
			fmt.Println("cleared all checkpoints")
			return nil
		}
		if len(args) == 0 {
			return fmt.Errorf("a stage name or --all is required")
		}
		if err := a.checkpoints.Clear(args[0]); err != nil {
			return err
		}
		fmt.Printf("cleared checkpoint for %s\n", args[0])
		return nil
	},
}

var checkpointExpireCmd = &cobra.Command{
	Use:   "expire",
	Short: "Delete checkpoints older than the retention limit",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		maxAge := ckptExpireMaxAge
		if maxAge <= 0 {
			maxAge = a.cfg.Pipeline.CheckpointMaxAgeHours
		}
		expired, err := a.checkpoints.Expire(maxAge)
		if err != nil {
			return err
		}
		if IsJSONOutput() || IsJSONLOutput() {
			return WriteOutput(os.Stdout, expired)
		}
		if len(expired) == 0 {
			fmt.Println("nothing to expire")
			return nil
		}
		fmt.Printf("expired %d checkpoint(s): %s\n", len(expired), strings.Join(expired, ", "))
		return nil
	},
}

var (
	contextGoal     string
	contextFindings []string
	contextModified []string
	contextOutput   string
	contextIter     int
	contextStatus   string
	contextEnv      bool
)

func init() {
	rootCmd.AddCommand(contextCmd)
	contextCmd.AddCommand(contextSaveCmd)
	contextCmd.AddCommand(contextRestoreCmd)

	contextSaveCmd.Flags().StringVar(&contextGoal, "goal", "", "work item goal")
	contextSaveCmd.Flags().StringSliceVar(&contextFindings, "finding", nil, "accumulated finding (repeatable)")
	contextSaveCmd.Flags().StringSliceVar(&contextModified, "modified", nil, "files changed so far")
	contextSaveCmd.Flags().StringVar(&contextOutput, "last-test-output", "", "tail of the last test run")
	contextSaveCmd.Flags().IntVar(&contextIter, "iteration", 0, "loop iteration")
	contextSaveCmd.Flags().StringVar(&contextStatus, "status", "", "stage status label")

	contextRestoreCmd.Flags().BoolVar(&contextEnv, "env", false, "print as environment variable assignments")
}

var contextCmd = &cobra.Command{
	Use:   "context",
	Short: "Manage per-stage build context",
}

var contextSaveCmd = &cobra.Command{
	Use:   "save <stage>",
	Short: "Save or overwrite a stage's build context",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		bc := &models.BuildContext{
			Stage:          args[0],
			Goal:           contextGoal,
			Findings:       contextFindings,
			ModifiedFiles:  contextModified,
			LastTestOutput: contextOutput,
			Iteration:      contextIter,
			Status:         contextStatus,
		}
		if err := a.checkpoints.SaveContext(bc); err != nil {
			return err
		}
		fmt.Printf("saved context for %s\n", args[0])
		return nil
	},
}

var contextRestoreCmd = &cobra.Command{
	Use:   "restore <stage>",
	Short: "Read back a stage's build context",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		bc, err := a.checkpoints.RestoreContext(args[0])
		if err != nil {
			return err
		}
		if contextEnv {
			for _, kv := range checkpoint.ExportEnv(bc) {
				fmt.Println(kv)
			}
			return nil
		}
		return WriteOutput(os.Stdout, bc)
	},
}
