package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var worktreeCreateBranch string

func init() {
	rootCmd.AddCommand(worktreeCmd)
	worktreeCmd.AddCommand(worktreeCreateCmd)
	worktreeCmd.AddCommand(worktreeListCmd)
	worktreeCmd.AddCommand(worktreeSyncCmd)
	worktreeCmd.AddCommand(worktreeMergeCmd)
	worktreeCmd.AddCommand(worktreeMergeAllCmd)
	worktreeCmd.AddCommand(worktreeRemoveCmd)
	worktreeCmd.AddCommand(worktreeCleanupCmd)
	worktreeCmd.AddCommand(worktreeStatusCmd)

	worktreeCreateCmd.Flags().StringVar(&worktreeCreateBranch, "branch", "", "branch name (defaults to the derived agent branch)")
}

var worktreeCmd = &cobra.Command{
	Use:   "worktree",
	Short: "Isolated git working copies for parallel agents",
}

var worktreeCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a worktree on its own branch",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		wt, err := a.trees.Create(args[0], worktreeCreateBranch)
		if err != nil {
			return err
		}
		if IsJSONOutput() || IsJSONLOutput() {
			return WriteOutput(os.Stdout, wt)
		}
		fmt.Printf("%s on %s at %s\n", wt.Name, wt.Branch, wt.Path)
		return nil
	},
}

var worktreeListCmd = &cobra.Command{
	Use:   "list",
	Short: "List worktrees",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		trees, err := a.trees.List()
		if err != nil {
			return err
		}
		if IsJSONOutput() || IsJSONLOutput() {
			return WriteOutput(os.Stdout, trees)
		}
		if len(trees) == 0 {
			fmt.Println("no worktrees")
			return nil
		}
		for _, wt := range trees {
			fmt.Printf("%-24s %-32s %s\n", wt.Name, wt.Branch, wt.Path)
		}
		return nil
	},
}

var worktreeSyncCmd = &cobra.Command{
	Use:   "sync <name>",
	Short: "Merge the main line into a worktree",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		if err := a.trees.Sync(args[0]); err != nil {
			return err
		}
		fmt.Printf("synced %s\n", args[0])
		return nil
	},
}

var worktreeMergeCmd = &cobra.Command{
	Use:   "merge <name>",
	Short: "Merge a worktree's branch into the main line",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		if err := a.trees.Merge(args[0]); err != nil {
			return err
		}
		fmt.Printf("merged %s\n", args[0])
		return nil
	},
}

var worktreeMergeAllCmd = &cobra.Command{
	Use:   "merge-all",
	Short: "Merge every worktree branch, stopping at the first conflict",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		merged, err := a.trees.MergeAll()
		if len(merged) > 0 {
			fmt.Printf("merged: %s\n", strings.Join(merged, ", "))
		}
		return err
	},
}

var worktreeRemoveCmd = &cobra.Command{
	Use:   "remove <name>",
	Short: "Remove a worktree and delete its branch",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		if err := a.trees.Remove(args[0]); err != nil {
			return err
		}
		fmt.Printf("removed %s\n", args[0])
		return nil
	},
}

var worktreeCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove every worktree and its branch",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		if err := a.trees.Cleanup(); err != nil {
			return err
		}
		fmt.Println("cleaned up worktrees")
		return nil
	},
}

var worktreeStatusCmd = &cobra.Command{
	Use:   "status [name]",
	Short: "Show divergence from the main line",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		if len(args) == 1 {
			status, err := a.trees.Status(args[0])
			if err != nil {
				return err
			}
			if IsJSONOutput() || IsJSONLOutput() {
				return WriteOutput(os.Stdout, status)
			}
			printWorktreeStatus(status.Name, status.Ahead, status.Behind, status.Dirty)
			return nil
		}

		statuses, err := a.trees.StatusAll()
		if err != nil {
			return err
		}
		if IsJSONOutput() || IsJSONLOutput() {
			return WriteOutput(os.Stdout, statuses)
		}
		if len(statuses) == 0 {
			fmt.Println("no worktrees")
			return nil
		}
		for _, status := range statuses {
			printWorktreeStatus(status.Name, status.Ahead, status.Behind, status.Dirty)
		}
		return nil
	},
}

func printWorktreeStatus(name string, ahead, behind int, dirty bool) {
	suffix := ""
	if dirty {
		suffix = " (dirty)"
	}
	fmt.Printf("%-24s +%d -%d%s\n", name, ahead, behind, suffix)
}
