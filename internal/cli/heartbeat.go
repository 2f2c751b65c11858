package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/stagehand-dev/stagehand/internal/heartbeat"
	"github.com/stagehand-dev/stagehand/internal/models"
)

var (
	hbWritePID      int
	hbWriteWorkItem string
	hbWriteStage    string
	hbWriteIter     int
	hbWriteActivity string

	hbCheckTimeout time.Duration
)

func init() {
	rootCmd.AddCommand(heartbeatCmd)
	heartbeatCmd.AddCommand(heartbeatWriteCmd)
	heartbeatCmd.AddCommand(heartbeatCheckCmd)
	heartbeatCmd.AddCommand(heartbeatListCmd)
	heartbeatCmd.AddCommand(heartbeatClearCmd)

	heartbeatWriteCmd.Flags().IntVar(&hbWritePID, "pid", 0, "agent process id (defaults to this process)")
	heartbeatWriteCmd.Flags().StringVar(&hbWriteWorkItem, "work-item", "", "work item the agent is on")
	heartbeatWriteCmd.Flags().StringVar(&hbWriteStage, "stage", "", "stage the agent is on")
	heartbeatWriteCmd.Flags().IntVar(&hbWriteIter, "iteration", 0, "loop iteration")
	heartbeatWriteCmd.Flags().StringVar(&hbWriteActivity, "activity", "", "current activity description")

	heartbeatCheckCmd.Flags().DurationVar(&hbCheckTimeout, "timeout", heartbeat.DefaultTimeout, "staleness threshold (defaults to config)")
	heartbeatListCmd.Flags().DurationVar(&hbCheckTimeout, "timeout", heartbeat.DefaultTimeout, "staleness threshold (defaults to config)")
}

var heartbeatCmd = &cobra.Command{
	Use:   "heartbeat",
	Short: "Agent liveness records",
}

var heartbeatWriteCmd = &cobra.Command{
	Use:   "write <job-id>",
	Short: "Write or refresh a heartbeat",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		pid := hbWritePID
		if pid == 0 {
			pid = os.Getpid()
		}
		hb, err := a.beats.Write(heartbeat.WriteOpts{
			JobID:     args[0],
			PID:       pid,
			WorkItem:  hbWriteWorkItem,
			Stage:     hbWriteStage,
			Iteration: hbWriteIter,
			Activity:  hbWriteActivity,
		})
		if err != nil {
			return err
		}
		if IsJSONOutput() || IsJSONLOutput() {
			return WriteOutput(os.Stdout, hb)
		}
		fmt.Printf("heartbeat %s refreshed at %s\n", hb.JobID, hb.UpdatedAt.Format(time.RFC3339))
		return nil
	},
}

var heartbeatCheckCmd = &cobra.Command{
	Use:   "check <job-id>",
	Short: "Classify a job as alive, stale, or not found",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		liveness, hb, err := a.beats.Check(args[0], hbCheckTimeout)
		if err != nil {
			return err
		}
		if IsJSONOutput() || IsJSONLOutput() {
			return WriteOutput(os.Stdout, map[string]any{"liveness": liveness, "heartbeat": hb})
		}
		if hb == nil {
			fmt.Printf("%s: %s\n", args[0], liveness)
			return nil
		}
		fmt.Printf("%s: %s (age %s)\n", hb.JobID, liveness, hb.Age(time.Now()).Round(time.Second))
		return nil
	},
}

var heartbeatListCmd = &cobra.Command{
	Use:   "list",
	Short: "List heartbeats with liveness, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		beats, err := a.beats.List()
		if err != nil {
			return err
		}
		liveness, err := a.beats.CheckAll(hbCheckTimeout)
		if err != nil {
			return err
		}
		if IsJSONOutput() || IsJSONLOutput() {
			type entry struct {
				models.Heartbeat
				Liveness models.Liveness `json:"liveness"`
			}
			entries := make([]entry, 0, len(beats))
			for _, hb := range beats {
				entries = append(entries, entry{Heartbeat: hb, Liveness: liveness[hb.JobID]})
			}
			return WriteOutput(os.Stdout, entries)
		}
		if len(beats) == 0 {
			fmt.Println("no heartbeats")
			return nil
		}
		now := time.Now()
		for _, hb := range beats {
			fmt.Printf("%-30s %-8s age %-8s pid %-7d %s\n",
				hb.JobID, liveness[hb.JobID], hb.Age(now).Round(time.Second), hb.PID, hb.Activity)
		}
		return nil
	},
}

var heartbeatClearCmd = &cobra.Command{
	Use:   "clear <job-id>",
	Short: "Remove a heartbeat record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		if err := a.beats.Clear(args[0]); err != nil {
			return err
		}
		fmt.Printf("cleared heartbeat %s\n", args[0])
		return nil
	},
}
