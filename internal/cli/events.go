package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/stagehand-dev/stagehand/internal/models"
)

var (
	publishAttrs []string

	tailConsumer string
	tailFrom     int64
	tailCommit   bool
)

func init() {
	rootCmd.AddCommand(eventsCmd)
	eventsCmd.AddCommand(eventsPublishCmd)
	eventsCmd.AddCommand(eventsTailCmd)
	eventsCmd.AddCommand(eventsCommitCmd)
	eventsCmd.AddCommand(eventsDLQCmd)
	eventsCmd.AddCommand(eventsCompactCmd)
	eventsCmd.AddCommand(eventsStatusCmd)

	eventsPublishCmd.Flags().StringSliceVar(&publishAttrs, "attr", nil, "event attribute as key=value (repeatable)")

	eventsTailCmd.Flags().StringVar(&tailConsumer, "consumer", "", "resume from this consumer's committed offset")
	eventsTailCmd.Flags().Int64Var(&tailFrom, "from", 0, "resume after this sequence number")
	eventsTailCmd.Flags().BoolVar(&tailCommit, "commit", false, "commit the last delivered offset for --consumer")
}

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Publish and consume the durable event log",
}

var eventsPublishCmd = &cobra.Command{
	Use:   "publish <type>",
	Short: "Append an event to the log",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		attrs, err := parseAttrs(publishAttrs)
		if err != nil {
			return err
		}
		ev, err := a.events.Publish(args[0], attrs)
		if err != nil {
			return err
		}
		if IsJSONOutput() || IsJSONLOutput() {
			return WriteOutput(os.Stdout, ev)
		}
		fmt.Printf("published seq %d: %s\n", ev.Seq, ev.Type)
		return nil
	},
}

var eventsTailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Read events past an offset",
	Long: `Read events past an offset. With --consumer, resume from that
consumer's committed offset; add --commit to advance the offset past the last
event delivered. Malformed log lines are quarantined to the dead-letter queue
and skipped.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}

		from := tailFrom
		if tailConsumer != "" {
			offsets, err := a.events.Offsets()
			if err != nil {
				return err
			}
			if committed, ok := offsets[tailConsumer]; ok && committed > from {
				from = committed
			}
		}

		cursor, err := a.events.Consume(from)
		if err != nil {
			return err
		}
		defer cursor.Close()

		var last int64
		var delivered []models.Event
		for {
			ev, err := cursor.Next()
			if err != nil {
				return err
			}
			if ev == nil {
				break
			}
			last = ev.Seq
			if IsJSONLOutput() {
				if err := WriteOutput(os.Stdout, ev); err != nil {
					return err
				}
			} else if IsJSONOutput() {
				delivered = append(delivered, *ev)
			} else {
				fmt.Println(formatEvent(ev))
			}
		}
		if IsJSONOutput() {
			if err := WriteOutput(os.Stdout, delivered); err != nil {
				return err
			}
		}

		if tailCommit {
			if tailConsumer == "" {
				return fmt.Errorf("--commit requires --consumer")
			}
			if last > from {
				return a.events.CommitOffset(tailConsumer, last)
			}
		}
		return nil
	},
}

var eventsCommitCmd = &cobra.Command{
	Use:   "commit <consumer> <offset>",
	Short: "Record a consumer's processed offset",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		var offset int64
		if _, err := fmt.Sscanf(args[1], "%d", &offset); err != nil {
			return fmt.Errorf("offset must be an integer: %q", args[1])
		}
		if err := a.events.CommitOffset(args[0], offset); err != nil {
			return err
		}
		fmt.Printf("committed offset %d for %s\n", offset, args[0])
		return nil
	},
}

var eventsDLQCmd = &cobra.Command{
	Use:   "dlq",
	Short: "List quarantined dead-letter events",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		letters, err := a.events.DeadLetters()
		if err != nil {
			return err
		}
		if IsJSONOutput() || IsJSONLOutput() {
			return WriteOutput(os.Stdout, letters)
		}
		if len(letters) == 0 {
			fmt.Println("dead-letter queue is empty")
			return nil
		}
		for _, dl := range letters {
			fmt.Printf("%s  %s  %s\n", dl.QuarantinedAt.Format("2006-01-02 15:04:05"), dl.Reason, firstLine(dl.Raw))
		}
		return nil
	},
}

var eventsCompactCmd = &cobra.Command{
	Use:   "compact",
	Short: "Drop retired events the retention policy allows",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		dropped, err := a.events.Compact()
		if err != nil {
			return err
		}
		fmt.Printf("dropped %d event(s)\n", dropped)
		return nil
	},
}

var eventsStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show log size, age bounds, and consumer lag",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		status, err := a.events.Status()
		if err != nil {
			return err
		}
		if IsJSONOutput() || IsJSONLOutput() {
			return WriteOutput(os.Stdout, status)
		}
		fmt.Printf("records: %d (%d bytes), newest seq %d\n", status.Records, status.SizeBytes, status.NewestSeq)
		if status.Oldest != nil && status.Newest != nil {
			fmt.Printf("span: %s .. %s\n", status.Oldest.Format("2006-01-02 15:04:05"), status.Newest.Format("2006-01-02 15:04:05"))
		}
		for consumer, lag := range status.Lag {
			fmt.Printf("consumer %s: %d behind\n", consumer, lag)
		}
		if status.DeadCount > 0 {
			fmt.Printf("dead letters: %d\n", status.DeadCount)
		}
		return nil
	},
}

func parseAttrs(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	attrs := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("attribute must be key=value: %q", pair)
		}
		attrs[key] = value
	}
	return attrs, nil
}

func formatEvent(ev *models.Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%-6d %s  %s", ev.Seq, ev.Timestamp.Format("2006-01-02 15:04:05"), ev.Type)
	for key, value := range ev.Attrs {
		fmt.Fprintf(&b, " %s=%s", key, value)
	}
	return b.String()
}

func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		return s[:idx]
	}
	return s
}
