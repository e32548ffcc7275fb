package cmd

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/schovi/shellcrew/internal/daemon"
	"github.com/schovi/shellcrew/internal/schedule"
)

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Manage scheduled messages",
	Long: `Schedule messages to be typed into a session after a delay, once or on repeat.

The target is a session name, a team id, or an alias from the config file.
The orchestrator alias resolves to the team's orchestrator session.`,
}

var scheduleAddCmd = &cobra.Command{
	Use:   "add <target> <message>",
	Short: "Schedule a message",
	Long: `Schedule a message for delivery to a target.

Delays are a whole number followed by s, m or h:
  shellcrew schedule add agent-1 "status report please" --in 10m
  shellcrew schedule add orchestrator "check the queue" --every 1h`,
	Args: cobra.ExactArgs(2),
	RunE: runScheduleAdd,
}

var scheduleListCmd = &cobra.Command{
	Use:   "list",
	Short: "List scheduled messages",
	Args:  cobra.NoArgs,
	RunE:  runScheduleList,
}

var scheduleCancelCmd = &cobra.Command{
	Use:   "cancel <id>",
	Short: "Deactivate a scheduled message",
	Args:  cobra.ExactArgs(1),
	RunE:  runScheduleCancel,
}

var scheduleCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Deactivate messages whose project no longer exists",
	Args:  cobra.NoArgs,
	RunE:  runScheduleCleanup,
}

var scheduleLogsCmd = &cobra.Command{
	Use:   "logs [id]",
	Short: "Show delivery history",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runScheduleLogs,
}

var (
	scheduleInFlag      string
	scheduleEveryFlag   string
	scheduleNameFlag    string
	scheduleProjectFlag string
	scheduleForgetFlag  bool
	scheduleSinceFlag   time.Duration
	scheduleLimitFlag   int
	scheduleJsonFlag    bool
)

func init() {
	scheduleAddCmd.Flags().StringVar(&scheduleInFlag, "in", "", "Deliver once after this delay (e.g. 30s, 10m, 2h)")
	scheduleAddCmd.Flags().StringVar(&scheduleEveryFlag, "every", "", "Deliver repeatedly at this interval")
	scheduleAddCmd.Flags().StringVar(&scheduleNameFlag, "name", "", "Label for the message (default: target)")
	scheduleAddCmd.Flags().StringVar(&scheduleProjectFlag, "project", "", "Project the message belongs to")
	scheduleCancelCmd.Flags().BoolVar(&scheduleForgetFlag, "forget", false, "Delete the message instead of deactivating it")
	scheduleLogsCmd.Flags().DurationVar(&scheduleSinceFlag, "since", 0, "Only show deliveries from this long ago")
	scheduleLogsCmd.Flags().IntVar(&scheduleLimitFlag, "limit", 50, "Maximum number of entries")

	for _, c := range []*cobra.Command{scheduleAddCmd, scheduleListCmd, scheduleCleanupCmd, scheduleLogsCmd} {
		c.Flags().BoolVar(&scheduleJsonFlag, "json", false, "Output as JSON")
	}

	scheduleCmd.AddCommand(scheduleAddCmd, scheduleListCmd, scheduleCancelCmd, scheduleCleanupCmd, scheduleLogsCmd)
}

func runScheduleAdd(cmd *cobra.Command, args []string) error {
	if (scheduleInFlag == "") == (scheduleEveryFlag == "") {
		return fmt.Errorf("exactly one of --in or --every is required")
	}
	delay, recurring := scheduleInFlag, false
	if scheduleEveryFlag != "" {
		delay, recurring = scheduleEveryFlag, true
	}
	amount, unit, err := parseDelay(delay)
	if err != nil {
		return err
	}
	if recurring && amount == 0 {
		return fmt.Errorf("--every must be greater than zero")
	}

	client, err := connect()
	if err != nil {
		return err
	}

	msg, err := client.ScheduleAdd(schedule.Message{
		Name:        scheduleNameFlag,
		Target:      args[0],
		ProjectID:   scheduleProjectFlag,
		Body:        args[1],
		DelayAmount: amount,
		DelayUnit:   unit,
		Recurring:   recurring,
	})
	if err != nil {
		return err
	}

	if scheduleJsonFlag {
		return printJSON(msg)
	}
	kind := "once in"
	if msg.Recurring {
		kind = "every"
	}
	fmt.Printf("Scheduled %s for %q %s %d %s\n", msg.ID, msg.Target, kind, msg.DelayAmount, msg.DelayUnit)
	return nil
}

// parseDelay splits "10m" into an amount and a unit.
func parseDelay(s string) (int, schedule.Unit, error) {
	s = strings.TrimSpace(s)
	if len(s) < 2 {
		return 0, "", fmt.Errorf("invalid delay %q: want a number followed by s, m or h", s)
	}
	var unit schedule.Unit
	switch s[len(s)-1] {
	case 's':
		unit = schedule.Seconds
	case 'm':
		unit = schedule.Minutes
	case 'h':
		unit = schedule.Hours
	default:
		return 0, "", fmt.Errorf("invalid delay %q: want a number followed by s, m or h", s)
	}
	amount, err := strconv.Atoi(s[:len(s)-1])
	if err != nil || amount < 0 {
		return 0, "", fmt.Errorf("invalid delay %q: want a number followed by s, m or h", s)
	}
	return amount, unit, nil
}

func runScheduleList(cmd *cobra.Command, args []string) error {
	client, err := connect()
	if err != nil {
		return err
	}

	entries, err := client.ScheduleList()
	if err != nil {
		return err
	}

	if scheduleJsonFlag {
		return printJSON(entries)
	}
	if len(entries) == 0 {
		fmt.Println("No scheduled messages")
		return nil
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tTARGET\tDELAY\tSTATUS\tLAST RUN")
	for _, e := range entries {
		delay := fmt.Sprintf("%d %s", e.DelayAmount, e.DelayUnit)
		if e.Recurring {
			delay = "every " + delay
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", e.ID, e.Name, e.Target, delay, entryStatus(e), formatLastRun(e.LastRun))
	}
	return tw.Flush()
}

func entryStatus(e daemon.ScheduleEntry) string {
	switch {
	case e.Armed:
		return "armed"
	case e.Active:
		return "active"
	default:
		return "inactive"
	}
}

func formatLastRun(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format(time.DateTime)
}

func runScheduleCancel(cmd *cobra.Command, args []string) error {
	client, err := connect()
	if err != nil {
		return err
	}
	if err := client.ScheduleCancel(args[0], scheduleForgetFlag); err != nil {
		return err
	}
	if scheduleForgetFlag {
		fmt.Printf("Deleted scheduled message %s\n", args[0])
	} else {
		fmt.Printf("Cancelled scheduled message %s\n", args[0])
	}
	return nil
}

func runScheduleCleanup(cmd *cobra.Command, args []string) error {
	client, err := connect()
	if err != nil {
		return err
	}
	n, err := client.ScheduleCleanup()
	if err != nil {
		return err
	}
	if scheduleJsonFlag {
		return printJSON(map[string]int{"deactivated": n})
	}
	fmt.Printf("Deactivated %d orphaned messages\n", n)
	return nil
}

func runScheduleLogs(cmd *cobra.Command, args []string) error {
	req := daemon.LogsRequest{Limit: scheduleLimitFlag}
	if len(args) == 1 {
		req.MessageID = args[0]
	}
	if scheduleSinceFlag > 0 {
		req.Since = time.Now().Add(-scheduleSinceFlag)
	}

	client, err := connect()
	if err != nil {
		return err
	}
	logs, err := client.DeliveryLogs(req)
	if err != nil {
		return err
	}

	if scheduleJsonFlag {
		return printJSON(logs)
	}
	if len(logs) == 0 {
		fmt.Println("No deliveries")
		return nil
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tNAME\tTARGET\tRESULT")
	for _, l := range logs {
		result := "ok"
		if !l.Success {
			result = "failed: " + l.Error
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", l.Timestamp.Local().Format(time.DateTime), l.Name, l.Target, result)
	}
	return tw.Flush()
}
