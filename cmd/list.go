package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List all sessions",
	Args:  cobra.NoArgs,
	RunE:  runList,
}

var listJsonFlag bool

func init() {
	listCmd.Flags().BoolVar(&listJsonFlag, "json", false, "Output as JSON")
}

func runList(cmd *cobra.Command, args []string) error {
	client, err := connect()
	if err != nil {
		return err
	}

	sessions, err := client.List()
	if err != nil {
		return err
	}

	if listJsonFlag {
		return printJSON(sessions)
	}
	if len(sessions) == 0 {
		fmt.Println("No sessions")
		return nil
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tSTATE\tPID\tBACKEND\tCOMMAND")
	for _, s := range sessions {
		state := string(s.State)
		if s.ExitCode != nil {
			state = fmt.Sprintf("%s (%d)", s.State, *s.ExitCode)
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", s.Name, state, s.PID, s.Backend, s.Command)
	}
	return tw.Flush()
}
