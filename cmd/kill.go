package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	killForgetFlag bool
	killJsonFlag   bool
)

func init() {
	killCmd.Flags().BoolVar(&killForgetFlag, "forget", false, "Also discard the session's buffered output")
	killCmd.Flags().BoolVar(&killJsonFlag, "json", false, "Output as JSON")
}

var killCmd = &cobra.Command{
	Use:   "kill <name>",
	Short: "Kill a session",
	Long: `Kill a session: terminates the process and removes it from the saved state,
so it is not restored after a daemon restart.

Its output stays readable until the stopped-session retention expires. Use
--forget to discard it right away. Killing an unknown or exited session is
not an error.`,
	Args: cobra.ExactArgs(1),
	RunE: runKill,
}

func runKill(cmd *cobra.Command, args []string) error {
	name := args[0]

	client, err := connect()
	if err != nil {
		return err
	}

	if err := client.Kill(name, killForgetFlag); err != nil {
		return err
	}

	if killJsonFlag {
		return printJSON(map[string]any{
			"name":   name,
			"status": "killed",
			"forget": killForgetFlag,
		})
	}
	fmt.Printf("Killed session %q\n", name)
	return nil
}
