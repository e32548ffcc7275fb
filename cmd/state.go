package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Inspect and save the session state file",
}

var stateSaveCmd = &cobra.Command{
	Use:   "save",
	Short: "Write the session state file now",
	Long: `Write the session state file now instead of waiting for the next autosave.
The file lists every registered session so the daemon can recreate them
after a restart.`,
	Args: cobra.NoArgs,
	RunE: runStateSave,
}

var statePathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the session state file location",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		fmt.Println(cfg.Persistence.StateFile)
		return nil
	},
}

func init() {
	stateCmd.AddCommand(stateSaveCmd, statePathCmd)
}

func runStateSave(cmd *cobra.Command, args []string) error {
	client, err := connect()
	if err != nil {
		return err
	}
	n, err := client.SaveState()
	if err != nil {
		return err
	}
	fmt.Printf("Saved %d sessions\n", n)
	return nil
}
