package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	resizeColsFlag int
	resizeRowsFlag int
	resizeJsonFlag bool
)

func init() {
	resizeCmd.Flags().IntVar(&resizeColsFlag, "cols", 0, "Terminal columns")
	resizeCmd.Flags().IntVar(&resizeRowsFlag, "rows", 0, "Terminal rows")
	resizeCmd.Flags().BoolVar(&resizeJsonFlag, "json", false, "Output as JSON")
}

var resizeCmd = &cobra.Command{
	Use:   "resize <name>",
	Short: "Resize terminal dimensions",
	Long:  `Change the terminal dimensions of a running session. At least one of --cols or --rows must be specified; the other keeps its current value.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runResize,
}

func runResize(cmd *cobra.Command, args []string) error {
	name := args[0]

	if resizeColsFlag <= 0 && resizeRowsFlag <= 0 {
		return fmt.Errorf("at least one of --cols or --rows is required")
	}

	client, err := connect()
	if err != nil {
		return err
	}

	cols, rows := resizeColsFlag, resizeRowsFlag
	if cols <= 0 || rows <= 0 {
		info, err := client.Info(name)
		if err != nil {
			return err
		}
		if cols <= 0 {
			cols = info.Cols
		}
		if rows <= 0 {
			rows = info.Rows
		}
	}

	if err := client.Resize(name, cols, rows); err != nil {
		return err
	}

	if resizeJsonFlag {
		return printJSON(map[string]any{
			"name":   name,
			"status": "resized",
			"cols":   cols,
			"rows":   rows,
		})
	}
	fmt.Printf("Resized session %q to %dx%d\n", name, cols, rows)
	return nil
}
