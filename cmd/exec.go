package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/schovi/shellcrew/internal/daemon"
	"github.com/schovi/shellcrew/internal/vterm"
	"github.com/schovi/shellcrew/internal/wait"
)

var execCmd = &cobra.Command{
	Use:   "exec <name> <input>",
	Short: "Send command and wait for result",
	Long: `Send a command to a session and wait for the result.

Sends the input as literal text with a newline appended, then waits for output
to settle. Escape sequences like \n are NOT interpreted - they're passed to
the shell as-is (the shell may interpret them, e.g., echo -e).

For precise control over escape sequences, use 'send' instead.

By default waits for 500ms of silence. Use --wait for pattern matching.`,
	Args: cobra.MinimumNArgs(2),
	RunE: runExec,
}

// execCursor keeps exec's view of the output apart from plain reads.
const execCursor = "cli-exec"

var (
	execWaitFlag      string
	execSettleFlag    int
	execTimeoutFlag   int
	execStripAnsiFlag bool
	execJsonFlag      bool
)

func init() {
	execCmd.Flags().StringVar(&execWaitFlag, "wait", "", "Wait for regex pattern match")
	execCmd.Flags().IntVar(&execSettleFlag, "settle", 500, "Wait for N ms of silence")
	execCmd.Flags().IntVar(&execTimeoutFlag, "timeout", 10, "Max wait time in seconds")
	execCmd.Flags().BoolVar(&execStripAnsiFlag, "strip-ansi", false, "Strip ANSI escape codes")
	execCmd.Flags().BoolVar(&execJsonFlag, "json", false, "Output as JSON")
}

func runExec(cmd *cobra.Command, args []string) error {
	name := args[0]
	input := strings.Join(args[1:], " ")

	hasWait := execWaitFlag != ""
	if hasWait && cmd.Flags().Changed("settle") {
		return fmt.Errorf("--wait and --settle are mutually exclusive")
	}

	client, err := connect()
	if err != nil {
		return err
	}

	if _, err := client.Read(daemon.ReadRequest{Name: name, Mode: daemon.ReadModeNew, Cursor: execCursor}); err != nil {
		return err
	}
	if err := client.Send(name, []byte(input), true); err != nil {
		return err
	}

	cfg := wait.Config{Timeout: time.Duration(execTimeoutFlag) * time.Second}
	if hasWait {
		cfg.Pattern = execWaitFlag
	} else {
		cfg.Settle = time.Duration(execSettleFlag) * time.Millisecond
	}

	read := func(context.Context) (string, error) {
		res, err := client.Read(daemon.ReadRequest{Name: name, Mode: daemon.ReadModeNew, Cursor: execCursor})
		if err != nil {
			return "", err
		}
		return res.Output, nil
	}
	output, err := wait.ForOutput(cmd.Context(), read, cfg)
	if err != nil {
		return err
	}

	if execStripAnsiFlag {
		output = vterm.Strip(output, vterm.DefaultStripCols)
	}

	if execJsonFlag {
		return printJSON(map[string]any{
			"input":  input,
			"output": output,
		})
	}
	fmt.Print(output)
	return nil
}
