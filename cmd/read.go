package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/schovi/shellcrew/internal/daemon"
	"github.com/schovi/shellcrew/internal/vterm"
	"github.com/schovi/shellcrew/internal/wait"
)

var readCmd = &cobra.Command{
	Use:   "read <name>",
	Short: "Read output from a session",
	Long: `Read output from a session.

By default, returns new output since last read (instant).
Use --all for all retained output and --screen for the rendered screen.
Use --wait or --settle for blocking read (returns new output).
Use --cursor to keep an independent read position per consumer.`,
	Args: cobra.ExactArgs(1),
	RunE: runRead,
}

var (
	readAllFlag       bool
	readScreenFlag    bool
	readHeadFlag      int
	readTailFlag      int
	readWaitFlag      string
	readSettleFlag    int
	readTimeoutFlag   int
	readStripAnsiFlag bool
	readJsonFlag      bool
	readFollowFlag    bool
	readFollowMsFlag  int
	readCursorFlag    string
)

func init() {
	readCmd.Flags().BoolVar(&readAllFlag, "all", false, "Read all retained output")
	readCmd.Flags().BoolVar(&readScreenFlag, "screen", false, "Read the rendered terminal screen")
	readCmd.Flags().IntVar(&readHeadFlag, "head", 0, "Return first N lines")
	readCmd.Flags().IntVar(&readTailFlag, "tail", 0, "Return last N lines")
	readCmd.Flags().StringVar(&readWaitFlag, "wait", "", "Wait for regex pattern match")
	readCmd.Flags().IntVar(&readSettleFlag, "settle", 0, "Wait for N ms of silence")
	readCmd.Flags().IntVar(&readTimeoutFlag, "timeout", 10, "Max wait time in seconds (for blocking modes)")
	readCmd.Flags().BoolVar(&readStripAnsiFlag, "strip-ansi", false, "Strip ANSI escape codes")
	readCmd.Flags().BoolVar(&readJsonFlag, "json", false, "Output as JSON")
	readCmd.Flags().BoolVarP(&readFollowFlag, "follow", "f", false, "Follow output continuously (like tail -f)")
	readCmd.Flags().IntVar(&readFollowMsFlag, "follow-ms", 100, "Poll interval for --follow in milliseconds")
	readCmd.Flags().StringVar(&readCursorFlag, "cursor", "", "Named cursor for per-consumer read tracking")
}

func runRead(cmd *cobra.Command, args []string) error {
	name := args[0]

	hasWait := readWaitFlag != ""
	hasSettle := readSettleFlag > 0
	blocking := hasWait || hasSettle

	if readAllFlag && readScreenFlag {
		return fmt.Errorf("--all and --screen are mutually exclusive")
	}
	if readHeadFlag > 0 && readTailFlag > 0 {
		return fmt.Errorf("--head and --tail are mutually exclusive")
	}
	if readHeadFlag < 0 || readTailFlag < 0 {
		return fmt.Errorf("--head and --tail require positive integers")
	}
	if (readAllFlag || readScreenFlag) && blocking {
		return fmt.Errorf("--all and --screen cannot be combined with --wait or --settle")
	}
	if hasWait && hasSettle {
		return fmt.Errorf("--wait and --settle are mutually exclusive")
	}

	if readFollowFlag {
		if readAllFlag || readScreenFlag || readHeadFlag > 0 || readTailFlag > 0 || blocking || readJsonFlag {
			return fmt.Errorf("--follow cannot be combined with --all, --screen, --head, --tail, --wait, --settle, or --json")
		}
		return runReadFollow(name)
	}

	client, err := connect()
	if err != nil {
		return err
	}

	var result *daemon.ReadResult
	if blocking {
		result, err = readBlocking(cmd.Context(), client, name)
	} else {
		mode := daemon.ReadModeNew
		switch {
		case readScreenFlag:
			mode = daemon.ReadModeScreen
		case readAllFlag, readHeadFlag > 0, readTailFlag > 0:
			mode = daemon.ReadModeAll
		}
		result, err = client.Read(daemon.ReadRequest{
			Name:      name,
			Mode:      mode,
			Cursor:    readCursorFlag,
			HeadLines: readHeadFlag,
			TailLines: readTailFlag,
			StripANSI: readStripAnsiFlag,
		})
	}
	if err != nil {
		return err
	}

	if readJsonFlag {
		return printJSON(result)
	}
	fmt.Print(result.Output)
	return nil
}

func readBlocking(ctx context.Context, client *daemon.Client, name string) (*daemon.ReadResult, error) {
	var last *daemon.ReadResult
	read := func(context.Context) (string, error) {
		res, err := client.Read(daemon.ReadRequest{Name: name, Mode: daemon.ReadModeNew, Cursor: readCursorFlag})
		if err != nil {
			return "", err
		}
		last = res
		return res.Output, nil
	}

	output, err := wait.ForOutput(ctx, read, wait.Config{
		Pattern: readWaitFlag,
		Settle:  time.Duration(readSettleFlag) * time.Millisecond,
		Timeout: time.Duration(readTimeoutFlag) * time.Second,
	})
	if err != nil {
		return nil, err
	}

	output = daemon.LimitLines(output, readHeadFlag, readTailFlag)
	if readStripAnsiFlag {
		output = vterm.Strip(output, vterm.DefaultStripCols)
	}
	return &daemon.ReadResult{Output: output, Position: last.Position, State: last.State}, nil
}

func runReadFollow(name string) error {
	client, err := connect()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if readFollowMsFlag <= 0 {
		readFollowMsFlag = 100
	}
	ticker := time.NewTicker(time.Duration(readFollowMsFlag) * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			res, err := client.Read(daemon.ReadRequest{
				Name:      name,
				Mode:      daemon.ReadModeNew,
				Cursor:    readCursorFlag,
				StripANSI: readStripAnsiFlag,
			})
			if err != nil {
				return err
			}
			fmt.Print(res.Output)
		}
	}
}
