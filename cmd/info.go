package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var infoJsonFlag bool

func init() {
	infoCmd.Flags().BoolVar(&infoJsonFlag, "json", false, "Output as JSON")
}

var infoCmd = &cobra.Command{
	Use:   "info <name>",
	Short: "Show detailed session information",
	Long:  `Display detailed information about a session including state, PID, command, buffer size, terminal dimensions and agent runtime.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runInfo,
}

func runInfo(cmd *cobra.Command, args []string) error {
	client, err := connect()
	if err != nil {
		return err
	}

	info, err := client.Info(args[0])
	if err != nil {
		return err
	}

	if infoJsonFlag {
		return printJSON(info)
	}

	fmt.Printf("Session: %s\n", info.Name)
	fmt.Printf("Backend: %s\n", info.Backend)
	fmt.Printf("State:   %s\n", info.State)
	if info.ExitCode != nil {
		fmt.Printf("Exit:    %d\n", *info.ExitCode)
	}
	fmt.Printf("PID:     %d\n", info.PID)
	fmt.Printf("Command: %s\n", strings.Join(append([]string{info.Command}, info.Args...), " "))
	fmt.Printf("Cwd:     %s\n", info.Cwd)
	fmt.Printf("Created: %s\n", info.CreatedAt.Format(time.RFC3339))
	end := time.Now()
	if info.ExitedAt != nil {
		fmt.Printf("Exited:  %s\n", info.ExitedAt.Format(time.RFC3339))
		end = *info.ExitedAt
	}
	fmt.Printf("Uptime:  %s\n", formatDuration(end.Sub(info.CreatedAt)))
	fmt.Printf("Buffer:  %d bytes (%d written)\n", info.Buffered, info.Written)
	fmt.Printf("ReadPos: %d\n", info.ReadPosition)
	fmt.Printf("Size:    %dx%d\n", info.Cols, info.Rows)
	if info.Persisted {
		fmt.Printf("Runtime: %s\n", valueOr(info.RuntimeType, "-"))
		fmt.Printf("Role:    %s\n", valueOr(info.Role, "-"))
		fmt.Printf("Team:    %s\n", valueOr(info.TeamID, "-"))
	}
	return nil
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh%dm%ds", int(d.Hours()), int(d.Minutes())%60, int(d.Seconds())%60)
}

func valueOr(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
