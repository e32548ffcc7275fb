package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/schovi/shellcrew/internal/daemon"
)

var createCmd = &cobra.Command{
	Use:   "create <name> [-- command args...]",
	Short: "Create a new interactive session",
	Long: `Create a new interactive session.

The command defaults to $SHELL. Pass a program and its arguments after --:
  shellcrew create agent-1 --runtime claude-code --role worker -- claude --model opus`,
	Args: cobra.MinimumNArgs(1),
	RunE: runCreate,
}

var (
	createCmdFlag     string
	createCwdFlag     string
	createEnvFlag     map[string]string
	createColsFlag    int
	createRowsFlag    int
	createRuntimeFlag string
	createRoleFlag    string
	createTeamFlag    string
	createJsonFlag    bool
)

func init() {
	createCmd.Flags().StringVar(&createCmdFlag, "cmd", "", "Command to run (default: $SHELL)")
	createCmd.Flags().StringVar(&createCwdFlag, "cwd", "", "Working directory (default: current directory)")
	createCmd.Flags().StringToStringVar(&createEnvFlag, "env", nil, "Extra environment variables (KEY=VALUE,...)")
	createCmd.Flags().IntVar(&createColsFlag, "cols", 0, "Terminal columns")
	createCmd.Flags().IntVar(&createRowsFlag, "rows", 0, "Terminal rows")
	createCmd.Flags().StringVar(&createRuntimeFlag, "runtime", "", "Agent runtime in the session (claude-code, codex, ...)")
	createCmd.Flags().StringVar(&createRoleFlag, "role", "", "Role of the agent in its team")
	createCmd.Flags().StringVar(&createTeamFlag, "team", "", "Team id the session belongs to")
	createCmd.Flags().BoolVar(&createJsonFlag, "json", false, "Output as JSON")
}

func runCreate(cmd *cobra.Command, args []string) error {
	name := args[0]
	command := createCmdFlag
	var cmdArgs []string
	if rest := args[1:]; len(rest) > 0 {
		if command != "" {
			return fmt.Errorf("--cmd and a command after -- are mutually exclusive")
		}
		command, cmdArgs = rest[0], rest[1:]
	}

	client, err := connect()
	if err != nil {
		return err
	}

	info, err := client.Create(name, daemon.CreateOptions{
		Command:     command,
		Args:        cmdArgs,
		Env:         createEnvFlag,
		Cwd:         createCwdFlag,
		Cols:        createColsFlag,
		Rows:        createRowsFlag,
		RuntimeType: createRuntimeFlag,
		Role:        createRoleFlag,
		TeamID:      createTeamFlag,
	})
	if err != nil {
		return err
	}

	if createJsonFlag {
		return printJSON(info)
	}
	fmt.Printf("Created session %q (pid: %d, cmd: %s, backend: %s)\n", info.Name, info.PID, info.Command, info.Backend)
	return nil
}
