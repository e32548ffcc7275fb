package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/schovi/shellcrew/internal/config"
	"github.com/schovi/shellcrew/internal/daemon"
)

var rootCmd = &cobra.Command{
	Use:   "shellcrew",
	Short: "Terminal session supervisor for teams of AI agents",
	Long: `shellcrew runs interactive terminal sessions (agents, REPLs, SSH, database CLIs)
in a background daemon, keeps their output, restores them after a restart and
delivers scheduled messages into them.

Quick start:
  shellcrew create myshell                       # Start a shell session
  shellcrew exec myshell "echo hello"            # Run command and get output
  shellcrew read myshell                         # Read new output
  shellcrew attach myshell                       # Watch and type live
  shellcrew schedule add myshell "status?" --in 10m  # Type a message in 10 minutes
  shellcrew kill myshell                         # Terminate the session`,
	SilenceUsage: true,
}

var (
	dataDirFlag string
	configFlag  string
)

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dataDirFlag, "data-dir", "", "Data directory (default ~/.shellcrew)")
	rootCmd.PersistentFlags().StringVar(&configFlag, "config", "", "Config file (default <data-dir>/config.toml)")

	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(createCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(infoCmd)
	rootCmd.AddCommand(readCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(execCmd)
	rootCmd.AddCommand(resizeCmd)
	rootCmd.AddCommand(killCmd)
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(attachCmd)
	rootCmd.AddCommand(scheduleCmd)
	rootCmd.AddCommand(projectCmd)
	rootCmd.AddCommand(stateCmd)
	rootCmd.AddCommand(mcpCmd)
	rootCmd.AddCommand(versionCmd)
}

func loadConfig() (*config.Config, error) {
	if configFlag != "" {
		cfg, err := config.LoadFile(config.ExpandHome(configFlag))
		if err != nil {
			return nil, err
		}
		if dataDirFlag != "" {
			// An explicit --data-dir wins over the file.
			override := config.Default(config.ExpandHome(dataDirFlag))
			cfg.Daemon.DataDir = override.Daemon.DataDir
			cfg.Daemon.Socket = override.Daemon.Socket
			cfg.Tmux.Socket = override.Tmux.Socket
			cfg.Persistence.StateFile = override.Persistence.StateFile
			cfg.Scheduler.Database = override.Scheduler.Database
		}
		return cfg, nil
	}
	return config.Load(config.ExpandHome(dataDirFlag))
}

// daemonArgs are the flags a background daemon needs to find the same
// configuration as this process.
func daemonArgs() []string {
	var args []string
	if dataDirFlag != "" {
		args = append(args, "--data-dir", dataDirFlag)
	}
	if configFlag != "" {
		args = append(args, "--config", configFlag)
	}
	return args
}

// connect returns a client for the configured daemon, starting one when
// none answers.
func connect() (*daemon.Client, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	client := newClient(cfg)
	if err := client.EnsureDaemon(); err != nil {
		return nil, fmt.Errorf("daemon: %w", err)
	}
	return client, nil
}

func newClient(cfg *config.Config) *daemon.Client {
	return daemon.NewClient(cfg.Daemon.Socket, daemon.WithDaemonArgs(daemonArgs()...))
}

func newLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("%w: log level %q", config.ErrInvalid, level)
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal output: %w", err)
	}
	fmt.Println(string(data))
	return nil
}
