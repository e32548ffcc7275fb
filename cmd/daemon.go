package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/schovi/shellcrew/internal/config"
	"github.com/schovi/shellcrew/internal/daemon"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the shellcrew daemon in the foreground",
	Long: `Run the daemon that owns every session, the scheduler and the terminal gateway.

Other commands start it in the background on demand, so running it by hand is
only needed for debugging or under a service manager.`,
	Args: cobra.NoArgs,
	RunE: runDaemon,
}

var (
	daemonMaxOutputFlag string
	daemonBackendFlag   string
	daemonListenFlag    string
	daemonLogLevelFlag  string
)

func init() {
	daemonCmd.Flags().StringVar(&daemonMaxOutputFlag, "max-output", "",
		"Maximum output buffer size per session (e.g., 10MB, 1GB)")
	daemonCmd.Flags().StringVar(&daemonBackendFlag, "backend", "", "Session backend: pty or tmux")
	daemonCmd.Flags().StringVar(&daemonListenFlag, "listen", "", "Terminal gateway address (\"off\" disables it)")
	daemonCmd.Flags().StringVar(&daemonLogLevelFlag, "log-level", "", "debug, info, warn or error")
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := applyDaemonFlags(cfg); err != nil {
		return err
	}

	logger, err := newLogger(os.Stderr, cfg.Daemon.LogLevel, cfg.Daemon.LogFormat)
	if err != nil {
		return err
	}

	d, err := daemon.New(cfg, daemon.WithDaemonLogger(logger))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return d.Run(ctx)
}

func applyDaemonFlags(cfg *config.Config) error {
	if daemonMaxOutputFlag != "" {
		size, err := config.ParseSize(daemonMaxOutputFlag)
		if err != nil {
			return fmt.Errorf("invalid --max-output: %w", err)
		}
		cfg.Sessions.MaxOutput = size
	}
	if daemonBackendFlag != "" {
		cfg.Sessions.Backend = daemonBackendFlag
	}
	switch daemonListenFlag {
	case "":
	case "off":
		cfg.Daemon.Listen = ""
	default:
		cfg.Daemon.Listen = daemonListenFlag
	}
	if daemonLogLevelFlag != "" {
		cfg.Daemon.LogLevel = daemonLogLevelFlag
	}
	return cfg.Validate()
}
