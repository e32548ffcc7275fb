package cmd

import (
	"bytes"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/schovi/shellcrew/internal/gateway"
)

// detachKey is ctrl-].
const detachKey = 0x1d

var attachCmd = &cobra.Command{
	Use:   "attach <name>",
	Short: "Attach the terminal to a session",
	Long: `Attach the current terminal to a session through the daemon's websocket
gateway. Output is replayed from the buffer, then streamed live; keystrokes are
forwarded to the session. Press ctrl-] to detach.

Other clients attached to the same session see the input echoed back.`,
	Args: cobra.ExactArgs(1),
	RunE: runAttach,
}

var attachURLFlag string

func init() {
	attachCmd.Flags().StringVar(&attachURLFlag, "url", "", "Gateway websocket URL (default: derived from daemon.listen)")
}

func runAttach(cmd *cobra.Command, args []string) error {
	name := args[0]

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	url := attachURLFlag
	if url == "" {
		if cfg.Daemon.Listen == "" {
			return fmt.Errorf("gateway is disabled (daemon.listen is empty); pass --url")
		}
		url = "ws://" + cfg.Daemon.Listen + "/ws"
	}

	client, err := connect()
	if err != nil {
		return err
	}
	if _, err := client.Info(name); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM)
	defer stop()

	conn, err := gateway.Dial(ctx, url)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := conn.Subscribe(name); err != nil {
		return err
	}

	stdin := int(os.Stdin.Fd())
	if term.IsTerminal(stdin) {
		oldState, err := term.MakeRaw(stdin)
		if err != nil {
			return fmt.Errorf("raw mode: %w", err)
		}
		defer term.Restore(stdin, oldState)

		resize := func() {
			if cols, rows, err := term.GetSize(stdin); err == nil {
				conn.Resize(name, cols, rows)
			}
		}
		resize()
		winch := make(chan os.Signal, 1)
		signal.Notify(winch, syscall.SIGWINCH)
		defer signal.Stop(winch)
		go func() {
			for range winch {
				resize()
			}
		}()
	}

	detached := make(chan struct{})
	go forwardInput(conn, name, detached)

	received := make(chan error, 1)
	go func() {
		received <- receiveOutput(conn)
	}()

	select {
	case <-detached:
		fmt.Fprint(os.Stderr, "\r\n[detached]\r\n")
		return nil
	case <-ctx.Done():
		return nil
	case err := <-received:
		return err
	}
}

// forwardInput copies stdin to the session until the detach key or EOF.
func forwardInput(conn *gateway.Conn, name string, detached chan<- struct{}) {
	defer close(detached)
	buf := make([]byte, 1024)
	for {
		n, err := os.Stdin.Read(buf)
		if n > 0 {
			data := buf[:n]
			if i := bytes.IndexByte(data, detachKey); i >= 0 {
				if i > 0 {
					conn.Input(name, data[:i])
				}
				return
			}
			if err := conn.Input(name, append([]byte(nil), data...)); err != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// receiveOutput writes session output to stdout until the session ends or
// the connection drops.
func receiveOutput(conn *gateway.Conn) error {
	for {
		msg, err := conn.Receive()
		if err != nil {
			return fmt.Errorf("gateway: %w", err)
		}
		switch msg.Type {
		case gateway.TypeInitialState, gateway.TypeOutput:
			os.Stdout.Write(msg.Data)
		case gateway.TypeSessionEnded:
			if msg.ExitCode != nil {
				fmt.Fprintf(os.Stderr, "\r\n[session %s exited with code %d]\r\n", msg.Session, *msg.ExitCode)
			} else {
				fmt.Fprintf(os.Stderr, "\r\n[session %s ended]\r\n", msg.Session)
			}
			return nil
		case gateway.TypeError:
			return fmt.Errorf("gateway: %s", msg.Error)
		}
	}
}
