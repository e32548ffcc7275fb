package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/schovi/shellcrew/internal/escape"
)

var sendCmd = &cobra.Command{
	Use:   "send <name> [input...]",
	Short: "Send raw input to a session",
	Long: `Send raw input to a session. Low-level command for precise control.

Each argument is sent as a separate write to the terminal.
Escape sequences are always interpreted. No newline is added automatically.

Escape sequences:
  \x00-\xFF  Hex byte (e.g., \x03 for Ctrl+C)
  \n         Newline (LF)
  \r         Carriage return (CR)
  \t         Tab
  \e         Escape (ASCII 27)
  \a \b      Bell, backspace
  \\         Literal backslash
  \0         Null byte

Named keys can be sent with --key, after any inputs:
  ` + strings.Join(escape.Keys(), ", ") + `

Examples:
  shellcrew send session "ls -la\n"      # command with newline
  shellcrew send session "hello" "\r"    # TUI: type "hello", then Enter (separate writes)
  shellcrew send session "\x03"          # send Ctrl+C
  shellcrew send session --key ctrl-d    # send Ctrl+D (EOF)
  shellcrew send session --key up --key enter`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSend,
}

var sendKeyFlag []string

func init() {
	sendCmd.Flags().StringArrayVar(&sendKeyFlag, "key", nil, "Named key to send (repeatable)")
}

func runSend(cmd *cobra.Command, args []string) error {
	name := args[0]
	inputs := args[1:]

	if len(inputs) == 0 && len(sendKeyFlag) == 0 {
		return fmt.Errorf("nothing to send: pass an input or --key")
	}

	var writes [][]byte
	for _, input := range inputs {
		interpreted, err := escape.Interpret(input)
		if err != nil {
			return fmt.Errorf("escape sequence error: %w", err)
		}
		writes = append(writes, interpreted)
	}
	for _, key := range sendKeyFlag {
		data, err := escape.Key(key)
		if err != nil {
			return err
		}
		writes = append(writes, data)
	}

	client, err := connect()
	if err != nil {
		return err
	}

	totalBytes := 0
	for _, data := range writes {
		if err := client.Send(name, data, false); err != nil {
			return err
		}
		totalBytes += len(data)
	}

	if len(writes) == 1 {
		fmt.Printf("Sent to %q (%d bytes)\n", name, totalBytes)
	} else {
		fmt.Printf("Sent %d inputs to %q (%d bytes total)\n", len(writes), name, totalBytes)
	}
	return nil
}
