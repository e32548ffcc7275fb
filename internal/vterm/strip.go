package vterm

import (
	"io"
	"regexp"
	"strings"

	"github.com/charmbracelet/x/ansi"
	"github.com/charmbracelet/x/vt"
)

const DefaultStripCols = 200

var cursorMovement = regexp.MustCompile(`\x1b\[\d*;?\d*[HFfGdABCD]`)

// Strip removes escape sequences from s. Output that moves the cursor
// around is replayed through a scratch emulator so overwritten text does not
// leak through; plain colored output takes the fast path.
func Strip(s string, cols int) string {
	if s == "" {
		return ""
	}
	if cols <= 0 {
		cols = DefaultStripCols
	}

	if !cursorMovement.MatchString(s) {
		return strings.ReplaceAll(ansi.Strip(s), "\r", "")
	}

	rows := min(strings.Count(s, "\n")+100, 5000)
	emu := vt.NewEmulator(cols, rows)

	// Query replies must be drained or the emulator blocks.
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		io.Copy(io.Discard, emu) //nolint:errcheck
	}()

	emu.WriteString(onlcr(s))
	out := emu.String()
	if pw, ok := emu.InputPipe().(io.Closer); ok {
		pw.Close()
	}
	<-drained
	emu.Close()

	return trimTrailingEmptyLines(normalize(out))
}

// onlcr turns bare \n into \r\n the way a tty line discipline does; the
// emulator treats \n as a pure line feed.
func onlcr(s string) string {
	if !strings.Contains(s, "\n") {
		return s
	}
	var b strings.Builder
	b.Grow(len(s) + 32)
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' && (i == 0 || s[i-1] != '\r') {
			b.WriteByte('\r')
		}
		b.WriteByte(s[i])
	}
	return b.String()
}
