// Package vterm renders session output through a VT emulator.
package vterm

import (
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/x/vt"
)

// Screen is the emulated terminal of one session. Besides rendering the
// visible screen it produces the replies a real terminal would send to
// capability queries (DA1, DSR and friends); TUI agents block on those.
type Screen struct {
	emu *vt.SafeEmulator

	// Replies are copied from the emulator onto our own pipe. Reading the
	// emulator directly from Answer while Close runs races inside the
	// library.
	replyR   *io.PipeReader
	replyW   *io.PipeWriter
	pumpDone chan struct{}

	closeOnce sync.Once
}

func New(cols, rows int) *Screen {
	pr, pw := io.Pipe()
	s := &Screen{
		emu:      vt.NewSafeEmulator(cols, rows),
		replyR:   pr,
		replyW:   pw,
		pumpDone: make(chan struct{}),
	}
	go s.pump()
	return s
}

func (s *Screen) Write(p []byte) (int, error) {
	return s.emu.Write(p)
}

// String returns the visible text without styling, trailing blank lines
// removed.
func (s *Screen) String() string {
	return trimTrailingEmptyLines(normalize(s.emu.String()))
}

// Render returns the visible screen with ANSI styling.
func (s *Screen) Render() string {
	return normalize(s.emu.Render())
}

func (s *Screen) Resize(cols, rows int) {
	s.emu.Resize(cols, rows)
}

// Answer copies query replies to w until the screen is closed. w is
// normally the session's input.
func (s *Screen) Answer(w io.Writer) {
	buf := make([]byte, 1024)
	for {
		n, err := s.replyR.Read(buf)
		if n > 0 {
			w.Write(buf[:n])
		}
		if err != nil {
			return
		}
	}
}

func (s *Screen) Close() error {
	s.closeOnce.Do(func() {
		s.replyR.Close()

		// Closing the emulator's input pipe ends pump's Read; only then is
		// emu.Close safe.
		if pw, ok := s.emu.InputPipe().(io.Closer); ok {
			pw.Close()
		}
		<-s.pumpDone
		s.emu.Close()
	})
	return nil
}

func (s *Screen) pump() {
	defer close(s.pumpDone)
	buf := make([]byte, 1024)
	for {
		n, err := s.emu.Read(buf)
		if n > 0 {
			if _, werr := s.replyW.Write(buf[:n]); werr != nil {
				return
			}
		}
		if err != nil {
			s.replyW.CloseWithError(err)
			return
		}
	}
}

func normalize(out string) string {
	out = strings.ReplaceAll(out, "\r\n", "\n")
	return strings.ReplaceAll(out, "\r", "")
}

func trimTrailingEmptyLines(s string) string {
	lines := strings.Split(s, "\n")
	last := len(lines) - 1
	for last >= 0 && strings.TrimRight(lines[last], " ") == "" {
		last--
	}
	if last < 0 {
		return ""
	}
	return strings.Join(lines[:last+1], "\n")
}
