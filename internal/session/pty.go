package session

import (
	"errors"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"
)

const (
	ReadBufferSize  = 4096
	KillGracePeriod = 100 * time.Millisecond
)

type ptySpawner struct{}

func (*ptySpawner) kind() string { return KindPTY }

func (*ptySpawner) spawn(s *Session) (process, error) {
	opts := s.opts
	cmd := exec.Command(opts.Command, opts.Args...)
	cmd.Dir = opts.Cwd
	cmd.Env = opts.environ(os.Environ())

	// StartWithSize puts the child in a new session with the pty as its
	// controlling terminal, so its pid is also its process group.
	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{
		Cols: uint16(opts.Cols),
		Rows: uint16(opts.Rows),
	})
	if err != nil {
		return nil, err
	}
	return &ptyProcess{cmd: cmd, ptmx: ptmx, exited: make(chan struct{})}, nil
}

type ptyProcess struct {
	cmd  *exec.Cmd
	ptmx *os.File

	closeOnce sync.Once
	exited    chan struct{}
}

func (p *ptyProcess) Pid() int { return p.cmd.Process.Pid }

func (p *ptyProcess) Run(emit func([]byte)) int {
	buf := make([]byte, ReadBufferSize)
	for {
		n, err := p.ptmx.Read(buf)
		if n > 0 {
			emit(buf[:n])
		}
		if err != nil {
			// EIO once the last holder of the slave side is gone, or
			// ErrClosed after Kill.
			break
		}
	}

	p.cmd.Wait()
	close(p.exited)
	p.close()

	if p.cmd.ProcessState == nil {
		return -1
	}
	return p.cmd.ProcessState.ExitCode()
}

func (p *ptyProcess) Write(data []byte) error {
	_, err := p.ptmx.Write(data)
	if errors.Is(err, os.ErrClosed) {
		return errors.New("terminal closed")
	}
	return err
}

func (p *ptyProcess) Resize(cols, rows int) error {
	return pty.Setsize(p.ptmx, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
}

// Kill sends SIGTERM to the process group, hangs up the terminal, and
// follows with SIGKILL if the process is still around after the grace
// period.
func (p *ptyProcess) Kill() {
	pgid := -p.cmd.Process.Pid
	unix.Kill(pgid, unix.SIGTERM)
	p.close()

	select {
	case <-p.exited:
	case <-time.After(KillGracePeriod):
		unix.Kill(pgid, unix.SIGKILL)
	}
}

func (p *ptyProcess) close() {
	p.closeOnce.Do(func() {
		p.ptmx.Close()
	})
}
