package session

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/schovi/shellcrew/internal/clock"
)

func newTestManager(t *testing.T, opts ...Option) *Manager {
	t.Helper()
	m, err := NewBackend(Config{Kind: KindPTY, MaxOutput: 1 << 20}, opts...)
	if err != nil {
		t.Fatalf("NewBackend: %v", err)
	}
	t.Cleanup(m.Destroy)
	return m
}

func waitForOutput(t *testing.T, m *Manager, name, contains string) string {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		out, err := m.CaptureOutput(name, 0)
		if err != nil {
			t.Fatalf("capture: %v", err)
		}
		if strings.Contains(out, contains) {
			return out
		}
		time.Sleep(20 * time.Millisecond)
	}
	out, _ := m.CaptureOutput(name, 0)
	t.Fatalf("timed out waiting for %q in output, got: %q", contains, out)
	return ""
}

func waitDone(t *testing.T, s *Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("session %q did not exit", s.Name())
	}
}

func TestPTY_EchoEndToEnd(t *testing.T) {
	m := newTestManager(t)

	sess, err := m.CreateSession("agent-1", Options{Cwd: t.TempDir(), Command: "echo", Args: []string{"hi"}})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	waitDone(t, sess)

	out, err := m.CaptureOutput("agent-1", 10)
	if err != nil {
		t.Fatalf("CaptureOutput: %v", err)
	}
	if !strings.Contains(out, "hi") {
		t.Errorf("output = %q, want to contain 'hi'", out)
	}
	if m.SessionExists("agent-1") {
		t.Error("SessionExists should be false after exit")
	}
	if sess.ExitCode() != 0 {
		t.Errorf("exit code = %d, want 0", sess.ExitCode())
	}
	if info := sess.Info(); info.State != StateExited || info.ExitCode == nil {
		t.Errorf("info = %+v, want exited with code", info)
	}
}

func TestPTY_WritesKeepOrder(t *testing.T) {
	m := newTestManager(t)

	_, err := m.CreateSession("cat", Options{
		Cwd:     t.TempDir(),
		Command: "sh",
		Args:    []string{"-c", "stty raw -echo; echo READY; exec cat"},
	})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	waitForOutput(t, m, "cat", "READY")

	var want strings.Builder
	for i := 0; i < 50; i++ {
		chunk := fmt.Sprintf("<%02d>", i)
		if err := m.Write("cat", []byte(chunk)); err != nil {
			t.Fatalf("Write: %v", err)
		}
		want.WriteString(chunk)
	}

	out := waitForOutput(t, m, "cat", "<49>")
	if !strings.Contains(out, want.String()) {
		t.Errorf("output %q does not contain writes in order", out)
	}
}

func TestPTY_ArgsAndEnvironment(t *testing.T) {
	m := newTestManager(t)
	dir := t.TempDir()

	sess, err := m.CreateSession("env", Options{
		Cwd:     dir,
		Command: "sh",
		Args:    []string{"-c", `echo "foo=$FOO term=$TERM"; pwd; echo '$HOME'`},
		Env:     map[string]string{"FOO": "bar"},
	})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	waitDone(t, sess)

	out, _ := m.CaptureOutput("env", 0)
	for _, want := range []string{"foo=bar", "term=xterm-256color", dir, "$HOME"} {
		if !strings.Contains(out, want) {
			t.Errorf("output %q missing %q", out, want)
		}
	}
}

func TestPTY_CreateRejectsDuplicates(t *testing.T) {
	m := newTestManager(t)
	opts := Options{Cwd: t.TempDir(), Command: "sleep", Args: []string{"30"}}

	var ok atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.CreateSession("dup", opts)
			switch {
			case err == nil:
				ok.Add(1)
			case !errors.Is(err, ErrAlreadyExists):
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if ok.Load() != 1 {
		t.Errorf("%d concurrent creates succeeded, want 1", ok.Load())
	}
}

func TestPTY_CreateValidates(t *testing.T) {
	m := newTestManager(t)

	if _, err := m.CreateSession("bad name", Options{Cwd: t.TempDir(), Command: "echo"}); !errors.Is(err, ErrInvalidName) {
		t.Errorf("bad name error = %v", err)
	}
	if _, err := m.CreateSession("nocmd", Options{Cwd: t.TempDir()}); !errors.Is(err, ErrInvalidOptions) {
		t.Errorf("missing command error = %v", err)
	}
	if _, err := m.CreateSession("nobin", Options{Cwd: t.TempDir(), Command: "/nonexistent/binary"}); !errors.Is(err, ErrBackend) {
		t.Errorf("spawn failure error = %v", err)
	}
	if m.SessionExists("nobin") {
		t.Error("failed spawn left a live session")
	}
}

func TestPTY_KillFiresExitOnce(t *testing.T) {
	m := newTestManager(t)

	sess, err := m.CreateSession("sleeper", Options{Cwd: t.TempDir(), Command: "sleep", Args: []string{"30"}})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	var exits atomic.Int32
	sess.OnExit(func(int) { exits.Add(1) })

	if err := m.KillSession("sleeper"); err != nil {
		t.Fatalf("KillSession: %v", err)
	}
	if m.SessionExists("sleeper") {
		t.Error("session still live after kill")
	}
	if err := m.KillSession("sleeper"); err != nil {
		t.Errorf("second KillSession: %v", err)
	}
	if err := m.KillSession("never-existed"); err != nil {
		t.Errorf("KillSession unknown: %v", err)
	}
	if n := exits.Load(); n != 1 {
		t.Errorf("exit callbacks = %d, want 1", n)
	}

	late := make(chan int, 1)
	sess.OnExit(func(code int) { late <- code })
	select {
	case <-late:
	default:
		t.Error("OnExit after exit should run immediately")
	}

	// A killed session can be recreated under the same name.
	if _, err := m.CreateSession("sleeper", Options{Cwd: t.TempDir(), Command: "sleep", Args: []string{"30"}}); err != nil {
		t.Errorf("recreate after kill: %v", err)
	}
}

func TestPTY_WriteAndResizeUnknown(t *testing.T) {
	m := newTestManager(t)

	if err := m.Write("ghost", []byte("x")); !errors.Is(err, ErrNotFound) {
		t.Errorf("Write error = %v, want ErrNotFound", err)
	}
	if err := m.Resize("ghost", 100, 40); !errors.Is(err, ErrNotFound) {
		t.Errorf("Resize error = %v, want ErrNotFound", err)
	}
	if _, err := m.CaptureOutput("ghost", 5); !errors.Is(err, ErrNotFound) {
		t.Errorf("CaptureOutput error = %v, want ErrNotFound", err)
	}
	if err := m.EnableStreaming("ghost"); !errors.Is(err, ErrNotFound) {
		t.Errorf("EnableStreaming error = %v, want ErrNotFound", err)
	}
}

func TestPTY_Resize(t *testing.T) {
	m := newTestManager(t)

	sess, err := m.CreateSession("sized", Options{
		Cwd:     t.TempDir(),
		Command: "sh",
		Args:    []string{"-c", "read x; stty size"},
	})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if err := m.Resize("sized", 120, 40); err != nil {
		t.Fatalf("Resize: %v", err)
	}
	if info := sess.Info(); info.Cols != 120 || info.Rows != 40 {
		t.Errorf("info size = %dx%d", info.Cols, info.Rows)
	}
	m.Write("sized", []byte("\r"))
	waitForOutput(t, m, "sized", "40 120")
}

func TestPTY_AttachReplaysThenStreams(t *testing.T) {
	m := newTestManager(t)

	sess, err := m.CreateSession("attach", Options{
		Cwd:     t.TempDir(),
		Command: "sh",
		Args:    []string{"-c", "echo first; read x; echo second; read y"},
	})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	waitForOutput(t, m, "attach", "first")

	var mu sync.Mutex
	var replayed, streamed strings.Builder
	detach := sess.Attach(
		func(snapshot []byte) { replayed.Write(snapshot) },
		func(data []byte) {
			mu.Lock()
			streamed.Write(data)
			mu.Unlock()
		},
	)
	defer detach()

	if !strings.Contains(replayed.String(), "first") {
		t.Errorf("replay = %q, want to contain 'first'", replayed.String())
	}

	m.Write("attach", []byte("go\r"))
	waitForOutput(t, m, "attach", "second")

	mu.Lock()
	got := streamed.String()
	mu.Unlock()
	if !strings.Contains(got, "second") {
		t.Errorf("streamed = %q, want to contain 'second'", got)
	}
	if strings.Contains(got, "first") {
		t.Errorf("streamed output repeated the replay: %q", got)
	}
}

func TestPTY_ListAndDestroy(t *testing.T) {
	m := newTestManager(t)
	for _, name := range []string{"b", "a", "c"} {
		if _, err := m.CreateSession(name, Options{Cwd: t.TempDir(), Command: "sleep", Args: []string{"30"}}); err != nil {
			t.Fatalf("CreateSession %s: %v", name, err)
		}
	}

	if got := strings.Join(m.ListSessions(), ","); got != "a,b,c" {
		t.Errorf("ListSessions = %s, want a,b,c", got)
	}
	if infos := m.Sessions(); len(infos) != 3 || infos[0].Name != "a" {
		t.Errorf("Sessions = %+v", infos)
	}

	m.Destroy()
	if got := m.ListSessions(); len(got) != 0 {
		t.Errorf("ListSessions after Destroy = %v", got)
	}
}

func TestManager_PurgesExitedAfterTTL(t *testing.T) {
	fake := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	m, err := NewBackend(Config{Kind: KindPTY, StoppedTTL: time.Hour}, WithClock(fake))
	if err != nil {
		t.Fatalf("NewBackend: %v", err)
	}
	defer m.Destroy()

	sess, err := m.CreateSession("short", Options{Cwd: t.TempDir(), Command: "echo", Args: []string{"bye"}})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	waitDone(t, sess)

	if _, err := m.Session("short"); err != nil {
		t.Fatalf("exited session should be retained: %v", err)
	}

	fake.WaitForTimers(1)
	fake.Advance(30 * time.Minute)
	time.Sleep(50 * time.Millisecond)
	if _, err := m.Session("short"); err != nil {
		t.Fatalf("session purged before its TTL: %v", err)
	}

	fake.Advance(31 * time.Minute)
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := m.Session("short"); errors.Is(err, ErrNotFound) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Error("exited session was not purged after its TTL")
}

func TestNewBackend_UnknownKind(t *testing.T) {
	if _, err := NewBackend(Config{Kind: "screen"}); !errors.Is(err, ErrBackend) {
		t.Errorf("error = %v, want ErrBackend", err)
	}
}
