package daemon

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/schovi/shellcrew/internal/persist"
	"github.com/schovi/shellcrew/internal/schedule"
	"github.com/schovi/shellcrew/internal/session"
	"github.com/schovi/shellcrew/internal/store"
)

type testServer struct {
	client    *Client
	sessions  *session.Manager
	state     *persist.Store
	scheduler *schedule.Scheduler
}

func setupTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()

	tmpDir := t.TempDir()

	sessions, err := session.NewBackend(session.Config{
		Kind:       session.KindPTY,
		MaxOutput:  1024 * 1024,
		StoppedTTL: time.Hour,
		Cols:       80,
		Rows:       24,
	})
	if err != nil {
		t.Fatalf("NewBackend: %v", err)
	}
	st, err := store.Open(filepath.Join(tmpDir, "test.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	state := persist.New(filepath.Join(tmpDir, "state.json"))
	sched := schedule.New(st, sessions, schedule.WithPause(0))

	ctx, cancel := context.WithCancel(context.Background())
	if err := sched.Start(ctx); err != nil {
		t.Fatalf("scheduler start: %v", err)
	}

	srv := NewServer(filepath.Join(tmpDir, "d.sock"), Deps{
		Sessions:  sessions,
		State:     state,
		Scheduler: sched,
		Store:     st,
	})

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	client := NewClient(srv.SocketPath())

	deadline := time.Now().Add(2 * time.Second)
	for !client.Ping() {
		if time.Now().After(deadline) {
			t.Fatal("server did not start in time")
		}
		time.Sleep(10 * time.Millisecond)
	}

	cleanup := func() {
		srv.Shutdown()
		select {
		case err := <-errCh:
			if err != nil {
				t.Errorf("server error: %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Error("server did not shut down in time")
		}
		sched.Stop()
		cancel()
		sessions.Destroy()
		st.Close()
	}

	return &testServer{client: client, sessions: sessions, state: state, scheduler: sched}, cleanup
}

func readAll(t *testing.T, client *Client, name string) string {
	t.Helper()
	result, err := client.Read(ReadRequest{Name: name, Mode: ReadModeAll})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return result.Output
}

func waitForOutput(t *testing.T, client *Client, name string, contains string) string {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		output := readAll(t, client, name)
		if strings.Contains(output, contains) {
			return output
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %q in output, got: %q", contains, readAll(t, client, name))
	return ""
}

func findSession(infos []session.Info, name string) (session.Info, bool) {
	for _, info := range infos {
		if info.Name == name {
			return info, true
		}
	}
	return session.Info{}, false
}

func TestLifecycle(t *testing.T) {
	ts, cleanup := setupTestServer(t)
	defer cleanup()
	client := ts.client

	t.Run("create session", func(t *testing.T) {
		info, err := client.Create("test1", CreateOptions{Command: "sh", RuntimeType: "claude-code", Role: "worker"})
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		if info.Name != "test1" {
			t.Errorf("name = %v, want test1", info.Name)
		}
		if info.PID == 0 {
			t.Error("pid should be set")
		}
	})

	t.Run("info carries runtime", func(t *testing.T) {
		info, err := client.Info("test1")
		if err != nil {
			t.Fatalf("info: %v", err)
		}
		if !info.Persisted || info.RuntimeType != "claude-code" || info.Role != "worker" {
			t.Errorf("info = %+v", info)
		}
	})

	t.Run("send and read", func(t *testing.T) {
		if err := client.Send("test1", []byte("echo hello-'world'"), true); err != nil {
			t.Fatalf("send: %v", err)
		}
		waitForOutput(t, client, "test1", "hello-world")
	})

	t.Run("incremental read tracks position", func(t *testing.T) {
		first, err := client.Read(ReadRequest{Name: "test1", Mode: ReadModeNew})
		if err != nil {
			t.Fatalf("read new: %v", err)
		}
		if first.Position == 0 {
			t.Error("position should be > 0 after reading")
		}
		if !strings.Contains(first.Output, "hello-world") {
			t.Errorf("first new read = %q", first.Output)
		}

		second, err := client.Read(ReadRequest{Name: "test1", Mode: ReadModeNew})
		if err != nil {
			t.Fatalf("second read: %v", err)
		}
		if second.Position < first.Position {
			t.Errorf("position should not decrease: %d < %d", second.Position, first.Position)
		}
		if strings.Contains(second.Output, "hello-world") {
			t.Errorf("second new read repeated old output: %q", second.Output)
		}
	})

	t.Run("list shows session", func(t *testing.T) {
		sessions, err := client.List()
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		info, ok := findSession(sessions, "test1")
		if !ok {
			t.Fatal("session test1 not found in list")
		}
		if info.State != session.StateRunning {
			t.Errorf("state = %s, want running", info.State)
		}
	})

	t.Run("kill preserves output", func(t *testing.T) {
		if err := client.Kill("test1", false); err != nil {
			t.Fatalf("kill: %v", err)
		}

		sessions, err := client.List()
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if info, ok := findSession(sessions, "test1"); !ok || info.State != session.StateExited {
			t.Errorf("after kill: %+v (found %v), want exited", info, ok)
		}

		if output := readAll(t, client, "test1"); !strings.Contains(output, "hello-world") {
			t.Errorf("output after kill should contain hello-world, got: %q", output)
		}
		if _, ok := ts.state.Runtime("test1"); ok {
			t.Error("killed session still registered for persistence")
		}
	})

	t.Run("send to exited session fails", func(t *testing.T) {
		err := client.Send("test1", []byte("should fail"), true)
		if err == nil || !strings.Contains(err.Error(), "exited") {
			t.Fatalf("send to exited session = %v", err)
		}
	})

	t.Run("kill with forget removes session", func(t *testing.T) {
		if err := client.Kill("test1", true); err != nil {
			t.Fatalf("kill: %v", err)
		}

		sessions, err := client.List()
		if err != nil {
			t.Fatalf("list after kill: %v", err)
		}
		if _, ok := findSession(sessions, "test1"); ok {
			t.Error("session test1 should not exist after forget")
		}
		if _, err := client.Read(ReadRequest{Name: "test1", Mode: ReadModeAll}); err == nil {
			t.Error("read after forget should fail")
		}
	})
}

func TestReadModes(t *testing.T) {
	ts, cleanup := setupTestServer(t)
	defer cleanup()
	client := ts.client

	if _, err := client.Create("modes", CreateOptions{Command: "sh"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := client.Send("modes", []byte("printf 'l1\\nl2\\nl3\\n'; printf '\\033[31mred\\033[0m\\n'"), true); err != nil {
		t.Fatalf("send: %v", err)
	}
	waitForOutput(t, client, "modes", "red\x1b[0m")

	t.Run("strip", func(t *testing.T) {
		result, err := client.Read(ReadRequest{Name: "modes", Mode: ReadModeAll, StripANSI: true})
		if err != nil {
			t.Fatal(err)
		}
		if strings.Contains(result.Output, "\x1b[31m") {
			t.Errorf("stripped output kept escapes: %q", result.Output)
		}
	})

	t.Run("head", func(t *testing.T) {
		result, err := client.Read(ReadRequest{Name: "modes", Mode: ReadModeAll, HeadLines: 1})
		if err != nil {
			t.Fatal(err)
		}
		if strings.Count(result.Output, "\n") != 0 {
			t.Errorf("head 1 returned %q", result.Output)
		}
	})

	t.Run("screen", func(t *testing.T) {
		result, err := client.Read(ReadRequest{Name: "modes", Mode: ReadModeScreen})
		if err != nil {
			t.Fatal(err)
		}
		if !strings.Contains(result.Output, "l3") || strings.Contains(result.Output, "\x1b[31m") {
			t.Errorf("screen = %q", result.Output)
		}
	})

	t.Run("head and tail together", func(t *testing.T) {
		_, err := client.Read(ReadRequest{Name: "modes", Mode: ReadModeAll, HeadLines: 1, TailLines: 1})
		if err == nil {
			t.Error("head with tail should be rejected")
		}
	})
}

func TestSearchBoundsValidation(t *testing.T) {
	ts, cleanup := setupTestServer(t)
	defer cleanup()
	client := ts.client

	if _, err := client.Create("search-test", CreateOptions{Command: "sh"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	defer client.Kill("search-test", true)

	if err := client.Send("search-test", []byte("echo searchable-text"), true); err != nil {
		t.Fatalf("send: %v", err)
	}
	waitForOutput(t, client, "search-test", "searchable-text")

	t.Run("negative before", func(t *testing.T) {
		_, err := client.Search(SearchRequest{
			Name:    "search-test",
			Pattern: "searchable",
			Before:  -1,
		})
		if err == nil {
			t.Fatal("negative before should produce error")
		}
		if !strings.Contains(err.Error(), "non-negative") {
			t.Errorf("error should mention non-negative, got: %v", err)
		}
	})

	t.Run("negative after", func(t *testing.T) {
		_, err := client.Search(SearchRequest{
			Name:    "search-test",
			Pattern: "searchable",
			After:   -5,
		})
		if err == nil {
			t.Fatal("negative after should produce error")
		}
	})

	t.Run("valid search works", func(t *testing.T) {
		result, err := client.Search(SearchRequest{
			Name:       "search-test",
			Pattern:    "SEARCHABLE",
			IgnoreCase: true,
		})
		if err != nil {
			t.Fatalf("search: %v", err)
		}
		if result.TotalMatches == 0 {
			t.Error("expected at least one match")
		}
	})

	t.Run("search with context lines", func(t *testing.T) {
		result, err := client.Search(SearchRequest{
			Name:    "search-test",
			Pattern: "searchable",
			Before:  2,
			After:   2,
		})
		if err != nil {
			t.Fatalf("search: %v", err)
		}
		if result.TotalMatches == 0 {
			t.Error("expected at least one match")
		}
	})

	t.Run("invalid pattern", func(t *testing.T) {
		if _, err := client.Search(SearchRequest{Name: "search-test", Pattern: "("}); err == nil {
			t.Fatal("invalid regexp should fail")
		}
	})

	t.Run("nonexistent session", func(t *testing.T) {
		_, err := client.Search(SearchRequest{
			Name:    "nonexistent",
			Pattern: "test",
		})
		if err == nil {
			t.Fatal("search on nonexistent session should fail")
		}
	})
}

func TestConcurrentAccess(t *testing.T) {
	ts, cleanup := setupTestServer(t)
	defer cleanup()
	client := ts.client

	const numSessions = 5
	var wg sync.WaitGroup

	for i := range numSessions {
		name := "concurrent-" + string(rune('a'+i))
		if _, err := client.Create(name, CreateOptions{Command: "sh"}); err != nil {
			t.Fatalf("create %s: %v", name, err)
		}
	}

	wg.Add(numSessions)
	errs := make(chan error, numSessions*10)

	for i := range numSessions {
		go func(idx int) {
			defer wg.Done()
			name := "concurrent-" + string(rune('a'+idx))

			if err := client.Send(name, []byte("echo output-"+name), true); err != nil {
				errs <- err
				return
			}

			deadline := time.Now().Add(5 * time.Second)
			for time.Now().Before(deadline) {
				result, err := client.Read(ReadRequest{Name: name, Mode: ReadModeAll})
				if err != nil {
					errs <- err
					return
				}
				if strings.Contains(result.Output, "output-"+name) {
					return
				}
				time.Sleep(50 * time.Millisecond)
			}
			errs <- nil
		}(i)
	}

	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("concurrent error: %v", err)
		}
	}

	sessions, err := client.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(sessions) != numSessions {
		t.Errorf("expected %d sessions, got %d", numSessions, len(sessions))
	}
}

func TestPerCursorReads(t *testing.T) {
	ts, cleanup := setupTestServer(t)
	defer cleanup()
	client := ts.client

	if _, err := client.Create("cursor-test", CreateOptions{Command: "sh"}); err != nil {
		t.Fatalf("create: %v", err)
	}

	readCursor := func(cursor string) string {
		t.Helper()
		result, err := client.Read(ReadRequest{Name: "cursor-test", Mode: ReadModeNew, Cursor: cursor})
		if err != nil {
			t.Fatalf("read %s: %v", cursor, err)
		}
		return result.Output
	}

	if err := client.Send("cursor-test", []byte("echo first-'line'"), true); err != nil {
		t.Fatalf("send: %v", err)
	}
	waitForOutput(t, client, "cursor-test", "first-line")

	if out := readCursor("consumer-a"); !strings.Contains(out, "first-line") {
		t.Errorf("cursor-a first read should contain first-line, got: %q", out)
	}

	if err := client.Send("cursor-test", []byte("echo second-'line'"), true); err != nil {
		t.Fatalf("send: %v", err)
	}
	waitForOutput(t, client, "cursor-test", "second-line")

	outA := readCursor("consumer-a")
	if !strings.Contains(outA, "second-line") {
		t.Errorf("cursor-a should see second-line, got: %q", outA)
	}
	if strings.Contains(outA, "first-line") {
		t.Errorf("cursor-a should NOT see first-line again, got: %q", outA)
	}

	outB := readCursor("consumer-b")
	if !strings.Contains(outB, "first-line") || !strings.Contains(outB, "second-line") {
		t.Errorf("cursor-b should see everything (fresh cursor), got: %q", outB)
	}
}

func TestSessionErrorCases(t *testing.T) {
	ts, cleanup := setupTestServer(t)
	defer cleanup()
	client := ts.client

	t.Run("create with invalid name", func(t *testing.T) {
		if _, err := client.Create("invalid name!", CreateOptions{Command: "sh"}); err == nil {
			t.Fatal("create with invalid name should fail")
		}
	})

	t.Run("create with missing cwd", func(t *testing.T) {
		_, err := client.Create("no-cwd", CreateOptions{Command: "sh", Cwd: "/definitely/not/here"})
		if err == nil {
			t.Fatal("create in a missing directory should fail")
		}
	})

	t.Run("duplicate create", func(t *testing.T) {
		if _, err := client.Create("dup-test", CreateOptions{Command: "sh"}); err != nil {
			t.Fatalf("first create: %v", err)
		}
		if _, err := client.Create("dup-test", CreateOptions{Command: "sh"}); err == nil {
			t.Fatal("duplicate create should fail")
		}
	})

	t.Run("operations on nonexistent session", func(t *testing.T) {
		if err := client.Send("nope", []byte("test"), true); err == nil {
			t.Error("send to nonexistent should fail")
		}
		if _, err := client.Read(ReadRequest{Name: "nope", Mode: ReadModeAll}); err == nil {
			t.Error("read nonexistent should fail")
		}
		if _, err := client.Info("nope"); err == nil {
			t.Error("info nonexistent should fail")
		}
		if err := client.Resize("nope", 80, 24); err == nil {
			t.Error("resize nonexistent should fail")
		}
	})

	t.Run("kill is idempotent", func(t *testing.T) {
		if _, err := client.Create("kill-twice", CreateOptions{Command: "sh"}); err != nil {
			t.Fatalf("create: %v", err)
		}
		if err := client.Kill("kill-twice", false); err != nil {
			t.Fatalf("first kill: %v", err)
		}
		if err := client.Kill("kill-twice", false); err != nil {
			t.Fatalf("second kill should succeed: %v", err)
		}
		if err := client.Kill("never-existed", false); err != nil {
			t.Fatalf("kill of unknown session should succeed: %v", err)
		}
	})
}

func TestSaveState(t *testing.T) {
	ts, cleanup := setupTestServer(t)
	defer cleanup()
	client := ts.client

	if _, err := client.Create("keeper", CreateOptions{Command: "sh", RuntimeType: "codex"}); err != nil {
		t.Fatalf("create: %v", err)
	}

	n, err := client.SaveState()
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if n != 1 {
		t.Errorf("saved %d sessions, want 1", n)
	}
	if _, err := os.Stat(ts.state.Path()); err != nil {
		t.Errorf("state file: %v", err)
	}

	file, err := ts.state.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(file.Sessions) != 1 || file.Sessions[0].Name != "keeper" || file.Sessions[0].RuntimeType != "codex" {
		t.Errorf("state file = %+v", file)
	}
}

func TestScheduleDelivery(t *testing.T) {
	ts, cleanup := setupTestServer(t)
	defer cleanup()
	client := ts.client

	if _, err := client.Create("worker", CreateOptions{Command: "sh"}); err != nil {
		t.Fatalf("create: %v", err)
	}

	msg, err := client.ScheduleAdd(schedule.Message{
		Target:      "worker",
		Body:        "echo delivered-marker",
		DelayAmount: 0,
		DelayUnit:   schedule.Seconds,
	})
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if msg.ID == "" || msg.Name != "worker" || !msg.Active {
		t.Errorf("stored message = %+v", msg)
	}

	waitForOutput(t, client, "worker", "delivered-marker")

	deadline := time.Now().Add(5 * time.Second)
	var logs []schedule.DeliveryLog
	for {
		logs, err = client.DeliveryLogs(LogsRequest{MessageID: msg.ID})
		if err != nil {
			t.Fatalf("logs: %v", err)
		}
		if len(logs) > 0 || time.Now().After(deadline) {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if len(logs) != 1 || !logs[0].Success || logs[0].Target != "worker" {
		t.Fatalf("delivery logs = %+v", logs)
	}

	var entries []ScheduleEntry
	for {
		entries, err = client.ScheduleList()
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(entries) == 1 && entries[0].LastRun != nil || time.Now().After(deadline) {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if len(entries) != 1 || entries[0].Active || entries[0].LastRun == nil {
		t.Errorf("one-off after delivery = %+v", entries)
	}
}

func TestScheduleCancel(t *testing.T) {
	ts, cleanup := setupTestServer(t)
	defer cleanup()
	client := ts.client

	msg, err := client.ScheduleAdd(schedule.Message{
		Name:        "standup",
		Target:      "lead",
		Body:        "status?",
		DelayAmount: 1,
		DelayUnit:   schedule.Hours,
		Recurring:   true,
	})
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}

	entries, err := client.ScheduleList()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || !entries[0].Armed {
		t.Fatalf("entries = %+v, want one armed", entries)
	}

	if err := client.ScheduleCancel(msg.ID, false); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	entries, _ = client.ScheduleList()
	if len(entries) != 1 || entries[0].Active || entries[0].Armed {
		t.Errorf("after cancel = %+v", entries)
	}

	if err := client.ScheduleCancel(msg.ID, true); err != nil {
		t.Fatalf("cancel forget: %v", err)
	}
	entries, _ = client.ScheduleList()
	if len(entries) != 0 {
		t.Errorf("after forget = %+v", entries)
	}
	if err := client.ScheduleCancel(msg.ID, false); err == nil {
		t.Error("cancel of deleted message should fail")
	}
}

func TestScheduleValidation(t *testing.T) {
	ts, cleanup := setupTestServer(t)
	defer cleanup()
	client := ts.client

	tests := []struct {
		name string
		msg  schedule.Message
	}{
		{"unknown unit", schedule.Message{Target: "a", Body: "b", DelayAmount: 1, DelayUnit: "fortnights"}},
		{"missing body", schedule.Message{Target: "a", DelayUnit: schedule.Seconds}},
		{"unknown project", schedule.Message{Target: "a", Body: "b", DelayUnit: schedule.Seconds, ProjectID: "ghost"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := client.ScheduleAdd(tt.msg); err == nil {
				t.Error("expected error")
			}
		})
	}

	entries, err := client.ScheduleList()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("rejected messages were stored: %+v", entries)
	}
}

func TestProjectsAndCleanup(t *testing.T) {
	ts, cleanup := setupTestServer(t)
	defer cleanup()
	client := ts.client

	project, err := client.ProjectAdd(schedule.Project{Name: "apollo"})
	if err != nil {
		t.Fatalf("project add: %v", err)
	}
	if project.ID == "" {
		t.Fatal("project id not assigned")
	}

	projects, err := client.ProjectList()
	if err != nil {
		t.Fatal(err)
	}
	if len(projects) != 1 || projects[0].Name != "apollo" {
		t.Fatalf("projects = %+v", projects)
	}

	if _, err := client.ScheduleAdd(schedule.Message{
		Target:      "apollo-lead",
		ProjectID:   project.ID,
		Body:        "ping",
		DelayAmount: 1,
		DelayUnit:   schedule.Hours,
		Recurring:   true,
	}); err != nil {
		t.Fatalf("schedule: %v", err)
	}

	if err := client.ProjectRemove(project.ID); err != nil {
		t.Fatalf("project remove: %v", err)
	}
	if err := client.ProjectRemove(project.ID); err == nil {
		t.Error("removing a missing project should fail")
	}

	n, err := client.ScheduleCleanup()
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if n != 1 {
		t.Errorf("cleanup deactivated %d, want 1", n)
	}
	entries, _ := client.ScheduleList()
	if len(entries) != 1 || entries[0].Active || entries[0].Armed {
		t.Errorf("after cleanup = %+v", entries)
	}
}
