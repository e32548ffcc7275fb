package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/schovi/shellcrew/internal/schedule"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

var base = time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)

func TestScheduledMessages_RoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	lastRun := base.Add(time.Minute)

	want := schedule.Message{
		ID:          "m1",
		Name:        "standup",
		Target:      "crew-lead",
		ProjectID:   "p1",
		Body:        "status?",
		DelayAmount: 15,
		DelayUnit:   schedule.Minutes,
		Recurring:   true,
		Active:      true,
		LastRun:     &lastRun,
		CreatedAt:   base,
	}
	if err := s.SaveScheduledMessage(ctx, want); err != nil {
		t.Fatalf("SaveScheduledMessage: %v", err)
	}

	got, err := s.ScheduledMessage(ctx, "m1")
	if err != nil {
		t.Fatalf("ScheduledMessage: %v", err)
	}
	if got.Name != want.Name || got.Target != want.Target || got.ProjectID != want.ProjectID ||
		got.Body != want.Body || got.DelayAmount != want.DelayAmount || got.DelayUnit != want.DelayUnit ||
		got.Recurring != want.Recurring || got.Active != want.Active || !got.CreatedAt.Equal(base) {
		t.Errorf("got %+v, want %+v", got, want)
	}
	if got.LastRun == nil || !got.LastRun.Equal(lastRun) {
		t.Errorf("LastRun = %v, want %v", got.LastRun, lastRun)
	}
}

func TestSaveScheduledMessage_Updates(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	msg := schedule.Message{ID: "m1", Target: "a", Body: "x", DelayAmount: 1, DelayUnit: schedule.Seconds, Active: true, CreatedAt: base}
	if err := s.SaveScheduledMessage(ctx, msg); err != nil {
		t.Fatal(err)
	}
	msg.Active = false
	msg.Target = "b"
	if err := s.SaveScheduledMessage(ctx, msg); err != nil {
		t.Fatal(err)
	}

	msgs, err := s.ScheduledMessages(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	if msgs[0].Active || msgs[0].Target != "b" || msgs[0].LastRun != nil || msgs[0].ProjectID != "" {
		t.Errorf("got %+v", msgs[0])
	}
}

func TestDeleteScheduledMessage(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.SaveScheduledMessage(ctx, schedule.Message{ID: "m1", DelayUnit: schedule.Seconds, CreatedAt: base}); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteScheduledMessage(ctx, "m1"); err != nil {
		t.Fatalf("DeleteScheduledMessage: %v", err)
	}
	if _, err := s.ScheduledMessage(ctx, "m1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("after delete: %v, want ErrNotFound", err)
	}
	if err := s.DeleteScheduledMessage(ctx, "m1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second delete: %v, want ErrNotFound", err)
	}
}

func TestRecordRun(t *testing.T) {
	ran := base.Add(time.Hour)
	tests := []struct {
		name       string
		active     bool
		deactivate bool
		wantActive bool
	}{
		{"recurring stays active", true, false, true},
		{"one-off deactivates", true, true, false},
		{"cancelled stays cancelled", false, false, false},
		{"cancelled one-off", false, true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := openTestStore(t)
			ctx := context.Background()
			msg := schedule.Message{ID: "m1", Target: "a", Body: "x", DelayAmount: 1, DelayUnit: schedule.Seconds, Active: tt.active, CreatedAt: base}
			if err := s.SaveScheduledMessage(ctx, msg); err != nil {
				t.Fatal(err)
			}
			if err := s.RecordRun(ctx, "m1", ran, tt.deactivate); err != nil {
				t.Fatalf("RecordRun: %v", err)
			}
			got, err := s.ScheduledMessage(ctx, "m1")
			if err != nil {
				t.Fatal(err)
			}
			if got.Active != tt.wantActive {
				t.Errorf("Active = %v, want %v", got.Active, tt.wantActive)
			}
			if got.LastRun == nil || !got.LastRun.Equal(ran) {
				t.Errorf("LastRun = %v, want %v", got.LastRun, ran)
			}
			if got.Body != "x" || got.Target != "a" {
				t.Errorf("RecordRun changed other columns: %+v", got)
			}
		})
	}
}

func TestRecordRun_DoesNotRecreateDeleted(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.SaveScheduledMessage(ctx, schedule.Message{ID: "m1", DelayUnit: schedule.Seconds, Active: true, CreatedAt: base}); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteScheduledMessage(ctx, "m1"); err != nil {
		t.Fatal(err)
	}
	if err := s.RecordRun(ctx, "m1", base, false); err != nil {
		t.Fatalf("RecordRun on deleted message: %v", err)
	}
	if _, err := s.ScheduledMessage(ctx, "m1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("after RecordRun: %v, want ErrNotFound", err)
	}
}

func TestProjects(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for _, p := range []schedule.Project{{ID: "p2", Name: "beta"}, {ID: "p1", Name: "alpha"}} {
		if err := s.SaveProject(ctx, p); err != nil {
			t.Fatalf("SaveProject: %v", err)
		}
	}
	if err := s.SaveProject(ctx, schedule.Project{ID: "p2", Name: "gamma"}); err != nil {
		t.Fatalf("rename: %v", err)
	}

	projects, err := s.Projects(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(projects) != 2 || projects[0].Name != "alpha" || projects[1].Name != "gamma" {
		t.Errorf("projects = %+v", projects)
	}

	if err := s.DeleteProject(ctx, "p1"); err != nil {
		t.Fatalf("DeleteProject: %v", err)
	}
	if err := s.DeleteProject(ctx, "p1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second delete: %v, want ErrNotFound", err)
	}
	if err := s.SaveProject(ctx, schedule.Project{Name: "nameless"}); err == nil {
		t.Error("project without id accepted")
	}
}

func TestDeliveryLogs_Filter(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	logs := []schedule.DeliveryLog{
		{ID: "l1", MessageID: "a", Target: "x", Message: "one", Success: true, Timestamp: base},
		{ID: "l2", MessageID: "b", Target: "x", Message: "two", Error: "session gone", Timestamp: base.Add(time.Minute)},
		{ID: "l3", MessageID: "a", Target: "x", Message: "three", Success: true, Timestamp: base.Add(2 * time.Minute)},
	}
	for _, l := range logs {
		if err := s.SaveDeliveryLog(ctx, l); err != nil {
			t.Fatalf("SaveDeliveryLog: %v", err)
		}
	}

	tests := []struct {
		name   string
		filter LogFilter
		want   []string
	}{
		{"all newest first", LogFilter{}, []string{"l3", "l2", "l1"}},
		{"by message", LogFilter{MessageID: "a"}, []string{"l3", "l1"}},
		{"since", LogFilter{Since: base.Add(time.Minute)}, []string{"l3", "l2"}},
		{"until", LogFilter{Until: base.Add(time.Minute)}, []string{"l1"}},
		{"limit", LogFilter{Limit: 1}, []string{"l3"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.DeliveryLogs(ctx, tt.filter)
			if err != nil {
				t.Fatal(err)
			}
			var ids []string
			for _, l := range got {
				ids = append(ids, l.ID)
			}
			if len(ids) != len(tt.want) {
				t.Fatalf("ids = %v, want %v", ids, tt.want)
			}
			for i := range ids {
				if ids[i] != tt.want[i] {
					t.Fatalf("ids = %v, want %v", ids, tt.want)
				}
			}
		})
	}

	got, err := s.DeliveryLogs(ctx, LogFilter{MessageID: "b"})
	if err != nil {
		t.Fatal(err)
	}
	if got[0].Success || got[0].Error != "session gone" || !got[0].Timestamp.Equal(base.Add(time.Minute)) {
		t.Errorf("failed log = %+v", got[0])
	}
}

func TestOpen_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	ctx := context.Background()

	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.SaveProject(ctx, schedule.Project{ID: "p1", Name: "kept"}); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	s, err = Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	projects, err := s.Projects(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(projects) != 1 || projects[0].Name != "kept" {
		t.Errorf("projects after reopen = %+v", projects)
	}
}
