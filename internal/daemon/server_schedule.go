package daemon

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/schovi/shellcrew/internal/schedule"
	"github.com/schovi/shellcrew/internal/store"
)

func (s *Server) handleScheduleAdd(ctx context.Context, req Request) (schedule.Message, error) {
	msg := *req.Message
	if _, err := schedule.Delay(msg.DelayAmount, msg.DelayUnit); err != nil {
		return schedule.Message{}, err
	}
	if msg.ProjectID != "" {
		if err := s.requireProject(ctx, msg.ProjectID); err != nil {
			return schedule.Message{}, err
		}
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Name == "" {
		msg.Name = msg.Target
	}
	msg.Active = true
	msg.LastRun = nil
	msg.CreatedAt = s.clock.Now()

	if err := s.deps.Store.SaveScheduledMessage(ctx, msg); err != nil {
		return schedule.Message{}, err
	}
	if err := s.deps.Scheduler.ScheduleMessage(msg); err != nil {
		return schedule.Message{}, err
	}
	s.logger.Info("message scheduled", "message_id", msg.ID, "target", msg.Target, "recurring", msg.Recurring)
	return msg, nil
}

func (s *Server) requireProject(ctx context.Context, id string) error {
	projects, err := s.deps.Store.Projects(ctx)
	if err != nil {
		return err
	}
	for _, p := range projects {
		if p.ID == id {
			return nil
		}
	}
	return fmt.Errorf("project %s: %w", id, store.ErrNotFound)
}

func (s *Server) handleScheduleList(ctx context.Context) ([]ScheduleEntry, error) {
	msgs, err := s.deps.Store.ScheduledMessages(ctx)
	if err != nil {
		return nil, err
	}
	armed := make(map[string]bool)
	for _, id := range s.deps.Scheduler.Scheduled() {
		armed[id] = true
	}

	entries := make([]ScheduleEntry, 0, len(msgs))
	for _, msg := range msgs {
		entries = append(entries, ScheduleEntry{Message: msg, Armed: armed[msg.ID]})
	}
	return entries, nil
}

// handleScheduleCancel deactivates a message, or deletes it with Forget.
func (s *Server) handleScheduleCancel(ctx context.Context, req Request) error {
	msg, err := s.deps.Store.ScheduledMessage(ctx, req.ID)
	if err != nil {
		return err
	}
	s.deps.Scheduler.CancelMessage(msg.ID)

	if req.Forget {
		return s.deps.Store.DeleteScheduledMessage(ctx, msg.ID)
	}
	msg.Active = false
	return s.deps.Store.SaveScheduledMessage(ctx, msg)
}

func (s *Server) handleScheduleCleanup(ctx context.Context) (map[string]int, error) {
	n, err := s.deps.Scheduler.CleanupOrphanedMessages(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]int{"deactivated": n}, nil
}

func (s *Server) handleDeliveryLogs(ctx context.Context, req Request) ([]schedule.DeliveryLog, error) {
	logs, err := s.deps.Store.DeliveryLogs(ctx, store.LogFilter{
		MessageID: req.ID,
		Since:     req.Since,
		Until:     req.Until,
		Limit:     req.Limit,
	})
	if err != nil {
		return nil, err
	}
	if logs == nil {
		logs = []schedule.DeliveryLog{}
	}
	return logs, nil
}

func (s *Server) handleProjectAdd(ctx context.Context, req Request) (schedule.Project, error) {
	p := *req.Project
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if err := s.deps.Store.SaveProject(ctx, p); err != nil {
		return schedule.Project{}, err
	}
	return p, nil
}
