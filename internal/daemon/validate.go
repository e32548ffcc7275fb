package daemon

import (
	"errors"
	"fmt"

	"github.com/schovi/shellcrew/internal/session"
)

// validate checks the fields of a request that need no daemon state.
func (r Request) validate() error {
	switch r.Action {
	case ActionCreate, ActionInfo, ActionRead, ActionSend, ActionResize, ActionKill, ActionSearch:
		if err := session.ValidateName(r.Name); err != nil {
			return err
		}
	}

	switch r.Action {
	case ActionRead:
		if r.HeadLines < 0 || r.TailLines < 0 {
			return errors.New("head and tail must be non-negative")
		}
		if r.HeadLines > 0 && r.TailLines > 0 {
			return errors.New("head and tail are mutually exclusive")
		}
		switch r.Mode {
		case "", ReadModeNew, ReadModeAll, ReadModeScreen:
		default:
			return fmt.Errorf("unknown read mode %q", r.Mode)
		}
	case ActionSearch:
		if r.Pattern == "" {
			return errors.New("search pattern is required")
		}
		if r.Before < 0 || r.After < 0 {
			return errors.New("before and after must be non-negative")
		}
	case ActionResize:
		if r.Cols <= 0 || r.Rows <= 0 {
			return errors.New("cols and rows must be positive")
		}
	case ActionScheduleAdd:
		if r.Message == nil {
			return errors.New("message is required")
		}
		if r.Message.Target == "" || r.Message.Body == "" {
			return errors.New("message target and body are required")
		}
		if r.Message.DelayAmount < 0 {
			return errors.New("delay must be non-negative")
		}
	case ActionScheduleCancel, ActionProjectRemove:
		if r.ID == "" {
			return errors.New("id is required")
		}
	case ActionProjectAdd:
		if r.Project == nil || r.Project.Name == "" {
			return errors.New("project name is required")
		}
	case ActionDeliveryLogs:
		if r.Limit < 0 {
			return errors.New("limit must be non-negative")
		}
	}
	return nil
}
