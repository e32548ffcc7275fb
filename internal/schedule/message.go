// Package schedule fires one-off and recurring messages into sessions.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/schovi/shellcrew/internal/config"
)

var (
	// ErrTargetNotFound means the target session is not live right now. It
	// may come back, so recurring messages keep firing.
	ErrTargetNotFound = errors.New("target session not found")
	// ErrOrphanedTarget means the project behind a message is gone for
	// good. The message is deactivated.
	ErrOrphanedTarget = errors.New("target project no longer exists")
)

type Unit string

const (
	Seconds Unit = "seconds"
	Minutes Unit = "minutes"
	Hours   Unit = "hours"
)

// Delay converts an amount and unit into a duration. Unknown units are a
// configuration error rather than a silent default.
func Delay(amount int, unit Unit) (time.Duration, error) {
	if amount < 0 {
		return 0, fmt.Errorf("%w: negative delay %d", config.ErrInvalid, amount)
	}
	switch unit {
	case Seconds:
		return time.Duration(amount) * time.Second, nil
	case Minutes:
		return time.Duration(amount) * time.Minute, nil
	case Hours:
		return time.Duration(amount) * time.Hour, nil
	default:
		return 0, fmt.Errorf("%w: unknown delay unit %q", config.ErrInvalid, unit)
	}
}

type Message struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Target      string     `json:"target"`
	ProjectID   string     `json:"project_id,omitempty"`
	Body        string     `json:"body"`
	DelayAmount int        `json:"delay_amount"`
	DelayUnit   Unit       `json:"delay_unit"`
	Recurring   bool       `json:"recurring"`
	Active      bool       `json:"active"`
	LastRun     *time.Time `json:"last_run,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// DeliveryLog records one delivery attempt.
type DeliveryLog struct {
	ID        string    `json:"id"`
	MessageID string    `json:"message_id"`
	Name      string    `json:"name"`
	Target    string    `json:"target"`
	Message   string    `json:"message"`
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type Project struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Store is the durable side of the scheduler.
type Store interface {
	ScheduledMessages(ctx context.Context) ([]Message, error)
	SaveScheduledMessage(ctx context.Context, msg Message) error
	// RecordRun sets a message's last run and, with deactivate, clears
	// its active flag. A message that no longer exists is left absent.
	RecordRun(ctx context.Context, id string, lastRun time.Time, deactivate bool) error
	SaveDeliveryLog(ctx context.Context, log DeliveryLog) error
	Projects(ctx context.Context) ([]Project, error)
}

// Sessions is where messages are delivered.
type Sessions interface {
	SessionExists(name string) bool
	Write(name string, data []byte) error
}
