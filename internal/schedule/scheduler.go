package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/schovi/shellcrew/internal/clock"
)

// DefaultPause separates consecutive deliveries.
const DefaultPause = time.Second

// armed is the timer state of one message. The entry stays in place while
// the message waits in the queue and while it executes, so a cancel or a
// reschedule in between can be detected by generation.
type armed struct {
	gen   uint64
	msg   Message
	timer clock.Timer
	fired bool
}

// Scheduler arms one timer per active message and funnels every due message
// through a single worker, so no two deliveries ever run at once.
type Scheduler struct {
	store     Store
	sessions  Sessions
	clock     clock.Clock
	logger    *slog.Logger
	pause     time.Duration
	transform Transform
	resolve   Resolver

	mu      sync.Mutex
	timers  map[string]*armed
	gen     uint64
	queue   []queued
	started bool
	stopped bool

	wake       chan struct{}
	stop       chan struct{}
	workerDone chan struct{}
	ctx        context.Context
}

type queued struct {
	gen uint64
	msg Message
}

type Option func(*Scheduler)

func WithClock(c clock.Clock) Option {
	return func(s *Scheduler) {
		s.clock = c
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		s.logger = logger
	}
}

// WithPause sets the gap after each delivery. Zero disables it.
func WithPause(d time.Duration) Option {
	return func(s *Scheduler) {
		s.pause = d
	}
}

func WithTransform(t Transform) Option {
	return func(s *Scheduler) {
		s.transform = t
	}
}

func WithResolver(r Resolver) Option {
	return func(s *Scheduler) {
		s.resolve = r
	}
}

func New(store Store, sessions Sessions, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:      store,
		sessions:   sessions,
		clock:      clock.Real(),
		logger:     slog.New(slog.DiscardHandler),
		pause:      DefaultPause,
		resolve:    func(target string) string { return target },
		timers:     make(map[string]*armed),
		wake:       make(chan struct{}, 1),
		stop:       make(chan struct{}),
		workerDone: make(chan struct{}),
		ctx:        context.Background(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start arms every active message and starts the delivery worker. Messages
// that cannot be scheduled are logged and skipped.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("scheduler already started")
	}
	s.started = true
	s.ctx = ctx
	s.mu.Unlock()

	msgs, err := s.store.ScheduledMessages(ctx)
	if err != nil {
		return fmt.Errorf("loading scheduled messages: %w", err)
	}

	armedCount := 0
	for _, msg := range msgs {
		if !msg.Active {
			continue
		}
		if err := s.ScheduleMessage(msg); err != nil {
			s.logger.Error("cannot schedule message", "message_id", msg.ID, "error", err)
			continue
		}
		armedCount++
	}

	go s.work()
	s.logger.Info("scheduler started", "messages", armedCount)
	return nil
}

// ScheduleMessage replaces any timer for msg.ID with a fresh one. An
// inactive message only loses its timer.
func (s *Scheduler) ScheduleMessage(msg Message) error {
	if msg.ID == "" {
		return errors.New("scheduled message has no id")
	}
	delay, err := Delay(msg.DelayAmount, msg.DelayUnit)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.cancelLocked(msg.ID)
	if !msg.Active || s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.gen++
	gen := s.gen
	id := msg.ID
	s.timers[id] = &armed{gen: gen, msg: msg}
	s.mu.Unlock()

	// The timer is armed outside the lock: a zero delay may fire inline.
	timer := s.clock.AfterFunc(delay, func() { s.fire(id, gen) })

	s.mu.Lock()
	if a, ok := s.timers[id]; ok && a.gen == gen {
		a.timer = timer
	} else {
		timer.Stop()
	}
	s.mu.Unlock()

	s.logger.Debug("message scheduled", "message_id", msg.ID, "delay", delay, "recurring", msg.Recurring)
	return nil
}

// CancelMessage drops the timer for id. Durable state is untouched.
func (s *Scheduler) CancelMessage(id string) {
	s.mu.Lock()
	s.cancelLocked(id)
	s.mu.Unlock()
}

// CancelAllMessages drops every timer.
func (s *Scheduler) CancelAllMessages() {
	s.mu.Lock()
	for id := range s.timers {
		s.cancelLocked(id)
	}
	s.mu.Unlock()
}

func (s *Scheduler) cancelLocked(id string) {
	a, ok := s.timers[id]
	if !ok {
		return
	}
	if a.timer != nil {
		a.timer.Stop()
	}
	delete(s.timers, id)
}

// fire runs on the timer and only enqueues.
func (s *Scheduler) fire(id string, gen uint64) {
	s.mu.Lock()
	a, ok := s.timers[id]
	if !ok || a.gen != gen || a.fired || s.stopped {
		s.mu.Unlock()
		return
	}
	a.fired = true
	s.queue = append(s.queue, queued{gen: gen, msg: a.msg})
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) next() (queued, bool) {
	for {
		s.mu.Lock()
		if s.stopped {
			s.mu.Unlock()
			return queued{}, false
		}
		if len(s.queue) > 0 {
			q := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return q, true
		}
		s.mu.Unlock()

		select {
		case <-s.wake:
		case <-s.stop:
			return queued{}, false
		}
	}
}

func (s *Scheduler) work() {
	defer close(s.workerDone)
	for {
		q, ok := s.next()
		if !ok {
			return
		}
		s.execute(q)

		if s.pause > 0 {
			select {
			case <-s.clock.After(s.pause):
			case <-s.stop:
				return
			}
		}
	}
}

// execute delivers one message and records the outcome. It always writes
// exactly one delivery log. Its store calls outlive the scheduler's context
// so a delivery already written is always recorded.
func (s *Scheduler) execute(q queued) {
	ctx := context.WithoutCancel(s.ctx)
	msg := q.msg
	now := s.clock.Now()
	target := s.resolve(msg.Target)

	body := msg.Body
	if s.transform != nil {
		body = s.transform(body)
	}

	orphaned := false
	var err error
	if msg.ProjectID != "" {
		var exists bool
		exists, err = s.projectExists(ctx, msg.ProjectID)
		if err == nil && !exists {
			err = fmt.Errorf("%w: project %s", ErrOrphanedTarget, msg.ProjectID)
			orphaned = true
		}
	}
	if err == nil && !s.sessions.SessionExists(target) {
		err = fmt.Errorf("%w: %q", ErrTargetNotFound, target)
	}
	if err == nil {
		err = s.sessions.Write(target, []byte(body+"\r"))
	}

	entry := DeliveryLog{
		ID:        uuid.NewString(),
		MessageID: msg.ID,
		Name:      msg.Name,
		Target:    target,
		Message:   body,
		Success:   err == nil,
		Timestamp: now,
	}
	if err != nil {
		entry.Error = err.Error()
		s.logger.Warn("delivery failed", "message_id", msg.ID, "session", target, "error", err)
	} else {
		s.logger.Info("message delivered", "message_id", msg.ID, "session", target)
	}
	if serr := s.store.SaveDeliveryLog(ctx, entry); serr != nil {
		s.logger.Error("saving delivery log", "message_id", msg.ID, "error", serr)
	}

	// msg is the snapshot taken when the timer fired. Writing it back whole
	// would undo a cancel or delete that landed during the delivery.
	msg.LastRun = &now
	deactivate := !msg.Recurring || orphaned
	if serr := s.store.RecordRun(ctx, msg.ID, now, deactivate); serr != nil {
		s.logger.Error("recording message run", "message_id", msg.ID, "error", serr)
	}

	s.mu.Lock()
	a, current := s.timers[msg.ID]
	current = current && a.gen == q.gen
	if current {
		delete(s.timers, msg.ID)
	}
	s.mu.Unlock()

	if current && !deactivate {
		if serr := s.ScheduleMessage(msg); serr != nil {
			s.logger.Error("rescheduling message", "message_id", msg.ID, "error", serr)
		}
	}
}

func (s *Scheduler) projectExists(ctx context.Context, id string) (bool, error) {
	projects, err := s.store.Projects(ctx)
	if err != nil {
		return false, fmt.Errorf("loading projects: %w", err)
	}
	for _, p := range projects {
		if p.ID == id {
			return true, nil
		}
	}
	return false, nil
}

// CleanupOrphanedMessages deactivates every active message whose project is
// gone and cancels its timer. It returns how many were deactivated.
func (s *Scheduler) CleanupOrphanedMessages(ctx context.Context) (int, error) {
	msgs, err := s.store.ScheduledMessages(ctx)
	if err != nil {
		return 0, fmt.Errorf("loading scheduled messages: %w", err)
	}
	projects, err := s.store.Projects(ctx)
	if err != nil {
		return 0, fmt.Errorf("loading projects: %w", err)
	}
	known := make(map[string]bool, len(projects))
	for _, p := range projects {
		known[p.ID] = true
	}

	count := 0
	for _, msg := range msgs {
		if !msg.Active || msg.ProjectID == "" || known[msg.ProjectID] {
			continue
		}
		s.CancelMessage(msg.ID)
		msg.Active = false
		if err := s.store.SaveScheduledMessage(ctx, msg); err != nil {
			return count, fmt.Errorf("deactivating %s: %w", msg.ID, err)
		}
		s.logger.Info("deactivated orphaned message", "message_id", msg.ID, "project", msg.ProjectID)
		count++
	}
	return count, nil
}

// Stop cancels all timers and waits for an in-flight delivery to finish.
// Queued deliveries that have not started are dropped.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	started := s.started
	for id := range s.timers {
		s.cancelLocked(id)
	}
	s.queue = nil
	s.mu.Unlock()

	close(s.stop)
	if started {
		<-s.workerDone
	}
	s.logger.Info("scheduler stopped")
}

// Pending is the number of deliveries waiting in the queue.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Scheduled returns the ids of messages with an armed timer, sorted.
func (s *Scheduler) Scheduled() []string {
	s.mu.Lock()
	ids := make([]string, 0, len(s.timers))
	for id, a := range s.timers {
		if !a.fired {
			ids = append(ids, id)
		}
	}
	s.mu.Unlock()
	sort.Strings(ids)
	return ids
}
