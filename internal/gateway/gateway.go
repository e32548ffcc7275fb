// Package gateway fans session output out to any number of remote
// subscribers and carries their input back.
//
// The gateway keeps two indices, session to subscribers and subscriber to
// sessions, so a disconnect is purged in one pass. It never closes a
// session.
package gateway

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/schovi/shellcrew/internal/session"
)

// ErrUnknownSubscriber is returned for a subscriber id that was never
// registered or already disconnected.
var ErrUnknownSubscriber = errors.New("unknown subscriber")

// Subscriber receives server messages. Send must not block: a subscriber
// that cannot keep up drops itself.
type Subscriber interface {
	ID() string
	Send(msg ServerMessage)
}

type Gateway struct {
	backend session.Backend
	logger  *slog.Logger

	mu          sync.Mutex
	subscribers map[string]Subscriber
	// session name -> subscriber id -> detach. A nil detach marks a
	// subscription that is still being attached.
	bySession    map[string]map[string]func()
	bySubscriber map[string]map[string]struct{}
	hooked       map[*session.Session]bool
}

type Option func(*Gateway)

func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) {
		g.logger = logger
	}
}

func New(backend session.Backend, opts ...Option) *Gateway {
	g := &Gateway{
		backend:      backend,
		logger:       slog.New(slog.DiscardHandler),
		subscribers:  make(map[string]Subscriber),
		bySession:    make(map[string]map[string]func()),
		bySubscriber: make(map[string]map[string]struct{}),
		hooked:       make(map[*session.Session]bool),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Register makes sub known to the gateway. Registering an id again
// replaces the previous subscriber but keeps its subscriptions.
func (g *Gateway) Register(sub Subscriber) {
	g.mu.Lock()
	g.subscribers[sub.ID()] = sub
	if g.bySubscriber[sub.ID()] == nil {
		g.bySubscriber[sub.ID()] = make(map[string]struct{})
	}
	g.mu.Unlock()
}

// Disconnect drops a subscriber and every subscription it holds.
func (g *Gateway) Disconnect(subscriberID string) {
	var detaches []func()

	g.mu.Lock()
	for name := range g.bySubscriber[subscriberID] {
		if detach := g.removeLocked(name, subscriberID); detach != nil {
			detaches = append(detaches, detach)
		}
	}
	delete(g.bySubscriber, subscriberID)
	delete(g.subscribers, subscriberID)
	g.mu.Unlock()

	for _, detach := range detaches {
		detach()
	}
	g.logger.Debug("subscriber disconnected", "subscriber", subscriberID)
}

// Subscribe attaches a subscriber to a live session. The subscriber first
// gets an initial_state message with everything buffered so far, then only
// output produced after that point. Subscribing twice is a no-op.
func (g *Gateway) Subscribe(name, subscriberID string) error {
	g.mu.Lock()
	sub, ok := g.subscribers[subscriberID]
	if !ok {
		g.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownSubscriber, subscriberID)
	}
	if _, ok := g.bySession[name][subscriberID]; ok {
		g.mu.Unlock()
		return nil
	}
	if !g.backend.SessionExists(name) {
		g.mu.Unlock()
		return fmt.Errorf("%w: %s", session.ErrNotFound, name)
	}
	sess, err := g.backend.Session(name)
	if err != nil {
		g.mu.Unlock()
		return err
	}
	first := len(g.bySession[name]) == 0
	if g.bySession[name] == nil {
		g.bySession[name] = make(map[string]func())
	}
	g.bySession[name][subscriberID] = nil
	g.bySubscriber[subscriberID][name] = struct{}{}
	hook := !g.hooked[sess]
	g.hooked[sess] = true
	g.mu.Unlock()

	if first {
		if err := g.backend.EnableStreaming(name); err != nil {
			g.logger.Warn("cannot enable streaming", "session", name, "error", err)
		}
	}

	detach := sess.Attach(
		func(snapshot []byte) {
			sub.Send(ServerMessage{Type: TypeInitialState, Session: name, Data: snapshot})
		},
		func(data []byte) {
			sub.Send(ServerMessage{Type: TypeOutput, Session: name, Data: data})
		},
	)

	g.mu.Lock()
	subs, ok := g.bySession[name]
	_, stillSubscribed := subs[subscriberID]
	if ok && stillSubscribed {
		subs[subscriberID] = detach
		detach = nil
	}
	g.mu.Unlock()
	// Unsubscribed or ended while attaching.
	if detach != nil {
		detach()
	}

	if hook {
		sess.OnExit(func(code int) { g.sessionEnded(name, sess, code) })
	}
	g.logger.Debug("subscribed", "session", name, "subscriber", subscriberID)
	return nil
}

// Unsubscribe detaches a subscriber from one session. Streaming stays on
// for the session even when nobody is left.
func (g *Gateway) Unsubscribe(name, subscriberID string) {
	g.mu.Lock()
	detach := g.removeLocked(name, subscriberID)
	if subs := g.bySubscriber[subscriberID]; subs != nil {
		delete(subs, name)
	}
	g.mu.Unlock()

	if detach != nil {
		detach()
	}
}

// removeLocked drops one subscription from the session index and returns
// its detach func. The caller updates bySubscriber.
func (g *Gateway) removeLocked(name, subscriberID string) func() {
	subs, ok := g.bySession[name]
	if !ok {
		return nil
	}
	detach := subs[subscriberID]
	delete(subs, subscriberID)
	if len(subs) == 0 {
		delete(g.bySession, name)
	}
	return detach
}

// SendInput writes data to the session and echoes it to every other
// subscriber of that session.
func (g *Gateway) SendInput(name string, data []byte, subscriberID string) error {
	if !g.backend.SessionExists(name) {
		return fmt.Errorf("%w: %s", session.ErrNotFound, name)
	}
	if err := g.backend.Write(name, data); err != nil {
		return err
	}

	msg := ServerMessage{Type: TypeInputEcho, Session: name, Data: data, From: subscriberID}
	for _, sub := range g.others(name, subscriberID) {
		sub.Send(msg)
	}
	return nil
}

func (g *Gateway) Resize(name string, cols, rows int) error {
	return g.backend.Resize(name, cols, rows)
}

func (g *Gateway) others(name, exclude string) []Subscriber {
	g.mu.Lock()
	defer g.mu.Unlock()
	var subs []Subscriber
	for id := range g.bySession[name] {
		if id == exclude {
			continue
		}
		if sub, ok := g.subscribers[id]; ok {
			subs = append(subs, sub)
		}
	}
	return subs
}

func (g *Gateway) sessionEnded(name string, sess *session.Session, code int) {
	var subs []Subscriber

	g.mu.Lock()
	delete(g.hooked, sess)
	// A new session may already run under the same name.
	if current, err := g.backend.Session(name); err == nil && current != sess {
		g.mu.Unlock()
		return
	}
	for id := range g.bySession[name] {
		if sub, ok := g.subscribers[id]; ok {
			subs = append(subs, sub)
		}
		if names := g.bySubscriber[id]; names != nil {
			delete(names, name)
		}
	}
	delete(g.bySession, name)
	g.mu.Unlock()

	msg := ServerMessage{Type: TypeSessionEnded, Session: name, ExitCode: &code}
	for _, sub := range subs {
		sub.Send(msg)
	}
	g.logger.Debug("session ended", "session", name, "subscribers", len(subs), "exit_code", code)
}

// Subscribers returns the subscriber ids of a session, sorted.
func (g *Gateway) Subscribers(name string) []string {
	g.mu.Lock()
	ids := make([]string, 0, len(g.bySession[name]))
	for id := range g.bySession[name] {
		ids = append(ids, id)
	}
	g.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// Subscriptions returns the session names a subscriber watches, sorted.
func (g *Gateway) Subscriptions(subscriberID string) []string {
	g.mu.Lock()
	names := make([]string, 0, len(g.bySubscriber[subscriberID]))
	for name := range g.bySubscriber[subscriberID] {
		names = append(names, name)
	}
	g.mu.Unlock()
	sort.Strings(names)
	return names
}
