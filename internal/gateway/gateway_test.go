package gateway

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/schovi/shellcrew/internal/session"
)

type recorder struct {
	id string
	ch chan ServerMessage
	t  *testing.T
}

func newRecorder(t *testing.T, id string) *recorder {
	return &recorder{id: id, ch: make(chan ServerMessage, 1024), t: t}
}

func (r *recorder) ID() string { return r.id }

func (r *recorder) Send(msg ServerMessage) {
	select {
	case r.ch <- msg:
	default:
		r.t.Errorf("recorder %s overflowed", r.id)
	}
}

func (r *recorder) next(t *testing.T) ServerMessage {
	t.Helper()
	select {
	case msg := <-r.ch:
		return msg
	case <-time.After(5 * time.Second):
		t.Fatalf("%s: no message", r.id)
		return ServerMessage{}
	}
}

// outputUntil concatenates output messages until they contain want. Any
// other message type fails the test.
func (r *recorder) outputUntil(t *testing.T, want string) string {
	t.Helper()
	var got strings.Builder
	for !strings.Contains(got.String(), want) {
		msg := r.next(t)
		if msg.Type != TypeOutput {
			t.Fatalf("%s: got %s while waiting for output %q (have %q)", r.id, msg.Type, want, got.String())
		}
		got.Write(msg.Data)
	}
	return got.String()
}

func (r *recorder) quiet(t *testing.T) {
	t.Helper()
	select {
	case msg := <-r.ch:
		t.Errorf("%s: unexpected %s message %q", r.id, msg.Type, msg.Data)
	case <-time.After(50 * time.Millisecond):
	}
}

func newTestManager(t *testing.T) *session.Manager {
	t.Helper()
	m, err := session.NewBackend(session.Config{Kind: session.KindPTY, MaxOutput: 1 << 20})
	if err != nil {
		t.Fatalf("NewBackend: %v", err)
	}
	t.Cleanup(m.Destroy)
	return m
}

// startCat runs a raw-mode cat so every write comes back exactly once.
func startCat(t *testing.T, m *session.Manager, name string) *session.Session {
	t.Helper()
	sess, err := m.CreateSession(name, session.Options{
		Cwd:     t.TempDir(),
		Command: "sh",
		Args:    []string{"-c", "stty raw -echo; printf READY; exec cat"},
	})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	waitBuffered(t, sess, "READY")
	return sess
}

func waitBuffered(t *testing.T, sess *session.Session, want string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if strings.Contains(string(sess.Buffer().Bytes()), want) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %q, buffer %q", want, sess.Buffer().Bytes())
}

func TestSubscribe_LateSubscriberGetsReplayOnce(t *testing.T) {
	m := newTestManager(t)
	sess := startCat(t, m, "late")
	gw := New(m)

	early := newRecorder(t, "early")
	gw.Register(early)
	if err := gw.Subscribe("late", "early"); err != nil {
		t.Fatalf("Subscribe early: %v", err)
	}
	if msg := early.next(t); msg.Type != TypeInitialState || string(msg.Data) != "READY" {
		t.Fatalf("early initial state = %s %q", msg.Type, msg.Data)
	}

	payload := strings.Repeat("0123456789", 10)
	if err := m.Write("late", []byte(payload)); err != nil {
		t.Fatal(err)
	}
	waitBuffered(t, sess, payload)

	late := newRecorder(t, "late-sub")
	gw.Register(late)
	if err := gw.Subscribe("late", "late-sub"); err != nil {
		t.Fatalf("Subscribe late: %v", err)
	}
	msg := late.next(t)
	if msg.Type != TypeInitialState || msg.Session != "late" {
		t.Fatalf("first message = %s for %q, want initial_state", msg.Type, msg.Session)
	}
	if string(msg.Data) != "READY"+payload {
		t.Errorf("replay = %q, want READY + %d bytes", msg.Data, len(payload))
	}

	if err := m.Write("late", []byte("tail")); err != nil {
		t.Fatal(err)
	}
	if got := late.outputUntil(t, "tail"); got != "tail" {
		t.Errorf("late subscriber output = %q, want only new output", got)
	}
	if got := early.outputUntil(t, payload+"tail"); got != payload+"tail" {
		t.Errorf("early subscriber output = %q", got)
	}
	early.quiet(t)
	late.quiet(t)
}

func TestSubscribe_Errors(t *testing.T) {
	m := newTestManager(t)
	startCat(t, m, "s1")
	gw := New(m)

	if err := gw.Subscribe("s1", "ghost"); !errors.Is(err, ErrUnknownSubscriber) {
		t.Errorf("unregistered subscriber: %v", err)
	}

	r := newRecorder(t, "r")
	gw.Register(r)
	if err := gw.Subscribe("missing", "r"); !errors.Is(err, session.ErrNotFound) {
		t.Errorf("missing session: %v", err)
	}
	if got := gw.Subscriptions("r"); len(got) != 0 {
		t.Errorf("failed subscribe left %v", got)
	}

	if err := gw.Subscribe("s1", "r"); err != nil {
		t.Fatal(err)
	}
	if err := gw.Subscribe("s1", "r"); err != nil {
		t.Fatalf("second Subscribe: %v", err)
	}
	if msg := r.next(t); msg.Type != TypeInitialState {
		t.Fatalf("got %s", msg.Type)
	}
	r.quiet(t)
}

func TestSendInput_EchoesToOthers(t *testing.T) {
	m := newTestManager(t)
	startCat(t, m, "shared")
	gw := New(m)

	alice, bob := newRecorder(t, "alice"), newRecorder(t, "bob")
	for _, r := range []*recorder{alice, bob} {
		gw.Register(r)
		if err := gw.Subscribe("shared", r.id); err != nil {
			t.Fatal(err)
		}
		r.next(t)
	}

	if err := gw.SendInput("shared", []byte("hi"), "alice"); err != nil {
		t.Fatalf("SendInput: %v", err)
	}

	var sawEcho bool
	var out strings.Builder
	for !sawEcho || !strings.Contains(out.String(), "hi") {
		msg := bob.next(t)
		switch msg.Type {
		case TypeInputEcho:
			if msg.From != "alice" || string(msg.Data) != "hi" || msg.Session != "shared" {
				t.Errorf("echo = %+v", msg)
			}
			sawEcho = true
		case TypeOutput:
			out.Write(msg.Data)
		default:
			t.Fatalf("bob got %s", msg.Type)
		}
	}
	alice.outputUntil(t, "hi")

	if err := gw.SendInput("missing", []byte("x"), "alice"); !errors.Is(err, session.ErrNotFound) {
		t.Errorf("SendInput to missing session: %v", err)
	}
}

func TestSessionEnded(t *testing.T) {
	m := newTestManager(t)
	startCat(t, m, "doomed")
	gw := New(m)

	r := newRecorder(t, "r")
	gw.Register(r)
	if err := gw.Subscribe("doomed", "r"); err != nil {
		t.Fatal(err)
	}
	r.next(t)

	if err := m.KillSession("doomed"); err != nil {
		t.Fatal(err)
	}
	for {
		msg := r.next(t)
		if msg.Type == TypeOutput {
			continue
		}
		if msg.Type != TypeSessionEnded || msg.Session != "doomed" || msg.ExitCode == nil {
			t.Fatalf("got %+v, want session_ended", msg)
		}
		break
	}
	if got := gw.Subscribers("doomed"); len(got) != 0 {
		t.Errorf("subscribers after exit = %v", got)
	}
	if got := gw.Subscriptions("r"); len(got) != 0 {
		t.Errorf("subscriptions after exit = %v", got)
	}
}

func TestDisconnect_PurgesEverySubscription(t *testing.T) {
	m := newTestManager(t)
	startCat(t, m, "one")
	startCat(t, m, "two")
	gw := New(m)

	r, other := newRecorder(t, "r"), newRecorder(t, "other")
	gw.Register(r)
	gw.Register(other)
	for _, name := range []string{"one", "two"} {
		if err := gw.Subscribe(name, "r"); err != nil {
			t.Fatal(err)
		}
	}
	if err := gw.Subscribe("one", "other"); err != nil {
		t.Fatal(err)
	}
	if got := gw.Subscriptions("r"); len(got) != 2 {
		t.Fatalf("subscriptions = %v", got)
	}

	gw.Disconnect("r")

	if got := gw.Subscribers("one"); len(got) != 1 || got[0] != "other" {
		t.Errorf("one subscribers = %v, want [other]", got)
	}
	if got := gw.Subscribers("two"); len(got) != 0 {
		t.Errorf("two subscribers = %v", got)
	}
	if !m.SessionExists("one") || !m.SessionExists("two") {
		t.Error("disconnect closed a session")
	}
	if err := gw.Subscribe("one", "r"); !errors.Is(err, ErrUnknownSubscriber) {
		t.Errorf("subscribe after disconnect: %v", err)
	}
}

func TestUnsubscribe_StopsOutput(t *testing.T) {
	m := newTestManager(t)
	startCat(t, m, "s")
	gw := New(m)

	r := newRecorder(t, "r")
	gw.Register(r)
	if err := gw.Subscribe("s", "r"); err != nil {
		t.Fatal(err)
	}
	r.next(t)

	gw.Unsubscribe("s", "r")
	if got := gw.Subscribers("s"); len(got) != 0 {
		t.Errorf("subscribers = %v", got)
	}
	if err := m.Write("s", []byte("unseen")); err != nil {
		t.Fatal(err)
	}
	r.quiet(t)
}
