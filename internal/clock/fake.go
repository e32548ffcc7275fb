package clock

import (
	"sort"
	"sync"
	"time"
)

// Fake is a Clock that only moves when Advance is called. AfterFunc
// callbacks run synchronously inside Advance, in deadline order; channel
// deliveries never block.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	pending []*fakeTimer
	changed *sync.Cond
}

type fakeTimer struct {
	clock    *Fake
	deadline time.Time
	fn       func()
	ch       chan time.Time
	interval time.Duration
	stopped  bool
}

func NewFake(start time.Time) *Fake {
	f := &Fake{now: start}
	f.changed = sync.NewCond(&f.mu)
	return f
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if d <= 0 {
		ch <- f.now
		return ch
	}
	f.addLocked(&fakeTimer{clock: f, deadline: f.now.Add(d), ch: ch})
	return ch
}

func (f *Fake) AfterFunc(d time.Duration, fn func()) Timer {
	t := &fakeTimer{clock: f, fn: fn}
	f.mu.Lock()
	t.deadline = f.now.Add(d)
	if d <= 0 {
		t.stopped = true
		f.mu.Unlock()
		fn()
		return t
	}
	f.addLocked(t)
	f.mu.Unlock()
	return t
}

func (f *Fake) NewTicker(d time.Duration) Ticker {
	if d <= 0 {
		panic("clock: non-positive ticker interval")
	}
	t := &fakeTimer{clock: f, ch: make(chan time.Time, 1), interval: d}
	f.mu.Lock()
	t.deadline = f.now.Add(d)
	f.addLocked(t)
	f.mu.Unlock()
	return fakeTicker{t}
}

func (f *Fake) Sleep(d time.Duration) {
	<-f.After(d)
}

// Advance moves time forward and fires everything that became due.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	target := f.now
	f.mu.Unlock()

	for {
		due := f.takeDue(target)
		if len(due) == 0 {
			return
		}
		for _, t := range due {
			if t.fn != nil {
				t.fn()
				continue
			}
			select {
			case t.ch <- target:
			default:
			}
		}
	}
}

// WaitForTimers blocks until at least n timers are pending. Use it to
// avoid racing a goroutine that has not armed its timer yet.
func (f *Fake) WaitForTimers(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for f.countLocked() < n {
		f.changed.Wait()
	}
}

// Pending returns the number of armed timers and tickers.
func (f *Fake) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.countLocked()
}

func (f *Fake) addLocked(t *fakeTimer) {
	f.pending = append(f.pending, t)
	f.changed.Broadcast()
}

func (f *Fake) countLocked() int {
	n := 0
	for _, t := range f.pending {
		if !t.stopped {
			n++
		}
	}
	return n
}

func (f *Fake) takeDue(target time.Time) []*fakeTimer {
	f.mu.Lock()
	defer f.mu.Unlock()

	var due, keep []*fakeTimer
	for _, t := range f.pending {
		switch {
		case t.stopped:
		case t.deadline.After(target):
			keep = append(keep, t)
		default:
			due = append(due, t)
		}
	}
	for _, t := range due {
		if t.interval > 0 {
			t.deadline = t.deadline.Add(t.interval)
			keep = append(keep, t)
		} else {
			t.stopped = true
		}
	}
	f.pending = keep

	sort.SliceStable(due, func(i, j int) bool {
		return due[i].deadline.Before(due[j].deadline)
	})
	return due
}

type fakeTicker struct{ *fakeTimer }

func (t fakeTicker) Stop() { t.fakeTimer.Stop() }

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.stopped {
		return false
	}
	t.stopped = true
	t.clock.changed.Broadcast()
	return true
}

func (t *fakeTimer) C() <-chan time.Time { return t.ch }
