package clock

import (
	"sort"
	"sync"
	"time"
)

// Fake is a virtual clock. Time only moves when Advance or Set is called, and
// due callbacks run synchronously on the caller's goroutine in due order.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	nextID  int
	tickers map[int]*fakeTicker
	timers  map[int]*fakeTimer
}

// NewFake returns a Fake clock positioned at start.
func NewFake(start time.Time) *Fake {
	return &Fake{
		now:     start,
		tickers: make(map[int]*fakeTicker),
		timers:  make(map[int]*fakeTimer),
	}
}

// Now returns the virtual time.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Every registers fn to run each time the virtual clock crosses a period boundary.
func (f *Fake) Every(period time.Duration, fn func(now time.Time)) Ticker {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.nextID++
	t := &fakeTicker{
		id:     f.nextID,
		clock:  f,
		period: period,
		next:   f.now.Add(period),
		fn:     fn,
	}
	f.tickers[t.id] = t
	return t
}

// After returns a channel that receives the virtual time once the clock has
// moved d past now.
func (f *Fake) After(d time.Duration) <-chan time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()

	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- f.now
		return ch
	}
	f.nextID++
	f.timers[f.nextID] = &fakeTimer{id: f.nextID, at: f.now.Add(d), ch: ch}
	return ch
}

// Timers returns the number of After channels that have not fired yet.
func (f *Fake) Timers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.timers)
}

// Tickers returns the number of live schedules.
func (f *Fake) Tickers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tickers)
}

// Advance moves the clock forward by d, firing every callback that falls due.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	target := f.now.Add(d)
	f.mu.Unlock()
	f.advanceTo(target)
}

// Set jumps the clock to t without firing intermediate ticks, the way a
// system clock change would. Schedules resume from the new time.
func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.now = t
	for _, tk := range f.tickers {
		tk.next = t.Add(tk.period)
	}
	for id, tm := range f.timers {
		if !tm.at.After(t) {
			delete(f.timers, id)
			tm.ch <- t
		}
	}
}

func (f *Fake) advanceTo(target time.Time) {
	for {
		f.mu.Lock()
		due := f.dueLocked(target)
		if tm := f.dueTimerLocked(target); tm != nil && (due == nil || tm.before(due)) {
			delete(f.timers, tm.id)
			f.now = tm.at
			f.mu.Unlock()
			tm.ch <- tm.at
			continue
		}
		if due == nil {
			f.now = target
			f.mu.Unlock()
			return
		}
		at := due.next
		f.now = at
		due.next = at.Add(due.period)
		fn := due.fn
		f.mu.Unlock()

		fn(at)
	}
}

// dueLocked picks the earliest ticker due at or before target. Ties go to
// the ticker registered first.
func (f *Fake) dueLocked(target time.Time) *fakeTicker {
	candidates := make([]*fakeTicker, 0, len(f.tickers))
	for _, t := range f.tickers {
		if !t.next.After(target) {
			candidates = append(candidates, t)
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].next.Equal(candidates[j].next) {
			return candidates[i].id < candidates[j].id
		}
		return candidates[i].next.Before(candidates[j].next)
	})
	return candidates[0]
}

func (f *Fake) dueTimerLocked(target time.Time) *fakeTimer {
	var first *fakeTimer
	for _, tm := range f.timers {
		if tm.at.After(target) {
			continue
		}
		if first == nil || tm.at.Before(first.at) || (tm.at.Equal(first.at) && tm.id < first.id) {
			first = tm
		}
	}
	return first
}

type fakeTimer struct {
	id int
	at time.Time
	ch chan time.Time
}

func (tm *fakeTimer) before(t *fakeTicker) bool {
	if tm.at.Equal(t.next) {
		return tm.id < t.id
	}
	return tm.at.Before(t.next)
}

type fakeTicker struct {
	id     int
	clock  *Fake
	period time.Duration
	next   time.Time
	fn     func(now time.Time)
}

func (t *fakeTicker) Stop() {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	delete(t.clock.tickers, t.id)
}
