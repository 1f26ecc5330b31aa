// Package clock abstracts wall-clock time so that session timers can be driven
// by a real ticker in production and by virtual time in tests.
package clock

import (
	"sync"
	"time"
)

// Clock is the only time source consulted by the exam engine.
type Clock interface {
	// Now returns the current wall-clock time.
	Now() time.Time
	// Every schedules fn to run once per period until the returned Ticker is
	// stopped. fn receives a freshly read wall-clock time, never an
	// accumulated counter.
	Every(period time.Duration, fn func(now time.Time)) Ticker
	// After delivers the current time once d has elapsed.
	After(d time.Duration) <-chan time.Time
}

// Ticker cancels a schedule created by Clock.Every.
type Ticker interface {
	Stop()
}

// Real is the system clock.
type Real struct{}

// New returns the system clock.
func New() Real {
	return Real{}
}

// Now returns time.Now().
func (Real) Now() time.Time {
	return time.Now()
}

// After is time.After.
func (Real) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

// Every runs fn on its own goroutine at each period boundary.
func (Real) Every(period time.Duration, fn func(now time.Time)) Ticker {
	t := &realTicker{
		ticker: time.NewTicker(period),
		done:   make(chan struct{}),
	}

	go func() {
		for {
			select {
			case <-t.done:
				return
			case <-t.ticker.C:
				// Re-check so a tick racing with Stop is dropped.
				select {
				case <-t.done:
					return
				default:
				}
				fn(time.Now())
			}
		}
	}()

	return t
}

type realTicker struct {
	ticker *time.Ticker
	done   chan struct{}
	once   sync.Once
}

func (t *realTicker) Stop() {
	t.once.Do(func() {
		t.ticker.Stop()
		close(t.done)
	})
}
