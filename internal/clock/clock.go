// Package clock provides the time source used by stores, brokers and
// schedulers, and a manually advanced fake for tests.
package clock

import (
	"sync"
	"time"
)

// Func returns the current time.
type Func func() time.Time

// System is the wall clock.
func System() time.Time { return time.Now() }

// OrSystem returns f, or System when f is nil.
func OrSystem(f Func) Func {
	if f == nil {
		return System
	}
	return f
}

// Fake is a manually advanced clock. The zero value starts at the zero time.
type Fake struct {
	mu  sync.Mutex
	now time.Time
}

func NewFake(start time.Time) *Fake { return &Fake{now: start} }

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Advance moves the clock forward by d and returns the new time.
func (f *Fake) Advance(d time.Duration) time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
	return f.now
}

func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	f.now = t
	f.mu.Unlock()
}
