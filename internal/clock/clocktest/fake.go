// Package clocktest provides a controllable clock for tests.
package clocktest

import (
	"sync"
	"time"
)

// Fake implements engine.Clock with a manually advanced time.
type Fake struct {
	mu  sync.Mutex
	now time.Time
}

// New creates a Fake pinned at the given instant.
func New(start time.Time) *Fake {
	return &Fake{now: start.UTC()}
}

// Now returns the fake current time.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Advance moves the clock forward by d.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

// Set pins the clock to t.
func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = t.UTC()
}
