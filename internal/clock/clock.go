package clock

import (
	"sync"
	"time"
)

// Clock abstracts wall time so rate bookkeeping can be tested without
// sleeping.
type Clock interface {
	// Now returns the current time.
	Now() time.Time
	// After returns a channel that receives once d has elapsed.
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

// New returns a Clock backed by the time package.
func New() Clock {
	return realClock{}
}

func (realClock) Now() time.Time {
	return time.Now()
}

func (realClock) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

// Mock is a manually advanced Clock.
type Mock struct {
	mu      sync.Mutex
	now     time.Time
	waiters []waiter
}

type waiter struct {
	at time.Time
	ch chan time.Time
}

// NewMock returns a Mock starting at start.
func NewMock(start time.Time) *Mock {
	return &Mock{now: start}
}

func (m *Mock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.now
}

func (m *Mock) After(d time.Duration) <-chan time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch := make(chan time.Time, 1)
	at := m.now.Add(d)

	if d <= 0 {
		ch <- m.now

		return ch
	}

	m.waiters = append(m.waiters, waiter{at: at, ch: ch})

	return ch
}

// Advance moves the clock forward by d, firing any After channels that
// became due.
func (m *Mock) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.now = m.now.Add(d)

	pending := m.waiters[:0]

	for _, w := range m.waiters {
		if !w.at.After(m.now) {
			w.ch <- m.now

			continue
		}

		pending = append(pending, w)
	}

	m.waiters = pending
}

// Waiters returns the number of After channels that have not fired.
func (m *Mock) Waiters() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.waiters)
}
