package schedule

import (
	"sync"
	"time"
)

// Timer is the subset of *time.Timer the scheduler relies on.
type Timer interface {
	Stop() bool
}

// Clock abstracts wall time so timer-driven transitions can be tested deterministically.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type systemClock struct{}

// SystemClock returns a Clock backed by the time package.
func SystemClock() Clock { return systemClock{} }

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

type entry struct {
	timer Timer
	gen   uint64
}

// Scheduler runs one cancellable deadline per key. Keys name the owning entity
// (for example "window:<task id>"), so cancelling an entity's deadline never
// touches another entity's timer.
type Scheduler struct {
	clock Clock

	mu      sync.Mutex
	gen     uint64
	entries map[string]entry
	closed  bool
}

// NewScheduler builds a Scheduler. A nil clock falls back to SystemClock.
func NewScheduler(clock Clock) *Scheduler {
	if clock == nil {
		clock = SystemClock()
	}
	return &Scheduler{
		clock:   clock,
		entries: make(map[string]entry),
	}
}

// Clock exposes the scheduler's time source.
func (s *Scheduler) Clock() Clock {
	return s.clock
}

// Now is shorthand for s.Clock().Now().
func (s *Scheduler) Now() time.Time {
	return s.clock.Now()
}

// Schedule arms fn to run at the given instant, replacing any deadline already
// registered under key. A replaced timer that has already started firing is
// discarded by the generation check and never runs fn.
func (s *Scheduler) Schedule(key string, at time.Time, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if prev, ok := s.entries[key]; ok {
		prev.timer.Stop()
	}

	s.gen++
	gen := s.gen
	delay := at.Sub(s.clock.Now())
	if delay < 0 {
		delay = 0
	}
	timer := s.clock.AfterFunc(delay, func() {
		if !s.claim(key, gen) {
			return
		}
		fn()
	})
	s.entries[key] = entry{timer: timer, gen: gen}
}

// claim removes the entry when it still belongs to generation gen.
func (s *Scheduler) claim(key string, gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.entries[key]
	if !ok || cur.gen != gen {
		return false
	}
	delete(s.entries, key)
	return true
}

// Cancel stops the deadline registered under key. It reports whether a
// pending deadline was removed.
func (s *Scheduler) Cancel(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.entries[key]
	if !ok {
		return false
	}
	cur.timer.Stop()
	delete(s.entries, key)
	return true
}

// Pending reports whether key has an armed deadline.
func (s *Scheduler) Pending(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[key]
	return ok
}

// Len returns the number of armed deadlines.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Close stops every armed deadline and rejects future Schedule calls.
func (s *Scheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, e := range s.entries {
		e.timer.Stop()
		delete(s.entries, key)
	}
	s.closed = true
}
