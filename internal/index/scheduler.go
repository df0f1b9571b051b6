package index

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultDebounce is how long the scheduler waits after the last write
// notification before rebuilding.
const DefaultDebounce = 2 * time.Second

type schedState int

const (
	stateIdle schedState = iota
	statePendingDebounce
	stateBuilding
)

// Scheduler debounces rebuild notifications and runs at most one build at
// a time. Writes call Notify and return immediately; the build happens on
// a background goroutine and the finished snapshot is published with an
// atomic swap. A failed build leaves the prior snapshot active.
type Scheduler struct {
	mu       sync.Mutex
	state    schedState
	dirty    bool   // notify arrived while building; build again after
	gen      uint64 // bumped on every timer arm; stale fires check it and bail
	timer    *time.Timer
	closed   bool
	index    *Index
	debounce time.Duration

	builds atomic.Int64 // completed build attempts, for tests and stats
}

// NewScheduler creates a scheduler over the given index.
func NewScheduler(ix *Index, debounce time.Duration) *Scheduler {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Scheduler{index: ix, debounce: debounce}
}

// Notify records that the log changed. Notifications within the debounce
// window coalesce into a single build; a notification during a build sets
// a flag so another build follows, but never runs concurrently.
func (s *Scheduler) Notify() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	switch s.state {
	case stateIdle:
		s.state = statePendingDebounce
		s.arm()
	case statePendingDebounce:
		s.arm()
	case stateBuilding:
		s.dirty = true
	}
}

// arm starts a fresh debounce timer under a new generation. A previously
// armed timer may already have fired and be waiting on the mutex; the
// generation check in fire makes that stale fire a no-op instead of a
// second concurrent build. Caller must hold s.mu.
func (s *Scheduler) arm() {
	s.gen++
	gen := s.gen
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(s.debounce, func() { s.fire(gen) })
}

// fire runs on the timer goroutine when the debounce window elapses.
func (s *Scheduler) fire(gen uint64) {
	s.mu.Lock()
	if s.closed || s.state != statePendingDebounce || gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.state = stateBuilding
	s.mu.Unlock()

	snap, err := s.index.Build(context.Background())
	if err != nil {
		// Stale-but-available beats unavailable: keep the prior
		// snapshot and never surface this to the write that
		// triggered it.
		log.Printf("index rebuild failed: %v", err)
	} else {
		s.index.Publish(snap)
		log.Printf("index rebuilt: %d records", snap.Len())
	}
	s.builds.Add(1)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dirty && !s.closed {
		s.dirty = false
		s.state = statePendingDebounce
		s.arm()
		return
	}
	s.state = stateIdle
}

// Builds returns the number of completed build attempts.
func (s *Scheduler) Builds() int64 {
	return s.builds.Load()
}

// Close stops the scheduler. A build already in flight completes and
// publishes; no further builds are scheduled.
func (s *Scheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.timer != nil {
		s.timer.Stop()
	}
}
