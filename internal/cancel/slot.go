// Package cancel forwards a termination signal to the execution engine of
// the current run.
//
// The engine is published into a Slot right after construction. A signal
// that arrives before that is remembered and delivered on Publish, so no
// signal received during the wrapper's lifetime is lost.
package cancel

import "sync"

// Killer is the part of the engine the handler needs.
type Killer interface {
	Kill()
}

// State of a Slot.
type State int

const (
	Waiting State = iota // no engine published yet
	Running              // engine published
)

func (s State) String() string {
	if s == Running {
		return "RUNNING"
	}
	return "WAITING"
}

// Slot is a single-slot, concurrency-safe reference to the active engine.
type Slot struct {
	mu        sync.Mutex
	handle    Killer
	requested bool
}

// NewSlot returns an empty slot.
func NewSlot() *Slot {
	return &Slot{}
}

// State reports whether an engine has been published.
func (s *Slot) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handle != nil {
		return Running
	}
	return Waiting
}

// Publish stores the engine. If cancellation was already requested the
// engine is killed immediately and Publish returns true.
func (s *Slot) Publish(k Killer) bool {
	s.mu.Lock()
	s.handle = k
	pending := s.requested
	s.mu.Unlock()

	if pending {
		k.Kill()
	}
	return pending
}

// Cancel requests cancellation. With an engine published it calls Kill once
// and returns true. Without one the request is kept for Publish.
func (s *Slot) Cancel() bool {
	s.mu.Lock()
	s.requested = true
	k := s.handle
	s.mu.Unlock()

	if k == nil {
		return false
	}
	k.Kill()
	return true
}

// Requested reports whether Cancel has been called.
func (s *Slot) Requested() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requested
}
