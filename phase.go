package realtime

import (
	"context"
	"sync"
)

type Phase int32

const (
	PhaseIdle Phase = iota
	PhaseConnecting
	PhaseConfigured
	PhaseActive
	PhaseDraining
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseConnecting:
		return "connecting"
	case PhaseConfigured:
		return "configured"
	case PhaseActive:
		return "active"
	case PhaseDraining:
		return "draining"
	case PhaseClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// phaseState only moves forward. Every change closes the current changed
// channel so waiters wake up and re-check.
type phaseState struct {
	mu      sync.Mutex
	phase   Phase
	changed chan struct{}
}

func newPhaseState() *phaseState {
	return &phaseState{changed: make(chan struct{})}
}

func (s *phaseState) Load() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Advance moves to p if p is later than the current phase and reports the
// phase it left.
func (s *phaseState) Advance(p Phase) (prev Phase, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev = s.phase
	if p <= prev {
		return prev, false
	}
	s.phase = p
	close(s.changed)
	s.changed = make(chan struct{})
	return prev, true
}

// Wait blocks until pred holds for the current phase or ctx is done.
func (s *phaseState) Wait(ctx context.Context, pred func(Phase) bool) (Phase, error) {
	for {
		s.mu.Lock()
		p, changed := s.phase, s.changed
		s.mu.Unlock()
		if pred(p) {
			return p, nil
		}
		select {
		case <-ctx.Done():
			return p, ctx.Err()
		case <-changed:
		}
	}
}
