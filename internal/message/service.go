// Package message implements the causal message service: an
// engine-held tree clock plus the receive/deliver protocol that orders
// incoming operations consistently with happened-before, buffering
// anything that arrives ahead of its causal predecessor.
package message

import (
	"sync"

	"github.com/jabolina/meldcore/internal/clock"
	"github.com/jabolina/meldcore/internal/logging"
	"github.com/jabolina/meldcore/internal/model"
)

// Accept is invoked, in causal order, for every operation the service
// lets through.
type Accept func(model.Operation)

// Service holds the current tree clock for one clone and decides, for
// each arriving operation, whether to accept it immediately or buffer it
// until its causal predecessor has been seen.
type Service struct {
	mu    sync.Mutex
	clock clock.Clock
	log   logging.Logger
}

// New builds a Service seeded with the clone's current clock.
func New(c clock.Clock, log logging.Logger) *Service {
	return &Service{clock: c, log: log}
}

// Seed overwrites the service's clock wholesale. Only meaningful during
// initialisation, before any concurrent Receive/Send/Fork calls.
func (s *Service) Seed(c clock.Clock) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clock = c
}

// Peek returns the current clock without mutating it.
func (s *Service) Peek() clock.Clock {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clock
}

// Send ticks the clock atomically and returns the new value for
// stamping an outgoing operation.
func (s *Service) Send() clock.Clock {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clock = s.clock.Ticked()
	return s.clock
}

// Fork splits the local id-leaf, retaining the left half and returning
// the right half for a new participant.
func (s *Service) Fork() clock.Clock {
	s.mu.Lock()
	defer s.mu.Unlock()
	left, right := s.clock.Forked()
	s.clock = left
	return right
}

// Receive tests whether op is the causal successor of the current clock
// with respect to its sender's identity. If so, it joins the clock,
// invokes accept, and drains buf of anything now deliverable. Otherwise
// op is pushed into buf to await its predecessor.
func (s *Service) Receive(op model.Operation, buf *Buffer, accept Accept) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.readyLocked(op) {
		buf.Push(op)
		return
	}
	s.acceptLocked(op, accept)
	s.drainLocked(buf, accept)
}

// Deliver forcibly accepts op regardless of causal readiness (used for
// snapshot catch-up, which establishes a new baseline rather than
// extending the existing one) and then drains buf.
func (s *Service) Deliver(op model.Operation, buf *Buffer, accept Accept) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acceptLocked(op, accept)
	s.drainLocked(buf, accept)
}

func (s *Service) readyLocked(op model.Operation) bool {
	prior := s.clock.TicksAt(op.Time.IDPath())
	return op.From == prior+1
}

func (s *Service) acceptLocked(op model.Operation, accept Accept) {
	s.clock = s.clock.Update(op.Time)
	accept(op)
}

func (s *Service) drainLocked(buf *Buffer, accept Accept) {
	for {
		op, ok := buf.PopReady(s.readyLocked)
		if !ok {
			return
		}
		s.acceptLocked(op, accept)
	}
}
