package connection

import (
	"sync"

	"github.com/dieffenderfer/nirsenseandroidapp-sub000/pkg/nirs"
)

// Sequencer admits one device at a time into setup.
// Addresses wait in FIFO order; at most one is in progress.
type Sequencer struct {
	mu         sync.Mutex
	queue      []nirs.Address
	inProgress nirs.Address
	busy       bool
}

// NewSequencer creates an empty sequencer
func NewSequencer() *Sequencer {
	return &Sequencer{}
}

// Enqueue appends addr unless it is already queued or in progress
func (s *Sequencer) Enqueue(addr nirs.Address) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.busy && s.inProgress == addr {
		return false
	}
	for _, a := range s.queue {
		if a == addr {
			return false
		}
	}
	s.queue = append(s.queue, addr)
	return true
}

// TryAdvance admits the head of the queue when nothing is in progress
func (s *Sequencer) TryAdvance() (nirs.Address, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.busy || len(s.queue) == 0 {
		return 0, false
	}
	s.inProgress = s.queue[0]
	s.queue = s.queue[1:]
	s.busy = true
	return s.inProgress, true
}

// Complete frees the slot if addr holds it
func (s *Sequencer) Complete(addr nirs.Address) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.busy && s.inProgress == addr {
		s.busy = false
		s.inProgress = 0
	}
}

// Remove drops addr from the queue and from the slot
func (s *Sequencer) Remove(addr nirs.Address) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.busy && s.inProgress == addr {
		s.busy = false
		s.inProgress = 0
	}
	for i, a := range s.queue {
		if a == addr {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			break
		}
	}
}

// InProgress returns the device currently in setup
func (s *Sequencer) InProgress() (nirs.Address, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inProgress, s.busy
}

// Pending returns a copy of the waiting addresses in admission order
func (s *Sequencer) Pending() []nirs.Address {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]nirs.Address, len(s.queue))
	copy(out, s.queue)
	return out
}
