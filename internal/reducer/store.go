package reducer

import (
	"sync"

	"github.com/doyleh/care-sync/internal/protocol"
)

// Store wraps a State behind a lock so the transport's delivery goroutine
// and local dispatch callers can share one replica. Slices inside the
// snapshot are treated as immutable; Apply always builds fresh ones.
type Store struct {
	mu    sync.RWMutex
	state State
}

func NewStore() *Store {
	return &Store{state: NewState()}
}

func (s *Store) Apply(ev protocol.Event) {
	s.mu.Lock()
	s.state = Apply(s.state, ev)
	s.mu.Unlock()
}

func (s *Store) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}
