package session

import (
	"fmt"
	"sync"
	"time"

	"biomarker-session/internal/shared/telemetry"
)

// Listener receives a snapshot after every accepted transition.
type Listener func(Session)

type listenerEntry struct {
	id uint64
	fn Listener
}

// Store holds the single current session. Snapshots are delivered to
// listeners in revision order, one delivery at a time, even when a listener
// triggers further transitions.
type Store struct {
	mu    sync.Mutex
	state Session
	// gen identifies the session that may currently mutate state.
	gen uint64

	listeners []listenerEntry
	nextID    uint64

	pending     []Session
	dispatching bool

	now func() time.Time
}

func NewStore() *Store {
	return &Store{
		state: Session{Phase: PhaseIdle},
		now:   time.Now,
	}
}

// GetState returns the current snapshot.
func (s *Store) GetState() Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Subscribe registers l and returns a function that removes it. Delivery is
// ordered but may run on another mutator's goroutine; see flush.
func (s *Store) Subscribe(l Listener) func() {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.listeners = append(s.listeners, listenerEntry{id: id, fn: l})
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			for i, e := range s.listeners {
				if e.id == id {
					s.listeners = append(s.listeners[:i:i], s.listeners[i+1:]...)
					return
				}
			}
		})
	}
}

// apply runs fn on a copy of the state if gen is still current. fn reports
// whether it changed anything; only then is the copy committed and queued
// for delivery. Callers must call flush once they hold no other locks.
func (s *Store) apply(gen uint64, fn func(*Session) bool) (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen {
		return s.state, false
	}
	next := s.state
	if !fn(&next) {
		return s.state, false
	}
	s.commitLocked(next)
	return next, true
}

// update is apply followed by flush.
func (s *Store) update(gen uint64, fn func(*Session) bool) (Session, bool) {
	snap, ok := s.apply(gen, fn)
	s.flush()
	return snap, ok
}

// begin replaces the state with a fresh starting session and returns its generation.
func (s *Store) begin(payload *Payload) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gen++
	now := s.now()
	s.commitLocked(Session{
		Phase:       PhaseStarting,
		Payload:     payload,
		SubmittedAt: now,
	})
	return s.gen
}

// reset returns the store to idle and invalidates the current generation.
func (s *Store) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gen++
	s.commitLocked(Session{Phase: PhaseIdle})
}

func (s *Store) commitLocked(next Session) {
	next.Revision = s.state.Revision + 1
	next.UpdatedAt = s.now()
	s.state = next
	s.pending = append(s.pending, next)
}

// flush delivers queued snapshots. A flush that starts while another is
// running returns immediately; the running one drains the queue.
func (s *Store) flush() {
	s.mu.Lock()
	if s.dispatching {
		s.mu.Unlock()
		return
	}
	s.dispatching = true
	for len(s.pending) > 0 {
		snap := s.pending[0]
		s.pending = s.pending[1:]
		listeners := append([]listenerEntry(nil), s.listeners...)
		s.mu.Unlock()
		for _, e := range listeners {
			notify(e.fn, snap)
		}
		s.mu.Lock()
	}
	s.pending = nil
	s.dispatching = false
	s.mu.Unlock()
}

func notify(l Listener, snap Session) {
	defer func() {
		if rec := recover(); rec != nil {
			telemetry.Error("session.listener_panic", map[string]any{
				"session_id": snap.SessionID,
				"revision":   snap.Revision,
				"panic":      fmt.Sprint(rec),
			})
		}
	}()
	l(snap)
}
