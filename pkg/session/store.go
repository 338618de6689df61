package session

import (
	"sort"
	"sync"
)

// Store holds the session state of one context and notifies subscribers
// about every update. It is a passive container without validation.
type Store struct {
	mu    sync.Mutex
	state State
	subs  map[int]func(State)
	next  int
}

// NewStore returns a store in the loading state.
func NewStore() *Store {
	return &Store{
		state: State{Loading: true},
		subs:  make(map[int]func(State)),
	}
}

func (s *Store) Get() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state
}

// Update applies fn to the state and notifies the subscribers with the
// result, in registration order and outside of the lock.
func (s *Store) Update(fn func(state *State)) {
	s.mu.Lock()
	fn(&s.state)
	state := s.state

	ids := make([]int, 0, len(s.subs))
	for id := range s.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	subs := make([]func(State), 0, len(ids))
	for _, id := range ids {
		subs = append(subs, s.subs[id])
	}
	s.mu.Unlock()

	for _, sub := range subs {
		sub(state)
	}
}

// Subscribe registers fn for every update.
func (s *Store) Subscribe(fn func(State)) (unsubscribe func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.next
	s.next++
	s.subs[id] = fn

	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}
