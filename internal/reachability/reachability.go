// Package reachability reports whether the remote store can be reached and
// notifies subscribers when that changes.
package reachability

import (
	"slices"
	"sync"
)

// Monitor exposes the current connectivity state and its transitions.
type Monitor interface {
	IsReachable() bool
	// OnChange registers fn to be called on every transition. The returned
	// func removes the subscription.
	OnChange(fn func(reachable bool)) (unsubscribe func())
}

// subscribers is the callback registry shared by the monitors. Callbacks for
// one transition complete before the next transition is announced.
type subscribers struct {
	mu     sync.Mutex
	next   int
	fns    map[int]func(bool)
	notify sync.Mutex
}

func (s *subscribers) add(fn func(bool)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.fns == nil {
		s.fns = make(map[int]func(bool))
	}

	id := s.next
	s.next++
	s.fns[id] = fn

	var once sync.Once

	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.fns, id)
			s.mu.Unlock()
		})
	}
}

func (s *subscribers) snapshot() []func(bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]int, 0, len(s.fns))
	for id := range s.fns {
		ids = append(ids, id)
	}

	slices.Sort(ids)

	fns := make([]func(bool), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, s.fns[id])
	}

	return fns
}

func (s *subscribers) broadcast(reachable bool) {
	for _, fn := range s.snapshot() {
		fn(reachable)
	}
}

// Manual is a Monitor whose state is set by the caller. It starts reachable.
type Manual struct {
	subs subscribers

	mu        sync.RWMutex
	reachable bool
}

var _ Monitor = (*Manual)(nil)

func NewManual(reachable bool) *Manual {
	return &Manual{reachable: reachable}
}

func (m *Manual) IsReachable() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.reachable
}

func (m *Manual) OnChange(fn func(reachable bool)) func() {
	return m.subs.add(fn)
}

// Set updates the state and, on a transition, calls the subscribers before
// returning.
func (m *Manual) Set(reachable bool) {
	m.subs.notify.Lock()
	defer m.subs.notify.Unlock()

	m.mu.Lock()
	changed := m.reachable != reachable
	m.reachable = reachable
	m.mu.Unlock()

	if changed {
		m.subs.broadcast(reachable)
	}
}
