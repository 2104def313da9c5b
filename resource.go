package harborkv

// resource.go tracks live handles so that a parent can invalidate its
// dependents: a DB invalidates its iterators, transactions and snapshots on
// Close, a snapshot invalidates its iterators on Release, and a transaction
// invalidates its iterators on Commit or Rollback.

import "sync"

// resource is a handle that can be invalidated by its owner. invalidate
// must be idempotent and must not call back into the owning resourceSet
// while the set is sweeping.
type resource interface {
	invalidate(cause error)
}

// resourceSet is a set of live handles. Once swept it refuses new members,
// which is how late arrivals (an iterator created while its transaction
// commits) observe the parent's end of life.
type resourceSet struct {
	mu     sync.Mutex
	items  map[resource]struct{}
	closed bool
}

func newResourceSet() *resourceSet {
	return &resourceSet{items: make(map[resource]struct{})}
}

// add registers r. It returns false if the set was already swept.
func (s *resourceSet) add(r resource) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.items[r] = struct{}{}
	return true
}

func (s *resourceSet) remove(r resource) {
	s.mu.Lock()
	delete(s.items, r)
	s.mu.Unlock()
}

func (s *resourceSet) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// sweep closes the set and invalidates every member with cause. The set's
// mutex is not held while members are invalidated.
func (s *resourceSet) sweep(cause error) int {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0
	}
	s.closed = true
	items := s.items
	s.items = nil
	s.mu.Unlock()

	for r := range items {
		r.invalidate(cause)
	}
	return len(items)
}
