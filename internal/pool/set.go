package pool

import "sync"

// ID is a stable index into a Set.
type ID int

// Set is an arena of tracked pools. IDs are never reused, so consumers can
// hold an ID across refreshes instead of a pointer.
type Set struct {
	mu    sync.RWMutex
	pools []*Descriptor
	index map[Key]ID
}

func NewSet() *Set {
	return &Set{index: make(map[Key]ID)}
}

// Add tracks d and returns its ID. A pool with the same identity key keeps
// its existing ID.
func (s *Set) Add(d *Descriptor) ID {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.index[d.Key()]; ok {
		return id
	}
	id := ID(len(s.pools))
	s.pools = append(s.pools, d)
	s.index[d.Key()] = id
	return id
}

// Remove stops tracking id.
func (s *Set) Remove(id ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if int(id) < 0 || int(id) >= len(s.pools) || s.pools[id] == nil {
		return
	}
	delete(s.index, s.pools[id].Key())
	s.pools[id] = nil
}

func (s *Set) Get(id ID) (*Descriptor, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if int(id) < 0 || int(id) >= len(s.pools) || s.pools[id] == nil {
		return nil, false
	}
	return s.pools[id], true
}

func (s *Set) Lookup(k Key) (ID, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.index[k]
	return id, ok
}

// All returns the tracked pools in ID order.
func (s *Set) All() []*Descriptor {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Descriptor, 0, len(s.index))
	for _, d := range s.pools {
		if d != nil {
			out = append(out, d)
		}
	}
	return out
}

func (s *Set) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.index)
}
