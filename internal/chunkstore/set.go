package chunkstore

import (
	"sync"

	"golang.org/x/exp/slices"

	"github.com/dreamware/buddymirror/internal/cluster"
)

// Set holds the targets hosted by one storage daemon. Safe for concurrent use.
type Set struct {
	mu      sync.RWMutex
	targets map[cluster.TargetID]*Target
}

func NewSet(targets ...*Target) *Set {
	s := &Set{targets: make(map[cluster.TargetID]*Target, len(targets))}
	for _, t := range targets {
		s.targets[t.ID] = t
	}
	return s
}

// Add registers a target, replacing one with the same ID.
func (s *Set) Add(t *Target) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.targets[t.ID] = t
}

// Get returns the local target with the given ID.
func (s *Set) Get(id cluster.TargetID) (*Target, bool) {
	if s == nil {
		return nil, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.targets[id]
	return t, ok
}

// IDs returns the hosted target IDs in ascending order.
func (s *Set) IDs() []cluster.TargetID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]cluster.TargetID, 0, len(s.targets))
	for id := range s.targets {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}
