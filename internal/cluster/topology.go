package cluster

import (
	"sync"

	"golang.org/x/exp/slices"
)

// TargetMapper resolves the node hosting a target.
type TargetMapper interface {
	NodeOf(target TargetID) (NodeID, bool)
}

// NodeResolver resolves a node ID to its contact information.
type NodeResolver interface {
	Node(id NodeID) (NodeInfo, bool)
}

// TargetMap is the in-memory target→node map. Safe for concurrent use.
type TargetMap struct {
	mu      sync.RWMutex
	targets map[TargetID]NodeID
}

// NewTargetMap returns an empty target to node mapping.
func NewTargetMap() *TargetMap {
	return &TargetMap{targets: make(map[TargetID]NodeID)}
}

// Map binds target to node, replacing any previous binding. Zero IDs are rejected.
func (m *TargetMap) Map(target TargetID, node NodeID) bool {
	if target == 0 || node == 0 {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.targets[target] = node
	return true
}

// Unmap forgets a target and reports whether it was mapped.
func (m *TargetMap) Unmap(target TargetID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.targets[target]; !ok {
		return false
	}
	delete(m.targets, target)
	return true
}

func (m *TargetMap) NodeOf(target TargetID) (NodeID, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.targets[target]
	return n, ok
}

// TargetsOf returns the targets hosted by node in ascending order.
func (m *TargetMap) TargetsOf(node NodeID) []TargetID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []TargetID
	for t, n := range m.targets {
		if n == node {
			out = append(out, t)
		}
	}
	slices.Sort(out)
	return out
}

// All returns a copy of the whole mapping.
func (m *TargetMap) All() map[TargetID]NodeID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[TargetID]NodeID, len(m.targets))
	for t, n := range m.targets {
		out[t] = n
	}
	return out
}

// NodeStore holds the known server nodes. Safe for concurrent use.
type NodeStore struct {
	mu    sync.RWMutex
	nodes []NodeInfo
}

func NewNodeStore() *NodeStore {
	return &NodeStore{}
}

// Upsert adds the node or replaces the entry with the same ID. It reports
// whether the node was new.
func (s *NodeStore) Upsert(n NodeInfo) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := slices.IndexFunc(s.nodes, func(x NodeInfo) bool { return x.ID == n.ID })
	if idx >= 0 {
		s.nodes[idx] = n
		return false
	}
	s.nodes = append(s.nodes, n)
	return true
}

func (s *NodeStore) Node(id NodeID) (NodeInfo, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx := slices.IndexFunc(s.nodes, func(x NodeInfo) bool { return x.ID == id })
	if idx < 0 {
		return NodeInfo{}, false
	}
	return s.nodes[idx], true
}

func (s *NodeStore) All() []NodeInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]NodeInfo(nil), s.nodes...)
}
