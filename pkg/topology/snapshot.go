package topology

import (
	"sort"
	"sync/atomic"

	"line-plant/pkg/model"
)

// Snapshot is a read-only view of the node directory taken at one point in
// time. Editors receive it explicitly; the host decides when to refresh it.
type Snapshot struct {
	nodes map[string]model.DistributionNode
	order []string
}

// NewSnapshot copies nodes into a snapshot ordered by name, then id.
func NewSnapshot(nodes []model.DistributionNode) Snapshot {
	s := Snapshot{nodes: make(map[string]model.DistributionNode, len(nodes))}
	for _, n := range nodes {
		if _, dup := s.nodes[n.ID]; !dup {
			s.order = append(s.order, n.ID)
		}
		s.nodes[n.ID] = n
	}
	sort.SliceStable(s.order, func(i, j int) bool {
		a, b := s.nodes[s.order[i]], s.nodes[s.order[j]]
		if a.Name != b.Name {
			return a.Name < b.Name
		}
		return a.ID < b.ID
	})
	return s
}

// Node looks up a node by id.
func (s Snapshot) Node(id string) (model.DistributionNode, bool) {
	n, ok := s.nodes[id]
	return n, ok
}

// Nodes returns all nodes in display order.
func (s Snapshot) Nodes() []model.DistributionNode {
	out := make([]model.DistributionNode, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.nodes[id])
	}
	return out
}

// Len returns the number of nodes.
func (s Snapshot) Len() int { return len(s.order) }

// Holder publishes the current snapshot to concurrent readers. Each operation
// should Load once and work against that value.
type Holder struct {
	p atomic.Pointer[Snapshot]
}

func NewHolder(s Snapshot) *Holder {
	h := &Holder{}
	h.Store(s)
	return h
}

func (h *Holder) Load() Snapshot {
	if s := h.p.Load(); s != nil {
		return *s
	}
	return Snapshot{}
}

// Store replaces the published snapshot.
func (h *Holder) Store(s Snapshot) {
	h.p.Store(&s)
}
