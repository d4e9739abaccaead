package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"line-plant/pkg/model"
	"line-plant/pkg/routeset"
	"line-plant/pkg/topology"
	"line-plant/pkg/util"
)

// MemoryStore is a simple in-memory implementation, intended for dev/demo and tests.
type MemoryStore struct {
	mu    sync.RWMutex
	nodes map[string]model.DistributionNode
	state *routeset.Set
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nodes: make(map[string]model.DistributionNode),
		state: routeset.New(),
	}
}

func (m *MemoryStore) ListNodes(_ context.Context) ([]model.DistributionNode, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.DistributionNode, 0, len(m.nodes))
	for _, n := range m.nodes {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) GetNode(_ context.Context, id string) (model.DistributionNode, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.nodes[id]
	return n, ok, nil
}

func (m *MemoryStore) UpsertNode(_ context.Context, n model.DistributionNode) (model.DistributionNode, error) {
	if err := topology.ValidateCapacity(n); err != nil {
		return n, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.nodes[n.ID]; ok && existing.Kind != n.Kind {
		return n, util.NewValidationError(fmt.Sprintf("node %s kind cannot change from %s to %s", n.ID, existing.Kind, n.Kind))
	}
	m.nodes[n.ID] = n
	return n, nil
}

func (m *MemoryStore) GetHopsForNode(_ context.Context, nodeID string) ([]model.RouteHop, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.HopsForNode(nodeID), nil
}

func (m *MemoryStore) GetLineByPhoneNumber(_ context.Context, number string) (model.PhoneLine, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.state.LineByPhoneNumber(number)
	return l, ok, nil
}

func (m *MemoryStore) CheckPortInUse(_ context.Context, nodeID, address, excludeLineID string) (model.ConflictResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.CheckPortInUse(nodeID, address, excludeLineID), nil
}

func (m *MemoryStore) ReplaceLineRoute(_ context.Context, line model.PhoneLine, hops []model.RouteHop, evict []string) (model.PhoneLine, []model.RouteHop, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	next := m.state.Clone()
	saved, out, err := next.ReplaceLineRoute(line, hops, evict)
	if err != nil {
		return line, nil, err
	}
	m.state = next
	return saved, out, nil
}

func (m *MemoryStore) ApplyPortBatch(_ context.Context, deletions []string, creations []model.PortCreation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	next := m.state.Clone()
	if err := next.ApplyPortBatch(deletions, creations); err != nil {
		return err
	}
	m.state = next
	return nil
}

func (m *MemoryStore) GetLine(_ context.Context, id string) (model.PhoneLine, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.state.Lines[id]
	return l, ok, nil
}

func (m *MemoryStore) ListLines(_ context.Context) ([]model.PhoneLine, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.PhoneLine, 0, len(m.state.Lines))
	for _, l := range m.state.Lines {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PhoneNumber < out[j].PhoneNumber })
	return out, nil
}

func (m *MemoryStore) GetRoute(_ context.Context, lineID string) ([]model.RouteHop, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.Route(lineID), nil
}

func (m *MemoryStore) DeleteLine(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	next := m.state.Clone()
	if err := next.DeleteLine(id); err != nil {
		return err
	}
	m.state = next
	return nil
}

// Ping reports readiness for health/info endpoints.
func (m *MemoryStore) Ping(_ context.Context) error { return nil }
