// Package grid edits every port of one node sub-unit at once and commits the
// difference against the state seen at load time as a single port batch.
package grid

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"line-plant/pkg/metrics"
	"line-plant/pkg/model"
	"line-plant/pkg/portaddr"
	"line-plant/pkg/store"
	"line-plant/pkg/topology"
	"line-plant/pkg/util"
)

// DefaultDebounce is the pause after the last keystroke before a cell's
// consumer unit is looked up.
const DefaultDebounce = 300 * time.Millisecond

// Auditor records operator actions.
type Auditor interface {
	Append(ctx context.Context, e model.AuditEntry) error
}

type Option func(*Reconciler)

func WithAuditor(a Auditor) Option {
	return func(r *Reconciler) { r.audit = a }
}

func WithMetrics(m *metrics.Collector) Option {
	return func(r *Reconciler) { r.metrics = m }
}

func WithDebounce(d time.Duration) Option {
	return func(r *Reconciler) { r.debounce = d }
}

type Reconciler struct {
	store    store.RouteStore
	nodes    *topology.Holder
	audit    Auditor
	metrics  *metrics.Collector
	debounce time.Duration
}

func New(rs store.RouteStore, nodes *topology.Holder, opts ...Option) *Reconciler {
	r := &Reconciler{store: rs, nodes: nodes, debounce: DefaultDebounce}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Load seeds a grid for the sub-unit chosen by sel from a fresh read of the
// node's hops. Hops stored under a legacy spelling of a port's address seed
// that port's cell. Choosing other selectors means loading a new grid.
func (r *Reconciler) Load(ctx context.Context, nodeID string, sel topology.Selectors) (*Grid, error) {
	node, count, err := r.unit(nodeID, sel)
	if err != nil {
		return nil, err
	}
	hops, err := r.store.GetHopsForNode(ctx, nodeID)
	if err != nil {
		return nil, util.NewStorageError("get hops for node", err)
	}
	byAddr := make(map[string]model.RouteHop, len(hops))
	for _, h := range hops {
		byAddr[h.PortAddress] = h
	}
	lines := make(map[string]model.PhoneLine)

	cells := make([]Cell, count)
	snapshot := make([]model.PortAssignment, count)
	for p := 1; p <= count; p++ {
		variants, err := portaddr.LegacyVariants(node.Kind, sel, p)
		if err != nil {
			return nil, err
		}
		cell := Cell{Port: p, PortAddress: variants[0]}
		pa := model.PortAssignment{PortAddress: variants[0]}
		for _, v := range variants {
			h, ok := byAddr[v]
			if !ok {
				continue
			}
			if pa.RouteHopID != "" {
				util.WithNode(nodeID).WithField("port", variants[0]).Warnf("hop %s also matches, ignored", h.ID)
				continue
			}
			pa.PhoneLineID = h.LineID
			pa.RouteHopID = h.ID
			line, ok := lines[h.LineID]
			if !ok {
				line, ok, err = r.store.GetLine(ctx, h.LineID)
				if err != nil {
					return nil, util.NewStorageError("get line", err)
				}
				if !ok {
					// The port stays claimed by the hop; typing a number
					// into the cell deletes it along with the creation.
					util.WithNode(nodeID).WithField("port", variants[0]).Warnf("hop %s belongs to missing line %s", h.ID, h.LineID)
					continue
				}
				lines[h.LineID] = line
			}
			pa.PhoneNumber = line.PhoneNumber
			pa.ConsumerUnit = line.ConsumerUnit
			cell.PhoneNumber = line.PhoneNumber
			cell.ConsumerUnit = Resolved(line.ConsumerUnit)
		}
		cells[p-1] = cell
		snapshot[p-1] = pa
	}
	util.WithNode(nodeID).Debugf("grid loaded with %d ports, %d hops on node", count, len(hops))
	return newGrid(context.WithoutCancel(ctx), node, sel, r.store, r.debounce, cells, snapshot), nil
}

// CellValue is one edited cell as sent back by a client.
type CellValue struct {
	PortAddress string `json:"portAddress"`
	PhoneNumber string `json:"phoneNumber"`
}

// Submission is a grid edit made by a stateless client: the snapshot it was
// given at load time plus the values it wants now.
type Submission struct {
	NodeID    string                 `json:"nodeId"`
	Selectors topology.Selectors     `json:"selectors"`
	Snapshot  []model.PortAssignment `json:"snapshot"`
	Values    []CellValue            `json:"values"`
}

// FromSubmission rebuilds a grid from a client's snapshot and applies its
// values. Every hop the snapshot names must still sit on the submitted node
// at that port, otherwise the client has to reload the grid. Lookups for
// changed cells run immediately and have settled when it returns. The caller
// must Close the grid.
func (r *Reconciler) FromSubmission(ctx context.Context, sub Submission) (*Grid, error) {
	node, count, err := r.unit(sub.NodeID, sub.Selectors)
	if err != nil {
		return nil, err
	}
	if len(sub.Snapshot) != count {
		return nil, util.NewValidationError(fmt.Sprintf("snapshot has %d ports, node %s has %d; reload the grid", len(sub.Snapshot), node.ID, count))
	}
	cells := make([]Cell, count)
	index := make(map[string]int, count)
	for p := 1; p <= count; p++ {
		addr, err := portaddr.Canonicalize(node.Kind, sub.Selectors, p)
		if err != nil {
			return nil, err
		}
		pa := sub.Snapshot[p-1]
		if pa.PortAddress != addr {
			return nil, util.NewValidationError(fmt.Sprintf("snapshot port %d is %q, want %q; reload the grid", p, pa.PortAddress, addr))
		}
		cells[p-1] = Cell{Port: p, PortAddress: addr, PhoneNumber: pa.PhoneNumber}
		if pa.PhoneNumber != "" {
			cells[p-1].ConsumerUnit = Resolved(pa.ConsumerUnit)
		}
		index[addr] = p - 1
	}
	if err := r.checkSnapshot(ctx, node, sub); err != nil {
		return nil, err
	}

	g := newGrid(ctx, node, sub.Selectors, r.store, r.debounce, cells, append([]model.PortAssignment(nil), sub.Snapshot...))
	g.mu.Lock()
	for _, v := range sub.Values {
		i, ok := index[strings.TrimSpace(v.PortAddress)]
		if !ok {
			g.mu.Unlock()
			g.Close()
			return nil, util.NewValidationError(fmt.Sprintf("port %q is not part of this grid", v.PortAddress))
		}
		g.set(i, v.PhoneNumber, 0)
	}
	g.mu.Unlock()
	g.Wait()
	return g, nil
}

// Save applies the grid's diff as one batch. An empty diff makes no store call.
func (r *Reconciler) Save(ctx context.Context, g *Grid, actor string) (Batch, error) {
	b := g.Diff()
	if b.Empty() {
		return b, nil
	}
	log := util.WithNode(g.Node.ID).WithField("actor", actor)

	err := util.NewStorageError("apply port batch", r.store.ApplyPortBatch(ctx, b.Deletions, b.Creations))
	r.metrics.BatchApplied(len(b.Deletions), len(b.Creations), err)
	if err != nil {
		var pce *util.PortConflictError
		if errors.As(err, &pce) {
			r.metrics.Conflicts("grid", len(pce.Conflicts))
		}
		log.WithError(err).Warn("port batch rejected")
		return b, err
	}

	log.Infof("port batch applied: %d deletions, %d creations", len(b.Deletions), len(b.Creations))
	if r.audit != nil {
		err := r.audit.Append(ctx, model.AuditEntry{
			Actor:     actor,
			Action:    model.ActionPortBatch,
			Target:    g.Node.ID,
			Detail:    fmt.Sprintf("%d deletions, %d creations", len(b.Deletions), len(b.Creations)),
			Timestamp: time.Now(),
		})
		if err != nil {
			log.WithError(err).Warn("audit append failed")
		}
	}
	return b, nil
}

// checkSnapshot matches the hops a submitted snapshot names against a fresh
// read of the node.
func (r *Reconciler) checkSnapshot(ctx context.Context, node model.DistributionNode, sub Submission) error {
	hops, err := r.store.GetHopsForNode(ctx, node.ID)
	if err != nil {
		return util.NewStorageError("get hops for node", err)
	}
	byID := make(map[string]model.RouteHop, len(hops))
	for _, h := range hops {
		byID[h.ID] = h
	}
	for i, pa := range sub.Snapshot {
		if pa.RouteHopID == "" {
			continue
		}
		h, ok := byID[pa.RouteHopID]
		switch {
		case !ok:
			return util.NewValidationError(fmt.Sprintf("port %s: hop %s is no longer on node %s; reload the grid", pa.PortAddress, pa.RouteHopID, node.ID))
		case !portaddr.Matches(node.Kind, sub.Selectors, i+1, h.PortAddress):
			return util.NewValidationError(fmt.Sprintf("port %s: hop %s now sits at %s; reload the grid", pa.PortAddress, h.ID, h.PortAddress))
		case pa.PhoneLineID != "" && pa.PhoneLineID != h.LineID:
			return util.NewValidationError(fmt.Sprintf("port %s: hop %s belongs to another line; reload the grid", pa.PortAddress, h.ID))
		}
	}
	return nil
}

func (r *Reconciler) unit(nodeID string, sel topology.Selectors) (model.DistributionNode, int, error) {
	node, ok := r.nodes.Load().Node(nodeID)
	if !ok {
		return node, 0, fmt.Errorf("node %s: %w", nodeID, util.ErrNotFound)
	}
	count, err := topology.PortCount(node, sel)
	if err != nil {
		return node, 0, err
	}
	return node, count, nil
}
