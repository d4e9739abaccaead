package grid

import (
	"context"
	"strings"
	"sync"
	"time"

	"line-plant/pkg/model"
	"line-plant/pkg/topology"
	"line-plant/pkg/util"
)

// Lookup resolves the line that already owns a phone number.
type Lookup interface {
	GetLineByPhoneNumber(ctx context.Context, number string) (model.PhoneLine, bool, error)
}

// Batch is the minimal set of store operations that moves a node's ports
// from the loaded state to the edited state.
type Batch struct {
	Deletions []string             `json:"deletions"`
	Creations []model.PortCreation `json:"creations"`
}

func (b Batch) Empty() bool {
	return len(b.Deletions) == 0 && len(b.Creations) == 0
}

// Grid is an editable view of every port of one sub-unit, together with the
// assignments seen when it was loaded. Methods are safe for concurrent use.
type Grid struct {
	Node      model.DistributionNode
	Selectors topology.Selectors

	lookup   Lookup
	debounce time.Duration
	ctx      context.Context
	cancel   context.CancelFunc

	mu       sync.Mutex
	idle     *sync.Cond
	inflight int
	cells    []Cell
	snapshot []model.PortAssignment
	gens     []uint64
	timers   []*time.Timer
	closed   bool
}

func newGrid(parent context.Context, node model.DistributionNode, sel topology.Selectors, lookup Lookup, debounce time.Duration, cells []Cell, snapshot []model.PortAssignment) *Grid {
	ctx, cancel := context.WithCancel(parent)
	g := &Grid{
		Node:      node,
		Selectors: sel,
		lookup:    lookup,
		debounce:  debounce,
		ctx:       ctx,
		cancel:    cancel,
		cells:     cells,
		snapshot:  snapshot,
		gens:      make([]uint64, len(cells)),
		timers:    make([]*time.Timer, len(cells)),
	}
	g.idle = sync.NewCond(&g.mu)
	return g
}

// Cells returns the current cell values in port order.
func (g *Grid) Cells() []Cell {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]Cell(nil), g.cells...)
}

// Snapshot returns the assignments captured at load time in port order.
func (g *Grid) Snapshot() []model.PortAssignment {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]model.PortAssignment(nil), g.snapshot...)
}

// SetPhoneNumber edits the cell of the 1-based port. A new number starts a
// debounced consumer-unit lookup; until it settles the cell stays pending.
func (g *Grid) SetPhoneNumber(port int, number string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return util.NewValidationError("grid is closed")
	}
	if port < 1 || port > len(g.cells) {
		return util.NewSelectorError("port", port, len(g.cells))
	}
	g.set(port-1, number, g.debounce)
	return nil
}

// set must be called with mu held.
func (g *Grid) set(i int, number string, delay time.Duration) {
	number = strings.TrimSpace(number)
	g.stop(i)
	g.gens[i]++
	c := &g.cells[i]
	c.PhoneNumber = number
	switch {
	case number == "":
		c.ConsumerUnit = ConsumerUnit{}
	case number == g.snapshot[i].PhoneNumber:
		c.ConsumerUnit = Resolved(g.snapshot[i].ConsumerUnit)
	default:
		c.ConsumerUnit = ConsumerUnit{State: UnitPending}
		gen := g.gens[i]
		g.inflight++
		g.timers[i] = time.AfterFunc(delay, func() {
			g.resolve(i, gen, number)
		})
	}
}

// stop cancels a lookup that has not started yet. Must be called with mu held.
func (g *Grid) stop(i int) {
	if t := g.timers[i]; t != nil {
		if t.Stop() {
			g.settle()
		}
		g.timers[i] = nil
	}
}

// settle marks one lookup as finished. Must be called with mu held.
func (g *Grid) settle() {
	g.inflight--
	if g.inflight == 0 {
		g.idle.Broadcast()
	}
}

func (g *Grid) resolve(i int, gen uint64, number string) {
	line, ok, err := g.lookup.GetLineByPhoneNumber(g.ctx, number)

	g.mu.Lock()
	defer g.mu.Unlock()
	defer g.settle()
	if g.gens[i] != gen {
		return
	}
	g.timers[i] = nil
	switch {
	case err != nil:
		util.WithNode(g.Node.ID).WithField("phone", number).WithError(err).Warn("consumer unit lookup failed")
		g.cells[i].ConsumerUnit = ConsumerUnit{}
	case ok:
		g.cells[i].ConsumerUnit = Resolved(line.ConsumerUnit)
	default:
		g.cells[i].ConsumerUnit = ConsumerUnit{}
	}
}

// Wait blocks until every scheduled lookup has finished or been cancelled.
func (g *Grid) Wait() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.await()
}

// await must be called with mu held.
func (g *Grid) await() {
	for g.inflight > 0 {
		g.idle.Wait()
	}
}

// Close cancels pending lookups and waits for running ones. Cells that were
// still pending stay pending.
func (g *Grid) Close() {
	g.mu.Lock()
	if !g.closed {
		g.closed = true
		for i := range g.timers {
			g.stop(i)
		}
		g.cancel()
	}
	g.await()
	g.mu.Unlock()
}

// Diff compares every cell with the snapshot taken at load time.
//
//	had number, now empty       -> delete the old hop
//	now a different number      -> delete the old hop if any, create a new one
//	orphan hop, now a number    -> delete the orphan, create a new one
//	unchanged                   -> nothing
func (g *Grid) Diff() Batch {
	g.mu.Lock()
	defer g.mu.Unlock()
	b := Batch{Deletions: []string{}, Creations: []model.PortCreation{}}
	for i, c := range g.cells {
		before := g.snapshot[i]
		if c.PhoneNumber == before.PhoneNumber {
			continue
		}
		if before.RouteHopID != "" {
			b.Deletions = append(b.Deletions, before.RouteHopID)
		}
		if c.PhoneNumber == "" {
			continue
		}
		b.Creations = append(b.Creations, model.PortCreation{
			PhoneNumber:  c.PhoneNumber,
			ConsumerUnit: c.ConsumerUnit.Persisted(),
			NodeID:       g.Node.ID,
			PortAddress:  c.PortAddress,
		})
	}
	return b
}
