package grid

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"line-plant/pkg/journal"
	"line-plant/pkg/metrics"
	"line-plant/pkg/model"
	"line-plant/pkg/store"
	"line-plant/pkg/topology"
	"line-plant/pkg/util"
)

var testNodes = []model.DistributionNode{
	{ID: "card-a", Name: "Line card A", Kind: model.KindSlotDevice, Capacity: model.Capacity{Slots: 4, PortsPerSlot: 32}},
	{ID: "mdf-1", Name: "Main frame", Kind: model.KindMainFrame, Capacity: model.Capacity{Sets: 2, TerminalsPerSet: 10, PortsPerTerminal: 10}},
	{ID: "conv-1", Name: "Converter", Kind: model.KindConverter, Capacity: model.Capacity{Ports: 8}},
	{ID: "card-w", Name: "Wide card", Kind: model.KindSlotDevice, Capacity: model.Capacity{Slots: 12, PortsPerSlot: 120}},
}

// countingStore counts batch calls.
type countingStore struct {
	*store.MemoryStore
	batches atomic.Int32
}

func (c *countingStore) ApplyPortBatch(ctx context.Context, deletions []string, creations []model.PortCreation) error {
	c.batches.Add(1)
	return c.MemoryStore.ApplyPortBatch(ctx, deletions, creations)
}

func newReconciler(t *testing.T, opts ...Option) (*Reconciler, *countingStore) {
	t.Helper()
	s := &countingStore{MemoryStore: store.NewMemoryStore()}
	opts = append([]Option{WithDebounce(5 * time.Millisecond)}, opts...)
	return New(s, topology.NewHolder(topology.NewSnapshot(testNodes)), opts...), s
}

func seedLine(t *testing.T, s store.RouteStore, number, unit string, hops ...model.RouteHop) (model.PhoneLine, []model.RouteHop) {
	t.Helper()
	line, route, err := s.ReplaceLineRoute(context.Background(), model.PhoneLine{PhoneNumber: number, ConsumerUnit: unit}, hops, nil)
	require.NoError(t, err)
	return line, route
}

func numbers(cells []Cell) map[string]string {
	out := make(map[string]string)
	for _, c := range cells {
		if c.PhoneNumber != "" {
			out[c.PortAddress] = c.PhoneNumber
		}
	}
	return out
}

func TestLoad_SeedRoundTrip(t *testing.T) {
	cases := []struct {
		node string
		sel  topology.Selectors
		addr string
		size int
	}{
		{"card-a", topology.Selectors{Slot: 2}, "2/15", 32},
		{"mdf-1", topology.Selectors{Set: 1, Terminal: 10}, "100", 10},
		{"conv-1", topology.Selectors{}, "7", 8},
	}
	for _, tc := range cases {
		t.Run(tc.node, func(t *testing.T) {
			r, s := newReconciler(t)
			line, route := seedLine(t, s, "09121234567", "Room 4", model.RouteHop{NodeID: tc.node, PortAddress: tc.addr})

			g, err := r.Load(context.Background(), tc.node, tc.sel)
			require.NoError(t, err)
			defer g.Close()

			cells := g.Cells()
			require.Len(t, cells, tc.size)
			assert.Equal(t, map[string]string{tc.addr: "09121234567"}, numbers(cells))

			for i, pa := range g.Snapshot() {
				if pa.PortAddress != tc.addr {
					assert.Empty(t, pa.PhoneNumber)
					continue
				}
				assert.Equal(t, line.ID, pa.PhoneLineID)
				assert.Equal(t, route[0].ID, pa.RouteHopID)
				assert.Equal(t, UnitResolved, cells[i].ConsumerUnit.State)
				assert.Equal(t, "Room 4", cells[i].ConsumerUnit.Value)
			}
		})
	}
}

func TestLoad_LegacyAddresses(t *testing.T) {
	r, s := newReconciler(t)
	_, slotRoute := seedLine(t, s, "100", "", model.RouteHop{NodeID: "card-a", PortAddress: "2-15"})
	seedLine(t, s, "200", "", model.RouteHop{NodeID: "card-a", PortAddress: "203"})
	seedLine(t, s, "300", "", model.RouteHop{NodeID: "mdf-1", PortAddress: "1/1/10"})
	seedLine(t, s, "400", "", model.RouteHop{NodeID: "mdf-1", PortAddress: "1102"})

	g, err := r.Load(context.Background(), "card-a", topology.Selectors{Slot: 2})
	require.NoError(t, err)
	defer g.Close()
	assert.Equal(t, map[string]string{"2/15": "100", "2/3": "200"}, numbers(g.Cells()))
	assert.Equal(t, slotRoute[0].ID, g.Snapshot()[14].RouteHopID)

	mdf, err := r.Load(context.Background(), "mdf-1", topology.Selectors{Set: 1, Terminal: 10})
	require.NoError(t, err)
	defer mdf.Close()
	assert.Equal(t, map[string]string{"102": "400"}, numbers(mdf.Cells()))

	t1, err := r.Load(context.Background(), "mdf-1", topology.Selectors{Set: 1, Terminal: 1})
	require.NoError(t, err)
	defer t1.Close()
	assert.Equal(t, map[string]string{"110": "300"}, numbers(t1.Cells()))
}

func TestLoad_InvalidSelector(t *testing.T) {
	r, _ := newReconciler(t)
	_, err := r.Load(context.Background(), "card-a", topology.Selectors{Slot: 5})
	assert.ErrorIs(t, err, util.ErrInvalidSelector)
	_, err = r.Load(context.Background(), "mdf-1", topology.Selectors{Set: 1})
	assert.ErrorIs(t, err, util.ErrInvalidSelector)
	_, err = r.Load(context.Background(), "nope", topology.Selectors{})
	assert.ErrorIs(t, err, util.ErrNotFound)
}

func TestSave_EmptyDiff(t *testing.T) {
	r, s := newReconciler(t)
	seedLine(t, s, "100", "", model.RouteHop{NodeID: "card-a", PortAddress: "1/1"})

	g, err := r.Load(context.Background(), "card-a", topology.Selectors{Slot: 1})
	require.NoError(t, err)
	defer g.Close()
	require.NoError(t, g.SetPhoneNumber(2, "555"))
	require.NoError(t, g.SetPhoneNumber(2, ""))
	require.NoError(t, g.SetPhoneNumber(1, " 100 "))

	b, err := r.Save(context.Background(), g, "alice")
	require.NoError(t, err)
	assert.Empty(t, b.Deletions)
	assert.Empty(t, b.Creations)
	assert.Equal(t, int32(0), s.batches.Load())
}

func TestSave_DiffScenario(t *testing.T) {
	j, err := journal.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	defer j.Close()
	m, err := metrics.NewCollector(prometheus.NewRegistry())
	require.NoError(t, err)
	r, s := newReconciler(t, WithAuditor(j), WithMetrics(m))
	_, route := seedLine(t, s, "09121234567", "", model.RouteHop{NodeID: "card-a", PortAddress: "1/1"})
	ctx := context.Background()

	g, err := r.Load(ctx, "card-a", topology.Selectors{Slot: 1})
	require.NoError(t, err)
	defer g.Close()
	require.NoError(t, g.SetPhoneNumber(1, ""))
	require.NoError(t, g.SetPhoneNumber(2, "09129999999"))
	g.Wait()

	b, err := r.Save(ctx, g, "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{route[0].ID}, b.Deletions)
	assert.Equal(t, []model.PortCreation{{PhoneNumber: "09129999999", NodeID: "card-a", PortAddress: "1/2"}}, b.Creations)
	assert.Equal(t, int32(1), s.batches.Load())

	hops, err := s.GetHopsForNode(ctx, "card-a")
	require.NoError(t, err)
	require.Len(t, hops, 1)
	assert.Equal(t, "1/2", hops[0].PortAddress)

	entries, err := j.List(ctx, model.ActionPortBatch, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "card-a", entries[0].Target)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BatchOperations.WithLabelValues("delete")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BatchOperations.WithLabelValues("create")))
}

func TestSave_ReplaceNumberDeletesAndCreates(t *testing.T) {
	r, s := newReconciler(t)
	_, route := seedLine(t, s, "100", "", model.RouteHop{NodeID: "conv-1", PortAddress: "3"})
	seedLine(t, s, "200", "Lobby", model.RouteHop{NodeID: "card-a", PortAddress: "4/1"})

	g, err := r.Load(context.Background(), "conv-1", topology.Selectors{})
	require.NoError(t, err)
	defer g.Close()
	require.NoError(t, g.SetPhoneNumber(3, "200"))
	g.Wait()

	cell := g.Cells()[2]
	assert.Equal(t, UnitResolved, cell.ConsumerUnit.State)
	assert.Equal(t, "Lobby", cell.ConsumerUnit.Value)

	b := g.Diff()
	assert.Equal(t, []string{route[0].ID}, b.Deletions)
	require.Len(t, b.Creations, 1)
	require.NotNil(t, b.Creations[0].ConsumerUnit)
	assert.Equal(t, "Lobby", *b.Creations[0].ConsumerUnit)

	_, err = r.Save(context.Background(), g, "alice")
	require.NoError(t, err)
	line, ok, err := s.GetLineByPhoneNumber(context.Background(), "200")
	require.NoError(t, err)
	require.True(t, ok)
	route200, err := s.GetRoute(context.Background(), line.ID)
	require.NoError(t, err)
	require.Len(t, route200, 2)
	assert.Equal(t, "3", route200[1].PortAddress)
	assert.Equal(t, 2, route200[1].Sequence)
}

func TestPendingConsumerUnitIsNotPersisted(t *testing.T) {
	r, s := newReconciler(t, WithDebounce(time.Hour))
	seedLine(t, s, "200", "Lobby", model.RouteHop{NodeID: "card-a", PortAddress: "4/1"})

	g, err := r.Load(context.Background(), "conv-1", topology.Selectors{})
	require.NoError(t, err)
	require.NoError(t, g.SetPhoneNumber(1, "200"))
	assert.Equal(t, UnitPending, g.Cells()[0].ConsumerUnit.State)

	b := g.Diff()
	require.Len(t, b.Creations, 1)
	assert.Nil(t, b.Creations[0].ConsumerUnit)

	g.Close()
	assert.Error(t, g.SetPhoneNumber(1, "300"))
}

func TestStaleLookupDiscarded(t *testing.T) {
	r, s := newReconciler(t)
	seedLine(t, s, "200", "Lobby", model.RouteHop{NodeID: "card-a", PortAddress: "4/1"})

	g, err := r.Load(context.Background(), "conv-1", topology.Selectors{})
	require.NoError(t, err)
	defer g.Close()
	require.NoError(t, g.SetPhoneNumber(1, "200"))
	require.NoError(t, g.SetPhoneNumber(1, "201"))
	g.Wait()

	cell := g.Cells()[0]
	assert.Equal(t, "201", cell.PhoneNumber)
	assert.Equal(t, UnitEmpty, cell.ConsumerUnit.State)
	assert.ErrorIs(t, g.SetPhoneNumber(9, "1"), util.ErrInvalidSelector)
}

func TestFromSubmission(t *testing.T) {
	r, s := newReconciler(t)
	_, route := seedLine(t, s, "100", "", model.RouteHop{NodeID: "card-a", PortAddress: "1/1"})
	seedLine(t, s, "200", "Lobby", model.RouteHop{NodeID: "mdf-1", PortAddress: "111"})
	ctx := context.Background()

	loaded, err := r.Load(ctx, "card-a", topology.Selectors{Slot: 1})
	require.NoError(t, err)
	snap := loaded.Snapshot()
	loaded.Close()

	g, err := r.FromSubmission(ctx, Submission{
		NodeID:    "card-a",
		Selectors: topology.Selectors{Slot: 1},
		Snapshot:  snap,
		Values:    []CellValue{{PortAddress: "1/1", PhoneNumber: ""}, {PortAddress: "1/5", PhoneNumber: "200"}},
	})
	require.NoError(t, err)
	defer g.Close()

	b := g.Diff()
	assert.Equal(t, []string{route[0].ID}, b.Deletions)
	require.Len(t, b.Creations, 1)
	assert.Equal(t, "1/5", b.Creations[0].PortAddress)
	require.NotNil(t, b.Creations[0].ConsumerUnit)
	assert.Equal(t, "Lobby", *b.Creations[0].ConsumerUnit)

	_, err = r.FromSubmission(ctx, Submission{NodeID: "card-a", Selectors: topology.Selectors{Slot: 2}, Snapshot: snap})
	assert.ErrorIs(t, err, util.ErrValidationFailed)

	_, err = r.FromSubmission(ctx, Submission{
		NodeID:    "card-a",
		Selectors: topology.Selectors{Slot: 1},
		Snapshot:  snap,
		Values:    []CellValue{{PortAddress: "9/9", PhoneNumber: "1"}},
	})
	assert.ErrorIs(t, err, util.ErrValidationFailed)
}

func TestSave_ConflictKeepsStore(t *testing.T) {
	m, err := metrics.NewCollector(prometheus.NewRegistry())
	require.NoError(t, err)
	r, s := newReconciler(t, WithMetrics(m))
	ctx := context.Background()

	g, err := r.Load(ctx, "conv-1", topology.Selectors{})
	require.NoError(t, err)
	defer g.Close()
	require.NoError(t, g.SetPhoneNumber(1, "100"))
	require.NoError(t, g.SetPhoneNumber(2, "300"))
	g.Wait()

	// Another operator claims port 2 after the grid was loaded.
	seedLine(t, s, "200", "", model.RouteHop{NodeID: "conv-1", PortAddress: "2"})

	_, err = r.Save(ctx, g, "alice")
	var pce *util.PortConflictError
	require.ErrorAs(t, err, &pce)
	assert.Equal(t, "200", pce.Conflicts[0].OccupyingPhoneNumber)

	_, ok, err := s.GetLineByPhoneNumber(ctx, "100")
	require.NoError(t, err)
	assert.False(t, ok, "batch is all-or-nothing")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PortBatches.WithLabelValues("conflict")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ConflictsDetected.WithLabelValues("grid")))
}

func TestLoad_WideSlotLegacyAddress(t *testing.T) {
	r, s := newReconciler(t)
	seedLine(t, s, "500", "", model.RouteHop{NodeID: "card-w", PortAddress: "1105"})
	ctx := context.Background()

	first, err := r.Load(ctx, "card-w", topology.Selectors{Slot: 1})
	require.NoError(t, err)
	defer first.Close()
	assert.Empty(t, numbers(first.Cells()))

	eleventh, err := r.Load(ctx, "card-w", topology.Selectors{Slot: 11})
	require.NoError(t, err)
	defer eleventh.Close()
	assert.Equal(t, map[string]string{"11/5": "500"}, numbers(eleventh.Cells()))
}

func TestFromSubmission_RejectsHopOnOtherNode(t *testing.T) {
	r, s := newReconciler(t)
	line, route := seedLine(t, s, "200", "", model.RouteHop{NodeID: "mdf-1", PortAddress: "111"})
	ctx := context.Background()

	loaded, err := r.Load(ctx, "card-a", topology.Selectors{Slot: 1})
	require.NoError(t, err)
	snap := loaded.Snapshot()
	loaded.Close()
	snap[0].PhoneNumber = "200"
	snap[0].PhoneLineID = line.ID
	snap[0].RouteHopID = route[0].ID

	_, err = r.FromSubmission(ctx, Submission{
		NodeID:    "card-a",
		Selectors: topology.Selectors{Slot: 1},
		Snapshot:  snap,
		Values:    []CellValue{{PortAddress: "1/1", PhoneNumber: ""}},
	})
	assert.ErrorIs(t, err, util.ErrValidationFailed)
	assert.Equal(t, int32(0), s.batches.Load())

	hops, err := s.GetHopsForNode(ctx, "mdf-1")
	require.NoError(t, err)
	assert.Len(t, hops, 1)
}

func TestFromSubmission_RejectsMovedHop(t *testing.T) {
	r, s := newReconciler(t)
	line, route := seedLine(t, s, "100", "", model.RouteHop{NodeID: "card-a", PortAddress: "1/1"})
	ctx := context.Background()

	loaded, err := r.Load(ctx, "card-a", topology.Selectors{Slot: 1})
	require.NoError(t, err)
	snap := loaded.Snapshot()
	loaded.Close()

	// The line is re-patched to 1/3 after the grid was handed out.
	_, _, err = s.ReplaceLineRoute(ctx, line, []model.RouteHop{{ID: route[0].ID, NodeID: "card-a", PortAddress: "1/3"}}, nil)
	require.NoError(t, err)

	_, err = r.FromSubmission(ctx, Submission{
		NodeID:    "card-a",
		Selectors: topology.Selectors{Slot: 1},
		Snapshot:  snap,
		Values:    []CellValue{{PortAddress: "1/1", PhoneNumber: ""}},
	})
	assert.ErrorIs(t, err, util.ErrValidationFailed)

	hops, err := s.GetHopsForNode(ctx, "card-a")
	require.NoError(t, err)
	require.Len(t, hops, 1)
	assert.Equal(t, "1/3", hops[0].PortAddress)
}

// orphanStore hides one line so its hops look orphaned.
type orphanStore struct {
	*store.MemoryStore
	missing string
}

func (o orphanStore) GetLine(ctx context.Context, id string) (model.PhoneLine, bool, error) {
	if id == o.missing {
		return model.PhoneLine{}, false, nil
	}
	return o.MemoryStore.GetLine(ctx, id)
}

func TestLoad_OrphanHopIsReplacedByNewNumber(t *testing.T) {
	mem := store.NewMemoryStore()
	line, route := seedLine(t, mem, "100", "", model.RouteHop{NodeID: "conv-1", PortAddress: "1"})
	orphans := orphanStore{MemoryStore: mem, missing: line.ID}
	r := New(orphans, topology.NewHolder(topology.NewSnapshot(testNodes)), WithDebounce(time.Millisecond))
	ctx := context.Background()

	g, err := r.Load(ctx, "conv-1", topology.Selectors{})
	require.NoError(t, err)
	defer g.Close()
	assert.Empty(t, g.Cells()[0].PhoneNumber)
	assert.Equal(t, route[0].ID, g.Snapshot()[0].RouteHopID)

	require.NoError(t, g.SetPhoneNumber(1, "300"))
	g.Wait()
	b, err := r.Save(ctx, g, "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{route[0].ID}, b.Deletions)

	hops, err := mem.GetHopsForNode(ctx, "conv-1")
	require.NoError(t, err)
	require.Len(t, hops, 1)
	assert.NotEqual(t, route[0].ID, hops[0].ID)
	assert.Equal(t, "1", hops[0].PortAddress)
}

func TestWaitWhileEditing(t *testing.T) {
	r, _ := newReconciler(t, WithDebounce(time.Millisecond))
	g, err := r.Load(context.Background(), "conv-1", topology.Selectors{})
	require.NoError(t, err)
	defer g.Close()

	var wg sync.WaitGroup
	done := make(chan struct{})
	for port := 1; port <= 4; port++ {
		wg.Add(1)
		go func(port int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				assert.NoError(t, g.SetPhoneNumber(port, fmt.Sprintf("%d%03d", port, i)))
			}
		}(port)
	}
	waiter := make(chan struct{})
	go func() {
		defer close(waiter)
		for {
			select {
			case <-done:
				return
			default:
				g.Wait()
			}
		}
	}()
	wg.Wait()
	close(done)
	<-waiter
	g.Wait()

	for _, c := range g.Cells()[:4] {
		assert.NotEqual(t, UnitPending, c.ConsumerUnit.State, c.PortAddress)
	}
}
