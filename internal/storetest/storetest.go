// Package storetest is a conformance suite every store.Store backend must pass.
package storetest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"line-plant/pkg/model"
	"line-plant/pkg/store"
	"line-plant/pkg/util"
)

// Factory returns a fresh, empty store.
type Factory func(t *testing.T) store.Store

// Card is the slot device every case routes through.
var Card = model.DistributionNode{
	ID:       "card-a",
	Name:     "Line card A",
	Kind:     model.KindSlotDevice,
	Capacity: model.Capacity{Slots: 4, PortsPerSlot: 32},
}

// Frame is a small main distribution frame.
var Frame = model.DistributionNode{
	ID:       "mdf-1",
	Name:     "MDF",
	Kind:     model.KindMainFrame,
	Capacity: model.Capacity{Sets: 1, TerminalsPerSet: 10, PortsPerTerminal: 10},
}

// Run executes every conformance case against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	cases := []struct {
		name string
		fn   func(t *testing.T, s store.Store)
	}{
		{"NodeDirectory", testNodeDirectory},
		{"ReplaceLineRoute", testReplaceLineRoute},
		{"PortExclusive", testPortExclusive},
		{"DuplicatePhoneNumber", testDuplicatePhoneNumber},
		{"Evict", testEvict},
		{"ApplyPortBatch", testApplyPortBatch},
		{"BatchAllOrNothing", testBatchAllOrNothing},
		{"BatchReassignPort", testBatchReassignPort},
		{"DeleteLine", testDeleteLine},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			s := newStore(t)
			seedNodes(t, s)
			c.fn(t, s)
		})
	}
}

func seedNodes(t *testing.T, s store.Store) {
	t.Helper()
	ctx := context.Background()
	_, err := s.UpsertNode(ctx, Card)
	require.NoError(t, err)
	_, err = s.UpsertNode(ctx, Frame)
	require.NoError(t, err)
}

// Hop is shorthand for an unsaved hop.
func Hop(nodeID, address string) model.RouteHop {
	return model.RouteHop{NodeID: nodeID, PortAddress: address}
}

func testNodeDirectory(t *testing.T, s store.Store) {
	ctx := context.Background()
	nodes, err := s.ListNodes(ctx)
	require.NoError(t, err)
	assert.Len(t, nodes, 2)

	n, ok, err := s.GetNode(ctx, Card.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 32, n.Capacity.PortsPerSlot)

	changed := Card
	changed.Kind = model.KindSocket
	changed.Capacity = model.Capacity{Ports: 4}
	_, err = s.UpsertNode(ctx, changed)
	assert.ErrorIs(t, err, util.ErrValidationFailed)

	renamed := Card
	renamed.Name = "Line card A (rack 2)"
	_, err = s.UpsertNode(ctx, renamed)
	require.NoError(t, err)
	n, _, _ = s.GetNode(ctx, Card.ID)
	assert.Equal(t, "Line card A (rack 2)", n.Name)

	_, ok, err = s.GetNode(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func testReplaceLineRoute(t *testing.T, s store.Store) {
	ctx := context.Background()
	line, hops, err := s.ReplaceLineRoute(ctx, model.PhoneLine{PhoneNumber: "09121234567", ConsumerUnit: "Unit 4"},
		[]model.RouteHop{Hop(Frame.ID, "110"), Hop(Card.ID, "1/1"), Hop(Card.ID, "1/2")}, nil)
	require.NoError(t, err)
	require.NotEmpty(t, line.ID)
	require.Len(t, hops, 3)
	for i, h := range hops {
		assert.Equal(t, i+1, h.Sequence)
		assert.Equal(t, line.ID, h.LineID)
		assert.NotEmpty(t, h.ID)
	}

	route, err := s.GetRoute(ctx, line.ID)
	require.NoError(t, err)
	require.Len(t, route, 3)
	assert.Equal(t, "110", route[0].PortAddress)

	// Dropping the middle hop keeps the rest dense and in order.
	keep := []model.RouteHop{route[0], route[2]}
	_, hops, err = s.ReplaceLineRoute(ctx, line, keep, nil)
	require.NoError(t, err)
	assert.Equal(t, route[0].ID, hops[0].ID)
	route, _ = s.GetRoute(ctx, line.ID)
	require.Len(t, route, 2)
	assert.Equal(t, 1, route[0].Sequence)
	assert.Equal(t, 2, route[1].Sequence)
	assert.Equal(t, "1/2", route[1].PortAddress)

	got, ok, err := s.GetLineByPhoneNumber(ctx, "09121234567")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Unit 4", got.ConsumerUnit)

	onCard, err := s.GetHopsForNode(ctx, Card.ID)
	require.NoError(t, err)
	assert.Len(t, onCard, 1)

	_, _, err = s.ReplaceLineRoute(ctx, model.PhoneLine{PhoneNumber: "0912"},
		[]model.RouteHop{Hop(Card.ID, "2/1"), Hop(Card.ID, "2/1")}, nil)
	assert.ErrorIs(t, err, util.ErrValidationFailed)

	_, _, err = s.ReplaceLineRoute(ctx, model.PhoneLine{PhoneNumber: "  "}, nil, nil)
	assert.ErrorIs(t, err, util.ErrValidationFailed)
}

func testPortExclusive(t *testing.T, s store.Store) {
	ctx := context.Background()
	first, _, err := s.ReplaceLineRoute(ctx, model.PhoneLine{PhoneNumber: "1001"}, []model.RouteHop{Hop(Card.ID, "2/15")}, nil)
	require.NoError(t, err)

	second, _, err := s.ReplaceLineRoute(ctx, model.PhoneLine{PhoneNumber: "1002"}, []model.RouteHop{Hop(Card.ID, "3/1")}, nil)
	require.NoError(t, err)

	res, err := s.CheckPortInUse(ctx, Card.ID, "2/15", second.ID)
	require.NoError(t, err)
	assert.True(t, res.InUse)
	assert.Equal(t, first.ID, res.OccupyingLineID)
	assert.Equal(t, "1001", res.OccupyingPhoneNumber)
	assert.NotEmpty(t, res.OccupyingHopID)

	res, err = s.CheckPortInUse(ctx, Card.ID, "2/15", first.ID)
	require.NoError(t, err)
	assert.False(t, res.InUse)

	res, err = s.CheckPortInUse(ctx, Card.ID, "215", "")
	require.NoError(t, err)
	assert.False(t, res.InUse, "conflict check matches canonical addresses only")

	_, _, err = s.ReplaceLineRoute(ctx, second, []model.RouteHop{Hop(Card.ID, "2/15")}, nil)
	require.Error(t, err)
	var pc *util.PortConflictError
	require.ErrorAs(t, err, &pc)
	require.Len(t, pc.Conflicts, 1)
	assert.Equal(t, "1001", pc.Conflicts[0].OccupyingPhoneNumber)

	route, _ := s.GetRoute(ctx, second.ID)
	require.Len(t, route, 1)
	assert.Equal(t, "3/1", route[0].PortAddress, "rejected save must not touch the existing route")
}

func testDuplicatePhoneNumber(t *testing.T, s store.Store) {
	ctx := context.Background()
	_, _, err := s.ReplaceLineRoute(ctx, model.PhoneLine{PhoneNumber: "2001"}, []model.RouteHop{Hop(Card.ID, "1/1")}, nil)
	require.NoError(t, err)
	_, _, err = s.ReplaceLineRoute(ctx, model.PhoneLine{PhoneNumber: "2001"}, []model.RouteHop{Hop(Card.ID, "1/2")}, nil)
	assert.ErrorIs(t, err, util.ErrValidationFailed)
}

func testEvict(t *testing.T, s store.Store) {
	ctx := context.Background()
	victim, victimHops, err := s.ReplaceLineRoute(ctx, model.PhoneLine{PhoneNumber: "3001"},
		[]model.RouteHop{Hop(Frame.ID, "111"), Hop(Card.ID, "1/5"), Hop(Card.ID, "4/4")}, nil)
	require.NoError(t, err)

	taker, _, err := s.ReplaceLineRoute(ctx, model.PhoneLine{PhoneNumber: "3002"},
		[]model.RouteHop{Hop(Card.ID, "1/5")}, []string{victimHops[1].ID})
	require.NoError(t, err)

	res, err := s.CheckPortInUse(ctx, Card.ID, "1/5", "")
	require.NoError(t, err)
	assert.Equal(t, taker.ID, res.OccupyingLineID)

	route, err := s.GetRoute(ctx, victim.ID)
	require.NoError(t, err)
	require.Len(t, route, 2)
	assert.Equal(t, "111", route[0].PortAddress)
	assert.Equal(t, 1, route[0].Sequence)
	assert.Equal(t, "4/4", route[1].PortAddress)
	assert.Equal(t, 2, route[1].Sequence)
}

func testApplyPortBatch(t *testing.T, s store.Store) {
	ctx := context.Background()
	_, hops, err := s.ReplaceLineRoute(ctx, model.PhoneLine{PhoneNumber: "09121234567"},
		[]model.RouteHop{Hop(Frame.ID, "112"), Hop(Card.ID, "1/1"), Hop(Card.ID, "4/1")}, nil)
	require.NoError(t, err)

	unit := "Unit 9"
	err = s.ApplyPortBatch(ctx, []string{hops[1].ID}, []model.PortCreation{
		{PhoneNumber: "09129999999", ConsumerUnit: &unit, NodeID: Card.ID, PortAddress: "1/2"},
		{PhoneNumber: "09121234567", NodeID: Card.ID, PortAddress: "1/3"},
	})
	require.NoError(t, err)

	created, ok, err := s.GetLineByPhoneNumber(ctx, "09129999999")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Unit 9", created.ConsumerUnit)
	route, _ := s.GetRoute(ctx, created.ID)
	require.Len(t, route, 1)
	assert.Equal(t, 1, route[0].Sequence)
	assert.Equal(t, "1/2", route[0].PortAddress)

	existing, _, _ := s.GetLineByPhoneNumber(ctx, "09121234567")
	route, _ = s.GetRoute(ctx, existing.ID)
	require.Len(t, route, 3)
	assert.Equal(t, []string{"112", "4/1", "1/3"}, addresses(route))
	assert.Equal(t, []int{1, 2, 3}, sequences(route))

	require.NoError(t, s.ApplyPortBatch(ctx, nil, nil))
}

func testBatchAllOrNothing(t *testing.T, s store.Store) {
	ctx := context.Background()
	_, hops, err := s.ReplaceLineRoute(ctx, model.PhoneLine{PhoneNumber: "4001"},
		[]model.RouteHop{Hop(Card.ID, "2/1"), Hop(Card.ID, "2/2")}, nil)
	require.NoError(t, err)
	_, _, err = s.ReplaceLineRoute(ctx, model.PhoneLine{PhoneNumber: "4002"}, []model.RouteHop{Hop(Card.ID, "2/3")}, nil)
	require.NoError(t, err)

	err = s.ApplyPortBatch(ctx, []string{hops[0].ID}, []model.PortCreation{
		{PhoneNumber: "4003", NodeID: Card.ID, PortAddress: "2/4"},
		{PhoneNumber: "4004", NodeID: Card.ID, PortAddress: "2/3"},
	})
	require.ErrorIs(t, err, util.ErrPortConflict)

	onCard, err := s.GetHopsForNode(ctx, Card.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"2/1", "2/2", "2/3"}, addresses(onCard))
	_, ok, _ := s.GetLineByPhoneNumber(ctx, "4003")
	assert.False(t, ok, "failed batch must not leave created lines behind")
}

func testBatchReassignPort(t *testing.T, s store.Store) {
	ctx := context.Background()
	_, hops, err := s.ReplaceLineRoute(ctx, model.PhoneLine{PhoneNumber: "5001"}, []model.RouteHop{Hop(Frame.ID, "101")}, nil)
	require.NoError(t, err)

	err = s.ApplyPortBatch(ctx, []string{hops[0].ID}, []model.PortCreation{
		{PhoneNumber: "5002", NodeID: Frame.ID, PortAddress: "101"},
	})
	require.NoError(t, err)

	res, err := s.CheckPortInUse(ctx, Frame.ID, "101", "")
	require.NoError(t, err)
	assert.Equal(t, "5002", res.OccupyingPhoneNumber)

	old, ok, _ := s.GetLineByPhoneNumber(ctx, "5001")
	require.True(t, ok, "losing its only hop leaves the line in place")
	route, _ := s.GetRoute(ctx, old.ID)
	assert.Empty(t, route)
}

func testDeleteLine(t *testing.T, s store.Store) {
	ctx := context.Background()
	line, _, err := s.ReplaceLineRoute(ctx, model.PhoneLine{PhoneNumber: "6001"},
		[]model.RouteHop{Hop(Card.ID, "3/3"), Hop(Card.ID, "3/4")}, nil)
	require.NoError(t, err)

	require.NoError(t, s.DeleteLine(ctx, line.ID))
	_, ok, err := s.GetLine(ctx, line.ID)
	require.NoError(t, err)
	assert.False(t, ok)
	onCard, _ := s.GetHopsForNode(ctx, Card.ID)
	assert.Empty(t, onCard)

	assert.ErrorIs(t, s.DeleteLine(ctx, line.ID), util.ErrNotFound)

	lines, err := s.ListLines(ctx)
	require.NoError(t, err)
	assert.Empty(t, lines)
}

func addresses(hops []model.RouteHop) []string {
	out := make([]string, 0, len(hops))
	for _, h := range hops {
		out = append(out, h.PortAddress)
	}
	return out
}

func sequences(hops []model.RouteHop) []int {
	out := make([]int, 0, len(hops))
	for _, h := range hops {
		out = append(out, h.Sequence)
	}
	return out
}
