package conflict

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"line-plant/pkg/model"
	"line-plant/pkg/store"
	"line-plant/pkg/util"
)

func TestCheck_SelfExclusion(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	first, _, err := s.ReplaceLineRoute(ctx, model.PhoneLine{PhoneNumber: "09121234567"},
		[]model.RouteHop{{NodeID: "card-a", PortAddress: "2/15"}}, nil)
	require.NoError(t, err)
	second, _, err := s.ReplaceLineRoute(ctx, model.PhoneLine{PhoneNumber: "09129999999"},
		[]model.RouteHop{{NodeID: "card-a", PortAddress: "2/16"}}, nil)
	require.NoError(t, err)

	d := New(s)
	res, err := d.Check(ctx, "card-a", "2/15", second.ID)
	require.NoError(t, err)
	assert.True(t, res.InUse)
	assert.Equal(t, first.ID, res.OccupyingLineID)
	assert.Equal(t, "09121234567", res.OccupyingPhoneNumber)

	res, err = d.Check(ctx, "card-a", "2/15", first.ID)
	require.NoError(t, err)
	assert.False(t, res.InUse)
}

func TestCheckAll_CollectsEveryConflict(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	_, _, err := s.ReplaceLineRoute(ctx, model.PhoneLine{PhoneNumber: "100"},
		[]model.RouteHop{{NodeID: "mdf", PortAddress: "110"}, {NodeID: "card", PortAddress: "1/1"}}, nil)
	require.NoError(t, err)

	probes := []Probe{
		{Sequence: 1, NodeID: "mdf", PortAddress: "110"},
		{Sequence: 2, NodeID: "card", PortAddress: "1/2"},
		{Sequence: 3, NodeID: "card", PortAddress: "1/1"},
	}
	findings, err := New(s).CheckAll(ctx, probes, "")
	require.NoError(t, err)
	require.Len(t, findings, 3)
	assert.True(t, findings[0].InUse)
	assert.False(t, findings[1].InUse)
	assert.True(t, findings[2].InUse)

	conflicts := Conflicts(findings)
	require.Len(t, conflicts, 2)
	assert.Equal(t, 1, conflicts[0].Sequence)
	assert.Equal(t, 3, conflicts[1].Sequence)
	assert.Equal(t, "100", conflicts[1].OccupyingPhoneNumber)
}

type flakyChecker struct {
	calls atomic.Int32
}

func (f *flakyChecker) CheckPortInUse(_ context.Context, nodeID, _, _ string) (model.ConflictResult, error) {
	f.calls.Add(1)
	if nodeID == "down" {
		return model.ConflictResult{}, errors.New("connection refused")
	}
	return model.ConflictResult{}, nil
}

func TestCheckAll_StoreErrorAborts(t *testing.T) {
	f := &flakyChecker{}
	_, err := New(f).CheckAll(context.Background(), []Probe{{NodeID: "ok"}, {NodeID: "down"}}, "")
	require.Error(t, err)
	assert.ErrorIs(t, err, util.ErrStorageFailure)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestCheckAll_Empty(t *testing.T) {
	findings, err := New(&flakyChecker{}).CheckAll(context.Background(), nil, "")
	require.NoError(t, err)
	assert.Empty(t, findings)
	assert.Nil(t, Conflicts(findings))
}
