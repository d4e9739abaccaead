package store

import (
	"context"

	"line-plant/pkg/model"
)

// RouteStore is the single source of truth for which line owns which port.
// Implementations must reject a second hop on the same (node, address) pair
// with a util.PortConflictError and apply batches all-or-nothing.
type RouteStore interface {
	GetHopsForNode(ctx context.Context, nodeID string) ([]model.RouteHop, error)
	GetLineByPhoneNumber(ctx context.Context, number string) (model.PhoneLine, bool, error)
	CheckPortInUse(ctx context.Context, nodeID, address, excludeLineID string) (model.ConflictResult, error)

	// ReplaceLineRoute upserts the line and swaps its whole route for hops in
	// one unit. Hops listed in evict belong to other lines and are removed
	// first; their lines are renumbered.
	ReplaceLineRoute(ctx context.Context, line model.PhoneLine, hops []model.RouteHop, evict []string) (model.PhoneLine, []model.RouteHop, error)

	// ApplyPortBatch deletes hops, then pins lines (found or created by phone
	// number) to the requested ports, as one unit.
	ApplyPortBatch(ctx context.Context, deletions []string, creations []model.PortCreation) error

	GetLine(ctx context.Context, id string) (model.PhoneLine, bool, error)
	ListLines(ctx context.Context) ([]model.PhoneLine, error)
	GetRoute(ctx context.Context, lineID string) ([]model.RouteHop, error)
	DeleteLine(ctx context.Context, id string) error
}

// NodeDirectory holds the distribution nodes and their capacity.
type NodeDirectory interface {
	ListNodes(ctx context.Context) ([]model.DistributionNode, error)
	GetNode(ctx context.Context, id string) (model.DistributionNode, bool, error)
	UpsertNode(ctx context.Context, n model.DistributionNode) (model.DistributionNode, error)
}

// Store is what the daemon needs from a backend.
type Store interface {
	RouteStore
	NodeDirectory
	Ping(ctx context.Context) error
}

// NewMemory is a helper to construct the in-memory implementation without importing it directly.
func NewMemory() Store {
	return NewMemoryStore()
}
