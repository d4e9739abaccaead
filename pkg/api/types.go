package api

import (
	"line-plant/pkg/grid"
	"line-plant/pkg/model"
	"line-plant/pkg/topology"
	"line-plant/pkg/util"
)

// GridResponse seeds a grid editor. Clients send Snapshot back unchanged
// with their edits.
type GridResponse struct {
	Node      model.DistributionNode `json:"node"`
	Selectors topology.Selectors     `json:"selectors"`
	Cells     []grid.Cell            `json:"cells"`
	Snapshot  []model.PortAssignment `json:"snapshot"`
}

// PortCheckRequest asks whether a port is free for a line.
type PortCheckRequest struct {
	NodeID        string `json:"nodeId"`
	PortAddress   string `json:"portAddress"`
	ExcludeLineID string `json:"excludeLineId,omitempty"`
}

// PortCheckResponse carries the canonical address that was checked.
type PortCheckResponse struct {
	PortAddress string `json:"portAddress"`
	model.ConflictResult
}

// LineResponse is returned after a successful save.
type LineResponse struct {
	Line model.PhoneLine  `json:"line"`
	Hops []model.RouteHop `json:"hops"`
}

// ValidateResponse is the result of a dry-run save.
type ValidateResponse struct {
	OK        bool            `json:"ok"`
	Conflicts []util.Conflict `json:"conflicts,omitempty"`
}

// ConflictResponse is the 409 body.
type ConflictResponse struct {
	Error     string          `json:"error"`
	Conflicts []util.Conflict `json:"conflicts"`
}

// CodecResponse shows how a port is spelled.
type CodecResponse struct {
	Kind      model.NodeKind     `json:"kind"`
	Selectors topology.Selectors `json:"selectors"`
	Port      int                `json:"port"`
	Canonical string             `json:"canonical"`
	Variants  []string           `json:"variants"`
}
