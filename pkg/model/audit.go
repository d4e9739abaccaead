package model

import "time"

// Audit actions recorded by the editors.
const (
	ActionRouteReplace   = "route_replace"
	ActionForcedEviction = "forced_eviction"
	ActionPortBatch      = "port_batch"
	ActionLineDelete     = "line_delete"
	ActionNodeUpsert     = "node_upsert"
)

// AuditEntry captures an operation against the cabling plant.
type AuditEntry struct {
	Actor     string    `json:"actor"`
	Action    string    `json:"action"`
	Target    string    `json:"target"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
