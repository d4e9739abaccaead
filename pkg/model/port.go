package model

// PortAssignment is the state of one port slot in a grid, as seen at load time.
type PortAssignment struct {
	PortAddress  string `json:"portAddress"`
	PhoneNumber  string `json:"phoneNumber,omitempty"`
	ConsumerUnit string `json:"consumerUnit,omitempty"`
	PhoneLineID  string `json:"phoneLineId,omitempty"`
	RouteHopID   string `json:"routeHopId,omitempty"`
}

// PortCreation asks the store to pin a line (found or created by number) to a port.
// ConsumerUnit is nil when no resolved label is known.
type PortCreation struct {
	PhoneNumber  string  `json:"phoneNumber"`
	ConsumerUnit *string `json:"consumerUnit,omitempty"`
	NodeID       string  `json:"nodeId"`
	PortAddress  string  `json:"portAddress"`
}

// ConflictResult reports who, if anyone, currently owns a port.
type ConflictResult struct {
	InUse                bool   `json:"inUse"`
	OccupyingLineID      string `json:"occupyingLineId,omitempty"`
	OccupyingPhoneNumber string `json:"occupyingPhoneNumber,omitempty"`
	OccupyingHopID       string `json:"occupyingHopId,omitempty"`
}
