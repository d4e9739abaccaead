package model

// NodeKind identifies the hardware type of a distribution node.
type NodeKind string

const (
	KindMainFrame  NodeKind = "mainframe"
	KindSlotDevice NodeKind = "slot_device"
	KindConverter  NodeKind = "converter"
	KindSocket     NodeKind = "socket"
)

// Valid reports whether k is one of the known node kinds.
func (k NodeKind) Valid() bool {
	switch k {
	case KindMainFrame, KindSlotDevice, KindConverter, KindSocket:
		return true
	}
	return false
}

// Capacity holds the kind-specific port layout of a node. Only the fields
// relevant to the node's kind are meaningful.
type Capacity struct {
	Sets             int `json:"sets,omitempty" yaml:"sets,omitempty"`
	TerminalsPerSet  int `json:"terminalsPerSet,omitempty" yaml:"terminalsPerSet,omitempty"`
	PortsPerTerminal int `json:"portsPerTerminal,omitempty" yaml:"portsPerTerminal,omitempty"`
	Slots            int `json:"slots,omitempty" yaml:"slots,omitempty"`
	PortsPerSlot     int `json:"portsPerSlot,omitempty" yaml:"portsPerSlot,omitempty"`
	Ports            int `json:"ports,omitempty" yaml:"ports,omitempty"`
}

// DistributionNode is one piece of distribution hardware in the cabling plant.
type DistributionNode struct {
	ID          string   `gorm:"primaryKey;size:64" json:"id" yaml:"id"`
	Name        string   `gorm:"size:255;index" json:"name" yaml:"name"`
	Kind        NodeKind `gorm:"size:32;not null" json:"kind" yaml:"kind"`
	Capacity    Capacity `gorm:"serializer:json" json:"capacity" yaml:"capacity"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
	ImageRef    string   `json:"imageRef,omitempty" yaml:"imageRef,omitempty"`
}

func (DistributionNode) TableName() string {
	return "distribution_nodes"
}
