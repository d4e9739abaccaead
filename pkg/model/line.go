package model

// MaxHops is the longest physical path a line may take.
const MaxHops = 8

// PhoneLine is a subscriber line routed through the plant.
type PhoneLine struct {
	ID           string   `gorm:"primaryKey;size:36" json:"id"`
	PhoneNumber  string   `gorm:"size:32;not null;uniqueIndex:uk_phone_lines_number" json:"phoneNumber"`
	ConsumerUnit string   `gorm:"size:255" json:"consumerUnit,omitempty"`
	Tags         []string `gorm:"serializer:json" json:"tags,omitempty"`
}

func (PhoneLine) TableName() string {
	return "phone_lines"
}

// RouteHop pins one line to one port of one node at a position along its path.
type RouteHop struct {
	ID          string `gorm:"primaryKey;size:36" json:"id"`
	LineID      string `gorm:"size:36;not null;index:idx_route_hops_line" json:"lineId"`
	NodeID      string `gorm:"size:64;not null;uniqueIndex:uk_route_hops_port" json:"nodeId"`
	Sequence    int    `gorm:"not null" json:"sequence"`
	PortAddress string `gorm:"size:32;not null;uniqueIndex:uk_route_hops_port" json:"portAddress"`
	WireColorA  string `gorm:"size:32" json:"wireColorA,omitempty"`
	WireColorB  string `gorm:"size:32" json:"wireColorB,omitempty"`
}

func (RouteHop) TableName() string {
	return "route_hops"
}

// Renumber assigns dense 1-based sequence numbers in slice order.
func Renumber(hops []RouteHop) []RouteHop {
	for i := range hops {
		hops[i].Sequence = i + 1
	}
	return hops
}
