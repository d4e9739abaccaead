package grid

import (
	"encoding/json"
)

// UnitState says what is known about a cell's consumer unit.
type UnitState int

const (
	// UnitEmpty means no label is known.
	UnitEmpty UnitState = iota
	// UnitPending means a lookup is scheduled or in flight.
	UnitPending
	// UnitResolved means Value holds the label of the line that owns the number.
	UnitResolved
)

func (s UnitState) String() string {
	switch s {
	case UnitPending:
		return "pending"
	case UnitResolved:
		return "resolved"
	default:
		return "empty"
	}
}

// ConsumerUnit is the display label of a cell's phone line.
type ConsumerUnit struct {
	State UnitState
	Value string
}

func Resolved(v string) ConsumerUnit { return ConsumerUnit{State: UnitResolved, Value: v} }

// Persisted returns the value to write with a new hop. Only a resolved label
// is ever written; a pending lookup yields nil.
func (u ConsumerUnit) Persisted() *string {
	if u.State != UnitResolved || u.Value == "" {
		return nil
	}
	v := u.Value
	return &v
}

func (u ConsumerUnit) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		State string `json:"state"`
		Value string `json:"value,omitempty"`
	}{u.State.String(), u.Value})
}

// Cell is one port of the grid.
type Cell struct {
	Port         int          `json:"port"`
	PortAddress  string       `json:"portAddress"`
	PhoneNumber  string       `json:"phoneNumber"`
	ConsumerUnit ConsumerUnit `json:"consumerUnit"`
}
