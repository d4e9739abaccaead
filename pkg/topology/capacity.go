package topology

import (
	"fmt"

	"line-plant/pkg/model"
	"line-plant/pkg/util"
)

// Limits imposed by the single-character MDF address code.
const (
	maxMainFrameSets      = 9
	maxMainFrameTerminals = 10
	maxMainFramePorts     = 10
)

// Selectors pick one addressable sub-unit of a node. Unused fields are zero.
type Selectors struct {
	Set      int `json:"set,omitempty"`
	Terminal int `json:"terminal,omitempty"`
	Slot     int `json:"slot,omitempty"`
}

// PortCount returns the number of ports of the sub-unit chosen by sel.
// Missing or out-of-range selectors yield an InvalidSelector error.
func PortCount(node model.DistributionNode, sel Selectors) (int, error) {
	c := node.Capacity
	switch node.Kind {
	case model.KindMainFrame:
		if err := checkRange("set", sel.Set, c.Sets); err != nil {
			return 0, err
		}
		if err := checkRange("terminal", sel.Terminal, c.TerminalsPerSet); err != nil {
			return 0, err
		}
		return c.PortsPerTerminal, nil
	case model.KindSlotDevice:
		if err := checkRange("slot", sel.Slot, c.Slots); err != nil {
			return 0, err
		}
		return c.PortsPerSlot, nil
	case model.KindConverter, model.KindSocket:
		return c.Ports, nil
	default:
		return 0, util.NewValidationError(fmt.Sprintf("node %s has unknown kind %q", node.ID, node.Kind))
	}
}

// CheckPort verifies that port is addressable within the sub-unit chosen by sel.
func CheckPort(node model.DistributionNode, sel Selectors, port int) error {
	n, err := PortCount(node, sel)
	if err != nil {
		return err
	}
	return checkRange("port", port, n)
}

// ValidateCapacity checks the kind-specific configuration of a node.
func ValidateCapacity(node model.DistributionNode) error {
	vb := &util.ValidationBuilder{}
	vb.Add(node.ID != "", "node id is required")
	vb.Add(node.Kind.Valid(), fmt.Sprintf("unknown node kind %q", node.Kind))
	c := node.Capacity
	switch node.Kind {
	case model.KindMainFrame:
		vb.Add(c.Sets >= 1 && c.Sets <= maxMainFrameSets, fmt.Sprintf("sets must be within 1..%d", maxMainFrameSets))
		vb.Add(c.TerminalsPerSet >= 1 && c.TerminalsPerSet <= maxMainFrameTerminals, fmt.Sprintf("terminalsPerSet must be within 1..%d", maxMainFrameTerminals))
		vb.Add(c.PortsPerTerminal >= 1 && c.PortsPerTerminal <= maxMainFramePorts, fmt.Sprintf("portsPerTerminal must be within 1..%d", maxMainFramePorts))
	case model.KindSlotDevice:
		vb.Add(c.Slots >= 1, "slots must be at least 1")
		vb.Add(c.PortsPerSlot >= 1, "portsPerSlot must be at least 1")
	case model.KindConverter, model.KindSocket:
		vb.Add(c.Ports >= 1, "ports must be at least 1")
	}
	return vb.Build()
}

func checkRange(name string, v, max int) error {
	if v < 1 || v > max {
		return util.NewSelectorError(name, v, max)
	}
	return nil
}
