// Package portaddr converts port selectors to canonical address strings and
// back. Canonicalize is the only writer of addresses; LegacyVariants exists
// solely to recognise data entered before canonical addresses were enforced.
package portaddr

import (
	"fmt"
	"strconv"
	"strings"

	"line-plant/pkg/model"
	"line-plant/pkg/topology"
	"line-plant/pkg/util"
)

// Bounds of the three-character MDF code.
const (
	mdfMaxSet      = 9
	mdfMaxTerminal = 10
	mdfMaxPort     = 10
)

// Canonicalize renders the address written for a port.
//
//	mainframe    set, terminal, port -> "STP", where 10 is rendered as "0"
//	slot_device  slot, port          -> "slot/port"
//	converter    port                -> "port"
func Canonicalize(kind model.NodeKind, sel topology.Selectors, port int) (string, error) {
	switch kind {
	case model.KindMainFrame:
		if err := mdfInRange(sel, port); err != nil {
			return "", err
		}
		return strconv.Itoa(sel.Set) + digit(sel.Terminal) + digit(port), nil
	case model.KindSlotDevice:
		if sel.Slot < 1 {
			return "", util.NewSelectorError("slot", sel.Slot, 0)
		}
		if port < 1 {
			return "", util.NewSelectorError("port", port, 0)
		}
		return fmt.Sprintf("%d/%d", sel.Slot, port), nil
	case model.KindConverter, model.KindSocket:
		if port < 1 {
			return "", util.NewSelectorError("port", port, 0)
		}
		return strconv.Itoa(port), nil
	}
	return "", util.NewValidationError(fmt.Sprintf("unknown node kind %q", kind))
}

// LegacyVariants returns the canonical address followed by every historical
// spelling of the same port. The result has no duplicates.
func LegacyVariants(kind model.NodeKind, sel topology.Selectors, port int) ([]string, error) {
	canonical, err := Canonicalize(kind, sel, port)
	if err != nil {
		return nil, err
	}
	out := []string{canonical}
	add := func(v string) {
		for _, have := range out {
			if have == v {
				return
			}
		}
		out = append(out, v)
	}
	switch kind {
	case model.KindMainFrame:
		add(fmt.Sprintf("%d/%d/%d", sel.Set, sel.Terminal, port))
		add(fmt.Sprintf("%d%d%d", sel.Set, sel.Terminal, port))
	case model.KindSlotDevice:
		// Two port digits only; "1105" would otherwise be both 1/105 and 11/5.
		if port <= 99 {
			add(fmt.Sprintf("%d%02d", sel.Slot, port))
		}
		add(fmt.Sprintf("%d-%d", sel.Slot, port))
	}
	return out, nil
}

// Matches reports whether address is any known spelling of the port.
func Matches(kind model.NodeKind, sel topology.Selectors, port int, address string) bool {
	variants, err := LegacyVariants(kind, sel, port)
	if err != nil {
		return false
	}
	address = strings.TrimSpace(address)
	for _, v := range variants {
		if v == address {
			return true
		}
	}
	return false
}

// Decode parses a canonical or legacy address back into selectors and a
// port index. It does not check the result against any node's capacity.
func Decode(kind model.NodeKind, address string) (topology.Selectors, int, error) {
	s := strings.TrimSpace(address)
	if s == "" {
		return topology.Selectors{}, 0, util.NewValidationError("port address is required")
	}
	bad := func() (topology.Selectors, int, error) {
		return topology.Selectors{}, 0, util.NewValidationError(fmt.Sprintf("unrecognised %s address %q", kind, address))
	}
	switch kind {
	case model.KindMainFrame:
		if strings.Contains(s, "/") {
			parts, ok := ints(strings.Split(s, "/"))
			if !ok || len(parts) != 3 {
				return bad()
			}
			return topology.Selectors{Set: parts[0], Terminal: parts[1]}, parts[2], nil
		}
		if !allDigits(s) {
			return bad()
		}
		set, t, p, ok := splitMDF(s)
		if !ok {
			return bad()
		}
		return topology.Selectors{Set: set, Terminal: t}, p, nil
	case model.KindSlotDevice:
		for _, sep := range []string{"/", "-"} {
			if strings.Contains(s, sep) {
				parts, ok := ints(strings.Split(s, sep))
				if !ok || len(parts) != 2 {
					return bad()
				}
				return topology.Selectors{Slot: parts[0]}, parts[1], nil
			}
		}
		if !allDigits(s) || len(s) < 3 {
			return bad()
		}
		slot, _ := strconv.Atoi(s[:len(s)-2])
		port, _ := strconv.Atoi(s[len(s)-2:])
		return topology.Selectors{Slot: slot}, port, nil
	case model.KindConverter, model.KindSocket:
		if !allDigits(s) {
			return bad()
		}
		port, _ := strconv.Atoi(s)
		return topology.Selectors{}, port, nil
	}
	return bad()
}

// Normalize decodes a human-entered address, checks it against the node's
// capacity and re-encodes it canonically.
func Normalize(node model.DistributionNode, raw string) (string, error) {
	sel, port, err := Decode(node.Kind, raw)
	if err != nil {
		return "", err
	}
	if err := topology.CheckPort(node, sel, port); err != nil {
		return "", err
	}
	return Canonicalize(node.Kind, sel, port)
}

// splitMDF handles both the canonical three-digit code and the naive
// concatenation where 10 was written out in full.
func splitMDF(s string) (set, terminal, port int, ok bool) {
	set = int(s[0] - '0')
	rest := s[1:]
	switch len(rest) {
	case 2:
		return set, undigit(rest[0]), undigit(rest[1]), set > 0
	case 3:
		if rest[:2] == "10" && rest[2] != '0' {
			return set, 10, int(rest[2] - '0'), set > 0
		}
		if rest[1:] == "10" && rest[0] != '0' {
			return set, int(rest[0] - '0'), 10, set > 0
		}
	case 4:
		if rest == "1010" {
			return set, 10, 10, set > 0
		}
	}
	return 0, 0, 0, false
}

func mdfInRange(sel topology.Selectors, port int) error {
	if sel.Set < 1 || sel.Set > mdfMaxSet {
		return util.NewSelectorError("set", sel.Set, mdfMaxSet)
	}
	if sel.Terminal < 1 || sel.Terminal > mdfMaxTerminal {
		return util.NewSelectorError("terminal", sel.Terminal, mdfMaxTerminal)
	}
	if port < 1 || port > mdfMaxPort {
		return util.NewSelectorError("port", port, mdfMaxPort)
	}
	return nil
}

func digit(v int) string {
	if v == 10 {
		return "0"
	}
	return strconv.Itoa(v)
}

func undigit(b byte) int {
	if b == '0' {
		return 10
	}
	return int(b - '0')
}

func allDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

func ints(parts []string) ([]int, bool) {
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if !allDigits(p) {
			return nil, false
		}
		v, err := strconv.Atoi(p)
		if err != nil {
			return nil, false
		}
		out = append(out, v)
	}
	return out, true
}
