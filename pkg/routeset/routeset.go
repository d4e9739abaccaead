// Package routeset enforces port exclusivity and dense hop sequences on an
// in-memory working set of lines and hops.
package routeset

import (
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"line-plant/pkg/model"
	"line-plant/pkg/util"
)

// Set is a working set of lines and hops with the routing rules applied on
// every mutation. The memory and Consul stores mutate a clone and publish
// it only when the whole operation succeeded.
type Set struct {
	Lines map[string]model.PhoneLine
	Hops  map[string]model.RouteHop
}

// New returns an empty set.
func New() *Set {
	return &Set{
		Lines: make(map[string]model.PhoneLine),
		Hops:  make(map[string]model.RouteHop),
	}
}

// Clone returns a deep enough copy for copy-on-write updates.
func (s *Set) Clone() *Set {
	out := &Set{
		Lines: make(map[string]model.PhoneLine, len(s.Lines)),
		Hops:  make(map[string]model.RouteHop, len(s.Hops)),
	}
	for k, v := range s.Lines {
		v.Tags = append([]string(nil), v.Tags...)
		out.Lines[k] = v
	}
	for k, v := range s.Hops {
		out.Hops[k] = v
	}
	return out
}

// Route returns the hops of a line ordered by sequence.
func (s *Set) Route(lineID string) []model.RouteHop {
	var out []model.RouteHop
	for _, h := range s.Hops {
		if h.LineID == lineID {
			out = append(out, h)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out
}

// HopsForNode returns every hop on a node ordered by address.
func (s *Set) HopsForNode(nodeID string) []model.RouteHop {
	var out []model.RouteHop
	for _, h := range s.Hops {
		if h.NodeID == nodeID {
			out = append(out, h)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PortAddress < out[j].PortAddress })
	return out
}

// LineByPhoneNumber finds a line by its phone number.
func (s *Set) LineByPhoneNumber(number string) (model.PhoneLine, bool) {
	for _, l := range s.Lines {
		if l.PhoneNumber == number {
			return l, true
		}
	}
	return model.PhoneLine{}, false
}

// CheckPortInUse reports the owner of (nodeID, address) unless it is excludeLineID.
func (s *Set) CheckPortInUse(nodeID, address, excludeLineID string) model.ConflictResult {
	for _, h := range s.Hops {
		if h.NodeID != nodeID || h.PortAddress != address || h.LineID == excludeLineID {
			continue
		}
		return model.ConflictResult{
			InUse:                true,
			OccupyingLineID:      h.LineID,
			OccupyingPhoneNumber: s.Lines[h.LineID].PhoneNumber,
			OccupyingHopID:       h.ID,
		}
	}
	return model.ConflictResult{}
}

// ReplaceLineRoute implements RouteStore.ReplaceLineRoute on the working set.
func (s *Set) ReplaceLineRoute(line model.PhoneLine, hops []model.RouteHop, evict []string) (model.PhoneLine, []model.RouteHop, error) {
	line.PhoneNumber = strings.TrimSpace(line.PhoneNumber)
	if line.PhoneNumber == "" {
		return line, nil, util.NewValidationError("phone number is required")
	}
	if len(hops) > model.MaxHops {
		return line, nil, util.NewValidationError(fmt.Sprintf("a line may have at most %d hops", model.MaxHops))
	}
	if line.ID == "" {
		line.ID = uuid.NewString()
	}
	if other, ok := s.LineByPhoneNumber(line.PhoneNumber); ok && other.ID != line.ID {
		return line, nil, util.NewValidationError(fmt.Sprintf("phone number %s already belongs to another line", line.PhoneNumber))
	}
	if err := CheckRouteUnique(hops); err != nil {
		return line, nil, err
	}

	for _, id := range evict {
		s.deleteHop(id)
	}
	owned := make(map[string]bool)
	for _, h := range s.Route(line.ID) {
		owned[h.ID] = true
		delete(s.Hops, h.ID)
	}

	var conflicts []util.Conflict
	for i := range hops {
		if r := s.CheckPortInUse(hops[i].NodeID, hops[i].PortAddress, line.ID); r.InUse {
			conflicts = append(conflicts, util.Conflict{
				Sequence:             i + 1,
				NodeID:               hops[i].NodeID,
				PortAddress:          hops[i].PortAddress,
				OccupyingLineID:      r.OccupyingLineID,
				OccupyingPhoneNumber: r.OccupyingPhoneNumber,
				OccupyingHopID:       r.OccupyingHopID,
			})
		}
	}
	if len(conflicts) > 0 {
		return line, nil, util.NewPortConflictError(conflicts...)
	}

	out := make([]model.RouteHop, len(hops))
	for i, h := range hops {
		if h.ID == "" || !owned[h.ID] {
			h.ID = uuid.NewString()
		}
		h.LineID = line.ID
		h.Sequence = i + 1
		s.Hops[h.ID] = h
		out[i] = h
	}
	s.Lines[line.ID] = line
	return line, out, nil
}

// ApplyPortBatch implements RouteStore.ApplyPortBatch on the working set.
func (s *Set) ApplyPortBatch(deletions []string, creations []model.PortCreation) error {
	for _, id := range deletions {
		s.deleteHop(id)
	}
	var conflicts []util.Conflict
	for _, c := range creations {
		number := strings.TrimSpace(c.PhoneNumber)
		if number == "" || c.NodeID == "" || c.PortAddress == "" {
			return util.NewValidationError("creation needs phone number, node and port address")
		}
		line, ok := s.LineByPhoneNumber(number)
		if !ok {
			line = model.PhoneLine{ID: uuid.NewString(), PhoneNumber: number}
		}
		if line.ConsumerUnit == "" && c.ConsumerUnit != nil {
			line.ConsumerUnit = *c.ConsumerUnit
		}
		if r := s.CheckPortInUse(c.NodeID, c.PortAddress, ""); r.InUse {
			conflicts = append(conflicts, util.Conflict{
				NodeID:               c.NodeID,
				PortAddress:          c.PortAddress,
				OccupyingLineID:      r.OccupyingLineID,
				OccupyingPhoneNumber: r.OccupyingPhoneNumber,
				OccupyingHopID:       r.OccupyingHopID,
			})
			continue
		}
		route := s.Route(line.ID)
		if len(route) >= model.MaxHops {
			return util.NewValidationError(fmt.Sprintf("line %s already has %d hops", number, model.MaxHops))
		}
		s.Lines[line.ID] = line
		h := model.RouteHop{
			ID:          uuid.NewString(),
			LineID:      line.ID,
			NodeID:      c.NodeID,
			Sequence:    len(route) + 1,
			PortAddress: c.PortAddress,
		}
		s.Hops[h.ID] = h
	}
	if len(conflicts) > 0 {
		return util.NewPortConflictError(conflicts...)
	}
	return nil
}

// DeleteLine removes a line and all of its hops.
func (s *Set) DeleteLine(id string) error {
	if _, ok := s.Lines[id]; !ok {
		return fmt.Errorf("line %s: %w", id, util.ErrNotFound)
	}
	for _, h := range s.Route(id) {
		delete(s.Hops, h.ID)
	}
	delete(s.Lines, id)
	return nil
}

// deleteHop removes a hop if present and closes the gap in its line.
func (s *Set) deleteHop(id string) {
	h, ok := s.Hops[id]
	if !ok {
		return
	}
	delete(s.Hops, id)
	for i, rest := range s.Route(h.LineID) {
		rest.Sequence = i + 1
		s.Hops[rest.ID] = rest
	}
}

// CheckRouteUnique rejects a route that visits the same port twice.
func CheckRouteUnique(hops []model.RouteHop) error {
	seen := make(map[string]int, len(hops))
	vb := &util.ValidationBuilder{}
	for i, h := range hops {
		key := h.NodeID + "\x00" + h.PortAddress
		if prev, dup := seen[key]; dup {
			vb.AddErrorf("hops %d and %d both use %s port %s", prev, i+1, h.NodeID, h.PortAddress)
			continue
		}
		seen[key] = i + 1
	}
	return vb.Build()
}
