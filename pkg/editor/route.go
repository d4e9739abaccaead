package editor

import (
	"fmt"

	"line-plant/pkg/model"
	"line-plant/pkg/util"
)

// HopInput is one hop as the operator entered it. PortAddress may use any
// accepted spelling; it is normalised before saving.
type HopInput struct {
	ID          string `json:"id,omitempty"`
	NodeID      string `json:"nodeId"`
	PortAddress string `json:"portAddress"`
	WireColorA  string `json:"wireColorA,omitempty"`
	WireColorB  string `json:"wireColorB,omitempty"`
}

// Route is an editable, ordered hop list. Positions are 1-based sequence
// numbers and stay dense after every edit.
type Route struct {
	hops []HopInput
}

// NewRoute copies hops into a route. It does not enforce MaxHops so an
// oversized submission can still be reported by validation.
func NewRoute(hops ...HopInput) *Route {
	return &Route{hops: append([]HopInput(nil), hops...)}
}

func (r *Route) Len() int { return len(r.hops) }

// Append adds a hop at the end of the path.
func (r *Route) Append(h HopInput) error {
	return r.Insert(len(r.hops)+1, h)
}

// Insert places h at sequence seq, shifting later hops outward.
func (r *Route) Insert(seq int, h HopInput) error {
	if len(r.hops) >= model.MaxHops {
		return util.NewValidationError(fmt.Sprintf("a line may have at most %d hops", model.MaxHops))
	}
	if seq < 1 || seq > len(r.hops)+1 {
		return util.NewSelectorError("sequence", seq, len(r.hops)+1)
	}
	r.hops = append(r.hops, HopInput{})
	copy(r.hops[seq:], r.hops[seq-1:])
	r.hops[seq-1] = h
	return nil
}

// Remove drops the hop at seq.
func (r *Route) Remove(seq int) error {
	if err := r.check(seq); err != nil {
		return err
	}
	r.hops = append(r.hops[:seq-1], r.hops[seq:]...)
	return nil
}

// MoveUp swaps the hop at seq with its predecessor.
func (r *Route) MoveUp(seq int) error {
	return r.Swap(seq, seq-1)
}

// MoveDown swaps the hop at seq with its successor.
func (r *Route) MoveDown(seq int) error {
	return r.Swap(seq, seq+1)
}

func (r *Route) Swap(a, b int) error {
	if err := r.check(a); err != nil {
		return err
	}
	if err := r.check(b); err != nil {
		return err
	}
	r.hops[a-1], r.hops[b-1] = r.hops[b-1], r.hops[a-1]
	return nil
}

// Inputs returns a copy of the hops as entered.
func (r *Route) Inputs() []HopInput {
	return append([]HopInput(nil), r.hops...)
}

// Hops returns the route as store hops numbered 1..n.
func (r *Route) Hops() []model.RouteHop {
	out := make([]model.RouteHop, len(r.hops))
	for i, h := range r.hops {
		out[i] = model.RouteHop{
			ID:          h.ID,
			NodeID:      h.NodeID,
			PortAddress: h.PortAddress,
			WireColorA:  h.WireColorA,
			WireColorB:  h.WireColorB,
		}
	}
	return model.Renumber(out)
}

func (r *Route) check(seq int) error {
	if seq < 1 || seq > len(r.hops) {
		return util.NewSelectorError("sequence", seq, len(r.hops))
	}
	return nil
}
