// Package conflict reports which line, if any, already owns a port. The check
// is advisory: nothing is locked between a check and the following write, so
// stores enforce port exclusivity again at commit time.
package conflict

import (
	"context"

	"golang.org/x/sync/errgroup"

	"line-plant/pkg/model"
	"line-plant/pkg/util"
)

// maxInFlight bounds concurrent store lookups for one validation.
const maxInFlight = 8

// PortChecker is the slice of the route store the detector needs.
type PortChecker interface {
	CheckPortInUse(ctx context.Context, nodeID, address, excludeLineID string) (model.ConflictResult, error)
}

// Probe is one (node, canonical address) pair to check.
type Probe struct {
	Sequence    int
	NodeID      string
	PortAddress string
}

// Finding is the result for one probe.
type Finding struct {
	Probe
	model.ConflictResult
}

type Detector struct {
	store PortChecker
}

func New(store PortChecker) *Detector {
	return &Detector{store: store}
}

// Check looks up the owner of (nodeID, address) other than excludeLineID.
// Addresses must already be canonical; legacy spellings are not matched.
func (d *Detector) Check(ctx context.Context, nodeID, address, excludeLineID string) (model.ConflictResult, error) {
	res, err := d.store.CheckPortInUse(ctx, nodeID, address, excludeLineID)
	if err != nil {
		return model.ConflictResult{}, util.NewStorageError("check port in use", err)
	}
	return res, nil
}

// CheckAll runs every probe concurrently and returns one finding per probe,
// in probe order. A conflicting probe does not stop the others; only a store
// error aborts the whole check.
func (d *Detector) CheckAll(ctx context.Context, probes []Probe, excludeLineID string) ([]Finding, error) {
	out := make([]Finding, len(probes))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxInFlight)
	for i, p := range probes {
		i, p := i, p
		g.Go(func() error {
			res, err := d.Check(gctx, p.NodeID, p.PortAddress, excludeLineID)
			if err != nil {
				return err
			}
			out[i] = Finding{Probe: p, ConflictResult: res}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// Conflicts extracts the findings that are in use.
func Conflicts(findings []Finding) []util.Conflict {
	var out []util.Conflict
	for _, f := range findings {
		if !f.InUse {
			continue
		}
		out = append(out, util.Conflict{
			Sequence:             f.Sequence,
			NodeID:               f.NodeID,
			PortAddress:          f.PortAddress,
			OccupyingLineID:      f.OccupyingLineID,
			OccupyingPhoneNumber: f.OccupyingPhoneNumber,
			OccupyingHopID:       f.OccupyingHopID,
		})
	}
	return out
}
