// Package editor edits the full route of one phone line. Every hop is checked
// for port conflicts before anything is written; an operator override is the
// only way a save can take a port away from another line.
package editor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"line-plant/pkg/conflict"
	"line-plant/pkg/metrics"
	"line-plant/pkg/model"
	"line-plant/pkg/portaddr"
	"line-plant/pkg/routeset"
	"line-plant/pkg/store"
	"line-plant/pkg/topology"
	"line-plant/pkg/util"
)

// SaveRequest is a complete line edit. LineID is empty for a new line.
type SaveRequest struct {
	LineID       string     `json:"lineId,omitempty"`
	PhoneNumber  string     `json:"phoneNumber"`
	ConsumerUnit string     `json:"consumerUnit,omitempty"`
	Tags         []string   `json:"tags,omitempty"`
	Hops         []HopInput `json:"hops"`
	AcceptErrors bool       `json:"acceptErrors,omitempty"`
	Actor        string     `json:"-"`
}

// Route returns the request's hops as an editable route.
func (r SaveRequest) Route() *Route {
	return NewRoute(r.Hops...)
}

// Event kinds passed to a Notifier.
const (
	EventSaved   = "saved"
	EventDeleted = "deleted"
)

// RouteEvent describes a committed change to one line.
type RouteEvent struct {
	Kind    string           `json:"kind"`
	Line    model.PhoneLine  `json:"line"`
	Hops    []model.RouteHop `json:"hops,omitempty"`
	Evicted []util.Conflict  `json:"evicted,omitempty"`
	Actor   string           `json:"actor,omitempty"`
	At      time.Time        `json:"at"`
}

// Notifier is told about every committed change, after the store write.
type Notifier interface {
	RouteChanged(ctx context.Context, ev RouteEvent)
}

// Auditor records operator actions.
type Auditor interface {
	Append(ctx context.Context, e model.AuditEntry) error
}

type Option func(*Editor)

func WithAuditor(a Auditor) Option {
	return func(e *Editor) { e.audit = a }
}

func WithNotifier(n Notifier) Option {
	return func(e *Editor) { e.notify = n }
}

func WithMetrics(m *metrics.Collector) Option {
	return func(e *Editor) { e.metrics = m }
}

type Editor struct {
	store    store.RouteStore
	nodes    *topology.Holder
	detector *conflict.Detector
	audit    Auditor
	notify   Notifier
	metrics  *metrics.Collector
	now      func() time.Time
}

func New(rs store.RouteStore, nodes *topology.Holder, opts ...Option) *Editor {
	e := &Editor{
		store:    rs,
		nodes:    nodes,
		detector: conflict.New(rs),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Load returns the stored line as a request ready for editing.
func (e *Editor) Load(ctx context.Context, lineID string) (SaveRequest, error) {
	line, ok, err := e.store.GetLine(ctx, lineID)
	if err != nil {
		return SaveRequest{}, util.NewStorageError("get line", err)
	}
	if !ok {
		return SaveRequest{}, fmt.Errorf("line %s: %w", lineID, util.ErrNotFound)
	}
	hops, err := e.store.GetRoute(ctx, lineID)
	if err != nil {
		return SaveRequest{}, util.NewStorageError("get route", err)
	}
	req := SaveRequest{
		LineID:       line.ID,
		PhoneNumber:  line.PhoneNumber,
		ConsumerUnit: line.ConsumerUnit,
		Tags:         line.Tags,
	}
	for _, h := range hops {
		req.Hops = append(req.Hops, HopInput{
			ID:          h.ID,
			NodeID:      h.NodeID,
			PortAddress: h.PortAddress,
			WireColorA:  h.WireColorA,
			WireColorB:  h.WireColorB,
		})
	}
	return req, nil
}

// Validate runs local checks and then the conflict checks for every hop. It
// returns the conflict report, or nil when every port is free.
func (e *Editor) Validate(ctx context.Context, req SaveRequest) (*util.PortConflictError, error) {
	line, hops, err := e.prepare(req)
	if err != nil {
		return nil, err
	}
	return e.conflicts(ctx, line.ID, hops)
}

// Save validates and commits the request. Conflicts abort the save unless
// AcceptErrors is set, in which case the occupying hops are evicted in the
// same store call that writes the new route.
func (e *Editor) Save(ctx context.Context, req SaveRequest) (model.PhoneLine, []model.RouteHop, error) {
	line, hops, evicted, err := e.save(ctx, req)
	e.metrics.RouteSaved(err)
	if err != nil {
		util.WithLine(req.LineID, req.PhoneNumber).WithError(err).Debug("route save rejected")
		return model.PhoneLine{}, nil, err
	}

	e.metrics.Evicted(len(evicted))
	for _, c := range evicted {
		util.WithLine(c.OccupyingLineID, c.OccupyingPhoneNumber).
			WithField("port", c.PortAddress).
			Warnf("port taken over by %s", line.PhoneNumber)
		e.record(ctx, req.Actor, model.ActionForcedEviction, c.OccupyingLineID,
			fmt.Sprintf("%s port %s moved from %s to %s", c.NodeID, c.PortAddress, c.OccupyingPhoneNumber, line.PhoneNumber))
	}
	e.record(ctx, req.Actor, model.ActionRouteReplace, line.ID,
		fmt.Sprintf("%s: %d hops", line.PhoneNumber, len(hops)))
	util.WithLine(line.ID, line.PhoneNumber).Infof("route saved with %d hops", len(hops))

	if e.notify != nil {
		e.notify.RouteChanged(ctx, RouteEvent{
			Kind:    EventSaved,
			Line:    line,
			Hops:    hops,
			Evicted: evicted,
			Actor:   req.Actor,
			At:      e.now(),
		})
	}
	return line, hops, nil
}

func (e *Editor) save(ctx context.Context, req SaveRequest) (model.PhoneLine, []model.RouteHop, []util.Conflict, error) {
	line, hops, err := e.prepare(req)
	if err != nil {
		return line, nil, nil, err
	}
	report, err := e.conflicts(ctx, line.ID, hops)
	if err != nil {
		return line, nil, nil, err
	}
	var evict []string
	var evicted []util.Conflict
	if report != nil {
		if !req.AcceptErrors {
			return line, nil, nil, report
		}
		evicted = report.Conflicts
		for _, c := range evicted {
			evict = append(evict, c.OccupyingHopID)
		}
	}
	saved, route, err := e.store.ReplaceLineRoute(ctx, line, hops, evict)
	if err != nil {
		return line, nil, nil, util.NewStorageError("replace line route", err)
	}
	return saved, route, evicted, nil
}

// Delete removes a line and its hops.
func (e *Editor) Delete(ctx context.Context, lineID, actor string) error {
	line, ok, err := e.store.GetLine(ctx, lineID)
	if err != nil {
		return util.NewStorageError("get line", err)
	}
	if !ok {
		return fmt.Errorf("line %s: %w", lineID, util.ErrNotFound)
	}
	if err := e.store.DeleteLine(ctx, lineID); err != nil {
		return util.NewStorageError("delete line", err)
	}
	e.record(ctx, actor, model.ActionLineDelete, lineID, line.PhoneNumber)
	util.WithLine(line.ID, line.PhoneNumber).Info("line deleted")
	if e.notify != nil {
		e.notify.RouteChanged(ctx, RouteEvent{Kind: EventDeleted, Line: line, Actor: actor, At: e.now()})
	}
	return nil
}

// prepare performs every check that needs no store access and returns the
// line and hops with canonical addresses.
func (e *Editor) prepare(req SaveRequest) (model.PhoneLine, []model.RouteHop, error) {
	line := model.PhoneLine{
		ID:           req.LineID,
		PhoneNumber:  strings.TrimSpace(req.PhoneNumber),
		ConsumerUnit: strings.TrimSpace(req.ConsumerUnit),
		Tags:         req.Tags,
	}
	route := req.Route()

	vb := &util.ValidationBuilder{}
	vb.Add(line.PhoneNumber != "", "phone number is required")
	vb.Add(route.Len() >= 1, "a line needs at least one hop")
	vb.Add(route.Len() <= model.MaxHops, fmt.Sprintf("a line may have at most %d hops", model.MaxHops))
	if err := vb.Build(); err != nil {
		return line, nil, err
	}

	snap := e.nodes.Load()
	hops := route.Hops()
	for i := range hops {
		h := &hops[i]
		h.NodeID = strings.TrimSpace(h.NodeID)
		raw := strings.TrimSpace(h.PortAddress)
		if h.NodeID == "" || raw == "" {
			vb.AddErrorf("hop %d needs a node and a port address", h.Sequence)
			continue
		}
		node, ok := snap.Node(h.NodeID)
		if !ok {
			vb.AddErrorf("hop %d: unknown node %s", h.Sequence, h.NodeID)
			continue
		}
		addr, err := portaddr.Normalize(node, raw)
		if err != nil {
			return line, nil, fmt.Errorf("hop %d: %w", h.Sequence, err)
		}
		h.PortAddress = addr
	}
	if err := vb.Build(); err != nil {
		return line, nil, err
	}
	if err := routeset.CheckRouteUnique(hops); err != nil {
		return line, nil, err
	}
	return line, hops, nil
}

func (e *Editor) conflicts(ctx context.Context, lineID string, hops []model.RouteHop) (*util.PortConflictError, error) {
	probes := make([]conflict.Probe, len(hops))
	for i, h := range hops {
		probes[i] = conflict.Probe{Sequence: h.Sequence, NodeID: h.NodeID, PortAddress: h.PortAddress}
	}
	findings, err := e.detector.CheckAll(ctx, probes, lineID)
	if err != nil {
		return nil, err
	}
	found := conflict.Conflicts(findings)
	if len(found) == 0 {
		return nil, nil
	}
	e.metrics.Conflicts("editor", len(found))
	return util.NewPortConflictError(found...), nil
}

func (e *Editor) record(ctx context.Context, actor, action, target, detail string) {
	if e.audit == nil {
		return
	}
	err := e.audit.Append(ctx, model.AuditEntry{
		Actor:     actor,
		Action:    action,
		Target:    target,
		Detail:    detail,
		Timestamp: e.now(),
	})
	if err != nil {
		util.WithOperation(action).WithError(err).Warn("audit append failed")
	}
}
