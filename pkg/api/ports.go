package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"line-plant/pkg/grid"
	"line-plant/pkg/portaddr"
	"line-plant/pkg/util"
)

// handlePorts serves the per-node grid editor.
//
//	GET  ?nodeId=&set=&terminal=&slot=  seed a grid
//	POST grid.Submission                diff against the snapshot and apply
func (s *server) handlePorts(w http.ResponseWriter, r *http.Request, actor string) {
	ctx := r.Context()
	switch r.Method {
	case http.MethodGet:
		q := r.URL.Query()
		sel, err := parseSelectors(q.Get)
		if err != nil {
			writeError(w, err)
			return
		}
		g, err := s.Grid.Load(ctx, q.Get("nodeId"), sel)
		if err != nil {
			writeError(w, err)
			return
		}
		defer g.Close()
		writeJSON(w, http.StatusOK, GridResponse{
			Node:      g.Node,
			Selectors: g.Selectors,
			Cells:     g.Cells(),
			Snapshot:  g.Snapshot(),
		})
	case http.MethodPost:
		var sub grid.Submission
		if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
			http.Error(w, "invalid payload", http.StatusBadRequest)
			return
		}
		g, err := s.Grid.FromSubmission(ctx, sub)
		if err != nil {
			writeError(w, err)
			return
		}
		defer g.Close()
		batch, err := s.Grid.Save(ctx, g, actor)
		if err != nil {
			writeError(w, err)
			return
		}
		if !batch.Empty() && s.Hub != nil {
			s.Hub.Publish(WSMessage{Type: "ports_changed", NodeID: g.Node.ID, Payload: batch}, g.Node.ID)
		}
		writeJSON(w, http.StatusOK, batch)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handlePortCheck normalises an address against the node and reports its
// current owner.
func (s *server) handlePortCheck(w http.ResponseWriter, r *http.Request, _ string) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req PortCheckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	node, ok := s.Nodes.Load().Node(strings.TrimSpace(req.NodeID))
	if !ok {
		writeError(w, fmt.Errorf("node %s: %w", req.NodeID, util.ErrNotFound))
		return
	}
	addr, err := portaddr.Normalize(node, req.PortAddress)
	if err != nil {
		writeError(w, err)
		return
	}
	res, err := s.detector.Check(r.Context(), node.ID, addr, req.ExcludeLineID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, PortCheckResponse{PortAddress: addr, ConflictResult: res})
}
