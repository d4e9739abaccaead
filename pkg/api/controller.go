package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"gorm.io/gorm"

	"line-plant/pkg/auth"
	"line-plant/pkg/conflict"
	"line-plant/pkg/editor"
	"line-plant/pkg/grid"
	"line-plant/pkg/journal"
	"line-plant/pkg/metrics"
	"line-plant/pkg/model"
	"line-plant/pkg/portaddr"
	"line-plant/pkg/store"
	"line-plant/pkg/topology"
	"line-plant/pkg/util"
)

// Deps are the collaborators behind the HTTP surface. Journal, Metrics, Hub
// and DB are optional.
type Deps struct {
	Store   store.Store
	Nodes   *topology.Holder
	Editor  *editor.Editor
	Grid    *grid.Reconciler
	Journal *journal.Journal
	Metrics *metrics.Collector
	Hub     *EventHub
	DB      *gorm.DB
	Token   string
}

type server struct {
	Deps
	detector *conflict.Detector
	auth     func(r *http.Request) (string, bool)
}

// RegisterRoutes wires the HTTP handlers on the provided mux.
func RegisterRoutes(mux *http.ServeMux, d Deps) {
	s := &server{Deps: d, detector: conflict.New(d.Store), auth: authFunc(d.Token, d.DB != nil)}

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := d.Store.Ping(ctx); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", d.Metrics.Handler())

	mux.HandleFunc("/api/v1/nodes", s.guard(s.handleNodes))
	mux.HandleFunc("/api/v1/ports", s.guard(s.handlePorts))
	mux.HandleFunc("/api/v1/ports/check", s.guard(s.handlePortCheck))
	mux.HandleFunc("/api/v1/lines", s.guard(s.handleLines))
	mux.HandleFunc("/api/v1/lines/lookup", s.guard(s.handleLineLookup))
	mux.HandleFunc("/api/v1/audit", s.guard(s.handleAudit))
	mux.HandleFunc("/api/v1/codec", s.guard(s.handleCodec))

	if d.DB != nil {
		(&AuthHandler{DB: d.DB}).RegisterRoutes(mux)
	}
	if d.Hub != nil {
		mux.HandleFunc("/ws/events", s.guard(func(w http.ResponseWriter, r *http.Request, _ string) {
			d.Hub.HandleEvents(w, r)
		}))
	}
}

// guard rejects unauthenticated requests and passes the caller's name on.
func (s *server) guard(next func(http.ResponseWriter, *http.Request, string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := s.auth(r)
		if !ok {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r, actor)
	}
}

func (s *server) handleNodes(w http.ResponseWriter, r *http.Request, actor string) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.Nodes.Load().Nodes())
	case http.MethodPost:
		var n model.DistributionNode
		if err := json.NewDecoder(r.Body).Decode(&n); err != nil {
			http.Error(w, "invalid payload", http.StatusBadRequest)
			return
		}
		saved, err := s.Store.UpsertNode(r.Context(), n)
		if err != nil {
			writeError(w, util.NewStorageError("upsert node", err))
			return
		}
		if err := s.refreshNodes(r.Context()); err != nil {
			writeError(w, err)
			return
		}
		s.record(r.Context(), actor, model.ActionNodeUpsert, saved.ID, string(saved.Kind))
		util.WithNode(saved.ID).Infof("node saved by %s", actor)
		writeJSON(w, http.StatusOK, saved)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// refreshNodes republishes the node snapshot after a directory change.
func (s *server) refreshNodes(ctx context.Context) error {
	nodes, err := s.Store.ListNodes(ctx)
	if err != nil {
		return util.NewStorageError("list nodes", err)
	}
	s.Nodes.Store(topology.NewSnapshot(nodes))
	return nil
}

func (s *server) handleAudit(w http.ResponseWriter, r *http.Request, _ string) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.Journal == nil {
		writeJSON(w, http.StatusOK, []model.AuditEntry{})
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := s.Journal.List(r.Context(), r.URL.Query().Get("action"), limit)
	if err != nil {
		http.Error(w, "failed to list audit", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []model.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// handleCodec renders a port (kind, selectors, port) or decodes an address
// (kind, address).
func (s *server) handleCodec(w http.ResponseWriter, r *http.Request, _ string) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	kind := model.NodeKind(q.Get("kind"))
	if !kind.Valid() {
		http.Error(w, "unknown kind", http.StatusBadRequest)
		return
	}
	sel, err := parseSelectors(q.Get)
	if err != nil {
		writeError(w, err)
		return
	}
	port, err := queryInt(q.Get, "port")
	if err != nil {
		writeError(w, err)
		return
	}
	if addr := q.Get("address"); addr != "" {
		sel, port, err = portaddr.Decode(kind, addr)
		if err != nil {
			writeError(w, err)
			return
		}
	}
	variants, err := portaddr.LegacyVariants(kind, sel, port)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, CodecResponse{
		Kind:      kind,
		Selectors: sel,
		Port:      port,
		Canonical: variants[0],
		Variants:  variants,
	})
}

func (s *server) record(ctx context.Context, actor, action, target, detail string) {
	if s.Journal == nil {
		return
	}
	err := s.Journal.Append(ctx, model.AuditEntry{Actor: actor, Action: action, Target: target, Detail: detail, Timestamp: time.Now()})
	if err != nil {
		util.WithOperation(action).WithError(err).Warn("audit append failed")
	}
}

func parseSelectors(get func(string) string) (topology.Selectors, error) {
	var sel topology.Selectors
	var err error
	if sel.Set, err = queryInt(get, "set"); err != nil {
		return sel, err
	}
	if sel.Terminal, err = queryInt(get, "terminal"); err != nil {
		return sel, err
	}
	sel.Slot, err = queryInt(get, "slot")
	return sel, err
}

func queryInt(get func(string) string, key string) (int, error) {
	v := strings.TrimSpace(get(key))
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, util.NewValidationError(key + " must be a number")
	}
	return n, nil
}

// writeError maps the routing error kinds to HTTP status codes. Storage
// failures carry the store's message verbatim.
func writeError(w http.ResponseWriter, err error) {
	var pce *util.PortConflictError
	switch {
	case errors.As(err, &pce):
		writeJSON(w, http.StatusConflict, ConflictResponse{Error: err.Error(), Conflicts: pce.Conflicts})
	case errors.Is(err, util.ErrInvalidSelector), errors.Is(err, util.ErrValidationFailed):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, util.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, util.ErrStorageFailure):
		http.Error(w, err.Error(), http.StatusBadGateway)
	default:
		util.WithError(err).Error("unhandled error")
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		util.WithError(err).Warn("failed to write response")
	}
}

// authFunc accepts the shared token (X-Auth-Token or Bearer) and, when
// operators are enabled, operator JWTs. It returns the caller's name.
func authFunc(token string, jwtEnabled bool) func(r *http.Request) (string, bool) {
	if token == "" && !jwtEnabled {
		return func(_ *http.Request) (string, bool) { return "anonymous", true }
	}
	return func(r *http.Request) (string, bool) {
		h := r.Header.Get("X-Auth-Token")
		if h == "" {
			authz := r.Header.Get("Authorization")
			if strings.HasPrefix(authz, "Bearer ") {
				h = strings.TrimPrefix(authz, "Bearer ")
			}
		}
		if h == "" {
			// browsers cannot set headers on a websocket upgrade
			h = r.URL.Query().Get("token")
		}
		if h == "" {
			return "", false
		}
		if token != "" && h == token {
			return "token", true
		}
		if jwtEnabled {
			if claims, err := auth.Parse(h); err == nil {
				return claims.Username, true
			}
		}
		return "", false
	}
}
