package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"line-plant/pkg/db"
	"line-plant/pkg/editor"
	"line-plant/pkg/grid"
	"line-plant/pkg/journal"
	"line-plant/pkg/metrics"
	"line-plant/pkg/model"
	"line-plant/pkg/store"
	"line-plant/pkg/topology"
)

const testToken = "secret"

var testNodes = []model.DistributionNode{
	{ID: "card-a", Name: "Line card A", Kind: model.KindSlotDevice, Capacity: model.Capacity{Slots: 4, PortsPerSlot: 32}},
	{ID: "mdf-1", Name: "Main frame", Kind: model.KindMainFrame, Capacity: model.Capacity{Sets: 2, TerminalsPerSet: 10, PortsPerTerminal: 10}},
}

type testEnv struct {
	srv     *httptest.Server
	deps    Deps
	journal *journal.Journal
}

func newTestEnv(t *testing.T, st store.Store, gdb *gorm.DB) *testEnv {
	t.Helper()
	ctx := context.Background()
	for _, n := range testNodes {
		_, err := st.UpsertNode(ctx, n)
		require.NoError(t, err)
	}
	nodes, err := st.ListNodes(ctx)
	require.NoError(t, err)
	holder := topology.NewHolder(topology.NewSnapshot(nodes))

	j, err := journal.Open(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })
	m, err := metrics.NewCollector(prometheus.NewRegistry())
	require.NoError(t, err)
	hub := NewEventHub()

	d := Deps{
		Store:   st,
		Nodes:   holder,
		Editor:  editor.New(st, holder, editor.WithAuditor(j), editor.WithNotifier(hub), editor.WithMetrics(m)),
		Grid:    grid.New(st, holder, grid.WithAuditor(j), grid.WithMetrics(m), grid.WithDebounce(time.Millisecond)),
		Journal: j,
		Metrics: m,
		Hub:     hub,
		DB:      gdb,
		Token:   testToken,
	}
	mux := http.NewServeMux()
	RegisterRoutes(mux, d)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, deps: d, journal: j}
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}) (int, []byte) {
	t.Helper()
	return e.doAuth(t, method, path, body, testToken)
}

func (e *testEnv) doAuth(t *testing.T, method, path string, body interface{}, token string) (int, []byte) {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rdr)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, out
}

func decode[T any](t *testing.T, raw []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(raw, &v), string(raw))
	return v
}

func TestAuthRequired(t *testing.T) {
	env := newTestEnv(t, store.NewMemoryStore(), nil)

	code, _ := env.doAuth(t, http.MethodGet, "/api/v1/nodes", nil, "")
	assert.Equal(t, http.StatusUnauthorized, code)
	code, _ = env.doAuth(t, http.MethodGet, "/api/v1/nodes", nil, "wrong")
	assert.Equal(t, http.StatusUnauthorized, code)

	req, err := http.NewRequest(http.MethodGet, env.srv.URL+"/api/v1/nodes", nil)
	require.NoError(t, err)
	req.Header.Set("X-Auth-Token", testToken)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	code, body := env.doAuth(t, http.MethodGet, "/healthz", nil, "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", string(body))
}

func TestNodes(t *testing.T) {
	env := newTestEnv(t, store.NewMemoryStore(), nil)

	code, body := env.do(t, http.MethodGet, "/api/v1/nodes", nil)
	require.Equal(t, http.StatusOK, code)
	nodes := decode[[]model.DistributionNode](t, body)
	require.Len(t, nodes, 2)
	assert.Equal(t, "card-a", nodes[0].ID)

	sock := model.DistributionNode{ID: "sock-1", Name: "Room 1", Kind: model.KindSocket, Capacity: model.Capacity{Ports: 2}}
	code, _ = env.do(t, http.MethodPost, "/api/v1/nodes", sock)
	require.Equal(t, http.StatusOK, code)
	_, ok := env.deps.Nodes.Load().Node("sock-1")
	assert.True(t, ok, "snapshot refreshed")

	code, body = env.do(t, http.MethodPost, "/api/v1/nodes", model.DistributionNode{ID: "bad", Kind: model.KindSocket})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, string(body), "ports must be at least 1")

	entries, err := env.journal.List(context.Background(), model.ActionNodeUpsert, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "token", entries[0].Actor)
}

func TestLines_SaveConflictOverride(t *testing.T) {
	env := newTestEnv(t, store.NewMemoryStore(), nil)
	first := editor.SaveRequest{PhoneNumber: "100", Hops: []editor.HopInput{{NodeID: "card-a", PortAddress: "2-15"}}}
	code, body := env.do(t, http.MethodPost, "/api/v1/lines", first)
	require.Equal(t, http.StatusOK, code, string(body))
	saved := decode[LineResponse](t, body)
	assert.Equal(t, "2/15", saved.Hops[0].PortAddress)

	second := editor.SaveRequest{PhoneNumber: "200", Hops: []editor.HopInput{{NodeID: "card-a", PortAddress: "2/15"}}}
	code, body = env.do(t, http.MethodPost, "/api/v1/lines?dryRun=true", second)
	require.Equal(t, http.StatusOK, code)
	dry := decode[ValidateResponse](t, body)
	assert.False(t, dry.OK)
	require.Len(t, dry.Conflicts, 1)

	code, body = env.do(t, http.MethodPost, "/api/v1/lines", second)
	require.Equal(t, http.StatusConflict, code)
	cr := decode[ConflictResponse](t, body)
	require.Len(t, cr.Conflicts, 1)
	assert.Equal(t, "100", cr.Conflicts[0].OccupyingPhoneNumber)
	assert.Equal(t, saved.Line.ID, cr.Conflicts[0].OccupyingLineID)

	second.AcceptErrors = true
	code, body = env.do(t, http.MethodPost, "/api/v1/lines", second)
	require.Equal(t, http.StatusOK, code, string(body))

	code, body = env.do(t, http.MethodGet, "/api/v1/lines?id="+saved.Line.ID, nil)
	require.Equal(t, http.StatusOK, code)
	loaded := decode[editor.SaveRequest](t, body)
	assert.Empty(t, loaded.Hops)

	entries, err := env.journal.List(context.Background(), model.ActionForcedEviction, 0)
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	code, body = env.do(t, http.MethodGet, "/api/v1/audit?action=forced_eviction", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, decode[[]model.AuditEntry](t, body), 1)
}

func TestLines_ValidationAndLookup(t *testing.T) {
	env := newTestEnv(t, store.NewMemoryStore(), nil)

	code, body := env.do(t, http.MethodPost, "/api/v1/lines", editor.SaveRequest{Hops: []editor.HopInput{{NodeID: "card-a", PortAddress: "1/1"}}})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, string(body), "phone number is required")

	code, body = env.do(t, http.MethodPost, "/api/v1/lines", editor.SaveRequest{PhoneNumber: "1", Hops: []editor.HopInput{{NodeID: "card-a", PortAddress: "9/1"}}})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, string(body), "invalid selector")

	code, _ = env.do(t, http.MethodGet, "/api/v1/lines/lookup?phoneNumber=300", nil)
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = env.do(t, http.MethodPost, "/api/v1/lines", editor.SaveRequest{PhoneNumber: "300", ConsumerUnit: "Lab", Hops: []editor.HopInput{{NodeID: "mdf-1", PortAddress: "1/2/10"}}})
	require.Equal(t, http.StatusOK, code)
	code, body = env.do(t, http.MethodGet, "/api/v1/lines/lookup?phoneNumber=300", nil)
	require.Equal(t, http.StatusOK, code)
	line := decode[model.PhoneLine](t, body)
	assert.Equal(t, "Lab", line.ConsumerUnit)

	code, body = env.do(t, http.MethodGet, "/api/v1/lines", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, decode[[]model.PhoneLine](t, body), 1)

	code, _ = env.do(t, http.MethodDelete, "/api/v1/lines?id="+line.ID, nil)
	assert.Equal(t, http.StatusOK, code)
	code, _ = env.do(t, http.MethodDelete, "/api/v1/lines?id="+line.ID, nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestPorts_SeedAndApply(t *testing.T) {
	env := newTestEnv(t, store.NewMemoryStore(), nil)
	code, body := env.do(t, http.MethodPost, "/api/v1/lines", editor.SaveRequest{PhoneNumber: "09121234567", Hops: []editor.HopInput{{NodeID: "card-a", PortAddress: "1/1"}}})
	require.Equal(t, http.StatusOK, code, string(body))
	hopID := decode[LineResponse](t, body).Hops[0].ID

	code, body = env.do(t, http.MethodGet, "/api/v1/ports?nodeId=card-a&slot=1", nil)
	require.Equal(t, http.StatusOK, code, string(body))
	seeded := decode[GridResponse](t, body)
	require.Len(t, seeded.Cells, 32)
	assert.Equal(t, "09121234567", seeded.Cells[0].PhoneNumber)
	assert.Empty(t, seeded.Cells[1].PhoneNumber)

	sub := grid.Submission{
		NodeID:    "card-a",
		Selectors: topology.Selectors{Slot: 1},
		Snapshot:  seeded.Snapshot,
		Values: []grid.CellValue{
			{PortAddress: "1/1", PhoneNumber: ""},
			{PortAddress: "1/2", PhoneNumber: "09129999999"},
		},
	}
	code, body = env.do(t, http.MethodPost, "/api/v1/ports", sub)
	require.Equal(t, http.StatusOK, code, string(body))
	batch := decode[grid.Batch](t, body)
	assert.Equal(t, []string{hopID}, batch.Deletions)
	assert.Equal(t, []model.PortCreation{{PhoneNumber: "09129999999", NodeID: "card-a", PortAddress: "1/2"}}, batch.Creations)

	// The resubmitted snapshot still names the hop that was just deleted.
	code, body = env.do(t, http.MethodPost, "/api/v1/ports", sub)
	assert.Equal(t, http.StatusBadRequest, code, string(body))
	assert.Contains(t, string(body), "reload the grid")

	// A fresh snapshot that collides with an occupied port reports the occupant.
	code, body = env.do(t, http.MethodGet, "/api/v1/ports?nodeId=card-a&slot=1", nil)
	require.Equal(t, http.StatusOK, code, string(body))
	fresh := decode[GridResponse](t, body)
	fresh.Snapshot[1] = model.PortAssignment{PortAddress: "1/2"}
	code, body = env.do(t, http.MethodPost, "/api/v1/ports", grid.Submission{
		NodeID:    "card-a",
		Selectors: topology.Selectors{Slot: 1},
		Snapshot:  fresh.Snapshot,
		Values:    []grid.CellValue{{PortAddress: "1/2", PhoneNumber: "09125555555"}},
	})
	assert.Equal(t, http.StatusConflict, code, string(body))

	code, _ = env.do(t, http.MethodGet, "/api/v1/ports?nodeId=card-a&slot=7", nil)
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = env.do(t, http.MethodGet, "/api/v1/ports?nodeId=nope", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestPortCheck(t *testing.T) {
	env := newTestEnv(t, store.NewMemoryStore(), nil)
	code, body := env.do(t, http.MethodPost, "/api/v1/lines", editor.SaveRequest{PhoneNumber: "100", Hops: []editor.HopInput{{NodeID: "mdf-1", PortAddress: "110"}}})
	require.Equal(t, http.StatusOK, code)
	lineID := decode[LineResponse](t, body).Line.ID

	code, body = env.do(t, http.MethodPost, "/api/v1/ports/check", PortCheckRequest{NodeID: "mdf-1", PortAddress: "1/1/10"})
	require.Equal(t, http.StatusOK, code)
	res := decode[PortCheckResponse](t, body)
	assert.Equal(t, "110", res.PortAddress)
	assert.True(t, res.InUse)
	assert.Equal(t, "100", res.OccupyingPhoneNumber)

	code, body = env.do(t, http.MethodPost, "/api/v1/ports/check", PortCheckRequest{NodeID: "mdf-1", PortAddress: "110", ExcludeLineID: lineID})
	require.Equal(t, http.StatusOK, code)
	assert.False(t, decode[PortCheckResponse](t, body).InUse)
}

func TestCodec(t *testing.T) {
	env := newTestEnv(t, store.NewMemoryStore(), nil)

	code, body := env.do(t, http.MethodGet, "/api/v1/codec?kind=slot_device&slot=2&port=15", nil)
	require.Equal(t, http.StatusOK, code)
	res := decode[CodecResponse](t, body)
	assert.Equal(t, "2/15", res.Canonical)
	assert.Contains(t, res.Variants, "215")
	assert.Contains(t, res.Variants, "2-15")

	code, body = env.do(t, http.MethodGet, "/api/v1/codec?kind=mainframe&address=1%2F10%2F1", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "101", decode[CodecResponse](t, body).Canonical)

	code, _ = env.do(t, http.MethodGet, "/api/v1/codec?kind=rack", nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

type downStore struct {
	*store.MemoryStore
}

func (downStore) ListLines(context.Context) ([]model.PhoneLine, error) {
	return nil, errors.New("dial tcp 10.0.0.5:3306: connect: connection refused")
}

func TestStorageFailureIsBadGateway(t *testing.T) {
	env := newTestEnv(t, downStore{store.NewMemoryStore()}, nil)
	code, body := env.do(t, http.MethodGet, "/api/v1/lines", nil)
	assert.Equal(t, http.StatusBadGateway, code)
	assert.Contains(t, string(body), "connection refused")
}

func TestEventsWebsocket(t *testing.T) {
	env := newTestEnv(t, store.NewMemoryStore(), nil)
	wsURL := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/ws/events?nodeId=card-a&token=" + testToken
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return env.deps.Hub.Subscribers() == 1 }, time.Second, 10*time.Millisecond)

	// a route on another node is filtered out
	code, _ := env.do(t, http.MethodPost, "/api/v1/lines", editor.SaveRequest{PhoneNumber: "1", Hops: []editor.HopInput{{NodeID: "mdf-1", PortAddress: "111"}}})
	require.Equal(t, http.StatusOK, code)
	code, _ = env.do(t, http.MethodPost, "/api/v1/lines", editor.SaveRequest{PhoneNumber: "2", Hops: []editor.HopInput{{NodeID: "card-a", PortAddress: "3/3"}}})
	require.Equal(t, http.StatusOK, code)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg struct {
		Type    string            `json:"type"`
		Payload editor.RouteEvent `json:"payload"`
	}
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "route_changed", msg.Type)
	assert.Equal(t, "2", msg.Payload.Line.PhoneNumber)
	assert.Equal(t, "token", msg.Payload.Actor)
}

func TestOperatorAuth(t *testing.T) {
	t.Setenv("PLANT_JWT_SECRET", "api-test")
	gdb, err := db.Open(db.Config{Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "plant.db")})
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := gdb.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	env := newTestEnv(t, db.NewStore(gdb), gdb)

	creds := authRequest{Username: "alice", Password: "pw"}
	code, body := env.doAuth(t, http.MethodPost, "/api/v1/auth/register", creds, "")
	require.Equal(t, http.StatusOK, code, string(body))
	admin := decode[authResponse](t, body)
	assert.True(t, admin.IsAdmin)

	code, _ = env.doAuth(t, http.MethodPost, "/api/v1/auth/register", authRequest{Username: "bob", Password: "pw"}, "")
	assert.Equal(t, http.StatusForbidden, code)
	code, body = env.doAuth(t, http.MethodPost, "/api/v1/auth/register", authRequest{Username: "bob", Password: "pw"}, admin.Token)
	require.Equal(t, http.StatusOK, code, string(body))
	assert.False(t, decode[authResponse](t, body).IsAdmin)

	code, _ = env.doAuth(t, http.MethodPost, "/api/v1/auth/login", authRequest{Username: "bob", Password: "nope"}, "")
	assert.Equal(t, http.StatusUnauthorized, code)
	code, body = env.doAuth(t, http.MethodPost, "/api/v1/auth/login", authRequest{Username: "bob", Password: "pw"}, "")
	require.Equal(t, http.StatusOK, code)
	bob := decode[authResponse](t, body)

	code, _ = env.doAuth(t, http.MethodPost, "/api/v1/lines", editor.SaveRequest{PhoneNumber: "42", Hops: []editor.HopInput{{NodeID: "card-a", PortAddress: "1/1"}}}, bob.Token)
	require.Equal(t, http.StatusOK, code)
	entries, err := env.journal.List(context.Background(), model.ActionRouteReplace, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "bob", entries[0].Actor)
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, store.NewMemoryStore(), nil)
	code, _ := env.do(t, http.MethodPost, "/api/v1/lines", editor.SaveRequest{PhoneNumber: "1", Hops: []editor.HopInput{{NodeID: "card-a", PortAddress: "1/1"}}})
	require.Equal(t, http.StatusOK, code)

	code, body := env.doAuth(t, http.MethodGet, "/metrics", nil, "")
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(body), `lineplant_route_saves_total{result="ok"} 1`)
}
