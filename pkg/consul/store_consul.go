//go:build consul

package consul

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strings"

	consulapi "github.com/hashicorp/consul/api"

	"line-plant/pkg/model"
	"line-plant/pkg/routeset"
	"line-plant/pkg/topology"
	"line-plant/pkg/util"
)

// maxTxnOps is Consul's per-transaction operation limit.
const maxTxnOps = 64

// Store is a Consul-backed RouteStore. Every write loads the working set,
// applies the routing rules through routeset and commits the difference as
// one check-and-set transaction, so a concurrent writer makes the commit fail
// instead of silently double-booking a port.
type Store struct {
	cli    *consulapi.Client
	prefix string
}

func NewStore(addr, prefix string) (*Store, error) {
	cfg := consulapi.DefaultConfig()
	if addr != "" {
		cfg.Address = addr
	}
	cli, err := consulapi.NewClient(cfg)
	if err != nil {
		return nil, err
	}
	if prefix == "" {
		prefix = "line-plant/"
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &Store{cli: cli, prefix: prefix}, nil
}

func (s *Store) nodeKey(id string) string { return s.prefix + "nodes/" + id }
func (s *Store) lineKey(id string) string { return s.prefix + "lines/" + id }
func (s *Store) hopKey(id string) string  { return s.prefix + "hops/" + id }

// portKey guards port exclusivity: it is created with CAS index 0, so two
// writers claiming the same port cannot both commit.
func (s *Store) portKey(h model.RouteHop) string {
	return s.prefix + "ports/" + url.PathEscape(h.NodeID) + "/" + url.PathEscape(h.PortAddress)
}

func (s *Store) Ping(ctx context.Context) error {
	_, err := s.cli.Status().Leader()
	return util.NewStorageError("ping", err)
}

func (s *Store) ListNodes(ctx context.Context) ([]model.DistributionNode, error) {
	pairs, _, err := s.cli.KV().List(s.prefix+"nodes/", (&consulapi.QueryOptions{}).WithContext(ctx))
	if err != nil {
		return nil, util.NewStorageError("list nodes", err)
	}
	var out []model.DistributionNode
	for _, p := range pairs {
		var n model.DistributionNode
		if err := json.Unmarshal(p.Value, &n); err == nil {
			out = append(out, n)
		}
	}
	return out, nil
}

func (s *Store) GetNode(ctx context.Context, id string) (model.DistributionNode, bool, error) {
	kv, _, err := s.cli.KV().Get(s.nodeKey(id), (&consulapi.QueryOptions{}).WithContext(ctx))
	if err != nil || kv == nil {
		return model.DistributionNode{}, false, util.NewStorageError("get node", err)
	}
	var n model.DistributionNode
	if err := json.Unmarshal(kv.Value, &n); err != nil {
		return model.DistributionNode{}, false, util.NewStorageError("get node", err)
	}
	return n, true, nil
}

func (s *Store) UpsertNode(ctx context.Context, n model.DistributionNode) (model.DistributionNode, error) {
	if err := topology.ValidateCapacity(n); err != nil {
		return n, err
	}
	existing, ok, err := s.GetNode(ctx, n.ID)
	if err != nil {
		return n, err
	}
	if ok && existing.Kind != n.Kind {
		return n, util.NewValidationError(fmt.Sprintf("node %s kind cannot change from %s to %s", n.ID, existing.Kind, n.Kind))
	}
	b, err := json.Marshal(n)
	if err != nil {
		return n, err
	}
	_, err = s.cli.KV().Put(&consulapi.KVPair{Key: s.nodeKey(n.ID), Value: b}, (&consulapi.WriteOptions{}).WithContext(ctx))
	return n, util.NewStorageError("upsert node", err)
}

// snapshot is the working set plus the modify index of every key it came from.
type snapshot struct {
	set     *routeset.Set
	indexes map[string]uint64
}

func (s *Store) load(ctx context.Context) (*snapshot, error) {
	snap := &snapshot{set: routeset.New(), indexes: make(map[string]uint64)}
	q := (&consulapi.QueryOptions{RequireConsistent: true}).WithContext(ctx)
	lines, _, err := s.cli.KV().List(s.prefix+"lines/", q)
	if err != nil {
		return nil, err
	}
	for _, p := range lines {
		var l model.PhoneLine
		if err := json.Unmarshal(p.Value, &l); err != nil {
			return nil, fmt.Errorf("decode %s: %w", p.Key, err)
		}
		snap.set.Lines[l.ID] = l
		snap.indexes[p.Key] = p.ModifyIndex
	}
	hops, _, err := s.cli.KV().List(s.prefix+"hops/", q)
	if err != nil {
		return nil, err
	}
	for _, p := range hops {
		var h model.RouteHop
		if err := json.Unmarshal(p.Value, &h); err != nil {
			return nil, fmt.Errorf("decode %s: %w", p.Key, err)
		}
		snap.set.Hops[h.ID] = h
		snap.indexes[p.Key] = p.ModifyIndex
	}
	ports, _, err := s.cli.KV().List(s.prefix+"ports/", q)
	if err != nil {
		return nil, err
	}
	for _, p := range ports {
		snap.indexes[p.Key] = p.ModifyIndex
	}
	return snap, nil
}

// commit writes every line and hop that differs between before and after.
func (s *Store) commit(ctx context.Context, snap *snapshot, after *routeset.Set) error {
	var ops consulapi.KVTxnOps
	put := func(key string, v interface{}) error {
		b, err := json.Marshal(v)
		if err != nil {
			return err
		}
		ops = append(ops, &consulapi.KVTxnOp{Verb: consulapi.KVCAS, Key: key, Value: b, Index: snap.indexes[key]})
		return nil
	}
	del := func(key string) {
		ops = append(ops, &consulapi.KVTxnOp{Verb: consulapi.KVDeleteCAS, Key: key, Index: snap.indexes[key]})
	}
	before := snap.set
	for id, l := range after.Lines {
		if old, ok := before.Lines[id]; !ok || !lineEqual(old, l) {
			if err := put(s.lineKey(id), l); err != nil {
				return err
			}
		}
	}
	for id := range before.Lines {
		if _, ok := after.Lines[id]; !ok {
			del(s.lineKey(id))
		}
	}
	for id, h := range after.Hops {
		if old, ok := before.Hops[id]; !ok || old != h {
			if err := put(s.hopKey(id), h); err != nil {
				return err
			}
		}
	}
	for id := range before.Hops {
		if _, ok := after.Hops[id]; !ok {
			del(s.hopKey(id))
		}
	}
	oldPorts, newPorts := s.portOwners(before), s.portOwners(after)
	for key, hopID := range newPorts {
		if oldPorts[key] != hopID {
			ops = append(ops, &consulapi.KVTxnOp{Verb: consulapi.KVCAS, Key: key, Value: []byte(hopID), Index: snap.indexes[key]})
		}
	}
	for key := range oldPorts {
		if _, ok := newPorts[key]; !ok {
			del(key)
		}
	}
	if len(ops) == 0 {
		return nil
	}
	if len(ops) > maxTxnOps {
		return util.NewValidationError(fmt.Sprintf("change touches %d keys; consul allows %d per transaction", len(ops), maxTxnOps))
	}
	ok, resp, _, err := s.cli.KV().Txn(ops, (&consulapi.QueryOptions{}).WithContext(ctx))
	if err != nil {
		return err
	}
	if !ok {
		msgs := make([]string, 0, len(resp.Errors))
		for _, e := range resp.Errors {
			msgs = append(msgs, e.What)
		}
		return fmt.Errorf("concurrent modification, transaction rolled back: %s", strings.Join(msgs, "; "))
	}
	return nil
}

func (s *Store) GetHopsForNode(ctx context.Context, nodeID string) ([]model.RouteHop, error) {
	snap, err := s.load(ctx)
	if err != nil {
		return nil, util.NewStorageError("get hops for node", err)
	}
	return snap.set.HopsForNode(nodeID), nil
}

func (s *Store) GetLineByPhoneNumber(ctx context.Context, number string) (model.PhoneLine, bool, error) {
	snap, err := s.load(ctx)
	if err != nil {
		return model.PhoneLine{}, false, util.NewStorageError("get line by phone number", err)
	}
	l, ok := snap.set.LineByPhoneNumber(number)
	return l, ok, nil
}

func (s *Store) CheckPortInUse(ctx context.Context, nodeID, address, excludeLineID string) (model.ConflictResult, error) {
	snap, err := s.load(ctx)
	if err != nil {
		return model.ConflictResult{}, util.NewStorageError("check port in use", err)
	}
	return snap.set.CheckPortInUse(nodeID, address, excludeLineID), nil
}

func (s *Store) ReplaceLineRoute(ctx context.Context, line model.PhoneLine, hops []model.RouteHop, evict []string) (model.PhoneLine, []model.RouteHop, error) {
	snap, err := s.load(ctx)
	if err != nil {
		return line, nil, util.NewStorageError("replace line route", err)
	}
	next := snap.set.Clone()
	saved, out, err := next.ReplaceLineRoute(line, hops, evict)
	if err != nil {
		return line, nil, err
	}
	if err := s.commit(ctx, snap, next); err != nil {
		return line, nil, util.NewStorageError("replace line route", err)
	}
	return saved, out, nil
}

func (s *Store) ApplyPortBatch(ctx context.Context, deletions []string, creations []model.PortCreation) error {
	snap, err := s.load(ctx)
	if err != nil {
		return util.NewStorageError("apply port batch", err)
	}
	next := snap.set.Clone()
	if err := next.ApplyPortBatch(deletions, creations); err != nil {
		return err
	}
	return util.NewStorageError("apply port batch", s.commit(ctx, snap, next))
}

func (s *Store) GetLine(ctx context.Context, id string) (model.PhoneLine, bool, error) {
	kv, _, err := s.cli.KV().Get(s.lineKey(id), (&consulapi.QueryOptions{}).WithContext(ctx))
	if err != nil || kv == nil {
		return model.PhoneLine{}, false, util.NewStorageError("get line", err)
	}
	var l model.PhoneLine
	if err := json.Unmarshal(kv.Value, &l); err != nil {
		return model.PhoneLine{}, false, util.NewStorageError("get line", err)
	}
	return l, true, nil
}

func (s *Store) ListLines(ctx context.Context) ([]model.PhoneLine, error) {
	snap, err := s.load(ctx)
	if err != nil {
		return nil, util.NewStorageError("list lines", err)
	}
	out := make([]model.PhoneLine, 0, len(snap.set.Lines))
	for _, l := range snap.set.Lines {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PhoneNumber < out[j].PhoneNumber })
	return out, nil
}

func (s *Store) GetRoute(ctx context.Context, lineID string) ([]model.RouteHop, error) {
	snap, err := s.load(ctx)
	if err != nil {
		return nil, util.NewStorageError("get route", err)
	}
	return snap.set.Route(lineID), nil
}

func (s *Store) DeleteLine(ctx context.Context, id string) error {
	snap, err := s.load(ctx)
	if err != nil {
		return util.NewStorageError("delete line", err)
	}
	next := snap.set.Clone()
	if err := next.DeleteLine(id); err != nil {
		return err
	}
	return util.NewStorageError("delete line", s.commit(ctx, snap, next))
}

// Client exposes the underlying Consul client for watch helpers.
func (s *Store) Client() *consulapi.Client {
	return s.cli
}

func (s *Store) portOwners(set *routeset.Set) map[string]string {
	out := make(map[string]string, len(set.Hops))
	for id, h := range set.Hops {
		out[s.portKey(h)] = id
	}
	return out
}

func lineEqual(a, b model.PhoneLine) bool {
	if a.ID != b.ID || a.PhoneNumber != b.PhoneNumber || a.ConsumerUnit != b.ConsumerUnit || len(a.Tags) != len(b.Tags) {
		return false
	}
	for i := range a.Tags {
		if a.Tags[i] != b.Tags[i] {
			return false
		}
	}
	return true
}
