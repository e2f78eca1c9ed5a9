package orphan

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/otherjamesbrown/orphanage/internal/cluster"
)

func key(v interface{}) cluster.Bound {
	return cluster.Bound{{Key: "x", Value: v}}
}

func chunk(ns string, min, max interface{}, shard string) cluster.ChunkRange {
	return cluster.ChunkRange{Namespace: ns, Min: key(min), Max: key(max), Shard: shard}
}

var (
	minKey = primitive.MinKey{}
	maxKey = primitive.MaxKey{}
)

// fakeCatalog serves a fixed set of namespaces and chunks. balancer is
// consulted on every BalancerState call; nil means always stopped.
type fakeCatalog struct {
	mode       cluster.ComparisonMode
	shardedErr error
	namespaces []cluster.Namespace
	chunks     map[string][]cluster.ChunkRange

	mu            sync.Mutex
	balancerCalls int
	balancer      func(call int) (cluster.BalancerState, error)
}

func (c *fakeCatalog) CheckSharded(ctx context.Context) error {
	return c.shardedErr
}

func (c *fakeCatalog) BalancerState(ctx context.Context) (cluster.BalancerState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.balancerCalls++
	if c.balancer == nil {
		return cluster.BalancerState{}, nil
	}
	return c.balancer(c.balancerCalls)
}

func (c *fakeCatalog) Mode() cluster.ComparisonMode {
	return c.mode
}

func (c *fakeCatalog) Namespace(ctx context.Context, name string) (cluster.Namespace, error) {
	for _, ns := range c.namespaces {
		if ns.Name == name {
			return ns, nil
		}
	}
	return cluster.Namespace{}, fmt.Errorf("namespace %s is not sharded", name)
}

func (c *fakeCatalog) ListNamespaces(ctx context.Context) ([]cluster.Namespace, error) {
	return c.namespaces, nil
}

func (c *fakeCatalog) WalkChunks(ctx context.Context, ns cluster.Namespace, pageSize int, fn func(cluster.ChunkRange) error) error {
	for _, ch := range c.chunks[ns.Name] {
		if err := fn(ch); err != nil {
			return err
		}
	}
	return nil
}

type fakeDoc struct {
	key cluster.Bound
	id  interface{}
}

// fakeShard holds documents per namespace and answers range queries with
// the canonical comparator.
type fakeShard struct {
	id string

	mu      sync.Mutex
	docs    map[string][]fakeDoc
	queries int
	deletes int

	countErr error
	// failDeleteAt makes the n-th DeleteIDs call fail (1-based).
	failDeleteAt int
	// onDelete runs before each delete.
	onDelete func(call int)
}

func newFakeShard(id string) *fakeShard {
	return &fakeShard{id: id, docs: make(map[string][]fakeDoc)}
}

func (s *fakeShard) insert(ns string, id interface{}, x interface{}) *fakeShard {
	s.docs[ns] = append(s.docs[ns], fakeDoc{key: key(x), id: id})
	return s
}

func (s *fakeShard) ShardID() string {
	return s.id
}

func (s *fakeShard) matching(q cluster.RangeQuery) ([]interface{}, error) {
	var ids []interface{}
	for _, d := range s.docs[q.Namespace] {
		lo, err := cluster.CompareBounds(q.Min, d.key)
		if err != nil {
			return nil, err
		}
		hi, err := cluster.CompareBounds(d.key, q.Max)
		if err != nil {
			return nil, err
		}
		if lo <= 0 && hi < 0 {
			ids = append(ids, d.id)
		}
	}
	return ids, nil
}

func (s *fakeShard) CountInRange(ctx context.Context, q cluster.RangeQuery) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queries++
	if s.countErr != nil {
		return 0, s.countErr
	}
	ids, err := s.matching(q)
	return int64(len(ids)), err
}

func (s *fakeShard) OpenIDs(ctx context.Context, q cluster.RangeQuery, batchSize int32) (cluster.IDCursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids, err := s.matching(q)
	if err != nil {
		return nil, err
	}
	return &sliceCursor{ids: ids, pos: -1}, nil
}

func (s *fakeShard) DeleteIDs(ctx context.Context, ns string, ids []interface{}) (int64, error) {
	s.mu.Lock()
	s.deletes++
	call := s.deletes
	hook := s.onDelete
	s.mu.Unlock()
	if hook != nil {
		hook(call)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failDeleteAt == call {
		return 0, errors.New("not primary")
	}
	drop := make(map[interface{}]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	var kept []fakeDoc
	var n int64
	for _, d := range s.docs[ns] {
		if drop[d.id] {
			n++
			continue
		}
		kept = append(kept, d)
	}
	s.docs[ns] = kept
	return n, nil
}

func (s *fakeShard) count(ns string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.docs[ns])
}

type sliceCursor struct {
	ids []interface{}
	pos int
}

func (c *sliceCursor) Next(ctx context.Context) bool {
	if ctx.Err() != nil {
		return false
	}
	c.pos++
	return c.pos < len(c.ids)
}

func (c *sliceCursor) ID() interface{} {
	return c.ids[c.pos]
}

func (c *sliceCursor) Err() error {
	return nil
}

func (c *sliceCursor) Close(ctx context.Context) error {
	return nil
}

// fakeSource returns shards in the given order. Shards listed in
// unreachable fail with an authentication error.
type fakeSource struct {
	shards      []*fakeShard
	unreachable map[string]error
}

func (f *fakeSource) ForNamespace(ctx context.Context, ns string) ([]cluster.ShardConn, []cluster.ShardFailure, error) {
	var conns []cluster.ShardConn
	var failures []cluster.ShardFailure
	for _, s := range f.shards {
		if err, ok := f.unreachable[s.id]; ok {
			failures = append(failures, cluster.NewShardFailure(s.id, err))
			continue
		}
		if s.count(ns) == 0 {
			continue
		}
		conns = append(conns, s)
	}
	return conns, failures, nil
}

func (f *fakeSource) Shard(ctx context.Context, id string) (cluster.ShardConn, error) {
	for _, s := range f.shards {
		if s.id == id {
			return s, nil
		}
	}
	return nil, fmt.Errorf("shard %s is not known or not active", id)
}

// recordingJournal captures batches; err makes every record fail.
type recordingJournal struct {
	mu      sync.Mutex
	records []BatchRecord
	err     error
}

func (j *recordingJournal) RecordBatch(ctx context.Context, rec BatchRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.err != nil {
		return j.err
	}
	j.records = append(j.records, rec)
	return nil
}

// ordersFixture is a three-shard cluster with test.orders split in three
// chunks and one orphan on each of two shards.
func ordersFixture() (*fakeCatalog, *fakeSource) {
	const ns = "test.orders"
	cat := &fakeCatalog{
		namespaces: []cluster.Namespace{{Name: ns, KeyPattern: cluster.Bound{{Key: "x", Value: int32(1)}}}},
		chunks: map[string][]cluster.ChunkRange{ns: {
			chunk(ns, minKey, int32(0), "s1"),
			chunk(ns, int32(0), int32(100), "s2"),
			chunk(ns, int32(100), maxKey, "s1"),
		}},
	}
	s1 := newFakeShard("s1").
		insert(ns, "a", int32(-5)).
		insert(ns, "b", int32(50)).
		insert(ns, "c", int32(150))
	s2 := newFakeShard("s2").
		insert(ns, "d", int32(10)).
		insert(ns, "e", int64(20)).
		insert(ns, "f", 150.5)
	s3 := newFakeShard("s3")
	return cat, &fakeSource{shards: []*fakeShard{s1, s2, s3}}
}
