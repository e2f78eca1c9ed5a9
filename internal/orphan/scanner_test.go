package orphan

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/otherjamesbrown/orphanage/internal/cluster"
)

func newTestEngine(cat *fakeCatalog, src *fakeSource, mutate func(*Config)) *Engine {
	cfg := DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	return NewEngine(cat, src, cfg, nil)
}

func TestScan_FindsOrphans(t *testing.T) {
	cat, src := ordersFixture()
	e := newTestEngine(cat, src, nil)

	res, err := e.Scan(context.Background(), "test.orders")
	require.NoError(t, err)

	require.Equal(t, 2, res.Len())
	assert.Equal(t, int64(2), res.Count)
	assert.Equal(t, map[string]int64{"s1": 1, "s2": 1}, res.ShardCounts)
	assert.Equal(t, 3, res.ChunksScanned)
	assert.False(t, res.Approximate)
	assert.False(t, res.Incomplete())

	first := res.BadChunks[0]
	assert.Equal(t, "s1", first.OrphanedOn)
	assert.Equal(t, "s2", first.Shard)
	assert.Equal(t, key(int32(0)), first.Min)
	assert.Equal(t, int64(1), first.OrphanCount)
	assert.False(t, first.Removed)

	second := res.BadChunks[1]
	assert.Equal(t, "s2", second.OrphanedOn)
	assert.Equal(t, key(int32(100)), second.Min)
	assert.False(t, res.FinishedAt.Before(res.StartedAt))
}

func TestScan_BalancerActive(t *testing.T) {
	tests := []struct {
		name  string
		state cluster.BalancerState
	}{
		{name: "enabled", state: cluster.BalancerState{Enabled: true}},
		{name: "round in progress", state: cluster.BalancerState{Running: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cat, src := ordersFixture()
			cat.balancer = func(int) (cluster.BalancerState, error) { return tt.state, nil }
			e := newTestEngine(cat, src, nil)

			_, err := e.Scan(context.Background(), "test.orders")
			assert.ErrorIs(t, err, ErrBalancerActive)
			assert.Contains(t, err.Error(), "sh.stopBalancer()")
			for _, s := range src.shards {
				assert.Zero(t, s.queries)
			}
		})
	}
}

func TestScan_NotSharded(t *testing.T) {
	cat, src := ordersFixture()
	cat.shardedErr = fmt.Errorf("%w: connect to a mongos", cluster.ErrNotShardedCluster)
	e := newTestEngine(cat, src, nil)

	_, err := e.Scan(context.Background(), "test.orders")
	assert.ErrorIs(t, err, cluster.ErrNotShardedCluster)
}

func TestScan_UnknownNamespace(t *testing.T) {
	cat, src := ordersFixture()
	e := newTestEngine(cat, src, nil)

	_, err := e.Scan(context.Background(), "test.missing")
	assert.Error(t, err)
}

func TestScan_SkipsOutOfOrderChunk(t *testing.T) {
	cat, src := ordersFixture()
	const ns = "test.orders"
	cat.chunks[ns] = []cluster.ChunkRange{
		chunk(ns, minKey, int32(0), "s1"),
		chunk(ns, int32(0), int32(100), "s2"),
		chunk(ns, int32(40), int32(60), "s1"),
		chunk(ns, int32(100), maxKey, "s1"),
	}
	e := newTestEngine(cat, src, nil)

	res, err := e.Scan(context.Background(), ns)
	require.NoError(t, err)

	require.Len(t, res.SkippedChunks, 1)
	assert.Equal(t, key(int32(40)), res.SkippedChunks[0].Min)
	assert.Equal(t, 3, res.ChunksScanned)
	assert.Equal(t, 2, res.Len())
	assert.True(t, res.Incomplete())
}

func TestScan_OrderingNotCheckedInApproximateMode(t *testing.T) {
	cat, src := ordersFixture()
	cat.mode = cluster.ModeApproximate
	const ns = "test.orders"
	cat.chunks[ns] = append(cat.chunks[ns], chunk(ns, int32(40), int32(60), "s1"))
	e := newTestEngine(cat, src, nil)

	res, err := e.Scan(context.Background(), ns)
	require.NoError(t, err)
	assert.True(t, res.Approximate)
	assert.Equal(t, cluster.ModeApproximate, res.Mode)
	assert.Empty(t, res.SkippedChunks)
	assert.Equal(t, 4, res.ChunksScanned)
}

func TestScan_UnreachableShardIsReported(t *testing.T) {
	cat, src := ordersFixture()
	src.unreachable = map[string]error{
		"s2": &cluster.AuthenticationFailedError{Shard: "s2", Users: []string{"admin"}},
	}
	e := newTestEngine(cat, src, nil)

	res, err := e.Scan(context.Background(), "test.orders")
	require.NoError(t, err)

	require.Len(t, res.UnreachableShards, 1)
	assert.Equal(t, "s2", res.UnreachableShards[0].Shard)
	assert.ErrorIs(t, res.UnreachableShards[0].Err, cluster.ErrAuthenticationFailed)
	assert.True(t, res.Incomplete())

	require.Equal(t, 1, res.Len())
	assert.Equal(t, "s1", res.BadChunks[0].OrphanedOn)
}

func TestScan_QueryFailureDropsShard(t *testing.T) {
	cat, src := ordersFixture()
	s2 := src.shards[1]
	s2.countErr = errors.New("connection reset by peer")
	e := newTestEngine(cat, src, nil)

	res, err := e.Scan(context.Background(), "test.orders")
	require.NoError(t, err)

	assert.Equal(t, 1, s2.queries)
	require.Len(t, res.UnreachableShards, 1)
	assert.Equal(t, "s2", res.UnreachableShards[0].Shard)
	require.Equal(t, 1, res.Len())
	assert.Equal(t, "s1", res.BadChunks[0].OrphanedOn)
}

func TestScan_NoShardsWithDocuments(t *testing.T) {
	cat, _ := ordersFixture()
	src := &fakeSource{shards: []*fakeShard{newFakeShard("s1"), newFakeShard("s2")}}
	e := newTestEngine(cat, src, nil)

	res, err := e.Scan(context.Background(), "test.orders")
	require.NoError(t, err)
	assert.Zero(t, res.Len())
	assert.Zero(t, res.ChunksScanned)
	assert.NotNil(t, res.BadChunks)
}

func TestScan_ParallelResultsKeepShardOrder(t *testing.T) {
	const ns = "test.wide"
	cat := &fakeCatalog{
		namespaces: []cluster.Namespace{{Name: ns, KeyPattern: cluster.Bound{{Key: "x", Value: int32(1)}}}},
		chunks: map[string][]cluster.ChunkRange{ns: {
			chunk(ns, minKey, int32(0), "s0"),
			chunk(ns, int32(0), maxKey, "s0"),
		}},
	}
	src := &fakeSource{}
	for i := 0; i < 8; i++ {
		s := newFakeShard(fmt.Sprintf("s%d", i))
		for j := 0; j <= i; j++ {
			s.insert(ns, fmt.Sprintf("%d-%d", i, j), int32(j))
		}
		src.shards = append(src.shards, s)
	}
	e := newTestEngine(cat, src, func(c *Config) { c.Parallelism = 3 })

	res, err := e.Scan(context.Background(), ns)
	require.NoError(t, err)

	require.Equal(t, 7, res.Len())
	for i, bc := range res.BadChunks {
		assert.Equal(t, fmt.Sprintf("s%d", i+1), bc.OrphanedOn)
		assert.Equal(t, int64(i+2), bc.OrphanCount)
	}
	assert.Equal(t, int64(35), res.Count)
}

func TestScan_Cancelled(t *testing.T) {
	cat, src := ordersFixture()
	e := newTestEngine(cat, src, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.Scan(ctx, "test.orders")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestScanAll(t *testing.T) {
	cat, src := ordersFixture()
	cat.namespaces = append(cat.namespaces, cluster.Namespace{
		Name:       "test.users",
		KeyPattern: cluster.Bound{{Key: "x", Value: int32(1)}},
	})
	cat.chunks["test.users"] = []cluster.ChunkRange{chunk("test.users", minKey, maxKey, "s2")}
	src.shards[0].insert("test.users", "u1", "alice")
	src.shards[1].insert("test.users", "u2", "bob")
	e := newTestEngine(cat, src, nil)

	results, err := e.ScanAll(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, int64(2), results["test.orders"].Count)
	assert.Equal(t, int64(1), results["test.users"].Count)
	assert.Equal(t, "s1", results["test.users"].BadChunks[0].OrphanedOn)
}

func TestScanAll_StopsWhenBalancerReturns(t *testing.T) {
	cat, src := ordersFixture()
	cat.namespaces = append(cat.namespaces, cluster.Namespace{Name: "test.users"})
	cat.balancer = func(call int) (cluster.BalancerState, error) {
		if call > 1 {
			return cluster.BalancerState{Enabled: true}, nil
		}
		return cluster.BalancerState{}, nil
	}
	e := newTestEngine(cat, src, nil)

	results, err := e.ScanAll(context.Background())
	assert.ErrorIs(t, err, ErrBalancerActive)
	assert.Len(t, results, 1)
	assert.Contains(t, results, "test.orders")
}

func TestScan_ZeroResidue(t *testing.T) {
	const ns = "test.orders"
	cat := &fakeCatalog{
		namespaces: []cluster.Namespace{{Name: ns, KeyPattern: key(int32(1))}},
		chunks: map[string][]cluster.ChunkRange{ns: {
			chunk(ns, minKey, int32(10), "A"),
			chunk(ns, int32(10), int32(20), "B"),
			chunk(ns, int32(20), maxKey, "C"),
		}},
	}
	a := newFakeShard("A").insert(ns, 1, int32(-100)).insert(ns, 2, int32(9))
	b := newFakeShard("B").insert(ns, 3, int32(10)).insert(ns, 4, 19.5)
	c := newFakeShard("C").insert(ns, 5, int32(20)).insert(ns, 6, int64(1)<<40)
	src := &fakeSource{shards: []*fakeShard{a, b, c}}
	e := newTestEngine(cat, src, nil)

	res, err := e.Scan(context.Background(), ns)
	require.NoError(t, err)

	assert.Zero(t, res.Count)
	assert.Empty(t, res.BadChunks)
	assert.Empty(t, res.ShardCounts)
	assert.Equal(t, 3, res.ChunksScanned)
	assert.False(t, res.Incomplete())
	for _, s := range src.shards {
		assert.Equal(t, 2, s.queries, "shard %s", s.id)
	}
}

func TestScan_IncomparableMaxKeepsOrderingCheck(t *testing.T) {
	cat, src := ordersFixture()
	const ns = "test.orders"
	cat.chunks[ns] = []cluster.ChunkRange{
		chunk(ns, minKey, int32(0), "s1"),
		chunk(ns, int32(0), int32(100), "s2"),
		chunk(ns, int32(100), primitive.JavaScript("f"), "s1"),
		chunk(ns, int32(40), int32(60), "s2"),
	}
	e := newTestEngine(cat, src, nil)

	res, err := e.Scan(context.Background(), ns)
	require.NoError(t, err)

	require.Len(t, res.SkippedChunks, 1)
	assert.Equal(t, key(int32(40)), res.SkippedChunks[0].Min)
	assert.Equal(t, 3, res.ChunksScanned)
}

func TestScan_HashedKeyRefusedInApproximateMode(t *testing.T) {
	cat, src := ordersFixture()
	cat.mode = cluster.ModeApproximate
	cat.namespaces[0].KeyPattern = cluster.Bound{{Key: "x", Value: "hashed"}}
	e := newTestEngine(cat, src, nil)

	_, err := e.Scan(context.Background(), "test.orders")
	assert.ErrorIs(t, err, cluster.ErrHashedApproximate)
	for _, s := range src.shards {
		assert.Zero(t, s.queries)
	}

	cat.mode = cluster.ModeExact
	res, err := e.Scan(context.Background(), "test.orders")
	require.NoError(t, err)
	assert.False(t, res.Approximate)
}
