package orphan

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/otherjamesbrown/orphanage/internal/cluster"
)

// Scan checks every chunk of the sharded collection name against the shards
// that do not own it. The balancer must be stopped.
func (e *Engine) Scan(ctx context.Context, name string) (*ScanResult, error) {
	if err := e.checkPreconditions(ctx); err != nil {
		return nil, err
	}
	ns, err := e.catalog.Namespace(ctx, name)
	if err != nil {
		return nil, err
	}
	return e.scanNamespace(ctx, ns)
}

// ScanAll scans every sharded namespace. The balancer is re-checked before
// each namespace; a balancer that comes back stops the run with the results
// gathered so far.
func (e *Engine) ScanAll(ctx context.Context) (map[string]*ScanResult, error) {
	if err := e.checkPreconditions(ctx); err != nil {
		return nil, err
	}
	namespaces, err := e.catalog.ListNamespaces(ctx)
	if err != nil {
		return nil, err
	}

	results := make(map[string]*ScanResult, len(namespaces))
	for i, ns := range namespaces {
		if i > 0 {
			if err := e.checkBalancer(ctx); err != nil {
				return results, err
			}
		}
		res, err := e.scanNamespace(ctx, ns)
		if err != nil {
			return results, fmt.Errorf("scan %s: %w", ns.Name, err)
		}
		results[ns.Name] = res
	}
	return results, nil
}

func (e *Engine) checkPreconditions(ctx context.Context) error {
	if err := e.catalog.CheckSharded(ctx); err != nil {
		return err
	}
	return e.checkBalancer(ctx)
}

func (e *Engine) checkBalancer(ctx context.Context) error {
	state, err := e.catalog.BalancerState(ctx)
	if err != nil {
		return fmt.Errorf("failed to read balancer state: %w", err)
	}
	if !state.Stopped() {
		return fmt.Errorf("%w (balancer %s): run sh.stopBalancer() and wait for the current round to finish",
			ErrBalancerActive, state)
	}
	return nil
}

func (e *Engine) scanNamespace(ctx context.Context, ns cluster.Namespace) (*ScanResult, error) {
	mode := e.catalog.Mode()
	result := newScanResult(ns, mode)
	log := e.logger.With(zap.String("namespace", ns.Name))

	if result.Approximate && ns.KeyPattern.Hashed() {
		return nil, fmt.Errorf("%s (key %s): %w: exact range queries need a newer server version",
			ns.Name, ns.KeyPattern, cluster.ErrHashedApproximate)
	}
	if result.Approximate {
		log.Warn("exact range queries are unavailable on this server version; counts may include documents of neighbouring chunks")
	}

	conns, failures, err := e.shards.ForNamespace(ctx, ns.Name)
	if err != nil {
		return nil, err
	}
	result.UnreachableShards = failures

	if len(conns) == 0 {
		log.Info("no reachable shard holds documents")
		result.FinishedAt = time.Now()
		return result, nil
	}

	var maxSeen cluster.Bound
	err = e.catalog.WalkChunks(ctx, ns, e.cfg.PageSize, func(chunk cluster.ChunkRange) error {
		if err := ctx.Err(); err != nil {
			return err
		}

		if mode == cluster.ModeExact && maxSeen != nil {
			c, err := cluster.CompareBounds(chunk.Max, maxSeen)
			switch {
			case err != nil:
				log.Warn("cannot verify chunk ordering", zap.Stringer("chunk", chunk), zap.Error(err))
			case c <= 0:
				anomaly := &ChunkOrderingAnomalyError{Chunk: chunk, PrevMax: maxSeen}
				log.Warn("skipping chunk", zap.Error(anomaly))
				result.SkippedChunks = append(result.SkippedChunks, chunk)
				e.metrics.RecordAnomaly(ns.Name)
				return nil
			default:
				maxSeen = chunk.Max
			}
		} else {
			maxSeen = chunk.Max
		}

		result.ChunksScanned++
		e.metrics.RecordChunk(ns.Name)

		hits, failed, err := e.checkChunk(ctx, chunk, ns, mode, conns)
		if err != nil {
			return err
		}
		for _, h := range hits {
			log.Debug("orphans found",
				zap.Stringer("chunk", chunk),
				zap.String("shard", h.shard),
				zap.Int64("count", h.count))
			result.add(chunk, h.shard, h.count)
			e.metrics.RecordOrphans(ns.Name, h.shard, h.count)
		}
		if len(failed) > 0 {
			conns = dropShards(conns, failed)
			result.UnreachableShards = append(result.UnreachableShards, failed...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	result.FinishedAt = time.Now()
	e.metrics.ObserveScan(ns.Name, result.FinishedAt.Sub(result.StartedAt))
	log.Info("scan complete",
		zap.Int("chunks", result.ChunksScanned),
		zap.Int("bad_chunks", result.Len()),
		zap.Int64("orphans", result.Count),
		zap.Bool("incomplete", result.Incomplete()))
	return result, nil
}

type shardHit struct {
	order int
	shard string
	count int64
}

// checkChunk counts the documents of chunk on every shard other than its
// owner. Hits come back in shard order. A shard whose query fails is
// returned as a failure and the remaining shards still count.
func (e *Engine) checkChunk(ctx context.Context, chunk cluster.ChunkRange, ns cluster.Namespace,
	mode cluster.ComparisonMode, conns []cluster.ShardConn) ([]shardHit, []cluster.ShardFailure, error) {
	q := cluster.RangeQuery{
		Namespace:  ns.Name,
		KeyPattern: ns.KeyPattern,
		Min:        chunk.Min,
		Max:        chunk.Max,
		Mode:       mode,
	}

	var (
		mu       sync.Mutex
		hits     []shardHit
		failures []cluster.ShardFailure
	)
	var g errgroup.Group
	g.SetLimit(e.cfg.Parallelism)
	for i, conn := range conns {
		if conn.ShardID() == chunk.Shard {
			continue
		}
		i, conn := i, conn
		g.Go(func() error {
			n, err := conn.CountInRange(ctx, q)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures = append(failures, cluster.NewShardFailure(conn.ShardID(), err))
				return nil
			}
			if n > 0 {
				hits = append(hits, shardHit{order: i, shard: conn.ShardID(), count: n})
			}
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	for _, f := range failures {
		if errors.Is(f.Err, context.Canceled) || errors.Is(f.Err, context.DeadlineExceeded) {
			return nil, nil, f.Err
		}
	}

	sort.Slice(hits, func(a, b int) bool { return hits[a].order < hits[b].order })
	sort.Slice(failures, func(a, b int) bool { return failures[a].Shard < failures[b].Shard })
	for _, f := range failures {
		e.logger.Warn("dropping shard from scan after query failure",
			zap.String("namespace", ns.Name),
			zap.String("shard", f.Shard),
			zap.Error(f.Err))
	}
	return hits, failures, nil
}

func dropShards(conns []cluster.ShardConn, failed []cluster.ShardFailure) []cluster.ShardConn {
	drop := make(map[string]bool, len(failed))
	for _, f := range failed {
		drop[f.Shard] = true
	}
	out := conns[:0:0]
	for _, c := range conns {
		if !drop[c.ShardID()] {
			out = append(out, c)
		}
	}
	return out
}
