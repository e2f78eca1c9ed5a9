package orphan

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/otherjamesbrown/orphanage/internal/cluster"
)

// ChunkFailure is a chunk RemoveAll could not remove.
type ChunkFailure struct {
	Chunk *BadChunk
	Err   error
}

// RemoveReport summarises a RemoveAll run.
type RemoveReport struct {
	// Removed counts deleted documents, including partial chunks.
	Removed int64
	// Chunks counts chunks fully removed.
	Chunks int
	// Skipped counts chunks that were already removed.
	Skipped  int
	Failures []ChunkFailure
}

// RemoveCurrent deletes the orphans of the chunk under the cursor from the
// shard they were found on, in batches. On failure the chunk is left not
// removed and RemovedCount holds what was deleted before the error.
func (e *Engine) RemoveCurrent(ctx context.Context, cur *Cursor) (int64, error) {
	chunk, err := cur.Current()
	if err != nil {
		return 0, err
	}
	return e.removeChunk(ctx, cur.Result(), chunk)
}

// RemoveAll removes every remaining bad chunk from the cursor position on,
// sleeping delay between chunks. A delete failure is recorded and the run
// moves on. A balancer that comes back, or cancellation, halts the run.
func (e *Engine) RemoveAll(ctx context.Context, cur *Cursor, delay time.Duration) (*RemoveReport, error) {
	report := &RemoveReport{}
	if _, err := cur.Current(); err != nil {
		if _, err := cur.Next(); err != nil {
			return report, nil
		}
	}

	first := true
	for {
		chunk, err := cur.Current()
		if err != nil {
			return report, nil
		}

		if !chunk.Removed && !first && delay > 0 {
			if err := e.sleep(ctx, delay); err != nil {
				return report, err
			}
		}

		n, err := e.RemoveCurrent(ctx, cur)
		report.Removed += n
		switch {
		case err == nil:
			report.Chunks++
			first = false
		case errors.Is(err, ErrAlreadyRemoved):
			report.Skipped++
		case halts(ctx, err):
			report.Failures = append(report.Failures, ChunkFailure{Chunk: chunk, Err: err})
			return report, err
		default:
			first = false
			e.logger.Warn("chunk removal failed",
				zap.Stringer("chunk", chunk.ChunkRange),
				zap.String("shard", chunk.OrphanedOn),
				zap.Error(err))
			report.Failures = append(report.Failures, ChunkFailure{Chunk: chunk, Err: err})
		}

		if _, err := cur.Next(); err != nil {
			return report, nil
		}
	}
}

func halts(ctx context.Context, err error) bool {
	return ctx.Err() != nil ||
		errors.Is(err, ErrBalancerReenabled) ||
		errors.Is(err, ErrBalancerUnknown) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

func (e *Engine) removeChunk(ctx context.Context, result *ScanResult, chunk *BadChunk) (int64, error) {
	if chunk.Removed {
		return 0, fmt.Errorf("%w: %s on %s", ErrAlreadyRemoved, chunk.ChunkRange, chunk.OrphanedOn)
	}
	log := e.logger.With(
		zap.String("namespace", result.Namespace),
		zap.String("shard", chunk.OrphanedOn),
		zap.Stringer("min", chunk.Min),
		zap.Stringer("max", chunk.Max))

	fail := func(removed int64, err error) (int64, error) {
		chunk.RemovedCount += removed
		if halts(ctx, err) {
			return removed, err
		}
		return removed, &DeleteFailedError{
			Namespace: result.Namespace,
			Shard:     chunk.OrphanedOn,
			Min:       chunk.Min,
			Max:       chunk.Max,
			Removed:   removed,
			Err:       err,
		}
	}

	conn, err := e.shards.Shard(ctx, chunk.OrphanedOn)
	if err != nil {
		return fail(0, err)
	}

	q := cluster.RangeQuery{
		Namespace:  result.Namespace,
		KeyPattern: result.KeyPattern,
		Min:        chunk.Min,
		Max:        chunk.Max,
		Mode:       result.Mode,
	}
	ids, err := conn.OpenIDs(ctx, q, int32(e.cfg.BatchSize))
	if err != nil {
		return fail(0, err)
	}
	defer ids.Close(ctx)

	var removed int64
	batch := make([]interface{}, 0, e.cfg.BatchSize)
	for ids.Next(ctx) {
		batch = append(batch, ids.ID())
		if len(batch) < e.cfg.BatchSize {
			continue
		}
		n, err := e.deleteBatch(ctx, result, chunk, conn, batch)
		removed += n
		if err != nil {
			return fail(removed, err)
		}
		batch = make([]interface{}, 0, e.cfg.BatchSize)
	}
	if err := ids.Err(); err != nil {
		return fail(removed, err)
	}
	if len(batch) > 0 {
		n, err := e.deleteBatch(ctx, result, chunk, conn, batch)
		removed += n
		if err != nil {
			return fail(removed, err)
		}
	}

	chunk.Removed = true
	chunk.RemovedCount += removed
	log.Info("chunk removed", zap.Int64("removed", removed), zap.Int64("found", chunk.OrphanCount))
	return removed, nil
}

// deleteBatch fences on the balancer, throttles, journals and then deletes
// one batch of ids.
func (e *Engine) deleteBatch(ctx context.Context, result *ScanResult, chunk *BadChunk,
	conn cluster.ShardConn, ids []interface{}) (int64, error) {
	if e.cfg.BalancerParanoia {
		state, err := e.catalog.BalancerState(ctx)
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrBalancerUnknown, err)
		}
		if !state.Stopped() {
			e.metrics.RecordFenceTrip()
			return 0, fmt.Errorf("%w (balancer %s): stop the balancer before resuming removal of %s",
				ErrBalancerReenabled, state, result.Namespace)
		}
	}

	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return 0, err
		}
	}

	if e.journal != nil {
		rec := BatchRecord{
			RunID:     e.runID,
			Namespace: result.Namespace,
			Shard:     chunk.OrphanedOn,
			Min:       chunk.Min,
			Max:       chunk.Max,
			IDs:       ids,
		}
		if err := e.journal.RecordBatch(ctx, rec); err != nil {
			return 0, fmt.Errorf("journal: %w", err)
		}
	}

	n, err := conn.DeleteIDs(ctx, result.Namespace, ids)
	e.metrics.RecordBatch(result.Namespace, chunk.OrphanedOn, n, err)
	if err != nil {
		return n, err
	}
	e.logger.Debug("batch deleted",
		zap.String("namespace", result.Namespace),
		zap.String("shard", chunk.OrphanedOn),
		zap.Int("ids", len(ids)),
		zap.Int64("deleted", n))
	return n, nil
}
