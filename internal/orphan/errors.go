package orphan

import (
	"errors"
	"fmt"

	"github.com/otherjamesbrown/orphanage/internal/cluster"
)

var (
	// ErrBalancerActive is a scan precondition failure.
	ErrBalancerActive = errors.New("balancer is not stopped")
	// ErrBalancerReenabled trips when the balancer comes back during removal.
	ErrBalancerReenabled = errors.New("balancer was re-enabled during removal")
	// ErrBalancerUnknown means the balancer state could not be read while
	// removing, so no further batch may be deleted.
	ErrBalancerUnknown      = errors.New("balancer state could not be verified")
	ErrChunkOrderingAnomaly = errors.New("chunk ordering anomaly")
	ErrNoCurrentChunk       = errors.New("cursor is not positioned on a chunk")
	ErrNoMoreResults        = errors.New("no more results")
	ErrAlreadyRemoved       = errors.New("chunk already removed")
	ErrDeleteFailed         = errors.New("delete failed")
)

// ChunkOrderingAnomalyError reports a chunk whose max does not exceed the
// largest max seen so far, typically because a split raced the scan.
type ChunkOrderingAnomalyError struct {
	Chunk   cluster.ChunkRange
	PrevMax cluster.Bound
}

func (e *ChunkOrderingAnomalyError) Error() string {
	return fmt.Sprintf("chunk %s: max %s does not exceed previous max %s",
		e.Chunk.Namespace, e.Chunk.Max, e.PrevMax)
}

func (e *ChunkOrderingAnomalyError) Is(target error) bool {
	return target == ErrChunkOrderingAnomaly
}

// DeleteFailedError stops the removal of one chunk. Batches deleted before
// the failure stay deleted.
type DeleteFailedError struct {
	Namespace string
	Shard     string
	Min       cluster.Bound
	Max       cluster.Bound
	// Removed is the number of documents deleted before the failure.
	Removed int64
	Err     error
}

func (e *DeleteFailedError) Error() string {
	return fmt.Sprintf("delete failed on shard %s for %s %s -> %s after %d documents: %v",
		e.Shard, e.Namespace, e.Min, e.Max, e.Removed, e.Err)
}

func (e *DeleteFailedError) Unwrap() error {
	return e.Err
}

func (e *DeleteFailedError) Is(target error) bool {
	return target == ErrDeleteFailed
}
