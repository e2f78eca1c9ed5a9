package orphan

import (
	"time"

	"github.com/otherjamesbrown/orphanage/internal/cluster"
)

// BadChunk is a chunk range with orphaned documents on a shard that does not
// own it. Removed and RemovedCount are only written by the Engine.
type BadChunk struct {
	cluster.ChunkRange `yaml:",inline"`
	OrphanedOn         string `json:"orphaned_on" yaml:"orphaned_on"`
	OrphanCount        int64  `json:"orphan_count" yaml:"orphan_count"`
	Removed            bool   `json:"removed" yaml:"removed"`
	RemovedCount       int64  `json:"removed_count,omitempty" yaml:"removed_count,omitempty"`
}

// ScanResult is the report of one namespace scan. BadChunks are ordered by
// chunk min, then by shard order for chunks orphaned on several shards.
type ScanResult struct {
	Namespace   string                 `json:"namespace" yaml:"namespace"`
	KeyPattern  cluster.Bound          `json:"key" yaml:"key"`
	Mode        cluster.ComparisonMode `json:"mode" yaml:"mode"`
	// Approximate is set when counts may be inflated.
	Approximate bool             `json:"approximate" yaml:"approximate"`
	Count       int64            `json:"count" yaml:"count"`
	ShardCounts map[string]int64 `json:"shard_counts" yaml:"shard_counts"`
	BadChunks   []*BadChunk      `json:"bad_chunks" yaml:"bad_chunks"`

	ChunksScanned     int                    `json:"chunks_scanned" yaml:"chunks_scanned"`
	SkippedChunks     []cluster.ChunkRange   `json:"skipped_chunks,omitempty" yaml:"skipped_chunks,omitempty"`
	UnreachableShards []cluster.ShardFailure `json:"unreachable_shards,omitempty" yaml:"unreachable_shards,omitempty"`

	StartedAt  time.Time `json:"started_at" yaml:"started_at"`
	FinishedAt time.Time `json:"finished_at" yaml:"finished_at"`
}

func newScanResult(ns cluster.Namespace, mode cluster.ComparisonMode) *ScanResult {
	return &ScanResult{
		Namespace:   ns.Name,
		KeyPattern:  ns.KeyPattern,
		Mode:        mode,
		Approximate: mode == cluster.ModeApproximate,
		ShardCounts: make(map[string]int64),
		BadChunks:   []*BadChunk{},
		StartedAt:   time.Now(),
	}
}

func (r *ScanResult) add(chunk cluster.ChunkRange, shard string, n int64) {
	r.BadChunks = append(r.BadChunks, &BadChunk{
		ChunkRange:  chunk,
		OrphanedOn:  shard,
		OrphanCount: n,
	})
	r.Count += n
	r.ShardCounts[shard] += n
}

// Len is the number of bad chunks.
func (r *ScanResult) Len() int {
	return len(r.BadChunks)
}

// Incomplete reports whether some shards or chunks were left out.
func (r *ScanResult) Incomplete() bool {
	return len(r.UnreachableShards) > 0 || len(r.SkippedChunks) > 0
}

// Remaining is the number of orphans found in chunks not yet removed.
func (r *ScanResult) Remaining() int64 {
	var n int64
	for _, c := range r.BadChunks {
		if !c.Removed {
			n += c.OrphanCount
		}
	}
	return n
}

// Cursor returns a new cursor positioned before the first bad chunk.
func (r *ScanResult) Cursor() *Cursor {
	return &Cursor{result: r}
}
