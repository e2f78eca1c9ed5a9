// Package orphan finds documents left on shards that do not own their chunk
// and removes them in fenced batches.
package orphan

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/otherjamesbrown/orphanage/internal/cluster"
	"github.com/otherjamesbrown/orphanage/internal/metrics"
)

// Catalog is the read side of the cluster metadata.
type Catalog interface {
	CheckSharded(ctx context.Context) error
	BalancerState(ctx context.Context) (cluster.BalancerState, error)
	Mode() cluster.ComparisonMode
	Namespace(ctx context.Context, name string) (cluster.Namespace, error)
	ListNamespaces(ctx context.Context) ([]cluster.Namespace, error)
	WalkChunks(ctx context.Context, ns cluster.Namespace, pageSize int, fn func(cluster.ChunkRange) error) error
}

// ShardSource hands out shard connections.
type ShardSource interface {
	// ForNamespace returns the shards holding documents of ns in shard
	// order, plus the shards that could not be reached.
	ForNamespace(ctx context.Context, ns string) ([]cluster.ShardConn, []cluster.ShardFailure, error)
	Shard(ctx context.Context, id string) (cluster.ShardConn, error)
}

// BatchRecord describes one delete batch before it is issued.
type BatchRecord struct {
	RunID     uuid.UUID
	Namespace string
	Shard     string
	Min       cluster.Bound
	Max       cluster.Bound
	IDs       []interface{}
}

// Journal records every batch before it is deleted. A failing journal
// stops the removal of the chunk.
type Journal interface {
	RecordBatch(ctx context.Context, rec BatchRecord) error
}

// Defaults applied to zero Config fields.
const (
	DefaultPageSize    = 500
	DefaultParallelism = 4
	DefaultBatchSize   = 100
)

// Config tunes scanning and removal.
type Config struct {
	// PageSize is the number of chunks fetched per catalog page.
	PageSize int
	// Parallelism bounds concurrent per-shard queries for one chunk.
	Parallelism int
	// BatchSize is the number of ids per delete.
	BatchSize int
	// BalancerParanoia re-checks the balancer before every delete batch.
	BalancerParanoia bool
	// MaxBatchesPerSecond throttles deletes. Zero means unthrottled.
	MaxBatchesPerSecond float64
}

// DefaultConfig returns the defaults with balancer paranoia on.
func DefaultConfig() Config {
	return Config{
		PageSize:         DefaultPageSize,
		Parallelism:      DefaultParallelism,
		BatchSize:        DefaultBatchSize,
		BalancerParanoia: true,
	}
}

func (c Config) withDefaults() Config {
	if c.PageSize <= 0 {
		c.PageSize = DefaultPageSize
	}
	if c.Parallelism <= 0 {
		c.Parallelism = DefaultParallelism
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	return c
}

// Engine scans namespaces for orphans and removes them.
type Engine struct {
	catalog Catalog
	shards  ShardSource
	cfg     Config
	logger  *zap.Logger
	runID   uuid.UUID

	metrics *metrics.Metrics
	journal Journal
	limiter *rate.Limiter
	sleep   func(ctx context.Context, d time.Duration) error
}

// NewEngine creates an engine with a fresh run id. Zero config fields take
// their defaults and a nil logger discards output.
func NewEngine(catalog Catalog, shards ShardSource, cfg Config, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	e := &Engine{
		catalog: catalog,
		shards:  shards,
		cfg:     cfg,
		logger:  logger,
		runID:   uuid.New(),
		sleep:   sleepContext,
	}
	if cfg.MaxBatchesPerSecond > 0 {
		e.limiter = rate.NewLimiter(rate.Limit(cfg.MaxBatchesPerSecond), 1)
	}
	return e
}

// WithMetrics attaches collectors. A nil *metrics.Metrics is allowed.
func (e *Engine) WithMetrics(m *metrics.Metrics) *Engine {
	e.metrics = m
	return e
}

// WithJournal records every delete batch in j before it is issued.
func (e *Engine) WithJournal(j Journal) *Engine {
	e.journal = j
	return e
}

// RunID identifies this engine's removals in the journal.
func (e *Engine) RunID() uuid.UUID {
	return e.runID
}

// Config returns the effective settings after defaults.
func (e *Engine) Config() Config {
	return e.cfg
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
