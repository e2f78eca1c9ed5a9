package cmd

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.mongodb.org/mongo-driver/mongo"
	"go.uber.org/zap"

	"github.com/otherjamesbrown/orphanage/internal/catalog"
	"github.com/otherjamesbrown/orphanage/internal/journal"
	"github.com/otherjamesbrown/orphanage/internal/metrics"
	"github.com/otherjamesbrown/orphanage/internal/orphan"
	"github.com/otherjamesbrown/orphanage/internal/shardconn"
)

// session holds the connections of one command run.
type session struct {
	router  *mongo.Client
	catalog *catalog.Reader
	shards  *shardconn.Manager
	engine  *orphan.Engine
	journal *journal.Journal

	stopMetrics context.CancelFunc
	metricsDone chan error
}

// signalContext is cancelled on SIGINT or SIGTERM so long scans and
// removals stop between chunks or batches.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// openCatalog connects to the router and negotiates capabilities.
func openCatalog(ctx context.Context) (*session, error) {
	router, err := orphanageClient.Connect(ctx)
	if err != nil {
		return nil, err
	}
	reader, err := catalog.Open(ctx, router, orphanageClient.CatalogOptions(), logger)
	if err != nil {
		_ = router.Disconnect(ctx)
		return nil, err
	}
	return &session{router: router, catalog: reader}, nil
}

// openEngine additionally prepares shard connections, metrics and the
// journal.
func openEngine(ctx context.Context) (*session, error) {
	s, err := openCatalog(ctx)
	if err != nil {
		return nil, err
	}

	shards, err := s.catalog.ListShards(ctx)
	if err != nil {
		s.close()
		return nil, err
	}
	s.shards, err = shardconn.NewManager(shards, orphanageClient.ShardOptions(), logger)
	if err != nil {
		s.close()
		return nil, err
	}

	s.engine = orphan.NewEngine(s.catalog, s.shards, orphanageClient.EngineConfig(), logger)

	if addr := orphanageClient.Config.Metrics.Addr; addr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		s.engine.WithMetrics(metrics.New(reg))

		mctx, cancel := context.WithCancel(context.Background())
		s.stopMetrics = cancel
		s.metricsDone = make(chan error, 1)
		go func() {
			s.metricsDone <- metrics.Serve(mctx, addr, metrics.NewRouter(reg), logger)
		}()
	}

	if dsn := orphanageClient.Config.Journal.DSN; dsn != "" {
		s.journal, err = journal.Open(ctx, dsn, logger)
		if err != nil {
			s.close()
			return nil, err
		}
		s.engine.WithJournal(s.journal)
		logger.Info("journaling removals", zap.String("run_id", s.engine.RunID().String()))
	}
	return s, nil
}

func (s *session) close() {
	// Disconnects must not inherit an interrupted command context.
	ctx := context.Background()
	if s.stopMetrics != nil {
		s.stopMetrics()
		if err := <-s.metricsDone; err != nil {
			logger.Warn("metrics server", zap.Error(err))
		}
	}
	if s.journal != nil {
		if err := s.journal.Close(ctx); err != nil {
			logger.Warn("closing journal", zap.Error(err))
		}
	}
	if s.shards != nil {
		if err := s.shards.Close(ctx); err != nil {
			logger.Warn("closing shard connections", zap.Error(err))
		}
	}
	if err := s.router.Disconnect(ctx); err != nil && !errors.Is(err, mongo.ErrClientDisconnected) {
		logger.Warn("closing router connection", zap.Error(err))
	}
}
