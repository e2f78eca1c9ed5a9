// Package journal records orphan delete batches in PostgreSQL before they
// are issued, so that removed documents can be traced after the fact.
package journal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.mongodb.org/mongo-driver/bson"
	"go.uber.org/zap"

	"github.com/otherjamesbrown/orphanage/internal/orphan"
)

const schema = `
CREATE TABLE IF NOT EXISTS orphan_removals (
	id          BIGSERIAL PRIMARY KEY,
	run_id      UUID NOT NULL,
	namespace   TEXT NOT NULL,
	shard       TEXT NOT NULL,
	chunk_min   JSONB NOT NULL,
	chunk_max   JSONB NOT NULL,
	ids         JSONB NOT NULL,
	id_count    INTEGER NOT NULL,
	recorded_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS orphan_removals_run_id_idx ON orphan_removals (run_id);
`

// Entry is one recorded batch. Bounds and ids are canonical extended JSON.
type Entry struct {
	ID         int64     `json:"id" yaml:"id"`
	RunID      uuid.UUID `json:"run_id" yaml:"run_id"`
	Namespace  string    `json:"namespace" yaml:"namespace"`
	Shard      string    `json:"shard" yaml:"shard"`
	Min        string    `json:"min" yaml:"min"`
	Max        string    `json:"max" yaml:"max"`
	IDs        string    `json:"ids" yaml:"ids"`
	Count      int       `json:"count" yaml:"count"`
	RecordedAt time.Time `json:"recorded_at" yaml:"recorded_at"`
}

// Journal is a PostgreSQL backed orphan.Journal.
type Journal struct {
	mu     sync.Mutex
	conn   *pgx.Conn
	logger *zap.Logger
}

var _ orphan.Journal = (*Journal)(nil)

// Open connects to dsn and creates the journal table if needed.
func Open(ctx context.Context, dsn string, logger *zap.Logger) (*Journal, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("cannot connect to journal database: %w", err)
	}
	j := &Journal{conn: conn, logger: logger}
	if err := j.Migrate(ctx); err != nil {
		_ = conn.Close(ctx)
		return nil, err
	}
	return j, nil
}

func (j *Journal) Migrate(ctx context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if _, err := j.conn.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to create journal table: %w", err)
	}
	return nil
}

// RecordBatch stores rec. It is called before the batch is deleted.
func (j *Journal) RecordBatch(ctx context.Context, rec orphan.BatchRecord) error {
	lo, err := extJSON(bson.D(rec.Min))
	if err != nil {
		return fmt.Errorf("encode chunk min: %w", err)
	}
	hi, err := extJSON(bson.D(rec.Max))
	if err != nil {
		return fmt.Errorf("encode chunk max: %w", err)
	}
	ids, err := extJSON(bson.D{{Key: "ids", Value: rec.IDs}})
	if err != nil {
		return fmt.Errorf("encode ids: %w", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	_, err = j.conn.Exec(ctx, `
		INSERT INTO orphan_removals (run_id, namespace, shard, chunk_min, chunk_max, ids, id_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		rec.RunID, rec.Namespace, rec.Shard, lo, hi, ids, len(rec.IDs))
	if err != nil {
		return fmt.Errorf("failed to record batch: %w", err)
	}
	j.logger.Debug("batch journaled",
		zap.String("run_id", rec.RunID.String()),
		zap.String("namespace", rec.Namespace),
		zap.Int("ids", len(rec.IDs)))
	return nil
}

// Batches returns the batches of a run in the order they were recorded.
func (j *Journal) Batches(ctx context.Context, runID uuid.UUID) ([]Entry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	rows, err := j.conn.Query(ctx, `
		SELECT id, run_id, namespace, shard, chunk_min::text, chunk_max::text, ids::text, id_count, recorded_at
		FROM orphan_removals
		WHERE run_id = $1
		ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query journal: %w", err)
	}
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Entry, error) {
		var e Entry
		err := row.Scan(&e.ID, &e.RunID, &e.Namespace, &e.Shard, &e.Min, &e.Max, &e.IDs, &e.Count, &e.RecordedAt)
		return e, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read journal: %w", err)
	}
	return entries, nil
}

// LatestRun returns the run id of the most recent batch.
func (j *Journal) LatestRun(ctx context.Context) (uuid.UUID, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	var id uuid.UUID
	err := j.conn.QueryRow(ctx, `SELECT run_id FROM orphan_removals ORDER BY id DESC LIMIT 1`).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, fmt.Errorf("journal is empty")
	}
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to query journal: %w", err)
	}
	return id, nil
}

func (j *Journal) Close(ctx context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.conn.Close(ctx)
}

func extJSON(doc bson.D) (string, error) {
	b, err := bson.MarshalExtJSON(doc, true, false)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
