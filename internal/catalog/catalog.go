// Package catalog reads sharding metadata (shards, sharded collections,
// chunk ownership and balancer state) from a cluster through its mongos.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/otherjamesbrown/orphanage/internal/cluster"
)

// DefaultPageSize is the number of chunks fetched per catalog round trip.
const DefaultPageSize = 500

const uuidSubtype = 0x04

// Options controls capability negotiation.
type Options struct {
	// Comparison is "auto", "exact" or "approximate".
	Comparison string
}

// Reader provides read-only access to the config database.
type Reader struct {
	client  *mongo.Client
	logger  *zap.Logger
	mode    cluster.ComparisonMode
	version string
}

// Open probes the router once: it must be a mongos, and its version decides
// the comparison mode used by range queries.
func Open(ctx context.Context, client *mongo.Client, opts Options, logger *zap.Logger) (*Reader, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Reader{client: client, logger: logger}

	if err := r.CheckSharded(ctx); err != nil {
		return nil, err
	}

	var info struct {
		Version      string  `bson:"version"`
		VersionArray []int32 `bson:"versionArray"`
	}
	if err := r.admin().RunCommand(ctx, bson.D{{Key: "buildInfo", Value: 1}}).Decode(&info); err != nil {
		return nil, fmt.Errorf("buildInfo: %w", err)
	}
	r.version = info.Version

	mode, err := resolveMode(opts.Comparison, info.VersionArray)
	if err != nil {
		return nil, err
	}
	r.mode = mode
	logger.Debug("negotiated comparison mode",
		zap.String("version", info.Version),
		zap.Stringer("mode", mode))
	return r, nil
}

// Mode is the comparison mode negotiated in Open.
func (r *Reader) Mode() cluster.ComparisonMode {
	return r.mode
}

// Version is the router's server version.
func (r *Reader) Version() string {
	return r.version
}

// CheckSharded verifies the connection goes through a mongos.
func (r *Reader) CheckSharded(ctx context.Context) error {
	var reply struct {
		Msg string `bson:"msg"`
	}
	err := r.admin().RunCommand(ctx, bson.D{{Key: "hello", Value: 1}}).Decode(&reply)
	if isCommandNotFound(err) {
		err = r.admin().RunCommand(ctx, bson.D{{Key: "isMaster", Value: 1}}).Decode(&reply)
	}
	if err != nil {
		return fmt.Errorf("sharding probe: %w", err)
	}
	if reply.Msg != "isdbgrid" {
		return fmt.Errorf("%w: connect to a mongos router, not a mongod or replica set member", cluster.ErrNotShardedCluster)
	}
	return nil
}

// ListShards returns config.shards ordered by id.
func (r *Reader) ListShards(ctx context.Context) ([]cluster.ShardDescriptor, error) {
	cur, err := r.config().Collection("shards").Find(ctx, bson.D{},
		options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("failed to list shards: %w", err)
	}
	defer cur.Close(ctx)

	var shards []cluster.ShardDescriptor
	for cur.Next(ctx) {
		var doc struct {
			ID       string `bson:"_id"`
			Host     string `bson:"host"`
			Draining bool   `bson:"draining"`
		}
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("failed to decode shard: %w", err)
		}
		shards = append(shards, cluster.ShardDescriptor{ID: doc.ID, Host: doc.Host, Draining: doc.Draining})
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("failed to list shards: %w", err)
	}
	return shards, nil
}

type collectionDoc struct {
	ID      string            `bson:"_id"`
	Key     bson.D            `bson:"key"`
	Unique  bool              `bson:"unique"`
	Dropped bool              `bson:"dropped"`
	UUID    *primitive.Binary `bson:"uuid"`
}

func (d collectionDoc) namespace() cluster.Namespace {
	ns := cluster.Namespace{Name: d.ID, KeyPattern: cluster.Bound(d.Key), Unique: d.Unique}
	if d.UUID != nil {
		ns.UUID = d.UUID.Data
	}
	return ns
}

// ListNamespaces returns the sharded user collections ordered by name.
// Dropped entries and config.* namespaces are left out.
func (r *Reader) ListNamespaces(ctx context.Context) ([]cluster.Namespace, error) {
	cur, err := r.config().Collection("collections").Find(ctx,
		bson.D{{Key: "dropped", Value: bson.D{{Key: "$ne", Value: true}}}})
	if err != nil {
		return nil, fmt.Errorf("failed to list collections: %w", err)
	}
	defer cur.Close(ctx)

	var out []cluster.Namespace
	for cur.Next(ctx) {
		var doc collectionDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("failed to decode collection: %w", err)
		}
		if strings.HasPrefix(doc.ID, "config.") {
			continue
		}
		out = append(out, doc.namespace())
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("failed to list collections: %w", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Namespace looks up one sharded collection.
func (r *Reader) Namespace(ctx context.Context, name string) (cluster.Namespace, error) {
	if _, _, err := cluster.SplitNamespace(name); err != nil {
		return cluster.Namespace{}, err
	}
	var doc collectionDoc
	err := r.config().Collection("collections").FindOne(ctx, bson.D{{Key: "_id", Value: name}}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) || (err == nil && doc.Dropped) {
		return cluster.Namespace{}, fmt.Errorf("namespace %s is not sharded", name)
	}
	if err != nil {
		return cluster.Namespace{}, fmt.Errorf("failed to fetch collection %s: %w", name, err)
	}
	return doc.namespace(), nil
}

// ListChunks returns every chunk of ns ordered by min.
func (r *Reader) ListChunks(ctx context.Context, ns cluster.Namespace) ([]cluster.ChunkRange, error) {
	var chunks []cluster.ChunkRange
	err := r.WalkChunks(ctx, ns, DefaultPageSize, func(c cluster.ChunkRange) error {
		chunks = append(chunks, c)
		return nil
	})
	return chunks, err
}

// WalkChunks calls fn for every chunk of ns in ascending min order, fetching
// pageSize chunks per query. Pages are keyed on the last min seen so the
// catalog is never held in memory as a whole.
func (r *Reader) WalkChunks(ctx context.Context, ns cluster.Namespace, pageSize int, fn func(cluster.ChunkRange) error) error {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	filter, err := r.chunkFilter(ctx, ns)
	if err != nil {
		return err
	}

	var last bson.D
	for {
		page := filter
		if last != nil {
			page = append(bson.D{}, filter...)
			page = append(page, bson.E{Key: "min", Value: bson.D{{Key: "$gt", Value: last}}})
		}
		chunks, err := r.chunkPage(ctx, ns.Name, page, pageSize)
		if err != nil {
			return err
		}
		for _, c := range chunks {
			if err := fn(c); err != nil {
				return err
			}
		}
		if len(chunks) < pageSize {
			return nil
		}
		last = chunks[len(chunks)-1].Min.D()
	}
}

type chunkDoc struct {
	ID    interface{} `bson:"_id"`
	Min   bson.D      `bson:"min"`
	Max   bson.D      `bson:"max"`
	Shard string      `bson:"shard"`
	Jumbo bool        `bson:"jumbo"`
}

func (d chunkDoc) chunk(ns string) cluster.ChunkRange {
	return cluster.ChunkRange{
		ID:        chunkID(d.ID),
		Namespace: ns,
		Min:       cluster.Bound(d.Min),
		Max:       cluster.Bound(d.Max),
		Shard:     d.Shard,
		Jumbo:     d.Jumbo,
	}
}

func (r *Reader) chunkPage(ctx context.Context, ns string, filter bson.D, limit int) ([]cluster.ChunkRange, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "min", Value: 1}}).
		SetLimit(int64(limit)).
		SetBatchSize(int32(limit))
	cur, err := r.config().Collection("chunks").Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to read chunks of %s: %w", ns, err)
	}
	defer cur.Close(ctx)

	chunks := make([]cluster.ChunkRange, 0, limit)
	for cur.Next(ctx) {
		var doc chunkDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("failed to decode chunk of %s: %w", ns, err)
		}
		chunks = append(chunks, doc.chunk(ns))
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("failed to read chunks of %s: %w", ns, err)
	}
	return chunks, nil
}

// chunkFilter selects chunks by collection uuid on catalogs that key
// config.chunks that way, and by ns otherwise.
func (r *Reader) chunkFilter(ctx context.Context, ns cluster.Namespace) (bson.D, error) {
	if len(ns.UUID) > 0 {
		byUUID := bson.D{{Key: "uuid", Value: primitive.Binary{Subtype: uuidSubtype, Data: ns.UUID}}}
		err := r.config().Collection("chunks").FindOne(ctx, byUUID).Err()
		if err == nil {
			return byUUID, nil
		}
		if !errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("failed to probe chunks of %s: %w", ns.Name, err)
		}
	}
	return bson.D{{Key: "ns", Value: ns.Name}}, nil
}

func chunkID(id interface{}) string {
	switch v := id.(type) {
	case primitive.ObjectID:
		return v.Hex()
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

func (r *Reader) admin() *mongo.Database {
	return r.client.Database("admin")
}

func (r *Reader) config() *mongo.Database {
	return r.client.Database("config")
}

func isCommandNotFound(err error) bool {
	var ce mongo.CommandError
	return errors.As(err, &ce) && (ce.Code == 59 || ce.Name == "CommandNotFound")
}
