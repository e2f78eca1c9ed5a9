package shardconn

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/otherjamesbrown/orphanage/internal/cluster"
)

const countBatchSize = 1000

// Conn is a connection to one shard's primary. It implements
// cluster.ShardConn.
type Conn struct {
	shard  cluster.ShardDescriptor
	client *mongo.Client
	// user is empty for unauthenticated connections.
	user string
}

func (c *Conn) ShardID() string {
	return c.shard.ID
}

func (c *Conn) collection(ns string) (*mongo.Collection, error) {
	db, coll, err := cluster.SplitNamespace(ns)
	if err != nil {
		return nil, err
	}
	return c.client.Database(db).Collection(coll), nil
}

// HasDocuments is a cheap existence probe used to skip empty shards.
func (c *Conn) HasDocuments(ctx context.Context, ns string) (bool, error) {
	coll, err := c.collection(ns)
	if err != nil {
		return false, err
	}
	err = coll.FindOne(ctx, bson.D{}, options.FindOne().SetProjection(bson.D{{Key: "_id", Value: 1}})).Err()
	if errors.Is(err, mongo.ErrNoDocuments) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (c *Conn) CountInRange(ctx context.Context, q cluster.RangeQuery) (int64, error) {
	cur, err := c.find(ctx, q, countBatchSize)
	if err != nil {
		return 0, err
	}
	defer cur.Close(ctx)

	var n int64
	for cur.Next(ctx) {
		n++
	}
	if err := cur.Err(); err != nil {
		return n, fmt.Errorf("shard %s: count %s: %w", c.shard.ID, q.Namespace, err)
	}
	return n, nil
}

func (c *Conn) OpenIDs(ctx context.Context, q cluster.RangeQuery, batchSize int32) (cluster.IDCursor, error) {
	cur, err := c.find(ctx, q, batchSize)
	if err != nil {
		return nil, err
	}
	return &idCursor{cur: cur}, nil
}

func (c *Conn) DeleteIDs(ctx context.Context, ns string, ids []interface{}) (int64, error) {
	coll, err := c.collection(ns)
	if err != nil {
		return 0, err
	}
	res, err := coll.DeleteMany(ctx, bson.D{{Key: "_id", Value: bson.D{{Key: "$in", Value: ids}}}})
	if err != nil {
		return 0, fmt.Errorf("shard %s: delete from %s: %w", c.shard.ID, ns, err)
	}
	return res.DeletedCount, nil
}

// find selects the documents of q on this shard, projecting only _id.
// Exact mode bounds the scan of the shard-key index with min/max so that
// compound keys are compared as a whole.
func (c *Conn) find(ctx context.Context, q cluster.RangeQuery, batchSize int32) (*mongo.Cursor, error) {
	coll, err := c.collection(q.Namespace)
	if err != nil {
		return nil, err
	}
	opts := options.Find().
		SetProjection(bson.D{{Key: "_id", Value: 1}}).
		SetBatchSize(batchSize)

	filter := bson.D{}
	if q.Mode == cluster.ModeExact {
		opts.SetMin(q.Min.D()).SetMax(q.Max.D()).SetHint(q.KeyPattern.D())
	} else if filter, err = approximateFilter(q); err != nil {
		return nil, fmt.Errorf("shard %s: %w", c.shard.ID, err)
	}

	cur, err := coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("shard %s: query %s: %w", c.shard.ID, q.Namespace, err)
	}
	return cur, nil
}

// approximateFilter bounds only the first shard-key field. For compound
// keys the upper bound is inclusive, so documents of neighbouring chunks
// that share the first field are counted too. Hashed keys are refused.
func approximateFilter(q cluster.RangeQuery) (bson.D, error) {
	if q.KeyPattern.Hashed() {
		return nil, fmt.Errorf("%s %s: %w", q.Namespace, q.KeyPattern, cluster.ErrHashedApproximate)
	}
	if len(q.KeyPattern) == 0 || len(q.Min) == 0 || len(q.Max) == 0 {
		return bson.D{}, nil
	}
	upper := "$lt"
	if len(q.KeyPattern) > 1 {
		upper = "$lte"
	}
	return bson.D{{Key: q.KeyPattern[0].Key, Value: bson.D{
		{Key: "$gte", Value: q.Min[0].Value},
		{Key: upper, Value: q.Max[0].Value},
	}}}, nil
}

type idCursor struct {
	cur *mongo.Cursor
}

func (c *idCursor) Next(ctx context.Context) bool {
	return c.cur.Next(ctx)
}

// ID returns the current document's _id as a raw BSON value, which encodes
// back unchanged in the delete filter. The bytes are copied since the
// cursor's buffer is reused across batches.
func (c *idCursor) ID() interface{} {
	v := c.cur.Current.Lookup("_id")
	v.Value = append([]byte(nil), v.Value...)
	return v
}

func (c *idCursor) Err() error {
	return c.cur.Err()
}

func (c *idCursor) Close(ctx context.Context) error {
	return c.cur.Close(ctx)
}
