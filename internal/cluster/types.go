// Package cluster holds the value types shared by the catalog reader, the
// shard connection manager and the orphan engine.
package cluster

import (
	"context"
	"fmt"
	"os"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
)

// ShardDescriptor is one entry of config.shards
type ShardDescriptor struct {
	ID       string `json:"id" yaml:"id"`
	Host     string `json:"host" yaml:"host"`
	Draining bool   `json:"draining,omitempty" yaml:"draining,omitempty"`
}

// Namespace describes a sharded collection as recorded in config.collections.
type Namespace struct {
	Name       string `json:"name" yaml:"name"`
	KeyPattern Bound  `json:"key" yaml:"key"`
	Unique     bool   `json:"unique,omitempty" yaml:"unique,omitempty"`
	// UUID is set on catalogs where config.chunks references collections by
	// uuid instead of by ns.
	UUID []byte `json:"-" yaml:"-"`
}

// Split returns the database and collection halves of the namespace.
func (n Namespace) Split() (string, string, error) {
	return SplitNamespace(n.Name)
}

// SplitNamespace splits "db.collection" on the first dot.
func SplitNamespace(ns string) (string, string, error) {
	db, coll, ok := strings.Cut(ns, ".")
	if !ok || db == "" || coll == "" {
		return "", "", fmt.Errorf("invalid namespace %q: expected <database>.<collection>", ns)
	}
	return db, coll, nil
}

// ChunkRange is a contiguous shard-key range [Min, Max) owned by Shard.
type ChunkRange struct {
	ID        string `json:"id,omitempty" yaml:"id,omitempty"`
	Namespace string `json:"namespace" yaml:"namespace"`
	Min       Bound  `json:"min" yaml:"min"`
	Max       Bound  `json:"max" yaml:"max"`
	Shard     string `json:"shard" yaml:"shard"`
	Jumbo     bool   `json:"jumbo,omitempty" yaml:"jumbo,omitempty"`
}

func (c ChunkRange) String() string {
	return fmt.Sprintf("%s %s -> %s @ %s", c.Namespace, c.Min, c.Max, c.Shard)
}

// Bound is a shard-key document such as {x: 10} or {x: MinKey}.
type Bound bson.D

// D returns the bound as a plain bson.D for use in driver calls.
func (b Bound) D() bson.D {
	return bson.D(b)
}

func (b Bound) String() string {
	data, err := bson.MarshalExtJSON(bson.D(b), false, false)
	if err != nil {
		return fmt.Sprint(bson.D(b))
	}
	return string(data)
}

// Hashed reports whether a key pattern has a hashed field. Chunk bounds of
// such a key hold hash values, not field values.
func (b Bound) Hashed() bool {
	for _, e := range b {
		if s, ok := e.Value.(string); ok && s == "hashed" {
			return true
		}
	}
	return false
}

// MarshalJSON renders the bound as relaxed extended JSON.
func (b Bound) MarshalJSON() ([]byte, error) {
	return bson.MarshalExtJSON(bson.D(b), false, false)
}

// MarshalYAML renders the bound as a relaxed extended JSON string.
func (b Bound) MarshalYAML() (interface{}, error) {
	return b.String(), nil
}

// BalancerState is the observed state of the chunk balancer.
type BalancerState struct {
	// Enabled is the persisted on/off setting.
	Enabled bool `json:"enabled" yaml:"enabled"`
	// Running reports a balancing round in progress.
	Running bool   `json:"running" yaml:"running"`
	Mode    string `json:"mode,omitempty" yaml:"mode,omitempty"`
}

// Stopped is true only when the balancer is disabled and idle.
func (s BalancerState) Stopped() bool {
	return !s.Enabled && !s.Running
}

func (s BalancerState) String() string {
	switch {
	case s.Stopped():
		return "stopped"
	case s.Enabled && s.Running:
		return "enabled, balancing"
	case s.Enabled:
		return "enabled"
	default:
		return "disabled, round still in progress"
	}
}

// ComparisonMode selects how range queries bound shard keys.
type ComparisonMode int

const (
	// ModeExact uses min/max index bounds on the shard-key index.
	ModeExact ComparisonMode = iota
	// ModeApproximate uses per-field $gte/$lt predicates and may overcount
	// on compound keys.
	ModeApproximate
)

func (m ComparisonMode) String() string {
	if m == ModeApproximate {
		return "approximate"
	}
	return "exact"
}

// MarshalText lets the mode render by name in JSON and YAML output.
func (m ComparisonMode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// RangeQuery selects the documents of Namespace whose shard key lies in
// [Min, Max).
type RangeQuery struct {
	Namespace  string
	KeyPattern Bound
	Min        Bound
	Max        Bound
	Mode       ComparisonMode
}

// Credential authenticates against a shard or the router.
type Credential struct {
	Username    string `yaml:"username" validate:"required"`
	Password    string `yaml:"password,omitempty"`
	PasswordEnv string `yaml:"password_env,omitempty"`
	AuthSource  string `yaml:"auth_source,omitempty"`
	Mechanism   string `yaml:"mechanism,omitempty"`
}

// Secret returns the password, reading PasswordEnv when Password is empty.
func (c Credential) Secret() string {
	if c.Password == "" && c.PasswordEnv != "" {
		return os.Getenv(c.PasswordEnv)
	}
	return c.Password
}

// Credentials holds the global fallback and the per-shard credentials.
type Credentials struct {
	Global *Credential            `yaml:"global,omitempty" validate:"omitempty"`
	Shards map[string]*Credential `yaml:"shards,omitempty" validate:"dive"`
}

// Candidates lists the credentials to try for a shard, most specific first.
func (c Credentials) Candidates(shardID string) []Credential {
	var out []Credential
	if cred, ok := c.Shards[shardID]; ok && cred != nil {
		out = append(out, *cred)
	}
	if c.Global != nil {
		out = append(out, *c.Global)
	}
	return out
}

// ShardFailure records a shard that could not take part in a scan.
type ShardFailure struct {
	Shard string `json:"shard" yaml:"shard"`
	Err   error  `json:"-" yaml:"-"`
	// Reason is Err rendered for reports.
	Reason string `json:"reason" yaml:"reason"`
}

// NewShardFailure builds a ShardFailure with its Reason filled in.
func NewShardFailure(shard string, err error) ShardFailure {
	return ShardFailure{Shard: shard, Err: err, Reason: err.Error()}
}

// ShardConn is a connection to a single shard's primary.
type ShardConn interface {
	ShardID() string
	// CountInRange counts the documents matched by q on this shard.
	CountInRange(ctx context.Context, q RangeQuery) (int64, error)
	// OpenIDs streams the _id of every document matched by q.
	OpenIDs(ctx context.Context, q RangeQuery, batchSize int32) (IDCursor, error)
	// DeleteIDs removes the documents with the given _ids.
	DeleteIDs(ctx context.Context, namespace string, ids []interface{}) (int64, error)
}

// IDCursor iterates document identifiers.
type IDCursor interface {
	Next(ctx context.Context) bool
	ID() interface{}
	Err() error
	Close(ctx context.Context) error
}
