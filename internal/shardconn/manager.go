// Package shardconn manages direct connections to the primaries of each
// shard, authenticating with per-shard or global credentials.
package shardconn

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.uber.org/zap"

	"github.com/otherjamesbrown/orphanage/internal/cluster"
)

// Options configures how shards are reached.
type Options struct {
	// ActiveShards restricts connections to these shard ids. Empty means all.
	ActiveShards []string
	Credentials  cluster.Credentials
	// AllowUnauthenticated permits a connection without credentials when
	// none are configured or all of them are rejected.
	AllowUnauthenticated bool
	// URIOptions is appended to every shard connection string, e.g. "tls=true".
	URIOptions     string
	ConnectTimeout time.Duration
}

// Manager owns one connection per shard for the lifetime of a run.
type Manager struct {
	opts   Options
	shards []cluster.ShardDescriptor
	logger *zap.Logger

	mu    sync.Mutex
	conns map[string]*Conn

	// connect and probe are replaced in tests.
	connect func(ctx context.Context, opts *options.ClientOptions) (*mongo.Client, error)
	probe   func(ctx context.Context, client *mongo.Client) error
}

// NewManager builds a manager over the given shards. Ids in
// opts.ActiveShards must name known shards.
func NewManager(shards []cluster.ShardDescriptor, opts Options, logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	known := make(map[string]bool, len(shards))
	for _, s := range shards {
		known[s.ID] = true
	}
	var unknown []string
	for _, id := range opts.ActiveShards {
		if !known[id] {
			unknown = append(unknown, id)
		}
	}
	if len(unknown) > 0 {
		return nil, fmt.Errorf("unknown shard(s) in active shard filter: %s", strings.Join(unknown, ", "))
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}

	return &Manager{
		opts:   opts,
		shards: shards,
		logger: logger,
		conns:  make(map[string]*Conn),
		connect: func(ctx context.Context, o *options.ClientOptions) (*mongo.Client, error) {
			return mongo.Connect(ctx, o)
		},
		probe: func(ctx context.Context, client *mongo.Client) error {
			return client.Ping(ctx, readpref.Primary())
		},
	}, nil
}

// Shards returns the shards selected by the active shard filter, in
// catalog order.
func (m *Manager) Shards() []cluster.ShardDescriptor {
	if len(m.opts.ActiveShards) == 0 {
		return m.shards
	}
	active := make(map[string]bool, len(m.opts.ActiveShards))
	for _, id := range m.opts.ActiveShards {
		active[id] = true
	}
	var out []cluster.ShardDescriptor
	for _, s := range m.shards {
		if active[s.ID] {
			out = append(out, s)
		}
	}
	return out
}

// Connect returns the cached connection for shard, dialing it on first use.
// Shard-specific credentials are tried first, then the global credential,
// then (only if allowed) no credentials at all.
func (m *Manager) Connect(ctx context.Context, shard cluster.ShardDescriptor) (*Conn, error) {
	m.mu.Lock()
	if c, ok := m.conns[shard.ID]; ok {
		m.mu.Unlock()
		return c, nil
	}
	m.mu.Unlock()

	c, err := m.dial(ctx, shard)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.conns[shard.ID]; ok {
		_ = c.client.Disconnect(ctx)
		return existing, nil
	}
	m.conns[shard.ID] = c
	m.logger.Debug("connected to shard",
		zap.String("shard", shard.ID),
		zap.String("user", c.user))
	return c, nil
}

func (m *Manager) dial(ctx context.Context, shard cluster.ShardDescriptor) (*Conn, error) {
	uri, err := shardURI(shard.Host, m.opts.URIOptions)
	if err != nil {
		return nil, fmt.Errorf("shard %s: %w", shard.ID, err)
	}

	var tried []string
	var lastErr error
	for _, cred := range m.opts.Credentials.Candidates(shard.ID) {
		cred := cred
		client, err := m.open(ctx, uri, &cred)
		if err == nil {
			return &Conn{shard: shard, client: client, user: cred.Username}, nil
		}
		if !isAuthError(err) {
			return nil, fmt.Errorf("shard %s: %w", shard.ID, err)
		}
		m.logger.Warn("shard rejected credentials",
			zap.String("shard", shard.ID),
			zap.String("user", cred.Username),
			zap.Error(err))
		tried = append(tried, cred.Username)
		lastErr = err
	}

	if !m.opts.AllowUnauthenticated {
		return nil, &cluster.AuthenticationFailedError{Shard: shard.ID, Users: tried, Err: lastErr}
	}

	client, err := m.open(ctx, uri, nil)
	if err != nil {
		return nil, fmt.Errorf("shard %s: %w", shard.ID, err)
	}
	m.logger.Warn("connected to shard without authentication", zap.String("shard", shard.ID))
	return &Conn{shard: shard, client: client}, nil
}

func (m *Manager) open(ctx context.Context, uri string, cred *cluster.Credential) (*mongo.Client, error) {
	opts := options.Client().
		ApplyURI(uri).
		SetReadPreference(readpref.Primary()).
		SetConnectTimeout(m.opts.ConnectTimeout).
		SetServerSelectionTimeout(m.opts.ConnectTimeout).
		SetAppName("orphanage")
	if cred != nil {
		source := cred.AuthSource
		if source == "" {
			source = "admin"
		}
		opts.SetAuth(options.Credential{
			AuthMechanism: cred.Mechanism,
			AuthSource:    source,
			Username:      cred.Username,
			Password:      cred.Secret(),
		})
	}

	client, err := m.connect(ctx, opts)
	if err != nil {
		return nil, err
	}
	if err := m.probe(ctx, client); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	return client, nil
}

// Shard returns the connection for the active shard with the given id.
func (m *Manager) Shard(ctx context.Context, id string) (cluster.ShardConn, error) {
	for _, s := range m.Shards() {
		if s.ID != id {
			continue
		}
		c, err := m.Connect(ctx, s)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
	return nil, fmt.Errorf("shard %s is not known or not active", id)
}

// ForNamespace connects the active shards and returns those holding at
// least one document of ns, in catalog order. Shards that cannot be
// reached are reported as failures rather than aborting.
func (m *Manager) ForNamespace(ctx context.Context, ns string) ([]cluster.ShardConn, []cluster.ShardFailure, error) {
	var conns []cluster.ShardConn
	var failures []cluster.ShardFailure
	for _, shard := range m.Shards() {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		c, err := m.Connect(ctx, shard)
		if err != nil {
			m.logger.Warn("skipping shard", zap.String("shard", shard.ID), zap.Error(err))
			failures = append(failures, cluster.NewShardFailure(shard.ID, err))
			continue
		}
		ok, err := c.HasDocuments(ctx, ns)
		if err != nil {
			m.logger.Warn("existence probe failed", zap.String("shard", shard.ID), zap.String("namespace", ns), zap.Error(err))
			failures = append(failures, cluster.NewShardFailure(shard.ID, err))
			continue
		}
		if !ok {
			m.logger.Debug("shard holds no documents", zap.String("shard", shard.ID), zap.String("namespace", ns))
			continue
		}
		conns = append(conns, c)
	}
	return conns, failures, nil
}

// Close disconnects every cached connection.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, 0, len(m.conns))
	for id := range m.conns {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var errs []error
	for _, id := range ids {
		if err := m.conns[id].client.Disconnect(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shard %s: %w", id, err))
		}
		delete(m.conns, id)
	}
	return errors.Join(errs...)
}

// shardURI turns a config.shards host ("rs/h1:27017,h2:27017" or
// "h1:27017") into a connection string.
func shardURI(host, extra string) (string, error) {
	set, hosts, hasSet := strings.Cut(host, "/")
	if !hasSet {
		hosts, set = set, ""
	}
	if hosts == "" {
		return "", fmt.Errorf("invalid shard host %q", host)
	}

	q := url.Values{}
	if extra != "" {
		parsed, err := url.ParseQuery(strings.TrimPrefix(extra, "?"))
		if err != nil {
			return "", fmt.Errorf("invalid uri options %q: %w", extra, err)
		}
		q = parsed
	}
	switch {
	case set != "":
		q.Set("replicaSet", set)
	case !strings.Contains(hosts, ","):
		q.Set("directConnection", "true")
	}

	uri := "mongodb://" + hosts + "/"
	if enc := q.Encode(); enc != "" {
		uri += "?" + enc
	}
	return uri, nil
}

func isAuthError(err error) bool {
	if err == nil {
		return false
	}
	var ce mongo.CommandError
	if errors.As(err, &ce) && (ce.Code == 18 || ce.Name == "AuthenticationFailed") {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "auth error") || strings.Contains(msg, "authentication failed")
}
