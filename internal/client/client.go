// Package client loads the orphanage configuration, connects to the mongos
// router and formats command output.
package client

import (
	"context"
	"fmt"
	"net/url"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.uber.org/zap"

	"github.com/otherjamesbrown/orphanage/internal/catalog"
	"github.com/otherjamesbrown/orphanage/internal/orphan"
	"github.com/otherjamesbrown/orphanage/internal/shardconn"
)

// Client turns a Config into connections and engine settings
type Client struct {
	Config *Config
	Logger *zap.Logger
}

// NewClient creates a new client with the given config
func NewClient(cfg *Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{Config: cfg, Logger: logger}
}

// Connect opens a connection to the mongos router using the global
// credential, if any.
func (c *Client) Connect(ctx context.Context) (*mongo.Client, error) {
	opts := options.Client().
		ApplyURI(c.Config.URI).
		SetAppName("orphanage").
		SetReadPreference(readpref.Primary())
	if c.Config.Shards.ConnectTimeout > 0 {
		opts.SetConnectTimeout(c.Config.Shards.ConnectTimeout).
			SetServerSelectionTimeout(c.Config.Shards.ConnectTimeout)
	}
	if g := c.Config.Credentials.Global; g != nil && g.Username != "" {
		source := g.AuthSource
		if source == "" {
			source = "admin"
		}
		opts.SetAuth(options.Credential{
			AuthMechanism: g.Mechanism,
			AuthSource:    source,
			Username:      g.Username,
			Password:      g.Secret(),
		})
	}

	mc, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("cannot connect to mongos at %s: %w", RedactURI(c.Config.URI), err)
	}
	if err := mc.Ping(ctx, readpref.Primary()); err != nil {
		_ = mc.Disconnect(ctx)
		return nil, fmt.Errorf("cannot reach mongos at %s: %w", RedactURI(c.Config.URI), err)
	}
	c.Logger.Debug("connected to router", zap.String("uri", RedactURI(c.Config.URI)))
	return mc, nil
}

// CatalogOptions returns the catalog reader settings
func (c *Client) CatalogOptions() catalog.Options {
	return catalog.Options{Comparison: c.Config.Comparison}
}

// ShardOptions returns the shard connection settings
func (c *Client) ShardOptions() shardconn.Options {
	return shardconn.Options{
		ActiveShards:         c.Config.Shards.Active,
		Credentials:          c.Config.Credentials,
		AllowUnauthenticated: c.Config.Shards.AllowUnauthenticated,
		URIOptions:           c.Config.Shards.URIOptions,
		ConnectTimeout:       c.Config.Shards.ConnectTimeout,
	}
}

// EngineConfig returns the scan and removal settings
func (c *Client) EngineConfig() orphan.Config {
	return orphan.Config{
		PageSize:            c.Config.Scan.PageSize,
		Parallelism:         c.Config.Scan.Parallelism,
		BatchSize:           c.Config.Remove.BatchSize,
		BalancerParanoia:    c.Config.Remove.BalancerParanoia,
		MaxBatchesPerSecond: c.Config.Remove.MaxBatchesPerSecond,
	}
}

// RedactURI hides the password of a connection string
func RedactURI(uri string) string {
	u, err := url.Parse(uri)
	if err != nil {
		return "<invalid uri>"
	}
	if _, ok := u.User.Password(); ok {
		u.User = url.UserPassword(u.User.Username(), "xxxxx")
	}
	return u.String()
}
