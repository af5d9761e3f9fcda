// Package redis holds the LTP cache, entry locks, order rate limiter and
// position event bus, all on go-redis/v9.
package redis

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultNamespace prefixes every key, channel and stream the bot touches.
const DefaultNamespace = "optionbot"

// ClientConfig holds connection parameters for the Redis client.
type ClientConfig struct {
	// URL is a redis:// or rediss:// URL. When set it replaces Addr,
	// Password, DB and TLSEnabled.
	URL        string
	Addr       string
	Password   string
	DB         int
	PoolSize   int
	MaxRetries int
	TLSEnabled bool
	ClientName string
	// Namespace separates several deployments sharing one server, e.g.
	// "optionbot:paper". Empty means DefaultNamespace.
	Namespace string
	// Tick writes sit on the feed's hot path, so reads and writes fail fast
	// instead of using the driver's 3s default.
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Client wraps a go-redis Client with the bot's key namespace.
type Client struct {
	rdb       *redis.Client
	namespace string
}

func options(cfg ClientConfig) (*redis.Options, error) {
	var opts *redis.Options
	if cfg.URL != "" {
		parsed, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("redis: parse url: %w", err)
		}
		opts = parsed
	} else {
		opts = &redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		}
		if cfg.TLSEnabled {
			opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		}
	}

	opts.PoolSize = cfg.PoolSize
	opts.MaxRetries = cfg.MaxRetries
	opts.ClientName = cfg.ClientName
	opts.DialTimeout = orDefault(cfg.DialTimeout, 2*time.Second)
	opts.ReadTimeout = orDefault(cfg.ReadTimeout, 500*time.Millisecond)
	opts.WriteTimeout = orDefault(cfg.WriteTimeout, 500*time.Millisecond)
	return opts, nil
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

// New connects to Redis and pings it. It returns an error if the server
// cannot be reached.
func New(ctx context.Context, cfg ClientConfig) (*Client, error) {
	opts, err := options(cfg)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opts)

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis: ping %s: %w", opts.Addr, err)
	}
	return newClient(rdb, cfg.Namespace), nil
}

func newClient(rdb *redis.Client, namespace string) *Client {
	namespace = strings.TrimSuffix(namespace, ":")
	if namespace == "" {
		namespace = DefaultNamespace
	}
	return &Client{rdb: rdb, namespace: namespace}
}

// Key joins parts under the client's namespace: Key("ltp", "1001") is
// "optionbot:ltp:1001".
func (c *Client) Key(parts ...string) string {
	return c.namespace + ":" + strings.Join(parts, ":")
}

// Ping checks the connection. It has the health check signature.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis: ping: %w", err)
	}
	return nil
}

// PoolStats reports connection pool usage for logging at shutdown.
func (c *Client) PoolStats() *redis.PoolStats {
	return c.rdb.PoolStats()
}

// Close closes the connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Underlying returns the raw driver client.
func (c *Client) Underlying() *redis.Client {
	return c.rdb
}
