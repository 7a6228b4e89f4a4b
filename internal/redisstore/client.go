// Package redisstore is the concrete Redis-backed implementation of the
// narrow storage interfaces consumed by internal/ctxstore and
// internal/registry. It is the only package in this module that imports
// github.com/redis/go-redis/v9 directly.
package redisstore

import (
	"context"
	"crypto/tls"
	"time"

	"github.com/redis/go-redis/v9"
)

// Options configures the underlying Redis connection.
type Options struct {
	Addr     string
	Username string
	Password string
	DB       int
	UseTLS   bool

	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Client wraps a *redis.Client and implements ctxstore.HashStore and
// registry.Store.
type Client struct {
	rdb *redis.Client
}

// New constructs a Client from Options.
func New(opts Options) *Client {
	redisOpts := &redis.Options{
		Addr:         opts.Addr,
		Username:     opts.Username,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  orDefault(opts.DialTimeout, 5*time.Second),
		ReadTimeout:  orDefault(opts.ReadTimeout, 3*time.Second),
		WriteTimeout: orDefault(opts.WriteTimeout, 3*time.Second),
	}
	if opts.UseTLS {
		redisOpts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return &Client{rdb: redis.NewClient(redisOpts)}
}

// NewFromRedisClient wraps an already-constructed *redis.Client, for
// callers that build connection pooling/cluster topology themselves.
func NewFromRedisClient(rdb *redis.Client) *Client {
	return &Client{rdb: rdb}
}

// Ping checks connectivity, used by the health-check registration.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close releases the underlying connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}

func orDefault(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}
