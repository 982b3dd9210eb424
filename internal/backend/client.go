// Package backend implements domain.Backend over a Redis-compatible
// connection pool (go-redis/v9), including the cluster-aware hash-slot
// routing the reshard coordinator and dispatcher both rely on.
package backend

import (
	"context"
	"crypto/tls"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// NodeClientConfig holds connection parameters for a single backend node.
type NodeClientConfig struct {
	Addr       string
	Password   string
	DB         int
	PoolSize   int
	MaxRetries int
	TLSEnabled bool
}

// nodeClient wraps a single go-redis *redis.Client bound to one backend
// node (or the sole node, in non-cluster mode).
type nodeClient struct {
	rdb *redis.Client
}

// newNodeClient dials a single backend node and verifies connectivity.
func newNodeClient(ctx context.Context, cfg NodeClientConfig) (*nodeClient, error) {
	opts := &redis.Options{
		Addr:       cfg.Addr,
		Password:   cfg.Password,
		DB:         cfg.DB,
		PoolSize:   cfg.PoolSize,
		MaxRetries: cfg.MaxRetries,
	}

	if cfg.TLSEnabled {
		opts.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	rdb := redis.NewClient(opts)

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("backend: ping %s: %w", cfg.Addr, err)
	}

	return &nodeClient{rdb: rdb}, nil
}

func (c *nodeClient) Close() error {
	return c.rdb.Close()
}
