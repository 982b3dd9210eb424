package backend

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rtmbroker/rtmbroker/internal/domain"
)

// payloadField is the hash field a stream entry's JSON body is stored
// under. The protocol only ever appends one field per entry, but XADD
// requires a field/value pair rather than a bare value.
const payloadField = "json"

// Config configures a Client: the shared node-connection parameters plus
// cluster-mode toggles consumed by the topology cache.
type Config struct {
	Node            NodeClientConfig
	Cluster         bool
	ClusterSlotsTTL time.Duration
}

// Client implements domain.Backend over go-redis, routing single-key
// commands to the owning cluster node when Config.Cluster is set and
// talking to a single node otherwise.
type Client struct {
	cfg Config

	single *redis.Client // used when cfg.Cluster == false
	pool   *nodePool      // used when cfg.Cluster == true
	topo   *topology

	locks *lockManager

	dedicated bool // true for a private connection returned by Dedicated
}

// New dials the bootstrap node (cfg.Node.Addr) and returns a Client ready to
// serve domain.Backend. In cluster mode the bootstrap connection is also
// used to resolve CLUSTER SLOTS; per-node connections are dialed lazily as
// commands are routed to previously-unseen owners.
func New(ctx context.Context, cfg Config) (*Client, error) {
	nc, err := newNodeClient(ctx, cfg.Node)
	if err != nil {
		return nil, err
	}

	c := &Client{cfg: cfg, single: nc.rdb}
	c.locks = newLockManager(nc.rdb)

	if cfg.Cluster {
		ttl := cfg.ClusterSlotsTTL
		if ttl <= 0 {
			ttl = 5 * time.Second
		}
		c.pool = newNodePool(cfg.Node)
		c.topo = newTopology(ttl)
	}

	return c, nil
}

// Locks returns the lock manager sharing this client's bootstrap connection.
func (c *Client) Locks() domain.LockManager {
	return c.locks
}

func (c *Client) Close() error {
	var firstErr error
	if c.single != nil {
		if err := c.single.Close(); err != nil {
			firstErr = err
		}
	}
	if c.pool != nil {
		if err := c.pool.closeAll(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// clientFor returns the *redis.Client that owns key, resolving cluster
// topology on demand. In non-cluster mode it always returns the single
// bootstrap connection.
func (c *Client) clientFor(ctx context.Context, key string) (*redis.Client, error) {
	if !c.cfg.Cluster {
		return c.single, nil
	}

	slot := HashSlot(key)
	owner, err := c.topo.slotOwner(ctx, c.single, slot)
	if err != nil {
		return nil, err
	}
	return c.pool.get(nodeAddr(owner)), nil
}

// withRedirect runs fn against the node owning key, invalidating the
// topology cache and retrying exactly once if the backend replies with a
// MOVED/ASK redirect (the slot ownership changed since our last refresh).
func (c *Client) withRedirect(ctx context.Context, key string, fn func(*redis.Client) error) error {
	rdb, err := c.clientFor(ctx, key)
	if err != nil {
		return err
	}

	err = fn(rdb)
	if isRedirectErr(err) && c.cfg.Cluster {
		c.topo.invalidate()
		rdb, err2 := c.clientFor(ctx, key)
		if err2 != nil {
			return err2
		}
		return fn(rdb)
	}
	return err
}

func (c *Client) Append(ctx context.Context, stream, fieldName string, payload []byte, maxLen int64) (domain.StreamCursor, error) {
	var cursor domain.StreamCursor

	err := c.withRedirect(ctx, stream, func(rdb *redis.Client) error {
		args := &redis.XAddArgs{
			Stream: stream,
			Values: map[string]any{fieldName: payload},
		}
		if maxLen > 0 {
			args.MaxLen = maxLen
			args.Approx = true
		}

		id, err := rdb.XAdd(ctx, args).Result()
		if err != nil {
			return err
		}
		cursor = domain.StreamCursor(id)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: append %s: %v", domain.ErrBackendError, stream, err)
	}
	return cursor, nil
}

func (c *Client) RevRange(ctx context.Context, stream string, start, end domain.StreamCursor, count int) ([]domain.StreamEntry, error) {
	var entries []domain.StreamEntry

	err := c.withRedirect(ctx, stream, func(rdb *redis.Client) error {
		msgs, err := rdb.XRevRangeN(ctx, stream, string(start), string(end), int64(count)).Result()
		if err != nil {
			return err
		}
		entries = decodeEntries(msgs)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: revrange %s: %v", domain.ErrBackendError, stream, err)
	}
	return entries, nil
}

// BlockingRead issues XREAD BLOCK 0 across every stream in positions. In
// cluster mode a single-stream read is routed to the stream's owning node;
// a multi-stream read is issued on this client's bootstrap connection.
// Callers are expected to call Dedicated first so the blocking call runs on
// connections of its own, per the "lease" design note.
func (c *Client) BlockingRead(ctx context.Context, positions map[string]domain.StreamCursor) (map[string][]domain.StreamEntry, error) {
	if len(positions) == 0 {
		return nil, nil
	}

	keys := make([]string, 0, len(positions))
	for stream := range positions {
		keys = append(keys, stream)
	}

	// XREAD wants all stream keys first, then all matching positions, in
	// the same relative order.
	args := make([]string, 0, len(keys)*2)
	args = append(args, keys...)
	for _, stream := range keys {
		args = append(args, string(positions[stream]))
	}

	// A subscription worker always blocks on exactly one stream, so we can
	// route it to its owning node in cluster mode the same way single-key
	// commands are routed. Reads spanning multiple streams (which Redis
	// Cluster itself only supports within one hash slot) fall back to the
	// bootstrap connection.
	rdb := c.single
	if c.cfg.Cluster && len(keys) == 1 {
		owned, err := c.clientFor(ctx, keys[0])
		if err != nil {
			return nil, fmt.Errorf("%w: blocking read: %v", domain.ErrBackendUnavailable, err)
		}
		rdb = owned
	}

	res, err := rdb.XRead(ctx, &redis.XReadArgs{
		Streams: args,
		Block:   0,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) || errors.Is(err, context.Canceled) {
			return nil, err
		}
		// A blocking read's failure modes are almost always connection-level
		// (reset, refused, timeout); the subscription worker treats this as
		// transient and reconnects rather than terminating the subscription.
		return nil, fmt.Errorf("%w: blocking read: %v", domain.ErrBackendUnavailable, err)
	}

	out := make(map[string][]domain.StreamEntry, len(res))
	for _, s := range res {
		out[s.Stream] = decodeEntries(s.Messages)
	}
	return out, nil
}

func decodeEntries(msgs []redis.XMessage) []domain.StreamEntry {
	entries := make([]domain.StreamEntry, 0, len(msgs))
	for _, m := range msgs {
		raw, ok := m.Values[payloadField]
		if !ok {
			continue
		}

		var body []byte
		switch v := raw.(type) {
		case string:
			body = []byte(v)
		case []byte:
			body = v
		default:
			continue
		}

		entries = append(entries, domain.StreamEntry{
			Cursor: domain.StreamCursor(m.ID),
			JSON:   body,
		})
	}
	return entries
}

func (c *Client) Delete(ctx context.Context, key string) error {
	err := c.withRedirect(ctx, key, func(rdb *redis.Client) error {
		return rdb.Del(ctx, key).Err()
	})
	if err != nil {
		return fmt.Errorf("%w: delete %s: %v", domain.ErrBackendError, key, err)
	}
	return nil
}

func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	var n int64
	err := c.withRedirect(ctx, key, func(rdb *redis.Client) error {
		res, err := rdb.Exists(ctx, key).Result()
		n = res
		return err
	})
	if err != nil {
		return false, fmt.Errorf("%w: exists %s: %v", domain.ErrBackendError, key, err)
	}
	return n > 0, nil
}

func (c *Client) Ping(ctx context.Context) error {
	if err := c.single.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: ping: %v", domain.ErrBackendUnavailable, err)
	}
	return nil
}

// Dedicated returns a Client bound to a brand-new connection to the
// bootstrap node, for a caller that needs to block on XREAD without
// starving the shared pool (a subscription worker, or a KV read).
func (c *Client) Dedicated(ctx context.Context) (domain.Backend, func(), error) {
	nc, err := newNodeClient(ctx, c.cfg.Node)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: dedicated connection: %v", domain.ErrBackendUnavailable, err)
	}

	// In cluster mode the lease gets its own per-node pool, so a blocking
	// read routed to an owning node does not hold a shared pool connection.
	var pool *nodePool
	if c.cfg.Cluster {
		pool = newNodePool(c.cfg.Node)
	}

	dc := &Client{
		cfg:       c.cfg,
		single:    nc.rdb,
		pool:      pool,
		topo:      c.topo,
		locks:     c.locks,
		dedicated: true,
	}

	release := func() {
		_ = nc.Close()
		if pool != nil {
			_ = pool.closeAll()
		}
	}
	return dc, release, nil
}

func (c *Client) ClusterNodes(ctx context.Context) ([]domain.NodeInfo, error) {
	lines, err := c.single.ClusterNodes(ctx).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: cluster nodes: %v", domain.ErrBackendError, err)
	}
	return parseClusterNodes(lines), nil
}

func (c *Client) ClusterSlots(ctx context.Context) ([]domain.NodeInfo, error) {
	if err := c.topo.refresh(ctx, c.single); err != nil {
		return nil, fmt.Errorf("%w: cluster slots: %v", domain.ErrBackendError, err)
	}
	c.topo.mu.RLock()
	defer c.topo.mu.RUnlock()
	out := make([]domain.NodeInfo, len(c.topo.nodes))
	copy(out, c.topo.nodes)
	return out, nil
}

func (c *Client) ClusterSetSlot(ctx context.Context, node domain.NodeInfo, slot int, state, ownerID string) error {
	rdb := c.pool.get(nodeAddr(node))
	args := []any{"CLUSTER", "SETSLOT", slot, state}
	if ownerID != "" {
		args = append(args, ownerID)
	}
	if err := rdb.Do(ctx, args...).Err(); err != nil {
		return fmt.Errorf("%w: cluster setslot %d %s on %s: %v", domain.ErrBackendError, slot, state, node.ID, err)
	}
	return nil
}

func (c *Client) ClusterGetKeysInSlot(ctx context.Context, node domain.NodeInfo, slot, count int) ([]string, error) {
	rdb := c.pool.get(nodeAddr(node))
	keys, err := rdb.ClusterGetKeysInSlot(ctx, slot, count).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: cluster getkeysinslot %d on %s: %v", domain.ErrBackendError, slot, node.ID, err)
	}
	return keys, nil
}

func (c *Client) Migrate(ctx context.Context, source domain.NodeInfo, host string, port int, timeoutMs int, keys []string) error {
	if len(keys) == 0 {
		return nil
	}

	rdb := c.pool.get(nodeAddr(source))

	args := []any{"MIGRATE", host, port, "", 0, timeoutMs, "KEYS"}
	for _, k := range keys {
		args = append(args, k)
	}

	if err := rdb.Do(ctx, args...).Err(); err != nil {
		return fmt.Errorf("%w: migrate %d keys from %s to %s:%d: %v", domain.ErrBackendError, len(keys), source.ID, host, port, err)
	}
	return nil
}

var _ domain.Backend = (*Client)(nil)
