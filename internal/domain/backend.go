package domain

import (
	"context"
	"time"
)

// NodeRole distinguishes master and replica nodes in cluster topology
// queries.
type NodeRole string

const (
	NodeRoleMaster  NodeRole = "master"
	NodeRoleReplica NodeRole = "replica"
)

// NodeInfo describes one backend node as reported by CLUSTER NODES/SLOTS.
type NodeInfo struct {
	ID    string
	IP    string
	Port  int
	Role  NodeRole
	Slots [][2]int // inclusive [start,end] slot ranges owned by this node
}

// Backend is the typed wrapper over a Redis-protocol connection pool that
// the protocol engine and reshard coordinator consume. Every method is
// total on the happy path, returning a typed failure (wrapping one of
// ErrBackendUnavailable / ErrBackendError) otherwise.
type Backend interface {
	// Append appends payload under fieldName to stream, capping its
	// approximate length to maxLen (0 means unbounded), and returns the
	// cursor the backend assigned to the new entry.
	Append(ctx context.Context, stream, fieldName string, payload []byte, maxLen int64) (StreamCursor, error)

	// RevRange fetches up to count entries from stream between start and
	// end (backend-native range syntax, e.g. "+"/"-"/an exact cursor).
	RevRange(ctx context.Context, stream string, start, end StreamCursor, count int) ([]StreamEntry, error)

	// BlockingRead suspends until at least one new entry appears after the
	// given cursor on any of the streams in positions, or ctx is cancelled.
	// The returned map only contains streams that produced new entries.
	BlockingRead(ctx context.Context, positions map[string]StreamCursor) (map[string][]StreamEntry, error)

	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	Ping(ctx context.Context) error

	// Dedicated returns a Backend bound to a single, private connection
	// suitable for a blocking read or a long-lived KV call; Release must be
	// called exactly once on every exit path.
	Dedicated(ctx context.Context) (dedicated Backend, release func(), err error)

	ClusterNodes(ctx context.Context) ([]NodeInfo, error)
	ClusterSlots(ctx context.Context) ([]NodeInfo, error)
	ClusterSetSlot(ctx context.Context, node NodeInfo, slot int, state, ownerID string) error
	ClusterGetKeysInSlot(ctx context.Context, node NodeInfo, slot, count int) ([]string, error)

	// Migrate issues MIGRATE from the connection owning source's keys,
	// moving keys to host:port (dest). Routing through source matters:
	// MIGRATE only has the keys to give if it runs against the node that
	// currently holds them.
	Migrate(ctx context.Context, source NodeInfo, host string, port int, timeoutMs int, keys []string) error
}

// LockManager ensures at most one reshard run is in flight against a
// cluster at a time. There is exactly one lock in this system, so the
// interface names the operation directly instead of exposing a
// general-purpose keyed lock store with only one caller.
type LockManager interface {
	AcquireReshardLock(ctx context.Context, ttl time.Duration) (unlock func(), err error)
}
