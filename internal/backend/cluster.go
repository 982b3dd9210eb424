package backend

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rtmbroker/rtmbroker/internal/domain"
)

// topology caches the CLUSTER SLOTS view of a sharded backend. It is
// refreshed on a bounded TTL and invalidated immediately on a MOVED/ASK
// redirect observed by any command, per the "Cluster topology caching"
// design note.
type topology struct {
	ttl time.Duration

	mu        sync.RWMutex
	ownerBySl [SlotCount]domain.NodeInfo
	nodes     []domain.NodeInfo
	fetchedAt time.Time
}

func newTopology(ttl time.Duration) *topology {
	return &topology{ttl: ttl}
}

// invalidate forces the next lookup to refresh from CLUSTER SLOTS.
func (t *topology) invalidate() {
	t.mu.Lock()
	t.fetchedAt = time.Time{}
	t.mu.Unlock()
}

func (t *topology) stale() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return time.Since(t.fetchedAt) > t.ttl
}

// slotOwner returns the node that currently owns slot, refreshing the
// cached view first if it is stale or has never been populated.
func (t *topology) slotOwner(ctx context.Context, via *redis.Client, slot int) (domain.NodeInfo, error) {
	if t.stale() {
		if err := t.refresh(ctx, via); err != nil {
			return domain.NodeInfo{}, err
		}
	}

	t.mu.RLock()
	defer t.mu.RUnlock()
	owner := t.ownerBySl[slot]
	if owner.ID == "" {
		return domain.NodeInfo{}, fmt.Errorf("backend: no owner known for slot %d", slot)
	}
	return owner, nil
}

// refresh re-populates the slot -> owner table from a fresh CLUSTER SLOTS
// reply.
func (t *topology) refresh(ctx context.Context, via *redis.Client) error {
	slots, err := via.ClusterSlots(ctx).Result()
	if err != nil {
		return fmt.Errorf("backend: cluster slots: %w", err)
	}

	var ownerBySlot [SlotCount]domain.NodeInfo
	nodesByID := make(map[string]*domain.NodeInfo)

	for _, s := range slots {
		if len(s.Nodes) == 0 {
			continue
		}
		master := s.Nodes[0]
		info, ok := nodesByID[master.ID]
		if !ok {
			host, port := splitNodeAddr(master.Addr)
			info = &domain.NodeInfo{
				ID:   master.ID,
				IP:   host,
				Port: port,
				Role: domain.NodeRoleMaster,
			}
			nodesByID[master.ID] = info
		}
		info.Slots = append(info.Slots, [2]int{s.Start, s.End})
		for slot := s.Start; slot <= s.End && slot < SlotCount; slot++ {
			ownerBySlot[slot] = *info
		}
	}

	nodes := make([]domain.NodeInfo, 0, len(nodesByID))
	for _, n := range nodesByID {
		nodes = append(nodes, *n)
	}

	t.mu.Lock()
	t.ownerBySl = ownerBySlot
	t.nodes = nodes
	t.fetchedAt = time.Now()
	t.mu.Unlock()

	return nil
}

// splitNodeAddr parses a go-redis "host:port" node address, falling back to
// port 0 if it cannot be parsed (callers only use the host in that case).
func splitNodeAddr(addr string) (string, int) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return addr, 0
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return host, 0
	}
	return host, port
}

func nodeAddr(n domain.NodeInfo) string {
	return net.JoinHostPort(n.IP, strconv.Itoa(n.Port))
}

// parseClusterNodes parses the CLUSTER NODES bulk-string reply into
// NodeInfo values. Each line is space-separated:
// "<id> <ip:port@cport> <flags> <master> <ping-sent> <pong-recv> <epoch> <link-state> <slot> <slot> ...".
func parseClusterNodes(reply string) []domain.NodeInfo {
	var nodes []domain.NodeInfo

	for _, line := range strings.Split(strings.TrimSpace(reply), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 8 {
			continue
		}

		addr, _, _ := strings.Cut(fields[1], "@")
		host, port := splitNodeAddr(addr)

		role := domain.NodeRoleReplica
		if strings.Contains(fields[2], "master") {
			role = domain.NodeRoleMaster
		}

		info := domain.NodeInfo{ID: fields[0], IP: host, Port: port, Role: role}
		for _, tok := range fields[8:] {
			if strings.HasPrefix(tok, "[") {
				continue // migrating/importing slot annotation, not a plain range
			}
			start, end, hasRange := strings.Cut(tok, "-")
			s, errS := strconv.Atoi(start)
			if errS != nil {
				continue
			}
			if !hasRange {
				info.Slots = append(info.Slots, [2]int{s, s})
				continue
			}
			e, errE := strconv.Atoi(end)
			if errE == nil {
				info.Slots = append(info.Slots, [2]int{s, e})
			}
		}

		nodes = append(nodes, info)
	}

	return nodes
}

// isRedirectErr reports whether err is a MOVED or ASK redirect reply, which
// should invalidate the cached topology so the next command re-resolves
// ownership.
func isRedirectErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return len(msg) >= 5 && (msg[:5] == "MOVED" || msg[:3] == "ASK")
}

// nodePool lazily dials and caches one *redis.Client per node address, so
// that routing a command to a newly-discovered owner does not pay a fresh
// handshake every time.
type nodePool struct {
	base NodeClientConfig // Password/DB/PoolSize/MaxRetries/TLS shared across nodes

	mu      sync.Mutex
	clients map[string]*redis.Client
}

func newNodePool(base NodeClientConfig) *nodePool {
	return &nodePool{base: base, clients: make(map[string]*redis.Client)}
}

func (p *nodePool) get(addr string) *redis.Client {
	p.mu.Lock()
	defer p.mu.Unlock()

	if c, ok := p.clients[addr]; ok {
		return c
	}

	cfg := p.base
	cfg.Addr = addr
	opts := &redis.Options{
		Addr:       cfg.Addr,
		Password:   cfg.Password,
		DB:         cfg.DB,
		PoolSize:   cfg.PoolSize,
		MaxRetries: cfg.MaxRetries,
	}
	c := redis.NewClient(opts)
	p.clients[addr] = c
	return c
}

func (p *nodePool) closeAll() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var firstErr error
	for addr, c := range p.clients {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("backend: close node %s: %w", addr, err)
		}
	}
	return firstErr
}
