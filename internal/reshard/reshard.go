package reshard

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/rtmbroker/rtmbroker/internal/backend"
	"github.com/rtmbroker/rtmbroker/internal/domain"
)

const (
	lockTTL        = time.Hour
	migrateTimeout = 5000
	getKeysCount   = 1000
	pollInterval   = 500 * time.Millisecond
)

// Coordinator drives an offline reshard: it bin-packs weighted keys across
// a cluster's master nodes, then migrates whichever hash slots those keys
// land on so that each master ends up owning its assigned bin.
type Coordinator struct {
	Backend domain.Backend
	Locks   domain.LockManager
	Logger  *slog.Logger

	// Dry, when set, logs the slot moves Run would perform without issuing
	// any CLUSTER SETSLOT or MIGRATE commands.
	Dry bool

	// OnlyNodeID restricts Run to migrating slots bound for this master,
	// skipping every other bin. Empty means migrate every bin.
	OnlyNodeID string
}

// New builds a Coordinator. Logger defaults to slog.Default() if nil.
func New(be domain.Backend, locks domain.LockManager, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{Backend: be, Locks: locks, Logger: logger}
}

// LoadWeights reads a two-column CSV file (key,weight) into a weights map,
// the same format the bin packer consumes.
func LoadWeights(path string) (map[string]int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("reshard: open weights file: %w", err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = 2

	weights := make(map[string]int)
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reshard: parse weights file: %w", err)
		}
		weight, err := strconv.Atoi(row[1])
		if err != nil {
			return nil, fmt.Errorf("reshard: parse weight for key %q: %w", row[0], err)
		}
		weights[row[0]] = weight
	}
	return weights, nil
}

// Run acquires the cluster-wide reshard lock, bin-packs weights across the
// cluster's current master nodes, and migrates every slot that lands in the
// wrong bin. It returns once every bin has been fully migrated and the
// cluster view is consistent, or the first error encountered.
func (c *Coordinator) Run(ctx context.Context, weights map[string]int) error {
	unlock, err := c.Locks.AcquireReshardLock(ctx, lockTTL)
	if err != nil {
		return fmt.Errorf("reshard: acquire lock: %w", err)
	}
	defer unlock()

	nodes, err := c.Backend.ClusterNodes(ctx)
	if err != nil {
		return fmt.Errorf("reshard: list cluster nodes: %w", err)
	}

	var masters []domain.NodeInfo
	for _, n := range nodes {
		if n.Role == domain.NodeRoleMaster {
			masters = append(masters, n)
		}
	}
	if len(masters) == 0 {
		return fmt.Errorf("reshard: no master nodes found")
	}

	bins := ToConstantBinNumber(weights, len(masters))

	var totalMigrated int
	for binIdx, keys := range bins {
		target := masters[binIdx]
		if c.OnlyNodeID != "" && target.ID != c.OnlyNodeID {
			continue
		}

		slots := make([]int, len(keys))
		for i, key := range keys {
			slots[i] = backend.HashSlot(key)
		}

		migrated, err := c.migrateBin(ctx, masters, target, slots)
		if err != nil {
			return err
		}
		totalMigrated += migrated

		if migrated > 0 && !c.Dry {
			if err := c.waitForConsistency(ctx); err != nil {
				return err
			}
		}
	}

	c.Logger.Info("reshard: run complete", "migrated_slots", totalMigrated)
	return nil
}

// migrateBin migrates every slot in slots that is not already owned by
// target, re-reading the cluster's slot ownership before each move since a
// prior move in this same run can shift it.
func (c *Coordinator) migrateBin(ctx context.Context, masters []domain.NodeInfo, target domain.NodeInfo, slots []int) (int, error) {
	var migrated int
	for _, slot := range slots {
		owner, err := c.ownerOf(ctx, slot)
		if err != nil {
			return migrated, err
		}
		if owner.ID == target.ID {
			continue
		}

		if c.Dry {
			c.Logger.Info("reshard: would migrate slot", "slot", slot, "from", owner.ID, "to", target.ID)
			migrated++
			continue
		}

		if err := c.migrateSlot(ctx, masters, slot, owner, target); err != nil {
			return migrated, fmt.Errorf("reshard: migrate slot %d from %s to %s: %w", slot, owner.ID, target.ID, err)
		}
		migrated++
	}
	return migrated, nil
}

// ownerOf re-fetches the cluster's current slot map and returns the node
// owning slot, since topology may shift between individual slot migrations.
func (c *Coordinator) ownerOf(ctx context.Context, slot int) (domain.NodeInfo, error) {
	nodes, err := c.Backend.ClusterSlots(ctx)
	if err != nil {
		return domain.NodeInfo{}, fmt.Errorf("reshard: fetch slot map: %w", err)
	}
	for _, n := range nodes {
		for _, r := range n.Slots {
			if slot >= r[0] && slot <= r[1] {
				return n, nil
			}
		}
	}
	return domain.NodeInfo{}, fmt.Errorf("reshard: slot %d has no owner", slot)
}

// migrateSlot performs the four-step Redis Cluster slot migration: mark the
// destination importing, mark the source migrating, move the slot's keys,
// then broadcast the new ownership to every master.
func (c *Coordinator) migrateSlot(ctx context.Context, masters []domain.NodeInfo, slot int, source, dest domain.NodeInfo) error {
	if err := c.Backend.ClusterSetSlot(ctx, dest, slot, "IMPORTING", source.ID); err != nil {
		return fmt.Errorf("setslot importing: %w", err)
	}
	if err := c.Backend.ClusterSetSlot(ctx, source, slot, "MIGRATING", dest.ID); err != nil {
		return fmt.Errorf("setslot migrating: %w", err)
	}

	keys, err := c.Backend.ClusterGetKeysInSlot(ctx, source, slot, getKeysCount)
	if err != nil {
		return fmt.Errorf("getkeysinslot: %w", err)
	}
	if len(keys) > 0 {
		if err := c.Backend.Migrate(ctx, source, dest.IP, dest.Port, migrateTimeout, keys); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}

	for _, node := range masters {
		if err := c.Backend.ClusterSetSlot(ctx, node, slot, "NODE", dest.ID); err != nil {
			return fmt.Errorf("setslot node on %s: %w", node.ID, err)
		}
	}
	return nil
}

// waitForConsistency blocks until every one of the 16384 hash slots is
// owned by exactly one master, the same proxy for "the cluster view is
// consistent" that a redis-cli --cluster check performs externally.
func (c *Coordinator) waitForConsistency(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		nodes, err := c.Backend.ClusterSlots(ctx)
		if err != nil {
			return fmt.Errorf("reshard: fetch slot map: %w", err)
		}
		if clusterIsConsistent(nodes) {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

func clusterIsConsistent(nodes []domain.NodeInfo) bool {
	owned := make([]bool, backend.SlotCount)
	for _, n := range nodes {
		for _, r := range n.Slots {
			for slot := r[0]; slot <= r[1]; slot++ {
				if owned[slot] {
					return false
				}
				owned[slot] = true
			}
		}
	}
	for _, ok := range owned {
		if !ok {
			return false
		}
	}
	return true
}
