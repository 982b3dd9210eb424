package reshard

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/rtmbroker/rtmbroker/internal/backend"
	"github.com/rtmbroker/rtmbroker/internal/domain"
)

// fakeCluster is an in-memory domain.Backend stub exercising only the
// cluster-topology and migration methods the reshard coordinator calls.
type fakeCluster struct {
	mu    sync.Mutex
	nodes []domain.NodeInfo
	// slotOwner maps slot -> node ID, the ground truth ClusterSlots derives
	// its NodeInfo.Slots ranges from.
	slotOwner map[int]string
	keys      map[int][]string

	setSlotCalls int
	migrateCalls int
	// migrateSources records the source node ID each Migrate call was
	// issued against, so a test can assert MIGRATE ran on the node that
	// actually owned the keys rather than an arbitrary bootstrap node.
	migrateSources []string
}

func newFakeCluster(nodeIDs ...string) *fakeCluster {
	fc := &fakeCluster{slotOwner: map[int]string{}, keys: map[int][]string{}}
	for _, id := range nodeIDs {
		fc.nodes = append(fc.nodes, domain.NodeInfo{ID: id, IP: "10.0.0.1", Port: 7000, Role: domain.NodeRoleMaster})
	}
	return fc
}

func (fc *fakeCluster) assignSlot(slot int, nodeID string) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	fc.slotOwner[slot] = nodeID
}

func (fc *fakeCluster) assignAllSlotsTo(nodeID string) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	for s := 0; s < backend.SlotCount; s++ {
		fc.slotOwner[s] = nodeID
	}
}

func (fc *fakeCluster) Append(context.Context, string, string, []byte, int64) (domain.StreamCursor, error) {
	return "", nil
}
func (fc *fakeCluster) RevRange(context.Context, string, domain.StreamCursor, domain.StreamCursor, int) ([]domain.StreamEntry, error) {
	return nil, nil
}
func (fc *fakeCluster) BlockingRead(context.Context, map[string]domain.StreamCursor) (map[string][]domain.StreamEntry, error) {
	return nil, nil
}
func (fc *fakeCluster) Delete(context.Context, string) error      { return nil }
func (fc *fakeCluster) Exists(context.Context, string) (bool, error) { return false, nil }
func (fc *fakeCluster) Ping(context.Context) error                { return nil }
func (fc *fakeCluster) Dedicated(ctx context.Context) (domain.Backend, func(), error) {
	return fc, func() {}, nil
}

func (fc *fakeCluster) ClusterNodes(context.Context) ([]domain.NodeInfo, error) {
	return fc.nodes, nil
}

func (fc *fakeCluster) ClusterSlots(context.Context) ([]domain.NodeInfo, error) {
	fc.mu.Lock()
	defer fc.mu.Unlock()

	byNode := map[string][][2]int{}
	for slot := 0; slot < backend.SlotCount; slot++ {
		owner, ok := fc.slotOwner[slot]
		if !ok {
			continue
		}
		ranges := byNode[owner]
		if n := len(ranges); n > 0 && ranges[n-1][1] == slot-1 {
			ranges[n-1][1] = slot
		} else {
			ranges = append(ranges, [2]int{slot, slot})
		}
		byNode[owner] = ranges
	}

	out := make([]domain.NodeInfo, 0, len(fc.nodes))
	for _, n := range fc.nodes {
		n.Slots = byNode[n.ID]
		out = append(out, n)
	}
	return out, nil
}

func (fc *fakeCluster) ClusterSetSlot(_ context.Context, node domain.NodeInfo, slot int, state, ownerID string) error {
	fc.mu.Lock()
	fc.setSlotCalls++
	fc.mu.Unlock()
	if state == "NODE" {
		fc.assignSlot(slot, ownerID)
	}
	return nil
}

func (fc *fakeCluster) ClusterGetKeysInSlot(_ context.Context, node domain.NodeInfo, slot, count int) ([]string, error) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.keys[slot], nil
}

func (fc *fakeCluster) Migrate(_ context.Context, source domain.NodeInfo, _ string, _ int, _ int, _ []string) error {
	fc.mu.Lock()
	fc.migrateCalls++
	fc.migrateSources = append(fc.migrateSources, source.ID)
	fc.mu.Unlock()
	return nil
}

type fakeLocks struct {
	acquired bool
}

func (l *fakeLocks) AcquireReshardLock(context.Context, time.Duration) (func(), error) {
	l.acquired = true
	return func() { l.acquired = false }, nil
}

func TestRunMigratesSlotsToAssignedMaster(t *testing.T) {
	fc := newFakeCluster("node-a", "node-b")
	fc.assignAllSlotsTo("node-a")
	// First-fit-decreasing packs the single heaviest key into bin 0 (node-a,
	// which already owns every slot) and leaves light for bin 1 (node-b), so
	// light's slot is the one that must actually migrate.
	fc.keys[backend.HashSlot("light")] = []string{"light"}

	locks := &fakeLocks{}
	coord := New(fc, locks, nil)

	weights := map[string]int{"heavy": 100, "light": 1}
	if err := coord.Run(context.Background(), weights); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if locks.acquired {
		t.Fatalf("expected lock to be released after Run")
	}

	nodes, err := fc.ClusterSlots(context.Background())
	if err != nil {
		t.Fatalf("ClusterSlots: %v", err)
	}
	owners := map[int]string{}
	for _, n := range nodes {
		for _, r := range n.Slots {
			for s := r[0]; s <= r[1]; s++ {
				owners[s] = n.ID
			}
		}
	}

	lightSlot := backend.HashSlot("light")
	if owners[lightSlot] != "node-b" {
		t.Fatalf("expected light's slot to move to node-b, owner is %s", owners[lightSlot])
	}
	heavySlot := backend.HashSlot("heavy")
	if heavySlot != lightSlot && owners[heavySlot] != "node-a" {
		t.Fatalf("expected heavy's slot to remain on node-a, owner is %s", owners[heavySlot])
	}
	if fc.migrateCalls == 0 {
		t.Fatalf("expected at least one MIGRATE call")
	}
	for _, src := range fc.migrateSources {
		if src != "node-a" {
			t.Fatalf("expected every MIGRATE to be issued against node-a (the slot's actual owner), got %s", src)
		}
	}
}

// TestRunMigrateIssuedAgainstSourceNode pins three masters, with the
// migrating slot starting on the middle one, to make sure Migrate is routed
// to the node that actually holds the keys rather than always landing on
// whichever master happens to be first/bootstrap.
func TestRunMigrateIssuedAgainstSourceNode(t *testing.T) {
	fc := newFakeCluster("node-a", "node-b", "node-c")
	fc.assignAllSlotsTo("node-a")

	lightSlot := backend.HashSlot("light")
	fc.assignSlot(lightSlot, "node-b")
	fc.keys[lightSlot] = []string{"light"}

	coord := New(fc, &fakeLocks{}, nil)

	weights := map[string]int{"heavy": 100, "medium": 50, "light": 1}
	if err := coord.Run(context.Background(), weights); err != nil {
		t.Fatalf("Run: %v", err)
	}

	// light is the only slot with keys populated, so it is the only one
	// that ever reaches Migrate; it started on node-b, not the bootstrap
	// node-a, so a correct implementation must route MIGRATE to node-b.
	if len(fc.migrateSources) != 1 || fc.migrateSources[0] != "node-b" {
		t.Fatalf("expected MIGRATE to be issued against node-b (light's actual owner), got %v", fc.migrateSources)
	}
}

func TestRunDryRunDoesNotMutateCluster(t *testing.T) {
	fc := newFakeCluster("node-a", "node-b")
	fc.assignAllSlotsTo("node-a")

	coord := New(fc, &fakeLocks{}, nil)
	coord.Dry = true

	weights := map[string]int{"heavy": 100, "light": 1}
	if err := coord.Run(context.Background(), weights); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if fc.setSlotCalls != 0 || fc.migrateCalls != 0 {
		t.Fatalf("expected no cluster mutation in dry run, got setSlotCalls=%d migrateCalls=%d", fc.setSlotCalls, fc.migrateCalls)
	}
}

func TestRunHonorsOnlyNodeID(t *testing.T) {
	fc := newFakeCluster("node-a", "node-b")
	fc.assignAllSlotsTo("node-a")

	coord := New(fc, &fakeLocks{}, nil)
	coord.OnlyNodeID = "node-a"

	weights := map[string]int{"heavy": 100, "light": 1}
	if err := coord.Run(context.Background(), weights); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if fc.migrateCalls != 0 {
		t.Fatalf("expected no migration when restricted to a node already owning its bin, got %d calls", fc.migrateCalls)
	}
}

func TestLoadWeightsParsesCSV(t *testing.T) {
	path := t.TempDir() + "/weights.csv"
	if err := os.WriteFile(path, []byte("heavy,100\nlight,1\n"), 0o600); err != nil {
		t.Fatalf("write weights file: %v", err)
	}

	weights, err := LoadWeights(path)
	if err != nil {
		t.Fatalf("LoadWeights: %v", err)
	}
	if weights["heavy"] != 100 || weights["light"] != 1 {
		t.Fatalf("unexpected weights: %v", weights)
	}
}
