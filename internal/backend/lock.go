package backend

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/rtmbroker/rtmbroker/internal/domain"
)

// unlockLua deletes a lock key only if its value matches the caller's
// unique token, so one holder can never release another holder's lock.
const unlockLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// reshardLockKey is the single key this system ever locks on: cluster-wide
// mutual exclusion for the reshard coordinator's Run.
const reshardLockKey = "rtmbroker:reshard:lock"

// lockManager implements domain.LockManager using SETNX with a TTL and a
// Lua-based conditional unlock. The reshard coordinator uses it to keep two
// reshard runs from migrating slots at the same time.
type lockManager struct {
	rdb      *redis.Client
	unlockSc *redis.Script
}

func newLockManager(rdb *redis.Client) *lockManager {
	return &lockManager{rdb: rdb, unlockSc: redis.NewScript(unlockLua)}
}

// AcquireReshardLock obtains the cluster-wide reshard lock for the given
// TTL. It returns domain.ErrLockHeld if another reshard run already holds it.
func (lm *lockManager) AcquireReshardLock(ctx context.Context, ttl time.Duration) (func(), error) {
	token := uuid.New().String()

	ok, err := lm.rdb.SetNX(ctx, reshardLockKey, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("backend: acquire reshard lock: %w", err)
	}
	if !ok {
		return nil, domain.ErrLockHeld
	}

	released := false
	unlock := func() {
		if released {
			return
		}
		released = true

		unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		_ = lm.unlockSc.Run(unlockCtx, lm.rdb, []string{reshardLockKey}, token).Err()
	}

	return unlock, nil
}

var _ domain.LockManager = (*lockManager)(nil)
