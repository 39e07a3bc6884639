package state

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockAcquire(t *testing.T) {
	mgr := tempManager(t)

	id, err := mgr.Lock(nil)
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	holder, err := mgr.LockHolder()
	require.NoError(t, err)
	require.NotNil(t, holder)
	assert.Equal(t, id, holder.ID)
	assert.NotEmpty(t, holder.Who, "the lease records who holds it")
	assert.Equal(t, DefaultLockTTL, holder.TTL)
}

func TestLockBusy(t *testing.T) {
	mgr := tempManager(t)

	_, err := mgr.Lock(&LockInfo{Who: "alice@pid-1"})
	require.NoError(t, err)

	_, err = mgr.Lock(&LockInfo{Who: "bob@pid-2"})
	var busy *LockBusyError
	require.ErrorAs(t, err, &busy)
	assert.Equal(t, "alice@pid-1", busy.Holder)
	assert.Contains(t, err.Error(), "alice@pid-1")
	assert.Contains(t, err.Error(), "force-unlock")
}

func TestLockExpiredTakeover(t *testing.T) {
	mgr := tempManager(t)

	id1, err := mgr.Lock(&LockInfo{Who: "dead@pid-1", TTL: time.Minute})
	require.NoError(t, err)

	backdateLock(t, mgr, -2*time.Minute)

	id2, err := mgr.Lock(&LockInfo{Who: "alive@pid-2"})
	require.NoError(t, err, "an expired lease is taken over")
	assert.NotEqual(t, id1, id2)

	holder, err := mgr.LockHolder()
	require.NoError(t, err)
	assert.Equal(t, "alive@pid-2", holder.Who)
}

func TestLockExpiredTakeoverSingleWinner(t *testing.T) {
	mgr := tempManager(t)

	_, err := mgr.Lock(&LockInfo{Who: "dead@pid-1", TTL: time.Minute})
	require.NoError(t, err)
	backdateLock(t, mgr, -2*time.Minute)

	// Many contenders see the same expired lease at once. Exactly one may
	// end up holding; the rest must observe the winner's fresh lease.
	const contenders = 8
	ids := make([]string, contenders)
	errs := make([]error, contenders)
	var wg sync.WaitGroup
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ids[i], errs[i] = mgr.Lock(&LockInfo{Who: fmt.Sprintf("contender-%d", i)})
		}(i)
	}
	wg.Wait()

	var winners []string
	for i := 0; i < contenders; i++ {
		if errs[i] == nil {
			winners = append(winners, ids[i])
			continue
		}
		var busy *LockBusyError
		require.ErrorAs(t, errs[i], &busy, "losers report the live holder")
	}
	require.Len(t, winners, 1)

	holder, err := mgr.LockHolder()
	require.NoError(t, err)
	require.NotNil(t, holder)
	assert.Equal(t, winners[0], holder.ID, "the lease on disk belongs to the winner")
}

func TestLockTakeoverSparesFreshLease(t *testing.T) {
	mgr := tempManager(t)

	_, err := mgr.Lock(&LockInfo{Who: "dead@pid-1", TTL: time.Minute})
	require.NoError(t, err)
	stale, err := readLock(mgr.lockPath())
	require.NoError(t, err)

	// Another contender already replaced the expired lease before our
	// takeover lands. The fresh lease must survive.
	require.NoError(t, mgr.ForceUnlock())
	freshID, err := mgr.Lock(&LockInfo{Who: "alive@pid-2"})
	require.NoError(t, err)

	require.NoError(t, takeOver(mgr.lockPath(), stale))

	holder, err := mgr.LockHolder()
	require.NoError(t, err)
	require.NotNil(t, holder)
	assert.Equal(t, freshID, holder.ID)
}

func TestLockRenew(t *testing.T) {
	mgr := tempManager(t)

	id, err := mgr.Lock(&LockInfo{TTL: time.Minute})
	require.NoError(t, err)

	backdateLock(t, mgr, -50*time.Second)
	before, err := mgr.LockHolder()
	require.NoError(t, err)

	require.NoError(t, mgr.Renew(id))

	after, err := mgr.LockHolder()
	require.NoError(t, err)
	assert.True(t, after.Created.After(before.Created), "renew refreshes the lease start")
}

func TestLockRenewWrongID(t *testing.T) {
	mgr := tempManager(t)

	_, err := mgr.Lock(nil)
	require.NoError(t, err)

	err = mgr.Renew("someone-else")
	var busy *LockBusyError
	assert.ErrorAs(t, err, &busy)
}

func TestLockRenewReleased(t *testing.T) {
	mgr := tempManager(t)

	id, err := mgr.Lock(nil)
	require.NoError(t, err)
	require.NoError(t, mgr.Unlock(id))

	err = mgr.Renew(id)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no longer held")
}

func TestUnlockIdempotent(t *testing.T) {
	mgr := tempManager(t)

	id, err := mgr.Lock(nil)
	require.NoError(t, err)

	require.NoError(t, mgr.Unlock(id))
	require.NoError(t, mgr.Unlock(id), "releasing an already released lease is fine")

	holder, err := mgr.LockHolder()
	require.NoError(t, err)
	assert.Nil(t, holder)
}

func TestUnlockWrongIDKeepsLease(t *testing.T) {
	mgr := tempManager(t)

	_, err := mgr.Lock(nil)
	require.NoError(t, err)

	require.NoError(t, mgr.Unlock("not-mine"))

	holder, err := mgr.LockHolder()
	require.NoError(t, err)
	assert.NotNil(t, holder, "an unlock with a foreign lease ID does not release the lock")
}

func TestForceUnlock(t *testing.T) {
	mgr := tempManager(t)

	_, err := mgr.Lock(nil)
	require.NoError(t, err)

	require.NoError(t, mgr.ForceUnlock())

	holder, err := mgr.LockHolder()
	require.NoError(t, err)
	assert.Nil(t, holder)

	// Force-unlocking an unlocked state is fine too.
	require.NoError(t, mgr.ForceUnlock())
}

func TestLockAfterUnlock(t *testing.T) {
	mgr := tempManager(t)

	id1, err := mgr.Lock(nil)
	require.NoError(t, err)
	require.NoError(t, mgr.Unlock(id1))

	id2, err := mgr.Lock(nil)
	require.NoError(t, err)
	assert.NotEqual(t, id1, id2)
}

// backdateLock rewrites the lease file with a shifted Created timestamp.
func backdateLock(t *testing.T, mgr *Manager, shift time.Duration) {
	t.Helper()
	holder, err := readLock(mgr.lockPath())
	require.NoError(t, err)
	holder.Created = holder.Created.Add(shift)
	data, err := json.Marshal(holder)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(mgr.lockPath(), data, 0644))
}
