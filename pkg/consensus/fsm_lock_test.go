package consensus

import (
	"encoding/json"
	"testing"

	"github.com/hashicorp/raft"
	"github.com/nacosd/nacosd/pkg/apierr"
	"github.com/nacosd/nacosd/pkg/storage"
	"github.com/nacosd/nacosd/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFSM(t *testing.T) *StateMachine {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return NewStateMachine(store)
}

func applyCmd(t *testing.T, fsm *StateMachine, op Op, data interface{}) Response {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	cmd := Command{Op: op, Data: raw}
	cmdBytes, err := json.Marshal(cmd)
	require.NoError(t, err)
	resp, ok := fsm.Apply(&raft.Log{Data: cmdBytes}).(Response)
	require.True(t, ok, "Apply must return a Response")
	return resp
}

func TestLockAcquireGrantsFenceTokenOne(t *testing.T) {
	fsm := newTestFSM(t)

	resp := applyCmd(t, fsm, OpLockAcquire, LockAcquireData{
		Key: "ns::mylock", Owner: "a", TTLMs: 30000, NowMs: 1000,
	})
	require.True(t, resp.Success)

	lock := resp.Result.(*types.Lock)
	assert.Equal(t, int64(1), lock.FenceToken)
	assert.Equal(t, int64(1), lock.Version)
	assert.Equal(t, types.LockLocked, lock.State)
	assert.Equal(t, "a", lock.Owner)
}

func TestLockAcquireOnHeldLockFailsConflict(t *testing.T) {
	fsm := newTestFSM(t)

	applyCmd(t, fsm, OpLockAcquire, LockAcquireData{Key: "ns::l", Owner: "a", TTLMs: 30000, NowMs: 1000})
	resp := applyCmd(t, fsm, OpLockAcquire, LockAcquireData{Key: "ns::l", Owner: "b", TTLMs: 30000, NowMs: 1001})

	assert.False(t, resp.Success)
	assert.Equal(t, apierr.CodeResourceConflict, resp.Code)
}

func TestLockAcquireAfterExpireGrantsNewFenceToken(t *testing.T) {
	fsm := newTestFSM(t)

	applyCmd(t, fsm, OpLockAcquire, LockAcquireData{Key: "ns::l", Owner: "a", TTLMs: 1000, NowMs: 0})
	expireResp := applyCmd(t, fsm, OpLockExpire, LockForceReleaseData{Key: "ns::l", NowMs: 2000})
	require.True(t, expireResp.Success)
	assert.Equal(t, types.LockExpired, expireResp.Result.(*types.Lock).State)

	resp := applyCmd(t, fsm, OpLockAcquire, LockAcquireData{Key: "ns::l", Owner: "b", TTLMs: 30000, NowMs: 2001})
	require.True(t, resp.Success)
	lock := resp.Result.(*types.Lock)
	assert.Equal(t, int64(2), lock.FenceToken)
	assert.Equal(t, "b", lock.Owner)
}

func TestLockReleaseRequiresOwnerMatch(t *testing.T) {
	fsm := newTestFSM(t)
	applyCmd(t, fsm, OpLockAcquire, LockAcquireData{Key: "ns::l", Owner: "a", TTLMs: 30000, NowMs: 0})

	resp := applyCmd(t, fsm, OpLockRelease, LockReleaseData{Key: "ns::l", Owner: "not-a", NowMs: 1})
	assert.False(t, resp.Success)
	assert.Equal(t, apierr.CodeForbidden, resp.Code)
}

func TestLockReleaseWithoutFenceTokenSucceedsOnOwnerMatch(t *testing.T) {
	fsm := newTestFSM(t)
	acquireResp := applyCmd(t, fsm, OpLockAcquire, LockAcquireData{Key: "ns::l", Owner: "a", TTLMs: 30000, NowMs: 0})
	require.True(t, acquireResp.Success)

	// No fence token supplied at all: owner match alone is sufficient.
	resp := applyCmd(t, fsm, OpLockRelease, LockReleaseData{Key: "ns::l", Owner: "a", NowMs: 1})
	require.True(t, resp.Success)
	assert.Equal(t, types.LockUnlocked, resp.Result.(*types.Lock).State)
}

func TestLockReleaseWithMismatchedFenceTokenFails(t *testing.T) {
	fsm := newTestFSM(t)
	applyCmd(t, fsm, OpLockAcquire, LockAcquireData{Key: "ns::l", Owner: "a", TTLMs: 30000, NowMs: 0})

	resp := applyCmd(t, fsm, OpLockRelease, LockReleaseData{
		Key: "ns::l", Owner: "a", HasFenceToken: true, FenceToken: 999, NowMs: 1,
	})
	assert.False(t, resp.Success)
	assert.Equal(t, apierr.CodeForbidden, resp.Code)
}

func TestLockRenewKeepsFenceToken(t *testing.T) {
	fsm := newTestFSM(t)
	acquireResp := applyCmd(t, fsm, OpLockAcquire, LockAcquireData{Key: "ns::l", Owner: "a", TTLMs: 30000, NowMs: 0})
	require.True(t, acquireResp.Success)
	beforeFence := acquireResp.Result.(*types.Lock).FenceToken

	resp := applyCmd(t, fsm, OpLockRenew, LockRenewData{Key: "ns::l", Owner: "a", TTLMs: 30000, NowMs: 5000})
	require.True(t, resp.Success)

	lock := resp.Result.(*types.Lock)
	assert.Equal(t, beforeFence, lock.FenceToken, "renew must not change the fence token")
	assert.Equal(t, int64(5000+30000), lock.ExpiresAtMs)
	assert.Equal(t, 1, lock.RenewalCount)
}

func TestLockRenewRequiresOwnerMatch(t *testing.T) {
	fsm := newTestFSM(t)
	applyCmd(t, fsm, OpLockAcquire, LockAcquireData{Key: "ns::l", Owner: "a", TTLMs: 30000, NowMs: 0})

	resp := applyCmd(t, fsm, OpLockRenew, LockRenewData{Key: "ns::l", Owner: "not-a", NowMs: 1})
	assert.False(t, resp.Success)
	assert.Equal(t, apierr.CodeForbidden, resp.Code)
}

func TestLockRenewFailsPastMaxRenewals(t *testing.T) {
	fsm := newTestFSM(t)
	applyCmd(t, fsm, OpLockAcquire, LockAcquireData{
		Key: "ns::l", Owner: "a", TTLMs: 30000, MaxRenewals: 1, NowMs: 0,
	})

	first := applyCmd(t, fsm, OpLockRenew, LockRenewData{Key: "ns::l", Owner: "a", NowMs: 1})
	require.True(t, first.Success)

	second := applyCmd(t, fsm, OpLockRenew, LockRenewData{Key: "ns::l", Owner: "a", NowMs: 2})
	assert.False(t, second.Success)
	assert.Equal(t, apierr.CodeQuotaExceeded, second.Code)
}

func TestLockForceReleaseIgnoresOwnerAndFenceToken(t *testing.T) {
	fsm := newTestFSM(t)
	applyCmd(t, fsm, OpLockAcquire, LockAcquireData{Key: "ns::l", Owner: "a", TTLMs: 30000, NowMs: 0})

	resp := applyCmd(t, fsm, OpLockForceRelease, LockForceReleaseData{Key: "ns::l", NowMs: 1})
	require.True(t, resp.Success)
	assert.Equal(t, types.LockUnlocked, resp.Result.(*types.Lock).State)
}

func TestLockExpireIsIdempotentAgainstReacquiredLock(t *testing.T) {
	fsm := newTestFSM(t)
	applyCmd(t, fsm, OpLockAcquire, LockAcquireData{Key: "ns::l", Owner: "a", TTLMs: 1000, NowMs: 0})
	// Owner released and someone else reacquired before the stale expire
	// check for the first holder's window is processed.
	applyCmd(t, fsm, OpLockRelease, LockReleaseData{Key: "ns::l", Owner: "a", NowMs: 500})
	reacquire := applyCmd(t, fsm, OpLockAcquire, LockAcquireData{Key: "ns::l", Owner: "b", TTLMs: 30000, NowMs: 600})
	require.True(t, reacquire.Success)

	// A stale expire check computed against the first holder's window must
	// not touch the new holder's lock.
	resp := applyCmd(t, fsm, OpLockExpire, LockForceReleaseData{Key: "ns::l", NowMs: 1000})
	require.True(t, resp.Success)
	lock := resp.Result.(*types.Lock)
	assert.Equal(t, types.LockLocked, lock.State)
	assert.Equal(t, "b", lock.Owner)
}
