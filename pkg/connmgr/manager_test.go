package connmgr

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/nacosd/nacosd/pkg/clock"
	"github.com/nacosd/nacosd/pkg/codec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterAssignsIdentityFields(t *testing.T) {
	m := NewManager(clock.System{}, Cleanup{})

	conn, err := m.Register(uuid.NewString(), RegisterMeta{
		ClientIP: "10.0.0.1", AppName: "app1", Labels: Labels{Source: "sdk"},
	})
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1", conn.ClientIP())
	assert.Equal(t, 1, m.Count())
}

func TestRegisterRejectsUnknownSourceLabel(t *testing.T) {
	m := NewManager(clock.System{}, Cleanup{})

	_, err := m.Register(uuid.NewString(), RegisterMeta{Labels: Labels{Source: "bogus"}})
	require.Error(t, err)
	assert.Equal(t, 0, m.Count())
}

func TestRegisterRejectsOverCapacity(t *testing.T) {
	m := NewManager(clock.System{}, Cleanup{}, WithMaxConnections(1))

	_, err := m.Register(uuid.NewString(), RegisterMeta{Labels: Labels{Source: "sdk"}})
	require.NoError(t, err)

	_, err = m.Register(uuid.NewString(), RegisterMeta{Labels: Labels{Source: "sdk"}})
	require.Error(t, err)
}

func TestUnregisterCascadesCleanup(t *testing.T) {
	var unsubbed, deregistered, released string
	cleanup := Cleanup{
		UnsubscribeAllConfigs: func(id string) { unsubbed = id },
		DeregisterNaming:      func(id string) { deregistered = id },
		ReleaseLocksByOwner:   func(owner string) error { released = owner; return nil },
	}
	m := NewManager(clock.System{}, cleanup)

	id := uuid.NewString()
	_, err := m.Register(id, RegisterMeta{Labels: Labels{Source: "sdk"}})
	require.NoError(t, err)

	m.Unregister(id)

	assert.Equal(t, id, unsubbed)
	assert.Equal(t, id, deregistered)
	assert.Equal(t, id, released)
	assert.Equal(t, 0, m.Count())

	_, ok := m.Get(id)
	assert.False(t, ok)
}

func TestUnregisterIsIdempotent(t *testing.T) {
	calls := 0
	cleanup := Cleanup{UnsubscribeAllConfigs: func(id string) { calls++ }}
	m := NewManager(clock.System{}, cleanup)

	id := uuid.NewString()
	_, err := m.Register(id, RegisterMeta{Labels: Labels{Source: "sdk"}})
	require.NoError(t, err)

	m.Unregister(id)
	m.Unregister(id)

	assert.Equal(t, 1, calls)
}

func TestPushQueueFullThenUnregisteredAfterBlockedMax(t *testing.T) {
	mc := clock.NewManual(time.Unix(0, 0))
	m := NewManager(mc, Cleanup{}, WithPushQueueSize(1), WithBlockedMax(2*time.Second))

	id := uuid.NewString()
	_, err := m.Register(id, RegisterMeta{Labels: Labels{Source: "sdk"}})
	require.NoError(t, err)

	require.NoError(t, m.Push(id, codec.Response{RequestID: "1"}))
	// Queue now full (depth 1, one already enqueued and never drained).
	err = m.Push(id, codec.Response{RequestID: "2"})
	require.Error(t, err)
	_, ok := m.Get(id)
	assert.True(t, ok, "connection survives a single blocked push under blockedMax")

	mc.Advance(3 * time.Second)
	err = m.Push(id, codec.Response{RequestID: "3"})
	require.Error(t, err)
	_, ok = m.Get(id)
	assert.False(t, ok, "connection is dropped once blocked past blockedMax")
}

func TestReapIdleExemptsClusterConnections(t *testing.T) {
	mc := clock.NewManual(time.Unix(0, 0))
	m := NewManager(mc, Cleanup{}, WithIdleTimeout(time.Second))

	sdkID := uuid.NewString()
	clusterID := uuid.NewString()
	_, err := m.Register(sdkID, RegisterMeta{Labels: Labels{Source: "sdk"}})
	require.NoError(t, err)
	_, err = m.Register(clusterID, RegisterMeta{Labels: Labels{Source: "cluster"}})
	require.NoError(t, err)

	mc.Advance(5 * time.Second)
	m.ReapIdle()

	_, sdkStillThere := m.Get(sdkID)
	_, clusterStillThere := m.Get(clusterID)
	assert.False(t, sdkStillThere)
	assert.True(t, clusterStillThere)
}

func TestTouchPreventsIdleReap(t *testing.T) {
	mc := clock.NewManual(time.Unix(0, 0))
	m := NewManager(mc, Cleanup{}, WithIdleTimeout(time.Second))

	id := uuid.NewString()
	_, err := m.Register(id, RegisterMeta{Labels: Labels{Source: "sdk"}})
	require.NoError(t, err)

	mc.Advance(500 * time.Millisecond)
	m.Touch(id)
	mc.Advance(800 * time.Millisecond)
	m.ReapIdle()

	_, ok := m.Get(id)
	assert.True(t, ok)
}
