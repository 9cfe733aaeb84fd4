package naming

import (
	"testing"
	"time"

	"github.com/nacosd/nacosd/pkg/clock"
	"github.com/nacosd/nacosd/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testServiceKey() types.ServiceKey {
	return types.ServiceKey{Namespace: "public", Group: "DEFAULT_GROUP", Name: "order-svc"}
}

func TestRegisterFansOutToDirectSubscribers(t *testing.T) {
	var pushed []string
	push := func(connectionID string, pushType string, key types.ServiceKey, checksum string) {
		pushed = append(pushed, connectionID)
	}
	r := NewRegistry(clock.NewManual(time.Unix(0, 0)), NewFuzzyWatchManager(), push)
	key := testServiceKey()

	r.Subscribe("conn1", key, "")
	r.Register(key, &types.Instance{InstanceKey: types.InstanceKey{IP: "10.0.0.1", Port: 8080}, Healthy: true, Enabled: true})

	assert.Contains(t, pushed, "conn1")
}

func TestRegisterFansOutToFuzzyWatchersNotDoubleCounted(t *testing.T) {
	var pushed []string
	push := func(connectionID string, pushType string, key types.ServiceKey, checksum string) {
		pushed = append(pushed, connectionID)
	}
	fuzzy := NewFuzzyWatchManager()
	require.True(t, fuzzy.RegisterWatch("fuzzy-conn", "public+DEFAULT_GROUP+order*", "watch"))

	r := NewRegistry(clock.NewManual(time.Unix(0, 0)), fuzzy, push)
	key := testServiceKey()
	r.Subscribe("fuzzy-conn", key, "")
	r.Register(key, &types.Instance{InstanceKey: types.InstanceKey{IP: "10.0.0.1", Port: 8080}, Healthy: true})

	count := 0
	for _, id := range pushed {
		if id == "fuzzy-conn" {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestGetServiceFiltersByCluster(t *testing.T) {
	r := NewRegistry(clock.NewManual(time.Unix(0, 0)), nil, nil)
	key := testServiceKey()
	r.Register(key, &types.Instance{InstanceKey: types.InstanceKey{IP: "10.0.0.1", Port: 8080, ClusterName: "c1"}, Healthy: true})
	r.Register(key, &types.Instance{InstanceKey: types.InstanceKey{IP: "10.0.0.2", Port: 8080, ClusterName: "c2"}, Healthy: true})

	res := r.GetService(key, "c1", false)
	assert.Len(t, res.Instances, 1)
	assert.Equal(t, "10.0.0.1", res.Instances[0].IP)
}

func TestGetServiceBelowProtectThresholdReturnsAllInstances(t *testing.T) {
	r := NewRegistry(clock.NewManual(time.Unix(0, 0)), nil, nil)
	key := testServiceKey()
	r.SetProtectThreshold(key, 0.5)
	r.Register(key, &types.Instance{InstanceKey: types.InstanceKey{IP: "10.0.0.1", Port: 1}, Healthy: false})
	r.Register(key, &types.Instance{InstanceKey: types.InstanceKey{IP: "10.0.0.2", Port: 2}, Healthy: false})

	res := r.GetService(key, "", true)
	assert.Len(t, res.Instances, 2)
	assert.True(t, res.ReachedProtectionThreshold)
}

func TestGetServiceAtOrAboveThresholdFiltersUnhealthy(t *testing.T) {
	r := NewRegistry(clock.NewManual(time.Unix(0, 0)), nil, nil)
	key := testServiceKey()
	r.SetProtectThreshold(key, 0.5)
	r.Register(key, &types.Instance{InstanceKey: types.InstanceKey{IP: "10.0.0.1", Port: 1}, Healthy: true})
	r.Register(key, &types.Instance{InstanceKey: types.InstanceKey{IP: "10.0.0.2", Port: 2}, Healthy: false})

	res := r.GetService(key, "", true)
	require.Len(t, res.Instances, 1)
	assert.True(t, res.Instances[0].Healthy)
	assert.False(t, res.ReachedProtectionThreshold)
}

func TestHeartbeatRevivesUnhealthyInstanceAndFansOut(t *testing.T) {
	var pushed int
	r := NewRegistry(clock.NewManual(time.Unix(0, 0)), nil, func(connectionID string, pushType string, key types.ServiceKey, checksum string) {
		pushed++
	})
	key := testServiceKey()
	ik := types.InstanceKey{IP: "10.0.0.1", Port: 8080}
	r.Register(key, &types.Instance{InstanceKey: ik, Healthy: false, Ephemeral: true})
	r.Subscribe("conn1", key, "")
	pushed = 0

	ok := r.Heartbeat(key, ik)
	assert.True(t, ok)
	assert.Equal(t, 1, pushed)
}

func TestHeartbeatUnknownInstanceReturnsFalse(t *testing.T) {
	r := NewRegistry(clock.NewManual(time.Unix(0, 0)), nil, nil)
	key := testServiceKey()
	ok := r.Heartbeat(key, types.InstanceKey{IP: "1.1.1.1", Port: 1})
	assert.False(t, ok)
}

func TestDeregisterConnectionInstancesOnlyRemovesOwnedEphemeral(t *testing.T) {
	r := NewRegistry(clock.NewManual(time.Unix(0, 0)), nil, nil)
	key := testServiceKey()
	r.Register(key, &types.Instance{InstanceKey: types.InstanceKey{IP: "10.0.0.1", Port: 1}, Ephemeral: true, OwnerConn: "conn1"})
	r.Register(key, &types.Instance{InstanceKey: types.InstanceKey{IP: "10.0.0.2", Port: 2}, Ephemeral: true, OwnerConn: "conn2"})
	r.Register(key, &types.Instance{InstanceKey: types.InstanceKey{IP: "10.0.0.3", Port: 3}, Ephemeral: false})

	r.DeregisterConnectionInstances("conn1")

	res := r.GetService(key, "", false)
	assert.Len(t, res.Instances, 2)
}

func TestUnsubscribeAllRemovesConnectionFromEveryService(t *testing.T) {
	var pushed bool
	r := NewRegistry(clock.NewManual(time.Unix(0, 0)), nil, func(connectionID string, pushType string, key types.ServiceKey, checksum string) {
		if connectionID == "conn1" {
			pushed = true
		}
	})
	key := testServiceKey()
	r.Subscribe("conn1", key, "")
	r.UnsubscribeAll("conn1")

	r.Register(key, &types.Instance{InstanceKey: types.InstanceKey{IP: "1.1.1.1", Port: 1}})
	assert.False(t, pushed)
}
