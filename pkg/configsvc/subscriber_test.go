package configsvc

import (
	"testing"

	"github.com/nacosd/nacosd/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscribeUpsertsOverwritesMD5(t *testing.T) {
	m := NewSubscriberManager()
	key := types.ConfigKey{Namespace: "public", Group: "DEFAULT_GROUP", DataID: "app.yaml"}

	m.Subscribe("conn1", "1.2.3.4", key, "md5-a")
	m.Subscribe("conn1", "1.2.3.4", key, "md5-b")

	subs := m.SubscribersOf(key)
	require.Len(t, subs, 1)
	assert.Equal(t, "md5-b", subs[0].MD5)
}

func TestUnsubscribeDropsEmptyKeyEntry(t *testing.T) {
	m := NewSubscriberManager()
	key := types.ConfigKey{Namespace: "public", Group: "DEFAULT_GROUP", DataID: "app.yaml"}

	m.Subscribe("conn1", "1.2.3.4", key, "md5-a")
	m.Unsubscribe("conn1", key)

	assert.Empty(t, m.SubscribersOf(key))
	assert.Equal(t, 0, m.Counts().Configs)
}

func TestUnsubscribeAllClearsEveryKeyForConnection(t *testing.T) {
	m := NewSubscriberManager()
	key1 := types.ConfigKey{Namespace: "public", Group: "G1", DataID: "a"}
	key2 := types.ConfigKey{Namespace: "public", Group: "G1", DataID: "b"}

	m.Subscribe("conn1", "1.2.3.4", key1, "m1")
	m.Subscribe("conn1", "1.2.3.4", key2, "m2")
	m.Subscribe("conn2", "5.6.7.8", key1, "m1")

	m.UnsubscribeAll("conn1")

	assert.Empty(t, m.SubscribersOf(key2))
	subs := m.SubscribersOf(key1)
	require.Len(t, subs, 1)
	assert.Equal(t, "conn2", subs[0].ConnectionID)
}

func TestUpdateMD5IsNoOpWhenNotSubscribed(t *testing.T) {
	m := NewSubscriberManager()
	key := types.ConfigKey{Namespace: "public", Group: "DEFAULT_GROUP", DataID: "app.yaml"}

	m.UpdateMD5("conn1", key, "new-md5")
	assert.Empty(t, m.SubscribersOf(key))
}

func TestSubscribersByIPFiltersAcrossKeys(t *testing.T) {
	m := NewSubscriberManager()
	key1 := types.ConfigKey{Namespace: "public", Group: "G1", DataID: "a"}
	key2 := types.ConfigKey{Namespace: "public", Group: "G1", DataID: "b"}

	m.Subscribe("conn1", "1.2.3.4", key1, "m1")
	m.Subscribe("conn2", "9.9.9.9", key2, "m2")

	out := m.SubscribersByIP("1.2.3.4")
	require.Len(t, out, 1)
	assert.Equal(t, key1, out[0].Key)
}

func TestAllSubscriptionsReturnsEveryKey(t *testing.T) {
	m := NewSubscriberManager()
	key1 := types.ConfigKey{Namespace: "public", Group: "G1", DataID: "a"}
	key2 := types.ConfigKey{Namespace: "public", Group: "G1", DataID: "b"}

	m.Subscribe("conn1", "1.2.3.4", key1, "m1")
	m.Subscribe("conn2", "5.6.7.8", key2, "m2")

	out := m.AllSubscriptions()
	assert.Len(t, out, 2)
}

func TestCountsTracksSubscriptionsConfigsConnections(t *testing.T) {
	m := NewSubscriberManager()
	key1 := types.ConfigKey{Namespace: "public", Group: "G1", DataID: "a"}
	key2 := types.ConfigKey{Namespace: "public", Group: "G1", DataID: "b"}

	m.Subscribe("conn1", "1.2.3.4", key1, "m1")
	m.Subscribe("conn1", "1.2.3.4", key2, "m2")
	m.Subscribe("conn2", "5.6.7.8", key1, "m1")

	counts := m.Counts()
	assert.Equal(t, 3, counts.Subscriptions)
	assert.Equal(t, 2, counts.Configs)
	assert.Equal(t, 2, counts.Connections)
}
