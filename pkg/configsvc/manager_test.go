package configsvc

import (
	"testing"

	"github.com/nacosd/nacosd/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pushCall struct {
	connectionID string
	key          types.ConfigKey
	md5          string
}

func TestOnPublishPushesOnlyStaleSubscribers(t *testing.T) {
	var calls []pushCall
	mgr := NewManager(func(connectionID string, key types.ConfigKey, md5 string) {
		calls = append(calls, pushCall{connectionID, key, md5})
	})

	key := types.ConfigKey{Namespace: "public", Group: "DEFAULT_GROUP", DataID: "app.yaml"}
	mgr.Subscribe("stale-conn", "1.2.3.4", key, "old-md5")
	mgr.Subscribe("fresh-conn", "5.6.7.8", key, "new-md5")

	mgr.OnPublish(key, "new-md5")

	require.Len(t, calls, 1)
	assert.Equal(t, "stale-conn", calls[0].connectionID)
	assert.Equal(t, "new-md5", calls[0].md5)
}

func TestUnsubscribeAllUpdatesCounts(t *testing.T) {
	mgr := NewManager(nil)
	key := types.ConfigKey{Namespace: "public", Group: "DEFAULT_GROUP", DataID: "app.yaml"}

	mgr.Subscribe("conn1", "1.2.3.4", key, "m1")
	assert.Equal(t, 1, mgr.Counts().Subscriptions)

	mgr.UnsubscribeAll("conn1")
	assert.Equal(t, 0, mgr.Counts().Subscriptions)
}

func TestSubscribersOfReflectsManagerState(t *testing.T) {
	mgr := NewManager(nil)
	key := types.ConfigKey{Namespace: "public", Group: "DEFAULT_GROUP", DataID: "app.yaml"}

	mgr.Subscribe("conn1", "1.2.3.4", key, "m1")
	subs := mgr.SubscribersOf(key)
	require.Len(t, subs, 1)
	assert.Equal(t, "conn1", subs[0].ConnectionID)
}
