package api

import (
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/nacosd/nacosd/pkg/clock"
	"github.com/nacosd/nacosd/pkg/codec"
	"github.com/nacosd/nacosd/pkg/configsvc"
	"github.com/nacosd/nacosd/pkg/connmgr"
	"github.com/nacosd/nacosd/pkg/consensus"
	"github.com/nacosd/nacosd/pkg/lockservice"
	"github.com/nacosd/nacosd/pkg/naming"
	"github.com/nacosd/nacosd/pkg/types"
	"github.com/stretchr/testify/require"
)

// freeAddr grabs an ephemeral TCP port and releases it immediately, for
// raft's transport to rebind.
func freeAddr(t *testing.T) string {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := lis.Addr().String()
	require.NoError(t, lis.Close())
	return addr
}

// testHarness wires a single bootstrapped raft node to every handler
// dependency, the same shape cmd/nacosd assembles at startup.
type testHarness struct {
	deps Deps
	reg  *codec.Registry
	disp *codec.Dispatcher
	node *consensus.Node
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()

	node, err := consensus.NewNode(&consensus.Config{
		NodeID:   "test-node",
		BindAddr: freeAddr(t),
		DataDir:  filepath.Join(t.TempDir(), "raft"),
	})
	require.NoError(t, err)
	require.NoError(t, node.Bootstrap())

	require.Eventually(t, node.IsLeader, 5*time.Second, 10*time.Millisecond, "node never became leader")

	mc := clock.NewManual(time.Unix(1700000000, 0))

	connMgr := connmgr.NewManager(mc, connmgr.Cleanup{})

	configs := configsvc.NewManager(func(connectionID string, key types.ConfigKey, md5 string) {
		_ = connMgr.Push(connectionID, codec.Response{Type: configsvc.PushTypeConfigChangeNotify})
	})

	fuzzy := naming.NewFuzzyWatchManager()
	reg := naming.NewRegistry(mc, fuzzy, func(connectionID string, pushType string, key types.ServiceKey, checksum string) {
		_ = connMgr.Push(connectionID, codec.Response{Type: pushType})
	})

	locks := lockservice.NewManager(node, mc)

	deps := Deps{
		Node:       node,
		Conns:      connMgr,
		Configs:    configs,
		Naming:     reg,
		FuzzyWatch: fuzzy,
		Locks:      locks,
		Clock:      mc,
	}

	registry := codec.NewRegistry()
	registerHandlers(registry, deps)
	dispatcher := codec.NewDispatcher(registry, mc)

	t.Cleanup(func() { _ = node.Shutdown() })

	return &testHarness{deps: deps, reg: registry, disp: dispatcher, node: node}
}

type testConn struct {
	id    string
	ip    string
	level codec.AuthLevel
}

func (c testConn) ConnectionID() string     { return c.id }
func (c testConn) ClientIP() string         { return c.ip }
func (c testConn) AuthLevel() codec.AuthLevel { return c.level }

func (h *testHarness) dispatch(t *testing.T, conn codec.ConnContext, reqType string, body interface{}) codec.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	return h.disp.Dispatch(context.Background(), conn, codec.Envelope{
		Type:     reqType,
		Metadata: codec.Metadata{RequestID: "req-1"},
		Body:     raw,
	})
}

func writerConn(id string) testConn { return testConn{id: id, ip: "127.0.0.1", level: codec.AuthWrite} }

func TestHandlePingSucceedsUnauthenticated(t *testing.T) {
	h := newTestHarness(t)
	resp := h.dispatch(t, testConn{id: "c1", level: codec.AuthNone}, "HealthCheckRequest", map[string]string{})
	require.True(t, resp.Success)
}

func TestConfigPublishQueryRoundTrip(t *testing.T) {
	h := newTestHarness(t)
	conn := writerConn("c1")

	resp := h.dispatch(t, conn, "ConfigPublishRequest", configPublishRequest{
		Namespace: "public", Group: "DEFAULT_GROUP", DataID: "app.yaml", Content: "a: 1",
	})
	require.True(t, resp.Success)

	resp = h.dispatch(t, conn, "ConfigQueryRequest", configQueryRequest{
		Namespace: "public", Group: "DEFAULT_GROUP", DataID: "app.yaml",
	})
	require.True(t, resp.Success)

	var rec types.ConfigRecord
	require.NoError(t, json.Unmarshal(resp.Body, &rec))
	require.Equal(t, "a: 1", rec.Content)
	require.Equal(t, md5Hex("a: 1"), rec.MD5)
}

func TestConfigQueryMissingKeyFails(t *testing.T) {
	h := newTestHarness(t)
	resp := h.dispatch(t, writerConn("c1"), "ConfigQueryRequest", configQueryRequest{
		Namespace: "public", Group: "DEFAULT_GROUP", DataID: "missing",
	})
	require.False(t, resp.Success)
}

func TestConfigBatchListenReportsChangedKeyOnly(t *testing.T) {
	h := newTestHarness(t)
	conn := writerConn("c1")

	h.dispatch(t, conn, "ConfigPublishRequest", configPublishRequest{
		Namespace: "public", Group: "g", DataID: "d1", Content: "v1",
	})

	resp := h.dispatch(t, conn, "ConfigBatchListenRequest", configBatchListenRequest{
		Listen: true,
		Items: []configListenItem{
			{Namespace: "public", Group: "g", DataID: "d1", MD5: "stale"},
			{Namespace: "public", Group: "g", DataID: "d2", MD5: ""},
		},
	})
	require.True(t, resp.Success)

	var out struct {
		ChangedKeys []types.ConfigKey `json:"changedKeys"`
	}
	require.NoError(t, json.Unmarshal(resp.Body, &out))
	require.Len(t, out.ChangedKeys, 1)
	require.Equal(t, "d1", out.ChangedKeys[0].DataID)
}

func TestInstanceRegisterEphemeralThenQuery(t *testing.T) {
	h := newTestHarness(t)
	conn := writerConn("c1")

	resp := h.dispatch(t, conn, "InstanceRequest", instanceRequest{
		Namespace: "public", Group: "DEFAULT_GROUP", Service: "order-svc", Register: true,
		Instance: instanceWire{IP: "10.0.0.5", Port: 9000, Ephemeral: true, Enabled: true},
	})
	require.True(t, resp.Success)

	resp = h.dispatch(t, conn, "ServiceQueryRequest", serviceQueryRequest{
		Namespace: "public", Group: "DEFAULT_GROUP", Service: "order-svc",
	})
	require.True(t, resp.Success)

	var result naming.QueryResult
	require.NoError(t, json.Unmarshal(resp.Body, &result))
	require.Len(t, result.Instances, 1)
	require.Equal(t, "10.0.0.5", result.Instances[0].IP)
}

func TestInstanceMissingIPFailsValidation(t *testing.T) {
	h := newTestHarness(t)
	resp := h.dispatch(t, writerConn("c1"), "InstanceRequest", instanceRequest{
		Namespace: "public", Service: "svc", Register: true,
	})
	require.False(t, resp.Success)
}

func TestBatchInstanceRegistersEveryInstance(t *testing.T) {
	h := newTestHarness(t)
	resp := h.dispatch(t, writerConn("c1"), "BatchInstanceRequest", batchInstanceRequest{
		Namespace: "public", Group: "DEFAULT_GROUP", Service: "cache-svc",
		Instances: []instanceWire{
			{IP: "10.0.0.1", Port: 1, Enabled: true},
			{IP: "10.0.0.2", Port: 2, Enabled: true},
		},
	})
	require.True(t, resp.Success)

	resp = h.dispatch(t, writerConn("c1"), "ServiceQueryRequest", serviceQueryRequest{
		Namespace: "public", Group: "DEFAULT_GROUP", Service: "cache-svc",
	})
	var result naming.QueryResult
	require.NoError(t, json.Unmarshal(resp.Body, &result))
	require.Len(t, result.Instances, 2)
}

func TestFuzzyWatchRejectsInvalidPattern(t *testing.T) {
	h := newTestHarness(t)
	resp := h.dispatch(t, writerConn("c1"), "FuzzyWatchRequest", fuzzyWatchRequest{GroupKeyPattern: "onlyns"})
	require.False(t, resp.Success)
}

func TestFuzzyWatchAcceptsValidPattern(t *testing.T) {
	h := newTestHarness(t)
	resp := h.dispatch(t, writerConn("c1"), "FuzzyWatchRequest", fuzzyWatchRequest{GroupKeyPattern: "public+g+*"})
	require.True(t, resp.Success)
}

func TestLockAcquireReleaseRoundTrip(t *testing.T) {
	h := newTestHarness(t)
	conn := writerConn("c1")

	resp := h.dispatch(t, conn, "LockAcquireRequest", lockAcquireRequest{
		Namespace: "public", Name: "job-1", Owner: "worker-1", TTLMs: 30000,
	})
	require.True(t, resp.Success)
	var lock types.Lock
	require.NoError(t, json.Unmarshal(resp.Body, &lock))
	require.Equal(t, types.LockLocked, lock.State)
	require.Equal(t, int64(1), lock.FenceToken)

	resp = h.dispatch(t, conn, "LockAcquireRequest", lockAcquireRequest{
		Namespace: "public", Name: "job-1", Owner: "worker-2", TTLMs: 30000,
	})
	require.False(t, resp.Success, "a second owner must not acquire a held lock")

	resp = h.dispatch(t, conn, "LockReleaseRequest", lockReleaseRequest{
		Namespace: "public", Name: "job-1", Owner: "worker-1",
	})
	require.True(t, resp.Success)

	resp = h.dispatch(t, conn, "LockQueryRequest", lockQueryRequest{Namespace: "public", Name: "job-1"})
	require.True(t, resp.Success)
	var locks []*types.Lock
	require.NoError(t, json.Unmarshal(resp.Body, &locks))
	require.Len(t, locks, 1)
	require.Equal(t, types.LockUnlocked, locks[0].State)
}

func TestLockReleaseWrongOwnerForbidden(t *testing.T) {
	h := newTestHarness(t)
	conn := writerConn("c1")

	h.dispatch(t, conn, "LockAcquireRequest", lockAcquireRequest{
		Namespace: "public", Name: "job-2", Owner: "worker-1", TTLMs: 30000,
	})
	resp := h.dispatch(t, conn, "LockReleaseRequest", lockReleaseRequest{
		Namespace: "public", Name: "job-2", Owner: "worker-2",
	})
	require.False(t, resp.Success)
}

func TestLockForceReleaseBypassesOwnerCheck(t *testing.T) {
	h := newTestHarness(t)
	conn := writerConn("c1")

	h.dispatch(t, conn, "LockAcquireRequest", lockAcquireRequest{
		Namespace: "public", Name: "job-3", Owner: "worker-1", TTLMs: 30000,
	})
	resp := h.dispatch(t, conn, "LockForceReleaseRequest", lockForceReleaseRequest{
		Namespace: "public", Name: "job-3",
	})
	require.True(t, resp.Success)
}

func TestDistroStubsAckWithoutError(t *testing.T) {
	h := newTestHarness(t)
	resp := h.dispatch(t, writerConn("peer-1"), "DistroDataSnapshotRequest", map[string]string{})
	require.True(t, resp.Success)
}
