package api

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/nacosd/nacosd/pkg/apierr"
	"github.com/nacosd/nacosd/pkg/codec"
	"github.com/nacosd/nacosd/pkg/consensus"
	"github.com/nacosd/nacosd/pkg/lockservice"
	"github.com/nacosd/nacosd/pkg/naming"
	"github.com/nacosd/nacosd/pkg/types"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
)

// registerHandlers builds the full request-type table dispatched by every
// connection's bidirectional stream. Each handler decodes its own body,
// does the minimum validation a malformed request needs, and either
// proposes a Raft command (replicated writes), updates local in-memory
// state (ephemeral instances, subscriptions), or reads local state (queries).
func registerHandlers(reg *codec.Registry, deps Deps) {
	reg.Register(&codec.Handler{RequestType: "HealthCheckRequest", AuthLevel: codec.AuthNone, Resource: "health", Func: handlePing})
	reg.Register(&codec.Handler{RequestType: "ServerLoaderInfoRequest", AuthLevel: codec.AuthNone, Resource: "health", Func: handleServerLoaderInfo(deps)})

	reg.Register(&codec.Handler{RequestType: "ConfigPublishRequest", AuthLevel: codec.AuthWrite, Resource: "config", Func: handleConfigPublish(deps)})
	reg.Register(&codec.Handler{RequestType: "ConfigRemoveRequest", AuthLevel: codec.AuthWrite, Resource: "config", Func: handleConfigRemove(deps)})
	reg.Register(&codec.Handler{RequestType: "ConfigQueryRequest", AuthLevel: codec.AuthRead, Resource: "config", Func: handleConfigQuery(deps)})
	reg.Register(&codec.Handler{RequestType: "ConfigBatchListenRequest", AuthLevel: codec.AuthRead, Resource: "config", Func: handleConfigBatchListen(deps)})

	reg.Register(&codec.Handler{RequestType: "InstanceRequest", AuthLevel: codec.AuthWrite, Resource: "naming", Func: handleInstance(deps)})
	reg.Register(&codec.Handler{RequestType: "BatchInstanceRequest", AuthLevel: codec.AuthWrite, Resource: "naming", Func: handleBatchInstance(deps)})
	reg.Register(&codec.Handler{RequestType: "ServiceQueryRequest", AuthLevel: codec.AuthRead, Resource: "naming", Func: handleServiceQuery(deps)})
	reg.Register(&codec.Handler{RequestType: "SubscribeServiceRequest", AuthLevel: codec.AuthRead, Resource: "naming", Func: handleSubscribeService(deps)})
	reg.Register(&codec.Handler{RequestType: "FuzzyWatchRequest", AuthLevel: codec.AuthRead, Resource: "naming", Func: handleFuzzyWatch(deps)})

	reg.Register(&codec.Handler{RequestType: "LockAcquireRequest", AuthLevel: codec.AuthWrite, Resource: "lock", Func: handleLockAcquire(deps)})
	reg.Register(&codec.Handler{RequestType: "LockReleaseRequest", AuthLevel: codec.AuthWrite, Resource: "lock", Func: handleLockRelease(deps)})
	reg.Register(&codec.Handler{RequestType: "LockRenewRequest", AuthLevel: codec.AuthWrite, Resource: "lock", Func: handleLockRenew(deps)})
	reg.Register(&codec.Handler{RequestType: "LockForceReleaseRequest", AuthLevel: codec.AuthWrite, Resource: "lock", Func: handleLockForceRelease(deps)})
	reg.Register(&codec.Handler{RequestType: "LockQueryRequest", AuthLevel: codec.AuthRead, Resource: "lock", Func: handleLockQuery(deps)})

	registerDistroStubs(reg)
}

func md5Hex(content string) string {
	sum := md5.Sum([]byte(content))
	return hex.EncodeToString(sum[:])
}

func encode(v interface{}) (json.RawMessage, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, err, "failed to encode response body")
	}
	return b, nil
}

func decode(body json.RawMessage, v interface{}) error {
	if err := json.Unmarshal(body, v); err != nil {
		return apierr.Wrap(apierr.KindParameterInvalid, err, "malformed request body")
	}
	return nil
}

// applyAndTranslate proposes cmd on the Raft node and turns its committed
// Response into either the result payload or an *apierr.Error — the one
// place every write handler funnels through, so the Code->Kind mapping
// lives in exactly one spot.
func applyAndTranslate(deps Deps, cmd consensus.Command) (interface{}, error) {
	resp, err := deps.Node.Apply(cmd)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindNotLeader, err, "failed to apply command")
	}
	if !resp.Success {
		return nil, apierr.NewWithCode(codeToKind(resp.Code), resp.Code, resp.Error)
	}
	return resp.Result, nil
}

func codeToKind(code int) apierr.Kind {
	switch code {
	case apierr.CodeResourceNotFound, apierr.CodeNamespaceNotExist:
		return apierr.KindNotFound
	case apierr.CodeResourceConflict, apierr.CodeNamespaceExists:
		return apierr.KindConflict
	case apierr.CodeForbidden:
		return apierr.KindForbidden
	case apierr.CodeQuotaExceeded:
		return apierr.KindQuotaExceeded
	case apierr.CodeParameterMissing, apierr.CodeContentOverLimit:
		return apierr.KindParameterInvalid
	default:
		return apierr.KindInternal
	}
}

// --- health ---

func handlePing(ctx context.Context, conn codec.ConnContext, body json.RawMessage) (json.RawMessage, error) {
	return encode(map[string]int64{"timestamp": time.Now().UnixMilli()})
}

// serverLoaderInfo is the §4.B connection/load snapshot: connection count
// plus a CPU/memory/load-average reading of the host the node runs on.
type serverLoaderInfo struct {
	ConnectionCount int     `json:"connectionCount"`
	CPUPercent      float64 `json:"cpuPercent"`
	MemUsedPercent  float64 `json:"memUsedPercent"`
	Load1           float64 `json:"load1"`
}

func handleServerLoaderInfo(deps Deps) codec.HandlerFunc {
	return func(ctx context.Context, conn codec.ConnContext, body json.RawMessage) (json.RawMessage, error) {
		info := serverLoaderInfo{}
		if deps.Conns != nil {
			info.ConnectionCount = deps.Conns.Count()
		}
		if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
			info.CPUPercent = pct[0]
		}
		if vm, err := mem.VirtualMemory(); err == nil {
			info.MemUsedPercent = vm.UsedPercent
		}
		if avg, err := load.Avg(); err == nil {
			info.Load1 = avg.Load1
		}
		return encode(info)
	}
}

// --- config (component C) ---

type configPublishRequest struct {
	Namespace string `json:"namespace"`
	Group     string `json:"group"`
	DataID    string `json:"dataId"`
	Content   string `json:"content"`
	Tags      []string `json:"tags,omitempty"`
	AppName   string `json:"appName,omitempty"`
}

func handleConfigPublish(deps Deps) codec.HandlerFunc {
	return func(ctx context.Context, conn codec.ConnContext, body json.RawMessage) (json.RawMessage, error) {
		var req configPublishRequest
		if err := decode(body, &req); err != nil {
			return nil, err
		}
		if req.DataID == "" || req.Group == "" {
			return nil, apierr.New(apierr.KindParameterMissing, "dataId and group are required")
		}
		if len(req.Content) > consensus.MaxConfigContentBytes {
			return nil, apierr.NewWithCode(apierr.KindParameterInvalid, apierr.CodeContentOverLimit, "content exceeds max size")
		}

		key := types.ConfigKey{Namespace: req.Namespace, Group: req.Group, DataID: req.DataID}
		now := deps.Clock.Now()
		rec := &types.ConfigRecord{
			Key:       key,
			Content:   req.Content,
			MD5:       md5Hex(req.Content),
			Tags:      req.Tags,
			AppName:   req.AppName,
			CreatedAt: now,
			UpdatedAt: now,
		}
		payload, err := json.Marshal(consensus.ConfigPublishData{Record: rec})
		if err != nil {
			return nil, apierr.Wrap(apierr.KindInternal, err, "failed to marshal command")
		}
		if _, err := applyAndTranslate(deps, consensus.Command{Op: consensus.OpConfigPublish, Data: payload}); err != nil {
			return nil, err
		}

		if deps.Configs != nil {
			deps.Configs.OnPublish(key, rec.MD5)
		}
		return encode(map[string]bool{"success": true})
	}
}

type configRemoveRequest struct {
	Namespace string `json:"namespace"`
	Group     string `json:"group"`
	DataID    string `json:"dataId"`
}

func handleConfigRemove(deps Deps) codec.HandlerFunc {
	return func(ctx context.Context, conn codec.ConnContext, body json.RawMessage) (json.RawMessage, error) {
		var req configRemoveRequest
		if err := decode(body, &req); err != nil {
			return nil, err
		}
		key := types.ConfigKey{Namespace: req.Namespace, Group: req.Group, DataID: req.DataID}
		payload, err := json.Marshal(consensus.ConfigRemoveData{Key: key})
		if err != nil {
			return nil, apierr.Wrap(apierr.KindInternal, err, "failed to marshal command")
		}
		if _, err := applyAndTranslate(deps, consensus.Command{Op: consensus.OpConfigRemove, Data: payload}); err != nil {
			return nil, err
		}
		if deps.Configs != nil {
			deps.Configs.OnPublish(key, "")
		}
		return encode(map[string]bool{"success": true})
	}
}

type configQueryRequest struct {
	Namespace string `json:"namespace"`
	Group     string `json:"group"`
	DataID    string `json:"dataId"`
}

func handleConfigQuery(deps Deps) codec.HandlerFunc {
	return func(ctx context.Context, conn codec.ConnContext, body json.RawMessage) (json.RawMessage, error) {
		var req configQueryRequest
		if err := decode(body, &req); err != nil {
			return nil, err
		}
		key := types.ConfigKey{Namespace: req.Namespace, Group: req.Group, DataID: req.DataID}
		rec, err := deps.Node.Store().GetConfig(key)
		if err != nil {
			return nil, apierr.New(apierr.KindNotFound, "config not found")
		}
		return encode(rec)
	}
}

// configBatchListenRequest mirrors the long-poll listen payload: one
// (key, clientMd5) per watched config. Rather than holding the request
// open (the long-poll semantics of the original protocol), changed keys are
// returned immediately and unchanged keys are left to the push channel
// this connection already has open — the bidirectional-stream equivalent of
// the same contract.
type configBatchListenRequest struct {
	Listen bool                    `json:"listen"`
	Items  []configListenItem      `json:"items"`
}

type configListenItem struct {
	Namespace string `json:"namespace"`
	Group     string `json:"group"`
	DataID    string `json:"dataId"`
	MD5       string `json:"md5"`
}

func handleConfigBatchListen(deps Deps) codec.HandlerFunc {
	return func(ctx context.Context, conn codec.ConnContext, body json.RawMessage) (json.RawMessage, error) {
		var req configBatchListenRequest
		if err := decode(body, &req); err != nil {
			return nil, err
		}

		var changed []types.ConfigKey
		for _, item := range req.Items {
			key := types.ConfigKey{Namespace: item.Namespace, Group: item.Group, DataID: item.DataID}
			if req.Listen {
				deps.Configs.Subscribe(conn.ConnectionID(), conn.ClientIP(), key, item.MD5)
			} else {
				deps.Configs.Unsubscribe(conn.ConnectionID(), key)
				continue
			}
			rec, err := deps.Node.Store().GetConfig(key)
			if err != nil {
				continue
			}
			if rec.MD5 != item.MD5 {
				changed = append(changed, key)
			}
		}
		return encode(map[string][]types.ConfigKey{"changedKeys": changed})
	}
}

// --- naming (component D) ---

type instanceRequest struct {
	Namespace string         `json:"namespace"`
	Group     string         `json:"group"`
	Service   string         `json:"serviceName"`
	Register  bool           `json:"register"`
	Instance  instanceWire   `json:"instance"`
}

type instanceWire struct {
	IP          string            `json:"ip"`
	Port        int               `json:"port"`
	ClusterName string            `json:"clusterName"`
	Weight      float64           `json:"weight"`
	Enabled     bool              `json:"enabled"`
	Healthy     bool              `json:"healthy"`
	Ephemeral   bool              `json:"ephemeral"`
	Metadata    map[string]string `json:"metadata"`
}

func serviceKeyOf(namespace, group, service string) types.ServiceKey {
	if group == "" {
		group = "DEFAULT_GROUP"
	}
	return types.ServiceKey{Namespace: namespace, Group: group, Name: service}
}

func clampWeight(w float64) float64 {
	switch {
	case w < 1:
		return 1
	case w > 128:
		return 128
	default:
		return w
	}
}

func handleInstance(deps Deps) codec.HandlerFunc {
	return func(ctx context.Context, conn codec.ConnContext, body json.RawMessage) (json.RawMessage, error) {
		var req instanceRequest
		if err := decode(body, &req); err != nil {
			return nil, err
		}
		if req.Instance.IP == "" || req.Instance.Port == 0 {
			return nil, apierr.New(apierr.KindParameterMissing, "instance ip and port are required")
		}
		key := serviceKeyOf(req.Namespace, req.Group, req.Service)
		ik := types.InstanceKey{IP: req.Instance.IP, Port: req.Instance.Port, ClusterName: req.Instance.ClusterName}

		if !req.Register {
			return handleInstanceDeregister(deps, key, ik)
		}

		inst := &types.Instance{
			InstanceKey: ik,
			Weight:      clampWeight(req.Instance.Weight),
			Enabled:     req.Instance.Enabled,
			Healthy:     true,
			Ephemeral:   req.Instance.Ephemeral,
			Metadata:    req.Instance.Metadata,
			HeartbeatMs: types.DefaultHeartbeatTimeoutMs,
			DeleteMs:    types.DefaultDeleteTimeoutMs,
			OwnerConn:   conn.ConnectionID(),
		}

		if inst.Ephemeral {
			inst.LastHeartbeat = deps.Clock.Now()
			deps.Naming.Register(key, inst)
			return encode(map[string]bool{"success": true})
		}

		payload, err := json.Marshal(consensus.PersistentInstanceData{ServiceKey: key, Instance: inst})
		if err != nil {
			return nil, apierr.Wrap(apierr.KindInternal, err, "failed to marshal command")
		}
		if _, err := applyAndTranslate(deps, consensus.Command{Op: consensus.OpPersistentInstanceRegister, Data: payload}); err != nil {
			return nil, err
		}
		deps.Naming.Register(key, inst)
		return encode(map[string]bool{"success": true})
	}
}

func handleInstanceDeregister(deps Deps, key types.ServiceKey, ik types.InstanceKey) (json.RawMessage, error) {
	deps.Naming.Deregister(key, ik)
	payload, err := json.Marshal(consensus.PersistentInstanceData{ServiceKey: key, InstanceKey: ik})
	if err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, err, "failed to marshal command")
	}
	// Best-effort: the instance may only ever have existed as an ephemeral,
	// non-replicated entry, in which case the store has nothing to remove.
	_, _ = applyAndTranslate(deps, consensus.Command{Op: consensus.OpPersistentInstanceDeregister, Data: payload})
	return encode(map[string]bool{"success": true})
}

type batchInstanceRequest struct {
	Namespace string         `json:"namespace"`
	Group     string         `json:"group"`
	Service   string         `json:"serviceName"`
	Instances []instanceWire `json:"instances"`
}

func handleBatchInstance(deps Deps) codec.HandlerFunc {
	return func(ctx context.Context, conn codec.ConnContext, body json.RawMessage) (json.RawMessage, error) {
		var req batchInstanceRequest
		if err := decode(body, &req); err != nil {
			return nil, err
		}
		key := serviceKeyOf(req.Namespace, req.Group, req.Service)
		now := deps.Clock.Now()
		for _, iw := range req.Instances {
			inst := &types.Instance{
				InstanceKey:   types.InstanceKey{IP: iw.IP, Port: iw.Port, ClusterName: iw.ClusterName},
				Weight:        clampWeight(iw.Weight),
				Enabled:       iw.Enabled,
				Healthy:       true,
				Ephemeral:     true,
				Metadata:      iw.Metadata,
				LastHeartbeat: now,
				HeartbeatMs:   types.DefaultHeartbeatTimeoutMs,
				DeleteMs:      types.DefaultDeleteTimeoutMs,
				OwnerConn:     conn.ConnectionID(),
			}
			deps.Naming.Register(key, inst)
		}
		return encode(map[string]int{"count": len(req.Instances)})
	}
}

type serviceQueryRequest struct {
	Namespace   string `json:"namespace"`
	Group       string `json:"group"`
	Service     string `json:"serviceName"`
	Clusters    string `json:"clusters"`
	HealthyOnly bool   `json:"healthyOnly"`
}

func handleServiceQuery(deps Deps) codec.HandlerFunc {
	return func(ctx context.Context, conn codec.ConnContext, body json.RawMessage) (json.RawMessage, error) {
		var req serviceQueryRequest
		if err := decode(body, &req); err != nil {
			return nil, err
		}
		key := serviceKeyOf(req.Namespace, req.Group, req.Service)
		res := deps.Naming.GetService(key, req.Clusters, req.HealthyOnly)
		return encode(res)
	}
}

func handleSubscribeService(deps Deps) codec.HandlerFunc {
	return func(ctx context.Context, conn codec.ConnContext, body json.RawMessage) (json.RawMessage, error) {
		var req serviceQueryRequest
		if err := decode(body, &req); err != nil {
			return nil, err
		}
		key := serviceKeyOf(req.Namespace, req.Group, req.Service)
		res := deps.Naming.Subscribe(conn.ConnectionID(), key, req.Clusters)
		return encode(res)
	}
}

type fuzzyWatchRequest struct {
	GroupKeyPattern string `json:"groupKeyPattern"`
	WatchType       string `json:"watchType"`
}

// fuzzyWatchPush builds a push-envelope body for fuzzy-watch notifications —
// change, initial-snapshot, and end-of-snapshot frames all share this shape.
type fuzzyWatchPush struct {
	GroupKey string `json:"groupKey"`
	Checksum string `json:"checksum,omitempty"`
}

func handleFuzzyWatch(deps Deps) codec.HandlerFunc {
	return func(ctx context.Context, conn codec.ConnContext, body json.RawMessage) (json.RawMessage, error) {
		var req fuzzyWatchRequest
		if err := decode(body, &req); err != nil {
			return nil, err
		}
		pattern, ok := naming.ParseFuzzyWatchPattern(req.GroupKeyPattern)
		if !ok || deps.FuzzyWatch == nil || !deps.FuzzyWatch.RegisterWatch(conn.ConnectionID(), req.GroupKeyPattern, req.WatchType) {
			return nil, apierr.New(apierr.KindParameterInvalid, "invalid fuzzy watch pattern")
		}

		connID := conn.ConnectionID()
		if deps.Naming != nil && deps.Conns != nil {
			matched := deps.Naming.ServiceKeysMatching(pattern)
			var newlyReceived []string
			for _, key := range matched {
				groupKey := naming.BuildGroupKey(key.Namespace, key.Group, key.Name)
				if deps.FuzzyWatch.IsReceived(connID, groupKey) {
					continue
				}
				res := deps.Naming.GetService(key, "", false)
				pushBody, err := encode(fuzzyWatchPush{GroupKey: groupKey, Checksum: res.Checksum})
				if err != nil {
					return nil, err
				}
				_ = deps.Conns.Push(connID, codec.Response{Type: naming.PushTypeFuzzyWatchInitNotify, Success: true, Body: pushBody})
				newlyReceived = append(newlyReceived, groupKey)
			}
			if len(newlyReceived) > 0 {
				deps.FuzzyWatch.MarkReceivedBatch(connID, newlyReceived)
			}
			_ = deps.Conns.Push(connID, codec.Response{Type: naming.PushTypeFuzzyWatchInitFinishNotify, Success: true})
		}

		return encode(map[string]bool{"success": true})
	}
}

// --- locks (component E) ---

type lockAcquireRequest struct {
	Namespace     string            `json:"namespace"`
	Name          string            `json:"name"`
	Owner         string            `json:"owner"`
	OwnerMetadata map[string]string `json:"ownerMetadata,omitempty"`
	TTLMs         int64             `json:"ttlMs"`
	AutoRenew     bool              `json:"autoRenew"`
	MaxRenewals   int               `json:"maxRenewals"`
	WaitMs        int64             `json:"waitMs"`
}

func handleLockAcquire(deps Deps) codec.HandlerFunc {
	return func(ctx context.Context, conn codec.ConnContext, body json.RawMessage) (json.RawMessage, error) {
		var req lockAcquireRequest
		if err := decode(body, &req); err != nil {
			return nil, err
		}
		if req.Name == "" || req.Owner == "" {
			return nil, apierr.New(apierr.KindParameterMissing, "name and owner are required")
		}
		lock, err := deps.Locks.Acquire(lockservice.AcquireRequest{
			Namespace: req.Namespace, Name: req.Name, Owner: req.Owner,
			OwnerMetadata: req.OwnerMetadata, TTLMs: req.TTLMs,
			AutoRenew: req.AutoRenew, MaxRenewals: req.MaxRenewals, WaitMs: req.WaitMs,
		})
		if err != nil {
			return nil, err
		}
		return encode(lock)
	}
}

type lockReleaseRequest struct {
	Namespace     string `json:"namespace"`
	Name          string `json:"name"`
	Owner         string `json:"owner"`
	HasFenceToken bool   `json:"hasFenceToken"`
	FenceToken    int64  `json:"fenceToken"`
}

func handleLockRelease(deps Deps) codec.HandlerFunc {
	return func(ctx context.Context, conn codec.ConnContext, body json.RawMessage) (json.RawMessage, error) {
		var req lockReleaseRequest
		if err := decode(body, &req); err != nil {
			return nil, err
		}
		lock, err := deps.Locks.Release(req.Namespace, req.Name, req.Owner, req.HasFenceToken, req.FenceToken)
		if err != nil {
			return nil, err
		}
		return encode(lock)
	}
}

type lockRenewRequest struct {
	Namespace string `json:"namespace"`
	Name      string `json:"name"`
	Owner     string `json:"owner"`
	TTLMs     int64  `json:"ttlMs"`
}

func handleLockRenew(deps Deps) codec.HandlerFunc {
	return func(ctx context.Context, conn codec.ConnContext, body json.RawMessage) (json.RawMessage, error) {
		var req lockRenewRequest
		if err := decode(body, &req); err != nil {
			return nil, err
		}
		lock, err := deps.Locks.Renew(req.Namespace, req.Name, req.Owner, req.TTLMs)
		if err != nil {
			return nil, err
		}
		return encode(lock)
	}
}

type lockForceReleaseRequest struct {
	Namespace string `json:"namespace"`
	Name      string `json:"name"`
}

func handleLockForceRelease(deps Deps) codec.HandlerFunc {
	return func(ctx context.Context, conn codec.ConnContext, body json.RawMessage) (json.RawMessage, error) {
		var req lockForceReleaseRequest
		if err := decode(body, &req); err != nil {
			return nil, err
		}
		lock, err := deps.Locks.ForceRelease(req.Namespace, req.Name)
		if err != nil {
			return nil, err
		}
		return encode(lock)
	}
}

type lockQueryRequest struct {
	Namespace      string          `json:"namespace"`
	Name           string          `json:"name"`
	Owner          string          `json:"owner"`
	State          types.LockState `json:"state"`
	IncludeExpired bool            `json:"includeExpired"`
	Limit          int             `json:"limit"`
}

func handleLockQuery(deps Deps) codec.HandlerFunc {
	return func(ctx context.Context, conn codec.ConnContext, body json.RawMessage) (json.RawMessage, error) {
		var req lockQueryRequest
		if err := decode(body, &req); err != nil {
			return nil, err
		}
		locks, err := deps.Locks.Query(lockservice.QueryRequest{
			Namespace: req.Namespace, Name: req.Name, Owner: req.Owner,
			State: req.State, IncludeExpired: req.IncludeExpired, Limit: req.Limit,
		})
		if err != nil {
			return nil, apierr.Wrap(apierr.KindInternal, err, "failed to query locks")
		}
		return encode(locks)
	}
}
